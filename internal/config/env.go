package config

import (
	"fmt"
	"os"

	"github.com/subosito/gotenv"
)

// loadEnvFile exports the variables of a dotenv file. Variables that are
// already set in the environment win over the file.
func loadEnvFile(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	env, err := gotenv.StrictParse(f)
	if err != nil {
		return fmt.Errorf("invalid env file: %w", err)
	}

	for key, value := range env {
		if os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set environment variable %s: %w", key, err)
		}
	}
	return nil
}
