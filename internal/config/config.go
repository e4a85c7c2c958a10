package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/codefionn/go-ble-central/internal/central"
	"github.com/codefionn/go-ble-central/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. BLECENTRAL_SERVER_PORT.
const EnvPrefix = "BLECENTRAL"

// Supported transport backends.
const (
	BackendSim    = "sim"
	BackendBlueZ  = "bluez"
	BackendTinyGo = "tinygo"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Central CentralConfig `mapstructure:"central"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int      `mapstructure:"port"`
	ListenAddresses []string `mapstructure:"listen_addresses"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type CentralConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Transport       string `mapstructure:"transport"`
	Adapter         string `mapstructure:"adapter"`
	Scenario        string `mapstructure:"scenario"`
	PendingPolicy   string `mapstructure:"pending_policy"`
	AllowDuplicates bool   `mapstructure:"allow_duplicates"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Policy returns the parsed pending policy.
func (c CentralConfig) Policy() central.PendingPolicy {
	p, _ := central.ParsePendingPolicy(c.PendingPolicy)
	return p
}

func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		// A broken implicit .env is not fatal; an explicit one is.
		_ = loadEnvFile(".env")
	}

	setDefaults(v)

	configFile, _ := cmd.Flags().GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		v.AddConfigPath(filepath.Join(home, ".ble_central"))
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Storage.Path == "" {
		pwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current working directory: %w", err)
		}
		cfg.Storage.Path = filepath.Join(pwd, ".ble_central")
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5590)
	v.SetDefault("central.enabled", true)
	v.SetDefault("central.transport", BackendSim)
	v.SetDefault("central.adapter", "hci0")
	v.SetDefault("central.pending_policy", central.PendingQueue.String())
	v.SetDefault("central.allow_duplicates", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"port":             "server.port",
	"listen":           "server.listen_addresses",
	"storage-path":     "storage.path",
	"transport":        "central.transport",
	"adapter":          "central.adapter",
	"scenario":         "central.scenario",
	"pending-policy":   "central.pending_policy",
	"allow-duplicates": "central.allow_duplicates",
	"central-enabled":  "central.enabled",
	"log-level":        "log.level",
	"log-format":       "log.format",
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}

	switch cfg.Central.Transport {
	case BackendSim, BackendBlueZ, BackendTinyGo:
	default:
		return fmt.Errorf("invalid transport %q: want %s, %s or %s",
			cfg.Central.Transport, BackendSim, BackendBlueZ, BackendTinyGo)
	}

	if _, err := central.ParsePendingPolicy(cfg.Central.PendingPolicy); err != nil {
		return err
	}
	if _, err := logger.ParseLogLevel(cfg.Log.Level); err != nil {
		return err
	}
	if _, err := logger.ParseLogFormat(cfg.Log.Format); err != nil {
		return err
	}

	if cfg.Central.Scenario != "" {
		if _, err := os.Stat(cfg.Central.Scenario); err != nil {
			return fmt.Errorf("scenario file: %w", err)
		}
	}

	return nil
}
