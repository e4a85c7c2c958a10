package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/codefionn/go-ble-central/internal/logger"
	"github.com/codefionn/go-ble-central/internal/models"
)

const (
	peripheralsFile = "peripherals.json"
	settingsFile    = "settings.json"
)

// Setting keys used by the server.
const (
	SettingIdentityKey = "identity_key"
	SettingScanFilter  = "scan_filter"
)

// JSONStorage implements storage using JSON files
type JSONStorage struct {
	basePath string
	logger   *logger.Logger
	mu       sync.RWMutex

	// In-memory cache
	peripherals map[string]*models.PeripheralRecord
	settings    map[string]interface{}
	dirty       bool
}

// Storage interface defines storage operations
type Storage interface {
	// Peripheral operations
	GetPeripheral(id string) (*models.PeripheralRecord, error)
	GetPeripherals() ([]*models.PeripheralRecord, error)
	SavePeripheral(rec *models.PeripheralRecord) error
	UpdatePeripheral(id string, fn func(rec *models.PeripheralRecord)) error
	DeletePeripheral(id string) error

	// Settings operations
	GetSetting(key string) (interface{}, error)
	SaveSetting(key string, value interface{}) error
	DeleteSetting(key string) error

	// Lifecycle
	Start() error
	Stop() error
	Sync() error
}

// NewJSONStorage creates a new JSON storage instance
func NewJSONStorage(basePath string, log *logger.Logger) *JSONStorage {
	if log == nil {
		log = logger.Discard()
	}
	return &JSONStorage{
		basePath:    basePath,
		logger:      log.WithName("storage"),
		peripherals: make(map[string]*models.PeripheralRecord),
		settings:    make(map[string]interface{}),
	}
}

// Start initializes the storage and loads existing data
func (s *JSONStorage) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	if err := s.loadJSONFile(filepath.Join(s.basePath, peripheralsFile), &s.peripherals); err != nil {
		s.logger.Warn("Failed to load peripherals", logger.ErrorField(err))
	}
	if err := s.loadJSONFile(filepath.Join(s.basePath, settingsFile), &s.settings); err != nil {
		s.logger.Warn("Failed to load settings", logger.ErrorField(err))
	}

	s.logger.Info("JSON storage started",
		logger.String("path", s.basePath),
		logger.Int("peripherals", len(s.peripherals)),
	)

	return nil
}

// Stop saves all data and closes storage
func (s *JSONStorage) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sync(); err != nil {
		return fmt.Errorf("failed to sync data during stop: %w", err)
	}

	s.logger.Info("JSON storage stopped")
	return nil
}

// Sync writes all in-memory data to disk
func (s *JSONStorage) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sync()
}

func (s *JSONStorage) sync() error {
	if err := s.savePeripherals(); err != nil {
		return fmt.Errorf("failed to save peripherals: %w", err)
	}
	if err := s.saveSettings(); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// Peripheral operations

func (s *JSONStorage) GetPeripheral(id string) (*models.PeripheralRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.peripherals[id]
	if !exists {
		return nil, fmt.Errorf("peripheral %s not found", id)
	}

	return copyRecord(rec), nil
}

// GetPeripherals returns every record, most recently seen first.
func (s *JSONStorage) GetPeripherals() ([]*models.PeripheralRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*models.PeripheralRecord, 0, len(s.peripherals))
	for _, rec := range s.peripherals {
		recs = append(recs, copyRecord(rec))
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].LastSeen.Equal(recs[j].LastSeen) {
			return recs[i].LastSeen.After(recs[j].LastSeen)
		}
		return recs[i].ID < recs[j].ID
	})

	return recs, nil
}

func (s *JSONStorage) SavePeripheral(rec *models.PeripheralRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("peripheral record without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.peripherals[rec.ID] = copyRecord(rec)
	return s.savePeripherals()
}

// UpdatePeripheral applies fn to the record for id, creating it if needed.
// The change is kept in memory until the next Sync or Stop.
func (s *JSONStorage) UpdatePeripheral(id string, fn func(rec *models.PeripheralRecord)) error {
	if id == "" {
		return fmt.Errorf("peripheral record without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.peripherals[id]
	if !exists {
		rec = &models.PeripheralRecord{ID: id, FirstSeen: time.Now().UTC()}
		s.peripherals[id] = rec
	}
	fn(rec)
	rec.ID = id
	s.dirty = true
	return nil
}

func (s *JSONStorage) DeletePeripheral(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.peripherals, id)
	return s.savePeripherals()
}

// Settings operations

func (s *JSONStorage) GetSetting(key string) (interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.settings[key]
	if !exists {
		return nil, fmt.Errorf("setting %s not found", key)
	}

	return value, nil
}

func (s *JSONStorage) SaveSetting(key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings[key] = value
	return s.saveSettings()
}

func (s *JSONStorage) DeleteSetting(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.settings, key)
	return s.saveSettings()
}

// File operations

func (s *JSONStorage) savePeripherals() error {
	if err := s.saveJSONFile(filepath.Join(s.basePath, peripheralsFile), s.peripherals); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func (s *JSONStorage) saveSettings() error {
	return s.saveJSONFile(filepath.Join(s.basePath, settingsFile), s.settings)
}

func (s *JSONStorage) loadJSONFile(path string, target interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read file %s: %w", path, err)
	}

	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal JSON from %s: %w", path, err)
	}

	return nil
}

func (s *JSONStorage) saveJSONFile(path string, data interface{}) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write temporary file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	return nil
}

// BackupData copies the data files into a timestamped directory and
// returns its path.
func (s *JSONStorage) BackupData() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	timestamp := time.Now().Format("2006-01-02_15-04-05.000")
	backupPath := filepath.Join(s.basePath, "backup_"+timestamp)

	if err := os.MkdirAll(backupPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	for _, file := range []string{peripheralsFile, settingsFile} {
		src := filepath.Join(s.basePath, file)
		dst := filepath.Join(backupPath, file)

		if err := copyFile(src, dst); err != nil {
			s.logger.Warn("Failed to backup file", logger.String("file", file), logger.ErrorField(err))
		}
	}

	s.logger.Info("Data backup created", logger.String("path", backupPath))
	return backupPath, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	return os.WriteFile(dst, data, 0644)
}

func copyRecord(rec *models.PeripheralRecord) *models.PeripheralRecord {
	c := *rec
	if rec.Services != nil {
		c.Services = append([]string(nil), rec.Services...)
	}
	return &c
}
