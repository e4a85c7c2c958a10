package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/go-ble-central/internal/logger"
	"github.com/codefionn/go-ble-central/internal/models"
)

func newStarted(t *testing.T, dir string) *JSONStorage {
	t.Helper()
	s := NewJSONStorage(dir, logger.Discard())
	if err := s.Start(); err != nil {
		t.Fatalf("Failed to start storage: %v", err)
	}
	return s
}

func TestNewJSONStorage(t *testing.T) {
	tempDir := t.TempDir()

	storage := NewJSONStorage(tempDir, nil)

	if storage.basePath != tempDir {
		t.Errorf("Expected basePath %s, got %s", tempDir, storage.basePath)
	}
	if storage.logger == nil {
		t.Error("Logger not set")
	}
	if storage.peripherals == nil {
		t.Error("Peripherals map not initialized")
	}
	if storage.settings == nil {
		t.Error("Settings map not initialized")
	}
}

func TestJSONStorageStartStop(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "store")

	storage := newStarted(t, dir)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		t.Error("Storage directory was not created")
	}

	if err := storage.Stop(); err != nil {
		t.Fatalf("Failed to stop storage: %v", err)
	}
	for _, f := range []string{peripheralsFile, settingsFile} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("Expected %s after stop: %v", f, err)
		}
	}
}

func TestPeripheralOperations(t *testing.T) {
	storage := newStarted(t, t.TempDir())
	defer storage.Stop()

	now := time.Now().UTC()
	rec := &models.PeripheralRecord{
		ID:        "6f1c9a52-0d3e-4c1b-9a43-1d2f0c7b0a02",
		Name:      "HRM",
		Services:  []string{"180d"},
		LastRSSI:  -60,
		FirstSeen: now,
		LastSeen:  now,
		LastState: "disconnected",
	}

	if err := storage.SavePeripheral(rec); err != nil {
		t.Fatalf("Failed to save peripheral: %v", err)
	}

	rec.Services[0] = "mutated"
	got, err := storage.GetPeripheral(rec.ID)
	if err != nil {
		t.Fatalf("Failed to get peripheral: %v", err)
	}
	if got.Name != "HRM" || got.LastRSSI != -60 {
		t.Errorf("Unexpected record %+v", got)
	}
	if got.Services[0] != "180d" {
		t.Error("Stored record aliases caller's slice")
	}

	got.Name = "changed"
	again, _ := storage.GetPeripheral(rec.ID)
	if again.Name != "HRM" {
		t.Error("Returned record aliases stored record")
	}

	if _, err := storage.GetPeripheral("missing"); err == nil {
		t.Error("Expected error for missing peripheral")
	}
	if err := storage.SavePeripheral(&models.PeripheralRecord{}); err == nil {
		t.Error("Expected error for record without id")
	}

	if err := storage.DeletePeripheral(rec.ID); err != nil {
		t.Fatalf("Failed to delete peripheral: %v", err)
	}
	if _, err := storage.GetPeripheral(rec.ID); err == nil {
		t.Error("Expected error after delete")
	}
}

func TestGetPeripheralsOrder(t *testing.T) {
	storage := newStarted(t, t.TempDir())
	defer storage.Stop()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := []*models.PeripheralRecord{
		{ID: "b", LastSeen: base},
		{ID: "a", LastSeen: base},
		{ID: "c", LastSeen: base.Add(time.Minute)},
	}
	for _, r := range recs {
		if err := storage.SavePeripheral(r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := storage.GetPeripherals()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"c", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d records, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestUpdatePeripheral(t *testing.T) {
	dir := t.TempDir()
	storage := newStarted(t, dir)

	for i := 0; i < 3; i++ {
		err := storage.UpdatePeripheral("p1", func(rec *models.PeripheralRecord) {
			rec.ConnectCount++
			rec.ID = "ignored"
		})
		if err != nil {
			t.Fatalf("UpdatePeripheral failed: %v", err)
		}
	}

	got, err := storage.GetPeripheral("p1")
	if err != nil {
		t.Fatalf("Expected record to be created: %v", err)
	}
	if got.ConnectCount != 3 {
		t.Errorf("Expected connect count 3, got %d", got.ConnectCount)
	}
	if got.FirstSeen.IsZero() {
		t.Error("Expected FirstSeen to be set on creation")
	}

	if !storage.dirty {
		t.Error("Expected pending changes")
	}
	if _, err := os.Stat(filepath.Join(dir, peripheralsFile)); !os.IsNotExist(err) {
		t.Error("UpdatePeripheral should not write to disk")
	}

	if err := storage.Sync(); err != nil {
		t.Fatal(err)
	}
	if storage.dirty {
		t.Error("Sync should clear pending changes")
	}

	if err := storage.UpdatePeripheral("", func(*models.PeripheralRecord) {}); err == nil {
		t.Error("Expected error for empty id")
	}
}

func TestSettingsOperations(t *testing.T) {
	storage := newStarted(t, t.TempDir())
	defer storage.Stop()

	if err := storage.SaveSetting(SettingIdentityKey, "00ff"); err != nil {
		t.Fatalf("Failed to save setting: %v", err)
	}

	value, err := storage.GetSetting(SettingIdentityKey)
	if err != nil {
		t.Fatalf("Failed to get setting: %v", err)
	}
	if value != "00ff" {
		t.Errorf("Expected 00ff, got %v", value)
	}

	if _, err := storage.GetSetting("missing"); err == nil {
		t.Error("Expected error for missing setting")
	}

	if err := storage.DeleteSetting(SettingIdentityKey); err != nil {
		t.Fatalf("Failed to delete setting: %v", err)
	}
	if _, err := storage.GetSetting(SettingIdentityKey); err == nil {
		t.Error("Expected error after delete")
	}
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()

	first := newStarted(t, dir)
	_ = first.SaveSetting(SettingScanFilter, map[string]interface{}{"services": []string{"180d"}})
	_ = first.UpdatePeripheral("p1", func(rec *models.PeripheralRecord) {
		rec.Name = "Watch"
		rec.LastState = "connected"
	})
	if err := first.Stop(); err != nil {
		t.Fatal(err)
	}

	second := newStarted(t, dir)
	defer second.Stop()

	rec, err := second.GetPeripheral("p1")
	if err != nil {
		t.Fatalf("Peripheral not persisted: %v", err)
	}
	if rec.Name != "Watch" || rec.LastState != "connected" {
		t.Errorf("Unexpected persisted record %+v", rec)
	}

	filter, err := second.GetSetting(SettingScanFilter)
	if err != nil {
		t.Fatalf("Setting not persisted: %v", err)
	}
	m, ok := filter.(map[string]interface{})
	if !ok || len(m["services"].([]interface{})) != 1 {
		t.Errorf("Unexpected persisted filter %v", filter)
	}
}

func TestBackupData(t *testing.T) {
	dir := t.TempDir()
	storage := newStarted(t, dir)
	defer storage.Stop()

	_ = storage.SavePeripheral(&models.PeripheralRecord{ID: "p1"})
	_ = storage.SaveSetting("k", "v")

	path, err := storage.BackupData()
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "backup_") {
		t.Errorf("Unexpected backup dir %s", path)
	}

	for _, f := range []string{peripheralsFile, settingsFile} {
		data, err := os.ReadFile(filepath.Join(path, f))
		if err != nil {
			t.Errorf("Missing backup of %s: %v", f, err)
			continue
		}
		if len(data) == 0 {
			t.Errorf("Empty backup of %s", f)
		}
	}
}

func TestLoadCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, peripheralsFile), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, settingsFile), nil, 0644); err != nil {
		t.Fatal(err)
	}

	storage := newStarted(t, dir)
	defer storage.Stop()

	recs, err := storage.GetPeripherals()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("Expected no records from corrupt file, got %d", len(recs))
	}
}
