package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/go-ble-central/internal/central"
	"github.com/codefionn/go-ble-central/internal/config"
	"github.com/codefionn/go-ble-central/internal/logger"
	"github.com/codefionn/go-ble-central/internal/models"
	"github.com/codefionn/go-ble-central/internal/storage"
)

var (
	heartRateID = uuid.MustParse("6b1c2f0e-8d1a-4a43-9b8e-0c6a1f6d0001")
	keyboardID  = uuid.MustParse("6b1c2f0e-8d1a-4a43-9b8e-0c6a1f6d0002")
	brokenID    = uuid.MustParse("6b1c2f0e-8d1a-4a43-9b8e-0c6a1f6d0003")
)

const testScenario = `
state: powered_on
advertise_interval: 10ms
connect_latency: 5ms
devices:
  - id: 6b1c2f0e-8d1a-4a43-9b8e-0c6a1f6d0001
    name: Heart Rate Monitor
    services: ["180D"]
    rssi: -55
    payload: "020106"
  - id: 6b1c2f0e-8d1a-4a43-9b8e-0c6a1f6d0002
    name: Keyboard
    services: ["1812"]
    connected: true
  - id: 6b1c2f0e-8d1a-4a43-9b8e-0c6a1f6d0003
    name: Broken
    services: ["180D"]
    outcome: fail
`

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	scenario := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(scenario, []byte(testScenario), 0o644); err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		Server:  config.ServerConfig{Port: 5590, ListenAddresses: []string{"127.0.0.1"}},
		Storage: config.StorageConfig{Path: dir},
		Central: config.CentralConfig{
			Enabled:       true,
			Transport:     config.BackendSim,
			Adapter:       "hci0",
			Scenario:      scenario,
			PendingPolicy: "queue",
		},
		Log: config.LogConfig{Level: "error", Format: "console"},
	}
}

func createTestServer(t *testing.T) *Server {
	t.Helper()
	server, err := New(testConfig(t, t.TempDir()), logger.NewConsoleLogger(logger.ErrorLevel))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return server
}

// startServer starts s and returns a channel carrying every emitted event.
func startServer(t *testing.T, s *Server) <-chan models.EventMessage {
	t.Helper()
	events := make(chan models.EventMessage, 256)
	s.Subscribe(func(eventType models.EventType, data interface{}) {
		select {
		case events <- models.EventMessage{Event: eventType, Data: data}:
		default:
		}
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { s.Shutdown() })
	return events
}

// waitEvent returns the next event of type want, skipping others.
func waitEvent(t *testing.T, events <-chan models.EventMessage, want models.EventType) models.EventMessage {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Event == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %s", want)
			return models.EventMessage{}
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func command(t *testing.T, s *Server, name models.APICommand, args map[string]interface{}) (interface{}, error) {
	t.Helper()
	return s.HandleCommand(context.Background(), models.CommandMessage{
		MessageID: models.GenerateMessageID(),
		Command:   string(name),
		Args:      args,
	})
}

func TestNewServer(t *testing.T) {
	server := createTestServer(t)

	if server.logger == nil || server.storage == nil || server.wsHandler == nil {
		t.Fatal("Server not initialized")
	}
	if server.handles == nil {
		t.Error("Handle map not initialized")
	}

	info := server.GetServerInfo()
	if info.SDKVersion != "go-ble-central-"+Version {
		t.Errorf("SDKVersion = %q", info.SDKVersion)
	}
	if info.Backend != config.BackendSim || info.Adapter != "hci0" {
		t.Errorf("Unexpected backend info %+v", info)
	}
	if info.BluetoothEnabled {
		t.Error("BluetoothEnabled should be false before Start")
	}

	if _, err := New(nil, nil); err == nil {
		t.Error("Expected error without config")
	}
}

func TestStartReportsState(t *testing.T) {
	server := createTestServer(t)
	events := startServer(t, server)

	ev := waitEvent(t, events, models.EventTypeStateChanged)
	if data := ev.Data.(models.StateChangedEvent); data.State != "powered_on" {
		t.Errorf("State = %q, want powered_on", data.State)
	}
	if !server.GetServerInfo().BluetoothEnabled {
		t.Error("BluetoothEnabled should be true after Start")
	}

	res, err := command(t, server, models.APICommandGetState, nil)
	if err != nil {
		t.Fatal(err)
	}
	status := res.(models.ManagerStatus)
	if status.State != "powered_on" || status.Scanning || status.Policy != "queue" {
		t.Errorf("Unexpected status %+v", status)
	}
	if len(status.Capabilities) != 3 {
		t.Errorf("Capabilities = %v", status.Capabilities)
	}
}

func TestIdentityKeyPersists(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	first, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	startServer(t, first)
	a := first.manager().Mapper().Identifier("C0:FF:EE:00:00:01")
	first.Shutdown()

	second, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	startServer(t, second)
	b := second.manager().Mapper().Identifier("C0:FF:EE:00:00:01")

	if a != b {
		t.Errorf("Identifiers differ across restarts: %s != %s", a, b)
	}
}

func TestCommandErrors(t *testing.T) {
	server := createTestServer(t)
	startServer(t, server)

	tests := []struct {
		name     string
		command  models.APICommand
		args     map[string]interface{}
		wantCode int
	}{
		{"unknown command", "reticulate_splines", nil, models.ErrorCodeInvalidArguments},
		{"connect without id", models.APICommandConnect, nil, models.ErrorCodeInvalidArguments},
		{"connect bad id", models.APICommandConnect, map[string]interface{}{"peripheral_id": "nope"}, models.ErrorCodeInvalidArguments},
		{"connect wrong type", models.APICommandConnect, map[string]interface{}{"peripheral_id": []interface{}{1}}, models.ErrorCodeInvalidArguments},
		{"connect unknown", models.APICommandConnect, map[string]interface{}{"peripheral_id": uuid.New().String()}, models.ErrorCodeNotFound},
		{"cancel unknown", models.APICommandCancelConnection, map[string]interface{}{"peripheral_id": uuid.New().String()}, models.ErrorCodeNotFound},
		{"scan bad service", models.APICommandStartScan, map[string]interface{}{"services": []interface{}{"xyz"}}, models.ErrorCodeInvalidArguments},
		{"retrieve bad id", models.APICommandRetrievePeripherals, map[string]interface{}{"peripheral_ids": []interface{}{"1"}}, models.ErrorCodeInvalidArguments},
		{"register bad service", models.APICommandRegisterConnectionEvents, map[string]interface{}{"services": []interface{}{"zz"}}, models.ErrorCodeInvalidArguments},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := command(t, server, tt.command, tt.args)
			if err == nil {
				t.Fatal("Expected error")
			}
			if code := models.ErrorCode(err); code != tt.wantCode {
				t.Errorf("ErrorCode = %d, want %d (%v)", code, tt.wantCode, err)
			}
		})
	}
}

func TestScanConnectDisconnect(t *testing.T) {
	server := createTestServer(t)
	events := startServer(t, server)

	res, err := command(t, server, models.APICommandStartScan, map[string]interface{}{
		"services":         []interface{}{"180d"},
		"allow_duplicates": false,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.(models.ManagerStatus).Scanning {
		t.Error("Expected scanning status after start_scan")
	}

	var discovered models.DiscoveredEvent
	for discovered.Peripheral.PeripheralID != heartRateID.String() {
		discovered = waitEvent(t, events, models.EventTypePeripheralDiscovered).Data.(models.DiscoveredEvent)
	}
	if discovered.Peripheral.Name != "Heart Rate Monitor" {
		t.Errorf("Name = %q", discovered.Peripheral.Name)
	}
	if discovered.Advertisement.Payload != "020106" {
		t.Errorf("Payload = %q", discovered.Advertisement.Payload)
	}
	if len(discovered.Advertisement.Services) != 1 || discovered.Advertisement.Services[0] != "180d" {
		t.Errorf("Services = %v", discovered.Advertisement.Services)
	}

	if _, err := command(t, server, models.APICommandConnect, map[string]interface{}{"peripheral_id": heartRateID.String()}); err != nil {
		t.Fatal(err)
	}
	connected := waitEvent(t, events, models.EventTypePeripheralConnected).Data.(models.PeripheralEvent)
	if connected.Peripheral.PeripheralID != heartRateID.String() || connected.Peripheral.State != "connected" {
		t.Errorf("Unexpected connected event %+v", connected)
	}

	if _, err := command(t, server, models.APICommandCancelConnection, map[string]interface{}{"peripheral_id": heartRateID.String()}); err != nil {
		t.Fatal(err)
	}
	disconnected := waitEvent(t, events, models.EventTypePeripheralDisconnected).Data.(models.PeripheralEvent)
	if disconnected.Error != nil {
		t.Errorf("Requested disconnect carried error %q", *disconnected.Error)
	}

	res, err = command(t, server, models.APICommandGetKnownPeripherals, nil)
	if err != nil {
		t.Fatal(err)
	}
	var record *models.PeripheralRecord
	for _, rec := range res.([]*models.PeripheralRecord) {
		if rec.ID == heartRateID.String() {
			record = rec
		}
	}
	if record == nil {
		t.Fatal("Heart rate monitor not recorded")
	}
	if record.ConnectCount != 1 || record.LastState != "disconnected" || record.Name != "Heart Rate Monitor" {
		t.Errorf("Unexpected record %+v", record)
	}

	res, err = command(t, server, models.APICommandStopScan, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.(models.ManagerStatus).Scanning {
		t.Error("Expected scanning to stop")
	}
}

func TestConnectFailure(t *testing.T) {
	server := createTestServer(t)
	events := startServer(t, server)

	if _, err := command(t, server, models.APICommandStartScan, nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, ok := server.handle(brokenID)
		return ok
	})

	if _, err := command(t, server, models.APICommandConnect, map[string]interface{}{"peripheral_id": brokenID.String()}); err != nil {
		t.Fatal(err)
	}
	failed := waitEvent(t, events, models.EventTypePeripheralConnectFailed).Data.(models.PeripheralEvent)
	if failed.Peripheral.PeripheralID != brokenID.String() || failed.Error == nil {
		t.Errorf("Unexpected failure event %+v", failed)
	}
}

func TestRetrieveAndConnectionEvents(t *testing.T) {
	server := createTestServer(t)
	events := startServer(t, server)
	waitEvent(t, events, models.EventTypeStateChanged)

	res, err := command(t, server, models.APICommandRetrievePeripherals, map[string]interface{}{
		"peripheral_ids": []interface{}{heartRateID.String(), uuid.New().String()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.([]models.PeripheralInfo); len(got) != 1 || got[0].PeripheralID != heartRateID.String() {
		t.Errorf("retrieve_peripherals = %+v", got)
	}

	res, err = command(t, server, models.APICommandRetrieveConnectedPeripherals, map[string]interface{}{
		"services": []interface{}{"1812"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.([]models.PeripheralInfo); len(got) != 1 || got[0].PeripheralID != keyboardID.String() {
		t.Errorf("retrieve_connected_peripherals = %+v", got)
	}

	if _, err := command(t, server, models.APICommandRegisterConnectionEvents, map[string]interface{}{
		"peripheral_ids": []interface{}{keyboardID.String()},
	}); err != nil {
		t.Fatal(err)
	}

	sim := server.manager().Simulator()
	waitFor(t, func() bool { return len(sim.CallsFor("event_filter")) > 0 })
	sim.ReportConnectionEvent(central.PeerDisconnected, keyboardID)

	data := waitEvent(t, events, models.EventTypeConnectionEvent).Data.(models.ConnectionEventData)
	if data.Event != "peer_disconnected" || data.Match != "peripheral_id" || data.Peripheral.PeripheralID != keyboardID.String() {
		t.Errorf("Unexpected connection event %+v", data)
	}
}

func TestDuplicateHandlesAreReleased(t *testing.T) {
	server := createTestServer(t)
	events := startServer(t, server)
	waitEvent(t, events, models.EventTypeStateChanged)

	cm := server.central()
	first := cm.RetrievePeripherals([]uuid.UUID{heartRateID})
	second := cm.RetrievePeripherals([]uuid.UUID{heartRateID})
	if len(first) != 1 || len(second) != 1 {
		t.Fatal("Expected one handle per retrieval")
	}

	kept := server.adopt(first[0])
	if again := server.adopt(second[0]); again != kept {
		t.Error("Second handle should resolve to the kept one")
	}
	if !second[0].Released() {
		t.Error("Duplicate handle should be released")
	}
	if kept.Released() {
		t.Error("Kept handle should stay retained")
	}
	if server.adopt(kept) != kept || kept.Released() {
		t.Error("Adopting the kept handle again must not release it")
	}

	server.Shutdown()
	if !kept.Released() {
		t.Error("Shutdown should release kept handles")
	}
}

func TestScanResumesAfterRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	first, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	startServer(t, first)
	if _, err := command(t, first, models.APICommandStartScan, map[string]interface{}{"services": []interface{}{"180d"}}); err != nil {
		t.Fatal(err)
	}
	first.Shutdown()

	second, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	startServer(t, second)
	waitFor(t, func() bool { return second.status().Scanning })

	if _, err := command(t, second, models.APICommandStopScan, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := second.storage.GetSetting(storage.SettingScanFilter); err == nil {
		t.Error("stop_scan should clear the stored scan filter")
	}
}

func TestForgetAndBackup(t *testing.T) {
	server := createTestServer(t)
	startServer(t, server)

	tagID := uuid.New()
	if err := server.storage.SavePeripheral(&models.PeripheralRecord{ID: tagID.String(), Name: "Old Tag"}); err != nil {
		t.Fatal(err)
	}

	res, err := command(t, server, models.APICommandBackupStorage, nil)
	if err != nil {
		t.Fatal(err)
	}
	backup := res.(map[string]string)["path"]
	data, err := os.ReadFile(filepath.Join(backup, "peripherals.json"))
	if err != nil {
		t.Fatalf("Backup missing peripherals file: %v", err)
	}
	if !strings.Contains(string(data), tagID.String()) {
		t.Error("Backup does not contain the stored record")
	}

	args := map[string]interface{}{"peripheral_id": tagID.String()}
	res, err = command(t, server, models.APICommandForgetPeripheral, args)
	if err != nil {
		t.Fatal(err)
	}
	if rec := res.(*models.PeripheralRecord); rec.Name != "Old Tag" {
		t.Errorf("Unexpected forgotten record %+v", rec)
	}
	if _, err := server.storage.GetPeripheral(tagID.String()); err == nil {
		t.Error("Record should be gone")
	}

	tests := []struct {
		name string
		args map[string]interface{}
		want int
	}{
		{"forgotten twice", args, models.ErrorCodeNotFound},
		{"bad id", map[string]interface{}{"peripheral_id": "nope"}, models.ErrorCodeInvalidArguments},
		{"missing id", nil, models.ErrorCodeInvalidArguments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := command(t, server, models.APICommandForgetPeripheral, tt.args)
			if code := models.ErrorCode(err); err == nil || code != tt.want {
				t.Errorf("err = %v (code %d), want code %d", err, code, tt.want)
			}
		})
	}
}

func TestDisabledCentral(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Central.Enabled = false
	server, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	startServer(t, server)

	res, err := command(t, server, models.APICommandGetState, nil)
	if err != nil {
		t.Fatal(err)
	}
	if status := res.(models.ManagerStatus); status.State != "unknown" || len(status.Capabilities) != 0 {
		t.Errorf("Unexpected status %+v", status)
	}
	if _, err := command(t, server, models.APICommandStartScan, nil); models.ErrorCode(err) != models.ErrorCodeInternal {
		t.Errorf("start_scan on disabled central = %v", err)
	}
	if server.GetServerInfo().BluetoothEnabled {
		t.Error("BluetoothEnabled should be false")
	}
}

func TestEventSubscription(t *testing.T) {
	server := createTestServer(t)

	var got []models.EventType
	unsubscribe := server.Subscribe(func(eventType models.EventType, data interface{}) {
		got = append(got, eventType)
	})

	server.EmitEvent(models.EventTypeStateChanged, nil)
	server.EmitEvent(models.EventTypeServerShutdown, nil)
	unsubscribe()
	server.EmitEvent(models.EventTypeStateChanged, nil)

	if len(got) != 2 || got[0] != models.EventTypeStateChanged || got[1] != models.EventTypeServerShutdown {
		t.Errorf("Received %v", got)
	}

	for i := 0; i < maxRecentEvents+10; i++ {
		server.EmitEvent(models.EventTypeStateChanged, nil)
	}
	if n := len(server.recentEvents()); n != maxRecentEvents {
		t.Errorf("Kept %d recent events, want %d", n, maxRecentEvents)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	server := createTestServer(t)
	events := startServer(t, server)
	waitEvent(t, events, models.EventTypeStateChanged)
	if _, err := command(t, server, models.APICommandRetrievePeripherals, map[string]interface{}{
		"peripheral_ids": []interface{}{heartRateID.String()},
	}); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	tests := []struct {
		path       string
		wantStatus int
		check      func(t *testing.T, body []byte)
	}{
		{"/health", http.StatusOK, func(t *testing.T, body []byte) {
			var health map[string]interface{}
			json.Unmarshal(body, &health)
			if health["status"] != "ok" || health["state"] != "powered_on" {
				t.Errorf("Unexpected health %v", health)
			}
		}},
		{"/api/info", http.StatusOK, func(t *testing.T, body []byte) {
			var info models.ServerInfoMessage
			json.Unmarshal(body, &info)
			if info.Backend != "sim" {
				t.Errorf("Unexpected info %+v", info)
			}
		}},
		{"/api/state", http.StatusOK, func(t *testing.T, body []byte) {
			var status models.ManagerStatus
			json.Unmarshal(body, &status)
			if status.State != "powered_on" {
				t.Errorf("Unexpected state %+v", status)
			}
		}},
		{"/api/peripherals", http.StatusOK, func(t *testing.T, body []byte) {
			var ps []models.PeripheralInfo
			json.Unmarshal(body, &ps)
			if len(ps) != 1 || ps[0].PeripheralID != heartRateID.String() {
				t.Errorf("Unexpected peripherals %+v", ps)
			}
		}},
		{"/api/peripherals?known=true", http.StatusOK, nil},
		{"/api/peripherals/" + heartRateID.String(), http.StatusOK, func(t *testing.T, body []byte) {
			var p models.PeripheralInfo
			json.Unmarshal(body, &p)
			if p.State != "disconnected" {
				t.Errorf("Unexpected peripheral %+v", p)
			}
		}},
		{"/api/peripherals/not-a-uuid", http.StatusBadRequest, nil},
		{"/api/peripherals/" + uuid.New().String(), http.StatusNotFound, nil},
		{"/api/known/not-a-uuid", http.StatusBadRequest, nil},
		{"/api/known/" + uuid.New().String(), http.StatusNotFound, nil},
		{"/api/diagnostics", http.StatusOK, func(t *testing.T, body []byte) {
			var d models.ServerDiagnostics
			json.Unmarshal(body, &d)
			if len(d.Events) == 0 {
				t.Error("Diagnostics should include recent events")
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("Status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
				t.Error("Missing CORS header")
			}
			if tt.check != nil {
				var body json.RawMessage
				if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
					t.Fatal(err)
				}
				tt.check(t, body)
			}
		})
	}
}

func TestListenAddrs(t *testing.T) {
	tests := []struct {
		name   string
		listen []string
		want   []string
	}{
		{"default", nil, []string{":5590"}},
		{"ipv4", []string{"127.0.0.1"}, []string{"127.0.0.1:5590"}},
		{"ipv6 and ipv4", []string{"::1", "0.0.0.0"}, []string{"[::1]:5590", "0.0.0.0:5590"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, t.TempDir())
			cfg.Server.ListenAddresses = tt.listen
			server, err := New(cfg, nil)
			if err != nil {
				t.Fatal(err)
			}
			got := server.listenAddrs()
			if len(got) != len(tt.want) {
				t.Fatalf("listenAddrs() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("listenAddrs()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
