package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestEventType(t *testing.T) {
	tests := []struct {
		name     string
		event    EventType
		expected string
	}{
		{"StateChanged", EventTypeStateChanged, "state_changed"},
		{"Discovered", EventTypePeripheralDiscovered, "peripheral_discovered"},
		{"Connected", EventTypePeripheralConnected, "peripheral_connected"},
		{"ConnectFailed", EventTypePeripheralConnectFailed, "peripheral_connect_failed"},
		{"Disconnected", EventTypePeripheralDisconnected, "peripheral_disconnected"},
		{"ConnectionEvent", EventTypeConnectionEvent, "connection_event"},
		{"ServerShutdown", EventTypeServerShutdown, "server_shutdown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.event) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, string(tt.event))
			}
		})
	}
}

func TestAPICommand(t *testing.T) {
	tests := []struct {
		name     string
		command  APICommand
		expected string
	}{
		{"StartListening", APICommandStartListening, "start_listening"},
		{"ServerDiagnostics", APICommandServerDiagnostics, "diagnostics"},
		{"ServerInfo", APICommandServerInfo, "server_info"},
		{"GetState", APICommandGetState, "get_state"},
		{"Capabilities", APICommandCapabilities, "capabilities"},
		{"StartScan", APICommandStartScan, "start_scan"},
		{"StopScan", APICommandStopScan, "stop_scan"},
		{"Connect", APICommandConnect, "connect"},
		{"CancelConnection", APICommandCancelConnection, "cancel_connection"},
		{"RetrievePeripherals", APICommandRetrievePeripherals, "retrieve_peripherals"},
		{"RetrieveConnected", APICommandRetrieveConnectedPeripherals, "retrieve_connected_peripherals"},
		{"RegisterConnectionEvents", APICommandRegisterConnectionEvents, "register_connection_events"},
		{"GetKnownPeripherals", APICommandGetKnownPeripherals, "get_known_peripherals"},
		{"ForgetPeripheral", APICommandForgetPeripheral, "forget_peripheral"},
		{"BackupStorage", APICommandBackupStorage, "backup_storage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.command) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, string(tt.command))
			}
		})
	}
}

func TestPeripheralInfoOmitsUnsetSignal(t *testing.T) {
	info := PeripheralInfo{
		PeripheralID: "6f1c9a52-0d3e-4c1b-9a43-1d2f0c7b0a02",
		Services:     []string{},
		State:        "disconnected",
	}

	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("Failed to marshal PeripheralInfo: %v", err)
	}

	s := string(data)
	for _, key := range []string{`"rssi"`, `"last_seen"`, `"name"`} {
		if strings.Contains(s, key) {
			t.Errorf("Expected %s to be omitted, got %s", key, s)
		}
	}
	if !strings.Contains(s, `"services":[]`) {
		t.Errorf("Expected empty services array, got %s", s)
	}

	rssi := -42
	now := time.Now().UTC()
	info.RSSI = &rssi
	info.LastSeen = &now
	data, _ = json.Marshal(info)
	if !strings.Contains(string(data), `"rssi":-42`) {
		t.Errorf("Expected rssi in %s", data)
	}
}

func TestPeripheralEventJSON(t *testing.T) {
	clean := PeripheralEvent{Peripheral: PeripheralInfo{PeripheralID: "a"}}
	data, err := json.Marshal(clean)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), `"error"`) {
		t.Errorf("Clean outcome should omit error: %s", data)
	}

	reason := "connection lost"
	failed := PeripheralEvent{Peripheral: PeripheralInfo{PeripheralID: "a"}, Error: &reason}
	data, _ = json.Marshal(failed)
	if !strings.Contains(string(data), `"error":"connection lost"`) {
		t.Errorf("Expected error in %s", data)
	}
}

func TestStartScanArgsAllowDuplicates(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  *bool
	}{
		{"absent", `{"services":["180D"]}`, nil},
		{"false", `{"allow_duplicates":false}`, boolPtr(false)},
		{"true", `{"allow_duplicates":true}`, boolPtr(true)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var args StartScanArgs
			if err := json.Unmarshal([]byte(tt.input), &args); err != nil {
				t.Fatal(err)
			}
			if (args.AllowDuplicates == nil) != (tt.want == nil) {
				t.Fatalf("Expected %v, got %v", tt.want, args.AllowDuplicates)
			}
			if tt.want != nil && *args.AllowDuplicates != *tt.want {
				t.Errorf("Expected %v, got %v", *tt.want, *args.AllowDuplicates)
			}
		})
	}
}

func TestCommandMessageJSON(t *testing.T) {
	input := `{"message_id":"m1","command":"connect","args":{"peripheral_id":"abc"}}`

	var cmd CommandMessage
	if err := json.Unmarshal([]byte(input), &cmd); err != nil {
		t.Fatalf("Failed to unmarshal CommandMessage: %v", err)
	}

	if cmd.MessageID != "m1" || APICommand(cmd.Command) != APICommandConnect {
		t.Errorf("Unexpected command %+v", cmd)
	}
	if cmd.Args["peripheral_id"] != "abc" {
		t.Errorf("Expected peripheral_id arg, got %v", cmd.Args)
	}
}

func TestSuccessResultMessageJSON(t *testing.T) {
	msg := SuccessResultMessage{
		ResultMessageBase: ResultMessageBase{MessageID: "m2"},
		Result:            ManagerStatus{State: "powered_on", Capabilities: []string{}},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Failed to marshal SuccessResultMessage: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["message_id"] != "m2" {
		t.Errorf("Expected embedded message_id, got %v", raw)
	}
	result, ok := raw["result"].(map[string]interface{})
	if !ok || result["state"] != "powered_on" {
		t.Errorf("Unexpected result %v", raw["result"])
	}
}

func TestErrorResultMessageJSON(t *testing.T) {
	details := "unknown peripheral"
	msg := ErrorResultMessage{
		ResultMessageBase: ResultMessageBase{MessageID: "m3"},
		ErrorCode:         ErrorCodeNotFound,
		Details:           &details,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Failed to marshal ErrorResultMessage: %v", err)
	}

	var unmarshaled ErrorResultMessage
	if err := json.Unmarshal(data, &unmarshaled); err != nil {
		t.Fatalf("Failed to unmarshal ErrorResultMessage: %v", err)
	}
	if unmarshaled.ErrorCode != 404 {
		t.Errorf("Expected error code 404, got %d", unmarshaled.ErrorCode)
	}
	if unmarshaled.Details == nil || *unmarshaled.Details != details {
		t.Errorf("Expected details %q, got %v", details, unmarshaled.Details)
	}
}

func TestEventMessageJSON(t *testing.T) {
	msg := EventMessage{
		Event: EventTypeStateChanged,
		Data:  StateChangedEvent{State: "powered_off"},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Failed to marshal EventMessage: %v", err)
	}
	if string(data) != `{"event":"state_changed","data":{"state":"powered_off"}}` {
		t.Errorf("Unexpected event encoding %s", data)
	}
}

func TestGenerateMessageID(t *testing.T) {
	id1 := GenerateMessageID()
	id2 := GenerateMessageID()

	if id1 == "" || id2 == "" {
		t.Error("Generated message ID should not be empty")
	}
	if id1 == id2 {
		t.Error("Generated message IDs should be unique")
	}
	if len(id1) != 36 {
		t.Errorf("Expected UUID length 36, got %d", len(id1))
	}
}

func TestErrorCode(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"plain error", cause, ErrorCodeInternal},
		{"command error", NewCommandError(ErrorCodeNotFound, "peripheral %s not found", "x"), ErrorCodeNotFound},
		{"wrapped", fmt.Errorf("connect: %w", NewCommandError(ErrorCodeUnsupported, "no: %w", cause)), ErrorCodeUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %d, want %d", got, tt.want)
			}
		})
	}

	ce := NewCommandError(ErrorCodeInvalidArguments, "bad: %w", cause)
	if !errors.Is(ce, cause) {
		t.Error("CommandError should unwrap to its cause")
	}
	if ce.Error() != "bad: boom" {
		t.Errorf("Error() = %q", ce.Error())
	}
}

func boolPtr(b bool) *bool {
	return &b
}
