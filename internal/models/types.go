package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents different types of events that can be emitted
type EventType string

const (
	EventTypeStateChanged            EventType = "state_changed"
	EventTypePeripheralDiscovered    EventType = "peripheral_discovered"
	EventTypePeripheralConnected     EventType = "peripheral_connected"
	EventTypePeripheralConnectFailed EventType = "peripheral_connect_failed"
	EventTypePeripheralDisconnected  EventType = "peripheral_disconnected"
	EventTypeConnectionEvent         EventType = "connection_event"
	EventTypeServerShutdown          EventType = "server_shutdown"
)

// APICommand represents different API commands available
type APICommand string

const (
	APICommandStartListening               APICommand = "start_listening"
	APICommandServerDiagnostics            APICommand = "diagnostics"
	APICommandServerInfo                   APICommand = "server_info"
	APICommandGetState                     APICommand = "get_state"
	APICommandCapabilities                 APICommand = "capabilities"
	APICommandStartScan                    APICommand = "start_scan"
	APICommandStopScan                     APICommand = "stop_scan"
	APICommandConnect                      APICommand = "connect"
	APICommandCancelConnection             APICommand = "cancel_connection"
	APICommandRetrievePeripherals          APICommand = "retrieve_peripherals"
	APICommandRetrieveConnectedPeripherals APICommand = "retrieve_connected_peripherals"
	APICommandRegisterConnectionEvents     APICommand = "register_connection_events"
	APICommandGetKnownPeripherals          APICommand = "get_known_peripherals"
	APICommandForgetPeripheral             APICommand = "forget_peripheral"
	APICommandBackupStorage                APICommand = "backup_storage"
)

// Error codes carried by ErrorResultMessage.
const (
	ErrorCodeInvalidArguments = 400
	ErrorCodeNotFound         = 404
	ErrorCodeInternal         = 500
	ErrorCodeUnsupported      = 501
)

// CommandError is a failed command together with the code reported to the
// client.
type CommandError struct {
	Code int
	Err  error
}

// NewCommandError formats a CommandError. Use %w to keep the cause.
func NewCommandError(code int, format string, args ...interface{}) *CommandError {
	return &CommandError{Code: code, Err: fmt.Errorf(format, args...)}
}

func (e *CommandError) Error() string { return e.Err.Error() }

func (e *CommandError) Unwrap() error { return e.Err }

// ErrorCode returns the code of the first CommandError in err's chain, or
// ErrorCodeInternal.
func ErrorCode(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrorCodeInternal
}

// PeripheralInfo is the wire view of a peripheral handle.
type PeripheralInfo struct {
	PeripheralID string     `json:"peripheral_id"`
	Name         string     `json:"name,omitempty"`
	Services     []string   `json:"services"`
	State        string     `json:"state"`
	RSSI         *int       `json:"rssi,omitempty"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
}

// AdvertisementData is one advertising report. Payload is hex encoded and
// never interpreted by the server.
type AdvertisementData struct {
	LocalName   string   `json:"local_name,omitempty"`
	Services    []string `json:"services"`
	Payload     string   `json:"payload,omitempty"`
	RSSI        int      `json:"rssi"`
	Connectable bool     `json:"connectable"`
}

// StateChangedEvent is the data of a state_changed event
type StateChangedEvent struct {
	State string `json:"state"`
}

// DiscoveredEvent is the data of a peripheral_discovered event
type DiscoveredEvent struct {
	Peripheral    PeripheralInfo    `json:"peripheral"`
	Advertisement AdvertisementData `json:"advertisement"`
}

// PeripheralEvent is the data of connected, connect_failed and
// disconnected events. Error is empty for a clean outcome.
type PeripheralEvent struct {
	Peripheral PeripheralInfo `json:"peripheral"`
	Error      *string        `json:"error,omitempty"`
}

// ConnectionEventData is the data of a connection_event event
type ConnectionEventData struct {
	Peripheral PeripheralInfo `json:"peripheral"`
	Event      string         `json:"event"`
	Match      string         `json:"match"`
}

// PeripheralRecord is what the server remembers about a peripheral across
// restarts.
type PeripheralRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Services     []string  `json:"services,omitempty"`
	LastRSSI     int       `json:"last_rssi"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	ConnectCount int       `json:"connect_count"`
	LastState    string    `json:"last_state"`
}

// ScanFilter is the last requested scan, persisted in settings.
type ScanFilter struct {
	Services        []string `json:"services"`
	AllowDuplicates bool     `json:"allow_duplicates"`
}

// StartScanArgs are the arguments of start_scan
type StartScanArgs struct {
	Services        []string `json:"services"`
	AllowDuplicates *bool    `json:"allow_duplicates,omitempty"`
}

// PeripheralArgs are the arguments of connect and cancel_connection
type PeripheralArgs struct {
	PeripheralID string `json:"peripheral_id"`
}

// RetrieveArgs are the arguments of retrieve_peripherals
type RetrieveArgs struct {
	PeripheralIDs []string `json:"peripheral_ids"`
}

// ServicesArgs are the arguments of retrieve_connected_peripherals
type ServicesArgs struct {
	Services []string `json:"services"`
}

// ConnectionEventArgs are the arguments of register_connection_events.
// Both lists empty means every connection event matches.
type ConnectionEventArgs struct {
	Services      []string `json:"services"`
	PeripheralIDs []string `json:"peripheral_ids"`
}

// ManagerStatus is the reply to get_state and /api/state
type ManagerStatus struct {
	State        string   `json:"state"`
	Scanning     bool     `json:"scanning"`
	Capabilities []string `json:"capabilities"`
	Policy       string   `json:"pending_policy"`
}

// ServerDiagnostics contains full server dump for diagnostics
type ServerDiagnostics struct {
	Info        ServerInfoMessage   `json:"info"`
	Status      ManagerStatus       `json:"status"`
	Peripherals []PeripheralInfo    `json:"peripherals"`
	Known       []*PeripheralRecord `json:"known"`
	Events      []EventMessage      `json:"events"`
}

// Message types for WebSocket communication

// CommandMessage represents a command from client to server or vice versa
type CommandMessage struct {
	MessageID string                 `json:"message_id"`
	Command   string                 `json:"command"`
	Args      map[string]interface{} `json:"args,omitempty"`
}

// ResultMessageBase is the base class for result messages
type ResultMessageBase struct {
	MessageID string `json:"message_id"`
}

// SuccessResultMessage is sent when a command executes successfully
type SuccessResultMessage struct {
	ResultMessageBase
	Result interface{} `json:"result"`
}

// ErrorResultMessage is sent when a command fails
type ErrorResultMessage struct {
	ResultMessageBase
	ErrorCode int     `json:"error_code"`
	Details   *string `json:"details,omitempty"`
}

// EventMessage is sent for stateless events
type EventMessage struct {
	Event EventType   `json:"event"`
	Data  interface{} `json:"data"`
}

// ServerInfoMessage contains server information sent to clients
type ServerInfoMessage struct {
	SchemaVersion             int    `json:"schema_version"`
	MinSupportedSchemaVersion int    `json:"min_supported_schema_version"`
	SDKVersion                string `json:"sdk_version"`
	Backend                   string `json:"backend"`
	Adapter                   string `json:"adapter,omitempty"`
	BluetoothEnabled          bool   `json:"bluetooth_enabled"`
}

// EventCallback is a function type for event callbacks
type EventCallback func(eventType EventType, data interface{})

// GenerateMessageID generates a new message ID
func GenerateMessageID() string {
	return uuid.New().String()
}
