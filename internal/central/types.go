package central

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ManagerState is the power/authorization state of the local radio.
type ManagerState int32

const (
	StateUnknown ManagerState = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

var managerStateNames = map[ManagerState]string{
	StateUnknown:      "unknown",
	StateResetting:    "resetting",
	StateUnsupported:  "unsupported",
	StateUnauthorized: "unauthorized",
	StatePoweredOff:   "powered_off",
	StatePoweredOn:    "powered_on",
}

func (s ManagerState) String() string {
	if name, ok := managerStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ManagerState(%d)", int32(s))
}

// MarshalText encodes the state by name.
func (s ManagerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by String.
func (s *ManagerState) UnmarshalText(b []byte) error {
	v, err := ParseManagerState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseManagerState parses a state name; "poweredOn", "powered_on" and
// "powered-on" are all accepted.
func ParseManagerState(s string) (ManagerState, error) {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
	for state, name := range managerStateNames {
		if strings.ReplaceAll(name, "_", "") == norm {
			return state, nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown manager state %q", s)
}

// PeripheralState is the connection state of one peripheral.
type PeripheralState int32

const (
	PeripheralDisconnected PeripheralState = iota
	PeripheralConnecting
	PeripheralConnected
	PeripheralDisconnecting
)

func (s PeripheralState) String() string {
	switch s {
	case PeripheralDisconnected:
		return "disconnected"
	case PeripheralConnecting:
		return "connecting"
	case PeripheralConnected:
		return "connected"
	case PeripheralDisconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("PeripheralState(%d)", int32(s))
}

func (s PeripheralState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Capability is a feature a transport may or may not provide.
type Capability uint32

const (
	CapabilityConnectionEvents Capability = 1 << iota
	CapabilityRetrieveConnected
	CapabilityScanSolicitation
)

var capabilityNames = []struct {
	c    Capability
	name string
}{
	{CapabilityConnectionEvents, "connection_events"},
	{CapabilityRetrieveConnected, "retrieve_connected"},
	{CapabilityScanSolicitation, "scan_solicitation"},
}

// Capabilities is a set of Capability flags.
type Capabilities Capability

// Has reports whether every flag in c is present.
func (cs Capabilities) Has(c Capability) bool {
	return Capability(cs)&c == c
}

// Names lists the present capabilities in a fixed order.
func (cs Capabilities) Names() []string {
	names := []string{}
	for _, n := range capabilityNames {
		if cs.Has(n.c) {
			names = append(names, n.name)
		}
	}
	return names
}

// NewCapabilities combines flags into a set.
func NewCapabilities(caps ...Capability) Capabilities {
	var cs Capability
	for _, c := range caps {
		cs |= c
	}
	return Capabilities(cs)
}

// Options carries transport-specific keys the manager does not interpret.
type Options map[string]any

func (o Options) clone() Options {
	if o == nil {
		return nil
	}
	c := make(Options, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}

// ScanOptions tune a scan session.
type ScanOptions struct {
	// AllowDuplicates reports every advertisement instead of the first
	// per peripheral per session.
	AllowDuplicates     bool
	SolicitedServiceIDs []uuid.UUID
	Extra               Options
}

func (o *ScanOptions) clone() ScanOptions {
	if o == nil {
		return ScanOptions{}
	}
	return ScanOptions{
		AllowDuplicates:     o.AllowDuplicates,
		SolicitedServiceIDs: cloneIDs(o.SolicitedServiceIDs),
		Extra:               o.Extra.clone(),
	}
}

// ConnectOptions tune a connection attempt. There is no timeout; an
// attempt stays pending until it completes or is cancelled.
type ConnectOptions struct {
	NotifyOnConnection      bool
	NotifyOnDisconnection   bool
	NotifyOnNotification    bool
	EnableTransportBridging bool
	RequiresANCS            bool
	StartDelay              time.Duration
	Extra                   Options
}

func (o *ConnectOptions) clone() ConnectOptions {
	if o == nil {
		return ConnectOptions{}
	}
	c := *o
	c.Extra = o.Extra.clone()
	return c
}

// ConnectionEventOptions select which system-wide connection changes are
// reported. Empty lists match everything.
type ConnectionEventOptions struct {
	ServiceIDs    []uuid.UUID
	PeripheralIDs []uuid.UUID
}

func (o *ConnectionEventOptions) clone() *ConnectionEventOptions {
	if o == nil {
		return &ConnectionEventOptions{}
	}
	return &ConnectionEventOptions{
		ServiceIDs:    cloneIDs(o.ServiceIDs),
		PeripheralIDs: cloneIDs(o.PeripheralIDs),
	}
}

// ConnectionEventKind is the direction of a system-wide connection change.
type ConnectionEventKind int

const (
	PeerDisconnected ConnectionEventKind = iota
	PeerConnected
)

func (k ConnectionEventKind) String() string {
	if k == PeerConnected {
		return "peer_connected"
	}
	return "peer_disconnected"
}

// MatchKind records which registration option matched a connection event.
type MatchKind int

const (
	MatchAny MatchKind = iota
	MatchPeripheralID
	MatchServiceID
)

func (k MatchKind) String() string {
	switch k {
	case MatchPeripheralID:
		return "peripheral_id"
	case MatchServiceID:
		return "service_id"
	}
	return "any"
}

// Advertisement is one advertising report from the transport.
type Advertisement struct {
	Peripheral  uuid.UUID
	LocalName   string
	ServiceIDs  []uuid.UUID
	Payload     []byte
	RSSI        int
	Connectable bool
}
