package central

import (
	"context"

	"github.com/google/uuid"
)

// Transport is the radio stack driven by a Manager. The manager calls the
// control methods from a single goroutine, but KnownPeripherals,
// ConnectedPeripherals and Capabilities may be called concurrently with them.
//
// Control methods must not block on radio activity. Outcomes are reported
// later through the Handler passed to Start, from any goroutine.
type Transport interface {
	Start(ctx context.Context, h Handler) error
	Close() error

	// StartScan starts discovery, or re-arms a running discovery with a
	// new filter. An empty services list means every peripheral.
	StartScan(services []uuid.UUID, opts ScanOptions) error
	StopScan() error

	Connect(id uuid.UUID, opts ConnectOptions) error
	// CancelConnect aborts a pending attempt or tears down a link. The
	// outcome is reported through Disconnected or ConnectFailed.
	CancelConnect(id uuid.UUID) error

	// KnownPeripherals returns the subset of ids the transport has seen.
	KnownPeripherals(ids []uuid.UUID) []uuid.UUID
	// ConnectedPeripherals returns peripherals linked to this host that
	// advertise one of services, or all of them if services is empty.
	ConnectedPeripherals(services []uuid.UUID) []uuid.UUID

	SetConnectionEventFilter(opts *ConnectionEventOptions) error
	Capabilities() Capabilities
}

// Handler receives transport callbacks. Implementations never block.
type Handler interface {
	StateChanged(state ManagerState)
	Advertisement(adv Advertisement)
	Connected(id uuid.UUID)
	ConnectFailed(id uuid.UUID, reason error)
	Disconnected(id uuid.UUID, reason error)
	ConnectionEvent(kind ConnectionEventKind, id uuid.UUID, services []uuid.UUID)
}

// transportSink forwards transport callbacks into the manager's mailbox.
type transportSink struct {
	m *Manager
}

func (s transportSink) StateChanged(state ManagerState) {
	s.m.enqueue(func() { s.m.setState(state) })
}

func (s transportSink) Advertisement(adv Advertisement) {
	adv.ServiceIDs = cloneIDs(adv.ServiceIDs)
	adv.Payload = append([]byte(nil), adv.Payload...)
	s.m.enqueue(func() { s.m.onAdvertisement(adv) })
}

func (s transportSink) Connected(id uuid.UUID) {
	s.m.enqueue(func() { s.m.onConnected(id) })
}

func (s transportSink) ConnectFailed(id uuid.UUID, reason error) {
	s.m.enqueue(func() { s.m.onConnectFailed(id, reason) })
}

func (s transportSink) Disconnected(id uuid.UUID, reason error) {
	s.m.enqueue(func() { s.m.onDisconnected(id, reason) })
}

func (s transportSink) ConnectionEvent(kind ConnectionEventKind, id uuid.UUID, services []uuid.UUID) {
	services = cloneIDs(services)
	s.m.enqueue(func() { s.m.onConnectionEvent(kind, id, services) })
}
