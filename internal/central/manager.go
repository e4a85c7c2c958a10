package central

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/codefionn/go-ble-central/internal/logger"
)

// PendingPolicy decides what happens to StartScan and Connect calls made
// while the manager is not powered on.
type PendingPolicy int

const (
	// PendingQueue remembers the latest request and applies it once the
	// manager reaches the powered-on state.
	PendingQueue PendingPolicy = iota
	// PendingDrop ignores the request.
	PendingDrop
)

func (p PendingPolicy) String() string {
	if p == PendingDrop {
		return "drop"
	}
	return "queue"
}

// ParsePendingPolicy parses "queue" or "drop".
func ParsePendingPolicy(s string) (PendingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queue", "":
		return PendingQueue, nil
	case "drop":
		return PendingDrop, nil
	}
	return PendingQueue, fmt.Errorf("invalid pending policy: %q", s)
}

// Config holds manager configuration
type Config struct {
	Transport     Transport
	Observer      Observer
	PendingPolicy PendingPolicy
	Logger        *logger.Logger
}

type scanRequest struct {
	services []uuid.UUID
	opts     ScanOptions
}

type scanSession struct {
	active bool
	req    scanRequest
	seen   map[uuid.UUID]struct{}
}

// Manager is the central role of one local radio. Every operation returns
// immediately; outcomes arrive as events on the Observer.
//
// Consumer calls and transport callbacks are funnelled through a mailbox
// and applied by a single loop goroutine, so the state machines below are
// only ever touched from that goroutine.
type Manager struct {
	transport  Transport
	policy     PendingPolicy
	log        *logger.Logger
	registry   *registry
	mailbox    *queue[func()]
	dispatcher *dispatcher

	state    atomic.Int32
	scanning atomic.Bool
	started  atomic.Bool

	// loop-owned
	scan        scanSession
	pendingScan *scanRequest
	connEvents  *ConnectionEventOptions

	closeOnce sync.Once
	loopDone  chan struct{}
}

// NewManager creates a manager. Start must be called before events flow.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	log = log.WithName("central")

	m := &Manager{
		transport:  cfg.Transport,
		policy:     cfg.PendingPolicy,
		log:        log,
		registry:   newRegistry(),
		mailbox:    newQueue[func()](),
		dispatcher: newDispatcher(cfg.Observer, log),
		loopDone:   make(chan struct{}),
	}
	m.state.Store(int32(StateUnknown))
	return m, nil
}

// Start launches the event loop and the transport.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("manager already started")
	}
	go m.dispatcher.run()
	go m.run()

	m.log.Debug("starting transport", logger.Stringer("policy", m.policy))
	if err := m.transport.Start(ctx, transportSink{m: m}); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	return nil
}

// Close stops the loop and the transport, then waits until every event
// emitted so far has been delivered.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mailbox.close()
		if m.started.Load() {
			<-m.loopDone
		}
		if terr := m.transport.Close(); terr != nil {
			err = fmt.Errorf("failed to close transport: %w", terr)
		}
		m.dispatcher.close()
		if m.started.Load() {
			<-m.dispatcher.done
		}
		m.log.Debug("manager closed")
	})
	return err
}

func (m *Manager) run() {
	defer close(m.loopDone)
	for {
		<-m.mailbox.ready
		fns, closed := m.mailbox.drain()
		for _, fn := range fns {
			fn()
		}
		if closed {
			return
		}
	}
}

func (m *Manager) enqueue(fn func()) bool {
	if !m.mailbox.push(fn) {
		m.log.Trace("manager closed; dropping request")
		return false
	}
	return true
}

// State returns the current manager state.
func (m *Manager) State() ManagerState {
	return ManagerState(m.state.Load())
}

// IsScanning reports whether a scan session is active.
func (m *Manager) IsScanning() bool {
	return m.scanning.Load()
}

// Capabilities returns what the transport supports.
func (m *Manager) Capabilities() Capabilities {
	return m.transport.Capabilities()
}

// PendingPolicy returns the configured policy.
func (m *Manager) PendingPolicy() PendingPolicy {
	return m.policy
}

func (m *Manager) poweredOn() bool {
	return m.State() == StatePoweredOn
}

func (m *Manager) emit(ev Event) {
	m.dispatcher.emit(ev)
}

func (m *Manager) emitFor(kind EventKind, e *entry, err error) {
	m.emit(Event{Kind: kind, Peripheral: m.newHandle(e), Err: err})
}

// owns reports whether p is a live handle of this manager.
func (m *Manager) owns(p *Peripheral, op string) bool {
	switch {
	case p == nil:
		m.log.Warn(op + " called with nil peripheral")
		return false
	case p.m != m:
		m.log.Warn(op+" called with a peripheral of another manager", logger.Stringer("peripheral", p))
		return false
	case p.Released():
		m.log.Warn(op+" called with a released peripheral", logger.Stringer("peripheral", p))
		return false
	}
	return true
}

func (m *Manager) setState(s ManagerState) {
	prev := m.State()
	if prev == s {
		return
	}
	m.state.Store(int32(s))
	m.log.Info("manager state changed", logger.Stringer("from", prev), logger.Stringer("to", s))
	m.emit(Event{Kind: EventStateChanged, State: s})

	if prev == StatePoweredOn {
		m.teardown()
	}
	if s == StatePoweredOn {
		m.applyPending()
	}
}

// teardown ends the scan session and every attempt and link after the
// radio left the powered-on state. Pending attempts, cancelled or not, end
// with EventConnectFailed(ErrManagerUnavailable). Links end with
// EventDisconnected(ErrManagerUnavailable).
func (m *Manager) teardown() {
	if m.scan.active {
		m.endScan()
	}
	for _, e := range m.registry.all() {
		e.reconnect = nil
		e.cancelPending = false
		switch e.getState() {
		case PeripheralConnecting:
			m.abandon(e)
			m.fail(e, ErrManagerUnavailable)
		case PeripheralDisconnecting:
			m.abandon(e)
			if e.fromConnecting {
				m.fail(e, ErrManagerUnavailable)
			} else {
				m.disconnected(e, ErrManagerUnavailable)
			}
		case PeripheralConnected:
			m.abandon(e)
			m.disconnected(e, ErrManagerUnavailable)
		}
	}
}

// abandon asks the transport to forget a link the manager already
// considers gone. Failures are expected while the radio is down.
func (m *Manager) abandon(e *entry) {
	if err := m.transport.CancelConnect(e.id); err != nil {
		m.log.Debug("transport cancel failed", logger.Stringer("peripheral", e.id), logger.ErrorField(err))
	}
}

func (m *Manager) applyPending() {
	if m.pendingScan != nil {
		req := *m.pendingScan
		m.pendingScan = nil
		m.log.Debug("applying queued scan")
		m.startScan(req)
	}
	for _, e := range m.registry.all() {
		if e.queued != nil {
			opts := *e.queued
			e.queued = nil
			m.log.Debug("applying queued connect", logger.Stringer("peripheral", e.id))
			m.connect(e, opts)
		}
	}
	if m.connEvents != nil {
		if err := m.transport.SetConnectionEventFilter(m.connEvents); err != nil {
			m.log.Warn("failed to restore connection event filter", logger.ErrorField(err))
		}
	}
}
