package central

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// entry is the shared record behind every handle for one identifier.
// Entries live as long as the manager.
type entry struct {
	id    uuid.UUID
	state atomic.Int32

	mu       sync.RWMutex
	name     string
	services []uuid.UUID
	rssi     int
	lastSeen time.Time

	// owned by the manager loop
	fromConnecting bool
	cancelPending  bool // a transport cancel is unconfirmed while Disconnected
	queued         *ConnectOptions
	reconnect      *ConnectOptions

	// guarded by registry.mu
	refs int
}

func (e *entry) getState() PeripheralState {
	return PeripheralState(e.state.Load())
}

func (e *entry) setState(s PeripheralState) {
	e.state.Store(int32(s))
}

func (e *entry) observe(adv *Advertisement, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if adv.LocalName != "" {
		e.name = adv.LocalName
	}
	if len(adv.ServiceIDs) > 0 {
		e.services = cloneIDs(adv.ServiceIDs)
	}
	e.rssi = adv.RSSI
	e.lastSeen = now
}

// registry maps identifiers to entries and counts live handles.
type registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	order   []*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[uuid.UUID]*entry)}
}

func (r *registry) lookup(id uuid.UUID) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// get returns the entry for id, creating it on first use.
func (r *registry) get(id uuid.UUID) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		e = &entry{id: id}
		r.entries[id] = e
		r.order = append(r.order, e)
	}
	return e
}

// all returns entries in creation order.
func (r *registry) all() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*entry(nil), r.order...)
}

func (r *registry) acquire(e *entry) {
	r.mu.Lock()
	e.refs++
	r.mu.Unlock()
}

func (r *registry) release(e *entry) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.refs > 0 {
		e.refs--
	}
	return e.refs
}

func (r *registry) refs(e *entry) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.refs
}

// Peripheral is a handle to a remote device known to a Manager. Handles
// for the same identifier share state and compare Equal.
//
// Each handle holds one reference. Release drops it; a handle that becomes
// unreachable without Release is released by the garbage collector. When
// the last reference to a connecting or connected peripheral goes away,
// the manager cancels its connection.
type Peripheral struct {
	e        *entry
	m        *Manager
	released atomic.Bool
	cleanup  runtime.Cleanup
}

func (m *Manager) newHandle(e *entry) *Peripheral {
	m.registry.acquire(e)
	p := &Peripheral{e: e, m: m}
	p.cleanup = runtime.AddCleanup(p, m.dropRef, e)
	return p
}

// Identifier returns the peripheral's identifier.
func (p *Peripheral) Identifier() uuid.UUID { return p.e.id }

// State returns the current connection state.
func (p *Peripheral) State() PeripheralState { return p.e.getState() }

// Name returns the most recently advertised local name.
func (p *Peripheral) Name() string {
	p.e.mu.RLock()
	defer p.e.mu.RUnlock()
	return p.e.name
}

// Services returns the most recently advertised service identifiers.
func (p *Peripheral) Services() []uuid.UUID {
	p.e.mu.RLock()
	defer p.e.mu.RUnlock()
	return cloneIDs(p.e.services)
}

// RSSI returns the signal strength of the last advertisement and when it
// was received. The time is zero if none was seen.
func (p *Peripheral) RSSI() (int, time.Time) {
	p.e.mu.RLock()
	defer p.e.mu.RUnlock()
	return p.e.rssi, p.e.lastSeen
}

// Equal reports whether both handles refer to the same peripheral of the
// same manager.
func (p *Peripheral) Equal(o *Peripheral) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.e == o.e
}

// Retain returns an additional handle to the same peripheral.
func (p *Peripheral) Retain() *Peripheral {
	return p.m.newHandle(p.e)
}

// Release drops the handle's reference. It is safe to call more than once.
// The handle must not be passed to the manager afterwards.
func (p *Peripheral) Release() {
	if p.released.Swap(true) {
		return
	}
	p.cleanup.Stop()
	p.m.dropRef(p.e)
}

// Released reports whether Release was called.
func (p *Peripheral) Released() bool { return p.released.Load() }

func (p *Peripheral) String() string {
	return p.e.id.String()
}
