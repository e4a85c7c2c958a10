// Package sim provides a simulated radio for the central manager.
//
// In manual mode nothing happens on its own: tests drive state changes,
// advertisements and connection outcomes through the scripting methods.
// In auto mode the transport advertises its devices while scanning,
// resolves connects after a latency and follows a power schedule.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/go-ble-central/internal/central"
	"github.com/codefionn/go-ble-central/internal/logger"
)

// Outcome is how a device answers connection attempts in auto mode.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFail    Outcome = "fail"
	OutcomeHang    Outcome = "hang"
)

// Device is a simulated peripheral.
type Device struct {
	ID          uuid.UUID
	Name        string
	Services    []uuid.UUID
	Payload     []byte
	RSSI        int
	Connectable bool
	Outcome     Outcome
	FailReason  error
	// Connected marks a device already linked to the host by someone else.
	Connected bool
}

// StateStep changes the radio state After the previous step.
type StateStep struct {
	After time.Duration
	State central.ManagerState
}

// Config holds simulator configuration
type Config struct {
	InitialState      central.ManagerState
	Devices           []Device
	Auto              bool
	AdvertiseInterval time.Duration
	ConnectLatency    time.Duration
	Schedule          []StateStep
	// Capabilities defaults to every capability when nil.
	Capabilities *central.Capabilities
	Logger       *logger.Logger
}

// Call is one recorded transport primitive.
type Call struct {
	Op       string
	ID       uuid.UUID
	Services []uuid.UUID
	Scan     central.ScanOptions
	Connect  central.ConnectOptions
	Filter   *central.ConnectionEventOptions
}

// Transport operation names used in Call.Op and FailNext.
const (
	OpStartScan   = "start_scan"
	OpStopScan    = "stop_scan"
	OpConnect     = "connect"
	OpCancel      = "cancel"
	OpEventFilter = "event_filter"
)

// ErrDeviceUnreachable is the default failure of OutcomeFail devices.
var ErrDeviceUnreachable = errors.New("simulated device unreachable")

// Transport is the simulated radio. It implements central.Transport.
type Transport struct {
	cfg Config
	log *logger.Logger

	mu       sync.Mutex
	h        central.Handler
	state    central.ManagerState
	devices  map[uuid.UUID]*Device
	order    []uuid.UUID
	scanning bool
	filter   []uuid.UUID
	scanOpts central.ScanOptions
	links    map[uuid.UUID]bool
	timers   map[uuid.UUID]*time.Timer
	calls    []Call
	failNext map[string]error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a simulator.
func New(cfg Config) *Transport {
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	if cfg.AdvertiseInterval <= 0 {
		cfg.AdvertiseInterval = time.Second
	}

	t := &Transport{
		cfg:      cfg,
		log:      log.WithName("sim"),
		state:    cfg.InitialState,
		devices:  make(map[uuid.UUID]*Device),
		links:    make(map[uuid.UUID]bool),
		timers:   make(map[uuid.UUID]*time.Timer),
		failNext: make(map[string]error),
	}
	for _, d := range cfg.Devices {
		t.AddDevice(d)
	}
	return t
}

// Start implements central.Transport.
func (t *Transport) Start(ctx context.Context, h central.Handler) error {
	t.mu.Lock()
	if t.h != nil {
		t.mu.Unlock()
		return errors.New("simulator already started")
	}
	t.h = h
	state := t.state
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	t.log.Info("simulator started",
		logger.Stringer("state", state),
		logger.Int("devices", len(t.order)),
		logger.Bool("auto", t.cfg.Auto))

	if state != central.StateUnknown {
		h.StateChanged(state)
	}

	if t.cfg.Auto {
		t.wg.Add(1)
		go t.advertiseLoop(ctx)
	}
	if len(t.cfg.Schedule) > 0 {
		t.wg.Add(1)
		go t.runSchedule(ctx)
	}
	return nil
}

// Close implements central.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	cancel := t.cancel
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	return nil
}

func (t *Transport) record(c Call) error {
	t.calls = append(t.calls, c)
	if err, ok := t.failNext[c.Op]; ok {
		delete(t.failNext, c.Op)
		return err
	}
	return nil
}

// StartScan implements central.Transport.
func (t *Transport) StartScan(services []uuid.UUID, opts central.ScanOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.record(Call{Op: OpStartScan, Services: services, Scan: opts}); err != nil {
		return err
	}
	t.scanning = true
	t.filter = services
	t.scanOpts = opts
	return nil
}

// StopScan implements central.Transport.
func (t *Transport) StopScan() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.record(Call{Op: OpStopScan}); err != nil {
		return err
	}
	t.scanning = false
	t.filter = nil
	return nil
}

// Connect implements central.Transport.
func (t *Transport) Connect(id uuid.UUID, opts central.ConnectOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.record(Call{Op: OpConnect, ID: id, Connect: opts}); err != nil {
		return err
	}
	if !t.cfg.Auto {
		return nil
	}

	d, ok := t.devices[id]
	if !ok {
		return fmt.Errorf("no simulated device %s", id)
	}
	delay := t.cfg.ConnectLatency + opts.StartDelay
	switch d.Outcome {
	case OutcomeHang:
		return nil
	case OutcomeFail:
		reason := d.FailReason
		if reason == nil {
			reason = ErrDeviceUnreachable
		}
		t.timers[id] = time.AfterFunc(delay, func() {
			t.finishTimer(id)
			t.FailConnect(id, reason)
		})
	default:
		t.timers[id] = time.AfterFunc(delay, func() {
			t.finishTimer(id)
			t.ResolveConnect(id)
		})
	}
	return nil
}

func (t *Transport) finishTimer(id uuid.UUID) {
	t.mu.Lock()
	delete(t.timers, id)
	t.mu.Unlock()
}

// CancelConnect implements central.Transport. In auto mode the cancel is
// confirmed right away.
func (t *Transport) CancelConnect(id uuid.UUID) error {
	t.mu.Lock()
	if err := t.record(Call{Op: OpCancel, ID: id}); err != nil {
		t.mu.Unlock()
		return err
	}
	auto := t.cfg.Auto
	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
	}
	t.mu.Unlock()

	if auto {
		t.Disconnect(id, nil)
	}
	return nil
}

// KnownPeripherals implements central.Transport.
func (t *Transport) KnownPeripherals(ids []uuid.UUID) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []uuid.UUID
	for _, id := range ids {
		if _, ok := t.devices[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// ConnectedPeripherals implements central.Transport.
func (t *Transport) ConnectedPeripherals(services []uuid.UUID) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []uuid.UUID
	for _, id := range t.order {
		d := t.devices[id]
		if !t.links[id] && !d.Connected {
			continue
		}
		if len(services) > 0 && !overlaps(d.Services, services) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// SetConnectionEventFilter implements central.Transport.
func (t *Transport) SetConnectionEventFilter(opts *central.ConnectionEventOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record(Call{Op: OpEventFilter, Filter: opts})
}

// Capabilities implements central.Transport.
func (t *Transport) Capabilities() central.Capabilities {
	if t.cfg.Capabilities != nil {
		return *t.cfg.Capabilities
	}
	return central.NewCapabilities(
		central.CapabilityConnectionEvents,
		central.CapabilityRetrieveConnected,
		central.CapabilityScanSolicitation,
	)
}

func (t *Transport) handler() central.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h
}

// SetState changes the radio state and reports it.
func (t *Transport) SetState(s central.ManagerState) {
	t.mu.Lock()
	t.state = s
	h := t.h
	if s != central.StatePoweredOn {
		t.scanning = false
		for id := range t.links {
			delete(t.links, id)
		}
	}
	t.mu.Unlock()

	t.log.Debug("radio state set", logger.Stringer("state", s))
	if h != nil {
		h.StateChanged(s)
	}
}

// AddDevice adds or replaces a simulated device.
func (t *Transport) AddDevice(d Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devices[d.ID]; !ok {
		t.order = append(t.order, d.ID)
	}
	dev := d
	t.devices[d.ID] = &dev
}

// Devices returns the identifiers of all simulated devices.
func (t *Transport) Devices() []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]uuid.UUID(nil), t.order...)
}

// Advertise reports one advertisement from a known device, whether or not
// a scan is running. This models reports that arrive late.
func (t *Transport) Advertise(id uuid.UUID) error {
	t.mu.Lock()
	d, ok := t.devices[id]
	var adv central.Advertisement
	if ok {
		adv = d.advertisement(d.RSSI)
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no simulated device %s", id)
	}
	t.EmitAdvertisement(adv)
	return nil
}

// EmitAdvertisement reports an arbitrary advertisement.
func (t *Transport) EmitAdvertisement(adv central.Advertisement) {
	if h := t.handler(); h != nil {
		h.Advertisement(adv)
	}
}

// ResolveConnect reports a successful connection to id.
func (t *Transport) ResolveConnect(id uuid.UUID) {
	t.mu.Lock()
	t.links[id] = true
	var services []uuid.UUID
	if d, ok := t.devices[id]; ok {
		services = d.Services
	}
	h := t.h
	t.mu.Unlock()
	if h == nil {
		return
	}
	h.Connected(id)
	h.ConnectionEvent(central.PeerConnected, id, services)
}

// FailConnect reports a failed attempt to id.
func (t *Transport) FailConnect(id uuid.UUID, reason error) {
	if h := t.handler(); h != nil {
		h.ConnectFailed(id, reason)
	}
}

// Disconnect reports that the link to id went down. A nil reason models a
// requested disconnect.
func (t *Transport) Disconnect(id uuid.UUID, reason error) {
	t.mu.Lock()
	wasLinked := t.links[id]
	delete(t.links, id)
	var services []uuid.UUID
	if d, ok := t.devices[id]; ok {
		services = d.Services
	}
	h := t.h
	t.mu.Unlock()
	if h == nil {
		return
	}
	h.Disconnected(id, reason)
	if wasLinked {
		h.ConnectionEvent(central.PeerDisconnected, id, services)
	}
}

// ReportConnectionEvent reports a system-wide connection change.
func (t *Transport) ReportConnectionEvent(kind central.ConnectionEventKind, id uuid.UUID) {
	t.mu.Lock()
	var services []uuid.UUID
	if d, ok := t.devices[id]; ok {
		services = d.Services
	}
	h := t.h
	t.mu.Unlock()
	if h != nil {
		h.ConnectionEvent(kind, id, services)
	}
}

// FailNext makes the next call of op return err.
func (t *Transport) FailNext(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext[op] = err
}

// Calls returns every recorded transport call.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// CallsFor returns the recorded calls of one operation.
func (t *Transport) CallsFor(op string) []Call {
	var out []Call
	for _, c := range t.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Scanning reports whether the simulated radio is discovering.
func (t *Transport) Scanning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanning
}

func (t *Transport) advertiseLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.AdvertiseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, adv := range t.pendingAdvertisements() {
				t.EmitAdvertisement(adv)
			}
		}
	}
}

func (t *Transport) pendingAdvertisements() []central.Advertisement {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.scanning || t.state != central.StatePoweredOn {
		return nil
	}
	var out []central.Advertisement
	for _, id := range t.order {
		d := t.devices[id]
		if t.links[id] {
			continue
		}
		if len(t.filter) > 0 && !overlaps(d.Services, t.filter) {
			continue
		}
		out = append(out, d.advertisement(d.RSSI+rand.IntN(7)-3))
	}
	return out
}

func (t *Transport) runSchedule(ctx context.Context) {
	defer t.wg.Done()
	for _, step := range t.cfg.Schedule {
		timer := time.NewTimer(step.After)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			t.SetState(step.State)
		}
	}
}

func (d *Device) advertisement(rssi int) central.Advertisement {
	return central.Advertisement{
		Peripheral:  d.ID,
		LocalName:   d.Name,
		ServiceIDs:  append([]uuid.UUID(nil), d.Services...),
		Payload:     append([]byte(nil), d.Payload...),
		RSSI:        rssi,
		Connectable: d.Connectable,
	}
}

func overlaps(a, b []uuid.UUID) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
