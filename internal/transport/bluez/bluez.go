// Package bluez drives a BlueZ adapter over the D-Bus system bus.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/codefionn/go-ble-central/internal/central"
	"github.com/codefionn/go-ble-central/internal/logger"
)

const callTimeout = 5 * time.Second

// Config holds BlueZ transport configuration
type Config struct {
	// Adapter is the adapter name, e.g. hci0.
	Adapter string
	Mapper  *central.AddressMapper
	Logger  *logger.Logger
}

type attempt struct {
	cancel   context.CancelFunc
	canceled bool
}

// Transport implements central.Transport on top of org.bluez.
type Transport struct {
	adapter dbus.ObjectPath
	mapper  *central.AddressMapper
	log     *logger.Logger

	mu        sync.Mutex
	conn      *dbus.Conn
	h         central.Handler
	started   bool
	devices   map[uuid.UUID]*device
	byPath    map[dbus.ObjectPath]*device
	scanning  bool
	pending   map[uuid.UUID]*attempt
	linked    map[uuid.UUID]bool
	closing   map[uuid.UUID]bool
	eventsOn  bool
	available bool

	signals chan *dbus.Signal
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a BlueZ transport. Nothing touches the bus until Start.
func New(cfg Config) (*Transport, error) {
	if cfg.Mapper == nil {
		return nil, errors.New("bluez: address mapper is required")
	}
	if cfg.Adapter == "" {
		cfg.Adapter = "hci0"
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Transport{
		adapter: adapterPath(cfg.Adapter),
		mapper:  cfg.Mapper,
		log:     log.WithName("bluez").With(logger.String("adapter", cfg.Adapter)),
		devices: make(map[uuid.UUID]*device),
		byPath:  make(map[dbus.ObjectPath]*device),
		pending: make(map[uuid.UUID]*attempt),
		linked:  make(map[uuid.UUID]bool),
		closing: make(map[uuid.UUID]bool),
	}, nil
}

// Start implements central.Transport. A missing bus or adapter is reported
// as StateUnsupported rather than an error.
func (t *Transport) Start(ctx context.Context, h central.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return errors.New("bluez: already started")
	}
	t.started = true
	t.h = h
	t.ctx, t.cancel = context.WithCancel(ctx)

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		t.log.Warn("System bus unavailable", logger.ErrorField(err))
		h.StateChanged(central.StateUnsupported)
		return nil
	}
	t.conn = conn

	for _, member := range []string{"InterfacesAdded", "InterfacesRemoved"} {
		if err := conn.AddMatchSignal(
			dbus.WithMatchSender(bluezService),
			dbus.WithMatchInterface(objManagerIface),
			dbus.WithMatchMember(member),
		); err != nil {
			return fmt.Errorf("bluez: match %s: %w", member, err)
		}
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchSender(bluezService),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("bluez: match PropertiesChanged: %w", err)
	}

	t.signals = make(chan *dbus.Signal, 64)
	conn.Signal(t.signals)

	objs, err := t.managedObjects()
	if err != nil {
		t.log.Warn("BlueZ not reachable", logger.ErrorField(err))
		h.StateChanged(central.StateUnsupported)
	} else {
		t.loadSnapshot(objs)
	}

	t.wg.Add(1)
	go t.signalLoop()
	return nil
}

// Close implements central.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	conn := t.conn
	scanning := t.scanning
	t.conn = nil
	t.scanning = false
	t.mu.Unlock()

	var err error
	if conn != nil {
		if scanning {
			_ = conn.Object(bluezService, t.adapter).Call(adapterIface+".StopDiscovery", 0).Err
		}
		conn.RemoveSignal(t.signals)
		err = conn.Close()
	}
	t.wg.Wait()
	return err
}

func (t *Transport) managedObjects() (managedObjects, error) {
	ctx, cancel := context.WithTimeout(t.ctx, callTimeout)
	defer cancel()

	var objs managedObjects
	call := t.conn.Object(bluezService, "/").CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

// loadSnapshot reads adapter power and the device cache. Caller holds mu.
func (t *Transport) loadSnapshot(objs managedObjects) {
	ifaces, ok := objs[t.adapter]
	props, hasAdapter := ifaces[adapterIface]
	if !ok || !hasAdapter {
		t.log.Warn("Adapter not found")
		t.h.StateChanged(central.StateUnsupported)
		return
	}
	t.available = true

	for path, ifaces := range objs {
		if dev, ok := ifaces[deviceIface]; ok && underAdapter(t.adapter, path) {
			d := t.track(path, dev)
			if d != nil && d.connected {
				t.linked[d.id] = false
			}
		}
	}

	powered, _ := props["Powered"].Value().(bool)
	t.log.Info("Adapter found", logger.Bool("powered", powered), logger.Int("devices", len(t.devices)))
	t.h.StateChanged(stateFromPowered(powered))
}

// track creates or updates the device at path. Caller holds mu.
func (t *Transport) track(path dbus.ObjectPath, props map[string]dbus.Variant) *device {
	if d, ok := t.byPath[path]; ok {
		d.apply(props)
		return d
	}
	d := &device{path: path}
	d.apply(props)
	if d.address == "" {
		return nil
	}
	d.id = t.mapper.Identifier(d.address)
	t.devices[d.id] = d
	t.byPath[path] = d
	return d
}

func (t *Transport) signalLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case sig, ok := <-t.signals:
			if !ok {
				return
			}
			if sig == nil {
				continue
			}
			t.mu.Lock()
			t.handleSignal(sig)
			t.mu.Unlock()
		}
	}
}

// handleSignal applies one bus signal. Caller holds mu.
func (t *Transport) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if props, ok := ifaces[adapterIface]; ok && path == t.adapter {
			t.available = true
			powered, _ := props["Powered"].Value().(bool)
			t.h.StateChanged(stateFromPowered(powered))
			return
		}
		if props, ok := ifaces[deviceIface]; ok && underAdapter(t.adapter, path) {
			if d := t.track(path, props); d != nil && t.scanning {
				t.h.Advertisement(d.advertisement())
			}
		}

	case objManagerIface + ".InterfacesRemoved":
		if len(sig.Body) < 1 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		if path == t.adapter {
			t.available = false
			t.scanning = false
			t.h.StateChanged(central.StateUnsupported)
			return
		}
		if d, ok := t.byPath[path]; ok {
			if d.connected {
				d.connected = false
				t.linkChanged(d, false)
			}
			delete(t.byPath, path)
		}

	case propsIface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		switch iface {
		case adapterIface:
			if sig.Path != t.adapter {
				return
			}
			if v, ok := changed["Powered"]; ok {
				powered, _ := v.Value().(bool)
				if !powered {
					t.scanning = false
				}
				t.h.StateChanged(stateFromPowered(powered))
			}
			if v, ok := changed["Discovering"]; ok {
				if on, _ := v.Value().(bool); !on && t.scanning {
					t.log.Debug("Discovery stopped by the adapter")
				}
			}
		case deviceIface:
			d, ok := t.byPath[sig.Path]
			if !ok {
				if !underAdapter(t.adapter, sig.Path) {
					return
				}
				// Cached devices appear as properties before we ever saw them.
				if d = t.track(sig.Path, t.deviceProps(sig.Path)); d == nil {
					return
				}
			}
			was := d.connected
			if d.apply(changed) && t.scanning {
				t.h.Advertisement(d.advertisement())
			}
			if v, ok := changed["Connected"]; ok {
				now, _ := v.Value().(bool)
				if now != was {
					t.linkChanged(d, now)
				}
			}
		}
	}
}

// deviceProps fetches all Device1 properties. Caller holds mu.
func (t *Transport) deviceProps(path dbus.ObjectPath) map[string]dbus.Variant {
	if t.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(t.ctx, callTimeout)
	defer cancel()

	var props map[string]dbus.Variant
	call := t.conn.Object(bluezService, path).CallWithContext(ctx, propsIface+".GetAll", 0, deviceIface)
	if call.Err != nil || call.Store(&props) != nil {
		return nil
	}
	return props
}

// linkChanged reports a change of Device1.Connected. Caller holds mu.
func (t *Transport) linkChanged(d *device, connected bool) {
	ours, tracked := t.linked[d.id]
	_, attempting := t.pending[d.id]

	if connected {
		if !attempting && !tracked {
			t.linked[d.id] = false
		}
		if t.eventsOn {
			t.h.ConnectionEvent(central.PeerConnected, d.id, d.services)
		}
		return
	}

	delete(t.linked, d.id)
	if ours && !attempting {
		var reason error
		if !t.closing[d.id] {
			reason = central.ErrConnectionLost
		}
		delete(t.closing, d.id)
		t.h.Disconnected(d.id, reason)
	}
	if t.eventsOn && tracked {
		t.h.ConnectionEvent(central.PeerDisconnected, d.id, d.services)
	}
}

func (t *Transport) adapterCall(method string, args ...interface{}) error {
	if t.conn == nil || !t.available {
		return central.ErrManagerUnavailable
	}
	ctx, cancel := context.WithTimeout(t.ctx, callTimeout)
	defer cancel()
	return t.conn.Object(bluezService, t.adapter).CallWithContext(ctx, adapterIface+"."+method, 0, args...).Err
}

// StartScan implements central.Transport.
func (t *Transport) StartScan(services []uuid.UUID, opts central.ScanOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.adapterCall("SetDiscoveryFilter", discoveryFilter(services, opts)); err != nil {
		return fmt.Errorf("bluez: SetDiscoveryFilter: %w", err)
	}
	if t.scanning {
		return nil
	}
	if err := t.adapterCall("StartDiscovery"); err != nil {
		return fmt.Errorf("bluez: StartDiscovery: %w", err)
	}
	t.scanning = true
	t.log.Debug("Discovery started", logger.Int("services", len(services)))
	return nil
}

// StopScan implements central.Transport.
func (t *Transport) StopScan() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.scanning {
		return nil
	}
	t.scanning = false
	if err := t.adapterCall("StopDiscovery"); err != nil {
		return fmt.Errorf("bluez: StopDiscovery: %w", err)
	}
	t.log.Debug("Discovery stopped")
	return nil
}

// Connect implements central.Transport. Device1.Connect blocks until the
// link is up, so it runs on its own goroutine.
func (t *Transport) Connect(id uuid.UUID, opts central.ConnectOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[id]
	if !ok {
		return central.ErrUnknownPeripheral
	}
	if t.conn == nil || !t.available {
		return central.ErrManagerUnavailable
	}
	if _, busy := t.pending[id]; busy {
		return nil
	}

	ctx, cancel := context.WithCancel(t.ctx)
	a := &attempt{cancel: cancel}
	t.pending[id] = a
	obj := t.conn.Object(bluezService, d.path)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()

		if opts.StartDelay > 0 {
			select {
			case <-time.After(opts.StartDelay):
			case <-ctx.Done():
			}
		}
		var err error
		if ctx.Err() == nil {
			err = obj.CallWithContext(ctx, deviceIface+".Connect", 0).Err
		} else {
			err = ctx.Err()
		}
		t.finishConnect(id, a, err)
	}()
	return nil
}

func (t *Transport) finishConnect(id uuid.UUID, a *attempt, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending[id] != a {
		return
	}
	delete(t.pending, id)
	if t.h == nil || t.ctx.Err() != nil {
		return
	}

	switch {
	case err == nil:
		t.linked[id] = true
		if a.canceled {
			t.closing[id] = true
		}
		t.h.Connected(id)
	case a.canceled:
		t.h.Disconnected(id, nil)
	default:
		t.log.Debug("Connect failed", logger.Stringer("peripheral", id), logger.ErrorField(err))
		t.h.ConnectFailed(id, err)
	}
}

// CancelConnect implements central.Transport. Device1.Disconnect also
// aborts a Connect that has not completed yet.
func (t *Transport) CancelConnect(id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[id]
	if !ok {
		return central.ErrUnknownPeripheral
	}
	if t.conn == nil {
		return central.ErrManagerUnavailable
	}

	if a, ok := t.pending[id]; ok {
		a.canceled = true
	} else if t.linked[id] {
		t.closing[id] = true
	} else {
		return errors.New("bluez: no connection to cancel")
	}

	obj := t.conn.Object(bluezService, d.path)
	ctx := t.ctx
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		err := obj.CallWithContext(cctx, deviceIface+".Disconnect", 0).Err
		if err == nil {
			return
		}
		t.log.Debug("Disconnect failed", logger.Stringer("peripheral", id), logger.ErrorField(err))

		t.mu.Lock()
		defer t.mu.Unlock()
		if a, attempting := t.pending[id]; attempting {
			// finishConnect confirms once the aborted call returns.
			a.cancel()
			return
		}
		if t.closing[id] {
			delete(t.closing, id)
			delete(t.linked, id)
			if ctx.Err() == nil {
				t.h.Disconnected(id, nil)
			}
		}
	}()
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

// ConnectedPeripherals implements central.Transport by asking BlueZ for
// every connected device of the adapter.
func (t *Transport) ConnectedPeripherals(services []uuid.UUID) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	objs, err := t.managedObjects()
	if err != nil {
		t.log.Warn("Listing connected devices failed", logger.ErrorField(err))
		return nil
	}

	var out []uuid.UUID
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !underAdapter(t.adapter, path) {
			continue
		}
		d := t.track(path, props)
		if d != nil && d.connected && matchesServices(d, services) {
			out = append(out, d.id)
		}
	}
	return out
}

// SetConnectionEventFilter implements central.Transport. Matching happens in
// the manager; the transport only needs to know whether anyone listens.
func (t *Transport) SetConnectionEventFilter(opts *central.ConnectionEventOptions) error {
	t.mu.Lock()
	t.eventsOn = true
	t.mu.Unlock()
	return nil
}

// Capabilities implements central.Transport.
func (t *Transport) Capabilities() central.Capabilities {
	return central.NewCapabilities(
		central.CapabilityConnectionEvents,
		central.CapabilityRetrieveConnected,
		central.CapabilityScanSolicitation,
	)
}
