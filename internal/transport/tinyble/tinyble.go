// Package tinyble drives the host radio through tinygo.org/x/bluetooth,
// which wraps CoreBluetooth, WinRT or BlueZ depending on the platform.
package tinyble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/codefionn/go-ble-central/internal/central"
	"github.com/codefionn/go-ble-central/internal/logger"
)

// radio is the part of *bluetooth.Adapter the transport uses.
type radio interface {
	Enable() error
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
	Connect(address bluetooth.Address, params bluetooth.ConnectionParams) (bluetooth.Device, error)
	SetConnectHandler(c func(device bluetooth.Device, connected bool))
}

// Config holds tinygo transport configuration
type Config struct {
	Mapper *central.AddressMapper
	Logger *logger.Logger
}

// report is one advertisement reduced to what the manager needs.
type report struct {
	addr     bluetooth.Address
	address  string
	name     string
	rssi     int
	services []uuid.UUID
	payload  []byte
}

type peer struct {
	addr     bluetooth.Address
	services []uuid.UUID
}

type serviceFilter struct {
	id uuid.UUID
	bt bluetooth.UUID
}

type attempt struct {
	canceled bool
}

// Transport implements central.Transport on tinygo.org/x/bluetooth.
type Transport struct {
	radio      radio
	disconnect func(bluetooth.Device) error
	mapper     *central.AddressMapper
	log        *logger.Logger

	mu       sync.Mutex
	h        central.Handler
	started  bool
	closed   bool
	enabled  bool
	scanning bool
	filter   []serviceFilter
	peers    map[uuid.UUID]*peer
	pending  map[uuid.UUID]*attempt
	links    map[uuid.UUID]bluetooth.Device

	wg sync.WaitGroup
}

// New creates a transport on bluetooth.DefaultAdapter.
func New(cfg Config) (*Transport, error) {
	return newTransport(bluetooth.DefaultAdapter, cfg)
}

func newTransport(r radio, cfg Config) (*Transport, error) {
	if cfg.Mapper == nil {
		return nil, errors.New("tinyble: address mapper is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Transport{
		radio:      r,
		disconnect: func(d bluetooth.Device) error { return d.Disconnect() },
		mapper:     cfg.Mapper,
		log:        log.WithName("tinyble"),
		peers:      make(map[uuid.UUID]*peer),
		pending:    make(map[uuid.UUID]*attempt),
		links:      make(map[uuid.UUID]bluetooth.Device),
	}, nil
}

// Start implements central.Transport. An adapter that cannot be enabled is
// reported as StateUnsupported.
func (t *Transport) Start(ctx context.Context, h central.Handler) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("tinyble: already started")
	}
	t.started = true
	t.h = h
	t.mu.Unlock()

	if err := t.radio.Enable(); err != nil {
		t.log.Warn("Adapter could not be enabled", logger.ErrorField(err))
		h.StateChanged(central.StateUnsupported)
		return nil
	}
	t.radio.SetConnectHandler(t.onConnectChange)

	t.mu.Lock()
	t.enabled = true
	t.mu.Unlock()

	t.log.Info("Adapter enabled")
	h.StateChanged(central.StatePoweredOn)
	return nil
}

// Close implements central.Transport. Connect calls still blocked inside the
// library are abandoned; their results are dropped.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	scanning := t.scanning
	t.scanning = false
	t.mu.Unlock()

	var err error
	if scanning {
		err = t.radio.StopScan()
	}
	t.wg.Wait()
	return err
}

func (t *Transport) ready() error {
	if t.closed || !t.enabled {
		return central.ErrManagerUnavailable
	}
	return nil
}

// StartScan implements central.Transport. The library scan has no filter,
// so re-arming only swaps the list of services reported per advertisement.
func (t *Transport) StartScan(services []uuid.UUID, opts central.ScanOptions) error {
	filter := make([]serviceFilter, 0, len(services))
	for _, id := range services {
		bt, err := bluetooth.ParseUUID(id.String())
		if err != nil {
			return fmt.Errorf("tinyble: service %s: %w", id, err)
		}
		filter = append(filter, serviceFilter{id: id, bt: bt})
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ready(); err != nil {
		return err
	}
	t.filter = filter
	if t.scanning {
		return nil
	}
	t.scanning = true

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		err := t.radio.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
			t.onReport(t.reduce(res))
		})
		if err != nil {
			t.log.Warn("Scan ended", logger.ErrorField(err))
		}
		t.mu.Lock()
		t.scanning = false
		t.mu.Unlock()
	}()
	t.log.Debug("Scan started", logger.Int("services", len(services)))
	return nil
}

// StopScan implements central.Transport.
func (t *Transport) StopScan() error {
	t.mu.Lock()
	scanning := t.scanning
	t.scanning = false
	t.mu.Unlock()

	if !scanning {
		return nil
	}
	if err := t.radio.StopScan(); err != nil {
		return fmt.Errorf("tinyble: stop scan: %w", err)
	}
	return nil
}

// reduce turns a library scan result into a report. Only the services of the
// current filter can be checked, since the library offers no listing.
func (t *Transport) reduce(res bluetooth.ScanResult) report {
	t.mu.Lock()
	filter := t.filter
	t.mu.Unlock()

	r := report{
		addr:    res.Address,
		address: res.Address.String(),
		name:    res.LocalName(),
		rssi:    int(res.RSSI),
		payload: res.Bytes(),
	}
	for _, f := range filter {
		if res.HasServiceUUID(f.bt) {
			r.services = append(r.services, f.id)
		}
	}
	return r
}

func (t *Transport) onReport(r report) {
	id := t.mapper.Identifier(r.address)

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.scanning || t.closed {
		return
	}
	p, ok := t.peers[id]
	if !ok {
		p = &peer{}
		t.peers[id] = p
	}
	p.addr = r.addr
	if len(r.services) > 0 {
		p.services = r.services
	}

	t.h.Advertisement(central.Advertisement{
		Peripheral:  id,
		LocalName:   r.name,
		ServiceIDs:  r.services,
		Payload:     r.payload,
		RSSI:        r.rssi,
		Connectable: true,
	})
}

// Connect implements central.Transport. The library call blocks until the
// link is up or times out, so it runs on its own goroutine.
func (t *Transport) Connect(id uuid.UUID, opts central.ConnectOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ready(); err != nil {
		return err
	}
	p, ok := t.peers[id]
	if !ok {
		return central.ErrUnknownPeripheral
	}
	if _, busy := t.pending[id]; busy {
		return nil
	}

	a := &attempt{}
	t.pending[id] = a
	addr := p.addr

	go func() {
		dev, err := t.radio.Connect(addr, bluetooth.ConnectionParams{})
		t.finishConnect(id, a, dev, err)
	}()
	return nil
}

func (t *Transport) finishConnect(id uuid.UUID, a *attempt, dev bluetooth.Device, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending[id] == a {
		delete(t.pending, id)
	}

	switch {
	case t.closed:
		if err == nil {
			go t.disconnect(dev)
		}
	case a.canceled:
		if err == nil {
			go t.disconnect(dev)
		}
		t.h.Disconnected(id, nil)
	case err != nil:
		t.h.ConnectFailed(id, err)
	default:
		t.links[id] = dev
		t.h.Connected(id)
	}
}

// CancelConnect implements central.Transport. A pending attempt cannot be
// aborted inside the library; it is torn down as soon as it completes.
func (t *Transport) CancelConnect(id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.pending[id]; ok {
		a.canceled = true
		return nil
	}
	dev, ok := t.links[id]
	if !ok {
		return errors.New("tinyble: no connection to cancel")
	}
	delete(t.links, id)

	go func() {
		if err := t.disconnect(dev); err != nil {
			t.log.Debug("Disconnect failed", logger.Stringer("peripheral", id), logger.ErrorField(err))
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.closed {
			t.h.Disconnected(id, nil)
		}
	}()
	return nil
}

// onConnectChange receives link changes from the library. Only drops of
// links still held count; local disconnects are confirmed by CancelConnect.
func (t *Transport) onConnectChange(dev bluetooth.Device, connected bool) {
	if connected {
		return
	}
	id := t.mapper.Identifier(dev.Address.String())

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.links[id]; !ok || t.closed {
		return
	}
	delete(t.links, id)
	t.h.Disconnected(id, central.ErrConnectionLost)
}

// KnownPeripherals implements central.Transport from the scan cache.
func (t *Transport) KnownPeripherals(ids []uuid.UUID) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []uuid.UUID
	for _, id := range ids {
		if _, ok := t.peers[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// ConnectedPeripherals implements central.Transport. Only links made by
// this transport are visible to the library.
func (t *Transport) ConnectedPeripherals(services []uuid.UUID) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []uuid.UUID
	for id := range t.links {
		if len(services) == 0 {
			out = append(out, id)
			continue
		}
		p := t.peers[id]
		if p == nil {
			continue
		}
	match:
		for _, s := range p.services {
			for _, want := range services {
				if s == want {
					out = append(out, id)
					break match
				}
			}
		}
	}
	return out
}

// SetConnectionEventFilter implements central.Transport.
func (t *Transport) SetConnectionEventFilter(*central.ConnectionEventOptions) error {
	return central.ErrUnsupported
}

// Capabilities implements central.Transport.
func (t *Transport) Capabilities() central.Capabilities {
	return central.NewCapabilities(central.CapabilityRetrieveConnected)
}
