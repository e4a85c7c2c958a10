package tinyble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/codefionn/go-ble-central/internal/central"
)

type connectResult struct {
	dev bluetooth.Device
	err error
}

type fakeRadio struct {
	enableErr error
	stop      chan struct{}
	results   chan connectResult
	onConnect func(bluetooth.Device, bool)
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{stop: make(chan struct{}, 1), results: make(chan connectResult, 1)}
}

func (f *fakeRadio) Enable() error { return f.enableErr }
func (f *fakeRadio) Scan(func(*bluetooth.Adapter, bluetooth.ScanResult)) error {
	<-f.stop
	return nil
}
func (f *fakeRadio) StopScan() error {
	f.stop <- struct{}{}
	return nil
}
func (f *fakeRadio) Connect(bluetooth.Address, bluetooth.ConnectionParams) (bluetooth.Device, error) {
	r := <-f.results
	return r.dev, r.err
}
func (f *fakeRadio) SetConnectHandler(c func(bluetooth.Device, bool)) { f.onConnect = c }

type call struct {
	op    string
	id    uuid.UUID
	state central.ManagerState
	err   error
}

type recorder struct {
	mu    sync.Mutex
	calls []call
	ch    chan call
}

func newRecorder() *recorder { return &recorder{ch: make(chan call, 64)} }

func (r *recorder) add(c call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
	r.ch <- c
}

func (r *recorder) StateChanged(s central.ManagerState) { r.add(call{op: "state", state: s}) }
func (r *recorder) Advertisement(adv central.Advertisement) {
	r.add(call{op: "adv", id: adv.Peripheral})
}
func (r *recorder) Connected(id uuid.UUID) { r.add(call{op: "connected", id: id}) }
func (r *recorder) ConnectFailed(id uuid.UUID, err error) {
	r.add(call{op: "failed", id: id, err: err})
}
func (r *recorder) Disconnected(id uuid.UUID, err error) {
	r.add(call{op: "disconnected", id: id, err: err})
}
func (r *recorder) ConnectionEvent(central.ConnectionEventKind, uuid.UUID, []uuid.UUID) {
	r.add(call{op: "connection_event"})
}

func (r *recorder) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-r.ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a callback")
		return call{}
	}
}

func (r *recorder) quiet(t *testing.T) {
	t.Helper()
	select {
	case c := <-r.ch:
		t.Fatalf("unexpected callback %+v", c)
	case <-time.After(20 * time.Millisecond):
	}
}

type harness struct {
	tr           *Transport
	radio        *fakeRadio
	rec          *recorder
	id           uuid.UUID
	disconnected chan bluetooth.Device
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mapper, err := central.NewAddressMapper([]byte("tinyble-test"))
	if err != nil {
		t.Fatal(err)
	}
	radio := newFakeRadio()
	tr, err := newTransport(radio, Config{Mapper: mapper})
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{tr: tr, radio: radio, rec: newRecorder(), disconnected: make(chan bluetooth.Device, 4)}
	tr.disconnect = func(d bluetooth.Device) error {
		h.disconnected <- d
		return nil
	}
	h.id = mapper.Identifier(bluetooth.Address{}.String())

	if err := tr.Start(context.Background(), h.rec); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	if c := h.rec.next(t); c.op != "state" || c.state != central.StatePoweredOn {
		t.Fatalf("unexpected start callback %+v", c)
	}
	return h
}

// discover runs a scan that reports the zero address once.
func (h *harness) discover(t *testing.T, services ...uuid.UUID) {
	t.Helper()
	if err := h.tr.StartScan(services, central.ScanOptions{}); err != nil {
		t.Fatal(err)
	}
	h.tr.onReport(report{address: bluetooth.Address{}.String(), name: "HRM", rssi: -50, services: services})
	if c := h.rec.next(t); c.op != "adv" || c.id != h.id {
		t.Fatalf("unexpected advertisement %+v", c)
	}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.tr.Connect(h.id, central.ConnectOptions{}); err != nil {
		t.Fatal(err)
	}
	h.radio.results <- connectResult{}
	if c := h.rec.next(t); c.op != "connected" {
		t.Fatalf("expected connected, got %+v", c)
	}
}

func TestStartUnsupported(t *testing.T) {
	mapper, _ := central.NewAddressMapper([]byte("k"))
	radio := newFakeRadio()
	radio.enableErr = errors.New("no adapter")
	tr, err := newTransport(radio, Config{Mapper: mapper})
	if err != nil {
		t.Fatal(err)
	}
	rec := newRecorder()

	if err := tr.Start(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if c := rec.next(t); c.state != central.StateUnsupported {
		t.Errorf("state = %v", c.state)
	}
	if err := tr.StartScan(nil, central.ScanOptions{}); !errors.Is(err, central.ErrManagerUnavailable) {
		t.Errorf("StartScan on disabled adapter = %v", err)
	}
	if err := tr.Start(context.Background(), rec); err == nil {
		t.Error("expected error on second Start")
	}
}

func TestNewRequiresMapper(t *testing.T) {
	if _, err := newTransport(newFakeRadio(), Config{}); err == nil {
		t.Error("expected error without mapper")
	}
}

func TestScan(t *testing.T) {
	h := newHarness(t)
	hr := central.ServiceID16(0x180D)

	h.tr.onReport(report{address: "AA"})
	h.rec.quiet(t)

	h.discover(t, hr)
	if got := h.tr.KnownPeripherals([]uuid.UUID{h.id, uuid.New()}); len(got) != 1 {
		t.Errorf("KnownPeripherals = %v", got)
	}

	// Re-arming keeps the library scan running.
	if err := h.tr.StartScan(nil, central.ScanOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := h.tr.StopScan(); err != nil {
		t.Fatal(err)
	}
	if err := h.tr.StopScan(); err != nil {
		t.Errorf("second StopScan = %v", err)
	}
	h.tr.onReport(report{address: "BB"})
	h.rec.quiet(t)
}

func TestConnectLifecycle(t *testing.T) {
	h := newHarness(t)
	hr := central.ServiceID16(0x180D)

	if err := h.tr.Connect(uuid.New(), central.ConnectOptions{}); !errors.Is(err, central.ErrUnknownPeripheral) {
		t.Errorf("Connect(unknown) = %v", err)
	}

	h.discover(t, hr)
	h.connect(t)

	if got := h.tr.ConnectedPeripherals([]uuid.UUID{hr}); len(got) != 1 || got[0] != h.id {
		t.Errorf("ConnectedPeripherals(hr) = %v", got)
	}
	if got := h.tr.ConnectedPeripherals([]uuid.UUID{central.ServiceID16(0x180F)}); len(got) != 0 {
		t.Errorf("ConnectedPeripherals(battery) = %v", got)
	}

	// Remote drop.
	h.radio.onConnect(bluetooth.Device{}, false)
	c := h.rec.next(t)
	if c.op != "disconnected" || !errors.Is(c.err, central.ErrConnectionLost) {
		t.Errorf("unexpected drop %+v", c)
	}
	if len(h.tr.ConnectedPeripherals(nil)) != 0 {
		t.Error("dropped link still listed")
	}

	// Failure.
	boom := errors.New("timeout")
	if err := h.tr.Connect(h.id, central.ConnectOptions{}); err != nil {
		t.Fatal(err)
	}
	h.radio.results <- connectResult{err: boom}
	if c := h.rec.next(t); c.op != "failed" || !errors.Is(c.err, boom) {
		t.Errorf("unexpected failure %+v", c)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	h.discover(t)

	if err := h.tr.CancelConnect(h.id); err == nil {
		t.Error("expected error cancelling nothing")
	}

	// Pending attempt completes after the cancel and is torn down.
	if err := h.tr.Connect(h.id, central.ConnectOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := h.tr.CancelConnect(h.id); err != nil {
		t.Fatal(err)
	}
	h.radio.results <- connectResult{}
	if c := h.rec.next(t); c.op != "disconnected" || c.err != nil {
		t.Errorf("unexpected cancel confirmation %+v", c)
	}
	select {
	case <-h.disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("late link was not torn down")
	}

	// Established link.
	h.connect(t)
	if err := h.tr.CancelConnect(h.id); err != nil {
		t.Fatal(err)
	}
	if c := h.rec.next(t); c.op != "disconnected" || c.err != nil {
		t.Errorf("unexpected disconnect %+v", c)
	}
	<-h.disconnected

	// The library's own notification of our disconnect is ignored.
	h.radio.onConnect(bluetooth.Device{}, false)
	h.rec.quiet(t)
}

func TestConnectionEventsUnsupported(t *testing.T) {
	h := newHarness(t)
	if err := h.tr.SetConnectionEventFilter(nil); !errors.Is(err, central.ErrUnsupported) {
		t.Errorf("SetConnectionEventFilter = %v", err)
	}
	caps := h.tr.Capabilities()
	if caps.Has(central.CapabilityConnectionEvents) || !caps.Has(central.CapabilityRetrieveConnected) {
		t.Errorf("capabilities = %v", caps.Names())
	}
}
