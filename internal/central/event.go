package central

import (
	"fmt"
	"runtime/debug"

	"github.com/codefionn/go-ble-central/internal/logger"
)

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventStateChanged EventKind = iota + 1
	EventDiscovered
	EventConnected
	EventConnectFailed
	EventDisconnected
	EventConnectionEvent
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventDiscovered:
		return "discovered"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect_failed"
	case EventDisconnected:
		return "disconnected"
	case EventConnectionEvent:
		return "connection_event"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a single notification from a Manager. Which fields are set
// depends on Kind:
//
//	EventStateChanged    State
//	EventDiscovered      Peripheral, Advertisement
//	EventConnected       Peripheral
//	EventConnectFailed   Peripheral, Err (*ConnectError)
//	EventDisconnected    Peripheral, Err (nil, or *DisconnectError)
//	EventConnectionEvent Peripheral, Connection, Match
type Event struct {
	Seq           uint64
	Kind          EventKind
	State         ManagerState
	Peripheral    *Peripheral
	Advertisement *Advertisement
	Err           error
	Connection    ConnectionEventKind
	Match         MatchKind
}

// Observer receives every event of one manager, in order, on one goroutine.
// It must not call Manager.Close.
type Observer interface {
	HandleEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) HandleEvent(ev Event) { f(ev) }

type dispatchItem struct {
	ev      Event
	barrier chan struct{}
}

// dispatcher delivers events to the observer in emission order. Emission
// never blocks; the queue is unbounded.
type dispatcher struct {
	q        *queue[dispatchItem]
	observer Observer
	log      *logger.Logger
	seq      uint64
	done     chan struct{}
}

func newDispatcher(observer Observer, log *logger.Logger) *dispatcher {
	if observer == nil {
		observer = ObserverFunc(func(Event) {})
	}
	return &dispatcher{
		q:        newQueue[dispatchItem](),
		observer: observer,
		log:      log,
		done:     make(chan struct{}),
	}
}

// emit must only be called from the manager loop.
func (d *dispatcher) emit(ev Event) {
	d.seq++
	ev.Seq = d.seq
	d.q.push(dispatchItem{ev: ev})
}

// barrier closes ch once every event emitted before it was delivered.
func (d *dispatcher) barrier(ch chan struct{}) {
	if !d.q.push(dispatchItem{barrier: ch}) {
		close(ch)
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		<-d.q.ready
		items, closed := d.q.drain()
		for _, it := range items {
			if it.barrier != nil {
				close(it.barrier)
				continue
			}
			d.deliver(it.ev)
		}
		if closed {
			return
		}
	}
}

func (d *dispatcher) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("observer panicked",
				logger.Stringer("event", ev.Kind),
				logger.Uint64("seq", ev.Seq),
				logger.Any("panic", r),
				logger.String("stack", string(debug.Stack())))
		}
	}()
	d.observer.HandleEvent(ev)
}

func (d *dispatcher) close() {
	d.q.close()
}
