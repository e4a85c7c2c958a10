package central

import (
	"github.com/google/uuid"

	"github.com/codefionn/go-ble-central/internal/logger"
)

// RetrievePeripherals returns handles for the ids the transport knows.
// Unknown ids are omitted. The caller owns the returned handles.
func (m *Manager) RetrievePeripherals(ids []uuid.UUID) []*Peripheral {
	if len(ids) == 0 {
		return nil
	}
	return m.handlesFor(m.transport.KnownPeripherals(ids), ids)
}

// RetrieveConnectedPeripherals returns handles for peripherals linked to
// this host that advertise one of services, or all of them when services
// is empty.
func (m *Manager) RetrieveConnectedPeripherals(services []uuid.UUID) []*Peripheral {
	if !m.Capabilities().Has(CapabilityRetrieveConnected) {
		m.log.Debug("retrieve connected peripherals not supported by transport")
		return nil
	}
	return m.handlesFor(m.transport.ConnectedPeripherals(services), nil)
}

// handlesFor builds one handle per distinct id in found. When allowed is
// set, ids outside it are dropped so a transport cannot inject identities
// that were not asked for.
func (m *Manager) handlesFor(found, allowed []uuid.UUID) []*Peripheral {
	seen := make(map[uuid.UUID]struct{}, len(found))
	out := make([]*Peripheral, 0, len(found))
	for _, id := range found {
		if _, dup := seen[id]; dup {
			continue
		}
		if allowed != nil && !containsID(allowed, id) {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, m.newHandle(m.registry.get(id)))
	}
	return out
}

// Peripheral returns a handle for id if the manager has already seen it.
// Unlike RetrievePeripherals it does not consult the transport.
func (m *Manager) Peripheral(id uuid.UUID) (*Peripheral, bool) {
	e, ok := m.registry.lookup(id)
	if !ok {
		return nil, false
	}
	return m.newHandle(e), true
}

// RegisterForConnectionEvents replaces the connection event registration.
// A nil or empty opts matches every connection. It returns ErrUnsupported
// when the transport cannot report connection events.
func (m *Manager) RegisterForConnectionEvents(opts *ConnectionEventOptions) error {
	if !m.Capabilities().Has(CapabilityConnectionEvents) {
		return ErrUnsupported
	}
	reg := opts.clone()
	if !m.enqueue(func() { m.registerConnectionEvents(reg) }) {
		return ErrClosed
	}
	return nil
}

func (m *Manager) registerConnectionEvents(reg *ConnectionEventOptions) {
	m.connEvents = reg
	m.log.Debug("connection event registration replaced",
		logger.Int("services", len(reg.ServiceIDs)),
		logger.Int("peripherals", len(reg.PeripheralIDs)))
	if !m.poweredOn() {
		return
	}
	if err := m.transport.SetConnectionEventFilter(reg); err != nil {
		m.log.Warn("failed to set connection event filter", logger.ErrorField(err))
	}
}

func matchConnectionEvent(reg *ConnectionEventOptions, id uuid.UUID, services []uuid.UUID) (MatchKind, bool) {
	if len(reg.PeripheralIDs) == 0 && len(reg.ServiceIDs) == 0 {
		return MatchAny, true
	}
	if containsID(reg.PeripheralIDs, id) {
		return MatchPeripheralID, true
	}
	if intersects(services, reg.ServiceIDs) {
		return MatchServiceID, true
	}
	return MatchAny, false
}

func (m *Manager) onConnectionEvent(kind ConnectionEventKind, id uuid.UUID, services []uuid.UUID) {
	if m.connEvents == nil || !m.poweredOn() {
		return
	}
	match, ok := matchConnectionEvent(m.connEvents, id, services)
	if !ok {
		return
	}
	e := m.registry.get(id)
	m.emit(Event{
		Kind:       EventConnectionEvent,
		Peripheral: m.newHandle(e),
		Connection: kind,
		Match:      match,
	})
}
