package server

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/go-ble-central/internal/central"
	"github.com/codefionn/go-ble-central/internal/logger"
	"github.com/codefionn/go-ble-central/internal/models"
)

// maxRecentEvents is how many events diagnostics keeps.
const maxRecentEvents = 100

// HandleEvent implements central.Observer. It runs on the manager's
// dispatcher goroutine, so events reach subscribers in manager order.
func (s *Server) HandleEvent(ev central.Event) {
	var p *central.Peripheral
	if ev.Peripheral != nil {
		p = s.adopt(ev.Peripheral)
	}

	switch ev.Kind {
	case central.EventStateChanged:
		s.EmitEvent(models.EventTypeStateChanged, models.StateChangedEvent{State: ev.State.String()})

	case central.EventDiscovered:
		s.recordDiscovery(p, ev.Advertisement)
		s.EmitEvent(models.EventTypePeripheralDiscovered, models.DiscoveredEvent{
			Peripheral:    peripheralInfo(p),
			Advertisement: advertisementData(ev.Advertisement),
		})

	case central.EventConnected:
		s.recordState(p, true)
		s.EmitEvent(models.EventTypePeripheralConnected, models.PeripheralEvent{Peripheral: peripheralInfo(p)})

	case central.EventConnectFailed:
		s.recordState(p, false)
		s.EmitEvent(models.EventTypePeripheralConnectFailed, peripheralEvent(p, ev.Err))

	case central.EventDisconnected:
		s.recordState(p, false)
		s.EmitEvent(models.EventTypePeripheralDisconnected, peripheralEvent(p, ev.Err))

	case central.EventConnectionEvent:
		s.EmitEvent(models.EventTypeConnectionEvent, models.ConnectionEventData{
			Peripheral: peripheralInfo(p),
			Event:      ev.Connection.String(),
			Match:      ev.Match.String(),
		})

	default:
		s.logger.Warn("Unhandled central event", logger.Stringer("kind", ev.Kind))
	}
}

// adopt keeps the first handle seen per identifier and releases later ones,
// so each peripheral is referenced once by the server.
func (s *Server) adopt(p *central.Peripheral) *central.Peripheral {
	id := p.Identifier()

	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()

	if kept, ok := s.handles[id]; ok {
		if !kept.Equal(p) {
			// The registry entry was replaced; keep the live one.
			kept.Release()
			s.handles[id] = p
			return p
		}
		if kept != p {
			p.Release()
		}
		return kept
	}
	s.handles[id] = p
	return p
}

// handle returns the kept handle for id, asking the manager for one when
// the server has none yet.
func (s *Server) handle(id uuid.UUID) (*central.Peripheral, bool) {
	s.handlesMu.Lock()
	p, ok := s.handles[id]
	s.handlesMu.Unlock()
	if ok {
		return p, true
	}

	cm := s.central()
	if cm == nil {
		return nil, false
	}
	if p, ok = cm.Peripheral(id); !ok {
		return nil, false
	}
	return s.adopt(p), true
}

// peripherals returns the wire view of every kept handle.
func (s *Server) peripherals() []models.PeripheralInfo {
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()

	out := make([]models.PeripheralInfo, 0, len(s.handles))
	for _, p := range s.handles {
		out = append(out, peripheralInfo(p))
	}
	sortPeripherals(out)
	return out
}

func (s *Server) releaseHandles() {
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()

	for id, p := range s.handles {
		p.Release()
		delete(s.handles, id)
	}
}

func (s *Server) recordDiscovery(p *central.Peripheral, adv *central.Advertisement) {
	if adv == nil {
		return
	}
	now := time.Now().UTC()
	err := s.storage.UpdatePeripheral(p.Identifier().String(), func(rec *models.PeripheralRecord) {
		if adv.LocalName != "" {
			rec.Name = adv.LocalName
		}
		if len(adv.ServiceIDs) > 0 {
			rec.Services = serviceStrings(adv.ServiceIDs)
		}
		rec.LastRSSI = adv.RSSI
		rec.LastSeen = now
		rec.LastState = p.State().String()
	})
	if err != nil {
		s.logger.Warn("Failed to record discovery", logger.Stringer("peripheral", p), logger.ErrorField(err))
	}
}

func (s *Server) recordState(p *central.Peripheral, connected bool) {
	err := s.storage.UpdatePeripheral(p.Identifier().String(), func(rec *models.PeripheralRecord) {
		if connected {
			rec.ConnectCount++
		}
		if name := p.Name(); name != "" {
			rec.Name = name
		}
		rec.LastState = p.State().String()
	})
	if err != nil {
		s.logger.Warn("Failed to record peripheral state", logger.Stringer("peripheral", p), logger.ErrorField(err))
	}
}

// EmitEvent sends an event to all subscribers, in call order. Subscribers
// must not block.
func (s *Server) EmitEvent(eventType models.EventType, data interface{}) {
	s.recentMu.Lock()
	s.recent = append(s.recent, models.EventMessage{Event: eventType, Data: data})
	if len(s.recent) > maxRecentEvents {
		s.recent = s.recent[len(s.recent)-maxRecentEvents:]
	}
	s.recentMu.Unlock()

	s.eventMu.RLock()
	callbacks := make([]eventSubscription, len(s.eventCallbacks))
	copy(callbacks, s.eventCallbacks)
	s.eventMu.RUnlock()

	for _, sub := range callbacks {
		sub.cb(eventType, data)
	}
}

func (s *Server) recentEvents() []models.EventMessage {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	return append([]models.EventMessage(nil), s.recent...)
}

func peripheralInfo(p *central.Peripheral) models.PeripheralInfo {
	info := models.PeripheralInfo{
		PeripheralID: p.Identifier().String(),
		Name:         p.Name(),
		Services:     serviceStrings(p.Services()),
		State:        p.State().String(),
	}
	if rssi, seen := p.RSSI(); !seen.IsZero() {
		info.RSSI = &rssi
		info.LastSeen = &seen
	}
	return info
}

func peripheralEvent(p *central.Peripheral, err error) models.PeripheralEvent {
	ev := models.PeripheralEvent{Peripheral: peripheralInfo(p)}
	if err != nil {
		msg := err.Error()
		ev.Error = &msg
	}
	return ev
}

func advertisementData(adv *central.Advertisement) models.AdvertisementData {
	if adv == nil {
		return models.AdvertisementData{Services: []string{}}
	}
	return models.AdvertisementData{
		LocalName:   adv.LocalName,
		Services:    serviceStrings(adv.ServiceIDs),
		Payload:     hex.EncodeToString(adv.Payload),
		RSSI:        adv.RSSI,
		Connectable: adv.Connectable,
	}
}

// serviceStrings renders ids in their shortest form: "180d" for services on
// the Bluetooth base UUID, the full UUID otherwise.
func serviceStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		if short, ok := central.ShortServiceID(id); ok {
			out[i] = fmt.Sprintf("%04x", short)
		} else {
			out[i] = id.String()
		}
	}
	return out
}
