package central

import (
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/go-ble-central/internal/logger"
)

// StartScan begins discovering peripherals that advertise any of services,
// or every peripheral when services is empty. Calling it during an active
// scan replaces the filter and options without ending the session.
func (m *Manager) StartScan(services []uuid.UUID, opts *ScanOptions) {
	req := scanRequest{services: cloneIDs(services), opts: opts.clone()}
	m.enqueue(func() { m.startScan(req) })
}

// StopScan ends the active scan session. It is a no-op when not scanning.
func (m *Manager) StopScan() {
	m.enqueue(m.stopScan)
}

func (m *Manager) startScan(req scanRequest) {
	if !m.poweredOn() {
		if m.policy == PendingQueue {
			m.pendingScan = &req
			m.log.Debug("scan queued until powered on", logger.Stringer("state", m.State()))
		} else {
			m.log.Debug("scan dropped; not powered on", logger.Stringer("state", m.State()))
		}
		return
	}

	if err := m.transport.StartScan(req.services, req.opts); err != nil {
		m.log.Error("failed to start scan", logger.ErrorField(err))
		if m.scan.active {
			// The previous filter may still be armed; match the latest request.
			m.scan.req = req
		}
		return
	}

	if m.scan.active {
		m.log.Debug("scan updated", logger.Int("services", len(req.services)),
			logger.Bool("allow_duplicates", req.opts.AllowDuplicates))
	} else {
		m.scan.active = true
		m.scan.seen = make(map[uuid.UUID]struct{})
		m.scanning.Store(true)
		m.log.Info("scan started", logger.Int("services", len(req.services)),
			logger.Bool("allow_duplicates", req.opts.AllowDuplicates))
	}
	m.scan.req = req
}

func (m *Manager) stopScan() {
	m.pendingScan = nil
	if !m.scan.active {
		return
	}
	m.endScan()
	m.log.Info("scan stopped")
}

func (m *Manager) endScan() {
	m.scan = scanSession{}
	m.scanning.Store(false)
	if err := m.transport.StopScan(); err != nil {
		m.log.Debug("transport stop scan failed", logger.ErrorField(err))
	}
}

func (m *Manager) onAdvertisement(adv Advertisement) {
	if !m.poweredOn() || !m.scan.active {
		return
	}
	if f := m.scan.req.services; len(f) > 0 && !intersects(adv.ServiceIDs, f) {
		return
	}

	e := m.registry.get(adv.Peripheral)
	e.observe(&adv, time.Now())

	if !m.scan.req.opts.AllowDuplicates {
		if _, dup := m.scan.seen[e.id]; dup {
			return
		}
		m.scan.seen[e.id] = struct{}{}
	}

	m.log.Trace("peripheral discovered", logger.Stringer("peripheral", e.id), logger.Int("rssi", adv.RSSI))
	m.emit(Event{Kind: EventDiscovered, Peripheral: m.newHandle(e), Advertisement: &adv})
}
