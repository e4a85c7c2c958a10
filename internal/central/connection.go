package central

import (
	"github.com/google/uuid"

	"github.com/codefionn/go-ble-central/internal/logger"
)

// Connect starts a connection attempt. The attempt has no timeout and ends
// with exactly one EventConnected or EventConnectFailed, unless it is
// cancelled first. Connecting an already connecting or connected
// peripheral does nothing.
func (m *Manager) Connect(p *Peripheral, opts *ConnectOptions) {
	if !m.owns(p, "connect") {
		return
	}
	e, o := p.e, opts.clone()
	m.enqueue(func() { m.connect(e, o) })
}

// CancelPeripheralConnection cancels a pending attempt or disconnects an
// established link. The outcome is reported as one EventDisconnected.
func (m *Manager) CancelPeripheralConnection(p *Peripheral) {
	if !m.owns(p, "cancel") {
		return
	}
	e := p.e
	m.enqueue(func() { m.cancel(e) })
}

func (m *Manager) connect(e *entry, opts ConnectOptions) {
	log := m.log.With(logger.Stringer("peripheral", e.id))

	if !m.poweredOn() {
		if m.policy == PendingQueue {
			e.queued = &opts
			log.Debug("connect queued until powered on", logger.Stringer("state", m.State()))
		} else {
			log.Debug("connect dropped; not powered on", logger.Stringer("state", m.State()))
		}
		return
	}

	switch e.getState() {
	case PeripheralConnecting, PeripheralConnected:
		log.Debug("connect ignored", logger.Stringer("state", e.getState()))
		return
	case PeripheralDisconnecting:
		e.reconnect = &opts
		log.Debug("connect deferred until disconnect completes")
		return
	}
	if e.cancelPending {
		e.reconnect = &opts
		log.Debug("connect deferred until cancel is confirmed")
		return
	}

	e.fromConnecting = false
	e.setState(PeripheralConnecting)
	log.Info("connecting")
	if err := m.transport.Connect(e.id, opts); err != nil {
		log.Warn("transport rejected connect", logger.ErrorField(err))
		m.fail(e, err)
	}
}

func (m *Manager) cancel(e *entry) {
	e.queued = nil
	e.reconnect = nil

	switch e.getState() {
	case PeripheralConnecting:
		e.fromConnecting = true
	case PeripheralConnected:
		e.fromConnecting = false
	default:
		return
	}

	e.setState(PeripheralDisconnecting)
	m.log.Info("cancelling connection", logger.Stringer("peripheral", e.id), logger.Bool("pending", e.fromConnecting))
	if err := m.transport.CancelConnect(e.id); err != nil {
		// Nothing will confirm the cancel, so finish it here.
		m.log.Warn("transport rejected cancel", logger.Stringer("peripheral", e.id), logger.ErrorField(err))
		m.disconnected(e, nil)
	}
}

// fail ends an attempt with EventConnectFailed.
func (m *Manager) fail(e *entry, reason error) {
	e.setState(PeripheralDisconnected)
	e.fromConnecting = false
	m.emitFor(EventConnectFailed, e, connectFailure(e.id, reason))
}

// disconnected ends a link, or a cancelled attempt, with EventDisconnected.
func (m *Manager) disconnected(e *entry, reason error) {
	e.setState(PeripheralDisconnected)
	e.fromConnecting = false
	m.emitFor(EventDisconnected, e, disconnectReason(e.id, reason))
}

// resume issues a connect deferred while the peripheral was disconnecting.
func (m *Manager) resume(e *entry) {
	if e.reconnect == nil {
		return
	}
	opts := *e.reconnect
	e.reconnect = nil
	m.connect(e, opts)
}

func (m *Manager) onConnected(id uuid.UUID) {
	e, ok := m.registry.lookup(id)
	if !ok {
		m.log.Debug("connect reported for unknown peripheral", logger.Stringer("peripheral", id))
		return
	}

	if !m.poweredOn() {
		m.log.Debug("late connect while not powered on", logger.Stringer("peripheral", id))
		m.abandon(e)
		return
	}

	switch e.getState() {
	case PeripheralConnecting:
		e.setState(PeripheralConnected)
		m.log.Info("connected", logger.Stringer("peripheral", id))
		m.emitFor(EventConnected, e, nil)

	case PeripheralDisconnecting:
		if !e.fromConnecting {
			return
		}
		// The attempt completed before the cancel took effect. Report the
		// success and the cancel together. The transport still confirms
		// the cancel, so a deferred connect waits for that confirmation.
		e.setState(PeripheralConnected)
		m.emitFor(EventConnected, e, nil)
		m.disconnected(e, nil)
		e.cancelPending = true

	case PeripheralDisconnected:
		m.log.Debug("unrequested connect; cancelling", logger.Stringer("peripheral", id))
		m.abandon(e)
	}
}

func (m *Manager) onConnectFailed(id uuid.UUID, reason error) {
	e, ok := m.registry.lookup(id)
	if !ok {
		return
	}
	if m.confirmCancel(e) {
		return
	}
	switch e.getState() {
	case PeripheralConnecting:
	case PeripheralDisconnecting:
		if !e.fromConnecting {
			return
		}
	default:
		return
	}
	m.log.Info("connect failed", logger.Stringer("peripheral", id), logger.ErrorField(reason))
	m.fail(e, reason)
	m.resume(e)
}

func (m *Manager) onDisconnected(id uuid.UUID, reason error) {
	e, ok := m.registry.lookup(id)
	if !ok {
		return
	}
	if m.confirmCancel(e) {
		return
	}
	switch e.getState() {
	case PeripheralConnecting:
		if reason == nil {
			reason = ErrConnectionLost
		}
		m.log.Info("connect failed", logger.Stringer("peripheral", id), logger.ErrorField(reason))
		m.fail(e, reason)
	case PeripheralConnected, PeripheralDisconnecting:
		m.log.Info("disconnected", logger.Stringer("peripheral", id), logger.ErrorField(reason))
		m.disconnected(e, reason)
	default:
		return
	}
	m.resume(e)
}

// confirmCancel consumes the transport's answer to a cancel whose attempt
// already completed, then issues any connect deferred behind it.
func (m *Manager) confirmCancel(e *entry) bool {
	if !e.cancelPending {
		return false
	}
	e.cancelPending = false
	m.log.Debug("cancel confirmed", logger.Stringer("peripheral", e.id))
	m.resume(e)
	return true
}

// dropRef runs when a handle is released, explicitly or by the collector.
func (m *Manager) dropRef(e *entry) {
	if m.registry.release(e) > 0 {
		return
	}
	m.enqueue(func() { m.releaseIdle(e) })
}

// releaseIdle cancels the connection of a peripheral nobody holds anymore.
func (m *Manager) releaseIdle(e *entry) {
	if m.registry.refs(e) > 0 {
		return
	}
	e.queued = nil
	switch e.getState() {
	case PeripheralConnecting, PeripheralConnected:
		m.log.Info("last handle released; cancelling connection", logger.Stringer("peripheral", e.id))
		m.cancel(e)
	}
}
