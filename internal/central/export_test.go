package central

// Sync blocks until every request queued so far has been applied and every
// resulting event has been delivered to the observer.
func (m *Manager) Sync() {
	ch := make(chan struct{})
	if !m.enqueue(func() { m.dispatcher.barrier(ch) }) {
		return
	}
	<-ch
}

// Refs returns the number of live handles for p's peripheral.
func (p *Peripheral) Refs() int {
	return p.m.registry.refs(p.e)
}
