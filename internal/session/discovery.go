package session

import (
	"context"

	"go.uber.org/zap"

	"btchat/internal/connmgr"
)

// StartDiscovery begins a scan. A scan already running is stopped first and
// reports its DiscoveryFinished before the new one starts. Devices are
// emitted as EventDeviceFound the first time their address is seen in this
// scan; EventDiscoveryFinished follows when the scan ends.
func (m *Manager) StartDiscovery(ctx context.Context) (bool, error) {
	if err := m.authorize(ctx); err != nil {
		return false, err
	}

	m.mu.Lock()
	prev := m.scan
	m.scan = nil
	m.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	scanCtx, cancel := context.WithCancel(m.ctx)
	devs, err := m.adapter.Scan(scanCtx)
	if err != nil {
		cancel()
		m.log.Warn("session: start discovery", zap.Error(err))
		return false, err
	}
	s := &scanSession{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return false, ErrNoActiveContext
	}
	old := m.scan
	m.scan = s
	m.discovered = make(map[string]connmgr.Device)
	m.metrics.setState(m.stateLocked())
	m.mu.Unlock()
	if old != nil {
		old.cancel()
	}

	m.log.Info("session: discovery started")
	if !m.sup.spawn("discovery", func() { m.discoveryLoop(s, devs) }) {
		cancel()
		close(s.done)
		return false, ErrNoActiveContext
	}
	return true, nil
}

// StopDiscovery cancels a running scan and waits for its DiscoveryFinished
// event. It reports whether a scan was running.
func (m *Manager) StopDiscovery(ctx context.Context) (bool, error) {
	if err := m.authorize(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	s := m.scan
	m.scan = nil
	m.metrics.setState(m.stateLocked())
	m.mu.Unlock()
	if s == nil {
		return false, nil
	}
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return true, ctx.Err()
	}
	return true, nil
}

// cancelDiscovery stops a running scan without waiting for it.
func (m *Manager) cancelDiscovery() {
	m.mu.Lock()
	s := m.scan
	m.scan = nil
	m.mu.Unlock()
	if s != nil {
		s.cancel()
	}
}

func (m *Manager) discoveryLoop(s *scanSession, devs <-chan connmgr.Device) {
	defer close(s.done)
	for d := range devs {
		if d.Address == "" {
			continue
		}
		m.mu.Lock()
		if m.scan != s {
			// Superseded or stopped; drain until the adapter closes the channel.
			m.mu.Unlock()
			continue
		}
		if _, seen := m.discovered[d.Address]; seen {
			m.mu.Unlock()
			continue
		}
		d = named(d)
		m.discovered[d.Address] = d
		m.mu.Unlock()

		m.log.Debug("session: device found", zap.String("address", d.Address), zap.String("name", d.Name))
		m.events.Emit(Event{Type: EventDeviceFound, Device: d})
	}

	m.mu.Lock()
	if m.scan == s {
		m.scan = nil
	}
	m.metrics.setState(m.stateLocked())
	m.mu.Unlock()
	s.cancel()

	m.log.Info("session: discovery finished")
	m.events.Emit(Event{Type: EventDiscoveryFinished})
}
