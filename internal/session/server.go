package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"btchat/internal/transport"
)

// StartServer opens the listening channel and waits for a client on a
// worker. It succeeds immediately when the server is already running.
// A bind failure returns an error wrapping ErrServerBindFailed and leaves
// the manager idle.
func (m *Manager) StartServer(ctx context.Context) error {
	if err := m.authorize(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrNoActiveContext
	case m.serverRunning:
		m.mu.Unlock()
		return nil
	case m.state == StateConnecting:
		m.mu.Unlock()
		return ErrBusy
	}
	prev := m.active
	m.active = nil
	m.serverRunning = true
	m.role = RoleHost
	m.setStateLocked(StateIdle)
	m.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
		m.events.Emit(Event{Type: EventDisconnected})
	}

	l, err := m.adapter.Listen(ctx, m.opts.ServiceName, m.opts.ServiceUUID)
	if err != nil {
		m.mu.Lock()
		if m.listener == nil && m.active == nil {
			m.serverRunning = false
			m.setStateLocked(StateIdle)
		}
		m.mu.Unlock()
		m.log.Error("session: server socket failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrServerBindFailed, err)
	}

	m.mu.Lock()
	if m.closed || !m.serverRunning {
		m.mu.Unlock()
		_ = l.Close()
		return fmt.Errorf("%w: server stopped during bind", ErrServerBindFailed)
	}
	m.listener = l
	m.setStateLocked(StateListening)
	m.mu.Unlock()

	m.log.Info("session: server started", zap.String("service", m.opts.ServiceName), zap.Stringer("uuid", m.opts.ServiceUUID))
	m.events.Emit(Event{Type: EventServerStarted})
	m.sup.spawn("accept", func() { m.acceptLoop(l) })
	return nil
}

// StopServer closes the listener and any active connection, clears the role
// and emits EventServerStopped.
func (m *Manager) StopServer(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrNoActiveContext
	}
	l, t := m.listener, m.active
	wasHost := m.serverRunning
	m.listener, m.active = nil, nil
	m.serverRunning = false
	m.role = RoleNone
	m.attempt++
	m.setStateLocked(StateIdle)
	m.mu.Unlock()

	var err error
	if l != nil {
		err = multierr.Append(err, l.Close())
	}
	if t != nil {
		err = multierr.Append(err, t.Close())
		if !wasHost {
			m.events.Emit(Event{Type: EventDisconnected})
		}
	}
	m.log.Info("session: server stopped")
	m.events.Emit(Event{Type: EventServerStopped})
	if err != nil {
		return fmt.Errorf("session: stop server: %w", err)
	}
	return nil
}

func (m *Manager) acceptLoop(l transport.Listener) {
	t, err := l.Accept(m.ctx)

	m.mu.Lock()
	if m.closed || m.listener != l || !m.serverRunning {
		m.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return
	}
	m.listener = nil
	if err != nil {
		m.serverRunning = false
		m.setStateLocked(StateIdle)
		m.mu.Unlock()
		_ = l.Close()
		m.metrics.connection(RoleHost, err)
		if !errors.Is(err, transport.ErrClosed) {
			m.log.Error("session: accept failed", zap.Error(err))
		}
		m.events.Emit(Event{Type: EventError, Err: fmt.Errorf("session: accept: %w", err)})
		return
	}
	m.active = t
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	// One client at a time: stop advertising until it leaves.
	_ = l.Close()

	m.metrics.connection(RoleHost, nil)
	m.log.Info("session: client connected", zap.String("address", t.RemoteAddress()))
	m.events.Emit(Event{Type: EventClientConnected, Address: t.RemoteAddress()})
	m.startReadLoop(t)
}

// relisten reopens the listener after the host's client left. A failure
// stops the server.
func (m *Manager) relisten() {
	l, err := m.adapter.Listen(m.ctx, m.opts.ServiceName, m.opts.ServiceUUID)

	m.mu.Lock()
	if m.closed || !m.serverRunning || m.listener != nil || m.active != nil {
		m.mu.Unlock()
		if l != nil {
			_ = l.Close()
		}
		return
	}
	if err != nil {
		m.serverRunning = false
		m.setStateLocked(StateIdle)
		m.mu.Unlock()
		m.log.Error("session: failed to restart server socket", zap.Error(err))
		m.events.Emit(Event{Type: EventServerStopped})
		return
	}
	m.listener = l
	m.setStateLocked(StateListening)
	m.mu.Unlock()

	m.log.Info("session: waiting for next client")
	m.sup.spawn("accept", func() { m.acceptLoop(l) })
}
