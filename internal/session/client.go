package session

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"btchat/internal/connmgr"
	"btchat/internal/transport"
)

// ConnectToDevice opens a client connection to address. It tries the service
// record first and the fallback RFCOMM channel second; when both fail it
// emits EventError, returns an error wrapping ErrConnectionFailed and the
// state returns to idle. There is no automatic retry.
//
// A running discovery is canceled first. An existing client connection is
// closed (EventDisconnected) before the new one is opened.
func (m *Manager) ConnectToDevice(ctx context.Context, address string) error {
	if address == "" {
		return fmt.Errorf("%w: device address is required", ErrMissingArgument)
	}
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
		return ErrServerRunning
	case m.state == StateConnecting:
		m.mu.Unlock()
		return ErrBusy
	}
	prev := m.active
	m.active = nil
	m.attempt++
	attempt := m.attempt
	m.role = RoleClient
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
		m.events.Emit(Event{Type: EventDisconnected})
	}
	m.cancelDiscovery()

	// The dial is bounded by both the caller and the manager lifetime.
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	type result struct {
		t   transport.Transport
		err error
	}
	resc := make(chan result, 1)
	started := m.sup.spawn("connect", func() {
		t, err := m.dial(dctx, address)
		resc <- result{t, err}
	})
	if !started {
		return m.finishConnect(attempt, address, nil, ErrNoActiveContext)
	}
	r := <-resc
	return m.finishConnect(attempt, address, r.t, r.err)
}

// dial runs the primary strategy, then the fallback channel.
func (m *Manager) dial(ctx context.Context, address string) (transport.Transport, error) {
	log := m.log.With(zap.String("address", address))
	log.Info("session: connecting", zap.Stringer("service", m.opts.ServiceUUID))

	t, err := m.adapter.OpenClient(ctx, address, connmgr.Target{Service: m.opts.ServiceUUID})
	if err == nil {
		return t, nil
	}
	if ctx.Err() != nil || m.opts.DisableFallback {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	log.Warn("session: service connect failed, trying fallback channel",
		zap.Uint8("channel", m.opts.FallbackChannel),
		zap.Error(err),
	)
	t, ferr := m.adapter.OpenClient(ctx, address, connmgr.Target{Channel: m.opts.FallbackChannel})
	if ferr == nil {
		return t, nil
	}
	log.Error("session: fallback connect also failed", zap.Error(ferr))
	return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, multierr.Combine(err, ferr))
}

func (m *Manager) finishConnect(attempt uint64, address string, t transport.Transport, err error) error {
	m.mu.Lock()
	current := !m.closed && m.attempt == attempt && m.state == StateConnecting
	if err != nil {
		if current {
			m.setStateLocked(StateIdle)
		}
		m.mu.Unlock()
		m.metrics.connection(RoleClient, err)
		if current {
			m.events.Emit(Event{Type: EventError, Err: err})
		}
		return err
	}
	if !current {
		m.mu.Unlock()
		_ = t.Close()
		err := fmt.Errorf("%w: aborted", ErrConnectionFailed)
		m.metrics.connection(RoleClient, err)
		return err
	}
	m.active = t
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	m.metrics.connection(RoleClient, nil)
	m.log.Info("session: connected", zap.String("address", address))
	m.events.Emit(Event{Type: EventConnected, Address: address})
	m.startReadLoop(t)
	return nil
}
