package session

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"btchat/internal/framing"
	"btchat/internal/transport"
)

func (m *Manager) startReadLoop(t transport.Transport) {
	m.sup.spawn("read", func() { m.readLoop(t) })
}

// readLoop decodes frames from t until the stream ends. Frames are emitted
// in stream order for as long as t is the active transport.
func (m *Manager) readLoop(t transport.Transport) {
	dec := framing.NewDecoder(t,
		framing.WithMaxFrameSize(m.opts.MaxFrameSize),
		framing.WithReadSize(m.opts.ReadBufferSize),
	)
	log := m.log.With(zap.String("remote", t.RemoteAddress()))
	for {
		raw, err := dec.Next()
		if err != nil {
			m.streamEnded(t, err)
			return
		}
		if !m.owns(t) {
			return
		}

		f, ferr := framing.Interpret(raw)
		if ferr != nil {
			m.metrics.malformed()
			log.Warn("session: malformed file frame, delivering as message", zap.Error(ferr))
		}
		m.metrics.frame(f.Kind.String())
		switch f.Kind {
		case framing.KindFile:
			log.Debug("session: file received", zap.String("name", f.File.Name), zap.Int("size", len(f.File.Data)))
			m.events.Emit(Event{Type: EventFileReceived, FileName: f.File.Name, FileData: f.File.Data})
		default:
			m.events.Emit(Event{Type: EventMessageReceived, Message: f.Text})
		}
	}
}

func (m *Manager) owns(t transport.Transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.active == t
}

// streamEnded runs the disconnect transition for t if it is still active.
func (m *Manager) streamEnded(t transport.Transport, cause error) {
	m.mu.Lock()
	if m.closed || m.active != t {
		m.mu.Unlock()
		return
	}
	m.active = nil
	host := m.serverRunning
	if host {
		m.setStateLocked(StateDisconnecting)
	} else {
		m.setStateLocked(StateIdle)
	}
	m.mu.Unlock()

	_ = t.Close()
	if cause != nil && !errors.Is(cause, io.EOF) {
		m.log.Warn("session: read failed", zap.String("remote", t.RemoteAddress()), zap.Error(cause))
		m.events.Emit(Event{Type: EventError, Err: fmt.Errorf("%w: %w", ErrIOFailure, cause)})
	}
	m.log.Info("session: stream ended", zap.String("remote", t.RemoteAddress()), zap.Bool("host", host))

	if host {
		m.events.Emit(Event{Type: EventClientDisconnected})
		m.sup.spawn("relisten", m.relisten)
		return
	}
	m.events.Emit(Event{Type: EventDisconnected})
}

// Disconnect closes the active connection. A host drops its client and goes
// back to listening; a client returns to idle. An in-flight connect attempt
// is abandoned.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrNoActiveContext
	}
	t := m.active
	if t == nil {
		if m.state == StateConnecting {
			m.attempt++
			m.setStateLocked(StateIdle)
		}
		m.mu.Unlock()
		return nil
	}
	m.active = nil
	host := m.serverRunning
	if host {
		m.setStateLocked(StateDisconnecting)
	} else {
		m.setStateLocked(StateIdle)
	}
	m.mu.Unlock()

	err := t.Close()
	m.log.Info("session: disconnected", zap.String("remote", t.RemoteAddress()), zap.Bool("host", host))
	if host {
		m.events.Emit(Event{Type: EventClientDisconnected})
		m.sup.spawn("relisten", m.relisten)
	} else {
		m.events.Emit(Event{Type: EventDisconnected})
	}
	if err != nil {
		return fmt.Errorf("session: close transport: %w", err)
	}
	return nil
}

// SendMessage writes one text frame. Concurrent sends are not ordered with
// respect to each other.
func (m *Manager) SendMessage(ctx context.Context, text string) error {
	if text == "" {
		return fmt.Errorf("%w: message is required", ErrMissingArgument)
	}
	return m.send(ctx, framing.Encode(text))
}

// SendFile writes one file frame.
func (m *Manager) SendFile(ctx context.Context, name string, data []byte) error {
	if name == "" {
		return fmt.Errorf("%w: file name is required", ErrMissingArgument)
	}
	if data == nil {
		return fmt.Errorf("%w: file data is required", ErrMissingArgument)
	}
	b, err := framing.EncodeFile(name, data)
	if err != nil {
		return err
	}
	return m.send(ctx, b)
}

func (m *Manager) send(ctx context.Context, b []byte) error {
	m.mu.Lock()
	closed, t := m.closed, m.active
	m.mu.Unlock()
	if closed {
		return ErrNoActiveContext
	}
	if t == nil {
		return ErrNotConnected
	}
	n, err := m.sup.write(ctx, t, b)
	m.metrics.sent(n)
	if err != nil {
		m.log.Warn("session: send failed", zap.Error(err))
		return err
	}
	return nil
}
