// Package transport defines the byte-stream abstraction the chat engine runs on.
//
// A Transport is one open RFCOMM channel (or anything that behaves like one).
// A Listener is the accept side of a server channel. Both are closed to
// cancel: Close unblocks any goroutine waiting in Read, Write or Accept.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// ErrClosed is returned by Accept after the listener has been closed.
var ErrClosed = errors.New("transport: closed")

// Transport is an open duplex byte channel to one remote device.
type Transport interface {
	io.Reader
	io.Writer
	// Close releases the channel. It is idempotent and unblocks pending I/O.
	io.Closer

	// RemoteAddress returns the hardware address of the peer, if known.
	RemoteAddress() string
}

// Listener waits for inbound connections on a server channel.
type Listener interface {
	// Accept blocks until a peer connects, ctx is done, or the listener is closed.
	Accept(ctx context.Context) (Transport, error)

	// Close stops listening. A pending Accept returns ErrClosed.
	Close() error
}

type stream struct {
	rwc    io.ReadWriteCloser
	remote string

	once sync.Once
	err  error
}

// New wraps an open stream as a Transport. Close is forwarded exactly once.
func New(rwc io.ReadWriteCloser, remote string) Transport {
	return &stream{rwc: rwc, remote: remote}
}

func (s *stream) Read(p []byte) (int, error)  { return s.rwc.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.rwc.Write(p) }
func (s *stream) RemoteAddress() string       { return s.remote }

func (s *stream) Close() error {
	s.once.Do(func() { s.err = s.rwc.Close() })
	return s.err
}

// Pipe returns two connected in-memory transports. The first end reports b as
// its remote address and the second reports a.
func Pipe(a, b string) (Transport, Transport) {
	ca, cb := net.Pipe()
	return New(ca, b), New(cb, a)
}
