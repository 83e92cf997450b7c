package session

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// supervisor runs the blocking operations (connect, accept, read, write,
// discovery delivery) on tracked goroutines so Close can wait for them.
// Writes are bounded by a semaphore; every other worker class is bounded by
// the resource it owns (one read loop per transport, one accept per listener).
type supervisor struct {
	log    *zap.Logger
	writes chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newSupervisor(log *zap.Logger, maxWrites int) *supervisor {
	return &supervisor{
		log:    log,
		writes: make(chan struct{}, maxWrites),
	}
}

// spawn runs fn on a tracked worker and reports whether it started. Once
// wait has begun nothing new is started. A panic is logged instead of taking
// the process down.
func (s *supervisor) spawn(name string, fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Debug("session: worker not started, closing", zap.String("worker", name))
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("session: worker panic", zap.String("worker", name), zap.Any("panic", r))
			}
		}()
		fn()
	}()
	return true
}

// write performs one Write on a worker and waits for it or ctx. The write
// itself is not interrupted by ctx; closing the transport does that.
func (s *supervisor) write(ctx context.Context, w io.Writer, b []byte) (int, error) {
	select {
	case s.writes <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	type result struct {
		n   int
		err error
	}
	resc := make(chan result, 1)
	started := s.spawn("write", func() {
		defer func() { <-s.writes }()
		n, err := w.Write(b)
		resc <- result{n, err}
	})
	if !started {
		<-s.writes
		return 0, ErrNoActiveContext
	}

	select {
	case r := <-resc:
		if r.err != nil {
			return r.n, fmt.Errorf("%w: %w", ErrIOFailure, r.err)
		}
		return r.n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// wait stops new workers from starting and waits for the running ones.
func (s *supervisor) wait() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
