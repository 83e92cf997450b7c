package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSupervisor_NoWorkersAfterWait(t *testing.T) {
	t.Parallel()
	s := newSupervisor(zap.NewNop(), 1)

	ran := make(chan struct{})
	require.True(t, s.spawn("first", func() { close(ran) }))
	s.wait()
	<-ran

	assert.False(t, s.spawn("late", func() { t.Error("worker started after wait") }))

	var buf bytes.Buffer
	n, err := s.write(context.Background(), &buf, []byte("x"))
	require.ErrorIs(t, err, ErrNoActiveContext)
	assert.Zero(t, n)
	assert.Zero(t, buf.Len())

	// The refused write gave its slot back.
	assert.Empty(t, s.writes)
}

func TestSupervisor_RecoversPanic(t *testing.T) {
	t.Parallel()
	s := newSupervisor(zap.NewNop(), 1)
	require.True(t, s.spawn("boom", func() { panic("boom") }))
	s.wait()
}

func TestManager_SendsRacingClose(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	peer := connectClient(t, h)
	go func() {
		buf := make([]byte, 512)
		for {
			if _, err := peer.Read(buf); err != nil {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				err := h.m.SendMessage(context.Background(), "ping")
				if err != nil && !errors.Is(err, ErrNoActiveContext) &&
					!errors.Is(err, ErrNotConnected) && !errors.Is(err, ErrIOFailure) {
					t.Errorf("unexpected send error: %v", err)
					return
				}
			}
		}()
	}
	require.NoError(t, h.m.Close())
	wg.Wait()

	require.ErrorIs(t, h.m.SendMessage(context.Background(), "late"), ErrNoActiveContext)
}
