package transport

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe_RoundTrip(t *testing.T) {
	t.Parallel()
	a, b := Pipe("AA:AA:AA:AA:AA:AA", "BB:BB:BB:BB:BB:BB")
	defer a.Close()
	defer b.Close()

	assert.Equal(t, "BB:BB:BB:BB:BB:BB", a.RemoteAddress())
	assert.Equal(t, "AA:AA:AA:AA:AA:AA", b.RemoteAddress())

	go func() {
		_, _ = a.Write([]byte("ping\n"))
	}()

	buf := make([]byte, 16)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(buf[:n]))
}

func TestClose_UnblocksRead(t *testing.T) {
	t.Parallel()
	a, b := Pipe("a", "b")
	defer b.Close()

	done := make(chan error, 1)
	go func() {
		_, err := a.Read(make([]byte, 8))
		done <- err
	}()

	require.NoError(t, a.Close())
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after Close")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	a, b := Pipe("a", "b")
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	// The peer sees end of stream.
	_, err := b.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
