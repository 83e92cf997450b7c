package session

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"btchat/internal/connmgr"
	"btchat/internal/transport"
)

// heldListen blocks Listen until release is closed.
type heldListen struct {
	*connmgr.FakeAdapter
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (a *heldListen) Listen(ctx context.Context, name string, service uuid.UUID) (transport.Listener, error) {
	a.once.Do(func() { close(a.entered) })
	<-a.release
	return a.FakeAdapter.Listen(ctx, name, service)
}

func TestStartServer_DropsClientBeforeBinding(t *testing.T) {
	t.Parallel()
	fake := connmgr.NewFakeAdapter()
	adapter := &heldListen{
		FakeAdapter: fake,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	opts := DefaultOptions()
	opts.Logger = zaptest.NewLogger(t)
	m := New(adapter, opts)
	events, _ := m.Subscribe()
	t.Cleanup(func() {
		_ = m.Close()
		_ = fake.Close()
	})

	fake.SetReachable(peerAddr, true, false)
	require.NoError(t, m.ConnectToDevice(context.Background(), peerAddr))
	waitEvent(t, events, EventConnected)
	peer := <-fake.Peers()
	t.Cleanup(func() { _ = peer.Close() })

	errc := make(chan error, 1)
	go func() { errc <- m.StartServer(context.Background()) }()
	<-adapter.entered

	// The client connection is gone while the listener is being opened.
	waitEvent(t, events, EventDisconnected)
	assert.False(t, m.IsConnected())
	assert.Equal(t, StateIdle, m.State())
	require.NoError(t, m.Disconnect(context.Background()))

	close(adapter.release)
	require.NoError(t, <-errc)
	waitEvent(t, events, EventServerStarted)
	assert.Equal(t, StateListening, m.State())
	assert.Equal(t, RoleHost, m.Role())
}
