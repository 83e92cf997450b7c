package connmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btchat/internal/transport"
)

func TestFakeAdapter_Scan(t *testing.T) {
	t.Parallel()
	f := NewFakeAdapter()
	f.AddNearby(Device{Name: "a", Address: "01"}, Device{Name: "b", Address: "02"})

	ch, err := f.Scan(context.Background())
	require.NoError(t, err)
	var got []string
	for d := range ch {
		got = append(got, d.Address)
	}
	assert.Equal(t, []string{"01", "02"}, got)
	assert.Equal(t, 1, f.ScanCount())
}

func TestFakeAdapter_HoldScan(t *testing.T) {
	t.Parallel()
	f := NewFakeAdapter()
	f.HoldScan(true)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := f.Scan(ctx)
	require.NoError(t, err)
	select {
	case <-ch:
		t.Fatal("held scan finished early")
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestFakeAdapter_OpenClient(t *testing.T) {
	t.Parallel()
	f := NewFakeAdapter()
	ctx := context.Background()
	f.SetReachable("AA", false, true)

	_, err := f.OpenClient(ctx, "AA", Target{Service: SPPUUID})
	require.Error(t, err)

	local, err := f.OpenClient(ctx, "AA", Target{Channel: FallbackRFCOMMChannel})
	require.NoError(t, err)
	defer local.Close()
	assert.Equal(t, "AA", local.RemoteAddress())

	remote := <-f.Peers()
	defer remote.Close()
	assert.Equal(t, FakeLocalAddress, remote.RemoteAddress())

	go func() { _, _ = local.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	_, err = remote.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	assert.Equal(t, []DialAttempt{
		{Address: "AA", Target: Target{Service: SPPUUID}},
		{Address: "AA", Target: Target{Channel: FallbackRFCOMMChannel}},
	}, f.Dials())
}

func TestFakeAdapter_ListenAccept(t *testing.T) {
	t.Parallel()
	f := NewFakeAdapter()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	l, err := f.Listen(ctx, DefaultServiceName, SPPUUID)
	require.NoError(t, err)
	assert.True(t, f.Listening())

	remote, err := f.Connect(ctx, "BB")
	require.NoError(t, err)
	defer remote.Close()
	assert.False(t, f.Listening())

	local, err := l.Accept(ctx)
	require.NoError(t, err)
	defer local.Close()
	assert.Equal(t, "BB", local.RemoteAddress())

	require.NoError(t, l.Close())
	_, err = l.Accept(ctx)
	require.ErrorIs(t, err, transport.ErrClosed)
}

func TestFakeAdapter_ConnectWithoutListener(t *testing.T) {
	t.Parallel()
	f := NewFakeAdapter()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Connect(ctx, "BB")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFakeAdapter_Closed(t *testing.T) {
	t.Parallel()
	f := NewFakeAdapter()
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	ctx := context.Background()
	require.ErrorIs(t, f.Authorize(ctx), ErrClosed)
	_, err := f.Scan(ctx)
	require.ErrorIs(t, err, ErrClosed)
	_, err = f.Listen(ctx, DefaultServiceName, SPPUUID)
	require.ErrorIs(t, err, ErrClosed)
}

func TestFakeAdapter_Permissions(t *testing.T) {
	t.Parallel()
	f := NewFakeAdapter()
	f.SetPermitted(false)
	require.ErrorIs(t, f.Authorize(context.Background()), ErrPermissionDenied)
}
