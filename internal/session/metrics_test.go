package session

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btchat/internal/framing"
)

func TestMetrics_Session(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	h := newHarness(t, func(o *Options) { o.Metrics = metrics })

	peer := connectClient(t, h)
	assert.Equal(t, float64(StateConnected), testutil.ToFloat64(metrics.state))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.connections.WithLabelValues("client", "success")))

	_, err := peer.Write([]byte("one\nFILE:bad\n"))
	require.NoError(t, err)
	require.NoError(t, framing.WriteFile(peer, "a.txt", []byte("AB")))
	waitEvent(t, h.events, EventFileReceived)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.framesReceived.WithLabelValues("message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.framesReceived.WithLabelValues("file")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.malformedFrames))

	got := readLine(peer)
	require.NoError(t, h.m.SendMessage(context.Background(), "hey"))
	<-got
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.bytesSent))

	n, err := testutil.GatherAndCount(reg, "btchat_frames_received_total", "btchat_connections_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestMetrics_ConnectFailure(t *testing.T) {
	t.Parallel()
	metrics := NewMetrics(nil)
	h := newHarness(t, func(o *Options) { o.Metrics = metrics })

	require.Error(t, h.m.ConnectToDevice(context.Background(), peerAddr))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.connections.WithLabelValues("client", "failure")))
	assert.Equal(t, float64(StateIdle), testutil.ToFloat64(metrics.state))
}

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.frame("message")
	m.malformed()
	m.sent(3)
	m.connection(RoleHost, nil)
	m.setState(StateListening)
}
