package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Gateway serves the HTTP bridge for one session.
type Gateway struct {
	addr   string
	log    *zap.Logger
	server *http.Server

	// ready is closed once the listener is bound; Addr is valid after it.
	ready chan struct{}
	bound net.Addr
}

// New constructs a Gateway without starting it.
func New(addr string, sess Session, gatherer prometheus.Gatherer, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(sess, gatherer, log),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Gateway{addr: addr, log: log, server: srv, ready: make(chan struct{})}
}

// Ready is closed once the gateway accepts connections.
func (g *Gateway) Ready() <-chan struct{} { return g.ready }

// Addr returns the bound address. Valid after Ready is closed.
func (g *Gateway) Addr() net.Addr { return g.bound }

// Start serves until ctx is canceled, then shuts down gracefully.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", g.addr, err)
	}
	g.bound = ln.Addr()
	close(g.ready)
	g.log.Info("HTTP gateway listening", zap.String("addr", ln.Addr().String()))

	srvErr := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		g.log.Info("gateway: shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Hijacked WebSocket connections are not tracked by Shutdown; they end
		// when the session closes its event stream.
		return g.server.Shutdown(shutCtx)
	case err := <-srvErr:
		return err
	}
}
