// Package session owns the single Bluetooth chat connection: it drives
// discovery, client connects, the host listener with automatic re-listen,
// the framed read loop and the event stream delivered to the application.
//
// Every mutable field of Manager is guarded by one mutex. Workers check,
// under that mutex, that the transport or listener they hold is still the
// current one before changing state; a worker whose resource was replaced or
// closed exits without emitting anything.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"btchat/internal/connmgr"
	"btchat/internal/framing"
	"btchat/internal/transport"
)

// UnknownDevice is reported when the stack has no name for a device.
const UnknownDevice = "Unknown Device"

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	ServiceName          string
	ServiceUUID          uuid.UUID
	FallbackChannel      uint8
	DisableFallback      bool
	DiscoverableDuration time.Duration
	MaxFrameSize         int
	ReadBufferSize       int
	MaxPendingWrites     int

	Logger  *zap.Logger
	Metrics *Metrics
}

// DefaultOptions returns the options matching the stock Android peer.
func DefaultOptions() Options {
	return Options{
		ServiceName:          connmgr.DefaultServiceName,
		ServiceUUID:          connmgr.SPPUUID,
		FallbackChannel:      connmgr.FallbackRFCOMMChannel,
		DiscoverableDuration: 300 * time.Second,
		MaxFrameSize:         framing.MaxFrameSize,
		ReadBufferSize:       framing.DefaultReadSize,
		MaxPendingWrites:     8,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ServiceName == "" {
		o.ServiceName = d.ServiceName
	}
	if o.ServiceUUID == uuid.Nil {
		o.ServiceUUID = d.ServiceUUID
	}
	if o.FallbackChannel == 0 {
		o.FallbackChannel = d.FallbackChannel
	}
	if o.DiscoverableDuration <= 0 {
		o.DiscoverableDuration = d.DiscoverableDuration
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = d.MaxFrameSize
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = d.ReadBufferSize
	}
	if o.MaxPendingWrites <= 0 {
		o.MaxPendingWrites = d.MaxPendingWrites
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type scanSession struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager is the connection state machine. It is safe for concurrent use.
type Manager struct {
	adapter connmgr.Adapter
	opts    Options
	log     *zap.Logger
	metrics *Metrics
	events  *Emitter
	sup     *supervisor

	// ctx lives until Close; workers blocking in the adapter use it.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	closed        bool
	state         State
	role          Role
	serverRunning bool
	attempt       uint64 // bumped per connect; stale attempts are discarded
	active        transport.Transport
	listener      transport.Listener
	scan          *scanSession
	discovered    map[string]connmgr.Device
}

// New returns a Manager driving adapter. The caller keeps ownership of the
// adapter and closes it after the Manager.
func New(adapter connmgr.Adapter, opts Options) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		adapter:    adapter,
		opts:       opts,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		events:     NewEmitter(opts.Logger),
		sup:        newSupervisor(opts.Logger, opts.MaxPendingWrites),
		ctx:        ctx,
		cancel:     cancel,
		discovered: make(map[string]connmgr.Device),
	}
	m.metrics.setState(StateIdle)
	return m
}

// Subscribe registers an event receiver. See Emitter.Subscribe.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.events.Subscribe()
}

// State returns the current connection state. While a scan runs and no
// connection work is going on, the state is StateDiscovering.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	if m.state == StateIdle && m.scan != nil {
		return StateDiscovering
	}
	return m.state
}

// Role returns the role set by the last connect or listen.
func (m *Manager) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// IsConnected reports whether a transport is active.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// IsServerRunning reports whether the host role is active.
func (m *Manager) IsServerRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverRunning
}

// setStateLocked records a transition. Must be called with mu held.
func (m *Manager) setStateLocked(s State) {
	if m.state != s {
		m.log.Debug("session: state", zap.Stringer("from", m.state), zap.Stringer("to", s))
	}
	m.state = s
	m.metrics.setState(m.stateLocked())
}

// authorize fails when the manager is closed or the OS denies access.
func (m *Manager) authorize(ctx context.Context) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrNoActiveContext
	}
	if err := m.adapter.Authorize(ctx); err != nil {
		if errors.Is(err, connmgr.ErrPermissionDenied) {
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return err
	}
	return nil
}

// RequestPermissions reports whether Bluetooth access is granted. A denial
// is a false result, not an error.
func (m *Manager) RequestPermissions(ctx context.Context) (bool, error) {
	err := m.authorize(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrPermissionDenied):
		m.log.Info("session: bluetooth permissions missing", zap.Error(err))
		return false, nil
	default:
		return false, err
	}
}

// IsBluetoothEnabled reports whether the controller is powered. A host
// without a controller reports false.
func (m *Manager) IsBluetoothEnabled(ctx context.Context) (bool, error) {
	ok, err := m.adapter.Enabled(ctx)
	if errors.Is(err, connmgr.ErrNoController) {
		return false, nil
	}
	return ok, err
}

// DeviceName returns the local controller name.
func (m *Manager) DeviceName(ctx context.Context) (string, error) {
	name, err := m.adapter.Name(ctx)
	if err != nil {
		if errors.Is(err, connmgr.ErrNoController) {
			return UnknownDevice, nil
		}
		return "", err
	}
	if name == "" {
		return UnknownDevice, nil
	}
	return name, nil
}

// MakeDiscoverable makes this host visible to scanning peers.
func (m *Manager) MakeDiscoverable(ctx context.Context) error {
	if err := m.authorize(ctx); err != nil {
		return err
	}
	if err := m.adapter.SetDiscoverable(ctx, m.opts.DiscoverableDuration); err != nil {
		return fmt.Errorf("session: make discoverable: %w", err)
	}
	m.log.Info("session: discoverable", zap.Duration("duration", m.opts.DiscoverableDuration))
	return nil
}

// PairedDevices lists bonded devices.
func (m *Manager) PairedDevices(ctx context.Context) ([]connmgr.Device, error) {
	if err := m.authorize(ctx); err != nil {
		return nil, err
	}
	devs, err := m.adapter.Bonded(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: list bonded devices: %w", err)
	}
	for i := range devs {
		devs[i] = named(devs[i])
	}
	return devs, nil
}

// Close stops discovery, the server and the connection, waits for all
// workers and closes the event stream. It does not close the adapter.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	l, t, scan := m.listener, m.active, m.scan
	m.listener, m.active, m.scan = nil, nil, nil
	m.serverRunning = false
	m.setStateLocked(StateIdle)
	m.mu.Unlock()

	m.cancel()
	if scan != nil {
		scan.cancel()
	}
	var err error
	if l != nil {
		err = multierr.Append(err, l.Close())
	}
	if t != nil {
		err = multierr.Append(err, t.Close())
	}
	m.sup.wait()
	m.events.Close()
	return err
}

func named(d connmgr.Device) connmgr.Device {
	if d.Name == "" {
		d.Name = UnknownDevice
	}
	return d
}
