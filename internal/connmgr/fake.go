package connmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"btchat/internal/transport"
)

// FakeLocalAddress is the address FakeAdapter reports for the local host.
const FakeLocalAddress = "00:00:00:00:00:01"

// DialAttempt records one OpenClient call on a FakeAdapter.
type DialAttempt struct {
	Address string
	Target  Target
}

type reachability struct {
	primary  bool
	fallback bool
}

// FakeAdapter provides an in-memory Adapter for tests.
// Connections are backed by transport.Pipe; the remote ends are handed to
// the test through Peers (outbound connects) and Connect (inbound).
type FakeAdapter struct {
	mu     sync.Mutex
	closed bool

	permitted    bool
	powered      bool
	name         string
	discoverable time.Duration

	nearby   []Device
	bonded   []Device
	holdScan bool
	scans    int

	reach map[string]reachability
	dials []DialAttempt
	peers chan transport.Transport

	listenErr   error
	listenCount int
	current     *fakeListener
}

// NewFakeAdapter returns a powered, permitted fake with no devices.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		permitted: true,
		powered:   true,
		name:      "fake-host",
		reach:     make(map[string]reachability),
		peers:     make(chan transport.Transport, 16),
	}
}

// --- configuration ---

// SetPermitted controls the result of Authorize.
func (f *FakeAdapter) SetPermitted(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permitted = ok
}

// SetPowered controls the result of Enabled.
func (f *FakeAdapter) SetPowered(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powered = ok
}

// SetName sets the local controller name. An empty name simulates a stack
// that reports none.
func (f *FakeAdapter) SetName(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name = name
}

// AddNearby queues devices reported by every Scan, in order. Duplicates are
// reported as given.
func (f *FakeAdapter) AddNearby(devs ...Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nearby = append(f.nearby, devs...)
}

// AddBonded adds paired devices returned by Bonded.
func (f *FakeAdapter) AddBonded(devs ...Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bonded = append(f.bonded, devs...)
}

// HoldScan keeps scans open after the nearby devices were reported, until
// their context is canceled.
func (f *FakeAdapter) HoldScan(hold bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdScan = hold
}

// SetReachable controls which connect strategies succeed for address.
// Unknown addresses are unreachable.
func (f *FakeAdapter) SetReachable(address string, primary, fallback bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reach[address] = reachability{primary: primary, fallback: fallback}
}

// FailListen makes subsequent Listen calls fail with err. Pass nil to clear.
func (f *FakeAdapter) FailListen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listenErr = err
}

// --- inspection ---

// Dials returns all OpenClient attempts in call order.
func (f *FakeAdapter) Dials() []DialAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]DialAttempt, len(f.dials))
	copy(out, f.dials)
	return out
}

// ListenCount returns how many listeners have been opened.
func (f *FakeAdapter) ListenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listenCount
}

// Listening reports whether a listener is open and has not served a peer yet.
func (f *FakeAdapter) Listening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current != nil && !f.current.served
}

// ScanCount returns how many scans were started.
func (f *FakeAdapter) ScanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

// Discoverable returns the last duration passed to SetDiscoverable.
func (f *FakeAdapter) Discoverable() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discoverable
}

// Peers yields the remote end of every successful OpenClient.
func (f *FakeAdapter) Peers() <-chan transport.Transport {
	return f.peers
}

// Connect simulates a remote device at address connecting to the open
// listener. It waits for a listener until ctx is done and returns the
// remote end of the new connection.
func (f *FakeAdapter) Connect(ctx context.Context, address string) (transport.Transport, error) {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		f.mu.Lock()
		l := f.current
		if l != nil && !l.served {
			l.served = true
			f.mu.Unlock()
			local, remote := transport.Pipe(FakeLocalAddress, address)
			select {
			case l.ch <- local:
				return remote, nil
			case <-l.done:
				local.Close()
				remote.Close()
				return nil, transport.ErrClosed
			}
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connmgr: fake: no listener: %w", ctx.Err())
		case <-tick.C:
		}
	}
}

// --- Adapter ---

func (f *FakeAdapter) check() error {
	if f.closed {
		return ErrClosed
	}
	return nil
}

func (f *FakeAdapter) Authorize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	if !f.permitted {
		return ErrPermissionDenied
	}
	return nil
}

func (f *FakeAdapter) Enabled(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.powered, f.check()
}

func (f *FakeAdapter) Name(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name, f.check()
}

func (f *FakeAdapter) SetDiscoverable(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return err
	}
	f.discoverable = d
	return nil
}

func (f *FakeAdapter) Scan(ctx context.Context) (<-chan Device, error) {
	f.mu.Lock()
	if err := f.check(); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.scans++
	devs := append([]Device(nil), f.nearby...)
	hold := f.holdScan
	f.mu.Unlock()

	out := make(chan Device)
	go func() {
		defer close(out)
		for _, d := range devs {
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (f *FakeAdapter) Bonded(ctx context.Context) ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	return append([]Device(nil), f.bonded...), nil
}

func (f *FakeAdapter) OpenClient(ctx context.Context, address string, target Target) (transport.Transport, error) {
	f.mu.Lock()
	if err := f.check(); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.dials = append(f.dials, DialAttempt{Address: address, Target: target})
	r := f.reach[address]
	f.mu.Unlock()

	ok := r.primary
	strategy := "service " + target.Service.String()
	if target.Channel != 0 {
		ok = r.fallback
		strategy = fmt.Sprintf("channel %d", target.Channel)
	}
	if !ok {
		return nil, fmt.Errorf("connmgr: fake: %s unreachable via %s", address, strategy)
	}

	local, remote := transport.Pipe(FakeLocalAddress, address)
	select {
	case f.peers <- remote:
	default:
		local.Close()
		remote.Close()
		return nil, fmt.Errorf("connmgr: fake: too many unclaimed peers")
	}
	return local, nil
}

func (f *FakeAdapter) Listen(ctx context.Context, name string, service uuid.UUID) (transport.Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(); err != nil {
		return nil, err
	}
	if f.listenErr != nil {
		return nil, f.listenErr
	}
	f.listenCount++
	l := &fakeListener{
		owner: f,
		ch:    make(chan transport.Transport, 1),
		done:  make(chan struct{}),
	}
	f.current = l
	return l, nil
}

func (f *FakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.current != nil {
		f.current.closeLocked()
	}
	return nil
}

type fakeListener struct {
	owner  *FakeAdapter
	ch     chan transport.Transport
	done   chan struct{}
	once   sync.Once
	served bool // guarded by owner.mu
}

func (l *fakeListener) Accept(ctx context.Context) (transport.Transport, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, transport.ErrClosed
	case t := <-l.ch:
		return t, nil
	}
}

func (l *fakeListener) Close() error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	l.closeLocked()
	return nil
}

func (l *fakeListener) closeLocked() {
	l.once.Do(func() { close(l.done) })
	if l.owner.current == l {
		l.owner.current = nil
	}
}
