//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"btchat/internal/transport"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

var pathCounter uint64

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// NewRealAdapter returns the BlueZ-backed Adapter. The system bus is
// connected lazily on first use.
func NewRealAdapter(opts Options) (Adapter, error) {
	opts = opts.withDefaults()
	return &bluezAdapter{
		opts:      opts,
		log:       opts.Logger,
		clients:   make(map[uuid.UUID]*profile),
		listeners: make(map[*bluezListener]struct{}),
	}, nil
}

type bluezAdapter struct {
	mu     sync.Mutex
	closed bool

	opts Options
	log  *zap.Logger

	bus         *dbus.Conn
	adapterPath dbus.ObjectPath

	// client profiles keyed by service, registered on first connect
	clients   map[uuid.UUID]*profile
	listeners map[*bluezListener]struct{}

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

// ensureBusLocked connects to the system bus and resolves the adapter path.
func (m *bluezAdapter) ensureBusLocked() error {
	if m.bus == nil {
		c, err := dbus.SystemBus()
		if err != nil {
			return mapDBusError("connect system bus", err)
		}
		m.bus = c
		// Close the bus last during cleanup.
		m.cleanup = append(m.cleanup, func() { m.bus.Close() })
	}
	if m.adapterPath == "" {
		adapters, err := listAdapters(m.bus)
		if err != nil {
			return err
		}
		for _, ap := range adapters {
			if m.opts.AdapterID == "" || strings.HasSuffix(string(ap), "/"+m.opts.AdapterID) {
				m.adapterPath = ap
				break
			}
		}
		if m.adapterPath == "" {
			return ErrNoController
		}
	}
	return nil
}

func (m *bluezAdapter) conn() (*dbus.Conn, dbus.ObjectPath, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, "", ErrClosed
	}
	if err := m.ensureBusLocked(); err != nil {
		return nil, "", err
	}
	return m.bus, m.adapterPath, nil
}

func (m *bluezAdapter) adapterProp(ctx context.Context, name string) (dbus.Variant, error) {
	bus, ap, err := m.conn()
	if err != nil {
		return dbus.Variant{}, err
	}
	var v dbus.Variant
	call := bus.Object(bluezService, ap).CallWithContext(ctx, propsIface+".Get", 0, adapterIface, name)
	if call.Err != nil {
		return dbus.Variant{}, mapDBusError("get Adapter1."+name, call.Err)
	}
	if err := call.Store(&v); err != nil {
		return dbus.Variant{}, fmt.Errorf("connmgr: decode Adapter1.%s: %w", name, err)
	}
	return v, nil
}

func (m *bluezAdapter) setAdapterProp(ctx context.Context, name string, value interface{}) error {
	bus, ap, err := m.conn()
	if err != nil {
		return err
	}
	call := bus.Object(bluezService, ap).CallWithContext(ctx, propsIface+".Set", 0, adapterIface, name, dbus.MakeVariant(value))
	if call.Err != nil {
		return mapDBusError("set Adapter1."+name, call.Err)
	}
	return nil
}

// Authorize probes the adapter; BlueZ policy rejections surface as ErrPermissionDenied.
func (m *bluezAdapter) Authorize(ctx context.Context) error {
	_, err := m.adapterProp(ctx, "Powered")
	return err
}

func (m *bluezAdapter) Enabled(ctx context.Context) (bool, error) {
	v, err := m.adapterProp(ctx, "Powered")
	if err != nil {
		return false, err
	}
	b, _ := v.Value().(bool)
	return b, nil
}

func (m *bluezAdapter) Name(ctx context.Context) (string, error) {
	for _, prop := range []string{"Alias", "Name"} {
		v, err := m.adapterProp(ctx, prop)
		if err != nil {
			return "", err
		}
		if s, _ := v.Value().(string); s != "" {
			return s, nil
		}
	}
	return "", nil
}

func (m *bluezAdapter) SetDiscoverable(ctx context.Context, d time.Duration) error {
	if err := m.setAdapterProp(ctx, "DiscoverableTimeout", uint32(d/time.Second)); err != nil {
		return err
	}
	return m.setAdapterProp(ctx, "Discoverable", true)
}

func (m *bluezAdapter) Scan(ctx context.Context) (<-chan Device, error) {
	bus, ap, err := m.conn()
	if err != nil {
		return nil, err
	}

	// Subscribe before starting discovery so no InterfacesAdded is missed.
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	added := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	changed := []dbus.MatchOption{
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, deviceIface),
	}
	unsubscribe := func() {
		_ = bus.RemoveMatchSignal(added...)
		_ = bus.RemoveMatchSignal(changed...)
		bus.RemoveSignal(sigCh)
	}
	if err := bus.AddMatchSignal(added...); err != nil {
		bus.RemoveSignal(sigCh)
		return nil, fmt.Errorf("connmgr: AddMatchSignal: %w", err)
	}
	if err := bus.AddMatchSignal(changed...); err != nil {
		unsubscribe()
		return nil, fmt.Errorf("connmgr: AddMatchSignal: %w", err)
	}

	adapterObj := bus.Object(bluezService, ap)
	if call := adapterObj.CallWithContext(ctx, adapterIface+".StartDiscovery", 0); call.Err != nil {
		unsubscribe()
		return nil, mapDBusError("StartDiscovery", call.Err)
	}

	// Devices BlueZ already knows about carry an RSSI only while they are in range.
	objs, err := managedObjectsOf(bus)
	if err != nil {
		_ = adapterObj.Call(adapterIface+".StopDiscovery", 0).Err
		unsubscribe()
		return nil, err
	}
	var inRange []Device
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !underAdapter(ap, path) {
			continue
		}
		if _, ok := props["RSSI"]; ok {
			inRange = append(inRange, deviceFromProps(path, props))
		}
	}

	out := make(chan Device, 16)
	go func() {
		defer close(out)
		defer unsubscribe()
		defer func() {
			if err := adapterObj.Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
				m.log.Debug("connmgr: StopDiscovery", zap.Error(err))
			}
		}()

		window := time.NewTimer(m.opts.ScanWindow)
		defer window.Stop()

		emit := func(d Device) bool {
			select {
			case out <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, d := range inRange {
			if !emit(d) {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-window.C:
				return
			case sig := <-sigCh:
				dev, ok := m.deviceFromSignal(bus, ap, sig)
				if ok && !emit(dev) {
					return
				}
			}
		}
	}()
	return out, nil
}

// deviceFromSignal extracts a device sighting from InterfacesAdded or an RSSI
// update in PropertiesChanged.
func (m *bluezAdapter) deviceFromSignal(bus *dbus.Conn, ap dbus.ObjectPath, sig *dbus.Signal) (Device, bool) {
	if sig == nil {
		return Device{}, false
	}
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return Device{}, false
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		props, ok := ifaces[deviceIface]
		if !ok || !underAdapter(ap, path) {
			return Device{}, false
		}
		return deviceFromProps(path, props), true
	case propsIface + ".PropertiesChanged":
		if len(sig.Body) < 2 || !underAdapter(ap, sig.Path) {
			return Device{}, false
		}
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if _, ok := changed["RSSI"]; !ok {
			return Device{}, false
		}
		var props map[string]dbus.Variant
		call := bus.Object(bluezService, sig.Path).Call(propsIface+".GetAll", 0, deviceIface)
		if call.Err != nil || call.Store(&props) != nil {
			return Device{Address: macFromPath(sig.Path), Path: string(sig.Path)}, true
		}
		return deviceFromProps(sig.Path, props), true
	}
	return Device{}, false
}

func (m *bluezAdapter) Bonded(ctx context.Context) ([]Device, error) {
	bus, ap, err := m.conn()
	if err != nil {
		return nil, err
	}
	objs, err := managedObjectsOf(bus)
	if err != nil {
		return nil, err
	}
	var out []Device
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !underAdapter(ap, path) {
			continue
		}
		if paired, _ := props["Paired"].Value().(bool); paired {
			out = append(out, deviceFromProps(path, props))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (m *bluezAdapter) OpenClient(ctx context.Context, address string, target Target) (transport.Transport, error) {
	if address == "" {
		return nil, errors.New("connmgr: device address required")
	}
	if target.Channel != 0 {
		return dialRFCOMM(ctx, address, target.Channel)
	}
	if target.Service == uuid.Nil {
		target.Service = SPPUUID
	}

	bus, ap, err := m.conn()
	if err != nil {
		return nil, err
	}
	prof, err := m.clientProfile(bus, target.Service)
	if err != nil {
		return nil, err
	}
	prof.dialMu.Lock()
	defer prof.dialMu.Unlock()

	devPath, err := devicePath(bus, ap, address)
	if err != nil {
		return nil, err
	}
	devObj := bus.Object(bluezService, devPath)

	// Ensure paired; if not, attempt Pair() via the registered Agent.
	var pairedVar dbus.Variant
	if call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
		if err := call.Store(&pairedVar); err == nil {
			if b, ok := pairedVar.Value().(bool); ok && !b {
				if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
					return nil, mapDBusError("Pair", err)
				}
			}
		}
	}

	prof.setOpen(true)
	defer prof.setOpen(false)

	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, target.Service.String()); call.Err != nil {
		return nil, mapDBusError("ConnectProfile", call.Err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
	case res := <-prof.ch:
		m.log.Debug("connmgr: client connected", zap.String("address", address), zap.Int("fd", res.fd))
		return newFDTransport(res.fd, address)
	}
}

// clientProfile exports and registers the client-role Profile1 for service once.
func (m *bluezAdapter) clientProfile(bus *dbus.Conn, service uuid.UUID) (*profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.clients[service]; ok {
		return p, nil
	}
	p := newProfile(false)
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/btchat/connmgr/client/p" + strconv.FormatUint(id, 10))
	if err := bus.Export(p, path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("connmgr: export client profile: %w", err)
	}
	pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	optsMap := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, service.String(), optsMap); call.Err != nil {
		_ = bus.Export(nil, path, profileInterfaceName)
		return nil, mapDBusError("RegisterProfile(client)", call.Err)
	}
	// Unregister client profile on close.
	m.cleanup = append(m.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = bus.Export(nil, path, profileInterfaceName)
	})
	m.clients[service] = p
	return p, nil
}

func (m *bluezAdapter) Listen(ctx context.Context, name string, service uuid.UUID) (transport.Listener, error) {
	if name == "" {
		return nil, errors.New("connmgr: service name required")
	}
	bus, _, err := m.conn()
	if err != nil {
		return nil, err
	}

	// Export Profile1 for server role. Unique object path per listener to avoid collisions.
	p := newProfile(true)
	p.setOpen(true)
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/btchat/connmgr/server/p" + strconv.FormatUint(id, 10))
	if err := bus.Export(p, path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("connmgr: export server profile: %w", err)
	}

	optsMap := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(name),
		"Role": dbus.MakeVariant("server"),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel": dbus.MakeVariant(uint16(m.opts.ServerChannel)),
	}
	pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.CallWithContext(ctx, profileManagerIface+".RegisterProfile", 0, path, service.String(), optsMap); call.Err != nil {
		_ = bus.Export(nil, path, profileInterfaceName)
		return nil, mapDBusError("RegisterProfile(server)", call.Err)
	}

	l := &bluezListener{
		adapter: m,
		bus:     bus,
		path:    path,
		prof:    p,
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = l.release()
		return nil, ErrClosed
	}
	m.listeners[l] = struct{}{}
	m.mu.Unlock()

	m.log.Debug("connmgr: server profile registered",
		zap.String("name", name),
		zap.String("path", string(path)),
		zap.Uint8("channel", m.opts.ServerChannel),
	)
	return l, nil
}

// Close is safe for concurrent and redundant calls (idempotent).
func (m *bluezAdapter) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cleanup := m.cleanup
	// Clear to allow GC of captured resources.
	m.cleanup = nil
	listeners := make([]*bluezListener, 0, len(m.listeners))
	for l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.listeners = nil
	m.mu.Unlock()

	var err error
	for _, l := range listeners {
		err = multierr.Append(err, l.release())
	}
	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return err
}

// bluezListener is one registered server profile. It accepts one connection.
type bluezListener struct {
	adapter *bluezAdapter
	bus     *dbus.Conn
	path    dbus.ObjectPath
	prof    *profile

	done chan struct{}
	once sync.Once
	err  error
}

func (l *bluezListener) Accept(ctx context.Context) (transport.Transport, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connmgr: accept canceled: %w", ctx.Err())
	case <-l.done:
		return nil, transport.ErrClosed
	case res := <-l.prof.ch:
		return newFDTransport(res.fd, res.dev.Address)
	}
}

func (l *bluezListener) Close() error {
	l.adapter.mu.Lock()
	delete(l.adapter.listeners, l)
	l.adapter.mu.Unlock()
	return l.release()
}

func (l *bluezListener) release() error {
	l.once.Do(func() {
		close(l.done)
		l.prof.setOpen(false)
		pm := l.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
		if call := pm.Call(profileManagerIface+".UnregisterProfile", 0, l.path); call.Err != nil {
			l.err = mapDBusError("UnregisterProfile", call.Err)
		}
		// Unexport the object path (best-effort).
		_ = l.bus.Export(nil, l.path, profileInterfaceName)
	})
	return l.err
}

// profile implements org.bluez.Profile1 and forwards NewConnection events.
type profile struct {
	mu     sync.Mutex
	ch     chan acceptResult
	open   bool // connections are rejected while false
	single bool // server profiles hand out exactly one connection
	served bool

	// dialMu serializes outbound connects sharing a client profile.
	dialMu sync.Mutex
}

type acceptResult struct {
	fd  int
	dev Device
}

func newProfile(single bool) *profile {
	return &profile{ch: make(chan acceptResult, 1), single: single}
}

// setOpen toggles acceptance. Closing drains any undelivered connection.
func (p *profile) setOpen(open bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = open
	if open {
		return
	}
	for {
		select {
		case res := <-p.ch:
			_ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
		default:
			return
		}
	}
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the owner of the FD closes it.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the incoming RFCOMM socket FD to the waiting goroutine.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	res := acceptResult{
		fd: int(fd),
		dev: Device{
			Path:    string(dev),
			Address: macFromPath(dev),
		},
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open || (p.single && p.served) {
		_ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"not accepting"}}
	}
	select {
	case p.ch <- res:
		p.served = true
		return nil
	default:
		// No receiver; close FD and return a rejection to avoid leaks.
		_ = os.NewFile(uintptr(res.fd), "rfcomm").Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"busy"}}
	}
}

// Helpers

// dbusErrorName returns the D-Bus error name carried by err, if any.
func dbusErrorName(err error) string {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name
	}
	var p *dbus.Error
	if errors.As(err, &p) && p != nil {
		return p.Name
	}
	return ""
}

// mapDBusError wraps err, classifying BlueZ and bus policy rejections.
func mapDBusError(op string, err error) error {
	switch dbusErrorName(err) {
	case "org.freedesktop.DBus.Error.AccessDenied",
		"org.bluez.Error.NotAuthorized",
		"org.bluez.Error.NotPermitted":
		return fmt.Errorf("connmgr: %s: %w: %v", op, ErrPermissionDenied, err)
	case "org.freedesktop.DBus.Error.ServiceUnknown",
		"org.bluez.Error.NotReady":
		return fmt.Errorf("connmgr: %s: %w: %v", op, ErrNoController, err)
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("connmgr: %s: %w: %v", op, ErrPermissionDenied, err)
	}
	return fmt.Errorf("connmgr: %s: %w", op, err)
}

func managedObjectsOf(bus *dbus.Conn) (managedObjects, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs managedObjects
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, mapDBusError("GetManagedObjects", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("connmgr: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func listAdapters(bus *dbus.Conn) ([]dbus.ObjectPath, error) {
	objs, err := managedObjectsOf(bus)
	if err != nil {
		return nil, err
	}
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// devicePath finds the Device1 object for address, or derives BlueZ's path
// naming when the device is not known yet.
func devicePath(bus *dbus.Conn, ap dbus.ObjectPath, address string) (dbus.ObjectPath, error) {
	objs, err := managedObjectsOf(bus)
	if err != nil {
		return "", err
	}
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !underAdapter(ap, path) {
			continue
		}
		if a, _ := props["Address"].Value().(string); strings.EqualFold(a, address) {
			return path, nil
		}
	}
	return dbus.ObjectPath(string(ap) + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_")), nil
}

func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) Device {
	var mac, name string
	if v, ok := props["Address"]; ok {
		mac, _ = v.Value().(string)
	}
	if mac == "" {
		mac = macFromPath(path)
	}
	if v, ok := props["Name"]; ok {
		name, _ = v.Value().(string)
	}
	if name == "" {
		if v, ok := props["Alias"]; ok {
			name, _ = v.Value().(string)
		}
		// BlueZ sets Alias to the dashed address when the name is unknown.
		if strings.EqualFold(name, strings.ReplaceAll(mac, ":", "-")) {
			name = ""
		}
	}
	return Device{
		Path:    string(path),
		Address: mac,
		Name:    name,
	}
}

func underAdapter(ap, p dbus.ObjectPath) bool {
	return strings.HasPrefix(string(p), string(ap)+"/")
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	mac := s[idx+5:]
	mac = strings.ReplaceAll(mac, "_", ":")
	return mac
}
