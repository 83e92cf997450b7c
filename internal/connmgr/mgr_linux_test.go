//go:build linux

package connmgr

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestMacFromPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", macFromPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"))
	assert.Empty(t, macFromPath("/org/bluez/hci0"))
}

func TestUnderAdapter(t *testing.T) {
	t.Parallel()
	assert.True(t, underAdapter("/org/bluez/hci0", "/org/bluez/hci0/dev_AA"))
	assert.False(t, underAdapter("/org/bluez/hci0", "/org/bluez/hci01/dev_AA"))
}

func TestDeviceFromProps(t *testing.T) {
	t.Parallel()
	path := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")

	d := deviceFromProps(path, map[string]dbus.Variant{
		"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
		"Name":    dbus.MakeVariant("Pixel 8"),
	})
	assert.Equal(t, Device{Name: "Pixel 8", Address: "AA:BB:CC:DD:EE:FF", Path: string(path)}, d)

	d = deviceFromProps(path, map[string]dbus.Variant{
		"Alias": dbus.MakeVariant("AA-BB-CC-DD-EE-FF"),
	})
	assert.Empty(t, d.Name)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", d.Address)

	d = deviceFromProps(path, map[string]dbus.Variant{
		"Address": dbus.MakeVariant("AA:BB:CC:DD:EE:FF"),
		"Alias":   dbus.MakeVariant("kitchen speaker"),
	})
	assert.Equal(t, "kitchen speaker", d.Name)
}

func TestParseBDAddr(t *testing.T) {
	t.Parallel()
	b, err := parseBDAddr("01:02:03:04:05:06")
	require.NoError(t, err)
	assert.Equal(t, [6]uint8{6, 5, 4, 3, 2, 1}, b)

	_, err = parseBDAddr("not-an-address")
	require.Error(t, err)
}

func TestMapDBusError(t *testing.T) {
	t.Parallel()
	deny := dbus.Error{Name: "org.bluez.Error.NotAuthorized"}
	require.ErrorIs(t, mapDBusError("Pair", deny), ErrPermissionDenied)

	gone := &dbus.Error{Name: "org.freedesktop.DBus.Error.ServiceUnknown"}
	require.ErrorIs(t, mapDBusError("GetManagedObjects", gone), ErrNoController)

	other := errors.New("boom")
	err := mapDBusError("Connect", other)
	require.ErrorIs(t, err, other)
	assert.NotErrorIs(t, err, ErrPermissionDenied)
}

func TestClassifyErrno(t *testing.T) {
	t.Parallel()
	require.ErrorIs(t, classifyErrno("socket", unix.EACCES), ErrPermissionDenied)
	require.ErrorIs(t, classifyErrno("socket", unix.EAFNOSUPPORT), ErrNoController)
	require.ErrorIs(t, classifyErrno("connect", unix.ECONNREFUSED), unix.ECONNREFUSED)
}

func rawPipe(t *testing.T) (int, int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	t.Cleanup(func() { _ = unix.Close(p[1]) })
	return p[0], p[1]
}

func TestProfile_NewConnection(t *testing.T) {
	t.Parallel()
	dev := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	p := newProfile(true)

	// Closed profiles reject.
	r, _ := rawPipe(t)
	derr := p.NewConnection(dev, dbus.UnixFD(r), nil)
	require.NotNil(t, derr)
	assert.Equal(t, "org.bluez.Error.Rejected", derr.Name)

	p.setOpen(true)
	r, _ = rawPipe(t)
	require.Nil(t, p.NewConnection(dev, dbus.UnixFD(r), nil))
	res := <-p.ch
	assert.Equal(t, r, res.fd)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", res.dev.Address)
	_ = unix.Close(res.fd)

	// Single-client profiles serve one connection.
	r, _ = rawPipe(t)
	derr = p.NewConnection(dev, dbus.UnixFD(r), nil)
	require.NotNil(t, derr)
	assert.Equal(t, "org.bluez.Error.Rejected", derr.Name)
}
