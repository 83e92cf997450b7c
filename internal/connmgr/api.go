// Package connmgr defines the operating-system Bluetooth capability the chat
// engine consumes: discovery, bonded-device enumeration, RFCOMM client
// connects and RFCOMM server listeners.
//
// On Linux the capability is provided by BlueZ over D-Bus (see NewRealAdapter).
// FakeAdapter implements the same interface in memory for tests.
//
// Thread-safety: Adapter implementations are safe for concurrent use. Close is
// idempotent; after Close every other method returns ErrClosed.
package connmgr

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"btchat/internal/transport"
)

const (
	// DefaultServiceName is the SDP service name advertised by the server.
	DefaultServiceName = "BtClassicService"

	// DefaultRFCOMMChannel is the fixed RFCOMM channel for the server-side profile.
	DefaultRFCOMMChannel uint8 = 22

	// FallbackRFCOMMChannel is the channel tried directly when the
	// service-record connect fails. Android listeners usually sit on channel 1.
	FallbackRFCOMMChannel uint8 = 1

	// DefaultScanWindow bounds a discovery session when the caller does not
	// stop it earlier.
	DefaultScanWindow = 12 * time.Second
)

// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
var SPPUUID = uuid.MustParse("00001101-0000-1000-8000-00805f9b34fb")

var (
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("connmgr: closed")

	// ErrPermissionDenied means the OS refused access to the Bluetooth stack.
	ErrPermissionDenied = errors.New("connmgr: permission denied")

	// ErrNoController means no Bluetooth controller is available.
	ErrNoController = errors.New("connmgr: no bluetooth controller")

	// ErrUnsupported is returned on platforms without an implementation.
	ErrUnsupported = errors.New("connmgr: platform not supported")
)

// Device represents the minimum information needed to display and connect.
type Device struct {
	Name    string // optional: remote name as reported by the stack
	Address string // required: Bluetooth device address, unique per device
	Path    string // optional: BlueZ Device1 object path
}

// Target selects the connect strategy for OpenClient. A non-zero Channel
// dials that RFCOMM channel directly; otherwise Service is resolved through
// the service record.
type Target struct {
	Service uuid.UUID
	Channel uint8
}

// Adapter is the Bluetooth capability of the local host.
type Adapter interface {
	// Authorize checks that the process may use the Bluetooth stack.
	// It returns an error wrapping ErrPermissionDenied when it may not.
	Authorize(ctx context.Context) error

	// Enabled reports whether the controller is powered.
	Enabled(ctx context.Context) (bool, error)

	// Name returns the local controller's friendly name.
	Name(ctx context.Context) (string, error)

	// SetDiscoverable makes the controller visible to inquiries for d.
	SetDiscoverable(ctx context.Context, d time.Duration) error

	// Scan starts an inquiry. Devices are delivered on the returned channel as
	// they are found; the channel is closed when the scan finishes, either at
	// the end of the scan window or when ctx is canceled.
	Scan(ctx context.Context) (<-chan Device, error)

	// Bonded lists devices paired with this host.
	Bonded(ctx context.Context) ([]Device, error)

	// OpenClient opens an RFCOMM channel to the device at address.
	OpenClient(ctx context.Context, address string, target Target) (transport.Transport, error)

	// Listen registers a server channel under name and service. The returned
	// listener hands out exactly one connection; reopen it for the next peer.
	Listen(ctx context.Context, name string, service uuid.UUID) (transport.Listener, error)

	// Close releases resources held by the adapter (D-Bus objects, profiles).
	Close() error
}
