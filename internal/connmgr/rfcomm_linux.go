//go:build linux

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"btchat/internal/transport"
)

// dialRFCOMM connects a raw RFCOMM socket to channel on the device at address,
// bypassing the service record lookup.
func dialRFCOMM(ctx context.Context, address string, channel uint8) (transport.Transport, error) {
	addr, err := parseBDAddr(address)
	if err != nil {
		return nil, fmt.Errorf("connmgr: parse address %q: %w", address, err)
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, classifyErrno("rfcomm socket", err)
	}
	sa := &unix.SockaddrRFCOMM{Addr: addr, Channel: channel}

	errc := make(chan error, 1)
	go func() { errc <- unix.Connect(fd, sa) }()

	select {
	case err := <-errc:
		if err != nil {
			_ = unix.Close(fd)
			return nil, classifyErrno(fmt.Sprintf("rfcomm connect %s channel %d", address, channel), err)
		}
	case <-ctx.Done():
		_ = unix.Shutdown(fd, unix.SHUT_RDWR)
		go func() {
			<-errc
			_ = unix.Close(fd)
		}()
		return nil, fmt.Errorf("connmgr: connect canceled: %w", ctx.Err())
	}
	return newFDTransport(fd, address)
}

// newFDTransport takes ownership of fd. The socket is switched to
// non-blocking mode so the runtime poller can interrupt reads on Close.
func newFDTransport(fd int, remote string) (transport.Transport, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connmgr: set nonblock: %w", err)
	}
	return transport.New(os.NewFile(uintptr(fd), "rfcomm"), remote), nil
}

// parseBDAddr converts "AA:BB:CC:DD:EE:FF" to the little-endian byte order
// the kernel stores Bluetooth addresses in.
func parseBDAddr(s string) ([6]uint8, error) {
	var b [6]uint8
	hw, err := net.ParseMAC(s)
	if err != nil {
		return b, err
	}
	if len(hw) != 6 {
		return b, fmt.Errorf("want 6 bytes, got %d", len(hw))
	}
	for i := 0; i < 6; i++ {
		b[i] = hw[5-i]
	}
	return b, nil
}

func classifyErrno(op string, err error) error {
	if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
		return fmt.Errorf("connmgr: %s: %w: %v", op, ErrPermissionDenied, err)
	}
	if errors.Is(err, unix.EAFNOSUPPORT) || errors.Is(err, unix.ENODEV) {
		return fmt.Errorf("connmgr: %s: %w: %v", op, ErrNoController, err)
	}
	return fmt.Errorf("connmgr: %s: %w", op, err)
}
