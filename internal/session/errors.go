package session

import (
	"context"
	"errors"

	"btchat/internal/connmgr"
	"btchat/internal/framing"
)

var (
	// ErrPermissionDenied means the OS has not authorized Bluetooth use.
	ErrPermissionDenied = errors.New("session: bluetooth permissions not granted")

	// ErrNoActiveContext means the manager has been closed (detached from its host).
	ErrNoActiveContext = errors.New("session: no active context")

	// ErrConnectionFailed means both the service connect and the fallback channel failed.
	ErrConnectionFailed = errors.New("session: connection failed")

	// ErrServerBindFailed means the listening channel could not be opened.
	ErrServerBindFailed = errors.New("session: server bind failed")

	// ErrIOFailure reports a read or write error on the active transport.
	ErrIOFailure = errors.New("session: transport i/o failure")

	// ErrNotConnected is returned by sends while no transport is active.
	ErrNotConnected = errors.New("session: not connected")

	// ErrMissingArgument is returned when a required command argument is absent.
	ErrMissingArgument = errors.New("session: missing argument")

	// ErrServerRunning is returned by ConnectToDevice while hosting.
	ErrServerRunning = errors.New("session: server is running")

	// ErrBusy is returned while a connection attempt is in flight.
	ErrBusy = errors.New("session: connection attempt in progress")
)

// Result codes reported to application bridges.
const (
	CodeNoPermission     = "NO_PERMISSION"
	CodeNoActivity       = "NO_ACTIVITY"
	CodeMissingParam     = "MISSING_PARAM"
	CodeInvalidParam     = "INVALID_PARAM"
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeServerFailed     = "SERVER_FAILED"
	CodeSendFailed       = "SEND_FAILED"
	CodeNotConnected     = "NOT_CONNECTED"
	CodeBusy             = "BUSY"
	CodeNoAdapter        = "BLUETOOTH_UNAVAILABLE"
	CodeTimeout          = "TIMEOUT"
	CodeInternal         = "INTERNAL_ERROR"
)

// Code classifies err into a result code. Permission problems win over the
// operation that hit them.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, connmgr.ErrPermissionDenied):
		return CodeNoPermission
	case errors.Is(err, ErrNoActiveContext), errors.Is(err, connmgr.ErrClosed):
		return CodeNoActivity
	case errors.Is(err, connmgr.ErrNoController), errors.Is(err, connmgr.ErrUnsupported):
		return CodeNoAdapter
	case errors.Is(err, ErrMissingArgument):
		return CodeMissingParam
	case errors.Is(err, framing.ErrInvalidFileName):
		return CodeInvalidParam
	case errors.Is(err, ErrConnectionFailed):
		return CodeConnectionFailed
	case errors.Is(err, ErrServerBindFailed):
		return CodeServerFailed
	case errors.Is(err, ErrIOFailure):
		return CodeSendFailed
	case errors.Is(err, ErrNotConnected):
		return CodeNotConnected
	case errors.Is(err, ErrServerRunning), errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CodeTimeout
	default:
		return CodeInternal
	}
}
