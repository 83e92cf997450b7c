package connmgr

import (
	"time"

	"go.uber.org/zap"
)

// Options configures the BlueZ-backed adapter.
type Options struct {
	// AdapterID selects the controller (e.g. "hci0"). Empty selects the first one.
	AdapterID string

	// ServerChannel is the RFCOMM channel registered for Listen.
	ServerChannel uint8

	// ScanWindow bounds a discovery session.
	ScanWindow time.Duration

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.ServerChannel == 0 {
		o.ServerChannel = DefaultRFCOMMChannel
	}
	if o.ScanWindow <= 0 {
		o.ScanWindow = DefaultScanWindow
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
