//go:build !linux

package connmgr

// NewRealAdapter is only implemented on Linux (BlueZ).
func NewRealAdapter(opts Options) (Adapter, error) {
	_ = opts.withDefaults()
	return nil, ErrUnsupported
}
