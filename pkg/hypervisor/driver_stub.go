//go:build !darwin && !linux

package hypervisor

// NewDriver returns an error on unsupported platforms.
func NewDriver(opts Options) (Driver, error) {
	return nil, ErrUnsupportedPlatform
}
