package serialmux

import "errors"

// ErrPortDisabled is the cause reported when the bridge runs without
// hardware.
var ErrPortDisabled = errors.New("serial hardware disabled")

// DisabledFactory is used when no controller is attached (--disable-serial).
// Every open fails, so requests still flow through the bridge and are
// reported as transport failures instead of hanging.
type DisabledFactory struct{}

// Open implements SerialPortFactory.
func (DisabledFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	return nil, ErrPortDisabled
}
