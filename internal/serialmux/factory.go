package serialmux

import (
	"go.bug.st/serial"
)

// RealPortFactory opens hardware serial ports through go.bug.st/serial.
// The returned serial.Port satisfies TimeoutSerialPorter.
type RealPortFactory struct{}

// Open opens the port at path using opts.
func (RealPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}

	return port, nil
}

// ListPorts returns the serial ports visible to the host.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
