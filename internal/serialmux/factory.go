package serialmux

import (
	"fmt"
	"net"
	"time"

	"go.bug.st/serial"
)

// Transports accepted by OpenPort.
const (
	TransportTCP    = "tcp"
	TransportSerial = "serial"
)

// OpenPort connects to a device over TCP (address is host:port) or a local
// serial line (address is the device path).
func OpenPort(transport, address string, opts PortOptions, dialTimeout time.Duration) (TimeoutSerialPorter, error) {
	switch transport {
	case TransportSerial:
		mode, err := opts.SerialMode()
		if err != nil {
			return nil, err
		}
		port, err := serial.Open(address, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port %s at %s: %w", address, opts, err)
		}
		return port, nil
	case TransportTCP:
		conn, err := net.DialTimeout("tcp", address, dialTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
		}
		return &tcpPort{Conn: conn}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", transport)
	}
}

// NewPortSerialMux opens a port and wraps it in a SerialMux.
func NewPortSerialMux(transport, address string, opts PortOptions, dialTimeout time.Duration) (*SerialMux[TimeoutSerialPorter], error) {
	port, err := OpenPort(transport, address, opts, dialTimeout)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}
