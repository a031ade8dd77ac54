package serialmux

import (
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// SerialPorter defines the minimal interface needed for a device port.
// This abstraction enables unit testing without real hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with a read timeout. A Read that
// times out returns 0, nil, matching go.bug.st/serial.
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout bounds every following Read. Zero or negative disables it.
	SetReadTimeout(timeout time.Duration) error
}

// tcpPort gives a net.Conn the serial read-timeout semantics.
type tcpPort struct {
	net.Conn
	timeout time.Duration
}

func (p *tcpPort) SetReadTimeout(timeout time.Duration) error {
	p.timeout = timeout
	if timeout <= 0 {
		return p.Conn.SetReadDeadline(time.Time{})
	}
	return nil
}

func (p *tcpPort) Read(b []byte) (int, error) {
	if p.timeout > 0 {
		if err := p.Conn.SetReadDeadline(time.Now().Add(p.timeout)); err != nil {
			return 0, err
		}
	}
	n, err := p.Conn.Read(b)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}
