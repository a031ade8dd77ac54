package serialmux

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// PortOptions are the line settings for an arm controller or barcode scanner
// wired to a local serial port. The tcp transport ignores them. Zero values
// mean 8N1 at DefaultBaudRate.
type PortOptions struct {
	BaudRate int
	DataBits int
	StopBits int
	// Parity is N, E or O; none, even and odd are accepted too.
	Parity string
}

// DefaultBaudRate is the factory rate of the scanner.
const DefaultBaudRate = 115200

var parities = map[string]serial.Parity{
	"":     serial.NoParity,
	"N":    serial.NoParity,
	"NONE": serial.NoParity,
	"E":    serial.EvenParity,
	"EVEN": serial.EvenParity,
	"O":    serial.OddParity,
	"ODD":  serial.OddParity,
}

var parityLetters = map[serial.Parity]string{
	serial.NoParity:   "N",
	serial.EvenParity: "E",
	serial.OddParity:  "O",
}

// SerialMode validates the options and returns the mode to open the port
// with.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: o.BaudRate,
		DataBits: o.DataBits,
		StopBits: serial.OneStopBit,
	}
	if mode.BaudRate <= 0 {
		mode.BaudRate = DefaultBaudRate
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	if mode.DataBits < 5 || mode.DataBits > 8 {
		return nil, fmt.Errorf("data bits %d out of range 5-8", o.DataBits)
	}

	switch o.StopBits {
	case 0, 1:
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("stop bits %d: want 1 or 2", o.StopBits)
	}

	parity, ok := parities[strings.ToUpper(strings.TrimSpace(o.Parity))]
	if !ok {
		return nil, fmt.Errorf("parity %q: want N, E or O", o.Parity)
	}
	mode.Parity = parity
	return mode, nil
}

// String renders the settings as rate/frame, e.g. 115200/8N1.
func (o PortOptions) String() string {
	mode, err := o.SerialMode()
	if err != nil {
		return fmt.Sprintf("invalid (%v)", err)
	}
	stop := 1
	if mode.StopBits == serial.TwoStopBits {
		stop = 2
	}
	return fmt.Sprintf("%d/%d%s%d", mode.BaudRate, mode.DataBits, parityLetters[mode.Parity], stop)
}
