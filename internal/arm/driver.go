// Package arm drives the manipulator through a small register/program
// protocol: the target pose goes into registers 1..3, a motion program is
// started and the controller is polled until it reports idle.
package arm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the controller state reported by STATUS.
type Status string

const (
	StatusIdle  Status = "IDLE"
	StatusBusy  Status = "BUSY"
	StatusError Status = "ERROR"
)

var (
	ErrCommandRejected = errors.New("arm rejected command")
	ErrBadReply        = errors.New("unexpected arm reply")
)

// Driver is the controller command set.
type Driver interface {
	SetRegister(ctx context.Context, id int, value float64) error
	StartProgram(ctx context.Context, name string) error
	Status(ctx context.Context) (Status, error)
	SetOutput(ctx context.Context, channel int, on bool) error
	Close() error
}

// Exchanger sends one command line and returns the reply line.
type Exchanger interface {
	Exchange(ctx context.Context, command string, timeout time.Duration) (string, error)
}

// LineDriver speaks the text protocol:
//
//	REG <id> <value>   -> OK
//	RUN <program>      -> OK
//	STATUS             -> IDLE | BUSY | ERROR
//	DO <channel> <0|1> -> OK
//
// Any command may instead be answered with "ERR <message>".
type LineDriver struct {
	conn    Exchanger
	closer  func() error
	timeout time.Duration
}

// NewLineDriver wraps conn. closer may be nil.
func NewLineDriver(conn Exchanger, closer func() error, timeout time.Duration) *LineDriver {
	return &LineDriver{conn: conn, closer: closer, timeout: timeout}
}

func (d *LineDriver) SetRegister(ctx context.Context, id int, value float64) error {
	return d.expectOK(ctx, FormatRegister(id, value))
}

func (d *LineDriver) StartProgram(ctx context.Context, name string) error {
	return d.expectOK(ctx, "RUN "+name)
}

func (d *LineDriver) Status(ctx context.Context) (Status, error) {
	reply, err := d.exchange(ctx, "STATUS")
	if err != nil {
		return "", err
	}
	switch st := Status(strings.ToUpper(reply)); st {
	case StatusIdle, StatusBusy, StatusError:
		return st, nil
	}
	return "", fmt.Errorf("%w to STATUS: %q", ErrBadReply, reply)
}

func (d *LineDriver) SetOutput(ctx context.Context, channel int, on bool) error {
	return d.expectOK(ctx, FormatOutput(channel, on))
}

func (d *LineDriver) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer()
}

func (d *LineDriver) expectOK(ctx context.Context, command string) error {
	reply, err := d.exchange(ctx, command)
	if err != nil {
		return err
	}
	if !strings.EqualFold(reply, "OK") {
		return fmt.Errorf("%w to %q: %q", ErrBadReply, command, reply)
	}
	return nil
}

func (d *LineDriver) exchange(ctx context.Context, command string) (string, error) {
	reply, err := d.conn.Exchange(ctx, command, d.timeout)
	if err != nil {
		return "", fmt.Errorf("arm %q: %w", command, err)
	}
	reply = strings.TrimSpace(reply)
	if msg, ok := strings.CutPrefix(reply, "ERR"); ok {
		return "", fmt.Errorf("%w %q: %s", ErrCommandRejected, command, strings.TrimSpace(msg))
	}
	return reply, nil
}

// FormatRegister renders a REG command.
func FormatRegister(id int, value float64) string {
	return "REG " + strconv.Itoa(id) + " " + strconv.FormatFloat(value, 'f', 3, 64)
}

// FormatOutput renders a DO command.
func FormatOutput(channel int, on bool) string {
	v := "0"
	if on {
		v = "1"
	}
	return "DO " + strconv.Itoa(channel) + " " + v
}
