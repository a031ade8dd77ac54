package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrPortClosed is returned by TestableSerialPort after Close.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort implements TimeoutSerialPorter with configurable
// behaviour for testing device adapters without hardware.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// Respond, if set, is called with every complete line written and its
	// result is queued for reading. An empty result queues nothing.
	Respond func(line string) string

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// BlockReads causes Read to block until data is added, Close is called
	// or ReadTimeout elapses.
	BlockReads bool

	partial  string
	readCond *sync.Cond
}

// NewTestableSerialPort creates a port with blocking reads.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
		BlockReads:  true,
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read reads from the read buffer. With a read timeout set, an empty buffer
// yields 0, nil once the timeout elapses.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if t.BlockReads && t.ReadBuffer.Len() == 0 && !t.Closed {
		var deadline time.Time
		if t.ReadTimeout > 0 {
			deadline = time.Now().Add(t.ReadTimeout)
			timer := time.AfterFunc(t.ReadTimeout, func() {
				t.mu.Lock()
				t.readCond.Broadcast()
				t.mu.Unlock()
			})
			defer timer.Stop()
		}
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			if !deadline.IsZero() && !time.Now().Before(deadline) {
				return 0, nil
			}
			t.readCond.Wait()
		}
	}
	if t.Closed && t.ReadBuffer.Len() == 0 {
		return 0, ErrPortClosed
	}

	return t.ReadBuffer.Read(p)
}

// Write captures p and feeds complete lines to Respond.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, ErrPortClosed
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	n, _ = t.WriteBuffer.Write(p)
	if t.Respond != nil {
		t.partial += string(p)
		for {
			i := strings.IndexByte(t.partial, '\n')
			if i < 0 {
				break
			}
			line := strings.TrimRight(t.partial[:i], "\r")
			t.partial = t.partial[i+1:]
			if reply := t.Respond(line); reply != "" {
				t.ReadBuffer.WriteString(reply)
				t.readCond.Broadcast()
			}
		}
	}
	return n, nil
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast() // Wake up any blocked readers
	return nil
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// WrittenLines returns the written data split into lines.
func (t *TestableSerialPort) WrittenLines() []string {
	data := strings.TrimRight(string(t.GetWrittenData()), "\n")
	if data == "" {
		return nil
	}
	return strings.Split(data, "\n")
}
