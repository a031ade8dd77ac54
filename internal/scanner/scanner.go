// Package scanner triggers the barcode reader and returns its raw reply.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/tubesort/internal/monitoring"
	"github.com/banshee-data/tubesort/internal/serialmux"
	"github.com/banshee-data/tubesort/internal/sorter"
	"github.com/banshee-data/tubesort/internal/timeutil"
)

const (
	enableMessage  = "start"
	disableMessage = "stop"
	maxReply       = 1024
)

var ErrTrigger = errors.New("scanner trigger failed")

// Device is a reader attached over TCP or serial. The trigger messages are
// sent without a line terminator.
type Device struct {
	port        serialmux.TimeoutSerialPorter
	readTimeout time.Duration
	Clock       timeutil.Clock

	mu sync.Mutex
}

var _ sorter.Scanner = (*Device)(nil)

// NewDevice wraps an open port. readTimeout bounds the wait for the reply
// after the trigger closes.
func NewDevice(port serialmux.TimeoutSerialPorter, readTimeout time.Duration) *Device {
	return &Device{port: port, readTimeout: readTimeout, Clock: timeutil.RealClock{}}
}

// Open connects to the reader.
func Open(transport, address string, opts serialmux.PortOptions, readTimeout time.Duration) (*Device, error) {
	port, err := serialmux.OpenPort(transport, address, opts, readTimeout)
	if err != nil {
		return nil, err
	}
	return NewDevice(port, readTimeout), nil
}

// TriggerAndRead opens the trigger for dwell, closes it and returns what the
// reader sent with carriage returns removed. No reply within the read
// timeout yields an empty string.
func (d *Device) TriggerAndRead(ctx context.Context, dwell time.Duration) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := io.WriteString(d.port, enableMessage); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTrigger, err)
	}

	var waitErr error
	select {
	case <-ctx.Done():
		waitErr = ctx.Err()
	case <-d.Clock.After(dwell):
	}

	// The trigger is always released.
	if _, err := io.WriteString(d.port, disableMessage); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTrigger, err)
	}
	if waitErr != nil {
		return "", waitErr
	}

	if err := d.port.SetReadTimeout(d.readTimeout); err != nil {
		return "", fmt.Errorf("failed to set scanner read timeout: %w", err)
	}
	buf := make([]byte, maxReply)
	n, err := d.port.Read(buf)
	if err != nil {
		return "", fmt.Errorf("failed to read scanner reply: %w", err)
	}
	return strings.TrimSpace(strings.ReplaceAll(string(buf[:n]), "\r", "")), nil
}

// Close releases the port.
func (d *Device) Close() error {
	return d.port.Close()
}

// AttachAdminRoutes mounts /debug/scan, which fires the reader once.
func AttachAdminRoutes(mux *http.ServeMux, s sorter.Scanner, dwell time.Duration) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("scan", "Trigger the barcode reader once", func(w http.ResponseWriter, r *http.Request) {
		reply, err := s.TriggerAndRead(r.Context(), dwell)
		if err != nil {
			monitoring.Logf("manual scan failed: %v", err)
			http.Error(w, fmt.Sprintf("scan failed: %v", err), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "raw: %q\n", reply)
		for i, id := range sorter.ParseScanReply(reply, strings.Count(reply, ";")+1) {
			fmt.Fprintf(w, "%d: %s\n", i, id)
		}
	})
}
