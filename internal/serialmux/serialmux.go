// Package serialmux shares one line-oriented device port between a
// request/reply command path and any number of debug subscribers.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"tailscale.com/tsweb"
)

var (
	ErrWriteFailed    = errors.New("failed to write to device port")
	ErrReplyTimeout   = errors.New("timed out waiting for device reply")
	ErrMonitorStopped = errors.New("device port monitor stopped")
)

var sendCommandTemplate = template.Must(template.New("send-command").Parse(`<!doctype html>
<html><head><title>{{.Name}} command</title></head>
<body>
<h1>{{.Name}}</h1>
<form method="POST" action="{{.Prefix}}send-command-api">
<input name="command" size="40" autofocus> <button type="submit">Send</button>
</form>
<p>Live lines: <a href="{{.Prefix}}tail">{{.Prefix}}tail</a></p>
</body></html>
`))

// SerialMux is a generic device port multiplexer. Lines read by Monitor go
// to the pending Exchange first, then to every subscriber. A reply that
// arrives after its Exchange gave up is dropped rather than handed to the
// next Exchange.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex

	pendingMu sync.Mutex
	pending   chan string
	// stale counts replies still owed to abandoned exchanges; they are
	// discarded until staleUntil.
	stale      int
	staleUntil time.Time

	monitorDone chan struct{}
	monitorOnce sync.Once
}

// NewSerialMux creates a SerialMux over an open port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
		monitorDone: make(chan struct{}),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SendCommand writes one line without waiting for a reply.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	return s.write(command)
}

func (s *SerialMux[T]) write(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Exchange writes command and returns the next line the device sends.
// Exchanges are serialised; Monitor must be running.
func (s *SerialMux[T]) Exchange(ctx context.Context, command string, timeout time.Duration) (string, error) {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	reply := make(chan string, 1)
	s.pendingMu.Lock()
	s.pending = reply
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		s.pending = nil
		s.pendingMu.Unlock()
	}()

	if err := s.write(command); err != nil {
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case line := <-reply:
		return line, nil
	case <-timer.C:
		s.abandon(timeout)
		return "", fmt.Errorf("%w after %q", ErrReplyTimeout, strings.TrimSpace(command))
	case <-s.monitorDone:
		return "", ErrMonitorStopped
	case <-ctx.Done():
		s.abandon(timeout)
		return "", ctx.Err()
	}
}

// abandon records that the reply to the command just written is still owed.
// It is dropped if it turns up within one more timeout.
func (s *SerialMux[T]) abandon(timeout time.Duration) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.pending == nil {
		// Monitor delivered the reply as we gave up.
		return
	}
	s.stale++
	s.staleUntil = time.Now().Add(timeout)
}

// route hands line to the pending Exchange unless it is a late reply.
func (s *SerialMux[T]) route(line string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.stale > 0 && time.Now().After(s.staleUntil) {
		s.stale = 0
	}
	switch {
	case s.stale > 0:
		s.stale--
	case s.pending != nil:
		s.pending <- line
		s.pending = nil
	}
}

// Monitor reads lines from the port until ctx is done or the port fails.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	defer s.monitorOnce.Do(func() { close(s.monitorDone) })

	scan := bufio.NewScanner(s.port)
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan will not interfere with our outer loop awaiting
	// lines & context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- strings.TrimRight(scan.Text(), "\r"):
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				return nil
			}
			s.closingMu.Lock()
			if s.closing {
				s.closingMu.Unlock()
				return nil
			}
			s.closingMu.Unlock()

			s.route(line)

			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- line:
				default:
					// if the channel is full/blocking skip so as not to block the outer loop
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

// AttachAdminRoutes mounts a command form and a live tail under
// /debug/<name>/.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux, name string) {
	debug := tsweb.Debugger(mux)
	prefix := "/debug/" + name + "/"

	debug.HandleFunc(name+"/send-command", "send a raw command to the "+name, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		data := struct{ Name, Prefix string }{name, prefix}
		if err := sendCommandTemplate.Execute(w, data); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
		}
	})

	debug.HandleSilentFunc(name+"/send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		reply, err := s.Exchange(r.Context(), command, 5*time.Second)
		if err != nil {
			http.Error(w, fmt.Sprintf("Command %q failed: %v", command, err), http.StatusBadGateway)
			return
		}
		io.WriteString(w, fmt.Sprintf("%s -> %s\n", command, reply))
	})

	// Server-Sent Events of every line the device sends.
	debug.HandleSilentFunc(name+"/tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
