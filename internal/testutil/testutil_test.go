package testutil

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

// recordingTB captures failures instead of failing the enclosing test.
type recordingTB struct {
	testing.TB
	failed bool
	msg    string
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Errorf(format string, args ...any) {
	r.failed = true
	r.msg = fmt.Sprintf(format, args...)
}

func (r *recordingTB) Fatalf(format string, args ...any) {
	r.Errorf(format, args...)
	runtime.Goexit()
}

func (r *recordingTB) Fatal(args ...any) {
	r.failed = true
	r.msg = fmt.Sprint(args...)
	runtime.Goexit()
}

// fails runs f against a recordingTB on its own goroutine so Fatal can exit.
func fails(f func(tb testing.TB)) (bool, string) {
	r := &recordingTB{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		f(r)
	}()
	<-done
	return r.failed, r.msg
}

func TestAssertions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		f       func(tb testing.TB)
		fail    bool
		message string
	}{
		{"status match", func(tb testing.TB) { AssertStatusCode(tb, http.StatusOK, http.StatusOK) }, false, ""},
		{"status mismatch", func(tb testing.TB) { AssertStatusCode(tb, http.StatusOK, http.StatusConflict) }, true, "status code = 200, want 409"},
		{"no error", func(tb testing.TB) { AssertNoError(tb, nil) }, false, ""},
		{"unexpected error", func(tb testing.TB) { AssertNoError(tb, errors.New("boom")) }, true, "unexpected error: boom"},
		{"expected error", func(tb testing.TB) { AssertError(tb, errors.New("boom")) }, false, ""},
		{"missing error", func(tb testing.TB) { AssertError(tb, nil) }, true, "expected error, got nil"},
	}
	for _, tt := range tests {
		failed, msg := fails(tt.f)
		if failed != tt.fail || msg != tt.message {
			t.Errorf("%s: failed=%v msg=%q, want failed=%v msg=%q", tt.name, failed, msg, tt.fail, tt.message)
		}
	}
}

func TestRequests(t *testing.T) {
	t.Parallel()

	req := NewTestRequest(http.MethodPost, "/api/start_program")
	if req.Method != http.MethodPost || req.URL.Path != "/api/start_program" {
		t.Errorf("request = %s %s", req.Method, req.URL.Path)
	}

	dbg := NewDebugRequest(http.MethodGet, "/debug/fill")
	if dbg.RemoteAddr != "127.0.0.1:40000" {
		t.Errorf("debug remote addr = %q", dbg.RemoteAddr)
	}
	if NewTestRecorder() == nil {
		t.Fatal("recorder is nil")
	}
}

func TestMask(t *testing.T) {
	t.Parallel()

	m := Mask("101", "1", "")
	if len(m) != 3 || len(m[0]) != 3 || len(m[1]) != 1 || len(m[2]) != 0 {
		t.Fatalf("shape = %v", m)
	}
	if !m[0][0] || m[0][1] || !m[0][2] || !m[1][0] {
		t.Errorf("cells = %v", m)
	}
}

func TestWaitFor(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	go func() {
		time.Sleep(5 * time.Millisecond)
		n.Store(1)
	}()
	WaitFor(t, time.Second, func() bool { return n.Load() == 1 })

	failed, msg := fails(func(tb testing.TB) {
		WaitFor(tb, 5*time.Millisecond, func() bool { return false })
	})
	if !failed || msg != "condition not met within 5ms" {
		t.Errorf("timeout: failed=%v msg=%q", failed, msg)
	}
}
