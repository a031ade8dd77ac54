// Package testutil holds the assertions and fixtures shared by the handler,
// store and orchestrator tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewDebugRequest creates a request that appears to come from loopback, as
// the /debug/ pages only answer local callers.
func NewDebugRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	return req
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// Mask builds an occupancy mask from rows of '1' (occupied) and any other
// character (empty). Rows may differ in length.
func Mask(rows ...string) [][]bool {
	mask := make([][]bool, len(rows))
	for r, row := range rows {
		mask[r] = make([]bool, len(row))
		for c, ch := range row {
			mask[r][c] = ch == '1'
		}
	}
	return mask
}

// WaitFor polls cond every millisecond and fails the test if it is still
// false after timeout.
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
