// Package api serves the control plane: the run commands used by the
// operator panel and sortctl, read-back of the last run, Prometheus metrics
// and the diagnostic views under /debug.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsweb"

	"github.com/banshee-data/tubesort/internal/config"
	"github.com/banshee-data/tubesort/internal/coordinator"
	"github.com/banshee-data/tubesort/internal/httputil"
	"github.com/banshee-data/tubesort/internal/monitoring"
	"github.com/banshee-data/tubesort/internal/orchestrator"
	"github.com/banshee-data/tubesort/internal/report"
	"github.com/banshee-data/tubesort/internal/sorter"
	"github.com/banshee-data/tubesort/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const maxBodySize = 64 << 10

// Controller is the run lifecycle the control plane drives. It is
// implemented by orchestrator.Service.
type Controller interface {
	Start(ctx context.Context) (coordinator.State, error)
	Stop(ctx context.Context) (coordinator.State, error)
	Pause(ctx context.Context) (coordinator.State, error)
	Resume(ctx context.Context) (coordinator.State, error)
	ConfirmRack(ctx context.Context, tag string) (bool, error)
	Status(ctx context.Context) (coordinator.State, error)

	Sources() []sorter.SourceGrid
	SetMask(id int, mask [][]bool) error
	Matrix() []sorter.GridDump
	Items() []sorter.Item
	Summary() (report.Summary, bool)
}

var _ Controller = (*orchestrator.Service)(nil)

type Server struct {
	ctl Controller
}

func NewServer(ctl Controller) *Server {
	return &Server{ctl: ctl}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the control-plane routes plus /metrics.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/start_program", s.post(s.startProgram))
	mux.HandleFunc("/api/stop_program", s.post(s.stopProgram))
	mux.HandleFunc("/api/pause_program", s.post(s.pauseProgram))
	mux.HandleFunc("/api/resume_program", s.post(s.resumeProgram))
	mux.HandleFunc("/api/change_rack", s.post(s.changeRack))
	mux.HandleFunc("/api/robot_status", s.get(s.robotStatus))
	mux.HandleFunc("/api/get_barcodes", s.get(s.getBarcodes))
	mux.HandleFunc("/api/matrix", s.matrix)
	mux.HandleFunc("/api/summary", s.get(s.summary))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// AttachAdminRoutes adds the run report views to the /debug/ page.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("fill", "Destination fill of the last run", s.fillChart)
	debug.HandleFunc("latency.png", "Classification latency histogram of the last run", s.latencyPlot)
}

func (s *Server) post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		h(w, r)
	}
}

func (s *Server) get(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		h(w, r)
	}
}

// refusal maps the state-machine refusals onto panel messages. Any other
// error is a server fault.
func refusal(err error) (string, bool) {
	switch {
	case errors.Is(err, coordinator.ErrAlreadyRunning):
		return "already running", true
	case errors.Is(err, coordinator.ErrNotRunning):
		return "not running", true
	case errors.Is(err, coordinator.ErrNotPaused):
		return "not paused", true
	case errors.Is(err, orchestrator.ErrRunWindingDown):
		return "previous run is still finishing", true
	case errors.Is(err, coordinator.ErrRackMismatch):
		return err.Error(), true
	}
	return "", false
}

func writeCommandError(w http.ResponseWriter, op string, err error) {
	if msg, ok := refusal(err); ok {
		httputil.WriteResult(w, false, msg)
		return
	}
	monitoring.Logf("api: %s failed: %v", op, err)
	httputil.InternalServerError(w, fmt.Sprintf("%s failed: %v", op, err))
}

func (s *Server) startProgram(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctl.Start(r.Context())
	if err != nil {
		writeCommandError(w, "start", err)
		return
	}
	httputil.WriteResult(w, true, "program started, run "+st.RunID)
}

func (s *Server) stopProgram(w http.ResponseWriter, r *http.Request) {
	if _, err := s.ctl.Stop(r.Context()); err != nil {
		writeCommandError(w, "stop", err)
		return
	}
	httputil.WriteResult(w, true, "stop requested")
}

func (s *Server) pauseProgram(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctl.Pause(r.Context())
	if err != nil {
		writeCommandError(w, "pause", err)
		return
	}
	if st.Paused {
		httputil.WriteResult(w, true, "already paused")
		return
	}
	httputil.WriteResult(w, true, "pause requested")
}

func (s *Server) resumeProgram(w http.ResponseWriter, r *http.Request) {
	if _, err := s.ctl.Resume(r.Context()); err != nil {
		writeCommandError(w, "resume", err)
		return
	}
	httputil.WriteResult(w, true, "resumed")
}

// ChangeRackRequest is the body of /api/change_rack. An empty type confirms
// whichever rack is pending.
type ChangeRackRequest struct {
	Type string `json:"type"`
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) changeRack(w http.ResponseWriter, r *http.Request) {
	var req ChangeRackRequest
	if err := decodeBody(r, &req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	ok, err := s.ctl.ConfirmRack(r.Context(), req.Type)
	if err != nil {
		writeCommandError(w, "change rack", err)
		return
	}
	if !ok {
		httputil.WriteResult(w, true, "no rack replacement pending")
		return
	}
	httputil.WriteResult(w, true, "rack replacement confirmed")
}

// StatusResponse is the body of /api/robot_status.
type StatusResponse struct {
	coordinator.State
	Build string `json:"build"`
}

func (s *Server) robotStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctl.Status(r.Context())
	if err != nil {
		monitoring.Logf("api: status failed: %v", err)
		httputil.InternalServerError(w, fmt.Sprintf("status failed: %v", err))
		return
	}
	httputil.WriteJSONOK(w, StatusResponse{State: st, Build: version.String()})
}

// BarcodesResponse is the body of /api/get_barcodes.
type BarcodesResponse struct {
	Items  []sorter.Item     `json:"items"`
	Matrix []sorter.GridDump `json:"matrix"`
}

func (s *Server) getBarcodes(w http.ResponseWriter, r *http.Request) {
	resp := BarcodesResponse{Items: s.ctl.Items(), Matrix: s.ctl.Matrix()}
	if resp.Items == nil {
		resp.Items = []sorter.Item{}
	}
	if resp.Matrix == nil {
		resp.Matrix = []sorter.GridDump{}
	}
	httputil.WriteJSONOK(w, resp)
}

// SourceMask is one source grid's mask as rows of '1' and '0'.
type SourceMask struct {
	ID   int      `json:"id"`
	Mask []string `json:"mask"`
}

func (s *Server) matrix(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sources := s.ctl.Sources()
		out := make([]SourceMask, 0, len(sources))
		for _, src := range sources {
			out = append(out, SourceMask{ID: src.ID, Mask: config.FormatMask(src.Mask)})
		}
		httputil.WriteJSONOK(w, out)
	case http.MethodPost:
		var req SourceMask
		if err := decodeBody(r, &req); err != nil {
			httputil.BadRequest(w, "invalid JSON body")
			return
		}
		mask, err := config.ParseMask(req.Mask)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := s.ctl.SetMask(req.ID, mask); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.WriteResult(w, true, fmt.Sprintf("mask for source %d saved", req.ID))
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	sum, ok := s.ctl.Summary()
	if !ok {
		httputil.NotFound(w, "no run has finished yet")
		return
	}
	httputil.WriteJSONOK(w, sum)
}

func (s *Server) fillChart(w http.ResponseWriter, r *http.Request) {
	sum, _ := s.ctl.Summary()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.RenderFill(w, sum); err != nil {
		monitoring.Logf("api: fill chart: %v", err)
	}
}

func (s *Server) latencyPlot(w http.ResponseWriter, r *http.Request) {
	sum, ok := s.ctl.Summary()
	if !ok || len(sum.Durations) == 0 {
		http.Error(w, "no classification latencies recorded yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := report.RenderLatencyPNG(w, sum); err != nil {
		monitoring.Logf("api: latency plot: %v", err)
	}
}
