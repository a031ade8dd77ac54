package classify

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/tubesort/internal/httputil"
	"github.com/banshee-data/tubesort/internal/monitoring"
)

// Simulator is a stand-in classification service that answers /get_tests
// with a random code and an occasional delay.
type Simulator struct {
	Codes []string
	// DelayChance is the probability of sleeping Delay before answering.
	DelayChance float64
	Delay       time.Duration
	Rand        *rand.Rand

	mu       sync.Mutex
	requests atomic.Int64
}

// NewSimulator answers with the given codes, or the regular
// classification names when codes is empty.
func NewSimulator(codes []string) *Simulator {
	if len(codes) == 0 {
		codes = []string{"ugi", "vpch", "ugi+vpch", "general"}
	}
	return &Simulator{
		Codes:       codes,
		DelayChance: 0.25,
		Delay:       time.Second,
		Rand:        rand.New(rand.NewPCG(1, 2)),
	}
}

// Handler serves /get_tests and /health.
func (s *Simulator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(getTestsPath, s.handleGetTests)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, map[string]any{
			"status":             "ok",
			"requests_processed": s.requests.Load(),
		})
	})
	return mux
}

// Requests returns how many classification requests were served.
func (s *Simulator) Requests() int64 { return s.requests.Load() }

func (s *Simulator) handleGetTests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	n := s.requests.Add(1)

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, Response{Status: "error", Message: err.Error()})
		return
	}
	if req.TubeBarcode == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, Response{Status: "error", Message: "missing tube_barcode"})
		return
	}

	code, delay := s.pick()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	monitoring.Logf("lis-sim request #%d: %s -> %s", n, req.TubeBarcode, code)
	httputil.WriteJSONOK(w, Response{
		Status:      "success",
		TubeBarcode: req.TubeBarcode,
		TestCodes:   []string{code},
	})
}

func (s *Simulator) pick() (string, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := s.Codes[s.Rand.IntN(len(s.Codes))]
	var delay time.Duration
	if s.DelayChance > 0 && s.Rand.Float64() < s.DelayChance {
		delay = s.Delay
	}
	return code, delay
}
