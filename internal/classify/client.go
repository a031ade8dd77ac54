// Package classify asks the laboratory information service which tests an
// identifier needs and maps the answer onto a sorter.Classification.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/tubesort/internal/httputil"
	"github.com/banshee-data/tubesort/internal/monitoring"
	"github.com/banshee-data/tubesort/internal/sorter"
)

const getTestsPath = "/get_tests"

var (
	ErrServiceStatus = errors.New("classification service returned non-200")
	ErrServiceFailed = errors.New("classification service reported failure")
	ErrBadResponse   = errors.New("malformed classification response")
)

// Request is the body posted to /get_tests.
type Request struct {
	MesType     string `json:"mes_type"`
	TubeBarcode string `json:"tube_barcode"`
}

// Response is the part of the service reply the client reads.
type Response struct {
	Status      string   `json:"status"`
	TubeBarcode string   `json:"tube_barcode,omitempty"`
	TestCodes   []string `json:"test_codes"`
	Message     string   `json:"message,omitempty"`
}

// DefaultCodes maps each classification name to itself plus "error".
func DefaultCodes() map[string]sorter.Classification {
	codes := make(map[string]sorter.Classification, len(sorter.AcceptedClassifications)+1)
	for _, c := range sorter.AcceptedClassifications {
		codes[string(c)] = c
	}
	codes[string(sorter.ClassError)] = sorter.ClassError
	return codes
}

// Client implements sorter.Classifier.
type Client struct {
	baseURL string
	mesType string
	timeout time.Duration
	codes   map[string]sorter.Classification
	http    httputil.HTTPClient
}

var _ sorter.Classifier = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport.
func WithHTTPClient(c httputil.HTTPClient) Option { return func(cl *Client) { cl.http = c } }

// WithCodes replaces the code table. Keys are matched lower-cased. An empty
// table keeps the default.
func WithCodes(codes map[string]sorter.Classification) Option {
	return func(cl *Client) {
		if len(codes) == 0 {
			return
		}
		cl.codes = make(map[string]sorter.Classification, len(codes))
		for k, v := range codes {
			cl.codes[strings.ToLower(k)] = v
		}
	}
}

// WithMesType overrides the "LA" message type.
func WithMesType(t string) Option { return func(cl *Client) { cl.mesType = t } }

// WithTimeout bounds each request; zero leaves only the caller's deadline.
func WithTimeout(d time.Duration) Option { return func(cl *Client) { cl.timeout = d } }

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		mesType: "LA",
		codes:   DefaultCodes(),
		http:    httputil.NewStandardClient(nil),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify returns ClassError with a non-nil error for any transport or
// service fault, ClassUnknown for an empty or unmapped code list, and the
// mapped first code otherwise.
func (c *Client) Classify(ctx context.Context, identifier string) (sorter.Classification, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := httputil.PostJSON(ctx, c.http, c.baseURL+getTestsPath, Request{
		MesType:     c.mesType,
		TubeBarcode: identifier,
	})
	if err != nil {
		return sorter.ClassError, fmt.Errorf("classify %s: %w", identifier, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return sorter.ClassError, fmt.Errorf("classify %s: read body: %w", identifier, err)
	}
	if resp.StatusCode != http.StatusOK {
		return sorter.ClassError, fmt.Errorf("classify %s: %w: %d", identifier, ErrServiceStatus, resp.StatusCode)
	}

	var r Response
	if err := json.Unmarshal(body, &r); err != nil {
		return sorter.ClassError, fmt.Errorf("classify %s: %w: %v", identifier, ErrBadResponse, err)
	}
	if r.Status != "success" {
		return sorter.ClassError, fmt.Errorf("classify %s: %w: status %q %s", identifier, ErrServiceFailed, r.Status, r.Message)
	}
	return c.Map(r.TestCodes), nil
}

// Map applies the code table to the first test code.
func (c *Client) Map(codes []string) sorter.Classification {
	if len(codes) == 0 {
		return sorter.ClassUnknown
	}
	code := strings.ToLower(strings.TrimSpace(codes[0]))
	if cl, ok := c.codes[code]; ok {
		return cl
	}
	monitoring.Logf("unmapped test code %q", codes[0])
	return sorter.ClassUnknown
}
