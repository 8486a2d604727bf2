package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/media-orchestrator/internal/metrics"
	"github.com/skypro1111/media-orchestrator/internal/orchestrator"
	"github.com/skypro1111/media-orchestrator/internal/registry"
)

type fakeSubmitter struct {
	sessions []registry.Session
	err      error
}

func (f *fakeSubmitter) Submit(s registry.Session) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sessions = append(f.sessions, s)
	return "req-1", nil
}

func (f *fakeSubmitter) Pending() int {
	return len(f.sessions)
}

type testServer struct {
	http      *HTTPServer
	registry  *registry.Registry
	submitter *fakeSubmitter
	metrics   *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	reg, err := registry.NewLocal(4)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	promReg := prometheus.NewRegistry()
	m := metrics.NewMetrics(promReg)
	sub := &fakeSubmitter{}

	h := NewHTTPServer(HTTPServerConfig{Addr: "127.0.0.1:0", Gatherer: promReg}, logger, reg, sub, m)
	return &testServer{http: h, registry: reg, submitter: sub, metrics: m}
}

func (ts *testServer) do(method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.http.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestStreamValidation(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantBody   string
	}{
		{"missing port", "", http.StatusBadRequest, "Missing port parameter"},
		{"non-numeric port", "port=abc", http.StatusBadRequest, "Invalid port parameter"},
		{"zero port", "port=0", http.StatusBadRequest, "Invalid port parameter"},
		{"port out of range", "port=70000", http.StatusBadRequest, "Invalid port parameter"},
		{"address too long", "port=4000&daddress=1234567890123456", http.StatusBadRequest, "address too long"},
		{"not an address", "port=4000&daddress=example.com", http.StatusBadRequest, "not an IPv4 address"},
		{"ipv6 address", "port=4000&daddress=::1", http.StatusBadRequest, "not an IPv4 address"},
		{"bad dport", "port=4000&dport=-1", http.StatusBadRequest, "Invalid dport parameter"},
		{"negative duration", "port=4000&duration=-5", http.StatusBadRequest, "Invalid duration parameter"},
		{"huge duration", "port=4000&duration=99999999999", http.StatusBadRequest, "Invalid duration parameter"},
		{"bad client flag", "port=4000&client=maybe", http.StatusBadRequest, "Invalid client parameter"},
		{"accepted", "port=4000", http.StatusAccepted, `"status":"accepted"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.do(http.MethodGet, "/stream?"+tt.query)

			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d (%s)", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("Expected body to contain %q, got %q", tt.wantBody, rec.Body.String())
			}
			if tt.wantStatus != http.StatusAccepted && len(ts.submitter.sessions) != 0 {
				t.Errorf("Rejected request must not be enqueued")
			}
		})
	}
}

func TestStreamDefaultsAndRole(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		expected registry.Session
	}{
		{
			name:     "defaults select server role",
			query:    "port=4000",
			expected: registry.Session{Port: 4000, DestAddress: "127.0.0.1", DestPort: 5000},
		},
		{
			name:     "bare client flag",
			query:    "port=4002&daddress=10.1.2.3&dport=6000&duration=30000&client",
			expected: registry.Session{Port: 4002, DestAddress: "10.1.2.3", DestPort: 6000, Duration: 30000, Client: true},
		},
		{
			name:     "explicit client=1",
			query:    "port=4004&client=1",
			expected: registry.Session{Port: 4004, DestAddress: "127.0.0.1", DestPort: 5000, Client: true},
		},
		{
			name:     "explicit client=false",
			query:    "port=4006&client=false",
			expected: registry.Session{Port: 4006, DestAddress: "127.0.0.1", DestPort: 5000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.do(http.MethodGet, "/stream?"+tt.query)
			if rec.Code != http.StatusAccepted {
				t.Fatalf("Expected 202, got %d (%s)", rec.Code, rec.Body.String())
			}

			if len(ts.submitter.sessions) != 1 {
				t.Fatalf("Expected one enqueued session, got %d", len(ts.submitter.sessions))
			}
			if got := ts.submitter.sessions[0]; got != tt.expected {
				t.Errorf("Expected %+v, got %+v", tt.expected, got)
			}

			var resp StreamResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.RequestID != "req-1" || resp.Port != tt.expected.Port {
				t.Errorf("Unexpected response %+v", resp)
			}
		})
	}
}

func TestStreamQueueClosed(t *testing.T) {
	ts := newTestServer(t)
	ts.submitter.err = orchestrator.ErrQueueClosed

	rec := ts.do(http.MethodGet, "/stream?port=4000")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/stream?port=4000", "/status", "/health", "/"} {
		rec := ts.do(http.MethodPost, path)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected 405, got %d", path, rec.Code)
		}
	}
	if len(ts.submitter.sessions) != 0 {
		t.Error("POST must not enqueue")
	}
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t)

	sessions := []registry.Session{
		{Port: 4000, DestAddress: "127.0.0.1", DestPort: 5000, PID: 101, Client: true},
		{Port: 4002, DestAddress: "10.0.0.2", DestPort: 5002, Duration: 1000, PID: 102},
	}
	for _, s := range sessions {
		if err := ts.registry.WithLock(func() error { return ts.registry.Add(s) }); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	rec := ts.do(http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	lines := strings.Split(strings.TrimRight(rec.Body.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d: %q", len(lines), rec.Body.String())
	}
	for i, s := range sessions {
		if lines[i] != s.String() {
			t.Errorf("Line %d: expected %q, got %q", i, s.String(), lines[i])
		}
	}
}

func TestStatusEmpty(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("Expected empty body, got %q", rec.Body.String())
	}
}

func TestStatusLockFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.registry.Close()

	rec := ts.do(http.MethodGet, "/status")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "registry") {
		t.Errorf("Error body leaks internals: %q", rec.Body.String())
	}
	if got := testutil.ToFloat64(ts.metrics.HTTPErrors.WithLabelValues("GET", "/status", "server_error")); got != 1 {
		t.Errorf("Expected one server error recorded, got %v", got)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var health map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", health["status"])
	}
	components := health["components"].(map[string]interface{})
	reg := components["registry"].(map[string]interface{})
	if reg["capacity"].(float64) != 4 {
		t.Errorf("Expected capacity 4, got %v", reg["capacity"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodGet, "/stream?port=4000")

	rec := ts.do(http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `media_http_requests_total{endpoint="/stream",method="GET",status_code="202"} 1`) {
		t.Errorf("Expected the stream request to be counted, got:\n%s", rec.Body.String())
	}
}

func TestRootAndNotFound(t *testing.T) {
	ts := newTestServer(t)

	if rec := ts.do(http.MethodGet, "/"); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 for /, got %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/unknown"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestStartServesOnSuppliedListener(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	reg, err := registry.NewLocal(4)
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	defer reg.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	promReg := prometheus.NewRegistry()
	h := NewHTTPServer(HTTPServerConfig{
		Addr:     "127.0.0.1:1",
		Listener: ln,
		Gatherer: promReg,
	}, logger, reg, &fakeSubmitter{}, metrics.NewMetrics(promReg))

	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.Stop(context.Background())

	if h.Addr() != ln.Addr().String() {
		t.Errorf("Expected address %s, got %s", ln.Addr(), h.Addr())
	}

	resp, err := http.Get("http://" + h.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}
