package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/media-orchestrator/internal/launch"
	"github.com/skypro1111/media-orchestrator/internal/metrics"
	"github.com/skypro1111/media-orchestrator/internal/orchestrator"
	"github.com/skypro1111/media-orchestrator/internal/registry"
)

const (
	serviceName    = "media-orchestrator"
	serviceVersion = "1.0.0"
)

// Submitter accepts stream requests for the control loop
type Submitter interface {
	Submit(s registry.Session) (requestID string, err error)
	Pending() int
}

// HTTPServer provides the stream API plus monitoring endpoints
type HTTPServer struct {
	server    *http.Server
	listener  net.Listener
	logger    *slog.Logger
	registry  *registry.Registry
	submitter Submitter
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer

	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Addr     string
	Listener net.Listener        // pre-bound listener; Start binds Addr when nil
	Gatherer prometheus.Gatherer // defaults to prometheus.DefaultGatherer
}

// StreamResponse is returned for an accepted stream request
type StreamResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	Port      int32  `json:"port"`
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger,
	reg *registry.Registry, submitter Submitter, m *metrics.Metrics) *HTTPServer {

	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		registry:  reg,
		submitter: submitter,
		metrics:   m,
		gatherer:  cfg.Gatherer,
		listener:  cfg.Listener,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream", h.withMetrics("/stream", h.handleStream))
	mux.HandleFunc("/status", h.withMetrics("/status", h.handleStatus))
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Prometheus metrics endpoint (not instrumented itself)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Capture the status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listen address, unless a listener was supplied, and serves in the background
func (h *HTTPServer) Start() error {
	ln := h.listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", h.server.Addr); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
		}
		h.listener = ln
	}

	h.logger.Info("Starting HTTP API server",
		slog.String("address", ln.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (h *HTTPServer) Addr() string {
	if h.listener == nil {
		return h.server.Addr
	}
	return h.listener.Addr().String()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleStream implements /stream: validate, enqueue, return without waiting
func (h *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, err := parseStreamQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	requestID, err := h.submitter.Submit(session)
	if errors.Is(err, orchestrator.ErrQueueClosed) {
		http.Error(w, "Service shutting down", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		h.logger.Error("Failed to enqueue stream request", slog.String("error", err.Error()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("Stream request accepted",
		slog.String("request_id", requestID),
		slog.Int("port", int(session.Port)),
		slog.String("dest", fmt.Sprintf("%s:%d", session.DestAddress, session.DestPort)),
		slog.Int("duration_ms", int(session.Duration)),
		slog.String("role", session.Role()),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(StreamResponse{
		Status:    "accepted",
		RequestID: requestID,
		Port:      session.Port,
	})
}

// parseStreamQuery builds a session from the /stream query parameters
func parseStreamQuery(r *http.Request) (registry.Session, error) {
	q := r.URL.Query()

	if !q.Has("port") {
		return registry.Session{}, errors.New("Missing port parameter")
	}
	port, err := parsePort(q.Get("port"))
	if err != nil {
		return registry.Session{}, errors.New("Invalid port parameter")
	}

	daddress := launch.DefaultRemoteAddr
	if q.Has("daddress") {
		daddress = q.Get("daddress")
	}
	if len(daddress) > registry.MaxAddressLen {
		return registry.Session{}, errors.New("Invalid daddress parameter: address too long")
	}
	if ip := net.ParseIP(daddress); ip == nil || ip.To4() == nil {
		return registry.Session{}, errors.New("Invalid daddress parameter: not an IPv4 address")
	}

	dport := int32(launch.DefaultRemotePort)
	if q.Has("dport") {
		if dport, err = parsePort(q.Get("dport")); err != nil {
			return registry.Session{}, errors.New("Invalid dport parameter")
		}
	}

	var duration int64
	if q.Has("duration") {
		duration, err = strconv.ParseInt(q.Get("duration"), 10, 32)
		if err != nil || duration < 0 || duration > math.MaxInt32 {
			return registry.Session{}, errors.New("Invalid duration parameter")
		}
	}

	client := false
	if q.Has("client") {
		client = true
		if v := q.Get("client"); v != "" {
			if client, err = strconv.ParseBool(v); err != nil {
				return registry.Session{}, errors.New("Invalid client parameter")
			}
		}
	}

	return registry.Session{
		Port:        port,
		DestAddress: daddress,
		DestPort:    dport,
		Duration:    int32(duration),
		Client:      client,
	}, nil
}

func parsePort(v string) (int32, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 1 || n > math.MaxUint16 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return int32(n), nil
}

// handleStatus implements /status: the active sessions, one per line
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body string
	err := h.registry.WithLock(func() (err error) {
		body, err = h.registry.Render()
		return err
	})
	if err != nil {
		h.logger.Error("Failed to render session registry", slog.String("error", err.Error()))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, body)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": map[string]interface{}{
			"registry": map[string]interface{}{
				"name":            h.registry.Name(),
				"active_sessions": h.registry.Len(),
				"capacity":        h.registry.Cap(),
			},
			"queue": map[string]interface{}{
				"pending_tasks": h.submitter.Pending(),
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Media Session Orchestrator",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":        "API documentation",
			"GET /stream":  "Start or update a session: port, daddress, dport, duration, client",
			"GET /status":  "List active sessions",
			"GET /health":  "Service health check",
			"GET /metrics": "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
