// Package server provides the HTTP surface for the voice cache: synthesis,
// cache statistics, health, and metrics.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/voicekit/voicecache/cache"
	"github.com/voicekit/voicecache/degrade"
	"github.com/voicekit/voicecache/health"
	"github.com/voicekit/voicecache/perf"
	"github.com/voicekit/voicecache/reload"
	"github.com/voicekit/voicecache/resilience"
	"github.com/voicekit/voicecache/synth"
	"github.com/voicekit/voicecache/telemetry"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Config holds server configuration. Components are constructed by the
// caller and passed by reference.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Manager serves cache statistics and invalidation.
	Manager *cache.Manager

	// Engine handles synthesis requests.
	Engine *synth.Engine

	// Health aggregates liveness probes.
	Health *health.Registry

	// Monitor provides the performance summary.
	Monitor *perf.Monitor

	// Watcher enables the manual reload endpoint. Optional.
	Watcher *reload.Watcher

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the voice cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.Manager == nil {
		return nil, errors.New("server requires a cache manager")
	}
	if cfg.Engine == nil {
		return nil, errors.New("server requires a synthesis engine")
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	// h2c lets gRPC-style clients multiplex synthesis requests over one
	// cleartext connection
	handler := h2c.NewHandler(s.loggingMiddleware(mux), &http2.Server{})

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // long synthesis jobs stream slowly
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /synthesize", s.handleSynthesize)

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	if s.config.Watcher != nil {
		mux.HandleFunc("POST /reload", s.handleReload)
	}
}

type synthesizeError struct {
	Error string `json:"error"`
}

// handleSynthesize runs one synthesis request through the cache and
// degradation layers.
func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "synthesize")

	var req synth.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	telemetry.SetVoice(r, req.Voice)

	audio, err := s.config.Engine.Speak(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, synth.ErrEmptyText):
			s.writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, degrade.ErrComponentUnhealthy),
			errors.Is(err, resilience.ErrCircuitOpen):
			s.writeError(w, http.StatusServiceUnavailable, err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			s.writeError(w, http.StatusGatewayTimeout, err)
		default:
			s.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(audio)
}

// handleHealth runs all enabled probes and reports the aggregate. An
// unhealthy aggregate returns 503 so load balancers drain the instance.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "healthz")

	status := health.Status{Healthy: true}
	if s.config.Health != nil {
		status = s.config.Health.RunAll(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

type statsResponse struct {
	Caches      map[string]cache.Stats `json:"caches"`
	Performance *perf.Summary          `json:"performance,omitempty"`
}

// handleStats reports per-cache counters and the performance summary.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	resp := statsResponse{Caches: s.config.Manager.StatsAll()}
	if s.config.Monitor != nil {
		summary := s.config.Monitor.Summary()
		resp.Performance = &summary
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type reloadRequest struct {
	Path string `json:"path"`
}

// handleReload fires a registered reload target immediately, bypassing the
// debounce window.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "reload")

	var req reloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	if req.Path == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("missing path"))
		return
	}

	if err := s.config.Watcher.ManualReload(r.Context(), req.Path); err != nil {
		if errors.Is(err, reload.ErrUnknownTarget) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"reloaded"}`))
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(synthesizeError{Error: err.Error()})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set endpoint, voice, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Voice != "" {
			attrs = append(attrs, "voice", tags.Voice)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), tags.Endpoint, wrapped.status, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written. It preserves http.Flusher and http.Hijacker for streaming.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
