// Package api serves the admin endpoints: health, status, metrics, the
// generation listing and the deferred action queue.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cache-intercept/pkg/cache"
	"cache-intercept/pkg/connectivity"
	"cache-intercept/pkg/generation"
	"cache-intercept/pkg/intercept"
	"cache-intercept/pkg/logging"
	"cache-intercept/pkg/metrics"
	"cache-intercept/pkg/queue"
	"cache-intercept/pkg/writer"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server provides HTTP endpoints for inspection and operation.
type Server struct {
	deps   Deps
	server *http.Server
	config ServerConfig
	logger *logging.Logger
	start  time.Time

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":9090")
	Address string

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses
	WriteTimeout time.Duration
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":9090",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Deps are the components the server reports on. Any of them may be nil;
// the matching endpoints then answer 503.
type Deps struct {
	Counters    *metrics.Counters
	Generations *generation.Manager
	Interceptor *intercept.Interceptor
	Queue       *queue.Queue
	Monitor     *connectivity.Monitor
	Refresher   *writer.AsyncWriter
	Store       cache.Store

	// Gatherer backs /metrics. Registerer, if set, receives the admin HTTP metrics.
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer
}

// NewServer creates a new API server.
func NewServer(deps Deps, config ServerConfig) (*Server, error) {
	s := &Server{
		deps:   deps,
		config: config,
		logger: logging.Global().Named("api"),
		start:  time.Now(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admin_http_requests_total",
				Help: "Total number of admin API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "admin_http_request_duration_seconds",
				Help:    "Admin API request latencies in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}
	if deps.Registerer != nil {
		for _, c := range []prometheus.Collector{s.requests, s.latency} {
			if err := deps.Registerer.Register(c); err != nil {
				return nil, err
			}
		}
	}

	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.metricsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/metrics/json", s.handleMetricsJSON).Methods(http.MethodGet)

	r.HandleFunc("/generations", s.handleGenerations).Methods(http.MethodGet)
	r.HandleFunc("/generations/trim", s.handleTrim).Methods(http.MethodPost)

	r.HandleFunc("/queue", s.handleQueue).Methods(http.MethodGet)
	r.HandleFunc("/connectivity/restored", s.handleRestored).Methods(http.MethodPost)
	return r
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":    "running",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.start).String(),
	}
	if s.deps.Interceptor != nil {
		response["active"] = s.deps.Interceptor.Active()
	}
	if s.deps.Generations != nil {
		response["installed"] = s.deps.Generations.Installed()
		response["generations"] = s.deps.Generations.Names()
	}
	if s.deps.Monitor != nil {
		response["online"] = s.deps.Monitor.Online()
	}
	if s.deps.Store != nil {
		response["store"] = s.deps.Store.Name()
	}
	if s.deps.Refresher != nil {
		response["refresher"] = s.deps.Refresher.Stats()
	}
	if s.deps.Queue != nil {
		if n, err := s.deps.Queue.Len(r.Context()); err == nil {
			response["queued_actions"] = n
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gatherer == nil {
		unavailable(w, "prometheus metrics are not enabled")
		return
	}
	promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	if s.deps.Counters == nil {
		unavailable(w, "counters are not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Counters.Snapshot())
}

func (s *Server) handleGenerations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Generations == nil {
		unavailable(w, "generation manager is not configured")
		return
	}
	list, err := s.deps.Generations.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": list})
}

func (s *Server) handleTrim(w http.ResponseWriter, r *http.Request) {
	if s.deps.Generations == nil {
		unavailable(w, "generation manager is not configured")
		return
	}
	trimmed, err := s.deps.Generations.TrimRuntime(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": s.deps.Generations.Current(generation.RoleRuntime),
		"trimmed":    trimmed,
	})
}

type queuedAction struct {
	ID          string     `json:"id"`
	Kind        queue.Kind `json:"kind"`
	ContentType string     `json:"content_type,omitempty"`
	Size        int        `json:"size"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		unavailable(w, "deferred action queue is not configured")
		return
	}
	actions, err := s.deps.Queue.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]queuedAction, len(actions))
	for i, a := range actions {
		out[i] = queuedAction{ID: a.ID, Kind: a.Kind, ContentType: a.ContentType, Size: len(a.Payload), EnqueuedAt: a.EnqueuedAt}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"length":  len(out),
		"actions": out,
	})
}

// handleRestored is the manual connectivity-restored signal: the monitor is
// marked online without notifying its subscribers, and the queue is drained
// once, here, so the response carries that drain's result.
func (s *Server) handleRestored(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		unavailable(w, "deferred action queue is not configured")
		return
	}
	if s.deps.Monitor != nil {
		s.deps.Monitor.MarkOnline()
	}

	result, err := s.deps.Queue.DrainOnReconnect(r.Context())
	if err != nil {
		s.logger.Warn("Drain halted", zap.Int("replayed", result.Replayed), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"result": result,
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// metricsMiddleware records admin request counts and latencies per route template.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(srw, r)

		endpoint := getEndpoint(r)
		s.requests.WithLabelValues(r.Method, endpoint, http.StatusText(srw.statusCode)).Inc()
		s.latency.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// statusResponseWriter captures the status code
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func getEndpoint(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return r.URL.Path
	}
	pathTemplate, err := route.GetPathTemplate()
	if err != nil {
		return r.URL.Path
	}
	return pathTemplate
}

func unavailable(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": msg})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
