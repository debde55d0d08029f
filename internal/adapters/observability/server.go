package observability

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/eleven-am/conduit/internal/xjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthStatus is what the coordinator reports for /health and /ready.
type HealthStatus struct {
	Healthy    bool              `json:"healthy"`
	Ready      bool              `json:"ready"`
	Error      string            `json:"error,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

// Source is the read-only view the server exposes.
type Source interface {
	Health() HealthStatus
	Runs() []ports.RunSummary
	Report(pipelineID string) (domain.CompletionReport, error)
	Stats() map[string]interface{}
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Uptime     string            `json:"uptime"`
	Components map[string]string `json:"components,omitempty"`
	Error      string            `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type Server struct {
	config    domain.ObservabilityConfig
	source    Source
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	startTime time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer builds the HTTP surface. gatherer may be nil, in which case
// /metrics is not mounted.
func NewServer(config domain.ObservabilityConfig, source Source, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config:    withDefaults(config),
		source:    source,
		gatherer:  gatherer,
		logger:    logger.With("component", "observability"),
		startTime: time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", probe("ready", s.ready))
	mux.HandleFunc("GET /live", probe("live", nil))
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /pipelines", s.handlePipelines)
	mux.HandleFunc("GET /pipelines/{id}", s.handlePipeline)

	if s.gatherer != nil && s.config.EnableMetrics {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
			ErrorLog:      slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
			ErrorHandling: promhttp.ContinueOnError,
		}))
	}

	return s.withLogging(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return domain.NewConfigurationError("observability listen failed", err,
			domain.WithComponent("observability"), domain.WithContextDetail("addr", s.config.Addr))
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting observability server", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.logger.Error("observability server error", "error", err)
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("shutting down observability server")
	return srv.Shutdown(shutdownCtx)
}

// Addr is the bound listen address once Start has run.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
	}

	status := http.StatusOK
	if s.source != nil {
		health := s.source.Health()
		response.Components = health.Components
		if !health.Healthy {
			response.Status = "unhealthy"
			response.Error = health.Error
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, response)
}

// probe answers a plain-text readiness style check.
func probe(name string, ok func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if ok != nil && !ok() {
			http.Error(w, "not "+name, http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(name))
	}
}

func (s *Server) ready() bool {
	return s.source == nil || s.source.Health().Ready
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime": time.Since(s.startTime).String(),
	}
	if s.source != nil {
		for k, v := range s.source.Stats() {
			stats[k] = v
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	var runs []ports.RunSummary
	if s.source != nil {
		runs = s.source.Runs()
	}

	if state := r.URL.Query().Get("state"); state != "" {
		filtered := runs[:0:0]
		for _, run := range runs {
			if string(run.State) == state {
				filtered = append(filtered, run)
			}
		}
		runs = filtered
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].PipelineID < runs[j].PipelineID })
	if runs == nil {
		runs = []ports.RunSummary{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.source == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "pipeline " + id + " not found"})
		return
	}

	report, err := s.source.Report(id)
	if err != nil {
		status := http.StatusInternalServerError
		if domain.IsNotFound(err) {
			status = http.StatusNotFound
		}
		resp := errorResponse{Error: err.Error()}
		if de, ok := domain.AsDomainError(err); ok {
			resp.Code = de.Code
		}
		writeJSON(w, status, resp)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	xjson.NewEncoder(w).Encode(v)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		began := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Debug("served",
			"route", r.Method+" "+r.URL.Path,
			"status", rec.status,
			"took", time.Since(began))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
