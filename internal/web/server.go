// Package web serves the JSON HTTP API: scan ingestion, fix requests and
// read paths over runs, traces, findings and actions.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/lucasnoah/argus/internal/action"
	"github.com/lucasnoah/argus/internal/orchestrator"
	"github.com/lucasnoah/argus/internal/pipeline"
)

// Server is the HTTP API server.
type Server struct {
	store     *pipeline.Store
	orch      *orchestrator.Orchestrator
	submitter *action.Submitter
	addr      string
	logger    *slog.Logger

	pollInterval time.Duration // run event stream poll; defaults to 2s
}

// NewServer creates a Server.
func NewServer(store *pipeline.Store, orch *orchestrator.Orchestrator, submitter *action.Submitter, addr string) *Server {
	return &Server{
		store:        store,
		orch:         orch,
		submitter:    submitter,
		addr:         addr,
		logger:       slog.Default(),
		pollInterval: 2 * time.Second,
	}
}

// SetLogger sets the structured logger.
func (s *Server) SetLogger(l *slog.Logger) {
	s.logger = l
}

// SetPollInterval overrides the event stream poll interval (for testing).
func (s *Server) SetPollInterval(d time.Duration) {
	s.pollInterval = d
}

// Handler returns the API routes. Ids contain '/' and ':' and must be
// path-escaped by clients.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/bundles", s.handleIngest)
	mux.HandleFunc("POST /api/actions/fix", s.handleFixRequest)
	mux.HandleFunc("GET /api/actions/{actionId}", s.handleAction)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{runId}", s.handleRun)
	mux.HandleFunc("GET /api/runs/{runId}/traces", s.handleTraces)
	mux.HandleFunc("GET /api/runs/{runId}/findings", s.handleFindings)
	mux.HandleFunc("GET /api/runs/{runId}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	return s.logRequests(mux)
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("argus API listening", "addr", s.addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps event streams working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
