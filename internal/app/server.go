package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

// DeadLetterRetrier re-drives one dead-lettered trace.
type DeadLetterRetrier interface {
	RetryDeadLetter(ctx context.Context, trace, by string) error
}

// ServerOptions configures the ops HTTP server.
type ServerOptions struct {
	Addr string
	// Ready reports whether the orchestrator's dependencies are reachable.
	Ready           func(ctx context.Context) error
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Server exposes health, metrics and operator endpoints. It carries no
// user-facing traffic; messaging flows through the channel adapters.
type Server struct {
	retrier    DeadLetterRetrier
	dlq        domain.DeadLetterRepository
	heartbeats domain.HeartbeatRepository
	recent     func() []string
	opts       ServerOptions
}

// NewServer wires the ops server.
func NewServer(retrier DeadLetterRetrier, dlq domain.DeadLetterRepository, heartbeats domain.HeartbeatRepository, recent func() []string, opts ServerOptions) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{retrier: retrier, dlq: dlq, heartbeats: heartbeats, recent: recent, opts: opts}
}

// Router builds the chi routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}))
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if s.opts.Ready != nil {
			if err := s.opts.Ready(req.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/ops", func(r chi.Router) {
		r.Get("/dead-letters", s.listDeadLetters)
		r.Post("/dead-letters/{trace}/retry", s.retryDeadLetter)
		r.Get("/heartbeats", s.listHeartbeats)
	})
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           otelhttp.NewHandler(s.Router(), "ops"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.opts.Logger.Info("ops server listening", slog.String("addr", s.opts.Addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("op=app.server: %w", err)
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, req *http.Request) {
	rows, err := s.dlq.ListOpen(req.Context(), 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	type row struct {
		TraceID   string    `json:"trace_id"`
		ChatJID   string    `json:"chat_jid"`
		Reason    string    `json:"reason"`
		Error     string    `json:"error"`
		Retryable bool      `json:"retryable"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]row, 0, len(rows))
	for _, d := range rows {
		out = append(out, row{
			TraceID: d.TraceID, ChatJID: d.ChatJID, Reason: d.Reason,
			Error: d.FinalError, Retryable: d.Retryable, CreatedAt: d.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": out})
}

func (s *Server) retryDeadLetter(w http.ResponseWriter, req *http.Request) {
	trace := chi.URLParam(req, "trace")
	by := req.Header.Get("X-Operator")
	if by == "" {
		by = "ops"
	}
	err := s.retrier.RetryDeadLetter(req.Context(), trace, by)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued", "trace_id": trace})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown trace"})
	case errors.Is(err, domain.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "retry already in progress"})
	case errors.Is(err, domain.ErrQueueFull):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue full, dead letter reopened"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) listHeartbeats(w http.ResponseWriter, req *http.Request) {
	jobs, err := s.heartbeats.ListActive(req.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	type row struct {
		ID         string     `json:"id"`
		Label      string     `json:"label"`
		Category   string     `json:"category"`
		LastRun    *time.Time `json:"last_run,omitempty"`
		LastResult string     `json:"last_result,omitempty"`
	}
	out := make([]row, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, row{
			ID: j.ID, Label: j.Label, Category: string(j.Category),
			LastRun: j.LastRun, LastResult: j.LastResult,
		})
	}
	resp := map[string]any{"jobs": out}
	if s.recent != nil {
		resp["recent_results"] = s.recent()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
