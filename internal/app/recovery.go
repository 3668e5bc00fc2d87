package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/nanoclaw/internal/usecase"
)

// Recovery re-drives work stranded by the previous process: in-flight
// receipts go back through the queue and interrupted smart jobs get an
// error result. It runs once, before the supervisor starts the loops.
type Recovery struct {
	pipeline   *usecase.Pipeline
	heartbeats *usecase.HeartbeatRunner
	logger     *slog.Logger
}

// NewRecovery wires the startup recovery pass.
func NewRecovery(pipeline *usecase.Pipeline, heartbeats *usecase.HeartbeatRunner, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{pipeline: pipeline, heartbeats: heartbeats, logger: logger}
}

// Run performs the recovery pass.
func (r *Recovery) Run(ctx context.Context) error {
	receipts, err := r.pipeline.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("op=app.recovery: %w", err)
	}
	jobs, err := r.heartbeats.Recover(ctx)
	if err != nil {
		return fmt.Errorf("op=app.recovery: %w", err)
	}
	if receipts > 0 || jobs > 0 {
		r.logger.Info("startup recovery complete",
			slog.Int("receipts", receipts),
			slog.Int("heartbeat_jobs", jobs))
	}
	return nil
}
