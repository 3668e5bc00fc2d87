package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

// HeartbeatRepo stores smart jobs and their append-only run log.
type HeartbeatRepo struct{ Pool PgxPool }

// NewHeartbeatRepo constructs a HeartbeatRepo with the given pool.
func NewHeartbeatRepo(p PgxPool) *HeartbeatRepo { return &HeartbeatRepo{Pool: p} }

const heartbeatCols = `id, chat_jid, label, prompt, category, status, interval_ms, last_run, last_result, created_at, created_by`

// Add inserts a new heartbeat job.
func (r *HeartbeatRepo) Add(ctx domain.Context, j domain.HeartbeatJob) (string, error) {
	tracer := otel.Tracer("repo.heartbeats")
	ctx, span := tracer.Start(ctx, "heartbeats.Add")
	defer span.End()
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := j.Status
	if status == "" {
		status = domain.TaskActive
	}
	category := j.Category
	if category == "" {
		category = domain.HeartbeatCustom
	}
	q := `INSERT INTO heartbeat_jobs (id, chat_jid, label, prompt, category, status, interval_ms, created_at, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, id, j.ChatJID, j.Label, j.Prompt, category, status, j.IntervalMS, time.Now().UTC(), j.CreatedBy)
	if err != nil {
		return "", fmt.Errorf("op=heartbeats.add: %w", err)
	}
	return id, nil
}

// Update rewrites the mutable fields of a job.
func (r *HeartbeatRepo) Update(ctx domain.Context, j domain.HeartbeatJob) error {
	tracer := otel.Tracer("repo.heartbeats")
	ctx, span := tracer.Start(ctx, "heartbeats.Update")
	defer span.End()
	q := `UPDATE heartbeat_jobs SET label=$2, prompt=$3, category=$4, status=$5, interval_ms=$6 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, j.ID, j.Label, j.Prompt, j.Category, j.Status, j.IntervalMS)
	if err != nil {
		return fmt.Errorf("op=heartbeats.update: %w", err)
	}
	return nil
}

// Remove deletes a job; its log rows stay for forensics.
func (r *HeartbeatRepo) Remove(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.heartbeats")
	ctx, span := tracer.Start(ctx, "heartbeats.Remove")
	defer span.End()
	q := `DELETE FROM heartbeat_jobs WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("op=heartbeats.remove: %w", err)
	}
	return nil
}

// Get loads one job.
func (r *HeartbeatRepo) Get(ctx domain.Context, id string) (domain.HeartbeatJob, error) {
	tracer := otel.Tracer("repo.heartbeats")
	ctx, span := tracer.Start(ctx, "heartbeats.Get")
	defer span.End()
	q := `SELECT ` + heartbeatCols + ` FROM heartbeat_jobs WHERE id=$1`
	j, err := scanHeartbeat(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.HeartbeatJob{}, fmt.Errorf("op=heartbeats.get: %w", domain.ErrNotFound)
		}
		return domain.HeartbeatJob{}, fmt.Errorf("op=heartbeats.get: %w", err)
	}
	return j, nil
}

// List returns jobs for one chat, or all jobs when chatJID is empty.
func (r *HeartbeatRepo) List(ctx domain.Context, chatJID string) ([]domain.HeartbeatJob, error) {
	tracer := otel.Tracer("repo.heartbeats")
	ctx, span := tracer.Start(ctx, "heartbeats.List")
	defer span.End()
	if chatJID == "" {
		q := `SELECT ` + heartbeatCols + ` FROM heartbeat_jobs ORDER BY created_at`
		return r.listJobs(ctx, q)
	}
	q := `SELECT ` + heartbeatCols + ` FROM heartbeat_jobs WHERE chat_jid=$1 ORDER BY created_at`
	return r.listJobs(ctx, q, chatJID)
}

// ListActive returns all active jobs for snapshot files.
func (r *HeartbeatRepo) ListActive(ctx domain.Context) ([]domain.HeartbeatJob, error) {
	tracer := otel.Tracer("repo.heartbeats")
	ctx, span := tracer.Start(ctx, "heartbeats.ListActive")
	defer span.End()
	q := `SELECT ` + heartbeatCols + ` FROM heartbeat_jobs WHERE status=$1 ORDER BY created_at`
	return r.listJobs(ctx, q, domain.TaskActive)
}

// GetDue returns active jobs whose interval (or the default) has elapsed
// since last_run. Jobs never run are always due.
func (r *HeartbeatRepo) GetDue(ctx domain.Context, defaultInterval time.Duration, now time.Time) ([]domain.HeartbeatJob, error) {
	tracer := otel.Tracer("repo.heartbeats")
	ctx, span := tracer.Start(ctx, "heartbeats.GetDue")
	defer span.End()
	q := `SELECT ` + heartbeatCols + ` FROM heartbeat_jobs
		WHERE status=$1 AND last_result != $2
		AND (last_run IS NULL OR last_run <= $3::timestamptz - (COALESCE(interval_ms, $4) * interval '1 millisecond'))
		ORDER BY last_run NULLS FIRST`
	return r.listJobs(ctx, q, domain.TaskActive, domain.HeartbeatRunningSentinel, now, defaultInterval.Milliseconds())
}

// Claim marks a job as in flight by setting last_run and the running
// sentinel; exactly one concurrent caller wins.
func (r *HeartbeatRepo) Claim(ctx domain.Context, id string, now time.Time) (bool, error) {
	tracer := otel.Tracer("repo.heartbeats")
	ctx, span := tracer.Start(ctx, "heartbeats.Claim")
	defer span.End()
	q := `UPDATE heartbeat_jobs SET last_run=$2, last_result=$3
		WHERE id=$1 AND status=$4 AND last_result != $3`
	tag, err := r.Pool.Exec(ctx, q, id, now, domain.HeartbeatRunningSentinel, domain.TaskActive)
	if err != nil {
		return false, fmt.Errorf("op=heartbeats.claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinishOK overwrites the running sentinel with the run result.
func (r *HeartbeatRepo) FinishOK(ctx domain.Context, id, result string) error {
	tracer := otel.Tracer("repo.heartbeats")
	ctx, span := tracer.Start(ctx, "heartbeats.FinishOK")
	defer span.End()
	q := `UPDATE heartbeat_jobs SET last_result=$2 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, result)
	if err != nil {
		return fmt.Errorf("op=heartbeats.finish_ok: %w", err)
	}
	return nil
}

// FinishError records a failed run.
func (r *HeartbeatRepo) FinishError(ctx domain.Context, id, errMsg string) error {
	tracer := otel.Tracer("repo.heartbeats")
	ctx, span := tracer.Start(ctx, "heartbeats.FinishError")
	defer span.End()
	q := `UPDATE heartbeat_jobs SET last_result=$2 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, "Error: "+errMsg)
	if err != nil {
		return fmt.Errorf("op=heartbeats.finish_error: %w", err)
	}
	return nil
}

// AppendLog records one run in the append-only log.
func (r *HeartbeatRepo) AppendLog(ctx domain.Context, l domain.HeartbeatJobLog) error {
	tracer := otel.Tracer("repo.heartbeats")
	ctx, span := tracer.Start(ctx, "heartbeats.AppendLog")
	defer span.End()
	runAt := l.RunAt
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}
	q := `INSERT INTO heartbeat_job_logs (job_id, run_at, status, result, duration_ms, error)
		VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := r.Pool.Exec(ctx, q, l.JobID, runAt, l.Status, l.Result, l.DurationMS, l.Error)
	if err != nil {
		return fmt.Errorf("op=heartbeats.append_log: %w", err)
	}
	return nil
}

// RecoverInterrupted rewrites rows still holding the running sentinel after a
// restart.
func (r *HeartbeatRepo) RecoverInterrupted(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("repo.heartbeats")
	ctx, span := tracer.Start(ctx, "heartbeats.RecoverInterrupted")
	defer span.End()
	q := `UPDATE heartbeat_jobs SET last_result=$2 WHERE last_result=$1`
	tag, err := r.Pool.Exec(ctx, q, domain.HeartbeatRunningSentinel, "Error: process interrupted (recovered on restart)")
	if err != nil {
		return 0, fmt.Errorf("op=heartbeats.recover_interrupted: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *HeartbeatRepo) listJobs(ctx domain.Context, q string, args ...any) ([]domain.HeartbeatJob, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=heartbeats.list: %w", err)
	}
	defer rows.Close()
	var out []domain.HeartbeatJob
	for rows.Next() {
		j, err := scanHeartbeat(rows)
		if err != nil {
			return nil, fmt.Errorf("op=heartbeats.list: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=heartbeats.list: %w", err)
	}
	return out, nil
}

func scanHeartbeat(row pgx.Row) (domain.HeartbeatJob, error) {
	var j domain.HeartbeatJob
	err := row.Scan(&j.ID, &j.ChatJID, &j.Label, &j.Prompt, &j.Category, &j.Status,
		&j.IntervalMS, &j.LastRun, &j.LastResult, &j.CreatedAt, &j.CreatedBy)
	return j, err
}
