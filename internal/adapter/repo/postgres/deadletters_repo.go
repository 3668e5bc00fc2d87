package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

// DeadLetterRepo stores terminally failed traces.
type DeadLetterRepo struct{ Pool PgxPool }

// NewDeadLetterRepo constructs a DeadLetterRepo with the given pool.
func NewDeadLetterRepo(p PgxPool) *DeadLetterRepo { return &DeadLetterRepo{Pool: p} }

const deadLetterCols = `trace_id, chat_jid, external_message_id, reason, final_error, retryable, status, created_at, retried_at, retried_by`

// Create upserts the single dead-letter row for a trace. A second terminal
// failure for the same trace overwrites reason and reopens the row.
func (r *DeadLetterRepo) Create(ctx domain.Context, d domain.DeadLetter) error {
	tracer := otel.Tracer("repo.deadletters")
	ctx, span := tracer.Start(ctx, "deadletters.Create")
	defer span.End()
	q := `INSERT INTO dead_letters (trace_id, chat_jid, external_message_id, reason, final_error, retryable, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (trace_id) DO UPDATE SET reason=EXCLUDED.reason, final_error=EXCLUDED.final_error,
			retryable=EXCLUDED.retryable, status=$7`
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := r.Pool.Exec(ctx, q, d.TraceID, d.ChatJID, d.ExternalMessageID, d.Reason, d.FinalError, d.Retryable, domain.DeadLetterOpen, created)
	if err != nil {
		return fmt.Errorf("op=deadletters.create: %w", err)
	}
	return nil
}

// Get loads a dead letter by trace id.
func (r *DeadLetterRepo) Get(ctx domain.Context, traceID string) (domain.DeadLetter, error) {
	tracer := otel.Tracer("repo.deadletters")
	ctx, span := tracer.Start(ctx, "deadletters.Get")
	defer span.End()
	q := `SELECT ` + deadLetterCols + ` FROM dead_letters WHERE trace_id=$1`
	d, err := scanDeadLetter(r.Pool.QueryRow(ctx, q, traceID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.DeadLetter{}, fmt.Errorf("op=deadletters.get: %w", domain.ErrNotFound)
		}
		return domain.DeadLetter{}, fmt.Errorf("op=deadletters.get: %w", err)
	}
	return d, nil
}

// TakeForRetry atomically flips open→retrying. Exactly one concurrent caller
// observes true.
func (r *DeadLetterRepo) TakeForRetry(ctx domain.Context, traceID, by string) (bool, error) {
	tracer := otel.Tracer("repo.deadletters")
	ctx, span := tracer.Start(ctx, "deadletters.TakeForRetry")
	defer span.End()
	q := `UPDATE dead_letters SET status=$2, retried_at=$3, retried_by=$4
		WHERE trace_id=$1 AND status=$5 AND retryable`
	tag, err := r.Pool.Exec(ctx, q, traceID, domain.DeadLetterRetrying, time.Now().UTC(), by, domain.DeadLetterOpen)
	if err != nil {
		return false, fmt.Errorf("op=deadletters.take_for_retry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Resolve closes a dead letter after a successful retry.
func (r *DeadLetterRepo) Resolve(ctx domain.Context, traceID string) error {
	tracer := otel.Tracer("repo.deadletters")
	ctx, span := tracer.Start(ctx, "deadletters.Resolve")
	defer span.End()
	q := `UPDATE dead_letters SET status=$2 WHERE trace_id=$1`
	_, err := r.Pool.Exec(ctx, q, traceID, domain.DeadLetterResolved)
	if err != nil {
		return fmt.Errorf("op=deadletters.resolve: %w", err)
	}
	return nil
}

// Reopen returns a retrying row to open, recording why the retry failed.
func (r *DeadLetterRepo) Reopen(ctx domain.Context, traceID, reason string) error {
	tracer := otel.Tracer("repo.deadletters")
	ctx, span := tracer.Start(ctx, "deadletters.Reopen")
	defer span.End()
	q := `UPDATE dead_letters SET status=$2, reason=$3 WHERE trace_id=$1`
	_, err := r.Pool.Exec(ctx, q, traceID, domain.DeadLetterOpen, reason)
	if err != nil {
		return fmt.Errorf("op=deadletters.reopen: %w", err)
	}
	return nil
}

// ListOpen returns open rows for operator triage, oldest first.
func (r *DeadLetterRepo) ListOpen(ctx domain.Context, limit int) ([]domain.DeadLetter, error) {
	tracer := otel.Tracer("repo.deadletters")
	ctx, span := tracer.Start(ctx, "deadletters.ListOpen")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + deadLetterCols + ` FROM dead_letters WHERE status=$1 ORDER BY created_at LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, domain.DeadLetterOpen, limit)
	if err != nil {
		return nil, fmt.Errorf("op=deadletters.list_open: %w", err)
	}
	defer rows.Close()
	var out []domain.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("op=deadletters.list_open: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=deadletters.list_open: %w", err)
	}
	return out, nil
}

func scanDeadLetter(row pgx.Row) (domain.DeadLetter, error) {
	var d domain.DeadLetter
	err := row.Scan(&d.TraceID, &d.ChatJID, &d.ExternalMessageID, &d.Reason, &d.FinalError,
		&d.Retryable, &d.Status, &d.CreatedAt, &d.RetriedAt, &d.RetriedBy)
	return d, err
}
