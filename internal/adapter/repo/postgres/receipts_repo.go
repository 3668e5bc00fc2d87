package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

// ReceiptRepo persists the message receipt state machine.
type ReceiptRepo struct{ Pool PgxPool }

// NewReceiptRepo constructs a ReceiptRepo with the given pool.
func NewReceiptRepo(p PgxPool) *ReceiptRepo { return &ReceiptRepo{Pool: p} }

const receiptCols = `trace_id, chat_jid, external_message_id, lane, status, attempt_count,
	error_code, error_detail, received_at, queued_at, started_at, replied_at, timeout_at, dead_lettered_at`

// Mint records a new receipt in RECEIVED state. Replays of the same message
// are no-ops so adapters may redeliver safely.
func (r *ReceiptRepo) Mint(ctx domain.Context, rec domain.Receipt) error {
	tracer := otel.Tracer("repo.receipts")
	ctx, span := tracer.Start(ctx, "receipts.Mint")
	defer span.End()
	q := `INSERT INTO receipts (trace_id, chat_jid, external_message_id, lane, status, received_at)
		VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (trace_id) DO NOTHING`
	received := rec.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	_, err := r.Pool.Exec(ctx, q, rec.TraceID, rec.ChatJID, rec.ExternalMessageID, rec.Lane, domain.ReceiptReceived, received)
	if err != nil {
		return fmt.Errorf("op=receipts.mint: %w", err)
	}
	return nil
}

// Get loads a receipt by trace id.
func (r *ReceiptRepo) Get(ctx domain.Context, traceID string) (domain.Receipt, error) {
	tracer := otel.Tracer("repo.receipts")
	ctx, span := tracer.Start(ctx, "receipts.Get")
	defer span.End()
	q := `SELECT ` + receiptCols + ` FROM receipts WHERE trace_id=$1`
	rec, err := scanReceipt(r.Pool.QueryRow(ctx, q, traceID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Receipt{}, fmt.Errorf("op=receipts.get: %w", domain.ErrNotFound)
		}
		return domain.Receipt{}, fmt.Errorf("op=receipts.get: %w", err)
	}
	return rec, nil
}

// MarkQueued stamps queued_at and moves pending rows to QUEUED.
func (r *ReceiptRepo) MarkQueued(ctx domain.Context, traceIDs []string) error {
	if len(traceIDs) == 0 {
		return nil
	}
	tracer := otel.Tracer("repo.receipts")
	ctx, span := tracer.Start(ctx, "receipts.MarkQueued")
	defer span.End()
	q := `UPDATE receipts SET status=$2, queued_at=$3
		WHERE trace_id = ANY($1) AND status IN ($4,$5)`
	_, err := r.Pool.Exec(ctx, q, traceIDs, domain.ReceiptQueued, time.Now().UTC(), domain.ReceiptReceived, domain.ReceiptRetrying)
	if err != nil {
		return fmt.Errorf("op=receipts.mark_queued: %w", err)
	}
	return nil
}

// MarkRunning moves a row to RUNNING and increments attempt_count. This is
// the only transition allowed to touch the counter.
func (r *ReceiptRepo) MarkRunning(ctx domain.Context, traceID string) (int, error) {
	tracer := otel.Tracer("repo.receipts")
	ctx, span := tracer.Start(ctx, "receipts.MarkRunning")
	defer span.End()
	q := `UPDATE receipts SET status=$2, started_at=$3, attempt_count=attempt_count+1
		WHERE trace_id=$1 RETURNING attempt_count`
	var attempt int
	if err := r.Pool.QueryRow(ctx, q, traceID, domain.ReceiptRunning, time.Now().UTC()).Scan(&attempt); err != nil {
		if err == pgx.ErrNoRows {
			return 0, fmt.Errorf("op=receipts.mark_running: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=receipts.mark_running: %w", err)
	}
	return attempt, nil
}

// MarkReplied finalizes the happy path. Error fields are cleared so a row
// that retried before succeeding ends clean.
func (r *ReceiptRepo) MarkReplied(ctx domain.Context, traceID string) error {
	tracer := otel.Tracer("repo.receipts")
	ctx, span := tracer.Start(ctx, "receipts.MarkReplied")
	defer span.End()
	q := `UPDATE receipts SET status=$2, replied_at=$3, error_code='', error_detail='' WHERE trace_id=$1`
	_, err := r.Pool.Exec(ctx, q, traceID, domain.ReceiptReplied, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=receipts.mark_replied: %w", err)
	}
	return nil
}

// MarkRetrying flags a transient failure.
func (r *ReceiptRepo) MarkRetrying(ctx domain.Context, traceID, errCode, errDetail string) error {
	tracer := otel.Tracer("repo.receipts")
	ctx, span := tracer.Start(ctx, "receipts.MarkRetrying")
	defer span.End()
	q := `UPDATE receipts SET status=$2, error_code=$3, error_detail=$4 WHERE trace_id=$1`
	_, err := r.Pool.Exec(ctx, q, traceID, domain.ReceiptRetrying, errCode, errDetail)
	if err != nil {
		return fmt.Errorf("op=receipts.mark_retrying: %w", err)
	}
	return nil
}

// MarkFailed flags a terminal failure ahead of dead-lettering.
func (r *ReceiptRepo) MarkFailed(ctx domain.Context, traceID, errCode, errDetail string) error {
	tracer := otel.Tracer("repo.receipts")
	ctx, span := tracer.Start(ctx, "receipts.MarkFailed")
	defer span.End()
	q := `UPDATE receipts SET status=$2, error_code=$3, error_detail=$4 WHERE trace_id=$1`
	_, err := r.Pool.Exec(ctx, q, traceID, domain.ReceiptFailed, errCode, errDetail)
	if err != nil {
		return fmt.Errorf("op=receipts.mark_failed: %w", err)
	}
	return nil
}

// MarkDeadLettered stamps dead_lettered_at; the caller creates the matching
// dead_letter row in the same flow.
func (r *ReceiptRepo) MarkDeadLettered(ctx domain.Context, traceID string) error {
	tracer := otel.Tracer("repo.receipts")
	ctx, span := tracer.Start(ctx, "receipts.MarkDeadLettered")
	defer span.End()
	q := `UPDATE receipts SET status=$2, dead_lettered_at=$3 WHERE trace_id=$1`
	_, err := r.Pool.Exec(ctx, q, traceID, domain.ReceiptDeadLettered, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=receipts.mark_dead_lettered: %w", err)
	}
	return nil
}

// AppendAttempt records the start of one container run for a receipt.
func (r *ReceiptRepo) AppendAttempt(ctx domain.Context, a domain.Attempt) error {
	tracer := otel.Tracer("repo.receipts")
	ctx, span := tracer.Start(ctx, "receipts.AppendAttempt")
	defer span.End()
	q := `INSERT INTO attempts (trace_id, attempt_no, container_name, run_started_at)
		VALUES ($1,$2,$3,$4) ON CONFLICT (trace_id, attempt_no) DO NOTHING`
	started := a.RunStartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	_, err := r.Pool.Exec(ctx, q, a.TraceID, a.AttemptNo, a.ContainerName, started)
	if err != nil {
		return fmt.Errorf("op=receipts.append_attempt: %w", err)
	}
	return nil
}

// CloseAttempt records the end of a run.
func (r *ReceiptRepo) CloseAttempt(ctx domain.Context, traceID string, attemptNo int, exitCode *int, timeoutHit bool) error {
	tracer := otel.Tracer("repo.receipts")
	ctx, span := tracer.Start(ctx, "receipts.CloseAttempt")
	defer span.End()
	q := `UPDATE attempts SET run_ended_at=$3, exit_code=$4, timeout_hit=$5
		WHERE trace_id=$1 AND attempt_no=$2`
	_, err := r.Pool.Exec(ctx, q, traceID, attemptNo, time.Now().UTC(), exitCode, timeoutHit)
	if err != nil {
		return fmt.Errorf("op=receipts.close_attempt: %w", err)
	}
	return nil
}

// ListInFlight returns rows stuck in RECEIVED/QUEUED/RUNNING for startup
// recovery.
func (r *ReceiptRepo) ListInFlight(ctx domain.Context) ([]domain.Receipt, error) {
	tracer := otel.Tracer("repo.receipts")
	ctx, span := tracer.Start(ctx, "receipts.ListInFlight")
	defer span.End()
	q := `SELECT ` + receiptCols + ` FROM receipts WHERE status IN ($1,$2,$3) ORDER BY received_at`
	rows, err := r.Pool.Query(ctx, q, domain.ReceiptReceived, domain.ReceiptQueued, domain.ReceiptRunning)
	if err != nil {
		return nil, fmt.Errorf("op=receipts.list_in_flight: %w", err)
	}
	defer rows.Close()
	var out []domain.Receipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("op=receipts.list_in_flight: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=receipts.list_in_flight: %w", err)
	}
	return out, nil
}

func scanReceipt(row pgx.Row) (domain.Receipt, error) {
	var rec domain.Receipt
	err := row.Scan(&rec.TraceID, &rec.ChatJID, &rec.ExternalMessageID, &rec.Lane, &rec.Status,
		&rec.AttemptCount, &rec.ErrorCode, &rec.ErrorDetail, &rec.ReceivedAt,
		&rec.QueuedAt, &rec.StartedAt, &rec.RepliedAt, &rec.TimeoutAt, &rec.DeadLetteredAt)
	return rec, err
}
