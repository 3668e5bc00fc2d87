package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

// TaskRepo stores scheduled tasks and implements the atomic claim protocol.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

const taskCols = `id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode,
	next_run, last_run, last_result, status, retry_count, max_retries, retry_delay_ms, task_timeout_ms, label, created_at`

// Create inserts a new task. A duplicate guard rejects a task whose group,
// schedule_value and first 200 chars of prompt match an active or paused row.
func (r *TaskRepo) Create(ctx domain.Context, t domain.ScheduledTask) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	var exists bool
	dupQ := `SELECT EXISTS (SELECT 1 FROM scheduled_tasks
		WHERE group_folder=$1 AND schedule_value=$2 AND left(prompt,200)=left($3,200) AND status IN ($4,$5))`
	if err := r.Pool.QueryRow(ctx, dupQ, t.GroupFolder, t.ScheduleValue, t.Prompt, domain.TaskActive, domain.TaskPaused).Scan(&exists); err != nil {
		return "", fmt.Errorf("op=tasks.create: %w", err)
	}
	if exists {
		return "", fmt.Errorf("op=tasks.create: duplicate schedule: %w", domain.ErrConflict)
	}
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO scheduled_tasks (id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode,
		next_run, status, max_retries, retry_delay_ms, task_timeout_ms, label, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	status := t.Status
	if status == "" {
		status = domain.TaskActive
	}
	_, err := r.Pool.Exec(ctx, q, id, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, t.NextRun, status, t.MaxRetries, t.RetryDelayMS, t.TaskTimeoutMS, t.Label, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("op=tasks.create: %w", err)
	}
	return id, nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.ScheduledTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	q := `SELECT ` + taskCols + ` FROM scheduled_tasks WHERE id=$1`
	t, err := scanTask(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ScheduledTask{}, fmt.Errorf("op=tasks.get: %w", domain.ErrNotFound)
		}
		return domain.ScheduledTask{}, fmt.Errorf("op=tasks.get: %w", err)
	}
	return t, nil
}

// Update rewrites the mutable fields of a task.
func (r *TaskRepo) Update(ctx domain.Context, t domain.ScheduledTask) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Update")
	defer span.End()
	q := `UPDATE scheduled_tasks SET prompt=$2, schedule_type=$3, schedule_value=$4, context_mode=$5,
		next_run=$6, max_retries=$7, retry_delay_ms=$8, task_timeout_ms=$9, label=$10 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, t.ID, t.Prompt, t.ScheduleType, t.ScheduleValue, t.ContextMode,
		t.NextRun, t.MaxRetries, t.RetryDelayMS, t.TaskTimeoutMS, t.Label)
	if err != nil {
		return fmt.Errorf("op=tasks.update: %w", err)
	}
	return nil
}

func (r *TaskRepo) setStatus(ctx domain.Context, id string, status domain.TaskStatus, op string) error {
	q := `UPDATE scheduled_tasks SET status=$2 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, status)
	if err != nil {
		return fmt.Errorf("op=tasks.%s: %w", op, err)
	}
	return nil
}

// Pause suspends scheduling without losing state.
func (r *TaskRepo) Pause(ctx domain.Context, id string) error {
	return r.setStatus(ctx, id, domain.TaskPaused, "pause")
}

// Resume reactivates a paused task.
func (r *TaskRepo) Resume(ctx domain.Context, id string) error {
	return r.setStatus(ctx, id, domain.TaskActive, "resume")
}

// Cancel soft-deletes a task; the row stays for audit.
func (r *TaskRepo) Cancel(ctx domain.Context, id string) error {
	return r.setStatus(ctx, id, domain.TaskCancelled, "cancel")
}

// RunNow schedules an immediate fire. The retry counter resets because an
// operator-requested run starts with a fresh retry budget.
func (r *TaskRepo) RunNow(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.RunNow")
	defer span.End()
	q := `UPDATE scheduled_tasks SET next_run=$2, retry_count=0, status=$3 WHERE id=$1 AND status != $4`
	_, err := r.Pool.Exec(ctx, q, id, time.Now().UTC(), domain.TaskActive, domain.TaskCancelled)
	if err != nil {
		return fmt.Errorf("op=tasks.run_now: %w", err)
	}
	return nil
}

// ListDue returns active tasks whose next_run has passed.
func (r *TaskRepo) ListDue(ctx domain.Context, now time.Time) ([]domain.ScheduledTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListDue")
	defer span.End()
	q := `SELECT ` + taskCols + ` FROM scheduled_tasks
		WHERE status=$1 AND next_run IS NOT NULL AND next_run <= $2 ORDER BY next_run`
	return r.list(ctx, q, domain.TaskActive, now)
}

// ListByGroup returns non-cancelled tasks for one folder.
func (r *TaskRepo) ListByGroup(ctx domain.Context, folder string) ([]domain.ScheduledTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListByGroup")
	defer span.End()
	q := `SELECT ` + taskCols + ` FROM scheduled_tasks WHERE group_folder=$1 AND status != $2 ORDER BY created_at`
	return r.list(ctx, q, folder, domain.TaskCancelled)
}

// ListAll returns every non-cancelled task; the main group's snapshot uses it.
func (r *TaskRepo) ListAll(ctx domain.Context) ([]domain.ScheduledTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListAll")
	defer span.End()
	q := `SELECT ` + taskCols + ` FROM scheduled_tasks WHERE status != $1 ORDER BY created_at`
	return r.list(ctx, q, domain.TaskCancelled)
}

// Claim conditionally advances next_run to the claim sentinel. Returns true
// iff this caller changed exactly one row.
func (r *TaskRepo) Claim(ctx domain.Context, id string, now time.Time) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Claim")
	defer span.End()
	q := `UPDATE scheduled_tasks SET next_run=$2
		WHERE id=$1 AND status=$3 AND next_run IS NOT NULL AND next_run <= $4`
	tag, err := r.Pool.Exec(ctx, q, id, domain.ClaimSentinel, domain.TaskActive, now)
	if err != nil {
		return false, fmt.Errorf("op=tasks.claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecoverStaleClaims resets sentinel rows left behind by a crash so the next
// tick picks them up.
func (r *TaskRepo) RecoverStaleClaims(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.RecoverStaleClaims")
	defer span.End()
	q := `UPDATE scheduled_tasks SET next_run=$1 WHERE next_run=$2 AND status=$3`
	tag, err := r.Pool.Exec(ctx, q, time.Now().UTC(), domain.ClaimSentinel, domain.TaskActive)
	if err != nil {
		return 0, fmt.Errorf("op=tasks.recover_stale_claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkSuccess records a completed run. Recurring tasks reset retry_count;
// once tasks complete with next_run cleared.
func (r *TaskRepo) MarkSuccess(ctx domain.Context, id, result string, nextRun *time.Time, completed bool) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.MarkSuccess")
	defer span.End()
	status := domain.TaskActive
	if completed {
		status = domain.TaskCompleted
	}
	q := `UPDATE scheduled_tasks SET last_run=$2, last_result=$3, retry_count=0, next_run=$4, status=$5 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, time.Now().UTC(), result, nextRun, status)
	if err != nil {
		return fmt.Errorf("op=tasks.mark_success: %w", err)
	}
	return nil
}

// MarkFailure increments retry_count and schedules the next attempt after
// retry_delay_ms. Once the retry budget is spent the task parks as paused.
func (r *TaskRepo) MarkFailure(ctx domain.Context, id, errMsg string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.MarkFailure")
	defer span.End()
	q := `UPDATE scheduled_tasks SET
			retry_count = retry_count + 1,
			last_run = $2,
			last_result = $3,
			next_run = CASE WHEN retry_count + 1 <= max_retries
				THEN $2::timestamptz + (retry_delay_ms * interval '1 millisecond') ELSE NULL END,
			status = CASE WHEN retry_count + 1 <= max_retries THEN status ELSE $4 END
		WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, time.Now().UTC(), errMsg, domain.TaskPaused)
	if err != nil {
		return fmt.Errorf("op=tasks.mark_failure: %w", err)
	}
	return nil
}

func (r *TaskRepo) list(ctx domain.Context, q string, args ...any) ([]domain.ScheduledTask, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=tasks.list: %w", err)
	}
	defer rows.Close()
	var out []domain.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=tasks.list: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=tasks.list: %w", err)
	}
	return out, nil
}

func scanTask(row pgx.Row) (domain.ScheduledTask, error) {
	var t domain.ScheduledTask
	err := row.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
		&t.ContextMode, &t.NextRun, &t.LastRun, &t.LastResult, &t.Status, &t.RetryCount,
		&t.MaxRetries, &t.RetryDelayMS, &t.TaskTimeoutMS, &t.Label, &t.CreatedAt)
	return t, err
}
