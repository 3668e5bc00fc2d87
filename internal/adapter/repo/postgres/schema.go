package postgres

import (
	"context"
	"fmt"
)

// schema is applied at startup. Statements are idempotent so restarts and
// concurrent pollers are safe.
const schema = `
CREATE TABLE IF NOT EXISTS registered_groups (
	jid TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	folder TEXT NOT NULL UNIQUE,
	trigger_pattern TEXT NOT NULL DEFAULT '',
	requires_trigger BOOLEAN NOT NULL DEFAULT TRUE,
	added_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
	chat_jid TEXT NOT NULL,
	external_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	sender_name TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	is_from_me BOOLEAN NOT NULL DEFAULT FALSE,
	attachments JSONB,
	PRIMARY KEY (chat_jid, external_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages (chat_jid, ts, external_id);

CREATE TABLE IF NOT EXISTS receipts (
	trace_id TEXT PRIMARY KEY,
	chat_jid TEXT NOT NULL,
	external_message_id TEXT NOT NULL,
	lane TEXT NOT NULL,
	status TEXT NOT NULL,
	attempt_count INT NOT NULL DEFAULT 0,
	error_code TEXT NOT NULL DEFAULT '',
	error_detail TEXT NOT NULL DEFAULT '',
	received_at TIMESTAMPTZ NOT NULL,
	queued_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	replied_at TIMESTAMPTZ,
	timeout_at TIMESTAMPTZ,
	dead_lettered_at TIMESTAMPTZ,
	UNIQUE (chat_jid, external_message_id)
);
CREATE INDEX IF NOT EXISTS idx_receipts_status ON receipts (status);

CREATE TABLE IF NOT EXISTS attempts (
	trace_id TEXT NOT NULL REFERENCES receipts(trace_id),
	attempt_no INT NOT NULL,
	container_name TEXT NOT NULL DEFAULT '',
	run_started_at TIMESTAMPTZ NOT NULL,
	run_ended_at TIMESTAMPTZ,
	exit_code INT,
	timeout_hit BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (trace_id, attempt_no)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	trace_id TEXT PRIMARY KEY,
	chat_jid TEXT NOT NULL,
	external_message_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	final_error TEXT NOT NULL DEFAULT '',
	retryable BOOLEAN NOT NULL DEFAULT TRUE,
	status TEXT NOT NULL DEFAULT 'open',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	retried_at TIMESTAMPTZ,
	retried_by TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id TEXT PRIMARY KEY,
	group_folder TEXT NOT NULL,
	chat_jid TEXT NOT NULL,
	prompt TEXT NOT NULL,
	schedule_type TEXT NOT NULL,
	schedule_value TEXT NOT NULL,
	context_mode TEXT NOT NULL DEFAULT 'group',
	next_run TIMESTAMPTZ,
	last_run TIMESTAMPTZ,
	last_result TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	retry_count INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL DEFAULT 3,
	retry_delay_ms BIGINT NOT NULL DEFAULT 60000,
	task_timeout_ms BIGINT NOT NULL DEFAULT 600000,
	label TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks (status, next_run);

CREATE TABLE IF NOT EXISTS heartbeat_jobs (
	id TEXT PRIMARY KEY,
	chat_jid TEXT NOT NULL,
	label TEXT NOT NULL,
	prompt TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT 'custom',
	status TEXT NOT NULL DEFAULT 'active',
	interval_ms BIGINT,
	last_run TIMESTAMPTZ,
	last_result TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_by TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS heartbeat_job_logs (
	job_id TEXT NOT NULL,
	run_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	result TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_hb_logs_job ON heartbeat_job_logs (job_id, run_at);

CREATE TABLE IF NOT EXISTS usage_records (
	user_id TEXT NOT NULL,
	tier TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INT NOT NULL DEFAULT 0,
	output_tokens INT NOT NULL DEFAULT 0,
	estimated_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	response_time_ms BIGINT NOT NULL DEFAULT 0,
	group_id TEXT NOT NULL,
	trace_id TEXT NOT NULL DEFAULT '',
	cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
	ts TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_usage_group_ts ON usage_records (group_id, ts);

CREATE TABLE IF NOT EXISTS budgets (
	group_id TEXT PRIMARY KEY,
	monthly_budget DOUBLE PRECISION NOT NULL DEFAULT 0,
	daily_budget DOUBLE PRECISION NOT NULL DEFAULT 0,
	alert_thresh DOUBLE PRECISION NOT NULL DEFAULT 0.80,
	downgrade_thresh DOUBLE PRECISION NOT NULL DEFAULT 0.95,
	hard_limit_thresh DOUBLE PRECISION NOT NULL DEFAULT 1.20,
	preferred_model TEXT NOT NULL DEFAULT 'sonnet',
	downgrade_model TEXT NOT NULL DEFAULT 'haiku'
);

CREATE TABLE IF NOT EXISTS sessions (
	group_folder TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema applies the idempotent DDL above.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("op=postgres.EnsureSchema: %w", err)
	}
	return nil
}
