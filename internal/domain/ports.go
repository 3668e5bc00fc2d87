package domain

import "time"

// Repositories (ports)

// ReceiptRepository persists the per-message delivery state machine.
type ReceiptRepository interface {
	// Mint records a new receipt in RECEIVED state; replays of the same
	// (chat_jid, external_message_id) pair are no-ops.
	Mint(ctx Context, r Receipt) error
	Get(ctx Context, traceID string) (Receipt, error)
	// MarkQueued stamps queued_at and moves RECEIVED/RETRYING rows to QUEUED.
	MarkQueued(ctx Context, traceIDs []string) error
	// MarkRunning moves a row to RUNNING and increments attempt_count; this is
	// the only transition that touches the counter.
	MarkRunning(ctx Context, traceID string) (attemptNo int, err error)
	// MarkReplied finalizes the happy path and clears error_code/error_detail.
	MarkReplied(ctx Context, traceID string) error
	MarkRetrying(ctx Context, traceID, errCode, errDetail string) error
	MarkFailed(ctx Context, traceID, errCode, errDetail string) error
	MarkDeadLettered(ctx Context, traceID string) error
	AppendAttempt(ctx Context, a Attempt) error
	CloseAttempt(ctx Context, traceID string, attemptNo int, exitCode *int, timeoutHit bool) error
	// ListInFlight returns rows stuck in RECEIVED/QUEUED/RUNNING, used by
	// startup recovery.
	ListInFlight(ctx Context) ([]Receipt, error)
}

// DeadLetterRepository stores terminally failed traces for operator triage.
type DeadLetterRepository interface {
	Create(ctx Context, d DeadLetter) error
	Get(ctx Context, traceID string) (DeadLetter, error)
	// TakeForRetry atomically flips open→retrying; exactly one concurrent
	// caller wins.
	TakeForRetry(ctx Context, traceID, by string) (bool, error)
	Resolve(ctx Context, traceID string) error
	Reopen(ctx Context, traceID, reason string) error
	ListOpen(ctx Context, limit int) ([]DeadLetter, error)
}

// TaskRepository stores scheduled tasks and their claim protocol.
type TaskRepository interface {
	Create(ctx Context, t ScheduledTask) (string, error)
	Get(ctx Context, id string) (ScheduledTask, error)
	Update(ctx Context, t ScheduledTask) error
	Pause(ctx Context, id string) error
	Resume(ctx Context, id string) error
	// Cancel is a soft delete; the row stays for audit.
	Cancel(ctx Context, id string) error
	// RunNow schedules an immediate fire and resets retry_count.
	RunNow(ctx Context, id string) error
	ListDue(ctx Context, now time.Time) ([]ScheduledTask, error)
	ListByGroup(ctx Context, folder string) ([]ScheduledTask, error)
	ListAll(ctx Context) ([]ScheduledTask, error)
	// Claim conditionally advances next_run to the claim sentinel; returns
	// true iff this caller won the row.
	Claim(ctx Context, id string, now time.Time) (bool, error)
	// RecoverStaleClaims resets sentinel rows left by a crash to fire now.
	RecoverStaleClaims(ctx Context) (int, error)
	MarkSuccess(ctx Context, id, result string, nextRun *time.Time, completed bool) error
	MarkFailure(ctx Context, id, errMsg string) error
}

// HeartbeatRepository stores smart jobs and their append-only run log.
type HeartbeatRepository interface {
	Add(ctx Context, j HeartbeatJob) (string, error)
	Update(ctx Context, j HeartbeatJob) error
	Remove(ctx Context, id string) error
	Get(ctx Context, id string) (HeartbeatJob, error)
	List(ctx Context, chatJID string) ([]HeartbeatJob, error)
	ListActive(ctx Context) ([]HeartbeatJob, error)
	GetDue(ctx Context, defaultInterval time.Duration, now time.Time) ([]HeartbeatJob, error)
	// Claim sets last_run=now and last_result to the running sentinel.
	Claim(ctx Context, id string, now time.Time) (bool, error)
	FinishOK(ctx Context, id, result string) error
	FinishError(ctx Context, id, errMsg string) error
	AppendLog(ctx Context, l HeartbeatJobLog) error
	// RecoverInterrupted rewrites rows still holding the running sentinel.
	RecoverInterrupted(ctx Context) (int, error)
}

// LedgerRepository stores usage rows and per-group budget config.
type LedgerRepository interface {
	TrackUsage(ctx Context, u UsageRecord) error
	SpendSince(ctx Context, groupID string, since time.Time) (float64, error)
	GetBudget(ctx Context, groupID string) (BudgetConfig, error)
	SetBudget(ctx Context, b BudgetConfig) error
}

// GroupRepository stores registered groups.
type GroupRepository interface {
	Upsert(ctx Context, g RegisteredGroup) error
	List(ctx Context) ([]RegisteredGroup, error)
	GetByFolder(ctx Context, folder string) (RegisteredGroup, error)
	GetByJID(ctx Context, jid string) (RegisteredGroup, error)
}

// Session is the opaque container resume token for one group folder.
type Session struct {
	GroupFolder string
	ID          string
	UpdatedAt   time.Time
}

// SessionRepository stores container resume tokens.
type SessionRepository interface {
	Get(ctx Context, folder string) (Session, error)
	Set(ctx Context, s Session) error
	Clear(ctx Context, folder string) error
}

// MessageRepository persists inbound messages for window selection.
type MessageRepository interface {
	Save(ctx Context, m Message) error
	// ListSince returns messages for a chat strictly after ts, ordered by
	// (timestamp, id).
	ListSince(ctx Context, chatJID string, since time.Time) ([]Message, error)
}

// Collaborator ports

// MediaPayload is a structured outbound media directive.
type MediaPayload struct {
	Kind    string `json:"kind"`
	Path    string `json:"path"`
	Caption string `json:"caption,omitempty"`
	MIME    string `json:"mime,omitempty"`
}

// ChannelEvents are the callbacks a channel adapter invokes on inbound
// traffic.
type ChannelEvents struct {
	OnMessage      func(jid string, msg Message)
	OnChatMetadata func(jid string, ts time.Time, name string)
}

// ChannelAdapter is the contract for one external messaging channel.
type ChannelAdapter interface {
	Name() string
	OwnsJID(jid string) bool
	Connect(ctx Context, events ChannelEvents) error
	Disconnect(ctx Context) error
	SendMessage(ctx Context, jid, text string) error
}

// PayloadSender is optionally implemented by adapters that support media.
type PayloadSender interface {
	SendPayload(ctx Context, jid string, p MediaPayload) error
}

// TypingSender is optionally implemented by adapters with typing signals.
type TypingSender interface {
	SetTyping(ctx Context, jid string, typing bool) error
}

// OracleClient is the knowledge-service collaborator.
type OracleClient interface {
	Ask(ctx Context, groupID, question string) (string, error)
	Remember(ctx Context, groupID, fact string) error
	Recall(ctx Context, groupID, query string) (string, error)
	// ContextBlock returns a compact context snippet for prompt injection;
	// empty string when unavailable.
	ContextBlock(ctx Context, groupID string) (string, error)
}

// RunInput is the container runner request.
type RunInput struct {
	Prompt          string            `json:"prompt"`
	Model           string            `json:"model,omitempty"`
	SessionID       string            `json:"sessionId,omitempty"`
	GroupFolder     string            `json:"groupFolder"`
	ChatJID         string            `json:"chatJid"`
	IsMain          bool              `json:"isMain"`
	Lane            WorkLane          `json:"lane"`
	IsScheduledTask bool              `json:"isScheduledTask,omitempty"`
	Secrets         map[string]string `json:"secrets,omitempty"`
}

// RunOutput is one line-delimited result streamed by the agent.
type RunOutput struct {
	Status       string `json:"status"`
	Result       string `json:"result"`
	NewSessionID string `json:"newSessionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// RunResult summarizes a completed container run.
type RunResult struct {
	Status       string
	Error        string
	NewSessionID string
}

// ProcessHandle lets the queue observe a running container.
type ProcessHandle interface {
	// Done is closed when the container exits.
	Done() <-chan struct{}
}

// RegisterHandleFunc hands the live process to the group queue.
type RegisterHandleFunc func(handle ProcessHandle, containerName string)

// OutputFunc receives each streamed result fragment.
type OutputFunc func(out RunOutput)

// ContainerRunner spawns an agent container and streams its output.
type ContainerRunner interface {
	Run(ctx Context, in RunInput, register RegisterHandleFunc, onOutput OutputFunc) (RunResult, error)
}
