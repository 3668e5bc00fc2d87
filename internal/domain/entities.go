// Package domain holds the entities, ports and error taxonomy shared by the
// orchestrator's adapters and usecases.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrQueueFull       = errors.New("queue full")
	ErrShuttingDown    = errors.New("shutting down")
	ErrCircuitOpen     = errors.New("spawn circuit open")
	ErrDaemonUnhealthy = errors.New("docker daemon unhealthy")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInternal        = errors.New("internal error")
)

// Receipt error codes surfaced to users and dead-letter rows.
const (
	ErrCodeAgentError         = "AGENT_ERROR"
	ErrCodeNoOutput           = "NO_OUTPUT"
	ErrCodeQueueFull          = "FAILED_QUEUE_FULL"
	ErrCodeMaxRetriesExceeded = "MAX_RETRIES_EXCEEDED"
	ErrCodeRecoveredRestart   = "RECOVERED_AFTER_RESTART"
)

// WorkLane tags the provenance of a work item.
type WorkLane string

// Lanes.
const (
	LaneUser      WorkLane = "user"
	LaneScheduler WorkLane = "scheduler"
	LaneHeartbeat WorkLane = "heartbeat"
)

// Virtual group JID prefixes used by scheduler and heartbeat work so that
// queue feedback never reaches a real chat.
const (
	VirtualSchedulerPrefix = "_sched_"
	VirtualHeartbeatPrefix = "_hb_"
)

// RegisteredGroup is an immutable per-install chat registration.
type RegisteredGroup struct {
	JID             string
	Name            string
	Folder          string
	TriggerPattern  string
	RequiresTrigger bool
	AddedAt         time.Time
}

// Attachment is inbound media accompanying a message.
type Attachment struct {
	Filename string
	MIME     string
	Path     string
	Size     int64
}

// Message is one inbound chat message from a channel adapter.
type Message struct {
	ID          string
	ChatJID     string
	Sender      string
	SenderName  string
	Content     string
	Timestamp   time.Time
	IsFromMe    bool
	Attachments []Attachment
}

// ReceiptStatus is the user-visible delivery state of one inbound message.
type ReceiptStatus string

// Receipt status machine:
//
//	RECEIVED → QUEUED → RUNNING → REPLIED
//	                       ↓
//	                   RETRYING → QUEUED …
//	                       ↓
//	                    FAILED → DEAD_LETTERED
const (
	ReceiptReceived     ReceiptStatus = "RECEIVED"
	ReceiptQueued       ReceiptStatus = "QUEUED"
	ReceiptRunning      ReceiptStatus = "RUNNING"
	ReceiptReplied      ReceiptStatus = "REPLIED"
	ReceiptRetrying     ReceiptStatus = "RETRYING"
	ReceiptFailed       ReceiptStatus = "FAILED"
	ReceiptDeadLettered ReceiptStatus = "DEAD_LETTERED"
)

// Receipt is the durable row recording the lifecycle of one inbound message.
type Receipt struct {
	TraceID           string
	ChatJID           string
	ExternalMessageID string
	Lane              WorkLane
	Status            ReceiptStatus
	AttemptCount      int
	ErrorCode         string
	ErrorDetail       string
	ReceivedAt        time.Time
	QueuedAt          *time.Time
	StartedAt         *time.Time
	RepliedAt         *time.Time
	TimeoutAt         *time.Time
	DeadLetteredAt    *time.Time
}

// Attempt is an append-only child of a receipt.
type Attempt struct {
	TraceID       string
	AttemptNo     int
	ContainerName string
	RunStartedAt  time.Time
	RunEndedAt    *time.Time
	ExitCode      *int
	TimeoutHit    bool
}

// DeadLetterStatus is the triage state of a dead-letter row.
type DeadLetterStatus string

// Dead letter states.
const (
	DeadLetterOpen     DeadLetterStatus = "open"
	DeadLetterRetrying DeadLetterStatus = "retrying"
	DeadLetterResolved DeadLetterStatus = "resolved"
)

// DeadLetter holds a terminally failed message awaiting operator action.
// At most one row exists per trace.
type DeadLetter struct {
	TraceID           string
	ChatJID           string
	ExternalMessageID string
	Reason            string
	FinalError        string
	Retryable         bool
	Status            DeadLetterStatus
	CreatedAt         time.Time
	RetriedAt         *time.Time
	RetriedBy         string
}

// ScheduleType enumerates recurring task schedules.
type ScheduleType string

// Schedule types.
const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

// ContextMode controls whether a task run shares the group session.
type ContextMode string

// Context modes.
const (
	ContextGroup    ContextMode = "group"
	ContextIsolated ContextMode = "isolated"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

// Task states. Cancelled is a soft delete.
const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
)

// ClaimSentinel is the far-future next_run value marking a claimed task.
var ClaimSentinel = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// ScheduledTask is a recurring or one-shot prompt run for a group.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  ScheduleType
	ScheduleValue string
	ContextMode   ContextMode
	NextRun       *time.Time
	LastRun       *time.Time
	LastResult    string
	Status        TaskStatus
	RetryCount    int
	MaxRetries    int
	RetryDelayMS  int64
	TaskTimeoutMS int64
	Label         string
	CreatedAt     time.Time
}

// HeartbeatCategory classifies a smart job.
type HeartbeatCategory string

// Heartbeat job categories.
const (
	HeartbeatLearning HeartbeatCategory = "learning"
	HeartbeatMonitor  HeartbeatCategory = "monitor"
	HeartbeatHealth   HeartbeatCategory = "health"
	HeartbeatCustom   HeartbeatCategory = "custom"
)

// HeartbeatRunningSentinel marks a claimed smart job while its run is in
// flight; startup recovery rewrites rows left in this state.
const HeartbeatRunningSentinel = "__RUNNING__"

// HeartbeatJob is a recurring AI job executed by the smart-job runner.
type HeartbeatJob struct {
	ID         string
	ChatJID    string
	Label      string
	Prompt     string
	Category   HeartbeatCategory
	Status     TaskStatus
	IntervalMS *int64
	LastRun    *time.Time
	LastResult string
	CreatedAt  time.Time
	CreatedBy  string
}

// HeartbeatJobLog is one append-only run record for a heartbeat job.
type HeartbeatJobLog struct {
	JobID      string
	RunAt      time.Time
	Status     string
	Result     string
	DurationMS int64
	Error      string
}

// UsageRecord is one append-only cost ledger row.
type UsageRecord struct {
	UserID           string
	Tier             string
	Model            string
	InputTokens      int
	OutputTokens     int
	EstimatedCostUSD float64
	ResponseTimeMS   int64
	GroupID          string
	TraceID          string
	CacheHit         bool
	Timestamp        time.Time
}

// BudgetConfig is the per-group spend policy.
type BudgetConfig struct {
	GroupID          string
	MonthlyBudget    float64
	DailyBudget      float64
	AlertThresh      float64
	DowngradeThresh  float64
	HardLimitThresh  float64
	PreferredModel   string
	DowngradeModel   string
}

// BudgetAction is the governor's verdict for a requested run.
type BudgetAction string

// Budget actions, in increasing severity.
const (
	BudgetNormal    BudgetAction = "normal"
	BudgetAlert     BudgetAction = "alert"
	BudgetDowngrade BudgetAction = "downgrade"
	BudgetHaikuOnly BudgetAction = "haiku-only"
	BudgetOffline   BudgetAction = "offline"
)

// BudgetDecision pairs the action with the model the run may actually use.
type BudgetDecision struct {
	Action         BudgetAction
	EffectiveModel string
	UsagePct       float64
}

// Tier is the handler path selected for a message.
type Tier string

// Handler tiers.
const (
	TierInline         Tier = "inline"
	TierOracleOnly     Tier = "oracle-only"
	TierContainerLight Tier = "container-light"
	TierContainerFull  Tier = "container-full"
)

// Classification is the classifier's verdict for one message.
type Classification struct {
	Tier   Tier
	Model  string
	Reason string
}

// Context is an alias so ports read naturally without importing context in
// every signature block.
type Context = context.Context
