package usecase

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/nanoclaw/internal/adapter/observability"
	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

// ProcessFunc runs one response cycle for a group. retryCount > 0 means
// this is a re-run after a failure; implementations use it to silence
// user-facing error notices. Returns false to request a retry.
type ProcessFunc func(ctx context.Context, groupJID string, retryCount int) bool

// InboxWriter pushes control files into a group's container inbox.
type InboxWriter interface {
	WriteMessage(folder, text string) error
	WriteClose(folder string) error
}

type queuedTask struct {
	id   string
	lane domain.WorkLane
	fn   func(ctx context.Context) error
}

type groupState struct {
	jid             string
	folder          string
	active          bool
	userCycle       bool
	pendingMessages bool
	pendingTasks    []queuedTask
	runningTaskID   string
	process         domain.ProcessHandle
	containerName   string
	retryCount      int
	retryTimer      *time.Timer
}

func (s *groupState) hasWork() bool {
	return s.pendingMessages || len(s.pendingTasks) > 0
}

// GroupQueueOptions carries the knobs and collaborators for a GroupQueue.
type GroupQueueOptions struct {
	MainGroupFolder string
	MaxQueueSize    int
	BaseRetry       time.Duration
	MaxRetries      int
	// ResourceMonitor returns the current global concurrency cap. It is
	// re-read on every admission so the cap may shrink under load.
	ResourceMonitor func() int
	Inbox           InboxWriter
	Process         ProcessFunc
	// OnRejected fires when a group cannot join the waiting list.
	OnRejected func(groupJID string)
	// OnWaiting fires when a user message check lands on the waiting
	// list, with the group's 1-based position. Task lanes stay silent.
	OnWaiting func(groupJID string, position int)
	// OnMaxRetriesExceeded fires after the retry ladder is exhausted.
	OnMaxRetriesExceeded func(groupJID string)
	Logger               *slog.Logger
}

// GroupQueue serializes work per group while running groups in parallel
// up to a global cap. The main group jumps the waiting list.
type GroupQueue struct {
	opts GroupQueueOptions

	mu          sync.Mutex
	groups      map[string]*groupState
	waiting     []string
	activeCount int
	laneCounts  map[domain.WorkLane]int64
	shutdown    bool

	runCtx context.Context
	wg     sync.WaitGroup
}

// NewGroupQueue builds an idle queue. Start must be called before any
// enqueue admits work.
func NewGroupQueue(opts GroupQueueOptions) *GroupQueue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BaseRetry <= 0 {
		opts.BaseRetry = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &GroupQueue{
		opts:       opts,
		groups:     make(map[string]*groupState),
		laneCounts: make(map[domain.WorkLane]int64),
	}
}

// Start binds the context under which group runs execute.
func (q *GroupQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.runCtx = ctx
}

func (q *GroupQueue) priority(folder string) int {
	if folder == q.opts.MainGroupFolder {
		return 0
	}
	return 1
}

// IsVirtualGroup reports whether a jid belongs to the scheduler or
// heartbeat lanes rather than a real chat.
func IsVirtualGroup(jid string) bool {
	return strings.HasPrefix(jid, domain.VirtualSchedulerPrefix) || strings.HasPrefix(jid, domain.VirtualHeartbeatPrefix)
}

func (q *GroupQueue) ensureGroupLocked(jid, folder string) *groupState {
	st, ok := q.groups[jid]
	if !ok {
		st = &groupState{jid: jid}
		q.groups[jid] = st
	}
	if folder != "" {
		st.folder = folder
	}
	return st
}

// EnqueueMessageCheck marks a group as having pending inbound messages
// and starts or queues a run. Returns domain.ErrQueueFull when the
// waiting list is at capacity and domain.ErrShuttingDown after Shutdown.
func (q *GroupQueue) EnqueueMessageCheck(jid, folder string) error {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return domain.ErrShuttingDown
	}
	st := q.ensureGroupLocked(jid, folder)
	st.pendingMessages = true
	q.laneCounts[domain.LaneUser]++
	observability.QueueItemsTotal.WithLabelValues(string(domain.LaneUser)).Inc()
	wasWaiting := q.waitingPosLocked(jid) > 0
	err := q.admitLocked(st)
	pos := 0
	if err == nil && !st.active && !wasWaiting {
		pos = q.waitingPosLocked(jid)
	}
	q.mu.Unlock()
	if pos > 0 && q.opts.OnWaiting != nil {
		q.opts.OnWaiting(jid, pos)
	}
	return err
}

// waitingPosLocked returns the group's 1-based waiting-list position, 0
// when absent.
func (q *GroupQueue) waitingPosLocked(jid string) int {
	for i, w := range q.waiting {
		if w == jid {
			return i + 1
		}
	}
	return 0
}

// EnqueueTask queues a unit of non-message work for a group. Duplicate
// task ids (already pending or currently running) are dropped. A group
// mid user-cycle is preempted by closing the container's input.
func (q *GroupQueue) EnqueueTask(jid, folder, taskID string, lane domain.WorkLane, fn func(ctx context.Context) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return domain.ErrShuttingDown
	}
	st := q.ensureGroupLocked(jid, folder)
	if st.runningTaskID == taskID {
		return nil
	}
	for _, t := range st.pendingTasks {
		if t.id == taskID {
			return nil
		}
	}
	st.pendingTasks = append(st.pendingTasks, queuedTask{id: taskID, lane: lane, fn: fn})
	q.laneCounts[lane]++
	observability.QueueItemsTotal.WithLabelValues(string(lane)).Inc()

	if st.active && st.userCycle && st.folder != "" {
		// Ask the running container to drain so the task does not wait
		// for the idle timeout.
		if err := q.opts.Inbox.WriteClose(st.folder); err != nil {
			q.opts.Logger.Warn("preempt close failed", slog.String("group", jid), slog.Any("error", err))
		}
		return nil
	}
	return q.admitLocked(st)
}

// admitLocked starts the group now or puts it on the waiting list.
func (q *GroupQueue) admitLocked(st *groupState) error {
	if st.active {
		return nil
	}
	for _, w := range q.waiting {
		if w == st.jid {
			return nil
		}
	}
	if q.activeCount < q.effectiveCap() {
		q.startLocked(st)
		return nil
	}
	if len(q.waiting) >= q.opts.MaxQueueSize {
		observability.QueueRejectedTotal.Inc()
		if q.opts.OnRejected != nil && !IsVirtualGroup(st.jid) {
			go q.opts.OnRejected(st.jid)
		}
		return domain.ErrQueueFull
	}
	q.insertWaitingLocked(st.jid)
	observability.QueueWaitingGroups.Set(float64(len(q.waiting)))
	return nil
}

func (q *GroupQueue) effectiveCap() int {
	if q.opts.ResourceMonitor == nil {
		return 1
	}
	return q.opts.ResourceMonitor()
}

// insertWaitingLocked keeps priority-0 groups ahead of priority-1,
// FIFO within each class.
func (q *GroupQueue) insertWaitingLocked(jid string) {
	st := q.groups[jid]
	if q.priority(st.folder) == 1 {
		q.waiting = append(q.waiting, jid)
		return
	}
	at := len(q.waiting)
	for i, w := range q.waiting {
		if q.priority(q.groups[w].folder) == 1 {
			at = i
			break
		}
	}
	q.waiting = append(q.waiting[:at], append([]string{jid}, q.waiting[at:]...)...)
}

func (q *GroupQueue) startLocked(st *groupState) {
	st.active = true
	q.activeCount++
	observability.QueueActiveRuns.Set(float64(q.activeCount))
	ctx := q.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	q.wg.Add(1)
	go q.runGroup(ctx, st)
}

// runGroup drains one group's work serially: tasks first, then at most
// one message cycle, then yields the slot.
func (q *GroupQueue) runGroup(ctx context.Context, st *groupState) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if ctx.Err() != nil || !st.hasWork() {
			q.finishLocked(st)
			q.mu.Unlock()
			return
		}
		if len(st.pendingTasks) > 0 {
			task := st.pendingTasks[0]
			st.pendingTasks = st.pendingTasks[1:]
			st.runningTaskID = task.id
			st.userCycle = false
			q.mu.Unlock()
			if err := task.fn(ctx); err != nil {
				q.opts.Logger.Error("queued task failed",
					slog.String("group", st.jid),
					slog.String("task_id", task.id),
					slog.Any("error", err))
			}
			q.mu.Lock()
			st.runningTaskID = ""
			q.mu.Unlock()
			continue
		}

		st.pendingMessages = false
		st.userCycle = true
		retry := st.retryCount
		q.mu.Unlock()

		ok := q.opts.Process(ctx, st.jid, retry)

		q.mu.Lock()
		st.userCycle = false
		if ok {
			st.retryCount = 0
			q.mu.Unlock()
			continue
		}
		q.scheduleRetryLocked(st)
		q.finishLocked(st)
		if st.retryCount == 0 && len(st.pendingTasks) > 0 {
			// Max retries exhausted with tasks still queued: re-admit so
			// the tasks run instead of waiting for an unrelated trigger.
			_ = q.admitLocked(st)
		}
		q.mu.Unlock()
		return
	}
}

// scheduleRetryLocked advances the retry ladder: BASE×2^(n-1) delays,
// then onMaxRetriesExceeded.
func (q *GroupQueue) scheduleRetryLocked(st *groupState) {
	st.retryCount++
	if st.retryCount > q.opts.MaxRetries {
		st.retryCount = 0
		// Only the message flag clears; queued tasks hold claimed rows
		// and must survive to run on the next admission.
		st.pendingMessages = false
		jid := st.jid
		if q.opts.OnMaxRetriesExceeded != nil {
			go q.opts.OnMaxRetriesExceeded(jid)
		}
		return
	}
	delay := q.opts.BaseRetry << (st.retryCount - 1)
	observability.QueueRetriesTotal.Inc()
	q.opts.Logger.Info("scheduling group retry",
		slog.String("group", st.jid),
		slog.Int("retry", st.retryCount),
		slog.Duration("delay", delay))
	st.pendingMessages = true
	st.retryTimer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if q.shutdown {
			return
		}
		_ = q.admitLocked(st)
	})
}

// finishLocked releases the group's slot and promotes the next waiter.
func (q *GroupQueue) finishLocked(st *groupState) {
	st.active = false
	st.process = nil
	st.containerName = ""
	q.activeCount--
	observability.QueueActiveRuns.Set(float64(q.activeCount))
	for len(q.waiting) > 0 && q.activeCount < q.effectiveCap() {
		next := q.groups[q.waiting[0]]
		q.waiting = q.waiting[1:]
		if next.hasWork() && !next.active {
			q.startLocked(next)
		}
	}
	observability.QueueWaitingGroups.Set(float64(len(q.waiting)))
}

// SendMessage pipes a follow-up into a group's running container.
// Returns false when the group has no active run, in which case the
// caller should enqueue instead.
func (q *GroupQueue) SendMessage(jid, text string) bool {
	q.mu.Lock()
	st, ok := q.groups[jid]
	active := ok && st.active && st.folder != ""
	var folder string
	if active {
		folder = st.folder
	}
	q.mu.Unlock()
	if !active {
		return false
	}
	if err := q.opts.Inbox.WriteMessage(folder, text); err != nil {
		q.opts.Logger.Warn("pipe message failed", slog.String("group", jid), slog.Any("error", err))
		return false
	}
	return true
}

// CloseStdin writes the close sentinel into a group's container inbox.
func (q *GroupQueue) CloseStdin(jid string) error {
	q.mu.Lock()
	st, ok := q.groups[jid]
	var folder string
	if ok {
		folder = st.folder
	}
	q.mu.Unlock()
	if folder == "" {
		return domain.ErrNotFound
	}
	return q.opts.Inbox.WriteClose(folder)
}

// RegisterProcess records liveness metadata for a group's running
// container so sweeps and preemption can find it.
func (q *GroupQueue) RegisterProcess(jid string, handle domain.ProcessHandle, containerName, folder string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.ensureGroupLocked(jid, folder)
	st.process = handle
	st.containerName = containerName
}

// ActiveContainerNames snapshots container names of live runs. The
// orphan sweeper treats everything else bearing the managed label as
// fair game.
func (q *GroupQueue) ActiveContainerNames() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var names []string
	for _, st := range q.groups {
		if st.active && st.containerName != "" {
			names = append(names, st.containerName)
		}
	}
	return names
}

// LaneCounts snapshots the number of items admitted per lane.
func (q *GroupQueue) LaneCounts() map[domain.WorkLane]int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[domain.WorkLane]int64, len(q.laneCounts))
	for k, v := range q.laneCounts {
		out[k] = v
	}
	return out
}

// WaitingLen returns the current waiting-list length.
func (q *GroupQueue) WaitingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// ActiveCount returns the number of groups currently running.
func (q *GroupQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCount
}

// Shutdown refuses further enqueues and waits for in-flight runs, up to
// the context deadline. Running containers are left to self-exit.
func (q *GroupQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.shutdown = true
	for _, st := range q.groups {
		if st.retryTimer != nil {
			st.retryTimer.Stop()
		}
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
