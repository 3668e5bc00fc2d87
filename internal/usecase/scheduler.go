package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fairyhunter13/nanoclaw/internal/adapter/observability"
	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

// TaskExecutor runs one scheduled task to completion and returns the
// result text shown in the task's last_result.
type TaskExecutor func(ctx context.Context, task domain.ScheduledTask) (string, error)

// TaskEnqueuer is the slice of the group queue the scheduler needs.
type TaskEnqueuer interface {
	EnqueueTask(jid, folder, taskID string, lane domain.WorkLane, fn func(ctx context.Context) error) error
}

const defaultTaskTimeout = 10 * time.Minute

// Scheduler polls for due tasks, claims them atomically and enqueues
// each winner onto the owning group's queue lane, so tasks serialize
// with user cycles and preempt a running container.
type Scheduler struct {
	tasks      domain.TaskRepository
	queue      TaskEnqueuer
	exec       TaskExecutor
	resolveJID func(folder string) (string, bool)
	interval   time.Duration
	loc        *time.Location
	logger     *slog.Logger
	parser     cron.Parser
	now        func() time.Time
}

// NewScheduler builds a scheduler polling at the given interval. Cron
// expressions are evaluated in loc. resolveJID maps a group folder to
// its chat jid; tasks for unregistered folders run on a fallback lane.
func NewScheduler(tasks domain.TaskRepository, queue TaskEnqueuer, exec TaskExecutor, resolveJID func(folder string) (string, bool), interval time.Duration, loc *time.Location, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		tasks:      tasks,
		queue:      queue,
		exec:       exec,
		resolveJID: resolveJID,
		interval:   interval,
		loc:        loc,
		logger:     logger,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:        time.Now,
	}
}

// Run recovers stale claims then polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if n, err := s.tasks.RecoverStaleClaims(ctx); err != nil {
		s.logger.Error("stale claim recovery failed", slog.Any("error", err))
	} else if n > 0 {
		s.logger.Info("recovered stale task claims", slog.Int("count", n))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one poll cycle: list due tasks, claim, enqueue winners.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	due, err := s.tasks.ListDue(ctx, now)
	if err != nil {
		s.logger.Error("listing due tasks failed", slog.Any("error", err))
		return
	}
	for _, task := range due {
		won, err := s.tasks.Claim(ctx, task.ID, now)
		if err != nil {
			s.logger.Error("task claim failed", slog.String("task_id", task.ID), slog.Any("error", err))
			continue
		}
		if !won {
			observability.SchedulerClaimsTotal.WithLabelValues("lost").Inc()
			continue
		}
		observability.SchedulerClaimsTotal.WithLabelValues("won").Inc()

		task := task
		// Real group jid so the task shares the group's serialized lane
		// and preempts an active user cycle.
		jid := domain.VirtualSchedulerPrefix + task.ID
		if s.resolveJID != nil {
			if g, ok := s.resolveJID(task.GroupFolder); ok {
				jid = g
			}
		}
		err = s.queue.EnqueueTask(jid, task.GroupFolder, task.ID, domain.LaneScheduler, func(runCtx context.Context) error {
			return s.execute(runCtx, task)
		})
		if err != nil {
			s.logger.Error("enqueueing claimed task failed", slog.String("task_id", task.ID), slog.Any("error", err))
			// Leave the row claimed; stale-claim recovery will re-arm it
			// after restart rather than double firing now.
		}
	}
}

// execute runs a claimed task under its timeout and records the outcome.
func (s *Scheduler) execute(ctx context.Context, task domain.ScheduledTask) error {
	timeout := defaultTaskTimeout
	if task.TaskTimeoutMS > 0 {
		timeout = time.Duration(task.TaskTimeoutMS) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := s.exec(runCtx, task)
	if err != nil {
		s.logger.Warn("scheduled task failed",
			slog.String("task_id", task.ID),
			slog.String("label", task.Label),
			slog.Any("error", err))
		if mErr := s.tasks.MarkFailure(ctx, task.ID, err.Error()); mErr != nil {
			return fmt.Errorf("op=scheduler.execute: %w", mErr)
		}
		return err
	}

	nextRun, completed, err := s.NextRun(task, s.now())
	if err != nil {
		// Unparseable schedule on a task that already ran: park it so it
		// stops firing instead of looping on the error.
		s.logger.Error("next-run recompute failed", slog.String("task_id", task.ID), slog.Any("error", err))
		return s.tasks.MarkFailure(ctx, task.ID, err.Error())
	}
	if err := s.tasks.MarkSuccess(ctx, task.ID, result, nextRun, completed); err != nil {
		return fmt.Errorf("op=scheduler.execute: %w", err)
	}
	return nil
}

// NextRun computes the follow-up fire time after a successful run.
// once tasks return (nil, true); cron fires in the configured timezone.
func (s *Scheduler) NextRun(task domain.ScheduledTask, after time.Time) (*time.Time, bool, error) {
	switch task.ScheduleType {
	case domain.ScheduleOnce:
		return nil, true, nil
	case domain.ScheduleInterval:
		d, err := parseInterval(task.ScheduleValue)
		if err != nil {
			return nil, false, fmt.Errorf("op=scheduler.next_run: %w", err)
		}
		next := after.Add(d)
		return &next, false, nil
	case domain.ScheduleCron:
		sched, err := s.parser.Parse(task.ScheduleValue)
		if err != nil {
			return nil, false, fmt.Errorf("op=scheduler.next_run: %w", err)
		}
		next := sched.Next(after.In(s.loc))
		return &next, false, nil
	default:
		return nil, false, fmt.Errorf("op=scheduler.next_run: unknown schedule type %q: %w", task.ScheduleType, domain.ErrInvalidArgument)
	}
}

// parseInterval accepts either a millisecond count or a Go duration.
func parseInterval(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("interval must be positive: %w", domain.ErrInvalidArgument)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("bad interval %q: %w", v, domain.ErrInvalidArgument)
	}
	return d, nil
}
