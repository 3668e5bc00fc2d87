package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/nanoclaw/internal/adapter/ipc"
	"github.com/fairyhunter13/nanoclaw/internal/domain"
	"github.com/fairyhunter13/nanoclaw/internal/usecase"
)

// PipelineOps is the slice of the message pipeline the command sink uses.
type PipelineOps interface {
	OnMessage(ctx context.Context, channel string, msg domain.Message)
	RegisterGroup(ctx context.Context, g domain.RegisteredGroup) error
	LoadGroups(ctx context.Context) error
	GroupByFolder(folder string) (domain.RegisteredGroup, bool)
}

// heartbeatConfigPatch is the accepted shape of a heartbeat_config payload.
type heartbeatConfigPatch struct {
	IntervalMS      int64 `json:"interval_ms"`
	SilenceWindowMS int64 `json:"silence_window_ms"`
	EscalateAfter   int   `json:"escalate_after"`
}

// Sink executes authenticated IPC commands against the stores and the
// pipeline. It implements ipc.CommandSink; authentication and
// authorization happened upstream in the watcher.
type Sink struct {
	pipeline   PipelineOps
	tasks      domain.TaskRepository
	heartbeats domain.HeartbeatRepository
	sched      *usecase.Scheduler
	reporter   *usecase.Reporter
	inbox      *ipc.Inbox
	logger     *slog.Logger
	now        func() time.Time
}

// NewSink wires the command sink.
func NewSink(
	pipeline PipelineOps,
	tasks domain.TaskRepository,
	heartbeats domain.HeartbeatRepository,
	sched *usecase.Scheduler,
	reporter *usecase.Reporter,
	inbox *ipc.Inbox,
	logger *slog.Logger,
) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		pipeline:   pipeline,
		tasks:      tasks,
		heartbeats: heartbeats,
		sched:      sched,
		reporter:   reporter,
		inbox:      inbox,
		logger:     logger,
		now:        time.Now,
	}
}

// HandleCommand dispatches one parsed command. source is the group folder
// the file arrived under.
func (s *Sink) HandleCommand(ctx context.Context, source string, cmd ipc.Command) error {
	switch cmd.Type {
	case ipc.CmdMessage:
		s.pipeline.OnMessage(ctx, "ipc", domain.Message{
			ID:         uuid.NewString(),
			ChatJID:    cmd.ChatJID,
			Sender:     "ipc:" + source,
			SenderName: source,
			Content:    cmd.Text,
			Timestamp:  s.now(),
		})
		return nil

	case ipc.CmdScheduleTask:
		t, err := s.taskFromPayload(domain.ScheduledTask{Status: domain.TaskActive, CreatedAt: s.now()}, cmd.Task)
		if err != nil {
			return err
		}
		id, err := s.tasks.Create(ctx, t)
		if err != nil {
			return fmt.Errorf("op=app.schedule_task: %w", err)
		}
		s.logger.Info("task scheduled", slog.String("id", id), slog.String("group", t.GroupFolder))
		return nil

	case ipc.CmdUpdateTask:
		existing, err := s.tasks.Get(ctx, cmd.TaskID)
		if err != nil {
			return fmt.Errorf("op=app.update_task: %w", err)
		}
		t, err := s.taskFromPayload(existing, cmd.Task)
		if err != nil {
			return err
		}
		if err := s.tasks.Update(ctx, t); err != nil {
			return fmt.Errorf("op=app.update_task: %w", err)
		}
		return nil

	case ipc.CmdPauseTask:
		return s.tasks.Pause(ctx, cmd.TaskID)
	case ipc.CmdResumeTask:
		return s.tasks.Resume(ctx, cmd.TaskID)
	case ipc.CmdCancelTask:
		return s.tasks.Cancel(ctx, cmd.TaskID)
	case ipc.CmdRunTaskNow:
		return s.tasks.RunNow(ctx, cmd.TaskID)

	case ipc.CmdRegisterGroup:
		return s.pipeline.RegisterGroup(ctx, domain.RegisteredGroup{
			JID:             cmd.Group.JID,
			Name:            cmd.Group.Name,
			Folder:          cmd.Group.Folder,
			TriggerPattern:  cmd.Group.TriggerPattern,
			RequiresTrigger: cmd.Group.RequiresTrigger,
			AddedAt:         s.now(),
		})

	case ipc.CmdRefreshGroups:
		return s.pipeline.LoadGroups(ctx)

	case ipc.CmdHeartbeatConfig:
		var patch heartbeatConfigPatch
		if err := json.Unmarshal(cmd.Config, &patch); err != nil {
			return fmt.Errorf("op=app.heartbeat_config: %w: %w", err, domain.ErrInvalidArgument)
		}
		s.reporter.Configure(
			time.Duration(patch.IntervalMS)*time.Millisecond,
			time.Duration(patch.SilenceWindowMS)*time.Millisecond,
			patch.EscalateAfter)
		return nil

	case ipc.CmdHeartbeatAddJob:
		job := jobFromPayload(domain.HeartbeatJob{Status: domain.TaskActive, CreatedAt: s.now(), CreatedBy: source}, cmd.Job)
		if _, err := s.heartbeats.Add(ctx, job); err != nil {
			return fmt.Errorf("op=app.heartbeat_add_job: %w", err)
		}
		return s.refreshJobSnapshot(ctx, source)

	case ipc.CmdHeartbeatUpdateJob:
		existing, err := s.heartbeats.Get(ctx, cmd.JobID)
		if err != nil {
			return fmt.Errorf("op=app.heartbeat_update_job: %w", err)
		}
		if err := s.heartbeats.Update(ctx, jobFromPayload(existing, cmd.Job)); err != nil {
			return fmt.Errorf("op=app.heartbeat_update_job: %w", err)
		}
		return s.refreshJobSnapshot(ctx, source)

	case ipc.CmdHeartbeatRemoveJob:
		if err := s.heartbeats.Remove(ctx, cmd.JobID); err != nil {
			return fmt.Errorf("op=app.heartbeat_remove_job: %w", err)
		}
		return s.refreshJobSnapshot(ctx, source)

	default:
		return fmt.Errorf("op=app.sink: unhandled command %q: %w", cmd.Type, domain.ErrInvalidArgument)
	}
}

// taskFromPayload overlays an IPC task payload onto base and recomputes
// the next fire time.
func (s *Sink) taskFromPayload(base domain.ScheduledTask, p *ipc.TaskPayload) (domain.ScheduledTask, error) {
	base.GroupFolder = p.GroupFolder
	base.ChatJID = p.ChatJID
	base.Prompt = p.Prompt
	base.ScheduleType = domain.ScheduleType(p.ScheduleType)
	base.ScheduleValue = p.ScheduleValue
	base.Label = p.Label
	base.MaxRetries = p.MaxRetries
	base.RetryDelayMS = p.RetryDelayMS
	base.TaskTimeoutMS = p.TaskTimeoutMS
	base.ContextMode = domain.ContextIsolated
	if p.ContextMode != "" {
		base.ContextMode = domain.ContextMode(p.ContextMode)
	}

	if base.ScheduleType == domain.ScheduleOnce {
		at, err := time.Parse(time.RFC3339, base.ScheduleValue)
		if err != nil {
			return base, fmt.Errorf("op=app.task: once schedule needs an RFC3339 time: %w", domain.ErrInvalidArgument)
		}
		base.NextRun = &at
		return base, nil
	}
	next, _, err := s.sched.NextRun(base, s.now())
	if err != nil {
		return base, fmt.Errorf("op=app.task: %w", err)
	}
	base.NextRun = next
	return base, nil
}

func jobFromPayload(base domain.HeartbeatJob, p *ipc.JobPayload) domain.HeartbeatJob {
	base.ChatJID = p.ChatJID
	base.Label = p.Label
	base.Prompt = p.Prompt
	base.Category = domain.HeartbeatCustom
	if p.Category != "" {
		base.Category = domain.HeartbeatCategory(p.Category)
	}
	base.IntervalMS = p.IntervalMS
	return base
}

// refreshJobSnapshot rewrites the group's heartbeat_jobs.json so the
// container sees its current job set.
func (s *Sink) refreshJobSnapshot(ctx context.Context, folder string) error {
	g, ok := s.pipeline.GroupByFolder(folder)
	if !ok {
		return nil
	}
	jobs, err := s.heartbeats.List(ctx, g.JID)
	if err != nil {
		return fmt.Errorf("op=app.job_snapshot: %w", err)
	}
	if err := s.inbox.WriteHeartbeatSnapshot(folder, jobs); err != nil {
		return fmt.Errorf("op=app.job_snapshot: %w", err)
	}
	return nil
}
