package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/nanoclaw/internal/adapter/observability"
	"github.com/fairyhunter13/nanoclaw/internal/domain"
	"github.com/fairyhunter13/nanoclaw/pkg/textx"
)

// JobExecutor runs one smart job's prompt and returns the result text.
type JobExecutor func(ctx context.Context, job domain.HeartbeatJob) (string, error)

const recentRingSize = 20

// HeartbeatRunnerOptions configures the smart-job runner.
type HeartbeatRunnerOptions struct {
	PollInterval    time.Duration
	DefaultInterval time.Duration
	JobTimeout      time.Duration
	Logger          *slog.Logger
}

// HeartbeatRunner polls for due smart jobs, claims each and hands it to
// the group queue under the job's chat jid, so runs serialize with the
// group's other work and the global container cap applies.
type HeartbeatRunner struct {
	jobs    domain.HeartbeatRepository
	queue   TaskEnqueuer
	resolve func(chatJID string) (folder string, ok bool)
	exec    JobExecutor
	opts    HeartbeatRunnerOptions
	now     func() time.Time

	mu     sync.Mutex
	recent []string
}

// NewHeartbeatRunner builds a runner with the given executor. resolve
// maps a chat jid to its group folder; jobs on unregistered chats run
// on a fallback lane keyed by job ID.
func NewHeartbeatRunner(jobs domain.HeartbeatRepository, queue TaskEnqueuer, resolve func(chatJID string) (string, bool), exec JobExecutor, opts HeartbeatRunnerOptions) *HeartbeatRunner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = time.Hour
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &HeartbeatRunner{jobs: jobs, queue: queue, resolve: resolve, exec: exec, opts: opts, now: time.Now}
}

// Recover rewrites jobs interrupted by a crash. Call once at startup
// before Run.
func (r *HeartbeatRunner) Recover(ctx context.Context) (int, error) {
	n, err := r.jobs.RecoverInterrupted(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=heartbeat.recover: %w", err)
	}
	if n > 0 {
		r.opts.Logger.Info("recovered interrupted smart jobs", slog.Int("count", n))
	}
	return n, nil
}

// Run polls until ctx is cancelled.
func (r *HeartbeatRunner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick claims each due job and enqueues it on its group's lane.
func (r *HeartbeatRunner) Tick(ctx context.Context) {
	now := r.now()
	due, err := r.jobs.GetDue(ctx, r.opts.DefaultInterval, now)
	if err != nil {
		r.opts.Logger.Error("listing due smart jobs failed", slog.Any("error", err))
		return
	}
	for _, job := range due {
		won, err := r.jobs.Claim(ctx, job.ID, now)
		if err != nil {
			r.opts.Logger.Error("smart-job claim failed", slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		if !won {
			continue
		}
		job := job
		jid := domain.VirtualHeartbeatPrefix + job.ID
		folder := job.CreatedBy
		if r.resolve != nil {
			if f, ok := r.resolve(job.ChatJID); ok {
				jid, folder = job.ChatJID, f
			}
		}
		err = r.queue.EnqueueTask(jid, folder, job.ID, domain.LaneHeartbeat, func(runCtx context.Context) error {
			r.runJob(runCtx, job)
			return nil
		})
		if err != nil {
			r.opts.Logger.Error("enqueueing smart job failed", slog.String("job_id", job.ID), slog.Any("error", err))
			// Claimed row stays; interrupted-job recovery re-arms it.
		}
	}
}

func (r *HeartbeatRunner) runJob(ctx context.Context, job domain.HeartbeatJob) {
	runCtx, cancel := context.WithTimeout(ctx, r.opts.JobTimeout)
	defer cancel()

	start := r.now()
	result, err := r.exec(runCtx, job)
	elapsed := r.now().Sub(start)

	logRow := domain.HeartbeatJobLog{
		JobID:      job.ID,
		RunAt:      start,
		DurationMS: elapsed.Milliseconds(),
	}
	if err != nil {
		observability.HeartbeatRunsTotal.WithLabelValues("error").Inc()
		logRow.Status = "error"
		logRow.Error = err.Error()
		r.pushRecent("❌ " + job.Label + ": " + textx.TruncateRunes(err.Error(), 120))
		if fErr := r.jobs.FinishError(ctx, job.ID, err.Error()); fErr != nil {
			r.opts.Logger.Error("recording smart-job failure failed", slog.String("job_id", job.ID), slog.Any("error", fErr))
		}
	} else {
		observability.HeartbeatRunsTotal.WithLabelValues("ok").Inc()
		logRow.Status = "ok"
		logRow.Result = result
		r.pushRecent(job.Label + ": ok")
		if fErr := r.jobs.FinishOK(ctx, job.ID, result); fErr != nil {
			r.opts.Logger.Error("recording smart-job result failed", slog.String("job_id", job.ID), slog.Any("error", fErr))
		}
	}
	if lErr := r.jobs.AppendLog(ctx, logRow); lErr != nil {
		r.opts.Logger.Error("appending smart-job log failed", slog.String("job_id", job.ID), slog.Any("error", lErr))
	}
}

func (r *HeartbeatRunner) pushRecent(entry string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recent = append(r.recent, entry)
	if len(r.recent) > recentRingSize {
		r.recent = r.recent[len(r.recent)-recentRingSize:]
	}
}

// RecentResults snapshots the latest run summaries, newest last.
func (r *HeartbeatRunner) RecentResults() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.recent))
	copy(out, r.recent)
	return out
}
