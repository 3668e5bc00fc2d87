package docker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/fairyhunter13/nanoclaw/internal/adapter/ipc"
	"github.com/fairyhunter13/nanoclaw/internal/adapter/observability"
	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

var internalBlockRe = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// StripInternal removes agent-internal blocks from a result fragment.
func StripInternal(s string) string {
	return internalBlockRe.ReplaceAllString(s, "")
}

// RunnerOptions configures container runs.
type RunnerOptions struct {
	Image  string
	Binds  []string
	Tasks  domain.TaskRepository
	Groups domain.GroupRepository
	Logger *slog.Logger
}

// Runner spawns agent containers and streams their NDJSON output. It
// prefers warm pool containers and falls back to cold spawns, both
// gated on the resilience layer.
type Runner struct {
	api   API
	res   *Resilience
	pool  *Pool
	inbox *ipc.Inbox
	opts  RunnerOptions
	now   func() time.Time
}

// NewRunner builds a Runner. pool may be nil when pooling is disabled.
func NewRunner(api API, res *Resilience, pool *Pool, inbox *ipc.Inbox, opts RunnerOptions) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{api: api, res: res, pool: pool, inbox: inbox, opts: opts, now: time.Now}
}

type handle struct{ done chan struct{} }

func (h *handle) Done() <-chan struct{} { return h.done }

// Run executes one agent container run for the given input.
func (r *Runner) Run(ctx domain.Context, in domain.RunInput, register domain.RegisterHandleFunc, onOutput domain.OutputFunc) (domain.RunResult, error) {
	if err := r.res.CanSpawn(); err != nil {
		observability.ContainerSpawnsTotal.WithLabelValues("refused").Inc()
		return domain.RunResult{Status: "error", Error: err.Error()}, err
	}

	r.writeSnapshots(ctx, in)

	if r.pool != nil {
		if w, ok := r.pool.Acquire(in); ok {
			return r.runPooled(ctx, w, in, register, onOutput)
		}
	}
	return r.runCold(ctx, in, register, onOutput)
}

// writeSnapshots publishes the task and group views the agent reads at
// startup. Non-main groups see only their own tasks and no group list.
func (r *Runner) writeSnapshots(ctx domain.Context, in domain.RunInput) {
	var tasks []domain.ScheduledTask
	var err error
	if in.IsMain {
		tasks, err = r.opts.Tasks.ListAll(ctx)
	} else {
		tasks, err = r.opts.Tasks.ListByGroup(ctx, in.GroupFolder)
	}
	if err != nil {
		r.opts.Logger.Warn("task snapshot failed", slog.String("folder", in.GroupFolder), slog.Any("error", err))
	} else if err := r.inbox.WriteTasksSnapshot(in.GroupFolder, tasks); err != nil {
		r.opts.Logger.Warn("task snapshot write failed", slog.String("folder", in.GroupFolder), slog.Any("error", err))
	}

	if in.IsMain {
		groups, err := r.opts.Groups.List(ctx)
		if err != nil {
			r.opts.Logger.Warn("group snapshot failed", slog.Any("error", err))
		} else if err := r.inbox.WriteGroupsSnapshot(in.GroupFolder, groups); err != nil {
			r.opts.Logger.Warn("group snapshot write failed", slog.Any("error", err))
		}
	}
}

func (r *Runner) runCold(ctx domain.Context, in domain.RunInput, register domain.RegisterHandleFunc, onOutput domain.OutputFunc) (domain.RunResult, error) {
	name := ContainerName(in.GroupFolder, r.now())
	env := make([]string, 0, len(in.Secrets)+1)
	for k, v := range in.Secrets {
		env = append(env, k+"="+v)
	}
	env = append(env, "GROUP_FOLDER="+in.GroupFolder)

	id, err := r.api.Spawn(ctx, SpawnSpec{
		Name:   name,
		Image:  r.opts.Image,
		Env:    env,
		Labels: map[string]string{ManagedLabel: "1"},
		Binds:  r.opts.Binds,
	})
	if err != nil {
		r.res.RecordSpawnFailure()
		observability.ContainerSpawnsTotal.WithLabelValues("error").Inc()
		return domain.RunResult{Status: "error", Error: err.Error()}, fmt.Errorf("op=runner.run: %w", err)
	}
	streams, err := r.api.Attach(ctx, id)
	if err == nil {
		err = r.api.Start(ctx, id)
	}
	if err != nil {
		r.res.RecordSpawnFailure()
		observability.ContainerSpawnsTotal.WithLabelValues("error").Inc()
		_ = r.api.Remove(ctx, id)
		return domain.RunResult{Status: "error", Error: err.Error()}, fmt.Errorf("op=runner.run: %w", err)
	}
	r.res.RecordSpawnSuccess()
	observability.ContainerSpawnsTotal.WithLabelValues("ok").Inc()

	h := &handle{done: make(chan struct{})}
	if register != nil {
		register(h, name)
	}
	start := r.now()

	if err := writeInput(streams, in); err != nil {
		close(h.done)
		_ = r.api.Stop(ctx, id, orphanStopTimeout)
		_ = r.api.Remove(ctx, id)
		return domain.RunResult{Status: "error", Error: err.Error()}, fmt.Errorf("op=runner.run: %w", err)
	}

	streamed := streamOutputs(streams, onOutput)

	exitCode, waitErr := r.api.Wait(ctx, id)
	close(h.done)
	_ = r.api.Remove(ctx, id)
	observability.ContainerRunDuration.Observe(r.now().Sub(start).Seconds())

	return summarize(streamed, exitCode, waitErr), nil
}

// runPooled drives a warm container through one assignment. The agent
// signals completion by re-arming its ready handshake; the container
// stays alive for the next acquisition.
func (r *Runner) runPooled(ctx domain.Context, w *Warm, in domain.RunInput, register domain.RegisterHandleFunc, onOutput domain.OutputFunc) (domain.RunResult, error) {
	h := &handle{done: make(chan struct{})}
	if register != nil {
		register(h, w.Name)
	}
	start := r.now()

	lines := make(chan domain.RunOutput, 16)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(w.Streams.Stdout)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			var out domain.RunOutput
			if err := json.Unmarshal(sc.Bytes(), &out); err != nil {
				continue
			}
			lines <- out
		}
	}()

	st := streamState{}
	readyPath := r.inbox.ReadyPath(w.Name)
	ticker := time.NewTicker(readyPollEvery)
	defer ticker.Stop()

loop:
	for {
		select {
		case out, ok := <-lines:
			if !ok {
				// Container died mid-assignment.
				st.exited = true
				break loop
			}
			st.observe(out, onOutput)
		case <-ticker.C:
			if _, err := os.Stat(readyPath); err == nil {
				_ = os.Remove(readyPath)
				break loop
			}
		case <-ctx.Done():
			st.exited = true
			break loop
		}
	}
	close(h.done)
	observability.ContainerRunDuration.Observe(r.now().Sub(start).Seconds())

	reusable := !st.exited && !st.hadError
	r.pool.Release(ctx, w, reusable)

	var exitCode int64
	if st.exited {
		exitCode = 1
	}
	return summarize(st, exitCode, nil), nil
}

type streamState struct {
	hadError   bool
	lastError  string
	newSession string
	exited     bool
}

func (s *streamState) observe(out domain.RunOutput, onOutput domain.OutputFunc) {
	out.Result = StripInternal(out.Result)
	if out.Status == "error" {
		s.hadError = true
		if out.Error != "" {
			s.lastError = out.Error
		}
	}
	if out.NewSessionID != "" {
		s.newSession = out.NewSessionID
	}
	if onOutput != nil {
		onOutput(out)
	}
}

func writeInput(streams Streams, in domain.RunInput) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	if _, err := streams.Stdin.Write(append(b, '\n')); err != nil {
		return err
	}
	return streams.Stdin.Close()
}

// streamOutputs reads NDJSON lines until stdout closes.
func streamOutputs(streams Streams, onOutput domain.OutputFunc) streamState {
	st := streamState{}
	sc := bufio.NewScanner(streams.Stdout)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var out domain.RunOutput
		if err := json.Unmarshal([]byte(line), &out); err != nil {
			continue
		}
		st.observe(out, onOutput)
	}
	return st
}

func summarize(st streamState, exitCode int64, waitErr error) domain.RunResult {
	res := domain.RunResult{Status: "success", NewSessionID: st.newSession}
	switch {
	case waitErr != nil:
		res.Status = "error"
		res.Error = waitErr.Error()
	case st.hadError:
		res.Status = "error"
		res.Error = st.lastError
		if res.Error == "" {
			res.Error = "agent reported an error"
		}
	case exitCode != 0:
		res.Status = "error"
		res.Error = fmt.Sprintf("container exited with code %d", exitCode)
	}
	return res
}
