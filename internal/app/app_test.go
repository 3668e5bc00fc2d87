package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/nanoclaw/internal/adapter/ipc"
	"github.com/fairyhunter13/nanoclaw/internal/app"
	"github.com/fairyhunter13/nanoclaw/internal/domain"
	"github.com/fairyhunter13/nanoclaw/internal/usecase"
)

// Supervisor

func TestSupervisor_StartsInOrderStopsInReverse(t *testing.T) {
	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	sup := app.NewSupervisor(time.Second, nil)
	for _, name := range []string{"a", "b", "c"} {
		name := name
		sup.Add(name, func(ctx context.Context) error {
			record("start " + name)
			<-ctx.Done()
			record("stop " + name)
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"start a", "start b", "start c", "stop c", "stop b", "stop a"}, events)
}

// Router

type fakeAdapter struct {
	prefix  string
	sent    []string
	typing  int
	payload []domain.MediaPayload
}

func (a *fakeAdapter) Name() string                                      { return a.prefix }
func (a *fakeAdapter) OwnsJID(jid string) bool                           { return len(jid) > 0 && jid[0:1] == a.prefix }
func (a *fakeAdapter) Connect(domain.Context, domain.ChannelEvents) error { return nil }
func (a *fakeAdapter) Disconnect(domain.Context) error                   { return nil }
func (a *fakeAdapter) SendMessage(_ domain.Context, jid, text string) error {
	a.sent = append(a.sent, jid+"|"+text)
	return nil
}

type mediaAdapter struct{ fakeAdapter }

func (a *mediaAdapter) SendPayload(_ domain.Context, _ string, p domain.MediaPayload) error {
	a.payload = append(a.payload, p)
	return nil
}

func (a *mediaAdapter) SetTyping(domain.Context, string, bool) error {
	a.typing++
	return nil
}

func TestRouter_RoutesByOwnership(t *testing.T) {
	plain := &fakeAdapter{prefix: "p"}
	rich := &mediaAdapter{fakeAdapter: fakeAdapter{prefix: "r"}}
	r := app.NewRouter([]domain.ChannelAdapter{plain, rich}, nil)
	ctx := context.Background()

	require.NoError(t, r.SendMessage(ctx, "p1@x", "hi"))
	assert.Equal(t, []string{"p1@x|hi"}, plain.sent)

	err := r.SendMessage(ctx, "zz@x", "hi")
	require.ErrorIs(t, err, domain.ErrNotFound)

	// Media goes native where supported, text fallback otherwise.
	require.NoError(t, r.SendPayload(ctx, "r1@x", domain.MediaPayload{Kind: "image", Path: "/p.png"}))
	require.Len(t, rich.payload, 1)
	require.NoError(t, r.SendPayload(ctx, "p1@x", domain.MediaPayload{Kind: "image", Path: "/p.png", Caption: "chart"}))
	assert.Contains(t, plain.sent[1], "chart (/p.png)")

	// Typing degrades to a no-op on channels without it.
	require.NoError(t, r.SetTyping(ctx, "p1@x", true))
	require.NoError(t, r.SetTyping(ctx, "r1@x", true))
	assert.Equal(t, 1, rich.typing)
}

// Sink

type fakeTasks struct {
	mu      sync.Mutex
	rows    map[string]domain.ScheduledTask
	created []domain.ScheduledTask
	ops     []string
}

func newFakeTasks() *fakeTasks { return &fakeTasks{rows: make(map[string]domain.ScheduledTask)} }

func (f *fakeTasks) Create(_ domain.Context, t domain.ScheduledTask) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.ID = "t1"
	f.rows[t.ID] = t
	f.created = append(f.created, t)
	return t.ID, nil
}
func (f *fakeTasks) Get(_ domain.Context, id string) (domain.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	if !ok {
		return domain.ScheduledTask{}, domain.ErrNotFound
	}
	return t, nil
}
func (f *fakeTasks) Update(_ domain.Context, t domain.ScheduledTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[t.ID] = t
	return nil
}
func (f *fakeTasks) Pause(_ domain.Context, id string) error  { return f.op("pause " + id) }
func (f *fakeTasks) Resume(_ domain.Context, id string) error { return f.op("resume " + id) }
func (f *fakeTasks) Cancel(_ domain.Context, id string) error { return f.op("cancel " + id) }
func (f *fakeTasks) RunNow(_ domain.Context, id string) error { return f.op("run_now " + id) }
func (f *fakeTasks) op(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, s)
	return nil
}
func (f *fakeTasks) ListDue(domain.Context, time.Time) ([]domain.ScheduledTask, error) {
	return nil, nil
}
func (f *fakeTasks) ListByGroup(domain.Context, string) ([]domain.ScheduledTask, error) {
	return nil, nil
}
func (f *fakeTasks) ListAll(domain.Context) ([]domain.ScheduledTask, error)     { return nil, nil }
func (f *fakeTasks) Claim(domain.Context, string, time.Time) (bool, error)      { return false, nil }
func (f *fakeTasks) RecoverStaleClaims(domain.Context) (int, error)             { return 0, nil }
func (f *fakeTasks) MarkFailure(domain.Context, string, string) error           { return nil }
func (f *fakeTasks) MarkSuccess(domain.Context, string, string, *time.Time, bool) error {
	return nil
}

type fakeJobs struct {
	mu   sync.Mutex
	rows map[string]domain.HeartbeatJob
}

func newFakeJobs() *fakeJobs { return &fakeJobs{rows: make(map[string]domain.HeartbeatJob)} }

func (f *fakeJobs) Add(_ domain.Context, j domain.HeartbeatJob) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j.ID = "j1"
	f.rows[j.ID] = j
	return j.ID, nil
}
func (f *fakeJobs) Update(_ domain.Context, j domain.HeartbeatJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[j.ID] = j
	return nil
}
func (f *fakeJobs) Remove(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}
func (f *fakeJobs) Get(_ domain.Context, id string) (domain.HeartbeatJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.rows[id]
	if !ok {
		return domain.HeartbeatJob{}, domain.ErrNotFound
	}
	return j, nil
}
func (f *fakeJobs) List(domain.Context, string) ([]domain.HeartbeatJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.HeartbeatJob
	for _, j := range f.rows {
		out = append(out, j)
	}
	return out, nil
}
func (f *fakeJobs) ListActive(domain.Context) ([]domain.HeartbeatJob, error) {
	return f.List(context.Background(), "")
}
func (f *fakeJobs) GetDue(domain.Context, time.Duration, time.Time) ([]domain.HeartbeatJob, error) {
	return nil, nil
}
func (f *fakeJobs) Claim(domain.Context, string, time.Time) (bool, error) { return false, nil }
func (f *fakeJobs) FinishOK(domain.Context, string, string) error         { return nil }
func (f *fakeJobs) FinishError(domain.Context, string, string) error      { return nil }
func (f *fakeJobs) AppendLog(domain.Context, domain.HeartbeatJobLog) error {
	return nil
}
func (f *fakeJobs) RecoverInterrupted(domain.Context) (int, error) { return 0, nil }

type fakePipeline struct {
	mu       sync.Mutex
	messages []domain.Message
	groups   []domain.RegisteredGroup
	reloads  int
}

func (f *fakePipeline) OnMessage(_ context.Context, _ string, m domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, m)
}
func (f *fakePipeline) RegisterGroup(_ context.Context, g domain.RegisteredGroup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, g)
	return nil
}
func (f *fakePipeline) LoadGroups(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return nil
}
func (f *fakePipeline) GroupByFolder(folder string) (domain.RegisteredGroup, bool) {
	for _, g := range f.groups {
		if g.Folder == folder {
			return g, true
		}
	}
	return domain.RegisteredGroup{}, false
}

func newSinkWithReporter(t *testing.T, reporter *usecase.Reporter) (*app.Sink, *fakePipeline, *fakeTasks, *fakeJobs, string) {
	t.Helper()
	dir := t.TempDir()
	pipe := &fakePipeline{groups: []domain.RegisteredGroup{{JID: "fam@g.us", Folder: "family"}}}
	tasks := newFakeTasks()
	jobs := newFakeJobs()
	sched := usecase.NewScheduler(tasks, nil, nil, nil, time.Second, time.UTC, nil)
	sink := app.NewSink(pipe, tasks, jobs, sched, reporter, ipc.NewInbox(dir), nil)
	return sink, pipe, tasks, jobs, dir
}

func newSink(t *testing.T) (*app.Sink, *fakePipeline, *fakeTasks, *fakeJobs, string) {
	t.Helper()
	reporter := usecase.NewReporter(
		func(context.Context, string) error { return nil },
		func() []string { return nil },
		func() time.Time { return time.Time{} },
		usecase.ReporterOptions{AssistantName: "Andaman"},
	)
	return newSinkWithReporter(t, reporter)
}

func TestSink_MessageCommandReachesPipeline(t *testing.T) {
	sink, pipe, _, _, _ := newSink(t)
	err := sink.HandleCommand(context.Background(), "family", ipc.Command{
		Type: ipc.CmdMessage, ChatJID: "fam@g.us", Text: "reminder fired",
	})
	require.NoError(t, err)
	require.Len(t, pipe.messages, 1)
	assert.Equal(t, "fam@g.us", pipe.messages[0].ChatJID)
	assert.Equal(t, "ipc:family", pipe.messages[0].Sender)
	assert.NotEmpty(t, pipe.messages[0].ID)
}

func TestSink_ScheduleTaskComputesNextRun(t *testing.T) {
	sink, _, tasks, _, _ := newSink(t)
	ctx := context.Background()

	err := sink.HandleCommand(ctx, "family", ipc.Command{
		Type: ipc.CmdScheduleTask,
		Task: &ipc.TaskPayload{
			GroupFolder: "family", ChatJID: "fam@g.us", Prompt: "water the plants",
			ScheduleType: "interval", ScheduleValue: "1h",
		},
	})
	require.NoError(t, err)
	require.Len(t, tasks.created, 1)
	created := tasks.created[0]
	require.NotNil(t, created.NextRun)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *created.NextRun, time.Minute)
	assert.Equal(t, domain.ContextIsolated, created.ContextMode)
	assert.Equal(t, domain.TaskActive, created.Status)
}

func TestSink_OnceTaskParsesTimestamp(t *testing.T) {
	sink, _, tasks, _, _ := newSink(t)
	at := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)

	err := sink.HandleCommand(context.Background(), "family", ipc.Command{
		Type: ipc.CmdScheduleTask,
		Task: &ipc.TaskPayload{
			GroupFolder: "family", Prompt: "send the report",
			ScheduleType: "once", ScheduleValue: at.Format(time.RFC3339),
		},
	})
	require.NoError(t, err)
	require.NotNil(t, tasks.created[0].NextRun)
	assert.True(t, tasks.created[0].NextRun.Equal(at))

	err = sink.HandleCommand(context.Background(), "family", ipc.Command{
		Type: ipc.CmdScheduleTask,
		Task: &ipc.TaskPayload{
			GroupFolder: "family", Prompt: "x",
			ScheduleType: "once", ScheduleValue: "not-a-time",
		},
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSink_TaskLifecycleCommands(t *testing.T) {
	sink, _, tasks, _, _ := newSink(t)
	ctx := context.Background()
	for _, kind := range []ipc.CommandKind{ipc.CmdPauseTask, ipc.CmdResumeTask, ipc.CmdRunTaskNow, ipc.CmdCancelTask} {
		require.NoError(t, sink.HandleCommand(ctx, "family", ipc.Command{Type: kind, TaskID: "t9"}))
	}
	assert.Equal(t, []string{"pause t9", "resume t9", "run_now t9", "cancel t9"}, tasks.ops)
}

func TestSink_RegisterAndRefreshGroups(t *testing.T) {
	sink, pipe, _, _, _ := newSink(t)
	ctx := context.Background()

	require.NoError(t, sink.HandleCommand(ctx, "main", ipc.Command{
		Type:  ipc.CmdRegisterGroup,
		Group: &ipc.GroupPayload{JID: "new@g.us", Name: "New", Folder: "newgrp"},
	}))
	require.Len(t, pipe.groups, 2)
	assert.Equal(t, "newgrp", pipe.groups[1].Folder)

	require.NoError(t, sink.HandleCommand(ctx, "main", ipc.Command{Type: ipc.CmdRefreshGroups}))
	assert.Equal(t, 1, pipe.reloads)
}

func TestSink_HeartbeatJobSnapshotRefreshed(t *testing.T) {
	sink, _, _, jobs, dir := newSink(t)
	ctx := context.Background()

	require.NoError(t, sink.HandleCommand(ctx, "family", ipc.Command{
		Type: ipc.CmdHeartbeatAddJob,
		Job:  &ipc.JobPayload{ChatJID: "fam@g.us", Label: "disk", Prompt: "check disk"},
	}))
	require.Len(t, jobs.rows, 1)
	assert.Equal(t, "family", jobs.rows["j1"].CreatedBy)
	assert.Equal(t, domain.HeartbeatCustom, jobs.rows["j1"].Category)

	snap := filepath.Join(dir, "ipc", "family", ipc.HeartbeatSnapshot)
	b, err := os.ReadFile(snap)
	require.NoError(t, err)
	var back []domain.HeartbeatJob
	require.NoError(t, json.Unmarshal(b, &back))
	require.Len(t, back, 1)
	assert.Equal(t, "disk", back[0].Label)

	require.NoError(t, sink.HandleCommand(ctx, "family", ipc.Command{
		Type: ipc.CmdHeartbeatRemoveJob, JobID: "j1",
	}))
	b, err = os.ReadFile(snap)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Empty(t, back)
}

func TestSink_HeartbeatConfigPatchesReporter(t *testing.T) {
	var (
		mu   sync.Mutex
		sent []string
		fail bool
	)
	reporter := usecase.NewReporter(
		func(_ context.Context, text string) error {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return errors.New("channel down")
			}
			sent = append(sent, text)
			return nil
		},
		func() []string { return nil },
		func() time.Time { return time.Time{} },
		usecase.ReporterOptions{AssistantName: "Andaman"},
	)
	sink, _, _, _, _ := newSinkWithReporter(t, reporter)

	raw, err := json.Marshal(map[string]any{"escalate_after": 1})
	require.NoError(t, err)
	require.NoError(t, sink.HandleCommand(context.Background(), "main", ipc.Command{
		Type: ipc.CmdHeartbeatConfig, Config: raw,
	}))

	// With escalate_after patched to 1, a single send failure flips the
	// next report into the escalated form.
	ctx := context.Background()
	mu.Lock()
	fail = true
	mu.Unlock()
	reporter.Tick(ctx)
	mu.Lock()
	fail = false
	mu.Unlock()
	reporter.Tick(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0], "🚨 "))
}

// Server

type fakeRetrier struct{ err error }

func (f *fakeRetrier) RetryDeadLetter(context.Context, string, string) error { return f.err }

type fakeDLQRepo struct{ rows []domain.DeadLetter }

func (f *fakeDLQRepo) Create(domain.Context, domain.DeadLetter) error { return nil }
func (f *fakeDLQRepo) Get(domain.Context, string) (domain.DeadLetter, error) {
	return domain.DeadLetter{}, domain.ErrNotFound
}
func (f *fakeDLQRepo) TakeForRetry(domain.Context, string, string) (bool, error) {
	return false, nil
}
func (f *fakeDLQRepo) Resolve(domain.Context, string) error        { return nil }
func (f *fakeDLQRepo) Reopen(domain.Context, string, string) error { return nil }
func (f *fakeDLQRepo) ListOpen(domain.Context, int) ([]domain.DeadLetter, error) {
	return f.rows, nil
}

func newServer(retrier app.DeadLetterRetrier, dlqRows []domain.DeadLetter) *httptest.Server {
	s := app.NewServer(retrier, &fakeDLQRepo{rows: dlqRows}, newFakeJobs(),
		func() []string { return []string{"disk: ok"} }, app.ServerOptions{})
	return httptest.NewServer(s.Router())
}

func TestServer_Health(t *testing.T) {
	srv := newServer(&fakeRetrier{}, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_DeadLetterEndpoints(t *testing.T) {
	rows := []domain.DeadLetter{{TraceID: "abc123", ChatJID: "fam@g.us", Reason: "MAX_RETRIES_EXCEEDED"}}
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"conflict", domain.ErrConflict, http.StatusConflict},
		{"not found", domain.ErrNotFound, http.StatusNotFound},
		{"queue full", domain.ErrQueueFull, http.StatusServiceUnavailable},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(&fakeRetrier{err: tc.err}, rows)
			defer srv.Close()

			resp, err := http.Post(srv.URL+"/ops/dead-letters/abc123/retry", "", nil)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.code, resp.StatusCode)
		})
	}

	srv := newServer(&fakeRetrier{}, rows)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/ops/dead-letters")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		DeadLetters []struct {
			TraceID string `json:"trace_id"`
		} `json:"dead_letters"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.DeadLetters, 1)
	assert.Equal(t, "abc123", body.DeadLetters[0].TraceID)
}

func TestServer_HeartbeatsEndpoint(t *testing.T) {
	srv := newServer(&fakeRetrier{}, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ops/heartbeats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body, "recent_results")
}
