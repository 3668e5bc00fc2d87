package usecase_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/nanoclaw/internal/domain"
	"github.com/fairyhunter13/nanoclaw/internal/usecase"
)

type fakeHeartbeatRepo struct {
	mu          sync.Mutex
	due         []domain.HeartbeatJob
	claimed     map[string]bool
	ok          map[string]string
	failed      map[string]string
	logs        []domain.HeartbeatJobLog
	interrupted int
}

func newFakeHeartbeatRepo(due ...domain.HeartbeatJob) *fakeHeartbeatRepo {
	return &fakeHeartbeatRepo{
		due:     due,
		claimed: map[string]bool{},
		ok:      map[string]string{},
		failed:  map[string]string{},
	}
}

func (f *fakeHeartbeatRepo) Add(domain.Context, domain.HeartbeatJob) (string, error) {
	return "", nil
}
func (f *fakeHeartbeatRepo) Update(domain.Context, domain.HeartbeatJob) error { return nil }
func (f *fakeHeartbeatRepo) Remove(domain.Context, string) error              { return nil }
func (f *fakeHeartbeatRepo) Get(domain.Context, string) (domain.HeartbeatJob, error) {
	return domain.HeartbeatJob{}, domain.ErrNotFound
}
func (f *fakeHeartbeatRepo) List(domain.Context, string) ([]domain.HeartbeatJob, error) {
	return nil, nil
}
func (f *fakeHeartbeatRepo) ListActive(domain.Context) ([]domain.HeartbeatJob, error) {
	return nil, nil
}

func (f *fakeHeartbeatRepo) GetDue(domain.Context, time.Duration, time.Time) ([]domain.HeartbeatJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.HeartbeatJob
	for _, j := range f.due {
		if !f.claimed[j.ID] {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeHeartbeatRepo) Claim(_ domain.Context, id string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed[id] {
		return false, nil
	}
	f.claimed[id] = true
	return true, nil
}

func (f *fakeHeartbeatRepo) FinishOK(_ domain.Context, id, result string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ok[id] = result
	return nil
}

func (f *fakeHeartbeatRepo) FinishError(_ domain.Context, id, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = errMsg
	return nil
}

func (f *fakeHeartbeatRepo) AppendLog(_ domain.Context, l domain.HeartbeatJobLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, l)
	return nil
}

func (f *fakeHeartbeatRepo) RecoverInterrupted(domain.Context) (int, error) {
	return f.interrupted, nil
}

func hbJob(id, label string) domain.HeartbeatJob {
	return domain.HeartbeatJob{ID: id, Label: label, Status: domain.TaskActive}
}

func TestHeartbeatRunner_EnqueuesUnderJobChat(t *testing.T) {
	j1 := hbJob("j1", "a")
	j1.ChatJID = "123@g.us"
	j2 := hbJob("j2", "b")
	j2.ChatJID = "ghost@g.us"
	j2.CreatedBy = "orphan-folder"
	repo := newFakeHeartbeatRepo(j1, j2)
	queue := &inlineEnqueuer{}
	resolve := func(chatJID string) (string, bool) {
		if chatJID == "123@g.us" {
			return "family", true
		}
		return "", false
	}
	runner := usecase.NewHeartbeatRunner(repo, queue, resolve, func(context.Context, domain.HeartbeatJob) (string, error) {
		return "ok", nil
	}, usecase.HeartbeatRunnerOptions{Logger: slog.Default()})

	runner.Tick(context.Background())

	// A registered chat runs on its group's serialized lane; a job whose
	// chat is gone falls back to a lane keyed by job ID.
	assert.Equal(t, []string{"123@g.us", domain.VirtualHeartbeatPrefix + "j2"}, queue.jids)
	assert.Len(t, repo.ok, 2)
	assert.Len(t, repo.logs, 2)
}

func TestHeartbeatRunner_ClaimedJobsRunOnce(t *testing.T) {
	repo := newFakeHeartbeatRepo(hbJob("j1", "a"))
	var runs int
	var mu sync.Mutex
	runner := usecase.NewHeartbeatRunner(repo, &inlineEnqueuer{}, nil, func(context.Context, domain.HeartbeatJob) (string, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return "ok", nil
	}, usecase.HeartbeatRunnerOptions{})

	runner.Tick(context.Background())
	runner.Tick(context.Background())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, runs)
}

func TestHeartbeatRunner_ErrorGoesToRingWithPrefix(t *testing.T) {
	repo := newFakeHeartbeatRepo(hbJob("j1", "backup-check"))
	runner := usecase.NewHeartbeatRunner(repo, &inlineEnqueuer{}, nil, func(context.Context, domain.HeartbeatJob) (string, error) {
		return "", errors.New("disk full")
	}, usecase.HeartbeatRunnerOptions{})

	runner.Tick(context.Background())

	assert.Equal(t, "disk full", repo.failed["j1"])
	require.Len(t, repo.logs, 1)
	assert.Equal(t, "error", repo.logs[0].Status)
	assert.Equal(t, "disk full", repo.logs[0].Error)

	recent := runner.RecentResults()
	require.Len(t, recent, 1)
	assert.True(t, strings.HasPrefix(recent[0], "❌ "), "errors carry the cross prefix: %q", recent[0])
	assert.Contains(t, recent[0], "backup-check")
}

func TestHeartbeatRunner_TimeoutSurfacesAsError(t *testing.T) {
	repo := newFakeHeartbeatRepo(hbJob("j1", "slow"))
	runner := usecase.NewHeartbeatRunner(repo, &inlineEnqueuer{}, nil, func(ctx context.Context, _ domain.HeartbeatJob) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
			return "ok", nil
		}
	}, usecase.HeartbeatRunnerOptions{JobTimeout: 5 * time.Millisecond})

	runner.Tick(context.Background())
	assert.Contains(t, repo.failed["j1"], "context deadline exceeded")
}

func TestHeartbeatRunner_RecoverReportsCount(t *testing.T) {
	repo := newFakeHeartbeatRepo()
	repo.interrupted = 2
	runner := usecase.NewHeartbeatRunner(repo, &inlineEnqueuer{}, nil, nil, usecase.HeartbeatRunnerOptions{})
	n, err := runner.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReporter_SilenceAndEscalation(t *testing.T) {
	var sent []string
	var mu sync.Mutex
	sendErr := errors.New("channel down")
	failSends := 3
	send := func(_ context.Context, text string) error {
		mu.Lock()
		defer mu.Unlock()
		if failSends > 0 {
			failSends--
			return sendErr
		}
		sent = append(sent, text)
		return nil
	}
	last := time.Now().Add(-12 * time.Hour)
	rep := usecase.NewReporter(send,
		func() []string { return []string{"job-a: ok"} },
		func() time.Time { return last },
		usecase.ReporterOptions{AssistantName: "Andaman", SilenceWindow: 6 * time.Hour, EscalateAfter: 3})

	for range 4 {
		rep.Tick(context.Background())
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0], "🚨 "), "after three failed sends the report escalates: %q", sent[0])
	assert.Contains(t, sent[0], "No outbound activity")
	assert.Contains(t, sent[0], "job-a: ok")
}
