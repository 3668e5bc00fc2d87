package usecase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/nanoclaw/internal/domain"
	"github.com/fairyhunter13/nanoclaw/internal/usecase"
)

type fakeInbox struct {
	mu       sync.Mutex
	messages []string
	closes   []string
}

func (f *fakeInbox) WriteMessage(folder, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, folder+":"+text)
	return nil
}

func (f *fakeInbox) WriteClose(folder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, folder)
	return nil
}

func (f *fakeInbox) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closes)
}

func newQueue(t *testing.T, opts usecase.GroupQueueOptions) *usecase.GroupQueue {
	t.Helper()
	if opts.Inbox == nil {
		opts.Inbox = &fakeInbox{}
	}
	if opts.MaxQueueSize == 0 {
		opts.MaxQueueSize = 50
	}
	if opts.ResourceMonitor == nil {
		opts.ResourceMonitor = func() int { return 3 }
	}
	q := usecase.NewGroupQueue(opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q.Start(ctx)
	return q
}

func TestQueue_GlobalCapThirdGroupWaits(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 3)
	q := newQueue(t, usecase.GroupQueueOptions{
		ResourceMonitor: func() int { return 2 },
		Process: func(_ context.Context, jid string, _ int) bool {
			started <- jid
			<-release
			return true
		},
	})

	require.NoError(t, q.EnqueueMessageCheck("g1", "f1"))
	require.NoError(t, q.EnqueueMessageCheck("g2", "f2"))

	waitFor(t, func() bool { return q.ActiveCount() == 2 })
	require.NoError(t, q.EnqueueMessageCheck("g3", "f3"))
	assert.Equal(t, 1, q.WaitingLen())

	first := map[string]bool{<-started: true, <-started: true}
	assert.True(t, first["g1"] && first["g2"])

	release <- struct{}{} // one slot frees
	assert.Equal(t, "g3", <-started)
	release <- struct{}{}
	release <- struct{}{}
	waitFor(t, func() bool { return q.ActiveCount() == 0 })
}

func TestQueue_MainGroupJumpsWaitingList(t *testing.T) {
	release := make(chan struct{})
	var order []string
	var mu sync.Mutex
	q := newQueue(t, usecase.GroupQueueOptions{
		MainGroupFolder: "main",
		ResourceMonitor: func() int { return 1 },
		Process: func(_ context.Context, jid string, _ int) bool {
			mu.Lock()
			order = append(order, jid)
			mu.Unlock()
			<-release
			return true
		},
	})

	require.NoError(t, q.EnqueueMessageCheck("busy", "f0"))
	waitFor(t, func() bool { return q.ActiveCount() == 1 })
	require.NoError(t, q.EnqueueMessageCheck("g1", "f1"))
	require.NoError(t, q.EnqueueMessageCheck("g2", "f2"))
	require.NoError(t, q.EnqueueMessageCheck("vip", "main"))
	assert.Equal(t, 3, q.WaitingLen())

	for range 4 {
		release <- struct{}{}
	}
	waitFor(t, func() bool { return q.ActiveCount() == 0 })

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"busy", "vip", "g1", "g2"}, order)
}

func TestQueue_WaitingPositionNoticeFiresOnce(t *testing.T) {
	release := make(chan struct{})
	type wait struct {
		jid string
		pos int
	}
	notices := make(chan wait, 4)
	q := newQueue(t, usecase.GroupQueueOptions{
		ResourceMonitor: func() int { return 1 },
		Process: func(context.Context, string, int) bool {
			<-release
			return true
		},
		OnWaiting: func(jid string, pos int) { notices <- wait{jid, pos} },
	})

	require.NoError(t, q.EnqueueMessageCheck("busy", "f0"))
	waitFor(t, func() bool { return q.ActiveCount() == 1 })

	require.NoError(t, q.EnqueueMessageCheck("g1", "f1"))
	require.NoError(t, q.EnqueueMessageCheck("g2", "f2"))
	assert.Equal(t, wait{"g1", 1}, waitRecv(t, notices))
	assert.Equal(t, wait{"g2", 2}, waitRecv(t, notices))

	// Further messages for a group already waiting stay silent.
	require.NoError(t, q.EnqueueMessageCheck("g1", "f1"))
	select {
	case n := <-notices:
		t.Fatalf("unexpected notice: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	waitFor(t, func() bool { return q.ActiveCount() == 0 })
}

func TestQueue_RejectsWhenWaitingListFull(t *testing.T) {
	release := make(chan struct{})
	rejected := make(chan string, 1)
	q := newQueue(t, usecase.GroupQueueOptions{
		MaxQueueSize:    1,
		ResourceMonitor: func() int { return 1 },
		Process: func(context.Context, string, int) bool {
			<-release
			return true
		},
		OnRejected: func(jid string) { rejected <- jid },
	})

	require.NoError(t, q.EnqueueMessageCheck("g1", "f1"))
	waitFor(t, func() bool { return q.ActiveCount() == 1 })
	require.NoError(t, q.EnqueueMessageCheck("g2", "f2"))
	err := q.EnqueueMessageCheck("g3", "f3")
	require.ErrorIs(t, err, domain.ErrQueueFull)
	assert.Equal(t, "g3", waitRecv(t, rejected))

	close(release)
	waitFor(t, func() bool { return q.ActiveCount() == 0 })
}

func TestQueue_RetryLadderThenMaxRetriesExceeded(t *testing.T) {
	var mu sync.Mutex
	var retries []int
	exceeded := make(chan string, 1)
	q := newQueue(t, usecase.GroupQueueOptions{
		BaseRetry:  time.Millisecond,
		MaxRetries: 3,
		Process: func(_ context.Context, _ string, retry int) bool {
			mu.Lock()
			retries = append(retries, retry)
			mu.Unlock()
			return false
		},
		OnMaxRetriesExceeded: func(jid string) { exceeded <- jid },
	})

	require.NoError(t, q.EnqueueMessageCheck("g1", "f1"))
	assert.Equal(t, "g1", waitRecv(t, exceeded))

	mu.Lock()
	defer mu.Unlock()
	// Initial attempt plus MaxRetries re-runs, retry count rising each time.
	assert.Equal(t, []int{0, 1, 2, 3}, retries)
}

func TestQueue_TasksSurviveMaxRetriesExhaustion(t *testing.T) {
	inRetry := make(chan struct{}, 1)
	release := make(chan struct{})
	exceeded := make(chan string, 1)
	q := newQueue(t, usecase.GroupQueueOptions{
		BaseRetry:  time.Millisecond,
		MaxRetries: 1,
		Process: func(_ context.Context, _ string, retry int) bool {
			if retry == 1 {
				inRetry <- struct{}{}
				<-release
			}
			return false
		},
		OnMaxRetriesExceeded: func(jid string) { exceeded <- jid },
	})

	require.NoError(t, q.EnqueueMessageCheck("g1", "f1"))
	waitRecv(t, inRetry)

	// The task lands during the final failing cycle, so it is still
	// queued when the ladder gives up. Its claimed row must run, not
	// vanish until a restart.
	taskRan := make(chan struct{}, 1)
	require.NoError(t, q.EnqueueTask("g1", "f1", "t1", domain.LaneScheduler, func(context.Context) error {
		taskRan <- struct{}{}
		return nil
	}))
	close(release)

	assert.Equal(t, "g1", waitRecv(t, exceeded))
	waitRecv(t, taskRan)
	waitFor(t, func() bool { return q.ActiveCount() == 0 })
}

func TestQueue_RetryCountResetsOnSuccess(t *testing.T) {
	var mu sync.Mutex
	var retries []int
	done := make(chan struct{}, 4)
	q := newQueue(t, usecase.GroupQueueOptions{
		BaseRetry: time.Millisecond,
		Process: func(_ context.Context, _ string, retry int) bool {
			mu.Lock()
			retries = append(retries, retry)
			mu.Unlock()
			// Fail the first attempt of each cycle, succeed the retry.
			if retry == 0 {
				return false
			}
			done <- struct{}{}
			return true
		},
	})

	require.NoError(t, q.EnqueueMessageCheck("g1", "f1"))
	waitRecv(t, done)
	waitFor(t, func() bool { return q.ActiveCount() == 0 })

	// A later failure starts the ladder from 1 again.
	require.NoError(t, q.EnqueueMessageCheck("g1", "f1"))
	waitRecv(t, done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 0, 1}, retries)
}

func TestQueue_TaskDedupByID(t *testing.T) {
	q := newQueue(t, usecase.GroupQueueOptions{
		ResourceMonitor: func() int { return 0 }, // hold everything in waiting
		Process:         func(context.Context, string, int) bool { return true },
	})

	fn := func(context.Context) error { return nil }
	require.NoError(t, q.EnqueueTask("g1", "f1", "task-1", domain.LaneScheduler, fn))
	require.NoError(t, q.EnqueueTask("g1", "f1", "task-1", domain.LaneScheduler, fn))
	require.NoError(t, q.EnqueueTask("g1", "f1", "task-2", domain.LaneScheduler, fn))

	counts := q.LaneCounts()
	assert.Equal(t, int64(2), counts[domain.LaneScheduler], "duplicate id must not count")
}

func TestQueue_TaskPreemptsRunningUserCycle(t *testing.T) {
	inbox := &fakeInbox{}
	release := make(chan struct{})
	inCycle := make(chan struct{}, 1)
	q := newQueue(t, usecase.GroupQueueOptions{
		Inbox: inbox,
		Process: func(context.Context, string, int) bool {
			inCycle <- struct{}{}
			<-release
			return true
		},
	})

	require.NoError(t, q.EnqueueMessageCheck("g1", "f1"))
	waitRecv(t, inCycle)

	taskRan := make(chan struct{}, 1)
	require.NoError(t, q.EnqueueTask("g1", "f1", "t1", domain.LaneScheduler, func(context.Context) error {
		taskRan <- struct{}{}
		return nil
	}))
	assert.Equal(t, 1, inbox.closeCount(), "preemption must close the container input")

	close(release)
	waitRecv(t, taskRan)
}

func TestQueue_SendMessagePipesOnlyIntoActiveRun(t *testing.T) {
	inbox := &fakeInbox{}
	release := make(chan struct{})
	inCycle := make(chan struct{}, 1)
	q := newQueue(t, usecase.GroupQueueOptions{
		Inbox: inbox,
		Process: func(context.Context, string, int) bool {
			inCycle <- struct{}{}
			<-release
			return true
		},
	})

	assert.False(t, q.SendMessage("g1", "hello"), "idle group cannot be piped into")

	require.NoError(t, q.EnqueueMessageCheck("g1", "f1"))
	waitRecv(t, inCycle)
	assert.True(t, q.SendMessage("g1", "follow-up"))

	inbox.mu.Lock()
	require.Len(t, inbox.messages, 1)
	assert.Equal(t, "f1:follow-up", inbox.messages[0])
	inbox.mu.Unlock()
	close(release)
}

func TestQueue_ShutdownRefusesEnqueues(t *testing.T) {
	q := newQueue(t, usecase.GroupQueueOptions{
		Process: func(context.Context, string, int) bool { return true },
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))

	assert.ErrorIs(t, q.EnqueueMessageCheck("g1", "f1"), domain.ErrShuttingDown)
	assert.ErrorIs(t, q.EnqueueTask("g1", "f1", "t", domain.LaneScheduler, nil), domain.ErrShuttingDown)
}

func TestQueue_RegisterProcessTracksContainerNames(t *testing.T) {
	release := make(chan struct{})
	inCycle := make(chan struct{}, 1)
	q := newQueue(t, usecase.GroupQueueOptions{
		Process: func(context.Context, string, int) bool {
			inCycle <- struct{}{}
			<-release
			return true
		},
	})
	require.NoError(t, q.EnqueueMessageCheck("g1", "f1"))
	waitRecv(t, inCycle)

	q.RegisterProcess("g1", nil, "nanoclaw-f1-123", "f1")
	assert.Equal(t, []string{"nanoclaw-f1-123"}, q.ActiveContainerNames())

	close(release)
	waitFor(t, func() bool { return len(q.ActiveContainerNames()) == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func waitRecv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
		panic("unreachable")
	}
}
