package docker

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/nanoclaw/internal/adapter/ipc"
	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

type wc struct{ io.Writer }

func (wc) Close() error { return nil }

type poolAPI struct {
	mu      sync.Mutex
	names   chan string
	stdin   bytes.Buffer
	stopped []string
}

func (p *poolAPI) Ping(context.Context) error { return nil }

func (p *poolAPI) Spawn(_ context.Context, spec SpawnSpec) (string, error) {
	if p.names != nil {
		p.names <- spec.Name
	}
	return spec.Name + "-id", nil
}

func (p *poolAPI) Attach(context.Context, string) (Streams, error) {
	return Streams{Stdin: wc{&p.stdin}, Stdout: strings.NewReader("")}, nil
}

func (p *poolAPI) Start(context.Context, string) error        { return nil }
func (p *poolAPI) Wait(context.Context, string) (int64, error) { return 0, nil }

func (p *poolAPI) Stop(_ context.Context, id string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = append(p.stopped, id)
	return nil
}

func (p *poolAPI) Remove(context.Context, string) error          { return nil }
func (p *poolAPI) ListManaged(context.Context) ([]Summary, error) { return nil, nil }

func TestPool_WarmOneHandshake(t *testing.T) {
	api := &poolAPI{names: make(chan string, 1)}
	inbox := ipc.NewInbox(t.TempDir())
	p := NewPool(api, inbox, PoolOptions{Image: "agent:test", MinSize: 1})

	// Simulate the agent dropping _ready once it is on standby.
	go func() {
		name := <-api.names
		require.NoError(t, ipc.AtomicWrite(inbox.ReadyPath(name), nil))
	}()

	w, err := p.warmOne(context.Background(), "family")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(w.Name, poolNamePrefix+"family-"))
	assert.Equal(t, "family", w.Folder)
	assert.Contains(t, api.stdin.String(), StandbyPrompt)
	// The standby boots against the group's real folder, not a
	// synthetic one derived from the container name.
	assert.Contains(t, api.stdin.String(), `"groupFolder":"family"`)

	// The ready file is consumed by the handshake.
	_, statErr := os.Stat(inbox.ReadyPath(w.Name))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPool_AcquireMissCountsFallback(t *testing.T) {
	p := NewPool(&poolAPI{}, ipc.NewInbox(t.TempDir()), PoolOptions{})
	_, ok := p.Acquire(domain.RunInput{GroupFolder: "g"})
	assert.False(t, ok)
	assert.Equal(t, int64(1), p.Fallbacks())
}

func TestPool_AcquireHitWritesAssignment(t *testing.T) {
	inbox := ipc.NewInbox(t.TempDir())
	p := NewPool(&poolAPI{}, inbox, PoolOptions{})
	w := &Warm{ID: "c1", Name: poolNamePrefix + "fam-1", Folder: "fam"}
	p.idle["fam"] = append(p.idle["fam"], w)

	got, ok := p.Acquire(domain.RunInput{GroupFolder: "fam", Prompt: "hi"})
	require.True(t, ok)
	assert.Same(t, w, got)
	assert.Equal(t, 0, p.IdleCount())

	b, err := os.ReadFile(inbox.InputDir(w.Name) + "/" + ipc.AssignmentFile)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"groupFolder":"fam"`)
}

func TestPool_AcquireNeverCrossesGroups(t *testing.T) {
	p := NewPool(&poolAPI{}, ipc.NewInbox(t.TempDir()), PoolOptions{})
	w := &Warm{ID: "c1", Name: poolNamePrefix + "fam-1", Folder: "fam"}
	p.idle["fam"] = append(p.idle["fam"], w)

	// Another group's request misses even though a standby is idle.
	_, ok := p.Acquire(domain.RunInput{GroupFolder: "work"})
	assert.False(t, ok)
	assert.Equal(t, int64(1), p.Fallbacks())
	assert.Equal(t, 1, p.IdleFor("fam"), "the fam standby stays put")
}

func TestPool_ReleaseReturnsToOwnLane(t *testing.T) {
	p := NewPool(&poolAPI{}, ipc.NewInbox(t.TempDir()), PoolOptions{MaxReuse: 5, MaxSize: 4})
	w := &Warm{ID: "c1", Name: poolNamePrefix + "fam-1", Folder: "fam"}
	p.Release(context.Background(), w, true)
	assert.Equal(t, 1, p.IdleFor("fam"))
	assert.Equal(t, 0, p.IdleFor("work"))
}

func TestPool_ReleaseRespectsMaxReuse(t *testing.T) {
	api := &poolAPI{}
	p := NewPool(api, ipc.NewInbox(t.TempDir()), PoolOptions{MaxReuse: 2, MaxSize: 2})

	w := &Warm{ID: "c1", Name: poolNamePrefix + "fam-1", Folder: "fam"}
	p.Release(context.Background(), w, true)
	assert.Equal(t, 1, p.IdleCount(), "first release returns to the pool")

	p.idle["fam"] = nil
	p.Release(context.Background(), w, true)
	assert.Equal(t, 0, p.IdleCount(), "reuse limit reached, container stopped")
	assert.Equal(t, []string{"c1"}, api.stopped)
}

func TestPool_ReleaseUnreusableStops(t *testing.T) {
	api := &poolAPI{}
	p := NewPool(api, ipc.NewInbox(t.TempDir()), PoolOptions{MaxReuse: 5})
	p.Release(context.Background(), &Warm{ID: "c2", Name: poolNamePrefix + "2"}, false)
	assert.Equal(t, []string{"c2"}, api.stopped)
	assert.Equal(t, 0, p.IdleCount())
}
