package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/fairyhunter13/nanoclaw/internal/adapter/ipc"
	"github.com/fairyhunter13/nanoclaw/internal/adapter/observability"
	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

const (
	poolNamePrefix = "nanoclaw-pool-"
	// StandbyPrompt tells a warming agent to idle until an assignment
	// file arrives.
	StandbyPrompt = "__STANDBY__"

	readyTimeout     = 30 * time.Second
	readyPollEvery   = 100 * time.Millisecond
	releaseStopGrace = 10 * time.Second
)

// Warm is one standby container waiting for an assignment. A standby
// is warmed for a single group and never serves another.
type Warm struct {
	ID      string
	Name    string
	Folder  string
	Streams Streams

	reuse     int
	idleSince time.Time
}

// PoolOptions configures the warm pool.
type PoolOptions struct {
	Image string
	// MinSize is the number of standby containers kept per group;
	// MaxSize caps the total across all groups.
	MinSize     int
	MaxSize     int
	MaxReuse    int
	IdleTimeout time.Duration
	Binds       []string
	// Folders lists the group folders worth keeping warm.
	Folders func() []string
	Logger  *slog.Logger
}

// Pool keeps pre-warmed standby containers, one lane per group folder,
// so group runs skip the cold spawn latency. A request for a group with
// no matching standby falls back to a cold spawn and is counted.
type Pool struct {
	api   API
	inbox *ipc.Inbox
	opts  PoolOptions
	now   func() time.Time

	mu        sync.Mutex
	idle      map[string][]*Warm
	warming   map[string]int
	fallbacks int64
	closed    bool
}

// NewPool builds a warm pool; call Maintain to start warming.
func NewPool(api API, inbox *ipc.Inbox, opts PoolOptions) *Pool {
	if opts.MinSize <= 0 {
		opts.MinSize = 1
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 2
	}
	if opts.MaxReuse <= 0 {
		opts.MaxReuse = 5
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pool{
		api:     api,
		inbox:   inbox,
		opts:    opts,
		now:     time.Now,
		idle:    make(map[string][]*Warm),
		warming: make(map[string]int),
	}
}

// Acquire hands out a standby warmed for the run's group, writing the
// assignment into its inbox. Returns false on a pool miss; a standby
// belonging to another group is never handed out.
func (p *Pool) Acquire(in domain.RunInput) (*Warm, bool) {
	p.mu.Lock()
	lane := p.idle[in.GroupFolder]
	if p.closed || len(lane) == 0 {
		p.fallbacks++
		p.mu.Unlock()
		observability.PoolAcquiresTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	w := lane[0]
	p.idle[in.GroupFolder] = lane[1:]
	p.mu.Unlock()

	if err := p.inbox.WriteAssignment(w.Name, in); err != nil {
		p.opts.Logger.Error("pool assignment failed", slog.String("container", w.Name), slog.Any("error", err))
		p.discard(context.Background(), w)
		observability.PoolAcquiresTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	observability.PoolAcquiresTotal.WithLabelValues("hit").Inc()
	return w, true
}

// Release returns a container to its group's lane after a run.
// Containers past MaxReuse or flagged unusable are stopped with a
// short grace period.
func (p *Pool) Release(ctx context.Context, w *Warm, reusable bool) {
	w.reuse++
	if !reusable || w.reuse >= p.opts.MaxReuse {
		p.discard(ctx, w)
		return
	}
	w.idleSince = p.now()
	p.mu.Lock()
	full := p.closed || p.totalIdleLocked() >= p.opts.MaxSize
	if !full {
		p.idle[w.Folder] = append(p.idle[w.Folder], w)
	}
	p.mu.Unlock()
	if full {
		p.discard(ctx, w)
	}
}

func (p *Pool) discard(ctx context.Context, w *Warm) {
	if err := p.api.Stop(ctx, w.ID, releaseStopGrace); err != nil {
		p.opts.Logger.Warn("pool container stop failed", slog.String("container", w.Name), slog.Any("error", err))
	}
	_ = p.api.Remove(ctx, w.ID)
}

// Fallbacks reports how many acquisitions missed the pool.
func (p *Pool) Fallbacks() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fallbacks
}

// IdleCount reports the number of standby containers across all groups.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalIdleLocked()
}

// IdleFor reports the number of standbys warmed for one group.
func (p *Pool) IdleFor(folder string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[folder])
}

func (p *Pool) totalIdleLocked() int {
	n := 0
	for _, lane := range p.idle {
		n += len(lane)
	}
	return n
}

func (p *Pool) totalWarmingLocked() int {
	n := 0
	for _, c := range p.warming {
		n += c
	}
	return n
}

// Maintain tops every group's lane up to MinSize and prunes idle
// containers until ctx is cancelled.
func (p *Pool) Maintain(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	p.topUp(ctx)
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case <-ticker.C:
			p.prune(ctx)
			p.topUp(ctx)
		}
	}
}

func (p *Pool) topUp(ctx context.Context) {
	if p.opts.Folders == nil {
		return
	}
	for _, folder := range p.opts.Folders() {
		for {
			p.mu.Lock()
			need := p.opts.MinSize - len(p.idle[folder]) - p.warming[folder]
			atCap := p.totalIdleLocked()+p.totalWarmingLocked() >= p.opts.MaxSize
			if p.closed || need <= 0 || atCap {
				p.mu.Unlock()
				break
			}
			p.warming[folder]++
			p.mu.Unlock()

			w, err := p.warmOne(ctx, folder)
			p.mu.Lock()
			p.warming[folder]--
			if err != nil {
				p.mu.Unlock()
				p.opts.Logger.Warn("pool warm-up failed", slog.String("folder", folder), slog.Any("error", err))
				return
			}
			p.idle[folder] = append(p.idle[folder], w)
			p.mu.Unlock()
		}
	}
}

func (p *Pool) prune(ctx context.Context) {
	cutoff := p.now().Add(-p.opts.IdleTimeout)
	p.mu.Lock()
	var stale []*Warm
	for folder, lane := range p.idle {
		var kept []*Warm
		for _, w := range lane {
			if w.idleSince.Before(cutoff) && !w.idleSince.IsZero() {
				stale = append(stale, w)
			} else {
				kept = append(kept, w)
			}
		}
		p.idle[folder] = kept
	}
	p.mu.Unlock()
	for _, w := range stale {
		p.discard(ctx, w)
	}
}

func (p *Pool) drain() {
	p.mu.Lock()
	p.closed = true
	var all []*Warm
	for _, lane := range p.idle {
		all = append(all, lane...)
	}
	p.idle = make(map[string][]*Warm)
	p.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), releaseStopGrace+5*time.Second)
	defer cancel()
	for _, w := range all {
		p.discard(ctx, w)
	}
}

// warmOne spawns a standby container for one group and waits for its
// ready handshake. The standby boots against the group's real folder
// so it pre-stages that group's workspace; control sentinels stay on
// the container-name channel.
func (p *Pool) warmOne(ctx context.Context, folder string) (*Warm, error) {
	name := poolNamePrefix + SanitizeFolder(folder) + "-" + strconv.FormatInt(p.now().UnixMilli(), 10)
	id, err := p.api.Spawn(ctx, SpawnSpec{
		Name:   name,
		Image:  p.opts.Image,
		Labels: map[string]string{ManagedLabel: "1"},
		Binds:  p.opts.Binds,
	})
	if err != nil {
		return nil, fmt.Errorf("op=pool.warm: %w", err)
	}
	streams, err := p.api.Attach(ctx, id)
	if err != nil {
		_ = p.api.Remove(ctx, id)
		return nil, fmt.Errorf("op=pool.warm: %w", err)
	}
	if err := p.api.Start(ctx, id); err != nil {
		_ = p.api.Remove(ctx, id)
		return nil, fmt.Errorf("op=pool.warm: %w", err)
	}

	in := domain.RunInput{Prompt: StandbyPrompt, GroupFolder: folder}
	b, err := json.Marshal(in)
	if err == nil {
		_, err = streams.Stdin.Write(append(b, '\n'))
	}
	if err == nil {
		err = streams.Stdin.Close()
	}
	if err != nil {
		p.discard(ctx, &Warm{ID: id, Name: name})
		return nil, fmt.Errorf("op=pool.warm: %w", err)
	}

	if err := p.awaitReady(ctx, name); err != nil {
		p.discard(ctx, &Warm{ID: id, Name: name})
		return nil, fmt.Errorf("op=pool.warm: %w", err)
	}
	return &Warm{ID: id, Name: name, Folder: folder, Streams: streams, idleSince: p.now()}, nil
}

// awaitReady polls for the _ready sentinel the standby agent writes
// once it is accepting assignments.
func (p *Pool) awaitReady(ctx context.Context, name string) error {
	path := p.inbox.ReadyPath(name)
	deadline := p.now().Add(readyTimeout)
	for p.now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			_ = os.Remove(path)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollEvery):
		}
	}
	return fmt.Errorf("standby handshake timed out after %s", readyTimeout)
}
