package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

const (
	orphanStopTimeout = 15 * time.Second
	sweepBudget       = 30 * time.Second
)

// ResilienceOptions configures the daemon probe and the spawn circuit.
type ResilienceOptions struct {
	ProbeInterval    time.Duration
	SweepInterval    time.Duration
	CircuitThreshold int
	CircuitWindow    time.Duration
	CircuitCooldown  time.Duration
	// ActiveContainers snapshots names of containers the queue considers
	// live; everything else with the managed label is an orphan.
	ActiveContainers func() []string
	Logger           *slog.Logger
}

// Resilience tracks daemon health and spawn failures, refusing spawns
// while the daemon is down or the circuit is open. It also sweeps
// orphaned managed containers.
type Resilience struct {
	api  API
	opts ResilienceOptions
	now  func() time.Time

	mu        sync.Mutex
	unhealthy bool
	failures  []time.Time
	openUntil time.Time
}

// NewResilience builds the resilience layer around an API.
func NewResilience(api API, opts ResilienceOptions) *Resilience {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.CircuitThreshold <= 0 {
		opts.CircuitThreshold = 5
	}
	if opts.CircuitWindow <= 0 {
		opts.CircuitWindow = 2 * time.Minute
	}
	if opts.CircuitCooldown <= 0 {
		opts.CircuitCooldown = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resilience{api: api, opts: opts, now: time.Now}
}

// CanSpawn reports whether a new container may be started now.
func (r *Resilience) CanSpawn() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unhealthy {
		return domain.ErrDaemonUnhealthy
	}
	if r.now().Before(r.openUntil) {
		return domain.ErrCircuitOpen
	}
	return nil
}

// RecordSpawnFailure pushes a failure into the sliding window and opens
// the circuit when the threshold is crossed.
func (r *Resilience) RecordSpawnFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-r.opts.CircuitWindow)
	kept := r.failures[:0]
	for _, t := range r.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.failures = append(kept, now)
	if len(r.failures) >= r.opts.CircuitThreshold {
		r.openUntil = now.Add(r.opts.CircuitCooldown)
		r.opts.Logger.Warn("spawn circuit opened",
			slog.Int("failures", len(r.failures)),
			slog.Time("until", r.openUntil))
	}
}

// RecordSpawnSuccess resets the failure window and closes the circuit.
func (r *Resilience) RecordSpawnSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = r.failures[:0]
	r.openUntil = time.Time{}
}

// ProbeOnce pings the daemon and updates the health flag.
func (r *Resilience) ProbeOnce(ctx context.Context) {
	err := r.api.Ping(ctx)
	r.mu.Lock()
	was := r.unhealthy
	r.unhealthy = err != nil
	r.mu.Unlock()
	if err != nil && !was {
		r.opts.Logger.Error("docker daemon unreachable", slog.Any("error", err))
	}
	if err == nil && was {
		r.opts.Logger.Info("docker daemon recovered")
	}
}

// RunProbe probes on a ticker until ctx is cancelled.
func (r *Resilience) RunProbe(ctx context.Context) {
	ticker := time.NewTicker(r.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ProbeOnce(ctx)
		}
	}
}

// SweepOnce stops managed containers that are neither in the active set
// nor pool standbys. Pool containers are recognized by name.
func (r *Resilience) SweepOnce(ctx context.Context) (int, error) {
	sweepCtx, cancel := context.WithTimeout(ctx, sweepBudget)
	defer cancel()

	managed, err := r.api.ListManaged(sweepCtx)
	if err != nil {
		return 0, fmt.Errorf("op=docker.sweep: %w", err)
	}
	live := map[string]bool{}
	if r.opts.ActiveContainers != nil {
		for _, name := range r.opts.ActiveContainers() {
			live[name] = true
		}
	}
	stopped := 0
	for _, c := range managed {
		if live[c.Name] || strings.HasPrefix(c.Name, poolNamePrefix) {
			continue
		}
		r.opts.Logger.Warn("stopping orphan container", slog.String("name", c.Name))
		if err := r.api.Stop(sweepCtx, c.ID, orphanStopTimeout); err != nil {
			r.opts.Logger.Error("orphan stop failed", slog.String("name", c.Name), slog.Any("error", err))
			continue
		}
		_ = r.api.Remove(sweepCtx, c.ID)
		stopped++
	}
	return stopped, nil
}

// RunSweep sweeps on a ticker until ctx is cancelled.
func (r *Resilience) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.SweepOnce(ctx); err != nil {
				r.opts.Logger.Error("orphan sweep failed", slog.Any("error", err))
			}
		}
	}
}
