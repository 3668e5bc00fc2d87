package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ReporterOptions configures the heartbeat reporter.
type ReporterOptions struct {
	Interval      time.Duration
	SilenceWindow time.Duration
	EscalateAfter int
	AssistantName string
	Logger        *slog.Logger
}

// Reporter sends a periodic health signal to the main group, flags long
// outbound silences and escalates after consecutive send failures.
type Reporter struct {
	send         func(ctx context.Context, text string) error
	recent       func() []string
	lastOutbound func() time.Time
	now          func() time.Time

	mu       sync.Mutex
	opts     ReporterOptions
	failures int
}

// NewReporter builds a reporter. send delivers to the main group, recent
// supplies the smart-job result ring, lastOutbound reports the newest
// outbound activity across all groups.
func NewReporter(send func(ctx context.Context, text string) error, recent func() []string, lastOutbound func() time.Time, opts ReporterOptions) *Reporter {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.SilenceWindow <= 0 {
		opts.SilenceWindow = 6 * time.Hour
	}
	if opts.EscalateAfter <= 0 {
		opts.EscalateAfter = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reporter{send: send, recent: recent, lastOutbound: lastOutbound, opts: opts, now: time.Now}
}

// Configure applies a runtime config patch; zero values keep the current
// settings. The interval takes effect on the next tick.
func (r *Reporter) Configure(interval, silenceWindow time.Duration, escalateAfter int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if interval > 0 {
		r.opts.Interval = interval
	}
	if silenceWindow > 0 {
		r.opts.SilenceWindow = silenceWindow
	}
	if escalateAfter > 0 {
		r.opts.EscalateAfter = escalateAfter
	}
}

func (r *Reporter) interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts.Interval
}

// Run ticks until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	timer := time.NewTimer(r.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.Tick(ctx)
			timer.Reset(r.interval())
		}
	}
}

// Tick composes and sends one report.
func (r *Reporter) Tick(ctx context.Context) {
	text := r.compose()
	if err := r.send(ctx, text); err != nil {
		r.mu.Lock()
		r.failures++
		n := r.failures
		r.mu.Unlock()
		r.opts.Logger.Warn("heartbeat report send failed",
			slog.Int("consecutive", n),
			slog.Any("error", err))
		return
	}
	r.mu.Lock()
	r.failures = 0
	r.mu.Unlock()
}

func (r *Reporter) compose() string {
	r.mu.Lock()
	escalated := r.failures >= r.opts.EscalateAfter
	silence := r.opts.SilenceWindow
	name := r.opts.AssistantName
	r.mu.Unlock()

	var b strings.Builder
	if escalated {
		b.WriteString("🚨 ")
	}
	fmt.Fprintf(&b, "%s heartbeat.", name)

	if last := r.lastOutbound(); !last.IsZero() {
		if quiet := r.now().Sub(last); quiet >= silence {
			fmt.Fprintf(&b, " No outbound activity for %s.", quiet.Round(time.Minute))
		}
	}

	if results := r.recent(); len(results) > 0 {
		b.WriteString(" Recent jobs:")
		for _, line := range results {
			b.WriteString("\n• ")
			b.WriteString(line)
		}
	}
	return b.String()
}
