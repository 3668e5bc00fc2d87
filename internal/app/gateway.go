// Package app assembles the orchestrator: outbound channel routing, the
// IPC command sink, startup recovery, the ops HTTP server and the
// background-task supervisor.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

// Router fans outbound traffic to the channel adapter that owns the jid.
// Media and typing degrade gracefully on adapters without support.
type Router struct {
	adapters []domain.ChannelAdapter
	logger   *slog.Logger
}

// NewRouter builds a router over the connected adapters.
func NewRouter(adapters []domain.ChannelAdapter, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{adapters: adapters, logger: logger}
}

func (r *Router) adapterFor(jid string) (domain.ChannelAdapter, error) {
	for _, a := range r.adapters {
		if a.OwnsJID(jid) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("op=app.route: no adapter owns %q: %w", jid, domain.ErrNotFound)
}

// SendMessage delivers text to the owning channel.
func (r *Router) SendMessage(ctx context.Context, jid, text string) error {
	a, err := r.adapterFor(jid)
	if err != nil {
		return err
	}
	return a.SendMessage(ctx, jid, text)
}

// SendPayload delivers media where supported, falling back to a text
// pointer at the file otherwise.
func (r *Router) SendPayload(ctx context.Context, jid string, p domain.MediaPayload) error {
	a, err := r.adapterFor(jid)
	if err != nil {
		return err
	}
	if ps, ok := a.(domain.PayloadSender); ok {
		return ps.SendPayload(ctx, jid, p)
	}
	text := p.Caption
	if text == "" {
		text = p.Path
	} else {
		text = fmt.Sprintf("%s (%s)", text, p.Path)
	}
	return a.SendMessage(ctx, jid, text)
}

// SetTyping forwards the typing signal; channels without one ignore it.
func (r *Router) SetTyping(ctx context.Context, jid string, typing bool) error {
	a, err := r.adapterFor(jid)
	if err != nil {
		return err
	}
	if ts, ok := a.(domain.TypingSender); ok {
		return ts.SetTyping(ctx, jid, typing)
	}
	return nil
}
