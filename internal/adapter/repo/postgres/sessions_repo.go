package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

// SessionRepo stores container resume tokens per group folder.
type SessionRepo struct{ Pool PgxPool }

// NewSessionRepo constructs a SessionRepo with the given pool.
func NewSessionRepo(p PgxPool) *SessionRepo { return &SessionRepo{Pool: p} }

// Get loads the session for a folder; ErrNotFound when none.
func (r *SessionRepo) Get(ctx domain.Context, folder string) (domain.Session, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Get")
	defer span.End()
	q := `SELECT group_folder, session_id, updated_at FROM sessions WHERE group_folder=$1`
	var s domain.Session
	if err := r.Pool.QueryRow(ctx, q, folder).Scan(&s.GroupFolder, &s.ID, &s.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Session{}, fmt.Errorf("op=sessions.get: %w", domain.ErrNotFound)
		}
		return domain.Session{}, fmt.Errorf("op=sessions.get: %w", err)
	}
	return s, nil
}

// Set upserts the session for a folder.
func (r *SessionRepo) Set(ctx domain.Context, s domain.Session) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Set")
	defer span.End()
	updated := s.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	q := `INSERT INTO sessions (group_folder, session_id, updated_at) VALUES ($1,$2,$3)
		ON CONFLICT (group_folder) DO UPDATE SET session_id=EXCLUDED.session_id, updated_at=EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q, s.GroupFolder, s.ID, updated)
	if err != nil {
		return fmt.Errorf("op=sessions.set: %w", err)
	}
	return nil
}

// Clear drops the session for a folder.
func (r *SessionRepo) Clear(ctx domain.Context, folder string) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Clear")
	defer span.End()
	q := `DELETE FROM sessions WHERE group_folder=$1`
	_, err := r.Pool.Exec(ctx, q, folder)
	if err != nil {
		return fmt.Errorf("op=sessions.clear: %w", err)
	}
	return nil
}
