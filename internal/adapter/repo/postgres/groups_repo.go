package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

// GroupRepo stores registered groups.
type GroupRepo struct{ Pool PgxPool }

// NewGroupRepo constructs a GroupRepo with the given pool.
func NewGroupRepo(p PgxPool) *GroupRepo { return &GroupRepo{Pool: p} }

const groupCols = `jid, name, folder, trigger_pattern, requires_trigger, added_at`

// Upsert registers or refreshes a group. The folder is the stable key for a
// chat's filesystem namespace; re-registration updates metadata only.
func (r *GroupRepo) Upsert(ctx domain.Context, g domain.RegisteredGroup) error {
	tracer := otel.Tracer("repo.groups")
	ctx, span := tracer.Start(ctx, "groups.Upsert")
	defer span.End()
	added := g.AddedAt
	if added.IsZero() {
		added = time.Now().UTC()
	}
	q := `INSERT INTO registered_groups (jid, name, folder, trigger_pattern, requires_trigger, added_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (jid) DO UPDATE SET name=EXCLUDED.name, trigger_pattern=EXCLUDED.trigger_pattern,
			requires_trigger=EXCLUDED.requires_trigger`
	_, err := r.Pool.Exec(ctx, q, g.JID, g.Name, g.Folder, g.TriggerPattern, g.RequiresTrigger, added)
	if err != nil {
		return fmt.Errorf("op=groups.upsert: %w", err)
	}
	return nil
}

// List returns all registered groups.
func (r *GroupRepo) List(ctx domain.Context) ([]domain.RegisteredGroup, error) {
	tracer := otel.Tracer("repo.groups")
	ctx, span := tracer.Start(ctx, "groups.List")
	defer span.End()
	q := `SELECT ` + groupCols + ` FROM registered_groups ORDER BY added_at`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=groups.list: %w", err)
	}
	defer rows.Close()
	var out []domain.RegisteredGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("op=groups.list: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=groups.list: %w", err)
	}
	return out, nil
}

// GetByFolder loads a group by its folder.
func (r *GroupRepo) GetByFolder(ctx domain.Context, folder string) (domain.RegisteredGroup, error) {
	tracer := otel.Tracer("repo.groups")
	ctx, span := tracer.Start(ctx, "groups.GetByFolder")
	defer span.End()
	q := `SELECT ` + groupCols + ` FROM registered_groups WHERE folder=$1`
	g, err := scanGroup(r.Pool.QueryRow(ctx, q, folder))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.RegisteredGroup{}, fmt.Errorf("op=groups.get_by_folder: %w", domain.ErrNotFound)
		}
		return domain.RegisteredGroup{}, fmt.Errorf("op=groups.get_by_folder: %w", err)
	}
	return g, nil
}

// GetByJID loads a group by chat JID.
func (r *GroupRepo) GetByJID(ctx domain.Context, jid string) (domain.RegisteredGroup, error) {
	tracer := otel.Tracer("repo.groups")
	ctx, span := tracer.Start(ctx, "groups.GetByJID")
	defer span.End()
	q := `SELECT ` + groupCols + ` FROM registered_groups WHERE jid=$1`
	g, err := scanGroup(r.Pool.QueryRow(ctx, q, jid))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.RegisteredGroup{}, fmt.Errorf("op=groups.get_by_jid: %w", domain.ErrNotFound)
		}
		return domain.RegisteredGroup{}, fmt.Errorf("op=groups.get_by_jid: %w", err)
	}
	return g, nil
}

func scanGroup(row pgx.Row) (domain.RegisteredGroup, error) {
	var g domain.RegisteredGroup
	err := row.Scan(&g.JID, &g.Name, &g.Folder, &g.TriggerPattern, &g.RequiresTrigger, &g.AddedAt)
	return g, err
}
