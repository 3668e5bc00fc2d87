package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

// LedgerRepo stores usage rows and per-group budget config.
type LedgerRepo struct{ Pool PgxPool }

// NewLedgerRepo constructs a LedgerRepo with the given pool.
func NewLedgerRepo(p PgxPool) *LedgerRepo { return &LedgerRepo{Pool: p} }

// TrackUsage appends one usage row.
func (r *LedgerRepo) TrackUsage(ctx domain.Context, u domain.UsageRecord) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.TrackUsage")
	defer span.End()
	ts := u.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	q := `INSERT INTO usage_records (user_id, tier, model, input_tokens, output_tokens, estimated_cost_usd,
		response_time_ms, group_id, trace_id, cache_hit, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.Pool.Exec(ctx, q, u.UserID, u.Tier, u.Model, u.InputTokens, u.OutputTokens,
		u.EstimatedCostUSD, u.ResponseTimeMS, u.GroupID, u.TraceID, u.CacheHit, ts)
	if err != nil {
		return fmt.Errorf("op=ledger.track_usage: %w", err)
	}
	return nil
}

// SpendSince sums estimated cost for a group from the given instant.
func (r *LedgerRepo) SpendSince(ctx domain.Context, groupID string, since time.Time) (float64, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.SpendSince")
	defer span.End()
	q := `SELECT COALESCE(SUM(estimated_cost_usd), 0) FROM usage_records WHERE group_id=$1 AND ts >= $2`
	var spend float64
	if err := r.Pool.QueryRow(ctx, q, groupID, since).Scan(&spend); err != nil {
		return 0, fmt.Errorf("op=ledger.spend_since: %w", err)
	}
	return spend, nil
}

// GetBudget loads the budget config for a group; ErrNotFound when unset.
func (r *LedgerRepo) GetBudget(ctx domain.Context, groupID string) (domain.BudgetConfig, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.GetBudget")
	defer span.End()
	q := `SELECT group_id, monthly_budget, daily_budget, alert_thresh, downgrade_thresh, hard_limit_thresh,
		preferred_model, downgrade_model FROM budgets WHERE group_id=$1`
	var b domain.BudgetConfig
	err := r.Pool.QueryRow(ctx, q, groupID).Scan(&b.GroupID, &b.MonthlyBudget, &b.DailyBudget,
		&b.AlertThresh, &b.DowngradeThresh, &b.HardLimitThresh, &b.PreferredModel, &b.DowngradeModel)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.BudgetConfig{}, fmt.Errorf("op=ledger.get_budget: %w", domain.ErrNotFound)
		}
		return domain.BudgetConfig{}, fmt.Errorf("op=ledger.get_budget: %w", err)
	}
	return b, nil
}

// SetBudget upserts the budget config for a group.
func (r *LedgerRepo) SetBudget(ctx domain.Context, b domain.BudgetConfig) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.SetBudget")
	defer span.End()
	q := `INSERT INTO budgets (group_id, monthly_budget, daily_budget, alert_thresh, downgrade_thresh,
		hard_limit_thresh, preferred_model, downgrade_model)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (group_id) DO UPDATE SET monthly_budget=EXCLUDED.monthly_budget,
			daily_budget=EXCLUDED.daily_budget, alert_thresh=EXCLUDED.alert_thresh,
			downgrade_thresh=EXCLUDED.downgrade_thresh, hard_limit_thresh=EXCLUDED.hard_limit_thresh,
			preferred_model=EXCLUDED.preferred_model, downgrade_model=EXCLUDED.downgrade_model`
	_, err := r.Pool.Exec(ctx, q, b.GroupID, b.MonthlyBudget, b.DailyBudget, b.AlertThresh,
		b.DowngradeThresh, b.HardLimitThresh, b.PreferredModel, b.DowngradeModel)
	if err != nil {
		return fmt.Errorf("op=ledger.set_budget: %w", err)
	}
	return nil
}
