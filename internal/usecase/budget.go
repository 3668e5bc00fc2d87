package usecase

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/nanoclaw/internal/adapter/observability"
	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

// ModelPrice is the USD price per million tokens for one model.
type ModelPrice struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// PriceTable maps model name to its per-million-token prices.
type PriceTable map[string]ModelPrice

// DefaultPriceTable returns the built-in prices used when no table file
// is configured.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		ModelHaiku:  {Input: 0.80, Output: 4.00},
		ModelSonnet: {Input: 3.00, Output: 15.00},
		ModelOpus:   {Input: 15.00, Output: 75.00},
	}
}

// LoadPriceTable reads a YAML price table from path. An empty path
// returns the defaults.
func LoadPriceTable(path string) (PriceTable, error) {
	if path == "" {
		return DefaultPriceTable(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=budget.load_price_table: %w", err)
	}
	var pt PriceTable
	if err := yaml.Unmarshal(b, &pt); err != nil {
		return nil, fmt.Errorf("op=budget.load_price_table: %w", err)
	}
	if len(pt) == 0 {
		return DefaultPriceTable(), nil
	}
	return pt, nil
}

// Estimate returns the USD cost of a run. Unknown models are billed at
// the cheapest entry in the table.
func (pt PriceTable) Estimate(model string, inputTokens, outputTokens int) float64 {
	p, ok := pt[model]
	if !ok {
		p = pt.cheapest()
	}
	return (float64(inputTokens)*p.Input + float64(outputTokens)*p.Output) / 1_000_000
}

func (pt PriceTable) cheapest() ModelPrice {
	best := ModelPrice{Input: math.MaxFloat64, Output: math.MaxFloat64}
	for _, p := range pt {
		if p.Input+p.Output < best.Input+best.Output {
			best = p
		}
	}
	if best.Input == math.MaxFloat64 {
		return ModelPrice{}
	}
	return best
}

// Default governor thresholds, as fractions of the monthly budget.
const (
	defaultAlertThresh     = 0.80
	defaultDowngradeThresh = 0.95
	defaultHardLimitThresh = 1.20

	spendCacheTTL = 5 * time.Minute
	alertDedupTTL = time.Hour
)

// Governor decides, per run, whether the requested model may be used
// given the group's spend against its budget.
type Governor struct {
	ledger  domain.LedgerRepository
	rdb     redis.Cmdable
	prices  PriceTable
	loc     *time.Location
	logger  *slog.Logger
	monthly float64
	daily   float64
	now     func() time.Time
}

// NewGovernor builds a Governor. monthly/daily are the install-wide
// defaults applied when a group has no budget row; zero means unlimited.
func NewGovernor(ledger domain.LedgerRepository, rdb redis.Cmdable, prices PriceTable, loc *time.Location, monthly, daily float64, logger *slog.Logger) *Governor {
	if loc == nil {
		loc = time.UTC
	}
	return &Governor{
		ledger:  ledger,
		rdb:     rdb,
		prices:  prices,
		loc:     loc,
		logger:  logger,
		monthly: monthly,
		daily:   daily,
		now:     time.Now,
	}
}

func (g *Governor) budgetFor(ctx domain.Context, groupID string) domain.BudgetConfig {
	b, err := g.ledger.GetBudget(ctx, groupID)
	if err != nil {
		b = domain.BudgetConfig{GroupID: groupID, MonthlyBudget: g.monthly, DailyBudget: g.daily}
	}
	if b.AlertThresh <= 0 {
		b.AlertThresh = defaultAlertThresh
	}
	if b.DowngradeThresh <= 0 {
		b.DowngradeThresh = defaultDowngradeThresh
	}
	if b.HardLimitThresh <= 0 {
		b.HardLimitThresh = defaultHardLimitThresh
	}
	if b.DowngradeModel == "" {
		b.DowngradeModel = ModelHaiku
	}
	return b
}

// Check returns the action and effective model for a requested run.
func (g *Governor) Check(ctx domain.Context, groupID, requestedModel string) (domain.BudgetDecision, error) {
	b := g.budgetFor(ctx, groupID)
	if b.MonthlyBudget <= 0 {
		return domain.BudgetDecision{Action: domain.BudgetNormal, EffectiveModel: requestedModel}, nil
	}

	now := g.now().In(g.loc)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, g.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.loc)

	spendMonth, err := g.cachedSpend(ctx, groupID, "month", monthStart)
	if err != nil {
		return domain.BudgetDecision{}, fmt.Errorf("op=budget.check: %w", err)
	}
	spendToday, err := g.cachedSpend(ctx, groupID, "day", dayStart)
	if err != nil {
		return domain.BudgetDecision{}, fmt.Errorf("op=budget.check: %w", err)
	}

	usagePct := spendMonth / b.MonthlyBudget
	d := domain.BudgetDecision{UsagePct: usagePct}
	switch {
	case b.DailyBudget > 0 && spendToday >= b.DailyBudget:
		d.Action, d.EffectiveModel = domain.BudgetHaikuOnly, b.DowngradeModel
	case usagePct >= b.HardLimitThresh:
		d.Action, d.EffectiveModel = domain.BudgetOffline, "none"
	case usagePct >= 1.0:
		d.Action, d.EffectiveModel = domain.BudgetHaikuOnly, b.DowngradeModel
	case usagePct >= b.DowngradeThresh:
		d.Action, d.EffectiveModel = domain.BudgetDowngrade, b.DowngradeModel
	case usagePct >= b.AlertThresh:
		d.Action, d.EffectiveModel = domain.BudgetAlert, requestedModel
	default:
		d.Action, d.EffectiveModel = domain.BudgetNormal, requestedModel
	}
	observability.BudgetActionsTotal.WithLabelValues(string(d.Action)).Inc()
	return d, nil
}

// cachedSpend reads a spend aggregate through the Redis cache. A cache
// failure falls back to the ledger directly.
func (g *Governor) cachedSpend(ctx domain.Context, groupID, window string, since time.Time) (float64, error) {
	key := spendCacheKey(groupID, window)
	if g.rdb != nil {
		if s, err := g.rdb.Get(ctx, key).Result(); err == nil {
			if v, perr := strconv.ParseFloat(s, 64); perr == nil {
				return v, nil
			}
		}
	}
	v, err := g.ledger.SpendSince(ctx, groupID, since)
	if err != nil {
		return 0, err
	}
	if g.rdb != nil {
		if err := g.rdb.Set(ctx, key, strconv.FormatFloat(v, 'f', -1, 64), spendCacheTTL).Err(); err != nil {
			g.logger.Warn("spend cache write failed", slog.String("group", groupID), slog.Any("error", err))
		}
	}
	return v, nil
}

func spendCacheKey(groupID, window string) string {
	return "budget:spend:" + groupID + ":" + window
}

// TrackUsage fills in the estimated cost when absent, appends the ledger
// row and drops the group's cached spend aggregates.
func (g *Governor) TrackUsage(ctx domain.Context, u domain.UsageRecord) error {
	if u.EstimatedCostUSD == 0 {
		u.EstimatedCostUSD = g.prices.Estimate(u.Model, u.InputTokens, u.OutputTokens)
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = g.now().UTC()
	}
	if err := g.ledger.TrackUsage(ctx, u); err != nil {
		return fmt.Errorf("op=budget.track_usage: %w", err)
	}
	if g.rdb != nil {
		if err := g.rdb.Del(ctx, spendCacheKey(u.GroupID, "month"), spendCacheKey(u.GroupID, "day")).Err(); err != nil {
			g.logger.Warn("spend cache invalidation failed", slog.String("group", u.GroupID), slog.Any("error", err))
		}
	}
	return nil
}

// ShouldAlert reports whether an alert of the given type may be sent to
// the group now. At most one per (group, alert type) per hour.
func (g *Governor) ShouldAlert(ctx domain.Context, groupID string, action domain.BudgetAction) bool {
	if g.rdb == nil {
		return true
	}
	key := "budget:alert:" + groupID + ":" + string(action)
	ok, err := g.rdb.SetNX(ctx, key, "1", alertDedupTTL).Result()
	if err != nil {
		g.logger.Warn("alert dedup check failed", slog.String("group", groupID), slog.Any("error", err))
		return true
	}
	return ok
}

// CacheTTLMultiplier suggests how much longer upstream knowledge-service
// cache entries should live as budget pressure rises.
func CacheTTLMultiplier(usagePct float64) int {
	switch {
	case usagePct >= 0.95:
		return 6
	case usagePct >= 0.80:
		return 3
	default:
		return 1
	}
}
