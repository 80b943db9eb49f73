// Package cost estimates request cost, enforces monetary budgets, and
// calibrates adapter estimates against reconciled actuals. All money moves
// through decimal arithmetic; float64 appears only in the calibration ratio.
package cost

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/furiwake/internal/events"
	"github.com/ashita-ai/furiwake/internal/telemetry"
	"github.com/ashita-ai/furiwake/model"
	"github.com/ashita-ai/furiwake/provider"
)

// MetaCostPer1K is the credential metadata key holding a contractual price
// per thousand tokens. When present it overrides the adapter estimate and
// calibration does not apply.
const MetaCostPer1K = "cost_per_1k"

// metadataPriceVersion marks estimates derived from credential metadata
// rather than an adapter price table.
const metadataPriceVersion = "metadata:" + MetaCostPer1K

// EWMA parameters for the estimate calibration factor.
const (
	calibrationAlpha = 0.2
	factorFloor      = 0.1
	factorCeil       = 10.0
)

// ScopeSet names the budget scopes one request falls under.
type ScopeSet struct {
	Provider     string
	CredentialID string
	Team         string
}

// Controller owns budgets and the calibration table. Budgets are
// configuration state and live in memory; spend inside the current window is
// rebuilt from traffic after a restart.
type Controller struct {
	logger *slog.Logger
	bus    *events.Bus

	mu      sync.Mutex
	budgets map[string]*model.Budget

	calMu   sync.RWMutex
	factors map[string]float64 // provider|model
}

// New creates a Controller.
func New(bus *events.Bus, logger *slog.Logger) *Controller {
	c := &Controller{
		logger:  logger,
		bus:     bus,
		budgets: make(map[string]*model.Budget),
		factors: make(map[string]float64),
	}
	c.registerMetrics()
	return c
}

// CreateBudget validates and installs a budget. ID is assigned when empty.
// Spend starts at zero in the window containing now.
func (c *Controller) CreateBudget(ctx context.Context, b model.Budget, now time.Time) (model.Budget, error) {
	if !b.Scope.Valid() {
		return model.Budget{}, model.NewError(model.KindValidation, "unknown budget scope %q", b.Scope)
	}
	if b.Scope == model.ScopeGlobal && b.ScopeKey != "" {
		return model.Budget{}, model.NewError(model.KindValidation, "global budget must not carry a scope key")
	}
	if b.Scope != model.ScopeGlobal && b.ScopeKey == "" {
		return model.Budget{}, model.NewError(model.KindValidation, "budget scope %s requires a scope key", b.Scope)
	}
	if !b.Window.Valid() {
		return model.Budget{}, model.NewError(model.KindValidation, "unknown budget window %q", b.Window)
	}
	if b.Enforcement != model.EnforceHard && b.Enforcement != model.EnforceSoft {
		return model.Budget{}, model.NewError(model.KindValidation, "unknown enforcement %q", b.Enforcement)
	}
	if !b.Limit.IsPositive() {
		return model.Budget{}, model.NewError(model.KindValidation, "budget limit must be positive")
	}

	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	b.Spent = decimal.Zero
	b.WindowStart = b.Window.Start(now)

	c.mu.Lock()
	if _, exists := c.budgets[b.ID]; exists {
		c.mu.Unlock()
		return model.Budget{}, model.NewError(model.KindValidation, "budget %s already exists", b.ID)
	}
	stored := b
	c.budgets[b.ID] = &stored
	c.mu.Unlock()

	c.logger.Info("budget created",
		"budget_id", b.ID, "scope", b.Scope, "scope_key", b.ScopeKey,
		"limit", b.Limit.String(), "window", b.Window, "enforcement", b.Enforcement)
	return b, nil
}

// Budgets returns the installed budgets sorted by id.
func (c *Controller) Budgets(now time.Time) []model.Budget {
	c.mu.Lock()
	out := make([]model.Budget, 0, len(c.budgets))
	for _, b := range c.budgets {
		c.rollover(b, now)
		out = append(out, *b)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Estimate forecasts the cost of dispatching intent on cred. A cost_per_1k
// metadata entry wins over the adapter's price table; adapter estimates are
// scaled by the calibration factor for that provider and model.
func (c *Controller) Estimate(intent model.RequestIntent, cred model.Credential, adapter provider.Adapter) (model.CostEstimate, error) {
	if raw, ok := cred.Metadata[MetaCostPer1K]; ok {
		rate, err := decimal.NewFromString(raw)
		if err == nil && !rate.IsNegative() {
			tokens := tokenEstimate(intent)
			amount := rate.Mul(decimal.NewFromInt(tokens)).Div(decimal.NewFromInt(1000))
			return model.CostEstimate{Amount: amount, PriceVersion: metadataPriceVersion}, nil
		}
		c.logger.Warn("ignoring unparsable cost_per_1k",
			"credential_id", cred.ID, "value", raw)
	}

	est, err := adapter.EstimateCost(intent)
	if err != nil {
		return model.CostEstimate{}, model.WrapError(model.KindInternal, err, "estimate cost via %s", intent.Provider)
	}
	if factor := c.Factor(intent.Provider, intent.Model); factor != 1.0 {
		est.Amount = est.Amount.Mul(decimal.NewFromFloat(factor))
	}
	return est, nil
}

// Check evaluates an estimate against every applicable budget. Hard budgets
// that would be pushed past their limit land in Blocked; soft ones in
// Breached. Windows roll over lazily here.
func (c *Controller) Check(scopes ScopeSet, amount decimal.Decimal, now time.Time) model.BudgetDecision {
	dec := model.BudgetDecision{Allowed: true, Remaining: decimal.Zero}

	c.mu.Lock()
	defer c.mu.Unlock()

	first := true
	for _, b := range c.sorted() {
		if !c.applies(b, scopes) {
			continue
		}
		c.rollover(b, now)

		after := b.Limit.Sub(b.Spent).Sub(amount)
		if after.IsNegative() {
			switch b.Enforcement {
			case model.EnforceHard:
				dec.Blocked = append(dec.Blocked, b.ID)
			case model.EnforceSoft:
				dec.Breached = append(dec.Breached, b.ID)
				c.logger.Warn("soft budget would be exceeded",
					"budget_id", b.ID, "scope", b.Scope, "scope_key", b.ScopeKey,
					"spent", b.Spent.String(), "limit", b.Limit.String(), "estimate", amount.String())
			}
			after = decimal.Zero
		}
		if first || after.LessThan(dec.Remaining) {
			dec.Remaining = after
			first = false
		}
	}

	dec.Allowed = len(dec.Blocked) == 0
	return dec
}

// Commit adds reconciled spend to every applicable budget and emits a breach
// event for each budget whose spend crosses its limit.
func (c *Controller) Commit(ctx context.Context, scopes ScopeSet, actual decimal.Decimal, now time.Time) {
	if !actual.IsPositive() {
		return
	}

	type breach struct{ b model.Budget }
	var breaches []breach

	c.mu.Lock()
	for _, b := range c.budgets {
		if !c.applies(b, scopes) {
			continue
		}
		c.rollover(b, now)

		before := b.Spent
		b.Spent = b.Spent.Add(actual)
		if before.LessThanOrEqual(b.Limit) && b.Spent.GreaterThan(b.Limit) {
			breaches = append(breaches, breach{b: *b})
		}
	}
	c.mu.Unlock()

	for _, br := range breaches {
		c.logger.Warn("budget breached",
			"budget_id", br.b.ID, "scope", br.b.Scope, "scope_key", br.b.ScopeKey,
			"spent", br.b.Spent.String(), "limit", br.b.Limit.String(),
			"enforcement", br.b.Enforcement)
		c.bus.Publish(model.Event{
			Type: model.EventBudgetBreached,
			Fields: map[string]any{
				"budget_id":   br.b.ID,
				"scope":       string(br.b.Scope),
				"scope_key":   br.b.ScopeKey,
				"spent":       br.b.Spent.String(),
				"limit":       br.b.Limit.String(),
				"enforcement": string(br.b.Enforcement),
			},
		})
	}
}

// IsMetadataPriced reports whether an estimate was priced from credential
// metadata rather than an adapter price table. Such estimates carry a
// contractual rate and must stay out of calibration.
func IsMetadataPriced(est model.CostEstimate) bool {
	return est.PriceVersion == metadataPriceVersion
}

// Reconcile folds an estimate-vs-actual pair into the calibration factor for
// the provider and model. Estimates from metadata pricing must not be fed
// here; the factor corrects adapter price tables only.
func (c *Controller) Reconcile(provider, mdl string, estimated, actual decimal.Decimal) {
	if !estimated.IsPositive() || actual.IsNegative() {
		return
	}
	ratio := actual.Div(estimated).InexactFloat64()

	key := provider + "|" + mdl
	c.calMu.Lock()
	old, ok := c.factors[key]
	if !ok {
		old = 1.0
	}
	factor := (1-calibrationAlpha)*old + calibrationAlpha*ratio
	if factor < factorFloor {
		factor = factorFloor
	}
	if factor > factorCeil {
		factor = factorCeil
	}
	c.factors[key] = factor
	c.calMu.Unlock()
}

// Factor returns the calibration multiplier for a provider and model, 1.0
// when nothing has been reconciled yet.
func (c *Controller) Factor(provider, mdl string) float64 {
	c.calMu.RLock()
	defer c.calMu.RUnlock()
	if f, ok := c.factors[provider+"|"+mdl]; ok {
		return f
	}
	return 1.0
}

func (c *Controller) applies(b *model.Budget, s ScopeSet) bool {
	switch b.Scope {
	case model.ScopeGlobal:
		return true
	case model.ScopePerProvider:
		return b.ScopeKey == s.Provider
	case model.ScopePerCredential:
		return b.ScopeKey == s.CredentialID
	case model.ScopePerTeam:
		return s.Team != "" && b.ScopeKey == s.Team
	}
	return false
}

// rollover resets spend when now has left the budget's window. Caller holds
// c.mu.
func (c *Controller) rollover(b *model.Budget, now time.Time) {
	if now.Before(b.Window.Next(b.WindowStart)) {
		return
	}
	c.logger.Info("budget window rolled over",
		"budget_id", b.ID, "spent", b.Spent.String(), "limit", b.Limit.String())
	b.Spent = decimal.Zero
	b.WindowStart = b.Window.Start(now)
}

// sorted returns budgets ordered by id for deterministic decision contents.
// Caller holds c.mu.
func (c *Controller) sorted() []*model.Budget {
	out := make([]*model.Budget, 0, len(c.budgets))
	for _, b := range c.budgets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// tokenEstimate is the coarse token forecast used for metadata pricing: four
// characters per prompt token plus the completion budget.
func tokenEstimate(intent model.RequestIntent) int64 {
	var chars int
	for _, m := range intent.Messages {
		chars += len(m.Content)
	}
	tokens := int64(chars/4) + int64(intent.MaxTokens)
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

func (c *Controller) registerMetrics() {
	meter := telemetry.Meter("furiwake/cost")

	_, _ = meter.Float64ObservableGauge("furiwake.budget.utilization",
		metric.WithDescription("Fraction of each budget's limit spent in the current window"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			for _, b := range c.budgets {
				if !b.Limit.IsPositive() {
					continue
				}
				util := b.Spent.Div(b.Limit).InexactFloat64()
				o.Observe(util, metric.WithAttributes(
					attribute.String("budget_id", b.ID),
					attribute.String("scope", string(b.Scope)),
					attribute.String("scope_key", b.ScopeKey),
				))
			}
			return nil
		}),
	)
}
