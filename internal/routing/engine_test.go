package routing_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/furiwake/internal/cost"
	"github.com/ashita-ai/furiwake/internal/credential"
	"github.com/ashita-ai/furiwake/internal/events"
	"github.com/ashita-ai/furiwake/internal/policy"
	"github.com/ashita-ai/furiwake/internal/quota"
	"github.com/ashita-ai/furiwake/internal/routing"
	"github.com/ashita-ai/furiwake/internal/vault"
	"github.com/ashita-ai/furiwake/model"
	"github.com/ashita-ai/furiwake/provider"
	"github.com/ashita-ai/furiwake/store"
)

var t0 = time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeAdapter struct {
	amount decimal.Decimal
}

func (f fakeAdapter) Execute(context.Context, model.RequestIntent, []byte) (*model.SystemResponse, error) {
	return &model.SystemResponse{Content: "ok"}, nil
}

func (f fakeAdapter) EstimateCost(model.RequestIntent) (model.CostEstimate, error) {
	return model.CostEstimate{Amount: f.amount, PriceVersion: "test-v1"}, nil
}

func (f fakeAdapter) ClassifyError(error) provider.Classification {
	return provider.Classification{Class: provider.ClassPermanent}
}

func (f fakeAdapter) PriceTableVersion() string { return "test-v1" }

// estimateErrAdapter prices nothing: every estimate fails.
type estimateErrAdapter struct {
	fakeAdapter
}

func (estimateErrAdapter) EstimateCost(model.RequestIntent) (model.CostEstimate, error) {
	return model.CostEstimate{}, errors.New("price table unavailable")
}

type fixture struct {
	store    store.Store
	creds    *credential.Manager
	quotas   *quota.Engine
	policies *policy.Engine
	costs    *cost.Controller
	latency  *routing.LatencyTracker
	reg      *provider.Registry
	engine   *routing.Engine
}

func newFixture(t *testing.T, opts ...func(*routing.Config)) *fixture {
	t.Helper()
	return newFixtureWithStore(t, store.NewMemory(), opts...)
}

func newFixtureWithStore(t *testing.T, st store.Store, opts ...func(*routing.Config)) *fixture {
	t.Helper()

	v, err := vault.New([]byte("test-secret"))
	require.NoError(t, err)
	bus := events.New(testLogger(), 256)

	reg := provider.NewRegistry()
	require.NoError(t, reg.Register("openai", fakeAdapter{amount: dec("0.01")}))

	creds := credential.New(st, v, bus, testLogger(), reg.Known)
	quotas := quota.New(st, bus, testLogger(), quota.Config{
		AbundantThreshold: 0.50,
		CriticalThreshold: 0.15,
		SweepInterval:     time.Minute,
		PredictWindow:     10 * time.Minute,
	}, quota.Hooks{})
	policies := policy.New(testLogger())
	costs := cost.New(bus, testLogger())
	latency := routing.NewLatencyTracker()

	cfg := routing.Config{
		Weights:             routing.Weights{Cost: 0.5, Reliability: 0.3, Fairness: 0.2},
		RecentFailureWindow: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	engine := routing.New(st, bus, testLogger(), creds, quotas, policies, costs, reg, latency, cfg)
	return &fixture{
		store:    st,
		creds:    creds,
		quotas:   quotas,
		policies: policies,
		costs:    costs,
		latency:  latency,
		reg:      reg,
		engine:   engine,
	}
}

func (f *fixture) register(t *testing.T, id string, metadata map[string]string) {
	t.Helper()
	_, err := f.creds.Register(context.Background(), credential.Spec{
		ID:       id,
		Provider: "openai",
		Material: []byte("sk-" + id),
		Metadata: metadata,
	})
	require.NoError(t, err)
}

// intent carries no message content so metadata-priced estimates come out to
// exactly the per-1k rate: 1000 completion tokens at rate/1k.
func intent() model.RequestIntent {
	return model.RequestIntent{
		Provider:  "openai",
		Model:     "gpt-4o",
		MaxTokens: 1000,
	}
}

func TestDecideOnlyCandidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "k1", nil)

	choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveCost, t0, nil)
	require.NoError(t, err)
	assert.Equal(t, "k1", choice.Credential.ID)
	assert.Equal(t, []string{"k1"}, choice.Decision.Candidates)
	assert.Contains(t, choice.Decision.Explanation, "only eligible candidate")
	assert.Empty(t, choice.Decision.TieSet)

	recs, err := f.store.Query(ctx, store.Filter{Entity: model.EntityDecision})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, choice.Decision.ID, recs[0].Decision.ID)
	assert.Equal(t, model.Fingerprint(intent()), recs[0].Decision.Fingerprint)
}

func TestDecideCostObjective(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// MaxTokens 1000 makes the estimate equal the per-1k rate.
	f.register(t, "k1", map[string]string{"cost_per_1k": "0.004"})
	f.register(t, "k2", map[string]string{"cost_per_1k": "0.001"})
	f.register(t, "k3", map[string]string{"cost_per_1k": "0.002"})

	choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveCost, t0, nil)
	require.NoError(t, err)
	assert.Equal(t, "k2", choice.Credential.ID)
	assert.Equal(t, []string{"k2", "k3", "k1"}, choice.Decision.Candidates)
	assert.True(t, choice.Estimate.Amount.Equal(dec("0.001")), "estimate %s", choice.Estimate.Amount)

	scores := choice.Decision.Scores
	require.Len(t, scores, 3)
	assert.InDelta(t, -0.001, scores["k2"].Cost, 1e-12)
	assert.InDelta(t, -0.004, scores["k1"].Cost, 1e-12)
}

func TestDecideReliabilityObjective(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "k1", nil)
	f.register(t, "k2", nil)

	// k1: steady 4/5. k2: better raw rate but a failure minutes ago halves it.
	for range 4 {
		require.NoError(t, f.creds.RecordSuccess(ctx, "k1", t0.Add(-time.Hour)))
	}
	for range 9 {
		require.NoError(t, f.creds.RecordSuccess(ctx, "k2", t0.Add(-time.Hour)))
	}
	require.NoError(t, f.creds.RecordFailure(ctx, "k2", t0.Add(-time.Minute)))

	choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveReliability, t0, nil)
	require.NoError(t, err)
	assert.Equal(t, "k1", choice.Credential.ID)

	t.Run("outside the window the raw rate wins", func(t *testing.T) {
		later := t0.Add(time.Hour)
		choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveReliability, later, nil)
		require.NoError(t, err)
		assert.Equal(t, "k2", choice.Credential.ID)
	})
}

func TestDecideFairnessObjective(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "k1", nil)
	f.register(t, "k2", nil)

	for range 10 {
		require.NoError(t, f.creds.RecordSuccess(ctx, "k1", t0.Add(-time.Second)))
	}

	choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveFairness, t0, nil)
	require.NoError(t, err)
	assert.Equal(t, "k2", choice.Credential.ID, "never-used credential wins")

	t.Run("idle use decays", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "k1", nil)
		f.register(t, "k2", nil)
		// k1 carried 10 requests three hours ago; k2 two just now. Decay
		// makes k1 the lighter load: 10*0.125 = 1.25 vs 2.
		for range 10 {
			require.NoError(t, f.creds.RecordSuccess(ctx, "k1", t0.Add(-3*time.Hour)))
		}
		for range 2 {
			require.NoError(t, f.creds.RecordSuccess(ctx, "k2", t0.Add(-time.Second)))
		}

		choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveFairness, t0, nil)
		require.NoError(t, err)
		assert.Equal(t, "k1", choice.Credential.ID)
	})
}

func TestDecideSpeedObjective(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "k1", nil)
	f.register(t, "k2", nil)

	for range 5 {
		f.latency.Observe("k1", 120*time.Millisecond)
		f.latency.Observe("k2", 800*time.Millisecond)
	}

	choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveSpeed, t0, nil)
	require.NoError(t, err)
	assert.Equal(t, "k1", choice.Credential.ID)

	t.Run("unmeasured candidate falls back to reliability", func(t *testing.T) {
		f.register(t, "k3", nil)
		require.NoError(t, f.creds.RecordSuccess(ctx, "k3", t0.Add(-time.Hour)))

		choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveSpeed, t0, nil)
		require.NoError(t, err)
		assert.Equal(t, "k3", choice.Credential.ID)
	})
}

func TestDecideCompositeObjective(t *testing.T) {
	ctx := context.Background()

	// k1 is cheap with a poor record, k2 reliable but pricier. The cost-heavy
	// default blend picks k1; a reliability-heavy blend flips it.
	seed := func(f *fixture) {
		f.register(t, "k1", map[string]string{"cost_per_1k": "0.001"})
		f.register(t, "k2", map[string]string{"cost_per_1k": "0.004"})
		for range 9 {
			require.NoError(t, f.creds.RecordSuccess(ctx, "k2", t0.Add(-2*time.Hour)))
		}
		for range 3 {
			require.NoError(t, f.creds.RecordFailure(ctx, "k1", t0.Add(-2*time.Hour)))
		}
	}

	t.Run("cost heavy", func(t *testing.T) {
		f := newFixture(t)
		seed(f)
		choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveComposite, t0, nil)
		require.NoError(t, err)
		assert.Equal(t, "k1", choice.Credential.ID)
		assert.Greater(t, choice.Decision.Scores["k1"].Composite, choice.Decision.Scores["k2"].Composite)
	})

	t.Run("reliability heavy", func(t *testing.T) {
		f := newFixture(t, func(cfg *routing.Config) {
			cfg.Weights = routing.Weights{Cost: 0.1, Reliability: 0.8, Fairness: 0.1}
		})
		seed(f)
		choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveComposite, t0, nil)
		require.NoError(t, err)
		assert.Equal(t, "k2", choice.Credential.ID)
	})
}

func TestDecideTieBreak(t *testing.T) {
	ctx := context.Background()

	t.Run("success rate breaks cost ties", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "k1", map[string]string{"cost_per_1k": "0.002"})
		f.register(t, "k2", map[string]string{"cost_per_1k": "0.002"})
		require.NoError(t, f.creds.RecordSuccess(ctx, "k2", t0.Add(-time.Hour)))

		choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveCost, t0, nil)
		require.NoError(t, err)
		assert.Equal(t, "k2", choice.Credential.ID)
		assert.ElementsMatch(t, []string{"k1", "k2"}, choice.Decision.TieSet)
		assert.Contains(t, choice.Decision.Explanation, "tie")
	})

	t.Run("id breaks full ties", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "k2", map[string]string{"cost_per_1k": "0.002"})
		f.register(t, "k1", map[string]string{"cost_per_1k": "0.002"})

		choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveCost, t0, nil)
		require.NoError(t, err)
		assert.Equal(t, "k1", choice.Credential.ID)
	})
}

func TestDecidePolicyGates(t *testing.T) {
	ctx := context.Background()

	t.Run("selection deny", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "k1", map[string]string{"plan": "free"})
		f.register(t, "k2", map[string]string{"plan": "scale"})
		_, err := f.policies.Set(ctx, model.Policy{
			Type: model.PolicySelection, Scope: model.ScopeGlobal,
			Rules: []model.Rule{
				{Field: "plan", Op: model.OpEq, Values: []string{"free"}, Effect: model.EffectDeny},
			},
		})
		require.NoError(t, err)

		choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveCost, t0, nil)
		require.NoError(t, err)
		assert.Equal(t, "k2", choice.Credential.ID)
	})

	t.Run("all denied reports breakdown", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "k1", nil)
		f.register(t, "k2", nil)
		_, err := f.policies.Set(ctx, model.Policy{
			Type: model.PolicySelection, Scope: model.ScopeGlobal,
			Rules: []model.Rule{{Effect: model.EffectDeny}},
		})
		require.NoError(t, err)

		_, err = f.engine.Decide(ctx, intent(), model.ObjectiveCost, t0, nil)
		require.Error(t, err)
		assert.Equal(t, model.KindNoEligibleCandidates, model.KindOf(err))

		var re *model.Error
		require.ErrorAs(t, err, &re)
		require.NotNil(t, re.Breakdown)
		assert.Equal(t, 2, re.Breakdown.PolicyBlocked)
	})

	t.Run("min success rate gates fresh credentials", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "k1", nil)
		_, err := f.policies.Set(ctx, model.Policy{
			Type: model.PolicyRouting, Scope: model.ScopeGlobal,
			Rules: []model.Rule{{MinSuccessRate: 0.5}},
		})
		require.NoError(t, err)

		_, err = f.engine.Decide(ctx, intent(), model.ObjectiveCost, t0, nil)
		assert.Equal(t, model.KindNoEligibleCandidates, model.KindOf(err))
	})

	t.Run("cost cap excludes expensive candidates", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "k1", map[string]string{"cost_per_1k": "0.10"})
		f.register(t, "k2", map[string]string{"cost_per_1k": "0.001"})
		_, err := f.policies.Set(ctx, model.Policy{
			Type: model.PolicyCost, Scope: model.ScopeGlobal,
			Rules: []model.Rule{{MaxCostPerRequest: dec("0.01")}},
		})
		require.NoError(t, err)

		choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveCost, t0, nil)
		require.NoError(t, err)
		assert.Equal(t, "k2", choice.Credential.ID)
	})
}

func TestDecideBudgetGates(t *testing.T) {
	ctx := context.Background()

	t.Run("per credential budget reroutes", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "k1", nil)
		f.register(t, "k2", nil)
		_, err := f.costs.CreateBudget(ctx, model.Budget{
			Scope: model.ScopePerCredential, ScopeKey: "k1",
			Limit: dec("0.001"), Window: model.WindowDaily, Enforcement: model.EnforceHard,
		}, t0)
		require.NoError(t, err)

		choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveCost, t0, nil)
		require.NoError(t, err)
		assert.Equal(t, "k2", choice.Credential.ID)
	})

	t.Run("budget as sole blocker", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "k1", nil)
		f.register(t, "k2", nil)
		_, err := f.costs.CreateBudget(ctx, model.Budget{
			Scope: model.ScopeGlobal,
			Limit: dec("0.001"), Window: model.WindowDaily, Enforcement: model.EnforceHard,
		}, t0)
		require.NoError(t, err)

		_, err = f.engine.Decide(ctx, intent(), model.ObjectiveCost, t0, nil)
		require.Error(t, err)
		assert.Equal(t, model.KindBudgetExceeded, model.KindOf(err))

		var re *model.Error
		require.ErrorAs(t, err, &re)
		require.NotNil(t, re.Breakdown)
		assert.Equal(t, 2, re.Breakdown.BudgetBlocked)
	})

	t.Run("soft budget does not block", func(t *testing.T) {
		f := newFixture(t)
		f.register(t, "k1", nil)
		_, err := f.costs.CreateBudget(ctx, model.Budget{
			Scope: model.ScopeGlobal,
			Limit: dec("0.001"), Window: model.WindowDaily, Enforcement: model.EnforceSoft,
		}, t0)
		require.NoError(t, err)

		choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveCost, t0, nil)
		require.NoError(t, err)
		assert.Equal(t, "k1", choice.Credential.ID)
	})
}

func TestDecideQuotaGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "k1", nil)
	f.register(t, "k2", nil)

	require.NoError(t, f.quotas.SetLimit(ctx, "k1", model.WindowHourly, 10, t0))
	require.NoError(t, f.quotas.Observe(ctx, "k1", 10, t0))

	choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveCost, t0, nil)
	require.NoError(t, err)
	assert.Equal(t, "k2", choice.Credential.ID)
}

func TestDecideEstimateFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "k1", nil)
	require.NoError(t, f.reg.Register("openai", estimateErrAdapter{}))

	_, err := f.engine.Decide(ctx, intent(), model.ObjectiveCost, t0, nil)
	require.Error(t, err)
	assert.Equal(t, model.KindNoEligibleCandidates, model.KindOf(err))

	// The rejection lands in its own bucket, not the policy one.
	var re *model.Error
	require.ErrorAs(t, err, &re)
	require.NotNil(t, re.Breakdown)
	assert.Equal(t, 1, re.Breakdown.EstimateFailed)
	assert.Equal(t, 0, re.Breakdown.PolicyBlocked)
}

func TestDecideExclude(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "k1", map[string]string{"cost_per_1k": "0.001"})
	f.register(t, "k2", map[string]string{"cost_per_1k": "0.002"})

	choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveCost, t0, map[string]bool{"k1": true})
	require.NoError(t, err)
	assert.Equal(t, "k2", choice.Credential.ID)

	_, err = f.engine.Decide(ctx, intent(), model.ObjectiveCost, t0, map[string]bool{"k1": true, "k2": true})
	assert.Equal(t, model.KindNoEligibleCandidates, model.KindOf(err))
}

func TestDecideUnknownProvider(t *testing.T) {
	f := newFixture(t)
	in := intent()
	in.Provider = "nope"
	_, err := f.engine.Decide(context.Background(), in, model.ObjectiveCost, t0, nil)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

// decisionFailStore refuses decision writes so the persist-before-dispatch
// contract is observable.
type decisionFailStore struct {
	store.Store
}

func (d *decisionFailStore) SaveDecision(context.Context, model.RoutingDecision) error {
	return errors.New("disk full")
}

func TestDecideFailedPersistAborts(t *testing.T) {
	f := newFixtureWithStore(t, &decisionFailStore{Store: store.NewMemory()})
	ctx := context.Background()
	f.register(t, "k1", nil)

	_, err := f.engine.Decide(ctx, intent(), model.ObjectiveCost, t0, nil)
	require.Error(t, err)
	assert.Equal(t, model.KindInternal, model.KindOf(err))
}

func TestPreferTierBias(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// k1 cheaper but constrained, k2 pricier with full headroom. The tier
	// preference outranks the cost score.
	f.register(t, "k1", map[string]string{"cost_per_1k": "0.001"})
	f.register(t, "k2", map[string]string{"cost_per_1k": "0.002"})
	require.NoError(t, f.quotas.SetLimit(ctx, "k1", model.WindowHourly, 100, t0))
	require.NoError(t, f.quotas.Observe(ctx, "k1", 60, t0))

	_, err := f.policies.Set(ctx, model.Policy{
		Type: model.PolicyRouting, Scope: model.ScopeGlobal,
		Rules: []model.Rule{{PreferTier: model.TierAbundant}},
	})
	require.NoError(t, err)

	choice, err := f.engine.Decide(ctx, intent(), model.ObjectiveCost, t0, nil)
	require.NoError(t, err)
	assert.Equal(t, "k2", choice.Credential.ID)
}
