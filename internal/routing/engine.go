// Package routing turns an eligible credential set into one recorded
// decision. Eligibility is the conjunction of the lifecycle state, quota,
// policy, and budget gates; scoring ranks whatever survives. The decision
// record is committed to the store before Decide returns, so every adapter
// call is covered by a durable record.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/furiwake/internal/cost"
	"github.com/ashita-ai/furiwake/internal/credential"
	"github.com/ashita-ai/furiwake/internal/events"
	"github.com/ashita-ai/furiwake/internal/policy"
	"github.com/ashita-ai/furiwake/internal/quota"
	"github.com/ashita-ai/furiwake/internal/telemetry"
	"github.com/ashita-ai/furiwake/model"
	"github.com/ashita-ai/furiwake/provider"
	"github.com/ashita-ai/furiwake/store"
)

// scoreEpsilon bounds float comparison when detecting ties.
const scoreEpsilon = 1e-9

// Choice is the outcome of one Decide call: the persisted decision, the
// winning credential, and the estimate the budgets were checked against.
type Choice struct {
	Decision   model.RoutingDecision
	Credential model.Credential
	Estimate   model.CostEstimate
}

// Config tunes scoring.
type Config struct {
	// Weights blend the primitive objectives under composite.
	Weights Weights
	// RecentFailureWindow halves a candidate's reliability score when its
	// last failure is this recent.
	RecentFailureWindow time.Duration
}

// Engine evaluates the gates and ranks candidates. It owns no credential
// state; everything flows in through the collaborators.
type Engine struct {
	store    store.Store
	bus      *events.Bus
	logger   *slog.Logger
	creds    *credential.Manager
	quotas   *quota.Engine
	policies *policy.Engine
	costs    *cost.Controller
	registry *provider.Registry
	latency  *LatencyTracker
	cfg      Config
}

// New creates an Engine.
func New(
	st store.Store,
	bus *events.Bus,
	logger *slog.Logger,
	creds *credential.Manager,
	quotas *quota.Engine,
	policies *policy.Engine,
	costs *cost.Controller,
	registry *provider.Registry,
	latency *LatencyTracker,
	cfg Config,
) *Engine {
	return &Engine{
		store:    st,
		bus:      bus,
		logger:   logger,
		creds:    creds,
		quotas:   quotas,
		policies: policies,
		costs:    costs,
		registry: registry,
		latency:  latency,
		cfg:      cfg,
	}
}

// candidate carries one credential through the gates and scoring.
type candidate struct {
	cred     model.Credential
	verdict  policy.Verdict
	estimate model.CostEstimate
	tier     model.CapacityTier
	scores   model.ObjectiveScores
	// final is the ranking score under the requested objective, after the
	// policy weight.
	final float64
	// preferred is true when the candidate meets the policy's tier
	// preference; preferred candidates rank above the rest.
	preferred bool
}

// Decide runs the gates, scores the survivors, persists the decision, and
// returns the choice. exclude names credentials already tried in this route
// call. The returned error is KindNoEligibleCandidates or KindBudgetExceeded
// when nothing survives, KindInternal when persisting fails.
func (e *Engine) Decide(ctx context.Context, intent model.RequestIntent, objective model.Objective, now time.Time, exclude map[string]bool) (*Choice, error) {
	adapter, ok := e.registry.Get(intent.Provider)
	if !ok {
		return nil, model.NewError(model.KindValidation, "unknown provider %q", intent.Provider)
	}

	eligible, bd, err := e.creds.Eligible(ctx, intent.Provider, now)
	if err != nil {
		return nil, model.WrapError(model.KindInternal, err, "eligibility scan")
	}

	var pool []*candidate
	for _, cred := range eligible {
		if exclude[cred.ID] {
			continue
		}

		// Quota gate. The state machine normally moves exhausted credentials
		// out of Available, so this catches mid-window exhaustion only.
		if e.quotas.AnyExhausted(cred.ID) {
			bd.Exhausted++
			continue
		}

		// Policy gate.
		verdict := e.policies.Evaluate(intent, cred)
		if !verdict.Allowed {
			bd.PolicyBlocked++
			continue
		}
		if verdict.MinSuccessRate > 0 && cred.SuccessRate() < verdict.MinSuccessRate {
			bd.PolicyBlocked++
			continue
		}

		estimate, err := e.costs.Estimate(intent, cred, adapter)
		if err != nil {
			e.logger.Warn("cost estimate failed, skipping candidate",
				"credential_id", cred.ID, "error", err)
			bd.EstimateFailed++
			continue
		}
		if verdict.MaxCostPerRequest.IsPositive() && estimate.Amount.GreaterThan(verdict.MaxCostPerRequest) {
			bd.PolicyBlocked++
			continue
		}

		pool = append(pool, &candidate{cred: cred, verdict: verdict, estimate: estimate})
	}

	// Budget gate, tracked separately so an all-budget blockage surfaces as
	// BudgetExceeded rather than a generic empty set.
	beforeBudget := len(pool)
	var survivors []*candidate
	for _, c := range pool {
		scopes := cost.ScopeSet{
			Provider:     intent.Provider,
			CredentialID: c.cred.ID,
			Team:         intent.Team,
		}
		if d := e.costs.Check(scopes, c.estimate.Amount, now); !d.Allowed {
			bd.BudgetBlocked++
			continue
		}
		survivors = append(survivors, c)
	}

	if len(survivors) == 0 {
		if beforeBudget > 0 && bd.BudgetBlocked == beforeBudget {
			err := model.NewError(model.KindBudgetExceeded,
				"all %d remaining candidates blocked by hard budgets", beforeBudget)
			err.Breakdown = &bd
			return nil, err
		}
		err := model.NewError(model.KindNoEligibleCandidates,
			"no eligible credentials for provider %s", intent.Provider)
		err.Breakdown = &bd
		return nil, err
	}

	e.score(survivors, objective, now)

	sort.SliceStable(survivors, func(i, j int) bool { return rankLess(survivors[j], survivors[i]) })
	winner := survivors[0]

	decision := e.buildDecision(intent, objective, survivors, now)
	if err := e.store.SaveDecision(ctx, decision); err != nil {
		return nil, model.WrapError(model.KindInternal, err, "persist routing decision")
	}

	if counter, err := telemetry.Meter("furiwake/routing").Int64Counter("furiwake.routing.decisions"); err == nil {
		counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("objective", string(objective)),
			attribute.String("provider", intent.Provider),
		))
	}
	e.bus.Publish(model.Event{
		Type:          model.EventDecisionRecorded,
		CorrelationID: intent.CorrelationID,
		CredentialID:  winner.cred.ID,
		Provider:      intent.Provider,
		Fields: map[string]any{
			"decision_id": decision.ID,
			"objective":   string(objective),
			"candidates":  len(survivors),
		},
	})

	return &Choice{Decision: decision, Credential: winner.cred, Estimate: winner.estimate}, nil
}

// score fills every candidate's primitive scores and the final ranking score
// for the requested objective.
func (e *Engine) score(pool []*candidate, objective model.Objective, now time.Time) {
	for _, c := range pool {
		c.tier = e.quotas.WorstTier(c.cred.ID)
		c.scores.Cost = -c.estimate.Amount.InexactFloat64()
		c.scores.Reliability = e.reliability(c.cred, now)
		c.scores.Fairness = fairness(c.cred, now)
		c.scores.Speed = e.speed(c.cred, c.scores.Reliability)
	}

	// Composite always gets computed so decision records carry it.
	normCost := normalize(pool, func(c *candidate) float64 { return c.scores.Cost })
	normRel := normalize(pool, func(c *candidate) float64 { return c.scores.Reliability })
	normFair := normalize(pool, func(c *candidate) float64 { return c.scores.Fairness })
	normSpeed := normalize(pool, func(c *candidate) float64 { return c.scores.Speed })
	for i, c := range pool {
		c.scores.Composite = e.cfg.Weights.Cost*normCost[i] +
			e.cfg.Weights.Reliability*normRel[i] +
			e.cfg.Weights.Fairness*normFair[i] +
			e.cfg.Weights.Speed*normSpeed[i]
	}

	for _, c := range pool {
		var raw float64
		switch objective {
		case model.ObjectiveCost:
			raw = c.scores.Cost
		case model.ObjectiveReliability:
			raw = c.scores.Reliability
		case model.ObjectiveFairness:
			raw = c.scores.Fairness
		case model.ObjectiveSpeed:
			raw = c.scores.Speed
		default:
			raw = c.scores.Composite
		}
		c.final = biased(raw, c.verdict.Weight)
		c.preferred = c.verdict.PreferTier == "" || c.tier.Rank() >= c.verdict.PreferTier.Rank()
	}
}

// reliability is the smoothed success rate, halved when the last failure is
// inside the recent-failure window.
func (e *Engine) reliability(cred model.Credential, now time.Time) float64 {
	score := cred.SuccessRate()
	if e.cfg.RecentFailureWindow > 0 && !cred.LastFailureAt.IsZero() &&
		now.Sub(cred.LastFailureAt) < e.cfg.RecentFailureWindow {
		score /= 2
	}
	return score
}

// fairness prefers lightly used credentials; use decays with a one-hour
// half-life of idleness so an old workhorse is not penalized forever.
func fairness(cred model.Credential, now time.Time) float64 {
	usage := float64(cred.UsageCount())
	if usage == 0 {
		return 0
	}
	idle := time.Duration(0)
	if !cred.LastUsedAt.IsZero() {
		idle = now.Sub(cred.LastUsedAt)
	}
	decay := math.Pow(0.5, idle.Hours())
	return -usage * decay
}

// speed is the negative median latency in milliseconds, falling back to the
// reliability score while no samples exist.
func (e *Engine) speed(cred model.Credential, reliability float64) float64 {
	if p50, ok := e.latency.P50(cred.ID); ok {
		return -float64(p50.Milliseconds())
	}
	return reliability
}

// biased applies a policy weight so that w > 1 always improves the score and
// w < 1 always worsens it, regardless of the score's sign.
func biased(score, w float64) float64 {
	if w <= 0 || w == 1 {
		return score
	}
	if score >= 0 {
		return score * w
	}
	return score / w
}

// rankLess orders candidates worst-first so that sort.SliceStable with the
// arguments flipped yields best-first. Preferred-tier candidates beat the
// rest; equal scores fall to the deterministic tie-break.
func rankLess(a, b *candidate) bool {
	if a.preferred != b.preferred {
		return !a.preferred
	}
	if math.Abs(a.final-b.final) > scoreEpsilon {
		return a.final < b.final
	}
	return tieLess(a, b)
}

// tieLess is the deterministic break: higher success rate first, then lower
// usage, then lexicographic id.
func tieLess(a, b *candidate) bool {
	ar, br := a.cred.SuccessRate(), b.cred.SuccessRate()
	if math.Abs(ar-br) > scoreEpsilon {
		return ar < br
	}
	if a.cred.UsageCount() != b.cred.UsageCount() {
		return a.cred.UsageCount() > b.cred.UsageCount()
	}
	return a.cred.ID > b.cred.ID
}

func (e *Engine) buildDecision(intent model.RequestIntent, objective model.Objective, ranked []*candidate, now time.Time) model.RoutingDecision {
	winner := ranked[0]

	ids := make([]string, len(ranked))
	scores := make(map[string]model.ObjectiveScores, len(ranked))
	for i, c := range ranked {
		ids[i] = c.cred.ID
		scores[c.cred.ID] = c.scores
	}

	var tieSet []string
	for _, c := range ranked {
		if c.preferred == winner.preferred && math.Abs(c.final-winner.final) <= scoreEpsilon {
			tieSet = append(tieSet, c.cred.ID)
		}
	}
	if len(tieSet) < 2 {
		tieSet = nil
	}

	return model.RoutingDecision{
		ID:           uuid.NewString(),
		Fingerprint:  model.Fingerprint(intent),
		CredentialID: winner.cred.ID,
		Candidates:   ids,
		TieSet:       tieSet,
		Objective:    objective,
		Scores:       scores,
		Explanation:  explain(objective, ranked, tieSet),
		At:           now,
	}
}

func explain(objective model.Objective, ranked []*candidate, tieSet []string) string {
	winner := ranked[0]
	if len(ranked) == 1 {
		return fmt.Sprintf("%s was the only eligible candidate", winner.cred.ID)
	}

	var why string
	switch objective {
	case model.ObjectiveCost:
		why = fmt.Sprintf("lowest estimated cost %s", winner.estimate.Amount.StringFixed(6))
	case model.ObjectiveReliability:
		why = fmt.Sprintf("best reliability %.3f", winner.scores.Reliability)
	case model.ObjectiveFairness:
		why = "least recent load"
	case model.ObjectiveSpeed:
		why = "best observed latency"
	default:
		why = fmt.Sprintf("best composite score %.3f", winner.scores.Composite)
	}

	if len(tieSet) > 1 {
		return fmt.Sprintf("%s won on %s among %d candidates, tie of %d broken by success rate, usage, id",
			winner.cred.ID, why, len(ranked), len(tieSet))
	}
	return fmt.Sprintf("%s won on %s among %d candidates", winner.cred.ID, why, len(ranked))
}

// normalize min-max scales the extracted score over the pool into [0,1]. A
// constant column maps to 0.5 so it neither helps nor hurts anyone.
func normalize(pool []*candidate, get func(*candidate) float64) []float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, c := range pool {
		v := get(c)
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	out := make([]float64, len(pool))
	if hi-lo <= scoreEpsilon {
		for i := range out {
			out[i] = 0.5
		}
		return out
	}
	for i, c := range pool {
		out[i] = (get(c) - lo) / (hi - lo)
	}
	return out
}
