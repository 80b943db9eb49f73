// Package policy evaluates operator rules against routing candidates. The
// active set is copy-on-write: Evaluate reads one atomic pointer and never
// takes a lock, so policy updates cannot stall the routing hot path.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ashita-ai/furiwake/model"
)

// Verdict is the combined outcome of every policy that applies to one
// (request, candidate) pair. Broad scopes are evaluated first and narrow
// scopes override them.
type Verdict struct {
	Allowed    bool
	DenyReason string

	// PreferTier is a scoring nudge toward candidates at or above the tier.
	PreferTier model.CapacityTier
	// Weight scales the candidate's score; 1 is neutral.
	Weight float64
	// MinSuccessRate excludes the candidate when its success rate is lower.
	MinSuccessRate float64
	// MaxCostPerRequest excludes the candidate when the estimate is higher.
	// Zero means uncapped.
	MaxCostPerRequest decimal.Decimal
}

// Engine holds the active policy set.
type Engine struct {
	logger *slog.Logger

	mu     sync.Mutex // serializes writers
	active atomic.Pointer[[]model.Policy]
}

// New creates an Engine with an empty policy set.
func New(logger *slog.Logger) *Engine {
	e := &Engine{logger: logger}
	empty := make([]model.Policy, 0)
	e.active.Store(&empty)
	return e
}

// Set validates and installs a policy. Publishing an ID that already exists
// replaces the previous version atomically.
func (e *Engine) Set(_ context.Context, p model.Policy) (model.Policy, error) {
	if err := validate(p); err != nil {
		return model.Policy{}, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := *e.active.Load()
	next := make([]model.Policy, 0, len(cur)+1)
	for _, existing := range cur {
		if existing.ID != p.ID {
			next = append(next, existing)
		}
	}
	next = append(next, p)
	e.active.Store(&next)

	e.logger.Info("policy installed",
		"policy_id", p.ID, "type", p.Type, "scope", p.Scope, "scope_key", p.ScopeKey,
		"rules", len(p.Rules))
	return p, nil
}

// Remove drops a policy by id.
func (e *Engine) Remove(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := *e.active.Load()
	next := make([]model.Policy, 0, len(cur))
	found := false
	for _, p := range cur {
		if p.ID == id {
			found = true
			continue
		}
		next = append(next, p)
	}
	if !found {
		return model.NewError(model.KindValidation, "policy %s not found", id)
	}
	e.active.Store(&next)
	e.logger.Info("policy removed", "policy_id", id)
	return nil
}

// Policies returns the active set sorted by id.
func (e *Engine) Policies() []model.Policy {
	cur := *e.active.Load()
	out := make([]model.Policy, len(cur))
	copy(out, cur)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Evaluate resolves every applicable policy for this request and candidate.
// Policies run broad to narrow, higher precedence last within a tier, so the
// most specific matching policy has the final word on each field.
func (e *Engine) Evaluate(intent model.RequestIntent, cand model.Credential) Verdict {
	v := Verdict{Allowed: true, Weight: 1}

	applicable := e.applicable(intent, cand)
	for _, p := range applicable {
		rule, ok := firstMatch(p.Rules, intent, cand)
		if !ok {
			continue
		}
		switch p.Type {
		case model.PolicySelection:
			if rule.Effect == model.EffectDeny {
				v.Allowed = false
				v.DenyReason = fmt.Sprintf("denied by policy %s", p.ID)
			} else {
				v.Allowed = true
				v.DenyReason = ""
			}
		case model.PolicyRouting:
			if rule.PreferTier != "" {
				v.PreferTier = rule.PreferTier
			}
			if rule.Weight > 0 {
				v.Weight = rule.Weight
			}
			if rule.MinSuccessRate > 0 {
				v.MinSuccessRate = rule.MinSuccessRate
			}
		case model.PolicyCost:
			if rule.MaxCostPerRequest.IsPositive() {
				v.MaxCostPerRequest = rule.MaxCostPerRequest
			}
		}
	}
	return v
}

// applicable filters the active set down to policies whose scope covers this
// request and candidate, ordered broad to narrow.
func (e *Engine) applicable(intent model.RequestIntent, cand model.Credential) []model.Policy {
	cur := *e.active.Load()

	out := make([]model.Policy, 0, len(cur))
	for _, p := range cur {
		switch p.Scope {
		case model.ScopeGlobal:
			out = append(out, p)
		case model.ScopePerProvider:
			if p.ScopeKey == intent.Provider {
				out = append(out, p)
			}
		case model.ScopePerTeam:
			if intent.Team != "" && p.ScopeKey == intent.Team {
				out = append(out, p)
			}
		case model.ScopePerCredential:
			if p.ScopeKey == cand.ID {
				out = append(out, p)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Scope.Specificity() != b.Scope.Specificity() {
			return a.Scope.Specificity() < b.Scope.Specificity()
		}
		if a.Precedence != b.Precedence {
			return a.Precedence < b.Precedence
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// firstMatch returns the first rule whose match clause covers the pair.
// Rules with an empty Field match unconditionally.
func firstMatch(rules []model.Rule, intent model.RequestIntent, cand model.Credential) (model.Rule, bool) {
	for _, r := range rules {
		if matches(r, intent, cand) {
			return r, true
		}
	}
	return model.Rule{}, false
}

func matches(r model.Rule, intent model.RequestIntent, cand model.Credential) bool {
	if r.Field == "" {
		return true
	}
	actual := fieldValue(r.Field, intent, cand)

	switch r.Op {
	case model.OpEq:
		return len(r.Values) > 0 && actual == r.Values[0]
	case model.OpNe:
		return len(r.Values) > 0 && actual != r.Values[0]
	case model.OpIn:
		return contains(r.Values, actual)
	case model.OpNotIn:
		return !contains(r.Values, actual)
	}
	return false
}

func fieldValue(field string, intent model.RequestIntent, cand model.Credential) string {
	switch field {
	case "provider":
		return cand.Provider
	case "id":
		return cand.ID
	case "state":
		return string(cand.State)
	case "model":
		return intent.Model
	case "team":
		return intent.Team
	case "tenant":
		return intent.Tenant
	}
	return cand.Metadata[field]
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

func validate(p model.Policy) error {
	switch p.Type {
	case model.PolicySelection, model.PolicyRouting, model.PolicyCost:
	default:
		return model.NewError(model.KindValidation, "unknown policy type %q", p.Type)
	}
	if !p.Scope.Valid() {
		return model.NewError(model.KindValidation, "unknown policy scope %q", p.Scope)
	}
	if p.Scope == model.ScopeGlobal && p.ScopeKey != "" {
		return model.NewError(model.KindValidation, "global policy must not carry a scope key")
	}
	if p.Scope != model.ScopeGlobal && p.ScopeKey == "" {
		return model.NewError(model.KindValidation, "policy scope %s requires a scope key", p.Scope)
	}
	if len(p.Rules) == 0 {
		return model.NewError(model.KindValidation, "policy has no rules")
	}

	for i, r := range p.Rules {
		if r.Field != "" {
			switch r.Op {
			case model.OpEq, model.OpNe, model.OpIn, model.OpNotIn:
			default:
				return model.NewError(model.KindValidation, "rule %d: unknown op %q", i, r.Op)
			}
			if len(r.Values) == 0 {
				return model.NewError(model.KindValidation, "rule %d: op %s needs values", i, r.Op)
			}
		}

		switch p.Type {
		case model.PolicySelection:
			if r.Effect != model.EffectAllow && r.Effect != model.EffectDeny {
				return model.NewError(model.KindValidation, "rule %d: unknown effect %q", i, r.Effect)
			}
		case model.PolicyRouting:
			if r.PreferTier == "" && r.Weight == 0 && r.MinSuccessRate == 0 {
				return model.NewError(model.KindValidation, "rule %d: routing rule sets no bias", i)
			}
			if r.PreferTier != "" {
				switch r.PreferTier {
				case model.TierAbundant, model.TierConstrained, model.TierCritical, model.TierExhausted:
				default:
					return model.NewError(model.KindValidation, "rule %d: unknown tier %q", i, r.PreferTier)
				}
			}
			if r.Weight < 0 {
				return model.NewError(model.KindValidation, "rule %d: negative weight", i)
			}
			if r.MinSuccessRate < 0 || r.MinSuccessRate > 1 {
				return model.NewError(model.KindValidation, "rule %d: min success rate outside [0,1]", i)
			}
		case model.PolicyCost:
			if !r.MaxCostPerRequest.IsPositive() {
				return model.NewError(model.KindValidation, "rule %d: cost cap must be positive", i)
			}
		}
	}
	return nil
}
