package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PolicyType classifies what a policy's rules act on.
type PolicyType string

const (
	// PolicySelection rules include or exclude candidates outright.
	PolicySelection PolicyType = "selection"
	// PolicyRouting rules bias scoring without excluding anyone, except for
	// MinSuccessRate which gates.
	PolicyRouting PolicyType = "routing"
	// PolicyCost rules constrain per-request spend.
	PolicyCost PolicyType = "cost"
)

// MatchOp compares a candidate attribute against rule values.
type MatchOp string

const (
	OpEq    MatchOp = "eq"
	OpNe    MatchOp = "ne"
	OpIn    MatchOp = "in"
	OpNotIn MatchOp = "not_in"
)

// RuleEffect is the outcome of a matching selection rule.
type RuleEffect string

const (
	EffectAllow RuleEffect = "allow"
	EffectDeny  RuleEffect = "deny"
)

// Rule is one clause of a policy. Which fields are meaningful depends on the
// owning policy's type; the unused fields stay zero.
type Rule struct {
	// Match clause, shared by all policy types. Field names a candidate
	// attribute ("provider", "id", "state"), a request attribute ("model",
	// "team", "tenant"), or falls back to a credential metadata key. An empty
	// Field matches every candidate.
	Field  string
	Op     MatchOp
	Values []string
	// Effect applies to matching selection rules.
	Effect RuleEffect

	// Routing: PreferTier nudges scoring toward candidates whose capacity
	// tier is at least this good, Weight scales a matching candidate's score
	// (1 is neutral, 0 means unset), and MinSuccessRate excludes candidates
	// below the rate (0 disables the gate).
	PreferTier     CapacityTier
	Weight         float64
	MinSuccessRate float64

	// Cost: refuse candidates whose estimated request cost exceeds
	// MaxCostPerRequest (zero disables).
	MaxCostPerRequest decimal.Decimal
}

// Policy is an ordered rule list bound to a scope. Policies are immutable
// once active; publishing a policy with an existing ID replaces it.
type Policy struct {
	ID       string
	Type     PolicyType
	Scope    Scope
	ScopeKey string
	// Rules apply in order; for selection policies the first matching rule
	// decides.
	Rules []Rule
	// Precedence breaks ties between policies of equal scope specificity.
	// Higher wins.
	Precedence int
	CreatedAt  time.Time
}
