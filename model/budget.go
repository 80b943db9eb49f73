package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Scope narrows a budget or policy to a slice of traffic. The zero ScopeKey is
// used with ScopeGlobal; the other scopes key on provider id, credential id,
// or team name respectively.
type Scope string

const (
	ScopeGlobal        Scope = "global"
	ScopePerProvider   Scope = "per_provider"
	ScopePerCredential Scope = "per_credential"
	ScopePerTeam       Scope = "per_team"
)

// Specificity orders scopes from broad to narrow. Higher wins when policies
// conflict.
func (s Scope) Specificity() int {
	switch s {
	case ScopeGlobal:
		return 0
	case ScopePerProvider:
		return 1
	case ScopePerTeam:
		return 2
	case ScopePerCredential:
		return 3
	}
	return -1
}

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s.Specificity() >= 0
}

// Enforcement selects what happens when a budget would be exceeded.
type Enforcement string

const (
	// EnforceHard blocks requests that would push spend past the limit.
	EnforceHard Enforcement = "hard"
	// EnforceSoft allows the request and flags the breach.
	EnforceSoft Enforcement = "soft"
)

// Budget caps monetary spend for a scope over a window. Spend accumulates in
// decimal arithmetic; the window rolls over lazily on the first check or
// reconcile past the boundary.
type Budget struct {
	ID          string
	Scope       Scope
	ScopeKey    string
	Limit       decimal.Decimal
	Window      TimeWindow
	Enforcement Enforcement
	Spent       decimal.Decimal
	WindowStart time.Time
}

// Remaining is Limit - Spent, floored at zero.
func (b Budget) Remaining() decimal.Decimal {
	r := b.Limit.Sub(b.Spent)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// CostEstimate is a provider adapter's forecast of a request's cost.
type CostEstimate struct {
	Amount decimal.Decimal
	// PriceVersion identifies the adapter price table the estimate came from,
	// recorded for audit of estimate-vs-actual drift.
	PriceVersion string
}

// BudgetDecision is the outcome of checking an estimate against every
// applicable budget.
type BudgetDecision struct {
	Allowed bool
	// Blocked lists ids of hard budgets that refused the request.
	Blocked []string
	// Breached lists ids of soft budgets the request pushes past their limit.
	Breached []string
	// Remaining is the tightest headroom across applicable budgets after the
	// estimate, or zero decimal when no budget applies.
	Remaining decimal.Decimal
}
