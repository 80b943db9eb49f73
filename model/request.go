package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Objective selects the scoring function used to rank eligible credentials.
type Objective string

const (
	ObjectiveCost        Objective = "cost"
	ObjectiveReliability Objective = "reliability"
	ObjectiveFairness    Objective = "fairness"
	ObjectiveSpeed       Objective = "speed"
	// ObjectiveComposite ranks by a weighted sum of the primitive objectives,
	// each min-max normalized over the candidate set.
	ObjectiveComposite Objective = "composite"
)

// Valid reports whether o is a known objective.
func (o Objective) Valid() bool {
	switch o {
	case ObjectiveCost, ObjectiveReliability, ObjectiveFairness, ObjectiveSpeed, ObjectiveComposite:
		return true
	}
	return false
}

// Message is one chat turn of a request.
type Message struct {
	Role    string
	Content string
}

// RequestIntent is the caller's description of one outbound request. The
// router picks the credential; the intent never names one.
type RequestIntent struct {
	Provider string
	Model    string
	Messages []Message
	// Params are passed through to the provider adapter untouched.
	Params map[string]any
	// Objective overrides the router's default for this request when set.
	Objective Objective
	// Team and Tenant key per-team budgets and policies.
	Team   string
	Tenant string
	// CorrelationID ties together the events of one route call. Assigned by
	// the router when empty.
	CorrelationID string
	// MaxTokens is a completion-size hint used for cost estimation.
	MaxTokens int
}

// Usage is the token accounting reported by the upstream provider.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// SystemResponse is the terminal outcome of one route call. CredentialID is
// always populated once a credential was chosen; the raw material never is.
type SystemResponse struct {
	Content      string
	CredentialID string
	Usage        Usage
	Cost         decimal.Decimal
	Duration     time.Duration
	// Attempts is the number of adapter calls made, including the final one.
	Attempts int
	// Err is nil on success; otherwise it carries the terminal error kind.
	Err *Error
}
