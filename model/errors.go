package model

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed failure taxonomy of the router. Recoverable kinds
// are handled inside the route loop; the rest surface to the caller.
type ErrorKind string

const (
	// KindValidation: malformed intent or unknown provider. Not retried.
	KindValidation ErrorKind = "validation"
	// KindNoEligibleCandidates: every credential failed an eligibility gate.
	// Carries a Breakdown. Not retried.
	KindNoEligibleCandidates ErrorKind = "no_eligible_candidates"
	// KindBudgetExceeded: a hard budget refused the request. Not retried.
	KindBudgetExceeded ErrorKind = "budget_exceeded"
	// KindTransient: network or 5xx class failure; retried on the same
	// credential with backoff.
	KindTransient ErrorKind = "transient"
	// KindThrottled: upstream rate limit; the credential cools down and a
	// different one is tried.
	KindThrottled ErrorKind = "throttled"
	// KindQuotaExceeded: upstream reports the credential out of quota; it is
	// exhausted and a different one is tried.
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	// KindAuthFailure: the credential is invalid; a different one is tried.
	KindAuthFailure ErrorKind = "auth_failure"
	// KindPermanent: non-retryable upstream rejection.
	KindPermanent ErrorKind = "permanent"
	// KindTimeout: the route deadline elapsed; no counters are mutated.
	KindTimeout ErrorKind = "timeout"
	// KindInternal: state store or crypto failure; nothing was dispatched.
	KindInternal ErrorKind = "internal"
)

// EligibilityBreakdown counts why candidates were rejected, for operators
// debugging an empty candidate set.
type EligibilityBreakdown struct {
	Disabled       int
	Throttled      int
	Invalid        int
	Exhausted      int
	PolicyBlocked  int
	BudgetBlocked  int
	EstimateFailed int
}

// Total is the number of rejected candidates across all reasons.
func (b EligibilityBreakdown) Total() int {
	return b.Disabled + b.Throttled + b.Invalid + b.Exhausted + b.PolicyBlocked + b.BudgetBlocked + b.EstimateFailed
}

func (b EligibilityBreakdown) String() string {
	return fmt.Sprintf("disabled=%d throttled=%d invalid=%d exhausted=%d policy_blocked=%d budget_blocked=%d estimate_failed=%d",
		b.Disabled, b.Throttled, b.Invalid, b.Exhausted, b.PolicyBlocked, b.BudgetBlocked, b.EstimateFailed)
}

// Error is the router's failure value. Messages are redacted: they may name a
// credential id but never its material or a raw upstream payload.
type Error struct {
	Kind         ErrorKind
	Message      string
	CredentialID string
	// Breakdown is set on KindNoEligibleCandidates and KindBudgetExceeded.
	Breakdown *EligibilityBreakdown
	cause      error
}

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error of the given kind around a cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	if e.Breakdown != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Breakdown)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the ErrorKind from err, unwrapping as needed.
// Returns KindInternal for non-router errors and "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
