// Package model defines the entities shared between the furiwake core and
// its embedders: credentials, capacity snapshots, budgets, policies, routing
// decisions, and the event and error taxonomies. Everything here is a plain
// value type with no internal package imports, safe to use from outside the
// module. Store and adapter implementations are written against these types.
package model

import (
	"time"
)

// KeyState is the lifecycle state of a credential.
type KeyState string

const (
	StateAvailable KeyState = "available"
	StateThrottled KeyState = "throttled"
	StateExhausted KeyState = "exhausted"
	StateDisabled  KeyState = "disabled"
	StateInvalid   KeyState = "invalid"
)

// Valid reports whether s is a known state.
func (s KeyState) Valid() bool {
	switch s {
	case StateAvailable, StateThrottled, StateExhausted, StateDisabled, StateInvalid:
		return true
	}
	return false
}

// Credential is one API key (or equivalent bearer secret) for an upstream
// provider. The raw material is held only in sealed form; the plaintext is
// opened just-in-time for dispatch and never persisted or logged.
type Credential struct {
	ID       string
	Provider string
	// Sealed is the vault ciphertext of the credential material (nonce + box).
	Sealed []byte
	State  KeyState

	Successes int64
	Failures  int64

	LastUsedAt    time.Time
	LastFailureAt time.Time
	// CooldownUntil is set while State is Throttled; eligibility queries past
	// this instant promote the credential back to Available.
	CooldownUntil time.Time

	// Metadata carries operator hints consumed by policies and scoring:
	// "tier", "region", "team", "cost_per_1k", "hourly_limit", "daily_limit",
	// "monthly_limit".
	Metadata map[string]string

	CreatedAt time.Time
	RotatedAt time.Time
}

// UsageCount is the total number of recorded attempts against the credential.
func (c Credential) UsageCount() int64 {
	return c.Successes + c.Failures
}

// SuccessRate is the smoothed success ratio successes/(successes+failures+1).
// The +1 keeps unused credentials below perfect so proven ones rank above them.
func (c Credential) SuccessRate() float64 {
	return float64(c.Successes) / float64(c.Successes+c.Failures+1)
}

// Clone returns a deep copy. Sealed bytes and metadata are copied so the
// caller can mutate the result without affecting published snapshots.
func (c Credential) Clone() Credential {
	out := c
	if c.Sealed != nil {
		out.Sealed = make([]byte, len(c.Sealed))
		copy(out.Sealed, c.Sealed)
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// StateTransition records one credential state change. Written before the new
// state becomes observable to eligibility queries.
type StateTransition struct {
	ID           string
	CredentialID string
	From         KeyState
	To           KeyState
	// Reason is a short machine-oriented code: "quota", "auth", "throttle",
	// "revoked", "cooldown elapsed", ...
	Reason string
	// Context is free text, e.g. "cooldown_until=2026-01-02T15:04:05Z".
	Context string
	At      time.Time
}
