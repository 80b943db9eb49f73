package model

import "time"

// EventType names an observability event emitted by the router.
type EventType string

const (
	EventCredentialRegistered   EventType = "credential_registered"
	EventCredentialRotated      EventType = "credential_rotated"
	EventCredentialRevoked      EventType = "credential_revoked"
	EventCredentialTransitioned EventType = "credential_transitioned"
	EventQuotaReset             EventType = "quota_reset"
	EventQuotaExhausted         EventType = "quota_exhausted"
	EventBudgetBreached         EventType = "budget_breached"
	EventDecisionRecorded       EventType = "decision_recorded"
	EventRequestStarted         EventType = "request_started"
	EventRequestSucceeded       EventType = "request_succeeded"
	EventRequestFailed          EventType = "request_failed"
	// EventVaultEphemeralKey warns that the vault generated a process-local
	// key because none was configured; sealed material will not survive a
	// restart.
	EventVaultEphemeralKey EventType = "vault_ephemeral_key"
)

// Event is a structured notification delivered to registered hooks. Fields
// never contain credential material.
type Event struct {
	Type EventType
	At   time.Time
	// CorrelationID ties request-scoped events back to the originating
	// intent; empty on administrative events.
	CorrelationID string
	CredentialID  string
	Provider      string
	Fields        map[string]any
}

// EntityKind names a record family in the state store, used by admin queries.
type EntityKind string

const (
	EntityCredential EntityKind = "credential"
	EntitySnapshot   EntityKind = "snapshot"
	EntityDecision   EntityKind = "decision"
	EntityTransition EntityKind = "transition"
)
