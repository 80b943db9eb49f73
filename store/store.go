// Package store defines the persistence contract of the router core and an
// in-memory reference implementation. The core persists credentials, capacity
// snapshots, routing decisions, and state transitions through this interface
// and makes no further assumptions; embedders swap in networked backings by
// implementing Store.
package store

import (
	"context"
	"time"

	"github.com/ashita-ai/furiwake/model"
)

// Filter narrows a Query. Zero fields match everything; From/To bound the
// record timestamp half-open [From, To).
type Filter struct {
	Entity       model.EntityKind
	CredentialID string
	Provider     string
	State        model.KeyState
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

// Record is one result row of a Query. Exactly one pointer is non-nil,
// matching Kind.
type Record struct {
	Kind       model.EntityKind
	Credential *model.Credential
	Snapshot   *model.CapacitySnapshot
	Decision   *model.RoutingDecision
	Transition *model.StateTransition
}

// Store persists router state. Implementations must be safe for concurrent
// use. Save methods are upserts keyed on the entity's natural key: credential
// id, (credential id, window), decision id, transition id.
//
// A write error before dispatch aborts the route: the core never calls an
// adapter whose decision record failed to commit.
type Store interface {
	SaveCredential(ctx context.Context, c model.Credential) error
	GetCredential(ctx context.Context, id string) (model.Credential, error)
	ListCredentials(ctx context.Context) ([]model.Credential, error)

	SaveSnapshot(ctx context.Context, s model.CapacitySnapshot) error
	GetSnapshot(ctx context.Context, credentialID string, window model.TimeWindow) (model.CapacitySnapshot, error)

	SaveDecision(ctx context.Context, d model.RoutingDecision) error
	SaveTransition(ctx context.Context, t model.StateTransition) error

	Query(ctx context.Context, f Filter) ([]Record, error)

	Close(ctx context.Context) error
}
