package furiwake

import (
	"context"

	"github.com/ashita-ai/furiwake/model"
)

// EventHook receives router observability events: credential lifecycle,
// quota boundaries, budget breaches, decisions, and request outcomes.
// Multiple hooks may be registered via multiple WithEventHook calls.
//
// Hooks run on the bus dispatcher goroutine with a per-delivery timeout, so
// they must not block indefinitely. Failures are logged but never fail the
// originating request. Event fields never contain credential material.
type EventHook interface {
	OnEvent(ctx context.Context, ev model.Event) error
}

// The two consumed collaborator interfaces live in public leaf packages:
//
//   - provider.Adapter executes requests against one upstream provider;
//     registered per provider id via RegisterProvider.
//   - store.Store persists credentials, snapshots, decisions, and
//     transitions; swapped in via WithStore.
