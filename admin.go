package furiwake

import (
	"context"
	"time"

	"github.com/ashita-ai/furiwake/internal/credential"
	"github.com/ashita-ai/furiwake/model"
	"github.com/ashita-ai/furiwake/provider"
	"github.com/ashita-ai/furiwake/store"
)

// Administration surface: credential lifecycle, quota limits, budgets,
// policies, and record queries. Everything here passes through to the
// engines; Route never depends on any of it having been called beyond
// provider and credential registration.

// RegisterProvider binds an adapter to a provider id, replacing any
// previous binding. Credentials can only be registered for known providers.
func (r *Router) RegisterProvider(id string, a provider.Adapter) error {
	if err := r.registry.Register(id, a); err != nil {
		return err
	}
	r.logger.Info("provider registered", "provider", id)
	return nil
}

// Providers returns the registered provider ids, sorted.
func (r *Router) Providers() []string {
	return r.registry.Names()
}

// RegisterCredential seals the material, persists the credential, and seeds
// quota limits from its *_limit metadata. The returned credential carries
// only the sealed form.
func (r *Router) RegisterCredential(ctx context.Context, spec CredentialSpec) (model.Credential, error) {
	cred, err := r.creds.Register(ctx, credential.Spec{
		ID:       spec.ID,
		Provider: spec.Provider,
		Material: spec.Material,
		Metadata: spec.Metadata,
	})
	if err != nil {
		return model.Credential{}, err
	}
	if err := r.quotas.SeedFromMetadata(ctx, cred, time.Now().UTC()); err != nil {
		r.logger.Warn("seed quota limits", "credential_id", cred.ID, "error", err)
	}
	return cred, nil
}

// Credential returns the current snapshot of one credential.
func (r *Router) Credential(ctx context.Context, id string) (model.Credential, error) {
	return r.creds.Get(ctx, id)
}

// Credentials returns snapshots of every registered credential, sorted by id.
func (r *Router) Credentials(ctx context.Context) []model.Credential {
	return r.creds.List(ctx)
}

// TransitionCredential forces a lifecycle transition, subject to the same
// legality table the router applies internally.
func (r *Router) TransitionCredential(ctx context.Context, id string, to model.KeyState, reason string) error {
	return r.creds.Transition(ctx, id, to, reason, "")
}

// ThrottleCredential rests a credential for the given cooldown.
func (r *Router) ThrottleCredential(ctx context.Context, id string, cooldown time.Duration, reason string) error {
	return r.creds.Throttle(ctx, id, cooldown, reason)
}

// RotateCredential replaces the sealed material and resets the failure
// counter. The id and metadata are retained.
func (r *Router) RotateCredential(ctx context.Context, id string, material []byte) (model.Credential, error) {
	return r.creds.Rotate(ctx, id, material)
}

// RevokeCredential disables a credential permanently. The record is
// retained for audit.
func (r *Router) RevokeCredential(ctx context.Context, id, reason string) error {
	return r.creds.Revoke(ctx, id, reason)
}

// SetQuotaLimit declares the capacity of one window for a credential. A
// limit of zero marks the window as unknown.
func (r *Router) SetQuotaLimit(ctx context.Context, credentialID string, window model.TimeWindow, limit int64) error {
	return r.quotas.SetLimit(ctx, credentialID, window, limit, time.Now().UTC())
}

// QuotaSnapshots returns the tracked capacity snapshots of a credential, in
// hourly, daily, monthly order.
func (r *Router) QuotaSnapshots(credentialID string) []model.CapacitySnapshot {
	return r.quotas.Snapshots(credentialID)
}

// PredictExhaustion projects when the window runs dry at the recent
// consumption rate. ok is false when there is no limit, no trend, or the
// projection lands past the next reset. Advisory only: routing does not
// consult it.
func (r *Router) PredictExhaustion(credentialID string, window model.TimeWindow) (time.Time, bool) {
	return r.quotas.PredictExhaustion(credentialID, window, time.Now().UTC())
}

// CreateBudget registers a spend cap. Budgets are configuration: they live
// in memory and are re-created on startup by the embedder.
func (r *Router) CreateBudget(ctx context.Context, b model.Budget) (model.Budget, error) {
	return r.costs.CreateBudget(ctx, b, time.Now().UTC())
}

// Budgets returns all budgets with current-window spend, sorted by id.
func (r *Router) Budgets() []model.Budget {
	return r.costs.Budgets(time.Now().UTC())
}

// SetPolicy activates a policy, replacing any active policy with the same
// id. Policies are immutable once active; replace to change.
func (r *Router) SetPolicy(ctx context.Context, p model.Policy) (model.Policy, error) {
	return r.policies.Set(ctx, p)
}

// RemovePolicy deactivates a policy.
func (r *Router) RemovePolicy(ctx context.Context, id string) error {
	return r.policies.Remove(ctx, id)
}

// Policies returns the active policy set.
func (r *Router) Policies() []model.Policy {
	return r.policies.Policies()
}

// Query reads persisted records (credentials, snapshots, decisions,
// transitions) through the state store's filter surface.
func (r *Router) Query(ctx context.Context, f store.Filter) ([]store.Record, error) {
	return r.st.Query(ctx, f)
}
