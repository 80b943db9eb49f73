// Package credential owns the credential lifecycle: registration, the state
// machine, rotation, revocation, and eligibility queries. Hot state follows
// the snapshot pattern: each credential has one writer mutex and a published
// immutable copy, so readers never block readers and eligibility scans take
// no write locks.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/furiwake/internal/events"
	"github.com/ashita-ai/furiwake/internal/telemetry"
	"github.com/ashita-ai/furiwake/internal/vault"
	"github.com/ashita-ai/furiwake/model"
	"github.com/ashita-ai/furiwake/store"
)

// ErrInvalidTransition is returned when a requested state change is not in
// the transition table.
var ErrInvalidTransition = errors.New("credential: invalid transition")

// Spec describes a credential to register. ID is optional; a UUID is
// assigned when empty. Material is the raw secret and is sealed before
// anything else sees it.
type Spec struct {
	ID       string
	Provider string
	Material []byte
	Metadata map[string]string
}

type entry struct {
	mu   sync.Mutex // serializes writers for this credential
	snap atomic.Pointer[model.Credential]
}

// load returns the published snapshot. Only valid on entries obtained from
// Manager.entry, which filters out unpublished reservations.
func (e *entry) load() model.Credential {
	return *e.snap.Load()
}

func (e *entry) publish(c model.Credential) {
	e.snap.Store(&c)
}

// Manager is the credential lifecycle owner. All state changes flow through
// it; the store commit happens before the new state is published in memory,
// so no eligibility query can observe a state the store has not recorded.
type Manager struct {
	store         store.Store
	vault         *vault.Vault
	bus           *events.Bus
	logger        *slog.Logger
	providerKnown func(string) bool

	mu      sync.RWMutex // guards the entries map, not the entries
	entries map[string]*entry
}

// New creates a Manager. providerKnown gates registration against the
// adapter registry.
func New(st store.Store, v *vault.Vault, bus *events.Bus, logger *slog.Logger, providerKnown func(string) bool) *Manager {
	m := &Manager{
		store:         st,
		vault:         v,
		bus:           bus,
		logger:        logger,
		providerKnown: providerKnown,
		entries:       make(map[string]*entry),
	}
	m.registerMetrics()
	return m
}

// Register seals the material, persists the credential, and makes it
// Available.
func (m *Manager) Register(ctx context.Context, spec Spec) (model.Credential, error) {
	if len(spec.Material) == 0 {
		return model.Credential{}, model.NewError(model.KindValidation, "credential material is empty")
	}
	if spec.Provider == "" || !m.providerKnown(spec.Provider) {
		return model.Credential{}, model.NewError(model.KindValidation, "unknown provider %q", spec.Provider)
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	sealed, err := m.vault.Seal(spec.Material)
	if err != nil {
		return model.Credential{}, model.WrapError(model.KindInternal, err, "seal credential material")
	}

	now := time.Now().UTC()
	cred := model.Credential{
		ID:        id,
		Provider:  spec.Provider,
		Sealed:    sealed,
		State:     model.StateAvailable,
		Metadata:  spec.Metadata,
		CreatedAt: now,
	}

	// Reserve the id first, publish only after the store commit so no reader
	// observes a credential the store does not have.
	m.mu.Lock()
	if _, exists := m.entries[id]; exists {
		m.mu.Unlock()
		return model.Credential{}, model.NewError(model.KindValidation, "credential %s already registered", id)
	}
	e := &entry{}
	m.entries[id] = e
	m.mu.Unlock()

	if err := m.store.SaveCredential(ctx, cred); err != nil {
		m.mu.Lock()
		delete(m.entries, id)
		m.mu.Unlock()
		return model.Credential{}, model.WrapError(model.KindInternal, err, "persist credential %s", id)
	}
	e.publish(cred.Clone())

	m.logger.Info("credential registered", "credential_id", id, "provider", spec.Provider)
	m.bus.Publish(model.Event{
		Type:         model.EventCredentialRegistered,
		CredentialID: id,
		Provider:     spec.Provider,
	})
	return cred.Clone(), nil
}

// Get returns a snapshot of the credential.
func (m *Manager) Get(_ context.Context, id string) (model.Credential, error) {
	e, ok := m.entry(id)
	if !ok {
		return model.Credential{}, fmt.Errorf("credential %s: %w", id, store.ErrNotFound)
	}
	return e.load().Clone(), nil
}

// List returns snapshots of every credential, sorted by id.
func (m *Manager) List(context.Context) []model.Credential {
	m.mu.RLock()
	out := make([]model.Credential, 0, len(m.entries))
	for _, e := range m.entries {
		if c := e.snap.Load(); c != nil {
			out = append(out, c.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Transition moves a credential to a new state. Transitioning to the current
// state is a no-op. The StateTransition record and the updated credential are
// committed to the store before the new state is published.
func (m *Manager) Transition(ctx context.Context, id string, to model.KeyState, reason, detail string) error {
	return m.transition(ctx, id, to, reason, detail, time.Time{})
}

// Throttle transitions a credential to Throttled with a cooldown deadline.
// The deadline is carried in the transition context; eligibility queries past
// it promote the credential back to Available.
func (m *Manager) Throttle(ctx context.Context, id string, cooldown time.Duration, reason string) error {
	until := time.Now().UTC().Add(cooldown)
	return m.transition(ctx, id, model.StateThrottled, reason,
		fmt.Sprintf("cooldown_until=%s", until.Format(time.RFC3339)), until)
}

func (m *Manager) transition(ctx context.Context, id string, to model.KeyState, reason, detail string, cooldownUntil time.Time) error {
	if !to.Valid() {
		return fmt.Errorf("credential: unknown state %q", to)
	}
	e, ok := m.entry(id)
	if !ok {
		return fmt.Errorf("credential %s: %w", id, store.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.load()
	if cur.State == to {
		return nil
	}
	if !legal(cur.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.State, to)
	}

	now := time.Now().UTC()
	next := cur.Clone()
	next.State = to
	next.CooldownUntil = cooldownUntil

	tr := model.StateTransition{
		ID:           uuid.NewString(),
		CredentialID: id,
		From:         cur.State,
		To:           to,
		Reason:       reason,
		Context:      detail,
		At:           now,
	}
	if err := m.store.SaveTransition(ctx, tr); err != nil {
		return model.WrapError(model.KindInternal, err, "persist transition for %s", id)
	}
	if err := m.store.SaveCredential(ctx, next); err != nil {
		return model.WrapError(model.KindInternal, err, "persist credential %s", id)
	}
	e.publish(next)

	m.logger.Info("credential transitioned",
		"credential_id", id, "from", cur.State, "to", to, "reason", reason)
	m.bus.Publish(model.Event{
		Type:         model.EventCredentialTransitioned,
		CredentialID: id,
		Provider:     cur.Provider,
		Fields:       map[string]any{"from": string(cur.State), "to": string(to), "reason": reason},
	})
	return nil
}

// Rotate atomically replaces the sealed material and resets the failure
// counter. State, id, counters of success, and metadata are retained.
func (m *Manager) Rotate(ctx context.Context, id string, newMaterial []byte) (model.Credential, error) {
	if len(newMaterial) == 0 {
		return model.Credential{}, model.NewError(model.KindValidation, "credential material is empty")
	}
	e, ok := m.entry(id)
	if !ok {
		return model.Credential{}, fmt.Errorf("credential %s: %w", id, store.ErrNotFound)
	}

	sealed, err := m.vault.Seal(newMaterial)
	if err != nil {
		return model.Credential{}, model.WrapError(model.KindInternal, err, "seal rotated material")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.load().Clone()
	next.Sealed = sealed
	next.Failures = 0
	next.RotatedAt = time.Now().UTC()

	if err := m.store.SaveCredential(ctx, next); err != nil {
		return model.Credential{}, model.WrapError(model.KindInternal, err, "persist credential %s", id)
	}
	e.publish(next)

	m.logger.Info("credential rotated", "credential_id", id)
	m.bus.Publish(model.Event{
		Type:         model.EventCredentialRotated,
		CredentialID: id,
		Provider:     next.Provider,
	})
	return next.Clone(), nil
}

// Revoke disables the credential permanently. The record is retained for
// audit.
func (m *Manager) Revoke(ctx context.Context, id, reason string) error {
	e, ok := m.entry(id)
	if !ok {
		return fmt.Errorf("credential %s: %w", id, store.ErrNotFound)
	}
	provider := e.load().Provider
	if err := m.Transition(ctx, id, model.StateDisabled, "revoked", reason); err != nil {
		return err
	}
	m.bus.Publish(model.Event{
		Type:         model.EventCredentialRevoked,
		CredentialID: id,
		Provider:     provider,
		Fields:       map[string]any{"reason": reason},
	})
	return nil
}

// Open returns the plaintext material for dispatch. The caller must not
// retain the slice. An ErrCrypto from the vault means the stored material is
// unusable; callers treat the credential as Invalid.
func (m *Manager) Open(_ context.Context, id string) ([]byte, error) {
	e, ok := m.entry(id)
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", id, store.ErrNotFound)
	}
	material, err := m.vault.Open(e.load().Sealed)
	if err != nil {
		return nil, fmt.Errorf("open credential %s: %w", id, err)
	}
	return material, nil
}

// RecordSuccess increments the success counter and stamps last use. Counter
// persistence is best-effort; the in-memory snapshot is updated regardless.
func (m *Manager) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	return m.record(ctx, id, func(c *model.Credential) {
		c.Successes++
		c.LastUsedAt = at
	})
}

// RecordFailure increments the failure counter and stamps the failure time.
func (m *Manager) RecordFailure(ctx context.Context, id string, at time.Time) error {
	return m.record(ctx, id, func(c *model.Credential) {
		c.Failures++
		c.LastUsedAt = at
		c.LastFailureAt = at
	})
}

func (m *Manager) record(ctx context.Context, id string, mutate func(*model.Credential)) error {
	e, ok := m.entry(id)
	if !ok {
		return fmt.Errorf("credential %s: %w", id, store.ErrNotFound)
	}
	e.mu.Lock()
	next := e.load().Clone()
	mutate(&next)
	e.publish(next)
	e.mu.Unlock()

	if err := m.store.SaveCredential(ctx, next); err != nil {
		return fmt.Errorf("persist counters for %s: %w", id, err)
	}
	return nil
}

// Eligible returns the Available credentials for a provider plus a count of
// everything it rejected. Throttled credentials whose cooldown elapsed are
// promoted back to Available here, transition recorded.
func (m *Manager) Eligible(ctx context.Context, provider string, now time.Time) ([]model.Credential, model.EligibilityBreakdown, error) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []model.Credential
	var bd model.EligibilityBreakdown
	for _, e := range entries {
		snap := e.snap.Load()
		if snap == nil || snap.Provider != provider {
			continue
		}
		cred := *snap

		if cred.State == model.StateThrottled && !cred.CooldownUntil.IsZero() && !now.Before(cred.CooldownUntil) {
			if err := m.Transition(ctx, cred.ID, model.StateAvailable, "cooldown elapsed", ""); err != nil {
				m.logger.Warn("cooldown promotion failed", "credential_id", cred.ID, "error", err)
			}
			cred = e.load()
		}

		switch cred.State {
		case model.StateAvailable:
			out = append(out, cred.Clone())
		case model.StateThrottled:
			bd.Throttled++
		case model.StateDisabled:
			bd.Disabled++
		case model.StateInvalid:
			bd.Invalid++
		case model.StateExhausted:
			bd.Exhausted++
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, bd, nil
}

func (m *Manager) entry(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok || e.snap.Load() == nil {
		return nil, false
	}
	return e, true
}

// legal is the allowed-transition table. Disabled and Invalid are reachable
// from anywhere and terminal; Throttled and Exhausted round-trip with
// Available only.
func legal(from, to model.KeyState) bool {
	if to == model.StateDisabled || to == model.StateInvalid {
		return true
	}
	switch from {
	case model.StateAvailable:
		return to == model.StateThrottled || to == model.StateExhausted
	case model.StateThrottled, model.StateExhausted:
		return to == model.StateAvailable
	}
	return false
}

func (m *Manager) registerMetrics() {
	meter := telemetry.Meter("furiwake/credential")

	_, _ = meter.Int64ObservableGauge("furiwake.credentials.active",
		metric.WithDescription("Credentials by lifecycle state"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			counts := make(map[model.KeyState]int64)
			m.mu.RLock()
			for _, e := range m.entries {
				if c := e.snap.Load(); c != nil {
					counts[c.State]++
				}
			}
			m.mu.RUnlock()
			for state, n := range counts {
				o.Observe(n, metric.WithAttributes(attribute.String("state", string(state))))
			}
			return nil
		}),
	)
}
