// Package quota tracks per-credential capacity across hourly, daily, and
// monthly windows. Consumption is monotonic within a window; a window resets
// either lazily when an observation crosses the boundary or eagerly by the
// sweeper. Tier changes feed the credential state machine through hooks so
// the engine never imports the manager.
package quota

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/furiwake/internal/events"
	"github.com/ashita-ai/furiwake/internal/telemetry"
	"github.com/ashita-ai/furiwake/model"
	"github.com/ashita-ai/furiwake/store"
)

// Metadata keys recognized by SeedFromMetadata, values in units per window.
const (
	MetaHourlyLimit  = "hourly_limit"
	MetaDailyLimit   = "daily_limit"
	MetaMonthlyLimit = "monthly_limit"
)

// Config holds the tier boundaries and loop intervals.
type Config struct {
	// AbundantThreshold is the remaining fraction at or above which a window
	// is Abundant. Below it the window is Constrained.
	AbundantThreshold float64
	// CriticalThreshold is the remaining fraction below which a window is
	// Critical.
	CriticalThreshold float64
	// SweepInterval drives the reset sweeper in Run.
	SweepInterval time.Duration
	// PredictWindow bounds how far back consumption samples are kept for
	// exhaustion prediction.
	PredictWindow time.Duration
}

// Hooks are called after a tier change has been persisted. They bridge into
// the credential lifecycle without a package cycle.
type Hooks struct {
	// OnExhausted fires when any window of a credential reaches Exhausted.
	OnExhausted func(ctx context.Context, credentialID string, window model.TimeWindow)
	// OnReset fires after a window reset restored capacity.
	OnReset func(ctx context.Context, credentialID string, window model.TimeWindow)
}

type sample struct {
	at       time.Time
	consumed int64
}

type winState struct {
	mu      sync.Mutex
	snap    model.CapacitySnapshot
	samples []sample
}

type snapKey struct {
	credential string
	window     model.TimeWindow
}

// Engine is the capacity bookkeeper. One winState per (credential, window);
// windows come into existence on first SetLimit or Observe.
type Engine struct {
	store  store.Store
	bus    *events.Bus
	logger *slog.Logger
	cfg    Config
	hooks  Hooks

	mu      sync.RWMutex
	windows map[snapKey]*winState
}

// New creates an Engine. Hooks may be zero-valued.
func New(st store.Store, bus *events.Bus, logger *slog.Logger, cfg Config, hooks Hooks) *Engine {
	e := &Engine{
		store:   st,
		bus:     bus,
		logger:  logger,
		cfg:     cfg,
		hooks:   hooks,
		windows: make(map[snapKey]*winState),
	}
	e.registerMetrics()
	return e
}

// SetLimit declares the capacity of one window. A limit of zero marks the
// window as unknown. Lowering the limit below current consumption exhausts
// the window immediately.
func (e *Engine) SetLimit(ctx context.Context, credentialID string, window model.TimeWindow, limit int64, now time.Time) error {
	if !window.Valid() {
		return model.NewError(model.KindValidation, "unknown window %q", window)
	}
	if limit < 0 {
		return model.NewError(model.KindValidation, "negative limit for %s/%s", credentialID, window)
	}

	ws := e.window(credentialID, window)
	ws.mu.Lock()
	reset := e.rollIfDue(ctx, ws, now)

	prev := ws.snap.Tier
	ws.snap.Limit = limit
	e.recompute(&ws.snap, now)
	if err := e.store.SaveSnapshot(ctx, ws.snap); err != nil {
		ws.mu.Unlock()
		return model.WrapError(model.KindInternal, err, "persist snapshot %s/%s", credentialID, window)
	}
	snap := ws.snap
	ws.mu.Unlock()

	e.announceReset(ctx, reset)
	e.notifyTierChange(ctx, prev, snap)
	return nil
}

// SeedFromMetadata reads the *_limit metadata keys of a credential and sets
// the corresponding window limits. Unparsable values are skipped with a
// warning.
func (e *Engine) SeedFromMetadata(ctx context.Context, cred model.Credential, now time.Time) error {
	keys := map[string]model.TimeWindow{
		MetaHourlyLimit:  model.WindowHourly,
		MetaDailyLimit:   model.WindowDaily,
		MetaMonthlyLimit: model.WindowMonthly,
	}
	for key, window := range keys {
		raw, ok := cred.Metadata[key]
		if !ok {
			continue
		}
		limit, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || limit < 0 {
			e.logger.Warn("ignoring unparsable quota limit",
				"credential_id", cred.ID, "key", key, "value", raw)
			continue
		}
		if err := e.SetLimit(ctx, cred.ID, window, limit, now); err != nil {
			return err
		}
	}
	return nil
}

// Observe records consumed units against every tracked window of the
// credential. Windows whose boundary has passed are reset first, so the
// consumption lands in the window containing now.
func (e *Engine) Observe(ctx context.Context, credentialID string, units int64, now time.Time) error {
	if units < 0 {
		return model.NewError(model.KindValidation, "negative consumption for %s", credentialID)
	}

	for _, ws := range e.windowsOf(credentialID) {
		ws.mu.Lock()
		reset := e.rollIfDue(ctx, ws, now)

		prev := ws.snap.Tier
		ws.snap.Consumed += units
		e.recompute(&ws.snap, now)
		ws.samples = append(ws.samples, sample{at: now, consumed: ws.snap.Consumed})
		e.pruneSamples(ws, now)

		if err := e.store.SaveSnapshot(ctx, ws.snap); err != nil {
			ws.mu.Unlock()
			return model.WrapError(model.KindInternal, err, "persist snapshot %s/%s", credentialID, ws.snap.Window)
		}
		snap := ws.snap
		ws.mu.Unlock()

		e.announceReset(ctx, reset)
		e.notifyTierChange(ctx, prev, snap)
	}
	return nil
}

// Snapshot returns the current capacity of one window.
func (e *Engine) Snapshot(credentialID string, window model.TimeWindow) (model.CapacitySnapshot, bool) {
	e.mu.RLock()
	ws, ok := e.windows[snapKey{credentialID, window}]
	e.mu.RUnlock()
	if !ok {
		return model.CapacitySnapshot{}, false
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.snap, true
}

// Snapshots returns every tracked window of a credential, ordered hourly,
// daily, monthly.
func (e *Engine) Snapshots(credentialID string) []model.CapacitySnapshot {
	var out []model.CapacitySnapshot
	for _, ws := range e.windowsOf(credentialID) {
		ws.mu.Lock()
		out = append(out, ws.snap)
		ws.mu.Unlock()
	}
	return out
}

// WorstTier returns the lowest tier across the credential's windows.
// Credentials with no tracked windows are Abundant.
func (e *Engine) WorstTier(credentialID string) model.CapacityTier {
	worst := model.TierAbundant
	for _, snap := range e.Snapshots(credentialID) {
		if snap.Tier.Rank() < worst.Rank() {
			worst = snap.Tier
		}
	}
	return worst
}

// AnyExhausted reports whether any window of the credential is exhausted.
func (e *Engine) AnyExhausted(credentialID string) bool {
	return e.WorstTier(credentialID) == model.TierExhausted
}

// PredictExhaustion projects when the window runs out at the recent
// consumption rate. The projection is linear and advisory. It reports false
// when the limit is unknown, the rate is flat, or the projection lands past
// the window reset.
func (e *Engine) PredictExhaustion(credentialID string, window model.TimeWindow, now time.Time) (time.Time, bool) {
	e.mu.RLock()
	ws, ok := e.windows[snapKey{credentialID, window}]
	e.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	snap := ws.snap
	if snap.Limit <= 0 {
		return time.Time{}, false
	}
	if snap.Remaining <= 0 {
		return now, true
	}
	if len(ws.samples) < 2 {
		return time.Time{}, false
	}

	first, last := ws.samples[0], ws.samples[len(ws.samples)-1]
	elapsed := last.at.Sub(first.at)
	if elapsed <= 0 || last.consumed <= first.consumed {
		return time.Time{}, false
	}
	rate := float64(last.consumed-first.consumed) / elapsed.Seconds()

	eta := time.Duration(float64(snap.Remaining) / rate * float64(time.Second))
	projected := last.at.Add(eta)
	if projected.After(snap.ResetAt) {
		return time.Time{}, false
	}
	return projected, true
}

// ResetDue rolls every window whose boundary has passed. The sweeper calls
// this on a timer so idle credentials recover without waiting for traffic.
func (e *Engine) ResetDue(ctx context.Context, now time.Time) {
	e.mu.RLock()
	all := make([]*winState, 0, len(e.windows))
	for _, ws := range e.windows {
		all = append(all, ws)
	}
	e.mu.RUnlock()

	for _, ws := range all {
		ws.mu.Lock()
		reset := e.rollIfDue(ctx, ws, now)
		ws.mu.Unlock()
		e.announceReset(ctx, reset)
	}
}

// Run drives the reset sweeper until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			e.ResetDue(ctx, now.UTC())
		}
	}
}

// resetNotice carries what announceReset needs once ws.mu is released.
type resetNotice struct {
	snap         model.CapacitySnapshot
	wasExhausted bool
}

// rollIfDue resets the window when now has crossed its boundary and returns
// the notice to announce after unlock, or nil. Caller holds ws.mu; hooks and
// events must not fire under it.
func (e *Engine) rollIfDue(ctx context.Context, ws *winState, now time.Time) *resetNotice {
	if ws.snap.ResetAt.IsZero() || now.Before(ws.snap.ResetAt) {
		return nil
	}

	prev := ws.snap.Tier
	ws.snap.Consumed = 0
	ws.samples = nil
	e.recompute(&ws.snap, now)

	if err := e.store.SaveSnapshot(ctx, ws.snap); err != nil {
		e.logger.Warn("persist reset snapshot failed",
			"credential_id", ws.snap.CredentialID, "window", ws.snap.Window, "error", err)
	}
	return &resetNotice{snap: ws.snap, wasExhausted: prev == model.TierExhausted}
}

func (e *Engine) announceReset(ctx context.Context, n *resetNotice) {
	if n == nil {
		return
	}
	e.logger.Info("quota window reset",
		"credential_id", n.snap.CredentialID, "window", n.snap.Window, "limit", n.snap.Limit)
	e.bus.Publish(model.Event{
		Type:         model.EventQuotaReset,
		CredentialID: n.snap.CredentialID,
		Fields:       map[string]any{"window": string(n.snap.Window)},
	})
	if n.wasExhausted && e.hooks.OnReset != nil {
		e.hooks.OnReset(ctx, n.snap.CredentialID, n.snap.Window)
	}
}

// recompute refreshes remaining, tier, and the boundary timestamps.
func (e *Engine) recompute(snap *model.CapacitySnapshot, now time.Time) {
	snap.ResetAt = snap.Window.Next(now)
	snap.UpdatedAt = now

	if snap.Limit <= 0 {
		snap.Remaining = 0
		snap.Tier = model.TierAbundant
		return
	}

	remaining := snap.Limit - snap.Consumed
	if remaining <= 0 {
		snap.Remaining = 0
		snap.Tier = model.TierExhausted
		return
	}
	snap.Remaining = remaining

	frac := float64(remaining) / float64(snap.Limit)
	switch {
	case frac < e.cfg.CriticalThreshold:
		snap.Tier = model.TierCritical
	case frac < e.cfg.AbundantThreshold:
		snap.Tier = model.TierConstrained
	default:
		snap.Tier = model.TierAbundant
	}
}

func (e *Engine) notifyTierChange(ctx context.Context, prev model.CapacityTier, snap model.CapacitySnapshot) {
	if prev == snap.Tier {
		return
	}
	if snap.Tier == model.TierExhausted {
		e.logger.Warn("quota exhausted",
			"credential_id", snap.CredentialID, "window", snap.Window,
			"limit", snap.Limit, "consumed", snap.Consumed)
		e.bus.Publish(model.Event{
			Type:         model.EventQuotaExhausted,
			CredentialID: snap.CredentialID,
			Fields:       map[string]any{"window": string(snap.Window), "limit": snap.Limit},
		})
		if e.hooks.OnExhausted != nil {
			e.hooks.OnExhausted(ctx, snap.CredentialID, snap.Window)
		}
	}
}

func (e *Engine) pruneSamples(ws *winState, now time.Time) {
	if e.cfg.PredictWindow <= 0 {
		return
	}
	cutoff := now.Add(-e.cfg.PredictWindow)
	i := 0
	for i < len(ws.samples) && ws.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		ws.samples = ws.samples[i:]
	}
}

// window returns the state for (credential, window), creating it untracked
// with an unknown limit on first touch.
func (e *Engine) window(credentialID string, window model.TimeWindow) *winState {
	key := snapKey{credentialID, window}

	e.mu.RLock()
	ws, ok := e.windows[key]
	e.mu.RUnlock()
	if ok {
		return ws
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ws, ok = e.windows[key]; ok {
		return ws
	}
	ws = &winState{snap: model.CapacitySnapshot{
		CredentialID: credentialID,
		Window:       window,
		Tier:         model.TierAbundant,
	}}
	e.windows[key] = ws
	return ws
}

// windowsOf returns the tracked windows of a credential in canonical order.
// Credentials nobody set a limit for get all three windows on first observe
// so consumption history is still recorded.
func (e *Engine) windowsOf(credentialID string) []*winState {
	e.mu.RLock()
	var matched []model.TimeWindow
	for key := range e.windows {
		if key.credential == credentialID {
			matched = append(matched, key.window)
		}
	}
	e.mu.RUnlock()

	if len(matched) == 0 {
		matched = model.Windows()
	}
	sort.Slice(matched, func(i, j int) bool {
		return windowOrder(matched[i]) < windowOrder(matched[j])
	})

	out := make([]*winState, 0, len(matched))
	for _, w := range matched {
		out = append(out, e.window(credentialID, w))
	}
	return out
}

func windowOrder(w model.TimeWindow) int {
	switch w {
	case model.WindowHourly:
		return 0
	case model.WindowDaily:
		return 1
	}
	return 2
}

func (e *Engine) registerMetrics() {
	meter := telemetry.Meter("furiwake/quota")

	_, _ = meter.Int64ObservableGauge("furiwake.quota.remaining",
		metric.WithDescription("Remaining capacity units per credential window"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			e.mu.RLock()
			states := make([]*winState, 0, len(e.windows))
			for _, ws := range e.windows {
				states = append(states, ws)
			}
			e.mu.RUnlock()

			for _, ws := range states {
				ws.mu.Lock()
				snap := ws.snap
				ws.mu.Unlock()
				if snap.Limit <= 0 {
					continue
				}
				o.Observe(snap.Remaining, metric.WithAttributes(
					attribute.String("credential_id", snap.CredentialID),
					attribute.String("window", string(snap.Window)),
				))
			}
			return nil
		}),
	)
}
