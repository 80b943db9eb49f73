package furiwake

import (
	"log/slog"
	"time"

	"github.com/ashita-ai/furiwake/model"
	"github.com/ashita-ai/furiwake/store"
)

// Option configures a Router.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	logger            *slog.Logger
	version           string
	store             store.Store
	vaultKey          []byte
	objective         model.Objective
	maxAttempts       int
	defaultTimeout    time.Duration
	backoffBase       time.Duration
	defaultCooldown   time.Duration
	compositeWeights  string
	abundantThreshold float64
	criticalThreshold float64
	sweepInterval     time.Duration
	eventHooks        []EventHook
}

// WithLogger sets the structured logger for the Router.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithStore replaces the in-memory state store with an external
// implementation. The router takes ownership: Shutdown closes it.
func WithStore(st store.Store) Option {
	return func(o *resolvedOptions) { o.store = st }
}

// WithVaultKey sets the secret the credential vault derives its sealing key
// from, overriding FURIWAKE_ENCRYPTION_KEY. Any length is accepted. Without
// a key the vault generates an ephemeral one and sealed material does not
// survive a restart.
func WithVaultKey(key []byte) Option {
	return func(o *resolvedOptions) { o.vaultKey = key }
}

// WithDefaultObjective sets the objective used when an intent does not name
// one (FURIWAKE_DEFAULT_OBJECTIVE env var; default composite).
func WithDefaultObjective(obj model.Objective) Option {
	return func(o *resolvedOptions) { o.objective = obj }
}

// WithMaxAttempts bounds the adapter calls one Route makes across all
// credentials (FURIWAKE_MAX_ATTEMPTS env var; default 3).
func WithMaxAttempts(n int) Option {
	return func(o *resolvedOptions) { o.maxAttempts = n }
}

// WithDefaultTimeout supplies a deadline for Route calls whose context does
// not carry one (FURIWAKE_DEFAULT_TIMEOUT env var; default 30s).
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.defaultTimeout = d }
}

// WithBackoffBase sets the first transient-retry delay; each further retry
// doubles it, plus jitter (FURIWAKE_BACKOFF_BASE env var; default 100ms).
func WithBackoffBase(d time.Duration) Option {
	return func(o *resolvedOptions) { o.backoffBase = d }
}

// WithDefaultCooldown sets the throttle cooldown applied when the upstream
// gives no retry hint (FURIWAKE_DEFAULT_COOLDOWN env var; default 1m).
func WithDefaultCooldown(d time.Duration) Option {
	return func(o *resolvedOptions) { o.defaultCooldown = d }
}

// WithCompositeWeights sets the blend of primitive objectives under the
// composite objective, as a "name=weight" list, e.g.
// "cost=0.5,reliability=0.3,fairness=0.2". Weights are normalized to sum 1
// (FURIWAKE_COMPOSITE_WEIGHTS env var).
func WithCompositeWeights(spec string) Option {
	return func(o *resolvedOptions) { o.compositeWeights = spec }
}

// WithTierThresholds sets the remaining-capacity fractions that bound the
// Abundant and Critical tiers (FURIWAKE_TIER_ABUNDANT /
// FURIWAKE_TIER_CRITICAL env vars; defaults 0.50 and 0.15). Must satisfy
// 0 < critical < abundant <= 1.
func WithTierThresholds(abundant, critical float64) Option {
	return func(o *resolvedOptions) {
		o.abundantThreshold = abundant
		o.criticalThreshold = critical
	}
}

// WithQuotaSweepInterval sets how often the background sweeper checks quota
// windows for due resets (FURIWAKE_QUOTA_SWEEP_INTERVAL env var; default
// 15s).
func WithQuotaSweepInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.sweepInterval = d }
}

// WithEventHook registers an event hook to receive router lifecycle events.
// Multiple hooks may be registered; all registered hooks receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}
