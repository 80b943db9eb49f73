// Package furiwake is the embeddable credential router for LLM provider
// traffic.
//
// Embedders construct a Router, register provider adapters and credentials,
// and route intents through it:
//
//	r, err := furiwake.New(
//	    furiwake.WithLogger(logger),
//	    furiwake.WithVaultKey(key),
//	    furiwake.WithEventHook(myAuditHook{}),
//	)
//	if err != nil { ... }
//	defer r.Shutdown(context.Background())
//
//	_ = r.RegisterProvider("openai", myAdapter)
//	cred, err := r.RegisterCredential(ctx, furiwake.CredentialSpec{
//	    Provider: "openai",
//	    Material: apiKey,
//	})
//	resp, err := r.Route(ctx, model.RequestIntent{Provider: "openai", Model: "gpt-4o"})
//
// The import graph enforces a strict no-cycle rule: furiwake (root) imports
// internal/*, but internal/* never imports the root. Entities live in the
// public leaf packages model, provider, and store, so embedders implement
// the two consumed collaborators (provider.Adapter, store.Store) without
// touching internal packages. Adapters between the public extension points
// and internal machinery live here because this is the only file that sees
// both sides of the boundary.
package furiwake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/furiwake/internal/config"
	"github.com/ashita-ai/furiwake/internal/cost"
	"github.com/ashita-ai/furiwake/internal/credential"
	"github.com/ashita-ai/furiwake/internal/events"
	"github.com/ashita-ai/furiwake/internal/policy"
	"github.com/ashita-ai/furiwake/internal/quota"
	"github.com/ashita-ai/furiwake/internal/routing"
	"github.com/ashita-ai/furiwake/internal/telemetry"
	"github.com/ashita-ai/furiwake/internal/vault"
	"github.com/ashita-ai/furiwake/model"
	"github.com/ashita-ai/furiwake/provider"
	"github.com/ashita-ai/furiwake/store"
)

// Router is the furiwake lifecycle. Construct with New(), dispatch with
// Route(), stop with Shutdown(). Router has no public fields; configuration
// happens through New() options. All methods are safe for concurrent use.
type Router struct {
	cfg      config.Config
	st       store.Store
	bus      *events.Bus
	registry *provider.Registry
	creds    *credential.Manager
	quotas   *quota.Engine
	policies *policy.Engine
	costs    *cost.Controller
	engine   *routing.Engine
	latency  *routing.LatencyTracker

	group       *errgroup.Group
	cancelLoops context.CancelFunc

	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the router. It loads configuration, derives the vault key,
// wires all subsystems, and starts the background loops (event dispatch,
// quota reset sweeper). The returned Router is ready to accept
// RegisterProvider / RegisterCredential / Route calls.
func New(opts ...Option) (*Router, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.vaultKey != nil {
		cfg.EncryptionKey = string(o.vaultKey)
	}
	if o.objective != "" {
		cfg.DefaultObjective = o.objective
	}
	if o.maxAttempts > 0 {
		cfg.MaxAttempts = o.maxAttempts
	}
	if o.defaultTimeout > 0 {
		cfg.DefaultTimeout = o.defaultTimeout
	}
	if o.backoffBase > 0 {
		cfg.BackoffBase = o.backoffBase
	}
	if o.defaultCooldown > 0 {
		cfg.DefaultCooldown = o.defaultCooldown
	}
	if o.compositeWeights != "" {
		cfg.CompositeWeights = o.compositeWeights
	}
	if o.abundantThreshold > 0 {
		cfg.AbundantThreshold = o.abundantThreshold
	}
	if o.criticalThreshold > 0 {
		cfg.CriticalThreshold = o.criticalThreshold
	}
	if o.sweepInterval > 0 {
		cfg.QuotaSweepInterval = o.sweepInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	weights, err := routing.ParseWeights(cfg.CompositeWeights)
	if err != nil {
		return nil, fmt.Errorf("composite weights: %w", err)
	}

	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("furiwake starting",
		"version", version,
		"default_objective", cfg.DefaultObjective,
		"max_attempts", cfg.MaxAttempts,
	)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Derive the vault key.
	v, err := vault.New([]byte(cfg.EncryptionKey))
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("vault: %w", err)
	}

	// State store: external override or the in-memory reference.
	st := o.store
	if st == nil {
		st = store.NewMemory()
	}

	// Event bus with the registered hooks as sinks.
	sinks := make([]events.Sink, 0, len(o.eventHooks))
	for _, h := range o.eventHooks {
		sinks = append(sinks, &hookSink{hook: h})
	}
	bus := events.New(logger, cfg.EventBufferSize, sinks...)

	registry := provider.NewRegistry()
	creds := credential.New(st, v, bus, logger, registry.Known)

	// Quota hooks bridge capacity boundaries into credential transitions.
	// The bridge's quotas field is filled right after construction; hooks
	// only fire from Observe and the sweeper, both after New returns.
	bridge := &lifecycleBridge{creds: creds, logger: logger}
	quotas := quota.New(st, bus, logger, quota.Config{
		AbundantThreshold: cfg.AbundantThreshold,
		CriticalThreshold: cfg.CriticalThreshold,
		SweepInterval:     cfg.QuotaSweepInterval,
		PredictWindow:     cfg.PredictWindow,
	}, quota.Hooks{
		OnExhausted: bridge.exhausted,
		OnReset:     bridge.reset,
	})
	bridge.quotas = quotas

	policies := policy.New(logger)
	costs := cost.New(bus, logger)
	latency := routing.NewLatencyTracker()
	engine := routing.New(st, bus, logger, creds, quotas, policies, costs, registry, latency, routing.Config{
		Weights:             weights,
		RecentFailureWindow: cfg.RecentFailureWindow,
	})

	// Background loops.
	loopCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(loopCtx)
	bus.Start(loopCtx)
	group.Go(func() error { return quotas.Run(groupCtx) })

	if v.Ephemeral() {
		bus.Publish(model.Event{
			Type: model.EventVaultEphemeralKey,
			Fields: map[string]any{
				"hint": "set FURIWAKE_ENCRYPTION_KEY so sealed material survives restarts",
			},
		})
	}

	return &Router{
		cfg:          cfg,
		st:           st,
		bus:          bus,
		registry:     registry,
		creds:        creds,
		quotas:       quotas,
		policies:     policies,
		costs:        costs,
		engine:       engine,
		latency:      latency,
		group:        group,
		cancelLoops:  cancel,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Version returns the version string set via WithVersion, or "dev".
func (r *Router) Version() string { return r.version }

// Route picks a credential for the intent, dispatches through the provider
// adapter, and returns the terminal outcome. The response always names the
// credential used (once one was chosen) and never its material. On failure
// the returned error equals resp.Err, so callers may use either.
//
// Recoverable failures are handled inside the call: transient errors retry
// on the same credential with jittered backoff, throttle/auth/quota errors
// move to a different credential, all bounded by the configured attempt
// budget. A context deadline (or WithDefaultTimeout) aborts the call with
// kind Timeout without penalizing the in-flight credential.
func (r *Router) Route(ctx context.Context, intent model.RequestIntent) (*model.SystemResponse, error) {
	start := time.Now()

	if intent.CorrelationID == "" {
		intent.CorrelationID = uuid.NewString()
	}
	objective := intent.Objective
	if objective == "" {
		objective = r.cfg.DefaultObjective
	}

	ctx, span := telemetry.Tracer("furiwake/router").Start(ctx, "furiwake.Route",
		trace.WithAttributes(
			attribute.String("provider", intent.Provider),
			attribute.String("objective", string(objective)),
			attribute.String("correlation_id", intent.CorrelationID),
		))
	defer span.End()

	resp := r.route(ctx, intent, objective)
	resp.Duration = time.Since(start)
	r.observeRoute(ctx, intent, objective, resp)

	if resp.Err != nil {
		span.RecordError(resp.Err)
		return resp, resp.Err
	}
	span.SetAttributes(attribute.String("credential_id", resp.CredentialID))
	return resp, nil
}

func (r *Router) route(ctx context.Context, intent model.RequestIntent, objective model.Objective) *model.SystemResponse {
	resp := &model.SystemResponse{}

	if intent.Provider == "" || intent.Model == "" {
		resp.Err = model.NewError(model.KindValidation, "intent requires provider and model")
		return resp
	}
	if !objective.Valid() {
		resp.Err = model.NewError(model.KindValidation, "unknown objective %q", objective)
		return resp
	}
	adapter, ok := r.registry.Get(intent.Provider)
	if !ok {
		resp.Err = model.NewError(model.KindValidation, "unknown provider %q", intent.Provider)
		return resp
	}

	if _, ok := ctx.Deadline(); !ok && r.cfg.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.DefaultTimeout)
		defer cancel()
	}

	exclude := make(map[string]bool)

	for resp.Attempts < r.cfg.MaxAttempts {
		if ctx.Err() != nil {
			resp.Err = timeoutError(resp.CredentialID)
			return resp
		}

		decideStart := time.Now()
		choice, err := r.engine.Decide(ctx, intent, objective, time.Now().UTC(), exclude)
		if hist, herr := telemetry.Meter("furiwake/router").Float64Histogram("furiwake.decision.duration",
			metric.WithDescription("Time spent selecting a credential"),
			metric.WithUnit("ms")); herr == nil {
			hist.Record(ctx, float64(time.Since(decideStart))/float64(time.Millisecond))
		}
		if err != nil {
			resp.Err = asRouterError(err)
			return resp
		}
		credID := choice.Credential.ID

		material, err := r.creds.Open(ctx, credID)
		if err != nil {
			// Sealed material that cannot be opened will never dispatch; the
			// credential is invalid until rotated. Another candidate may
			// still serve the request.
			if terr := r.creds.Transition(ctx, credID, model.StateInvalid, "crypto", "sealed material failed to open"); terr != nil {
				r.logger.Error("transition after open failure", "credential_id", credID, "error", terr)
			}
			exclude[credID] = true
			continue
		}

		if r.dispatch(ctx, adapter, intent, objective, choice, material, resp) == dispatchDone {
			return resp
		}
		exclude[credID] = true
	}

	// Attempt budget spent; resp.Err holds the last classified failure.
	return resp
}

type dispatchOutcome int

const (
	// dispatchDone: resp is terminal, either success or a failure that no
	// other credential can fix.
	dispatchDone dispatchOutcome = iota
	// dispatchNextCredential: exclude the credential and re-decide.
	dispatchNextCredential
)

// dispatch drives adapter attempts for one chosen credential, retrying
// transient failures in place with backoff. It fills resp and reports
// whether the route is finished or should move to another credential.
func (r *Router) dispatch(ctx context.Context, adapter provider.Adapter, intent model.RequestIntent, objective model.Objective, choice *routing.Choice, material []byte, resp *model.SystemResponse) dispatchOutcome {
	credID := choice.Credential.ID

	for {
		resp.Attempts++
		resp.CredentialID = credID

		r.bus.Publish(model.Event{
			Type:          model.EventRequestStarted,
			CorrelationID: intent.CorrelationID,
			CredentialID:  credID,
			Provider:      intent.Provider,
			Fields: map[string]any{
				"attempt":     resp.Attempts,
				"objective":   string(objective),
				"decision_id": choice.Decision.ID,
			},
		})

		callStart := time.Now()
		upstream, execErr := adapter.Execute(ctx, intent, material)
		elapsed := time.Since(callStart)

		if execErr == nil {
			r.completeSuccess(ctx, intent, choice, upstream, elapsed, resp)
			return dispatchDone
		}

		if ctx.Err() != nil {
			// Deadline expiry is no evidence against the credential: no
			// counter mutation, no transition.
			resp.Err = timeoutError(credID)
			return dispatchDone
		}

		class := adapter.ClassifyError(execErr)
		if err := r.creds.RecordFailure(ctx, credID, time.Now().UTC()); err != nil {
			r.logger.Error("record failure", "credential_id", credID, "error", err)
		}

		switch class.Class {
		case provider.ClassTransient:
			resp.Err = routeError(model.KindTransient, credID, execErr, "transient upstream failure")
			if resp.Attempts >= r.cfg.MaxAttempts {
				return dispatchDone
			}
			r.countRetry(ctx, class.Class)
			if err := routing.Sleep(ctx, routing.BackoffDelay(r.cfg.BackoffBase, resp.Attempts)); err != nil {
				resp.Err = timeoutError(credID)
				return dispatchDone
			}

		case provider.ClassThrottled:
			cooldown := class.Cooldown
			if cooldown <= 0 {
				cooldown = r.cfg.DefaultCooldown
			}
			if err := r.creds.Throttle(ctx, credID, cooldown, "throttle"); err != nil {
				r.logger.Error("throttle after upstream rate limit", "credential_id", credID, "error", err)
			}
			resp.Err = routeError(model.KindThrottled, credID, execErr, "upstream throttled")
			if resp.Attempts < r.cfg.MaxAttempts {
				r.countRetry(ctx, class.Class)
			}
			return dispatchNextCredential

		case provider.ClassAuth:
			if err := r.creds.Transition(ctx, credID, model.StateInvalid, "auth", "upstream rejected credential"); err != nil {
				r.logger.Error("invalidate after auth failure", "credential_id", credID, "error", err)
			}
			resp.Err = routeError(model.KindAuthFailure, credID, execErr, "credential rejected by upstream")
			if resp.Attempts < r.cfg.MaxAttempts {
				r.countRetry(ctx, class.Class)
			}
			return dispatchNextCredential

		case provider.ClassQuotaExceeded:
			if err := r.creds.Transition(ctx, credID, model.StateExhausted, "quota", "upstream quota exhausted"); err != nil {
				r.logger.Error("exhaust after upstream quota error", "credential_id", credID, "error", err)
			}
			resp.Err = routeError(model.KindQuotaExceeded, credID, execErr, "upstream quota exhausted")
			if resp.Attempts < r.cfg.MaxAttempts {
				r.countRetry(ctx, class.Class)
			}
			return dispatchNextCredential

		default: // ClassPermanent and anything the adapter could not place
			resp.Err = routeError(model.KindPermanent, credID, execErr, "upstream rejected request")
			return dispatchDone
		}
	}
}

// completeSuccess books a successful dispatch: counters, latency, quota
// consumption, spend commit, and estimate calibration.
func (r *Router) completeSuccess(ctx context.Context, intent model.RequestIntent, choice *routing.Choice, upstream *model.SystemResponse, elapsed time.Duration, resp *model.SystemResponse) {
	credID := choice.Credential.ID
	now := time.Now().UTC()

	if err := r.creds.RecordSuccess(ctx, credID, now); err != nil {
		r.logger.Error("record success", "credential_id", credID, "error", err)
	}
	r.latency.Observe(credID, elapsed)

	units := upstream.Usage.TotalTokens
	if units == 0 {
		units = upstream.Usage.InputTokens + upstream.Usage.OutputTokens
	}
	if units > 0 {
		if err := r.quotas.Observe(ctx, credID, units, now); err != nil {
			r.logger.Error("quota observe", "credential_id", credID, "error", err)
		}
	}

	// The upstream-reported cost settles the books; without one, the
	// estimate stands. Calibration pairs reported costs with adapter-table
	// estimates only; metadata-priced estimates stay out of the factor.
	actual := upstream.Cost
	if actual.IsZero() {
		actual = choice.Estimate.Amount
	} else if !cost.IsMetadataPriced(choice.Estimate) {
		r.costs.Reconcile(intent.Provider, intent.Model, choice.Estimate.Amount, actual)
	}
	r.costs.Commit(ctx, cost.ScopeSet{
		Provider:     intent.Provider,
		CredentialID: credID,
		Team:         intent.Team,
	}, actual, now)

	resp.Content = upstream.Content
	resp.CredentialID = credID
	resp.Usage = upstream.Usage
	resp.Cost = actual
	resp.Err = nil
}

// observeRoute publishes the terminal event and records the per-route
// metrics.
func (r *Router) observeRoute(ctx context.Context, intent model.RequestIntent, objective model.Objective, resp *model.SystemResponse) {
	outcome := "success"
	if resp.Err != nil {
		outcome = string(resp.Err.Kind)
	}

	meter := telemetry.Meter("furiwake/router")
	if counter, err := meter.Int64Counter("furiwake.requests",
		metric.WithDescription("Route calls by objective and outcome")); err == nil {
		counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("objective", string(objective)),
			attribute.String("outcome", outcome),
		))
	}
	if hist, err := meter.Int64Histogram("furiwake.route.attempts",
		metric.WithDescription("Adapter attempts per route call")); err == nil {
		hist.Record(ctx, int64(resp.Attempts))
	}
	if hist, err := meter.Float64Histogram("furiwake.route.duration",
		metric.WithDescription("Route call duration"),
		metric.WithUnit("ms")); err == nil {
		hist.Record(ctx, float64(resp.Duration)/float64(time.Millisecond),
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}

	if resp.Err == nil {
		r.bus.Publish(model.Event{
			Type:          model.EventRequestSucceeded,
			CorrelationID: intent.CorrelationID,
			CredentialID:  resp.CredentialID,
			Provider:      intent.Provider,
			Fields: map[string]any{
				"attempts":    resp.Attempts,
				"duration_ms": resp.Duration.Milliseconds(),
				"cost":        resp.Cost.String(),
				"objective":   string(objective),
			},
		})
		return
	}

	r.logger.Warn("route failed",
		"kind", resp.Err.Kind,
		"provider", intent.Provider,
		"attempts", resp.Attempts,
		"correlation_id", intent.CorrelationID,
	)
	r.bus.Publish(model.Event{
		Type:          model.EventRequestFailed,
		CorrelationID: intent.CorrelationID,
		CredentialID:  resp.CredentialID,
		Provider:      intent.Provider,
		Fields: map[string]any{
			"attempts":  resp.Attempts,
			"kind":      string(resp.Err.Kind),
			"objective": string(objective),
		},
	})
}

func (r *Router) countRetry(ctx context.Context, reason provider.ErrorClass) {
	if counter, err := telemetry.Meter("furiwake/router").Int64Counter("furiwake.route.retries",
		metric.WithDescription("Dispatch retries by classified reason")); err == nil {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
	}
}

// Shutdown stops the background loops, drains the event bus, and closes the
// store and the OTEL providers. The ctx bounds the whole shutdown; the event
// drain additionally honors the configured drain timeout.
func (r *Router) Shutdown(ctx context.Context) error {
	r.logger.Info("furiwake shutting down")

	r.cancelLoops()
	if err := r.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("background loop error", "error", err)
	}

	drainCtx, cancel := context.WithTimeout(ctx, r.cfg.EventDrainTimeout)
	r.bus.Drain(drainCtx)
	cancel()

	var closeErr error
	if err := r.st.Close(ctx); err != nil {
		r.logger.Error("store close error", "error", err)
		closeErr = fmt.Errorf("close store: %w", err)
	}
	if err := r.otelShutdown(ctx); err != nil {
		r.logger.Error("otel shutdown error", "error", err)
	}

	r.logger.Info("furiwake stopped")
	return closeErr
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// hookSink wraps a public EventHook to satisfy events.Sink.
type hookSink struct {
	hook EventHook
}

func (s *hookSink) OnEvent(ctx context.Context, ev model.Event) error {
	return s.hook.OnEvent(ctx, ev)
}

// lifecycleBridge maps quota boundary callbacks onto credential transitions.
// Quota hooks fire outside the engine's window locks, so calling back into
// the manager and the engine here cannot deadlock.
type lifecycleBridge struct {
	creds  *credential.Manager
	quotas *quota.Engine
	logger *slog.Logger
}

func (b *lifecycleBridge) exhausted(ctx context.Context, credentialID string, window model.TimeWindow) {
	err := b.creds.Transition(ctx, credentialID, model.StateExhausted, "quota", fmt.Sprintf("window=%s", window))
	if err != nil && !errors.Is(err, credential.ErrInvalidTransition) {
		b.logger.Error("exhaust transition", "credential_id", credentialID, "error", err)
	}
}

func (b *lifecycleBridge) reset(ctx context.Context, credentialID string, window model.TimeWindow) {
	cred, err := b.creds.Get(ctx, credentialID)
	if err != nil {
		return
	}
	// Promote only when no other window of the credential is still dry.
	if cred.State != model.StateExhausted || b.quotas.AnyExhausted(credentialID) {
		return
	}
	err = b.creds.Transition(ctx, credentialID, model.StateAvailable, "quota reset", fmt.Sprintf("window=%s", window))
	if err != nil && !errors.Is(err, credential.ErrInvalidTransition) {
		b.logger.Error("reset transition", "credential_id", credentialID, "error", err)
	}
}

// ── Helpers ────────────────────────────────────────────────────────────────────

func timeoutError(credentialID string) *model.Error {
	e := model.NewError(model.KindTimeout, "route deadline exceeded")
	e.CredentialID = credentialID
	return e
}

func routeError(kind model.ErrorKind, credentialID string, cause error, msg string) *model.Error {
	e := model.WrapError(kind, cause, "%s", msg)
	e.CredentialID = credentialID
	return e
}

func asRouterError(err error) *model.Error {
	var re *model.Error
	if errors.As(err, &re) {
		return re
	}
	return model.WrapError(model.KindInternal, err, "internal failure")
}
