// Package config loads and validates router configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ashita-ai/furiwake/model"
)

// Config holds all router configuration. Programmatic options on the façade
// override individual fields after Load.
type Config struct {
	// EncryptionKey seals credential material. Empty means an ephemeral key
	// is generated at startup.
	EncryptionKey string

	// Routing settings.
	DefaultObjective    model.Objective
	MaxAttempts         int
	DefaultTimeout      time.Duration
	BackoffBase         time.Duration
	DefaultCooldown     time.Duration
	RecentFailureWindow time.Duration
	// CompositeWeights is a "name=weight" list, e.g.
	// "cost=0.5,reliability=0.3,fairness=0.2".
	CompositeWeights string

	// Quota settings.
	AbundantThreshold  float64 // remaining fraction at or above which tier is Abundant
	CriticalThreshold  float64 // remaining fraction below which tier is Critical
	QuotaSweepInterval time.Duration
	PredictWindow      time.Duration // rolling window feeding exhaustion prediction

	// Event settings.
	EventBufferSize   int
	EventDrainTimeout time.Duration

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		EncryptionKey:       envStr("FURIWAKE_ENCRYPTION_KEY", ""),
		DefaultObjective:    model.Objective(envStr("FURIWAKE_DEFAULT_OBJECTIVE", string(model.ObjectiveComposite))),
		MaxAttempts:         envInt("FURIWAKE_MAX_ATTEMPTS", 3),
		DefaultTimeout:      envDuration("FURIWAKE_DEFAULT_TIMEOUT", 30*time.Second),
		BackoffBase:         envDuration("FURIWAKE_BACKOFF_BASE", 100*time.Millisecond),
		DefaultCooldown:     envDuration("FURIWAKE_DEFAULT_COOLDOWN", time.Minute),
		RecentFailureWindow: envDuration("FURIWAKE_RECENT_FAILURE_WINDOW", 15*time.Minute),
		CompositeWeights:    envStr("FURIWAKE_COMPOSITE_WEIGHTS", "cost=0.5,reliability=0.3,fairness=0.2"),
		AbundantThreshold:   envFloat("FURIWAKE_TIER_ABUNDANT", 0.50),
		CriticalThreshold:   envFloat("FURIWAKE_TIER_CRITICAL", 0.15),
		QuotaSweepInterval:  envDuration("FURIWAKE_QUOTA_SWEEP_INTERVAL", 15*time.Second),
		PredictWindow:       envDuration("FURIWAKE_PREDICT_WINDOW", 10*time.Minute),
		EventBufferSize:     envInt("FURIWAKE_EVENT_BUFFER_SIZE", 1024),
		EventDrainTimeout:   envDuration("FURIWAKE_EVENT_DRAIN_TIMEOUT", 5*time.Second),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "furiwake"),
		OTELInsecure:        envBool("FURIWAKE_OTEL_INSECURE", false),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c Config) Validate() error {
	if !c.DefaultObjective.Valid() {
		return fmt.Errorf("config: FURIWAKE_DEFAULT_OBJECTIVE %q is not a known objective", c.DefaultObjective)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: FURIWAKE_MAX_ATTEMPTS must be at least 1")
	}
	if c.CriticalThreshold <= 0 || c.AbundantThreshold > 1 || c.CriticalThreshold >= c.AbundantThreshold {
		return fmt.Errorf("config: tier thresholds must satisfy 0 < critical < abundant <= 1 (got critical=%.2f abundant=%.2f)",
			c.CriticalThreshold, c.AbundantThreshold)
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("config: FURIWAKE_EVENT_BUFFER_SIZE must be positive")
	}
	if c.QuotaSweepInterval <= 0 {
		return fmt.Errorf("config: FURIWAKE_QUOTA_SWEEP_INTERVAL must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
