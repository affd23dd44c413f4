// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage (both optional; in-memory stores are used when unset)
	DatabaseURL string
	RedisURL    string

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64

	Scoring  Scoring
	Velocity Velocity
	Sync     Sync
	Dispatch Dispatch
	Trust    Trust

	// Enrichment
	IPIntelURL        string
	EnrichmentTimeout time.Duration

	// Outbound alerts
	WebhookURL    string
	WebhookSecret string

	// HTTP surface
	RateLimitPerMinute int
	RateLimitBurst     int
	CORSOrigins        []string
}

// Weights are the sub-score weights of the overall risk score.
// They must be non-negative and sum to 1.0.
type Weights struct {
	Behavioral  float64
	Device      float64
	Network     float64
	Transaction float64
	Velocity    float64
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.Behavioral + w.Device + w.Network + w.Transaction + w.Velocity
}

// Validate checks that the weights form a convex combination.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"behavioral":  w.Behavioral,
		"device":      w.Device,
		"network":     w.Network,
		"transaction": w.Transaction,
		"velocity":    w.Velocity,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("weight %s must be non-negative, got %v", name, v)
		}
	}
	if math.Abs(w.Sum()-1.0) > 1e-6 {
		return fmt.Errorf("weights must sum to 1.0, got %.4f", w.Sum())
	}
	return nil
}

// Scoring configures the risk scoring engine.
type Scoring struct {
	Weights Weights

	// Tier thresholds on the 0-100 risk score.
	MediumThreshold   float64 // >= medium
	HighThreshold     float64 // >= high
	CriticalThreshold float64 // >= critical; also the review threshold
	DeclineThreshold  float64 // >= decline

	MFAThreshold   float64
	BlacklistFloor float64

	// Amounts strictly above StepUpAmount always require at least MFA.
	StepUpAmount float64
	// Amounts that are a whole multiple of RoundAmountUnit are mildly suspicious.
	RoundAmountUnit float64
}

// Velocity configures the burst detector.
type Velocity struct {
	Window        time.Duration
	MaxWindow     time.Duration
	ModerateBurst int // count > ModerateBurst is moderate risk
	HighBurst     int // count > HighBurst is high risk
	MaxPerActor   int
}

// Sync configures the local pattern replica.
type Sync struct {
	Interval     time.Duration
	BatchSize    int
	SnapshotPath string // YAML pattern pack; empty disables persistence
}

// Dispatch configures the alert worker pool.
type Dispatch struct {
	QueueSize   int
	Workers     int
	MaxAttempts int
	BaseBackoff time.Duration
}

// Trust configures trust score recomputation.
type Trust struct {
	RecomputeSpec string // cron spec, e.g. "@every 1h"
	GraphDepth    int
}

// Defaults
const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// DefaultScoring returns the shipped scoring defaults. The weights and
// thresholds are starting points meant to be tuned against labeled outcomes.
func DefaultScoring() Scoring {
	return Scoring{
		Weights: Weights{
			Behavioral:  0.25,
			Device:      0.20,
			Network:     0.20,
			Transaction: 0.20,
			Velocity:    0.15,
		},
		MediumThreshold:   30,
		HighThreshold:     50,
		CriticalThreshold: 70,
		DeclineThreshold:  85,
		MFAThreshold:      60,
		BlacklistFloor:    95,
		StepUpAmount:      50000,
		RoundAmountUnit:   1000,
	}
}

// DefaultVelocity returns the shipped velocity defaults.
func DefaultVelocity() Velocity {
	return Velocity{
		Window:        5 * time.Minute,
		MaxWindow:     time.Hour,
		ModerateBurst: 3,
		HighBurst:     5,
		MaxPerActor:   1000,
	}
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	def := DefaultScoring()
	vel := DefaultVelocity()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:    getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		TraceSampleRatio: getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		Scoring: Scoring{
			Weights: Weights{
				Behavioral:  getEnvFloat("WEIGHT_BEHAVIORAL", def.Weights.Behavioral),
				Device:      getEnvFloat("WEIGHT_DEVICE", def.Weights.Device),
				Network:     getEnvFloat("WEIGHT_NETWORK", def.Weights.Network),
				Transaction: getEnvFloat("WEIGHT_TRANSACTION", def.Weights.Transaction),
				Velocity:    getEnvFloat("WEIGHT_VELOCITY", def.Weights.Velocity),
			},
			MediumThreshold:   getEnvFloat("TIER_MEDIUM", def.MediumThreshold),
			HighThreshold:     getEnvFloat("TIER_HIGH", def.HighThreshold),
			CriticalThreshold: getEnvFloat("TIER_CRITICAL", def.CriticalThreshold),
			DeclineThreshold:  getEnvFloat("DECLINE_THRESHOLD", def.DeclineThreshold),
			MFAThreshold:      getEnvFloat("MFA_THRESHOLD", def.MFAThreshold),
			BlacklistFloor:    getEnvFloat("BLACKLIST_FLOOR", def.BlacklistFloor),
			StepUpAmount:      getEnvFloat("STEP_UP_AMOUNT", def.StepUpAmount),
			RoundAmountUnit:   getEnvFloat("ROUND_AMOUNT_UNIT", def.RoundAmountUnit),
		},
		Velocity: Velocity{
			Window:        getEnvDuration("VELOCITY_WINDOW", vel.Window),
			MaxWindow:     getEnvDuration("VELOCITY_MAX_WINDOW", vel.MaxWindow),
			ModerateBurst: getEnvInt("VELOCITY_MODERATE_BURST", vel.ModerateBurst),
			HighBurst:     getEnvInt("VELOCITY_HIGH_BURST", vel.HighBurst),
			MaxPerActor:   getEnvInt("VELOCITY_MAX_PER_ACTOR", vel.MaxPerActor),
		},
		Sync: Sync{
			Interval:     getEnvDuration("PATTERN_SYNC_INTERVAL", 5*time.Minute),
			BatchSize:    getEnvInt("PATTERN_SYNC_BATCH", 500),
			SnapshotPath: os.Getenv("PATTERN_SNAPSHOT_PATH"),
		},
		Dispatch: Dispatch{
			QueueSize:   getEnvInt("DISPATCH_QUEUE_SIZE", 1024),
			Workers:     getEnvInt("DISPATCH_WORKERS", 4),
			MaxAttempts: getEnvInt("DISPATCH_MAX_ATTEMPTS", 5),
			BaseBackoff: getEnvDuration("DISPATCH_BASE_BACKOFF", 500*time.Millisecond),
		},
		Trust: Trust{
			RecomputeSpec: getEnv("TRUST_RECOMPUTE_SPEC", "@every 1h"),
			GraphDepth:    getEnvInt("TRUST_GRAPH_DEPTH", 2),
		},
		IPIntelURL:        os.Getenv("IP_INTEL_URL"),
		EnrichmentTimeout: getEnvDuration("ENRICHMENT_TIMEOUT", 300*time.Millisecond),
		WebhookURL:        os.Getenv("ALERT_WEBHOOK_URL"),
		WebhookSecret:     os.Getenv("ALERT_WEBHOOK_SECRET"),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 600),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 50),
		CORSOrigins:        getEnvList("CORS_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are usable
func (c *Config) Validate() error {
	if err := c.Scoring.Validate(); err != nil {
		return err
	}

	v := c.Velocity
	if v.Window <= 0 {
		return fmt.Errorf("VELOCITY_WINDOW must be positive")
	}
	if v.MaxWindow < v.Window {
		return fmt.Errorf("VELOCITY_MAX_WINDOW must be at least VELOCITY_WINDOW")
	}
	if v.ModerateBurst < 0 || v.HighBurst < v.ModerateBurst {
		return fmt.Errorf("velocity burst thresholds must satisfy 0 <= moderate <= high")
	}
	if v.MaxPerActor <= 0 {
		return fmt.Errorf("VELOCITY_MAX_PER_ACTOR must be positive")
	}

	if c.Sync.Interval <= 0 || c.Sync.BatchSize <= 0 {
		return fmt.Errorf("pattern sync interval and batch size must be positive")
	}
	if c.Dispatch.QueueSize <= 0 || c.Dispatch.Workers <= 0 || c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch queue size, workers and attempts must be positive")
	}
	if c.Trust.GraphDepth < 0 {
		return fmt.Errorf("TRUST_GRAPH_DEPTH must not be negative")
	}
	if c.EnrichmentTimeout <= 0 {
		return fmt.Errorf("ENRICHMENT_TIMEOUT must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be within [0,1]")
	}

	return nil
}

// Validate checks weight and threshold ordering.
func (s Scoring) Validate() error {
	if err := s.Weights.Validate(); err != nil {
		return err
	}
	if !(0 <= s.MediumThreshold && s.MediumThreshold <= s.HighThreshold &&
		s.HighThreshold <= s.CriticalThreshold && s.CriticalThreshold <= s.DeclineThreshold &&
		s.DeclineThreshold <= 100) {
		return fmt.Errorf("tier thresholds must satisfy 0 <= medium <= high <= critical <= decline <= 100")
	}
	if s.MFAThreshold < 0 || s.MFAThreshold > 100 {
		return fmt.Errorf("MFA_THRESHOLD must be within [0,100]")
	}
	if s.BlacklistFloor < s.CriticalThreshold || s.BlacklistFloor > 100 {
		return fmt.Errorf("BLACKLIST_FLOOR must be within [critical threshold, 100]")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
