// Package config loads the gateway's typed configuration from environment
// variables. There is deliberately no file parsing and no flag handling
// here — both are explicit collaborator concerns — but the env-var-plus-
// typed-default shape itself is ambient stack carried regardless.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/edgemcp/gateway/pkg/models"
)

// Config holds all runtime configuration for the edge gateway process.
// Field names track the option table in the gateway's external-interfaces
// contract; every option has the documented default.
type Config struct {
	MaxConnections int
	RequestTimeout time.Duration

	LocalModelID      models.ModelID
	MemoryBudgetBytes int64

	CloudEndpoint            string
	CloudFallbackThresholdMs int64

	QueueMaxEntries     int
	QueuePersistPath    string
	QueueSyncInterval   time.Duration
	RetryBase           time.Duration
	RetryCap            time.Duration
	MaxRetries          int

	RateLimitPerMinute int
	RateLimitBlockMs   int64

	CircuitFailThreshold int
	CircuitWindow        time.Duration
	CircuitCooldown      time.Duration

	RequireAttestation bool

	RouterWeights          RouterWeights
	RouterLocalThreshold   float64
	EnsembleDefaultStrategy models.EnsembleStrategy

	// EnsembleComplexityT1/T2 partition ComplexityBased's numeric
	// complexity score: below T1 picks the smallest candidate by
	// SizeBytes, above T2 the largest, between the median.
	EnsembleComplexityT1 float64
	EnsembleComplexityT2 float64

	Telemetry TelemetryConfig
}

// RouterWeights are the configurable coefficients of the local-preference
// score L = w_c*(1-c) + w_r*r + w_h*hist + w_a*offline_bias.
type RouterWeights struct {
	Complexity float64
	Resource   float64
	History    float64
	Offline    float64
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with the defaults
// enumerated in the external-interfaces configuration table.
func Load() *Config {
	return &Config{
		MaxConnections: envInt("GATEWAY_MAX_CONNECTIONS", 100),
		RequestTimeout: envDuration("GATEWAY_REQUEST_TIMEOUT_MS", 5000),

		LocalModelID:      models.ModelID(envStr("GATEWAY_LOCAL_MODEL_ID", "")),
		MemoryBudgetBytes: envInt64("GATEWAY_MEMORY_BUDGET_BYTES", 512*1024*1024),

		CloudEndpoint:            envStr("GATEWAY_CLOUD_ENDPOINT", ""),
		CloudFallbackThresholdMs: envInt64("GATEWAY_CLOUD_FALLBACK_THRESHOLD_MS", 2000),

		QueueMaxEntries:   envInt("GATEWAY_QUEUE_MAX_ENTRIES", 1000),
		QueuePersistPath:  envStr("GATEWAY_QUEUE_PERSIST_PATH", "./data/queue"),
		QueueSyncInterval: envDuration("GATEWAY_QUEUE_SYNC_INTERVAL_MS", 5000),
		RetryBase:         envDuration("GATEWAY_RETRY_BASE_MS", 1000),
		RetryCap:          envDuration("GATEWAY_RETRY_CAP_MS", 30000),
		MaxRetries:        envInt("GATEWAY_MAX_RETRIES", 10),

		RateLimitPerMinute: envInt("GATEWAY_RATE_LIMIT_PER_MINUTE", 100),
		RateLimitBlockMs:   envInt64("GATEWAY_RATE_LIMIT_BLOCK_MS", 60000),

		CircuitFailThreshold: envInt("GATEWAY_CIRCUIT_FAIL_THRESHOLD", 5),
		CircuitWindow:        envDuration("GATEWAY_CIRCUIT_WINDOW_MS", 30000),
		CircuitCooldown:      envDuration("GATEWAY_CIRCUIT_COOLDOWN_MS", 30000),

		RequireAttestation: envBool("GATEWAY_REQUIRE_ATTESTATION", false),

		RouterWeights: RouterWeights{
			Complexity: envFloat("GATEWAY_ROUTER_WEIGHT_COMPLEXITY", 0.4),
			Resource:   envFloat("GATEWAY_ROUTER_WEIGHT_RESOURCE", 0.3),
			History:    envFloat("GATEWAY_ROUTER_WEIGHT_HISTORY", 0.2),
			Offline:    envFloat("GATEWAY_ROUTER_WEIGHT_OFFLINE", 0.1),
		},
		RouterLocalThreshold:    envFloat("GATEWAY_ROUTER_LOCAL_THRESHOLD", 0.5),
		EnsembleDefaultStrategy: models.EnsembleStrategy(envStr("GATEWAY_ENSEMBLE_DEFAULT_STRATEGY", string(models.StrategyFastestFirst))),

		EnsembleComplexityT1: envFloat("GATEWAY_ENSEMBLE_COMPLEXITY_T1", 0.3),
		EnsembleComplexityT2: envFloat("GATEWAY_ENSEMBLE_COMPLEXITY_T2", 0.7),

		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "edgemcp-gateway"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// envDuration reads a millisecond count from the environment and returns
// it as a time.Duration, matching the "_ms" naming convention used
// throughout the configuration table.
func envDuration(key string, fallbackMs int64) time.Duration {
	ms := envInt64(key, fallbackMs)
	return time.Duration(ms) * time.Millisecond
}
