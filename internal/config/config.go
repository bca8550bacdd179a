package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StdioConfig holds the default stdio fallback target.
type StdioConfig struct {
	Command string `json:"command" yaml:"command"` // INSPECTOR_STDIO_CMD, shell-word split
}

// MetricsConfig holds the metrics HTTP endpoint's settings.
type MetricsConfig struct {
	Addr             string `json:"addr" yaml:"addr"`                               // METRICS_ADDR, empty disables the endpoint
	AuthToken        string `json:"auth_token" yaml:"auth_token"`                   // METRICS_AUTH_TOKEN
	TLSCertPath      string `json:"tls_cert_path" yaml:"tls_cert_path"`             // METRICS_TLS_CERT_PATH
	TLSKeyPath       string `json:"tls_key_path" yaml:"tls_key_path"`               // METRICS_TLS_KEY_PATH
	AllowInsecureDev bool   `json:"allow_insecure_dev" yaml:"allow_insecure_dev"`   // ALLOW_INSECURE_METRICS_DEV
	Namespace        string `json:"namespace" yaml:"namespace"`
}

// OutboxConfig selects and configures the durable outbox backend.
type OutboxConfig struct {
	Path    string `json:"path" yaml:"path"`         // OUTBOX_PATH, JSONL file backend
	DLQPath string `json:"dlq_path" yaml:"dlq_path"` // OUTBOX_DLQ_PATH
	DBPath  string `json:"db_path" yaml:"db_path"`   // OUTBOX_DB_PATH, SQLite backend when set
}

// IdempotencyConfig holds idempotency/conflict-policy settings.
type IdempotencyConfig struct {
	ConflictPolicy string `json:"conflict_policy" yaml:"conflict_policy"` // IDEMPOTENCY_CONFLICT_POLICY: return_existing | conflict_409
}

const (
	ConflictPolicyReturnExisting = "return_existing"
	ConflictPolicyConflict409    = "conflict_409"
)

// ErrorBudgetConfig holds the error-budget breaker parameters.
type ErrorBudgetConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`                     // ERROR_BUDGET_ENABLED
	SuccessThreshold float64       `json:"success_threshold" yaml:"success_threshold"` // ERROR_BUDGET_SUCCESS_THRESHOLD
	SampleWindow     time.Duration `json:"sample_window" yaml:"sample_window"`         // ERROR_BUDGET_SAMPLE_WINDOW_SECS
	MinRequests      int           `json:"min_requests" yaml:"min_requests"`           // ERROR_BUDGET_MIN_REQUESTS
	FreezeDuration   time.Duration `json:"freeze_duration" yaml:"freeze_duration"`     // ERROR_BUDGET_FREEZE_SECS
}

// ReleaseTrack governs which tool set the MCP facade exposes.
type ReleaseTrack string

const (
	ReleaseTrackStable   ReleaseTrack = "stable"
	ReleaseTrackCanary   ReleaseTrack = "canary"
	ReleaseTrackRollback ReleaseTrack = "rollback"
)

// ReaperConfig holds the background sweep's cadence/TTL.
type ReaperConfig struct {
	Cadence time.Duration `json:"cadence" yaml:"cadence"`
	TTL     time.Duration `json:"ttl" yaml:"ttl"`
}

// TracingConfig holds OpenTelemetry tracing settings, carried forward from
// the ambient observability stack regardless of which domain features this
// build enables.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"`         // otlp-http (or otlp), stdout
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // localhost:4318
	ServiceName string  `json:"service_name" yaml:"service_name"` // mcp-bridge
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"` // debug, info, warn, error
}

// Config is the central configuration struct for the inspector bridge.
type Config struct {
	Stdio        StdioConfig       `json:"stdio" yaml:"stdio"`
	Metrics      MetricsConfig     `json:"metrics" yaml:"metrics"`
	Outbox       OutboxConfig      `json:"outbox" yaml:"outbox"`
	Idempotency  IdempotencyConfig `json:"idempotency" yaml:"idempotency"`
	ErrorBudget  ErrorBudgetConfig `json:"error_budget" yaml:"error_budget"`
	ReleaseTrack ReleaseTrack      `json:"release_track" yaml:"release_track"`
	Reaper       ReaperConfig      `json:"reaper" yaml:"reaper"`
	Tracing      TracingConfig     `json:"tracing" yaml:"tracing"`
	Logging      LoggingConfig     `json:"logging" yaml:"logging"`
}

// DefaultConfig returns a Config with the documented operational defaults.
func DefaultConfig() *Config {
	return &Config{
		Stdio: StdioConfig{},
		Metrics: MetricsConfig{
			Addr:      "",
			Namespace: "inspector_bridge",
		},
		Outbox: OutboxConfig{
			Path:    "./outbox.jsonl",
			DLQPath: "./outbox.dlq.jsonl",
		},
		Idempotency: IdempotencyConfig{
			ConflictPolicy: ConflictPolicyConflict409,
		},
		ErrorBudget: ErrorBudgetConfig{
			Enabled:          true,
			SuccessThreshold: 0.5,
			SampleWindow:     60 * time.Second,
			MinRequests:      10,
			FreezeDuration:   30 * time.Second,
		},
		ReleaseTrack: ReleaseTrackStable,
		Reaper: ReaperConfig{
			Cadence: 30 * time.Second,
			TTL:     60 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "mcp-bridge",
			SampleRate:  1.0,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromFile loads configuration from a YAML file layered over the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config,
// matching the external interface this process exposes to its operators.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("INSPECTOR_STDIO_CMD"); v != "" {
		cfg.Stdio.Command = v
	}

	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("METRICS_AUTH_TOKEN"); v != "" {
		cfg.Metrics.AuthToken = v
	}
	if v := os.Getenv("METRICS_TLS_CERT_PATH"); v != "" {
		cfg.Metrics.TLSCertPath = v
	}
	if v := os.Getenv("METRICS_TLS_KEY_PATH"); v != "" {
		cfg.Metrics.TLSKeyPath = v
	}
	if v := os.Getenv("ALLOW_INSECURE_METRICS_DEV"); v != "" {
		cfg.Metrics.AllowInsecureDev = parseBool(v)
	}

	if v := os.Getenv("OUTBOX_PATH"); v != "" {
		cfg.Outbox.Path = v
	}
	if v := os.Getenv("OUTBOX_DLQ_PATH"); v != "" {
		cfg.Outbox.DLQPath = v
	}
	if v := os.Getenv("OUTBOX_DB_PATH"); v != "" {
		cfg.Outbox.DBPath = v
	}

	if v := os.Getenv("IDEMPOTENCY_CONFLICT_POLICY"); v != "" {
		cfg.Idempotency.ConflictPolicy = normalizeConflictPolicy(v)
	}

	if v := os.Getenv("ERROR_BUDGET_ENABLED"); v != "" {
		cfg.ErrorBudget.Enabled = parseBool(v)
	}
	if v := os.Getenv("ERROR_BUDGET_SUCCESS_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ErrorBudget.SuccessThreshold = f
		}
	}
	if v := os.Getenv("ERROR_BUDGET_SAMPLE_WINDOW_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ErrorBudget.SampleWindow = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ERROR_BUDGET_MIN_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ErrorBudget.MinRequests = n
		}
	}
	if v := os.Getenv("ERROR_BUDGET_FREEZE_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ErrorBudget.FreezeDuration = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("RELEASE_TRACK"); v != "" {
		cfg.ReleaseTrack = ReleaseTrack(strings.ToLower(v))
	}

	if v := os.Getenv("REAPER_CADENCE_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reaper.Cadence = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("REAPER_TTL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reaper.TTL = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		cfg.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SampleRate = f
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// normalizeConflictPolicy accepts the documented synonyms for the 409
// conflict policy and folds them to the canonical constant.
func normalizeConflictPolicy(v string) string {
	switch strings.ToLower(v) {
	case ConflictPolicyReturnExisting:
		return ConflictPolicyReturnExisting
	case "conflict", "409", ConflictPolicyConflict409:
		return ConflictPolicyConflict409
	default:
		return ConflictPolicyConflict409
	}
}

// Validate reports a startup configuration error, matching this process's
// documented non-zero exit code on invalid configuration.
func (c *Config) Validate() error {
	if c.ReleaseTrack != ReleaseTrackStable && c.ReleaseTrack != ReleaseTrackCanary && c.ReleaseTrack != ReleaseTrackRollback {
		return fmt.Errorf("invalid RELEASE_TRACK %q: want stable, canary, or rollback", c.ReleaseTrack)
	}
	if c.Metrics.Addr != "" && c.Metrics.AuthToken == "" && !c.Metrics.AllowInsecureDev {
		return fmt.Errorf("METRICS_ADDR is set without METRICS_AUTH_TOKEN; set ALLOW_INSECURE_METRICS_DEV=true to run unauthenticated in development")
	}
	if (c.Metrics.TLSCertPath == "") != (c.Metrics.TLSKeyPath == "") {
		return fmt.Errorf("METRICS_TLS_CERT_PATH and METRICS_TLS_KEY_PATH must both be set or both be empty")
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
