package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/perilstack/lossengine/internal/formula"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultGRPCPort       = 50061
	DefaultHTTPPort       = 8090
	DefaultRunTTL         = 30 * time.Minute
	DefaultMaxRecords     = 5_000_000
	DefaultStreamInterval = 5 * time.Second
	DefaultFetchTimeout   = 30 * time.Second
	DefaultAPIKeyHeader   = "x-api-key"

	// BytesPerRecord sizes the default gRPC message limit: one record
	// encoded as a protobuf Struct takes about 145 bytes.
	BytesPerRecord = 256
	// MinMessageBytes is gRPC's own default limit.
	MinMessageBytes = 4 << 20
	maxMessageBytes = 1<<31 - 1
)

// Config is the full configuration tree shared by lossengine and lossserver.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Engine  EngineConfig  `yaml:"engine"`
	Dataset DatasetConfig `yaml:"dataset"`
	Server  ServerConfig  `yaml:"server"`
}

// LogConfig controls the process-wide slog handler.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`
}

// SlogLevel maps Level onto a slog.Level. Unknown values fall back to info;
// validate rejects them before this is reached.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EngineConfig holds the default run parameters.
type EngineConfig struct {
	// Formula selects a registered formula by name.
	Formula string `yaml:"formula"`

	DiscountRate float64 `yaml:"discount_rate"`
	HorizonYears int     `yaml:"horizon_years"`

	// Workers is the pool size per run. Zero derives it from the host's
	// available parallelism.
	Workers int `yaml:"workers"`
}

// Params returns the formula parameters described by e.
func (e EngineConfig) Params() formula.Params {
	return formula.Params{DiscountRate: e.DiscountRate, HorizonYears: e.HorizonYears}
}

// DatasetConfig tells the CLI where to read building records from.
// Exactly one of Path and Endpoint is normally set; Endpoint wins.
type DatasetConfig struct {
	// Path is a local JSON file, optionally zstd-compressed (.zst).
	Path string `yaml:"path"`

	// Endpoint is an HTTP(S) URL serving the same JSON document.
	Endpoint string `yaml:"endpoint"`

	// Replicate repeats the first record this many times to build a
	// synthetic portfolio. Values of 0 or 1 leave the dataset unchanged.
	Replicate int `yaml:"replicate"`

	// Timeout bounds a fetch from Endpoint.
	Timeout time.Duration `yaml:"timeout"`

	Auth AuthConfig `yaml:"auth"`
	TLS  TLSConfig  `yaml:"tls"`
}

// AuthConfig specifies how the dataset endpoint is authenticated.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mtls
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// apikey: the key is sent in Header and read from the KeyEnv variable.
	Header string `yaml:"header"`
	KeyEnv string `yaml:"key_env"`

	// bearer
	TokenEnv string `yaml:"token_env"`

	// basic
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key resolved from the environment.
func (a AuthConfig) Key() string { return env(a.KeyEnv) }

// Token returns the bearer token resolved from the environment.
func (a AuthConfig) Token() string { return env(a.TokenEnv) }

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string { return env(a.PasswordEnv) }

// EffectiveHeader returns Header, or DefaultAPIKeyHeader when unset.
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultAPIKeyHeader
}

// TLSConfig holds dial options for the dataset endpoint.
type TLSConfig struct {
	// InsecureSkipVerify disables certificate verification. Development only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// ServerConfig holds lossserver's listener, auth, retention and alerting
// settings.
type ServerConfig struct {
	GRPCPort int `yaml:"grpc_port"`
	HTTPPort int `yaml:"http_port"`

	// Auth applies to both the REST API and the gRPC service.
	Auth ServerAuthConfig `yaml:"auth"`

	Runs   RunsConfig   `yaml:"runs"`
	Alerts AlertsConfig `yaml:"alerts"`

	// StreamInterval is how often WebSocket clients receive a full run list
	// in addition to per-run pushes.
	StreamInterval time.Duration `yaml:"stream_interval"`

	// MaxMessageBytes caps gRPC request and response sizes. Zero derives
	// the limit from Runs.MaxRecords; see MessageLimit.
	MaxMessageBytes int `yaml:"max_message_bytes"`
}

// MessageLimit returns the gRPC message size limit used by both lossserver
// and the lossengine -remote client. Unless set explicitly it is large
// enough for a request of Runs.MaxRecords records, and never below gRPC's
// 4 MiB default.
func (s ServerConfig) MessageLimit() int {
	n := s.MaxMessageBytes
	if n == 0 {
		n = s.Runs.MaxRecords * BytesPerRecord
	}
	return min(max(n, MinMessageBytes), maxMessageBytes)
}

// ServerAuthConfig configures inbound authentication.
type ServerAuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv names the environment variable holding the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header and gRPC metadata key carrying the key.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a ServerAuthConfig) Key() string { return env(a.KeyEnv) }

// EffectiveHeader returns Header, or DefaultAPIKeyHeader when unset.
func (a ServerAuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultAPIKeyHeader
}

// RunsConfig controls retention of completed runs and request limits.
type RunsConfig struct {
	// TTL is how long a finished run stays queryable.
	TTL time.Duration `yaml:"ttl"`

	// MaxRecords caps the dataset size accepted by one request.
	MaxRecords int `yaml:"max_records"`
}

// AlertsConfig holds alerting rules and webhook delivery targets.
type AlertsConfig struct {
	Rules    []AlertRule     `yaml:"rules"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// AlertRule fires when Condition holds for a finished run.
type AlertRule struct {
	// Name identifies the rule and deduplicates repeated fires.
	Name string `yaml:"name"`

	// Condition is a comparison such as "total_loss > 1e9" or
	// "state == failed".
	Condition string `yaml:"condition"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity"`

	// Cooldown suppresses re-fires after an alert fires. Zero means the
	// alerts package default.
	Cooldown time.Duration `yaml:"cooldown"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: slack | teams | http | pagerduty. pagerduty posts
	// the generic http payload to an events endpoint.
	Type string `yaml:"type"`

	// URLEnv names the environment variable holding the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string { return env(w.URLEnv) }

func env(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document on top of the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config { return defaults() }

func defaults() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Engine: EngineConfig{
			Formula:      formula.Exponential{}.Name(),
			DiscountRate: formula.DefaultDiscountRate,
			HorizonYears: formula.DefaultHorizonYears,
		},
		Dataset: DatasetConfig{
			Replicate: 1,
			Timeout:   DefaultFetchTimeout,
		},
		Server: ServerConfig{
			GRPCPort: DefaultGRPCPort,
			HTTPPort: DefaultHTTPPort,
			Auth:     ServerAuthConfig{Mode: "none", Header: DefaultAPIKeyHeader},
			Runs: RunsConfig{
				TTL:        DefaultRunTTL,
				MaxRecords: DefaultMaxRecords,
			},
			StreamInterval: DefaultStreamInterval,
		},
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		return fmt.Errorf("log.level %q unknown: want debug|info|warn|error", cfg.Log.Level)
	}

	if _, err := formula.ByName(cfg.Engine.Formula); err != nil {
		return fmt.Errorf("engine.formula: %w", err)
	}
	if err := cfg.Engine.Params().Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if cfg.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers must not be negative, got %d", cfg.Engine.Workers)
	}

	if cfg.Dataset.Replicate < 0 {
		return fmt.Errorf("dataset.replicate must not be negative, got %d", cfg.Dataset.Replicate)
	}
	if cfg.Dataset.Timeout <= 0 {
		return fmt.Errorf("dataset.timeout must be positive")
	}
	switch cfg.Dataset.Auth.Mode {
	case "mtls":
		if cfg.Dataset.Auth.CertFile == "" || cfg.Dataset.Auth.KeyFile == "" {
			return fmt.Errorf("dataset.auth: mtls requires cert_file and key_file")
		}
	case "apikey", "bearer", "basic", "none", "":
	default:
		return fmt.Errorf("dataset.auth.mode %q unknown: want mtls|apikey|bearer|basic|none", cfg.Dataset.Auth.Mode)
	}

	s := cfg.Server
	if s.GRPCPort <= 0 || s.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [1, 65535]", s.GRPCPort)
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	switch s.Auth.Mode {
	case "apikey":
		if s.Auth.KeyEnv == "" {
			return fmt.Errorf("server.auth: apikey mode requires key_env")
		}
	case "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", s.Auth.Mode)
	}
	if s.Runs.TTL <= 0 {
		return fmt.Errorf("server.runs.ttl must be positive")
	}
	if s.Runs.MaxRecords <= 0 {
		return fmt.Errorf("server.runs.max_records must be positive")
	}
	if s.StreamInterval <= 0 {
		return fmt.Errorf("server.stream_interval must be positive")
	}
	if s.MaxMessageBytes < 0 {
		return fmt.Errorf("server.max_message_bytes must not be negative")
	}
	for i, r := range s.Alerts.Rules {
		if r.Name == "" {
			return fmt.Errorf("server.alerts.rules[%d]: name is required", i)
		}
		if r.Condition == "" {
			return fmt.Errorf("server.alerts.rules[%d] %q: condition is required", i, r.Name)
		}
		switch r.Severity {
		case "critical", "warning", "info", "":
		default:
			return fmt.Errorf("server.alerts.rules[%d] %q: unknown severity %q", i, r.Name, r.Severity)
		}
	}
	for i, w := range s.Alerts.Webhooks {
		switch w.Type {
		case "slack", "teams", "http", "pagerduty":
		default:
			return fmt.Errorf("server.alerts.webhooks[%d]: unknown type %q", i, w.Type)
		}
	}
	return nil
}
