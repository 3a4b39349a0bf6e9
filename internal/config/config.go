// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.folio/config.yaml)
//  3. Default values (sensible defaults for quick start)
//
// Main configuration categories:
//   - AI: Model selection, temperature, embedder model
//   - Storage: PostgreSQL connection (see storage.go)
//   - Session: quota, expiry window, inter-message floor
//   - Pipeline: retrieval sizes, routing fallback, history window
//   - Observability: OTLP trace export (optional)
//
// Security: Sensitive data (passwords) are never logged; config directory uses 0750 permissions.
//
// Error Handling:
//   - Uses sentinel errors for Go-idiomatic error checking with errors.Is()
//   - Wrap with context using fmt.Errorf("%w: details", ErrXxx)
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidQuota indicates the session quota is out of range.
	ErrInvalidQuota = errors.New("invalid session quota")

	// ErrInvalidInterval indicates a duration setting is out of range.
	ErrInvalidInterval = errors.New("invalid interval")

	// ErrInvalidTopK indicates the retrieval top-k is out of range.
	ErrInvalidTopK = errors.New("invalid retrieval top-k")

	// ErrInvalidFallbackIntent indicates the routing fallback intent is unknown.
	ErrInvalidFallbackIntent = errors.New("invalid routing fallback intent")
)

const (
	// DefaultEmbedderModel is the default Gemini embedder model.
	// gemini-embedding-001 supports truncation to 768 dimensions
	// (Matryoshka Representation Learning); the pgvector schema uses 768.
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultHistoryWindow is the number of recent turns visible to the pipeline.
	// Older turns stay in storage; only the returned view is bounded.
	DefaultHistoryWindow = 20

	// DefaultSessionQuota is the lifetime message quota per session.
	DefaultSessionQuota = 50

	// DefaultSessionTTL is how long a session stays valid after creation.
	DefaultSessionTTL = 30 * 24 * time.Hour

	// DefaultMinMessageInterval is the minimum wait between two accepted
	// messages of the same session.
	DefaultMinMessageInterval = 1500 * time.Millisecond

	// DefaultRetrievalTopK is the number of passages handed to generation.
	DefaultRetrievalTopK = 3

	// DefaultRetrievalOversample is the multiplier applied to top-k for the
	// candidate set fetched before reranking.
	DefaultRetrievalOversample = 3
)

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (passwords, API keys, tokens), update MarshalJSON.
type Config struct {
	// HTTP server listen address, e.g. ":8080".
	HTTPAddr string `mapstructure:"http_addr" json:"http_addr"`

	// AI model configuration
	ModelName     string  `mapstructure:"model_name" json:"model_name"` // e.g. "gemini-2.5-flash"
	Temperature   float32 `mapstructure:"temperature" json:"temperature"`
	EmbedderModel string  `mapstructure:"embedder_model" json:"embedder_model"`

	// Session gating
	SessionQuota       int           `mapstructure:"session_quota" json:"session_quota"`
	SessionTTL         time.Duration `mapstructure:"session_ttl" json:"session_ttl"`
	MinMessageInterval time.Duration `mapstructure:"min_message_interval" json:"min_message_interval"`
	HistoryWindow      int           `mapstructure:"history_window" json:"history_window"`

	// Retrieval
	RetrievalTopK       int `mapstructure:"retrieval_top_k" json:"retrieval_top_k"`
	RetrievalOversample int `mapstructure:"retrieval_oversample" json:"retrieval_oversample"`

	// Routing policy: intent used when classification is ambiguous or fails.
	// "VECTOR" (default, broader retrieval) or "OFF_TOPIC" (stricter refusal).
	RouterFallbackIntent string `mapstructure:"router_fallback_intent" json:"router_fallback_intent"`

	// Storage configuration (see storage.go for documentation)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Observability (optional OTLP trace export)
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// TracingConfig configures the optional OTLP/HTTP trace exporter.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"` // host:port of the OTLP collector
	Environment string `mapstructure:"environment" json:"environment"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	// Configuration directory: ~/.folio/
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".folio")

	// Ensure directory exists (use 0750 permission for better security)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	// Configure Viper
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".") // Also support current directory

	setDefaults()
	bindEnvVariables()

	// Read configuration file (if exists)
	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	// Use Unmarshal to automatically map to struct (type-safe)
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// Parse DATABASE_URL if set (highest priority for PostgreSQL config)
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	// CRITICAL: Validate immediately (fail-fast)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	viper.SetDefault("http_addr", ":8080")

	// AI defaults
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("temperature", 0.3)
	viper.SetDefault("embedder_model", DefaultEmbedderModel)

	// Session defaults
	viper.SetDefault("session_quota", DefaultSessionQuota)
	viper.SetDefault("session_ttl", DefaultSessionTTL)
	viper.SetDefault("min_message_interval", DefaultMinMessageInterval)
	viper.SetDefault("history_window", DefaultHistoryWindow)

	// Retrieval defaults
	viper.SetDefault("retrieval_top_k", DefaultRetrievalTopK)
	viper.SetDefault("retrieval_oversample", DefaultRetrievalOversample)
	viper.SetDefault("router_fallback_intent", "VECTOR")

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "folio")
	viper.SetDefault("postgres_password", "folio_dev_password")
	viper.SetDefault("postgres_db_name", "folio")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.endpoint", "localhost:4318")
	viper.SetDefault("tracing.environment", "dev")
	viper.SetDefault("tracing.service_name", "folio")
}

// bindEnvVariables binds environment variable overrides explicitly.
// NOTE: GEMINI_API_KEY is read directly by Genkit, not via Viper.
func bindEnvVariables() {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail)
	// If this panics, it's a BUG in our code, not a runtime error
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("http_addr", "FOLIO_HTTP_ADDR")
	mustBind("model_name", "FOLIO_MODEL_NAME")
	mustBind("embedder_model", "FOLIO_EMBEDDER_MODEL")
	mustBind("session_quota", "FOLIO_SESSION_QUOTA")
	mustBind("router_fallback_intent", "FOLIO_ROUTER_FALLBACK")
	mustBind("tracing.enabled", "FOLIO_TRACING_ENABLED")
	mustBind("tracing.endpoint", "FOLIO_TRACING_ENDPOINT")
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.ModelName == "" {
		return fmt.Errorf("%w: model name must not be empty", ErrInvalidModelName)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder model must not be empty", ErrInvalidEmbedderModel)
	}
	if c.SessionQuota < 1 || c.SessionQuota > 10000 {
		return fmt.Errorf("%w: got %d, want 1-10000", ErrInvalidQuota, c.SessionQuota)
	}
	if c.SessionTTL < time.Minute {
		return fmt.Errorf("%w: session_ttl %v below 1m", ErrInvalidInterval, c.SessionTTL)
	}
	if c.MinMessageInterval < 0 || c.MinMessageInterval > time.Minute {
		return fmt.Errorf("%w: min_message_interval %v outside 0-1m", ErrInvalidInterval, c.MinMessageInterval)
	}
	if c.HistoryWindow < 1 || c.HistoryWindow > 1000 {
		return fmt.Errorf("%w: history_window %d outside 1-1000", ErrInvalidInterval, c.HistoryWindow)
	}
	if c.RetrievalTopK < 1 || c.RetrievalTopK > 20 {
		return fmt.Errorf("%w: got %d, want 1-20", ErrInvalidTopK, c.RetrievalTopK)
	}
	if c.RetrievalOversample < 1 || c.RetrievalOversample > 10 {
		return fmt.Errorf("%w: oversample %d outside 1-10", ErrInvalidTopK, c.RetrievalOversample)
	}
	switch c.RouterFallbackIntent {
	case "VECTOR", "OFF_TOPIC":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFallbackIntent, c.RouterFallbackIntent)
	}
	return c.validateStorage()
}

// MarshalJSON masks sensitive fields when the config is serialized
// (e.g. for debug logging).
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config // avoid recursion
	masked := alias(c)
	if masked.PostgresPassword != "" {
		masked.PostgresPassword = "***"
	}
	return json.Marshal(masked)
}
