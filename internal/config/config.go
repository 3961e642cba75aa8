// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.parley/config.yaml or ./config.yaml)
//  3. Default values
//
// Security: sensitive fields (API keys, tokens, database URLs) are masked in
// MarshalJSON and String. Validation fails fast with sentinel errors usable
// with errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrMissingAPIKey indicates the upstream API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidAddr indicates the listen address is empty.
	ErrInvalidAddr = errors.New("invalid listen address")

	// ErrInvalidRateLimit indicates a non-positive rate limit setting.
	ErrInvalidRateLimit = errors.New("invalid rate limit")

	// ErrInvalidMaxTurns indicates the agent turn budget is out of range.
	ErrInvalidMaxTurns = errors.New("invalid max turns")

	// ErrConflictingAgentSource indicates both a static agent definition and
	// a remote agent definition URL were configured.
	ErrConflictingAgentSource = errors.New("conflicting agent definition sources")
)

const (
	// DefaultModel is used when neither config nor the agent definition
	// selects a model.
	DefaultModel = "claude-sonnet-4-20250514"

	// DefaultMaxTurns bounds the agent loop per request.
	DefaultMaxTurns = 5

	// MaxAllowedTurns is the absolute cap on the agent loop bound.
	MaxAllowedTurns = 25
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON. When
// adding new sensitive fields, update MarshalJSON.
type Config struct {
	// HTTP server
	Addr        string   `mapstructure:"addr" json:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // trust X-Forwarded-For (set true behind reverse proxy)

	// Per-IP rate limiting
	RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second" json:"rate_limit_per_second"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst" json:"rate_limit_burst"`

	// Upstream runtime
	AnthropicAPIKey string `mapstructure:"anthropic_api_key" json:"anthropic_api_key"` // SENSITIVE: masked in MarshalJSON
	Model           string `mapstructure:"model" json:"model"`
	MaxTurns        int    `mapstructure:"max_turns" json:"max_turns"`

	// Agent definition source. AgentConfigJSON and AgentConfigURL are
	// mutually exclusive; with neither set the default definition is used.
	AgentConfigJSON  string `mapstructure:"agent_config_json" json:"agent_config_json"`
	AgentConfigURL   string `mapstructure:"agent_config_url" json:"agent_config_url"`
	AgentConfigToken string `mapstructure:"agent_config_token" json:"agent_config_token"` // SENSITIVE: masked in MarshalJSON

	// Audit sink. AuditURL selects the platform recorder; DatabaseURL selects
	// the Postgres recorder. Neither set: auditing is a no-op.
	AuditURL    string `mapstructure:"audit_url" json:"audit_url"`
	AuditToken  string `mapstructure:"audit_token" json:"audit_token"`   // SENSITIVE: masked in MarshalJSON
	DatabaseURL string `mapstructure:"database_url" json:"database_url"` // SENSITIVE: masked in MarshalJSON

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}
	configDir := filepath.Join(home, ".parley")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	viper.SetDefault("addr", ":8080")
	viper.SetDefault("cors_origins", []string{"*"})
	viper.SetDefault("trust_proxy", false)

	viper.SetDefault("rate_limit_per_second", 2.0)
	viper.SetDefault("rate_limit_burst", 8)

	viper.SetDefault("model", DefaultModel)
	viper.SetDefault("max_turns", DefaultMaxTurns)

	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_json", false)
}

// bindEnvVariables binds environment variables explicitly.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("anthropic_api_key", "ANTHROPIC_API_KEY")

	mustBind("addr", "PARLEY_ADDR")
	mustBind("cors_origins", "PARLEY_CORS_ORIGINS")
	mustBind("trust_proxy", "PARLEY_TRUST_PROXY")
	mustBind("model", "PARLEY_MODEL")
	mustBind("max_turns", "PARLEY_MAX_TURNS")

	mustBind("agent_config_json", "PARLEY_AGENT_CONFIG")
	mustBind("agent_config_url", "PARLEY_AGENT_CONFIG_URL")
	mustBind("agent_config_token", "PARLEY_AGENT_CONFIG_TOKEN")

	mustBind("audit_url", "PARLEY_AUDIT_URL")
	mustBind("audit_token", "PARLEY_AUDIT_TOKEN")
	mustBind("database_url", "DATABASE_URL")

	mustBind("log_level", "PARLEY_LOG_LEVEL")
	mustBind("log_json", "PARLEY_LOG_JSON")
}

// Validate checks the configuration and fails fast on the first problem.
// The API key is intentionally not checked here: the serve path reports a
// missing key per request so the server still starts for diagnostics.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return ErrInvalidAddr
	}
	if c.RateLimitPerSecond <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("%w: per_second=%v burst=%d", ErrInvalidRateLimit, c.RateLimitPerSecond, c.RateLimitBurst)
	}
	if c.MaxTurns < 1 || c.MaxTurns > MaxAllowedTurns {
		return fmt.Errorf("%w: %d (allowed 1..%d)", ErrInvalidMaxTurns, c.MaxTurns, MaxAllowedTurns)
	}
	if c.AgentConfigJSON != "" && c.AgentConfigURL != "" {
		return ErrConflictingAgentSource
	}
	return nil
}

// maskedValue is the placeholder for masked sensitive data. Full-width
// blocks avoid accidental substring matches against real secret material.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of 8 bytes or
// fewer are fully masked; longer ones keep the first and last two characters
// for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field
// masking. When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.AnthropicAPIKey = maskSecret(a.AnthropicAPIKey)
	a.AgentConfigToken = maskSecret(a.AgentConfigToken)
	a.AuditToken = maskSecret(a.AuditToken)
	a.DatabaseURL = maskSecret(a.DatabaseURL)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// LogLevelValue maps the configured level name to a slog level. Unknown
// names fall back to info.
func (c *Config) LogLevelValue() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
