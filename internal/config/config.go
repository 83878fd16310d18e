// ABOUTME: Configuration loading and parsing for orbit-backend
// ABOUTME: Supports YAML or TOML files, ${VAR} expansion, ORBIT_* env overrides, and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

// Config represents the complete orbit-backend configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	LLM          LLMConfig          `yaml:"llm" toml:"llm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" toml:"orchestrator"`
	Workflows    WorkflowsConfig    `yaml:"workflows" toml:"workflows"`
	Redis        RedisConfig        `yaml:"redis" toml:"redis"`
	AMQP         AMQPConfig         `yaml:"amqp" toml:"amqp"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" toml:"rate_limit"`
	Retention    RetentionConfig    `yaml:"retention" toml:"retention"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"ORBIT_HTTP_ADDR"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" env:"ORBIT_DB_PATH"`
}

// AuthConfig holds authentication configuration.
// An empty JWTSecret disables bearer auth (callers identify with X-User-ID).
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" env:"ORBIT_JWT_SECRET"`
}

// LLMConfig selects and configures the language model provider.
type LLMConfig struct {
	Provider     string  `yaml:"provider" toml:"provider" env:"ORBIT_LLM_PROVIDER"` // "anthropic" or "openai"
	Model        string  `yaml:"model" toml:"model" env:"ORBIT_LLM_MODEL"`
	APIKey       string  `yaml:"api_key" toml:"api_key" env:"ORBIT_LLM_API_KEY"`
	BaseURL      string  `yaml:"base_url" toml:"base_url" env:"ORBIT_LLM_BASE_URL"`
	MaxTokens    int64   `yaml:"max_tokens" toml:"max_tokens" env:"ORBIT_LLM_MAX_TOKENS"`
	Temperature  float64 `yaml:"temperature" toml:"temperature" env:"ORBIT_LLM_TEMPERATURE"`
	SystemPrompt string  `yaml:"system_prompt" toml:"system_prompt"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout" env:"ORBIT_LLM_TIMEOUT"`
}

// OrchestratorConfig bounds a single conversational turn.
type OrchestratorConfig struct {
	HistoryWindow int `yaml:"history_window" toml:"history_window" env:"ORBIT_HISTORY_WINDOW"`
	MaxRounds     int `yaml:"max_rounds" toml:"max_rounds" env:"ORBIT_MAX_ROUNDS"`

	LockTimeout    time.Duration `yaml:"-" toml:"-"`
	LockTimeoutRaw string        `yaml:"lock_timeout" toml:"lock_timeout" env:"ORBIT_LOCK_TIMEOUT"`
}

// WorkflowsConfig configures the n8n webhook client.
type WorkflowsConfig struct {
	BaseURL    string            `yaml:"base_url" toml:"base_url" env:"ORBIT_N8N_BASE_URL"`
	APIKey     string            `yaml:"api_key" toml:"api_key" env:"ORBIT_N8N_API_KEY"`
	MaxRetries int               `yaml:"max_retries" toml:"max_retries" env:"ORBIT_N8N_MAX_RETRIES"`
	Endpoints  map[string]string `yaml:"endpoints" toml:"endpoints"`

	Timeout        time.Duration `yaml:"-" toml:"-"`
	BackoffBase    time.Duration `yaml:"-" toml:"-"`
	BackoffMax     time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw     string        `yaml:"timeout" toml:"timeout" env:"ORBIT_N8N_TIMEOUT"`
	BackoffBaseRaw string        `yaml:"backoff_base" toml:"backoff_base"`
	BackoffMaxRaw  string        `yaml:"backoff_max" toml:"backoff_max"`
}

// RedisConfig enables the distributed session lock and cross-instance delivery relay.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled" env:"ORBIT_REDIS_ENABLED"`
	Addr     string `yaml:"addr" toml:"addr" env:"ORBIT_REDIS_ADDR"`
	Password string `yaml:"password" toml:"password" env:"ORBIT_REDIS_PASSWORD"`
	DB       int    `yaml:"db" toml:"db" env:"ORBIT_REDIS_DB"`

	LockTTL    time.Duration `yaml:"-" toml:"-"`
	LockTTLRaw string        `yaml:"lock_ttl" toml:"lock_ttl"`
}

// AMQPConfig enables publishing activity records to a RabbitMQ exchange.
type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled" env:"ORBIT_AMQP_ENABLED"`
	URL      string `yaml:"url" toml:"url" env:"ORBIT_AMQP_URL"`
	Exchange string `yaml:"exchange" toml:"exchange"`
}

// RateLimitConfig holds per-user request limits for the chat endpoints.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" toml:"enabled" env:"ORBIT_RATE_LIMIT_ENABLED"`
	RequestsPerMinute int  `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int  `yaml:"burst" toml:"burst"`
}

// RetentionConfig controls pruning of workflow-call and LLM-request records.
type RetentionConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Schedule string `yaml:"schedule" toml:"schedule"` // cron spec, e.g. "0 3 * * *"

	MaxAge    time.Duration `yaml:"-" toml:"-"`
	MaxAgeRaw string        `yaml:"max_age" toml:"max_age"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"ORBIT_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"ORBIT_LOG_FORMAT"`
}

// Default values applied when a field is left empty.
const (
	DefaultHTTPAddr       = "127.0.0.1:8080"
	DefaultLLMProvider    = "anthropic"
	DefaultAnthropicModel = "claude-3-5-sonnet-20241022"
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultMaxTokens      = 4096
	DefaultHistoryWindow  = 20
	DefaultMaxRounds      = 5
	DefaultMaxRetries     = 3
)

// DefaultEndpoints maps workflow names to their n8n webhook paths.
var DefaultEndpoints = map[string]string{
	"email_search":    "/webhook/email-read",
	"calendar_create": "/webhook/calendar-create",
	"document_ocr":    "/webhook/ocr-process",
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then ORBIT_*
// variables override individual fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	applyDefaults(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = DefaultHTTPAddr
	}

	cfg.LLM.Provider = strings.ToLower(cfg.LLM.Provider)
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = DefaultLLMProvider
	}
	if cfg.LLM.Model == "" {
		if cfg.LLM.Provider == "openai" {
			cfg.LLM.Model = DefaultOpenAIModel
		} else {
			cfg.LLM.Model = DefaultAnthropicModel
		}
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = DefaultMaxTokens
	}
	if cfg.LLM.TimeoutRaw == "" {
		cfg.LLM.TimeoutRaw = "60s"
	}

	if cfg.Orchestrator.HistoryWindow == 0 {
		cfg.Orchestrator.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.Orchestrator.MaxRounds == 0 {
		cfg.Orchestrator.MaxRounds = DefaultMaxRounds
	}
	if cfg.Orchestrator.LockTimeoutRaw == "" {
		cfg.Orchestrator.LockTimeoutRaw = "30s"
	}

	if cfg.Workflows.MaxRetries == 0 {
		cfg.Workflows.MaxRetries = DefaultMaxRetries
	}
	if cfg.Workflows.TimeoutRaw == "" {
		cfg.Workflows.TimeoutRaw = "30s"
	}
	if cfg.Workflows.BackoffBaseRaw == "" {
		cfg.Workflows.BackoffBaseRaw = "2s"
	}
	if cfg.Workflows.BackoffMaxRaw == "" {
		cfg.Workflows.BackoffMaxRaw = "10s"
	}
	endpoints := make(map[string]string, len(DefaultEndpoints))
	for name, path := range DefaultEndpoints {
		endpoints[name] = path
	}
	for name, path := range cfg.Workflows.Endpoints {
		endpoints[name] = path
	}
	cfg.Workflows.Endpoints = endpoints

	if cfg.Redis.LockTTLRaw == "" {
		cfg.Redis.LockTTLRaw = "2m"
	}
	if cfg.AMQP.Exchange == "" {
		cfg.AMQP.Exchange = "orbit.activity"
	}

	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 100
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}

	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "0 3 * * *"
	}
	if cfg.Retention.MaxAgeRaw == "" {
		cfg.Retention.MaxAgeRaw = "720h"
	}

	cfg.Logging.Level = NormalizeLogLevel(cfg.Logging.Level)
}

// NormalizeLogLevel lowercases a level name and folds the aliases "warning"
// and "critical" into "warn" and "error". Empty means "info".
func NormalizeLogLevel(level string) string {
	switch l := strings.ToLower(strings.TrimSpace(level)); l {
	case "":
		return "info"
	case "warning":
		return "warn"
	case "critical":
		return "error"
	default:
		return l
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider must be \"anthropic\" or \"openai\", got %q", c.LLM.Provider)
	}

	if c.Workflows.BaseURL == "" {
		return fmt.Errorf("workflows.base_url is required")
	}
	if c.Workflows.MaxRetries < 1 {
		return fmt.Errorf("workflows.max_retries must be at least 1")
	}

	if c.Orchestrator.HistoryWindow < 1 {
		return fmt.Errorf("orchestrator.history_window must be positive")
	}
	if c.Orchestrator.MaxRounds < 1 {
		return fmt.Errorf("orchestrator.max_rounds must be positive")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.AMQP.Enabled && c.AMQP.URL == "" {
		return fmt.Errorf("amqp.url is required when amqp is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"llm.timeout", cfg.LLM.TimeoutRaw, &cfg.LLM.Timeout},
		{"orchestrator.lock_timeout", cfg.Orchestrator.LockTimeoutRaw, &cfg.Orchestrator.LockTimeout},
		{"workflows.timeout", cfg.Workflows.TimeoutRaw, &cfg.Workflows.Timeout},
		{"workflows.backoff_base", cfg.Workflows.BackoffBaseRaw, &cfg.Workflows.BackoffBase},
		{"workflows.backoff_max", cfg.Workflows.BackoffMaxRaw, &cfg.Workflows.BackoffMax},
		{"redis.lock_ttl", cfg.Redis.LockTTLRaw, &cfg.Redis.LockTTL},
		{"retention.max_age", cfg.Retention.MaxAgeRaw, &cfg.Retention.MaxAge},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
