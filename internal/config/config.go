package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Circuit   CircuitConfig   `yaml:"circuit" mapstructure:"circuit"`
	Blob      BlobConfig      `yaml:"blob" mapstructure:"blob"`
	Notify    NotifyConfig    `yaml:"notify" mapstructure:"notify"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	HaikuModel        string  `yaml:"haiku_model" mapstructure:"haiku_model"`
	SonnetModel       string  `yaml:"sonnet_model" mapstructure:"sonnet_model"`
	OpusModel         string  `yaml:"opus_model" mapstructure:"opus_model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// PricingConfig holds per-model pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// PipelineConfig configures the analysis pipeline.
type PipelineConfig struct {
	MaxUnitAttempts      int     `yaml:"max_unit_attempts" mapstructure:"max_unit_attempts"`
	MaxRunRetries        int     `yaml:"max_run_retries" mapstructure:"max_run_retries"`
	Concurrency          int     `yaml:"concurrency" mapstructure:"concurrency"`
	TimeBudgetSecs       int     `yaml:"time_budget_secs" mapstructure:"time_budget_secs"`
	UnitReserveSecs      int     `yaml:"unit_reserve_secs" mapstructure:"unit_reserve_secs"`
	MaterialityThreshold float64 `yaml:"materiality_threshold" mapstructure:"materiality_threshold"`
	Currency             string  `yaml:"currency" mapstructure:"currency"`
	RelatedContextDocs   int     `yaml:"related_context_docs" mapstructure:"related_context_docs"`
	MaxDocumentChars     int     `yaml:"max_document_chars" mapstructure:"max_document_chars"`
	HubEntityLimit       int     `yaml:"hub_entity_limit" mapstructure:"hub_entity_limit"`
}

// RetryConfig configures exponential backoff for model calls.
type RetryConfig struct {
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter           float64 `yaml:"jitter" mapstructure:"jitter"`
}

// CircuitConfig configures the model-call circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// BlobConfig configures document storage.
type BlobConfig struct {
	Root string `yaml:"root" mapstructure:"root"`
}

// NotifyConfig configures change-notification delivery.
type NotifyConfig struct {
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	APIToken       string   `yaml:"api_token" mapstructure:"api_token"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

var defaults = map[string]any{
	"store.driver":                   "sqlite",
	"store.database_url":             "diligence.db",
	"store.max_conns":                10,
	"store.min_conns":                2,
	"log.level":                      "info",
	"log.format":                     "json",
	"server.port":                    8080,
	"server.allowed_origins":         []string{"*"},
	"anthropic.haiku_model":          "claude-haiku-4-5-20251001",
	"anthropic.sonnet_model":         "claude-sonnet-4-5-20250929",
	"anthropic.opus_model":           "claude-opus-4-6",
	"anthropic.max_tokens":           4096,
	"anthropic.requests_per_second":  4.0,
	"anthropic.burst":                4,
	"pipeline.max_unit_attempts":     3,
	"pipeline.max_run_retries":       10,
	"pipeline.concurrency":           4,
	"pipeline.time_budget_secs":      0,
	"pipeline.unit_reserve_secs":     60,
	"pipeline.materiality_threshold": 100000.0,
	"pipeline.currency":              "USD",
	"pipeline.related_context_docs":  5,
	"pipeline.max_document_chars":    150000,
	"pipeline.hub_entity_limit":      0,
	"retry.initial_backoff_ms":       500,
	"retry.max_backoff_ms":           30000,
	"retry.multiplier":               2.0,
	"retry.jitter":                   0.25,
	"circuit.failure_threshold":      5,
	"circuit.reset_timeout_secs":     30,
	"blob.root":                      "./data/blobs",
	"notify.timeout_secs":            10,
}

// Load reads ./config.yaml when present, then DILIGENCE_* environment
// variables (store.driver is DILIGENCE_STORE_DRIVER).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("DILIGENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	var notFound viper.ConfigFileNotFoundError
	if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
		return nil, eris.Wrap(err, "config: read file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes are
// "analyze" (pipeline and report refinement), "serve" and "store".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "store":
	case "analyze":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
	case "serve":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if c.Pipeline.MaxUnitAttempts < 1 || c.Pipeline.MaxUnitAttempts > 10 {
		errs = append(errs, "pipeline.max_unit_attempts must be between 1 and 10")
	}
	if c.Pipeline.Concurrency < 1 || c.Pipeline.Concurrency > 32 {
		errs = append(errs, "pipeline.concurrency must be between 1 and 32")
	}
	if c.Pipeline.MaterialityThreshold <= 0 {
		errs = append(errs, "pipeline.materiality_threshold must be > 0")
	}
	if len(c.Pipeline.Currency) != 3 {
		errs = append(errs, "pipeline.currency must be an ISO 4217 code")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger replaces the global zap logger. Format "console" selects the
// development encoder; anything else logs JSON.
func InitLogger(cfg LogConfig) error {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return nil
}
