// File: config/config.go

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/teilomillet/chatgate/history"
	"github.com/teilomillet/chatgate/ratelimit"
	"github.com/teilomillet/chatgate/session"
	"github.com/teilomillet/chatgate/utils"
)

const (
	TokenizerChar     = "char"
	TokenizerTiktoken = "tiktoken"
)

type Config struct {
	RateLimitMaxTokens   int           `env:"CHATGATE_RATE_LIMIT_MAX_TOKENS" yaml:"rate_limit_max_tokens" validate:"min=1"`
	RateLimitRefillRate  float64       `env:"CHATGATE_RATE_LIMIT_REFILL_RATE" yaml:"rate_limit_refill_rate" validate:"gt=0"`
	RateLimitMaxUsers    int           `env:"CHATGATE_RATE_LIMIT_MAX_USERS" yaml:"rate_limit_max_users" validate:"min=1"`
	RateLimitEntryTTL    time.Duration `env:"CHATGATE_RATE_LIMIT_ENTRY_TTL" yaml:"rate_limit_entry_ttl" validate:"gt=0"`
	// A negative burst window disables burst suppression.
	RateLimitBurstWindow time.Duration `env:"CHATGATE_RATE_LIMIT_BURST_WINDOW" yaml:"rate_limit_burst_window"`

	MaxSessions     int           `env:"CHATGATE_MAX_SESSIONS" yaml:"max_sessions" validate:"min=1"`
	SessionTimeout  time.Duration `env:"CHATGATE_SESSION_TIMEOUT" yaml:"session_timeout" validate:"gt=0"`
	CleanupInterval time.Duration `env:"CHATGATE_CLEANUP_INTERVAL" yaml:"cleanup_interval" validate:"gt=0"`

	TokenBudget        int    `env:"CHATGATE_TOKEN_BUDGET" yaml:"token_budget" validate:"min=1"`
	MaxHistoryMessages int    `env:"CHATGATE_MAX_HISTORY_MESSAGES" yaml:"max_history_messages" validate:"min=1"`
	Tokenizer          string `env:"CHATGATE_TOKENIZER" yaml:"tokenizer" validate:"oneof=char tiktoken"`
	TokenizerModel     string `env:"CHATGATE_TOKENIZER_MODEL" yaml:"tokenizer_model"`

	// A zero ResponseCacheSize disables response caching.
	ResponseCacheSize int           `env:"CHATGATE_RESPONSE_CACHE_SIZE" yaml:"response_cache_size" validate:"min=0"`
	ResponseCacheTTL  time.Duration `env:"CHATGATE_RESPONSE_CACHE_TTL" yaml:"response_cache_ttl" validate:"min=0"`

	ListenAddr string `env:"CHATGATE_LISTEN_ADDR" yaml:"listen_addr" validate:"required"`
	// TrustedProxies may set X-Forwarded-For for callers without a user ID.
	// Empty trusts no proxy.
	TrustedProxies []string       `env:"CHATGATE_TRUSTED_PROXIES" envSeparator:"," yaml:"trusted_proxies" validate:"dive,ip|cidr"`
	LogLevel       utils.LogLevel `env:"CHATGATE_LOG_LEVEL" yaml:"log_level"`
}

var validate = validator.New()

// LoadConfig reads configuration from the environment on top of defaults.
func LoadConfig() (*Config, error) {
	return Load("")
}

// Load builds a Config from defaults, then the YAML file at path (skipped
// when path is empty), then CHATGATE_* environment variables. Later sources
// win. The result is validated.
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

type ConfigOption func(*Config)

func NewConfig() *Config {
	return &Config{
		RateLimitMaxTokens:   ratelimit.DefaultMaxTokens,
		RateLimitRefillRate:  ratelimit.DefaultRefillRate,
		RateLimitMaxUsers:    ratelimit.DefaultMaxUsers,
		RateLimitEntryTTL:    ratelimit.DefaultEntryTTL,
		RateLimitBurstWindow: ratelimit.DefaultBurstWindow,
		MaxSessions:          session.DefaultMaxSessions,
		SessionTimeout:       session.DefaultSessionTimeout,
		CleanupInterval:      session.DefaultCleanupInterval,
		TokenBudget:          history.DefaultTokenBudget,
		MaxHistoryMessages:   history.DefaultMaxMessages,
		Tokenizer:            TokenizerChar,
		TokenizerModel:       "gpt-4o",
		ResponseCacheSize:    256,
		ResponseCacheTTL:     10 * time.Minute,
		ListenAddr:           ":8080",
		LogLevel:             utils.LogLevelInfo,
	}
}

// RateLimit returns the limiter configuration.
func (c *Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		MaxTokens:   c.RateLimitMaxTokens,
		RefillRate:  c.RateLimitRefillRate,
		MaxUsers:    c.RateLimitMaxUsers,
		EntryTTL:    c.RateLimitEntryTTL,
		BurstWindow: c.RateLimitBurstWindow,
	}
}

// Session returns the session store configuration.
func (c *Config) Session() session.Config {
	return session.Config{
		MaxSessions:     c.MaxSessions,
		SessionTimeout:  c.SessionTimeout,
		CleanupInterval: c.CleanupInterval,
	}
}

// Trimmer builds the history trimmer with the configured tokenizer.
func (c *Config) Trimmer(logger utils.Logger) (*history.Trimmer, error) {
	var est history.TokenEstimator = history.CharEstimator{}
	if c.Tokenizer == TokenizerTiktoken {
		tk, err := history.NewTiktokenEstimator(c.TokenizerModel, logger)
		if err != nil {
			return nil, fmt.Errorf("loading tokenizer: %w", err)
		}
		est = tk
	}
	return history.NewTrimmer(c.MaxHistoryMessages, c.TokenBudget, est), nil
}

func SetRateLimit(maxTokens int, refillRate float64) ConfigOption {
	return func(c *Config) {
		c.RateLimitMaxTokens = maxTokens
		c.RateLimitRefillRate = refillRate
	}
}

func SetRateLimitMaxUsers(n int) ConfigOption {
	return func(c *Config) {
		c.RateLimitMaxUsers = n
	}
}

func SetBurstWindow(window time.Duration) ConfigOption {
	return func(c *Config) {
		c.RateLimitBurstWindow = window
	}
}

func SetMaxSessions(n int) ConfigOption {
	return func(c *Config) {
		c.MaxSessions = n
	}
}

func SetSessionTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) {
		c.SessionTimeout = timeout
	}
}

func SetCleanupInterval(interval time.Duration) ConfigOption {
	return func(c *Config) {
		c.CleanupInterval = interval
	}
}

func SetTokenBudget(budget int) ConfigOption {
	return func(c *Config) {
		if budget < 1 {
			budget = 1
		}
		c.TokenBudget = budget
	}
}

func SetMaxHistoryMessages(n int) ConfigOption {
	return func(c *Config) {
		if n < 1 {
			n = 1
		}
		c.MaxHistoryMessages = n
	}
}

func SetTokenizer(tokenizer, model string) ConfigOption {
	return func(c *Config) {
		c.Tokenizer = tokenizer
		if model != "" {
			c.TokenizerModel = model
		}
	}
}

func SetResponseCache(size int, ttl time.Duration) ConfigOption {
	return func(c *Config) {
		c.ResponseCacheSize = size
		c.ResponseCacheTTL = ttl
	}
}

func SetListenAddr(addr string) ConfigOption {
	return func(c *Config) {
		c.ListenAddr = addr
	}
}

func SetTrustedProxies(proxies ...string) ConfigOption {
	return func(c *Config) {
		c.TrustedProxies = proxies
	}
}

func SetLogLevel(level utils.LogLevel) ConfigOption {
	return func(c *Config) {
		c.LogLevel = level
	}
}

func ApplyOptions(cfg *Config, options ...ConfigOption) {
	for _, option := range options {
		option(cfg)
	}
}
