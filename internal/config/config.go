package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Sparlo server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AI        AIConfig
	Workflow  WorkflowConfig
	RateLimit RateLimitConfig
	Chat      ChatConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	Anthropic        AnthropicConfig
}

type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// WorkflowConfig carries the orchestrator's policy knobs. These are tuned
// empirically and deliberately configuration, not constants.
type WorkflowConfig struct {
	// MaxCallAttempts bounds retries of a failing LLM call within one stage.
	MaxCallAttempts int
	// MaxValidationRetries bounds re-prompts after the model's structured
	// output fails validation.
	MaxValidationRetries int
	// PersistTimeout bounds each checkpoint write.
	PersistTimeout time.Duration
	// PersistAttempts bounds checkpoint write retries.
	PersistAttempts int
}

type RateLimitConfig struct {
	// Backend selects "memory" (single process) or "redis" (shared fleet).
	Backend     string
	HourlyLimit int
	DailyLimit  int
}

type ChatConfig struct {
	// MaxTurns bounds a job's stored conversation; oldest turns are evicted.
	MaxTurns int
	// MaxMessageLen bounds an incoming chat message, in bytes.
	MaxMessageLen int
	MaxTokens     int
}

var validProviders = map[string]bool{
	"anthropic": true,
	"mock":      true,
}

var validRateLimitBackends = map[string]bool{
	"memory": true,
	"redis":  true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("SPARLO_PORT", 8080),
			Env:  envString("SPARLO_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AI: AIConfig{
			Provider:         envString("AI_PROVIDER", "anthropic"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 300*time.Second),
			Anthropic: AnthropicConfig{
				APIKey:    os.Getenv("ANTHROPIC_API_KEY"),
				Model:     envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
				MaxTokens: envInt("ANTHROPIC_MAX_TOKENS", 8192),
			},
		},
		Workflow: WorkflowConfig{
			MaxCallAttempts:      envInt("WORKFLOW_MAX_CALL_ATTEMPTS", 3),
			MaxValidationRetries: envInt("WORKFLOW_MAX_VALIDATION_RETRIES", 2),
			PersistTimeout:       envDurationSecs("WORKFLOW_PERSIST_TIMEOUT_SECS", 10*time.Second),
			PersistAttempts:      envInt("WORKFLOW_PERSIST_ATTEMPTS", 3),
		},
		RateLimit: RateLimitConfig{
			Backend:     envString("RATELIMIT_BACKEND", "memory"),
			HourlyLimit: envInt("RATELIMIT_HOURLY", 30),
			DailyLimit:  envInt("RATELIMIT_DAILY", 200),
		},
		Chat: ChatConfig{
			MaxTurns:      envInt("CHAT_MAX_TURNS", 100),
			MaxMessageLen: envInt("CHAT_MAX_MESSAGE_LEN", 4000),
			MaxTokens:     envInt("CHAT_MAX_TOKENS", 2048),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of anthropic, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}

	if !validRateLimitBackends[c.RateLimit.Backend] {
		return fmt.Errorf("RATELIMIT_BACKEND must be one of memory, redis; got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.HourlyLimit <= 0 || c.RateLimit.DailyLimit <= 0 {
		return fmt.Errorf("rate limit thresholds must be positive")
	}

	if c.Chat.MaxTurns <= 0 {
		return fmt.Errorf("CHAT_MAX_TURNS must be positive")
	}
	if c.Chat.MaxMessageLen <= 0 {
		return fmt.Errorf("CHAT_MAX_MESSAGE_LEN must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
