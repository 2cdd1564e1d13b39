package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Browser origins allowed to open the relay socket, comma separated.
	// Empty means same origin only; "*" allows any origin.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`

	// Rohlik MCP backend. Credentials are sent as plaintext headers on every call.
	RohlikEmail    string `envconfig:"ROHLIK_EMAIL" required:"true"`
	RohlikPassword string `envconfig:"ROHLIK_PASSWORD" required:"true"`
	RohlikMCPURL   string `envconfig:"ROHLIK_MCP_URL" default:"https://mcp.rohlik.cz/mcp"`
	MCPTimeout     int    `envconfig:"MCP_TIMEOUT" default:"30"` // seconds

	// OpenAI chat completions (turn-based conversation agent)
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY" required:"true"`
	OpenAIBaseURL   string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OpenAIChatModel string `envconfig:"OPENAI_CHAT_MODEL" default:"gpt-4o-mini"`
	ChatTimeout     int    `envconfig:"CHAT_TIMEOUT" default:"60"` // seconds

	// OpenAI Realtime API (streaming voice sessions)
	RealtimeURL     string `envconfig:"OPENAI_REALTIME_URL" default:"wss://api.openai.com/v1/realtime"`
	RealtimeModel   string `envconfig:"OPENAI_REALTIME_MODEL" default:"gpt-4o-mini-realtime-preview"`
	RealtimeVoice   string `envconfig:"REALTIME_VOICE" default:"alloy"` // alloy, echo, shimmer
	RealtimeTimeout int    `envconfig:"REALTIME_TIMEOUT" default:"60"`  // handshake seconds

	// Conversation history
	HistoryMaxTurns int    `envconfig:"HISTORY_MAX_TURNS" default:"20"`
	HistoryStore    string `envconfig:"HISTORY_STORE" default:"memory"` // memory, redis
	RedisURL        string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	HistoryTTL      int    `envconfig:"HISTORY_TTL" default:"86400"` // seconds

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // 0 disables the breaker
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot express as tags
func (c *Config) Validate() error {
	if c.RohlikEmail == "" || c.RohlikPassword == "" {
		return fmt.Errorf("ROHLIK_EMAIL and ROHLIK_PASSWORD are required")
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	switch c.HistoryStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("HISTORY_STORE must be memory or redis, got %q", c.HistoryStore)
	}
	if c.HistoryMaxTurns <= 0 {
		return fmt.Errorf("HISTORY_MAX_TURNS must be positive, got %d", c.HistoryMaxTurns)
	}
	return nil
}

// MCPTimeoutDuration returns the per-call backend timeout
func (c *Config) MCPTimeoutDuration() time.Duration {
	return time.Duration(c.MCPTimeout) * time.Second
}

// ChatTimeoutDuration returns the per-call chat completion timeout
func (c *Config) ChatTimeoutDuration() time.Duration {
	return time.Duration(c.ChatTimeout) * time.Second
}

// RealtimeTimeoutDuration returns the realtime handshake timeout
func (c *Config) RealtimeTimeoutDuration() time.Duration {
	return time.Duration(c.RealtimeTimeout) * time.Second
}

// HistoryTTLDuration returns the redis key TTL for stored conversations
func (c *Config) HistoryTTLDuration() time.Duration {
	return time.Duration(c.HistoryTTL) * time.Second
}
