// Package llm builds the chat completions client and checks API keys.
package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 60 * time.Second

	minKeyLength = 20
)

var (
	ErrMissingAPIKey = errors.New("openai api key is required")
	ErrInvalidAPIKey = errors.New("openai api key has an invalid format")
)

// ChatCompleter is the chat completions call used by the conversation agent.
// *openai.Client satisfies it.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Options configures NewChatClient
type Options struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewChatClient creates a chat completions client bounded by opts.Timeout
func NewChatClient(opts Options) (*openai.Client, error) {
	if opts.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	return openai.NewClientWithConfig(cfg), nil
}

// ValidateAPIKey checks the key format only; it makes no network call.
func ValidateAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrMissingAPIKey
	}
	if !strings.HasPrefix(key, "sk-") || len(key) < minKeyLength {
		return ErrInvalidAPIKey
	}
	return nil
}
