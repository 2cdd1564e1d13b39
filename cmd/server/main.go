package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rohlikvoice/voice-gateway/internal/api"
	"github.com/rohlikvoice/voice-gateway/internal/config"
	"github.com/rohlikvoice/voice-gateway/internal/conversation"
	"github.com/rohlikvoice/voice-gateway/internal/grocery"
	"github.com/rohlikvoice/voice-gateway/internal/history"
	"github.com/rohlikvoice/voice-gateway/internal/llm"
	"github.com/rohlikvoice/voice-gateway/internal/observability"
	"github.com/rohlikvoice/voice-gateway/internal/realtime"
	"github.com/rohlikvoice/voice-gateway/internal/relay"
	"github.com/rohlikvoice/voice-gateway/internal/resilience"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("mcp_url", cfg.RohlikMCPURL).
		Str("chat_model", cfg.OpenAIChatModel).
		Str("realtime_model", cfg.RealtimeModel).
		Str("history_store", cfg.HistoryStore).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Rohlik voice gateway starting")

	breaker := newBreaker(cfg)
	newGroceryClient := func(email, password string, opts ...grocery.Option) *grocery.Client {
		opts = append([]grocery.Option{
			grocery.WithEndpoint(cfg.RohlikMCPURL),
			grocery.WithTimeout(cfg.MCPTimeoutDuration()),
			grocery.WithCircuitBreaker(breaker),
		}, opts...)
		return grocery.NewClient(email, password, opts...)
	}

	// Shared client for the turn-based agent and the direct queries
	groceryClient := newGroceryClient(cfg.RohlikEmail, cfg.RohlikPassword)
	defer groceryClient.Close()

	startupCtx, cancel := context.WithTimeout(context.Background(), cfg.MCPTimeoutDuration())
	ok := groceryClient.TestConnection(startupCtx)
	cancel()
	if !ok {
		logger.Error().Msg("Failed to connect to Rohlik MCP server, check credentials")
		os.Exit(1)
	}

	store, err := newHistoryStore(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create history store")
		os.Exit(1)
	}
	defer store.Close()

	chatClient, err := llm.NewChatClient(llm.Options{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Timeout: cfg.ChatTimeoutDuration(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create OpenAI client")
		os.Exit(1)
	}
	agent := conversation.NewAgent(chatClient, groceryClient, store, conversation.WithModel(cfg.OpenAIChatModel))

	// Create HTTP server
	mux := http.NewServeMux()

	// Realtime voice relay, one grocery client per connection
	mux.HandleFunc("GET "+api.BasePath+"/ws", relay.HandleWS(relay.Config{
		NewBackend: func(sessionLogger zerolog.Logger) relay.Backend {
			return newGroceryClient(cfg.RohlikEmail, cfg.RohlikPassword, grocery.WithLogger(sessionLogger))
		},
		Realtime: realtime.Config{
			APIKey:           cfg.OpenAIAPIKey,
			URL:              cfg.RealtimeURL,
			Model:            cfg.RealtimeModel,
			Voice:            cfg.RealtimeVoice,
			HandshakeTimeout: cfg.RealtimeTimeoutDuration(),
		},
		AllowedOrigins: cfg.AllowedOrigins,
	}))

	// Validation clients do not share the breaker
	handlers := api.NewHandlers(agent, groceryClient, func(email, password string) api.ConnectionTester {
		return grocery.NewClient(email, password,
			grocery.WithEndpoint(cfg.RohlikMCPURL),
			grocery.WithTimeout(cfg.MCPTimeoutDuration()),
		)
	})
	handlers.Register(mux)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"rohlik": func(ctx context.Context) (bool, error) {
			return groceryClient.TestConnection(ctx), nil
		},
		"history": func(ctx context.Context) (bool, error) {
			if err := store.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		},
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// A conversation turn may make two chat calls plus backend calls
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2*cfg.ChatTimeoutDuration() + cfg.MCPTimeoutDuration(),
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s%s/ws", cfg.Port, api.BasePath)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// newBreaker returns the shared MCP breaker, or nil when it is disabled
func newBreaker(cfg *config.Config) *resilience.CircuitBreaker {
	if cfg.CircuitBreakerMaxFailures <= 0 {
		return nil
	}
	cb := resilience.NewCircuitBreaker("rohlik_mcp",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	logger := observability.ComponentLogger("resilience")
	cb.OnStateChange = func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		logger.Warn().Str("breaker", name).Str("state", state.String()).Msg("Circuit breaker state changed")
	}
	return cb
}

func newHistoryStore(cfg *config.Config) (history.Store, error) {
	opts := []history.StoreOption{
		history.WithMaxTurns(cfg.HistoryMaxTurns),
		history.WithTTL(cfg.HistoryTTLDuration()),
	}
	if history.StoreType(cfg.HistoryStore) == history.StoreTypeRedis {
		client, err := history.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = append(opts, history.WithRedisClient(client))
	}
	return history.NewStore(history.StoreType(cfg.HistoryStore), opts...)
}
