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

	"github.com/lexiqai/speech-relay/internal/config"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/relay"
	"github.com/lexiqai/speech-relay/internal/stt"
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
		Str("ws_path", cfg.WSPath).
		Str("stt_provider", cfg.STTProvider).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Speech relay starting")

	provider, err := stt.NewProvider(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create speech-to-text provider")
	}

	rl := relay.NewRelay(cfg, provider)

	mux := http.NewServeMux()
	mux.Handle(cfg.WSPath, rl)
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Checks are built here to keep observability free of provider imports
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"stt_" + provider.Name(): provider.Ready,
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// WebSocket connections are hijacked, so these timeouts only bound
	// the upgrade request and the plain HTTP endpoints
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s%s", cfg.Port, cfg.WSPath)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("active_sessions", rl.ActiveSessions()).Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting first, then drain the hijacked sessions
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server forced to shutdown")
	}
	if err := rl.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Sessions did not drain before the deadline")
	}

	state, requests, failures, failureRate := provider.Breaker().GetStats()
	logger.Info().
		Str("breaker_state", state.String()).
		Int64("stt_starts", requests).
		Int64("stt_start_failures", failures).
		Float64("failure_rate", failureRate).
		Msg("Speech-to-text provider stats")

	if err := provider.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close speech-to-text provider")
	}

	logger.Info().Msg("Server exited gracefully")
}
