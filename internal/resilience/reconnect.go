package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of connection attempts
	Backoff     time.Duration // Backoff duration before the second attempt
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     1 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// ReconnectFunc attempts a single connection
type ReconnectFunc func(ctx context.Context) error

// ErrReconnectExhausted wraps the last failure once every attempt is used
type ErrReconnectExhausted struct {
	Attempts int
	Err      error
}

func (e *ErrReconnectExhausted) Error() string {
	return fmt.Sprintf("failed to connect after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ErrReconnectExhausted) Unwrap() error {
	return e.Err
}

// Reconnect calls fn until it succeeds, ctx is done, or attempts run out
func Reconnect(ctx context.Context, target string, fn ReconnectFunc, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	attempts := config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := config.Backoff
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 0 {
				log.Info().
					Str("target", target).
					Int("attempts", attempt+1).
					Msg("Connected after retry")
			}
			return nil
		}

		if attempt == attempts-1 {
			break
		}

		log.Warn().
			Err(lastErr).
			Str("target", target).
			Int("attempt", attempt+1).
			Int("max_attempts", attempts).
			Dur("backoff", backoff).
			Msg("Connection attempt failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * config.Multiplier)
			if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
				backoff = config.MaxBackoff
			}
		}
	}

	return &ErrReconnectExhausted{Attempts: attempts, Err: lastErr}
}
