package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lexiqai/speech-relay/internal/config"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/resilience"
)

// Provider builds recognizers for the configured backend. Stream starts from
// every session go through one circuit breaker and are retried with backoff.
type Provider struct {
	name    string
	build   func() Recognizer
	ready   func(ctx context.Context) (bool, error)
	closeFn func() error

	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
}

// NewProvider selects the backend named by cfg.STTProvider
func NewProvider(cfg *config.Config) (*Provider, error) {
	var (
		build   func() Recognizer
		ready   func(ctx context.Context) (bool, error)
		closeFn func() error
	)

	switch cfg.STTProvider {
	case config.ProviderGoogle:
		client := NewGoogleClient(cfg)
		build = func() Recognizer { return NewGoogleRecognizer(client.Open) }
		ready = client.Ready
		closeFn = client.Close

	case config.ProviderDeepgram:
		apiKey, model := cfg.DeepgramAPIKey, cfg.DeepgramModel
		build = func() Recognizer { return NewDeepgramRecognizer(apiKey, model) }
		ready = func(ctx context.Context) (bool, error) {
			if apiKey == "" {
				return false, errors.New("DEEPGRAM_API_KEY is not set")
			}
			return true, nil
		}

	default:
		return nil, fmt.Errorf("unknown STT provider %q", cfg.STTProvider)
	}

	p := newProvider(cfg.STTProvider, build, cfg)
	p.ready = ready
	p.closeFn = closeFn
	return p, nil
}

func newProvider(name string, build func() Recognizer, cfg *config.Config) *Provider {
	breaker := resilience.NewCircuitBreaker(
		name,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	breaker.OnStateChange(func(service string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(service, int(state))
		log.Warn().
			Str("service", service).
			Str("state", state.String()).
			Msg("Circuit breaker state changed")
	})
	observability.UpdateCircuitBreakerState(name, int(breaker.GetState()))

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	return &Provider{
		name:    name,
		build:   build,
		breaker: breaker,
		retry:   retry,
	}
}

// Name returns the provider name used in logs and metrics
func (p *Provider) Name() string {
	return p.name
}

// NewRecognizer returns an unstarted recognizer guarded by the shared breaker
func (p *Provider) NewRecognizer() Recognizer {
	return &guardedRecognizer{Recognizer: p.build(), provider: p}
}

// Ready reports whether new sessions can start a stream
func (p *Provider) Ready(ctx context.Context) (bool, error) {
	if state, requests, failures, _ := p.breaker.GetStats(); state == resilience.StateOpen {
		return false, fmt.Errorf("%s: %w (%d of %d starts failed)",
			p.breaker.Name(), resilience.ErrCircuitOpen, failures, requests)
	}
	if p.ready == nil {
		return true, nil
	}
	return p.ready(ctx)
}

// Breaker exposes the shared circuit breaker
func (p *Provider) Breaker() *resilience.CircuitBreaker {
	return p.breaker
}

// Close releases connections shared between sessions
func (p *Provider) Close() error {
	if p.closeFn == nil {
		return nil
	}
	return p.closeFn()
}

type guardedRecognizer struct {
	Recognizer
	provider *Provider
}

func (g *guardedRecognizer) Start(ctx context.Context, opts Options) error {
	p := g.provider
	return resilience.RetryContext(ctx, func() error {
		err := p.breaker.Call(func() error {
			return g.Recognizer.Start(ctx, opts)
		})
		if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(p.name)
			log.Warn().Err(err).Str("provider", p.name).Msg("Recognizer start failed")
		}
		return err
	}, p.retry, resilience.IsRetryableNetworkError)
}
