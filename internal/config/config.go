package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Supported speech-to-text providers
const (
	ProviderGoogle   = "google"
	ProviderDeepgram = "deepgram"
)

// Config holds all configuration for the speech relay server
type Config struct {
	// Server configuration
	Port   string `envconfig:"PORT" default:"9090"`
	WSPath string `envconfig:"WS_PATH" default:"/ws"`

	// STT provider selection: google or deepgram
	STTProvider string `envconfig:"STT_PROVIDER" default:"google"`

	// Google Cloud Speech configuration.
	// Empty credentials file falls back to Application Default Credentials.
	GoogleCredentialsFile string `envconfig:"GOOGLE_CREDENTIALS_FILE" default:""`
	GoogleSpeechEndpoint  string `envconfig:"GOOGLE_SPEECH_ENDPOINT" default:""`

	// Deepgram configuration (API key required only when STT_PROVIDER=deepgram)
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`

	// Recognition defaults, used when a start command omits a field
	DefaultLanguage string `envconfig:"DEFAULT_LANGUAGE" default:"en-US"`
	SampleRate      int    `envconfig:"SAMPLE_RATE" default:"16000"`

	// Audio processing configuration
	AudioBufferSize    int     `envconfig:"AUDIO_BUFFER_SIZE" default:"32768"`    // Ring buffer size in bytes
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD
	VADFrameMs         int     `envconfig:"VAD_FRAME_MS" default:"20"`            // VAD frame length in milliseconds

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// ClientConfig holds configuration for the microphone streaming client
type ClientConfig struct {
	URL                  string `envconfig:"RELAY_URL" default:"ws://localhost:9090/ws"`
	Language             string `envconfig:"RELAY_LANGUAGE" default:"en-US"`
	VoiceActivityTimeout int    `envconfig:"RELAY_VOICE_TIMEOUT" default:"5"` // seconds, 0 disables
	OutputFile           string `envconfig:"RELAY_OUTPUT_FILE" default:"test_audio.raw"`

	// Capture configuration
	Input           string `envconfig:"RELAY_INPUT" default:""`   // raw PCM file to replay, "-" for stdin, empty for microphone
	Device          int    `envconfig:"RELAY_DEVICE" default:"-1"` // PortAudio device index, -1 for default input
	FramesPerBuffer int    `envconfig:"RELAY_FRAMES_PER_BUFFER" default:"1024"`
	SampleRate      int    `envconfig:"RELAY_SAMPLE_RATE" default:"16000"`

	// Dial retry configuration
	DialMaxAttempts    int `envconfig:"RELAY_DIAL_MAX_ATTEMPTS" default:"3"`
	DialInitialBackoff int `envconfig:"RELAY_DIAL_INITIAL_BACKOFF" default:"500"` // milliseconds

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"true"`
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

// Validate checks cross-field requirements envconfig cannot express
func (c *Config) Validate() error {
	c.STTProvider = strings.ToLower(strings.TrimSpace(c.STTProvider))

	switch c.STTProvider {
	case ProviderGoogle:
	case ProviderDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when STT_PROVIDER=deepgram")
		}
	default:
		return fmt.Errorf("unsupported STT_PROVIDER %q (want %s or %s)", c.STTProvider, ProviderGoogle, ProviderDeepgram)
	}

	if c.SampleRate <= 0 {
		return fmt.Errorf("SAMPLE_RATE must be positive, got %d", c.SampleRate)
	}
	if c.VADFrameMs <= 0 {
		return fmt.Errorf("VAD_FRAME_MS must be positive, got %d", c.VADFrameMs)
	}
	if c.AudioBufferSize < c.VADFrameBytes()+1 {
		return fmt.Errorf("AUDIO_BUFFER_SIZE must hold at least one VAD frame (%d bytes)", c.VADFrameBytes()+1)
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("WS_PATH must start with '/', got %q", c.WSPath)
	}

	return nil
}

// VADFrameSamples returns the number of samples in one VAD frame
func (c *Config) VADFrameSamples() int {
	return c.SampleRate * c.VADFrameMs / 1000
}

// VADFrameBytes returns the size of one 16-bit VAD frame in bytes
func (c *Config) VADFrameBytes() int {
	return c.VADFrameSamples() * 2
}

// LoadClient reads the streaming client configuration
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	var cfg ClientConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load client config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the client configuration after flags have been applied
func (c *ClientConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("relay URL is required")
	}
	if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		return fmt.Errorf("relay URL must use ws:// or wss://, got %q", c.URL)
	}
	if c.Language == "" {
		return fmt.Errorf("language is required")
	}
	if c.VoiceActivityTimeout < 0 {
		return fmt.Errorf("voice activity timeout must not be negative")
	}
	if c.FramesPerBuffer <= 0 {
		return fmt.Errorf("frames per buffer must be positive")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive")
	}
	return nil
}
