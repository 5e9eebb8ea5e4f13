package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexiqai/speech-relay/internal/capture"
	"github.com/lexiqai/speech-relay/internal/config"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/protocol"
	"github.com/lexiqai/speech-relay/internal/resilience"
	"github.com/lexiqai/speech-relay/internal/streamer"
)

// linger is how long a finished file replay waits for trailing transcripts
const linger = 3 * time.Second

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := newRootCmd(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.ClientConfig) *cobra.Command {
	var (
		encoding string
		realtime bool
	)

	rootCmd := &cobra.Command{
		Use:   "relay-client",
		Short: "Stream microphone audio to a speech relay and print transcripts",
		Long: "Captures mono 16-bit audio from the microphone (or replays a raw PCM file),\n" +
			"streams it to the relay over WebSocket and prints transcripts as they arrive.\n" +
			"Captured audio is also written to --output.",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// stdout carries transcripts only
			observability.InitLoggerTo(os.Stderr, cfg.LogLevel, cfg.LogPretty)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, encoding, realtime)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&cfg.URL, "url", "u", cfg.URL, "relay WebSocket URL")
	flags.StringVarP(&cfg.Language, "language", "l", cfg.Language, "BCP-47 language code")
	flags.IntVarP(&cfg.VoiceActivityTimeout, "timeout", "t", cfg.VoiceActivityTimeout, "seconds of silence before the relay ends the session, 0 disables")
	flags.StringVarP(&cfg.OutputFile, "output", "o", cfg.OutputFile, "file receiving a copy of the captured audio, empty disables")
	flags.StringVarP(&cfg.Input, "input", "i", cfg.Input, "raw 16-bit PCM file to stream instead of the microphone, - for stdin")
	flags.IntVarP(&cfg.Device, "device", "d", cfg.Device, "input device index from the devices command, -1 for the default")
	flags.IntVar(&cfg.FramesPerBuffer, "frames", cfg.FramesPerBuffer, "samples per captured chunk")
	flags.IntVar(&cfg.SampleRate, "sample-rate", cfg.SampleRate, "capture sample rate in Hz")
	flags.StringVar(&encoding, "encoding", protocol.EncodingLinear16, "wire encoding: linear16 or mulaw")
	flags.BoolVar(&realtime, "realtime", true, "pace file input at its natural rate")

	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")

	rootCmd.AddCommand(newDevicesCmd())
	return rootCmd
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := capture.ListInputDevices()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, d := range devices {
				marker := " "
				if d.IsDefault {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %2d  %s (%d ch, %.0f Hz)\n", marker, d.Index, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
			}
			return nil
		},
	}
}

func run(parent context.Context, cfg *config.ClientConfig, encoding string, realtime bool) error {
	if encoding != protocol.EncodingLinear16 && encoding != protocol.EncodingMulaw {
		return fmt.Errorf("unsupported encoding %q", encoding)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.GetLogger()

	var source capture.Source
	if cfg.Input != "" {
		fileSource, err := capture.OpenFile(cfg.Input, cfg.FramesPerBuffer*2, cfg.SampleRate, realtime)
		if err != nil {
			return err
		}
		source = fileSource
		logger.Info().Str("input", cfg.Input).Bool("realtime", realtime).Msg("Streaming from file")
	} else {
		source = capture.NewMicrophone(capture.MicrophoneConfig{
			Device:          cfg.Device,
			SampleRate:      cfg.SampleRate,
			FramesPerBuffer: cfg.FramesPerBuffer,
		})
		logger.Info().Int("device", cfg.Device).Msg("Streaming from microphone, press Ctrl+C to stop")
	}

	client := streamer.NewClient(streamer.Options{
		URL:                  cfg.URL,
		Language:             cfg.Language,
		VoiceActivityTimeout: cfg.VoiceActivityTimeout,
		Encoding:             encoding,
		SampleRate:           cfg.SampleRate,
		OutputFile:           cfg.OutputFile,
		Dial: &resilience.ReconnectConfig{
			MaxAttempts: cfg.DialMaxAttempts,
			Backoff:     time.Duration(cfg.DialInitialBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  10 * time.Second,
		},
		Linger: linger,
	}, source, streamer.NewPrinter(os.Stdout))

	err := client.Run(ctx)
	if n := client.SendErrors(); n > 0 {
		logger.Warn().Int("send_errors", n).Msg("Some audio chunks were not delivered")
	}
	if err != nil {
		logger.Error().Err(err).Msg("Streaming failed")
		return err
	}

	if cfg.OutputFile != "" {
		logger.Info().Str("file", cfg.OutputFile).Msg("Captured audio saved")
	}
	return nil
}
