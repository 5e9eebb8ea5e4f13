package stt

import (
	"context"
	"fmt"
	"sync"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog/log"

	"github.com/lexiqai/speech-relay/internal/config"
	"github.com/lexiqai/speech-relay/internal/resilience"
)

// messageCallbackHandler implements the LiveMessageCallback interface.
// It embeds the default handler and overrides only the methods we need.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

// Message forwards transcription messages to the recognizer
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error forwards provider errors to the recognizer
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramRecognizer implements Recognizer using Deepgram's live streaming API
type DeepgramRecognizer struct {
	apiKey string
	model  string
	stream *resultStream

	mu     sync.RWMutex
	client *listenClient.WSCallback
	cancel context.CancelFunc
	closed bool
}

// NewDeepgramRecognizer creates an unstarted Deepgram recognizer
func NewDeepgramRecognizer(apiKey, model string) *DeepgramRecognizer {
	return &DeepgramRecognizer{
		apiKey: apiKey,
		model:  model,
		stream: newResultStream(config.ProviderDeepgram),
	}
}

// Start connects a live transcription socket for linear16 mono audio
func (d *DeepgramRecognizer) Start(ctx context.Context, opts Options) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.client != nil {
		return fmt.Errorf("deepgram recognizer is already active")
	}

	tOptions := liveOptions(d.model, opts)

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                d.handleMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			log.Error().
				Str("provider", config.ProviderDeepgram).
				Interface("error", errorResponse).
				Msg("Deepgram error")
			d.stream.end(fmt.Errorf("deepgram error: %+v", *errorResponse))
			return nil
		},
	}

	connCtx, cancel := context.WithCancel(ctx)
	client, err := listenClient.NewWSUsingCallback(connCtx, d.apiKey, nil, tOptions, callback)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		cancel()
		return resilience.NewRetryableError(fmt.Errorf("failed to connect to Deepgram: connection refused"))
	}

	d.client = client
	d.cancel = cancel

	log.Debug().
		Str("model", d.model).
		Str("language", opts.Language).
		Int("sample_rate", opts.SampleRate).
		Msg("Deepgram live stream started")
	return nil
}

// liveOptions requests linear16 mono transcripts only. Speech and utterance
// events are not requested; the relay runs its own VAD.
func liveOptions(model string, opts Options) *interfaces.LiveTranscriptionOptions {
	return &interfaces.LiveTranscriptionOptions{
		Model:          model,
		Language:       opts.Language,
		Punctuate:      opts.Punctuate,
		InterimResults: opts.InterimResults,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     opts.SampleRate,
	}
}

func (d *DeepgramRecognizer) handleMessage(msg *msginterfaces.MessageResponse) {
	if result := deepgramResult(msg); result != nil {
		d.stream.deliver(result)
	}
}

// deepgramResult maps the best alternative of a Results message
func deepgramResult(msg *msginterfaces.MessageResponse) *Result {
	if msg == nil {
		return nil
	}
	if msg.Type != "Results" && msg.Type != "Message" {
		return nil
	}
	if len(msg.Channel.Alternatives) == 0 {
		return nil
	}

	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}

	startTime := msg.Start
	duration := msg.Duration
	if len(alt.Words) > 0 && duration == 0 {
		startTime = alt.Words[0].Start
		duration = alt.Words[len(alt.Words)-1].End - startTime
	}

	return &Result{
		Text:       alt.Transcript,
		IsFinal:    msg.IsFinal,
		Confidence: alt.Confidence,
		StartTime:  startTime,
		Duration:   duration,
	}
}

// SendAudio sends a chunk of linear16 PCM to Deepgram
func (d *DeepgramRecognizer) SendAudio(audio []byte) error {
	d.mu.RLock()
	client, closed := d.client, d.closed
	d.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if client == nil {
		return ErrNotStarted
	}
	if len(audio) == 0 {
		return nil
	}

	if _, err := client.Write(audio); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// Results returns the transcription results channel
func (d *DeepgramRecognizer) Results() <-chan *Result {
	return d.stream.results()
}

// Err returns the error that ended the stream
func (d *DeepgramRecognizer) Err() error {
	return d.stream.Err()
}

// Close finishes the live stream
func (d *DeepgramRecognizer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	client, cancel := d.client, d.cancel
	d.mu.Unlock()

	if client != nil {
		client.Finish()
		cancel()
	}
	d.stream.end(nil)
	return nil
}
