package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lexiqai/speech-relay/internal/config"
)

// streamOpener opens one StreamingRecognize call
type streamOpener func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error)

// GoogleClient holds the Speech API connection shared by all sessions.
// The connection is dialed on first use.
type GoogleClient struct {
	opts []option.ClientOption

	mu     sync.Mutex
	client *speech.Client
}

// NewGoogleClient creates a lazily connected Speech API client
func NewGoogleClient(cfg *config.Config) *GoogleClient {
	var opts []option.ClientOption
	if cfg.GoogleCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GoogleCredentialsFile))
	}
	if cfg.GoogleSpeechEndpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.GoogleSpeechEndpoint))
	}
	return &GoogleClient{opts: opts}
}

func (c *GoogleClient) conn(ctx context.Context) (*speech.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	// The client outlives the session that happened to dial it.
	client, err := speech.NewClient(context.WithoutCancel(ctx), c.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	c.client = client
	log.Info().Msg("Google Speech client connected")
	return client, nil
}

// Open starts a StreamingRecognize call bound to ctx
func (c *GoogleClient) Open(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
	client, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	return client.StreamingRecognize(ctx)
}

// Ready reports whether the Speech API client can be created
func (c *GoogleClient) Ready(ctx context.Context) (bool, error) {
	if _, err := c.conn(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Close closes the shared connection if it was dialed
func (c *GoogleClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// GoogleRecognizer implements Recognizer on Google Cloud Speech streaming recognition
type GoogleRecognizer struct {
	open   streamOpener
	stream *resultStream

	mu     sync.Mutex
	call   speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc
	closed bool
}

// NewGoogleRecognizer creates a recognizer that opens its stream with open
func NewGoogleRecognizer(open streamOpener) *GoogleRecognizer {
	return &GoogleRecognizer{
		open:   open,
		stream: newResultStream(config.ProviderGoogle),
	}
}

// Start opens the stream and sends the recognition config
func (g *GoogleRecognizer) Start(ctx context.Context, opts Options) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	if g.call != nil {
		return fmt.Errorf("google recognizer is already active")
	}

	callCtx, cancel := context.WithCancel(ctx)
	call, err := g.open(callCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open recognize stream: %w", err)
	}

	if err := call.Send(streamingConfigRequest(opts)); err != nil {
		cancel()
		return fmt.Errorf("failed to send streaming config: %w", err)
	}

	g.call = call
	g.cancel = cancel
	go g.receive(call)

	log.Debug().
		Str("language", opts.Language).
		Int("sample_rate", opts.SampleRate).
		Msg("Google recognize stream started")
	return nil
}

func streamingConfigRequest(opts Options) *speechpb.StreamingRecognizeRequest {
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:            int32(opts.SampleRate),
					AudioChannelCount:          1,
					LanguageCode:               opts.Language,
					EnableAutomaticPunctuation: opts.Punctuate,
				},
				InterimResults:  opts.InterimResults,
				SingleUtterance: false,
			},
		},
	}
}

func (g *GoogleRecognizer) receive(call speechpb.Speech_StreamingRecognizeClient) {
	for {
		resp, err := call.Recv()
		if err == io.EOF {
			g.stream.end(nil)
			return
		}
		if err != nil {
			g.stream.end(g.streamError(err))
			return
		}
		if resp.Error != nil {
			g.stream.end(status.ErrorProto(resp.Error))
			return
		}

		for _, r := range resp.Results {
			if result := googleResult(r); result != nil {
				g.stream.deliver(result)
			}
		}
	}
}

// streamError drops the cancellation error caused by our own Close
func (g *GoogleRecognizer) streamError(err error) error {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()

	if closed && (status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled)) {
		return nil
	}
	return err
}

// googleResult maps the best alternative of a streaming result
func googleResult(r *speechpb.StreamingRecognitionResult) *Result {
	if r == nil || len(r.Alternatives) == 0 {
		return nil
	}
	alt := r.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}

	result := &Result{
		Text:       alt.Transcript,
		IsFinal:    r.IsFinal,
		Confidence: float64(alt.Confidence),
	}
	if words := alt.Words; len(words) > 0 {
		result.StartTime = words[0].GetStartTime().AsDuration().Seconds()
		result.Duration = words[len(words)-1].GetEndTime().AsDuration().Seconds() - result.StartTime
	}
	return result
}

// SendAudio sends a chunk of linear16 PCM
func (g *GoogleRecognizer) SendAudio(audio []byte) error {
	g.mu.Lock()
	call, closed := g.call, g.closed
	g.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if call == nil {
		return ErrNotStarted
	}
	if len(audio) == 0 {
		return nil
	}

	err := call.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
	if err == io.EOF {
		// The server ended the call; the real cause arrives on Recv.
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("failed to send audio to Google: %w", err)
	}
	return nil
}

// Results returns the transcription results channel
func (g *GoogleRecognizer) Results() <-chan *Result {
	return g.stream.results()
}

// Err returns the error that ended the stream
func (g *GoogleRecognizer) Err() error {
	return g.stream.Err()
}

// Close half-closes the stream and cancels the call
func (g *GoogleRecognizer) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	call, cancel := g.call, g.cancel
	g.mu.Unlock()

	if call == nil {
		g.stream.end(nil)
		return nil
	}

	err := call.CloseSend()
	cancel()
	if err != nil {
		return fmt.Errorf("failed to close recognize stream: %w", err)
	}
	return nil
}
