package stt

import (
	"context"
	"errors"
)

// ErrNotStarted is returned by SendAudio before Start succeeded
var ErrNotStarted = errors.New("recognizer not started")

// ErrClosed is returned by SendAudio after Close or after the stream ended
var ErrClosed = errors.New("recognizer closed")

// Options configures one recognition stream
type Options struct {
	// Language is the IETF tag of the spoken language, e.g. "en-US"
	Language string

	// SampleRate of the linear16 mono PCM passed to SendAudio
	SampleRate int

	// InterimResults enables provisional results
	InterimResults bool

	// Punctuate enables automatic punctuation
	Punctuate bool
}

// Result represents a transcription result from a provider
type Result struct {
	// Text is the transcribed text
	Text string

	// IsFinal indicates if this is a final transcription (true) or interim (false)
	IsFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// StartTime is the start time of the utterance in seconds
	StartTime float64

	// Duration is the duration of the utterance in seconds
	Duration float64
}

// Recognizer is one streaming speech-to-text session
type Recognizer interface {
	// Start opens the provider stream. It may be called again after a failed Start.
	Start(ctx context.Context, opts Options) error

	// SendAudio sends a chunk of linear16 PCM to the provider
	SendAudio(audio []byte) error

	// Results delivers transcription results. The channel is closed when the
	// stream ends, after which Err reports why.
	Results() <-chan *Result

	// Err returns the error that ended the stream, or nil if it ended cleanly
	Err() error

	// Close ends the stream and releases resources. It is safe to call more than once.
	Close() error
}

// Factory builds a fresh, unstarted Recognizer for each session
type Factory interface {
	Name() string
	NewRecognizer() Recognizer
}
