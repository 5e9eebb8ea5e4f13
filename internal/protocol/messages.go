// Package protocol defines the JSON messages exchanged over the relay socket.
//
// A session starts with exactly one text frame carrying a Command. Every
// following binary frame is raw audio. The server answers with text frames
// carrying a Reply.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CommandStartSpeechToText is the only command type the relay understands
const CommandStartSpeechToText = "start_speech_to_text"

// Audio encodings accepted in a Command
const (
	EncodingLinear16 = "linear16"
	EncodingMulaw    = "mulaw"
)

// DefaultSampleRate is the sample rate assumed when a command omits it
const DefaultSampleRate = 16000

const maxSampleRate = 384000

var (
	// ErrUnknownCommand is returned for a well-formed command with an unsupported type
	ErrUnknownCommand = errors.New("unknown command type")
	// ErrInvalidCommand is returned when a command cannot be decoded or has bad values
	ErrInvalidCommand = errors.New("invalid command")
)

// Command is the control message sent by the client when the socket opens
type Command struct {
	Type                 string `json:"type"`
	Language             string `json:"language"`
	VoiceActivityTimeout int    `json:"voiceActivityTimeout"` // seconds, 0 disables

	// Optional extensions; zero values mean 16 kHz linear16
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

// Reply is a message sent by the server. At most one field is set.
type Reply struct {
	Transcript        string `json:"transcript,omitempty"`
	InterimTranscript string `json:"interim_transcript,omitempty"`
	Error             string `json:"error,omitempty"`
}

// NewStartCommand builds a start command for the given language and timeout
func NewStartCommand(language string, voiceActivityTimeout int) *Command {
	return &Command{
		Type:                 CommandStartSpeechToText,
		Language:             language,
		VoiceActivityTimeout: voiceActivityTimeout,
	}
}

// MaxVoiceActivityTimeout bounds the timeout in seconds so that it still
// fits a time.Duration; larger values are clamped.
const MaxVoiceActivityTimeout = math.MaxInt32

// rawCommand keeps every optional field undecoded. Only a wrong type rejects
// a command; optional fields of the wrong JSON type fall back to defaults.
type rawCommand struct {
	Type                 string          `json:"type"`
	Language             json.RawMessage `json:"language"`
	VoiceActivityTimeout json.RawMessage `json:"voiceActivityTimeout"`
	Encoding             json.RawMessage `json:"encoding"`
	SampleRate           json.RawMessage `json:"sampleRate"`
}

// ParseCommand decodes and validates a control message.
// defaultLanguage is used when the command carries no language.
func ParseCommand(data []byte, defaultLanguage string) (*Command, error) {
	var raw rawCommand
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	if raw.Type != CommandStartSpeechToText {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, raw.Type)
	}

	cmd := &Command{
		Type:                 raw.Type,
		Language:             strings.TrimSpace(stringField(raw.Language)),
		VoiceActivityTimeout: clampSeconds(numberField(raw.VoiceActivityTimeout)),
		Encoding:             strings.ToLower(strings.TrimSpace(stringField(raw.Encoding))),
		SampleRate:           clampSampleRate(numberField(raw.SampleRate)),
	}

	if cmd.Language == "" {
		cmd.Language = defaultLanguage
	}

	switch cmd.Encoding {
	case "":
		cmd.Encoding = EncodingLinear16
	case EncodingLinear16, EncodingMulaw:
	default:
		// Audio in an unknown encoding cannot be decoded at all
		return nil, fmt.Errorf("%w: unsupported encoding %q", ErrInvalidCommand, cmd.Encoding)
	}

	if cmd.SampleRate == 0 {
		cmd.SampleRate = DefaultSampleRate
	}

	return cmd, nil
}

// stringField returns the JSON string in f, or "" for any other value
func stringField(f json.RawMessage) string {
	var s string
	if len(f) == 0 || json.Unmarshal(f, &s) != nil {
		return ""
	}
	return s
}

// numberField returns the JSON number in f. Numeric strings such as "5" are
// accepted; anything else reads as 0.
func numberField(f json.RawMessage) float64 {
	if len(f) == 0 {
		return 0
	}
	var n float64
	if json.Unmarshal(f, &n) == nil {
		return n
	}
	var s string
	if json.Unmarshal(f, &s) == nil {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return n
		}
	}
	return 0
}

// clampSeconds truncates to whole seconds; negative means disabled
func clampSeconds(v float64) int {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= MaxVoiceActivityTimeout:
		return MaxVoiceActivityTimeout
	}
	return int(v)
}

// clampSampleRate returns 0 (use the default) for rates no device produces
func clampSampleRate(v float64) int {
	if math.IsNaN(v) || v <= 0 || v > maxSampleRate {
		return 0
	}
	return int(v)
}

// Marshal encodes the command as JSON
func (c *Command) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// FinalReply builds a reply carrying a final transcript
func FinalReply(text string) Reply {
	return Reply{Transcript: text}
}

// InterimReply builds a reply carrying an interim transcript
func InterimReply(text string) Reply {
	return Reply{InterimTranscript: text}
}

// ErrorReply builds a reply carrying a server-side error
func ErrorReply(msg string) Reply {
	return Reply{Error: msg}
}

// ParseReply decodes a server reply
func ParseReply(data []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return Reply{}, fmt.Errorf("failed to decode reply: %w", err)
	}
	return r, nil
}
