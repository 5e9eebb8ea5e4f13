package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantErr     error
		wantLang    string
		wantTimeout int
		wantEnc     string
		wantRate    int
	}{
		{
			name:        "original client command",
			input:       `{"type":"start_speech_to_text","language":"en-US","voiceActivityTimeout":5}`,
			wantLang:    "en-US",
			wantTimeout: 5,
			wantEnc:     EncodingLinear16,
			wantRate:    16000,
		},
		{
			name:        "fractional timeout truncates",
			input:       `{"type":"start_speech_to_text","language":"de-DE","voiceActivityTimeout":2.7}`,
			wantLang:    "de-DE",
			wantTimeout: 2,
			wantEnc:     EncodingLinear16,
			wantRate:    16000,
		},
		{
			name:     "missing language uses default",
			input:    `{"type":"start_speech_to_text"}`,
			wantLang: "fr-FR",
			wantEnc:  EncodingLinear16,
			wantRate: 16000,
		},
		{
			name:     "mulaw at 8kHz",
			input:    `{"type":"start_speech_to_text","language":"en-US","encoding":"MULAW","sampleRate":8000}`,
			wantLang: "en-US",
			wantEnc:  EncodingMulaw,
			wantRate: 8000,
		},
		{name: "unknown type", input: `{"type":"stop"}`, wantErr: ErrUnknownCommand},
		{name: "bad json", input: `{"type":`, wantErr: ErrInvalidCommand},
		{
			name:        "huge timeout is clamped",
			input:       `{"type":"start_speech_to_text","language":"en-US","voiceActivityTimeout":10000000000}`,
			wantLang:    "en-US",
			wantTimeout: MaxVoiceActivityTimeout,
			wantEnc:     EncodingLinear16,
			wantRate:    16000,
		},
		{
			name:        "numeric string timeout",
			input:       `{"type":"start_speech_to_text","language":"en-US","voiceActivityTimeout":"5"}`,
			wantLang:    "en-US",
			wantTimeout: 5,
			wantEnc:     EncodingLinear16,
			wantRate:    16000,
		},
		{
			name:     "wrongly typed fields fall back to defaults",
			input:    `{"type":"start_speech_to_text","language":42,"voiceActivityTimeout":{"s":5},"sampleRate":"fast"}`,
			wantLang: "fr-FR",
			wantEnc:  EncodingLinear16,
			wantRate: 16000,
		},
		{
			name:     "negative values disable or default",
			input:    `{"type":"start_speech_to_text","voiceActivityTimeout":-1,"sampleRate":-8000}`,
			wantLang: "fr-FR",
			wantEnc:  EncodingLinear16,
			wantRate: 16000,
		},
		{
			name:     "null fields",
			input:    `{"type":"start_speech_to_text","language":null,"voiceActivityTimeout":null}`,
			wantLang: "fr-FR",
			wantEnc:  EncodingLinear16,
			wantRate: 16000,
		},
		{name: "missing type", input: `{"language":"en-US"}`, wantErr: ErrUnknownCommand},
		{name: "non-string type", input: `{"type":1}`, wantErr: ErrInvalidCommand},
		{name: "bad encoding", input: `{"type":"start_speech_to_text","encoding":"opus"}`, wantErr: ErrInvalidCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand([]byte(tt.input), "fr-FR")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommand failed: %v", err)
			}
			if cmd.Language != tt.wantLang {
				t.Errorf("Expected language %q, got %q", tt.wantLang, cmd.Language)
			}
			if cmd.VoiceActivityTimeout != tt.wantTimeout {
				t.Errorf("Expected timeout %d, got %d", tt.wantTimeout, cmd.VoiceActivityTimeout)
			}
			if cmd.Encoding != tt.wantEnc {
				t.Errorf("Expected encoding %q, got %q", tt.wantEnc, cmd.Encoding)
			}
			if cmd.SampleRate != tt.wantRate {
				t.Errorf("Expected sample rate %d, got %d", tt.wantRate, cmd.SampleRate)
			}
		})
	}
}

func TestNewStartCommand_WireFormat(t *testing.T) {
	data, err := NewStartCommand("en-US", 5).Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if len(fields) != 3 {
		t.Errorf("Expected exactly 3 fields on the wire, got %v", fields)
	}
	if fields["type"] != "start_speech_to_text" {
		t.Errorf("Expected type start_speech_to_text, got %v", fields["type"])
	}
	if fields["language"] != "en-US" {
		t.Errorf("Expected language en-US, got %v", fields["language"])
	}
	if fields["voiceActivityTimeout"] != float64(5) {
		t.Errorf("Expected voiceActivityTimeout 5, got %v", fields["voiceActivityTimeout"])
	}
}

func TestReply_WireFormat(t *testing.T) {
	tests := []struct {
		reply Reply
		want  string
	}{
		{FinalReply("hello world"), `{"transcript":"hello world"}`},
		{InterimReply("hel"), `{"interim_transcript":"hel"}`},
		{ErrorReply("voice activity timeout"), `{"error":"voice activity timeout"}`},
		{FinalReply(`say "hi"`), `{"transcript":"say \"hi\""}`},
	}

	for _, tt := range tests {
		data, err := json.Marshal(tt.reply)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if string(data) != tt.want {
			t.Errorf("Expected %s, got %s", tt.want, data)
		}
	}
}

func TestParseReply(t *testing.T) {
	r, err := ParseReply([]byte(`{"interim_transcript":"partial"}`))
	if err != nil {
		t.Fatalf("ParseReply failed: %v", err)
	}
	if r.InterimTranscript != "partial" || r.Transcript != "" {
		t.Errorf("Unexpected reply: %+v", r)
	}

	if _, err := ParseReply([]byte("not json")); err == nil {
		t.Error("Expected error for invalid reply")
	}
}
