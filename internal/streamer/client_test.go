package streamer

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/speech-relay/internal/capture"
	"github.com/lexiqai/speech-relay/internal/protocol"
	"github.com/lexiqai/speech-relay/internal/resilience"
)

type frame struct {
	messageType int
	data        []byte
}

// recordingServer accepts one connection, records every frame and runs
// script after the first frame arrives.
type recordingServer struct {
	mu     sync.Mutex
	frames []frame
	done   chan struct{}
	script func(conn *websocket.Conn)
}

func (s *recordingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	defer close(s.done)

	first := true
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, frame{messageType, data})
		s.mu.Unlock()

		if first && s.script != nil {
			first = false
			go s.script(conn)
		}
	}
}

func (s *recordingServer) recorded() []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame(nil), s.frames...)
}

func startServer(t *testing.T, script func(conn *websocket.Conn)) (*recordingServer, string) {
	t.Helper()
	rs := &recordingServer{done: make(chan struct{}), script: script}
	srv := httptest.NewServer(rs)
	t.Cleanup(srv.Close)
	return rs, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// blockingSource never produces audio; it counts lifecycle calls
type blockingSource struct {
	starts atomic.Int32
	closes atomic.Int32
}

func (b *blockingSource) Start() error {
	b.starts.Add(1)
	return nil
}

func (b *blockingSource) Read(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingSource) Close() error {
	b.closes.Add(1)
	return nil
}

// failingSource returns one chunk, then a device error
type failingSource struct {
	reads  int
	closes atomic.Int32
}

func (f *failingSource) Start() error { return nil }

func (f *failingSource) Read(ctx context.Context) ([]byte, error) {
	f.reads++
	if f.reads == 1 {
		return []byte{1, 0, 2, 0}, nil
	}
	return nil, errors.New("device unplugged")
}

func (f *failingSource) Close() error {
	f.closes.Add(1)
	return nil
}

func testOptions(url string, dir string) Options {
	return Options{
		URL:                  url,
		Language:             "en-US",
		VoiceActivityTimeout: 5,
		OutputFile:           filepath.Join(dir, "test_audio.raw"),
		Dial:                 &resilience.ReconnectConfig{MaxAttempts: 2, Backoff: 10 * time.Millisecond, Multiplier: 2, MaxBackoff: 50 * time.Millisecond},
		Linger:               50 * time.Millisecond,
	}
}

func TestClient_SendsOneCommandBeforeAudio(t *testing.T) {
	rs, url := startServer(t, nil)
	dir := t.TempDir()

	input := make([]byte, 3000)
	for i := range input {
		input[i] = byte(i % 251)
	}
	source := capture.NewReaderSource(bytes.NewReader(input), 1024, 16000, false)

	client := NewClient(testOptions(url, dir), source, NewPrinter(&bytes.Buffer{}))
	if err := client.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	select {
	case <-rs.done:
	case <-time.After(3 * time.Second):
		t.Fatal("Server connection did not finish")
	}

	frames := rs.recorded()
	if len(frames) == 0 || frames[0].messageType != websocket.TextMessage {
		t.Fatalf("Expected the first frame to be the text command, got %+v", frames)
	}

	cmd, err := protocol.ParseCommand(frames[0].data, "")
	if err != nil {
		t.Fatalf("Failed to parse command: %v", err)
	}
	if cmd.Language != "en-US" || cmd.VoiceActivityTimeout != 5 {
		t.Errorf("Unexpected command: %+v", cmd)
	}
	if strings.Contains(string(frames[0].data), "encoding") {
		t.Errorf("Expected default format to keep the original command shape, got %s", frames[0].data)
	}

	var streamed []byte
	for _, f := range frames[1:] {
		if f.messageType != websocket.BinaryMessage {
			t.Fatalf("Expected only binary frames after the command, got type %d", f.messageType)
		}
		streamed = append(streamed, f.data...)
	}
	if !bytes.Equal(streamed, input) {
		t.Errorf("Expected %d streamed bytes to equal input, got %d", len(input), len(streamed))
	}

	written, err := os.ReadFile(filepath.Join(dir, "test_audio.raw"))
	if err != nil {
		t.Fatalf("Failed to read output file: %v", err)
	}
	if !bytes.Equal(written, input) {
		t.Errorf("Expected output file to hold every captured chunk")
	}
}

func TestClient_PrintsRepliesAndStopsOnClose(t *testing.T) {
	_, url := startServer(t, func(conn *websocket.Conn) {
		for _, r := range []protocol.Reply{
			protocol.InterimReply("hel"),
			protocol.FinalReply("Hello."),
			protocol.ErrorReply("voice activity timeout"),
		} {
			if err := conn.WriteJSON(r); err != nil {
				return
			}
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})

	var out bytes.Buffer
	source := &blockingSource{}
	client := NewClient(testOptions(url, t.TempDir()), source, NewPrinter(&out))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Run(ctx); err != nil {
		t.Fatalf("Expected a normal close to end the run cleanly, got %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Run only returned because the test context expired")
	}

	want := "Interim Transcript: hel\nTranscript: Hello.\nServer error: voice activity timeout\n"
	if out.String() != want {
		t.Errorf("Expected output %q, got %q", want, out.String())
	}
	if source.starts.Load() != 1 || source.closes.Load() != 1 {
		t.Errorf("Expected source started and closed once, got %d/%d", source.starts.Load(), source.closes.Load())
	}
}

func TestClient_ContextCancelClosesEverythingOnce(t *testing.T) {
	rs, url := startServer(t, nil)
	source := &blockingSource{}
	client := NewClient(testOptions(url, t.TempDir()), source, NewPrinter(&bytes.Buffer{}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	if err := client.Run(ctx); err != nil {
		t.Fatalf("Expected cancellation to end the run cleanly, got %v", err)
	}
	if source.closes.Load() != 1 {
		t.Errorf("Expected source closed once, got %d", source.closes.Load())
	}

	select {
	case <-rs.done:
	case <-time.After(3 * time.Second):
		t.Fatal("Expected the server to see the connection close")
	}
}

func TestClient_SourceErrorEndsRun(t *testing.T) {
	_, url := startServer(t, nil)
	source := &failingSource{}
	client := NewClient(testOptions(url, t.TempDir()), source, NewPrinter(&bytes.Buffer{}))

	err := client.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "device unplugged") {
		t.Fatalf("Expected the source error, got %v", err)
	}
	if source.closes.Load() != 1 {
		t.Errorf("Expected source closed once, got %d", source.closes.Load())
	}
}

func TestClient_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	source := &blockingSource{}
	client := NewClient(testOptions(url, t.TempDir()), source, NewPrinter(&bytes.Buffer{}))

	err := client.Run(context.Background())
	var exhausted *resilience.ErrReconnectExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("Expected dial attempts to be exhausted, got %v", err)
	}
	if source.starts.Load() != 0 {
		t.Error("Expected the source not to start without a connection")
	}
}

func TestClient_MulawEncoding(t *testing.T) {
	rs, url := startServer(t, nil)

	opts := testOptions(url, t.TempDir())
	opts.Encoding = protocol.EncodingMulaw
	source := capture.NewReaderSource(bytes.NewReader(make([]byte, 640)), 640, 16000, false)

	if err := NewClient(opts, source, NewPrinter(&bytes.Buffer{})).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	<-rs.done

	frames := rs.recorded()
	cmd, err := protocol.ParseCommand(frames[0].data, "")
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Encoding != protocol.EncodingMulaw || cmd.SampleRate != 16000 {
		t.Errorf("Expected mulaw at 16 kHz in the command, got %+v", cmd)
	}
	if len(frames) != 2 || len(frames[1].data) != 320 {
		t.Fatalf("Expected one 320-byte mu-law frame, got %d frames", len(frames))
	}
	for _, b := range frames[1].data {
		if b != 0xFF {
			t.Fatalf("Expected silence to encode as 0xFF, got %#x", b)
		}
	}
}
