package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-relay/internal/audio"
	"github.com/lexiqai/speech-relay/internal/config"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/protocol"
	"github.com/lexiqai/speech-relay/internal/stt"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	closeGracePeriod = time.Second
	maxMessageSize   = 1 << 20
	outboundQueue    = 64
)

// Session end reasons, used in logs and the session_ends metric
const (
	reasonClientClosed    = "client_closed"
	reasonVoiceTimeout    = "voice_activity_timeout"
	reasonSTTStartFailed  = "stt_start_failed"
	reasonRecognizerError = "recognizer_error"
	reasonRecognizerEnded = "recognizer_ended"
	reasonServerShutdown  = "server_shutdown"
	reasonWriteError      = "write_error"
)

// VoiceActivityTimeoutMessage is the error reply sent when no voice was heard in time
const VoiceActivityTimeoutMessage = "voice activity timeout"

type sessionState int

const (
	stateAwaitingCommand sessionState = iota
	stateStreaming
)

// outbound is one frame queued for the writer goroutine
type outbound struct {
	reply     *protocol.Reply
	closeCode int
}

// Session holds the state of one relay connection.
// Only the read loop touches state, normalizer and activity.
type Session struct {
	id      string
	conn    *websocket.Conn
	cfg     *config.Config
	factory stt.Factory
	logger  zerolog.Logger
	metrics *observability.SessionMetrics
	started time.Time

	state      sessionState
	normalizer *audio.Normalizer
	activity   *audio.ActivityTracker

	mu         sync.Mutex
	recognizer stt.Recognizer
	reason     string

	outbound   chan outbound
	writerDone chan struct{}
	done       chan struct{}
	ending     atomic.Bool
	endOnce    sync.Once
	closeOnce  sync.Once
}

// NewSession creates a session for an upgraded connection
func NewSession(conn *websocket.Conn, cfg *config.Config, factory stt.Factory) *Session {
	id := observability.NewSessionID()
	return &Session{
		id:         id,
		conn:       conn,
		cfg:        cfg,
		factory:    factory,
		logger:     observability.WithSessionID(id),
		metrics:    observability.NewSessionMetrics(id, factory.Name()),
		started:    time.Now(),
		outbound:   make(chan outbound, outboundQueue),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// Run serves the connection until the peer goes away or the session is ended
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.writeLoop()

	s.readLoop(ctx)
	s.cleanup()
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.ending.Load() && websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			s.end(reasonClientClosed, nil, websocket.CloseNormalClosure)
			return
		}
		if s.ending.Load() {
			continue
		}

		switch messageType {
		case websocket.TextMessage:
			s.handleText(ctx, data)
		case websocket.BinaryMessage:
			s.handleAudio(data)
		}
	}
}

func (s *Session) handleText(ctx context.Context, data []byte) {
	if s.state == stateStreaming {
		s.logger.Debug().Msg("Received text message when expecting audio, ignoring")
		return
	}

	cmd, err := protocol.ParseCommand(data, s.cfg.DefaultLanguage)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Ignoring control message")
		s.metrics.RecordError("invalid_command", "relay")
		return
	}

	if err := s.start(ctx, cmd); err != nil {
		s.logger.Error().Err(err).Msg("Failed to start speech-to-text")
		s.metrics.RecordError("stt_start_error", s.factory.Name())
		reply := protocol.ErrorReply("failed to start speech recognition")
		s.end(reasonSTTStartFailed, &reply, websocket.CloseInternalServerErr)
	}
}

func (s *Session) start(ctx context.Context, cmd *protocol.Command) error {
	normalizer, err := audio.NewNormalizer(cmd.Encoding, cmd.SampleRate, s.cfg.SampleRate)
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("language", cmd.Language).
		Int("voice_activity_timeout", cmd.VoiceActivityTimeout).
		Str("encoding", cmd.Encoding).
		Int("sample_rate", cmd.SampleRate).
		Bool("passthrough", normalizer.Passthrough()).
		Msg("Starting speech-to-text")

	rec := s.factory.NewRecognizer()
	s.metrics.RecordSTTStart()
	err = rec.Start(ctx, stt.Options{
		Language:       cmd.Language,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: true,
		Punctuate:      true,
	})
	s.metrics.RecordSTTStarted(err == nil)
	if err != nil {
		_ = rec.Close()
		return err
	}

	s.mu.Lock()
	s.recognizer = rec
	s.mu.Unlock()

	vad := audio.NewVADDetector(&audio.VADConfig{
		EnergyThreshold: s.cfg.VADEnergyThreshold,
		SilenceFrames:   audio.DefaultVADConfig().SilenceFrames,
		FrameSize:       s.cfg.VADFrameSamples(),
	})
	s.normalizer = normalizer
	s.activity = audio.NewActivityTracker(vad, s.cfg.AudioBufferSize)
	s.state = stateStreaming

	go s.forwardResults(rec)
	if cmd.VoiceActivityTimeout > 0 {
		go s.watchActivity(time.Duration(cmd.VoiceActivityTimeout) * time.Second)
	}
	return nil
}

func (s *Session) handleAudio(data []byte) {
	if s.state != stateStreaming {
		s.logger.Debug().Int("bytes", len(data)).Msg("Received audio before start command, ignoring")
		return
	}
	s.metrics.RecordAudioIn(len(data))

	pcm, err := s.normalizer.Normalize(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to normalize audio")
		s.metrics.RecordError("normalize_error", "relay")
		return
	}
	if len(pcm) == 0 {
		return
	}

	if _, dropped := s.activity.Feed(pcm); dropped > 0 {
		s.logger.Debug().Int("dropped", dropped).Msg("VAD buffer full, skipped bytes")
	}

	if err := s.recognizer.SendAudio(pcm); err != nil {
		if errors.Is(err, stt.ErrClosed) {
			// forwardResults reports why the stream ended
			return
		}
		s.logger.Error().Err(err).Msg("Error sending audio to recognizer")
		s.metrics.RecordError("stt_send_error", s.factory.Name())
		reply := protocol.ErrorReply("speech recognition failed")
		s.end(reasonRecognizerError, &reply, websocket.CloseInternalServerErr)
		return
	}
	s.metrics.RecordAudioForwarded(len(pcm))
}

// forwardResults relays recognizer results until the result stream ends
func (s *Session) forwardResults(rec stt.Recognizer) {
	for result := range rec.Results() {
		var reply protocol.Reply
		if result.IsFinal {
			reply = protocol.FinalReply(result.Text)
			s.logger.Info().
				Str("text", result.Text).
				Float64("confidence", result.Confidence).
				Msg("Final transcript")
		} else {
			reply = protocol.InterimReply(result.Text)
			s.logger.Debug().Str("text", result.Text).Msg("Interim transcript")
		}
		s.metrics.RecordTranscript(result.IsFinal)
		s.enqueue(outbound{reply: &reply})
	}

	if s.ending.Load() {
		return
	}
	if err := rec.Err(); err != nil {
		s.logger.Error().Err(err).Msg("Speech recognition stream failed")
		s.metrics.RecordError("stt_stream_error", s.factory.Name())
		reply := protocol.ErrorReply("speech recognition failed")
		s.end(reasonRecognizerError, &reply, websocket.CloseInternalServerErr)
		return
	}
	s.logger.Info().Msg("Speech recognition stream ended")
	s.end(reasonRecognizerEnded, nil, websocket.CloseNormalClosure)
}

// watchActivity ends the session once no voice was heard for timeout
func (s *Session) watchActivity(timeout time.Duration) {
	interval := timeout / 10
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if silent := s.activity.SilentFor(); silent >= timeout {
				s.logger.Info().Dur("silent_for", silent).Msg("Voice activity timeout")
				reply := protocol.ErrorReply(VoiceActivityTimeoutMessage)
				s.end(reasonVoiceTimeout, &reply, websocket.CloseNormalClosure)
				return
			}
		case <-s.done:
			return
		}
	}
}

// end records why the session ends and queues an optional reply followed by
// a close frame. Only the first call has an effect.
func (s *Session) end(reason string, reply *protocol.Reply, closeCode int) {
	if !s.markEnding(reason) {
		return
	}
	if reply != nil {
		s.enqueue(outbound{reply: reply})
	}
	s.enqueue(outbound{closeCode: closeCode})
}

// markEnding records the end reason; it reports false if one was already set
func (s *Session) markEnding(reason string) bool {
	first := false
	s.endOnce.Do(func() {
		first = true
		s.ending.Store(true)
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
	})
	return first
}

func (s *Session) enqueue(msg outbound) {
	select {
	case s.outbound <- msg:
	case <-s.writerDone:
	case <-s.done:
	}
}

// writeLoop is the only goroutine that writes to the connection
func (s *Session) writeLoop() {
	defer close(s.writerDone)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if msg.reply == nil {
				err := s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(msg.closeCode, ""))
				if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
					s.logger.Debug().Err(err).Msg("Failed to write close frame")
				}
				// Wait briefly for the peer's close frame, then the read loop gives up
				_ = s.conn.SetReadDeadline(time.Now().Add(closeGracePeriod))
				return
			}

			if err := s.conn.WriteJSON(msg.reply); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to write reply")
				s.metrics.RecordError("write_error", "relay")
				s.markEnding(reasonWriteError)
				_ = s.conn.Close()
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug().Err(err).Msg("Ping failed")
				_ = s.conn.Close()
				return
			}

		case <-s.done:
			return
		}
	}
}

// cleanup releases the recognizer and the connection exactly once
func (s *Session) cleanup() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		rec, reason := s.recognizer, s.reason
		s.mu.Unlock()

		if rec != nil {
			if err := rec.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("Error closing recognizer")
			}
		}
		_ = s.conn.Close()

		s.metrics.RecordSessionEnd(reason)
		s.logger.Info().
			Str("reason", reason).
			Dur("duration", time.Since(s.started)).
			Msg("Session ended")
	})
}

// forceClose drops the connection without a close handshake
func (s *Session) forceClose() {
	_ = s.conn.Close()
}
