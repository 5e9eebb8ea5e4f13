// Package relay implements the server side of the speech relay: it accepts
// WebSocket sessions, forwards their audio to a speech-to-text provider and
// sends the transcripts back.
package relay

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lexiqai/speech-relay/internal/config"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/stt"
)

var upgrader = websocket.Upgrader{
	// Browser and CLI clients connect from anywhere; there is no cookie auth to protect
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Relay accepts relay sessions and tracks them for shutdown
type Relay struct {
	cfg     *config.Config
	factory stt.Factory

	mu       sync.Mutex
	sessions map[*Session]struct{}
	drained  chan struct{}
	closing  bool
}

// NewRelay creates a relay that starts one recognizer per session from factory
func NewRelay(cfg *config.Config, factory stt.Factory) *Relay {
	return &Relay{
		cfg:      cfg,
		factory:  factory,
		sessions: make(map[*Session]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the session until it ends
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection to WebSocket")
		observability.RecordError("upgrade_error", "relay")
		return
	}

	session := NewSession(conn, rl.cfg, rl.factory)
	if !rl.track(session) {
		log.Info().Str("session_id", session.ID()).Msg("Refusing session during shutdown")
		session.end(reasonServerShutdown, nil, websocket.CloseGoingAway)
	}
	defer rl.untrack(session)

	session.logger.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("provider", rl.factory.Name()).
		Msg("New relay connection established")

	session.Run(r.Context())
}

func (rl *Relay) track(s *Session) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sessions[s] = struct{}{}
	return !rl.closing
}

func (rl *Relay) untrack(s *Session) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.sessions, s)
	if rl.closing && len(rl.sessions) == 0 && rl.drained != nil {
		close(rl.drained)
		rl.drained = nil
	}
}

// ActiveSessions returns the number of sessions currently running
func (rl *Relay) ActiveSessions() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.sessions)
}

// Shutdown asks every session to close with a going-away frame and waits
// until they are gone or ctx is done. New sessions are refused afterwards.
func (rl *Relay) Shutdown(ctx context.Context) error {
	rl.mu.Lock()
	rl.closing = true
	if len(rl.sessions) == 0 {
		rl.mu.Unlock()
		return nil
	}
	drained := make(chan struct{})
	rl.drained = drained
	sessions := make([]*Session, 0, len(rl.sessions))
	for s := range rl.sessions {
		sessions = append(sessions, s)
	}
	rl.mu.Unlock()

	for _, s := range sessions {
		s.end(reasonServerShutdown, nil, websocket.CloseGoingAway)
	}

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		for _, s := range sessions {
			log.Warn().Str("session_id", s.ID()).Msg("Session did not close in time, dropping connection")
			s.forceClose()
		}
		return ctx.Err()
	}
}
