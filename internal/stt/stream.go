package stt

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const resultBufferSize = 100

// resultStream owns a recognizer's results channel. Delivery never blocks;
// end closes the channel once and keeps the first error.
type resultStream struct {
	provider string

	mu    sync.Mutex
	ch    chan *Result
	ended bool
	err   error
}

func newResultStream(provider string) *resultStream {
	return &resultStream{
		provider: provider,
		ch:       make(chan *Result, resultBufferSize),
	}
}

func (s *resultStream) deliver(r *Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return false
	}
	select {
	case s.ch <- r:
		return true
	default:
		log.Warn().
			Str("provider", s.provider).
			Bool("is_final", r.IsFinal).
			Msg("Result channel full, dropping transcription")
		return false
	}
}

func (s *resultStream) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.ch)
}

func (s *resultStream) results() <-chan *Result {
	return s.ch
}

func (s *resultStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
