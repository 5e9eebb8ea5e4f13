package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ReaderSource replays raw PCM from an io.Reader in fixed-size chunks,
// optionally paced to real time.
type ReaderSource struct {
	r         io.Reader
	closer    io.Closer
	chunkSize int
	interval  time.Duration
	now       func() time.Time

	mu     sync.Mutex
	next   time.Time
	closed bool
	eof    bool
}

// NewReaderSource reads chunkBytes (rounded down to whole samples) per Read.
// When realtime is set, chunks are released no faster than sampleRate allows.
func NewReaderSource(r io.Reader, chunkBytes, sampleRate int, realtime bool) *ReaderSource {
	if chunkBytes < 2 {
		chunkBytes = 2
	}
	chunkBytes -= chunkBytes % 2

	s := &ReaderSource{
		r:         r,
		chunkSize: chunkBytes,
		now:       time.Now,
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	if realtime && sampleRate > 0 {
		s.interval = time.Duration(chunkBytes/2) * time.Second / time.Duration(sampleRate)
	}
	return s
}

// OpenFile opens path for replay; "-" reads standard input
func OpenFile(path string, chunkBytes, sampleRate int, realtime bool) (*ReaderSource, error) {
	if path == "-" {
		s := NewReaderSource(os.Stdin, chunkBytes, sampleRate, realtime)
		s.closer = nil
		return s, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio input: %w", err)
	}
	return NewReaderSource(f, chunkBytes, sampleRate, realtime), nil
}

// Start arms the pacing clock
func (s *ReaderSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.next = s.now()
	return nil
}

// Read returns the next chunk. The final chunk may be shorter; io.EOF follows it.
func (s *ReaderSource) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	closed, eof := s.closed, s.eof
	wait := time.Duration(0)
	if s.interval > 0 {
		if s.next.IsZero() {
			s.next = s.now()
		}
		wait = s.next.Sub(s.now())
		s.next = s.next.Add(s.interval)
	}
	s.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}
	if eof {
		return nil, io.EOF
	}

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := make([]byte, s.chunkSize)
	n, err := io.ReadFull(s.r, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.mu.Lock()
		s.eof = true
		s.mu.Unlock()
		// drop a dangling half sample
		n -= n % 2
		if n == 0 {
			return nil, io.EOF
		}
		return buf[:n], nil
	case errors.Is(err, io.EOF):
		s.mu.Lock()
		s.eof = true
		s.mu.Unlock()
		return nil, io.EOF
	default:
		if s.isClosed() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("failed to read audio input: %w", err)
	}
}

func (s *ReaderSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close closes the underlying reader if it is closable
func (s *ReaderSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closer := s.closer
	s.mu.Unlock()

	if closer != nil {
		return closer.Close()
	}
	return nil
}
