// Package capture provides the audio sources the streaming client reads from.
package capture

import (
	"context"
	"errors"
)

// ErrClosed is returned by Read after Close
var ErrClosed = errors.New("audio source closed")

// Source produces chunks of 16-bit little-endian mono PCM.
// Read returns io.EOF when a finite source is exhausted.
type Source interface {
	Start() error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}
