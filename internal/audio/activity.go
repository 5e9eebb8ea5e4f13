package audio

import (
	"sync"
	"time"
)

// ActivityTracker re-frames arbitrary PCM payloads into fixed VAD frames and
// remembers when voice was last heard.
type ActivityTracker struct {
	mu        sync.Mutex
	buffer    *RingBuffer
	vad       *VADDetector
	frame     []byte
	lastVoice time.Time
	now       func() time.Time
}

// NewActivityTracker creates a tracker. bufferSize must exceed one frame.
func NewActivityTracker(vad *VADDetector, bufferSize int) *ActivityTracker {
	t := &ActivityTracker{
		buffer: NewRingBuffer(bufferSize),
		vad:    vad,
		frame:  make([]byte, vad.FrameSize()*2),
		now:    time.Now,
	}
	t.lastVoice = t.now()
	return t
}

// Feed consumes 16-bit PCM and runs VAD on every complete frame.
// Returns whether any frame was voiced and how many bytes did not fit in the
// buffer.
func (t *ActivityTracker) Feed(pcm []byte) (voiced bool, dropped int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(pcm) > 0 {
		n := t.buffer.Write(pcm)
		pcm = pcm[n:]

		for t.buffer.ReadFull(t.frame) {
			samples, err := BytesToSamples(t.frame)
			if err != nil {
				continue
			}
			speaking, _, _ := t.vad.ProcessFrame(samples)
			if speaking {
				voiced = true
			}
		}

		if n == 0 {
			// buffer cannot take more even after draining full frames
			dropped = len(pcm)
			break
		}
	}

	if voiced {
		t.lastVoice = t.now()
	}
	return voiced, dropped
}

// SilentFor returns how long it has been since voice was last detected (or
// since the tracker was created).
func (t *ActivityTracker) SilentFor() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now().Sub(t.lastVoice)
}
