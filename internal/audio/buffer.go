package audio

import (
	"sync"
)

// RingBuffer is a thread-safe ring buffer for audio data.
// One slot is kept free to tell full from empty, so a buffer of size n
// holds at most n-1 bytes.
type RingBuffer struct {
	buffer []byte
	size   int
	read   int
	write  int
	mu     sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the specified size
func NewRingBuffer(size int) *RingBuffer {
	if size < 2 {
		size = 2
	}
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write writes data to the ring buffer.
// Returns the number of bytes written (may be less than len(data) if buffer is full)
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(data)
	if space := rb.space(); n > space {
		n = space
	}

	// at most two copies: up to the end of the slice, then from the start
	first := copy(rb.buffer[rb.write:], data[:n])
	copy(rb.buffer, data[first:n])
	rb.write = (rb.write + n) % rb.size

	return n
}

// ReadFull reads exactly len(data) bytes, or nothing when fewer are buffered
func (rb *RingBuffer) ReadFull(data []byte) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.available() < len(data) {
		return false
	}
	rb.readLocked(data)
	return true
}

func (rb *RingBuffer) readLocked(data []byte) int {
	n := len(data)
	if avail := rb.available(); n > avail {
		n = avail
	}

	end := rb.read + n
	if end <= rb.size {
		copy(data, rb.buffer[rb.read:end])
	} else {
		first := copy(data, rb.buffer[rb.read:])
		copy(data[first:n], rb.buffer[:n-first])
	}
	rb.read = (rb.read + n) % rb.size

	return n
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.available()
}

func (rb *RingBuffer) available() int {
	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

func (rb *RingBuffer) space() int {
	return rb.size - rb.available() - 1
}

// Clear clears the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.read = 0
	rb.write = 0
}
