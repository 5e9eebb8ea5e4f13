package audio

import "fmt"

// Supported inbound encodings
const (
	EncodingLinear16 = "linear16"
	EncodingMulaw    = "mulaw"
)

// Normalizer converts inbound audio payloads into 16-bit linear PCM at a
// fixed target rate. It is not safe for concurrent use; each session owns one.
type Normalizer struct {
	encoding   string
	inputRate  int
	outputRate int

	// odd trailing byte of a linear16 payload, carried into the next call
	pending    byte
	hasPending bool
}

// NewNormalizer creates a normalizer for the given inbound format
func NewNormalizer(encoding string, inputRate, outputRate int) (*Normalizer, error) {
	if encoding == "" {
		encoding = EncodingLinear16
	}
	if encoding != EncodingLinear16 && encoding != EncodingMulaw {
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive (in=%d, out=%d)", inputRate, outputRate)
	}

	return &Normalizer{
		encoding:   encoding,
		inputRate:  inputRate,
		outputRate: outputRate,
	}, nil
}

// Passthrough reports whether payloads are forwarded without conversion
func (n *Normalizer) Passthrough() bool {
	return n.encoding == EncodingLinear16 && n.inputRate == n.outputRate
}

// Normalize converts one payload. The returned slice may be empty when the
// payload held only half a sample.
func (n *Normalizer) Normalize(payload []byte) ([]byte, error) {
	var pcm []byte

	switch n.encoding {
	case EncodingMulaw:
		pcm = DecodeMulaw(payload)
	default:
		pcm = n.alignSamples(payload)
	}

	if n.inputRate == n.outputRate || len(pcm) == 0 {
		return pcm, nil
	}

	samples, err := BytesToSamples(pcm)
	if err != nil {
		return nil, err
	}
	return SamplesToBytes(Resample(samples, n.inputRate, n.outputRate)), nil
}

// alignSamples keeps linear16 output on a 2-byte boundary across payloads
func (n *Normalizer) alignSamples(payload []byte) []byte {
	if !n.hasPending && len(payload)%2 == 0 {
		return payload
	}

	buf := make([]byte, 0, len(payload)+1)
	if n.hasPending {
		buf = append(buf, n.pending)
		n.hasPending = false
	}
	buf = append(buf, payload...)

	if len(buf)%2 != 0 {
		n.pending = buf[len(buf)-1]
		n.hasPending = true
		buf = buf[:len(buf)-1]
	}
	return buf
}
