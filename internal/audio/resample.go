package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Resampler is a stateful streaming PCM16 rate converter for a fixed
// channel count and rate pair. It keeps the tail sample of the previous
// chunk so interpolation is continuous across chunk boundaries, which the
// stateless scalar helpers cannot provide.
//
// Only the two ratios the service needs are supported: 24k->48k (TTS) and
// 48k->16k (STT capture).
type Resampler struct {
	channels int
	inRate   int
	outRate  int

	// carry is the last input sample of the previous chunk, used as the
	// interpolation anchor for the first output of the next chunk.
	carry    int16
	hasCarry bool
	// phase counts input samples modulo the decimation factor for
	// integer downsampling.
	phase int
}

var ErrUnsupportedRatio = errors.New("audio: unsupported resample ratio")

// NewResampler validates the ratio and returns a fresh converter. Callers
// must treat an error as "use the scalar fallback", never as fatal.
func NewResampler(channels, inRate, outRate int) (*Resampler, error) {
	if channels != 1 {
		return nil, fmt.Errorf("audio: %d channels: %w", channels, ErrUnsupportedRatio)
	}
	switch {
	case inRate == 24000 && outRate == 48000:
	case inRate == 48000 && outRate == 16000:
	default:
		return nil, fmt.Errorf("audio: %d->%d: %w", inRate, outRate, ErrUnsupportedRatio)
	}
	return &Resampler{channels: channels, inRate: inRate, outRate: outRate}, nil
}

// ProcessInterleavedInt converts one chunk and returns a freshly allocated
// buffer. A non-nil error means the chunk produced no output and the caller
// should run the scalar fallback for it.
func (r *Resampler) ProcessInterleavedInt(input []byte) ([]byte, error) {
	if len(input)%2 != 0 {
		return nil, errors.New("audio: input is not whole PCM16 samples")
	}
	if r.inRate == 24000 {
		return r.upsampleDouble(input), nil
	}
	return r.decimateThird(input), nil
}

// Reset drops inter-chunk state, e.g. when a fresh media run starts.
func (r *Resampler) Reset() {
	r.carry = 0
	r.hasCarry = false
	r.phase = 0
}

func (r *Resampler) upsampleDouble(input []byte) []byte {
	samples := len(input) / 2
	if samples == 0 {
		return nil
	}
	out := make([]byte, 0, samples*4)
	prev := r.carry
	havePrev := r.hasCarry
	var scratch [2]byte
	put := func(s int16) {
		binary.LittleEndian.PutUint16(scratch[:], uint16(s))
		out = append(out, scratch[0], scratch[1])
	}
	for i := 0; i < samples; i++ {
		cur := int16(binary.LittleEndian.Uint16(input[i*2:]))
		if havePrev {
			put(int16((int32(prev) + int32(cur)) / 2))
		} else {
			// First sample ever: no anchor, emit it twice.
			put(cur)
			havePrev = true
		}
		put(cur)
		prev = cur
	}
	r.carry = prev
	r.hasCarry = true
	return out
}

func (r *Resampler) decimateThird(input []byte) []byte {
	samples := len(input) / 2
	out := make([]byte, 0, (samples/3+1)*2)
	for i := 0; i < samples; i++ {
		if r.phase == 0 {
			out = append(out, input[i*2], input[i*2+1])
		}
		r.phase++
		if r.phase == 3 {
			r.phase = 0
		}
	}
	return out
}
