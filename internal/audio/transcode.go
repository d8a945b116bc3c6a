// Package audio converts raw PCM16 little-endian buffers between the formats
// spoken by the SFU (48 kHz stereo), the TTS engine (24 kHz mono), and the
// STT engine (16 kHz mono).
package audio

import (
	"encoding/binary"
	"log/slog"
)

// Transcoder performs the PCM conversions for one session. The streaming
// resampler carries state across chunks and is preferred when it initialized
// cleanly; every operation has a scalar fallback that never fails.
type Transcoder struct {
	resampler *Resampler
	log       *slog.Logger
}

// NewTranscoder builds a transcoder for the given fixed resampling ratio.
// A resampler construction error is logged and the transcoder falls back to
// the scalar path permanently; it never blocks session start.
func NewTranscoder(inRate, outRate int, logger *slog.Logger) *Transcoder {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transcoder{log: logger}
	rs, err := NewResampler(1, inRate, outRate)
	if err != nil {
		logger.Warn("resampler init failed, using scalar fallback",
			slog.Int("in_rate", inRate), slog.Int("out_rate", outRate),
			slog.String("error", err.Error()))
		return t
	}
	t.resampler = rs
	return t
}

// Reset drops the resampler's inter-chunk state at the start of a fresh
// media run.
func (t *Transcoder) Reset() {
	if t.resampler != nil {
		t.resampler.Reset()
	}
}

// EnsureEven drops a trailing odd byte so the buffer holds whole PCM16
// samples.
func (t *Transcoder) EnsureEven(buf []byte) []byte {
	if len(buf)%2 == 0 {
		return buf
	}
	t.log.Warn("odd-length PCM buffer, truncating trailing byte", slog.Int("len", len(buf)))
	return buf[:len(buf)-1]
}

// Mono24kToStereo48k is the TTS output path: 24 kHz mono in, 48 kHz stereo
// out.
func (t *Transcoder) Mono24kToStereo48k(buf []byte) []byte {
	buf = t.EnsureEven(buf)
	var mono48k []byte
	if t.resampler != nil {
		out, err := t.resampler.ProcessInterleavedInt(buf)
		if err != nil {
			t.log.Warn("resampler chunk failed, scalar fallback", slog.String("error", err.Error()))
			mono48k = Upsample24kTo48k(buf)
		} else {
			mono48k = out
		}
	} else {
		mono48k = Upsample24kTo48k(buf)
	}
	return MonoToStereo(mono48k)
}

// Stereo48kToMono16k is the microphone path: 48 kHz stereo in, 16 kHz mono
// out.
func (t *Transcoder) Stereo48kToMono16k(buf []byte) []byte {
	buf = t.EnsureEven(buf)
	mono := StereoToMono(buf)
	if t.resampler != nil {
		out, err := t.resampler.ProcessInterleavedInt(mono)
		if err == nil {
			return out
		}
		t.log.Warn("resampler chunk failed, scalar fallback", slog.String("error", err.Error()))
	}
	return Downsample48kTo16k(mono)
}

// StereoToMono averages left and right with rounding toward the nearest
// integer.
func StereoToMono(buf []byte) []byte {
	frames := len(buf) / 4
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		l := int32(int16(binary.LittleEndian.Uint16(buf[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(buf[i*4+2:])))
		sum := l + r
		var avg int32
		if sum >= 0 {
			avg = (sum + 1) / 2
		} else {
			avg = (sum - 1) / 2
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(avg)))
	}
	return out
}

// MonoToStereo duplicates each sample into both channels.
func MonoToStereo(buf []byte) []byte {
	samples := len(buf) / 2
	out := make([]byte, samples*4)
	for i := 0; i < samples; i++ {
		s := buf[i*2 : i*2+2]
		copy(out[i*4:], s)
		copy(out[i*4+2:], s)
	}
	return out
}

// Downsample48kTo16k decimates 3:1, taking every third sample.
func Downsample48kTo16k(mono48k []byte) []byte {
	samples := len(mono48k) / 2
	outSamples := (samples + 2) / 3
	out := make([]byte, outSamples*2)
	for i := 0; i < outSamples; i++ {
		copy(out[i*2:], mono48k[i*6:i*6+2])
	}
	return out
}

// Upsample24kTo48k doubles the rate with linear interpolation midpoints; the
// terminal sample is duplicated since there is no successor to interpolate
// toward.
func Upsample24kTo48k(mono24k []byte) []byte {
	samples := len(mono24k) / 2
	if samples == 0 {
		return nil
	}
	out := make([]byte, samples*4)
	for i := 0; i < samples; i++ {
		cur := int16(binary.LittleEndian.Uint16(mono24k[i*2:]))
		binary.LittleEndian.PutUint16(out[i*4:], uint16(cur))
		var mid int16
		if i+1 < samples {
			next := int16(binary.LittleEndian.Uint16(mono24k[(i+1)*2:]))
			mid = int16((int32(cur) + int32(next)) / 2)
		} else {
			mid = cur
		}
		binary.LittleEndian.PutUint16(out[i*4+2:], uint16(mid))
	}
	return out
}
