package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// TargetSampleRate is the canonical rate consumed by recognition engines.
const TargetSampleRate = 16000

// ErrFormat marks unparseable or undecodable audio input. Callers abort the
// current pass and keep the prior transcript.
var ErrFormat = errors.New("audio: unsupported or corrupt format")

// Resample converts src from srcRate to dstRate using linear interpolation.
// When rates match it returns a copy. The output position i reads fractional
// source position i*srcRate/dstRate, clamping at the last input sample.
func Resample(src []float32, srcRate, dstRate int) []float32 {
	if len(src) == 0 {
		return nil
	}
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		out := make([]float32, len(src))
		copy(out, src)
		return out
	}

	ratio := float64(srcRate) / float64(dstRate)
	outLen := int(math.Round(float64(len(src)) / ratio))
	if outLen <= 0 {
		outLen = 1
	}

	out := make([]float32, outLen)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(src)-1 {
			out[i] = src[len(src)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = src[idx] + (src[idx+1]-src[idx])*frac
	}
	return out
}

// DownmixMono averages interleaved multi-channel samples into one channel.
func DownmixMono(src []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(src))
		copy(out, src)
		return out
	}
	frames := len(src) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += src[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Normalize converts little-endian PCM16 bytes into the canonical engine
// format: mono float32 at TargetSampleRate.
func Normalize(pcm []byte, sampleRate, channels int) ([]float32, error) {
	samples, err := PCM16BytesToFloat32(pcm)
	if err != nil {
		return nil, err
	}
	mono := DownmixMono(samples, channels)
	return Resample(mono, sampleRate, TargetSampleRate), nil
}

// EncodeWAV serializes samples as a canonical 44-byte RIFF/WAVE header
// followed by little-endian PCM16 data. Samples are clamped to [-1, 1] and
// scaled by 32767 (positive) or 32768 (negative).
func EncodeWAV(samples []float32, sampleRate int) []byte {
	dataLen := len(samples) * 2
	buf := make([]byte, 44+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(quantize(s)))
	}
	return buf
}

// DecodeWAV parses a RIFF/WAVE buffer and returns float32 samples plus the
// declared sample rate. Chunks are located by scanning id + size headers; the
// data chunk's declared size is authoritative but never read past the buffer.
func DecodeWAV(data []byte) ([]float32, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%w: missing RIFF header", ErrFormat)
	}

	sampleRate := 0
	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return nil, 0, fmt.Errorf("%w: truncated fmt chunk", ErrFormat)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if format != 1 || bits != 16 {
				return nil, 0, fmt.Errorf("%w: only PCM16 supported (format=%d bits=%d)", ErrFormat, format, bits)
			}
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
		case "data":
			if sampleRate == 0 {
				return nil, 0, fmt.Errorf("%w: data chunk before fmt chunk", ErrFormat)
			}
			end := body + size
			if end > len(data) {
				end = len(data)
			}
			samples, err := PCM16BytesToFloat32(data[body:end])
			if err != nil {
				return nil, 0, err
			}
			return samples, sampleRate, nil
		}

		// Chunk bodies are word aligned.
		offset = body + size
		if size%2 == 1 {
			offset++
		}
	}
	return nil, 0, fmt.Errorf("%w: no data chunk found", ErrFormat)
}

// Float32ToPCM16Bytes encodes samples as little-endian PCM16 using the same
// clamping and scaling as EncodeWAV.
func Float32ToPCM16Bytes(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

// PCM16BytesToFloat32 decodes little-endian PCM16 bytes with the inverse of
// the encode scaling.
func PCM16BytesToFloat32(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("%w: pcm payload not sample aligned", ErrFormat)
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if v >= 0 {
			out[i] = float32(v) / 32767
		} else {
			out[i] = float32(v) / 32768
		}
	}
	return out, nil
}

func quantize(s float32) int16 {
	if s > 1 {
		s = 1
	}
	if s < -1 {
		s = -1
	}
	if s >= 0 {
		return int16(math.Round(float64(s) * 32767))
	}
	return int16(math.Round(float64(s) * 32768))
}
