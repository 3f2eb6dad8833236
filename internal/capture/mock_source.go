package capture

import (
	"context"
	"math"
	"time"

	"github.com/murmurlabs/murmur-core/internal/audio"
)

// MockSource emits deterministic tone or silence chunks. Used for tests and
// for running the pipeline without a microphone.
type MockSource struct {
	SampleRate    int
	Channels      int
	FrameDuration time.Duration
	Frames        int
	// Amplitude of the generated 440 Hz tone; zero produces silence.
	Amplitude float32
	// Realtime paces chunk emission at FrameDuration intervals.
	Realtime bool
}

func NewMockSource(sampleRate, channels, frameDurationMS int) *MockSource {
	return &MockSource{
		SampleRate:    sampleRate,
		Channels:      channels,
		FrameDuration: time.Duration(frameDurationMS) * time.Millisecond,
		Frames:        4,
	}
}

func (m *MockSource) Record(ctx context.Context, sessionID string) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		samplesPerFrame := int(float64(m.SampleRate) * m.FrameDuration.Seconds())
		if samplesPerFrame <= 0 {
			samplesPerFrame = m.SampleRate / 4
		}

		phase := 0
		for seq := 0; seq < m.Frames; seq++ {
			if m.Realtime && seq > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(m.FrameDuration):
				}
			}
			final := seq == m.Frames-1
			if ctx.Err() != nil {
				final = true
			}

			frame := make([]float32, samplesPerFrame*m.Channels)
			if m.Amplitude != 0 {
				for i := 0; i < samplesPerFrame; i++ {
					v := m.Amplitude * float32(math.Sin(2*math.Pi*440*float64(phase)/float64(m.SampleRate)))
					for c := 0; c < m.Channels; c++ {
						frame[i*m.Channels+c] = v
					}
					phase++
				}
			}

			select {
			case chunks <- Chunk{
				SessionID:  sessionID,
				Sequence:   seq,
				SampleRate: m.SampleRate,
				Channels:   m.Channels,
				PCM:        audio.Float32ToPCM16Bytes(frame),
				CapturedAt: time.Now().UTC(),
				Final:      final,
			}:
			case <-ctx.Done():
				return
			}
			if final {
				return
			}
		}
	}()

	return chunks, errs
}
