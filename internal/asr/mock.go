package asr

import (
	"context"
	"fmt"
	"time"

	"github.com/murmurlabs/murmur-core/internal/audio"
)

type mockEngine struct{}

// NewMockEngine returns a deterministic engine for tests and dry runs. It
// reports one pseudo-word per half second of non-silent audio and an empty
// transcript for silence.
func NewMockEngine() Engine {
	return &mockEngine{}
}

func (m *mockEngine) Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	duration := time.Duration(float64(len(samples)) / float64(audio.TargetSampleRate) * float64(time.Second))

	if silent(samples) {
		return Result{Duration: duration, Language: opts.Language}, nil
	}

	words := int(duration / (500 * time.Millisecond))
	if words == 0 {
		words = 1
	}
	text := ""
	var segments []Segment
	for i := 0; i < words; i++ {
		if i > 0 {
			text += " "
		}
		word := fmt.Sprintf("word%d", i+1)
		text += word
		segments = append(segments, Segment{
			Start: time.Duration(i) * 500 * time.Millisecond,
			End:   time.Duration(i+1) * 500 * time.Millisecond,
			Text:  word,
		})
	}
	return Result{Text: text, Language: opts.Language, Duration: duration, Segments: segments}, nil
}

func (m *mockEngine) Close() error { return nil }

func silent(samples []float32) bool {
	for _, s := range samples {
		if s > 0.001 || s < -0.001 {
			return false
		}
	}
	return true
}
