package asr

import (
	"context"
	"errors"
	"time"

	"github.com/murmurlabs/murmur-core/internal/config"
)

// ErrInference marks a recognition engine failure during load or
// transcription. Surfaced as a status; the prior transcript is preserved and
// the call is never retried automatically.
var ErrInference = errors.New("asr: inference failed")

// ErrBusy is returned when a Transcribe call arrives while another is still
// in flight on the same client. The engine holds mutable decode state, so
// overlapping calls are dropped rather than run concurrently.
var ErrBusy = errors.New("asr: transcription already in flight")

// ErrStaleLoad marks a superseded model load completing late. Discarded
// silently, never user-visible.
var ErrStaleLoad = errors.New("asr: model load superseded")

// Options tune a single recognition pass.
type Options struct {
	Language      string
	Task          string // transcribe or translate
	ChunkLengthS  float64
	StrideLengthS float64
	// VocabHint is appended to the model's conditioning context to bias
	// decoding toward domain vocabulary.
	VocabHint string
	Threads   int
}

// Segment is a timed span of recognized text.
type Segment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Result is the outcome of one recognition pass over a buffer.
type Result struct {
	Text     string
	Language string
	Duration time.Duration
	Segments []Segment
}

// Engine converts normalized audio (mono float32 at audio.TargetSampleRate)
// into text. Implementations own their model handle exclusively and must not
// be invoked reentrantly; Client enforces that for callers.
type Engine interface {
	Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error)
	Close() error
}

// OptionsFromConfig builds per-pass defaults from runtime config.
func OptionsFromConfig(cfg config.ASRConfig) Options {
	return Options{
		Language:      cfg.Language,
		Task:          cfg.Task,
		ChunkLengthS:  cfg.ChunkLengthS,
		StrideLengthS: cfg.StrideLengthS,
		VocabHint:     cfg.VocabHint,
		Threads:       cfg.Threads,
	}
}
