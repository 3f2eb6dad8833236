//go:build cgo

package asr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/murmurlabs/murmur-core/internal/audio"
)

// whisperEngine runs recognition in process through the whisper.cpp
// bindings. The model handle is owned exclusively by this engine and guarded
// against reentrant use.
type whisperEngine struct {
	mu    sync.Mutex
	model whisper.Model
}

func NewWhisperEngine(modelPath string) (Engine, error) {
	path := strings.TrimSpace(modelPath)
	if path == "" {
		return nil, errors.New("whisper model path is required")
	}
	model, err := whisper.New(path)
	if err != nil {
		return nil, fmt.Errorf("load whisper model: %w", err)
	}
	return &whisperEngine{model: model}, nil
}

func (e *whisperEngine) Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return Result{}, errors.New("whisper engine closed")
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	processed := audio.Resample(samples, audio.TargetSampleRate, int(whisper.SampleRate))

	wctx, err := e.model.NewContext()
	if err != nil {
		return Result{}, fmt.Errorf("create whisper context: %w", err)
	}

	threads := opts.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	wctx.SetThreads(uint(threads))

	language := strings.TrimSpace(opts.Language)
	if language == "" {
		language = "auto"
	}
	if err := wctx.SetLanguage(language); err != nil {
		return Result{}, err
	}
	wctx.SetTranslate(opts.Task == "translate")
	if hint := strings.TrimSpace(opts.VocabHint); hint != "" {
		wctx.SetInitialPrompt(hint)
	}

	encoderCb := func() bool {
		return ctx.Err() == nil
	}
	if err := wctx.Process(processed, encoderCb, nil, nil); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var builder strings.Builder
	var segments []Segment
	for {
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, err
		}
		text := strings.TrimSpace(seg.Text)
		segments = append(segments, Segment{Start: seg.Start, End: seg.End, Text: text})
		if builder.Len() > 0 {
			builder.WriteByte(' ')
		}
		builder.WriteString(text)
	}

	detected := wctx.DetectedLanguage()
	if detected == "" {
		detected = language
	}
	return Result{
		Text:     builder.String(),
		Language: detected,
		Duration: time.Duration(float64(len(samples)) / float64(audio.TargetSampleRate) * float64(time.Second)),
		Segments: segments,
	}, nil
}

func (e *whisperEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil
	}
	err := e.model.Close()
	e.model = nil
	return err
}
