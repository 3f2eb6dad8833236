package asr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/murmurlabs/murmur-core/internal/audio"
	"github.com/murmurlabs/murmur-core/internal/bus"
	"github.com/murmurlabs/murmur-core/internal/config"
	"github.com/murmurlabs/murmur-core/internal/protocol"
	"github.com/nats-io/nats.go"
)

// RemoteEngine delegates recognition to an out-of-process worker over the
// bus. Audio crosses the boundary as canonical PCM16 WAV; responses are
// matched back by correlation ID.
type RemoteEngine struct {
	bus *bus.Client
	cfg config.ASRConfig
	log *slog.Logger
}

func NewRemoteEngine(busClient *bus.Client, cfg config.ASRConfig, log *slog.Logger) *RemoteEngine {
	return &RemoteEngine{
		bus: busClient,
		cfg: cfg,
		log: log.With(slog.String("component", "asr-remote")),
	}
}

func (e *RemoteEngine) Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error) {
	correlationID := uuid.NewString()

	inbox := make(chan protocol.TranscribeResponse, 16)
	sub, err := e.bus.Conn().Subscribe(protocol.ASRResponseSubject(correlationID), func(msg *nats.Msg) {
		var resp protocol.TranscribeResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			e.log.Warn("invalid worker response", slog.String("error", err.Error()))
			return
		}
		if resp.CorrelationID != correlationID {
			return
		}
		select {
		case inbox <- resp:
		default:
			e.log.Warn("worker response dropped, inbox full", slog.String("correlation_id", correlationID))
		}
	})
	if err != nil {
		return Result{}, fmt.Errorf("subscribe worker responses: %w", err)
	}
	defer sub.Unsubscribe()

	req := protocol.TranscribeRequest{
		Command:       "transcribe",
		CorrelationID: correlationID,
		Audio:         audio.EncodeWAV(samples, audio.TargetSampleRate),
		SampleRate:    audio.TargetSampleRate,
		Model:         e.cfg.Model,
		Language:      opts.Language,
		Task:          opts.Task,
		ChunkLengthS:  opts.ChunkLengthS,
		StrideLengthS: opts.StrideLengthS,
		VocabHint:     opts.VocabHint,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	if err := e.bus.Conn().Publish(protocol.SubjectASRRequest, payload); err != nil {
		return Result{}, fmt.Errorf("publish transcribe request: %w", err)
	}

	var parts []string
	result := Result{}
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case resp := <-inbox:
			switch resp.Status {
			case protocol.StatusInitiate, protocol.StatusReady:
				// lifecycle markers, nothing to collect
			case protocol.StatusProgress:
				e.log.Debug("worker load progress",
					slog.String("correlation_id", correlationID),
					slog.Int("percent", resp.Progress))
			case protocol.StatusUpdate:
				if text := strings.TrimSpace(resp.Text); text != "" {
					parts = append(parts, text)
				}
			case protocol.StatusComplete:
				result.Language = resp.Language
				result.Duration = time.Duration(resp.DurationS * float64(time.Second))
				if text := strings.TrimSpace(resp.Text); text != "" {
					result.Text = text
				} else {
					result.Text = strings.Join(parts, " ")
				}
				return result, nil
			case protocol.StatusError:
				return Result{}, errors.New(resp.Error)
			default:
				e.log.Warn("unknown worker status", slog.String("status", resp.Status))
			}
		}
	}
}

func (e *RemoteEngine) Close() error { return nil }
