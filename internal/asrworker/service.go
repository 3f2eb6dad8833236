package asrworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murmurlabs/murmur-core/internal/asr"
	"github.com/murmurlabs/murmur-core/internal/audio"
	"github.com/murmurlabs/murmur-core/internal/bus"
	"github.com/murmurlabs/murmur-core/internal/config"
	"github.com/murmurlabs/murmur-core/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Service answers transcription requests from the bus. Each request gets a
// response sequence on its own correlation subject: initiate, optional
// progress while the model loads, ready, update per segment, then complete
// or error. Requests arriving while one is being served are refused.
type Service struct {
	cfg     config.WorkerConfig
	asrCfg  config.ASRConfig
	bus     *bus.Client
	client  *asr.Client
	loader  *asr.Loader
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	sub     *nats.Subscription
	wg      sync.WaitGroup
	ready   bool
	busy    atomic.Bool
	counter metric.Int64Counter
}

func NewService(parent context.Context, cfg config.WorkerConfig, asrCfg config.ASRConfig, busClient *bus.Client, client *asr.Client, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:    cfg,
		asrCfg: asrCfg,
		bus:    busClient,
		client: client,
		log:    log.With(slog.String("component", "asr-worker")),
		ctx:    ctx,
		cancel: cancel,
	}
	meter := otel.Meter("github.com/murmurlabs/murmur-core/asrworker")
	if counter, err := meter.Int64Counter("murmur.worker.requests",
		metric.WithDescription("Transcription requests handled")); err == nil {
		s.counter = counter
	}
	return s
}

// WithLoader makes the worker ensure the requested model is on disk before
// serving, reporting download progress in the response stream.
func (s *Service) WithLoader(loader *asr.Loader) *Service {
	s.loader = loader
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectASRRequest, "asr-workers", s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe transcribe requests: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TranscribeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("invalid transcribe request", slogError(err))
		return
	}
	if req.CorrelationID == "" {
		s.log.Warn("transcribe request without correlation id")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(req)
	}()
}

func (s *Service) serve(req protocol.TranscribeRequest) {
	// One request at a time; a concurrent load would invalidate the
	// generation of the one already running.
	if !s.busy.CompareAndSwap(false, true) {
		s.respond(req.CorrelationID, protocol.TranscribeResponse{
			Status: protocol.StatusError,
			Error:  "worker busy",
		})
		return
	}
	defer s.busy.Store(false)

	if s.counter != nil {
		s.counter.Add(s.ctx, 1)
	}
	s.respond(req.CorrelationID, protocol.TranscribeResponse{Status: protocol.StatusInitiate})

	if s.loader != nil {
		model := req.Model
		if model == "" {
			model = s.asrCfg.Model
		}
		generation := s.loader.Begin()
		_, err := s.loader.EnsureModel(s.ctx, model, generation, func(percent int) {
			s.respond(req.CorrelationID, protocol.TranscribeResponse{
				Status:   protocol.StatusProgress,
				Progress: percent,
			})
		})
		if err != nil {
			s.respond(req.CorrelationID, protocol.TranscribeResponse{
				Status: protocol.StatusError,
				Error:  err.Error(),
			})
			return
		}
	}

	samples, rate, err := audio.DecodeWAV(req.Audio)
	if err != nil {
		s.respond(req.CorrelationID, protocol.TranscribeResponse{
			Status: protocol.StatusError,
			Error:  fmt.Sprintf("decode request audio: %v", err),
		})
		return
	}
	samples = audio.Resample(samples, rate, audio.TargetSampleRate)

	s.respond(req.CorrelationID, protocol.TranscribeResponse{Status: protocol.StatusReady})

	timeout := time.Duration(s.asrCfg.RequestTimeMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	opts := asr.OptionsFromConfig(s.asrCfg)
	if req.Language != "" {
		opts.Language = req.Language
	}
	if req.Task != "" {
		opts.Task = req.Task
	}
	if req.ChunkLengthS > 0 {
		opts.ChunkLengthS = req.ChunkLengthS
	}
	if req.StrideLengthS > 0 {
		opts.StrideLengthS = req.StrideLengthS
	}
	if req.VocabHint != "" {
		opts.VocabHint = req.VocabHint
	}

	result, err := s.client.Transcribe(ctx, samples, opts)
	if err != nil {
		s.respond(req.CorrelationID, protocol.TranscribeResponse{
			Status: protocol.StatusError,
			Error:  err.Error(),
		})
		return
	}

	for _, segment := range result.Segments {
		s.respond(req.CorrelationID, protocol.TranscribeResponse{
			Status: protocol.StatusUpdate,
			Text:   segment.Text,
		})
	}
	s.respond(req.CorrelationID, protocol.TranscribeResponse{
		Status:    protocol.StatusComplete,
		Text:      result.Text,
		Language:  result.Language,
		DurationS: result.Duration.Seconds(),
	})
}

func (s *Service) respond(correlationID string, resp protocol.TranscribeResponse) {
	resp.CorrelationID = correlationID
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Warn("failed to marshal worker response", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.ASRResponseSubject(correlationID), data); err != nil {
		s.log.Warn("failed to publish worker response", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
