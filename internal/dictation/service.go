package dictation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murmurlabs/murmur-core/internal/asr"
	"github.com/murmurlabs/murmur-core/internal/audio"
	"github.com/murmurlabs/murmur-core/internal/bus"
	"github.com/murmurlabs/murmur-core/internal/capture"
	"github.com/murmurlabs/murmur-core/internal/config"
	"github.com/murmurlabs/murmur-core/internal/protocol"
	"github.com/murmurlabs/murmur-core/internal/sessionstore"
	"github.com/murmurlabs/murmur-core/internal/transcript"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WorkerDirectory answers whether any node on the bus can currently serve
// transcription requests.
type WorkerDirectory interface {
	TranscribersAvailable() bool
}

// Service drives dictation sessions: it consumes control commands and audio
// chunks from the bus, runs recognition passes through a single serialized
// client, and publishes assembled transcripts and session state.
type Service struct {
	cfg      config.DictationConfig
	asrCfg   config.ASRConfig
	bus      *bus.Client
	client   *asr.Client
	loader   *asr.Loader
	source   capture.Source
	store    *sessionstore.Store
	workers  WorkerDirectory
	log      *slog.Logger
	sessions map[string]*sessionState
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	subs     []*nats.Subscription
	wg       sync.WaitGroup
	ready    bool

	modelReady atomic.Bool
	loadErr    atomic.Value // string

	passCounter  metric.Int64Counter
	errorCounter metric.Int64Counter
}

type sessionState struct {
	Assembler     *transcript.Assembler
	Samples       []float32
	LastPartial   time.Time
	Inflight      bool
	PendingFinal  bool
	CaptureCancel context.CancelFunc
}

func NewService(parent context.Context, cfg config.DictationConfig, asrCfg config.ASRConfig, busClient *bus.Client, client *asr.Client, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:      cfg,
		asrCfg:   asrCfg,
		bus:      busClient,
		client:   client,
		log:      log.With(slog.String("component", "dictation")),
		sessions: make(map[string]*sessionState),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.modelReady.Store(true)
	s.initMetrics()
	return s
}

// WithLoader makes the service download the configured model before serving
// passes. Sessions started while the download runs report loading progress.
func (s *Service) WithLoader(loader *asr.Loader) *Service {
	s.loader = loader
	if loader != nil {
		s.modelReady.Store(false)
	}
	return s
}

// WithCaptureSource attaches a local capture source that is started and
// stopped with each session.
func (s *Service) WithCaptureSource(source capture.Source) *Service {
	s.source = source
	return s
}

// WithStore persists sessions and transcript revisions.
func (s *Service) WithStore(store *sessionstore.Store) *Service {
	s.store = store
	return s
}

// WithWorkerDirectory gates remote passes on worker presence.
func (s *Service) WithWorkerDirectory(workers WorkerDirectory) *Service {
	s.workers = workers
	return s
}

func (s *Service) initMetrics() {
	meter := otel.Meter("github.com/murmurlabs/murmur-core/dictation")
	if counter, err := meter.Int64Counter("murmur.dictation.passes",
		metric.WithDescription("Recognition passes executed")); err == nil {
		s.passCounter = counter
	}
	if counter, err := meter.Int64Counter("murmur.dictation.errors",
		metric.WithDescription("Recognition passes that failed")); err == nil {
		s.errorCounter = counter
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	controlSub, err := s.bus.Conn().Subscribe(protocol.SubjectSessionControl, s.handleControl)
	if err != nil {
		return fmt.Errorf("subscribe session control: %w", err)
	}
	s.subs = append(s.subs, controlSub)

	audioSub, err := s.bus.Conn().Subscribe(protocol.SubjectAudioChunkPrefix+".>", s.handleChunk)
	if err != nil {
		return fmt.Errorf("subscribe audio chunks: %w", err)
	}
	s.subs = append(s.subs, audioSub)

	if s.loader != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loadModel(s.asrCfg.Model)
		}()
	}

	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

// loadModel runs one generation-tagged model download. A load superseded by
// a newer one is discarded without publishing anything.
func (s *Service) loadModel(model string) {
	generation := s.loader.Begin()
	s.modelReady.Store(false)
	s.loadErr.Store("")

	_, err := s.loader.EnsureModel(s.ctx, model, generation, func(percent int) {
		s.publishStatus("", protocol.StateLoading, percent, "")
	})
	switch {
	case err == nil:
		s.modelReady.Store(true)
		s.log.Info("model ready", slog.String("model", model))
	case errors.Is(err, asr.ErrStaleLoad):
		s.log.Debug("model load superseded", slog.String("model", model))
	default:
		s.loadErr.Store(err.Error())
		s.publishStatus("", protocol.StateError, 0, err.Error())
		s.log.Error("model load failed", slog.String("model", model), slogError(err))
	}
}

// ReloadModel starts a new load generation, invalidating any in-flight one.
func (s *Service) ReloadModel(model string) {
	if s.loader == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loadModel(model)
	}()
}

func (s *Service) handleControl(msg *nats.Msg) {
	var control protocol.SessionControl
	if err := json.Unmarshal(msg.Data, &control); err != nil {
		s.log.Warn("invalid session control", slogError(err))
		return
	}
	if control.Command == protocol.CommandReload {
		model := control.Model
		if model == "" {
			model = s.asrCfg.Model
		}
		s.ReloadModel(model)
		return
	}
	if control.SessionID == "" {
		return
	}

	switch control.Command {
	case protocol.CommandStart:
		s.startSession(control.SessionID)
	case protocol.CommandStop:
		s.stopSession(control.SessionID)
	case protocol.CommandClear:
		s.clearSession(control.SessionID)
	default:
		s.log.Warn("unknown session command", slog.String("command", control.Command))
	}
}

func (s *Service) startSession(sessionID string) {
	if errText, _ := s.loadErr.Load().(string); errText != "" {
		s.publishStatus(sessionID, protocol.StateError, 0, errText)
		return
	}

	s.mu.Lock()
	if _, exists := s.sessions[sessionID]; exists {
		s.mu.Unlock()
		return
	}
	state := &sessionState{Assembler: transcript.New()}
	state.Assembler.Begin()
	s.sessions[sessionID] = state
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.AppendSession(s.ctx, sessionID, s.asrCfg.Language); err != nil {
			s.log.Warn("failed to persist session", slogError(err))
		}
	}

	if !s.modelReady.Load() {
		s.publishStatus(sessionID, protocol.StateLoading, 0, "")
	} else {
		s.publishStatus(sessionID, protocol.StateRecording, 0, "")
	}

	if s.source != nil {
		s.startCapture(sessionID, state)
	}
}

func (s *Service) startCapture(sessionID string, state *sessionState) {
	captureCtx, captureCancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	state.CaptureCancel = captureCancel
	s.mu.Unlock()

	chunks, errs := s.source.Record(captureCtx, sessionID)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for chunk := range chunks {
			s.ingest(protocol.AudioChunk{
				SessionID:  chunk.SessionID,
				Sequence:   chunk.Sequence,
				SampleRate: chunk.SampleRate,
				Channels:   chunk.Channels,
				PCM:        chunk.PCM,
				CapturedAt: chunk.CapturedAt,
				Final:      chunk.Final,
			})
		}
		if err := <-errs; err != nil {
			if errors.Is(err, capture.ErrPermission) {
				s.publishStatus(sessionID, protocol.StateError, 0, "microphone access denied")
			} else {
				s.publishStatus(sessionID, protocol.StateError, 0, err.Error())
			}
			s.failSession(sessionID)
		}
	}()
}

func (s *Service) stopSession(sessionID string) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	state.Assembler.Finalize()
	captureCancel := state.CaptureCancel
	state.CaptureCancel = nil
	s.mu.Unlock()

	s.publishStatus(sessionID, protocol.StateProcessing, 0, "")

	if captureCancel != nil {
		// The source flushes its remaining audio as a final chunk, which
		// triggers the authoritative pass.
		captureCancel()
		return
	}
	s.scheduleTranscription(sessionID, true)
}

func (s *Service) clearSession(sessionID string) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	state.Assembler.Clear()
	state.Samples = nil
	revision := state.Assembler.Revision()
	s.mu.Unlock()

	s.publishTranscript(sessionID, revision, "", true)
	s.publishStatus(sessionID, protocol.StateIdle, 0, "")
}

func (s *Service) failSession(sessionID string) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state != nil {
		state.Assembler.Fail()
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
}

func (s *Service) handleChunk(msg *nats.Msg) {
	var chunk protocol.AudioChunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		s.log.Warn("invalid audio chunk", slogError(err))
		return
	}
	s.ingest(chunk)
}

func (s *Service) ingest(chunk protocol.AudioChunk) {
	s.mu.Lock()
	state := s.sessions[chunk.SessionID]
	s.mu.Unlock()
	if state == nil {
		return
	}

	if len(chunk.PCM) > 0 {
		samples, err := audio.Normalize(chunk.PCM, chunk.SampleRate, chunk.Channels)
		if err != nil {
			s.publishStatus(chunk.SessionID, protocol.StateError, 0, err.Error())
			s.log.Warn("undecodable audio chunk",
				slog.String("session_id", chunk.SessionID),
				slog.Int("sequence", chunk.Sequence),
				slogError(err))
			return
		}
		s.mu.Lock()
		state.Samples = append(state.Samples, samples...)
		s.mu.Unlock()
	}

	if chunk.Final {
		s.scheduleTranscription(chunk.SessionID, true)
		return
	}
	if s.cfg.PublishPartials && s.shouldSchedulePartial(chunk.SessionID) {
		s.scheduleTranscription(chunk.SessionID, false)
	}
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	if !s.modelReady.Load() {
		return false
	}
	if s.workers != nil && !s.workers.TranscribersAvailable() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.Inflight {
		return false
	}
	if state.LastPartial.IsZero() {
		state.LastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.LastPartial) >= interval {
		state.LastPartial = time.Now()
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.Inflight {
		if final {
			state.PendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	samples := append([]float32(nil), state.Samples...)
	state.Inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runPass(sessionID, samples, final)
	}()
}

func (s *Service) runPass(sessionID string, samples []float32, final bool) {
	timeout := time.Duration(s.asrCfg.RequestTimeMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	if final {
		// The authoritative pass must run; wait out any pass another
		// session still has in flight. If it never frees up within the
		// deadline the session must not hang in processing: release it
		// and surface the failure.
		if !s.waitIdle(ctx) {
			s.finishPass(sessionID, final)
			if s.ctx.Err() == nil {
				if s.errorCounter != nil {
					s.errorCounter.Add(s.ctx, 1)
				}
				s.publishStatus(sessionID, protocol.StateError, 0, "recognition engine unavailable")
				s.log.Warn("final pass abandoned, engine unavailable",
					slog.String("session_id", sessionID))
			}
			return
		}
	}

	if s.passCounter != nil {
		s.passCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("final", final)))
	}

	result, err := s.client.Transcribe(ctx, samples, asr.OptionsFromConfig(s.asrCfg))
	if err != nil {
		s.finishPass(sessionID, final)
		switch {
		case errors.Is(err, asr.ErrBusy):
			s.log.Debug("recognition pass dropped, engine busy",
				slog.String("session_id", sessionID))
		case errors.Is(err, context.Canceled):
		default:
			if s.errorCounter != nil {
				s.errorCounter.Add(ctx, 1)
			}
			s.publishStatus(sessionID, protocol.StateError, 0, err.Error())
			s.log.Warn("recognition pass failed",
				slog.String("session_id", sessionID), slogError(err))
			if final {
				s.failSession(sessionID)
			}
		}
		return
	}

	s.applyResult(sessionID, result.Text, final)
	s.finishPass(sessionID, final)
}

func (s *Service) waitIdle(ctx context.Context) bool {
	for s.client.Busy() {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
	return true
}

// applyResult merges a pass result into the session transcript. Every pass
// decodes the whole buffered session, so partials replace from the start.
func (s *Service) applyResult(sessionID, text string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	changed := state.Assembler.Apply(transcript.Update{Text: text, FromStart: true, Final: final})
	revision := state.Assembler.Revision()
	assembled := state.Assembler.Text()
	s.mu.Unlock()

	if changed || final {
		s.publishTranscript(sessionID, revision, assembled, !final)
		if s.store != nil {
			err := s.store.AppendRevision(s.ctx, sessionstore.Revision{
				SessionID: sessionID,
				Revision:  revision,
				Text:      assembled,
				Final:     final,
			})
			if err != nil {
				s.log.Warn("failed to persist revision", slogError(err))
			}
		}
	}
	if final {
		s.publishStatus(sessionID, protocol.StateReady, 0, "")
	}
}

func (s *Service) finishPass(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	var pendingFinal bool
	if state != nil {
		state.Inflight = false
		pendingFinal = state.PendingFinal
		state.PendingFinal = false
		if !final {
			state.LastPartial = time.Now()
		}
		if final {
			delete(s.sessions, sessionID)
		}
	}
	s.mu.Unlock()

	if pendingFinal && !final {
		s.scheduleTranscription(sessionID, true)
	}
}

func (s *Service) publishTranscript(sessionID string, revision int, text string, partial bool) {
	subject := protocol.SubjectTranscriptPartial
	if !partial {
		subject = protocol.SubjectTranscriptFinal
	}
	update := protocol.TranscriptUpdate{
		SessionID: sessionID,
		Revision:  revision,
		Text:      text,
		Partial:   partial,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(update)
	if err != nil {
		s.log.Warn("failed to marshal transcript update", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.log.Warn("failed to publish transcript update", slogError(err))
	}
}

func (s *Service) publishStatus(sessionID, state string, progress int, errText string) {
	status := protocol.SessionStatus{
		SessionID: sessionID,
		State:     state,
		Progress:  progress,
		Error:     errText,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(status)
	if err != nil {
		s.log.Warn("failed to marshal session status", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSessionStatus, data); err != nil {
		s.log.Warn("failed to publish session status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
