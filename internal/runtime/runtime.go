package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murmurlabs/murmur-core/internal/asr"
	"github.com/murmurlabs/murmur-core/internal/asrworker"
	"github.com/murmurlabs/murmur-core/internal/bus"
	"github.com/murmurlabs/murmur-core/internal/capability"
	"github.com/murmurlabs/murmur-core/internal/capture"
	"github.com/murmurlabs/murmur-core/internal/config"
	"github.com/murmurlabs/murmur-core/internal/dictation"
	"github.com/murmurlabs/murmur-core/internal/natsserver"
	"github.com/murmurlabs/murmur-core/internal/sessionstore"
)

// Runtime owns the daemon's lifecycle: telemetry, the message bus, the
// session store, and the dictation and worker services built on top.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded  *natsserver.EmbeddedServer
	busClient *bus.Client
	store     *sessionstore.Store
	registry  *capability.Registry
	dictation *dictation.Service
	worker    *asrworker.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		r.shutdownServices()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = busClient

	store, err := sessionstore.Open(ctx, r.cfg.SessionStore, r.logger)
	if err != nil {
		r.shutdownServices()
		return fmt.Errorf("failed to open session store: %w", err)
	}
	r.store = store

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, busClient, r.logger)
	if err != nil {
		r.shutdownServices()
		return fmt.Errorf("failed to start capability registry: %w", err)
	}
	r.registry = registry

	if err := r.startServices(ctx); err != nil {
		r.shutdownServices()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.shutdownServices()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	var loader *asr.Loader
	if r.cfg.ASR.ModelDir != "" {
		loader = asr.NewLoader(r.cfg.ASR.ModelDir, r.logger)
	}

	engine, err := r.buildEngine(ctx, loader)
	if err != nil {
		return fmt.Errorf("failed to build recognition engine: %w", err)
	}
	client := asr.NewClient(engine)

	if r.cfg.Dictation.Enabled {
		svc := dictation.NewService(ctx, r.cfg.Dictation, r.cfg.ASR, r.busClient, client, r.logger).
			WithStore(r.store)
		if r.cfg.ASR.AutoDownload && loader != nil {
			svc.WithLoader(loader)
		}
		if r.cfg.ASR.Mode == "remote" {
			svc.WithWorkerDirectory(r.registry)
		}
		source, err := r.buildCaptureSource()
		if err != nil {
			return fmt.Errorf("failed to build capture source: %w", err)
		}
		if source != nil {
			svc.WithCaptureSource(source)
		}
		if err := svc.Start(); err != nil {
			return fmt.Errorf("failed to start dictation service: %w", err)
		}
		r.dictation = svc
	}

	if r.cfg.Worker.Enabled {
		worker := asrworker.NewService(ctx, r.cfg.Worker, r.cfg.ASR, r.busClient, client, r.logger)
		if r.cfg.ASR.AutoDownload && loader != nil {
			worker.WithLoader(loader)
		}
		if err := worker.Start(); err != nil {
			return fmt.Errorf("failed to start asr worker: %w", err)
		}
		r.worker = worker
	}

	return nil
}

// buildEngine constructs the recognition backend for the configured mode.
// For the in-process whisper backend the model must be on disk before the
// engine exists, so auto-download blocks startup here.
func (r *Runtime) buildEngine(ctx context.Context, loader *asr.Loader) (asr.Engine, error) {
	switch r.cfg.ASR.Mode {
	case "mock":
		return asr.NewMockEngine(), nil
	case "exec":
		return asr.NewExecEngine(r.cfg.ASR)
	case "server":
		return asr.NewServerEngine(r.cfg.ASR.Endpoint, r.cfg.ASR.Model), nil
	case "remote":
		return asr.NewRemoteEngine(r.busClient, r.cfg.ASR, r.logger), nil
	case "whispercpp":
		if loader == nil {
			return nil, fmt.Errorf("whispercpp mode requires asr.model_dir")
		}
		modelPath := loader.ModelPath(r.cfg.ASR.Model)
		if r.cfg.ASR.AutoDownload {
			path, err := loader.EnsureModel(ctx, r.cfg.ASR.Model, loader.Begin(), func(percent int) {
				r.logger.Info("downloading model",
					slog.String("model", r.cfg.ASR.Model),
					slog.Int("percent", percent))
			})
			if err != nil {
				return nil, err
			}
			modelPath = path
		}
		return asr.NewWhisperEngine(modelPath)
	default:
		return nil, fmt.Errorf("unknown asr mode %q", r.cfg.ASR.Mode)
	}
}

func (r *Runtime) buildCaptureSource() (capture.Source, error) {
	switch r.cfg.Capture.Mode {
	case "mock":
		source := capture.NewMockSource(r.cfg.Capture.SampleRate, r.cfg.Capture.Channels, r.cfg.Capture.FrameDurationMS)
		source.Realtime = true
		source.Amplitude = 0.1
		return source, nil
	case "exec":
		return capture.NewExecSource(r.cfg.Capture)
	case "none", "":
		// Bus-fed sessions only; chunks arrive on the audio subjects.
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q", r.cfg.Capture.Mode)
	}
}

func (r *Runtime) shutdownServices() {
	if r.worker != nil {
		r.worker.Close()
	}
	if r.dictation != nil {
		r.dictation.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("session store close error", slog.String("error", err.Error()))
		}
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
}

func (r *Runtime) healthy() bool {
	if r.busClient != nil && !r.busClient.Healthy() {
		return false
	}
	if r.dictation != nil && !r.dictation.Healthy() {
		return false
	}
	if r.worker != nil && !r.worker.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !r.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
