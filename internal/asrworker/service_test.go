package asrworker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/murmurlabs/murmur-core/internal/asr"
	"github.com/murmurlabs/murmur-core/internal/audio"
	"github.com/murmurlabs/murmur-core/internal/bus"
	"github.com/murmurlabs/murmur-core/internal/config"
	"github.com/murmurlabs/murmur-core/internal/protocol"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startTestBus(t *testing.T) *bus.Client {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{ns.ClientURL()},
		ConnectTimeout: 2000,
	}, testLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestWorkerRoundTrip(t *testing.T) {
	busClient := startTestBus(t)

	asrCfg := config.ASRConfig{Mode: "mock", RequestTimeMS: 5000}
	worker := NewService(context.Background(), config.WorkerConfig{Enabled: true},
		asrCfg, busClient, asr.NewClient(asr.NewMockEngine()), testLogger())
	if err := worker.Start(); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	t.Cleanup(worker.Close)

	// The remote engine is the other half of the boundary; driving the
	// worker through it exercises the full correlation round trip.
	remote := asr.NewRemoteEngine(busClient, asrCfg, testLogger())
	samples := make([]float32, 16000)
	for i := range samples {
		samples[i] = 0.1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := remote.Transcribe(ctx, samples, asr.Options{})
	if err != nil {
		t.Fatalf("remote transcribe: %v", err)
	}
	if result.Text != "word1 word2" {
		t.Fatalf("unexpected transcript %q", result.Text)
	}
}

// gatedEngine blocks every Transcribe call until it is released.
type gatedEngine struct {
	started chan struct{}
	release chan struct{}
}

func (e *gatedEngine) Transcribe(ctx context.Context, samples []float32, opts asr.Options) (asr.Result, error) {
	select {
	case e.started <- struct{}{}:
	default:
	}
	<-e.release
	return asr.Result{Text: "done"}, nil
}

func (e *gatedEngine) Close() error { return nil }

func subscribeResponses(t *testing.T, busClient *bus.Client, correlationID string) <-chan protocol.TranscribeResponse {
	t.Helper()
	inbox := make(chan protocol.TranscribeResponse, 8)
	sub, err := busClient.Conn().Subscribe(protocol.ASRResponseSubject(correlationID), func(msg *nats.Msg) {
		var resp protocol.TranscribeResponse
		if json.Unmarshal(msg.Data, &resp) == nil {
			inbox <- resp
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })
	if err := busClient.Conn().Flush(); err != nil {
		t.Fatal(err)
	}
	return inbox
}

func publishRequest(t *testing.T, busClient *bus.Client, req protocol.TranscribeRequest) {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := busClient.Conn().Publish(protocol.SubjectASRRequest, data); err != nil {
		t.Fatal(err)
	}
	if err := busClient.Conn().Flush(); err != nil {
		t.Fatal(err)
	}
}

func TestWorkerRefusesConcurrentRequests(t *testing.T) {
	busClient := startTestBus(t)

	engine := &gatedEngine{started: make(chan struct{}, 1), release: make(chan struct{}, 2)}
	worker := NewService(context.Background(), config.WorkerConfig{Enabled: true},
		config.ASRConfig{Mode: "mock", RequestTimeMS: 5000},
		busClient, asr.NewClient(engine), testLogger())
	if err := worker.Start(); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	t.Cleanup(worker.Close)
	t.Cleanup(func() { engine.release <- struct{}{} })

	first := subscribeResponses(t, busClient, "req-c1")
	second := subscribeResponses(t, busClient, "req-c2")

	samples := make([]float32, 1600)
	wav := audio.EncodeWAV(samples, audio.TargetSampleRate)

	publishRequest(t, busClient, protocol.TranscribeRequest{
		Command: "transcribe", CorrelationID: "req-c1", Audio: wav,
	})
	select {
	case <-engine.started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the first request to reach the engine")
	}

	publishRequest(t, busClient, protocol.TranscribeRequest{
		Command: "transcribe", CorrelationID: "req-c2", Audio: wav,
	})

	var resp protocol.TranscribeResponse
	select {
	case resp = <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the busy rejection")
	}
	if resp.Status != protocol.StatusError || resp.CorrelationID != "req-c2" {
		t.Fatalf("expected busy rejection, got %+v", resp)
	}
	if resp.Error != "worker busy" {
		t.Fatalf("unexpected error %q", resp.Error)
	}

	// Releasing the engine lets the first request finish its sequence.
	engine.release <- struct{}{}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case resp := <-first:
			if resp.Status == protocol.StatusError {
				t.Fatalf("first request failed: %+v", resp)
			}
			if resp.Status == protocol.StatusComplete {
				if resp.Text != "done" {
					t.Fatalf("unexpected transcript %q", resp.Text)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the first request to complete")
		}
	}
}

func TestWorkerRejectsBadAudio(t *testing.T) {
	busClient := startTestBus(t)

	worker := NewService(context.Background(), config.WorkerConfig{Enabled: true},
		config.ASRConfig{Mode: "mock"}, busClient, asr.NewClient(asr.NewMockEngine()), testLogger())
	if err := worker.Start(); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	t.Cleanup(worker.Close)

	inbox := make(chan protocol.TranscribeResponse, 8)
	sub, err := busClient.Conn().Subscribe(protocol.ASRResponseSubject("req-1"), func(msg *nats.Msg) {
		var resp protocol.TranscribeResponse
		if json.Unmarshal(msg.Data, &resp) == nil {
			inbox <- resp
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })
	if err := busClient.Conn().Flush(); err != nil {
		t.Fatal(err)
	}

	req := protocol.TranscribeRequest{
		Command:       "transcribe",
		CorrelationID: "req-1",
		Audio:         []byte("not a wav"),
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := busClient.Conn().Publish(protocol.SubjectASRRequest, data); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case resp := <-inbox:
			if resp.CorrelationID != "req-1" {
				t.Fatalf("correlation id lost: %+v", resp)
			}
			if resp.Status == protocol.StatusError {
				return
			}
			if resp.Status == protocol.StatusComplete {
				t.Fatal("bad audio completed successfully")
			}
		case <-deadline:
			t.Fatal("timed out waiting for error response")
		}
	}
}
