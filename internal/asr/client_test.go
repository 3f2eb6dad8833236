package asr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type blockingEngine struct {
	calls   atomic.Int32
	release chan struct{}
}

func (b *blockingEngine) Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error) {
	b.calls.Add(1)
	select {
	case <-b.release:
		return Result{Text: "done"}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (b *blockingEngine) Close() error { return nil }

func TestClientDropsSecondCallWhileBusy(t *testing.T) {
	engine := &blockingEngine{release: make(chan struct{})}
	client := NewClient(engine)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := client.Transcribe(context.Background(), []float32{0.1}, Options{}); err != nil {
			t.Errorf("first call failed: %v", err)
		}
	}()

	// Wait until the first call is inside the engine.
	deadline := time.Now().Add(2 * time.Second)
	for engine.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first call never reached the engine")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := client.Transcribe(context.Background(), []float32{0.1}, Options{}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if got := engine.calls.Load(); got != 1 {
		t.Fatalf("second engine invocation started: %d calls", got)
	}

	close(engine.release)
	wg.Wait()

	// Client is usable again after the first call drains.
	if _, err := client.Transcribe(context.Background(), []float32{0.1}, Options{}); err != nil {
		t.Fatalf("call after drain failed: %v", err)
	}
}

type failingEngine struct{}

func (f *failingEngine) Transcribe(context.Context, []float32, Options) (Result, error) {
	return Result{}, errors.New("model exploded")
}

func (f *failingEngine) Close() error { return nil }

func TestClientWrapsEngineErrors(t *testing.T) {
	client := NewClient(&failingEngine{})
	_, err := client.Transcribe(context.Background(), []float32{0.1}, Options{})
	if !errors.Is(err, ErrInference) {
		t.Fatalf("expected ErrInference, got %v", err)
	}
	if client.Busy() {
		t.Fatal("client stuck busy after failure")
	}
}

func TestClientPreservesContextErrors(t *testing.T) {
	engine := &blockingEngine{release: make(chan struct{})}
	client := NewClient(engine)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Transcribe(ctx, []float32{0.1}, Options{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if errors.Is(err, ErrInference) {
		t.Fatal("context cancellation must not be reported as an inference failure")
	}
}
