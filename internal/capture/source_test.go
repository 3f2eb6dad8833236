package capture

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/murmurlabs/murmur-core/internal/config"
)

func drain(t *testing.T, chunks <-chan Chunk, errs <-chan error) ([]Chunk, error) {
	t.Helper()
	var got []Chunk
	var recErr error
	for chunks != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			got = append(got, c)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				recErr = err
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out draining source")
		}
	}
	return got, recErr
}

func TestMockSourceEmitsFinalChunk(t *testing.T) {
	src := NewMockSource(16000, 1, 100)
	src.Frames = 3

	chunks, errs := src.Record(context.Background(), "session-1")
	got, err := drain(t, chunks, errs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	for i, c := range got {
		if c.Sequence != i {
			t.Fatalf("chunk %d has sequence %d", i, c.Sequence)
		}
		if c.SessionID != "session-1" {
			t.Fatalf("chunk %d has session %q", i, c.SessionID)
		}
		if len(c.PCM) != 16000/10*2 {
			t.Fatalf("chunk %d has %d bytes", i, len(c.PCM))
		}
	}
	if !got[len(got)-1].Final {
		t.Fatal("expected last chunk to be final")
	}
	for _, c := range got[:len(got)-1] {
		if c.Final {
			t.Fatal("non-terminal chunk marked final")
		}
	}
}

func TestMockSourceSilenceIsZero(t *testing.T) {
	src := NewMockSource(16000, 1, 50)
	src.Frames = 1

	chunks, errs := src.Record(context.Background(), "s")
	got, err := drain(t, chunks, errs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, b := range got[0].PCM {
		if b != 0 {
			t.Fatal("expected silent PCM")
		}
	}
}

func TestExecSourceStreamsStdout(t *testing.T) {
	cfg := config.CaptureConfig{
		Mode:            "exec",
		Command:         "head -c 6400 /dev/zero",
		SampleRate:      16000,
		Channels:        1,
		FrameDurationMS: 20,
	}
	src, err := NewExecSource(cfg)
	if err != nil {
		t.Fatalf("new exec source: %v", err)
	}

	chunks, errs := src.Record(context.Background(), "exec-session")
	got, recErr := drain(t, chunks, errs)
	if recErr != nil {
		t.Fatalf("unexpected error: %v", recErr)
	}
	total := 0
	for _, c := range got {
		if len(c.PCM)%2 != 0 {
			t.Fatalf("chunk not sample aligned: %d bytes", len(c.PCM))
		}
		total += len(c.PCM)
	}
	if total != 6400 {
		t.Fatalf("expected 6400 bytes total, got %d", total)
	}
	if len(got) == 0 || !got[len(got)-1].Final {
		t.Fatal("expected a final chunk")
	}
}

func TestExecSourceStopDoesNotLeakReader(t *testing.T) {
	cfg := config.CaptureConfig{
		Mode:            "exec",
		Command:         "cat /dev/zero",
		SampleRate:      16000,
		Channels:        1,
		FrameDurationMS: 20,
	}
	src, err := NewExecSource(cfg)
	if err != nil {
		t.Fatalf("new exec source: %v", err)
	}

	before := runtime.NumGoroutine()
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		chunks, errs := src.Record(ctx, fmt.Sprintf("sess-%d", i))

		// Wait for data to be flowing before stopping, so the reader is
		// mid-stream when the session ends.
		select {
		case <-chunks:
		case <-time.After(5 * time.Second):
			cancel()
			t.Fatal("timed out waiting for first chunk")
		}
		cancel()
		drain(t, chunks, errs)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if runtime.NumGoroutine() <= before+3 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("reader goroutines leaked: before=%d after=%d", before, runtime.NumGoroutine())
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestExecSourceMissingCommand(t *testing.T) {
	cfg := config.CaptureConfig{
		Mode:            "exec",
		Command:         "definitely-not-a-real-recorder-binary",
		SampleRate:      16000,
		Channels:        1,
		FrameDurationMS: 20,
	}
	src, err := NewExecSource(cfg)
	if err != nil {
		t.Fatalf("new exec source: %v", err)
	}
	chunks, errs := src.Record(context.Background(), "s")
	_, recErr := drain(t, chunks, errs)
	if recErr == nil {
		t.Fatal("expected an error for a missing recorder binary")
	}
}

func TestClassifyStartErrorPermission(t *testing.T) {
	err := classifyStartError(errors.New("exit status 1"), "arecord: main:830: audio open error: Permission denied")
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("expected ErrPermission, got %v", err)
	}

	err = classifyStartError(errors.New("exit status 1"), "some transient failure")
	if errors.Is(err, ErrPermission) {
		t.Fatalf("generic failure misclassified as permission: %v", err)
	}
}

func TestNewExecSourceRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSource(config.CaptureConfig{Command: "  "}); err == nil {
		t.Fatal("expected error for empty command")
	}
}
