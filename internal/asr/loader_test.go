package asr

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoaderDownloadsWithProgress(t *testing.T) {
	payload := make([]byte, 64*1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer server.Close()

	loader := NewLoader(t.TempDir(), discardLogger())
	loader.baseURL = server.URL + "/"

	var percents []int
	generation := loader.Begin()
	path, err := loader.EnsureModel(context.Background(), "tiny", generation, func(p int) {
		percents = append(percents, p)
	})
	if err != nil {
		t.Fatalf("ensure model: %v", err)
	}
	if filepath.Base(path) != "ggml-tiny.bin" {
		t.Fatalf("unexpected model path %q", path)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() != int64(len(payload)) {
		t.Fatalf("model file wrong: %v size=%d", err, info.Size())
	}
	if len(percents) == 0 || percents[len(percents)-1] != 100 {
		t.Fatalf("expected progress ending at 100, got %v", percents)
	}
	for _, p := range percents {
		if p < 0 || p > 100 {
			t.Fatalf("progress out of range: %v", percents)
		}
	}
}

func TestLoaderExistingModelReportsComplete(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ggml-tiny.bin"), []byte("model"), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(dir, discardLogger())
	var percents []int
	generation := loader.Begin()
	path, err := loader.EnsureModel(context.Background(), "ggml-tiny.bin", generation, func(p int) {
		percents = append(percents, p)
	})
	if err != nil {
		t.Fatalf("ensure model: %v", err)
	}
	if path != filepath.Join(dir, "ggml-tiny.bin") {
		t.Fatalf("unexpected path %q", path)
	}
	if len(percents) != 1 || percents[0] != 100 {
		t.Fatalf("expected single 100%% report, got %v", percents)
	}
}

func TestLoaderStaleGenerationDiscarded(t *testing.T) {
	loader := NewLoader(t.TempDir(), discardLogger())

	g1 := loader.Begin()
	g2 := loader.Begin()

	// g1 completing after g2 began must be discarded without touching the
	// progress callback.
	_, err := loader.EnsureModel(context.Background(), "tiny", g1, func(int) {
		t.Fatal("stale load reported progress")
	})
	if !errors.Is(err, ErrStaleLoad) {
		t.Fatalf("expected ErrStaleLoad, got %v", err)
	}
	_ = g2
}

func TestNormalizeModelName(t *testing.T) {
	cases := map[string]string{
		"tiny":          "ggml-tiny.bin",
		"base.en":       "ggml-base.en.bin",
		"ggml-tiny":     "ggml-tiny.bin",
		"ggml-tiny.bin": "ggml-tiny.bin",
	}
	for in, want := range cases {
		if got := normalizeModelName(in); got != want {
			t.Errorf("normalizeModelName(%q) = %q, want %q", in, got, want)
		}
	}
}
