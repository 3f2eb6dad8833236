package asr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultModelBaseURL is the upstream location for whisper.cpp models.
const DefaultModelBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// ProgressFunc receives whole-number load progress in [0, 100].
type ProgressFunc func(percent int)

// Loader retrieves recognition models into a local cache directory. Loads
// are asynchronous from the caller's perspective and carry a generation
// token: beginning a new load invalidates the previous one, so progress and
// completion of a superseded load are discarded instead of corrupting
// current state.
type Loader struct {
	dir        string
	baseURL    string
	client     *http.Client
	log        *slog.Logger
	generation atomic.Int64
}

func NewLoader(dir string, log *slog.Logger) *Loader {
	return &Loader{
		dir:     dir,
		baseURL: DefaultModelBaseURL,
		client:  &http.Client{Timeout: 30 * time.Minute},
		log:     log.With(slog.String("component", "model-loader")),
	}
}

// Begin starts a new load generation and returns its token. Any load holding
// an older token becomes stale.
func (l *Loader) Begin() int64 {
	return l.generation.Add(1)
}

func (l *Loader) stale(generation int64) bool {
	return l.generation.Load() != generation
}

// ModelPath returns where the named model lives in the cache directory.
func (l *Loader) ModelPath(modelName string) string {
	return filepath.Join(l.dir, normalizeModelName(modelName))
}

// EnsureModel guarantees the named model exists locally and returns its
// path, reporting progress through the callback. A stale generation returns
// ErrStaleLoad and never invokes the callback again.
func (l *Loader) EnsureModel(ctx context.Context, modelName string, generation int64, progress ProgressFunc) (string, error) {
	if l.stale(generation) {
		return "", ErrStaleLoad
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("create model dir: %w", err)
	}

	localName := normalizeModelName(modelName)
	localPath := filepath.Join(l.dir, localName)

	if info, err := os.Stat(localPath); err == nil && info.Size() > 0 {
		if l.stale(generation) {
			return "", ErrStaleLoad
		}
		if progress != nil {
			progress(100)
		}
		return localPath, nil
	}

	url := l.baseURL + localName
	tmpPath := localPath + ".downloading"
	if err := l.download(ctx, url, tmpPath, generation, progress); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if l.stale(generation) {
		os.Remove(tmpPath)
		return "", ErrStaleLoad
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		return "", err
	}

	l.log.Info("model ready", slog.String("model", localName), slog.String("path", localPath))
	return localPath, nil
}

func (l *Loader) download(ctx context.Context, url, destPath string, generation int64, progress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download model: %s", resp.Status)
	}

	file, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer file.Close()

	total := resp.ContentLength
	var written int64
	lastPercent := -1
	buf := make([]byte, 128*1024)
	for {
		if l.stale(generation) {
			return ErrStaleLoad
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return err
			}
			written += int64(n)
			if total > 0 && progress != nil {
				percent := int(written * 100 / total)
				if percent != lastPercent && !l.stale(generation) {
					progress(percent)
					lastPercent = percent
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	l.log.Info("downloaded model", slog.String("url", url), slog.Int64("bytes", written))
	return nil
}

func normalizeModelName(name string) string {
	normalized := strings.TrimSpace(name)
	if !strings.HasSuffix(normalized, ".bin") {
		normalized += ".bin"
	}
	if !strings.HasPrefix(normalized, "ggml-") {
		normalized = "ggml-" + normalized
	}
	return normalized
}
