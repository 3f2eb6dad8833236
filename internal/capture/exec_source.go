package capture

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/murmurlabs/murmur-core/internal/config"
)

// execSource records by running a capture command (arecord, sox, rec) that
// writes raw little-endian PCM16 to stdout.
type execSource struct {
	cmd []string
	cfg config.CaptureConfig
}

func NewExecSource(cfg config.CaptureConfig) (Source, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &execSource{cmd: args, cfg: cfg}, nil
}

func (s *execSource) Record(ctx context.Context, sessionID string) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		base := s.cmd[0]
		args := append([]string{}, s.cmd[1:]...)
		cmd := exec.CommandContext(ctx, base, args...)

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- fmt.Errorf("capture stdout pipe: %w", err)
			return
		}
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Start(); err != nil {
			errs <- classifyStartError(err, stderr.String())
			return
		}

		reads := make(chan []byte)
		go func() {
			defer close(reads)
			buf := make([]byte, 4096)
			for {
				n, err := stdout.Read(buf)
				if n > 0 {
					cp := make([]byte, n)
					copy(cp, buf[:n])
					select {
					case reads <- cp:
					case <-ctx.Done():
						return
					}
				}
				if err != nil {
					return
				}
			}
		}()

		frame := time.Duration(s.cfg.FrameDurationMS) * time.Millisecond
		ticker := time.NewTicker(frame)
		defer ticker.Stop()

		var pending []byte
		sequence := 0
		flush := func(final bool) {
			// Keep chunks sample aligned; carry a trailing odd byte over.
			cut := len(pending) - len(pending)%2
			if cut == 0 && !final {
				return
			}
			pcm := make([]byte, cut)
			copy(pcm, pending[:cut])
			pending = pending[cut:]
			chunks <- Chunk{
				SessionID:  sessionID,
				Sequence:   sequence,
				SampleRate: s.cfg.SampleRate,
				Channels:   s.cfg.Channels,
				PCM:        pcm,
				CapturedAt: time.Now().UTC(),
				Final:      final,
			}
			sequence++
		}

		for {
			select {
			case <-ctx.Done():
				_ = cmd.Wait()
				flush(true)
				return
			case data, ok := <-reads:
				if !ok {
					err := cmd.Wait()
					if err != nil && ctx.Err() == nil {
						errs <- classifyStartError(err, stderr.String())
					}
					flush(true)
					return
				}
				pending = append(pending, data...)
			case <-ticker.C:
				flush(false)
			}
		}
	}()

	return chunks, errs
}

// classifyStartError distinguishes a denied microphone from other capture
// command failures based on the recorder's stderr output.
func classifyStartError(err error, stderr string) error {
	lowered := strings.ToLower(stderr)
	for _, marker := range []string{"denied", "permission", "not authorized", "device or resource busy", "no such audio device"} {
		if strings.Contains(lowered, marker) {
			return fmt.Errorf("%w: %s", ErrPermission, strings.TrimSpace(stderr))
		}
	}
	if stderr != "" {
		return fmt.Errorf("capture command failed: %w: %s", err, strings.TrimSpace(stderr))
	}
	return fmt.Errorf("capture command failed: %w", err)
}
