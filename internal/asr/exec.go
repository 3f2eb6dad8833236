package asr

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
	"github.com/murmurlabs/murmur-core/internal/audio"
	"github.com/murmurlabs/murmur-core/internal/config"
)

// execEngine shells out to a whisper-style CLI that reads a WAV file and
// prints a JSON result on stdout.
type execEngine struct {
	cmd []string
	cfg config.ASRConfig
}

type execResult struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments,omitempty"`
}

func NewExecEngine(cfg config.ASRConfig) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse asr command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("asr command is empty")
	}
	return &execEngine{cmd: args, cfg: cfg}, nil
}

func (e *execEngine) Transcribe(ctx context.Context, samples []float32, opts Options) (Result, error) {
	file, err := os.CreateTemp(os.TempDir(), "murmur_asr_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeSamplesToWav(file, samples, audio.TargetSampleRate); err != nil {
		return Result{}, err
	}

	base := e.cmd[0]
	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if e.cfg.Model != "" {
		cmdArgs = append(cmdArgs, "--model", e.cfg.Model)
	}
	if opts.Language != "" {
		cmdArgs = append(cmdArgs, "--language", opts.Language)
	}
	if opts.Task == "translate" {
		cmdArgs = append(cmdArgs, "--translate")
	}
	if opts.VocabHint != "" {
		cmdArgs = append(cmdArgs, "--prompt", opts.VocabHint)
	}
	if opts.ChunkLengthS > 0 {
		cmdArgs = append(cmdArgs, "--chunk-length", strconv.FormatFloat(opts.ChunkLengthS, 'f', -1, 64))
	}
	if opts.StrideLengthS > 0 {
		cmdArgs = append(cmdArgs, "--stride-length", strconv.FormatFloat(opts.StrideLengthS, 'f', -1, 64))
	}
	if opts.Threads > 0 {
		cmdArgs = append(cmdArgs, "--threads", strconv.Itoa(opts.Threads))
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("asr command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode asr response: %w", err)
	}

	result := Result{
		Text:     resp.Text,
		Language: resp.Language,
		Duration: time.Duration(float64(len(samples)) / float64(audio.TargetSampleRate) * float64(time.Second)),
	}
	for _, seg := range resp.Segments {
		result.Segments = append(result.Segments, Segment{
			Start: time.Duration(seg.Start * float64(time.Second)),
			End:   time.Duration(seg.End * float64(time.Second)),
			Text:  seg.Text,
		})
	}
	return result, nil
}

func (e *execEngine) Close() error { return nil }

func writeSamplesToWav(file *os.File, samples []float32, sampleRate int) error {
	pcm := audio.Float32ToPCM16Bytes(samples)
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: sampleRate}}
	ints := make([]int, len(pcm)/2)
	for i := 0; i < len(ints); i++ {
		ints[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = ints

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
