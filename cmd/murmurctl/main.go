package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/murmurlabs/murmur-core/internal/asr"
	"github.com/murmurlabs/murmur-core/internal/audio"
	"github.com/murmurlabs/murmur-core/internal/config"
)

var version = "0.1.0-dev"

func main() {
	transcribeCmd := flag.NewFlagSet("transcribe", flag.ExitOnError)
	var (
		configPath string
		wavPath    string
		language   string
	)
	transcribeCmd.StringVar(&configPath, "config", "murmur.yaml", "Path to configuration file")
	transcribeCmd.StringVar(&wavPath, "file", "", "Path to a PCM16 WAV file")
	transcribeCmd.StringVar(&language, "language", "", "Override recognition language")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'transcribe' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "transcribe":
		transcribeCmd.Parse(os.Args[2:])
		if err := runTranscribe(configPath, wavPath, language); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runTranscribe(configPath, wavPath, language string) error {
	if wavPath == "" {
		return fmt.Errorf("missing -file")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(wavPath)
	if err != nil {
		return err
	}
	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("read %s: %w", wavPath, err)
	}
	samples = audio.Resample(samples, rate, audio.TargetSampleRate)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	engine, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	client := asr.NewClient(engine)
	defer client.Close()

	timeout := time.Duration(cfg.ASR.RequestTimeMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	opts := asr.OptionsFromConfig(cfg.ASR)
	if language != "" {
		opts.Language = language
	}
	result, err := client.Transcribe(ctx, samples, opts)
	if err != nil {
		return err
	}

	fmt.Println(result.Text)
	return nil
}

func buildEngine(cfg config.Config, logger *slog.Logger) (asr.Engine, error) {
	switch cfg.ASR.Mode {
	case "mock":
		return asr.NewMockEngine(), nil
	case "exec":
		return asr.NewExecEngine(cfg.ASR)
	case "server":
		return asr.NewServerEngine(cfg.ASR.Endpoint, cfg.ASR.Model), nil
	case "whispercpp":
		if cfg.ASR.ModelDir == "" {
			return nil, fmt.Errorf("whispercpp mode requires asr.model_dir")
		}
		loader := asr.NewLoader(cfg.ASR.ModelDir, logger)
		modelPath := loader.ModelPath(cfg.ASR.Model)
		if cfg.ASR.AutoDownload {
			path, err := loader.EnsureModel(context.Background(), cfg.ASR.Model, loader.Begin(), func(percent int) {
				fmt.Fprintf(os.Stderr, "downloading model: %d%%\r", percent)
			})
			if err != nil {
				return nil, err
			}
			fmt.Fprintln(os.Stderr)
			modelPath = path
		}
		return asr.NewWhisperEngine(modelPath)
	default:
		return nil, fmt.Errorf("asr mode %q is not supported offline", cfg.ASR.Mode)
	}
}
