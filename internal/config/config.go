package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	Node         NodeConfig         `yaml:"node"`
	SessionStore SessionStoreConfig `yaml:"session_store"`
	Capture      CaptureConfig      `yaml:"capture"`
	ASR          ASRConfig          `yaml:"asr"`
	Dictation    DictationConfig    `yaml:"dictation"`
	Worker       WorkerConfig       `yaml:"worker"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type SessionStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CaptureConfig struct {
	Mode            string `yaml:"mode"` // mock, exec, none (audio arrives over the bus)
	Command         string `yaml:"command"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
}

type ASRConfig struct {
	Mode          string  `yaml:"mode"` // mock, exec, server, whispercpp, remote
	Command       string  `yaml:"command"`
	Endpoint      string  `yaml:"endpoint"`
	Model         string  `yaml:"model"`
	ModelDir      string  `yaml:"model_dir"`
	AutoDownload  bool    `yaml:"auto_download"`
	Language      string  `yaml:"language"`
	Task          string  `yaml:"task"` // transcribe, translate
	ChunkLengthS  float64 `yaml:"chunk_length_s"`
	StrideLengthS float64 `yaml:"stride_length_s"`
	VocabHint     string  `yaml:"vocab_hint"`
	Threads       int     `yaml:"threads"`
	RequestTimeMS int     `yaml:"request_timeout_ms"`
}

type DictationConfig struct {
	Enabled         bool `yaml:"enabled"`
	PartialEveryMS  int  `yaml:"partial_every_ms"`
	PublishPartials bool `yaml:"publish_partials"`
}

type WorkerConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		RuntimeName: "murmur-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "murmur-node-1",
			Role:              "runtime",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "runtime.core", Tier: "balanced"},
			},
		},
		SessionStore: SessionStoreConfig{
			Path:          "./data/murmur-sessions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Mode:            "mock",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 250,
		},
		ASR: ASRConfig{
			Mode:          "mock",
			Model:         "ggml-tiny.bin",
			ModelDir:      "./data/models",
			AutoDownload:  false,
			Language:      "en",
			Task:          "transcribe",
			ChunkLengthS:  30,
			StrideLengthS: 5,
			RequestTimeMS: 45000,
		},
		Dictation: DictationConfig{
			Enabled:         true,
			PartialEveryMS:  800,
			PublishPartials: true,
		},
		Worker: WorkerConfig{
			Enabled: false,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "MURMUR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MURMUR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MURMUR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MURMUR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MURMUR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MURMUR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MURMUR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "MURMUR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "MURMUR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MURMUR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "MURMUR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "MURMUR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MURMUR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MURMUR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MURMUR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MURMUR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MURMUR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "MURMUR_NODE_ID")
	overrideString(&cfg.Node.Role, "MURMUR_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "MURMUR_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "MURMUR_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.SessionStore.Path, "MURMUR_SESSION_STORE_PATH")
	overrideString(&cfg.SessionStore.RetentionMode, "MURMUR_SESSION_STORE_RETENTION_MODE")
	overrideInt(&cfg.SessionStore.RetentionDays, "MURMUR_SESSION_STORE_RETENTION_DAYS")
	overrideInt(&cfg.SessionStore.MaxSessions, "MURMUR_SESSION_STORE_MAX_SESSIONS")
	overrideBool(&cfg.SessionStore.VacuumOnStart, "MURMUR_SESSION_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Mode, "MURMUR_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "MURMUR_CAPTURE_COMMAND")
	overrideInt(&cfg.Capture.SampleRate, "MURMUR_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "MURMUR_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FrameDurationMS, "MURMUR_CAPTURE_FRAME_DURATION_MS")
	overrideString(&cfg.ASR.Mode, "MURMUR_ASR_MODE")
	overrideString(&cfg.ASR.Command, "MURMUR_ASR_COMMAND")
	overrideString(&cfg.ASR.Endpoint, "MURMUR_ASR_ENDPOINT")
	overrideString(&cfg.ASR.Model, "MURMUR_ASR_MODEL")
	overrideString(&cfg.ASR.ModelDir, "MURMUR_ASR_MODEL_DIR")
	overrideBool(&cfg.ASR.AutoDownload, "MURMUR_ASR_AUTO_DOWNLOAD")
	overrideString(&cfg.ASR.Language, "MURMUR_ASR_LANGUAGE")
	overrideString(&cfg.ASR.Task, "MURMUR_ASR_TASK")
	overrideFloat(&cfg.ASR.ChunkLengthS, "MURMUR_ASR_CHUNK_LENGTH_S")
	overrideFloat(&cfg.ASR.StrideLengthS, "MURMUR_ASR_STRIDE_LENGTH_S")
	overrideString(&cfg.ASR.VocabHint, "MURMUR_ASR_VOCAB_HINT")
	overrideInt(&cfg.ASR.Threads, "MURMUR_ASR_THREADS")
	overrideInt(&cfg.ASR.RequestTimeMS, "MURMUR_ASR_REQUEST_TIMEOUT_MS")
	overrideBool(&cfg.Dictation.Enabled, "MURMUR_DICTATION_ENABLED")
	overrideInt(&cfg.Dictation.PartialEveryMS, "MURMUR_DICTATION_PARTIAL_EVERY_MS")
	overrideBool(&cfg.Dictation.PublishPartials, "MURMUR_DICTATION_PUBLISH_PARTIALS")
	overrideBool(&cfg.Worker.Enabled, "MURMUR_WORKER_ENABLED")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if len(cfg.Node.Capabilities) == 0 {
		return errors.New("node.capabilities must not be empty")
	}
	if cfg.SessionStore.Path == "" {
		return errors.New("session_store.path must not be empty")
	}
	switch cfg.SessionStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("session_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.SessionStore.RetentionDays < 0 {
		return errors.New("session_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Capture.Mode {
	case "mock", "exec":
		if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
			return errors.New("capture.command must be set when mode=exec")
		}
		if cfg.Capture.SampleRate <= 0 {
			return errors.New("capture.sample_rate must be positive")
		}
		if cfg.Capture.Channels <= 0 {
			return errors.New("capture.channels must be positive")
		}
		if cfg.Capture.FrameDurationMS <= 0 {
			return errors.New("capture.frame_duration_ms must be positive")
		}
	case "none":
		// Audio arrives over the bus instead of a local source.
	default:
		return errors.New("capture.mode must be one of mock|exec|none")
	}
	switch cfg.ASR.Mode {
	case "mock", "exec", "server", "whispercpp", "remote":
	default:
		return errors.New("asr.mode must be one of mock|exec|server|whispercpp|remote")
	}
	if cfg.ASR.Mode == "exec" && cfg.ASR.Command == "" {
		return errors.New("asr.command must be set when mode=exec")
	}
	if cfg.ASR.Mode == "server" && cfg.ASR.Endpoint == "" {
		return errors.New("asr.endpoint must be set when mode=server")
	}
	if cfg.ASR.Mode == "whispercpp" && cfg.ASR.Model == "" {
		return errors.New("asr.model must be set when mode=whispercpp")
	}
	switch cfg.ASR.Task {
	case "", "transcribe", "translate":
	default:
		return errors.New("asr.task must be one of transcribe|translate")
	}
	if cfg.ASR.ChunkLengthS < 0 || cfg.ASR.StrideLengthS < 0 {
		return errors.New("asr chunk/stride lengths must be >= 0")
	}
	if cfg.Dictation.Enabled && cfg.Dictation.PartialEveryMS < 0 {
		return errors.New("dictation.partial_every_ms must be >= 0")
	}
	if cfg.Worker.Enabled && cfg.ASR.Mode == "remote" {
		return errors.New("worker.enabled requires a local asr.mode, not remote")
	}
	return nil
}
