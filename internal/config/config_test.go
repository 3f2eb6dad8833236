package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Capture.SampleRate != 16000 {
		t.Fatalf("expected default capture sample rate 16000, got %d", cfg.Capture.SampleRate)
	}
	if cfg.ASR.Mode != "mock" {
		t.Fatalf("expected default asr mode mock, got %q", cfg.ASR.Mode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MURMUR_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("MURMUR_BUS_USERNAME", "alice")
	t.Setenv("MURMUR_BUS_PASSWORD", "secret")
	t.Setenv("MURMUR_BUS_TLS_INSECURE", "true")
	t.Setenv("MURMUR_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("MURMUR_NODE_ID", "test-node")
	t.Setenv("MURMUR_SESSION_STORE_PATH", "./tmp.db")
	t.Setenv("MURMUR_SESSION_STORE_RETENTION_MODE", "persistent")
	t.Setenv("MURMUR_CAPTURE_MODE", "exec")
	t.Setenv("MURMUR_CAPTURE_COMMAND", "arecord -f S16_LE -r 16000 -c 1 -t raw")
	t.Setenv("MURMUR_ASR_LANGUAGE", "de")
	t.Setenv("MURMUR_ASR_TASK", "translate")
	t.Setenv("MURMUR_ASR_CHUNK_LENGTH_S", "20.5")
	t.Setenv("MURMUR_ASR_VOCAB_HINT", "Kubernetes etcd kubelet")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.SessionStore.Path != "./tmp.db" {
		t.Fatalf("expected session store path override")
	}
	if cfg.SessionStore.RetentionMode != "persistent" {
		t.Fatalf("expected session store retention mode override")
	}
	if cfg.Capture.Mode != "exec" || cfg.Capture.Command == "" {
		t.Fatalf("expected capture exec override, got %+v", cfg.Capture)
	}
	if cfg.ASR.Language != "de" {
		t.Fatalf("expected asr language override")
	}
	if cfg.ASR.Task != "translate" {
		t.Fatalf("expected asr task override")
	}
	if cfg.ASR.ChunkLengthS != 20.5 {
		t.Fatalf("expected chunk length override, got %v", cfg.ASR.ChunkLengthS)
	}
	if cfg.ASR.VocabHint != "Kubernetes etcd kubelet" {
		t.Fatalf("expected vocab hint override")
	}
}

func TestBusFedCaptureNeedsNoLocalSettings(t *testing.T) {
	cfg := Default()
	cfg.Capture = CaptureConfig{Mode: "none"}
	if err := validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Setenv("MURMUR_CAPTURE_MODE", "none")
	loaded, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Capture.Mode != "none" {
		t.Fatalf("expected capture mode none, got %q", loaded.Capture.Mode)
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad capture mode", func(c *Config) { c.Capture.Mode = "portaudio" }},
		{"exec capture without command", func(c *Config) { c.Capture.Mode = "exec"; c.Capture.Command = "" }},
		{"bad asr mode", func(c *Config) { c.ASR.Mode = "cloud" }},
		{"server asr without endpoint", func(c *Config) { c.ASR.Mode = "server"; c.ASR.Endpoint = "" }},
		{"bad asr task", func(c *Config) { c.ASR.Task = "summarize" }},
		{"bad retention", func(c *Config) { c.SessionStore.RetentionMode = "forever" }},
		{"worker with remote asr", func(c *Config) { c.Worker.Enabled = true; c.ASR.Mode = "remote" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
