package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.TTS.Model != "eleven_turbo_v2_5" {
		t.Fatalf("expected default tts model, got %s", cfg.TTS.Model)
	}
	if cfg.Narration.ChunkSize != 4096 {
		t.Fatalf("expected default chunk size, got %d", cfg.Narration.ChunkSize)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GUIDIO_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("GUIDIO_BUS_USERNAME", "alice")
	t.Setenv("GUIDIO_BUS_PASSWORD", "secret")
	t.Setenv("GUIDIO_BUS_TLS_INSECURE", "true")
	t.Setenv("GUIDIO_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("GUIDIO_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("GUIDIO_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("GUIDIO_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("GUIDIO_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("GUIDIO_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("GUIDIO_LLM_TEMPERATURE", "0.3")
	t.Setenv("GUIDIO_NARRATION_OVERLAP", "true")
	t.Setenv("GUIDIO_NARRATION_QUEUE_DEPTH", "4")
	t.Setenv("GUIDIO_TELEMETRY_TRACE_SAMPLE_RATIO", "0.25")

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
	if cfg.Telemetry.TraceSampleRatio != 0.25 {
		t.Fatalf("expected sample ratio 0.25, got %v", cfg.Telemetry.TraceSampleRatio)
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.LLM.Temperature != 0.3 {
		t.Fatalf("expected llm temperature override, got %v", cfg.LLM.Temperature)
	}
	if !cfg.Narration.Overlap || cfg.Narration.QueueDepth != 4 {
		t.Fatalf("expected narration overrides, got %+v", cfg.Narration)
	}
}

func TestCredentialEnvPrecedence(t *testing.T) {
	t.Setenv("ELEVENLABS_API_KEY", "vendor-key")
	t.Setenv("GUIDIO_TTS_API_KEY", "guidio-key")
	t.Setenv("GUIDIO_TTS_MODE", "elevenlabs")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TTS.APIKey != "guidio-key" {
		t.Fatalf("expected GUIDIO_TTS_API_KEY to win, got %q", cfg.TTS.APIKey)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guidio.yaml")
	content := `
runtime_name: test-runtime
llm:
  mode: exec
  command: "python3 generate.py"
tts:
  mode: exec
  command: "piper --json"
narration:
  overlap: true
  queue_depth: 3
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "test-runtime" {
		t.Fatalf("expected runtime name from file, got %s", cfg.RuntimeName)
	}
	if cfg.LLM.Command != "python3 generate.py" {
		t.Fatalf("expected llm command from file, got %s", cfg.LLM.Command)
	}
	if cfg.Narration.QueueDepth != 3 {
		t.Fatalf("expected queue depth 3, got %d", cfg.Narration.QueueDepth)
	}
	if cfg.TTS.Voice != "JBFqnCBsd6RMkjVDRZzb" {
		t.Fatalf("expected default voice to survive partial file, got %s", cfg.TTS.Voice)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"openai without key", func(c *Config) { c.LLM.Mode = "openai"; c.LLM.APIKey = "" }, "llm.api_key"},
		{"unknown llm mode", func(c *Config) { c.LLM.Mode = "bard" }, "llm.mode"},
		{"elevenlabs without key", func(c *Config) { c.TTS.Mode = "elevenlabs"; c.TTS.APIKey = "" }, "tts.api_key"},
		{"exec without command", func(c *Config) { c.TTS.Mode = "exec" }, "tts.command"},
		{"overlap without queue", func(c *Config) { c.Narration.Overlap = true; c.Narration.QueueDepth = 0 }, "narration.queue_depth"},
		{"zero chunk size", func(c *Config) { c.Narration.ChunkSize = 0 }, "narration.chunk_size"},
		{"bad retention", func(c *Config) { c.EventStore.RetentionMode = "forever" }, "event_store.retention_mode"},
		{"sample ratio above one", func(c *Config) { c.Telemetry.TraceSampleRatio = 1.5 }, "telemetry.trace_sample_ratio"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}
