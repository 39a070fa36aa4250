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
	// TraceSampleRatio is the fraction of root narration spans recorded.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Narration   NarrationConfig  `yaml:"narration"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, openai, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	PromptDir   string  `yaml:"prompt_dir"`
}

type TTSConfig struct {
	Mode         string  `yaml:"mode"` // mock, elevenlabs, exec
	Endpoint     string  `yaml:"endpoint"`
	Command      string  `yaml:"command"`
	APIKey       string  `yaml:"api_key"`
	Voice        string  `yaml:"voice"`
	Model        string  `yaml:"model"`
	OutputFormat string  `yaml:"output_format"`
	SampleRate   int     `yaml:"sample_rate"`
	Channels     int     `yaml:"channels"`
	RateLimit    float64 `yaml:"rate_limit_rps"`
}

type NarrationConfig struct {
	Overlap          bool `yaml:"overlap"`
	QueueDepth       int  `yaml:"queue_depth"`
	ChunkSize        int  `yaml:"chunk_size"`
	RequestTimeoutMS int  `yaml:"request_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "guidio-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/guidio-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "gpt-4o-mini",
			MaxTokens:   512,
			Temperature: 0.8,
		},
		TTS: TTSConfig{
			Mode:         "mock",
			Endpoint:     "https://api.elevenlabs.io/v1",
			Voice:        "JBFqnCBsd6RMkjVDRZzb",
			Model:        "eleven_turbo_v2_5",
			OutputFormat: "mp3_44100_128",
			SampleRate:   44100,
			Channels:     1,
		},
		Narration: NarrationConfig{
			Overlap:          false,
			QueueDepth:       2,
			ChunkSize:        4096,
			RequestTimeoutMS: 120000,
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
	overrideString(&cfg.RuntimeName, "GUIDIO_RUNTIME_NAME")
	overrideString(&cfg.Environment, "GUIDIO_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "GUIDIO_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "GUIDIO_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "GUIDIO_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "GUIDIO_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "GUIDIO_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "GUIDIO_TELEMETRY_PROMETHEUS_BIND")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "GUIDIO_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "GUIDIO_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "GUIDIO_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "GUIDIO_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "GUIDIO_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "GUIDIO_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "GUIDIO_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "GUIDIO_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "GUIDIO_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "GUIDIO_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "GUIDIO_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "GUIDIO_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "GUIDIO_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "GUIDIO_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "GUIDIO_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "GUIDIO_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.LLM.Mode, "GUIDIO_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "GUIDIO_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "GUIDIO_LLM_COMMAND")
	overrideString(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.LLM.APIKey, "GUIDIO_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "GUIDIO_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "GUIDIO_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "GUIDIO_LLM_TEMPERATURE")
	overrideString(&cfg.LLM.PromptDir, "GUIDIO_LLM_PROMPT_DIR")
	overrideString(&cfg.TTS.Mode, "GUIDIO_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "GUIDIO_TTS_ENDPOINT")
	overrideString(&cfg.TTS.Command, "GUIDIO_TTS_COMMAND")
	overrideString(&cfg.TTS.APIKey, "ELEVENLABS_API_KEY")
	overrideString(&cfg.TTS.APIKey, "GUIDIO_TTS_API_KEY")
	overrideString(&cfg.TTS.Voice, "ELEVENLABS_VOICE_ID")
	overrideString(&cfg.TTS.Voice, "GUIDIO_TTS_VOICE")
	overrideString(&cfg.TTS.Model, "GUIDIO_TTS_MODEL")
	overrideString(&cfg.TTS.OutputFormat, "GUIDIO_TTS_OUTPUT_FORMAT")
	overrideInt(&cfg.TTS.SampleRate, "GUIDIO_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "GUIDIO_TTS_CHANNELS")
	overrideFloat(&cfg.TTS.RateLimit, "GUIDIO_TTS_RATE_LIMIT_RPS")
	overrideBool(&cfg.Narration.Overlap, "GUIDIO_NARRATION_OVERLAP")
	overrideInt(&cfg.Narration.QueueDepth, "GUIDIO_NARRATION_QUEUE_DEPTH")
	overrideInt(&cfg.Narration.ChunkSize, "GUIDIO_NARRATION_CHUNK_SIZE")
	overrideInt(&cfg.Narration.RequestTimeoutMS, "GUIDIO_NARRATION_REQUEST_TIMEOUT_MS")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	switch cfg.LLM.Mode {
	case "mock", "openai", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|openai|ollama|exec")
	}
	if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
		return errors.New("llm.api_key must be set when mode=openai")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "elevenlabs", "exec":
	default:
		return errors.New("tts.mode must be one of mock|elevenlabs|exec")
	}
	if cfg.TTS.Mode == "elevenlabs" && cfg.TTS.APIKey == "" {
		return errors.New("tts.api_key must be set when mode=elevenlabs")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.RateLimit < 0 {
		return errors.New("tts.rate_limit_rps must be >= 0")
	}
	if cfg.Narration.Overlap && cfg.Narration.QueueDepth <= 0 {
		return errors.New("narration.queue_depth must be >= 1 when overlap is enabled")
	}
	if cfg.Narration.ChunkSize <= 0 {
		return errors.New("narration.chunk_size must be positive")
	}
	if cfg.Narration.RequestTimeoutMS < 0 {
		return errors.New("narration.request_timeout_ms must be >= 0")
	}
	return nil
}
