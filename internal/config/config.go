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
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Artifacts   ArtifactsConfig  `yaml:"artifacts"`
	Capture     CaptureConfig    `yaml:"capture"`
	Transcoder  TranscoderConfig `yaml:"transcoder"`
	Engine      EngineConfig     `yaml:"engine"`
	Models      ModelsConfig     `yaml:"models"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
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

// ArtifactsConfig controls where raw and converted recordings live.
type ArtifactsConfig struct {
	Dir              string `yaml:"dir"`
	RawExtension     string `yaml:"raw_extension"`
	CleanupOnDiscard bool   `yaml:"cleanup_on_discard"`
}

type CaptureConfig struct {
	Mode            string `yaml:"mode"` // mock, exec, pulse
	Command         string `yaml:"command"`
	Device          string `yaml:"device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	LevelIntervalMS int    `yaml:"level_interval_ms"`
}

type TranscoderConfig struct {
	Mode    string `yaml:"mode"` // native, exec
	Command string `yaml:"command"`
}

type EngineConfig struct {
	Mode     string `yaml:"mode"` // mock, exec, whisper
	Command  string `yaml:"command"`
	Language string `yaml:"language"`
	Threads  int    `yaml:"threads"`
}

// ModelEntry declares one model the registry can load.
type ModelEntry struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

type ModelsConfig struct {
	Manifest string       `yaml:"manifest"`
	Default  string       `yaml:"default"`
	Entries  []ModelEntry `yaml:"entries"`
}

type PipelineConfig struct {
	CancelTimeoutMS        int `yaml:"cancel_timeout_ms"`
	ConversionTimeoutMS    int `yaml:"conversion_timeout_ms"`
	TranscriptionTimeoutMS int `yaml:"transcription_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8085,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Artifacts: ArtifactsConfig{
			Dir:          "./data/recordings",
			RawExtension: "wav",
		},
		Capture: CaptureConfig{
			Mode:            "mock",
			SampleRate:      44100,
			Channels:        1,
			LevelIntervalMS: 100,
		},
		Transcoder: TranscoderConfig{
			Mode: "native",
		},
		Engine: EngineConfig{
			Mode:     "mock",
			Language: "zh",
			Threads:  4,
		},
		Models: ModelsConfig{
			Default: "ggml-small-q8_0.bin",
			Entries: []ModelEntry{
				{ID: "ggml-small-q8_0.bin", Name: "Small (q8_0)", Path: "./models/ggml-small-q8_0.bin"},
				{ID: "ggml-base.bin", Name: "Base", Path: "./models/ggml-base.bin"},
				{ID: "ggml-base-q8_0.bin", Name: "Base (q8_0)", Path: "./models/ggml-base-q8_0.bin"},
				{ID: "ggml-tiny.bin", Name: "Tiny", Path: "./models/ggml-tiny.bin"},
			},
		},
		Pipeline: PipelineConfig{
			CancelTimeoutMS:        3000,
			ConversionTimeoutMS:    120000,
			TranscriptionTimeoutMS: 600000,
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
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Artifacts.Dir, "SCRIBE_ARTIFACTS_DIR")
	overrideString(&cfg.Artifacts.RawExtension, "SCRIBE_ARTIFACTS_RAW_EXTENSION")
	overrideBool(&cfg.Artifacts.CleanupOnDiscard, "SCRIBE_ARTIFACTS_CLEANUP_ON_DISCARD")
	overrideString(&cfg.Capture.Mode, "SCRIBE_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "SCRIBE_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.Device, "SCRIBE_CAPTURE_DEVICE")
	overrideInt(&cfg.Capture.SampleRate, "SCRIBE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "SCRIBE_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.LevelIntervalMS, "SCRIBE_CAPTURE_LEVEL_INTERVAL_MS")
	overrideString(&cfg.Transcoder.Mode, "SCRIBE_TRANSCODER_MODE")
	overrideString(&cfg.Transcoder.Command, "SCRIBE_TRANSCODER_COMMAND")
	overrideString(&cfg.Engine.Mode, "SCRIBE_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "SCRIBE_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Language, "SCRIBE_ENGINE_LANGUAGE")
	overrideInt(&cfg.Engine.Threads, "SCRIBE_ENGINE_THREADS")
	overrideString(&cfg.Models.Manifest, "SCRIBE_MODELS_MANIFEST")
	overrideString(&cfg.Models.Default, "SCRIBE_MODELS_DEFAULT")
	overrideInt(&cfg.Pipeline.CancelTimeoutMS, "SCRIBE_PIPELINE_CANCEL_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.ConversionTimeoutMS, "SCRIBE_PIPELINE_CONVERSION_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.TranscriptionTimeoutMS, "SCRIBE_PIPELINE_TRANSCRIPTION_TIMEOUT_MS")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
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
	if cfg.Artifacts.Dir == "" {
		return errors.New("artifacts.dir must not be empty")
	}
	switch strings.ToLower(strings.TrimPrefix(cfg.Artifacts.RawExtension, ".")) {
	case "wav", "flac":
	default:
		return errors.New("artifacts.raw_extension must be one of wav|flac")
	}
	switch cfg.Capture.Mode {
	case "mock", "pulse":
	case "exec":
		if cfg.Capture.Command == "" {
			return errors.New("capture.command must be set when mode=exec")
		}
	default:
		return errors.New("capture.mode must be one of mock|exec|pulse")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	switch cfg.Transcoder.Mode {
	case "native":
	case "exec":
		if cfg.Transcoder.Command == "" {
			return errors.New("transcoder.command must be set when mode=exec")
		}
	default:
		return errors.New("transcoder.mode must be one of native|exec")
	}
	switch cfg.Engine.Mode {
	case "mock", "whisper":
	case "exec":
		if cfg.Engine.Command == "" {
			return errors.New("engine.command must be set when mode=exec")
		}
	default:
		return errors.New("engine.mode must be one of mock|exec|whisper")
	}
	if cfg.Models.Manifest == "" {
		seen := make(map[string]struct{}, len(cfg.Models.Entries))
		for _, entry := range cfg.Models.Entries {
			if entry.ID == "" {
				return errors.New("models.entries[].id must not be empty")
			}
			if _, dup := seen[entry.ID]; dup {
				return fmt.Errorf("models.entries: duplicate id %q", entry.ID)
			}
			seen[entry.ID] = struct{}{}
		}
		if cfg.Models.Default != "" {
			if _, ok := seen[cfg.Models.Default]; !ok {
				return fmt.Errorf("models.default %q is not declared in models.entries", cfg.Models.Default)
			}
		}
	}
	if cfg.Pipeline.CancelTimeoutMS <= 0 {
		return errors.New("pipeline.cancel_timeout_ms must be positive")
	}
	if cfg.Pipeline.ConversionTimeoutMS < 0 || cfg.Pipeline.TranscriptionTimeoutMS < 0 {
		return errors.New("pipeline stage timeouts must be >= 0")
	}
	return nil
}
