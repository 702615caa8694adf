package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level" toml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind" toml:"prometheus_bind"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Bind    string `yaml:"bind" toml:"bind"`
	Port    int    `yaml:"port" toml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name" toml:"runtime_name"`
	Environment  string             `yaml:"environment" toml:"environment"`
	HTTP         HTTPConfig         `yaml:"http" toml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" toml:"telemetry"`
	Bus          BusConfig          `yaml:"bus" toml:"bus"`
	EventStore   EventStoreConfig   `yaml:"event_store" toml:"event_store"`
	Capture      CaptureConfig      `yaml:"capture" toml:"capture"`
	Source       SourceConfig       `yaml:"source" toml:"source"`
	Engine       EngineConfig       `yaml:"engine" toml:"engine"`
	Cues         CueConfig          `yaml:"cues" toml:"cues"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" toml:"orchestrator"`
	Hosts        HostsConfig        `yaml:"hosts" toml:"hosts"`
	Injector     InjectorConfig     `yaml:"injector" toml:"injector"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded" toml:"embedded"`
	Port           int      `yaml:"port" toml:"port"`
	StoreDir       string   `yaml:"store_dir" toml:"store_dir"`
	Servers        []string `yaml:"servers" toml:"servers"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	Token          string   `yaml:"token" toml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure" toml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path" toml:"path"`
	RetentionMode string `yaml:"retention_mode" toml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions" toml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" toml:"vacuum_on_start"`
}

// CaptureConfig controls the capture-recognition worker.
type CaptureConfig struct {
	SampleRate          int `yaml:"sample_rate" toml:"sample_rate"`
	Channels            int `yaml:"channels" toml:"channels"`
	FrameSize           int `yaml:"frame_size" toml:"frame_size"`
	QueueDepth          int `yaml:"queue_depth" toml:"queue_depth"`
	InactivityTimeoutMS int `yaml:"inactivity_timeout_ms" toml:"inactivity_timeout_ms"`
}

// SourceConfig selects the audio-acquisition primitive.
type SourceConfig struct {
	Mode        string `yaml:"mode" toml:"mode"` // ffmpeg, wav, portaudio
	Command     string `yaml:"command" toml:"command"`
	InputFormat string `yaml:"input_format" toml:"input_format"`
	InputDevice string `yaml:"input_device" toml:"input_device"`
	Path        string `yaml:"path" toml:"path"`
	Realtime    bool   `yaml:"realtime" toml:"realtime"`
}

// EngineConfig selects the recognition engine.
type EngineConfig struct {
	Mode           string `yaml:"mode" toml:"mode"` // mock, exec
	Command        string `yaml:"command" toml:"command"`
	ModelPath      string `yaml:"model_path" toml:"model_path"`
	PartialEvery   int    `yaml:"partial_every_frames" toml:"partial_every_frames"`
	FinalEvery     int    `yaml:"final_every_frames" toml:"final_every_frames"`
	StartTimeoutMS int    `yaml:"start_timeout_ms" toml:"start_timeout_ms"`
}

type CueConfig struct {
	Enabled         bool    `yaml:"enabled" toml:"enabled"`
	Command         string  `yaml:"command" toml:"command"`
	SampleRate      int     `yaml:"sample_rate" toml:"sample_rate"`
	StartDurationMS int     `yaml:"start_duration_ms" toml:"start_duration_ms"`
	StopDurationMS  int     `yaml:"stop_duration_ms" toml:"stop_duration_ms"`
	Volume          float64 `yaml:"volume" toml:"volume"`
}

type OrchestratorConfig struct {
	ControlTimeoutMS int    `yaml:"control_timeout_ms" toml:"control_timeout_ms"`
	WorkerReason     string `yaml:"worker_reason" toml:"worker_reason"`
	Justification    string `yaml:"justification" toml:"justification"`
}

type HostsConfig struct {
	HeartbeatInterval int `yaml:"heartbeat_interval_ms" toml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int `yaml:"heartbeat_timeout_ms" toml:"heartbeat_timeout_ms"`
}

type InjectorConfig struct {
	FadeMS         int    `yaml:"fade_ms" toml:"fade_ms"`
	IndicatorLabel string `yaml:"indicator_label" toml:"indicator_label"`
	LogPath        string `yaml:"log_path" toml:"log_path"`
}

// InactivityTimeout returns the worker auto-stop window.
func (c CaptureConfig) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutMS) * time.Millisecond
}

func (c OrchestratorConfig) ControlTimeout() time.Duration {
	return time.Duration(c.ControlTimeoutMS) * time.Millisecond
}

func (c InjectorConfig) Fade() time.Duration {
	return time.Duration(c.FadeMS) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8085,
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
			StoreDir:       "",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/dictate-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			SampleRate:          16000,
			Channels:            1,
			FrameSize:           1024,
			QueueDepth:          64,
			InactivityTimeoutMS: 15000,
		},
		Source: SourceConfig{
			Mode:        "ffmpeg",
			Command:     "ffmpeg",
			InputFormat: "pulse",
			InputDevice: "default",
			Realtime:    true,
		},
		Engine: EngineConfig{
			Mode:           "mock",
			ModelPath:      "models/vosk-model-small-en-us-0.15",
			PartialEvery:   8,
			FinalEvery:     40,
			StartTimeoutMS: 10000,
		},
		Cues: CueConfig{
			Enabled:         true,
			Command:         "aplay -q -t raw -f S16_LE -c 1 -r {rate}",
			SampleRate:      44100,
			StartDurationMS: 220,
			StopDurationMS:  280,
			Volume:          1.0,
		},
		Orchestrator: OrchestratorConfig{
			ControlTimeoutMS: 15000,
			WorkerReason:     "user_media",
			Justification:    "Microphone capture for local speech-to-text recognition",
		},
		Hosts: HostsConfig{
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Injector: InjectorConfig{
			FadeMS:         150,
			IndicatorLabel: "Listening...",
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
		if err := decode(path, data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "DICTATE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "DICTATE_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "DICTATE_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "DICTATE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "DICTATE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "DICTATE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "DICTATE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "DICTATE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "DICTATE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "DICTATE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "DICTATE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "DICTATE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "DICTATE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "DICTATE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "DICTATE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "DICTATE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "DICTATE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "DICTATE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "DICTATE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "DICTATE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "DICTATE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "DICTATE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "DICTATE_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Capture.SampleRate, "DICTATE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "DICTATE_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FrameSize, "DICTATE_CAPTURE_FRAME_SIZE")
	overrideInt(&cfg.Capture.QueueDepth, "DICTATE_CAPTURE_QUEUE_DEPTH")
	overrideInt(&cfg.Capture.InactivityTimeoutMS, "DICTATE_CAPTURE_INACTIVITY_TIMEOUT_MS")
	overrideString(&cfg.Source.Mode, "DICTATE_SOURCE_MODE")
	overrideString(&cfg.Source.Command, "DICTATE_SOURCE_COMMAND")
	overrideString(&cfg.Source.InputFormat, "DICTATE_SOURCE_INPUT_FORMAT")
	overrideString(&cfg.Source.InputDevice, "DICTATE_SOURCE_INPUT_DEVICE")
	overrideString(&cfg.Source.Path, "DICTATE_SOURCE_PATH")
	overrideBool(&cfg.Source.Realtime, "DICTATE_SOURCE_REALTIME")
	overrideString(&cfg.Engine.Mode, "DICTATE_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "DICTATE_ENGINE_COMMAND")
	overrideString(&cfg.Engine.ModelPath, "DICTATE_ENGINE_MODEL_PATH")
	overrideInt(&cfg.Engine.PartialEvery, "DICTATE_ENGINE_PARTIAL_EVERY_FRAMES")
	overrideInt(&cfg.Engine.FinalEvery, "DICTATE_ENGINE_FINAL_EVERY_FRAMES")
	overrideInt(&cfg.Engine.StartTimeoutMS, "DICTATE_ENGINE_START_TIMEOUT_MS")
	overrideBool(&cfg.Cues.Enabled, "DICTATE_CUES_ENABLED")
	overrideString(&cfg.Cues.Command, "DICTATE_CUES_COMMAND")
	overrideInt(&cfg.Cues.SampleRate, "DICTATE_CUES_SAMPLE_RATE")
	overrideInt(&cfg.Cues.StartDurationMS, "DICTATE_CUES_START_DURATION_MS")
	overrideInt(&cfg.Cues.StopDurationMS, "DICTATE_CUES_STOP_DURATION_MS")
	overrideFloat(&cfg.Cues.Volume, "DICTATE_CUES_VOLUME")
	overrideInt(&cfg.Orchestrator.ControlTimeoutMS, "DICTATE_ORCHESTRATOR_CONTROL_TIMEOUT_MS")
	overrideString(&cfg.Orchestrator.WorkerReason, "DICTATE_ORCHESTRATOR_WORKER_REASON")
	overrideInt(&cfg.Hosts.HeartbeatInterval, "DICTATE_HOSTS_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Hosts.HeartbeatTimeout, "DICTATE_HOSTS_HEARTBEAT_TIMEOUT_MS")
	overrideInt(&cfg.Injector.FadeMS, "DICTATE_INJECTOR_FADE_MS")
	overrideString(&cfg.Injector.IndicatorLabel, "DICTATE_INJECTOR_INDICATOR_LABEL")
	overrideString(&cfg.Injector.LogPath, "DICTATE_INJECTOR_LOG_PATH")
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
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
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
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels != 1 {
		return errors.New("capture.channels must be 1")
	}
	if cfg.Capture.FrameSize <= 0 {
		return errors.New("capture.frame_size must be positive")
	}
	if cfg.Capture.QueueDepth <= 0 {
		return errors.New("capture.queue_depth must be positive")
	}
	if cfg.Capture.InactivityTimeoutMS <= 0 {
		return errors.New("capture.inactivity_timeout_ms must be positive")
	}
	switch cfg.Source.Mode {
	case "ffmpeg", "portaudio":
	case "wav":
		if cfg.Source.Path == "" {
			return errors.New("source.path must be set when mode=wav")
		}
	default:
		return errors.New("source.mode must be one of ffmpeg|wav|portaudio")
	}
	switch cfg.Engine.Mode {
	case "mock":
	case "exec":
		if cfg.Engine.Command == "" {
			return errors.New("engine.command must be set when mode=exec")
		}
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.ModelPath == "" {
		return errors.New("engine.model_path must not be empty")
	}
	if cfg.Cues.Enabled {
		if cfg.Cues.SampleRate <= 0 {
			return errors.New("cues.sample_rate must be positive")
		}
		if cfg.Cues.StartDurationMS <= 0 || cfg.Cues.StopDurationMS <= 0 {
			return errors.New("cues durations must be positive")
		}
	}
	if cfg.Orchestrator.ControlTimeoutMS <= 0 {
		return errors.New("orchestrator.control_timeout_ms must be positive")
	}
	if cfg.Hosts.HeartbeatInterval <= 0 {
		return errors.New("hosts.heartbeat_interval_ms must be positive")
	}
	if cfg.Hosts.HeartbeatTimeout <= cfg.Hosts.HeartbeatInterval {
		return errors.New("hosts.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.Injector.FadeMS < 0 {
		return errors.New("injector.fade_ms must be >= 0")
	}
	return nil
}
