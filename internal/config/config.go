package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// Level maps log_level onto a slog level, defaulting to info.
func (t TelemetryConfig) Level() slog.Level {
	switch strings.ToLower(t.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
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
	Server      ServerConfig     `yaml:"server"`
	Avatar      AvatarConfig     `yaml:"avatar"`
	Features    FeaturesConfig   `yaml:"features"`
	Engine      EngineConfig     `yaml:"engine"`
	Compositor  CompositorConfig `yaml:"compositor"`
	Stream      StreamConfig     `yaml:"stream"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

// ServerConfig controls the websocket endpoint that streams frames.
type ServerConfig struct {
	Bind               string `yaml:"bind"`
	Port               int    `yaml:"port"`
	Path               string `yaml:"path"`
	PingIntervalMS     int    `yaml:"ping_interval_ms"`
	PingTimeoutMS      int    `yaml:"ping_timeout_ms"`
	CloseTimeoutMS     int    `yaml:"close_timeout_ms"`
	WriteTimeoutMS     int    `yaml:"write_timeout_ms"`
	MaxMessageBytes    int64  `yaml:"max_message_bytes"`
	Compression        bool   `yaml:"compression"`
	MaxPendingRequests int    `yaml:"max_pending_requests"`
	AudioRoot          string `yaml:"audio_root"`
}

func (s ServerConfig) PingInterval() time.Duration { return ms(s.PingIntervalMS) }
func (s ServerConfig) PingTimeout() time.Duration  { return ms(s.PingTimeoutMS) }
func (s ServerConfig) CloseTimeout() time.Duration { return ms(s.CloseTimeoutMS) }
func (s ServerConfig) WriteTimeout() time.Duration { return ms(s.WriteTimeoutMS) }

type AvatarConfig struct {
	Directory       string   `yaml:"directory"`
	Default         string   `yaml:"default"`
	Preload         []string `yaml:"preload"`
	LoadConcurrency int      `yaml:"load_concurrency"`
}

type FeaturesConfig struct {
	Mode     string `yaml:"mode"` // wav, exec
	Command  string `yaml:"command"`
	FPS      int    `yaml:"fps"`
	PadLeft  int    `yaml:"pad_left"`
	PadRight int    `yaml:"pad_right"`
}

type EngineConfig struct {
	Mode           string `yaml:"mode"` // mock, http
	Endpoint       string `yaml:"endpoint"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	BatchSize      int    `yaml:"batch_size"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	PatchSize      int    `yaml:"patch_size"`
}

type CompositorConfig struct {
	JPEGQuality      int `yaml:"jpeg_quality"`
	OptimizeBelow    int `yaml:"optimize_below"`
	OptimizeMaxBytes int `yaml:"optimize_max_bytes"` // 0 reduces only frames over server.max_message_bytes
}

type StreamConfig struct {
	ProgressEvery      int `yaml:"progress_every"`
	ProgressIntervalMS int `yaml:"progress_interval_ms"`
	ProgressYieldMS    int `yaml:"progress_yield_ms"`
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
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-avatar",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Server: ServerConfig{
			Bind:               "0.0.0.0",
			Port:               8765,
			Path:               "/",
			PingIntervalMS:     60000,
			PingTimeoutMS:      30000,
			CloseTimeoutMS:     30000,
			WriteTimeoutMS:     10000,
			MaxMessageBytes:    10_000_000,
			Compression:        false,
			MaxPendingRequests: 4,
		},
		Avatar: AvatarConfig{
			Directory:       "./results/avatars",
			Default:         "avatar_1",
			Preload:         []string{"avatar_1"},
			LoadConcurrency: 8,
		},
		Features: FeaturesConfig{
			Mode:     "wav",
			FPS:      25,
			PadLeft:  2,
			PadRight: 2,
		},
		Engine: EngineConfig{
			Mode:           "mock",
			Endpoint:       "http://localhost:9000",
			TimeoutMS:      30000,
			BatchSize:      10,
			MaxConcurrency: 1,
			PatchSize:      256,
		},
		Compositor: CompositorConfig{
			JPEGQuality:      70,
			OptimizeBelow:    50,
			OptimizeMaxBytes: 0,
		},
		Stream: StreamConfig{
			ProgressEvery:      50,
			ProgressIntervalMS: 2000,
			ProgressYieldMS:    1,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "avatar",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/avatar-sessions.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
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
	overrideString(&cfg.RuntimeName, "AVATARD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "AVATARD_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "AVATARD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "AVATARD_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "AVATARD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "AVATARD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "AVATARD_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Server.Bind, "AVATARD_SERVER_BIND")
	overrideInt(&cfg.Server.Port, "AVATARD_SERVER_PORT")
	overrideString(&cfg.Server.Path, "AVATARD_SERVER_PATH")
	overrideInt(&cfg.Server.PingIntervalMS, "AVATARD_SERVER_PING_INTERVAL_MS")
	overrideInt(&cfg.Server.PingTimeoutMS, "AVATARD_SERVER_PING_TIMEOUT_MS")
	overrideInt(&cfg.Server.CloseTimeoutMS, "AVATARD_SERVER_CLOSE_TIMEOUT_MS")
	overrideInt(&cfg.Server.WriteTimeoutMS, "AVATARD_SERVER_WRITE_TIMEOUT_MS")
	overrideInt64(&cfg.Server.MaxMessageBytes, "AVATARD_SERVER_MAX_MESSAGE_BYTES")
	overrideBool(&cfg.Server.Compression, "AVATARD_SERVER_COMPRESSION")
	overrideInt(&cfg.Server.MaxPendingRequests, "AVATARD_SERVER_MAX_PENDING_REQUESTS")
	overrideString(&cfg.Server.AudioRoot, "AVATARD_SERVER_AUDIO_ROOT")
	overrideString(&cfg.Avatar.Directory, "AVATARD_AVATAR_DIRECTORY")
	overrideString(&cfg.Avatar.Default, "AVATARD_AVATAR_DEFAULT")
	overrideStringSlice(&cfg.Avatar.Preload, "AVATARD_AVATAR_PRELOAD")
	overrideInt(&cfg.Avatar.LoadConcurrency, "AVATARD_AVATAR_LOAD_CONCURRENCY")
	overrideString(&cfg.Features.Mode, "AVATARD_FEATURES_MODE")
	overrideString(&cfg.Features.Command, "AVATARD_FEATURES_COMMAND")
	overrideInt(&cfg.Features.FPS, "AVATARD_FEATURES_FPS")
	overrideInt(&cfg.Features.PadLeft, "AVATARD_FEATURES_PAD_LEFT")
	overrideInt(&cfg.Features.PadRight, "AVATARD_FEATURES_PAD_RIGHT")
	overrideString(&cfg.Engine.Mode, "AVATARD_ENGINE_MODE")
	overrideString(&cfg.Engine.Endpoint, "AVATARD_ENGINE_ENDPOINT")
	overrideInt(&cfg.Engine.TimeoutMS, "AVATARD_ENGINE_TIMEOUT_MS")
	overrideInt(&cfg.Engine.BatchSize, "AVATARD_ENGINE_BATCH_SIZE")
	overrideInt(&cfg.Engine.MaxConcurrency, "AVATARD_ENGINE_MAX_CONCURRENCY")
	overrideInt(&cfg.Engine.PatchSize, "AVATARD_ENGINE_PATCH_SIZE")
	overrideInt(&cfg.Compositor.JPEGQuality, "AVATARD_COMPOSITOR_JPEG_QUALITY")
	overrideInt(&cfg.Compositor.OptimizeBelow, "AVATARD_COMPOSITOR_OPTIMIZE_BELOW")
	overrideInt(&cfg.Compositor.OptimizeMaxBytes, "AVATARD_COMPOSITOR_OPTIMIZE_MAX_BYTES")
	overrideInt(&cfg.Stream.ProgressEvery, "AVATARD_STREAM_PROGRESS_EVERY")
	overrideInt(&cfg.Stream.ProgressIntervalMS, "AVATARD_STREAM_PROGRESS_INTERVAL_MS")
	overrideInt(&cfg.Stream.ProgressYieldMS, "AVATARD_STREAM_PROGRESS_YIELD_MS")
	overrideBool(&cfg.Bus.Enabled, "AVATARD_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "AVATARD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "AVATARD_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "AVATARD_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "AVATARD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "AVATARD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "AVATARD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "AVATARD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "AVATARD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "AVATARD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "AVATARD_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.EventStore.Path, "AVATARD_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "AVATARD_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "AVATARD_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "AVATARD_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "AVATARD_EVENT_STORE_VACUUM_ON_START")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
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
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if cfg.Server.Port == cfg.HTTP.Port && cfg.Server.Bind == cfg.HTTP.Bind {
		return errors.New("server.port must differ from http.port")
	}
	if !strings.HasPrefix(cfg.Server.Path, "/") {
		return errors.New("server.path must start with /")
	}
	if cfg.Server.PingIntervalMS <= 0 {
		return errors.New("server.ping_interval_ms must be positive")
	}
	if cfg.Server.PingTimeoutMS <= 0 {
		return errors.New("server.ping_timeout_ms must be positive")
	}
	if cfg.Server.CloseTimeoutMS <= 0 {
		return errors.New("server.close_timeout_ms must be positive")
	}
	if cfg.Server.WriteTimeoutMS <= 0 {
		return errors.New("server.write_timeout_ms must be positive")
	}
	if cfg.Server.MaxMessageBytes <= 0 {
		return errors.New("server.max_message_bytes must be positive")
	}
	if cfg.Server.MaxPendingRequests <= 0 {
		return errors.New("server.max_pending_requests must be >= 1")
	}
	if cfg.Avatar.Directory == "" {
		return errors.New("avatar.directory must not be empty")
	}
	if cfg.Avatar.Default == "" {
		return errors.New("avatar.default must not be empty")
	}
	if cfg.Avatar.LoadConcurrency <= 0 {
		return errors.New("avatar.load_concurrency must be >= 1")
	}
	switch cfg.Features.Mode {
	case "wav":
	case "exec":
		if cfg.Features.Command == "" {
			return errors.New("features.command must be set when mode=exec")
		}
	default:
		return errors.New("features.mode must be one of wav|exec")
	}
	if cfg.Features.FPS <= 0 {
		return errors.New("features.fps must be positive")
	}
	if cfg.Features.PadLeft < 0 || cfg.Features.PadRight < 0 {
		return errors.New("features.pad_left and features.pad_right must be >= 0")
	}
	switch cfg.Engine.Mode {
	case "mock":
	case "http":
		if cfg.Engine.Endpoint == "" {
			return errors.New("engine.endpoint must be set when mode=http")
		}
	default:
		return errors.New("engine.mode must be one of mock|http")
	}
	if cfg.Engine.BatchSize <= 0 {
		return errors.New("engine.batch_size must be >= 1")
	}
	if cfg.Engine.MaxConcurrency <= 0 {
		return errors.New("engine.max_concurrency must be >= 1")
	}
	if cfg.Engine.PatchSize <= 0 {
		return errors.New("engine.patch_size must be positive")
	}
	if cfg.Compositor.JPEGQuality < 1 || cfg.Compositor.JPEGQuality > 100 {
		return errors.New("compositor.jpeg_quality must be between 1 and 100")
	}
	if cfg.Compositor.OptimizeMaxBytes < 0 {
		return errors.New("compositor.optimize_max_bytes must be >= 0")
	}
	if cfg.Stream.ProgressEvery <= 0 {
		return errors.New("stream.progress_every must be >= 1")
	}
	if cfg.Stream.ProgressIntervalMS <= 0 {
		return errors.New("stream.progress_interval_ms must be positive")
	}
	if cfg.Stream.ProgressYieldMS < 0 {
		return errors.New("stream.progress_yield_ms must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
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
	return nil
}
