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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	// StdoutTraces pretty-prints spans when no OTLP endpoint is set.
	StdoutTraces bool `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Audio       AudioConfig     `yaml:"audio"`
	Embedding   EmbeddingConfig `yaml:"embedding"`
	Matcher     MatcherConfig   `yaml:"matcher"`
	Store       StoreConfig     `yaml:"store"`
	Audit       AuditConfig     `yaml:"audit"`
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
	QueueGroup     string   `yaml:"queue_group"`
}

type AudioConfig struct {
	MinDurationMS int `yaml:"min_duration_ms"`
	MaxDurationMS int `yaml:"max_duration_ms"`
}

type EmbeddingConfig struct {
	Mode      string `yaml:"mode"` // spectral, exec, http
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Endpoint  string `yaml:"endpoint"`
	ModelID   string `yaml:"model_id"`
	Dimension int    `yaml:"dimension"`
	Bands     int    `yaml:"bands"`
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type MatcherConfig struct {
	Threshold float64 `yaml:"threshold"`
	HashBits  int     `yaml:"hash_bits"`
}

type StoreConfig struct {
	Backend          string `yaml:"backend"` // file, sqlite, badger, memory
	Path             string `yaml:"path"`
	AllowModelChange bool   `yaml:"allow_model_change"`
}

type AuditConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"` // ephemeral, persistent
	RetentionDays int    `yaml:"retention_days"`
	MaxEvents     int    `yaml:"max_events"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		ServiceName: "voicelock",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           8000,
			MaxUploadBytes: 10 << 20,
			AllowedOrigins: []string{"*"},
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			QueueGroup:     "voicelock",
		},
		Audio: AudioConfig{
			MinDurationMS: 500,
			MaxDurationMS: 30000,
		},
		Embedding: EmbeddingConfig{
			Mode:      "spectral",
			Bands:     64,
			TimeoutMS: 30000,
		},
		Matcher: MatcherConfig{
			Threshold: 0.45,
			HashBits:  16,
		},
		Store: StoreConfig{
			Backend: "file",
			Path:    "./data/voiceprints.msgpack",
		},
		Audit: AuditConfig{
			Path:          "./data/voicelock-audit.db",
			RetentionMode: "persistent",
			RetentionDays: 90,
			MaxEvents:     100000,
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
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "VOICELOCK_SERVICE_NAME")
	overrideString(&cfg.Environment, "VOICELOCK_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICELOCK_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICELOCK_HTTP_PORT")
	overrideInt64(&cfg.HTTP.MaxUploadBytes, "VOICELOCK_HTTP_MAX_UPLOAD_BYTES")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "VOICELOCK_HTTP_ALLOWED_ORIGINS")
	overrideString(&cfg.Telemetry.LogLevel, "VOICELOCK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICELOCK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICELOCK_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "VOICELOCK_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "VOICELOCK_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICELOCK_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICELOCK_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOICELOCK_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOICELOCK_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICELOCK_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICELOCK_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICELOCK_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICELOCK_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICELOCK_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.QueueGroup, "VOICELOCK_BUS_QUEUE_GROUP")
	overrideInt(&cfg.Audio.MinDurationMS, "VOICELOCK_AUDIO_MIN_DURATION_MS")
	overrideInt(&cfg.Audio.MaxDurationMS, "VOICELOCK_AUDIO_MAX_DURATION_MS")
	overrideString(&cfg.Embedding.Mode, "VOICELOCK_EMBEDDING_MODE")
	overrideString(&cfg.Embedding.Command, "VOICELOCK_EMBEDDING_COMMAND")
	overrideString(&cfg.Embedding.ModelPath, "VOICELOCK_EMBEDDING_MODEL_PATH")
	overrideString(&cfg.Embedding.Endpoint, "VOICELOCK_EMBEDDING_ENDPOINT")
	overrideString(&cfg.Embedding.ModelID, "VOICELOCK_EMBEDDING_MODEL_ID")
	overrideInt(&cfg.Embedding.Dimension, "VOICELOCK_EMBEDDING_DIMENSION")
	overrideInt(&cfg.Embedding.Bands, "VOICELOCK_EMBEDDING_BANDS")
	overrideInt(&cfg.Embedding.Workers, "VOICELOCK_EMBEDDING_WORKERS")
	overrideInt(&cfg.Embedding.QueueSize, "VOICELOCK_EMBEDDING_QUEUE_SIZE")
	overrideInt(&cfg.Embedding.TimeoutMS, "VOICELOCK_EMBEDDING_TIMEOUT_MS")
	overrideFloat(&cfg.Matcher.Threshold, "VOICELOCK_MATCHER_THRESHOLD")
	overrideInt(&cfg.Matcher.HashBits, "VOICELOCK_MATCHER_HASH_BITS")
	overrideString(&cfg.Store.Backend, "VOICELOCK_STORE_BACKEND")
	overrideString(&cfg.Store.Path, "VOICELOCK_STORE_PATH")
	overrideBool(&cfg.Store.AllowModelChange, "VOICELOCK_STORE_ALLOW_MODEL_CHANGE")
	overrideString(&cfg.Audit.Path, "VOICELOCK_AUDIT_PATH")
	overrideString(&cfg.Audit.RetentionMode, "VOICELOCK_AUDIT_RETENTION_MODE")
	overrideInt(&cfg.Audit.RetentionDays, "VOICELOCK_AUDIT_RETENTION_DAYS")
	overrideInt(&cfg.Audit.MaxEvents, "VOICELOCK_AUDIT_MAX_EVENTS")
	overrideBool(&cfg.Audit.VacuumOnStart, "VOICELOCK_AUDIT_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg *Config) error {
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadBytes <= 0 {
		return errors.New("http.max_upload_bytes must be positive")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.QueueGroup == "" {
			return errors.New("bus.queue_group must not be empty")
		}
	}
	if cfg.Audio.MinDurationMS <= 0 {
		return errors.New("audio.min_duration_ms must be positive")
	}
	if cfg.Audio.MaxDurationMS != 0 && cfg.Audio.MaxDurationMS < cfg.Audio.MinDurationMS {
		return errors.New("audio.max_duration_ms must be 0 or >= audio.min_duration_ms")
	}
	switch cfg.Embedding.Mode {
	case "spectral":
		if cfg.Embedding.Bands < 8 {
			return errors.New("embedding.bands must be >= 8")
		}
	case "exec", "http":
		if cfg.Embedding.Mode == "exec" && cfg.Embedding.Command == "" {
			return errors.New("embedding.command must be set when mode=exec")
		}
		if cfg.Embedding.Mode == "http" && cfg.Embedding.Endpoint == "" {
			return errors.New("embedding.endpoint must be set when mode=http")
		}
		if cfg.Embedding.Dimension <= 0 {
			return errors.New("embedding.dimension must be positive when mode=exec|http")
		}
		if cfg.Embedding.ModelID == "" {
			return errors.New("embedding.model_id must be set when mode=exec|http")
		}
	default:
		return errors.New("embedding.mode must be one of spectral|exec|http")
	}
	if cfg.Embedding.Workers < 0 {
		return errors.New("embedding.workers must be >= 0")
	}
	if cfg.Matcher.Threshold < -1 || cfg.Matcher.Threshold >= 1 {
		return errors.New("matcher.threshold must be in [-1, 1)")
	}
	if cfg.Matcher.HashBits <= 0 || cfg.Matcher.HashBits%4 != 0 {
		return errors.New("matcher.hash_bits must be a positive multiple of 4")
	}
	switch cfg.Store.Backend {
	case "memory":
	case "file", "sqlite", "badger":
		if cfg.Store.Path == "" {
			return errors.New("store.path must not be empty")
		}
	default:
		return errors.New("store.backend must be one of file|sqlite|badger|memory")
	}
	switch cfg.Audit.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.Audit.Path == "" {
			return errors.New("audit.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("audit.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Audit.RetentionDays < 0 {
		return errors.New("audit.retention_days must be >= 0")
	}
	return nil
}
