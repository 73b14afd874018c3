package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level" env:"LOQA_TELEMETRY_LOG_LEVEL"`
	LogFormat    string `yaml:"log_format" env:"LOQA_TELEMETRY_LOG_FORMAT"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"LOQA_TELEMETRY_OTLP_ENDPOINT"`
	OTLPInsecure bool   `yaml:"otlp_insecure" env:"LOQA_TELEMETRY_OTLP_INSECURE"`
	TraceStdout  bool   `yaml:"trace_stdout" env:"LOQA_TELEMETRY_TRACE_STDOUT"`
}

type HTTPConfig struct {
	Bind           string  `yaml:"bind" env:"LOQA_HTTP_BIND"`
	Port           int     `yaml:"port" env:"LOQA_HTTP_PORT"`
	MaxTextBytes   int     `yaml:"max_text_bytes" env:"LOQA_HTTP_MAX_TEXT_BYTES"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"LOQA_HTTP_RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"LOQA_HTTP_RATE_LIMIT_BURST"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name" env:"LOQA_RUNTIME_NAME"`
	Environment string          `yaml:"environment" env:"LOQA_RUNTIME_ENVIRONMENT"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Journal     JournalConfig   `yaml:"journal"`
	TTS         TTSConfig       `yaml:"tts"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled" env:"LOQA_BUS_ENABLED"`
	Embedded       bool     `yaml:"embedded" env:"LOQA_BUS_EMBEDDED"`
	Port           int      `yaml:"port" env:"LOQA_BUS_PORT"`
	StoreDir       string   `yaml:"store_dir" env:"LOQA_BUS_STORE_DIR"`
	Servers        []string `yaml:"servers" env:"LOQA_BUS_SERVERS"`
	Username       string   `yaml:"username" env:"LOQA_BUS_USERNAME"`
	Password       string   `yaml:"password" env:"LOQA_BUS_PASSWORD"`
	Token          string   `yaml:"token" env:"LOQA_BUS_TOKEN"`
	TLSInsecure    bool     `yaml:"tls_insecure" env:"LOQA_BUS_TLS_INSECURE"`
	ConnectTimeout int      `yaml:"connect_timeout_ms" env:"LOQA_BUS_CONNECT_TIMEOUT_MS"`
}

type JournalConfig struct {
	Path          string `yaml:"path" env:"LOQA_JOURNAL_PATH"`
	RetentionMode string `yaml:"retention_mode" env:"LOQA_JOURNAL_RETENTION_MODE"`
	RetentionDays int    `yaml:"retention_days" env:"LOQA_JOURNAL_RETENTION_DAYS"`
	MaxJobs       int    `yaml:"max_jobs" env:"LOQA_JOURNAL_MAX_JOBS"`
	VacuumOnStart bool   `yaml:"vacuum_on_start" env:"LOQA_JOURNAL_VACUUM_ON_START"`
}

type TTSConfig struct {
	Mode        string  `yaml:"mode" env:"LOQA_TTS_MODE"` // mock, exec, http
	Command     string  `yaml:"command" env:"LOQA_TTS_COMMAND"`
	Endpoint    string  `yaml:"endpoint" env:"LOQA_TTS_ENDPOINT"`
	Voice       string  `yaml:"voice" env:"LOQA_TTS_VOICE"`
	Speed       float64 `yaml:"speed" env:"LOQA_TTS_SPEED"`
	SampleRate  int     `yaml:"sample_rate" env:"LOQA_TTS_SAMPLE_RATE"`
	Channels    int     `yaml:"channels" env:"LOQA_TTS_CHANNELS"`
	SampleWidth int     `yaml:"sample_width" env:"LOQA_TTS_SAMPLE_WIDTH"`
	TimeoutMS   int     `yaml:"timeout_ms" env:"LOQA_TTS_TIMEOUT_MS"`
	MockDelayMS int     `yaml:"mock_delay_ms" env:"LOQA_TTS_MOCK_DELAY_MS"`
	FailPattern string  `yaml:"fail_pattern" env:"LOQA_TTS_FAIL_PATTERN"`
}

type PipelineConfig struct {
	MaxConcurrency int      `yaml:"max_concurrency" env:"LOQA_PIPELINE_MAX_CONCURRENCY"`
	StreamOrder    string   `yaml:"stream_order" env:"LOQA_PIPELINE_STREAM_ORDER"` // completion, sentence
	UnitTimeoutMS  int      `yaml:"unit_timeout_ms" env:"LOQA_PIPELINE_UNIT_TIMEOUT_MS"`
	Abbreviations  []string `yaml:"abbreviations" env:"LOQA_PIPELINE_ABBREVIATIONS"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           8000,
			MaxTextBytes:   64 * 1024,
			RateLimitRPS:   0,
			RateLimitBurst: 10,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPEndpoint: "",
			OTLPInsecure: true,
			TraceStdout:  false,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Journal: JournalConfig{
			Path:          "./data/loqa-tts-journal.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxJobs:       10000,
		},
		TTS: TTSConfig{
			Mode:        "mock",
			Voice:       "amy",
			Speed:       1.0,
			SampleRate:  22050,
			Channels:    1,
			SampleWidth: 2,
			TimeoutMS:   30000,
			MockDelayMS: 50,
		},
		Pipeline: PipelineConfig{
			MaxConcurrency: 4,
			StreamOrder:    "completion",
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

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.Bus.Servers = trimAll(cfg.Bus.Servers)
	cfg.Pipeline.Abbreviations = trimAll(cfg.Pipeline.Abbreviations)
	cfg.TTS.Mode = strings.ToLower(strings.TrimSpace(cfg.TTS.Mode))
	cfg.Pipeline.StreamOrder = strings.ToLower(strings.TrimSpace(cfg.Pipeline.StreamOrder))
	if cfg.Pipeline.StreamOrder == "" {
		cfg.Pipeline.StreamOrder = "completion"
	}
}

func trimAll(values []string) []string {
	var trimmed []string
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	return trimmed
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxTextBytes <= 0 {
		return errors.New("http.max_text_bytes must be positive")
	}
	if cfg.HTTP.RateLimitRPS < 0 {
		return errors.New("http.rate_limit_rps must be >= 0")
	}
	if cfg.HTTP.RateLimitRPS > 0 && cfg.HTTP.RateLimitBurst <= 0 {
		return errors.New("http.rate_limit_burst must be positive when rate limiting is enabled")
	}
	switch cfg.Telemetry.LogFormat {
	case "json", "text":
	default:
		return errors.New("telemetry.log_format must be one of json|text")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port == 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Journal.RetentionMode != "ephemeral" && cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec", "http":
	default:
		return errors.New("tts.mode must be one of mock|exec|http")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.Mode == "http" && cfg.TTS.Endpoint == "" {
		return errors.New("tts.endpoint must be set when mode=http")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.SampleWidth <= 0 || cfg.TTS.SampleWidth > 4 {
		return errors.New("tts.sample_width must be between 1 and 4 bytes")
	}
	if cfg.TTS.TimeoutMS < 0 {
		return errors.New("tts.timeout_ms must be >= 0")
	}
	if cfg.Pipeline.MaxConcurrency <= 0 {
		return errors.New("pipeline.max_concurrency must be >= 1")
	}
	switch cfg.Pipeline.StreamOrder {
	case "completion", "sentence":
	default:
		return errors.New("pipeline.stream_order must be one of completion|sentence")
	}
	if cfg.Pipeline.UnitTimeoutMS < 0 {
		return errors.New("pipeline.unit_timeout_ms must be >= 0")
	}
	return nil
}
