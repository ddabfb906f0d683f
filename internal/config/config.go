package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Workers     WorkersConfig
	Limits      LimitsConfig
	LLM         LLMConfig
	Filings     FilingsConfig
	Transcripts TranscriptsConfig
	Docs        DocsConfig
	Retention   RetentionConfig
	Log         LogConfig
	Telemetry   TelemetryConfig
}

type ServerConfig struct {
	Port        int
	MaxConns    int
	IntakeRPS   float64
	IntakeBurst int
	APIKey      string
	MCPEnabled  bool
}

type StorageConfig struct {
	// Backend is one of gcs, fs, redis, sqlite.
	Backend   string
	Bucket    string
	Prefix    string
	DataDir   string
	RedisAddr string
}

type WorkersConfig struct {
	Count          int
	RetryBudget    int
	JobTimeout     time.Duration
	ShutdownGrace  time.Duration
	PersistRetries int
}

type LimitsConfig struct {
	FilingsInterval     time.Duration
	TranscriptsInterval time.Duration
	DocsInterval        time.Duration
	LLMRequests         int
	LLMTokens           int
	LLMWindow           time.Duration
}

type LLMConfig struct {
	BaseURL string
	Model   string
	APIKey  string
}

type FilingsConfig struct {
	BaseURL    string
	ArchiveURL string
	UserAgent  string
}

type TranscriptsConfig struct {
	BaseURL string
	APIKey  string
}

type DocsConfig struct {
	BaseURL string
	Token   string
}

type RetentionConfig struct {
	MaxAge   time.Duration
	Interval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type TelemetryConfig struct {
	// Exporter is "" for the process-global OpenTelemetry providers or
	// "stdout".
	Exporter       string
	MetricInterval time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:        8080,
			MaxConns:    256,
			IntakeRPS:   10,
			IntakeBurst: 20,
		},
		Storage: StorageConfig{
			Backend: "gcs",
			Prefix:  "jobs/",
			DataDir: defaultDataDir(),
		},
		Workers: WorkersConfig{
			Count:          3,
			RetryBudget:    3,
			JobTimeout:     15 * time.Minute,
			ShutdownGrace:  30 * time.Second,
			PersistRetries: 5,
		},
		Limits: LimitsConfig{
			FilingsInterval:     1010 * time.Millisecond,
			TranscriptsInterval: time.Second,
			DocsInterval:        200 * time.Millisecond,
			LLMRequests:         200,
			LLMTokens:           40000,
			LLMWindow:           time.Minute,
		},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4.1-nano",
		},
		Filings: FilingsConfig{
			BaseURL:    "https://data.sec.gov",
			ArchiveURL: "https://www.sec.gov",
			UserAgent:  "Raven Research contact@raven.ai",
		},
		Transcripts: TranscriptsConfig{
			BaseURL: "https://api.api-ninjas.com/v1",
		},
		Docs: DocsConfig{
			BaseURL: "http://localhost:9090",
		},
		Retention: RetentionConfig{
			MaxAge:   7 * 24 * time.Hour,
			Interval: time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			MetricInterval: time.Minute,
		},
	}
}

// Load reads configuration from the JSON config file, RAVEN_* environment
// variables, and the secrets file.
//
// The config file lives at $XDG_CONFIG_HOME/raven/config.json and secrets at
// $XDG_DATA_HOME/raven/secrets.json. Environment variables override both.
// Missing credentials are not an error here: the collaborator that needs
// them fails the job instead.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), secretsFile{path: secretsFilePath()})
}

// secretStore abstracts secret lookup for testing.
type secretStore interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, ss secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, ss)

	return cfg, nil
}

// applySecrets fills secret keys still empty after env overrides.
func applySecrets(cfg *Config, ss secretStore) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if cur, _ := s.extract(*cfg).(string); cur != "" {
			continue
		}
		v, err := ss.Get("raven", s.key)
		if err != nil || v == "" {
			continue
		}
		s.apply(cfg, strings.TrimSpace(v))
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "raven-data"
		}
	}
	return filepath.Join(dir, "raven")
}
