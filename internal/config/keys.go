package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "RAVEN_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "RAVEN_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.intake_rps", typ: kFloat, env: "RAVEN_SERVER_INTAKE_RPS",
		apply:   func(cfg *Config, v any) { cfg.Server.IntakeRPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.Server.IntakeRPS },
	},
	{
		key: "server.intake_burst", typ: kInt, env: "RAVEN_SERVER_INTAKE_BURST",
		apply:   func(cfg *Config, v any) { cfg.Server.IntakeBurst = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.IntakeBurst },
	},
	{
		key: "server.api_key", typ: kString, env: "RAVEN_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIKey },
	},
	{
		key: "server.mcp_enabled", typ: kBool, env: "RAVEN_SERVER_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.MCPEnabled },
	},
	{
		key: "storage.backend", typ: kString, env: "RAVEN_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "storage.bucket", typ: kString, env: "RAVEN_STORAGE_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Storage.Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Bucket },
	},
	{
		key: "storage.prefix", typ: kString, env: "RAVEN_STORAGE_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Storage.Prefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Prefix },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RAVEN_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.redis_addr", typ: kString, env: "RAVEN_STORAGE_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Storage.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.RedisAddr },
	},
	{
		key: "workers.count", typ: kInt, env: "RAVEN_WORKERS_COUNT",
		apply:   func(cfg *Config, v any) { cfg.Workers.Count = v.(int) },
		extract: func(cfg Config) any { return cfg.Workers.Count },
	},
	{
		key: "workers.retry_budget", typ: kInt, env: "RAVEN_WORKERS_RETRY_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Workers.RetryBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Workers.RetryBudget },
	},
	{
		key: "workers.job_timeout", typ: kDuration, env: "RAVEN_WORKERS_JOB_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Workers.JobTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Workers.JobTimeout },
	},
	{
		key: "workers.shutdown_grace", typ: kDuration, env: "RAVEN_WORKERS_SHUTDOWN_GRACE",
		apply:   func(cfg *Config, v any) { cfg.Workers.ShutdownGrace = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Workers.ShutdownGrace },
	},
	{
		key: "workers.persist_retries", typ: kInt, env: "RAVEN_WORKERS_PERSIST_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Workers.PersistRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Workers.PersistRetries },
	},
	{
		key: "limits.filings_interval", typ: kDuration, env: "RAVEN_LIMITS_FILINGS_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Limits.FilingsInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Limits.FilingsInterval },
	},
	{
		key: "limits.transcripts_interval", typ: kDuration, env: "RAVEN_LIMITS_TRANSCRIPTS_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Limits.TranscriptsInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Limits.TranscriptsInterval },
	},
	{
		key: "limits.docs_interval", typ: kDuration, env: "RAVEN_LIMITS_DOCS_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Limits.DocsInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Limits.DocsInterval },
	},
	{
		key: "limits.llm_rpm", typ: kInt, env: "LLM_MAX_RPM",
		apply:   func(cfg *Config, v any) { cfg.Limits.LLMRequests = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.LLMRequests },
	},
	{
		key: "limits.llm_tpm", typ: kInt, env: "LLM_MAX_TPM",
		apply:   func(cfg *Config, v any) { cfg.Limits.LLMTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Limits.LLMTokens },
	},
	{
		key: "limits.llm_window", typ: kDuration, env: "RAVEN_LIMITS_LLM_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Limits.LLMWindow = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Limits.LLMWindow },
	},
	{
		key: "llm.base_url", typ: kString, env: "RAVEN_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "RAVEN_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.api_key", typ: kString, env: "OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "filings.base_url", typ: kString, env: "RAVEN_FILINGS_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Filings.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Filings.BaseURL },
	},
	{
		key: "filings.archive_url", typ: kString, env: "RAVEN_FILINGS_ARCHIVE_URL",
		apply:   func(cfg *Config, v any) { cfg.Filings.ArchiveURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Filings.ArchiveURL },
	},
	{
		key: "filings.user_agent", typ: kString, env: "RAVEN_FILINGS_USER_AGENT",
		apply:   func(cfg *Config, v any) { cfg.Filings.UserAgent = v.(string) },
		extract: func(cfg Config) any { return cfg.Filings.UserAgent },
	},
	{
		key: "transcripts.base_url", typ: kString, env: "RAVEN_TRANSCRIPTS_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Transcripts.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcripts.BaseURL },
	},
	{
		key: "transcripts.api_key", typ: kString, env: "API_NINJAS_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Transcripts.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcripts.APIKey },
	},
	{
		key: "docs.base_url", typ: kString, env: "RAVEN_DOCS_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Docs.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Docs.BaseURL },
	},
	{
		key: "docs.token", typ: kString, env: "RAVEN_DOCS_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Docs.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Docs.Token },
	},
	{
		key: "retention.max_age", typ: kDuration, env: "RAVEN_RETENTION_MAX_AGE",
		apply:   func(cfg *Config, v any) { cfg.Retention.MaxAge = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retention.MaxAge },
	},
	{
		key: "retention.interval", typ: kDuration, env: "RAVEN_RETENTION_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Retention.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Retention.Interval },
	},
	{
		key: "log.level", typ: kString, env: "RAVEN_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "RAVEN_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "telemetry.exporter", typ: kString, env: "RAVEN_TELEMETRY_EXPORTER",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Exporter = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.Exporter },
	},
	{
		key: "telemetry.metric_interval", typ: kDuration, env: "RAVEN_TELEMETRY_METRIC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.MetricInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Telemetry.MetricInterval },
	},
}

// parseValue converts a raw string into the Go type of the key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return nil, fmt.Errorf("unknown key type %d", typ)
}

func typeName(typ keyType) string {
	switch typ {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	}
	return "string"
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", typeName(s.typ), s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", typeName(s.typ), s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
