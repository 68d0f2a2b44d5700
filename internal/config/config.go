package config

import (
	"fmt"
	"time"
)

// Config holds all diarist configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Memory   MemoryConfig   `mapstructure:"memory"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

type ServerConfig struct {
	Bind string `mapstructure:"bind"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
	Pretty  bool   `mapstructure:"pretty"`
	Redact  bool   `mapstructure:"redact"`
}

// PipelineConfig tunes the job scheduler.
type PipelineConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	StaleSeconds   int           `mapstructure:"stale_seconds"`
	ClaimLimit     int           `mapstructure:"claim_limit"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	Workers        int           `mapstructure:"workers"`
	MinBlockChars  int           `mapstructure:"min_block_chars"`
	MaxBlockChars  int           `mapstructure:"max_block_chars"`
	MaxEntryChars  int           `mapstructure:"max_entry_chars"`
	SpanChars      int           `mapstructure:"span_chars"`
}

// StaleAfter returns the stale-run threshold.
func (p PipelineConfig) StaleAfter() time.Duration {
	return time.Duration(p.StaleSeconds) * time.Second
}

// ProviderConfig selects a model transport.
type ProviderConfig struct {
	Provider string `mapstructure:"provider"` // "ollama", "openai", "anthropic"
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
}

type AnalysisConfig struct {
	Backend       string         `mapstructure:"backend"` // "local" or "remote"
	PromptVersion string         `mapstructure:"prompt_version"`
	Local         ProviderConfig `mapstructure:"local"`
	Remote        ProviderConfig `mapstructure:"remote"`
}

type MemoryConfig struct {
	Generator        string        `mapstructure:"generator"` // "remote" or "fallback"
	Timeout          time.Duration `mapstructure:"timeout"`
	CandidatePool    int           `mapstructure:"candidate_pool"`
	CandidateTop     int           `mapstructure:"candidate_top"`
	MaxOps           int           `mapstructure:"max_ops"`
	CreatePolicy     string        `mapstructure:"create_policy"` // "skip" or "error"
	ConfidenceWeight float64       `mapstructure:"confidence_weight"`
}

type SyncConfig struct {
	Dir           string        `mapstructure:"dir"`
	Analyzer      string        `mapstructure:"analyzer"` // "llm" or "stub"
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRangeBytes int           `mapstructure:"max_range_bytes"`
	Order         string        `mapstructure:"order"` // "oldest" or "newest"
	Limit         int           `mapstructure:"limit"`
	Debounce      time.Duration `mapstructure:"debounce"`
}

// ScheduleConfig holds cron specs; an empty spec disables the schedule.
type ScheduleConfig struct {
	RunJobs  string `mapstructure:"run_jobs"`
	Sync     string `mapstructure:"sync"`
	Backfill string `mapstructure:"backfill"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
		Pipeline: PipelineConfig{
			MaxAttempts:    3,
			StaleSeconds:   1800,
			ClaimLimit:     5,
			AttemptTimeout: 120 * time.Second,
			Workers:        1,
			MinBlockChars:  8,
			MaxBlockChars:  4000,
			MaxEntryChars:  8000,
			SpanChars:      800,
		},
		Analysis: AnalysisConfig{
			Backend:       "local",
			PromptVersion: "block-v1",
			Local: ProviderConfig{
				Provider: "ollama",
				BaseURL:  "http://localhost:11434",
				Model:    "llama3.2",
			},
			Remote: ProviderConfig{
				Provider: "openai",
				Model:    "gpt-4o-mini",
			},
		},
		Memory: MemoryConfig{
			Generator:        "remote",
			Timeout:          60 * time.Second,
			CandidatePool:    30,
			CandidateTop:     5,
			MaxOps:           2,
			CreatePolicy:     "skip",
			ConfidenceWeight: 0.3,
		},
		Sync: SyncConfig{
			Analyzer:      "llm",
			Timeout:       120 * time.Second,
			MaxRangeBytes: 65536,
			Order:         "oldest",
			Limit:         10,
			Debounce:      2 * time.Second,
		},
		Schedule: ScheduleConfig{
			RunJobs:  "@every 1m",
			Sync:     "@every 15m",
			Backfill: "@every 30m",
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be at least 1, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Pipeline.AttemptTimeout <= 0 {
		return fmt.Errorf("pipeline.attempt_timeout must be positive")
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1, got %d", c.Pipeline.Workers)
	}
	switch c.Analysis.Backend {
	case "local", "remote":
	default:
		return fmt.Errorf("analysis.backend must be local or remote, got %q", c.Analysis.Backend)
	}
	switch c.Memory.Generator {
	case "remote", "fallback":
	default:
		return fmt.Errorf("memory.generator must be remote or fallback, got %q", c.Memory.Generator)
	}
	switch c.Memory.CreatePolicy {
	case "skip", "error":
	default:
		return fmt.Errorf("memory.create_policy must be skip or error, got %q", c.Memory.CreatePolicy)
	}
	if c.Memory.ConfidenceWeight < 0 || c.Memory.ConfidenceWeight > 1 {
		return fmt.Errorf("memory.confidence_weight must be within [0,1], got %v", c.Memory.ConfidenceWeight)
	}
	switch c.Sync.Analyzer {
	case "llm", "stub":
	default:
		return fmt.Errorf("sync.analyzer must be llm or stub, got %q", c.Sync.Analyzer)
	}
	switch c.Sync.Order {
	case "oldest", "newest":
	default:
		return fmt.Errorf("sync.order must be oldest or newest, got %q", c.Sync.Order)
	}
	if c.Sync.MaxRangeBytes < 1 {
		return fmt.Errorf("sync.max_range_bytes must be positive")
	}
	return nil
}
