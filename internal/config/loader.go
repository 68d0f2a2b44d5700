package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// DIARIST_PIPELINE_MAX_ATTEMPTS.
const EnvPrefix = "DIARIST"

// DefaultPath returns the default config file path: ~/.diarist/config.toml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".diarist", "config.toml"), nil
}

// Load reads the config file at path over the defaults and applies
// environment overrides. A missing file is not an error; the format follows
// the file extension (toml, yaml, json).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		if p, err := DefaultPath(); err == nil {
			path = p
		}
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyProviderEnv(&cfg.Analysis.Remote)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// the config file does not mention.
func setDefaults(v *viper.Viper, d Config) {
	defaults := map[string]any{
		"server.bind": d.Server.Bind,
		"server.port": d.Server.Port,

		"database.path": d.Database.Path,

		"log.level":   d.Log.Level,
		"log.file":    d.Log.File,
		"log.console": d.Log.Console,
		"log.pretty":  d.Log.Pretty,
		"log.redact":  d.Log.Redact,

		"pipeline.max_attempts":    d.Pipeline.MaxAttempts,
		"pipeline.stale_seconds":   d.Pipeline.StaleSeconds,
		"pipeline.claim_limit":     d.Pipeline.ClaimLimit,
		"pipeline.attempt_timeout": d.Pipeline.AttemptTimeout,
		"pipeline.workers":         d.Pipeline.Workers,
		"pipeline.min_block_chars": d.Pipeline.MinBlockChars,
		"pipeline.max_block_chars": d.Pipeline.MaxBlockChars,
		"pipeline.max_entry_chars": d.Pipeline.MaxEntryChars,
		"pipeline.span_chars":      d.Pipeline.SpanChars,

		"analysis.backend":         d.Analysis.Backend,
		"analysis.prompt_version":  d.Analysis.PromptVersion,
		"analysis.local.provider":  d.Analysis.Local.Provider,
		"analysis.local.base_url":  d.Analysis.Local.BaseURL,
		"analysis.local.api_key":   d.Analysis.Local.APIKey,
		"analysis.local.model":     d.Analysis.Local.Model,
		"analysis.remote.provider": d.Analysis.Remote.Provider,
		"analysis.remote.base_url": d.Analysis.Remote.BaseURL,
		"analysis.remote.api_key":  d.Analysis.Remote.APIKey,
		"analysis.remote.model":    d.Analysis.Remote.Model,

		"memory.generator":         d.Memory.Generator,
		"memory.timeout":           d.Memory.Timeout,
		"memory.candidate_pool":    d.Memory.CandidatePool,
		"memory.candidate_top":     d.Memory.CandidateTop,
		"memory.max_ops":           d.Memory.MaxOps,
		"memory.create_policy":     d.Memory.CreatePolicy,
		"memory.confidence_weight": d.Memory.ConfidenceWeight,

		"sync.dir":             d.Sync.Dir,
		"sync.analyzer":        d.Sync.Analyzer,
		"sync.timeout":         d.Sync.Timeout,
		"sync.max_range_bytes": d.Sync.MaxRangeBytes,
		"sync.order":           d.Sync.Order,
		"sync.limit":           d.Sync.Limit,
		"sync.debounce":        d.Sync.Debounce,

		"schedule.run_jobs": d.Schedule.RunJobs,
		"schedule.sync":     d.Schedule.Sync,
		"schedule.backfill": d.Schedule.Backfill,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// applyProviderEnv falls back to the provider's conventional key variable
// when no key is configured.
func applyProviderEnv(p *ProviderConfig) {
	if p.APIKey != "" {
		return
	}
	switch p.Provider {
	case "openai":
		p.APIKey = os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		p.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
}
