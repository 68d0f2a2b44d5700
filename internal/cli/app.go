package cli

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lazypower/diarist/internal/analysis"
	"github.com/lazypower/diarist/internal/cloudsync"
	"github.com/lazypower/diarist/internal/config"
	"github.com/lazypower/diarist/internal/engine"
	"github.com/lazypower/diarist/internal/llm"
	"github.com/lazypower/diarist/internal/logger"
	"github.com/lazypower/diarist/internal/metrics"
	"github.com/lazypower/diarist/internal/store"
)

// app is everything a command needs, built from the loaded config.
type app struct {
	cfg    *config.Config
	logger *logger.Logger
	log    zerolog.Logger
	db     *store.DB
	eng    *engine.Engine
}

// openApp loads config, opens the database, and wires the engine with every
// backend, generator, and analyzer the config allows. Components that cannot
// be configured are left out with a warning.
func openApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	lg, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	log := lg.Component("cli")

	path := dbPath
	if path == "" {
		path = cfg.Database.Path
	}
	if path == "" {
		path, err = store.DefaultDBPath()
		if err != nil {
			lg.Close()
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(path)
	if err != nil {
		lg.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	m := metrics.New()
	eng := engine.New(db, engine.OptionsFromConfig(cfg))
	eng.Metrics = m
	eng.Log = lg.Component("engine")

	if client, err := llm.NewClient(cfg.Analysis.Local); err != nil {
		log.Warn().Err(err).Msg("local analysis backend unavailable")
	} else {
		eng.AddBackend(analysis.NewLocal(client).WithPromptVersion(cfg.Analysis.PromptVersion))
	}

	remote, remoteErr := llm.NewClient(cfg.Analysis.Remote)
	if remoteErr != nil {
		log.Debug().Err(remoteErr).Msg("remote analysis backend unavailable")
	} else {
		eng.AddBackend(analysis.NewRemote(remote).WithPromptVersion(cfg.Analysis.PromptVersion))
	}

	chain := &engine.ChainGenerator{
		Fallback: engine.FallbackGenerator{},
		Timeout:  cfg.Memory.Timeout,
		Log:      lg.Component("generator"),
		Metrics:  m,
	}
	if cfg.Memory.Generator == engine.GeneratorRemote && remote != nil {
		chain.Primary = &engine.RemoteGenerator{Client: remote, Redactor: eng.Redactor}
	}
	eng.Generator = chain

	var analyzer cloudsync.Analyzer
	switch {
	case cfg.Sync.Analyzer == "stub":
		analyzer = cloudsync.StubAnalyzer{}
	case remote != nil:
		analyzer = &cloudsync.LLMAnalyzer{Client: remote}
	}
	if analyzer != nil {
		s := cloudsync.New(db, analyzer, cloudsync.Options{
			Dir:           cfg.Sync.Dir,
			Timeout:       cfg.Sync.Timeout,
			MaxRangeBytes: cfg.Sync.MaxRangeBytes,
			Order:         cfg.Sync.Order,
			Limit:         cfg.Sync.Limit,
		})
		s.Metrics = m
		s.Log = lg.Component("sync")
		eng.Syncer = s
	}

	log.Debug().Str("db", path).Int("backends", len(eng.Backends)).
		Str("generator", eng.Generator.Name()).Bool("sync", eng.Syncer != nil).
		Msg("app ready")
	return &app{cfg: cfg, logger: lg, log: log, db: db, eng: eng}, nil
}

func (a *app) Close() {
	a.db.Close()
	a.logger.Close()
}
