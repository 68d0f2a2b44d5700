package engine

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/lazypower/diarist/internal/config"
)

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler runs RunJobs, Backfill and, when a sync source is set,
// SyncSource on cron specs. A tick that finds the previous run still going is skipped.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
}

// NewScheduler registers the configured schedules. An empty spec leaves that
// schedule off; an empty syncSource disables the sync schedule.
func (e *Engine) NewScheduler(cfg config.ScheduleConfig, syncSource string) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    cron.New(cron.WithParser(specParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
	log := e.Log.With().Str("component", "schedule").Logger()

	if cfg.RunJobs != "" {
		id, err := s.cron.AddFunc(cfg.RunJobs, func() {
			res, err := e.RunJobs(s.ctx, RunOptions{})
			if err != nil {
				log.Error().Err(err).Msg("schedule: run_jobs failed")
				return
			}
			if res.Processed > 0 {
				log.Info().Int("processed", res.Processed).Int("rolled_up", res.RolledUp).Msg("schedule: run_jobs")
			}
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("schedule run_jobs %q: %w", cfg.RunJobs, err)
		}
		s.entries["run_jobs"] = id
	}

	if cfg.Backfill != "" {
		id, err := s.cron.AddFunc(cfg.Backfill, func() {
			res, err := e.Backfill(s.ctx, 0)
			if err != nil {
				log.Error().Err(err).Msg("schedule: backfill failed")
				return
			}
			if res.EntriesRepaired > 0 {
				log.Info().Int("repaired", res.EntriesRepaired).Int("consolidations", res.ConsolidationsRepaired).
					Msg("schedule: backfill")
			}
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("schedule backfill %q: %w", cfg.Backfill, err)
		}
		s.entries["backfill"] = id
	}

	if cfg.Sync != "" && syncSource != "" && e.Syncer != nil {
		id, err := s.cron.AddFunc(cfg.Sync, func() {
			if _, err := e.SyncSource(s.ctx, syncSource, 0, ""); err != nil {
				log.Error().Err(err).Str("source", syncSource).Msg("schedule: sync failed")
			}
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("schedule sync %q: %w", cfg.Sync, err)
		}
		s.entries["sync"] = id
	}
	return s, nil
}

// Jobs lists the registered schedule names.
func (s *Scheduler) Jobs() []string {
	out := make([]string, 0, len(s.entries))
	for _, name := range []string{"run_jobs", "backfill", "sync"} {
		if _, ok := s.entries[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels running work and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
