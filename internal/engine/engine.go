// Package engine runs the journal pipeline: job scheduling, rollup, and
// memory consolidation, plus the operations exposed to the CLI and server.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/lazypower/diarist/internal/analysis"
	"github.com/lazypower/diarist/internal/cloudsync"
	"github.com/lazypower/diarist/internal/config"
	"github.com/lazypower/diarist/internal/metrics"
	"github.com/lazypower/diarist/internal/redact"
	"github.com/lazypower/diarist/internal/segment"
	"github.com/lazypower/diarist/internal/store"
)

// Options are the engine's tunables.
type Options struct {
	Pipeline       config.PipelineConfig
	Memory         config.MemoryConfig
	DefaultBackend string
}

// OptionsFromConfig extracts engine options from a loaded config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Pipeline:       cfg.Pipeline,
		Memory:         cfg.Memory,
		DefaultBackend: cfg.Analysis.Backend,
	}
}

// Engine orchestrates ingestion, analysis jobs, rollups, and memory.
type Engine struct {
	DB        *store.DB
	Backends  map[string]analysis.Backend
	Generator Generator
	Syncer    *cloudsync.Syncer
	Redactor  *redact.Redactor
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
	cfg       Options
}

// New creates an Engine with the deterministic generator and no backends.
// Callers attach backends, a remote generator, and a syncer as configured.
func New(db *store.DB, opts Options) *Engine {
	def := config.Default()
	if opts.Pipeline.MaxAttempts < 1 {
		opts.Pipeline = def.Pipeline
	}
	if opts.Pipeline.Workers < 1 {
		opts.Pipeline.Workers = 1
	}
	if opts.Memory.CandidatePool < 1 {
		opts.Memory = def.Memory
	}
	if opts.DefaultBackend == "" {
		opts.DefaultBackend = analysis.KindLocal
	}
	return &Engine{
		DB:        db,
		Backends:  make(map[string]analysis.Backend),
		Generator: FallbackGenerator{},
		Redactor:  redact.New(),
		Log:       zerolog.Nop(),
		cfg:       opts,
	}
}

// AddBackend registers a backend under its kind.
func (e *Engine) AddBackend(b analysis.Backend) {
	e.Backends[b.Kind()] = b
}

// InputError rejects an input synchronously; nothing was stored.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return "invalid input: " + e.Reason }

// EnqueueResult reports a stored entry.
type EnqueueResult struct {
	EntryID   int64  `json:"entry_id"`
	UnitCount int    `json:"unit_count"`
	BatchID   string `json:"batch_id"`
}

// EnqueueEntry stores an entry, segments it into blocks, and creates one
// pending job per block. No model is called.
func (e *Engine) EnqueueEntry(ctx context.Context, text, source string) (*EnqueueResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &InputError{Reason: "empty text"}
	}
	if n := utf8.RuneCountInString(text); n > e.cfg.Pipeline.MaxEntryChars {
		return nil, &InputError{Reason: fmt.Sprintf("text too long: %d chars (max %d)", n, e.cfg.Pipeline.MaxEntryChars)}
	}
	blocks := e.segment(text)
	if len(blocks) == 0 {
		return nil, &InputError{Reason: "no content"}
	}

	res, err := e.DB.InsertEntry(text, source, blocks)
	if err != nil {
		return nil, err
	}
	e.Log.Info().Int64("entry_id", res.EntryID).Int("units", len(res.BlockIDs)).Str("batch_id", res.BatchID).
		Msg("enqueue: entry stored")
	return &EnqueueResult{EntryID: res.EntryID, UnitCount: len(res.BlockIDs), BatchID: res.BatchID}, nil
}

func (e *Engine) segment(text string) []store.NewBlock {
	spans := segment.Segment(text, e.cfg.Pipeline.SpanChars)
	blocks := make([]store.NewBlock, 0, len(spans))
	for _, sp := range spans {
		blocks = append(blocks, store.NewBlock{Idx: sp.Index, Title: sp.Title, Text: sp.Text, Sensitive: sp.Sensitive})
	}
	return blocks
}

// PipelineStats is a read-only snapshot of the pipeline.
type PipelineStats struct {
	Pending         int `json:"pending"`
	Running         int `json:"running"`
	Done            int `json:"done"`
	Failed          int `json:"failed"`
	FailedRetryable int `json:"failed_retryable"`
	FailedExhausted int `json:"failed_exhausted"`
	Skipped         int `json:"skipped"`
	Entries         int `json:"entries"`
	RolledUp        int `json:"rolled_up"`
}

// PipelineStats returns job and entry counts.
func (e *Engine) PipelineStats(ctx context.Context) (*PipelineStats, error) {
	jobs, err := e.DB.JobCounts()
	if err != nil {
		return nil, err
	}
	total, rolled, err := e.DB.CountEntries()
	if err != nil {
		return nil, err
	}
	for status, n := range map[string]int{
		store.JobPending:         jobs.Pending,
		store.JobRunning:         jobs.Running,
		store.JobDone:            jobs.Done,
		store.JobSkipped:         jobs.Skipped,
		store.JobFailedRetryable: jobs.FailedRetryable,
		store.JobFailedExhausted: jobs.FailedExhausted,
	} {
		e.Metrics.SetJobStatus(status, n)
	}
	return &PipelineStats{
		Pending:         jobs.Pending,
		Running:         jobs.Running,
		Done:            jobs.Done,
		Failed:          jobs.Failed(),
		FailedRetryable: jobs.FailedRetryable,
		FailedExhausted: jobs.FailedExhausted,
		Skipped:         jobs.Skipped,
		Entries:         total,
		RolledUp:        rolled,
	}, nil
}

// BackfillResult reports what Backfill repaired.
type BackfillResult struct {
	BatchID                string `json:"batch_id"`
	Scanned                int    `json:"scanned"`
	EntriesRepaired        int    `json:"entries_repaired"`
	UnitsCreated           int    `json:"units_created"`
	JobsCreated            int    `json:"jobs_created"`
	RollupsRepaired        int    `json:"rollups_repaired"`
	ConsolidationsRepaired int    `json:"consolidations_repaired"`
}

// Backfill creates blocks and jobs for entries missing them, rolls up
// entries whose blocks are all terminal but which have no rollup, and
// finishes consolidation for meaningful rollups that never completed it.
// Running it twice repairs nothing the second time.
func (e *Engine) Backfill(ctx context.Context, limit int) (*BackfillResult, error) {
	if limit <= 0 {
		limit = 500
	}
	repairs, scanned, err := e.DB.ListEntriesNeedingRepair(limit)
	if err != nil {
		return nil, err
	}
	res := &BackfillResult{Scanned: scanned}
	if len(repairs) == 0 {
		return res, nil
	}
	res.BatchID, err = e.DB.CreateBatch(store.BatchBackfill, map[string]any{"limit": limit, "candidates": len(repairs)})
	if err != nil {
		return nil, err
	}

	for _, r := range repairs {
		if ctx.Err() != nil {
			break
		}
		repaired := false
		if r.BlockCount == 0 {
			blocks := e.segment(r.Entry.RawText)
			blockIDs, jobIDs, err := e.DB.AddBlocks(res.BatchID, r.Entry.ID, blocks)
			if err != nil {
				return res, err
			}
			res.UnitsCreated += len(blockIDs)
			res.JobsCreated += len(jobIDs)
			repaired = len(blockIDs) > 0
		}
		if r.MissingJobs > 0 {
			n, err := e.DB.EnsureJobs(res.BatchID, r.Entry.ID)
			if err != nil {
				return res, err
			}
			res.JobsCreated += n
			repaired = repaired || n > 0
		}
		if r.AwaitsRollup || (r.BlockCount == 0 && !repaired) {
			rr, err := e.MaybeRollup(ctx, r.Entry.ID, res.BatchID)
			if err != nil {
				e.Log.Error().Err(err).Int64("entry_id", r.Entry.ID).Msg("backfill: rollup failed")
				continue
			}
			if rr.Written {
				res.RollupsRepaired++
				repaired = true
			}
		}
		if r.AwaitsConsolidation {
			cr, err := e.reconsolidate(ctx, r.Entry.ID, res.BatchID)
			if err != nil {
				e.Log.Error().Err(err).Int64("entry_id", r.Entry.ID).Msg("backfill: consolidation failed")
				continue
			}
			if cr != nil {
				res.ConsolidationsRepaired++
				repaired = true
			}
		}
		if repaired {
			res.EntriesRepaired++
		}
	}
	e.Log.Info().Int("scanned", res.Scanned).Int("repaired", res.EntriesRepaired).Msg("backfill: complete")
	return res, nil
}

// EntryStatus is the supplemented per-entry view.
type EntryStatus struct {
	EntryID      int64           `json:"entry_id"`
	Source       string          `json:"source"`
	CreatedAt    int64           `json:"created_at"`
	RollupStatus string          `json:"rollup_status"`
	Jobs         store.JobStats  `json:"jobs"`
	Analysis     json.RawMessage `json:"analysis,omitempty"`
	Meaningful   bool            `json:"meaningful"`
	Ops          []store.MemOp   `json:"ops"`
}

// EntryStatus returns an entry's job summary, rollup, and memory ops, or
// nil if the entry does not exist.
func (e *Engine) EntryStatus(ctx context.Context, entryID int64) (*EntryStatus, error) {
	entry, err := e.DB.GetEntry(entryID)
	if err != nil || entry == nil {
		return nil, err
	}
	jobs, err := e.DB.EntryJobCounts(entryID)
	if err != nil {
		return nil, err
	}
	st := &EntryStatus{
		EntryID:      entry.ID,
		Source:       entry.Source,
		CreatedAt:    entry.CreatedAt,
		RollupStatus: entry.RollupStatus,
		Jobs:         jobs,
	}
	ea, err := e.DB.GetEntryAnalysis(entryID)
	if err != nil {
		return nil, err
	}
	if ea != nil {
		st.Analysis = ea.Analysis
		st.Meaningful = ea.Meaningful
	}
	if st.Ops, err = e.DB.EntryOps(entryID); err != nil {
		return nil, err
	}
	return st, nil
}

// Card returns a card by key, or nil.
func (e *Engine) Card(ctx context.Context, key string) (*store.Card, error) {
	return e.DB.GetCard(key)
}

// Cards returns the most recently updated cards.
func (e *Engine) Cards(ctx context.Context, limit int) ([]store.Card, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.DB.ListCards(limit)
}

// CardHistory is a card with its op log and audit trail.
type CardHistory struct {
	Card    *store.Card    `json:"card"`
	Ops     []store.MemOp  `json:"ops"`
	Changes []store.Change `json:"changes"`
}

// CardHistory returns the ops and change records of a card.
func (e *Engine) CardHistory(ctx context.Context, key string) (*CardHistory, error) {
	card, err := e.DB.GetCard(key)
	if err != nil {
		return nil, err
	}
	ops, err := e.DB.CardOps(key)
	if err != nil {
		return nil, err
	}
	changes, err := e.DB.ChangesFor(store.EntityCard, key)
	if err != nil {
		return nil, err
	}
	return &CardHistory{Card: card, Ops: ops, Changes: changes}, nil
}

// SyncSource drives the cloud sync protocol for a file or directory.
func (e *Engine) SyncSource(ctx context.Context, sourceID string, limit int, order string) (*cloudsync.Report, error) {
	if e.Syncer == nil {
		return nil, fmt.Errorf("cloud sync not configured")
	}
	rep, err := e.Syncer.Sync(ctx, cloudsync.Request{SourceID: sourceID, Limit: limit, Order: order})
	if errors.Is(err, cloudsync.ErrSourceRejected) {
		return nil, &InputError{Reason: err.Error()}
	}
	return rep, err
}

// SyncState returns a source's watermark. A never-synced source reports
// watermark 0 with status "never".
func (e *Engine) SyncState(ctx context.Context, sourceID string) (*store.SyncState, error) {
	if sourceID == "" {
		return nil, &InputError{Reason: "source_id is required"}
	}
	sourceID = cloudsync.SourceID(sourceID)
	st, err := e.DB.GetSyncState(sourceID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return &store.SyncState{SourceID: sourceID, LastStatus: "never"}, nil
	}
	return st, nil
}

// ResetSync forgets a source's watermark.
func (e *Engine) ResetSync(ctx context.Context, sourceID, reason string) error {
	if sourceID == "" {
		return &InputError{Reason: "source_id is required"}
	}
	sourceID = cloudsync.SourceID(sourceID)
	if reason == "" {
		reason = "operator reset"
	}
	return e.DB.ResetSource(sourceID, reason)
}
