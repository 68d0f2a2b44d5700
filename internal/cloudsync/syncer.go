// Package cloudsync streams diary files to a remote analyzer in byte-offset
// order and applies each returned contract exactly once per byte range.
package cloudsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/lazypower/diarist/internal/metrics"
	"github.com/lazypower/diarist/internal/redact"
	"github.com/lazypower/diarist/internal/store"
)

// Source orders for directory sources.
const (
	OrderOldest = "oldest"
	OrderNewest = "newest"
)

// Options configure a Syncer.
type Options struct {
	Dir           string
	Timeout       time.Duration
	MaxRangeBytes int
	Order         string
	Limit         int
}

// Syncer drives the watermark protocol for file sources.
type Syncer struct {
	DB       *store.DB
	Analyzer Analyzer
	Redactor *redact.Redactor
	Metrics  *metrics.Metrics
	Log      zerolog.Logger

	opts Options
	now  func() time.Time
}

// New creates a Syncer.
func New(db *store.DB, analyzer Analyzer, opts Options) *Syncer {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.MaxRangeBytes <= 0 {
		opts.MaxRangeBytes = 64 * 1024
	}
	if opts.Order == "" {
		opts.Order = OrderOldest
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	return &Syncer{
		DB:       db,
		Analyzer: analyzer,
		Redactor: redact.New(),
		Log:      zerolog.Nop(),
		opts:     opts,
		now:      time.Now,
	}
}

// Request selects what one Sync call covers. An empty SourceID means the
// configured directory.
type Request struct {
	SourceID string
	Limit    int
	Order    string
}

// SourceReport is the outcome for one file.
type SourceReport struct {
	SourceID      string   `json:"source_id"`
	AppliedRanges int      `json:"applied_ranges"`
	Watermark     int64    `json:"watermark"`
	FileSize      int64    `json:"file_size"`
	Status        string   `json:"status"`
	Error         string   `json:"error,omitempty"`
	BatchIDs      []string `json:"batch_ids,omitempty"`
}

// Report is the outcome of one Sync call.
type Report struct {
	Sources []SourceReport `json:"sources"`
}

// SourceID returns the canonical id of a path: its absolute, cleaned form.
func SourceID(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// ErrSourceRejected marks a source outside the sync directory or of a
// type the syncer does not read.
var ErrSourceRejected = errors.New("sync source rejected")

// Dir returns the configured sync directory, or "".
func (s *Syncer) Dir() string { return s.opts.Dir }

// Sync processes a file, or the newest/oldest files of a directory. A
// failure on one file is reported and does not stop the others. With a sync
// directory configured, explicit sources must resolve inside it.
func (s *Syncer) Sync(ctx context.Context, req Request) (*Report, error) {
	path := req.SourceID
	if path == "" {
		path = s.opts.Dir
	}
	if path == "" {
		return nil, fmt.Errorf("no sync source given and sync.dir is not set")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat sync source: %w", err)
	}
	if !info.IsDir() && !syncable(path) {
		return nil, fmt.Errorf("%w: %s is not a .md or .txt file", ErrSourceRejected, path)
	}
	if err := s.confine(path); err != nil {
		return nil, err
	}

	files := []string{path}
	if info.IsDir() {
		limit, order := req.Limit, req.Order
		if limit <= 0 {
			limit = s.opts.Limit
		}
		if order == "" {
			order = s.opts.Order
		}
		files, err = listSources(path, order, limit)
		if err != nil {
			return nil, err
		}
	}

	report := &Report{Sources: make([]SourceReport, 0, len(files))}
	for _, f := range files {
		if ctx.Err() != nil {
			break
		}
		report.Sources = append(report.Sources, s.syncFile(ctx, SourceID(f)))
	}
	return report, nil
}

// confine rejects a path that resolves outside the sync directory,
// following symlinks on both sides.
func (s *Syncer) confine(path string) error {
	if s.opts.Dir == "" {
		return nil
	}
	root, err := filepath.EvalSymlinks(SourceID(s.opts.Dir))
	if err != nil {
		return fmt.Errorf("resolve sync dir: %w", err)
	}
	target, err := filepath.EvalSymlinks(SourceID(path))
	if err != nil {
		return fmt.Errorf("resolve sync source: %w", err)
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s is outside %s", ErrSourceRejected, path, s.opts.Dir)
	}
	return nil
}

func syncable(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".txt":
		return true
	}
	return false
}

// listSources returns the .md and .txt files of dir by modification time.
func listSources(dir, order string, limit int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read sync dir: %w", err)
	}
	type file struct {
		path string
		mod  time.Time
	}
	var files []file
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !syncable(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, file{filepath.Join(dir, e.Name()), info.ModTime()})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].mod.Equal(files[j].mod) {
			if order == OrderNewest {
				return files[i].mod.After(files[j].mod)
			}
			return files[i].mod.Before(files[j].mod)
		}
		return files[i].path < files[j].path
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// syncFile sends every unsynced range of one file in order, stopping at
// the first failure.
func (s *Syncer) syncFile(ctx context.Context, src string) SourceReport {
	rep := SourceReport{SourceID: src}
	log := s.Log.With().Str("source_id", src).Logger()

	fail := func(size int64, err error) SourceReport {
		rep.Status = store.SyncFailed
		rep.Error = err.Error()
		s.Metrics.SyncRange(store.SyncFailed)
		if rerr := s.DB.RecordSyncStatus(src, size, store.SyncFailed, truncateError(err.Error())); rerr != nil {
			log.Error().Err(rerr).Msg("sync: record failure")
		}
		log.Warn().Err(err).Int64("watermark", rep.Watermark).Msg("sync: range failed, watermark unchanged")
		return rep
	}

	state, err := s.DB.GetSyncState(src)
	if err != nil {
		return fail(0, err)
	}
	if state != nil {
		rep.Watermark = state.SyncedBytes
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return fail(0, fmt.Errorf("read source: %w", err))
	}
	size := int64(len(data))
	rep.FileSize = size

	switch {
	case size < rep.Watermark:
		rep.Status = store.SyncSourceShrank
		rep.Error = fmt.Sprintf("file is %d bytes, watermark is %d; reset the source to resync", size, rep.Watermark)
		if err := s.DB.RecordSyncStatus(src, size, store.SyncSourceShrank, rep.Error); err != nil {
			log.Error().Err(err).Msg("sync: record shrink")
		}
		log.Warn().Int64("size", size).Int64("watermark", rep.Watermark).Msg("sync: source shrank")
		return rep
	case size == rep.Watermark:
		rep.Status = store.SyncNoNewContent
		return rep
	}

	for _, r := range splitRanges(data, rep.Watermark, s.opts.MaxRangeBytes) {
		if ctx.Err() != nil {
			break
		}
		chunk := data[r.start:r.end]
		var batchID string
		status := store.SyncOK
		if len(bytes.TrimSpace(chunk)) == 0 {
			status = store.SyncNoNewContent
			batchID, err = s.DB.AdvanceWatermark(src, r.start, r.end, size, status)
		} else {
			batchID, err = s.applyRange(ctx, src, r, string(chunk), size)
		}
		if err != nil {
			return fail(size, err)
		}
		rep.Watermark = r.end
		rep.Status = status
		rep.BatchIDs = append(rep.BatchIDs, batchID)
		if status == store.SyncOK {
			rep.AppliedRanges++
		}
		s.Metrics.SyncRange(status)
		s.Metrics.SetWatermark(src, r.end)
		log.Info().Int64("start", r.start).Int64("end", r.end).Str("batch_id", batchID).Str("status", status).
			Msg("sync: range applied")
	}
	return rep
}

// applyRange analyzes one range and applies its contract together with the
// watermark advance.
func (s *Syncer) applyRange(ctx context.Context, src string, r byteRange, text string, size int64) (string, error) {
	now := s.now()
	req := RangeRequest{
		SourceID: src,
		Start:    r.start,
		End:      r.end,
		Text:     s.Redactor.Text(strings.ToValidUTF8(text, "�")),
		Now:      now,
	}
	resp, err := s.analyze(ctx, req)
	if err != nil {
		return "", err
	}
	raw, err := ExtractContract(resp)
	if err != nil {
		return "", err
	}
	c, err := ValidateContract(raw, now, s.DB)
	if err != nil {
		return "", err
	}

	app := buildApplication(c, src, r, size)
	app.Meta = map[string]any{"analyzer": s.Analyzer.Name(), "contract_version": c.ContractVersion}
	batchID, err := s.DB.ApplyContract(app)
	if errors.Is(err, store.ErrWatermarkMoved) {
		return "", fmt.Errorf("range [%d,%d): %w", r.start, r.end, err)
	}
	return batchID, err
}

// analyze bounds the analyzer by the configured timeout even if it
// ignores ctx.
func (s *Syncer) analyze(ctx context.Context, req RangeRequest) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	type result struct {
		body []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		body, err := s.Analyzer.Analyze(ctx, req)
		ch <- result{body, err}
	}()
	select {
	case r := <-ch:
		return r.body, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("analyzer %s: %w", s.Analyzer.Name(), ctx.Err())
	}
}

func buildApplication(c *Contract, src string, r byteRange, size int64) store.ContractApplication {
	app := store.ContractApplication{
		SourceID:   src,
		RangeStart: r.start,
		RangeEnd:   r.end,
		FileSize:   size,
		Status:     store.SyncOK,
	}
	for _, b := range c.Blocks {
		eventID := b.EventID
		if eventID == "" {
			eventID = "ev_" + ulid.Make().String()
		}
		app.Events = append(app.Events, store.LifeEvent{
			EventID:    eventID,
			BlockRef:   strings.TrimSpace(b.BlockID),
			EventTS:    b.EventTS,
			EventType:  b.EventType,
			Summary:    b.Summary,
			Tags:       b.Tags,
			Evidence:   refsOrEmpty(b.EvidenceRefs),
			Confidence: b.Confidence,
		})
		for _, op := range b.MemoOps {
			opID := op.OpID
			if opID == "" {
				opID = "op_" + ulid.Make().String()
			}
			app.Ops = append(app.Ops, store.SyncMemoOp{
				OpID:     opID,
				EventID:  eventID,
				CardKey:  op.CardKey,
				OpType:   op.OpType,
				Payload:  op.Payload,
				Evidence: refsOrEmpty(op.EvidenceRefs),
			})
		}
	}
	return app
}

func refsOrEmpty(refs []EvidenceRef) []EvidenceRef {
	if refs == nil {
		return []EvidenceRef{}
	}
	return refs
}

type byteRange struct {
	start, end int64
}

// splitRanges cuts data[from:] into ranges of at most max bytes. A range
// ends after its last newline; a window with no newline is cut on a rune
// boundary. The last range runs to the end of data.
func splitRanges(data []byte, from int64, max int) []byteRange {
	var out []byteRange
	size := int64(len(data))
	for start := from; start < size; {
		end := start + int64(max)
		if end >= size {
			out = append(out, byteRange{start, size})
			break
		}
		if i := bytes.LastIndexByte(data[start:end], '\n'); i >= 0 {
			end = start + int64(i) + 1
		} else {
			for end > start+1 && !utf8.RuneStart(data[end]) {
				end--
			}
		}
		out = append(out, byteRange{start, end})
		start = end
	}
	return out
}

func truncateError(s string) string {
	const max = 1000
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
