package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/lazypower/diarist/internal/analysis"
	"github.com/lazypower/diarist/internal/store"
)

// noSummary stands in for an entry whose blocks produced no summary text.
const noSummary = "Summary not provided"

// Rollup caps.
const (
	maxSummarySentences = 3
	maxTopics           = 6
	maxFacts            = 10
	maxTodos            = 10
	maxEvidence         = 12
)

// RollupMeta records how the entry's blocks ended.
type RollupMeta struct {
	BlocksTotal   int  `json:"blocks_total"`
	BlocksOK      int  `json:"blocks_ok"`
	BlocksSkipped int  `json:"blocks_skipped"`
	BlocksFailed  int  `json:"blocks_failed"`
	Empty         bool `json:"empty"`
}

// EntryRollup is the stored entry analysis.
type EntryRollup struct {
	analysis.Analysis
	Meta RollupMeta `json:"meta"`
}

// RollupResult reports what MaybeRollup did.
type RollupResult struct {
	EntryID       int64                `json:"entry_id"`
	Written       bool                 `json:"written"`
	Waiting       bool                 `json:"waiting"`
	Meaningful    bool                 `json:"meaningful"`
	Consolidation *ConsolidationResult `json:"consolidation,omitempty"`
}

// MaybeRollup writes the entry analysis once every block of the entry is
// terminal. It is a no-op while blocks are open or once a rollup exists;
// only the caller whose insert lands goes on to consolidation.
func (e *Engine) MaybeRollup(ctx context.Context, entryID int64, batchID string) (*RollupResult, error) {
	res := &RollupResult{EntryID: entryID}

	blocks, err := e.DB.ListBlocks(entryID)
	if err != nil {
		return nil, err
	}
	counts, err := e.DB.EntryJobCounts(entryID)
	if err != nil {
		return nil, err
	}
	if counts.Open() > 0 || counts.Total() < len(blocks) {
		res.Waiting = true
		return res, nil
	}
	existing, err := e.DB.GetEntryAnalysis(entryID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return res, nil
	}

	done, err := e.DB.EntryBlockAnalyses(entryID)
	if err != nil {
		return nil, err
	}
	parts := make([]analysis.Analysis, 0, len(done))
	used := make([]store.BlockAnalysis, 0, len(done))
	for _, ba := range done {
		var a analysis.Analysis
		if err := json.Unmarshal(ba.Analysis, &a); err != nil {
			e.Log.Warn().Err(err).Int64("block_id", ba.BlockID).Msg("rollup: undecodable block analysis")
			continue
		}
		parts = append(parts, a)
		used = append(used, ba)
	}
	evidence := rollupEvidence(entryID, used)

	rollup := EntryRollup{
		Analysis: mergeAnalyses(parts),
		Meta: RollupMeta{
			BlocksTotal:   len(blocks),
			BlocksOK:      counts.Done,
			BlocksSkipped: counts.Skipped,
			BlocksFailed:  counts.FailedExhausted,
			Empty:         len(parts) == 0,
		},
	}
	meaningful := isMeaningful(&rollup)

	body, err := json.Marshal(rollup)
	if err != nil {
		return nil, fmt.Errorf("marshal rollup: %w", err)
	}
	created, err := e.DB.InsertEntryAnalysis(store.EntryAnalysis{
		EntryID:       entryID,
		BatchID:       batchID,
		Analysis:      body,
		Meaningful:    meaningful,
		BlocksTotal:   rollup.Meta.BlocksTotal,
		BlocksOK:      rollup.Meta.BlocksOK,
		BlocksSkipped: rollup.Meta.BlocksSkipped,
		BlocksFailed:  rollup.Meta.BlocksFailed,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return res, nil
	}
	res.Written = true
	res.Meaningful = meaningful

	kind := "plain"
	switch {
	case rollup.Meta.Empty:
		kind = "empty"
	case meaningful:
		kind = "meaningful"
	}
	e.Metrics.Rollup(kind)
	e.Log.Info().Int64("entry_id", entryID).Str("kind", kind).
		Int("blocks_ok", rollup.Meta.BlocksOK).Int("blocks_failed", rollup.Meta.BlocksFailed).
		Msg("rollup: entry analysis written")

	res.Consolidation, err = e.consolidate(ctx, entryID, batchID, &rollup, evidence)
	if err != nil {
		return res, fmt.Errorf("consolidate entry %d: %w", entryID, err)
	}
	return res, nil
}

// rollupEvidence cites the entry and each block that fed its rollup.
func rollupEvidence(entryID int64, blocks []store.BlockAnalysis) []string {
	out := []string{fmt.Sprintf("entry:%d", entryID)}
	for _, ba := range blocks {
		out = append(out, fmt.Sprintf("block:%d", ba.BlockID))
	}
	return out
}

// mergeAnalyses combines block analyses in ordinal order.
func mergeAnalyses(parts []analysis.Analysis) analysis.Analysis {
	var out analysis.Analysis
	var summaries, topics, facts, todos, evidence, tags []string
	for _, p := range parts {
		if s := strings.TrimSpace(p.Summary); s != "" && s != noSummary {
			summaries = append(summaries, s)
		}
		topics = append(topics, p.Topics...)
		facts = append(facts, p.Facts...)
		todos = append(todos, p.Todos...)
		evidence = append(evidence, p.EvidenceSpans...)
		tags = append(tags, p.Tags...)
	}

	out.Summary = mergeSummaries(summaries)
	out.Topics = dedupNormalized(topics, maxTopics)
	out.Facts = dedupNormalized(facts, maxFacts)
	out.Todos = dedupNormalized(todos, maxTodos)
	out.EvidenceSpans = dedupNormalized(evidence, maxEvidence)
	out.Tags = dedupNormalized(tags, 0)

	for _, name := range analysis.SignalNames {
		sum, n := 0.0, 0
		for _, p := range parts {
			if v := p.Signals.Get(name); v != nil {
				sum += *v
				n++
			}
		}
		if n > 0 {
			mean := math.Round(sum/float64(n)*10) / 10
			out.Signals.Set(name, &mean)
		}
	}

	for _, p := range parts {
		if p.ReflectionDepth == nil {
			continue
		}
		if out.ReflectionDepth == nil || *p.ReflectionDepth > *out.ReflectionDepth {
			d := *p.ReflectionDepth
			out.ReflectionDepth = &d
		}
	}
	return out
}

// mergeSummaries keeps the first distinct sentences across block summaries.
func mergeSummaries(summaries []string) string {
	seen := make(map[string]bool)
	var picked []string
	for _, s := range summaries {
		for _, sentence := range splitSentences(s) {
			key := normalizeItem(sentence)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			picked = append(picked, sentence)
			if len(picked) == maxSummarySentences {
				break
			}
		}
		if len(picked) == maxSummarySentences {
			break
		}
	}
	if len(picked) == 0 {
		return noSummary
	}
	out := strings.Join(picked, " ")
	if len(out) > maxSummaryLen {
		out = truncateClean(out, maxSummaryLen-len(summaryEllipse)) + summaryEllipse
	}
	return out
}

// splitSentences cuts after sentence-ending punctuation followed by
// whitespace. CJK terminators end a sentence without trailing space.
func splitSentences(s string) []string {
	runes := []rune(strings.TrimSpace(s))
	var out []string
	start := 0
	for i, r := range runes {
		end := false
		switch r {
		case '。', '！', '？':
			end = true
		case '.', '!', '?':
			end = i+1 < len(runes) && unicode.IsSpace(runes[i+1])
		}
		if end {
			if seg := strings.TrimSpace(string(runes[start : i+1])); seg != "" {
				out = append(out, seg)
			}
			start = i + 1
		}
	}
	if seg := strings.TrimSpace(string(runes[start:])); seg != "" {
		out = append(out, seg)
	}
	return out
}

// normalizeItem lowercases and collapses whitespace for comparison.
func normalizeItem(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// dedupNormalized keeps the first occurrence of each normalized value, up to
// limit items (0 means no limit).
func dedupNormalized(items []string, limit int) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, it := range items {
		key := normalizeItem(it)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(it))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// isMeaningful is the consolidation gate.
func isMeaningful(r *EntryRollup) bool {
	if r.Meta.BlocksOK == 0 {
		return false
	}
	a := r.Analysis
	summary := strings.TrimSpace(a.Summary)
	return (summary != "" && summary != noSummary) ||
		len(a.Topics) > 0 || len(a.Facts) > 0 || len(a.Todos) > 0 ||
		a.Signals.Any()
}
