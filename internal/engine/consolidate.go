package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lazypower/diarist/internal/llm"
	"github.com/lazypower/diarist/internal/store"
)

// ConsolidationResult reports what consolidation did for one entry.
type ConsolidationResult struct {
	Meaningful bool     `json:"meaningful"`
	Candidates int      `json:"candidates"`
	Proposed   int      `json:"proposed"`
	Applied    int      `json:"applied"`
	Skipped    int      `json:"skipped"`
	Generator  string   `json:"generator,omitempty"`
	CardKeys   []string `json:"card_keys,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// opError is an op the fold or its validation rejected. The entry's other
// ops still apply.
type opError struct{ err error }

func (e *opError) Error() string { return e.err.Error() }
func (e *opError) Unwrap() error { return e.err }

// consolidate turns a rollup into audited card mutations and then marks the
// entry consolidated. Entries that fail the gate produce no ops and no
// marker. A store failure returns before the marker is written, so Backfill
// retries the entry; ops already recorded for it are not applied twice.
func (e *Engine) consolidate(ctx context.Context, entryID int64, batchID string, r *EntryRollup, evidence []string) (*ConsolidationResult, error) {
	res := &ConsolidationResult{Meaningful: isMeaningful(r)}
	if !res.Meaningful {
		e.Log.Debug().Int64("entry_id", entryID).Msg("consolidate: entry not meaningful, skipping")
		return res, nil
	}

	prior, err := e.DB.EntryOps(entryID)
	if err != nil {
		return nil, err
	}
	recorded := make(map[string]bool, len(prior))
	for _, op := range prior {
		recorded[op.OpType+" "+op.CardKey] = true
	}

	candidates, err := e.pickCandidates(r.Topics)
	if err != nil {
		return nil, err
	}
	res.Candidates = len(candidates)

	ops, err := e.Generator.Propose(ctx, Proposal{
		EntryID:    entryID,
		Analysis:   r.Analysis,
		Candidates: candidates,
		MaxOps:     e.cfg.Memory.MaxOps,
	})
	if err != nil {
		return nil, fmt.Errorf("propose ops: %w", err)
	}
	if max := e.cfg.Memory.MaxOps; max > 0 && len(ops) > max {
		ops = ops[:max]
	}
	res.Proposed = len(ops)

	rules := e.foldRules()
	for _, op := range ops {
		if res.Generator == "" {
			res.Generator = op.Generator
		}
		if key, err := sanitizeCardKey(op.CardKey); err == nil && recorded[op.Type+" "+key] {
			res.Skipped++
			continue
		}
		changed, err := e.applyOp(entryID, batchID, op, evidence, rules)
		if err != nil {
			var oe *opError
			if !errors.As(err, &oe) {
				return res, fmt.Errorf("apply %s %s: %w", op.Type, op.CardKey, err)
			}
			e.Log.Warn().Err(err).Int64("entry_id", entryID).Str("card_key", op.CardKey).Msg("consolidate: op not applied")
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %v", op.Type, op.CardKey, err))
			continue
		}
		e.Metrics.MemoryOp(op.Generator, op.Type)
		if changed {
			res.Applied++
			res.CardKeys = append(res.CardKeys, op.CardKey)
		} else {
			res.Skipped++
		}
	}

	if _, err := e.DB.MarkConsolidated(store.Consolidation{
		EntryID:   entryID,
		BatchID:   batchID,
		Generator: res.Generator,
		Proposed:  res.Proposed,
		Applied:   res.Applied,
	}); err != nil {
		return res, err
	}

	e.Log.Info().Int64("entry_id", entryID).Str("generator", res.Generator).
		Int("proposed", res.Proposed).Int("applied", res.Applied).
		Msg("consolidate: memory updated")
	return res, nil
}

// reconsolidate finishes consolidation for a meaningful rollup that has no
// marker. It returns nil when there is nothing to do.
func (e *Engine) reconsolidate(ctx context.Context, entryID int64, batchID string) (*ConsolidationResult, error) {
	ea, err := e.DB.GetEntryAnalysis(entryID)
	if err != nil || ea == nil || !ea.Meaningful {
		return nil, err
	}
	done, err := e.DB.IsConsolidated(entryID)
	if err != nil || done {
		return nil, err
	}
	var r EntryRollup
	if err := json.Unmarshal(ea.Analysis, &r); err != nil {
		return nil, fmt.Errorf("decode rollup of entry %d: %w", entryID, err)
	}
	blocks, err := e.DB.EntryBlockAnalyses(entryID)
	if err != nil {
		return nil, err
	}
	return e.consolidate(ctx, entryID, batchID, &r, rollupEvidence(entryID, blocks))
}

// applyOp records op and folds it into its card in one transaction.
func (e *Engine) applyOp(entryID int64, batchID string, op Op, evidence []string, rules FoldRules) (bool, error) {
	key, err := sanitizeCardKey(op.CardKey)
	if err != nil {
		return false, &opError{err}
	}
	op.CardKey = key
	op.Confidence = clamp01(op.Confidence)
	// Fold the same JSON shapes replay will read back from the op log.
	op.Payload, err = normalizeJSON(op.Payload)
	if err != nil {
		return false, &opError{fmt.Errorf("op payload: %w", err)}
	}
	payload, err := opRecordPayload(op)
	if err != nil {
		return false, &opError{err}
	}

	id := entryID
	_, changed, err := e.DB.ApplyCardOp(store.MemOp{
		BatchID:    batchID,
		EntryID:    &id,
		CardKey:    op.CardKey,
		OpType:     op.Type,
		Payload:    payload,
		Evidence:   evidence,
		Generator:  op.Generator,
		Confidence: op.Confidence,
		Note:       op.Note,
	}, func(before *store.Card) (*store.Card, map[string]any, error) {
		state, err := stateFromCard(before)
		if err != nil {
			return nil, nil, &opError{err}
		}
		after, err := ApplyOp(state, op, rules)
		if err != nil {
			return nil, nil, &opError{err}
		}
		if after == nil {
			return nil, nil, nil
		}

		content, err := json.Marshal(after.Content)
		if err != nil {
			return nil, nil, &opError{err}
		}
		trigger, err := json.Marshal(cardTrigger(after.Content))
		if err != nil {
			return nil, nil, &opError{err}
		}
		var beforeContent any
		var beforeConf any
		if state != nil {
			beforeContent = state.Content
			beforeConf = state.Confidence
		}
		diff := map[string]any{
			"before": beforeContent,
			"patch":  op.Payload,
			"after":  after.Content,
			"meta": map[string]any{
				"op":             op.Type,
				"note":           op.Note,
				"generator":      op.Generator,
				"entry_id":       entryID,
				"evidence":       evidence,
				"prompt_version": llm.MemoryPromptVersion,
				"confidence":     map[string]any{"from": beforeConf, "to": after.Confidence},
			},
		}
		return &store.Card{
			Key:        op.CardKey,
			Type:       after.Type,
			Content:    content,
			Trigger:    trigger,
			Confidence: after.Confidence,
		}, diff, nil
	})
	return changed, err
}

// pickCandidates scores the most recently updated cards by topic overlap
// with the entry and keeps the best.
func (e *Engine) pickCandidates(topics []string) ([]Candidate, error) {
	cards, err := e.DB.ListCards(e.cfg.Memory.CandidatePool)
	if err != nil {
		return nil, err
	}
	entryTopics := make(map[string]bool, len(topics))
	for _, t := range topics {
		if k := normalizeItem(t); k != "" {
			entryTopics[k] = true
		}
	}

	out := make([]Candidate, 0, len(cards))
	for _, c := range cards {
		var content map[string]any
		if err := json.Unmarshal(c.Content, &content); err != nil {
			continue
		}
		score := 0
		seen := map[string]bool{}
		if list, ok := content["topics"].([]any); ok {
			for _, t := range list {
				k := normalizeItem(fmt.Sprint(t))
				if entryTopics[k] && !seen[k] {
					seen[k] = true
					score++
				}
			}
		}
		out = append(out, Candidate{CardKey: c.Key, Type: c.Type, Content: content, Confidence: c.Confidence, Score: score})
	}

	// ListCards is newest first; a stable sort keeps that order within a score.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if top := e.cfg.Memory.CandidateTop; top > 0 && len(out) > top {
		out = out[:top]
	}
	return out, nil
}

func normalizeJSON(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) foldRules() FoldRules {
	return FoldRules{
		ConfidenceWeight: e.cfg.Memory.ConfidenceWeight,
		CreatePolicy:     strings.ToLower(e.cfg.Memory.CreatePolicy),
	}
}
