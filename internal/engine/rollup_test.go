package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/diarist/internal/analysis"
	"github.com/lazypower/diarist/internal/store"
)

func f64(v float64) *float64 { return &v }

func TestMergeAnalyses(t *testing.T) {
	d1, d3 := 1, 3
	parts := []analysis.Analysis{
		{
			Summary:         "Went running. Felt great.",
			Signals:         analysis.Signals{Mood: f64(6), Sleep: f64(7)},
			Topics:          []string{"Running", "cooking"},
			Facts:           []string{"ran 5k"},
			Todos:           []string{"buy shoes"},
			ReflectionDepth: &d1,
		},
		{
			Summary:         "Felt great. Cooked dinner.",
			Signals:         analysis.Signals{Mood: f64(7)},
			Topics:          []string{"running ", "friends"},
			Facts:           []string{"Ran 5k"},
			ReflectionDepth: &d3,
		},
		{Summary: noSummary},
	}

	got := mergeAnalyses(parts)
	assert.Equal(t, "Went running. Felt great. Cooked dinner.", got.Summary)
	assert.Equal(t, []string{"Running", "cooking", "friends"}, got.Topics)
	assert.Equal(t, []string{"ran 5k"}, got.Facts)
	assert.Equal(t, []string{"buy shoes"}, got.Todos)
	require.NotNil(t, got.Signals.Mood)
	assert.Equal(t, 6.5, *got.Signals.Mood)
	assert.Equal(t, 7.0, *got.Signals.Sleep)
	assert.Nil(t, got.Signals.Stress)
	require.NotNil(t, got.ReflectionDepth)
	assert.Equal(t, 3, *got.ReflectionDepth)
}

func TestMergeAnalysesEmpty(t *testing.T) {
	got := mergeAnalyses(nil)
	assert.Equal(t, noSummary, got.Summary)
	assert.NotNil(t, got.Topics)
	assert.Empty(t, got.Topics)
	assert.False(t, got.Signals.Any())
	assert.Nil(t, got.ReflectionDepth)
}

func TestMergeSummariesCapsSentences(t *testing.T) {
	got := mergeSummaries([]string{"One. Two.", "Three. Four.", "Five."})
	assert.Equal(t, "One. Two. Three.", got)
}

func TestSplitSentences(t *testing.T) {
	assert.Equal(t, []string{"Hi there.", "Version 1.2 shipped!", "Done"}, splitSentences("Hi there. Version 1.2 shipped! Done"))
	assert.Equal(t, []string{"今天很好。", "明天见。"}, splitSentences("今天很好。明天见。"))
	assert.Empty(t, splitSentences("   "))
}

func TestIsMeaningful(t *testing.T) {
	ok := RollupMeta{BlocksTotal: 1, BlocksOK: 1}
	assert.False(t, isMeaningful(&EntryRollup{Analysis: analysis.Analysis{Summary: noSummary}, Meta: ok}))
	assert.True(t, isMeaningful(&EntryRollup{Analysis: analysis.Analysis{Summary: noSummary, Todos: []string{"call mom"}}, Meta: ok}))
	assert.True(t, isMeaningful(&EntryRollup{Analysis: analysis.Analysis{Summary: noSummary, Signals: analysis.Signals{Work: f64(3)}}, Meta: ok}))
	assert.False(t, isMeaningful(&EntryRollup{
		Analysis: analysis.Analysis{Summary: "Something happened."},
		Meta:     RollupMeta{BlocksTotal: 1, BlocksFailed: 1},
	}))
}

func TestMaybeRollupWaitsForOpenJobs(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := e.EnqueueEntry(ctx, threeParagraphs, "")
	require.NoError(t, err)
	run, err := e.RunJobs(ctx, RunOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Done)
	assert.Zero(t, run.RolledUp)

	r, err := e.MaybeRollup(ctx, res.EntryID, run.BatchID)
	require.NoError(t, err)
	assert.True(t, r.Waiting)
	assert.False(t, r.Written)

	ea, err := e.DB.GetEntryAnalysis(res.EntryID)
	require.NoError(t, err)
	assert.Nil(t, ea)
}

func TestMaybeRollupWritesExactlyOnce(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := e.EnqueueEntry(ctx, "Weeded the garden beds.\n\nPlanted garlic along the fence.", "")
	require.NoError(t, err)
	completeDirectly(t, e.DB, res.EntryID)
	batch, err := e.DB.CreateBatch(store.BatchManual, nil)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		written int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := e.MaybeRollup(ctx, res.EntryID, batch)
			assert.NoError(t, err)
			if r != nil && r.Written {
				mu.Lock()
				written++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, written)

	n, err := e.DB.CountEntryAnalyses(res.EntryID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ops, err := e.DB.EntryOps(res.EntryID)
	require.NoError(t, err)
	assert.Len(t, ops, 1, "consolidation runs once")

	again, err := e.MaybeRollup(ctx, res.EntryID, batch)
	require.NoError(t, err)
	assert.False(t, again.Written)
	assert.False(t, again.Waiting)
}

func TestRollupStoresMeta(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	res, err := e.EnqueueEntry(ctx, threeParagraphs, "")
	require.NoError(t, err)
	_, err = e.RunJobs(ctx, RunOptions{Limit: 10})
	require.NoError(t, err)

	ea, err := e.DB.GetEntryAnalysis(res.EntryID)
	require.NoError(t, err)
	require.NotNil(t, ea)

	var r EntryRollup
	require.NoError(t, json.Unmarshal(ea.Analysis, &r))
	assert.Equal(t, RollupMeta{BlocksTotal: 3, BlocksOK: 3}, r.Meta)
	assert.Equal(t, []string{"running", "worked", "cooking"}, r.Topics)
	require.NotNil(t, r.Signals.Mood)
	assert.Equal(t, 6.0, *r.Signals.Mood)
}

func TestAllSkippedRollsUpEmpty(t *testing.T) {
	e, _ := newTestEngine(t, func(o *Options) { o.Pipeline.MinBlockChars = 1000 })
	ctx := context.Background()

	res, err := e.EnqueueEntry(ctx, threeParagraphs, "")
	require.NoError(t, err)
	run, err := e.RunJobs(ctx, RunOptions{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, run.Skipped)
	assert.Equal(t, 1, run.RolledUp)

	ea, err := e.DB.GetEntryAnalysis(res.EntryID)
	require.NoError(t, err)
	require.NotNil(t, ea)
	assert.False(t, ea.Meaningful)
	assert.Equal(t, 3, ea.BlocksSkipped)

	var r EntryRollup
	require.NoError(t, json.Unmarshal(ea.Analysis, &r))
	assert.True(t, r.Meta.Empty)
	assert.Equal(t, noSummary, r.Summary)

	ops, err := e.DB.EntryOps(res.EntryID)
	require.NoError(t, err)
	assert.Empty(t, ops)
}
