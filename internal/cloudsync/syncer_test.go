package cloudsync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/diarist/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// recorder wraps an analyzer and remembers every range it was sent.
type recorder struct {
	inner Analyzer
	err   error

	mu   sync.Mutex
	reqs []RangeRequest
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Analyze(ctx context.Context, req RangeRequest) ([]byte, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.inner.Analyze(ctx, req)
}

func (r *recorder) ranges() [][2]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][2]int64, len(r.reqs))
	for i, q := range r.reqs {
		out[i] = [2]int64{q.Start, q.End}
	}
	return out
}

// lines returns n newline-terminated lines of exactly width bytes each.
func lines(n, width int) string {
	return strings.Repeat(strings.Repeat("d", width-1)+"\n", n)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func newSyncer(t *testing.T, db *store.DB, a Analyzer) *Syncer {
	t.Helper()
	return New(db, a, Options{Timeout: time.Second, MaxRangeBytes: 4096})
}

func TestSyncSendsOnlyNewBytes(t *testing.T) {
	db := testDB(t)
	path := filepath.Join(t.TempDir(), "journal.md")
	writeFile(t, path, lines(5, 100))

	rec := &recorder{inner: StubAnalyzer{}}
	s := newSyncer(t, db, rec)

	rep, err := s.Sync(context.Background(), Request{SourceID: path})
	require.NoError(t, err)
	require.Len(t, rep.Sources, 1)
	assert.Equal(t, int64(500), rep.Sources[0].Watermark)
	assert.Equal(t, 1, rep.Sources[0].AppliedRanges)
	assert.Equal(t, store.SyncOK, rep.Sources[0].Status)

	appendFile(t, path, "\nran 5k by the river this morning\n")
	rep, err = s.Sync(context.Background(), Request{SourceID: path})
	require.NoError(t, err)
	assert.Equal(t, [][2]int64{{0, 500}, {500, 534}}, rec.ranges())
	assert.Equal(t, int64(534), rep.Sources[0].Watermark)

	st, err := db.GetSyncState(SourceID(path))
	require.NoError(t, err)
	assert.Equal(t, int64(534), st.SyncedBytes)
	assert.Equal(t, store.SyncOK, st.LastStatus)

	events, err := db.SourceEvents(SourceID(path))
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestSyncUpToDateCallsNothing(t *testing.T) {
	db := testDB(t)
	path := filepath.Join(t.TempDir(), "journal.md")
	writeFile(t, path, "first entry\n")

	rec := &recorder{inner: StubAnalyzer{}}
	s := newSyncer(t, db, rec)
	_, err := s.Sync(context.Background(), Request{SourceID: path})
	require.NoError(t, err)

	rep, err := s.Sync(context.Background(), Request{SourceID: path})
	require.NoError(t, err)
	assert.Equal(t, store.SyncNoNewContent, rep.Sources[0].Status)
	assert.Len(t, rec.ranges(), 1)
}

func TestSyncFailureLeavesWatermark(t *testing.T) {
	db := testDB(t)
	path := filepath.Join(t.TempDir(), "journal.md")
	writeFile(t, path, "day one\n")

	rec := &recorder{inner: StubAnalyzer{}}
	s := newSyncer(t, db, rec)
	_, err := s.Sync(context.Background(), Request{SourceID: path})
	require.NoError(t, err)

	appendFile(t, path, "day two\n")
	rec.err = errors.New("connection refused")
	rep, err := s.Sync(context.Background(), Request{SourceID: path})
	require.NoError(t, err)
	assert.Equal(t, store.SyncFailed, rep.Sources[0].Status)
	assert.Equal(t, int64(8), rep.Sources[0].Watermark)

	st, err := db.GetSyncState(SourceID(path))
	require.NoError(t, err)
	assert.Equal(t, int64(8), st.SyncedBytes)
	assert.Equal(t, store.SyncFailed, st.LastStatus)
	assert.Contains(t, st.LastError, "connection refused")

	rec.err = nil
	rep, err = s.Sync(context.Background(), Request{SourceID: path})
	require.NoError(t, err)
	assert.Equal(t, int64(16), rep.Sources[0].Watermark)
	// the failed range is resent unchanged
	assert.Equal(t, [][2]int64{{0, 8}, {8, 16}, {8, 16}}, rec.ranges())
}

type futureAnalyzer struct{}

func (futureAnalyzer) Name() string { return "future" }

func (futureAnalyzer) Analyze(_ context.Context, req RangeRequest) ([]byte, error) {
	ts := req.Now.Add(time.Hour).UnixMilli()
	return []byte(`{"contract_version":"v1","blocks":[{"block_id":"le:00000001","event_ts":` +
		itoa(ts) + `,"event_type":"note","summary":"tomorrow"}]}`), nil
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func TestSyncRejectsInvalidContract(t *testing.T) {
	db := testDB(t)
	path := filepath.Join(t.TempDir(), "journal.md")
	writeFile(t, path, "a day\n")

	s := newSyncer(t, db, futureAnalyzer{})
	rep, err := s.Sync(context.Background(), Request{SourceID: path})
	require.NoError(t, err)
	assert.Equal(t, store.SyncFailed, rep.Sources[0].Status)
	assert.Contains(t, rep.Sources[0].Error, "future")

	st, err := db.GetSyncState(SourceID(path))
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.SyncedBytes)

	n, err := db.CountChanges(store.EntityLifeEvent)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type blockingAnalyzer struct{ release chan struct{} }

func (blockingAnalyzer) Name() string { return "blocking" }

func (a blockingAnalyzer) Analyze(context.Context, RangeRequest) ([]byte, error) {
	<-a.release
	return nil, errors.New("released")
}

func TestSyncAnalyzerTimeout(t *testing.T) {
	db := testDB(t)
	path := filepath.Join(t.TempDir(), "journal.md")
	writeFile(t, path, "slow day\n")

	a := blockingAnalyzer{release: make(chan struct{})}
	defer close(a.release)
	s := New(db, a, Options{Timeout: 50 * time.Millisecond})

	start := time.Now()
	rep, err := s.Sync(context.Background(), Request{SourceID: path})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, store.SyncFailed, rep.Sources[0].Status)
	assert.Contains(t, rep.Sources[0].Error, "deadline")
}

func TestSyncSourceShrankAndReset(t *testing.T) {
	db := testDB(t)
	path := filepath.Join(t.TempDir(), "journal.md")
	writeFile(t, path, "a long first version of the diary\n")

	rec := &recorder{inner: StubAnalyzer{}}
	s := newSyncer(t, db, rec)
	_, err := s.Sync(context.Background(), Request{SourceID: path})
	require.NoError(t, err)

	writeFile(t, path, "rewritten\n")
	rep, err := s.Sync(context.Background(), Request{SourceID: path})
	require.NoError(t, err)
	assert.Equal(t, store.SyncSourceShrank, rep.Sources[0].Status)
	assert.Equal(t, int64(34), rep.Sources[0].Watermark)

	st, err := db.GetSyncState(SourceID(path))
	require.NoError(t, err)
	assert.Equal(t, int64(34), st.SyncedBytes)
	assert.Equal(t, store.SyncSourceShrank, st.LastStatus)

	require.NoError(t, db.ResetSource(SourceID(path), "rewritten"))
	rep, err = s.Sync(context.Background(), Request{SourceID: path})
	require.NoError(t, err)
	assert.Equal(t, int64(10), rep.Sources[0].Watermark)
	assert.Equal(t, [2]int64{0, 10}, rec.ranges()[1])
}

func TestSyncWhitespaceDeltaAdvances(t *testing.T) {
	db := testDB(t)
	path := filepath.Join(t.TempDir(), "journal.md")
	writeFile(t, path, "entry\n")

	rec := &recorder{inner: StubAnalyzer{}}
	s := newSyncer(t, db, rec)
	_, err := s.Sync(context.Background(), Request{SourceID: path})
	require.NoError(t, err)

	appendFile(t, path, "\n\n   \n")
	rep, err := s.Sync(context.Background(), Request{SourceID: path})
	require.NoError(t, err)
	assert.Equal(t, store.SyncNoNewContent, rep.Sources[0].Status)
	assert.Equal(t, int64(12), rep.Sources[0].Watermark)
	assert.Len(t, rec.ranges(), 1)
}

func TestSyncSplitsLargeDelta(t *testing.T) {
	db := testDB(t)
	path := filepath.Join(t.TempDir(), "journal.md")
	writeFile(t, path, lines(10, 10))

	rec := &recorder{inner: StubAnalyzer{}}
	s := New(db, rec, Options{Timeout: time.Second, MaxRangeBytes: 35})
	rep, err := s.Sync(context.Background(), Request{SourceID: path})
	require.NoError(t, err)

	assert.Equal(t, [][2]int64{{0, 30}, {30, 60}, {60, 90}, {90, 100}}, rec.ranges())
	assert.Equal(t, 4, rep.Sources[0].AppliedRanges)
	assert.Len(t, rep.Sources[0].BatchIDs, 4)
}

func TestSplitRanges(t *testing.T) {
	data := []byte("ab\ncd\nef")
	assert.Equal(t, []byteRange{{0, 8}}, splitRanges(data, 0, 100))
	assert.Equal(t, []byteRange{{0, 3}, {3, 6}, {6, 8}}, splitRanges(data, 0, 4))
	assert.Equal(t, []byteRange{{3, 6}, {6, 8}}, splitRanges(data, 3, 4))

	// no newline in the window: cut on a rune boundary
	long := []byte("ééééé")
	for _, r := range splitRanges(long, 0, 3) {
		assert.Zero(t, (r.end-r.start)%2, "range %v splits a rune", r)
	}
}

func TestSyncDirectoryOrderAndLimit(t *testing.T) {
	db := testDB(t)
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"a.md", "b.txt", "c.md"} {
		p := filepath.Join(dir, name)
		writeFile(t, p, name+" entry\n")
		mod := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(p, mod, mod))
	}
	writeFile(t, filepath.Join(dir, "notes.json"), "{}")

	s := New(db, StubAnalyzer{}, Options{Dir: dir, Timeout: time.Second})
	rep, err := s.Sync(context.Background(), Request{Order: OrderNewest, Limit: 2})
	require.NoError(t, err)
	require.Len(t, rep.Sources, 2)
	assert.Equal(t, "c.md", filepath.Base(rep.Sources[0].SourceID))
	assert.Equal(t, "b.txt", filepath.Base(rep.Sources[1].SourceID))

	rep, err = s.Sync(context.Background(), Request{Order: OrderOldest})
	require.NoError(t, err)
	require.Len(t, rep.Sources, 3)
	assert.Equal(t, "a.md", filepath.Base(rep.Sources[0].SourceID))
	assert.Equal(t, store.SyncOK, rep.Sources[0].Status)
	assert.Equal(t, store.SyncNoNewContent, rep.Sources[2].Status)
}

func TestSyncRedactsBeforeSending(t *testing.T) {
	db := testDB(t)
	path := filepath.Join(t.TempDir(), "journal.md")
	writeFile(t, path, "met [Alice] for lunch, token sk-abcdefghijklmnopqrstuvwx\n")

	rec := &recorder{inner: StubAnalyzer{}}
	s := newSyncer(t, db, rec)
	_, err := s.Sync(context.Background(), Request{SourceID: path})
	require.NoError(t, err)

	require.Len(t, rec.reqs, 1)
	assert.NotContains(t, rec.reqs[0].Text, "Alice")
	assert.NotContains(t, rec.reqs[0].Text, "sk-abcdefghijklmnopqrstuvwx")
}

func TestSyncMissingSource(t *testing.T) {
	s := newSyncer(t, testDB(t), StubAnalyzer{})
	_, err := s.Sync(context.Background(), Request{SourceID: filepath.Join(t.TempDir(), "nope.md")})
	assert.Error(t, err)

	_, err = s.Sync(context.Background(), Request{})
	assert.Error(t, err)
}

func TestSyncConfinedToDir(t *testing.T) {
	db := testDB(t)
	diaries := t.TempDir()
	writeFile(t, filepath.Join(diaries, "today.md"), "Rode the ferry across.\n")

	elsewhere := t.TempDir()
	outside := filepath.Join(elsewhere, "settings.md")
	writeFile(t, outside, "db_host=internal.example\n")

	rec := &recorder{inner: StubAnalyzer{}}
	s := New(db, rec, Options{Dir: diaries, Timeout: time.Second})
	ctx := context.Background()

	_, err := s.Sync(ctx, Request{SourceID: outside})
	assert.ErrorIs(t, err, ErrSourceRejected)

	_, err = s.Sync(ctx, Request{SourceID: filepath.Join(diaries, "..", filepath.Base(elsewhere), "settings.md")})
	assert.ErrorIs(t, err, ErrSourceRejected)

	link := filepath.Join(diaries, "link.md")
	if err := os.Symlink(outside, link); err == nil {
		_, err = s.Sync(ctx, Request{SourceID: link})
		assert.ErrorIs(t, err, ErrSourceRejected)
	}

	notes := filepath.Join(diaries, "notes.json")
	writeFile(t, notes, "{}")
	_, err = s.Sync(ctx, Request{SourceID: notes})
	assert.ErrorIs(t, err, ErrSourceRejected)

	assert.Empty(t, rec.ranges())
	st, err := db.GetSyncState(SourceID(outside))
	require.NoError(t, err)
	assert.Nil(t, st)

	rep, err := s.Sync(ctx, Request{SourceID: filepath.Join(diaries, "today.md")})
	require.NoError(t, err)
	require.Len(t, rep.Sources, 1)
	assert.Equal(t, store.SyncOK, rep.Sources[0].Status)
}
