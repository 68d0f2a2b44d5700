package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lazypower/diarist/internal/cloudsync"
	"github.com/lazypower/diarist/internal/engine"
	"github.com/lazypower/diarist/internal/store"
)

func TestEnqueueEntry(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "POST", "/api/entries", `{"text":"Walked by the sea.\n\nCalled my sister after dinner.","source":"web"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	var resp engine.EnqueueResult
	decode(t, w, &resp)
	if resp.EntryID == 0 {
		t.Error("entry_id = 0")
	}
	if resp.UnitCount != 2 {
		t.Errorf("unit_count = %d, want 2", resp.UnitCount)
	}
	if resp.BatchID == "" {
		t.Error("batch_id is empty")
	}
}

func TestEnqueueEntryRejects(t *testing.T) {
	srv := testServer(t)

	for _, body := range []string{`{"text":"   "}`, `{}`, `not json`} {
		w := do(t, srv, "POST", "/api/entries", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", body, w.Code, http.StatusBadRequest)
		}
	}
}

func TestRunJobsAndStats(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, "POST", "/api/entries", `{"text":"Walked by the sea.\n\nCalled my sister after dinner."}`)
	var enq engine.EnqueueResult
	decode(t, w, &enq)

	w = do(t, srv, "POST", "/api/jobs/run", `{"limit":10}`)
	if w.Code != http.StatusOK {
		t.Fatalf("run status = %d; body: %s", w.Code, w.Body.String())
	}
	var run engine.RunResult
	decode(t, w, &run)
	if run.Done != 2 || run.RolledUp != 1 {
		t.Errorf("run = %+v, want 2 done and 1 rolled up", run)
	}

	w = do(t, srv, "GET", "/api/stats", "")
	var stats engine.PipelineStats
	decode(t, w, &stats)
	if stats.Done != 2 || stats.Pending != 0 || stats.RolledUp != 1 {
		t.Errorf("stats = %+v", stats)
	}

	w = do(t, srv, "GET", "/api/entries/"+strconv.FormatInt(enq.EntryID, 10), "")
	if w.Code != http.StatusOK {
		t.Fatalf("entry status = %d", w.Code)
	}
	var st struct {
		RollupStatus string `json:"rollup_status"`
		Meaningful   bool   `json:"meaningful"`
	}
	decode(t, w, &st)
	if st.RollupStatus != "done" || !st.Meaningful {
		t.Errorf("entry = %+v", st)
	}
}

func TestRunJobsUnknownBackend(t *testing.T) {
	srv := testServer(t)
	w := do(t, srv, "POST", "/api/jobs/run", `{"backend":"remote"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestEntryNotFound(t *testing.T) {
	srv := testServer(t)
	if w := do(t, srv, "GET", "/api/entries/42", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if w := do(t, srv, "GET", "/api/entries/abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestCardRoutes(t *testing.T) {
	srv := testServer(t)
	do(t, srv, "POST", "/api/entries", `{"text":"Walked along the sea wall at dusk."}`)
	do(t, srv, "POST", "/api/jobs/run", "")

	w := do(t, srv, "GET", "/api/cards", "")
	var list struct {
		Count int          `json:"count"`
		Cards []store.Card `json:"cards"`
	}
	decode(t, w, &list)
	if list.Count == 0 {
		t.Fatal("no cards after a meaningful entry")
	}

	w = do(t, srv, "GET", "/api/cards/topic:walking", "")
	if w.Code != http.StatusOK {
		t.Fatalf("card status = %d; body: %s", w.Code, w.Body.String())
	}

	w = do(t, srv, "GET", "/api/cards/topic:walking/history", "")
	var h engine.CardHistory
	decode(t, w, &h)
	if len(h.Ops) != 1 || len(h.Changes) != 1 {
		t.Errorf("history has %d ops and %d changes, want 1 and 1", len(h.Ops), len(h.Changes))
	}

	w = do(t, srv, "GET", "/api/cards/topic:walking/replay", "")
	var replay engine.ReplayResult
	decode(t, w, &replay)
	if !replay.Match {
		t.Errorf("replay does not match the stored card")
	}

	if w := do(t, srv, "GET", "/api/cards/topic:nothing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing card status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestBackfillRoute(t *testing.T) {
	srv := testServer(t)
	w := do(t, srv, "POST", "/api/backfill", `{"limit":10}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var res engine.BackfillResult
	decode(t, w, &res)
	if res.EntriesRepaired != 0 {
		t.Errorf("repaired = %d on an empty store", res.EntriesRepaired)
	}
}

func TestSyncRoutes(t *testing.T) {
	eng := testEngine(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.md")
	content := "Met an old friend for coffee.\n\nFinished the novel.\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	eng.Syncer = cloudsync.New(eng.DB, cloudsync.StubAnalyzer{}, cloudsync.Options{Dir: dir})
	srv := New(eng, "test-version", zerolog.Nop())

	w := do(t, srv, "POST", "/api/sync", `{"source_id":"`+path+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("sync status = %d; body: %s", w.Code, w.Body.String())
	}
	var report cloudsync.Report
	decode(t, w, &report)
	if len(report.Sources) != 1 || report.Sources[0].Status != store.SyncOK {
		t.Fatalf("report = %+v", report)
	}

	w = do(t, srv, "GET", "/api/sync/state?source_id="+path, "")
	var st struct {
		Watermark  int64  `json:"watermark"`
		LastStatus string `json:"last_status"`
	}
	decode(t, w, &st)
	if st.Watermark != int64(len(content)) || st.LastStatus != store.SyncOK {
		t.Errorf("state = %+v, want watermark %d and status ok", st, len(content))
	}

	w = do(t, srv, "POST", "/api/sync/reset", `{"source_id":"`+path+`","reason":"test"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("reset status = %d; body: %s", w.Code, w.Body.String())
	}
	w = do(t, srv, "GET", "/api/sync/state?source_id="+path, "")
	decode(t, w, &st)
	if st.Watermark != 0 || st.LastStatus != "never" {
		t.Errorf("state after reset = %+v", st)
	}
}

func TestSyncNotConfigured(t *testing.T) {
	srv := testServer(t)
	w := do(t, srv, "POST", "/api/sync", `{}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	w = do(t, srv, "GET", "/api/sync/state", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("state without source_id = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if !strings.Contains(w.Body.String(), "source_id") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestSyncRejectsSourceOutsideDir(t *testing.T) {
	eng := testEngine(t)
	diaries := t.TempDir()
	outside := filepath.Join(t.TempDir(), "config.md")
	if err := os.WriteFile(outside, []byte("db_host=internal.example\n"), 0644); err != nil {
		t.Fatal(err)
	}
	eng.Syncer = cloudsync.New(eng.DB, cloudsync.StubAnalyzer{}, cloudsync.Options{Dir: diaries})
	srv := New(eng, "test-version", zerolog.Nop())

	w := do(t, srv, "POST", "/api/sync", `{"source_id":"`+outside+`"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
	st, err := eng.DB.GetSyncState(cloudsync.SourceID(outside))
	if err != nil {
		t.Fatal(err)
	}
	if st != nil {
		t.Errorf("outside source has sync state %+v", st)
	}

	eng.Syncer = cloudsync.New(eng.DB, cloudsync.StubAnalyzer{}, cloudsync.Options{})
	srv = New(eng, "test-version", zerolog.Nop())
	w = do(t, srv, "POST", "/api/sync", `{"source_id":"`+outside+`"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("named source without sync dir = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
