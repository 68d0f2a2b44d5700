package store

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func seedEntry(t *testing.T, db *DB, texts ...string) *IngestResult {
	t.Helper()
	var blocks []NewBlock
	for i, s := range texts {
		blocks = append(blocks, NewBlock{Idx: i, Text: s})
	}
	res, err := db.InsertEntry("entry text for testing", "test", blocks)
	if err != nil {
		t.Fatalf("InsertEntry: %v", err)
	}
	return res
}

func workerBatch(t *testing.T, db *DB) string {
	t.Helper()
	id, err := db.CreateBatch(BatchWorker, map[string]any{"test": true})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	return id
}

func TestInsertEntryCreatesPendingJobs(t *testing.T) {
	db := testDB(t)
	res := seedEntry(t, db, "first block", "second block", "third block")

	if len(res.BlockIDs) != 3 || len(res.JobIDs) != 3 {
		t.Fatalf("blocks = %d, jobs = %d, want 3 and 3", len(res.BlockIDs), len(res.JobIDs))
	}
	stats, err := db.JobCounts()
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	if stats.Pending != 3 || stats.Total() != 3 {
		t.Errorf("stats = %+v, want 3 pending", stats)
	}

	// entry + 3 blocks + 3 jobs
	changes, err := db.ChangesForBatch(res.BatchID)
	if err != nil {
		t.Fatalf("ChangesForBatch: %v", err)
	}
	if len(changes) != 7 {
		t.Errorf("changes = %d, want 7", len(changes))
	}
}

func TestClaimJobOnlyOnce(t *testing.T) {
	db := testDB(t)
	res := seedEntry(t, db, "only block")
	batch := workerBatch(t, db)

	tok1, err := db.ClaimJob(batch, res.JobIDs[0], "w1", "local")
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if tok1 == "" {
		t.Fatal("first claim should succeed")
	}

	tok2, err := db.ClaimJob(batch, res.JobIDs[0], "w2", "local")
	if err != nil {
		t.Fatalf("second ClaimJob: %v", err)
	}
	if tok2 != "" {
		t.Error("second claim should lose")
	}

	job, err := db.GetJob(res.JobIDs[0])
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != JobRunning || job.WorkerID != "w1" || job.LastAttemptAt == nil {
		t.Errorf("job = %+v, want running by w1 with attempt timestamp", job)
	}
	if job.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0 (claims do not consume attempts)", job.Attempts)
	}
}

func TestPendingJobsOrder(t *testing.T) {
	db := testDB(t)
	a := seedEntry(t, db, "a0", "a1")
	b := seedEntry(t, db, "b0")

	jobs, err := db.PendingJobs(10)
	if err != nil {
		t.Fatalf("PendingJobs: %v", err)
	}
	want := []int64{a.JobIDs[0], a.JobIDs[1], b.JobIDs[0]}
	if len(jobs) != len(want) {
		t.Fatalf("got %d jobs, want %d", len(jobs), len(want))
	}
	for i, jb := range jobs {
		if jb.Job.ID != want[i] {
			t.Errorf("jobs[%d] = %d, want %d", i, jb.Job.ID, want[i])
		}
	}
	if jobs[1].Block.Idx != 1 || jobs[1].Block.RawText != "a1" {
		t.Errorf("block = %+v, want idx 1 text a1", jobs[1].Block)
	}
}

func TestCompleteJobWritesAnalysis(t *testing.T) {
	db := testDB(t)
	res := seedEntry(t, db, "block text")
	batch := workerBatch(t, db)
	tok, _ := db.ClaimJob(batch, res.JobIDs[0], "w1", "local")

	err := db.CompleteJob(Completion{
		JobID: res.JobIDs[0], ClaimToken: tok, BatchID: batch, Backend: "local",
		Analysis: json.RawMessage(`{"summary":"ok"}`),
	})
	if err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	a, err := db.GetBlockAnalysis(res.BlockIDs[0])
	if err != nil {
		t.Fatalf("GetBlockAnalysis: %v", err)
	}
	if a == nil || string(a.Analysis) != `{"summary":"ok"}` {
		t.Errorf("analysis = %+v", a)
	}

	job, _ := db.GetJob(res.JobIDs[0])
	if job.Status != JobDone {
		t.Errorf("Status = %q, want done", job.Status)
	}

	// A second completion with the same token is stale.
	err = db.CompleteJob(Completion{JobID: res.JobIDs[0], ClaimToken: tok, BatchID: batch, Backend: "local", Analysis: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrStaleClaim) {
		t.Errorf("second CompleteJob err = %v, want ErrStaleClaim", err)
	}
}

func TestCompleteJobRejectsWrongToken(t *testing.T) {
	db := testDB(t)
	res := seedEntry(t, db, "block text")
	batch := workerBatch(t, db)
	if _, err := db.ClaimJob(batch, res.JobIDs[0], "w1", "local"); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	err := db.CompleteJob(Completion{JobID: res.JobIDs[0], ClaimToken: "not-the-token", BatchID: batch, Backend: "local", Analysis: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrStaleClaim) {
		t.Fatalf("err = %v, want ErrStaleClaim", err)
	}
	a, _ := db.GetBlockAnalysis(res.BlockIDs[0])
	if a != nil {
		t.Error("no analysis should be written for a stale claim")
	}
}

func TestCompleteJobRejectsMalformedAnalysis(t *testing.T) {
	db := testDB(t)
	res := seedEntry(t, db, "block text")
	batch := workerBatch(t, db)
	tok, _ := db.ClaimJob(batch, res.JobIDs[0], "w1", "local")

	err := db.CompleteJob(Completion{JobID: res.JobIDs[0], ClaimToken: tok, BatchID: batch, Backend: "local", Analysis: json.RawMessage(`["not","object"]`)})
	if err == nil {
		t.Fatal("expected array analysis to be rejected")
	}
	job, _ := db.GetJob(res.JobIDs[0])
	if job.Status != JobRunning {
		t.Errorf("Status = %q, want running", job.Status)
	}
}

func TestFailJobExhaustsBudget(t *testing.T) {
	db := testDB(t)
	res := seedEntry(t, db, "block text")
	batch := workerBatch(t, db)
	jobID := res.JobIDs[0]

	wantStatus := []string{JobFailedRetryable, JobFailedRetryable, JobFailedExhausted}
	for i, want := range wantStatus {
		tok, err := db.ClaimJob(batch, jobID, "w1", "local")
		if err != nil || tok == "" {
			t.Fatalf("attempt %d: claim failed: %v", i+1, err)
		}
		status, err := db.FailJob(batch, jobID, tok, "boom", 3)
		if err != nil {
			t.Fatalf("attempt %d: FailJob: %v", i+1, err)
		}
		if status != want {
			t.Errorf("attempt %d: status = %q, want %q", i+1, status, want)
		}
		if _, err := db.RequeueRetryable(batch, 3); err != nil {
			t.Fatalf("RequeueRetryable: %v", err)
		}
	}

	job, _ := db.GetJob(jobID)
	if job.Status != JobFailedExhausted || job.Attempts != 3 {
		t.Errorf("job = %s/%d, want failed_exhausted/3", job.Status, job.Attempts)
	}
}

func TestRequeueRetryable(t *testing.T) {
	db := testDB(t)
	res := seedEntry(t, db, "block text")
	batch := workerBatch(t, db)
	tok, _ := db.ClaimJob(batch, res.JobIDs[0], "w1", "local")
	if _, err := db.FailJob(batch, res.JobIDs[0], tok, "timeout", 3); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	moved, err := db.RequeueRetryable(batch, 3)
	if err != nil {
		t.Fatalf("RequeueRetryable: %v", err)
	}
	if len(moved) != 1 || moved[0].Status != JobPending || moved[0].EntryID != res.EntryID {
		t.Errorf("moved = %+v, want one pending transition for entry %d", moved, res.EntryID)
	}
}

func TestRecoverStale(t *testing.T) {
	db := testDB(t)
	res := seedEntry(t, db, "block text")
	batch := workerBatch(t, db)
	tok, _ := db.ClaimJob(batch, res.JobIDs[0], "w1", "local")

	// Not stale yet.
	moved, err := db.RecoverStale(batch, time.Hour, 3)
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if len(moved) != 0 {
		t.Fatalf("recovered %d fresh jobs, want 0", len(moved))
	}

	// Backdate the attempt past the threshold.
	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	if _, err := db.Exec(`UPDATE jobs SET last_attempt_at = ? WHERE id = ?`, old, res.JobIDs[0]); err != nil {
		t.Fatalf("backdate: %v", err)
	}
	moved, err = db.RecoverStale(batch, time.Hour, 3)
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if len(moved) != 1 || moved[0].Status != JobPending || moved[0].Attempts != 1 {
		t.Fatalf("moved = %+v, want one pending with attempts 1", moved)
	}

	// The crashed worker's late completion is discarded.
	err = db.CompleteJob(Completion{JobID: res.JobIDs[0], ClaimToken: tok, BatchID: batch, Backend: "local", Analysis: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrStaleClaim) {
		t.Errorf("late CompleteJob err = %v, want ErrStaleClaim", err)
	}
	job, _ := db.GetJob(res.JobIDs[0])
	if job.LastError != "stale running > 3600s" {
		t.Errorf("LastError = %q", job.LastError)
	}
}

func TestSkipJobOnlyFromPending(t *testing.T) {
	db := testDB(t)
	res := seedEntry(t, db, "a", "b")
	batch := workerBatch(t, db)

	ok, err := db.SkipJob(batch, res.JobIDs[0], "too short")
	if err != nil || !ok {
		t.Fatalf("SkipJob = %v, %v; want true", ok, err)
	}
	if _, err := db.ClaimJob(batch, res.JobIDs[1], "w1", "local"); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	ok, err = db.SkipJob(batch, res.JobIDs[1], "too short")
	if err != nil {
		t.Fatalf("SkipJob: %v", err)
	}
	if ok {
		t.Error("running job must not be skipped")
	}

	stats, _ := db.EntryJobCounts(res.EntryID)
	if stats.Skipped != 1 || stats.Running != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
