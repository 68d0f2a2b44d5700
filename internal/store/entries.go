package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// Entry is one journal submission.
type Entry struct {
	ID           int64
	CreatedAt    int64
	RawText      string
	Source       string
	RollupStatus string
}

// Block is one analyzable span of an entry.
type Block struct {
	ID        int64
	EntryID   int64
	Idx       int
	Title     string
	RawText   string
	Sensitive bool
	CreatedAt int64
}

// NewBlock describes a block to be inserted alongside its job.
type NewBlock struct {
	Idx       int
	Title     string
	Text      string
	Sensitive bool
}

// IngestResult reports what InsertEntry wrote.
type IngestResult struct {
	EntryID  int64
	BatchID  string
	BlockIDs []int64
	JobIDs   []int64
}

// InsertEntry stores an entry, its blocks, and one pending job per block
// in a single transaction under a fresh ingest batch.
func (db *DB) InsertEntry(text, source string, blocks []NewBlock) (*IngestResult, error) {
	if source == "" {
		source = "api"
	}
	res := &IngestResult{}
	err := db.withTx(func(tx *sql.Tx) error {
		batchID, err := insertBatch(tx, BatchIngest, map[string]any{"source": source, "blocks": len(blocks)})
		if err != nil {
			return err
		}
		res.BatchID = batchID

		now := time.Now().UnixMilli()
		r, err := tx.Exec(`
			INSERT INTO entries (created_at, raw_text, source) VALUES (?, ?, ?)
		`, now, text, source)
		if err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		res.EntryID, _ = r.LastInsertId()
		if err := insertChange(tx, batchID, EntityEntry, strconv.FormatInt(res.EntryID, 10), ActionCreate, map[string]any{
			"source": source,
			"chars":  len([]rune(text)),
		}); err != nil {
			return err
		}

		res.BlockIDs, res.JobIDs, err = insertBlocks(tx, batchID, res.EntryID, now, blocks)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// AddBlocks attaches blocks and pending jobs to an existing entry that has none.
func (db *DB) AddBlocks(batchID string, entryID int64, blocks []NewBlock) ([]int64, []int64, error) {
	var blockIDs, jobIDs []int64
	err := db.withTx(func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM blocks WHERE entry_id = ?`, entryID).Scan(&n); err != nil {
			return fmt.Errorf("count blocks: %w", err)
		}
		if n > 0 {
			return nil
		}
		var err error
		blockIDs, jobIDs, err = insertBlocks(tx, batchID, entryID, time.Now().UnixMilli(), blocks)
		return err
	})
	return blockIDs, jobIDs, err
}

func insertBlocks(tx *sql.Tx, batchID string, entryID, now int64, blocks []NewBlock) ([]int64, []int64, error) {
	var blockIDs, jobIDs []int64
	for _, b := range blocks {
		var title any
		if b.Title != "" {
			title = b.Title
		}
		r, err := tx.Exec(`
			INSERT INTO blocks (entry_id, idx, title, raw_text, sensitive, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, entryID, b.Idx, title, b.Text, b.Sensitive, now)
		if err != nil {
			return nil, nil, fmt.Errorf("insert block %d: %w", b.Idx, err)
		}
		blockID, _ := r.LastInsertId()
		blockIDs = append(blockIDs, blockID)
		if err := insertChange(tx, batchID, EntityBlock, strconv.FormatInt(blockID, 10), ActionCreate, map[string]any{
			"entry_id":  entryID,
			"idx":       b.Idx,
			"sensitive": b.Sensitive,
		}); err != nil {
			return nil, nil, err
		}

		jobID, err := insertJob(tx, batchID, blockID, now)
		if err != nil {
			return nil, nil, err
		}
		jobIDs = append(jobIDs, jobID)
	}
	return blockIDs, jobIDs, nil
}

func insertJob(tx *sql.Tx, batchID string, blockID, now int64) (int64, error) {
	r, err := tx.Exec(`
		INSERT INTO jobs (block_id, batch_id, status, attempts, created_at, updated_at)
		VALUES (?, ?, 'pending', 0, ?, ?)
	`, blockID, batchID, now, now)
	if err != nil {
		return 0, fmt.Errorf("insert job for block %d: %w", blockID, err)
	}
	jobID, _ := r.LastInsertId()
	if err := insertChange(tx, batchID, EntityJob, strconv.FormatInt(jobID, 10), ActionCreate, map[string]any{
		"block_id": blockID,
		"status":   JobPending,
	}); err != nil {
		return 0, err
	}
	return jobID, nil
}

// EnsureJobs creates pending jobs for any block of the entry that lacks one.
// Returns the number of jobs created.
func (db *DB) EnsureJobs(batchID string, entryID int64) (int, error) {
	created := 0
	err := db.withTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT b.id FROM blocks b
			LEFT JOIN jobs j ON j.block_id = b.id
			WHERE b.entry_id = ? AND j.id IS NULL
			ORDER BY b.idx
		`, entryID)
		if err != nil {
			return fmt.Errorf("find blocks without jobs: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan block id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UnixMilli()
		for _, id := range ids {
			if _, err := insertJob(tx, batchID, id, now); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	return created, err
}

// GetEntry returns an entry by id, or nil if it does not exist.
func (db *DB) GetEntry(id int64) (*Entry, error) {
	var e Entry
	err := db.QueryRow(`
		SELECT id, created_at, raw_text, source, rollup_status FROM entries WHERE id = ?
	`, id).Scan(&e.ID, &e.CreatedAt, &e.RawText, &e.Source, &e.RollupStatus)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return &e, nil
}

// GetBlock returns a block by id, or nil if it does not exist.
func (db *DB) GetBlock(id int64) (*Block, error) {
	var b Block
	err := db.QueryRow(`
		SELECT id, entry_id, idx, COALESCE(title, ''), raw_text, sensitive, created_at FROM blocks WHERE id = ?
	`, id).Scan(&b.ID, &b.EntryID, &b.Idx, &b.Title, &b.RawText, &b.Sensitive, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get block: %w", err)
	}
	return &b, nil
}

// ListBlocks returns an entry's blocks in ordinal order.
func (db *DB) ListBlocks(entryID int64) ([]Block, error) {
	rows, err := db.Query(`
		SELECT id, entry_id, idx, COALESCE(title, ''), raw_text, sensitive, created_at
		FROM blocks WHERE entry_id = ? ORDER BY idx
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.ID, &b.EntryID, &b.Idx, &b.Title, &b.RawText, &b.Sensitive, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// EntryRepair describes what an entry is missing.
type EntryRepair struct {
	Entry               Entry
	BlockCount          int
	MissingJobs         int
	AwaitsRollup        bool
	AwaitsConsolidation bool
}

// ListEntriesNeedingRepair returns, oldest first, up to limit entries that
// have no blocks, have blocks without jobs, are fully terminal without a
// rollup, or have a meaningful rollup that was never consolidated. scanned
// is the number of entries examined.
func (db *DB) ListEntriesNeedingRepair(limit int) ([]EntryRepair, int, error) {
	var scanned int
	if err := db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&scanned); err != nil {
		return nil, 0, fmt.Errorf("count entries: %w", err)
	}

	rows, err := db.Query(`
		WITH status AS (
			SELECT e.id AS entry_id,
			       (SELECT COUNT(*) FROM blocks b WHERE b.entry_id = e.id) AS block_count,
			       (SELECT COUNT(*) FROM blocks b LEFT JOIN jobs j ON j.block_id = b.id
			         WHERE b.entry_id = e.id AND j.id IS NULL) AS missing_jobs,
			       (SELECT COUNT(*) FROM blocks b JOIN jobs j ON j.block_id = b.id
			         WHERE b.entry_id = e.id AND j.status IN ('pending', 'running', 'failed_retryable')) AS open_jobs,
			       (SELECT a.meaningful FROM entry_analysis a WHERE a.entry_id = e.id) AS meaningful,
			       EXISTS (SELECT 1 FROM mem_consolidations m WHERE m.entry_id = e.id) AS consolidated
			FROM entries e
		)
		SELECT e.id, e.created_at, e.raw_text, e.source, e.rollup_status,
		       s.block_count, s.missing_jobs,
		       s.block_count > 0 AND s.missing_jobs = 0 AND s.open_jobs = 0 AND s.meaningful IS NULL,
		       COALESCE(s.meaningful, 0) = 1 AND NOT s.consolidated
		FROM status s JOIN entries e ON e.id = s.entry_id
		WHERE (s.block_count = 0 AND s.meaningful IS NULL)
		   OR s.missing_jobs > 0
		   OR (s.open_jobs = 0 AND s.meaningful IS NULL)
		   OR (COALESCE(s.meaningful, 0) = 1 AND NOT s.consolidated)
		ORDER BY e.id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("scan entries: %w", err)
	}
	defer rows.Close()

	var out []EntryRepair
	for rows.Next() {
		var r EntryRepair
		if err := rows.Scan(&r.Entry.ID, &r.Entry.CreatedAt, &r.Entry.RawText, &r.Entry.Source, &r.Entry.RollupStatus,
			&r.BlockCount, &r.MissingJobs, &r.AwaitsRollup, &r.AwaitsConsolidation); err != nil {
			return nil, 0, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, r)
	}
	return out, scanned, rows.Err()
}

// CountEntries returns the total and rolled-up entry counts.
func (db *DB) CountEntries() (total, rolledUp int, err error) {
	err = db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN rollup_status = 'done' THEN 1 ELSE 0 END), 0) FROM entries
	`).Scan(&total, &rolledUp)
	if err != nil {
		return 0, 0, fmt.Errorf("count entries: %w", err)
	}
	return total, rolledUp, nil
}
