package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// BlockAnalysis is the stored result of a completed job.
type BlockAnalysis struct {
	BlockID       int64
	JobID         int64
	Idx           int
	Backend       string
	Model         string
	PromptVersion string
	Analysis      json.RawMessage
	CreatedAt     int64
}

// EntryAnalysis is the one-time rollup of an entry.
type EntryAnalysis struct {
	EntryID       int64
	BatchID       string
	Analysis      json.RawMessage
	Meaningful    bool
	BlocksTotal   int
	BlocksOK      int
	BlocksSkipped int
	BlocksFailed  int
	CreatedAt     int64
}

// GetBlockAnalysis returns the analysis of a block, or nil if none exists.
func (db *DB) GetBlockAnalysis(blockID int64) (*BlockAnalysis, error) {
	var a BlockAnalysis
	var raw string
	err := db.QueryRow(`
		SELECT a.block_id, a.job_id, b.idx, a.backend, COALESCE(a.model, ''), COALESCE(a.prompt_version, ''),
		       a.analysis_json, a.created_at
		FROM block_analysis a JOIN blocks b ON b.id = a.block_id
		WHERE a.block_id = ?
	`, blockID).Scan(&a.BlockID, &a.JobID, &a.Idx, &a.Backend, &a.Model, &a.PromptVersion, &raw, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get block analysis: %w", err)
	}
	a.Analysis = json.RawMessage(raw)
	return &a, nil
}

// EntryBlockAnalyses returns the analyses of an entry's done blocks in ordinal order.
func (db *DB) EntryBlockAnalyses(entryID int64) ([]BlockAnalysis, error) {
	rows, err := db.Query(`
		SELECT a.block_id, a.job_id, b.idx, a.backend, COALESCE(a.model, ''), COALESCE(a.prompt_version, ''),
		       a.analysis_json, a.created_at
		FROM block_analysis a JOIN blocks b ON b.id = a.block_id
		WHERE b.entry_id = ?
		ORDER BY b.idx
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("list block analyses: %w", err)
	}
	defer rows.Close()

	var out []BlockAnalysis
	for rows.Next() {
		var a BlockAnalysis
		var raw string
		if err := rows.Scan(&a.BlockID, &a.JobID, &a.Idx, &a.Backend, &a.Model, &a.PromptVersion, &raw, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan block analysis: %w", err)
		}
		a.Analysis = json.RawMessage(raw)
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertEntryAnalysis writes the rollup if the entry has none yet and marks
// the entry rolled up. Returns false without error when a rollup already exists.
func (db *DB) InsertEntryAnalysis(a EntryAnalysis) (bool, error) {
	analysisJSON, err := marshalShape(a.Analysis, ShapeObject)
	if err != nil {
		return false, fmt.Errorf("entry analysis: %w", err)
	}
	created := false
	err = db.withTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		r, err := tx.Exec(`
			INSERT INTO entry_analysis (entry_id, batch_id, analysis_json, meaningful,
			       blocks_total, blocks_ok, blocks_skipped, blocks_failed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (entry_id) DO NOTHING
		`, a.EntryID, a.BatchID, analysisJSON, a.Meaningful,
			a.BlocksTotal, a.BlocksOK, a.BlocksSkipped, a.BlocksFailed, now)
		if err != nil {
			return fmt.Errorf("insert entry analysis: %w", err)
		}
		rows, _ := r.RowsAffected()
		if rows == 0 {
			return nil
		}
		created = true

		if _, err := tx.Exec(`UPDATE entries SET rollup_status = 'done' WHERE id = ?`, a.EntryID); err != nil {
			return fmt.Errorf("mark entry rolled up: %w", err)
		}
		id := strconv.FormatInt(a.EntryID, 10)
		if err := insertChange(tx, a.BatchID, EntityEntryAnalysis, id, ActionCreate, map[string]any{
			"meaningful":     a.Meaningful,
			"blocks_total":   a.BlocksTotal,
			"blocks_ok":      a.BlocksOK,
			"blocks_skipped": a.BlocksSkipped,
			"blocks_failed":  a.BlocksFailed,
		}); err != nil {
			return err
		}
		return insertChange(tx, a.BatchID, EntityEntry, id, ActionUpdate, map[string]any{
			"rollup_status": map[string]string{"from": "pending", "to": "done"},
		})
	})
	return created, err
}

// GetEntryAnalysis returns an entry's rollup, or nil if none exists.
func (db *DB) GetEntryAnalysis(entryID int64) (*EntryAnalysis, error) {
	var a EntryAnalysis
	var raw string
	err := db.QueryRow(`
		SELECT entry_id, batch_id, analysis_json, meaningful, blocks_total, blocks_ok, blocks_skipped, blocks_failed, created_at
		FROM entry_analysis WHERE entry_id = ?
	`, entryID).Scan(&a.EntryID, &a.BatchID, &raw, &a.Meaningful, &a.BlocksTotal, &a.BlocksOK, &a.BlocksSkipped, &a.BlocksFailed, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entry analysis: %w", err)
	}
	a.Analysis = json.RawMessage(raw)
	return &a, nil
}

// CountEntryAnalyses returns how many rollups exist for an entry (0 or 1).
func (db *DB) CountEntryAnalyses(entryID int64) (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM entry_analysis WHERE entry_id = ?`, entryID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entry analyses: %w", err)
	}
	return n, nil
}

// Consolidation records that an entry's memory ops have all been applied.
type Consolidation struct {
	EntryID   int64
	BatchID   string
	Generator string
	Proposed  int
	Applied   int
}

// MarkConsolidated records c once. Returns false when the entry was already
// marked.
func (db *DB) MarkConsolidated(c Consolidation) (bool, error) {
	created := false
	err := db.withTx(func(tx *sql.Tx) error {
		r, err := tx.Exec(`
			INSERT INTO mem_consolidations (entry_id, batch_id, generator, proposed, applied, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (entry_id) DO NOTHING
		`, c.EntryID, c.BatchID, c.Generator, c.Proposed, c.Applied, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("mark consolidated: %w", err)
		}
		if rows, _ := r.RowsAffected(); rows == 0 {
			return nil
		}
		created = true
		return insertChange(tx, c.BatchID, EntityEntry, strconv.FormatInt(c.EntryID, 10), ActionUpdate, map[string]any{
			"consolidated": map[string]any{"generator": c.Generator, "proposed": c.Proposed, "applied": c.Applied},
		})
	})
	return created, err
}

// IsConsolidated reports whether an entry's consolidation has been recorded.
func (db *DB) IsConsolidated(entryID int64) (bool, error) {
	var ok bool
	err := db.QueryRow(`SELECT EXISTS (SELECT 1 FROM mem_consolidations WHERE entry_id = ?)`, entryID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check consolidation: %w", err)
	}
	return ok, nil
}
