package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entity types recorded in the audit ledger.
const (
	EntityEntry         = "entry"
	EntityBlock         = "block"
	EntityJob           = "job"
	EntityEntryAnalysis = "entry_analysis"
	EntityCard          = "mem_card"
	EntityLifeEvent     = "life_event"
	EntityMemoOp        = "memo_op"
	EntitySyncState     = "sync_state"
)

// Audit actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Change is one append-only audit record.
type Change struct {
	ChangeID   int64           `json:"change_id"`
	BatchID    string          `json:"batch_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	Diff       json.RawMessage `json:"diff"`
	CreatedAt  int64           `json:"created_at"`
}

func insertChange(tx *sql.Tx, batchID, entityType, entityID, action string, diff any) error {
	diffJSON, err := marshalShape(diff, ShapeObject)
	if err != nil {
		return fmt.Errorf("change diff: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO changes (batch_id, entity_type, entity_id, action, diff_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, batchID, entityType, entityID, action, diffJSON, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert change: %w", err)
	}
	return nil
}

// ChangesFor returns the audit trail of one entity, oldest first.
func (db *DB) ChangesFor(entityType, entityID string) ([]Change, error) {
	return db.queryChanges(`
		SELECT change_id, batch_id, entity_type, entity_id, action, diff_json, created_at
		FROM changes WHERE entity_type = ? AND entity_id = ? ORDER BY change_id
	`, entityType, entityID)
}

// ChangesForBatch returns every change recorded under a batch, oldest first.
func (db *DB) ChangesForBatch(batchID string) ([]Change, error) {
	return db.queryChanges(`
		SELECT change_id, batch_id, entity_type, entity_id, action, diff_json, created_at
		FROM changes WHERE batch_id = ? ORDER BY change_id
	`, batchID)
}

// CountChanges returns the number of audit records for an entity type.
func (db *DB) CountChanges(entityType string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM changes WHERE entity_type = ?`, entityType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count changes: %w", err)
	}
	return n, nil
}

func (db *DB) queryChanges(query string, args ...any) ([]Change, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var c Change
		var diff string
		if err := rows.Scan(&c.ChangeID, &c.BatchID, &c.EntityType, &c.EntityID, &c.Action, &diff, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		c.Diff = json.RawMessage(diff)
		out = append(out, c)
	}
	return out, rows.Err()
}
