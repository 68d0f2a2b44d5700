package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Batch kinds.
const (
	BatchIngest   = "ingest"
	BatchWorker   = "worker"
	BatchSync     = "sync"
	BatchBackfill = "backfill"
	BatchManual   = "manual"
)

// Batch anchors the records produced by one processing run.
type Batch struct {
	BatchID   string
	Kind      string
	CreatedAt int64
	Meta      json.RawMessage
}

// NewBatchID returns a time-sortable batch identifier.
func NewBatchID() string {
	return ulid.Make().String()
}

// CreateBatch records a new batch and returns its id.
func (db *DB) CreateBatch(kind string, meta map[string]any) (string, error) {
	var id string
	err := db.withTx(func(tx *sql.Tx) error {
		var err error
		id, err = insertBatch(tx, kind, meta)
		return err
	})
	return id, err
}

func insertBatch(tx *sql.Tx, kind string, meta map[string]any) (string, error) {
	metaJSON, err := marshalShape(meta, ShapeObject)
	if err != nil {
		return "", fmt.Errorf("batch meta: %w", err)
	}
	id := NewBatchID()
	if _, err := tx.Exec(`
		INSERT INTO batches (batch_id, kind, created_at, meta_json) VALUES (?, ?, ?, ?)
	`, id, kind, time.Now().UnixMilli(), metaJSON); err != nil {
		return "", fmt.Errorf("insert batch: %w", err)
	}
	return id, nil
}

// GetBatch returns a batch by id, or nil if it does not exist.
func (db *DB) GetBatch(batchID string) (*Batch, error) {
	var b Batch
	var meta string
	err := db.QueryRow(`
		SELECT batch_id, kind, created_at, meta_json FROM batches WHERE batch_id = ?
	`, batchID).Scan(&b.BatchID, &b.Kind, &b.CreatedAt, &meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	b.Meta = json.RawMessage(meta)
	return &b, nil
}
