package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Sync statuses recorded on a source.
const (
	SyncOK           = "ok"
	SyncNoNewContent = "no_new_content"
	SyncFailed       = "failed"
	SyncSourceShrank = "source_shrank"
)

// ErrWatermarkMoved is returned when a sync apply finds the watermark no
// longer at the offset the range was read from.
var ErrWatermarkMoved = errors.New("sync watermark moved during apply")

// SyncState is the per-source cursor of the cloud sync protocol.
type SyncState struct {
	SourceID     string `json:"source_id"`
	SyncedBytes  int64  `json:"watermark"`
	LastFileSize int64  `json:"last_file_size"`
	LastStatus   string `json:"last_status"`
	LastError    string `json:"last_error,omitempty"`
	LastBatchID  string `json:"last_batch_id,omitempty"`
	UpdatedAt    int64  `json:"updated_at"`
}

// LifeEvent is one analyzed block of a sync contract.
type LifeEvent struct {
	EventID    string
	BlockRef   string
	EventTS    int64
	EventType  string
	Summary    string
	Tags       []string
	Evidence   any
	Confidence *float64
}

// SyncMemoOp is a memory op proposed by the remote analyzer.
type SyncMemoOp struct {
	OpID     string
	EventID  string
	CardKey  string
	OpType   string
	Payload  json.RawMessage
	Evidence any
}

// ContractApplication is everything one accepted sync range writes.
type ContractApplication struct {
	SourceID   string
	RangeStart int64
	RangeEnd   int64
	FileSize   int64
	Status     string
	Meta       map[string]any
	Events     []LifeEvent
	Ops        []SyncMemoOp
}

// GetSyncState returns the state of a source, or nil if it was never synced.
func (db *DB) GetSyncState(sourceID string) (*SyncState, error) {
	var s SyncState
	err := db.QueryRow(`
		SELECT source_id, synced_bytes, last_file_size, last_status, COALESCE(last_error, ''),
		       COALESCE(last_batch_id, ''), updated_at
		FROM sync_state WHERE source_id = ?
	`, sourceID).Scan(&s.SourceID, &s.SyncedBytes, &s.LastFileSize, &s.LastStatus, &s.LastError, &s.LastBatchID, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state: %w", err)
	}
	return &s, nil
}

// RecordSyncStatus stores the outcome of an attempt without moving the watermark.
func (db *DB) RecordSyncStatus(sourceID string, fileSize int64, status, errMsg string) error {
	var lastErr any
	if errMsg != "" {
		lastErr = errMsg
	}
	_, err := db.Exec(`
		INSERT INTO sync_state (source_id, synced_bytes, last_file_size, last_status, last_error, updated_at)
		VALUES (?, 0, ?, ?, ?, ?)
		ON CONFLICT (source_id) DO UPDATE SET
			last_file_size = excluded.last_file_size,
			last_status = excluded.last_status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, sourceID, fileSize, status, lastErr, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record sync status: %w", err)
	}
	return nil
}

// ApplyContract writes a sync range's batch, events, ops, audit records, and
// the advanced watermark in one transaction. The watermark must still be at
// RangeStart; otherwise nothing is written and ErrWatermarkMoved is returned.
func (db *DB) ApplyContract(app ContractApplication) (string, error) {
	if app.RangeEnd < app.RangeStart {
		return "", fmt.Errorf("invalid range [%d,%d)", app.RangeStart, app.RangeEnd)
	}
	status := app.Status
	if status == "" {
		status = SyncOK
	}
	meta := map[string]any{"source_id": app.SourceID, "range": []int64{app.RangeStart, app.RangeEnd}}
	for k, v := range app.Meta {
		meta[k] = v
	}

	var batchID string
	err := db.withTx(func(tx *sql.Tx) error {
		var err error
		batchID, err = insertBatch(tx, BatchSync, meta)
		if err != nil {
			return err
		}
		now := time.Now().UnixMilli()

		for _, ev := range app.Events {
			tags := ev.Tags
			if tags == nil {
				tags = []string{}
			}
			tagsJSON, err := marshalShape(tags, ShapeArray)
			if err != nil {
				return fmt.Errorf("event %s tags: %w", ev.EventID, err)
			}
			evidenceJSON, err := marshalShape(ev.Evidence, ShapeArray)
			if err != nil {
				return fmt.Errorf("event %s evidence: %w", ev.EventID, err)
			}
			if _, err := tx.Exec(`
				INSERT INTO life_events (event_id, batch_id, source_id, block_ref, range_start, range_end,
				       event_ts, event_type, summary, tags_json, evidence_json, confidence, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, ev.EventID, batchID, app.SourceID, ev.BlockRef, app.RangeStart, app.RangeEnd,
				ev.EventTS, ev.EventType, ev.Summary, tagsJSON, evidenceJSON, ev.Confidence, now); err != nil {
				return fmt.Errorf("insert life event %s: %w", ev.EventID, err)
			}
			if err := insertChange(tx, batchID, EntityLifeEvent, ev.EventID, ActionCreate, map[string]any{
				"block_ref": ev.BlockRef, "event_type": ev.EventType, "event_ts": ev.EventTS,
			}); err != nil {
				return err
			}
		}

		for _, op := range app.Ops {
			payloadJSON, err := marshalShape(op.Payload, ShapeObject, ShapeArray)
			if err != nil {
				return fmt.Errorf("memo op %s payload: %w", op.OpID, err)
			}
			evidenceJSON, err := marshalShape(op.Evidence, ShapeArray)
			if err != nil {
				return fmt.Errorf("memo op %s evidence: %w", op.OpID, err)
			}
			if _, err := tx.Exec(`
				INSERT INTO sync_memo_ops (op_id, batch_id, event_id, card_key, op_type, payload_json, evidence_json, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, op.OpID, batchID, op.EventID, op.CardKey, op.OpType, payloadJSON, evidenceJSON, now); err != nil {
				return fmt.Errorf("insert memo op %s: %w", op.OpID, err)
			}
			if err := insertChange(tx, batchID, EntityMemoOp, op.OpID, ActionCreate, map[string]any{
				"card_key": op.CardKey, "op_type": op.OpType, "event_id": op.EventID,
			}); err != nil {
				return err
			}
		}

		return advanceWatermark(tx, batchID, app.SourceID, app.RangeStart, app.RangeEnd, app.FileSize, status, now)
	})
	if err != nil {
		return "", err
	}
	return batchID, nil
}

// AdvanceWatermark moves a source's watermark over a range that carried
// nothing to apply, such as trailing whitespace.
func (db *DB) AdvanceWatermark(sourceID string, from, to, fileSize int64, status string) (string, error) {
	return db.ApplyContract(ContractApplication{
		SourceID:   sourceID,
		RangeStart: from,
		RangeEnd:   to,
		FileSize:   fileSize,
		Status:     status,
	})
}

func advanceWatermark(tx *sql.Tx, batchID, sourceID string, from, to, fileSize int64, status string, now int64) error {
	if _, err := tx.Exec(`
		INSERT INTO sync_state (source_id, synced_bytes, last_file_size, last_status, updated_at)
		VALUES (?, 0, 0, 'never', ?)
		ON CONFLICT (source_id) DO NOTHING
	`, sourceID, now); err != nil {
		return fmt.Errorf("init sync state: %w", err)
	}
	r, err := tx.Exec(`
		UPDATE sync_state SET synced_bytes = ?, last_file_size = ?, last_status = ?, last_error = NULL,
		       last_batch_id = ?, updated_at = ?
		WHERE source_id = ? AND synced_bytes = ?
	`, to, fileSize, status, batchID, now, sourceID, from)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	rows, _ := r.RowsAffected()
	if rows == 0 {
		return ErrWatermarkMoved
	}
	return insertChange(tx, batchID, EntitySyncState, sourceID, ActionUpdate, map[string]any{
		"synced_bytes": map[string]int64{"from": from, "to": to},
		"status":       status,
	})
}

// ResetSource forgets a source's watermark so the next sync starts at zero.
// The deletion is audited under a manual batch.
func (db *DB) ResetSource(sourceID, reason string) error {
	return db.withTx(func(tx *sql.Tx) error {
		before, err := getSyncStateTx(tx, sourceID)
		if err != nil {
			return err
		}
		if before == nil {
			return nil
		}
		batchID, err := insertBatch(tx, BatchManual, map[string]any{"op": "sync_reset", "source_id": sourceID})
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM sync_state WHERE source_id = ?`, sourceID); err != nil {
			return fmt.Errorf("delete sync state: %w", err)
		}
		return insertChange(tx, batchID, EntitySyncState, sourceID, ActionDelete, map[string]any{
			"synced_bytes":   before.SyncedBytes,
			"last_file_size": before.LastFileSize,
			"reason":         reason,
		})
	})
}

func getSyncStateTx(tx *sql.Tx, sourceID string) (*SyncState, error) {
	var s SyncState
	err := tx.QueryRow(`
		SELECT source_id, synced_bytes, last_file_size, last_status, updated_at
		FROM sync_state WHERE source_id = ?
	`, sourceID).Scan(&s.SourceID, &s.SyncedBytes, &s.LastFileSize, &s.LastStatus, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state: %w", err)
	}
	return &s, nil
}

// RefExists reports whether an internal evidence reference resolves.
func (db *DB) RefExists(prefix, id string) (bool, error) {
	var query string
	var args []any
	switch prefix {
	case "entry", "block":
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return false, nil
		}
		table := "entries"
		if prefix == "block" {
			table = "blocks"
		}
		query, args = `SELECT 1 FROM `+table+` WHERE id = ? LIMIT 1`, []any{n}
	case "le":
		query, args = `SELECT 1 FROM life_events WHERE block_ref = ? OR event_id = ? LIMIT 1`, []any{"le:" + id, id}
	case "mc":
		query, args = `SELECT 1 FROM mem_cards WHERE card_key = ? LIMIT 1`, []any{id}
	case "op":
		query, args = `SELECT 1 FROM sync_memo_ops WHERE op_id = ? LIMIT 1`, []any{id}
	default:
		return false, fmt.Errorf("unsupported ref prefix %q", prefix)
	}

	var one int
	err := db.QueryRow(query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check ref %s:%s: %w", prefix, id, err)
	}
	return true, nil
}

// SourceEvents returns the life events recorded for a source in event order.
func (db *DB) SourceEvents(sourceID string) ([]LifeEvent, error) {
	rows, err := db.Query(`
		SELECT event_id, block_ref, event_ts, event_type, summary, tags_json, confidence
		FROM life_events WHERE source_id = ? ORDER BY range_start, event_ts, event_id
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list life events: %w", err)
	}
	defer rows.Close()

	var out []LifeEvent
	for rows.Next() {
		var ev LifeEvent
		var tags string
		if err := rows.Scan(&ev.EventID, &ev.BlockRef, &ev.EventTS, &ev.EventType, &ev.Summary, &tags, &ev.Confidence); err != nil {
			return nil, fmt.Errorf("scan life event: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &ev.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
