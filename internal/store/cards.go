package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Card is a long-lived keyed memory record.
type Card struct {
	Key        string          `json:"card_key"`
	Type       string          `json:"card_type"`
	Content    json.RawMessage `json:"content"`
	Trigger    json.RawMessage `json:"trigger"`
	Confidence float64         `json:"confidence"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// MemOp is one recorded proposal against a card. Rows are never modified.
type MemOp struct {
	OpID       int64           `json:"op_id"`
	BatchID    string          `json:"batch_id"`
	EntryID    *int64          `json:"entry_id,omitempty"`
	CardKey    string          `json:"card_key"`
	OpType     string          `json:"op_type"`
	Payload    json.RawMessage `json:"payload"`
	Evidence   []string        `json:"evidence"`
	Generator  string          `json:"generator"`
	Confidence float64         `json:"confidence"`
	Note       string          `json:"note,omitempty"`
	CreatedAt  int64           `json:"created_at"`
}

// CardMutation computes the next state of a card from its current state.
// Returning a nil card means the op leaves the card untouched.
type CardMutation func(before *Card) (after *Card, diff map[string]any, err error)

// ApplyCardOp records op and applies mutate to the card it targets in one
// transaction. A mutated card gets exactly one change record. Returns the new
// op id and whether the card changed.
func (db *DB) ApplyCardOp(op MemOp, mutate CardMutation) (int64, bool, error) {
	payloadJSON, err := marshalShape(op.Payload, ShapeObject, ShapeArray)
	if err != nil {
		return 0, false, fmt.Errorf("op payload: %w", err)
	}
	evidence := op.Evidence
	if evidence == nil {
		evidence = []string{}
	}
	evidenceJSON, err := marshalShape(evidence, ShapeArray)
	if err != nil {
		return 0, false, fmt.Errorf("op evidence: %w", err)
	}

	var opID int64
	changed := false
	err = db.withTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		var note any
		if op.Note != "" {
			note = op.Note
		}
		r, err := tx.Exec(`
			INSERT INTO mem_ops (batch_id, entry_id, card_key, op_type, payload_json, evidence_json,
			       generator, confidence, note, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, op.BatchID, op.EntryID, op.CardKey, op.OpType, payloadJSON, evidenceJSON,
			op.Generator, op.Confidence, note, now)
		if err != nil {
			return fmt.Errorf("insert mem op: %w", err)
		}
		opID, _ = r.LastInsertId()

		before, err := getCard(tx, op.CardKey)
		if err != nil {
			return err
		}
		after, diff, err := mutate(before)
		if err != nil {
			return err
		}
		if after == nil {
			return nil
		}
		changed = true

		contentJSON, err := marshalShape(after.Content, ShapeObject)
		if err != nil {
			return fmt.Errorf("card content: %w", err)
		}
		triggerJSON, err := marshalShape(after.Trigger, ShapeObject, ShapeArray)
		if err != nil {
			return fmt.Errorf("card trigger: %w", err)
		}

		action := ActionUpdate
		if before == nil {
			action = ActionCreate
			if _, err := tx.Exec(`
				INSERT INTO mem_cards (card_key, card_type, content_json, trigger_json, confidence, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, after.Key, after.Type, contentJSON, triggerJSON, after.Confidence, now, now); err != nil {
				return fmt.Errorf("insert card: %w", err)
			}
		} else {
			updated := now
			if before.UpdatedAt > updated {
				updated = before.UpdatedAt
			}
			if _, err := tx.Exec(`
				UPDATE mem_cards SET card_type = ?, content_json = ?, trigger_json = ?, confidence = ?, updated_at = ?
				WHERE card_key = ?
			`, after.Type, contentJSON, triggerJSON, after.Confidence, updated, after.Key); err != nil {
				return fmt.Errorf("update card: %w", err)
			}
		}

		if diff == nil {
			diff = map[string]any{}
		}
		diff["op_id"] = opID
		return insertChange(tx, op.BatchID, EntityCard, op.CardKey, action, diff)
	})
	if err != nil {
		return 0, false, err
	}
	return opID, changed, nil
}

func getCard(q interface {
	QueryRow(string, ...any) *sql.Row
}, key string) (*Card, error) {
	var c Card
	var content, trigger string
	err := q.QueryRow(`
		SELECT card_key, card_type, content_json, trigger_json, confidence, created_at, updated_at
		FROM mem_cards WHERE card_key = ?
	`, key).Scan(&c.Key, &c.Type, &content, &trigger, &c.Confidence, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get card: %w", err)
	}
	c.Content = json.RawMessage(content)
	c.Trigger = json.RawMessage(trigger)
	return &c, nil
}

// GetCard returns a card by key, or nil if it does not exist.
func (db *DB) GetCard(key string) (*Card, error) {
	return getCard(db.DB, key)
}

// ListCards returns the most recently updated cards.
func (db *DB) ListCards(limit int) ([]Card, error) {
	rows, err := db.Query(`
		SELECT card_key, card_type, content_json, trigger_json, confidence, created_at, updated_at
		FROM mem_cards ORDER BY updated_at DESC, card_key LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	var cards []Card
	for rows.Next() {
		var c Card
		var content, trigger string
		if err := rows.Scan(&c.Key, &c.Type, &content, &trigger, &c.Confidence, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		c.Content = json.RawMessage(content)
		c.Trigger = json.RawMessage(trigger)
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// CardOps returns every recorded op for a card in creation order.
func (db *DB) CardOps(key string) ([]MemOp, error) {
	return db.queryOps(`
		SELECT op_id, batch_id, entry_id, card_key, op_type, payload_json, evidence_json,
		       generator, confidence, COALESCE(note, ''), created_at
		FROM mem_ops WHERE card_key = ? ORDER BY op_id
	`, key)
}

// EntryOps returns the ops generated for an entry in creation order.
func (db *DB) EntryOps(entryID int64) ([]MemOp, error) {
	return db.queryOps(`
		SELECT op_id, batch_id, entry_id, card_key, op_type, payload_json, evidence_json,
		       generator, confidence, COALESCE(note, ''), created_at
		FROM mem_ops WHERE entry_id = ? ORDER BY op_id
	`, entryID)
}

func (db *DB) queryOps(query string, args ...any) ([]MemOp, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mem ops: %w", err)
	}
	defer rows.Close()

	var ops []MemOp
	for rows.Next() {
		var op MemOp
		var payload, evidence string
		if err := rows.Scan(&op.OpID, &op.BatchID, &op.EntryID, &op.CardKey, &op.OpType, &payload, &evidence,
			&op.Generator, &op.Confidence, &op.Note, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mem op: %w", err)
		}
		op.Payload = json.RawMessage(payload)
		if err := json.Unmarshal([]byte(evidence), &op.Evidence); err != nil {
			return nil, fmt.Errorf("decode op evidence: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
