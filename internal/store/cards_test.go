package store

import (
	"encoding/json"
	"testing"
)

func setContent(content string, conf float64) CardMutation {
	return func(before *Card) (*Card, map[string]any, error) {
		after := &Card{Key: "topic:work", Type: "topic", Content: json.RawMessage(content), Confidence: conf}
		if before != nil {
			after.Trigger = before.Trigger
		}
		return after, map[string]any{"content": content}, nil
	}
}

func TestApplyCardOpCreatesAndUpdates(t *testing.T) {
	db := testDB(t)
	batch := workerBatch(t, db)
	op := MemOp{BatchID: batch, CardKey: "topic:work", OpType: "merge", Payload: json.RawMessage(`{"a":1}`), Generator: "fallback", Confidence: 0.6}

	opID, changed, err := db.ApplyCardOp(op, setContent(`{"a":1}`, 0.6))
	if err != nil {
		t.Fatalf("ApplyCardOp: %v", err)
	}
	if opID == 0 || !changed {
		t.Fatalf("opID=%d changed=%v, want new op and change", opID, changed)
	}

	c1, _ := db.GetCard("topic:work")
	if c1 == nil || string(c1.Content) != `{"a":1}` || string(c1.Trigger) != `{}` {
		t.Fatalf("card = %+v", c1)
	}

	if _, _, err := db.ApplyCardOp(op, setContent(`{"a":2}`, 0.7)); err != nil {
		t.Fatalf("second ApplyCardOp: %v", err)
	}
	c2, _ := db.GetCard("topic:work")
	if string(c2.Content) != `{"a":2}` || c2.Confidence != 0.7 {
		t.Errorf("card = %+v, want updated content", c2)
	}
	if c2.UpdatedAt < c1.UpdatedAt {
		t.Errorf("updated_at moved backwards: %d < %d", c2.UpdatedAt, c1.UpdatedAt)
	}
	if c2.CreatedAt != c1.CreatedAt {
		t.Error("created_at should not change")
	}

	changes, _ := db.ChangesFor(EntityCard, "topic:work")
	if len(changes) != 2 || changes[0].Action != ActionCreate || changes[1].Action != ActionUpdate {
		t.Errorf("changes = %+v, want create then update", changes)
	}
	ops, _ := db.CardOps("topic:work")
	if len(ops) != 2 {
		t.Errorf("ops = %d, want 2", len(ops))
	}
}

func TestApplyCardOpNoChange(t *testing.T) {
	db := testDB(t)
	batch := workerBatch(t, db)
	op := MemOp{BatchID: batch, CardKey: "topic:none", OpType: "create", Payload: json.RawMessage(`{}`), Generator: "remote", Note: "skipped"}

	_, changed, err := db.ApplyCardOp(op, func(*Card) (*Card, map[string]any, error) { return nil, nil, nil })
	if err != nil {
		t.Fatalf("ApplyCardOp: %v", err)
	}
	if changed {
		t.Error("nil mutation should not change the card")
	}
	if c, _ := db.GetCard("topic:none"); c != nil {
		t.Error("card should not exist")
	}
	ops, _ := db.CardOps("topic:none")
	if len(ops) != 1 || ops[0].Note != "skipped" {
		t.Errorf("ops = %+v, want the recorded op", ops)
	}
	if n, _ := db.CountChanges(EntityCard); n != 0 {
		t.Errorf("card changes = %d, want 0", n)
	}
}

func TestCardUpdatedAtMonotonic(t *testing.T) {
	db := testDB(t)
	batch := workerBatch(t, db)
	op := MemOp{BatchID: batch, CardKey: "topic:work", OpType: "merge", Payload: json.RawMessage(`{}`), Generator: "fallback"}
	if _, _, err := db.ApplyCardOp(op, setContent(`{}`, 0.5)); err != nil {
		t.Fatalf("ApplyCardOp: %v", err)
	}

	if _, err := db.Exec(`UPDATE mem_cards SET updated_at = 1 WHERE card_key = 'topic:work'`); err == nil {
		t.Error("expected backwards updated_at to fail")
	}
}

func TestCardTouchTrigger(t *testing.T) {
	db := testDB(t)
	batch := workerBatch(t, db)
	op := MemOp{BatchID: batch, CardKey: "topic:work", OpType: "merge", Payload: json.RawMessage(`{}`), Generator: "fallback"}
	if _, _, err := db.ApplyCardOp(op, setContent(`{}`, 0.5)); err != nil {
		t.Fatalf("ApplyCardOp: %v", err)
	}
	// Pin updated_at to the past, then mutate content without touching it.
	if _, err := db.Exec(`DROP TRIGGER mem_cards_updated_monotonic`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	if _, err := db.Exec(`UPDATE mem_cards SET updated_at = 1000`); err != nil {
		t.Fatalf("pin updated_at: %v", err)
	}
	if _, err := db.Exec(`UPDATE mem_cards SET confidence = 0.9 WHERE card_key = 'topic:work'`); err != nil {
		t.Fatalf("update confidence: %v", err)
	}
	c, _ := db.GetCard("topic:work")
	if c.UpdatedAt <= 1000 {
		t.Errorf("updated_at = %d, want refreshed", c.UpdatedAt)
	}
}

func TestMemOpsAppendOnly(t *testing.T) {
	db := testDB(t)
	batch := workerBatch(t, db)
	op := MemOp{BatchID: batch, CardKey: "topic:work", OpType: "merge", Payload: json.RawMessage(`{}`), Generator: "fallback"}
	if _, _, err := db.ApplyCardOp(op, setContent(`{}`, 0.5)); err != nil {
		t.Fatalf("ApplyCardOp: %v", err)
	}
	if _, err := db.Exec(`UPDATE mem_ops SET op_type = 'create'`); err == nil {
		t.Error("expected mem_ops update to fail")
	}
	if _, err := db.Exec(`DELETE FROM mem_ops`); err == nil {
		t.Error("expected mem_ops delete to fail")
	}
}

func TestEntryOps(t *testing.T) {
	db := testDB(t)
	res := seedEntry(t, db, "block")
	batch := workerBatch(t, db)
	entryID := res.EntryID
	op := MemOp{BatchID: batch, EntryID: &entryID, CardKey: "topic:work", OpType: "merge",
		Payload: json.RawMessage(`{}`), Evidence: []string{"entry:1"}, Generator: "fallback", Confidence: 0.6}
	if _, _, err := db.ApplyCardOp(op, setContent(`{}`, 0.6)); err != nil {
		t.Fatalf("ApplyCardOp: %v", err)
	}

	ops, err := db.EntryOps(entryID)
	if err != nil {
		t.Fatalf("EntryOps: %v", err)
	}
	if len(ops) != 1 || ops[0].EntryID == nil || *ops[0].EntryID != entryID {
		t.Fatalf("ops = %+v", ops)
	}
	if len(ops[0].Evidence) != 1 || ops[0].Evidence[0] != "entry:1" {
		t.Errorf("Evidence = %v", ops[0].Evidence)
	}
}
