package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/lazypower/diarist/internal/store"
)

// Memory op types.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpMerge  = "merge"
)

// Create policies for a create op that targets an existing card.
const (
	CreateSkip  = "skip"
	CreateError = "error"
)

// ErrCardExists is returned by a create op under the error policy.
var ErrCardExists = errors.New("card already exists")

// CardState is the part of a card that ops fold over.
type CardState struct {
	Type       string         `json:"card_type"`
	Content    map[string]any `json:"content"`
	Confidence float64        `json:"confidence"`
}

// FoldRules parameterize ApplyOp.
type FoldRules struct {
	ConfidenceWeight float64
	CreatePolicy     string
}

// ApplyOp folds one op over a card state. A nil before means the card does
// not exist. A nil result means the op leaves the card untouched.
func ApplyOp(before *CardState, op Op, rules FoldRules) (*CardState, error) {
	if before != nil && op.Type == OpCreate {
		if rules.CreatePolicy == CreateError {
			return nil, fmt.Errorf("create %s: %w", op.CardKey, ErrCardExists)
		}
		return nil, nil
	}

	var base map[string]any
	after := &CardState{Type: op.CardType, Confidence: clamp01(op.Confidence)}
	if before != nil {
		base = before.Content
		after.Confidence = blendConfidence(before.Confidence, op.Confidence, rules.ConfidenceWeight)
		if after.Type == "" {
			after.Type = before.Type
		}
	}
	if after.Type == "" {
		after.Type = defaultSlug
	}

	switch op.Type {
	case OpCreate:
		after.Content = deepCopy(op.Payload)
	case OpUpdate:
		after.Content = shallowMerge(base, op.Payload)
	case OpMerge:
		after.Content = mergePatch(base, op.Payload)
	default:
		return nil, fmt.Errorf("unknown op type %q", op.Type)
	}
	if after.Content == nil {
		after.Content = map[string]any{}
	}
	return after, nil
}

// blendConfidence moves old toward op by weight w.
func blendConfidence(old, op, w float64) float64 {
	return clamp01(old*(1-w) + clamp01(op)*w)
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// shallowMerge replaces top-level keys of base with those of patch.
func shallowMerge(base, patch map[string]any) map[string]any {
	out := deepCopy(base)
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range patch {
		out[k] = deepCopyValue(v)
	}
	return out
}

// mergePatch applies a JSON merge patch: nested objects merge recursively and
// a null value deletes the key.
func mergePatch(base, patch map[string]any) map[string]any {
	out := deepCopy(base)
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		if pv, ok := v.(map[string]any); ok {
			if bv, ok := out[k].(map[string]any); ok {
				out[k] = mergePatch(bv, pv)
				continue
			}
			out[k] = mergePatch(nil, pv)
			continue
		}
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return deepCopy(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = deepCopyValue(x[i])
		}
		return out
	}
	return v
}

// cardTrigger derives when a card is relevant: its topics, if any.
func cardTrigger(content map[string]any) map[string]any {
	topics := []any{}
	if list, ok := content["topics"].([]any); ok {
		topics = list
	}
	return map[string]any{"topics": topics}
}

func stateFromCard(c *store.Card) (*CardState, error) {
	if c == nil {
		return nil, nil
	}
	s := &CardState{Type: c.Type, Confidence: c.Confidence}
	if err := json.Unmarshal(c.Content, &s.Content); err != nil {
		return nil, fmt.Errorf("decode card %s: %w", c.Key, err)
	}
	return s, nil
}

func opFromRecord(r store.MemOp) (Op, error) {
	op := Op{
		Type:       r.OpType,
		CardKey:    r.CardKey,
		Confidence: r.Confidence,
		Note:       r.Note,
	}
	var payload struct {
		CardType string         `json:"card_type"`
		Body     map[string]any `json:"body"`
	}
	if err := json.Unmarshal(r.Payload, &payload); err != nil {
		return op, fmt.Errorf("decode op %d payload: %w", r.OpID, err)
	}
	op.CardType = payload.CardType
	op.Payload = payload.Body
	return op, nil
}

// opRecordPayload is the stored form of an op: the card type travels with
// the body so replay needs nothing but the op log.
func opRecordPayload(op Op) (json.RawMessage, error) {
	body := op.Payload
	if body == nil {
		body = map[string]any{}
	}
	return json.Marshal(map[string]any{"card_type": op.CardType, "body": body})
}

// ReplayResult compares a card rebuilt from its op log with the stored card.
type ReplayResult struct {
	CardKey      string     `json:"card_key"`
	Ops          int        `json:"ops"`
	Replayed     *CardState `json:"replayed"`
	Materialized *CardState `json:"materialized"`
	Match        bool       `json:"match"`
}

// ReplayCard folds every recorded op for key, in creation order, and reports
// whether the result equals the stored card.
func (e *Engine) ReplayCard(key string) (*ReplayResult, error) {
	records, err := e.DB.CardOps(key)
	if err != nil {
		return nil, err
	}
	card, err := e.DB.GetCard(key)
	if err != nil {
		return nil, err
	}
	stored, err := stateFromCard(card)
	if err != nil {
		return nil, err
	}

	rules := e.foldRules()
	var state *CardState
	for _, r := range records {
		op, err := opFromRecord(r)
		if err != nil {
			return nil, err
		}
		next, err := ApplyOp(state, op, rules)
		if err != nil {
			return nil, fmt.Errorf("replay op %d: %w", r.OpID, err)
		}
		if next != nil {
			state = next
		}
	}

	return &ReplayResult{
		CardKey:      key,
		Ops:          len(records),
		Replayed:     state,
		Materialized: stored,
		Match:        statesEqual(state, stored),
	}, nil
}

// statesEqual compares through JSON so number representations agree with
// what the store returns.
func statesEqual(a, b *CardState) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type != b.Type || a.Confidence != b.Confidence {
		return false
	}
	ja, err1 := json.Marshal(a.Content)
	jb, err2 := json.Marshal(b.Content)
	if err1 != nil || err2 != nil {
		return false
	}
	var va, vb any
	json.Unmarshal(ja, &va)
	json.Unmarshal(jb, &vb)
	return reflect.DeepEqual(va, vb)
}
