package cloudsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// ContractVersion is the only result contract version accepted.
const ContractVersion = "v1"

const (
	maxTags     = 64
	maxTagRunes = 64
)

// Contract is the structured result an analyzer returns for one byte range.
type Contract struct {
	ContractVersion string          `json:"contract_version" jsonschema:"required,enum=v1"`
	Blocks          []ContractBlock `json:"blocks" jsonschema:"required,minItems=1"`
}

// ContractBlock is one life event.
type ContractBlock struct {
	BlockID      string        `json:"block_id" jsonschema:"required,minLength=1"`
	EventID      string        `json:"event_id,omitempty"`
	EventTS      int64         `json:"event_ts" jsonschema:"required,minimum=1"`
	EventType    string        `json:"event_type" jsonschema:"required,minLength=1"`
	Summary      string        `json:"summary" jsonschema:"required,maxLength=1024"`
	Tags         []string      `json:"tags,omitempty" jsonschema:"maxItems=64"`
	EvidenceRefs []EvidenceRef `json:"evidence_refs,omitempty"`
	Confidence   *float64      `json:"confidence,omitempty" jsonschema:"minimum=0,maximum=1"`
	MemoOps      []ContractOp  `json:"memo_ops,omitempty"`
}

// ContractOp is a memory op proposed alongside an event.
type ContractOp struct {
	OpID         string          `json:"op_id,omitempty"`
	CardKey      string          `json:"card_key" jsonschema:"required,minLength=1,maxLength=128"`
	OpType       string          `json:"op_type" jsonschema:"required,enum=upsert,enum=delete,enum=merge,enum=patch,enum=noop"`
	Payload      json.RawMessage `json:"payload" jsonschema:"required"`
	EvidenceRefs []EvidenceRef   `json:"evidence_refs,omitempty"`
}

// EvidenceRef is "prefix:id", optionally timestamped. On the wire it is
// either a bare string or {"ref": ..., "ts": ...}.
type EvidenceRef struct {
	Ref string `json:"ref"`
	TS  *int64 `json:"ts,omitempty"`
}

func (r *EvidenceRef) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*r = EvidenceRef{Ref: s}
		return nil
	}
	type plain EvidenceRef
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = EvidenceRef(p)
	return nil
}

func (r EvidenceRef) MarshalJSON() ([]byte, error) {
	if r.TS == nil {
		return json.Marshal(r.Ref)
	}
	type plain EvidenceRef
	return json.Marshal(plain(r))
}

// JSONSchema describes both wire forms of an evidence ref.
func (EvidenceRef) JSONSchema() *jsonschema.Schema {
	props := jsonschema.NewProperties()
	props.Set("ref", &jsonschema.Schema{Type: "string"})
	props.Set("ts", &jsonschema.Schema{Type: "integer"})
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "object", Properties: props, Required: []string{"ref"}},
		},
	}
}

// ContractError rejects a contract. The range is not applied and the
// watermark stays where it was.
type ContractError struct {
	Reason string
}

func (e *ContractError) Error() string { return "invalid contract: " + e.Reason }

func contractErrorf(format string, args ...any) error {
	return &ContractError{Reason: fmt.Sprintf(format, args...)}
}

// RefChecker resolves internal evidence refs against local state.
// *store.DB satisfies it.
type RefChecker interface {
	RefExists(prefix, id string) (bool, error)
}

var (
	internalPrefixes = map[string]bool{"entry": true, "block": true, "le": true, "mc": true, "op": true}
	externalPrefixes = map[string]bool{"url": true, "text": true, "note": true}
)

var (
	schemaOnce     sync.Once
	compiledSchema *gojsonschema.Schema
	schemaErr      error
)

// ContractSchema returns the JSON schema reflected from the contract types.
func ContractSchema() *jsonschema.Schema {
	r := jsonschema.Reflector{
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
		AllowAdditionalProperties:  true,
		Anonymous:                  true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == reflect.TypeOf(json.RawMessage{}) {
				return &jsonschema.Schema{OneOf: []*jsonschema.Schema{{Type: "object"}, {Type: "array"}}}
			}
			return nil
		},
	}
	s := r.Reflect(&Contract{})
	s.Version = ""
	return s
}

func contractValidator() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		b, err := json.Marshal(ContractSchema())
		if err != nil {
			schemaErr = fmt.Errorf("marshal contract schema: %w", err)
			return
		}
		compiledSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(b))
	})
	return compiledSchema, schemaErr
}

// ExtractContract finds the contract inside an analyzer response: under
// "result_contract", as a "payload" holding blocks, or at the top level.
func ExtractContract(resp []byte) (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(resp, &doc); err != nil {
		return nil, contractErrorf("response is not a JSON object: %v", err)
	}
	if rc, ok := doc["result_contract"]; ok && jsonKind(rc) == '{' {
		return rc, nil
	}
	if p, ok := doc["payload"]; ok && jsonKind(p) == '{' {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(p, &inner); err == nil && jsonKind(inner["blocks"]) == '[' {
			return p, nil
		}
	}
	if jsonKind(doc["blocks"]) == '[' {
		return resp, nil
	}
	return nil, contractErrorf("missing result contract")
}

func jsonKind(raw json.RawMessage) byte {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

// ValidateContract checks raw against the contract schema and then the
// semantic rules: timestamps not in the future, evidence refs with known
// prefixes, and internal refs that resolve within the contract or in refs.
func ValidateContract(raw []byte, now time.Time, refs RefChecker) (*Contract, error) {
	schema, err := contractValidator()
	if err != nil {
		return nil, err
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, contractErrorf("unreadable contract: %v", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, contractErrorf("schema: %s", strings.Join(msgs, "; "))
	}

	var c Contract
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, contractErrorf("decode: %v", err)
	}

	v := &semanticCheck{now: now.UnixMilli(), refs: refs, local: map[string]bool{}}
	if err := v.collect(&c); err != nil {
		return nil, err
	}
	for i := range c.Blocks {
		if err := v.block(i, &c.Blocks[i]); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

type semanticCheck struct {
	now   int64
	refs  RefChecker
	local map[string]bool
}

// collect indexes the refs a contract defines for itself.
func (v *semanticCheck) collect(c *Contract) error {
	for i, b := range c.Blocks {
		id := strings.TrimSpace(b.BlockID)
		if !strings.HasPrefix(id, "le:") || len(id) == len("le:") {
			return contractErrorf("blocks[%d].block_id %q must be le:<id>", i, b.BlockID)
		}
		if v.local[id] {
			return contractErrorf("duplicate block_id %q", id)
		}
		v.local[id] = true
		if b.EventID != "" {
			if v.local["ev:"+b.EventID] {
				return contractErrorf("duplicate event_id %q", b.EventID)
			}
			v.local["ev:"+b.EventID] = true
		}
		for _, op := range b.MemoOps {
			if op.OpID != "" {
				if v.local["op:"+op.OpID] {
					return contractErrorf("duplicate op_id %q", op.OpID)
				}
				v.local["op:"+op.OpID] = true
			}
			v.local["mc:"+op.CardKey] = true
		}
	}
	return nil
}

func (v *semanticCheck) block(i int, b *ContractBlock) error {
	if b.EventTS > v.now {
		return contractErrorf("blocks[%d].event_ts %d is in the future (now %d)", i, b.EventTS, v.now)
	}
	if len(b.Tags) > maxTags {
		return contractErrorf("blocks[%d] has %d tags (max %d)", i, len(b.Tags), maxTags)
	}
	for _, t := range b.Tags {
		if utf8.RuneCountInString(t) > maxTagRunes {
			return contractErrorf("blocks[%d] tag %q is longer than %d", i, t, maxTagRunes)
		}
	}
	for j, ref := range b.EvidenceRefs {
		if err := v.ref(ref, b.EventTS); err != nil {
			return contractErrorf("blocks[%d].evidence_refs[%d]: %v", i, j, err)
		}
	}
	for k, op := range b.MemoOps {
		switch jsonKind(op.Payload) {
		case '{', '[':
		default:
			return contractErrorf("blocks[%d].memo_ops[%d].payload must be an object or array", i, k)
		}
		for j, ref := range op.EvidenceRefs {
			if err := v.ref(ref, b.EventTS); err != nil {
				return contractErrorf("blocks[%d].memo_ops[%d].evidence_refs[%d]: %v", i, k, j, err)
			}
		}
	}
	return nil
}

func (v *semanticCheck) ref(r EvidenceRef, eventTS int64) error {
	ref := strings.TrimSpace(r.Ref)
	prefix, id, ok := strings.Cut(ref, ":")
	if !ok || id == "" {
		return fmt.Errorf("malformed ref %q", r.Ref)
	}
	switch {
	case externalPrefixes[prefix]:
	case internalPrefixes[prefix]:
		if !v.local[ref] {
			found, err := v.refs.RefExists(prefix, id)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("ref %q not found", ref)
			}
		}
	default:
		return fmt.Errorf("unsupported ref prefix %q", prefix)
	}

	if r.TS != nil {
		if *r.TS > v.now {
			return fmt.Errorf("ref %q ts %d is in the future", ref, *r.TS)
		}
		if *r.TS > eventTS {
			return fmt.Errorf("ref %q ts %d is after event_ts %d", ref, *r.TS, eventTS)
		}
	}
	return nil
}
