package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// JSON shapes accepted by the structured columns.
const (
	ShapeObject = "object"
	ShapeArray  = "array"
)

var shapeSchemas = map[string]*gojsonschema.Schema{}

func init() {
	for _, kinds := range [][]string{{ShapeObject}, {ShapeArray}, {ShapeObject, ShapeArray}} {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(map[string]any{"type": kinds}))
		if err != nil {
			panic(fmt.Sprintf("compile shape schema %v: %v", kinds, err))
		}
		shapeSchemas[strings.Join(kinds, "|")] = schema
	}
}

// ValidateShape rejects raw JSON that is malformed or whose top-level type
// is not one of kinds.
func ValidateShape(raw []byte, kinds ...string) error {
	schema, ok := shapeSchemas[strings.Join(kinds, "|")]
	if !ok {
		return fmt.Errorf("unsupported shape %v", kinds)
	}
	if !json.Valid(raw) {
		return fmt.Errorf("malformed json payload")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("validate shape: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("payload must be %s: %s", strings.Join(kinds, " or "), strings.Join(msgs, "; "))
	}
	return nil
}

// marshalShape encodes v and checks it against kinds.
func marshalShape(v any, kinds ...string) (string, error) {
	if v == nil {
		if len(kinds) > 0 && kinds[0] == ShapeArray {
			return "[]", nil
		}
		return "{}", nil
	}
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 || string(raw) == "null" {
		return marshalShape(nil, kinds...)
	}
	if err := ValidateShape(raw, kinds...); err != nil {
		return "", err
	}
	return string(raw), nil
}
