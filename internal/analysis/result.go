package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/lazypower/diarist/internal/llm"
)

// SignalNames lists the scored dimensions in display order.
var SignalNames = []string{"mood", "stress", "sleep", "exercise", "social", "work"}

// Signals are 0..10 scores; nil means the text did not support a score.
type Signals struct {
	Mood     *float64 `json:"mood"`
	Stress   *float64 `json:"stress"`
	Sleep    *float64 `json:"sleep"`
	Exercise *float64 `json:"exercise"`
	Social   *float64 `json:"social"`
	Work     *float64 `json:"work"`
}

// Get returns the named signal.
func (s *Signals) Get(name string) *float64 {
	switch name {
	case "mood":
		return s.Mood
	case "stress":
		return s.Stress
	case "sleep":
		return s.Sleep
	case "exercise":
		return s.Exercise
	case "social":
		return s.Social
	case "work":
		return s.Work
	}
	return nil
}

// Set assigns the named signal. Unknown names are ignored.
func (s *Signals) Set(name string, v *float64) {
	switch name {
	case "mood":
		s.Mood = v
	case "stress":
		s.Stress = v
	case "sleep":
		s.Sleep = v
	case "exercise":
		s.Exercise = v
	case "social":
		s.Social = v
	case "work":
		s.Work = v
	}
}

// Any reports whether at least one signal is present.
func (s *Signals) Any() bool {
	for _, name := range SignalNames {
		if s.Get(name) != nil {
			return true
		}
	}
	return false
}

// Analysis is the normalized result for one block, and the shape of the
// merged entry rollup.
type Analysis struct {
	Summary         string   `json:"summary"`
	Signals         Signals  `json:"signals"`
	Facts           []string `json:"facts"`
	Todos           []string `json:"todos"`
	Topics          []string `json:"topics"`
	Tags            []string `json:"tags"`
	EvidenceSpans   []string `json:"evidence_spans"`
	ReflectionDepth *int     `json:"reflection_depth"`
}

var requiredKeys = []string{"summary", "signals", "facts", "todos", "topics"}

// ParseResult extracts, normalizes, and validates an analysis from a model
// reply. Every failure wraps ErrMalformed.
func ParseResult(raw string) (*Analysis, error) {
	cand, _ := llm.ExtractJSONObject(raw)

	var v any
	if err := json.Unmarshal([]byte(cand), &v); err != nil {
		if err2 := json.Unmarshal([]byte(llm.RepairJSONLines(cand)), &v); err2 != nil {
			return nil, fmt.Errorf("%w: non-JSON output: %v", ErrMalformed, err)
		}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level must be an object", ErrMalformed)
	}
	return Normalize(obj)
}

// Normalize coerces a decoded object into an Analysis. Out-of-range or
// unparseable signals become nil; list members that are not strings or
// numbers are dropped.
func Normalize(obj map[string]any) (*Analysis, error) {
	var missing []string
	for _, k := range requiredKeys {
		if _, ok := obj[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing keys %v", ErrMalformed, missing)
	}

	a := &Analysis{}
	switch s := obj["summary"].(type) {
	case string:
		a.Summary = strings.TrimSpace(s)
	case nil:
	default:
		a.Summary = strings.TrimSpace(fmt.Sprint(s))
	}
	if a.Summary == "" {
		return nil, fmt.Errorf("%w: summary must be a non-empty string", ErrMalformed)
	}

	sig, ok := obj["signals"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: signals must be an object", ErrMalformed)
	}
	for _, name := range SignalNames {
		a.Signals.Set(name, coerceScore(sig[name], 10))
	}

	a.Facts = stringList(obj["facts"])
	a.Todos = stringList(obj["todos"])
	a.Topics = stringList(obj["topics"])
	a.Tags = stringList(obj["tags"])
	a.EvidenceSpans = stringList(obj["evidence_spans"])

	if d := coerceScore(obj["reflection_depth"], 3); d != nil {
		n := int(*d)
		a.ReflectionDepth = &n
	}
	return a, nil
}

var numberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// coerceScore rounds v to an integer in [0,max], or returns nil.
func coerceScore(v any, max float64) *float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return nil
		}
		f = n
	case string:
		m := numberRe.FindString(x)
		if m == "" {
			return nil
		}
		n, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return nil
		}
		f = n
	default:
		// nil, bool, objects, arrays
		return nil
	}
	if math.IsNaN(f) || f < 0 || f > max {
		return nil
	}
	r := math.Round(f)
	return &r
}

func stringList(v any) []string {
	out := []string{}
	items, ok := v.([]any)
	if !ok {
		return out
	}
	for _, item := range items {
		var s string
		switch x := item.(type) {
		case string:
			s = x
		case float64:
			s = strconv.FormatFloat(x, 'f', -1, 64)
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
