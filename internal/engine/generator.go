package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazypower/diarist/internal/analysis"
	"github.com/lazypower/diarist/internal/llm"
	"github.com/lazypower/diarist/internal/metrics"
	"github.com/lazypower/diarist/internal/redact"
)

// Generator names recorded on every op.
const (
	GeneratorRemote   = "remote"
	GeneratorFallback = "fallback"
)

// Op is one proposed mutation of a memory card.
type Op struct {
	Type       string         `json:"op"`
	CardKey    string         `json:"card_key"`
	CardType   string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	Confidence float64        `json:"confidence"`
	Note       string         `json:"note,omitempty"`
	Generator  string         `json:"-"`
}

// Candidate is an existing card offered to the generator.
type Candidate struct {
	CardKey    string         `json:"card_key"`
	Type       string         `json:"type"`
	Content    map[string]any `json:"content"`
	Confidence float64        `json:"confidence"`
	Score      int            `json:"score"`
}

// Proposal is the generator input for one rolled-up entry.
type Proposal struct {
	EntryID    int64
	Analysis   analysis.Analysis
	Candidates []Candidate
	MaxOps     int
}

// Generator proposes memory ops for an entry.
type Generator interface {
	Name() string
	Propose(ctx context.Context, p Proposal) ([]Op, error)
}

// RemoteGenerator asks a model for ops. Every string in the request is
// redacted first; a nil Redactor uses the default patterns.
type RemoteGenerator struct {
	Client   llm.Client
	Redactor *redact.Redactor
}

func (g *RemoteGenerator) Name() string { return GeneratorRemote }

type generatorPayload struct {
	Entry         generatorEntry  `json:"entry"`
	Candidates    []generatorCard `json:"candidates"`
	PromptVersion string          `json:"prompt_version"`
}

type generatorEntry struct {
	Summary string           `json:"summary"`
	Topics  []string         `json:"topics"`
	Facts   []string         `json:"facts"`
	Todos   []string         `json:"todos"`
	Signals analysis.Signals `json:"signals"`
}

type generatorCard struct {
	CardKey string         `json:"card_key"`
	Type    string         `json:"type"`
	Content map[string]any `json:"content"`
}

// rawOp accepts the payload under the names models commonly use for it.
type rawOp struct {
	Op         string         `json:"op"`
	CardKey    string         `json:"card_key"`
	CardID     string         `json:"card_id"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	MergePatch map[string]any `json:"merge_patch"`
	Content    map[string]any `json:"content"`
	Confidence *float64       `json:"confidence"`
	Note       string         `json:"note"`
}

// Propose sends the entry and candidates to the model and returns the valid
// ops from its reply. Ops that target a key outside the candidates (other
// than create) are dropped.
func (g *RemoteGenerator) Propose(ctx context.Context, p Proposal) ([]Op, error) {
	rd := g.Redactor
	if rd == nil {
		rd = redact.New()
	}
	payload := generatorPayload{
		Entry: generatorEntry{
			Summary: rd.Text(p.Analysis.Summary),
			Topics:  redactAll(rd, p.Analysis.Topics),
			Facts:   redactAll(rd, p.Analysis.Facts),
			Todos:   redactAll(rd, p.Analysis.Todos),
			Signals: p.Analysis.Signals,
		},
		Candidates:    make([]generatorCard, 0, len(p.Candidates)),
		PromptVersion: llm.MemoryPromptVersion,
	}
	allowed := make(map[string]bool, len(p.Candidates))
	for _, c := range p.Candidates {
		payload.Candidates = append(payload.Candidates, generatorCard{
			CardKey: c.CardKey,
			Type:    c.Type,
			Content: redactValue(rd, c.Content).(map[string]any),
		})
		allowed[c.CardKey] = true
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generator payload: %w", err)
	}

	resp, err := g.Client.Complete(ctx, llm.MemoryOpsPrompt(string(body), p.MaxOps))
	if err != nil {
		return nil, fmt.Errorf("generator llm: %w", err)
	}

	raw, ok := llm.ExtractJSONObject(resp.Content)
	if !ok {
		return nil, fmt.Errorf("generator reply holds no JSON object")
	}
	var reply struct {
		Ops []rawOp `json:"ops"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("decode generator reply: %w", err)
	}

	var ops []Op
	for _, r := range reply.Ops {
		if p.MaxOps > 0 && len(ops) >= p.MaxOps {
			break
		}
		op, err := r.validate(allowed)
		if err != nil {
			continue
		}
		op.Generator = GeneratorRemote
		ops = append(ops, op)
	}
	return ops, nil
}

func redactAll(rd *redact.Redactor, items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = rd.Text(s)
	}
	return out
}

// redactValue returns a copy of a decoded JSON value with every string,
// map keys included, redacted.
func redactValue(rd *redact.Redactor, v any) any {
	switch x := v.(type) {
	case string:
		return rd.Text(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[rd.Text(k)] = redactValue(rd, val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = redactValue(rd, x[i])
		}
		return out
	}
	return v
}

func (r rawOp) validate(allowed map[string]bool) (Op, error) {
	op := Op{Type: strings.ToLower(strings.TrimSpace(r.Op)), Note: truncateClean(strings.TrimSpace(r.Note), maxNoteChars)}
	switch op.Type {
	case OpCreate, OpUpdate, OpMerge:
	default:
		return op, fmt.Errorf("unknown op %q", r.Op)
	}

	key := r.CardKey
	if key == "" {
		key = r.CardID
	}
	key, err := sanitizeCardKey(key)
	if err != nil {
		return op, err
	}
	if op.Type != OpCreate && !allowed[key] {
		return op, fmt.Errorf("%s on non-candidate %s", op.Type, key)
	}
	op.CardKey = key
	op.CardType = slugify(r.Type)

	switch {
	case r.Payload != nil:
		op.Payload = r.Payload
	case op.Type == OpCreate && r.Content != nil:
		op.Payload = r.Content
	case r.MergePatch != nil:
		op.Payload = r.MergePatch
	default:
		op.Payload = map[string]any{}
	}

	op.Confidence = 0.5
	if r.Confidence != nil {
		op.Confidence = clamp01(*r.Confidence)
	}
	return op, nil
}

// FallbackGenerator derives ops from the rollup by fixed rules. It never
// fails and never calls out.
type FallbackGenerator struct{}

func (FallbackGenerator) Name() string { return GeneratorFallback }

// Propose returns a merge into the card of the entry's primary topic and,
// when the entry carries signals, a merge into the latest-signals card.
func (FallbackGenerator) Propose(_ context.Context, p Proposal) ([]Op, error) {
	a := p.Analysis
	primary := defaultSlug
	if len(a.Topics) > 0 {
		primary = a.Topics[0]
	}
	topics := make([]any, 0, len(a.Topics))
	for _, t := range a.Topics {
		topics = append(topics, t)
	}
	if len(topics) == 0 {
		topics = append(topics, primary)
	}

	ops := []Op{{
		Type:     OpMerge,
		CardKey:  "topic:" + slugify(primary),
		CardType: "topic",
		Payload: map[string]any{
			"topics":        topics,
			"last_entry_id": p.EntryID,
			"last_summary":  a.Summary,
			"facts_latest":  toAnyList(a.Facts),
			"todos_latest":  toAnyList(a.Todos),
		},
		Confidence: 0.6,
		Note:       "fallback_topic_card",
		Generator:  GeneratorFallback,
	}}

	if a.Signals.Any() && (p.MaxOps <= 0 || p.MaxOps > 1) {
		latest := map[string]any{}
		for _, name := range analysis.SignalNames {
			if v := a.Signals.Get(name); v != nil {
				latest[name] = *v
			}
		}
		ops = append(ops, Op{
			Type:       OpMerge,
			CardKey:    "state:signals",
			CardType:   "state",
			Payload:    map[string]any{"latest": latest, "last_entry_id": p.EntryID},
			Confidence: 0.5,
			Note:       "fallback_signals_card",
			Generator:  GeneratorFallback,
		})
	}
	return ops, nil
}

func toAnyList(items []string) []any {
	out := make([]any, 0, len(items))
	for _, s := range items {
		out = append(out, s)
	}
	return out
}

// ChainGenerator tries Primary under Timeout and falls back on any error,
// on a timeout, or on an empty set of valid ops.
type ChainGenerator struct {
	Primary  Generator
	Fallback Generator
	Timeout  time.Duration
	Log      zerolog.Logger
	Metrics  *metrics.Metrics
}

func (g *ChainGenerator) Name() string {
	if g.Primary == nil {
		return g.Fallback.Name()
	}
	return g.Primary.Name() + "+" + g.Fallback.Name()
}

// errGeneratorTimeout marks a primary that did not answer in time.
var errGeneratorTimeout = errors.New("generator timed out")

// Propose never returns an error unless the fallback does.
func (g *ChainGenerator) Propose(ctx context.Context, p Proposal) ([]Op, error) {
	if g.Primary != nil {
		ops, err := g.runPrimary(ctx, p)
		if err == nil && len(ops) > 0 {
			return ops, nil
		}
		ev := g.Log.Warn().Int64("entry_id", p.EntryID).Str("primary", g.Primary.Name())
		if err != nil {
			ev = ev.Err(err)
		} else {
			ev = ev.Str("reason", "no valid ops")
		}
		ev.Msg("generator: falling back")
		g.Metrics.Fallback()
	}
	return g.Fallback.Propose(ctx, p)
}

// runPrimary bounds the primary by Timeout even if it ignores ctx.
func (g *ChainGenerator) runPrimary(ctx context.Context, p Proposal) ([]Op, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		ops []Op
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ops, err := g.Primary.Propose(ctx, p)
		ch <- result{ops, err}
	}()

	select {
	case r := <-ch:
		return r.ops, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s", errGeneratorTimeout, timeout)
	}
}
