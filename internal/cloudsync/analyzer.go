package cloudsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lazypower/diarist/internal/llm"
)

// RangeRequest is one byte range of a source sent for analysis.
type RangeRequest struct {
	SourceID string
	Start    int64
	End      int64
	Text     string
	Now      time.Time
}

// Analyzer turns a range of diary text into a response holding a contract.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, req RangeRequest) ([]byte, error)
}

// LLMAnalyzer asks a remote model for the contract.
type LLMAnalyzer struct {
	Client llm.Client
}

func (a *LLMAnalyzer) Name() string { return "llm" }

func (a *LLMAnalyzer) Analyze(ctx context.Context, req RangeRequest) ([]byte, error) {
	resp, err := a.Client.Complete(ctx, llm.ContractPrompt(req.SourceID, req.Start, req.End, req.Now.UnixMilli(), req.Text))
	if err != nil {
		return nil, fmt.Errorf("analyzer llm: %w", err)
	}
	raw, ok := llm.ExtractJSONObject(resp.Content)
	if !ok {
		return nil, &ContractError{Reason: "analyzer reply holds no JSON object"}
	}
	return []byte(raw), nil
}

// StubAnalyzer produces a contract offline: one life event per paragraph,
// stamped with the request time.
type StubAnalyzer struct{}

func (StubAnalyzer) Name() string { return "stub" }

func (StubAnalyzer) Analyze(_ context.Context, req RangeRequest) ([]byte, error) {
	ts := req.Now.UnixMilli()
	var blocks []map[string]any
	for i, para := range paragraphs(req.Text) {
		blocks = append(blocks, map[string]any{
			"block_id":      "le:" + stubID(req.SourceID, req.Start, i, para),
			"event_ts":      ts,
			"event_type":    "note",
			"summary":       clip(firstLine(para), 1024),
			"tags":          []string{},
			"evidence_refs": []string{"text:" + clip(firstLine(para), 80)},
			"confidence":    0.5,
		})
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("stub analyzer: no paragraphs in range [%d,%d)", req.Start, req.End)
	}
	return json.Marshal(map[string]any{
		"result_contract": map[string]any{
			"contract_version": ContractVersion,
			"blocks":           blocks,
		},
	})
}

func paragraphs(text string) []string {
	var out []string
	var cur []string
	flush := func() {
		if p := strings.TrimSpace(strings.Join(cur, "\n")); p != "" {
			out = append(out, p)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return out
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func stubID(source string, start int64, i int, para string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%d\x00%s", source, start, i, para)))
	return hex.EncodeToString(sum[:4])
}
