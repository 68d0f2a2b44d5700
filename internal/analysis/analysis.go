// Package analysis turns one diary block into a structured analysis through a
// local or remote model.
package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/lazypower/diarist/internal/llm"
)

// Backend kinds.
const (
	KindLocal  = "local"
	KindRemote = "remote"
)

// Failure classes. Backends wrap one of these so the scheduler can record
// the attempt without inspecting provider errors.
var (
	ErrTimeout   = errors.New("analysis timed out")
	ErrTransport = errors.New("analysis transport failed")
	ErrMalformed = errors.New("analysis result malformed")
)

// Input is the block handed to a backend.
type Input struct {
	Title string
	Text  string
}

// Result is a validated analysis plus provenance.
type Result struct {
	Analysis      Analysis
	Model         string
	PromptVersion string
	TokensUsed    int
}

// Backend analyzes one block. Implementations must honor ctx cancellation
// where the transport allows it.
type Backend interface {
	Kind() string
	Analyze(ctx context.Context, in Input) (*Result, error)
}

// LLMBackend is a Backend over an llm.Client. Local and remote variants
// differ only in kind, which drives the sensitive-block precondition.
type LLMBackend struct {
	kind          string
	client        llm.Client
	promptVersion string
}

// NewLocal returns a backend that runs on the local machine.
func NewLocal(client llm.Client) *LLMBackend {
	return &LLMBackend{kind: KindLocal, client: client, promptVersion: llm.BlockPromptVersion}
}

// NewRemote returns a backend that sends block text off the machine.
func NewRemote(client llm.Client) *LLMBackend {
	return &LLMBackend{kind: KindRemote, client: client, promptVersion: llm.BlockPromptVersion}
}

// WithPromptVersion overrides the recorded prompt version.
func (b *LLMBackend) WithPromptVersion(v string) *LLMBackend {
	if v != "" {
		b.promptVersion = v
	}
	return b
}

func (b *LLMBackend) Kind() string { return b.kind }

// Analyze runs the block prompt. A reply that does not parse gets one repair
// round trip before the attempt is reported malformed.
func (b *LLMBackend) Analyze(ctx context.Context, in Input) (*Result, error) {
	resp, err := b.client.Complete(ctx, llm.BlockAnalysisPrompt(in.Title, in.Text))
	if err != nil {
		return nil, classify(ctx, err)
	}
	tokens := resp.TokensUsed

	a, perr := ParseResult(resp.Content)
	if perr != nil {
		fixed, err := b.client.Complete(ctx, llm.JSONRepairPrompt(resp.Content))
		if err != nil {
			return nil, classify(ctx, err)
		}
		tokens += fixed.TokensUsed
		a, err = ParseResult(fixed.Content)
		if err != nil {
			return nil, err
		}
		resp = fixed
	}

	return &Result{
		Analysis:      *a,
		Model:         resp.Model,
		PromptVersion: b.promptVersion,
		TokensUsed:    tokens,
	}, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
