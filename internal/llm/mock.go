package llm

import (
	"context"
	"sync"
)

// MockClient is a test double for the LLM Client interface.
// Queued Responses are returned in order; once drained, Response and Err are
// returned for every call. Fn, when set, overrides both.
type MockClient struct {
	Response  *Response
	Err       error
	Responses []*Response
	Fn        func(ctx context.Context, prompt string) (*Response, error)

	mu    sync.Mutex
	Calls []string // records prompts sent
}

// Complete records the call and returns the mock response.
func (m *MockClient) Complete(ctx context.Context, prompt string) (*Response, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, prompt)
	fn := m.Fn
	var queued *Response
	if len(m.Responses) > 0 {
		queued = m.Responses[0]
		m.Responses = m.Responses[1:]
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, prompt)
	}
	if queued != nil {
		return queued, nil
	}
	return m.Response, m.Err
}

// CallCount returns the number of completions requested so far.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
