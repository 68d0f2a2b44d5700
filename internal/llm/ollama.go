package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxOllamaReply bounds how much of a reply body is read.
const maxOllamaReply = 4 << 20

// Ollama talks to a local Ollama server over its chat API. Nothing it sends
// leaves the machine, which is what makes it the local backend.
type Ollama struct {
	url    string
	model  string
	client *http.Client
}

// NewOllama returns a client for the server at url. Deadlines come from the
// caller's context.
func NewOllama(url, model string) *Ollama {
	return &Ollama{
		url:    strings.TrimRight(url, "/"),
		model:  model,
		client: &http.Client{},
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaChatReply struct {
	Message         ollamaMessage `json:"message"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}

// Complete sends one chat turn in JSON mode and returns the assistant reply.
func (o *Ollama) Complete(ctx context.Context, prompt string) (*Response, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model: o.model,
		Messages: []ollamaMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: prompt},
		},
		Format:  "json",
		Options: ollamaOptions{Temperature: 0, TopP: 0.1, NumPredict: 1024},
	})
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxOllamaReply))
	if err != nil {
		return nil, fmt.Errorf("ollama: read reply: %w", err)
	}

	var reply ollamaChatReply
	decodeErr := json.Unmarshal(raw, &reply)
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && reply.Error != "" {
			msg = reply.Error
		}
		return nil, fmt.Errorf("ollama: status %d: %s", resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("ollama: decode reply: %w", decodeErr)
	}
	if reply.DoneReason == "length" {
		return nil, fmt.Errorf("ollama: reply truncated at %d tokens", reply.EvalCount)
	}

	return &Response{
		Content:    reply.Message.Content,
		Provider:   "ollama",
		Model:      o.model,
		TokensUsed: reply.PromptEvalCount + reply.EvalCount,
	}, nil
}
