package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaiopt "github.com/openai/openai-go/option"

	"github.com/lazypower/diarist/internal/config"
)

func TestNewClientOllama(t *testing.T) {
	client, err := NewClient(config.ProviderConfig{Provider: "ollama"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	o, ok := client.(*Ollama)
	if !ok {
		t.Fatalf("expected *Ollama, got %T", client)
	}
	if o.model != DefaultOllamaModel {
		t.Errorf("model = %q, want %q", o.model, DefaultOllamaModel)
	}
}

func TestNewClientOpenAI(t *testing.T) {
	client, err := NewClient(config.ProviderConfig{Provider: "openai", APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*OpenAI); !ok {
		t.Errorf("expected *OpenAI, got %T", client)
	}
}

func TestNewClientAnthropic(t *testing.T) {
	client, err := NewClient(config.ProviderConfig{Provider: "anthropic", APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, ok := client.(*Anthropic); !ok {
		t.Errorf("expected *Anthropic, got %T", client)
	}
}

func TestNewClientMissingKey(t *testing.T) {
	for _, provider := range []string{"openai", "anthropic"} {
		if _, err := NewClient(config.ProviderConfig{Provider: provider}); err == nil {
			t.Errorf("%s: expected error for missing API key", provider)
		}
	}
}

func TestNewClientUnknown(t *testing.T) {
	if _, err := NewClient(config.ProviderConfig{Provider: "gpt"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestOllamaComplete(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Write([]byte(`{"message":{"role":"assistant","content":"{\"summary\":\"ok\"}"},"done_reason":"stop","prompt_eval_count":10,"eval_count":5}`))
	}))
	defer srv.Close()

	resp, err := NewOllama(srv.URL+"/", "tiny").Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"summary":"ok"}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.TokensUsed != 15 || resp.Model != "tiny" || resp.Provider != "ollama" {
		t.Errorf("unexpected response %+v", resp)
	}
	if got.Format != "json" || got.Stream || len(got.Messages) != 2 {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Messages[0].Role != "system" || got.Messages[1].Content != "hello" {
		t.Errorf("unexpected messages %+v", got.Messages)
	}
}

func TestOllamaTruncatedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","content":"{\"summ"},"done_reason":"length","eval_count":1024}`))
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL, "tiny").Complete(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "truncated") {
		t.Errorf("expected truncation error, got %v", err)
	}
}

func TestOllamaErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model \"missing\" not found"}`))
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL, "missing").Complete(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), `model "missing" not found`) {
		t.Errorf("expected decoded error, got %v", err)
	}
}

func TestOllamaStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL, "missing").Complete(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestOllamaHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewOllama(srv.URL, "m").Complete(ctx, "hello")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestOpenAIComplete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-test",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"ops\":[]}"}}],
			"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`))
	}))
	defer srv.Close()

	client := NewOpenAI("test-key", srv.URL+"/", "gpt-test", openaiopt.WithMaxRetries(0))
	resp, err := client.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"ops":[]}` || resp.TokensUsed != 7 || resp.Provider != "openai" {
		t.Errorf("unexpected response %+v", resp)
	}
	if got["model"] != "gpt-test" {
		t.Errorf("model = %v", got["model"])
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected system and user messages, got %v", got["messages"])
	}
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "test-key" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"{\"a\":"},{"type":"text","text":"1}"}],
			"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":6}}`))
	}))
	defer srv.Close()

	client := NewAnthropic("test-key", srv.URL+"/", "claude-test", anthropicopt.WithMaxRetries(0))
	resp, err := client.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"a":1}` || resp.TokensUsed != 11 || resp.Provider != "anthropic" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestPromptsCarryInput(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   []string
	}{
		{"BlockAnalysisPrompt", BlockAnalysisPrompt("", "walked the dog"), []string{"TITLE: (untitled)", "walked the dog"}},
		{"MemoryOpsPrompt", MemoryOpsPrompt(`{"entry":{}}`, 2), []string{"at most 2 operations", `{"entry":{}}`}},
		{"ContractPrompt", ContractPrompt("a.md", 0, 12, 99, "dear diary"), []string{"SOURCE: a.md", "RANGE: [0, 12)", "NOW_MS: 99", "dear diary"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, w := range tt.want {
				if !strings.Contains(tt.prompt, w) {
					t.Errorf("%s missing %q", tt.name, w)
				}
			}
		})
	}
}

func TestMockClient(t *testing.T) {
	mock := &MockClient{
		Response:  &Response{Content: "fallback", Provider: "mock"},
		Responses: []*Response{{Content: "first"}},
	}

	resp, err := mock.Complete(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "first" {
		t.Errorf("content = %q, want first", resp.Content)
	}
	resp, _ = mock.Complete(context.Background(), "p2")
	if resp.Content != "fallback" {
		t.Errorf("content = %q, want fallback", resp.Content)
	}
	if mock.CallCount() != 2 || mock.Calls[1] != "p2" {
		t.Errorf("calls = %v", mock.Calls)
	}
}
