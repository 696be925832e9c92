package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseModel(t *testing.T) {
	tests := []struct {
		name         string
		in           string
		wantProvider string
		wantModel    string
	}{
		{"qualified", "anthropic:claude-sonnet-4-6", "anthropic", "claude-sonnet-4-6"},
		{"bare", "glm-5", "zai", "glm-5"},
		{"extra colons", "openai:ft:gpt-4o:org", "openai", "ft:gpt-4o:org"},
		{"empty model", "anthropic:", "anthropic", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, model := ParseModel(tt.in, "zai")
			if provider != tt.wantProvider || model != tt.wantModel {
				t.Errorf("ParseModel(%q) = (%q, %q), want (%q, %q)",
					tt.in, provider, model, tt.wantProvider, tt.wantModel)
			}
		})
	}
}

func TestRegistryForModel(t *testing.T) {
	reg := NewRegistry("anthropic")
	reg.Register(NewAnthropicClient("key"))
	reg.Register(NewOpenAIClient("zai", "key", "https://api.z.ai/v1", "glm-5"))

	client, model, err := reg.ForModel("zai:glm-5")
	if err != nil {
		t.Fatal(err)
	}
	if client.Name() != "zai" || model != "glm-5" {
		t.Errorf("got (%s, %s)", client.Name(), model)
	}

	// Bare model string resolves through the default provider.
	client, model, err = reg.ForModel("claude-sonnet-4-6")
	if err != nil {
		t.Fatal(err)
	}
	if client.Name() != "anthropic" || model != "claude-sonnet-4-6" {
		t.Errorf("got (%s, %s)", client.Name(), model)
	}

	if _, _, err := reg.ForModel("nowhere:model"); err == nil {
		t.Error("unknown provider should fail")
	}
}

func TestCostFor(t *testing.T) {
	// claude-sonnet-4-6: $3/M input, $15/M output.
	got := CostFor("anthropic:claude-sonnet-4-6", 1_000_000, 1_000_000)
	if got != 18.0 {
		t.Errorf("cost = %v, want 18.0", got)
	}
	// Bare ids resolve through provider-qualified entries.
	if CostFor("claude-sonnet-4-6", 1_000_000, 0) != 3.0 {
		t.Error("bare model id did not resolve")
	}
	if CostFor("unknown:model", 1_000_000, 1_000_000) != 0 {
		t.Error("unknown model should bill zero")
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 5, TotalCost: 0.01}
	u.Add(Usage{InputTokens: 20, OutputTokens: 15, TotalCost: 0.02})
	if u.InputTokens != 30 || u.OutputTokens != 20 || u.TotalCost != 0.03 {
		t.Errorf("got %+v", u)
	}
}

func TestAnthropicGenerateText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["model"] != "claude-sonnet-4-6" {
			t.Errorf("model = %v", body["model"])
		}
		// The system prompt travels out of band, not as a message.
		if _, ok := body["system"]; !ok {
			t.Error("system blocks missing")
		}

		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "thinking"},
				{"type": "tool_use", "id": "c1", "name": "file_read", "input": map[string]any{"file_path": "README.md"}},
			},
			"stop_reason": "tool_use",
			"usage":       map[string]any{"input_tokens": 100, "output_tokens": 50},
		})
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", WithAnthropicBaseURL(srv.URL))
	resp, err := c.GenerateText(context.Background(), "claude-sonnet-4-6", []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "read the readme"},
	}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	if resp.Kind() != KindToolCalls {
		t.Fatalf("kind = %s", resp.Kind())
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "file_read" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Arguments["file_path"] != "README.md" {
		t.Errorf("arguments = %+v", resp.ToolCalls[0].Arguments)
	}
	if resp.Usage.InputTokens != 100 || resp.Usage.OutputTokens != 50 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.Usage.TotalCost == 0 {
		t.Error("cost not filled from price table")
	}
}

func TestAnthropicToolResultRoundTrip(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(map[string]any{
			"content":     []map[string]any{{"type": "text", "text": "done"}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer srv.Close()

	c := NewAnthropicClient("k", WithAnthropicBaseURL(srv.URL))
	_, err := c.GenerateText(context.Background(), "", []Message{
		{Role: "user", Content: "go"},
		{Role: "assistant", Content: "", ToolCalls: []ToolCall{{ID: "c1", Name: "shell", Arguments: map[string]any{"command": "ls"}}}},
		{Role: "tool", Content: "file.txt", ToolCallID: "c1"},
	}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	// Tool replies must be folded into user turns carrying tool_result.
	msgs := captured["messages"].([]any)
	last := msgs[len(msgs)-1].(map[string]any)
	if last["role"] != "user" {
		t.Errorf("tool reply role = %v", last["role"])
	}
	blocks := last["content"].([]any)
	block := blocks[0].(map[string]any)
	if block["type"] != "tool_result" || block["tool_use_id"] != "c1" {
		t.Errorf("tool result block = %+v", block)
	}
}

func TestOpenAIGenerateText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer zk" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"content": "It says Hello"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 4},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient("zai", "zk", srv.URL, "glm-5")
	resp, err := c.GenerateText(context.Background(), "glm-5", []Message{{Role: "user", Content: "hi"}}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Kind() != KindFinalAnswer || resp.Text != "It says Hello" {
		t.Errorf("got %+v", resp)
	}
}

func TestOpenAIRetriesOnServerError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"content": "ok"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1},
		})
	}))
	defer srv.Close()

	c := NewOpenAIClient("openai", "k", srv.URL, "gpt-5-mini")
	c.retry = RetryConfig{MaxAttempts: 2, BaseBackoff: 1, MaxBackoff: 1}

	resp, err := c.GenerateText(context.Background(), "", nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if resp.Text != "ok" {
		t.Errorf("text = %q", resp.Text)
	}
}

func TestOpenAIDoesNotRetryClientError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewOpenAIClient("openai", "k", srv.URL, "gpt-5-mini")
	if _, err := c.GenerateText(context.Background(), "", nil, Options{}); err == nil {
		t.Fatal("want error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
