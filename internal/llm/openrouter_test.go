package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glitchcube/glitchcube/internal/breaker"
)

// fakeProvider is an OpenAI-compatible chat-completion endpoint.
type fakeProvider struct {
	status   int
	response map[string]any
	requests []map[string]any
}

func (f *fakeProvider) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.requests = append(f.requests, body)

		if f.status != 0 && f.status != 200 {
			w.WriteHeader(f.status)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": "provider rejected", "type": "test"},
			})
			return
		}
		json.NewEncoder(w).Encode(f.response)
	})
}

func textResponse(text string) map[string]any {
	return map[string]any{
		"id":    "gen-123",
		"model": "qwen/qwen-2.5-72b-instruct",
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": text}},
		},
		"usage": map[string]any{
			"prompt_tokens":     42,
			"completion_tokens": 7,
			"total_tokens":      49,
		},
	}
}

func newTestClient(t *testing.T, f *fakeProvider, br *breaker.Breaker) *OpenRouter {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	return NewOpenRouter(OpenRouterConfig{
		APIKey:  "sk-or-test",
		BaseURL: srv.URL + "/v1",
		Model:   "qwen/qwen-2.5-72b-instruct",
		Timeout: 5 * time.Second,
	}, br, nil)
}

func TestComplete_NormalizesResponse(t *testing.T) {
	f := &fakeProvider{response: textResponse("hello from the cube")}
	c := newTestClient(t, f, nil)

	resp, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if resp.Text != "hello from the cube" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.PromptTokens != 42 || resp.CompletionTokens != 7 || resp.TotalTokens != 49 {
		t.Errorf("usage = %d/%d/%d, want 42/7/49",
			resp.PromptTokens, resp.CompletionTokens, resp.TotalTokens)
	}
	if resp.Cost <= 0 {
		t.Errorf("cost = %v, want > 0 for a priced model", resp.Cost)
	}
	if resp.HasToolCalls() {
		t.Error("plain text response should have no tool calls")
	}
}

func TestComplete_ToolCalls(t *testing.T) {
	response := textResponse("")
	response["choices"] = []map[string]any{
		{"message": map[string]any{
			"role":    "assistant",
			"content": "",
			"tool_calls": []map[string]any{
				{
					"id":   "call_abc",
					"type": "function",
					"function": map[string]any{
						"name":      "get_weather",
						"arguments": `{"location":"black rock city"}`,
					},
				},
			},
		}},
	}
	f := &fakeProvider{response: response}
	c := newTestClient(t, f, nil)

	resp, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "weather?"}},
		Tools: []ToolDescriptor{{
			Name:        "get_weather",
			Description: "Current weather",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if !resp.HasToolCalls() {
		t.Fatal("expected tool calls")
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_abc" || tc.Name != "get_weather" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Arguments != `{"location":"black rock city"}` {
		t.Errorf("arguments kept raw = %q", tc.Arguments)
	}
}

func TestComplete_StructuredOutput(t *testing.T) {
	f := &fakeProvider{response: textResponse(`{"response":"bye now","continue_conversation":false}`)}
	c := newTestClient(t, f, nil)

	resp, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "goodbye"}},
		JSONSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"response":              map[string]any{"type": "string"},
				"continue_conversation": map[string]any{"type": "boolean"},
			},
		},
	})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}
	if resp.Parsed == nil {
		t.Fatal("expected parsed structured content")
	}
	if resp.ContinueConversation() {
		t.Error("continue_conversation:false should end the conversation")
	}
}

func TestComplete_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{400, KindValidation},
		{422, KindValidation},
		{429, KindRateLimit},
		{500, KindNetwork},
		{503, KindNetwork},
	}
	for _, tt := range tests {
		f := &fakeProvider{status: tt.status}
		c := newTestClient(t, f, nil)

		_, err := c.Complete(context.Background(), Request{
			Messages: []Message{{Role: "user", Content: "hi"}},
		})
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		var lerr *Error
		if !errors.As(err, &lerr) {
			t.Fatalf("status %d: expected *Error, got %T", tt.status, err)
		}
		if lerr.Kind != tt.want {
			t.Errorf("status %d: kind = %v, want %v", tt.status, lerr.Kind, tt.want)
		}
	}
}

func TestComplete_BreakerGuards(t *testing.T) {
	f := &fakeProvider{status: 500}
	br := breaker.New("openrouter", breaker.Config{FailureThreshold: 2, OpenFor: time.Minute}, nil)
	c := newTestClient(t, f, br)

	req := Request{Messages: []Message{{Role: "user", Content: "hi"}}}
	for i := 0; i < 2; i++ {
		if _, err := c.Complete(context.Background(), req); err == nil {
			t.Fatal("expected provider error")
		}
	}
	if br.State() != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", br.State())
	}

	before := len(f.requests)
	_, err := c.Complete(context.Background(), req)
	var open *breaker.ErrOpen
	if !errors.As(err, &open) {
		t.Fatalf("expected *breaker.ErrOpen, got %v", err)
	}
	if len(f.requests) != before {
		t.Error("rejected call must not reach the provider")
	}
}

func TestComplete_BreakerSuccessKeepsClosed(t *testing.T) {
	f := &fakeProvider{response: textResponse("ok")}
	br := breaker.New("openrouter", breaker.Config{FailureThreshold: 1, OpenFor: time.Minute}, nil)
	c := newTestClient(t, f, br)

	if _, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatal(err)
	}
	if br.State() != breaker.StateClosed {
		t.Errorf("breaker state = %v, want closed", br.State())
	}
}

func TestComplete_ToolResultMessagesOnWire(t *testing.T) {
	f := &fakeProvider{response: textResponse("it is 72F")}
	c := newTestClient(t, f, nil)

	_, err := c.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: "user", Content: "weather?"},
			{Role: "assistant", ToolCalls: []RawToolCall{
				{ID: "call_1", Name: "get_weather", Arguments: "{}"},
			}},
			{Role: "tool", Content: "72F, sunny", ToolCallID: "call_1", ToolName: "get_weather"},
		},
	})
	if err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	sent := f.requests[0]["messages"].([]any)
	if len(sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(sent))
	}
	toolMsg := sent[2].(map[string]any)
	if toolMsg["role"] != "tool" || toolMsg["tool_call_id"] != "call_1" {
		t.Errorf("tool message on wire = %v", toolMsg)
	}
	asst := sent[1].(map[string]any)
	if _, ok := asst["tool_calls"]; !ok {
		t.Error("assistant message should carry tool_calls on the wire")
	}
}
