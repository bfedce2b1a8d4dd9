package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/glitchcube/glitchcube/internal/breaker"
	"github.com/glitchcube/glitchcube/internal/conversation"
	"github.com/glitchcube/glitchcube/internal/health"
	"github.com/glitchcube/glitchcube/internal/llm"
	"github.com/glitchcube/glitchcube/internal/prompts"
	"github.com/glitchcube/glitchcube/internal/session"
)

type fakeConverser struct {
	result *conversation.Result
	err    error
	last   conversation.TurnRequest
}

func (f *fakeConverser) Converse(_ context.Context, req conversation.TurnRequest) (*conversation.Result, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeChecker struct{ status health.Status }

func (f fakeChecker) Check(context.Context) health.Status { return f.status }

func testServer(t *testing.T, conv Converser, checker HealthChecker) (*Server, *session.Store, *breaker.Registry) {
	t.Helper()

	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"), 20, slog.Default())
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	breakers := breaker.NewRegistry(breaker.Config{}, nil)
	if checker == nil {
		checker = fakeChecker{status: health.Status{Status: "ok"}}
	}
	srv := NewServer("", 0, conv, store, breakers, checker, prompts.NewAssembler("", "buddy"), slog.Default())
	return srv, store, breakers
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestConversation_Success(t *testing.T) {
	conv := &fakeConverser{result: &conversation.Result{
		SessionID:            "sess-1",
		ResponseText:         "Hello from the cube",
		Persona:              "buddy",
		Cost:                 0.003,
		Tokens:               150,
		ContinueConversation: true,
	}}
	srv, _, _ := testServer(t, conv, nil)

	w := postJSON(t, srv.Handler(), "/api/v1/conversation", map[string]any{
		"text":            "hello",
		"conversation_id": "sess-1",
		"context":         map[string]string{"location": "gallery"},
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp conversationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Response != "Hello from the cube" || !resp.ContinueConversation {
		t.Errorf("resp = %+v", resp)
	}
	if resp.ConversationID != "sess-1" || resp.Cost != 0.003 {
		t.Errorf("resp = %+v", resp)
	}

	if conv.last.SessionID != "sess-1" || conv.last.Context["location"] != "gallery" {
		t.Errorf("turn request = %+v", conv.last)
	}
	if conv.last.Source != "api" {
		t.Errorf("Source = %q, want default api", conv.last.Source)
	}
}

func TestConversation_MissingText(t *testing.T) {
	srv, _, _ := testServer(t, &fakeConverser{}, nil)

	w := postJSON(t, srv.Handler(), "/api/v1/conversation", map[string]any{"conversation_id": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestConversation_BadJSON(t *testing.T) {
	srv, _, _ := testServer(t, &fakeConverser{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversation", bytes.NewReader([]byte("{nope")))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestConversation_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"auth", &llm.Error{Kind: llm.KindAuth, Msg: "bad key"}, http.StatusBadGateway},
		{"rate limit", &llm.Error{Kind: llm.KindRateLimit, Msg: "slow down"}, http.StatusTooManyRequests},
		{"network", &llm.Error{Kind: llm.KindNetwork, Msg: "down"}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := testServer(t, &fakeConverser{err: tt.err}, nil)
			w := postJSON(t, srv.Handler(), "/api/v1/conversation", map[string]any{"text": "hi"})
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestSessionGetAndEnd(t *testing.T) {
	srv, store, _ := testServer(t, &fakeConverser{}, nil)
	sess := store.FindOrCreate("sess-1", "api", "buddy")
	sess.AddMessage(session.Message{Role: "user", Content: "hi"})

	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session/sess-1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var sum session.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.SessionID != "sess-1" || sum.MessageCount != 1 {
		t.Errorf("summary = %+v", sum)
	}

	w = postJSON(t, handler, "/api/v1/session/sess-1/end", map[string]string{"reason": "walked away"})
	if w.Code != http.StatusOK {
		t.Fatalf("end status = %d", w.Code)
	}
	if !sess.Ended() {
		t.Error("session not ended")
	}

	// Idempotent: ending again still 200.
	w = postJSON(t, handler, "/api/v1/session/sess-1/end", nil)
	if w.Code != http.StatusOK {
		t.Errorf("re-end status = %d", w.Code)
	}
}

func TestSession_NotFound(t *testing.T) {
	srv, _, _ := testServer(t, &fakeConverser{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session/ghost", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestBreakers(t *testing.T) {
	srv, _, breakers := testServer(t, &fakeConverser{}, nil)
	breakers.Get("openrouter").Failure()

	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/breakers", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	var snaps map[string]breaker.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snaps); err != nil {
		t.Fatal(err)
	}
	if snaps["openrouter"].FailureCount != 1 {
		t.Errorf("snapshots = %+v", snaps)
	}

	w = postJSON(t, handler, "/api/v1/breakers/openrouter/reset", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reset status = %d", w.Code)
	}
	if breakers.Get("openrouter").Snapshot().FailureCount != 0 {
		t.Error("breaker not reset")
	}

	w = postJSON(t, handler, "/api/v1/breakers/ghost/reset", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown breaker reset status = %d, want 404", w.Code)
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t, &fakeConverser{}, fakeChecker{status: health.Status{Status: "ok"}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}

	degraded, _, _ := testServer(t, &fakeConverser{}, fakeChecker{status: health.Status{Status: "degraded"}})
	w = httptest.NewRecorder()
	degraded.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded status = %d, want 503", w.Code)
	}
}

func TestPersonas(t *testing.T) {
	srv, _, _ := testServer(t, &fakeConverser{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/personas", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var resp struct {
		Personas []string `json:"personas"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Personas) == 0 {
		t.Error("no personas listed")
	}
}

func TestVersion(t *testing.T) {
	srv, _, _ := testServer(t, &fakeConverser{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var info map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"version", "go_version", "uptime"} {
		if info[key] == "" {
			t.Errorf("version info missing %q: %v", key, info)
		}
	}
}
