// Package session provides conversation session storage.
//
// Sessions are persisted to SQLite, but persistence is best-effort: if the
// database is unreachable the store hands out in-process sessions so a
// conversation turn never fails purely because durability is unavailable.
// Callers can inspect Degraded() to detect that tradeoff.
package session

import (
	"time"

	"github.com/glitchcube/glitchcube/internal/llm"
)

// Session is one conversation with the cube.
type Session struct {
	ID           string     `json:"session_id"`
	Source       string     `json:"source,omitempty"`
	Persona      string     `json:"persona,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	EndReason    string     `json:"end_reason,omitempty"`
	TotalCost    float64    `json:"total_cost"`
	TotalTokens  int        `json:"total_tokens"`
	MessageCount int        `json:"message_count"`

	store    *Store
	degraded bool
	messages []Message
}

// Message is a single message within a session.
type Message struct {
	ID               string            `json:"id"`
	Role             string            `json:"role"` // user, assistant, tool
	Content          string            `json:"content"`
	ToolCalls        []llm.RawToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string            `json:"tool_call_id,omitempty"`
	ToolName         string            `json:"tool_name,omitempty"`
	Cost             float64           `json:"cost,omitempty"`
	PromptTokens     int               `json:"prompt_tokens,omitempty"`
	CompletionTokens int               `json:"completion_tokens,omitempty"`
	Persona          string            `json:"persona,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Summary is the condensed view of a session for API responses.
type Summary struct {
	SessionID    string  `json:"session_id"`
	MessageCount int     `json:"message_count"`
	TotalCost    float64 `json:"total_cost"`
	TotalTokens  int     `json:"total_tokens"`
}

// AddMessage appends a message, assigns its ID and timestamp, and updates the
// session's running totals. Ended sessions accept no further messages; the
// message is returned unmodified and nothing is recorded. The append is a
// single transaction against the backing store; if that write fails the
// message is still retained in process and the session flips to degraded mode.
func (s *Session) AddMessage(m Message) Message {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if s.EndedAt != nil {
		s.store.logger.Warn("message dropped, session already ended",
			"session_id", s.ID, "role", m.Role)
		return m
	}

	now := s.store.now()
	m.ID = newID()
	m.CreatedAt = now

	s.messages = append(s.messages, m)
	s.MessageCount++
	s.TotalCost += m.Cost
	s.TotalTokens += m.PromptTokens + m.CompletionTokens
	if m.Persona != "" {
		s.Persona = m.Persona
	}
	s.UpdatedAt = now

	if !s.degraded {
		if err := s.store.appendMessage(s, m); err != nil {
			s.store.logger.Warn("session persistence degraded",
				"session_id", s.ID, "error", err)
			s.degraded = true
		}
	}
	return m
}

// MessagesForLLM returns the most recent limit messages in chronological
// order, shaped for the LLM wire format. Cost, token, and persona metadata
// are stripped; tool linkage fields are kept so tool results stay attached
// to the calls that produced them. A non-positive limit uses the store's
// configured window.
func (s *Session) MessagesForLLM(limit int) []llm.Message {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if limit <= 0 {
		limit = s.store.window
	}
	msgs := s.messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
		})
	}
	return out
}

// EndConversation marks the session ended. Re-ending an already-ended
// session is a no-op and keeps the original ended_at.
func (s *Session) EndConversation(reason string) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if s.EndedAt != nil {
		return
	}
	now := s.store.now()
	s.EndedAt = &now
	s.EndReason = reason
	s.UpdatedAt = now

	if !s.degraded {
		if err := s.store.persistEnd(s); err != nil {
			s.store.logger.Warn("session persistence degraded",
				"session_id", s.ID, "error", err)
			s.degraded = true
		}
	}
}

// Summary returns the session's identity and running totals.
func (s *Session) Summary() Summary {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	return Summary{
		SessionID:    s.ID,
		MessageCount: s.MessageCount,
		TotalCost:    s.TotalCost,
		TotalTokens:  s.TotalTokens,
	}
}

// Degraded reports whether the session is running without durable storage.
func (s *Session) Degraded() bool {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.degraded
}

// Ended reports whether EndConversation has been called.
func (s *Session) Ended() bool {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.EndedAt != nil
}
