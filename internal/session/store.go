package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/glitchcube/glitchcube/internal/llm"
)

// ErrNoDatabase is returned by Ping when the store opened without a
// working database and is serving sessions from process memory only.
var ErrNoDatabase = errors.New("session: no database")

// Store manages conversation sessions backed by SQLite.
type Store struct {
	db     *sql.DB
	window int
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	now func() time.Time // for tests
}

// Open opens (or creates) the session database at path. An empty path uses
// an in-process SQLite database that does not survive restarts. If the
// database cannot be opened or migrated, Open returns a memory-only store
// together with the error: the store is still usable, sessions just will
// not persist. window bounds MessagesForLLM when callers pass no limit.
func Open(path string, window int, logger *slog.Logger) (*Store, error) {
	if window <= 0 {
		window = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = ":memory:"
	}
	s := &Store{
		window:   window,
		logger:   logger.With("component", "session"),
		sessions: make(map[string]*Session),
		now:      time.Now,
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return s, fmt.Errorf("open database: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return s, fmt.Errorf("migrate: %w", err)
	}
	s.db = db
	return s, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL DEFAULT '',
		persona TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		end_reason TEXT,
		total_cost REAL NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		tool_name TEXT,
		cost REAL NOT NULL DEFAULT 0,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		persona TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the database connection, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether durable storage is reachable.
func (s *Store) Ping() error {
	if s.db == nil {
		return ErrNoDatabase
	}
	return s.db.Ping()
}

// FindOrCreate returns the live session with the given ID, creating it if
// needed. An empty ID generates a fresh one, and so does the ID of an ended
// session: ended sessions accept no further messages, so reuse of their ID
// starts a new conversation under a new ID. source and persona seed a newly
// created session and are ignored for existing ones. This never fails: if
// the database is unreachable the returned session is in-process only and
// reports Degraded().
func (s *Store) FindOrCreate(id, source, persona string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = newID()
	}
	if sess, ok := s.sessions[id]; ok {
		if sess.EndedAt == nil {
			sess.UpdatedAt = s.now()
			return sess
		}
		id = newID()
	}

	if s.db != nil {
		sess, err := s.findOrCreateDB(id, source, persona)
		if err == nil && sess.EndedAt != nil {
			// The row predates this process and is already closed.
			id = newID()
			sess, err = s.findOrCreateDB(id, source, persona)
		}
		if err == nil {
			s.sessions[id] = sess
			return sess
		}
		s.logger.Warn("session store unreachable, using in-memory session",
			"session_id", id, "error", err)
	}

	now := s.now()
	sess := &Session{
		ID:        id,
		Source:    source,
		Persona:   persona,
		CreatedAt: now,
		UpdatedAt: now,
		store:     s,
		degraded:  true,
	}
	s.sessions[id] = sess
	return sess
}

// Find returns the session with the given ID, or nil if it does not exist.
// It never creates.
func (s *Store) Find(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	if s.db == nil {
		return nil
	}
	sess, err := s.loadDB(id)
	if err != nil {
		return nil
	}
	s.sessions[id] = sess
	return sess
}

// findOrCreateDB ensures a row exists and loads it. INSERT OR IGNORE makes
// creation race-tolerant across processes sharing the database file.
func (s *Store) findOrCreateDB(id, source, persona string) (*Session, error) {
	now := s.now()
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO sessions (id, source, persona, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, source, persona, now, now)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.loadDB(id)
}

func (s *Store) loadDB(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, source, persona, created_at, updated_at, ended_at, end_reason,
		       total_cost, total_tokens, message_count
		FROM sessions WHERE id = ?
	`, id)

	sess := &Session{store: s}
	var endedAt sql.NullTime
	var endReason sql.NullString
	err := row.Scan(&sess.ID, &sess.Source, &sess.Persona, &sess.CreatedAt,
		&sess.UpdatedAt, &endedAt, &endReason,
		&sess.TotalCost, &sess.TotalTokens, &sess.MessageCount)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	if endReason.Valid {
		sess.EndReason = endReason.String
	}

	msgs, err := s.loadMessages(id)
	if err != nil {
		return nil, err
	}
	sess.messages = msgs
	return sess, nil
}

// loadMessages fetches the most recent window of messages in chronological
// order. Older messages stay in the database but are never sent to the LLM,
// so there is no need to hold them in memory.
func (s *Store) loadMessages(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, tool_calls, tool_call_id, tool_name,
		       cost, prompt_tokens, completion_tokens, persona, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, sessionID, s.window)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var toolCalls, toolCallID, toolName, persona sql.NullString
		err := rows.Scan(&m.ID, &m.Role, &m.Content, &toolCalls, &toolCallID,
			&toolName, &m.Cost, &m.PromptTokens, &m.CompletionTokens,
			&persona, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		if toolCalls.Valid && toolCalls.String != "" {
			var calls []llm.RawToolCall
			if err := json.Unmarshal([]byte(toolCalls.String), &calls); err == nil {
				m.ToolCalls = calls
			}
		}
		m.ToolCallID = toolCallID.String
		m.ToolName = toolName.String
		m.Persona = persona.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query returned newest first; flip to chronological.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// appendMessage persists a message and the session's updated totals in one
// transaction. Caller holds s.mu.
func (s *Store) appendMessage(sess *Session, m Message) error {
	if s.db == nil {
		return ErrNoDatabase
	}

	var toolCalls any
	if len(m.ToolCalls) > 0 {
		b, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = string(b)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO messages (id, session_id, role, content, tool_calls,
			tool_call_id, tool_name, cost, prompt_tokens, completion_tokens,
			persona, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, sess.ID, m.Role, m.Content, toolCalls, m.ToolCallID, m.ToolName,
		m.Cost, m.PromptTokens, m.CompletionTokens, m.Persona, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE sessions
		SET updated_at = ?, persona = ?, total_cost = ?, total_tokens = ?, message_count = ?
		WHERE id = ?
	`, sess.UpdatedAt, sess.Persona, sess.TotalCost, sess.TotalTokens,
		sess.MessageCount, sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	return tx.Commit()
}

// persistEnd records ended_at and end_reason. Caller holds s.mu.
func (s *Store) persistEnd(sess *Session) error {
	if s.db == nil {
		return ErrNoDatabase
	}
	_, err := s.db.Exec(`
		UPDATE sessions SET ended_at = ?, end_reason = ?, updated_at = ?
		WHERE id = ? AND ended_at IS NULL
	`, sess.EndedAt, sess.EndReason, sess.UpdatedAt, sess.ID)
	return err
}

// EndIdleSessions ends any live session whose last activity is older than
// idle. Returns the IDs that were ended. Intended to run on a timer so
// walked-away conversations do not stay open forever.
func (s *Store) EndIdleSessions(idle time.Duration) []string {
	s.mu.Lock()
	cutoff := s.now().Add(-idle)
	var stale []*Session
	for _, sess := range s.sessions {
		if sess.EndedAt == nil && sess.UpdatedAt.Before(cutoff) {
			stale = append(stale, sess)
		}
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, sess := range stale {
		sess.EndConversation("idle timeout")
		ids = append(ids, sess.ID)
	}
	return ids
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
