// Package session persists chat sessions: the message log and a rolling
// plain-text summary per chat.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"smarthub/internal/model"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// SummaryKeep is how much of the previous summary survives an update;
	// SummaryMax caps the result.
	SummaryKeep = 600
	SummaryMax  = 800
)

type Session struct {
	ChatID    string
	TenantID  string
	Summary   string
	UpdatedAt time.Time
}

type Message struct {
	ID        string
	ChatID    string
	Role      string
	Content   string
	CreatedAt time.Time
}

type Store struct {
	path string

	dbMu sync.Mutex
	db   *sql.DB

	now func() time.Time
}

func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

func (s *Store) Init(ctx context.Context) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return err
	}

	schema := `
CREATE TABLE IF NOT EXISTS sessions (
  chat_id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL DEFAULT '',
  summary TEXT NOT NULL DEFAULT '',
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
  id TEXT PRIMARY KEY,
  chat_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return err
	}
	s.db = db
	return nil
}

func (s *Store) Close() error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// LoadOrInit returns the session for chatID, creating an empty one on first
// use. An existing session keeps its tenant.
func (s *Store) LoadOrInit(ctx context.Context, chatID, tenantID string) (Session, error) {
	if strings.TrimSpace(chatID) == "" {
		return Session{}, errors.New("chat_id is required")
	}
	db, err := s.ensureDB(ctx)
	if err != nil {
		return Session{}, err
	}

	_, err = db.ExecContext(ctx, `
INSERT INTO sessions (chat_id, tenant_id, summary, updated_at)
VALUES (?, ?, '', ?)
ON CONFLICT(chat_id) DO NOTHING`, chatID, tenantID, s.now().Unix())
	if err != nil {
		return Session{}, fmt.Errorf("init session: %w", err)
	}
	return s.Load(ctx, chatID)
}

// Load returns model.ErrNotFound for unknown chats.
func (s *Store) Load(ctx context.Context, chatID string) (Session, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return Session{}, err
	}
	var (
		sess    = Session{ChatID: chatID}
		updated int64
	)
	err = db.QueryRowContext(ctx,
		`SELECT tenant_id, summary, updated_at FROM sessions WHERE chat_id = ?`, chatID,
	).Scan(&sess.TenantID, &sess.Summary, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, model.ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	sess.UpdatedAt = time.Unix(updated, 0).UTC()
	return sess, nil
}

// Summary returns "" for unknown chats.
func (s *Store) Summary(ctx context.Context, chatID string) (string, error) {
	sess, err := s.Load(ctx, chatID)
	if errors.Is(err, model.ErrNotFound) {
		return "", nil
	}
	return sess.Summary, err
}

// AddMessage appends one message to the chat log.
func (s *Store) AddMessage(ctx context.Context, chatID, role, content string) (Message, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO messages (id, chat_id, seq, role, content, created_at)
VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE chat_id = ?), ?, ?, ?)`,
		msg.ID, chatID, chatID, role, content, msg.CreatedAt.Unix())
	if err != nil {
		return Message{}, fmt.Errorf("add message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a chat's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, role, content, created_at FROM messages WHERE chat_id = ? ORDER BY seq`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m := Message{ChatID: chatID}
		var created int64
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateSummary folds one exchange into the chat's rolling summary. Unknown
// chats are left alone.
func (s *Store) UpdateSummary(ctx context.Context, chatID, user, assistant string) error {
	db, err := s.ensureDB(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT summary FROM sessions WHERE chat_id = ?`, chatID).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read summary: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET summary = ?, updated_at = ? WHERE chat_id = ?`,
		RollSummary(prev, user, assistant), s.now().Unix(), chatID,
	); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return tx.Commit()
}

// RollSummary keeps the tail of prev, appends the exchange and caps the
// result. Lengths count bytes cut on rune boundaries.
func RollSummary(prev, user, assistant string) string {
	kept := tail(prev, SummaryKeep)
	return tail(kept+"\nU:"+user+"\nA:"+assistant, SummaryMax)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

func (s *Store) ensureDB(ctx context.Context) (*sql.DB, error) {
	s.dbMu.Lock()
	db := s.db
	s.dbMu.Unlock()
	if db != nil {
		return db, nil
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	return s.db, nil
}
