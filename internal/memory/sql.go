package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/portalworks/analyst/internal/config"
	"github.com/portalworks/analyst/internal/sqldb"
)

// Store is a SQL-backed conversation store. All methods are safe for
// concurrent use.
type Store struct {
	db     *sqldb.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a store on db and ensures the schema exists.
func NewStore(db *sqldb.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		logger: logger.With("component", "memory"),
		now:    time.Now,
	}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate conversation schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			client_id  TEXT NOT NULL,
			title      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_client ON conversations(client_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Create starts a new conversation for a client.
func (s *Store) Create(ctx context.Context, clientID, title string) (*Conversation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate conversation ID: %w", err)
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	conv := &Conversation{
		ID:        id.String(),
		ClientID:  clientID,
		Title:     Title(title),
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO conversations (id, client_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		conv.ID, conv.ClientID, conv.Title, sqldb.FormatTime(now), sqldb.FormatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	s.logger.Debug("conversation created", "conversation_id", conv.ID, "client_id", clientID)
	return conv, nil
}

// Get returns a conversation by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT id, client_id, title, created_at, updated_at FROM conversations WHERE id = ?`), id)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return conv, nil
}

// Touch bumps a conversation's updated_at.
func (s *Store) Touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE conversations SET updated_at = ? WHERE id = ?`),
		sqldb.FormatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("touch conversation %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage persists a message and touches its conversation in one
// transaction. created_at strictly increases within a conversation, even
// when two appends land in the same clock tick.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string) (*Message, error) {
	if role != RoleUser && role != RoleAssistant {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate message ID: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, s.db.Rebind(
		`SELECT COUNT(*) FROM conversations WHERE id = ?`), conversationID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check conversation: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	ts := s.now().UTC().Truncate(time.Microsecond)
	var last sql.NullString
	err = tx.QueryRowContext(ctx, s.db.Rebind(
		`SELECT MAX(created_at) FROM messages WHERE conversation_id = ?`), conversationID).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("read last message time: %w", err)
	}
	if last.Valid {
		prev, err := sqldb.ParseTime(last.String)
		if err != nil {
			return nil, fmt.Errorf("parse last message time: %w", err)
		}
		if !ts.After(prev) {
			ts = prev.Add(time.Microsecond)
		}
	}

	msg := &Message{
		ID:             id.String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      ts,
	}

	_, err = tx.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`),
		msg.ID, msg.ConversationID, msg.Role, msg.Content, sqldb.FormatTime(ts))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.db.Rebind(
		`UPDATE conversations SET updated_at = ? WHERE id = ?`),
		sqldb.FormatTime(ts), conversationID)
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	s.logger.Log(ctx, config.LevelTrace, "message appended",
		"conversation_id", conversationID,
		"role", role,
		"bytes", len(content),
	)
	return msg, nil
}

// ListRecent returns a client's conversations, most recently updated
// first. A limit of zero or less selects DefaultListLimit.
func (s *Store) ListRecent(ctx context.Context, clientID string, limit int) ([]ConversationSummary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT c.id, c.client_id, c.title, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		WHERE c.client_id = ?
		ORDER BY c.updated_at DESC, c.id DESC
		LIMIT ?`), clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []ConversationSummary{}
	for rows.Next() {
		var sum ConversationSummary
		var created, updated string
		if err := rows.Scan(&sum.ID, &sum.ClientID, &sum.Title, &created, &updated, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if sum.CreatedAt, err = sqldb.ParseTime(created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if sum.UpdatedAt, err = sqldb.ParseTime(updated); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// LoadMessages returns a conversation's messages in creation order. An
// unknown id yields an empty slice.
func (s *Store) LoadMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// LastMessage returns the newest message in a conversation, or nil when
// the conversation has none.
func (s *Store) LastMessage(ctx context.Context, conversationID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT 1`), conversationID)

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// Delete removes a conversation and all of its messages atomically.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM messages WHERE conversation_id = ?`), id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM conversations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	s.logger.Info("conversation deleted", "conversation_id", id)
	return nil
}

// Stats returns conversation and message counts.
func (s *Store) Stats(ctx context.Context) map[string]any {
	var convCount, msgCount int
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&convCount)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&msgCount)

	return map[string]any{
		"conversations": convCount,
		"messages":      msgCount,
		"storage":       s.db.Driver(),
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var c Conversation
	var created, updated string
	if err := row.Scan(&c.ID, &c.ClientID, &c.Title, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if c.CreatedAt, err = sqldb.ParseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = sqldb.ParseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &c, nil
}

func scanMessage(row scanner) (*Message, error) {
	var m Message
	var created string
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &created); err != nil {
		return nil, err
	}
	t, err := sqldb.ParseTime(created)
	if err != nil {
		return nil, fmt.Errorf("parse message created_at: %w", err)
	}
	m.CreatedAt = t
	return &m, nil
}
