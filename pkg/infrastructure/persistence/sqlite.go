// Package persistence provides repository implementations backed by SQLite.
// These are the infrastructure adapters for domain repository interfaces.
package persistence

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/domain/conversation"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	bot_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	mobile_session_id TEXT NOT NULL DEFAULT '',
	mobile_joined_at TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	expires_at TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);
CREATE INDEX IF NOT EXISTS idx_conversations_expires ON conversations(expires_at);
`

// Open opens (or creates) the SQLite database at path. ":memory:" is
// accepted for tests.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create store dir")
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init schema")
	}
	return db, nil
}

// ---------------------------------------------------------------------------
// Conversation repository implementation
// ---------------------------------------------------------------------------

// ConversationRepository is the SQLite implementation of conversation.Repository.
type ConversationRepository struct {
	db *sql.DB
	mu sync.Mutex
}

// NewConversationRepository wraps an opened database.
func NewConversationRepository(db *sql.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

const selectConversation = `SELECT id, bot_id, status, mobile_session_id, mobile_joined_at,
	created_at, updated_at, expires_at FROM conversations`

func (r *ConversationRepository) FindByID(id domain.EntityID) (*conversation.Conversation, error) {
	row := r.db.QueryRow(selectConversation+` WHERE id = ?`, string(id))
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conversation.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find conversation %s", id)
	}
	return c, nil
}

// FindExpirable returns active conversations whose expiry is at or before now.
func (r *ConversationRepository) FindExpirable(now time.Time) ([]*conversation.Conversation, error) {
	rows, err := r.db.Query(selectConversation+` WHERE status = ? AND expires_at != '' AND expires_at <= ?`,
		string(domain.ConversationActive), formatTime(now))
	if err != nil {
		return nil, errors.Wrap(err, "query expirable conversations")
	}
	defer rows.Close()

	var result []*conversation.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (r *ConversationRepository) Save(c *conversation.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
	INSERT INTO conversations (id, bot_id, status, mobile_session_id, mobile_joined_at, created_at, updated_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		bot_id = excluded.bot_id,
		status = excluded.status,
		mobile_session_id = excluded.mobile_session_id,
		mobile_joined_at = excluded.mobile_joined_at,
		updated_at = excluded.updated_at,
		expires_at = excluded.expires_at`,
		string(c.ID()), c.BotID, string(c.Status), c.MobileSessionID,
		formatTimestamp(c.MobileJoinedAt), formatTimestamp(c.CreatedAt),
		formatTimestamp(c.UpdatedAt), formatTimestamp(c.ExpiresAt))
	if err != nil {
		return errors.Wrapf(err, "save conversation %s", c.ID())
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(s scanner) (*conversation.Conversation, error) {
	var (
		id, botID, status, mobileID         string
		joinedAt, createdAt, updatedAt, exp string
	)
	if err := s.Scan(&id, &botID, &status, &mobileID, &joinedAt, &createdAt, &updatedAt, &exp); err != nil {
		return nil, err
	}
	c := &conversation.Conversation{
		BotID:           botID,
		Status:          domain.ConversationStatus(status),
		MobileSessionID: mobileID,
		MobileJoinedAt:  parseTimestamp(joinedAt),
		CreatedAt:       parseTimestamp(createdAt),
		UpdatedAt:       parseTimestamp(updatedAt),
		ExpiresAt:       parseTimestamp(exp),
	}
	c.SetID(domain.EntityID(id))
	return c, nil
}

// Times are stored as fixed-width UTC RFC3339 so that string comparison in
// SQL matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func formatTimestamp(ts domain.Timestamp) string { return formatTime(ts.Time) }

func parseTimestamp(s string) domain.Timestamp {
	if s == "" {
		return domain.Timestamp{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return domain.Timestamp{}
	}
	return domain.TimestampFrom(t)
}

var _ conversation.Repository = (*ConversationRepository)(nil)
