// Package store persists the client's local session state: the
// authenticated identity, access/refresh tokens, and the last-known
// conversation snapshot used to rejoin realtime rooms after a
// reconnect. It is intentionally small — structured domain data
// (contacts, messages) lives in its own stores.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver for database/sql
)

// Session is the locally persisted authenticated identity.
type Session struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	DisplayName  string
}

// Store is the SQLite-backed session store. All public methods are
// safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the session database at the given path.
// The schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		seen_at         TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const (
	keyUserID       = "user_id"
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyDisplayName  = "display_name"
)

func (s *Store) get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM session WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) set(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO session (key, value, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Session returns the persisted session. A zero-value Session (empty
// UserID) means no one is logged in.
func (s *Store) Session() (*Session, error) {
	sess := &Session{}
	var err error
	if sess.UserID, err = s.get(keyUserID); err != nil {
		return nil, err
	}
	if sess.AccessToken, err = s.get(keyAccessToken); err != nil {
		return nil, err
	}
	if sess.RefreshToken, err = s.get(keyRefreshToken); err != nil {
		return nil, err
	}
	if sess.DisplayName, err = s.get(keyDisplayName); err != nil {
		return nil, err
	}
	return sess, nil
}

// SaveSession upserts the persisted session.
func (s *Store) SaveSession(sess *Session) error {
	if err := s.set(keyUserID, sess.UserID); err != nil {
		return err
	}
	if err := s.set(keyAccessToken, sess.AccessToken); err != nil {
		return err
	}
	if err := s.set(keyRefreshToken, sess.RefreshToken); err != nil {
		return err
	}
	return s.set(keyDisplayName, sess.DisplayName)
}

// Tokens returns the persisted token pair. Both values are empty when
// no one is logged in.
func (s *Store) Tokens() (access, refresh string, err error) {
	if access, err = s.get(keyAccessToken); err != nil {
		return "", "", err
	}
	if refresh, err = s.get(keyRefreshToken); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// SaveTokens updates only the token pair, leaving identity fields
// untouched. Used by the refresh gate after a successful renewal.
func (s *Store) SaveTokens(access, refresh string) error {
	if err := s.set(keyAccessToken, access); err != nil {
		return err
	}
	return s.set(keyRefreshToken, refresh)
}

// ClearSession removes all session state, including the conversation
// snapshot. Called on logout and on unrecoverable refresh failure.
func (s *Store) ClearSession() error {
	if _, err := s.db.Exec(`DELETE FROM session`); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}
	return nil
}

// SaveConversations replaces the conversation snapshot with the given
// ids. The snapshot is what the transport rejoins after a reconnect.
func (s *Store) SaveConversations(ids []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save conversations: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("save conversations: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range ids {
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO conversations (conversation_id, seen_at) VALUES (?, ?)`,
			id, now,
		); err != nil {
			return fmt.Errorf("save conversation %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Conversations returns the persisted conversation snapshot. Returns
// an empty (non-nil) slice when no snapshot exists.
func (s *Store) Conversations() ([]string, error) {
	rows, err := s.db.Query(`SELECT conversation_id FROM conversations ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
