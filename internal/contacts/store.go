// Package contacts caches the friend list locally and handles contact
// exchange: vCard import/export and QR codes for adding a friend in
// person.
package contacts

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parley-im/parley/internal/rest"
)

const contactColumns = "id, name, phone, avatar_url, blocked, updated_at"

// Contact is a cached friend record.
type Contact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	Blocked   bool      `json:"blocked,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store manages contact persistence in SQLite, so the friend list is
// available offline and before the first fetch completes.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a contact store using the given database path.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			phone TEXT,
			avatar_url TEXT,
			blocked INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_contacts_name ON contacts(name);
	`)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or updates one contact.
func (s *Store) Upsert(c Contact) error {
	if c.ID == "" {
		return fmt.Errorf("upsert contact: empty id")
	}
	_, err := s.db.Exec(`
		INSERT INTO contacts (id, name, phone, avatar_url, blocked, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			avatar_url = excluded.avatar_url,
			blocked = excluded.blocked,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Phone, c.AvatarURL, boolInt(c.Blocked),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

// SyncFriends replaces the cached friend list with a fetched one,
// preserving blocked flags for friends that survive the sync.
func (s *Store) SyncFriends(friends []rest.User) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sync friends: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	blocked, err := blockedIDs(tx)
	if err != nil {
		return fmt.Errorf("sync friends: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM contacts`); err != nil {
		return fmt.Errorf("sync friends: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, f := range friends {
		if _, err := tx.Exec(`
			INSERT INTO contacts (id, name, phone, avatar_url, blocked, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			f.ID, f.Name, f.Phone, f.AvatarURL, boolInt(blocked[f.ID]), now,
		); err != nil {
			return fmt.Errorf("sync friends: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync friends: %w", err)
	}

	s.logger.Debug("friend cache synced", "count", len(friends))
	return nil
}

// Get returns one contact by id.
func (s *Store) Get(id string) (Contact, error) {
	row := s.db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	return scanContact(row)
}

// List returns all cached contacts ordered by name.
func (s *Store) List() ([]Contact, error) {
	rows, err := s.db.Query(`SELECT ` + contactColumns + ` FROM contacts ORDER BY name COLLATE NOCASE`)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetBlocked flags or unflags a contact as blocked.
func (s *Store) SetBlocked(id string, blocked bool) error {
	res, err := s.db.Exec(`UPDATE contacts SET blocked = ?, updated_at = ? WHERE id = ?`,
		boolInt(blocked), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("set blocked: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set blocked: contact %s not found", id)
	}
	return nil
}

// Blocked returns the ids of blocked contacts.
func (s *Store) Blocked() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM contacts WHERE blocked = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list blocked: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanContact(row scannable) (Contact, error) {
	var c Contact
	var phone, avatar sql.NullString
	var blocked int
	var updated string
	if err := row.Scan(&c.ID, &c.Name, &phone, &avatar, &blocked, &updated); err != nil {
		if err == sql.ErrNoRows {
			return Contact{}, fmt.Errorf("contact not found")
		}
		return Contact{}, fmt.Errorf("scan contact: %w", err)
	}
	c.Phone = phone.String
	c.AvatarURL = avatar.String
	c.Blocked = blocked != 0
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return c, nil
}

func blockedIDs(tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.Query(`SELECT id FROM contacts WHERE blocked = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
