package email

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SeenStore persists processed message UIDs so a daemon restart never
// re-triages or re-announces mail.
type SeenStore struct {
	db *sql.DB
}

// OpenSeenStore opens (or creates) the sqlite store at path.
func OpenSeenStore(path string) (*SeenStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open seen store: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS seen (
			provider TEXT NOT NULL,
			uid      INTEGER NOT NULL,
			PRIMARY KEY (provider, uid)
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init seen store: %w", err)
	}
	return &SeenStore{db: db}, nil
}

// Seen reports whether the message was already processed.
func (s *SeenStore) Seen(provider string, uid uint32) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM seen WHERE provider = ? AND uid = ?`, provider, uid).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seen lookup: %w", err)
	}
	return true, nil
}

// Mark records a processed message. Idempotent.
func (s *SeenStore) Mark(provider string, uid uint32) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO seen (provider, uid) VALUES (?, ?)`, provider, uid)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SeenStore) Close() error {
	return s.db.Close()
}
