package session

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// SQLite implements Store with sqlite, all keys are scoped by session id
type SQLite struct {
	db      *sqlx.DB
	session string
}

// NewSQLite opens (or creates) the database and prepares schema for given session
func NewSQLite(dbPath, sessionID string) (*SQLite, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	s := &SQLite{db: db, session: sessionID}
	if err := s.initialize(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (also failed to close db: %v)", err, closeErr)
		}
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS session_store (
			session TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at INTEGER,
			PRIMARY KEY (session, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_store_updated_at ON session_store(updated_at)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// Get returns value for key in the current session
func (s *SQLite) Get(key string) (value string, ok bool, err error) {
	err = s.db.Get(&value, `SELECT value FROM session_store WHERE session = ? AND key = ?`, s.session, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, true, nil
}

// Set inserts or replaces value for key in the current session
func (s *SQLite) Set(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO session_store (session, key, value, updated_at) VALUES (?, ?, ?, ?)`,
		s.session, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Remove deletes key from the current session
func (s *SQLite) Remove(key string) error {
	if _, err := s.db.Exec(`DELETE FROM session_store WHERE session = ? AND key = ?`, s.session, key); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// End drops everything stored for the current session
func (s *SQLite) End() error {
	res, err := s.db.Exec(`DELETE FROM session_store WHERE session = ?`, s.session)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", s.session, err)
	}
	if n, err := res.RowsAffected(); err == nil {
		log.Printf("[DEBUG] session %s ended, %d keys removed", s.session, n)
	}
	return nil
}

// Cleanup removes entries of abandoned sessions not updated for longer than maxAge
func (s *SQLite) Cleanup(maxAge time.Duration) error {
	threshold := time.Now().Add(-maxAge).Unix()
	if _, err := s.db.Exec(`DELETE FROM session_store WHERE session != ? AND updated_at < ?`, s.session, threshold); err != nil {
		return fmt.Errorf("failed to cleanup sessions: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}
