package audit

import (
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"

	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/AgentShepherd/shellward/internal/fileutil"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	time        TEXT NOT NULL,
	user        TEXT NOT NULL,
	work_dir    TEXT NOT NULL,
	command     TEXT NOT NULL,
	canonical   TEXT,
	action      TEXT NOT NULL,
	reason      TEXT NOT NULL,
	confidence  REAL NOT NULL,
	source      TEXT NOT NULL,
	model       TEXT,
	overridden  INTEGER NOT NULL DEFAULT 0,
	exit_code   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_events_time ON events(time);
CREATE INDEX IF NOT EXISTS idx_events_action ON events(action);
`

// Store mirrors audit events into an encrypted SQLite database. The key
// never touches the filesystem; it rides in the DSN only.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the encrypted database at path.
func OpenStore(path, key string) (*Store, error) {
	if key == "" {
		return nil, fmt.Errorf("audit: encryption key required")
	}
	if err := fileutil.SecureMkdirAll(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("audit: create db dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma_key=%s&_pragma_cipher_page_size=4096",
		path, url.QueryEscape(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids lock
	// contention errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert writes one event.
func (s *Store) Insert(ev Event) error {
	_, err := s.db.Exec(`INSERT INTO events
		(id, time, user, work_dir, command, canonical, action, reason, confidence, source, model, overridden, exit_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Time, ev.User, ev.WorkDir, ev.Command, ev.Canonical,
		ev.Action, ev.Reason, ev.Confidence, ev.Source, ev.Model,
		boolToInt(ev.Overridden), ev.ExitCode)
	return err
}

// RecentBlocked returns the most recent blocked commands, newest first.
func (s *Store) RecentBlocked(limit int) ([]Event, error) {
	rows, err := s.db.Query(`SELECT id, time, user, work_dir, command, action, reason, confidence, source
		FROM events WHERE action = 'block' ORDER BY time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Time, &ev.User, &ev.WorkDir, &ev.Command,
			&ev.Action, &ev.Reason, &ev.Confidence, &ev.Source); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
