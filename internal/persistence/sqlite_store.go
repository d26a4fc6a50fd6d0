package persistence

import (
	"database/sql"
	"strings"
)

// SQLiteStore is a HistoryLog and InstanceIndex backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// In-memory databases must be limited to one open connection, since every
// connection to ":memory:" sees its own database.
type SQLiteStore struct {
	sqlStore
}

// Ensure SQLiteStore implements the interfaces.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore initializes the required schema in the given
// database and returns a new SQLiteStore.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{sqlStore{
		db: db,
		dialect: sqlDialect{
			placeholder:       func(int) string { return "?" },
			isUniqueViolation: isSQLiteConstraint,
		},
	}}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			type TEXT NOT NULL,
			sequence_no INTEGER NOT NULL DEFAULT 0,
			at INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (instance_id, idx)
		);
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			input BLOB,
			status TEXT NOT NULL,
			status_rank INTEGER NOT NULL,
			idempotency_key TEXT UNIQUE,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_instances_name_status ON instances(name, status);
	`)
	return err
}

func isSQLiteConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
