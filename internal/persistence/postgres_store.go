package persistence

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresStore is a HistoryLog and InstanceIndex backed by PostgreSQL.
//
// It expects an *sql.DB opened with the pgx driver:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, err := sql.Open("pgx", dsn)
//
// Concurrent appends to one instance race on the (instance_id, idx) primary
// key; the loser receives api.ErrAppendConflict.
type PostgresStore struct {
	sqlStore
}

// Ensure PostgresStore implements the interfaces.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore initializes the required schema in the given
// database and returns a new PostgresStore.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{sqlStore{
		db: db,
		dialect: sqlDialect{
			placeholder:       func(n int) string { return "$" + strconv.Itoa(n) },
			isUniqueViolation: isPostgresUniqueViolation,
		},
	}}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL,
			idx BIGINT NOT NULL,
			type TEXT NOT NULL,
			sequence_no INTEGER NOT NULL DEFAULT 0,
			at BIGINT NOT NULL,
			data BYTEA NOT NULL,
			PRIMARY KEY (instance_id, idx)
		);
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			input BYTEA,
			status TEXT NOT NULL,
			status_rank INTEGER NOT NULL,
			idempotency_key TEXT UNIQUE,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_instances_name_status ON instances(name, status);
	`)
	return err
}

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
