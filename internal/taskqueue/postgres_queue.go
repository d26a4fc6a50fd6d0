package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// PostgresQueue implements Queue using a PostgreSQL table.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS durable_tasks (
//	    id          BIGSERIAL PRIMARY KEY,
//	    instance_id TEXT NOT NULL,
//	    body        BYTEA NOT NULL,
//	    not_before  BIGINT NOT NULL
//	);
//
// Tasks are claimed in NotBefore order, ties broken by id. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent workers never receive the same row.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db, pollInterval: 50 * time.Millisecond}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS durable_tasks (
			id          BIGSERIAL PRIMARY KEY,
			instance_id TEXT NOT NULL,
			body        BYTEA NOT NULL,
			not_before  BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_durable_tasks_not_before ON durable_tasks(not_before, id);
	`)
	return err
}

// Enqueue inserts a task into the queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	body, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO durable_tasks (instance_id, body, not_before)
		VALUES ($1, $2, $3)`,
		t.InstanceID, body, t.NotBefore.UnixNano())
	return err
}

// Dequeue blocks (with polling) until a task is available or ctx is cancelled.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Task, error) {
	// Use a reusable timer to avoid allocating a new timer on every idle poll.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	defer tmr.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var (
			id   int64
			body []byte
		)
		err := q.db.QueryRowContext(ctx, `
			DELETE FROM durable_tasks
			WHERE id = (
				SELECT id FROM durable_tasks
				WHERE not_before <= $1
				ORDER BY not_before, id
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING id, body`, time.Now().UnixNano()).Scan(&id, &body)

		switch {
		case err == nil:
			task, err := DecodeTask(body)
			if err != nil {
				return nil, fmt.Errorf("decode task %d: %w", id, err)
			}
			if task.ID == "" {
				task.ID = strconv.FormatInt(id, 10)
			}
			return task, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, err
		}

		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

// Len returns an approximate number of queued tasks.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM durable_tasks`).Scan(&n); err != nil {
		slog.Warn("postgres_queue_len_failed", "error", err)
		return 0
	}
	return n
}
