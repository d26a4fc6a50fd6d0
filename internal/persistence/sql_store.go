package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/durable/pkg/api"
)

// sqlDialect captures what differs between the SQL backends.
type sqlDialect struct {
	// placeholder returns the bind parameter for the n-th argument (1-based).
	placeholder func(n int) string

	// isUniqueViolation reports whether err is a unique or primary key
	// constraint failure.
	isUniqueViolation func(err error) bool
}

// sqlStore implements HistoryLog and InstanceIndex over database/sql.
// Schema creation is left to the dialect-specific constructors.
type sqlStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// q rewrites "?" placeholders for the dialect.
func (s *sqlStore) q(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Append(ctx context.Context, instanceID string, expected int64, events ...api.HistoryEvent) error {
	stamped := stamp(expected, events)
	encoded, err := encodeEvents(stamped)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var n int64
	if err := tx.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM history_events WHERE instance_id = ?`), instanceID,
	).Scan(&n); err != nil {
		return err
	}
	if n != expected {
		return api.ErrAppendConflict
	}

	for i, ev := range stamped {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO history_events (instance_id, idx, type, sequence_no, at, data)
			VALUES (?, ?, ?, ?, ?, ?)`),
			instanceID,
			ev.Index,
			string(ev.Type),
			ev.SequenceNo,
			ev.At.UnixNano(),
			encoded[i],
		)
		if err != nil {
			if s.dialect.isUniqueViolation(err) {
				return api.ErrAppendConflict
			}
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		if s.dialect.isUniqueViolation(err) {
			return api.ErrAppendConflict
		}
		return err
	}
	return nil
}

func (s *sqlStore) Read(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT data
		FROM history_events
		WHERE instance_id = ?
		ORDER BY idx ASC`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []api.HistoryEvent{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqlStore) CreateInstance(ctx context.Context, rec InstanceRecord) error {
	var key sql.NullString
	if rec.IdempotencyKey != "" {
		key = sql.NullString{String: rec.IdempotencyKey, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO instances (id, name, input, status, status_rank, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID,
		rec.Name,
		[]byte(rec.Input),
		string(rec.Status),
		rec.Status.Rank(),
		key,
		rec.CreatedAt.UnixNano(),
		rec.UpdatedAt.UnixNano(),
	)
	if err != nil && s.dialect.isUniqueViolation(err) {
		return ErrDuplicateInstance
	}
	return err
}

func (s *sqlStore) UpdateStatus(ctx context.Context, id string, status api.Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE instances
		SET status = ?, status_rank = ?, updated_at = ?
		WHERE id = ? AND status_rank <= ?`),
		string(status),
		status.Rank(),
		at.UnixNano(),
		id,
		status.Rank(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either unknown or already further along.
		if _, err := s.GetInstance(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

const instanceColumns = `id, name, input, status, idempotency_key, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (InstanceRecord, error) {
	var (
		rec       InstanceRecord
		input     []byte
		status    string
		key       sql.NullString
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&rec.ID, &rec.Name, &input, &status, &key, &createdAt, &updatedAt); err != nil {
		return InstanceRecord{}, err
	}
	if len(input) > 0 {
		rec.Input = input
	}
	rec.Status = api.Status(status)
	rec.IdempotencyKey = key.String
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return rec, nil
}

func (s *sqlStore) getBy(ctx context.Context, column, value string) (InstanceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(fmt.Sprintf(`SELECT %s FROM instances WHERE %s = ?`, instanceColumns, column)), value)
	rec, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return InstanceRecord{}, ErrInstanceNotFound
		}
		return InstanceRecord{}, err
	}
	return rec, nil
}

func (s *sqlStore) GetInstance(ctx context.Context, id string) (InstanceRecord, error) {
	return s.getBy(ctx, "id", id)
}

func (s *sqlStore) FindByIdempotencyKey(ctx context.Context, key string) (InstanceRecord, error) {
	return s.getBy(ctx, "idempotency_key", key)
}

func (s *sqlStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]InstanceRecord, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	var clauses []string

	if filter.Name != "" {
		clauses = append(clauses, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InstanceRecord
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	if err := validTTL(ttl); err != nil {
		return false, err
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE instances
		SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ?
		AND (lease_owner = '' OR lease_expires_at <= ? OR lease_owner = ?)`),
		owner, now.Add(ttl).UnixNano(), instanceID, now.UnixNano(), owner,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.GetInstance(ctx, instanceID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *sqlStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	if err := validTTL(ttl); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE instances
		SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ?`),
		time.Now().Add(ttl).UnixNano(), instanceID, owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *sqlStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE instances
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND lease_owner = ?`),
		instanceID, owner,
	)
	return err
}
