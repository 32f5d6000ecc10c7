package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	logx "taskd/pkg/logx"
)

const instanceColumns = `id, task_name, kind, payload, payload_type, correlation_id,
	repeat_count, failure_count, next_run_at, lock_owner, lock_expires_at, created_at`

const instanceValues = `:id, :task_name, :kind, :payload, :payload_type, :correlation_id,
	:repeat_count, :failure_count, :next_run_at, :lock_owner, :lock_expires_at, :created_at`

// dialect captures what differs between SQL backends.
type dialect struct {
	name         string
	schema       []string
	insertPrefix string
	insertSuffix string
}

// row is the column image of an Instance. Times are unix milliseconds so every
// backend compares them the same way.
type row struct {
	ID            string `db:"id"`
	TaskName      string `db:"task_name"`
	Kind          string `db:"kind"`
	Payload       []byte `db:"payload"`
	PayloadType   string `db:"payload_type"`
	CorrelationID string `db:"correlation_id"`
	RepeatCount   int    `db:"repeat_count"`
	FailureCount  int    `db:"failure_count"`
	NextRunAt     int64  `db:"next_run_at"`
	LockOwner     string `db:"lock_owner"`
	LockExpiresAt int64  `db:"lock_expires_at"`
	CreatedAt     int64  `db:"created_at"`
}

func toRow(in Instance) row {
	return row{
		ID:            in.ID,
		TaskName:      in.TaskName,
		Kind:          string(in.Kind),
		Payload:       in.Payload,
		PayloadType:   in.PayloadType,
		CorrelationID: in.CorrelationID,
		RepeatCount:   in.RepeatCount,
		FailureCount:  in.FailureCount,
		NextRunAt:     toMillis(in.NextRunAt),
		LockOwner:     in.LockOwner,
		LockExpiresAt: toMillis(in.LockExpiresAt),
		CreatedAt:     toMillis(in.CreatedAt),
	}
}

func (r row) instance() Instance {
	return Instance{
		ID:            r.ID,
		TaskName:      r.TaskName,
		Kind:          Kind(r.Kind),
		Payload:       r.Payload,
		PayloadType:   r.PayloadType,
		CorrelationID: r.CorrelationID,
		RepeatCount:   r.RepeatCount,
		FailureCount:  r.FailureCount,
		NextRunAt:     fromMillis(r.NextRunAt),
		LockOwner:     r.LockOwner,
		LockExpiresAt: fromMillis(r.LockExpiresAt),
		CreatedAt:     fromMillis(r.CreatedAt),
	}
}

type sqlStore struct {
	db  *sqlx.DB
	d   dialect
	log logx.Logger
}

var _ Store = (*sqlStore)(nil)

func newSQLStore(ctx context.Context, db *sqlx.DB, d dialect, log logx.Logger) (*sqlStore, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%s ping: %w", d.name, err)
	}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s migrate: %w", d.name, err)
		}
	}
	log.Info("storage ready")
	return &sqlStore{db: db, d: d, log: log}, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Insert(ctx context.Context, in Instance) error {
	ok, err := s.InsertIfAbsent(ctx, in)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrExists, in.ID)
	}
	return nil
}

func (s *sqlStore) InsertIfAbsent(ctx context.Context, in Instance) (bool, error) {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	if in.NextRunAt.IsZero() {
		in.NextRunAt = in.CreatedAt
	}
	q := s.d.insertPrefix + ` task_instance (` + instanceColumns + `) VALUES (` + instanceValues + `)` + s.d.insertSuffix
	res, err := s.db.NamedExecContext(ctx, q, toRow(in))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ClaimDue picks candidates with a plain SELECT and then leases each with a
// conditional UPDATE; a row another node leased in between is skipped. On a
// partial failure the rows already leased are returned alongside the error.
func (s *sqlStore) ClaimDue(ctx context.Context, req ClaimRequest) ([]Instance, error) {
	if len(req.Names) == 0 || req.Limit <= 0 {
		return nil, nil
	}
	now := toMillis(req.Now)

	q, args, err := sqlx.In(`SELECT id FROM task_instance
		WHERE task_name IN (?) AND next_run_at <= ? AND (lock_owner = '' OR lock_expires_at < ?)
		ORDER BY next_run_at, id LIMIT ?`, req.Names, now, now, req.Limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}

	lease := s.db.Rebind(`UPDATE task_instance SET lock_owner = ?, lock_expires_at = ?
		WHERE id = ? AND next_run_at <= ? AND (lock_owner = '' OR lock_expires_at < ?)`)
	claimed := make([]string, 0, len(ids))
	var claimErr error
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, lease, req.Owner, toMillis(req.LeaseUntil), id, now, now)
		if err != nil {
			claimErr = err
			break
		}
		if n, err := res.RowsAffected(); err != nil {
			claimErr = err
			break
		} else if n == 1 {
			claimed = append(claimed, id)
		}
	}
	if len(claimed) == 0 {
		return nil, claimErr
	}

	q, args, err = sqlx.In(`SELECT `+instanceColumns+` FROM task_instance
		WHERE lock_owner = ? AND id IN (?) ORDER BY next_run_at, id`, req.Owner, claimed)
	if err != nil {
		return nil, errors.Join(claimErr, err)
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, errors.Join(claimErr, err)
	}
	out := make([]Instance, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.instance())
	}
	return out, claimErr
}

func (s *sqlStore) Renew(ctx context.Context, id, owner string, until time.Time) error {
	return s.execGuarded(ctx, `UPDATE task_instance SET lock_expires_at = ? WHERE id = ? AND lock_owner = ?`,
		toMillis(until), id, owner)
}

func (s *sqlStore) Reschedule(ctx context.Context, u Update) error {
	return s.execGuarded(ctx, `UPDATE task_instance
		SET next_run_at = ?, failure_count = ?, repeat_count = ?, lock_owner = '', lock_expires_at = 0
		WHERE id = ? AND lock_owner = ?`,
		toMillis(u.NextRunAt), u.FailureCount, u.RepeatCount, u.ID, u.Owner)
}

func (s *sqlStore) Complete(ctx context.Context, id, owner string) error {
	return s.execGuarded(ctx, `DELETE FROM task_instance WHERE id = ? AND lock_owner = ?`, id, owner)
}

func (s *sqlStore) Release(ctx context.Context, id, owner string) error {
	return s.execGuarded(ctx, `UPDATE task_instance SET lock_owner = '', lock_expires_at = 0
		WHERE id = ? AND lock_owner = ?`, id, owner)
}

func (s *sqlStore) execGuarded(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (Instance, error) {
	var r row
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+instanceColumns+` FROM task_instance WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Instance{}, err
	}
	return r.instance(), nil
}

func (s *sqlStore) DeleteRecurringExcept(ctx context.Context, keep []string) (int64, error) {
	q := `DELETE FROM task_instance WHERE kind = ?`
	args := []any{string(KindRecurring)}
	if len(keep) > 0 {
		var err error
		q, args, err = sqlx.In(q+` AND task_name NOT IN (?)`, string(KindRecurring), keep)
		if err != nil {
			return 0, err
		}
	}
	return s.execCount(ctx, q, args...)
}

func (s *sqlStore) DeleteUnresolved(ctx context.Context, known []string, olderThan, now time.Time) (int64, error) {
	q := `DELETE FROM task_instance WHERE next_run_at < ? AND (lock_owner = '' OR lock_expires_at < ?)`
	args := []any{toMillis(olderThan), toMillis(now)}
	if len(known) > 0 {
		var err error
		q, args, err = sqlx.In(q+` AND task_name NOT IN (?)`, toMillis(olderThan), toMillis(now), known)
		if err != nil {
			return 0, err
		}
	}
	return s.execCount(ctx, q, args...)
}

func (s *sqlStore) execCount(ctx context.Context, q string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
