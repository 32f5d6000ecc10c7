package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("task instance not found")
	ErrExists    = errors.New("task instance already exists")
	ErrLeaseLost = errors.New("task instance lease lost")
)

// Config configures storage.
//
// Driver values: "sqlite" (default), "postgres", "mysql", "memory".
// DSN is a file path or URI for sqlite and a driver DSN otherwise.
type Config struct {
	Driver      string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Kind mirrors the task kind of the definition an instance belongs to.
type Kind string

const (
	KindRecurring Kind = "recurring"
	KindJobbing   Kind = "jobbing"
)

// Instance is a persisted unit of work.
type Instance struct {
	ID            string
	TaskName      string
	Kind          Kind
	Payload       []byte
	PayloadType   string
	CorrelationID string

	RepeatCount  int
	FailureCount int

	NextRunAt     time.Time
	LockOwner     string
	LockExpiresAt time.Time
	CreatedAt     time.Time
}

// Locked reports whether the instance holds a lease that is still valid at now.
func (in Instance) Locked(now time.Time) bool {
	return in.LockOwner != "" && !in.LockExpiresAt.Before(now)
}

// ClaimRequest selects due rows and leases them to Owner.
type ClaimRequest struct {
	// Names restricts the claim to registered task names.
	Names      []string
	Now        time.Time
	Limit      int
	Owner      string
	LeaseUntil time.Time
}

// Update is an owner-guarded write-back that also releases the lease.
type Update struct {
	ID           string
	Owner        string
	NextRunAt    time.Time
	FailureCount int
	RepeatCount  int
}

// Store is the persistence API used by the scheduler.
type Store interface {
	// Insert adds a new row. ErrExists when the id is taken.
	Insert(ctx context.Context, in Instance) error
	// InsertIfAbsent adds a row unless its id exists and reports whether it did.
	InsertIfAbsent(ctx context.Context, in Instance) (bool, error)

	// ClaimDue leases up to Limit due rows, earliest NextRunAt first.
	ClaimDue(ctx context.Context, req ClaimRequest) ([]Instance, error)
	// Renew extends a lease held by owner.
	Renew(ctx context.Context, id, owner string, until time.Time) error
	// Reschedule applies u and releases the lease.
	Reschedule(ctx context.Context, u Update) error
	// Complete deletes a row leased by owner.
	Complete(ctx context.Context, id, owner string) error
	// Release drops the lease without touching anything else.
	Release(ctx context.Context, id, owner string) error

	Get(ctx context.Context, id string) (Instance, error)

	// DeleteRecurringExcept removes recurring rows whose task is not in keep.
	DeleteRecurringExcept(ctx context.Context, keep []string) (int64, error)
	// DeleteUnresolved removes unleased rows whose task is not in known and
	// whose NextRunAt is before olderThan.
	DeleteUnresolved(ctx context.Context, known []string, olderThan, now time.Time) (int64, error)

	Close() error
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
