package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu   sync.Mutex
	rows map[string]Instance
}

var _ Store = (*memoryStore)(nil)

// NewMemory returns a process-local Store. It honours the same lease rules as
// the SQL backends and is meant for tests and single-node experiments.
func NewMemory() Store {
	return &memoryStore{rows: make(map[string]Instance)}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) Insert(ctx context.Context, in Instance) error {
	ok, err := m.InsertIfAbsent(ctx, in)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrExists, in.ID)
	}
	return nil
}

func (m *memoryStore) InsertIfAbsent(_ context.Context, in Instance) (bool, error) {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	if in.NextRunAt.IsZero() {
		in.NextRunAt = in.CreatedAt
	}
	in = truncate(in)
	in.Payload = append([]byte(nil), in.Payload...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[in.ID]; ok {
		return false, nil
	}
	m.rows[in.ID] = in
	return true, nil
}

func (m *memoryStore) ClaimDue(_ context.Context, req ClaimRequest) ([]Instance, error) {
	if len(req.Names) == 0 || req.Limit <= 0 {
		return nil, nil
	}
	names := make(map[string]struct{}, len(req.Names))
	for _, n := range req.Names {
		names[n] = struct{}{}
	}
	now := req.Now.Truncate(time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Instance
	for _, in := range m.rows {
		if _, ok := names[in.TaskName]; !ok {
			continue
		}
		if in.NextRunAt.After(now) || in.Locked(now) {
			continue
		}
		due = append(due, in)
	}
	sortInstances(due)
	if len(due) > req.Limit {
		due = due[:req.Limit]
	}
	for i := range due {
		due[i].LockOwner = req.Owner
		due[i].LockExpiresAt = req.LeaseUntil.Truncate(time.Millisecond)
		m.rows[due[i].ID] = due[i]
	}
	return due, nil
}

func (m *memoryStore) Renew(_ context.Context, id, owner string, until time.Time) error {
	return m.guarded(id, owner, func(in *Instance) bool {
		in.LockExpiresAt = until.Truncate(time.Millisecond)
		return true
	})
}

func (m *memoryStore) Reschedule(_ context.Context, u Update) error {
	return m.guarded(u.ID, u.Owner, func(in *Instance) bool {
		in.NextRunAt = u.NextRunAt.Truncate(time.Millisecond)
		in.FailureCount = u.FailureCount
		in.RepeatCount = u.RepeatCount
		in.LockOwner = ""
		in.LockExpiresAt = time.Time{}
		return true
	})
}

func (m *memoryStore) Complete(_ context.Context, id, owner string) error {
	return m.guarded(id, owner, func(*Instance) bool { return false })
}

func (m *memoryStore) Release(_ context.Context, id, owner string) error {
	return m.guarded(id, owner, func(in *Instance) bool {
		in.LockOwner = ""
		in.LockExpiresAt = time.Time{}
		return true
	})
}

// guarded applies fn to the row leased by owner. fn returning false deletes it.
func (m *memoryStore) guarded(id, owner string, fn func(*Instance) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.rows[id]
	if !ok || in.LockOwner != owner || owner == "" {
		return ErrLeaseLost
	}
	if !fn(&in) {
		delete(m.rows, id)
		return nil
	}
	m.rows[id] = in
	return nil
}

func (m *memoryStore) Get(_ context.Context, id string) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.rows[id]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return in, nil
}

func (m *memoryStore) DeleteRecurringExcept(_ context.Context, keep []string) (int64, error) {
	k := toSet(keep)
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, in := range m.rows {
		if in.Kind != KindRecurring {
			continue
		}
		if _, ok := k[in.TaskName]; ok {
			continue
		}
		delete(m.rows, id)
		n++
	}
	return n, nil
}

func (m *memoryStore) DeleteUnresolved(_ context.Context, known []string, olderThan, now time.Time) (int64, error) {
	k := toSet(known)
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, in := range m.rows {
		if _, ok := k[in.TaskName]; ok {
			continue
		}
		if !in.NextRunAt.Before(olderThan) || in.Locked(now) {
			continue
		}
		delete(m.rows, id)
		n++
	}
	return n, nil
}

func truncate(in Instance) Instance {
	in.NextRunAt = in.NextRunAt.Truncate(time.Millisecond)
	in.LockExpiresAt = in.LockExpiresAt.Truncate(time.Millisecond)
	in.CreatedAt = in.CreatedAt.Truncate(time.Millisecond)
	return in
}

func sortInstances(s []Instance) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].NextRunAt.Equal(s[j].NextRunAt) {
			return s[i].NextRunAt.Before(s[j].NextRunAt)
		}
		return s[i].ID < s[j].ID
	})
}

func toSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}
