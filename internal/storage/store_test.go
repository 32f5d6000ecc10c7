package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "taskd/pkg/logx"
)

var base = time.UnixMilli(1_700_000_000_000)

type opener func(t *testing.T) Store

func backends() map[string]opener {
	return map[string]opener{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{
				Driver:      "sqlite",
				DSN:         filepath.Join(t.TempDir(), "taskd.db"),
				BusyTimeout: time.Second,
			}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) { fn(t, open(t)) })
	}
}

func job(name string, at time.Time) Instance {
	return Instance{
		ID:            uuid.NewString(),
		TaskName:      name,
		Kind:          KindJobbing,
		Payload:       []byte(`{"n":1}`),
		PayloadType:   "main.payload",
		CorrelationID: "corr",
		NextRunAt:     at,
		CreatedAt:     base,
	}
}

func claim(t *testing.T, st Store, owner string, now time.Time, limit int, names ...string) []Instance {
	t.Helper()
	got, err := st.ClaimDue(context.Background(), ClaimRequest{
		Names:      names,
		Now:        now,
		Limit:      limit,
		Owner:      owner,
		LeaseUntil: now.Add(time.Minute),
	})
	require.NoError(t, err)
	return got
}

func ids(in []Instance) []string {
	out := make([]string, 0, len(in))
	for _, i := range in {
		out = append(out, i.ID)
	}
	return out
}

func TestInsertAndGet(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		in := job("send", base)
		in.RepeatCount = 2
		in.FailureCount = 1
		require.NoError(t, st.Insert(ctx, in))

		got, err := st.Get(ctx, in.ID)
		require.NoError(t, err)
		assert.Equal(t, in.TaskName, got.TaskName)
		assert.Equal(t, KindJobbing, got.Kind)
		assert.Equal(t, in.Payload, got.Payload)
		assert.Equal(t, in.PayloadType, got.PayloadType)
		assert.Equal(t, "corr", got.CorrelationID)
		assert.Equal(t, 2, got.RepeatCount)
		assert.Equal(t, 1, got.FailureCount)
		assert.Equal(t, base.UnixMilli(), got.NextRunAt.UnixMilli())
		assert.Empty(t, got.LockOwner)
		assert.True(t, got.LockExpiresAt.IsZero())

		assert.ErrorIs(t, st.Insert(ctx, in), ErrExists)
		ok, err := st.InsertIfAbsent(ctx, in)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = st.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestClaimDueOrderingAndFilters(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		late := job("send", base.Add(-time.Second))
		early := job("send", base.Add(-time.Minute))
		future := job("send", base.Add(time.Minute))
		other := job("unregistered", base.Add(-time.Hour))
		for _, in := range []Instance{late, early, future, other} {
			require.NoError(t, st.Insert(ctx, in))
		}

		got := claim(t, st, "n1/a", base, 1, "send")
		assert.Equal(t, []string{early.ID}, ids(got))
		assert.Equal(t, "n1/a", got[0].LockOwner)

		got = claim(t, st, "n1/b", base, 10, "send")
		assert.Equal(t, []string{late.ID}, ids(got))

		assert.Empty(t, claim(t, st, "n1/c", base, 10, "send"))
		assert.Empty(t, claim(t, st, "n1/d", base, 10))
		assert.Empty(t, claim(t, st, "n1/e", base, 0, "send"))
	})
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		in := job("send", base)
		require.NoError(t, st.Insert(ctx, in))

		require.Len(t, claim(t, st, "n1/a", base, 1, "send"), 1)
		// Lease runs to base+1m; still held just before expiry.
		assert.Empty(t, claim(t, st, "n2/a", base.Add(59*time.Second), 1, "send"))

		got := claim(t, st, "n2/b", base.Add(2*time.Minute), 1, "send")
		require.Len(t, got, 1)
		assert.Equal(t, "n2/b", got[0].LockOwner)

		// The first owner lost its lease and cannot write back.
		assert.ErrorIs(t, st.Complete(ctx, in.ID, "n1/a"), ErrLeaseLost)
		assert.ErrorIs(t, st.Renew(ctx, in.ID, "n1/a", base.Add(time.Hour)), ErrLeaseLost)
		assert.ErrorIs(t, st.Reschedule(ctx, Update{ID: in.ID, Owner: "n1/a", NextRunAt: base}), ErrLeaseLost)
		assert.ErrorIs(t, st.Release(ctx, in.ID, "n1/a"), ErrLeaseLost)

		require.NoError(t, st.Complete(ctx, in.ID, "n2/b"))
		_, err := st.Get(ctx, in.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		const rows = 40
		for i := 0; i < rows; i++ {
			require.NoError(t, st.Insert(ctx, job("send", base.Add(-time.Duration(i)*time.Millisecond))))
		}

		var (
			mu   sync.Mutex
			seen = map[string]string{}
			dups []string
			wg   sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			owner := fmt.Sprintf("node-%d/x", w)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					got, err := st.ClaimDue(ctx, ClaimRequest{
						Names: []string{"send"}, Now: base, Limit: 3,
						Owner: owner, LeaseUntil: base.Add(time.Minute),
					})
					if err != nil || len(got) == 0 {
						return
					}
					mu.Lock()
					for _, in := range got {
						if prev, ok := seen[in.ID]; ok {
							dups = append(dups, in.ID+" "+prev+" "+owner)
						}
						seen[in.ID] = owner
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Empty(t, dups)
		assert.Len(t, seen, rows)
	})
}

func TestRescheduleReleasesLease(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		in := job("send", base)
		require.NoError(t, st.Insert(ctx, in))
		require.Len(t, claim(t, st, "n1/a", base, 1, "send"), 1)

		require.NoError(t, st.Renew(ctx, in.ID, "n1/a", base.Add(time.Hour)))
		got, err := st.Get(ctx, in.ID)
		require.NoError(t, err)
		assert.Equal(t, base.Add(time.Hour).UnixMilli(), got.LockExpiresAt.UnixMilli())

		next := base.Add(5 * time.Minute)
		require.NoError(t, st.Reschedule(ctx, Update{
			ID: in.ID, Owner: "n1/a", NextRunAt: next, FailureCount: 3, RepeatCount: 0,
		}))
		got, err = st.Get(ctx, in.ID)
		require.NoError(t, err)
		assert.Empty(t, got.LockOwner)
		assert.Equal(t, 3, got.FailureCount)
		assert.Equal(t, next.UnixMilli(), got.NextRunAt.UnixMilli())

		assert.Empty(t, claim(t, st, "n1/b", base.Add(time.Minute), 1, "send"))
		assert.Len(t, claim(t, st, "n1/c", next, 1, "send"), 1)
	})
}

func TestReleaseMakesRowClaimable(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		in := job("send", base)
		require.NoError(t, st.Insert(ctx, in))
		require.Len(t, claim(t, st, "n1/a", base, 1, "send"), 1)

		require.NoError(t, st.Release(ctx, in.ID, "n1/a"))
		got := claim(t, st, "n2/a", base, 1, "send")
		require.Len(t, got, 1)
		assert.Equal(t, in.ID, got[0].ID)
	})
}

func TestDeleteRecurringExcept(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for _, name := range []string{"keep", "drop-a", "drop-b"} {
			require.NoError(t, st.Insert(ctx, Instance{
				ID: "recurring:" + name, TaskName: name, Kind: KindRecurring, NextRunAt: base,
			}))
		}
		require.NoError(t, st.Insert(ctx, job("drop-a", base)))

		n, err := st.DeleteRecurringExcept(ctx, []string{"keep"})
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)

		_, err = st.Get(ctx, "recurring:keep")
		assert.NoError(t, err)
		_, err = st.Get(ctx, "recurring:drop-a")
		assert.ErrorIs(t, err, ErrNotFound)
		// Jobbing rows are never touched.
		jobs := claim(t, st, "n1/a", base, 5, "drop-a")
		assert.Len(t, jobs, 1)

		n, err = st.DeleteRecurringExcept(ctx, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
	})
}

func TestDeleteUnresolved(t *testing.T) {
	eachBackend(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		stale := job("gone", base.Add(-48*time.Hour))
		fresh := job("gone", base.Add(-time.Hour))
		known := job("send", base.Add(-48*time.Hour))
		for _, in := range []Instance{stale, fresh, known} {
			require.NoError(t, st.Insert(ctx, in))
		}

		n, err := st.DeleteUnresolved(ctx, []string{"send"}, base.Add(-24*time.Hour), base)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		_, err = st.Get(ctx, stale.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = st.Get(ctx, fresh.ID)
		assert.NoError(t, err)
		_, err = st.Get(ctx, known.ID)
		assert.NoError(t, err)
	})
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "mysql", DSN: "no-slash"}, logx.Nop())
	assert.Error(t, err)

	st, err := Open(Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	assert.NoError(t, st.Close())
}
