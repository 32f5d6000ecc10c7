package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"taskd/internal/storage"
	logx "taskd/pkg/logx"
)

func (s *Service) poll(ctx context.Context, stopCh <-chan struct{}) {
	t := time.NewTicker(s.cfg.PollingInterval)
	defer t.Stop()
	for {
		s.claimRound(stopCh)
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-t.C:
		case <-s.wake:
		}
	}
}

// claimRound leases as many due instances as there are free workers. busy
// counts instances queued or running, so the work channel never overflows.
func (s *Service) claimRound(stopCh <-chan struct{}) {
	select {
	case <-stopCh:
		return
	default:
	}
	free := s.cfg.ThreadCount - int(s.busy.Load())
	if free <= 0 {
		return
	}

	now := s.now()
	ctx, cancel := s.storeCtx()
	got, err := s.store.ClaimDue(ctx, storage.ClaimRequest{
		Names:      s.names,
		Now:        now,
		Limit:      free,
		Owner:      s.newOwner(),
		LeaseUntil: now.Add(s.cfg.Lease()),
	})
	cancel()
	if err != nil {
		s.warnStore(s.log, "claim", err)
	}
	if len(got) > 0 {
		s.log.Debug("claimed instances", logx.Int("count", len(got)), logx.Int("free", free))
	}
	for _, in := range got {
		s.claimed.Add(1)
		s.busy.Add(1)
		s.trackLease(in.ID, in.LockOwner)
		s.work <- in
	}
}

// newOwner returns a fresh lease token. Tokens differ per claim round so a
// node that reclaims its own expired row still fences the earlier worker.
func (s *Service) newOwner() string {
	return s.cfg.NodeName + "/" + uuid.NewString()
}

// releasePending drops the leases of claimed instances no worker picked up.
func (s *Service) releasePending() int {
	n := 0
	for {
		select {
		case in := <-s.work:
			ctx, cancel := s.storeCtx()
			if err := s.store.Release(ctx, in.ID, in.LockOwner); err != nil {
				s.log.Warn("release of unstarted instance failed; lease will expire",
					logx.Instance(in.ID), logx.Task(in.TaskName), logx.Err(err))
			} else {
				n++
			}
			cancel()
			s.untrackLease(in.ID)
			s.busy.Add(-1)
		default:
			return n
		}
	}
}
