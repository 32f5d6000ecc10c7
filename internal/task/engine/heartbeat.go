package engine

import (
	"context"
	"errors"
	"time"

	"taskd/internal/storage"
	logx "taskd/pkg/logx"
)

func (s *Service) heartbeat(ctx context.Context) error {
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	s.sweep()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.renewLeases()
			s.sweep()
		}
	}
}

// renewLeases extends every lease this node holds. A lease found lost is
// dropped from tracking; the worker's write-back will fail the same way.
func (s *Service) renewLeases() {
	s.leaseMu.Lock()
	held := make(map[string]string, len(s.leases))
	for id, owner := range s.leases {
		held[id] = owner
	}
	s.leaseMu.Unlock()
	if len(held) == 0 {
		return
	}

	until := s.now().Add(s.cfg.Lease())
	for id, owner := range held {
		ctx, cancel := s.storeCtx()
		err := s.store.Renew(ctx, id, owner, until)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrLeaseLost):
			s.leaseLost.Add(1)
			s.untrackLease(id)
			s.log.Warn("lease lost while running", logx.Instance(id), logx.String("owner", owner))
			s.publish(EventLeaseLost, TaskEvent{ID: id})
		default:
			s.warnStore(s.log, "renew", err)
		}
	}
}

// sweep deletes rows whose task no node here knows about once they are older
// than UnresolvedTimeout.
func (s *Service) sweep() {
	now := s.now()
	ctx, cancel := s.storeCtx()
	defer cancel()
	n, err := s.store.DeleteUnresolved(ctx, s.names, now.Add(-s.cfg.UnresolvedTimeout), now)
	if err != nil {
		s.warnStore(s.log, "sweep", err)
		return
	}
	if n > 0 {
		s.log.Warn("deleted unresolved instances", logx.Int64("count", n), logx.Duration("older_than", s.cfg.UnresolvedTimeout))
	}
}
