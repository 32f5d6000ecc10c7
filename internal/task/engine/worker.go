package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"taskd/internal/storage"
	"taskd/internal/task/correlation"
	"taskd/internal/task/registry"
	"taskd/internal/task/retry"
	logx "taskd/pkg/logx"
)

func (s *Service) worker(stopCh <-chan struct{}) {
	for {
		// A closed stopCh wins over queued work; Stop releases what is left.
		select {
		case <-stopCh:
			return
		default:
		}
		select {
		case <-stopCh:
			return
		case in := <-s.work:
			s.execute(in)
		}
	}
}

func (s *Service) execute(in storage.Instance) {
	defer func() {
		s.untrackLease(in.ID)
		s.busy.Add(-1)
	}()

	corrID := in.CorrelationID
	if corrID == "" {
		corrID = in.ID
	}
	ctx := correlation.With(s.baseCtx, corrID)
	log := correlation.Logger(ctx, s.log).With(logx.Task(in.TaskName), logx.Instance(in.ID))
	ctx = logx.IntoContext(ctx, log)
	ev := TaskEvent{
		ID:            in.ID,
		Name:          in.TaskName,
		Kind:          string(in.Kind),
		CorrelationID: corrID,
		FailureCount:  in.FailureCount,
		RepeatCount:   in.RepeatCount,
	}

	def, err := s.reg.Lookup(in.TaskName)
	if err != nil {
		log.Warn("claimed instance of unknown task; releasing", logx.Err(err))
		s.writeBack(log, ev, "release", func(c context.Context) error {
			return s.store.Release(c, in.ID, in.LockOwner)
		})
		return
	}

	log.Debug("task.started", logx.Int("failures", in.FailureCount), logx.Int("repeats", in.RepeatCount))
	s.publish(EventStarted, ev)

	switch def.Kind {
	case registry.KindRecurring:
		s.runRecurring(ctx, log, def, in, ev)
	case registry.KindJobbing:
		s.runJob(ctx, log, def, in, corrID, ev)
	}
}

func (s *Service) runRecurring(ctx context.Context, log logx.Logger, def registry.Definition, in storage.Instance, ev TaskEvent) {
	start := s.now()
	err := s.safeRun(log, func() error { return def.RunRecurring(ctx) })
	ev.Duration = s.now().Sub(start)

	failures := 0
	if err != nil {
		s.failed.Add(1)
		failures = in.FailureCount + 1
		ev.FailureCount = failures
		ev.Error = err.Error()
		log.Warn("recurring task failed", logx.Err(err), logx.Int("failures", failures), logx.Duration("dur", ev.Duration))
	} else {
		s.finished.Add(1)
		ev.FailureCount = 0
		s.publish(EventCompleted, ev)
	}

	if def.Schedule == nil {
		log.Error("recurring task has no schedule; lease left to expire")
		return
	}
	next := def.Schedule.Next(s.now())
	if next.IsZero() {
		log.Error("schedule yields no next run; lease left to expire", logx.String("schedule", def.Schedule.String()))
		return
	}
	if s.reschedule(log, in, ev, next, failures, in.RepeatCount) {
		ev.NextRunAt = next
		log.Debug("task.rescheduled", logx.Time("next_run_at", next))
		s.publish(EventRescheduled, ev)
	}
}

func (s *Service) runJob(ctx context.Context, log logx.Logger, def registry.Definition, in storage.Instance, corrID string, ev TaskEvent) {
	inv := registry.Invocation{
		InstanceID:    in.ID,
		CorrelationID: corrID,
		Payload:       in.Payload,
		PayloadType:   in.PayloadType,
		FailureCount:  in.FailureCount,
		RepeatCount:   in.RepeatCount,
		Submitter:     s.submitter,
	}
	var out registry.Outcome
	start := s.now()
	err := s.safeRun(log, func() (e error) {
		out, e = def.RunJob(ctx, s.codec, inv)
		return e
	})
	now := s.now()
	ev.Duration = now.Sub(start)
	res := s.resolvers[def.Name]

	switch {
	case err != nil:
		s.failed.Add(1)
		n := in.FailureCount + 1
		ev.FailureCount = n
		ev.Error = err.Error()

		d := res.Failure(n)
		if IsNoRetry(err) {
			d = retry.Decision{Action: retry.Abort, HandOff: res.FailurePolicy().OnMaxRetry}
		}
		if after, ok := retryDelay(err); ok && d.Action == retry.Retry {
			d.Delay = clampDelay(after, res.FailurePolicy().MaxInterval)
		}
		if d.Action != retry.Retry {
			s.abort(log, in, corrID, d.HandOff, ev, err)
			return
		}
		next := now.Add(d.Delay)
		log.Warn("task failed; retry scheduled", logx.Err(err), logx.Int("failures", n), logx.Duration("delay", d.Delay))
		if s.reschedule(log, in, ev, next, n, in.RepeatCount) {
			ev.NextRunAt = next
			s.publish(EventRetry, ev)
		}

	case out == registry.Incomplete:
		n := in.RepeatCount + 1
		ev.RepeatCount = n
		ev.FailureCount = 0
		d := res.Incomplete(n)
		switch d.Action {
		case retry.Retry:
			next := now.Add(d.Delay)
			log.Debug("task.incomplete", logx.Int("repeats", n), logx.Duration("delay", d.Delay))
			if s.reschedule(log, in, ev, next, 0, n) {
				ev.NextRunAt = next
				s.publish(EventIncomplete, ev)
			}
		case retry.Abort:
			s.abort(log, in, corrID, d.HandOff, ev, nil)
		default:
			log.Debug("task.removed", logx.Int("repeats", n))
			if s.complete(log, in, ev) {
				s.publish(EventRemoved, ev)
			}
		}

	default:
		s.finished.Add(1)
		ev.FailureCount = 0
		log.Debug("task.completed", logx.Duration("dur", ev.Duration))
		if s.complete(log, in, ev) {
			s.publish(EventCompleted, ev)
		}
	}
}

// abort gives up on an instance. The hand-off row is written before the
// instance is deleted; if that insert fails the instance keeps its lease and
// comes back after expiry.
func (s *Service) abort(log logx.Logger, in storage.Instance, corrID, handOff string, ev TaskEvent, cause error) {
	s.aborted.Add(1)
	log.Error("task aborted after max retries",
		logx.Err(cause),
		logx.Int("failures", ev.FailureCount),
		logx.Int("repeats", ev.RepeatCount),
		logx.String("hand_off", handOff),
	)
	if handOff != "" {
		h := storage.Instance{
			ID:            uuid.NewString(),
			TaskName:      handOff,
			Kind:          storage.KindJobbing,
			Payload:       in.Payload,
			PayloadType:   in.PayloadType,
			CorrelationID: corrID,
			NextRunAt:     s.now(),
		}
		if !s.writeBack(log, ev, "hand off", func(c context.Context) error { return s.store.Insert(c, h) }) {
			return
		}
		ev.HandOff = handOff
		defer s.Wake()
	}
	if s.complete(log, in, ev) {
		s.publish(EventAborted, ev)
	}
}

func (s *Service) reschedule(log logx.Logger, in storage.Instance, ev TaskEvent, next time.Time, failures, repeats int) bool {
	return s.writeBack(log, ev, "reschedule", func(c context.Context) error {
		return s.store.Reschedule(c, storage.Update{
			ID:           in.ID,
			Owner:        in.LockOwner,
			NextRunAt:    next,
			FailureCount: failures,
			RepeatCount:  repeats,
		})
	})
}

func (s *Service) complete(log logx.Logger, in storage.Instance, ev TaskEvent) bool {
	return s.writeBack(log, ev, "complete", func(c context.Context) error {
		return s.store.Complete(c, in.ID, in.LockOwner)
	})
}

// writeBack runs an owner-guarded store write. On failure the row is left as
// it was and the lease decides what happens next.
func (s *Service) writeBack(log logx.Logger, ev TaskEvent, op string, fn func(context.Context) error) bool {
	ctx, cancel := s.storeCtx()
	defer cancel()
	err := fn(ctx)
	switch {
	case err == nil:
		return true
	case errors.Is(err, storage.ErrLeaseLost):
		s.leaseLost.Add(1)
		log.Warn("lease lost before write-back; another owner holds the instance", logx.String("op", op))
		s.publish(EventLeaseLost, ev)
	default:
		s.warnStore(log, op, err)
	}
	return false
}

// safeRun turns a panic in task logic into an error.
func (s *Service) safeRun(log logx.Logger, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func clampDelay(d, limit time.Duration) time.Duration {
	if d < 0 {
		d = 0
	}
	if limit > 0 && d > limit {
		d = limit
	}
	return d
}
