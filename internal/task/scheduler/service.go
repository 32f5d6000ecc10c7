package scheduler

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskd/internal/storage"
	"taskd/internal/task/codec"
	"taskd/internal/task/correlation"
	"taskd/internal/task/engine"
	"taskd/internal/task/registry"
	logx "taskd/pkg/logx"
)

// RecurringID is the id of the single row every node shares for a recurring task.
func RecurringID(name string) string { return "recurring:" + name }

type Scheduler struct {
	mu      sync.Mutex
	stopped bool

	log   logx.Logger
	loc   *time.Location
	store storage.Store
	reg   *registry.Registry
	codec codec.Codec
	eng   *engine.Service // nil when nothing is registered

	now func() time.Time
}

var _ registry.Submitter = (*Scheduler)(nil)

// Start registers defs, applies cfg and starts the scheduler core. With no
// definitions at all it returns a handle that accepts no work.
func Start(ctx context.Context, store storage.Store, cfg Config, defs ...registry.Definition) (*Scheduler, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON{}
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	reg, err := build(cfg, loc, log, defs)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{log: log, loc: loc, store: store, reg: reg, codec: cfg.Codec, now: time.Now}
	if reg.Len() == 0 {
		log.Info("no tasks registered; scheduler idle")
		return s, nil
	}
	if store == nil {
		return nil, fmt.Errorf("%w: work store is required", engine.ErrMissingDep)
	}
	if cfg.SubmitOnly {
		log.Info("scheduler in submit-only mode", logx.Int("tasks", reg.Len()))
		return s, nil
	}

	if err := s.seedRecurring(ctx); err != nil {
		return nil, err
	}

	eng, err := engine.New(cfg.Engine, engine.Deps{
		Store:     store,
		Registry:  reg,
		Codec:     cfg.Codec,
		Submitter: s,
		Bus:       cfg.Bus,
		Log:       cfg.Log,
	})
	if err != nil {
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		return nil, err
	}
	s.eng = eng
	log.Info("scheduler ready",
		logx.Int("recurring", len(reg.Recurring())),
		logx.Int("jobbing", len(reg.Jobbing())),
		logx.String("tz", loc.String()),
	)
	return s, nil
}

// Check reports the error Start would return for cfg and defs without
// touching a store.
func Check(cfg Config, defs ...registry.Definition) error {
	if cfg.Codec == nil {
		cfg.Codec = codec.JSON{}
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	_, err := build(cfg, loc, logx.Nop(), defs)
	return err
}

func build(cfg Config, loc *time.Location, log logx.Logger, defs []registry.Definition) (*registry.Registry, error) {
	defs, err := configure(defs, cfg.Tasks, loc, log)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(defs...)
	if err != nil {
		return nil, err
	}
	if err := validate(reg, cfg.Codec); err != nil {
		return nil, err
	}
	return reg, nil
}

// seedRecurring drops rows of recurring tasks that are gone and makes sure
// every registered one has its row. Existing rows keep their next run time.
func (s *Scheduler) seedRecurring(ctx context.Context) error {
	rec := s.reg.Recurring()
	keep := make([]string, 0, len(rec))
	for _, d := range rec {
		keep = append(keep, d.Name)
	}
	n, err := s.store.DeleteRecurringExcept(ctx, keep)
	if err != nil {
		return fmt.Errorf("deregister recurring tasks: %w", err)
	}
	if n > 0 {
		s.log.Info("removed rows of deregistered recurring tasks", logx.Int64("count", n))
	}

	now := s.now()
	for _, d := range rec {
		first := d.Schedule.Initial(now)
		created, err := s.store.InsertIfAbsent(ctx, storage.Instance{
			ID:        RecurringID(d.Name),
			TaskName:  d.Name,
			Kind:      storage.KindRecurring,
			NextRunAt: first,
		})
		if err != nil {
			return fmt.Errorf("seed recurring task %s: %w", d.Name, err)
		}
		if created {
			s.log.Debug("recurring task seeded", logx.Task(d.Name),
				logx.String("schedule", d.Schedule.String()), logx.Time("next_run_at", first))
		}
	}
	return nil
}

// Submit persists a jobbing instance due now and returns its id.
func (s *Scheduler) Submit(ctx context.Context, taskName string, payload any) (string, error) {
	return s.SubmitAt(ctx, taskName, payload, time.Time{})
}

// SubmitAt persists a jobbing instance due at at. A zero at means now. The
// correlation id is taken from ctx and falls back to the new instance id.
func (s *Scheduler) SubmitAt(ctx context.Context, taskName string, payload any, at time.Time) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return "", ErrStopped
	}

	def, err := s.reg.Lookup(taskName)
	if err != nil || def.Kind != registry.KindJobbing {
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, taskName)
	}
	if !accepts(def.PayloadType, payload) {
		return "", fmt.Errorf("%w: %s wants %s, got %T", ErrPayloadType, taskName, s.codec.Tag(def.PayloadType), payload)
	}
	data, _, err := s.codec.Encode(payload)
	if err != nil {
		return "", err
	}

	now := s.now()
	if at.IsZero() || at.Before(now) {
		at = now
	}
	id := uuid.NewString()
	corrID := correlation.CaptureOr(ctx, id)
	err = s.store.Insert(ctx, storage.Instance{
		ID:            id,
		TaskName:      taskName,
		Kind:          storage.KindJobbing,
		Payload:       data,
		PayloadType:   s.codec.Tag(def.PayloadType),
		CorrelationID: corrID,
		NextRunAt:     at,
	})
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", taskName, err)
	}
	s.log.Debug("task submitted",
		logx.Task(taskName),
		logx.Instance(id),
		logx.String("correlation_id", corrID),
		logx.Time("next_run_at", at),
	)
	if s.eng != nil && !at.After(now) {
		s.eng.Wake()
	}
	return id, nil
}

// accepts reports whether v can be stored as a payload of type t.
func accepts(t reflect.Type, v any) bool {
	if v == nil {
		switch t.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
			return true
		}
		return false
	}
	return reflect.TypeOf(v).AssignableTo(t)
}

// Stop stops the scheduler core. Further submissions fail with ErrStopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	if s.eng == nil {
		return nil
	}
	return s.eng.Stop(ctx)
}

// Registry exposes the registered definitions.
func (s *Scheduler) Registry() *registry.Registry { return s.reg }

// Stats returns the core counters; zero on idle and submit-only handles.
func (s *Scheduler) Stats() engine.Stats {
	if s.eng == nil {
		return engine.Stats{}
	}
	return s.eng.Stats()
}
