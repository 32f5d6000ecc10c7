// Package engine is the scheduler core: one poll loop per node claims due
// instances from the store, a fixed pool of workers runs them, and a
// heartbeat keeps their leases alive.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskd/internal/eventbus"
	rtsup "taskd/internal/runtime/supervisor"
	"taskd/internal/storage"
	"taskd/internal/task/codec"
	"taskd/internal/task/registry"
	"taskd/internal/task/retry"
	logx "taskd/pkg/logx"
)

const (
	storeTimeout      = 30 * time.Second
	warnThrottleEvery = 5 * time.Second
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store     storage.Store
	reg       *registry.Registry
	codec     codec.Codec
	submitter registry.Submitter
	names     []string
	resolvers map[string]retry.Resolver

	now func() time.Time

	work chan storage.Instance
	wake chan struct{}
	busy atomic.Int32

	leaseMu sync.Mutex
	leases  map[string]string // instance id -> lease owner

	baseCtx  context.Context
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	loops    sync.WaitGroup // poller and workers

	warn *rate.Limiter

	claimed   atomic.Uint64
	finished  atomic.Uint64
	failed    atomic.Uint64
	aborted   atomic.Uint64
	leaseLost atomic.Uint64
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Registry == nil {
		return nil, fmt.Errorf("%w: store and registry are required", ErrMissingDep)
	}
	cfg = cfg.withDefaults()
	if deps.Codec == nil {
		deps.Codec = codec.JSON{}
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:       cfg,
		log:       log.With(logx.String("comp", "scheduler"), logx.String("node", cfg.NodeName)),
		bus:       deps.Bus,
		store:     deps.Store,
		reg:       deps.Registry,
		codec:     deps.Codec,
		submitter: deps.Submitter,
		names:     deps.Registry.Names(),
		resolvers: make(map[string]retry.Resolver, deps.Registry.Len()),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		leases:    make(map[string]string),
		warn:      rate.NewLimiter(rate.Every(warnThrottleEvery), 1),
	}
	for _, name := range s.names {
		def, _ := deps.Registry.Lookup(name)
		s.resolvers[name] = retry.Resolve(def.OnFailure, def.OnIncomplete, cfg.DefaultRetryInterval)
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Start launches the poller, the workers and the heartbeat. Task logic runs
// on a context derived from ctx that Stop never cancels.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopDone != nil {
		return ErrStopped
	}
	if s.stopCh != nil {
		return nil
	}

	cfg := s.cfg
	s.baseCtx = context.WithoutCancel(ctx)
	s.stopCh = make(chan struct{})
	s.work = make(chan storage.Instance, cfg.ThreadCount)
	s.sup = rtsup.New(s.baseCtx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	stopCh := s.stopCh

	for i := 0; i < cfg.ThreadCount; i++ {
		s.loops.Add(1)
		s.sup.Go(fmt.Sprintf("worker.%d", i), func(context.Context) error {
			defer s.loops.Done()
			s.worker(stopCh)
			return nil
		})
	}
	s.loops.Add(1)
	s.sup.Go("poller", func(c context.Context) error {
		defer s.loops.Done()
		s.poll(c, stopCh)
		return nil
	})
	s.sup.GoRestart("heartbeat", func(c context.Context) error {
		return s.heartbeat(c)
	}, rtsup.WithRestartBackoff(time.Second, time.Minute))

	s.log.Info("scheduler started",
		logx.Int("threads", cfg.ThreadCount),
		logx.Duration("polling_interval", cfg.PollingInterval),
		logx.Duration("heartbeat_interval", cfg.HeartbeatInterval),
		logx.Duration("lease", cfg.Lease()),
		logx.Int("tasks", len(s.names)),
	)
	return nil
}

// Stop stops claiming, waits up to ShutdownMaxWait for running tasks and
// releases the leases of claimed instances that never started. Running task
// logic is never interrupted. Stop is idempotent.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()
	defer close(done)

	drained := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(drained)
	}()

	var err error
	t := time.NewTimer(s.cfg.ShutdownMaxWait)
	defer t.Stop()
	select {
	case <-drained:
	case <-t.C:
		err = errors.New("shutdown wait exceeded")
	case <-ctx.Done():
		err = ctx.Err()
	}
	released := s.releasePending()

	if err != nil {
		s.log.Warn("scheduler stop did not drain; running tasks keep their leases until expiry",
			logx.Err(err), logx.Int("busy", int(s.busy.Load())), logx.Int("released", released))
		sup.Cancel()
		return err
	}
	if serr := sup.Stop(ctx); serr != nil && !errors.Is(serr, context.Canceled) {
		s.log.Warn("scheduler supervisor reported an error", logx.Err(serr))
	}
	s.log.Info("scheduler stopped", logx.Int("released", released))
	return nil
}

// Wake makes the poller run a claim round now instead of at its next tick.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()
	s.leaseMu.Lock()
	leased := len(s.leases)
	s.leaseMu.Unlock()
	return Stats{
		Running:   running,
		Node:      s.cfg.NodeName,
		Workers:   s.cfg.ThreadCount,
		Busy:      int(s.busy.Load()),
		Leased:    leased,
		Claimed:   s.claimed.Load(),
		Finished:  s.finished.Load(),
		Failed:    s.failed.Load(),
		Aborted:   s.aborted.Load(),
		LeaseLost: s.leaseLost.Load(),
	}
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

// warnStore logs store failures at warn level at most once per throttle window.
func (s *Service) warnStore(log logx.Logger, op string, err error) {
	if s.warn.Allow() {
		log.Warn("store operation failed; retrying next round", logx.String("op", op), logx.Err(err))
		return
	}
	log.Debug("store operation failed", logx.String("op", op), logx.Err(err))
}

func (s *Service) trackLease(id, owner string) {
	s.leaseMu.Lock()
	s.leases[id] = owner
	s.leaseMu.Unlock()
}

func (s *Service) untrackLease(id string) {
	s.leaseMu.Lock()
	delete(s.leases, id)
	s.leaseMu.Unlock()
}

func (s *Service) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.baseCtx, storeTimeout)
}
