// Package app wires configuration, logging, the work store and the scheduler
// into one runnable daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"taskd/internal/config"
	"taskd/internal/eventbus"
	"taskd/internal/observability/debugserver"
	"taskd/internal/storage"
	"taskd/internal/task/engine"
	"taskd/internal/task/registry"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

const stopGrace = 5 * time.Second

type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	defs       []registry.Definition
	submitOnly bool
	ready      func()

	sched *scheduler.Scheduler
	debug *debugserver.Server
}

type Option func(*App)

// WithTasks registers task definitions.
func WithTasks(defs ...registry.Definition) Option {
	return func(a *App) { a.defs = append(a.defs, defs...) }
}

// WithSubmitOnly keeps the scheduler core stopped regardless of config.
func WithSubmitOnly() Option {
	return func(a *App) { a.submitOnly = true }
}

// WithReady installs a hook Run calls once the scheduler is up.
func WithReady(fn func()) Option {
	return func(a *App) { a.ready = fn }
}

// New loads the config at cfgPath, sets up logging and opens the work store.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.NewService(cfg.LogConfig())
	a := &App{cfgm: cfgm, cfg: cfg, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}
	for _, opt := range opts {
		opt(a)
	}

	sc, err := cfg.StorageConfig()
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	a.debug = debugserver.New(a.metrics, log.With(logx.String("comp", "debug")))

	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(a.validate)
	return a, nil
}

// validate rejects a reloaded config whose task section no longer matches
// the registered definitions.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	sc, err := cfg.SchedulerConfig()
	if err != nil {
		return err
	}
	return scheduler.Check(sc, a.defs...)
}

// Metrics is what the debug server serves on /metrics.
type Metrics struct {
	Engine engine.Stats  `json:"engine"`
	Config config.Status `json:"config"`
}

func (a *App) metrics(context.Context) (any, error) {
	if a.sched == nil {
		return nil, scheduler.ErrStopped
	}
	return Metrics{Engine: a.sched.Stats(), Config: a.cfgm.Status()}, nil
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Config() *config.Config { return a.cfg }

// Scheduler returns the running scheduler; nil before Start.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Start starts the scheduler. A node with scheduler.enabled=false only
// accepts submissions.
func (a *App) Start(ctx context.Context) error {
	sc, err := a.cfg.SchedulerConfig()
	if err != nil {
		return err
	}
	sc.Bus = a.bus
	sc.Log = a.log.With(logx.String("comp", "scheduler"))
	sc.SubmitOnly = a.submitOnly || !a.cfg.Scheduler.IsEnabled()

	s, err := scheduler.Start(ctx, a.store, sc, a.defs...)
	if err != nil {
		return err
	}
	a.sched = s
	return nil
}

// Submit forwards to the scheduler.
func (a *App) Submit(ctx context.Context, task string, payload any) (string, error) {
	if a.sched == nil {
		return "", scheduler.ErrStopped
	}
	return a.sched.Submit(ctx, task, payload)
}

// Run starts the app and blocks until ctx is done or a background loop
// fails, then stops everything.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), StopFatalError)
		return err
	}
	a.applyDebug(ctx, a.cfg)
	if a.ready != nil {
		a.ready()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.cfgm.Watch(gctx) })
	g.Go(func() error { a.reloadLoop(gctx); return nil })
	g.Go(func() error { a.eventLoop(gctx); return nil })
	a.log.Info("app started", logx.Bool("submit_only", a.submitOnly || !a.cfg.Scheduler.IsEnabled()))

	<-gctx.Done()
	err := g.Wait()
	reason := StopSignal
	if err != nil && !errors.Is(err, context.Canceled) {
		reason = StopFatalError
	}
	if serr := a.Stop(context.WithoutCancel(ctx), reason); serr != nil && err == nil {
		err = serr
	}
	return err
}

// reloadLoop applies config updates. Logging and debug apply live;
// everything else needs a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeChange(last, next)
			last = next
			if len(changed) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			a.logs.Apply(next.LogConfig())
			a.applyDebug(ctx, next)
			fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
			if config.RestartRequired(changed) {
				a.log.Warn("config changed; restart required for scheduler, storage and task sections to take effect", fields...)
				continue
			}
			a.log.Info("config applied", fields...)
		}
	}
}

func (a *App) applyDebug(ctx context.Context, cfg *config.Config) {
	dc, err := cfg.DebugConfig()
	if err != nil {
		a.log.Warn("debug config rejected", logx.Err(err))
		return
	}
	a.debug.Apply(ctx, dc)
}

// eventLoop mirrors task lifecycle events at debug level.
func (a *App) eventLoop(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			ev, _ := e.Data.(engine.TaskEvent)
			a.log.Debug("event",
				logx.String("type", e.Type),
				logx.Task(ev.Name),
				logx.Instance(ev.ID),
				logx.String("correlation_id", ev.CorrelationID),
			)
		}
	}
}

// Stop stops the scheduler, closes the store and flushes logs. Each step is
// bounded so one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	var errs []error

	if a.sched != nil {
		limit := stopGrace
		if ec, err := a.cfg.EngineConfig(); err == nil && ec.ShutdownMaxWait > 0 {
			limit = ec.ShutdownMaxWait + stopGrace
		}
		errs = append(errs, a.step(ctx, "scheduler", limit, a.sched.Stop))
	}
	errs = append(errs, a.step(ctx, "debug", stopGrace, func(c context.Context) error { a.debug.Stop(c); return nil }))
	errs = append(errs, a.step(ctx, "storage", stopGrace, func(context.Context) error { return a.store.Close() }))

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		return fmt.Errorf("stop %s: %w", name, stepCtx.Err())
	}
}
