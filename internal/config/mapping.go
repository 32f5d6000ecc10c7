package config

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"taskd/internal/observability/debugserver"
	"taskd/internal/storage"
	"taskd/internal/task/engine"
	"taskd/internal/task/retry"
	"taskd/internal/task/schedule"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

const defaultSQLitePath = "./data/taskd.db"

// Validate checks everything that can be checked without the task registry.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format: unsupported format %q (text or json)", c.Logging.Format)
	}
	if _, err := c.StorageConfig(); err != nil {
		return err
	}
	if _, err := c.SchedulerConfig(); err != nil {
		return err
	}
	if _, err := c.DebugConfig(); err != nil {
		return err
	}
	return nil
}

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		JSON:    strings.EqualFold(strings.TrimSpace(c.Logging.Format), "json"),
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

func (c *Config) StorageConfig() (storage.Config, error) {
	sc := c.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	dsn := strings.TrimSpace(sc.DSN)
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite"
		if dsn == "" {
			dsn = defaultSQLitePath
		}
	case "postgres", "postgresql", "mysql":
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn: required for driver %q", driver)
		}
	case "memory":
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unsupported driver %q", sc.Driver)
	}
	bt, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, DSN: dsn, BusyTimeout: bt}, nil
}

// DebugConfig maps the debug section. It never starts the server.
func (c *Config) DebugConfig() (debugserver.Config, error) {
	dc := c.Debug
	if dc.MutexProfileFraction < 0 {
		return debugserver.Config{}, fmt.Errorf("debug.mutex_profile_fraction: must be >= 0")
	}
	if dc.BlockProfileRate < 0 {
		return debugserver.Config{}, fmt.Errorf("debug.block_profile_rate: must be >= 0")
	}
	var p durations
	out := debugserver.Config{
		Enabled:              dc.Enabled,
		Addr:                 strings.TrimSpace(dc.Addr),
		Prefix:               strings.TrimSpace(dc.Prefix),
		Token:                strings.TrimSpace(dc.Token),
		AllowInsecure:        dc.AllowInsecure,
		ReadTimeout:          p.parse("debug.read_timeout", dc.ReadTimeout),
		WriteTimeout:         p.parse("debug.write_timeout", dc.WriteTimeout),
		IdleTimeout:          p.parse("debug.idle_timeout", dc.IdleTimeout),
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
	}
	if p.err != nil {
		return debugserver.Config{}, p.err
	}
	if out.Addr == "" {
		out.Addr = debugserver.DefaultAddr
	}
	if out.ReadTimeout == 0 {
		out.ReadTimeout = 5 * time.Second
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = 120 * time.Second
	}
	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return debugserver.Config{}, fmt.Errorf("debug.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		if !out.AllowInsecure && out.Token == "" && !debugserver.IsLoopbackAddr(out.Addr) {
			return debugserver.Config{}, fmt.Errorf("debug.addr: non-loopback bind requires token or allow_insecure")
		}
	}
	return out, nil
}

func (c *Config) EngineConfig() (engine.Config, error) {
	sc := c.Scheduler
	if sc.ThreadCount < 0 {
		return engine.Config{}, fmt.Errorf("scheduler.thread_count: must be >= 0")
	}
	if sc.LeaseMultiplier < 0 {
		return engine.Config{}, fmt.Errorf("scheduler.lease_multiplier: must be >= 0")
	}
	var p durations
	ec := engine.Config{
		NodeName:             strings.TrimSpace(sc.NodeName),
		ThreadCount:          sc.ThreadCount,
		PollingInterval:      p.parse("scheduler.polling_interval", sc.PollingInterval),
		HeartbeatInterval:    p.parse("scheduler.heartbeat_interval", sc.HeartbeatInterval),
		LeaseMultiplier:      sc.LeaseMultiplier,
		ShutdownMaxWait:      p.parse("scheduler.shutdown_max_wait", sc.ShutdownMaxWait),
		UnresolvedTimeout:    p.parse("scheduler.unresolved_timeout", sc.UnresolvedTimeout),
		DefaultRetryInterval: p.parse("scheduler.default_retry_interval", sc.DefaultRetryInterval),
	}
	return ec, p.err
}

// Location loads scheduler.timezone; empty means time.Local.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// SchedulerConfig maps the scheduler and tasks sections. Codec, bus and
// logger are left for the caller.
func (c *Config) SchedulerConfig() (scheduler.Config, error) {
	ec, err := c.EngineConfig()
	if err != nil {
		return scheduler.Config{}, err
	}
	loc, err := c.Location()
	if err != nil {
		return scheduler.Config{}, err
	}

	names := make([]string, 0, len(c.Tasks))
	for name := range c.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	tasks := make(map[string]scheduler.TaskConfig, len(c.Tasks))
	for _, name := range names {
		tc, err := c.Tasks[name].settings("tasks."+name, loc)
		if err != nil {
			return scheduler.Config{}, err
		}
		tasks[name] = tc
	}
	return scheduler.Config{Engine: ec, Location: loc, Tasks: tasks}, nil
}

func (t TaskConfig) settings(path string, loc *time.Location) (scheduler.TaskConfig, error) {
	var out scheduler.TaskConfig
	if t.Frequency != nil {
		out.Frequency = schedule.Frequency{
			Recurs:    t.Frequency.Recurs,
			TimeOfDay: t.Frequency.TimeOfDay,
			Cron:      t.Frequency.Cron,
		}
		if _, err := schedule.Parse(out.Frequency, loc); err != nil {
			return out, fmt.Errorf("%s.frequency: %w", path, err)
		}
	}
	if t.OnFailure != nil {
		p, err := t.OnFailure.Policy(path + ".on_failure")
		if err != nil {
			return out, err
		}
		out.OnFailure = &p
	}
	if t.OnIncomplete != nil {
		p, err := t.OnIncomplete.Policy(path + ".on_incomplete")
		if err != nil {
			return out, err
		}
		out.OnIncomplete = &p
	}
	return out, nil
}

// Policy converts the section into a retry policy. A zero interval is left
// for the resolver to default.
func (r RetryConfig) Policy(path string) (retry.Policy, error) {
	var p durations
	pol := retry.Policy{
		Interval:    p.parse(path+".interval", r.Interval),
		Exponent:    r.Exponent,
		MaxRetries:  retry.Uncapped,
		OnMaxRetry:  strings.TrimSpace(r.OnMaxRetry),
		MaxInterval: p.parse(path+".max_interval", r.MaxInterval),
	}
	if p.err != nil {
		return retry.Policy{}, p.err
	}
	if r.Exponent < 0 {
		return retry.Policy{}, fmt.Errorf("%s.exponent: must be >= 0", path)
	}
	if r.MaxRetry != nil {
		if *r.MaxRetry < 0 {
			return retry.Policy{}, fmt.Errorf("%s.max_retry: must be >= 0 (omit for uncapped)", path)
		}
		pol.MaxRetries = *r.MaxRetry
	}
	return pol, nil
}
