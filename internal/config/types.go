package config

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Logging   LoggingConfig         `json:"logging"`
	Storage   StorageConfig         `json:"storage"`
	Scheduler SchedulerConfig       `json:"scheduler"`
	Debug     DebugConfig           `json:"debug"`
	Tasks     map[string]TaskConfig `json:"tasks,omitempty"`
}

// LoggingConfig applies on reload without a restart.
type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format of the console sink: "text" (default) or "json". Files are always JSON.
	Format string      `json:"format,omitempty"`
	File   LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the work store.
//
// Example:
//
//	"storage": { "driver": "postgres", "dsn": "postgres://taskd@db/taskd?sslmode=disable" }
//
// Drivers: sqlite (default), postgres, mysql, memory.
type StorageConfig struct {
	Driver      string `json:"driver"`
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DebugConfig controls the local HTTP endpoint serving /healthz, /metrics
// and pprof. It applies on reload without a restart.
//
// Defaults: addr 127.0.0.1:6060, prefix /debug/pprof/, read_timeout 5s,
// idle_timeout 120s. A non-loopback addr requires token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// SchedulerConfig controls the scheduler core of this node.
//
// Enabled is a pointer so an omitted key means enabled.
//
// Defaults (when fields are omitted/zero):
//   - thread_count: 10
//   - polling_interval: 10s
//   - heartbeat_interval: 5m
//   - lease_multiplier: 4
//   - shutdown_max_wait: 30m
//   - unresolved_timeout: 336h
//   - default_retry_interval: 5m
//   - node_name: hostname
//   - timezone: local
type SchedulerConfig struct {
	Enabled              *bool  `json:"enabled,omitempty"`
	ThreadCount          int    `json:"thread_count,omitempty"`
	PollingInterval      string `json:"polling_interval,omitempty"`
	HeartbeatInterval    string `json:"heartbeat_interval,omitempty"`
	LeaseMultiplier      int    `json:"lease_multiplier,omitempty"`
	ShutdownMaxWait      string `json:"shutdown_max_wait,omitempty"`
	UnresolvedTimeout    string `json:"unresolved_timeout,omitempty"`
	DefaultRetryInterval string `json:"default_retry_interval,omitempty"`
	NodeName             string `json:"node_name,omitempty"`

	// Timezone (IANA, e.g. "Europe/Berlin") for time_of_day and cron frequencies.
	Timezone string `json:"timezone,omitempty"`
}

// IsEnabled reports whether the scheduler should run on this node.
func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// TaskConfig overrides the defaults a task was registered with.
type TaskConfig struct {
	Frequency    *FrequencyConfig `json:"frequency,omitempty"`
	OnFailure    *RetryConfig     `json:"on_failure,omitempty"`
	OnIncomplete *RetryConfig     `json:"on_incomplete,omitempty"`
}

// FrequencyConfig sets the schedule of a recurring task. Exactly one field.
type FrequencyConfig struct {
	Recurs    string `json:"recurs,omitempty"`
	TimeOfDay string `json:"time_of_day,omitempty"`
	Cron      string `json:"cron,omitempty"`
}

// RetryConfig is one retry policy. An omitted max_retry means uncapped.
type RetryConfig struct {
	Interval    string  `json:"interval,omitempty"`
	Exponent    float64 `json:"exponent,omitempty"`
	MaxRetry    *int    `json:"max_retry,omitempty"`
	OnMaxRetry  string  `json:"on_max_retry,omitempty"`
	MaxInterval string  `json:"max_interval,omitempty"`
}
