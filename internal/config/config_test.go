package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/task/retry"
	logx "taskd/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: postgres
  dsn: postgres://taskd@localhost/taskd?sslmode=disable
scheduler:
  thread_count: 4
  polling_interval: 2s
  heartbeat_interval: 1m
  timezone: UTC
tasks:
  nightly-report:
    frequency:
      time_of_day: "03:00"
  charge:
    on_failure:
      interval: 1m
      exponent: 1.5
      max_retry: 5
      on_max_retry: charge-dead-letter
      max_interval: 1h
    on_incomplete:
      interval: 30s
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParseYAML(t *testing.T) {
	m := NewManager(writeFile(t, "taskd.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Scheduler.IsEnabled())

	sc, err := cfg.SchedulerConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, sc.Engine.ThreadCount)
	assert.Equal(t, 2*time.Second, sc.Engine.PollingInterval)
	assert.Equal(t, time.Minute, sc.Engine.HeartbeatInterval)
	assert.Equal(t, "UTC", sc.Location.String())

	require.Contains(t, sc.Tasks, "nightly-report")
	assert.Equal(t, "03:00", sc.Tasks["nightly-report"].Frequency.TimeOfDay)

	charge := sc.Tasks["charge"]
	require.NotNil(t, charge.OnFailure)
	assert.Equal(t, retry.Policy{
		Interval:    time.Minute,
		Exponent:    1.5,
		MaxRetries:  5,
		OnMaxRetry:  "charge-dead-letter",
		MaxInterval: time.Hour,
	}, *charge.OnFailure)
	require.NotNil(t, charge.OnIncomplete)
	assert.Equal(t, retry.Uncapped, charge.OnIncomplete.MaxRetries)

	st, err := cfg.StorageConfig()
	require.NoError(t, err)
	assert.Equal(t, "postgres", st.Driver)
}

func TestParseJSONDefaults(t *testing.T) {
	cfg, err := NewManager(writeFile(t, "taskd.json", `{"logging":{"level":"info"}}`)).Parse()
	require.NoError(t, err)

	st, err := cfg.StorageConfig()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", st.Driver)
	assert.Equal(t, defaultSQLitePath, st.DSN)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name, file, body, want string
	}{
		{"unknown key", "c.json", `{"scheduler":{"threads":4}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad duration", "c.yaml", "scheduler:\n  polling_interval: soon\n", "scheduler.polling_interval"},
		{"negative duration", "c.yaml", "scheduler:\n  heartbeat_interval: -1s\n", "must be >= 0"},
		{"two frequencies", "c.yaml", "tasks:\n  x:\n    frequency: { recurs: 1m, cron: '@hourly' }\n", "tasks.x.frequency"},
		{"negative max_retry", "c.yaml", "tasks:\n  x:\n    on_failure: { max_retry: -1 }\n", "tasks.x.on_failure.max_retry"},
		{"unknown driver", "c.yaml", "storage:\n  driver: oracle\n", "storage.driver"},
		{"postgres without dsn", "c.yaml", "storage:\n  driver: postgres\n", "storage.dsn"},
		{"bad timezone", "c.yaml", "scheduler:\n  timezone: Mars/Olympus\n", "scheduler.timezone"},
		{"bad log format", "c.yaml", "logging:\n  format: xml\n", "logging.format"},
		{"public debug bind", "c.yaml", "debug:\n  enabled: true\n  addr: 0.0.0.0:6060\n", "debug.addr"},
		{"debug addr without port", "c.yaml", "debug:\n  enabled: true\n  addr: localhost\n", "debug.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(writeFile(t, tt.file, tt.body)).Parse()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDebugDefaults(t *testing.T) {
	cfg, err := NewManager(writeFile(t, "c.yaml", "debug:\n  enabled: true\n  token: t\n  addr: 0.0.0.0:7070\n")).Parse()
	require.NoError(t, err)
	dc, err := cfg.DebugConfig()
	require.NoError(t, err)
	assert.True(t, dc.Enabled)
	assert.Equal(t, "0.0.0.0:7070", dc.Addr)
	assert.Equal(t, 5*time.Second, dc.ReadTimeout)
	assert.Equal(t, 120*time.Second, dc.IdleTimeout)

	dc, err = (&Config{}).DebugConfig()
	require.NoError(t, err)
	assert.False(t, dc.Enabled)
	assert.Equal(t, "127.0.0.1:6060", dc.Addr)
}

func TestEmptyYAMLIsValid(t *testing.T) {
	cfg, err := NewManager(writeFile(t, "empty.yaml", "")).Parse()
	require.NoError(t, err)
	assert.True(t, cfg.Scheduler.IsEnabled())
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}, Storage: StorageConfig{Driver: "sqlite", DSN: "a.db"}}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Storage: StorageConfig{Driver: "sqlite", DSN: "a.db"},
		Tasks:   map[string]TaskConfig{"charge": {OnFailure: &RetryConfig{Interval: "1m"}}},
	}
	changed, attrs := SummarizeChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "tasks"}, changed)
	assert.NotEmpty(t, attrs)
	assert.True(t, RestartRequired(changed))
	assert.False(t, RestartRequired([]string{"logging"}))
	assert.False(t, RestartRequired([]string{"logging", "debug"}))

	changed, _ = SummarizeChange(oldCfg, oldCfg)
	assert.Empty(t, changed)
}

func TestWatchPublishesReload(t *testing.T) {
	path := writeFile(t, "taskd.yaml", "logging:\n  level: info\n")
	m := NewManager(path)
	m.SetLogger(logx.Nop())
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Rewrite until the watcher has registered and seen a change.
	deadline := time.After(5 * time.Second)
	var got *Config
	for got == nil {
		require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))
		select {
		case got = <-ch:
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
	assert.Equal(t, "debug", got.Logging.Level)
	assert.Equal(t, "debug", m.Get().Logging.Level)
	assert.Equal(t, 1, m.Status().Reloads)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestWatchValidatorRejects(t *testing.T) {
	path := writeFile(t, "taskd.yaml", "logging:\n  level: info\n")
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644))
	m.reload(context.Background())
	assert.Equal(t, "info", m.Get().Logging.Level)

	st := m.Status()
	assert.Equal(t, 0, st.Reloads)
	assert.Equal(t, 1, st.Rejected)
	assert.Equal(t, assert.AnError.Error(), st.LastError)
	assert.Equal(t, path, st.Path)
	assert.NotEmpty(t, st.Hash)
}

func TestReloadKeepsConfigOnParseError(t *testing.T) {
	path := writeFile(t, "taskd.yaml", "logging:\n  level: info\n")
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	require.NoError(t, os.WriteFile(path, []byte("logging: [\n"), 0o644))
	m.reload(context.Background())
	assert.Equal(t, "info", m.Get().Logging.Level)
	assert.NotEmpty(t, m.Status().LastError)

	// Formatting-only edits are not reloads.
	require.NoError(t, os.WriteFile(path, []byte("# comment\nlogging:\n    level: info\n"), 0o644))
	m.reload(context.Background())
	assert.Empty(t, ch)
	assert.Equal(t, 0, m.Status().Reloads)
}
