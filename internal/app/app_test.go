package app

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/task/registry"
	"taskd/internal/task/scheduler"
)

type ping struct {
	Msg string `json:"msg"`
}

const testConfig = `
logging:
  level: error
storage:
  driver: memory
scheduler:
  thread_count: 2
  polling_interval: 20ms
  heartbeat_interval: 100ms
  shutdown_max_wait: 2s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func pingTask(got chan<- string) registry.Definition {
	return registry.Jobbing("ping", func(_ context.Context, ex registry.Execution[ping]) (registry.Outcome, error) {
		got <- ex.Payload.Msg
		return registry.Complete, nil
	})
}

func TestRunExecutesSubmissions(t *testing.T) {
	got := make(chan string, 1)
	ready := make(chan struct{})
	a, err := New(writeConfig(t, testConfig),
		WithTasks(pingTask(got)),
		WithReady(func() { close(ready) }),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("app never became ready")
	}
	_, err = a.Submit(context.Background(), "ping", ping{Msg: "hello"})
	require.NoError(t, err)

	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("submitted task did not run")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return")
	}
	_, err = a.Submit(context.Background(), "ping", ping{})
	assert.ErrorIs(t, err, scheduler.ErrStopped)
}

func TestSubmitOnlyNodeDoesNotExecute(t *testing.T) {
	got := make(chan string, 1)
	a, err := New(writeConfig(t, testConfig), WithTasks(pingTask(got)), WithSubmitOnly())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	_, err = a.Submit(context.Background(), "ping", ping{Msg: "queued"})
	require.NoError(t, err)
	select {
	case <-got:
		t.Fatal("submit-only node executed a task")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartRejectsConfigForMisconfiguredTask(t *testing.T) {
	body := testConfig + `
tasks:
  ping:
    frequency:
      recurs: 1m
`
	a, err := New(writeConfig(t, body), WithTasks(pingTask(make(chan string, 1))))
	require.NoError(t, err)
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	assert.ErrorIs(t, a.Start(context.Background()), scheduler.ErrInvalidConfig)
	assert.ErrorIs(t, a.validate(context.Background(), a.Config()), scheduler.ErrInvalidConfig)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(writeConfig(t, "storage:\n  driver: oracle\n"))
	assert.Error(t, err)
	_, err = New(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDebugServerReportsMetrics(t *testing.T) {
	body := testConfig + `
debug:
  enabled: true
  addr: 127.0.0.1:0
`
	ready := make(chan struct{})
	a, err := New(writeConfig(t, body), WithTasks(pingTask(make(chan string, 1))), WithReady(func() { close(ready) }))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	<-ready
	require.Eventually(t, func() bool { return a.debug.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + a.debug.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `"running": true`)
	assert.Contains(t, string(raw), `"reloads": 0`)
}
