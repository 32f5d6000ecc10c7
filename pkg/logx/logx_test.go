package logx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, raw string) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		out = append(out, m)
	}
	return out
}

func TestWithAndCallFieldsAreMerged(t *testing.T) {
	var buf bytes.Buffer
	log := New(zerolog.New(&buf)).With(String("comp", "engine"), Int("workers", 4))

	log.Info("claimed", String("task", "charge"), String("comp", "override"))

	got := lines(t, buf.String())
	require.Len(t, got, 1)
	assert.Equal(t, "claimed", got[0]["message"])
	assert.Equal(t, "charge", got[0]["task"])
	assert.EqualValues(t, 4, got[0]["workers"])
	assert.Contains(t, got[0]["caller"], "logx_test.go:")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(zerolog.New(&buf).Level(zerolog.WarnLevel))

	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown", Err(errors.New("boom")), Err(nil))

	got := lines(t, buf.String())
	require.Len(t, got, 1)
	assert.Equal(t, "shown", got[0]["message"])
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroAndNopLoggersAreSafe(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Error("nothing", String("k", "v"))
	zero.With(String("k", "v")).Info("nothing")

	nop := Nop()
	assert.False(t, nop.IsZero())
	nop.Error("nothing")
}

func TestServiceApplySwapsLevelAndFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	svc, log := NewService(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	log = log.With(String("comp", "test"))

	log.Debug("dropped")
	log.Info("one")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}})
	log.Debug("two")
	require.NoError(t, svc.Close())

	raw, err := os.ReadFile(first)
	require.NoError(t, err)
	got := lines(t, string(raw))
	require.Len(t, got, 1)
	assert.Equal(t, "one", got[0]["message"])
	assert.Equal(t, "test", got[0]["comp"])

	raw, err = os.ReadFile(second)
	require.NoError(t, err)
	got = lines(t, string(raw))
	require.Len(t, got, 1)
	assert.Equal(t, "two", got[0]["message"])
	assert.Equal(t, "debug", got[0]["level"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warning ", zerolog.InfoLevel))
	assert.Equal(t, zerolog.TraceLevel, ParseLevel("trace", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud", zerolog.InfoLevel))
}

func TestConsoleSinkHonoursOutputAndJSON(t *testing.T) {
	var buf bytes.Buffer
	svc, log := NewService(Config{Level: "info", Console: true, JSON: true, Output: &buf})
	defer svc.Close()

	log.Info("started", Task("charge"), Instance("i-1"))
	got := lines(t, buf.String())
	require.Len(t, got, 1)
	assert.Equal(t, "charge", got[0]["task"])
	assert.Equal(t, "i-1", got[0]["id"])

	buf.Reset()
	svc.Apply(Config{Level: "info", Console: true, Output: &buf})
	log.Info("human")
	assert.Contains(t, buf.String(), "human")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestContextCarriesLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New(zerolog.New(&buf)).With(Task("report"))
	ctx := IntoContext(context.Background(), log)

	FromContext(ctx).Info("from task logic")
	got := lines(t, buf.String())
	require.Len(t, got, 1)
	assert.Equal(t, "report", got[0]["task"])

	// No logger stored: writes nothing, never panics.
	assert.False(t, FromContext(context.Background()).IsZero())
	FromContext(context.Background()).Error("dropped")
}
