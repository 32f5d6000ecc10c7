package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/task/registry"
	"taskd/internal/task/scheduler"
)

func TestDemoTasksValidate(t *testing.T) {
	require.NoError(t, scheduler.Check(scheduler.Config{}, demoTasks()...))

	reg, err := registry.New(demoTasks()...)
	require.NoError(t, err)
	assert.Len(t, reg.Recurring(), 1)
	assert.ElementsMatch(t, []string{"dead-letter", "echo", "fan-out", "flaky", "heartbeat", "poll"}, reg.Names())
}

func TestDecodeMessage(t *testing.T) {
	m, err := decodeMessage(`{"text":"hi","polls":2}`)
	require.NoError(t, err)
	assert.Equal(t, Message{Text: "hi", Polls: 2}, m)

	m, err = decodeMessage("")
	require.NoError(t, err)
	assert.Zero(t, m)

	_, err = decodeMessage("{")
	assert.ErrorIs(t, err, errPayload)
}
