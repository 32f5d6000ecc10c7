package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"taskd/internal/task/registry"
	"taskd/internal/task/retry"
	"taskd/internal/task/schedule"
	"taskd/pkg/logx"
)

// Message is the payload of the demo jobbing tasks.
type Message struct {
	Text string `json:"text"`
	// FailRate is the chance (0..1) that a flaky run fails.
	FailRate float64 `json:"fail_rate,omitempty"`
	// Polls is how many incomplete runs a poll task reports before completing.
	Polls int `json:"polls,omitempty"`
}

// demoTasks returns the tasks the bundled daemon registers. Task logic logs
// through the context logger, which carries task, id and correlation_id.
func demoTasks() []registry.Definition {
	every, _ := schedule.FixedDelay(time.Minute)
	return []registry.Definition{
		registry.Recurring("heartbeat", func(ctx context.Context) error {
			logx.FromContext(ctx).Info("heartbeat")
			return nil
		}, registry.WithSchedule(every)),

		registry.Jobbing("echo", func(ctx context.Context, ex registry.Execution[Message]) (registry.Outcome, error) {
			logx.FromContext(ctx).Info("echo", logx.String("text", ex.Payload.Text))
			return registry.Complete, nil
		}),

		registry.Jobbing("flaky", func(ctx context.Context, ex registry.Execution[Message]) (registry.Outcome, error) {
			if rand.Float64() < ex.Payload.FailRate {
				return 0, fmt.Errorf("flaky run %d failed", ex.ConsecutiveFailures+1)
			}
			logx.FromContext(ctx).Info("flaky succeeded", logx.Int("after_failures", ex.ConsecutiveFailures))
			return registry.Complete, nil
		}, registry.OnFailure(retry.Exponential(10*time.Second, 2).WithMaxRetries(5).WithHandOff("dead-letter"))),

		registry.Jobbing("poll", func(ctx context.Context, ex registry.Execution[Message]) (registry.Outcome, error) {
			if ex.Repeats < ex.Payload.Polls {
				logx.FromContext(ctx).Info("poll not ready", logx.Int("repeats", ex.Repeats))
				return registry.Incomplete, nil
			}
			return registry.Complete, nil
		}, registry.OnIncomplete(retry.Constant(5*time.Second))),

		registry.Jobbing("fan-out", func(ctx context.Context, ex registry.Execution[Message]) (registry.Outcome, error) {
			for i := range 3 {
				child := Message{Text: fmt.Sprintf("%s #%d", ex.Payload.Text, i+1)}
				if _, err := ex.Submit(ctx, "echo", child); err != nil {
					return 0, err
				}
			}
			return registry.Complete, nil
		}),

		registry.Jobbing("dead-letter", func(ctx context.Context, ex registry.Execution[Message]) (registry.Outcome, error) {
			logx.FromContext(ctx).Error("message gave up", logx.String("text", ex.Payload.Text))
			return registry.Complete, nil
		}),
	}
}

var errPayload = errors.New("invalid payload")

// decodeMessage parses a CLI payload argument.
func decodeMessage(raw string) (Message, error) {
	var m Message
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return m, fmt.Errorf("%w: %w", errPayload, err)
	}
	return m, nil
}
