package registry

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"taskd/internal/task/codec"
	"taskd/internal/task/retry"
	"taskd/internal/task/schedule"
)

// Kind discriminates task definitions.
type Kind int

const (
	// KindRecurring tasks run on a schedule and carry no payload.
	KindRecurring Kind = iota + 1
	// KindJobbing tasks run once per submitted payload, possibly repeated.
	KindJobbing
)

func (k Kind) String() string {
	switch k {
	case KindRecurring:
		return "recurring"
	case KindJobbing:
		return "jobbing"
	default:
		return "unknown"
	}
}

// Outcome is what jobbing logic reports when it returns without error.
type Outcome int

const (
	// Complete removes the instance.
	Complete Outcome = iota + 1
	// Incomplete asks for another run under the incompleteness policy.
	Incomplete
)

func (o Outcome) String() string {
	switch o {
	case Complete:
		return "complete"
	case Incomplete:
		return "incomplete"
	default:
		return "unknown"
	}
}

// Submitter queues jobbing work. The scheduler facade implements it and hands
// it to running task logic for fan-out.
type Submitter interface {
	Submit(ctx context.Context, taskName string, payload any) (string, error)
}

// Execution is the read-only view jobbing logic gets of its instance.
type Execution[T any] struct {
	InstanceID    string
	CorrelationID string
	Payload       T

	// ConsecutiveFailures counts failed runs since the last non-failing one.
	ConsecutiveFailures int
	// Repeats counts runs that returned Incomplete.
	Repeats int

	submitter Submitter
}

// Submit queues follow-up work under the current correlation id.
func (e Execution[T]) Submit(ctx context.Context, taskName string, payload any) (string, error) {
	if e.submitter == nil {
		return "", fmt.Errorf("submit %s: no submitter bound", taskName)
	}
	return e.submitter.Submit(ctx, taskName, payload)
}

// Invocation is the untyped form of an Execution, built by the scheduler core
// from a claimed instance.
type Invocation struct {
	InstanceID    string
	CorrelationID string
	Payload       []byte
	PayloadType   string
	FailureCount  int
	RepeatCount   int
	Submitter     Submitter
}

// RecurringFunc is the logic of a recurring task.
type RecurringFunc func(ctx context.Context) error

// JobFunc is the logic of a jobbing task. A non-nil error is a failure,
// whatever the Outcome.
type JobFunc[T any] func(ctx context.Context, ex Execution[T]) (Outcome, error)

// Definition describes one task. Build it with Recurring or Jobbing.
type Definition struct {
	Name string
	Kind Kind

	// Schedule is the default schedule of a recurring task. Config may override it.
	Schedule schedule.Schedule

	OnFailure    *retry.Policy
	OnIncomplete *retry.Policy

	// PayloadType describes the payload of a jobbing task.
	PayloadType reflect.Type

	recurring RecurringFunc
	job       func(ctx context.Context, c codec.Codec, inv Invocation) (Outcome, error)
}

// Option customizes a Definition.
type Option func(*Definition)

// WithSchedule sets the default schedule of a recurring task.
func WithSchedule(s schedule.Schedule) Option {
	return func(d *Definition) { d.Schedule = s }
}

// OnFailure sets the failure retry policy.
func OnFailure(p retry.Policy) Option {
	return func(d *Definition) { d.OnFailure = &p }
}

// OnIncomplete sets the incompleteness retry policy.
func OnIncomplete(p retry.Policy) Option {
	return func(d *Definition) { d.OnIncomplete = &p }
}

// Recurring defines a scheduled task without payload.
func Recurring(name string, fn RecurringFunc, opts ...Option) Definition {
	d := Definition{Name: strings.TrimSpace(name), Kind: KindRecurring, recurring: fn}
	for _, o := range opts {
		o(&d)
	}
	return d
}

// Jobbing defines a task executed once per submitted payload of type T.
func Jobbing[T any](name string, fn JobFunc[T], opts ...Option) Definition {
	d := Definition{
		Name:        strings.TrimSpace(name),
		Kind:        KindJobbing,
		PayloadType: reflect.TypeOf((*T)(nil)).Elem(),
	}
	if fn != nil {
		d.job = func(ctx context.Context, c codec.Codec, inv Invocation) (Outcome, error) {
			ex := Execution[T]{
				InstanceID:          inv.InstanceID,
				CorrelationID:       inv.CorrelationID,
				ConsecutiveFailures: inv.FailureCount,
				Repeats:             inv.RepeatCount,
				submitter:           inv.Submitter,
			}
			if err := c.Decode(inv.Payload, inv.PayloadType, &ex.Payload); err != nil {
				return 0, fmt.Errorf("task %s: %w", inv.InstanceID, err)
			}
			return fn(ctx, ex)
		}
	}
	for _, o := range opts {
		o(&d)
	}
	return d
}

// RunRecurring invokes the logic of a recurring task.
func (d Definition) RunRecurring(ctx context.Context) error {
	if d.recurring == nil {
		return fmt.Errorf("task %s is not recurring", d.Name)
	}
	return d.recurring(ctx)
}

// RunJob decodes the payload of inv and invokes the logic of a jobbing task.
func (d Definition) RunJob(ctx context.Context, c codec.Codec, inv Invocation) (Outcome, error) {
	if d.job == nil {
		return 0, fmt.Errorf("task %s is not jobbing", d.Name)
	}
	return d.job(ctx, c, inv)
}

func (d Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalidDefinition)
	}
	switch d.Kind {
	case KindRecurring:
		if d.recurring == nil {
			return fmt.Errorf("%w: %s: logic required", ErrInvalidDefinition, d.Name)
		}
	case KindJobbing:
		if d.job == nil {
			return fmt.Errorf("%w: %s: logic required", ErrInvalidDefinition, d.Name)
		}
	default:
		return fmt.Errorf("%w: %s: unknown kind", ErrInvalidDefinition, d.Name)
	}
	return nil
}
