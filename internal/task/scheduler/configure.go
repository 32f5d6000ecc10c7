package scheduler

import (
	"fmt"
	"sort"
	"time"

	"taskd/internal/task/codec"
	"taskd/internal/task/registry"
	"taskd/internal/task/retry"
	"taskd/internal/task/schedule"
	logx "taskd/pkg/logx"
)

// configure returns copies of defs with the per-task configuration applied.
// Configuration for a name nobody registered is only logged.
func configure(defs []registry.Definition, tasks map[string]TaskConfig, loc *time.Location, log logx.Logger) ([]registry.Definition, error) {
	out := make([]registry.Definition, len(defs))
	copy(out, defs)

	known := make(map[string]struct{}, len(out))
	for i := range out {
		d := &out[i]
		known[d.Name] = struct{}{}
		tc, ok := tasks[d.Name]
		if !ok {
			continue
		}
		if !tc.Frequency.IsZero() {
			if d.Kind != registry.KindRecurring {
				return nil, fmt.Errorf("%w: %s: frequency set on a jobbing task", ErrInvalidConfig, d.Name)
			}
			s, err := schedule.Parse(tc.Frequency, loc)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, d.Name, err)
			}
			d.Schedule = s
		}
		if tc.OnFailure != nil {
			p := *tc.OnFailure
			d.OnFailure = &p
		}
		if tc.OnIncomplete != nil {
			p := *tc.OnIncomplete
			d.OnIncomplete = &p
		}
	}

	var stray []string
	for name := range tasks {
		if _, ok := known[name]; !ok {
			stray = append(stray, name)
		}
	}
	sort.Strings(stray)
	for _, name := range stray {
		log.Warn("configuration names a task that is not registered", logx.Task(name))
	}
	return out, nil
}

// validate checks what the registry cannot: schedules exist and hand-off
// targets are jobbing tasks accepting the same payload type.
func validate(reg *registry.Registry, c codec.Codec) error {
	for _, d := range reg.Recurring() {
		if d.Schedule == nil {
			return fmt.Errorf("%w: %s", ErrMissingSchedule, d.Name)
		}
	}
	for _, d := range reg.Jobbing() {
		for _, p := range []struct {
			which  string
			target string
		}{
			{"on_failure", handOff(d.OnFailure)},
			{"on_incomplete", handOff(d.OnIncomplete)},
		} {
			if p.target == "" {
				continue
			}
			t, err := reg.Lookup(p.target)
			if err != nil || t.Kind != registry.KindJobbing {
				return fmt.Errorf("%w: %s.%s.on_max_retry = %q", ErrUnknownTask, d.Name, p.which, p.target)
			}
			if c.Tag(t.PayloadType) != c.Tag(d.PayloadType) {
				return fmt.Errorf("%w: %s hands off to %s (%s != %s)",
					ErrPayloadType, d.Name, t.Name, c.Tag(d.PayloadType), c.Tag(t.PayloadType))
			}
		}
	}
	return nil
}

func handOff(p *retry.Policy) string {
	if p == nil {
		return ""
	}
	return p.OnMaxRetry
}
