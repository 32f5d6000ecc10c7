// Package registry holds the immutable set of task definitions known to a node.
//
// Definitions are split once, at construction, into recurring and jobbing
// views so the scheduler core never inspects task kinds on the poll path.
package registry

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrDuplicateTaskName = errors.New("duplicate task name")
	ErrInvalidDefinition = errors.New("invalid task definition")
	ErrNotFound          = errors.New("task not found")
)

// Registry is read-only after New returns.
type Registry struct {
	all       map[string]Definition
	recurring []Definition
	jobbing   []Definition
}

// New validates and registers defs.
func New(defs ...Definition) (*Registry, error) {
	r := &Registry{all: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.all[d.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTaskName, d.Name)
		}
		r.all[d.Name] = d
		switch d.Kind {
		case KindRecurring:
			r.recurring = append(r.recurring, d)
		case KindJobbing:
			r.jobbing = append(r.jobbing, d)
		}
	}
	byName := func(s []Definition) {
		sort.Slice(s, func(i, j int) bool { return s[i].Name < s[j].Name })
	}
	byName(r.recurring)
	byName(r.jobbing)
	return r, nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, error) {
	d, ok := r.all[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return d, nil
}

// Recurring returns recurring definitions ordered by name.
func (r *Registry) Recurring() []Definition { return r.recurring }

// Jobbing returns jobbing definitions ordered by name.
func (r *Registry) Jobbing() []Definition { return r.jobbing }

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.all))
	for n := range r.all {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int { return len(r.all) }
