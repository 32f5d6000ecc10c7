package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// durations parses several fields at once, stopping at the first error.
type durations struct {
	err error
}

func (p *durations) parse(path, raw string) time.Duration {
	if p.err != nil {
		return 0
	}
	d, err := ParseDurationField(path, raw)
	if err != nil {
		p.err = err
	}
	return d
}
