package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Frequency is the configured form of a schedule. Exactly one field must be set.
//
// Supported values:
//   - Recurs: Go duration ("55m", "2h30m") or HH:MM interval ("00:50" = 50 minutes)
//   - TimeOfDay: "HH:MM" or "HH:MM:SS", comma-separated for several times a day
//   - Cron: "*/5 * * * *", "0 30 * * * *", "@hourly", "@every 10m"
type Frequency struct {
	Recurs    string
	TimeOfDay string
	Cron      string
}

// IsZero reports whether no form is set.
func (f Frequency) IsZero() bool {
	return strings.TrimSpace(f.Recurs) == "" && strings.TrimSpace(f.TimeOfDay) == "" && strings.TrimSpace(f.Cron) == ""
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Parse converts a Frequency into a Schedule. loc applies to TimeOfDay and Cron.
func Parse(f Frequency, loc *time.Location) (Schedule, error) {
	set := 0
	for _, v := range []string{f.Recurs, f.TimeOfDay, f.Cron} {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set == 0 {
		return nil, fmt.Errorf("%w: one of recurs, time_of_day or cron is required", ErrInvalid)
	}
	if set > 1 {
		return nil, fmt.Errorf("%w: recurs, time_of_day and cron are mutually exclusive", ErrInvalid)
	}

	switch {
	case strings.TrimSpace(f.Recurs) != "":
		d, err := parseInterval(f.Recurs)
		if err != nil {
			return nil, err
		}
		return FixedDelay(d)
	case strings.TrimSpace(f.TimeOfDay) != "":
		var times []Clock
		for _, part := range strings.Split(f.TimeOfDay, ",") {
			c, err := ParseClock(part)
			if err != nil {
				return nil, err
			}
			times = append(times, c)
		}
		return Daily(loc, times...)
	default:
		return Cron(f.Cron, loc)
	}
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("%w: invalid minutes in %q", ErrInvalid, v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalid)
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", ErrInvalid, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalid)
	}
	return d, nil
}

// ParseClock parses "HH:MM" or "HH:MM:SS".
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return Clock{}, fmt.Errorf("%w: invalid time %q, expected HH:MM[:SS]", ErrInvalid, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("%w: invalid hour in %q", ErrInvalid, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("%w: invalid minute in %q", ErrInvalid, s)
	}
	sec := 0
	if len(parts) == 3 {
		sec, err = strconv.Atoi(parts[2])
		if err != nil || sec < 0 || sec > 59 {
			return Clock{}, fmt.Errorf("%w: invalid second in %q", ErrInvalid, s)
		}
	}
	return Clock{Hour: h, Minute: m, Second: sec}, nil
}
