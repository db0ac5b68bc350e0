package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// timeLayouts are tried in order for absolute references. They cover
// RFC 3339, the store's own text form and the report date format.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05.000000",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
}

var durationUnits = map[byte]time.Duration{
	'w': 7 * 24 * time.Hour,
	'd': 24 * time.Hour,
	'h': time.Hour,
	'm': time.Minute,
	's': time.Second,
}

// ParseTimeRef resolves an absolute timestamp, or a relative duration
// counted back from ref ("90s", "1h30m", "2d").
func ParseTimeRef(s string, ref time.Time) (time.Time, error) {
	in := strings.TrimSpace(s)
	if in == "" {
		return time.Time{}, fmt.Errorf("empty time reference")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, in); err == nil {
			return t, nil
		}
	}
	d, err := ParseDuration(in)
	if err != nil {
		return time.Time{}, fmt.Errorf("time reference %q is neither a timestamp nor a duration", in)
	}
	return ref.Add(-d), nil
}

// ParseDuration accepts Go durations plus day and week units, e.g. "30s",
// "1d2h" or "1w".
func ParseDuration(s string) (time.Duration, error) {
	in := strings.TrimSpace(s)
	if d, err := time.ParseDuration(in); err == nil {
		return d, nil
	}
	if in == "" {
		return 0, fmt.Errorf("empty duration")
	}

	var total time.Duration
	for rest := in; rest != ""; {
		n := 0
		for n < len(rest) && rest[n] >= '0' && rest[n] <= '9' {
			n++
		}
		if n == 0 || n == len(rest) {
			return 0, fmt.Errorf("invalid duration %q", in)
		}
		unit, ok := durationUnits[rest[n]]
		if !ok {
			return 0, fmt.Errorf("invalid duration %q: unknown unit %q", in, rest[n])
		}
		v, err := strconv.ParseInt(rest[:n], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", in, err)
		}
		total += time.Duration(v) * unit
		rest = rest[n+1:]
	}
	return total, nil
}
