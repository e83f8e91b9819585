package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField reads a config duration field. Accepted forms:
//
//   - Go duration strings: "1.5s", "200ms", "2m"
//   - bare integers, read as milliseconds — the same convention as the
//     backOffTimeSpanInMS knob, so "250" and "250ms" mean the same thing
//
// Empty means unset (0). Negative values are rejected: every duration in
// this config is a wait or a timeout, and a negative wait is always a typo.
func ParseDurationField(key, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("%s: must be >= 0", key)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must be >= 0", key)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted when the
// field is unset or zero.
func ParseDurationOrDefault(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(key, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
