package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// ParseDurationField parses a duration setting at path. Besides Go
// durations ("90s", "48h") it accepts a day count ("30d"), the window
// keywords "hourly", "daily" and "weekly", and a bare integer in
// milliseconds like the provider update cycles. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	var (
		d   time.Duration
		err error
	)
	switch {
	case s == "":
		return 0, nil
	case s == "hourly":
		d = time.Hour
	case s == "daily":
		d = day
	case s == "weekly":
		d = 7 * day
	case strings.HasSuffix(s, "d"):
		var n int64
		n, err = strconv.ParseInt(strings.TrimSuffix(s, "d"), 10, 64)
		d = time.Duration(n) * day
	default:
		if ms, perr := strconv.ParseInt(s, 10, 64); perr == nil {
			d = time.Duration(ms) * time.Millisecond
		} else {
			d, err = time.ParseDuration(s)
		}
	}
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
