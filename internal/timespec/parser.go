// Package timespec parses the --since/--until filters of `lodge runs`.
package timespec

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse converts a time specification into Unix milliseconds.
//
// Accepted forms:
//   - a duration relative to now, "1h", "30m", "1h30m", or with a day
//     suffix, "2d"
//   - an RFC3339 timestamp, "2025-10-29T13:00:00Z"
//   - a date, "2025-10-29", taken as midnight UTC
func Parse(spec string, now time.Time) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UnixMilli(), nil
	}
	if t, err := time.Parse(time.DateOnly, spec); err == nil {
		return t.UnixMilli(), nil
	}

	if d, ok := parseDays(spec); ok {
		return now.Add(-d).UnixMilli(), nil
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative duration: %s", spec)
		}
		return now.Add(-d).UnixMilli(), nil
	}

	return 0, fmt.Errorf("invalid time specification: %s (use a duration like '1h30m' or '2d', or RFC3339 like '2025-10-29T13:00:00Z')", spec)
}

func parseDays(spec string) (time.Duration, bool) {
	digits, ok := strings.CutSuffix(spec, "d")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * 24 * time.Hour, true
}

// ParseRange parses --since and --until into (sinceMs, untilMs).
// Zero means unbounded on that side.
func ParseRange(since, until string, now time.Time) (int64, int64, error) {
	var sinceMS, untilMS int64
	var err error

	if since != "" {
		sinceMS, err = Parse(since, now)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid --since: %w", err)
		}
	}

	if until != "" {
		untilMS, err = Parse(until, now)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid --until: %w", err)
		}
	}

	if sinceMS > 0 && untilMS > 0 && sinceMS >= untilMS {
		return 0, 0, fmt.Errorf("--since must be before --until")
	}

	return sinceMS, untilMS, nil
}
