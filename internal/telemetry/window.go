// internal/telemetry/window.go
package telemetry

import (
	"fmt"
	"strconv"
	"time"

	"github.com/mcoda/mcoda/internal/types"
)

// ParseTimeValue parses a since/until value: either an RFC-3339 timestamp
// or a duration shorthand N{s,m,h,d,w} meaning "now minus N units".
func ParseTimeValue(value string, now time.Time) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}

	if len(value) >= 2 {
		unit := value[len(value)-1]
		n, err := strconv.Atoi(value[:len(value)-1])
		if err == nil && n >= 0 {
			var d time.Duration
			switch unit {
			case 's':
				d = time.Duration(n) * time.Second
			case 'm':
				d = time.Duration(n) * time.Minute
			case 'h':
				d = time.Duration(n) * time.Hour
			case 'd':
				d = time.Duration(n) * 24 * time.Hour
			case 'w':
				d = time.Duration(n) * 7 * 24 * time.Hour
			default:
				return time.Time{}, fmt.Errorf("%w: unknown unit %q in %q", types.ErrBadTimeRange, string(unit), value)
			}
			return now.Add(-d), nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q is neither RFC-3339 nor a duration shorthand", types.ErrBadTimeRange, value)
}

// ParseWindow fills a filter's Since/Until from CLI-style strings.
func ParseWindow(f *Filter, since, until string, now time.Time) error {
	t, err := ParseTimeValue(since, now)
	if err != nil {
		return err
	}
	f.Since = t

	t, err = ParseTimeValue(until, now)
	if err != nil {
		return err
	}
	f.Until = t

	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return fmt.Errorf("%w: until precedes since", types.ErrBadTimeRange)
	}
	return nil
}
