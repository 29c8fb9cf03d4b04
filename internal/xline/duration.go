package xline

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrBadDuration = errors.New("invalid expiry time")

const (
	Day  = 24 * time.Hour
	Week = 7 * Day
	Year = 365 * Day
)

var units = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': Day,
	'w': Week,
	'y': Year,
}

// ParseUnit parses a single unit letter such as "d"
func ParseUnit(s string) (time.Duration, error) {
	if len(s) != 1 {
		return 0, fmt.Errorf("%w: unit %q", ErrBadDuration, s)
	}
	u, ok := units[strings.ToLower(s)[0]]
	if !ok {
		return 0, fmt.Errorf("%w: unit %q", ErrBadDuration, s)
	}
	return u, nil
}

// ParseDuration parses an expiry such as "+30d", "12h" or "90". An optional
// leading '+' is allowed. A number without a unit letter is counted in
// defaultUnit, which is days on a stock configuration, so "30" is thirty
// days. Combined units like "1h30m" are rejected.
func ParseDuration(spec string, defaultUnit time.Duration) (time.Duration, error) {
	s := strings.TrimPrefix(strings.TrimSpace(spec), "+")
	if s == "" {
		return 0, fmt.Errorf("%w: %q", ErrBadDuration, spec)
	}

	unit := defaultUnit
	if last := s[len(s)-1]; last < '0' || last > '9' {
		u, ok := units[last|0x20]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrBadDuration, spec)
		}
		unit = u
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadDuration, spec)
	}
	if unit > 0 && n > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: %q is too long", ErrBadDuration, spec)
	}
	return time.Duration(n) * unit, nil
}

// FormatDuration renders d the way operators write it, e.g. "2d 3h"
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
	var parts []string
	for _, u := range []struct {
		d    time.Duration
		name string
	}{{Day, "d"}, {time.Hour, "h"}, {time.Minute, "m"}} {
		if n := d / u.d; n > 0 {
			parts = append(parts, fmt.Sprintf("%d%s", n, u.name))
			d -= n * u.d
		}
	}
	return strings.Join(parts, " ")
}
