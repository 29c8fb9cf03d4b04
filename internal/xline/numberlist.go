package xline

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var ErrInvalidRange = errors.New("invalid entry list")

// IsNumberList reports whether s looks like an entry list such as "2-5,7-9"
func IsNumberList(s string) bool {
	if s == "" || s[0] < '0' || s[0] > '9' {
		return false
	}
	for _, tok := range strings.Split(s, ",") {
		if tok == "" {
			continue
		}
		first, second, isRange := strings.Cut(tok, "-")
		if !isDigits(first) || (isRange && !isDigits(second)) {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	return s != "" && strings.Trim(s, "0123456789") == ""
}

// ParseNumberList expands an entry list into ascending, distinct, 1-based
// positions no greater than limit. Zero and out of range numbers are dropped;
// a reversed range such as "5-2" is read as "2-5".
func ParseNumberList(s string, limit int) ([]int, error) {
	seen := make(map[int]struct{})
	for _, tok := range strings.Split(s, ",") {
		if tok == "" {
			continue
		}
		lo, hi, err := parseRange(tok)
		if err != nil {
			return nil, err
		}
		lo = max(lo, 1)
		hi = min(hi, limit)
		for n := lo; n <= hi; n++ {
			seen[n] = struct{}{}
		}
	}

	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// parseRange reads "n" or "n-m". Signs are not allowed, so "5--9" is an
// error rather than a range down to -9.
func parseRange(tok string) (int, int, error) {
	first, second, isRange := strings.Cut(tok, "-")
	lo, err := strconv.ParseUint(first, 10, 31)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, tok)
	}
	if !isRange {
		return int(lo), int(lo), nil
	}
	hi, err := strconv.ParseUint(second, 10, 31)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRange, tok)
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return int(lo), int(hi), nil
}
