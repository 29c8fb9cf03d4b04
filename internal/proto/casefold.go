package proto

import "strings"

// Fold lowercases s using the rfc1459 casemapping ngIRCd uses for nicks and
// channel names: []\~ are the uppercase forms of {}|^.
func Fold(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == '[':
			return '{'
		case r == ']':
			return '}'
		case r == '\\':
			return '|'
		case r == '~':
			return '^'
		}
		return r
	}, s)
}

// EqualFold reports whether a and b are the same nick or channel
func EqualFold(a, b string) bool {
	return Fold(a) == Fold(b)
}
