package xline

import (
	"strings"
	"time"
)

// Identity is what a ban is checked against: one connected user
type Identity struct {
	Nick     string
	Ident    string
	Host     string
	Realname string

	// Hosts lists other hosts the user is known by, such as a cloak
	Hosts []string
}

// UserHost returns ident@host
func (id Identity) UserHost() string {
	return id.Ident + "@" + id.Host
}

// String returns nick!ident@host#realname, the form regex masks see
func (id Identity) String() string {
	return id.Nick + "!" + id.UserHost() + "#" + id.Realname
}

// Entry is one network ban
type Entry struct {
	Mask    string
	By      string
	Created time.Time
	// Expires is zero for bans that never expire
	Expires time.Time
	Reason  string
	// ID is the network-assigned identifier, empty unless ids are enabled
	ID string

	re Matcher
}

// Permanent reports whether the entry never expires
func (e *Entry) Permanent() bool {
	return e.Expires.IsZero()
}

// Expired reports whether the entry has run out at now
func (e *Entry) Expired(now time.Time) bool {
	return !e.Expires.IsZero() && !now.Before(e.Expires)
}

// IsRegex reports whether the mask is a /regex/
func (e *Entry) IsRegex() bool {
	return IsRegexMask(e.Mask)
}

// Nick, User, Host and Real split a nick!user@host#realname mask. Absent
// parts are empty and match anything.
func (e *Entry) Nick() string {
	n, _, _, _ := splitMask(e.Mask)
	return n
}

func (e *Entry) User() string {
	_, u, _, _ := splitMask(e.Mask)
	return u
}

func (e *Entry) Host() string {
	_, _, h, _ := splitMask(e.Mask)
	return h
}

func (e *Entry) Real() string {
	_, _, _, r := splitMask(e.Mask)
	return r
}

// Matches reports whether the ban applies to id. Enforcement is left to the
// caller.
func (e *Entry) Matches(id Identity) bool {
	if e.IsRegex() {
		if e.re == nil {
			return false
		}
		return e.re.MatchString(id.UserHost()) || e.re.MatchString(id.String())
	}

	nick, user, host, real := splitMask(e.Mask)
	if nick != "" && !Match(id.Nick, nick, false) {
		return false
	}
	if user != "" && !Match(id.Ident, user, false) {
		return false
	}
	if real != "" && !Match(id.Realname, real, false) {
		return false
	}
	if host == "" || Match(id.Host, host, false) {
		return true
	}
	for _, h := range id.Hosts {
		if h != "" && Match(h, host, false) {
			return true
		}
	}
	return false
}

func splitMask(mask string) (nick, user, host, real string) {
	rest := mask
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		real = strings.TrimSpace(rest[i+1:])
		rest = strings.TrimSpace(rest[:i])
	}
	if i := strings.IndexByte(rest, '!'); i >= 0 {
		nick, rest = rest[:i], rest[i+1:]
	}
	if i := strings.LastIndexByte(rest, '@'); i >= 0 {
		user, host = rest[:i], rest[i+1:]
	} else {
		host = rest
	}
	return nick, user, host, real
}

// tooWide reports whether mask is nothing but wildcards and separators
func tooWide(mask string) bool {
	return strings.Trim(mask, "/~@.*?") == ""
}
