package network

import (
	"sort"
	"strings"

	"github.com/dalnet/ngservices/internal/proto"
)

// ModeSet is a set of mode letters, some of which carry a parameter
type ModeSet map[byte]string

// Has reports whether mode is set
func (m ModeSet) Has(mode byte) bool {
	_, ok := m[mode]
	return ok
}

// Param returns the parameter stored with mode
func (m ModeSet) Param(mode byte) string {
	return m[mode]
}

// Letters returns the set modes in sorted order, without parameters
func (m ModeSet) Letters() string {
	letters := make([]byte, 0, len(m))
	for k := range m {
		letters = append(letters, k)
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return string(letters)
}

// String renders the set as "+letters" followed by any parameters
func (m ModeSet) String() string {
	letters := m.Letters()
	params := make([]string, 0, len(letters))
	for i := 0; i < len(letters); i++ {
		if p := m[letters[i]]; p != "" {
			params = append(params, p)
		}
	}
	if len(params) == 0 {
		return "+" + letters
	}
	return "+" + letters + " " + strings.Join(params, " ")
}

// ModeChange is one +x or -x in a mode string
type ModeChange struct {
	Adding bool
	Mode   byte
	Param  string
}

// ParseUserModes splits a user mode string such as "+iw-x". User modes
// never carry parameters on the server link.
func ParseUserModes(modes string) []ModeChange {
	var changes []ModeChange
	adding := true
	for i := 0; i < len(modes); i++ {
		switch c := modes[i]; c {
		case '+':
			adding = true
		case '-':
			adding = false
		case ' ':
			return changes
		default:
			changes = append(changes, ModeChange{Adding: adding, Mode: c})
		}
	}
	return changes
}

// ParseChannelModes splits a channel mode string: the first field holds the
// letters and the rest are consumed by letters the dialect says take a
// parameter. A letter whose parameter is missing is dropped.
func ParseChannelModes(d *proto.Dialect, modes string) []ModeChange {
	fields := strings.Fields(modes)
	if len(fields) == 0 {
		return nil
	}
	letters, args := fields[0], fields[1:]

	var changes []ModeChange
	adding := true
	for i := 0; i < len(letters); i++ {
		c := letters[i]
		switch c {
		case '+':
			adding = true
			continue
		case '-':
			adding = false
			continue
		}

		change := ModeChange{Adding: adding, Mode: c}
		if d.TakesParam(c, adding) {
			if len(args) == 0 {
				continue
			}
			change.Param, args = args[0], args[1:]
		}
		changes = append(changes, change)
	}
	return changes
}

// apply sets or clears the plain (non-status, non-list) modes in changes
func (m ModeSet) apply(c ModeChange) {
	if c.Adding {
		m[c.Mode] = c.Param
	} else {
		delete(m, c.Mode)
	}
}
