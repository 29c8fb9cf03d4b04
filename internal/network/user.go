package network

import (
	"sort"
	"time"

	"github.com/dalnet/ngservices/internal/proto"
)

// Account is a registered services account a user can be logged in to
type Account struct {
	Name       string
	Email      string
	Registered time.Time
}

// Accounts looks up registered accounts
type Accounts interface {
	FindAccount(name string) (*Account, bool)
}

// User is one client connected somewhere on the network
type User struct {
	Nick        string
	Ident       string
	Host        string
	CloakedHost string
	Realname    string
	Modes       ModeSet
	Account     *Account
	Fingerprint string
	Signon      time.Time

	server   *Server
	channels map[*Channel]struct{}
}

// Server returns the server the user is connected to
func (u *User) Server() *Server {
	return u.server
}

// HasMode reports whether the user has the given user mode
func (u *User) HasMode(mode byte) bool {
	return u.Modes.Has(mode)
}

// SetModes applies a user mode string such as "+iw-x"
func (u *User) SetModes(modes string) {
	for _, c := range ParseUserModes(modes) {
		u.Modes.apply(c)
	}
}

// DisplayedHost is the host other users see. The cloaked host is shown
// while the dialect's cloak mode is set.
func (u *User) DisplayedHost(cloakMode byte) string {
	if u.CloakedHost != "" && (cloakMode == 0 || u.HasMode(cloakMode)) {
		return u.CloakedHost
	}
	return u.Host
}

// Mask returns nick!ident@host using the real host
func (u *User) Mask() string {
	return u.Nick + "!" + u.Ident + "@" + u.Host
}

// Channels returns the channels the user is in, sorted by name
func (u *User) Channels() []*Channel {
	out := make([]*Channel, 0, len(u.channels))
	for c := range u.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return proto.Fold(out[i].Name) < proto.Fold(out[j].Name) })
	return out
}

// IsLoggedIn reports whether the user is bound to an account
func (u *User) IsLoggedIn() bool {
	return u.Account != nil
}
