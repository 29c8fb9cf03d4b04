package engine

import (
	"github.com/dalnet/ngservices/internal/network"
	"github.com/dalnet/ngservices/internal/xline"
)

// Identities lists every user on the network the way ban masks see them
func (e *Engine) Identities() []xline.Identity {
	users := e.Net.Users()
	out := make([]xline.Identity, 0, len(users))
	for _, u := range users {
		out = append(out, identity(u))
	}
	return out
}

// FindNick returns the identity of the user using nick
func (e *Engine) FindNick(nick string) (xline.Identity, bool) {
	u := e.Net.FindUser(nick)
	if u == nil {
		return xline.Identity{}, false
	}
	return identity(u), true
}

func identity(u *network.User) xline.Identity {
	id := xline.Identity{
		Nick:     u.Nick,
		Ident:    u.Ident,
		Host:     u.Host,
		Realname: u.Realname,
	}
	if u.CloakedHost != "" {
		id.Hosts = []string{u.CloakedHost}
	}
	return id
}

// Check returns the ban matching u, if any. Acting on it is left to the
// caller.
func (e *Engine) Check(u *network.User) *xline.Entry {
	if e.Bans == nil {
		return nil
	}
	return e.Bans.Check(identity(u))
}
