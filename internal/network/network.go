// Package network is the in-memory model of the IRC network as seen from
// the services server: the server tree, the users on it and the channels
// they are in. It is rebuilt from the uplink's burst after every reconnect
// and is only touched from the engine's event loop, so it has no locking.
package network

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dalnet/ngservices/internal/proto"
)

var (
	ErrNickInUse     = errors.New("nick already in use")
	ErrUnknownServer = errors.New("unknown server")
)

// Network is the registry of servers, users and channels
type Network struct {
	Dialect *proto.Dialect
	Servers *ServerTree

	users    map[string]*User
	channels map[string]*Channel
}

// New creates an empty network rooted at our own server
func New(d *proto.Dialect, me *Server) *Network {
	return &Network{
		Dialect:  d,
		Servers:  NewServerTree(me),
		users:    make(map[string]*User),
		channels: make(map[string]*Channel),
	}
}

// Me returns the local server
func (n *Network) Me() *Server {
	return n.Servers.Root()
}

// FindUser looks a user up by nick
func (n *Network) FindUser(nick string) *User {
	return n.users[proto.Fold(nick)]
}

// Users returns every user, sorted by nick
func (n *Network) Users() []*User {
	out := make([]*User, 0, len(n.users))
	for _, u := range n.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return proto.Fold(out[i].Nick) < proto.Fold(out[j].Nick) })
	return out
}

// UserCount returns the number of users on the network
func (n *Network) UserCount() int {
	return len(n.users)
}

// IntroduceUser adds a user connected to s
func (n *Network) IntroduceUser(nick, ident, host, realname, modes string, s *Server, signon time.Time) (*User, error) {
	if s == nil || s.State == Detached {
		return nil, ErrUnknownServer
	}
	key := proto.Fold(nick)
	if _, exists := n.users[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrNickInUse, nick)
	}

	u := &User{
		Nick:     nick,
		Ident:    ident,
		Host:     host,
		Realname: realname,
		Modes:    make(ModeSet),
		Signon:   signon,
		server:   s,
		channels: make(map[*Channel]struct{}),
	}
	u.SetModes(modes)
	n.users[key] = u
	s.users[u] = struct{}{}
	return u, nil
}

// ChangeNick renames u. Changing only the case of a nick is allowed.
func (n *Network) ChangeNick(u *User, nick string) error {
	oldKey, newKey := proto.Fold(u.Nick), proto.Fold(nick)
	if other, exists := n.users[newKey]; exists && other != u {
		return fmt.Errorf("%w: %s", ErrNickInUse, nick)
	}
	delete(n.users, oldKey)
	u.Nick = nick
	n.users[newKey] = u
	return nil
}

// RemoveUser takes u off the network: out of every channel, off its server
// and out of the registry.
func (n *Network) RemoveUser(u *User) {
	for c := range u.channels {
		delete(c.members, u)
	}
	u.channels = make(map[*Channel]struct{})
	if u.server != nil {
		delete(u.server.users, u)
	}
	if n.users[proto.Fold(u.Nick)] == u {
		delete(n.users, proto.Fold(u.Nick))
	}
}

// AttachServer links s behind parent
func (n *Network) AttachServer(parent, s *Server) error {
	return n.Servers.Attach(parent, s)
}

// DetachServer removes s, every server behind it and every user on any of
// them. The detached servers and the number of users removed are returned.
func (n *Network) DetachServer(s *Server) ([]*Server, int, error) {
	removed, err := n.Servers.Detach(s)
	if err != nil {
		return nil, 0, err
	}
	users := 0
	for _, srv := range removed {
		for u := range srv.users {
			n.RemoveUser(u)
			users++
		}
	}
	return removed, users, nil
}

// FindChannel looks a channel up by name
func (n *Network) FindChannel(name string) *Channel {
	return n.channels[proto.Fold(name)]
}

// FindOrCreateChannel returns the named channel, creating it if needed
func (n *Network) FindOrCreateChannel(name string, now time.Time) (*Channel, bool) {
	if c := n.FindChannel(name); c != nil {
		return c, false
	}
	c := &Channel{
		Name:    name,
		Modes:   make(ModeSet),
		Lists:   make(map[byte][]string),
		Created: now,
		members: make(map[*User]ModeSet),
	}
	n.channels[proto.Fold(name)] = c
	return c, true
}

// Channels returns every channel, sorted by name
func (n *Network) Channels() []*Channel {
	out := make([]*Channel, 0, len(n.channels))
	for _, c := range n.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return proto.Fold(out[i].Name) < proto.Fold(out[j].Name) })
	return out
}

// Join adds u to c with the given status modes. A user already in the
// channel keeps its membership and gains the modes.
func (n *Network) Join(c *Channel, u *User, status ModeSet) {
	st, ok := c.members[u]
	if !ok {
		st = make(ModeSet)
		c.members[u] = st
		u.channels[c] = struct{}{}
	}
	for m := range status {
		st[m] = ""
	}
}

// Part removes u from c
func (n *Network) Part(c *Channel, u *User) {
	delete(c.members, u)
	delete(u.channels, c)
}

// Reset forgets everything learned from the uplink. The local server and its
// users stay. It returns how many servers and users were removed.
func (n *Network) Reset() (servers, users int, err error) {
	var errs []error
	for _, s := range n.Me().Children() {
		removed, count, err := n.DetachServer(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		servers += len(removed)
		users += count
	}
	return servers, users, errors.Join(errs...)
}
