package network

import (
	"sort"
	"time"

	"github.com/dalnet/ngservices/internal/proto"
)

// Channel is a channel seen on the network. Channels are created on first
// reference and are never destroyed here.
type Channel struct {
	Name string

	Topic       string
	TopicSetter string
	TopicTime   time.Time

	Modes ModeSet
	// Lists holds list modes such as bans, keyed by mode letter
	Lists   map[byte][]string
	Created time.Time

	members map[*User]ModeSet
}

// Member is a user in a channel together with its status modes
type Member struct {
	User   *User
	Status ModeSet
}

// Members returns the channel's members sorted by nick
func (c *Channel) Members() []Member {
	out := make([]Member, 0, len(c.members))
	for u, st := range c.members {
		out = append(out, Member{User: u, Status: st})
	}
	sort.Slice(out, func(i, j int) bool { return proto.Fold(out[i].User.Nick) < proto.Fold(out[j].User.Nick) })
	return out
}

// MemberCount returns the number of users in the channel
func (c *Channel) MemberCount() int {
	return len(c.members)
}

// Status returns the status modes u holds in the channel
func (c *Channel) Status(u *User) (ModeSet, bool) {
	st, ok := c.members[u]
	return st, ok
}

// SetTopic records a topic change. setter is a nick or a server name.
func (c *Channel) SetTopic(topic, setter string, ts time.Time) {
	c.Topic = topic
	c.TopicSetter = setter
	c.TopicTime = ts
}

// SetModes applies a channel mode string like "+ol-k alice 10 key". Status
// mode parameters name members and are resolved with find; an unknown or
// non-member nick leaves that change unapplied.
func (c *Channel) SetModes(d *proto.Dialect, modes string, find func(nick string) *User) {
	for _, ch := range ParseChannelModes(d, modes) {
		switch {
		case d.IsStatusMode(ch.Mode):
			u := find(ch.Param)
			if u == nil {
				continue
			}
			st, ok := c.members[u]
			if !ok {
				continue
			}
			st.apply(ModeChange{Adding: ch.Adding, Mode: ch.Mode})
		case d.IsListMode(ch.Mode):
			c.setListMode(ch)
		default:
			c.Modes.apply(ch)
		}
	}
}

func (c *Channel) setListMode(ch ModeChange) {
	list := c.Lists[ch.Mode]
	for i, v := range list {
		if proto.EqualFold(v, ch.Param) {
			if !ch.Adding {
				c.Lists[ch.Mode] = append(list[:i], list[i+1:]...)
			}
			return
		}
	}
	if ch.Adding {
		c.Lists[ch.Mode] = append(list, ch.Param)
	}
}
