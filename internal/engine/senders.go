package engine

import (
	"strconv"
	"strings"
	"time"

	"github.com/dalnet/ngservices/internal/network"
	"github.com/dalnet/ngservices/internal/xline"
)

// SendBan tells the network about a ban. The lifetime on the wire is what
// is left of it, clamped to the longest the dialect can carry; permanent
// bans are sent clamped too and refreshed every time the uplink syncs.
func (e *Engine) SendBan(x *xline.Entry) {
	left := e.Dialect.MaxBanDuration
	if !x.Permanent() {
		left = x.Expires.Sub(e.now())
		if left <= 0 {
			return
		}
		if e.Dialect.MaxBanDuration > 0 && left > e.Dialect.MaxBanDuration {
			left = e.Dialect.MaxBanDuration
		}
	}
	seconds := int64((left + time.Second - 1) / time.Second)
	e.sendf("", "GLINE", x.Mask, strconv.FormatInt(seconds, 10), x.Reason+" ("+x.By+")")
}

// SendBanDel removes a ban from the network
func (e *Engine) SendBanDel(x *xline.Entry) {
	e.sendf("", "GLINE", x.Mask)
}

// SendChannelInfo announces a channel's modes and topic in the CHANINFO
// shape the channel needs
func (e *Engine) SendChannelInfo(c *network.Channel) {
	modes := "+" + c.Modes.Letters()
	switch {
	case c.Modes.Has('k') || c.Modes.Has('l'):
		key, limit := c.Modes.Param('k'), c.Modes.Param('l')
		if key == "" {
			key = "*"
		}
		if limit == "" {
			limit = "0"
		}
		e.sendf("", "CHANINFO", c.Name, modes, key, limit, c.Topic)
	case c.Topic != "":
		e.sendf("", "CHANINFO", c.Name, modes, c.Topic)
	default:
		e.sendf("", "CHANINFO", c.Name, modes)
	}
}

// SendLogin binds u to an account network-wide
func (e *Engine) SendLogin(u *network.User, acc *network.Account) {
	u.Account = acc
	e.sendf("", "METADATA", u.Nick, "accountname", acc.Name)
}

// SendLogout unbinds u from its account; the empty value means logout
func (e *Engine) SendLogout(u *network.User) {
	u.Account = nil
	e.sendf("", "METADATA", u.Nick, "accountname", "")
}

// SendSVSNick forces u to change nick
func (e *Engine) SendSVSNick(u *network.User, nick string) {
	e.sendf("", "SVSNICK", u.Nick, nick)
}

// SendNickIntro introduces a user on our server
func (e *Engine) SendNickIntro(u *network.User) {
	e.sendf("", "NICK", u.Nick, "1", u.Ident, u.Host, "1", "+"+u.Modes.Letters(), u.Realname)
}

// SendVhostSet gives u a displayed host and, if vident is set, a displayed
// ident. The cloak mode is turned on if the user lacks it.
func (e *Engine) SendVhostSet(u *network.User, vident, vhost string) {
	if vident != "" {
		e.sendf("", "METADATA", u.Nick, "user", vident)
	}
	e.sendf("", "METADATA", u.Nick, "cloakhost", vhost)
	u.CloakedHost = vhost

	cloak := e.Dialect.CloakMode
	if cloak != 0 && !u.HasMode(cloak) {
		u.SetModes("+" + string(cloak))
		e.SendUserMode(e.ServiceNick(), u, "+"+string(cloak))
	}
}

// SendVhostDel clears u's displayed host
func (e *Engine) SendVhostDel(u *network.User) {
	e.SendVhostSet(u, u.Ident, "")
}

func (e *Engine) SendPing(target string) {
	e.sendf("", "PING", e.opts.Name, target)
}

func (e *Engine) SendPong(who string) {
	e.sendf("", "PONG", e.opts.Name, who)
}

// SendTopic sets a channel topic as source
func (e *Engine) SendTopic(source string, c *network.Channel, topic string) {
	c.SetTopic(topic, source, e.now())
	e.sendf(source, "TOPIC", c.Name, topic)
}

// SendChannelMode sends mode changes for c, splitting them so no line
// carries more than the dialect allows
func (e *Engine) SendChannelMode(source string, c *network.Channel, changes []network.ModeChange) {
	limit := e.Dialect.MaxModes
	if limit <= 0 {
		limit = len(changes)
	}
	for start := 0; start < len(changes); start += limit {
		end := min(start+limit, len(changes))
		modes, params := encodeModes(changes[start:end])
		c.SetModes(e.Dialect, strings.Join(append([]string{modes}, params...), " "), e.Net.FindUser)
		e.sendf(source, "MODE", append([]string{c.Name, modes}, params...)...)
	}
}

func encodeModes(changes []network.ModeChange) (string, []string) {
	var b strings.Builder
	var params []string
	adding := -1
	for _, ch := range changes {
		if ch.Adding && adding != 1 {
			b.WriteByte('+')
			adding = 1
		} else if !ch.Adding && adding != 0 {
			b.WriteByte('-')
			adding = 0
		}
		b.WriteByte(ch.Mode)
		if ch.Param != "" {
			params = append(params, ch.Param)
		}
	}
	return b.String(), params
}

// SendUserMode changes u's modes as source
func (e *Engine) SendUserMode(source string, u *network.User, modes string) {
	e.sendf(source, "MODE", u.Nick, modes)
}

func (e *Engine) SendNotice(source, target, text string) {
	e.sendf(source, "NOTICE", target, text)
}

func (e *Engine) SendPrivmsg(source, target, text string) {
	e.sendf(source, "PRIVMSG", target, text)
}

// SendKill disconnects u and forgets it
func (e *Engine) SendKill(source string, u *network.User, reason string) {
	e.sendf(source, "KILL", u.Nick, reason)
	e.Net.RemoveUser(u)
}

// SendQuit takes one of our clients off the network
func (e *Engine) SendQuit(u *network.User, reason string) {
	e.sendf(u.Nick, "QUIT", reason)
	e.Net.RemoveUser(u)
}

// SendJoin joins u to c with the given status modes, which ngIRCd carries
// after a BEL in the channel name
func (e *Engine) SendJoin(u *network.User, c *network.Channel, status network.ModeSet) {
	e.Net.Join(c, u, status)
	target := c.Name
	if letters := status.Letters(); letters != "" {
		target += "\a" + letters
	}
	e.sendf(u.Nick, "JOIN", target)
}

func (e *Engine) SendPart(u *network.User, c *network.Channel, reason string) {
	e.Net.Part(c, u)
	if reason == "" {
		e.sendf(u.Nick, "PART", c.Name)
		return
	}
	e.sendf(u.Nick, "PART", c.Name, reason)
}

// SendServer introduces a server behind us
func (e *Engine) SendServer(s *network.Server) {
	e.sendf("", "SERVER", s.Name, strconv.Itoa(s.Hops+1), s.Token, s.Description)
}

func (e *Engine) SendSquit(s *network.Server, reason string) {
	e.sendf("", "SQUIT", s.Name, reason)
}

func (e *Engine) SendWallops(source, text string) {
	e.sendf(source, "WALLOPS", text)
}
