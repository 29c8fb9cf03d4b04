package engine

import (
	"strconv"
	"strings"
	"time"

	"github.com/dalnet/ngservices/internal/network"
	"github.com/dalnet/ngservices/internal/proto"
	"github.com/dalnet/ngservices/internal/xline"
)

func (e *Engine) onPass(m proto.Message) {
	// PASS <password> <version> <software> <flags>
	e.log.Debug("uplink sent credentials", "version", m.Param(1), "software", m.Param(2))
}

func (e *Engine) onEndOfHandshake(m proto.Message) {
	e.log.Info("uplink accepted the link", "uplink", e.sourceName(m))
}

// onCapabilities reads the limits the uplink advertises:
//
//	:<server> 005 <us> KEY=value... :are supported on this server
func (e *Engine) onCapabilities(m proto.Message) {
	for _, tok := range m.Params[1:] {
		key, value, _ := strings.Cut(tok, "=")
		switch key {
		case "MODES":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				e.Dialect.MaxModes = n
			}
		case "NICKLEN":
			if n, err := strconv.Atoi(value); err == nil && e.opts.NickLen > 0 && n != e.opts.NickLen {
				e.log.Warn("uplink nick length differs from ours", "uplink", n, "configured", e.opts.NickLen)
			}
		case "PREFIX":
			if !e.Dialect.SetStatusPrefixes(value) {
				e.log.Warn("ignoring malformed PREFIX", "value", value)
			}
		}
	}
}

// onServer handles both introduction forms:
//
//	SERVER <name> <hops> :<description>             the uplink itself
//	:<parent> SERVER <name> <hops> <token> :<desc>  a server behind it
//
// ngIRCd sends no end of burst, so every new server is pinged and counts as
// synced once its PONG comes back.
func (e *Engine) onServer(m proto.Message) {
	name := m.Params[0]
	hops, _ := strconv.Atoi(m.Params[1])

	var parent *network.Server
	var s *network.Server
	if len(m.Params) == 3 {
		parent = e.Me()
		s = network.NewServer(name, m.Params[2], hops, "1")
	} else {
		parent = e.Net.Servers.Find(m.Source)
		if parent == nil {
			e.log.Debug("server introduced behind an unknown server", "server", name, "parent", m.Source)
			return
		}
		s = network.NewServer(name, m.Params[3], hops, m.Params[2])
	}

	if err := e.Net.AttachServer(parent, s); err != nil {
		e.log.Warn("cannot link server", "server", name, "parent", parent.Name, "error", err)
		return
	}
	e.log.Info("server linked", "server", name, "parent", parent.Name, "hops", hops)

	s.BeginSync()
	e.SendPing(name)
}

func (e *Engine) onPing(m proto.Message) {
	// PING <origin> [<target>]
	origin := m.Param(0)
	if origin == "" {
		origin = e.sourceName(m)
	}
	e.SendPong(origin)
}

func (e *Engine) onPong(m proto.Message) {
	// :<server> PONG <server> :<us>
	s := e.Net.Servers.Find(m.Source)
	if s == nil {
		s = e.Net.Servers.Find(m.Param(0))
	}
	if s == nil || !s.Sync() {
		return
	}
	e.log.Info("server synced", "server", s.Name)
	for _, fn := range e.syncHooks {
		fn(s)
	}
	if s == e.Net.Servers.Uplink() && e.Bans != nil {
		sent := e.Bans.PropagateAll()
		e.log.Info("uplink synced, akills sent", "count", sent)
	}
}

func (e *Engine) onSquit(m proto.Message) {
	// SQUIT <server> :<reason>
	s := e.Net.Servers.Find(m.Params[0])
	if s == nil {
		e.log.Debug("squit for unknown server", "server", m.Params[0])
		return
	}
	if s == e.Me() {
		e.log.Warn("uplink asked us to squit ourselves", "reason", m.Param(1))
		return
	}
	removed, users, err := e.Net.DetachServer(s)
	if err != nil {
		e.log.Warn("cannot unlink server", "server", s.Name, "error", err)
		return
	}
	e.log.Info("server split", "server", s.Name, "reason", m.Param(1), "servers", len(removed), "users", users)
}

func (e *Engine) onError(m proto.Message) {
	e.log.Warn("uplink sent ERROR", "reason", m.Param(0))
}

// onNick handles a nick change (one parameter) or a new user:
//
//	:<server> NICK <nick> <hops> <ident> <host> <token> <modes> :<realname>
func (e *Engine) onNick(m proto.Message) {
	switch len(m.Params) {
	case 1:
		u := e.sourceUser(m)
		if u == nil {
			e.log.Debug("nick change from unknown user", "source", m.Source)
			return
		}
		old := u.Nick
		if err := e.Net.ChangeNick(u, m.Params[0]); err != nil {
			e.log.Warn("cannot change nick", "from", old, "to", m.Params[0], "error", err)
			return
		}
		e.nickChanged(u, old)
	case 7:
		s := e.Net.Servers.Find(m.Params[4])
		if s == nil {
			e.log.Debug("user introduced from unknown server", "nick", m.Params[0], "server", m.Params[4])
			return
		}
		_, err := e.Net.IntroduceUser(m.Params[0], m.Params[2], m.Params[3], m.Params[6], m.Params[5], s, e.now())
		if err != nil {
			e.log.Warn("cannot introduce user", "nick", m.Params[0], "server", s.Name, "error", err)
		}
	default:
		e.log.Warn("dropping NICK with unexpected parameters", "line", m.String())
		e.Metrics.LinesDropped.WithLabelValues("short").Inc()
	}
}

// nickChanged drops the registered mode from a user who changed nick; it
// belonged to the old nick.
func (e *Engine) nickChanged(u *network.User, old string) {
	e.log.Debug("nick changed", "from", old, "to", u.Nick)
	reg := e.Dialect.RegisteredMode
	if reg == 0 || !u.HasMode(reg) {
		return
	}
	u.SetModes("-" + string(reg))
	e.SendUserMode(e.ServiceNick(), u, "-"+string(reg))
}

// onMetadata applies one attribute of a user:
//
//	:<server> METADATA <nick> <key> :<value>
func (e *Engine) onMetadata(m proto.Message) {
	u := e.Net.FindUser(m.Params[0])
	if u == nil {
		e.log.Debug("metadata for unknown user", "nick", m.Params[0], "key", m.Params[1])
		return
	}
	value := m.Param(2)

	switch m.Params[1] {
	case "accountname":
		if value == "" {
			u.Account = nil
			return
		}
		if e.Accounts == nil {
			return
		}
		acc, ok := e.Accounts.FindAccount(value)
		if !ok {
			e.log.Debug("metadata names unknown account", "nick", u.Nick, "account", value)
			return
		}
		u.Account = acc
	case "certfp":
		u.Fingerprint = value
		for _, fn := range e.fingerprintHooks {
			fn(u)
		}
	case "cloakhost":
		if value != "" {
			u.CloakedHost = value
		}
	case "host":
		if value != "" {
			u.Host = value
		}
	case "info":
		u.Realname = value
	case "user":
		if value != "" {
			u.Ident = value
		}
	default:
		e.log.Debug("ignoring unknown metadata key", "nick", u.Nick, "key", m.Params[1])
	}
}

func (e *Engine) onQuit(m proto.Message) {
	u := e.sourceUser(m)
	if u == nil {
		e.log.Debug("quit from unknown user", "source", m.Source)
		return
	}
	e.Net.RemoveUser(u)
}

// onKill removes the victim. A killed services client is introduced again
// straight away.
func (e *Engine) onKill(m proto.Message) {
	// :<source> KILL <nick> :<reason>
	u := e.Net.FindUser(m.Params[0])
	if u == nil {
		e.log.Debug("kill for unknown user", "nick", m.Params[0])
		return
	}
	e.Net.RemoveUser(u)
	if !e.IsClient(u) {
		return
	}

	e.log.Warn("services client killed", "nick", u.Nick, "by", e.sourceName(m), "reason", m.Param(1))
	c, ok := e.client(u.Nick)
	if !ok {
		return
	}
	nu, err := e.introduceClient(c)
	if err != nil {
		e.log.Error("failed to reintroduce services client", "nick", c.Nick, "error", err)
		return
	}
	e.SendNickIntro(nu)
}

// onNJoin adds a batch of members to a channel. Each nick may carry status
// prefixes; unknown nicks are skipped.
//
//	:<server> NJOIN <channel> :<[prefixes]nick>,...
func (e *Engine) onNJoin(m proto.Message) {
	c, _ := e.Net.FindOrCreateChannel(m.Params[0], e.now())

	for _, tok := range strings.Split(m.Params[1], ",") {
		status := make(network.ModeSet)
		for tok != "" {
			mode, ok := e.Dialect.StatusModeFor(tok[0])
			if !ok {
				break
			}
			status[mode] = ""
			tok = tok[1:]
		}
		if tok == "" {
			continue
		}
		u := e.Net.FindUser(tok)
		if u == nil {
			e.log.Debug("njoin for unknown user", "nick", tok, "channel", c.Name)
			continue
		}
		e.Net.Join(c, u, status)
	}
}

// onChanInfo takes one of three shapes:
//
//	CHANINFO <chan> +<modes>
//	CHANINFO <chan> +<modes> :<topic>
//	CHANINFO <chan> +<modes> <key> <limit> :<topic>
//
// The key and limit are only used when the modes include k and l.
func (e *Engine) onChanInfo(m proto.Message) {
	c, _ := e.Net.FindOrCreateChannel(m.Params[0], e.now())
	modes := m.Params[1]

	var topic string
	hasTopic := false
	switch len(m.Params) {
	case 3:
		topic, hasTopic = m.Params[2], true
	case 5:
		for i := 0; i < len(m.Params[1]); i++ {
			switch m.Params[1][i] {
			case 'k':
				modes += " " + m.Params[2]
			case 'l':
				modes += " " + m.Params[3]
			}
		}
		topic, hasTopic = m.Params[4], true
	}

	c.SetModes(e.Dialect, modes, e.Net.FindUser)
	if hasTopic {
		c.SetTopic(topic, e.sourceName(m), e.now())
	}
}

// onJoin handles a user joining channels. ngIRCd appends the member's
// status to the channel name after a BEL: "#chan\ao".
func (e *Engine) onJoin(m proto.Message) {
	u := e.sourceUser(m)
	if u == nil {
		e.log.Debug("join from unknown user", "source", m.Source)
		return
	}

	for _, target := range strings.Split(m.Params[0], ",") {
		if target == "0" {
			for _, c := range u.Channels() {
				e.Net.Part(c, u)
			}
			continue
		}
		name, modes, _ := strings.Cut(target, "\a")
		if !e.Dialect.IsChannelValid(name) {
			e.log.Debug("join for invalid channel", "nick", u.Nick, "channel", name)
			continue
		}
		c, _ := e.Net.FindOrCreateChannel(name, e.now())
		e.Net.Join(c, u, nil)
		if modes != "" {
			params := strings.Repeat(" "+u.Nick, len(modes))
			c.SetModes(e.Dialect, "+"+modes+params, e.Net.FindUser)
		}
	}
}

func (e *Engine) onPart(m proto.Message) {
	u := e.sourceUser(m)
	if u == nil {
		e.log.Debug("part from unknown user", "source", m.Source)
		return
	}
	for _, name := range strings.Split(m.Params[0], ",") {
		if c := e.Net.FindChannel(name); c != nil {
			e.Net.Part(c, u)
		}
	}
}

func (e *Engine) onKick(m proto.Message) {
	// :<source> KICK <channel> <nick> :<reason>
	c := e.Net.FindChannel(m.Params[0])
	u := e.Net.FindUser(m.Params[1])
	if c == nil || u == nil {
		e.log.Debug("kick for unknown channel or user", "channel", m.Params[0], "nick", m.Params[1])
		return
	}
	e.Net.Part(c, u)
}

func (e *Engine) onTopic(m proto.Message) {
	c := e.Net.FindChannel(m.Params[0])
	if c == nil {
		e.log.Debug("topic for unknown channel", "channel", m.Params[0])
		return
	}
	c.SetTopic(m.Params[1], e.sourceName(m), e.now())
}

// onMode applies channel or user modes. Every parameter after the mode
// letters belongs to the mode string.
func (e *Engine) onMode(m proto.Message) {
	target := m.Params[0]
	if e.Dialect.IsChannelValid(target) {
		c := e.Net.FindChannel(target)
		if c == nil {
			e.log.Debug("mode for unknown channel", "channel", target)
			return
		}
		c.SetModes(e.Dialect, strings.Join(m.Params[1:], " "), e.Net.FindUser)
		return
	}

	u := e.Net.FindUser(target)
	if u == nil {
		e.log.Debug("mode for unknown user", "nick", target)
		return
	}
	u.SetModes(m.Params[1])
}

func (e *Engine) onPrivmsg(m proto.Message) {
	// :<nick> PRIVMSG <target> :<text>
	to := e.Net.FindUser(m.Params[0])
	if !e.IsClient(to) || e.commands == nil {
		return
	}
	from := e.sourceUser(m)
	if from == nil {
		e.log.Debug("message from unknown user", "source", m.Source, "to", m.Params[0])
		return
	}
	e.commands.OnMessage(from, to, m.Params[1])
}

// onGline records a network ban someone else set, or drops one they
// removed. Nothing is sent back.
//
//	:<source> GLINE <mask> <seconds> :<reason> (<by>)
//	:<source> GLINE <mask>
func (e *Engine) onGline(m proto.Message) {
	if e.Bans == nil {
		return
	}
	mask := m.Params[0]
	by := e.sourceName(m)

	if len(m.Params) < 2 {
		if n := e.Bans.Remove(mask, by); n > 0 {
			e.log.Info("network removed akill", "mask", mask, "by", by)
		}
		return
	}

	seconds, err := strconv.ParseInt(m.Params[1], 10, 64)
	if err != nil || seconds < 0 {
		e.log.Warn("dropping GLINE with bad duration", "line", m.String())
		return
	}
	reason, setter := splitReason(m.Param(2))
	if setter != "" {
		by = setter
	}

	now := e.now()
	var expires time.Time
	if seconds > 0 {
		expires = now.Add(time.Duration(seconds) * time.Second)
	}
	e.Bans.Apply(xline.NewEntry(mask, by, reason, now, expires, ""))
	e.log.Info("network set akill", "mask", mask, "by", by, "seconds", seconds)
}

// splitReason undoes the "reason (setter)" form our own GLINEs carry
func splitReason(s string) (reason, setter string) {
	if !strings.HasSuffix(s, ")") {
		return s, ""
	}
	i := strings.LastIndex(s, " (")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+2 : len(s)-1]
}
