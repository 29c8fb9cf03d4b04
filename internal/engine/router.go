package engine

import (
	"errors"

	"github.com/ergochat/irc-go/ircmsg"

	"github.com/dalnet/ngservices/internal/network"
	"github.com/dalnet/ngservices/internal/proto"
)

type route struct {
	// min is the fewest parameters the handler can work with
	min int
	fn  func(m proto.Message)
}

func (e *Engine) registerHandlers() {
	e.handlers = make(map[string]route)

	// Link and burst
	e.handle("PASS", 1, e.onPass)
	e.handle("SERVER", 3, e.onServer)
	e.handle("376", 0, e.onEndOfHandshake)
	e.handle("005", 1, e.onCapabilities)
	e.handle("PING", 0, e.onPing)
	e.handle("PONG", 0, e.onPong)
	e.handle("SQUIT", 1, e.onSquit)
	e.handle("ERROR", 0, e.onError)

	// Users
	e.handle("NICK", 1, e.onNick)
	e.handle("METADATA", 2, e.onMetadata)
	e.handle("QUIT", 0, e.onQuit)
	e.handle("KILL", 1, e.onKill)

	// Channels
	e.handle("NJOIN", 2, e.onNJoin)
	e.handle("CHANINFO", 2, e.onChanInfo)
	e.handle("JOIN", 1, e.onJoin)
	e.handle("PART", 1, e.onPart)
	e.handle("KICK", 2, e.onKick)
	e.handle("TOPIC", 2, e.onTopic)
	e.handle("MODE", 2, e.onMode)

	// Messages and bans
	e.handle("PRIVMSG", 2, e.onPrivmsg)
	e.handle("SQUERY", 2, e.onPrivmsg)
	e.handle("NOTICE", 0, func(proto.Message) {})
	e.handle("GLINE", 1, e.onGline)
}

func (e *Engine) handle(command string, min int, fn func(m proto.Message)) {
	e.handlers[command] = route{min: min, fn: fn}
}

// Handle processes one line from the uplink to completion. Malformed,
// short and unknown lines are logged and dropped.
func (e *Engine) Handle(line string) {
	m, err := proto.Parse(line)
	if err != nil {
		if !errors.Is(err, proto.ErrEmptyLine) {
			e.log.Warn("dropping malformed line", "line", line, "error", err)
			e.Metrics.LinesDropped.WithLabelValues("malformed").Inc()
		}
		return
	}
	e.Dispatch(m)
}

// Dispatch runs the handler registered for m's command
func (e *Engine) Dispatch(m proto.Message) {
	r, ok := e.handlers[m.Command]
	if !ok {
		e.log.Debug("no handler for command", "command", m.Command)
		e.Metrics.LinesDropped.WithLabelValues("unknown").Inc()
		return
	}
	if len(m.Params) < r.min {
		e.log.Warn("dropping short line", "line", m.String(), "want", r.min)
		e.Metrics.LinesDropped.WithLabelValues("short").Inc()
		return
	}
	e.Metrics.LinesIn.WithLabelValues(m.Command).Inc()
	r.fn(m)
	e.updateGauges()
}

// sourceUser resolves the user a message came from. A full
// nick!user@host source is reduced to its nick.
func (e *Engine) sourceUser(m proto.Message) *network.User {
	if m.Source == "" {
		return nil
	}
	nick := m.Source
	if nuh, err := ircmsg.ParseNUH(m.Source); err == nil && nuh.Name != "" {
		nick = nuh.Name
	}
	return e.Net.FindUser(nick)
}

// sourceServer resolves the server a message came from, by name or token.
// With no source the line came from the uplink itself.
func (e *Engine) sourceServer(m proto.Message) *network.Server {
	if m.Source == "" {
		return e.Net.Servers.Uplink()
	}
	if s := e.Net.Servers.Find(m.Source); s != nil {
		return s
	}
	if u := e.sourceUser(m); u != nil {
		return u.Server()
	}
	return nil
}

// sourceName is the nick or server name a message came from, for display
func (e *Engine) sourceName(m proto.Message) string {
	if u := e.sourceUser(m); u != nil {
		return u.Nick
	}
	if s := e.sourceServer(m); s != nil {
		return s.Name
	}
	return m.Source
}

func (e *Engine) send(m proto.Message) {
	m = e.Dialect.Format(m, e.opts.Name)
	line, err := proto.Render(m)
	if err != nil {
		e.log.Error("failed to encode line", "command", m.Command, "error", err)
		return
	}
	if e.out == nil {
		e.log.Debug("no uplink, dropping line", "line", line)
		return
	}
	e.Metrics.LinesOut.Inc()
	e.out.WriteLine(line)
}

func (e *Engine) sendf(source, command string, params ...string) {
	e.send(proto.NewMessage(source, command, params...))
}
