// Package engine links the services server to its uplink. It owns the
// command table the inbound lines are dispatched through, the handlers that
// replicate the network into the network package, and the encoders for
// everything services say back. An Engine is driven from one goroutine: the
// transport hands it lines and ticks one at a time.
package engine

import (
	"time"

	"github.com/dalnet/ngservices/internal/logging"
	"github.com/dalnet/ngservices/internal/metrics"
	"github.com/dalnet/ngservices/internal/network"
	"github.com/dalnet/ngservices/internal/proto"
	"github.com/dalnet/ngservices/internal/xline"
)

// Output receives rendered lines bound for the uplink. WriteLine must not
// block; the transport buffers.
type Output interface {
	WriteLine(line string)
}

// CommandHandler receives private messages addressed to a services client
type CommandHandler interface {
	OnMessage(from *network.User, to *network.User, text string)
}

// Client is a services pseudo-client introduced on our own server
type Client struct {
	Nick     string
	Ident    string
	Host     string
	Realname string
	Modes    string
}

// Options describe the local server
type Options struct {
	Name        string
	Description string
	Password    string
	Version     string
	// NickLen is the nick length we expect the network to advertise
	NickLen int
	Clients []Client
}

// Engine is the context every handler and encoder works against
type Engine struct {
	Dialect  *proto.Dialect
	Net      *network.Network
	Bans     *xline.Manager
	Accounts network.Accounts
	Metrics  *metrics.Metrics

	opts     Options
	log      logging.Logger
	out      Output
	now      func() time.Time
	handlers map[string]route
	commands CommandHandler

	fingerprintHooks []func(u *network.User)
	syncHooks        []func(s *network.Server)
}

// New creates an engine for the given dialect. Nothing is sent until an
// output is attached and Handshake is called.
func New(d *proto.Dialect, opts Options, accounts network.Accounts, log logging.Logger, m *metrics.Metrics) *Engine {
	if m == nil {
		m = metrics.New()
	}
	me := network.NewServer(opts.Name, opts.Description, 0, "")
	e := &Engine{
		Dialect:  d,
		Net:      network.New(d, me),
		Accounts: accounts,
		Metrics:  m,
		opts:     opts,
		log:      log.With("component", "engine"),
		now:      time.Now,
	}
	e.registerHandlers()
	return e
}

// AttachBans wires the ban list to the engine in both directions: the
// engine supplies the connected users and carries every change to the
// uplink.
func (e *Engine) AttachBans(m *xline.Manager) {
	e.Bans = m
	m.SetPropagator(e)
}

// SetOutput points the engine at a new connection. A nil output drops
// everything sent.
func (e *Engine) SetOutput(out Output) {
	e.out = out
}

// SetClock replaces the time source
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SetCommandHandler routes messages for services clients to h
func (e *Engine) SetCommandHandler(h CommandHandler) {
	e.commands = h
}

// OnFingerprint registers fn to run whenever a user's certificate
// fingerprint changes
func (e *Engine) OnFingerprint(fn func(u *network.User)) {
	e.fingerprintHooks = append(e.fingerprintHooks, fn)
}

// OnSync registers fn to run when a server finishes its burst
func (e *Engine) OnSync(fn func(s *network.Server)) {
	e.syncHooks = append(e.syncHooks, fn)
}

// Me returns the local server
func (e *Engine) Me() *network.Server {
	return e.Net.Me()
}

// Now returns the engine's current time
func (e *Engine) Now() time.Time {
	return e.now()
}

// Handshake registers with the uplink and introduces every services
// client. It is called once per connection, before any line is read.
func (e *Engine) Handshake() {
	for _, m := range e.Dialect.Handshake(e.opts.Password, e.opts.Name, e.opts.Description, e.opts.Version) {
		e.send(m)
	}
	for _, c := range e.opts.Clients {
		u := e.Net.FindUser(c.Nick)
		if u == nil {
			var err error
			u, err = e.introduceClient(c)
			if err != nil {
				e.log.Error("failed to introduce services client", "nick", c.Nick, "error", err)
				continue
			}
		}
		e.SendNickIntro(u)
	}
}

func (e *Engine) introduceClient(c Client) (*network.User, error) {
	modes := c.Modes
	if modes == "" {
		modes = e.Dialect.DefaultClientModes
	}
	host := c.Host
	if host == "" {
		host = e.opts.Name
	}
	return e.Net.IntroduceUser(c.Nick, c.Ident, host, c.Realname, modes, e.Me(), e.now())
}

// client returns the configuration of the services client using nick
func (e *Engine) client(nick string) (Client, bool) {
	for _, c := range e.opts.Clients {
		if proto.EqualFold(c.Nick, nick) {
			return c, true
		}
	}
	return Client{}, false
}

// IsClient reports whether u is one of our own pseudo-clients
func (e *Engine) IsClient(u *network.User) bool {
	return u != nil && u.Server() == e.Me()
}

// ServiceNick returns the nick operator commands are addressed to
func (e *Engine) ServiceNick() string {
	if len(e.opts.Clients) == 0 {
		return e.opts.Name
	}
	return e.opts.Clients[0].Nick
}

// LinkLost tears down everything learned from the uplink. Services clients
// stay on the local server and are introduced again on the next Handshake.
func (e *Engine) LinkLost() {
	uplink := e.Net.Servers.Uplink()
	if uplink == nil {
		return
	}
	servers, users, err := e.Net.Reset()
	if err != nil {
		e.log.Error("could not detach every server", "error", err)
	}
	e.log.Warn("uplink lost", "uplink", uplink.Name, "servers", servers, "users", users)
	e.updateGauges()
}

// Tick runs periodic housekeeping: expiring bans
func (e *Engine) Tick() {
	if e.Bans == nil {
		return
	}
	if expired := e.Bans.Expire(); len(expired) > 0 {
		e.log.Debug("expired akills", "count", len(expired))
	}
}

func (e *Engine) updateGauges() {
	e.Metrics.Servers.Set(float64(e.Net.Servers.Len()))
	e.Metrics.Users.Set(float64(e.Net.UserCount()))
}
