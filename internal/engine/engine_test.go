package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalnet/ngservices/internal/logging"
	"github.com/dalnet/ngservices/internal/network"
	"github.com/dalnet/ngservices/internal/proto"
	"github.com/dalnet/ngservices/internal/xline"
)

var epoch = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

type recorder struct {
	lines []string
}

func (r *recorder) WriteLine(line string) {
	r.lines = append(r.lines, line)
}

func (r *recorder) take() []string {
	out := r.lines
	r.lines = nil
	return out
}

type accounts map[string]*network.Account

func (a accounts) FindAccount(name string) (*network.Account, bool) {
	acc, ok := a[strings.ToLower(name)]
	return acc, ok
}

func newTestEngine(t *testing.T, name string) (*Engine, *recorder) {
	t.Helper()
	opts := Options{
		Name:        name,
		Description: "Example services",
		Password:    "secret",
		Version:     "1.0",
		NickLen:     9,
		Clients: []Client{
			{Nick: "OperServ", Ident: "services", Realname: "Operator Service"},
		},
	}
	acc := accounts{"alice": {Name: "Alice", Registered: epoch}}

	e := New(proto.NgIRCd(), opts, acc, logging.Discard(), nil)
	e.SetClock(func() time.Time { return epoch })

	bans := xline.NewManager(xline.DefaultOptions(), e, nil, logging.Discard(), e.Metrics)
	bans.SetClock(func() time.Time { return epoch })
	e.AttachBans(bans)

	rec := &recorder{}
	e.SetOutput(rec)
	return e, rec
}

// link brings up hub.example.net as a synced uplink
func link(t *testing.T, e *Engine, rec *recorder) *network.Server {
	t.Helper()
	e.Handle("PASS secret 0210-IRC+ ngIRCd|26 CLHMSo P")
	e.Handle(":hub.example.net SERVER hub.example.net 1 :Hub server")
	e.Handle(":hub.example.net PONG hub.example.net :" + e.Me().Name)
	hub := e.Net.Servers.Find("hub.example.net")
	require.NotNil(t, hub)
	require.True(t, hub.IsSynced())
	rec.take()
	return hub
}

func TestHandshake(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	e.Handshake()

	assert.Equal(t, []string{
		":services.example.net PASS secret 0210-IRC+ ngservices|1.0 :CLHMSo P",
		":services.example.net SERVER services.example.net 1 :Example services",
		":services.example.net 376 * :End of MOTD command",
		":services.example.net NICK OperServ 1 services services.example.net 1 +io :Operator Service",
	}, rec.take())

	u := e.Net.FindUser("operserv")
	require.NotNil(t, u)
	assert.True(t, e.IsClient(u))
	assert.Equal(t, "OperServ", e.ServiceNick())

	// A second handshake reintroduces the same client
	e.Handshake()
	assert.Len(t, rec.take(), 4)
	assert.Equal(t, 1, e.Net.UserCount())
}

func TestServerSync(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	var synced []string
	e.OnSync(func(s *network.Server) { synced = append(synced, s.Name) })

	e.Handle(":hub.example.net SERVER hub.example.net 1 :Hub server")
	hub := e.Net.Servers.Find("hub.example.net")
	require.NotNil(t, hub)
	assert.Equal(t, network.AwaitingSync, hub.State)
	assert.Same(t, e.Me(), hub.Parent())
	assert.Equal(t, []string{":services.example.net PING services.example.net hub.example.net"}, rec.take())

	e.Handle(":hub.example.net SERVER leaf.example.net 2 7 :Leaf server")
	leaf := e.Net.Servers.Find("7")
	require.NotNil(t, leaf)
	assert.Same(t, hub, leaf.Parent())
	assert.Equal(t, 2, leaf.Hops)
	assert.Equal(t, []string{":services.example.net PING services.example.net leaf.example.net"}, rec.take())

	e.Handle(":leaf.example.net PONG leaf.example.net :services.example.net")
	assert.True(t, leaf.IsSynced())
	assert.False(t, hub.IsSynced())

	// A second PONG changes nothing
	e.Handle(":leaf.example.net PONG leaf.example.net :services.example.net")
	assert.Equal(t, []string{"leaf.example.net"}, synced)
	assert.Equal(t, float64(3), testutil.ToFloat64(e.Metrics.Servers))
}

func TestServerUnknownParent(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	link(t, e, rec)
	before := e.Net.Servers.Render()

	assert.NotPanics(t, func() {
		e.Handle(":nowhere.example.net SERVER stray.example.net 3 9 :Stray")
	})
	assert.Equal(t, before, e.Net.Servers.Render())
	assert.Nil(t, e.Net.Servers.Find("stray.example.net"))
	assert.Empty(t, rec.take())

	// The stream keeps flowing
	e.Handle(":hub.example.net NICK alice 1 al alice.example.org 1 + :Alice")
	assert.NotNil(t, e.Net.FindUser("alice"))
}

func TestUplinkSyncPropagatesBans(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	_, err := e.Bans.Add(xline.AddRequest{Mask: "*@bad.example.org", Expiry: "+1h", Reason: "spam", By: "oper"})
	require.NoError(t, err)
	rec.take()

	e.Handle(":hub.example.net SERVER hub.example.net 1 :Hub server")
	rec.take()
	e.Handle(":hub.example.net PONG hub.example.net :services.example.net")
	assert.Equal(t, []string{":services.example.net GLINE *@bad.example.org 3600 :spam (oper)"}, rec.take())
}

func TestNickIntroduceAndChange(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	hub := link(t, e, rec)

	e.Handle(":hub.example.net NICK alice 1 al alice.example.org 1 +iR :Alice Liddell")
	u := e.Net.FindUser("alice")
	require.NotNil(t, u)
	assert.Same(t, hub, u.Server())
	assert.Equal(t, "al", u.Ident)
	assert.Equal(t, "Alice Liddell", u.Realname)
	assert.True(t, u.HasMode('R'))

	e.Handle(":alice NICK :alice2")
	assert.Nil(t, e.Net.FindUser("alice"))
	assert.Same(t, u, e.Net.FindUser("alice2"))
	assert.False(t, u.HasMode('R'))
	assert.Equal(t, []string{":OperServ MODE alice2 -R"}, rec.take())

	// Without the registered mode nothing is sent
	e.Handle(":alice2 NICK alice3")
	assert.Empty(t, rec.take())

	e.Handle(":hub.example.net NICK bob 1 bo bob.example.org 42 + :Bob")
	assert.Nil(t, e.Net.FindUser("bob"), "unknown server token")

	e.Handle(":alice3 QUIT :bye")
	assert.Nil(t, e.Net.FindUser("alice3"))
}

func TestMetadata(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	link(t, e, rec)
	e.Handle(":hub.example.net NICK alice 1 al alice.example.org 1 +i :Alice")
	u := e.Net.FindUser("alice")
	require.NotNil(t, u)

	var fingerprints []string
	e.OnFingerprint(func(u *network.User) { fingerprints = append(fingerprints, u.Fingerprint) })

	snapshot := func() network.User {
		c := *u
		c.Modes = nil
		return c
	}
	before := snapshot()
	e.Handle(":hub.example.net METADATA alice colour :blue")
	assert.Equal(t, before, snapshot())
	assert.Equal(t, "i", u.Modes.Letters())

	e.Handle(":hub.example.net METADATA alice accountname ALICE")
	require.NotNil(t, u.Account)
	assert.Equal(t, "Alice", u.Account.Name)
	e.Handle(":hub.example.net METADATA alice accountname nobody")
	assert.Equal(t, "Alice", u.Account.Name, "unknown account leaves the binding")
	e.Handle(":hub.example.net METADATA alice accountname :")
	assert.Nil(t, u.Account)

	e.Handle(":hub.example.net METADATA alice certfp :abcdef")
	assert.Equal(t, "abcdef", u.Fingerprint)
	assert.Equal(t, []string{"abcdef"}, fingerprints)

	e.Handle(":hub.example.net METADATA alice cloakhost :cloak.example")
	e.Handle(":hub.example.net METADATA alice cloakhost :")
	assert.Equal(t, "cloak.example", u.CloakedHost)

	e.Handle(":hub.example.net METADATA alice host :real.example.org")
	e.Handle(":hub.example.net METADATA alice info :Alice L")
	e.Handle(":hub.example.net METADATA alice user :alice")
	assert.Equal(t, "real.example.org", u.Host)
	assert.Equal(t, "Alice L", u.Realname)
	assert.Equal(t, "alice", u.Ident)

	assert.NotPanics(t, func() { e.Handle(":hub.example.net METADATA ghost host :x") })
}

func TestNJoinSkipsUnknownNick(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	link(t, e, rec)
	for _, nick := range []string{"alice", "bob", "carol", "dave"} {
		e.Handle(":hub.example.net NICK " + nick + " 1 u " + nick + ".example.org 1 + :" + nick)
	}

	e.Handle(":hub.example.net NJOIN #test :@alice,+bob,ghost,%carol,dave")
	c := e.Net.FindChannel("#test")
	require.NotNil(t, c)
	assert.Equal(t, 4, c.MemberCount())

	status := func(nick string) string {
		st, ok := c.Status(e.Net.FindUser(nick))
		require.True(t, ok, nick)
		return st.Letters()
	}
	assert.Equal(t, "o", status("alice"))
	assert.Equal(t, "v", status("bob"))
	assert.Equal(t, "h", status("carol"))
	assert.Equal(t, "", status("dave"))
}

func TestChanInfoShapes(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	link(t, e, rec)

	e.Handle(":hub.example.net CHANINFO #a +nt")
	a := e.Net.FindChannel("#a")
	require.NotNil(t, a)
	assert.Equal(t, "nt", a.Modes.Letters())
	assert.Empty(t, a.Topic)

	e.Handle(":hub.example.net CHANINFO #b +n :hello world")
	b := e.Net.FindChannel("#b")
	assert.Equal(t, "hello world", b.Topic)
	assert.Equal(t, "hub.example.net", b.TopicSetter)
	assert.Equal(t, epoch, b.TopicTime)

	e.Handle(":hub.example.net CHANINFO #c +ntk secret 0 :keyed")
	c := e.Net.FindChannel("#c")
	assert.Equal(t, "knt", c.Modes.Letters())
	assert.Equal(t, "secret", c.Modes.Param('k'))
	assert.False(t, c.Modes.Has('l'), "limit slot ignored without l")

	e.Handle(":hub.example.net CHANINFO #d +lnt * 25 :limited")
	d := e.Net.FindChannel("#d")
	assert.Equal(t, "25", d.Modes.Param('l'))
	assert.False(t, d.Modes.Has('k'), "placeholder key ignored without k")
	assert.Equal(t, "limited", d.Topic)
}

func TestChannelInfoRoundTrip(t *testing.T) {
	a, recA := newTestEngine(t, "a.example.net")
	b, _ := newTestEngine(t, "b.example.net")

	c, _ := a.Net.FindOrCreateChannel("#round", epoch)
	c.SetModes(a.Dialect, "+ntkl key 10", a.Net.FindUser)
	c.SetTopic("round trip", "a.example.net", epoch)
	a.SendChannelInfo(c)

	lines := recA.take()
	require.Equal(t, []string{":a.example.net CHANINFO #round +klnt key 10 :round trip"}, lines)
	b.Handle(lines[0])

	got := b.Net.FindChannel("#round")
	require.NotNil(t, got)
	assert.Equal(t, "+klnt key 10", got.Modes.String())
	assert.Equal(t, "round trip", got.Topic)
}

func TestJoinPartKick(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	link(t, e, rec)
	e.Handle(":hub.example.net NICK alice 1 al a.example.org 1 + :Alice")
	e.Handle(":hub.example.net NICK bob 1 bo b.example.org 1 + :Bob")
	alice, bob := e.Net.FindUser("alice"), e.Net.FindUser("bob")

	e.Handle(":alice JOIN #one\aov,#two")
	one, two := e.Net.FindChannel("#one"), e.Net.FindChannel("#two")
	require.NotNil(t, one)
	require.NotNil(t, two)
	st, ok := one.Status(alice)
	require.True(t, ok)
	assert.Equal(t, "ov", st.Letters())

	e.Handle(":bob JOIN #one")
	e.Handle(":alice KICK #one bob :out")
	_, ok = one.Status(bob)
	assert.False(t, ok)

	e.Handle(":alice PART #two :later")
	assert.Equal(t, 0, two.MemberCount())

	e.Handle(":alice JOIN 0")
	assert.Empty(t, alice.Channels())

	e.Handle(":alice JOIN nochannel")
	assert.Nil(t, e.Net.FindChannel("nochannel"))
}

func TestModeAndTopic(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	link(t, e, rec)
	e.Handle(":hub.example.net NICK alice 1 al a.example.org 1 +i :Alice")
	e.Handle(":alice JOIN #test")
	c := e.Net.FindChannel("#test")
	alice := e.Net.FindUser("alice")

	e.Handle(":alice MODE #test +ob alice *!*@bad.example.org")
	st, _ := c.Status(alice)
	assert.True(t, st.Has('o'))
	assert.Equal(t, []string{"*!*@bad.example.org"}, c.Lists['b'])

	e.Handle(":alice MODE alice :+wx")
	assert.Equal(t, "iwx", alice.Modes.Letters())

	e.Handle(":alice TOPIC #test :new topic")
	assert.Equal(t, "new topic", c.Topic)
	assert.Equal(t, "alice", c.TopicSetter)

	assert.NotPanics(t, func() {
		e.Handle(":alice MODE #missing +n")
		e.Handle(":alice MODE ghost +i")
	})
}

func TestBanRoundTrip(t *testing.T) {
	a, recA := newTestEngine(t, "a.example.net")
	b, recB := newTestEngine(t, "b.example.net")

	tests := []struct {
		name    string
		expiry  string
		wantTTL time.Duration
	}{
		{"finite", "+1h", time.Hour},
		{"clamped", "+30d", 48 * time.Hour},
		{"permanent", "+0", 48 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mask := "*@" + tt.name + ".example.org"
			_, err := a.Bans.Add(xline.AddRequest{Mask: mask, Expiry: tt.expiry, Reason: "spam and more", By: "oper"})
			require.NoError(t, err)

			lines := recA.take()
			require.Len(t, lines, 1)
			b.Handle(lines[0])

			got := b.Bans.Entries()[b.Bans.Len()-1]
			assert.Equal(t, mask, got.Mask)
			assert.Equal(t, "spam and more", got.Reason)
			assert.Equal(t, "oper", got.By)
			assert.Equal(t, epoch.Add(tt.wantTTL), got.Expires)
		})
	}
	assert.Empty(t, recB.take(), "applied bans are not echoed")

	res, err := a.Bans.Del("*@finite.example.org", "oper")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count())
	lines := recA.take()
	assert.Equal(t, []string{":a.example.net GLINE *@finite.example.org"}, lines)
	b.Handle(lines[0])
	assert.Equal(t, 2, b.Bans.Len())
	assert.Empty(t, recB.take())
}

func TestGlineFromOperator(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	link(t, e, rec)
	e.Handle(":hub.example.net NICK oper 1 op o.example.org 1 +o :Oper")

	e.Handle(":oper GLINE *@x.example.org 600 :no reason given")
	require.Equal(t, 1, e.Bans.Len())
	x := e.Bans.Entry(1)
	assert.Equal(t, "oper", x.By)
	assert.Equal(t, "no reason given", x.Reason)

	e.Handle(":oper GLINE *@y.example.org 0 :forever")
	assert.True(t, e.Bans.Entry(2).Permanent())

	e.Handle(":oper GLINE *@x.example.org nonsense :bad")
	assert.Equal(t, 2, e.Bans.Len())
	assert.Empty(t, rec.take())
}

func TestGlineEchoKeepsLongerBans(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	link(t, e, rec)

	_, err := e.Bans.Add(xline.AddRequest{Mask: "*@perm.example.org", Expiry: "+0", Reason: "spam", By: "oper"})
	require.NoError(t, err)
	_, err = e.Bans.Add(xline.AddRequest{Mask: "*@month.example.org", Expiry: "+30d", Reason: "spam", By: "oper"})
	require.NoError(t, err)
	rec.take()

	// ngIRCd replays our bans with the clamped lifetime
	e.Handle(":hub.example.net GLINE *@perm.example.org 172800 :spam (oper)")
	e.Handle(":hub.example.net GLINE *@month.example.org 172800 :spam (oper)")
	assert.True(t, e.Bans.Entry(1).Permanent())
	assert.Equal(t, epoch.Add(30*24*time.Hour), e.Bans.Entry(2).Expires)

	later := epoch.Add(49 * time.Hour)
	e.Bans.SetClock(func() time.Time { return later })
	e.Tick()
	assert.Equal(t, 2, e.Bans.Len())
	assert.Empty(t, rec.take())

	e.Handle(":hub.example.net GLINE *@month.example.org 0 :forever (oper)")
	assert.True(t, e.Bans.Entry(2).Permanent())
	assert.Equal(t, "forever", e.Bans.Entry(2).Reason)
}

func TestKillReintroducesClient(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	e.Handshake()
	link(t, e, rec)
	old := e.Net.FindUser("OperServ")

	e.Handle(":hub.example.net KILL OperServ :oops")
	u := e.Net.FindUser("OperServ")
	require.NotNil(t, u)
	assert.NotSame(t, old, u)
	assert.Equal(t, []string{
		":services.example.net NICK OperServ 1 services services.example.net 1 +io :Operator Service",
	}, rec.take())

	e.Handle(":hub.example.net NICK alice 1 al a.example.org 1 + :Alice")
	e.Handle(":OperServ KILL alice :bye")
	assert.Nil(t, e.Net.FindUser("alice"))
	assert.Empty(t, rec.take())
}

func TestSquitAndLinkLost(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	e.Handshake()
	link(t, e, rec)
	e.Handle(":hub.example.net SERVER leaf.example.net 2 7 :Leaf")
	e.Handle(":hub.example.net SERVER far.example.net 3 8 :Far")
	e.Handle(":hub.example.net NICK alice 1 al a.example.org 7 + :Alice")
	e.Handle(":hub.example.net NICK bob 1 bo b.example.org 1 + :Bob")

	e.Handle(":hub.example.net SQUIT leaf.example.net :split")
	assert.Nil(t, e.Net.Servers.Find("leaf.example.net"))
	assert.Nil(t, e.Net.FindUser("alice"))
	assert.NotNil(t, e.Net.FindUser("bob"))

	e.LinkLost()
	assert.Equal(t, 1, e.Net.Servers.Len())
	assert.Nil(t, e.Net.FindUser("bob"))
	assert.NotNil(t, e.Net.FindUser("OperServ"))
	assert.Nil(t, e.Net.Servers.Uplink())

	assert.NotPanics(t, e.LinkLost)
}

func TestPrivmsgRoutesToCommands(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	e.Handshake()
	link(t, e, rec)
	e.Handle(":hub.example.net NICK alice 1 al a.example.org 1 +o :Alice")

	var got []string
	e.SetCommandHandler(commandFunc(func(from, to *network.User, text string) {
		got = append(got, from.Nick+">"+to.Nick+":"+text)
	}))

	e.Handle(":alice PRIVMSG operserv :akill list")
	e.Handle(":alice PRIVMSG #chan :hello")
	e.Handle(":alice PRIVMSG bob :hi")
	assert.Equal(t, []string{"alice>OperServ:akill list"}, got)
}

type commandFunc func(from, to *network.User, text string)

func (f commandFunc) OnMessage(from, to *network.User, text string) { f(from, to, text) }

func TestPingAnd005(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	link(t, e, rec)

	e.Handle("PING :hub.example.net")
	assert.Equal(t, []string{":services.example.net PONG services.example.net hub.example.net"}, rec.take())

	e.Handle(":hub.example.net 005 services.example.net MODES=6 NICKLEN=30 :are supported on this server")
	assert.Equal(t, 6, e.Dialect.MaxModes)
}

func TestDroppedLines(t *testing.T) {
	e, _ := newTestEngine(t, "services.example.net")

	e.Handle("")
	e.Handle(":onlysource")
	e.Handle("FROBNICATE x")
	e.Handle("SERVER hub.example.net")
	e.Handle(":hub.example.net NICK a b c")

	assert.Equal(t, float64(1), testutil.ToFloat64(e.Metrics.LinesDropped.WithLabelValues("malformed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.Metrics.LinesDropped.WithLabelValues("unknown")))
	assert.Equal(t, float64(2), testutil.ToFloat64(e.Metrics.LinesDropped.WithLabelValues("short")))
	assert.Equal(t, 1, e.Net.Servers.Len())
}

func TestCapabilitiesPrefix(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	link(t, e, rec)

	e.Handle(":hub.example.net 005 services.example.net PREFIX=(ov)@+ :are supported")
	_, ok := e.Dialect.StatusModeFor('%')
	assert.False(t, ok)

	e.Handle(":hub.example.net 005 services.example.net PREFIX=broken :are supported")
	mode, ok := e.Dialect.StatusModeFor('@')
	require.True(t, ok)
	assert.Equal(t, byte('o'), mode)
}

func TestSendChannelInfoShapes(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")

	plain, _ := e.Net.FindOrCreateChannel("#plain", epoch)
	plain.SetModes(e.Dialect, "+nt", e.Net.FindUser)
	e.SendChannelInfo(plain)

	topic, _ := e.Net.FindOrCreateChannel("#topic", epoch)
	topic.SetModes(e.Dialect, "+n", e.Net.FindUser)
	topic.SetTopic("hi there", "alice", epoch)
	e.SendChannelInfo(topic)

	limited, _ := e.Net.FindOrCreateChannel("#limited", epoch)
	limited.SetModes(e.Dialect, "+l 5", e.Net.FindUser)
	e.SendChannelInfo(limited)

	assert.Equal(t, []string{
		":services.example.net CHANINFO #plain +nt",
		":services.example.net CHANINFO #topic +n :hi there",
		":services.example.net CHANINFO #limited +l * 5 :",
	}, rec.take())
}

func TestSendChannelModeChunks(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	e.Handshake()
	rec.take()
	c, _ := e.Net.FindOrCreateChannel("#big", epoch)

	var changes []network.ModeChange
	for _, mask := range []string{"a!*@*", "b!*@*", "c!*@*", "d!*@*", "e!*@*", "f!*@*"} {
		changes = append(changes, network.ModeChange{Adding: true, Mode: 'b', Param: mask})
	}
	changes = append(changes, network.ModeChange{Adding: false, Mode: 'n'})
	e.SendChannelMode("OperServ", c, changes)

	assert.Equal(t, []string{
		":OperServ MODE #big +bbbbb a!*@* b!*@* c!*@* d!*@* e!*@*",
		":OperServ MODE #big +b-n f!*@*",
	}, rec.take())
	assert.Len(t, c.Lists['b'], 6)
}

func TestSendVhost(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	e.Handshake()
	link(t, e, rec)
	e.Handle(":hub.example.net NICK alice 1 al a.example.org 1 +i :Alice")
	u := e.Net.FindUser("alice")

	e.SendVhostSet(u, "ali", "cool.vhost")
	assert.Equal(t, []string{
		":services.example.net METADATA alice user ali",
		":services.example.net METADATA alice cloakhost cool.vhost",
		":OperServ MODE alice +x",
	}, rec.take())
	assert.Equal(t, "cool.vhost", u.DisplayedHost(e.Dialect.CloakMode))

	e.SendVhostDel(u)
	assert.Equal(t, []string{
		":services.example.net METADATA alice user al",
		":services.example.net METADATA alice cloakhost :",
	}, rec.take())
	assert.Equal(t, "a.example.org", u.DisplayedHost(e.Dialect.CloakMode))
}

func TestSendLoginLogout(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	link(t, e, rec)
	e.Handle(":hub.example.net NICK alice 1 al a.example.org 1 + :Alice")
	u := e.Net.FindUser("alice")
	acc, _ := e.Accounts.FindAccount("alice")

	e.SendLogin(u, acc)
	assert.True(t, u.IsLoggedIn())
	e.SendLogout(u)
	assert.False(t, u.IsLoggedIn())
	assert.Equal(t, []string{
		":services.example.net METADATA alice accountname Alice",
		":services.example.net METADATA alice accountname :",
	}, rec.take())
}

func TestCheckUsesCloakedHost(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	link(t, e, rec)
	e.Handle(":hub.example.net NICK alice 1 al a.example.org 1 + :Alice")
	e.Handle(":hub.example.net NICK bob 1 bo b.example.org 1 + :Bob")
	e.Handle(":hub.example.net METADATA alice cloakhost :hidden.example")
	u := e.Net.FindUser("alice")

	_, err := e.Bans.Add(xline.AddRequest{Mask: "*@hidden.example", Expiry: "+1h", Reason: "r", By: "oper"})
	require.NoError(t, err)
	assert.NotNil(t, e.Check(u))
	assert.Nil(t, e.Check(e.Net.FindUser("bob")))
}

func TestSendUserActions(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	e.Handshake()
	link(t, e, rec)
	e.Handle(":hub.example.net NICK alice 1 al a.example.org 1 + :Alice")
	alice := e.Net.FindUser("alice")
	svc := e.Net.FindUser("OperServ")
	c, _ := e.Net.FindOrCreateChannel("#c", epoch)

	e.SendSVSNick(alice, "bob")
	e.SendJoin(svc, c, network.ModeSet{'o': ""})
	e.SendTopic("OperServ", c, "hello world")
	e.SendPrivmsg("OperServ", "#c", "hi")
	e.SendPart(svc, c, "")
	e.SendJoin(svc, c, nil)
	e.SendPart(svc, c, "bye now")
	e.SendKill("OperServ", alice, "bye now")

	assert.Equal(t, []string{
		":services.example.net SVSNICK alice bob",
		":OperServ JOIN #c\ao",
		":OperServ TOPIC #c :hello world",
		":OperServ PRIVMSG #c hi",
		":OperServ PART #c",
		":OperServ JOIN #c",
		":OperServ PART #c :bye now",
		":OperServ KILL alice :bye now",
	}, rec.take())

	assert.Equal(t, "hello world", c.Topic)
	assert.Equal(t, "OperServ", c.TopicSetter)
	assert.Equal(t, epoch, c.TopicTime)
	assert.Equal(t, 0, c.MemberCount())
	assert.Nil(t, e.Net.FindUser("alice"))

	e.SendQuit(svc, "leaving now")
	assert.Equal(t, []string{":OperServ QUIT :leaving now"}, rec.take())
	assert.Nil(t, e.Net.FindUser("OperServ"))
}

func TestSendServerActions(t *testing.T) {
	e, rec := newTestEngine(t, "services.example.net")
	hub := link(t, e, rec)

	e.SendServer(network.NewServer("jupe.example.net", "Juped server", 1, "5"))
	e.SendSquit(hub, "gone away")
	e.SendWallops("OperServ", "hello there")

	assert.Equal(t, []string{
		":services.example.net SERVER jupe.example.net 2 5 :Juped server",
		":services.example.net SQUIT hub.example.net :gone away",
		":OperServ WALLOPS :hello there",
	}, rec.take())
}
