package proto

import (
	"strings"
	"time"
)

// StatusMode pairs a member status prefix with the channel mode it grants
type StatusMode struct {
	Prefix byte
	Mode   byte
}

// Dialect describes one uplink implementation: its limits, its mode tables
// and the lines it expects during the handshake. Values here may be updated
// at runtime from the peer's capability numeric.
type Dialect struct {
	Name string

	// MaxModes is the most mode changes allowed on one MODE line
	MaxModes int
	// MaxBanDuration is the longest lifetime a network ban may carry on the
	// wire; longer or permanent bans are clamped to it.
	MaxBanDuration time.Duration

	CanCertFP    bool
	CanSVSNick   bool
	CanSetVHost  bool
	CanSetVIdent bool

	// CloakMode is the user mode showing the cloaked host, 0 if the dialect
	// has no such mode.
	CloakMode      byte
	RegisteredMode byte
	OperMode       byte

	DefaultClientModes string

	// Status prefixes ordered from highest to lowest rank
	Status []StatusMode
	// ListModes carry a parameter on set and unset and hold many values
	ListModes string
	// ParamModes carry a parameter on set and unset
	ParamModes string
	// SetParamModes carry a parameter only when set
	SetParamModes string

	ChannelPrefixes string
	ChannelLen      int

	ProtocolVersion string
	ProtocolFlags   string
}

// NgIRCd returns the dialect table for ngIRCd 20+
func NgIRCd() *Dialect {
	return &Dialect{
		Name:           "ngIRCd",
		MaxModes:       5,
		MaxBanDuration: 48 * time.Hour,

		CanCertFP:    true,
		CanSVSNick:   true,
		CanSetVHost:  true,
		CanSetVIdent: true,

		CloakMode:      'x',
		RegisteredMode: 'R',
		OperMode:       'o',

		DefaultClientModes: "+oi",

		Status: []StatusMode{
			{Prefix: '~', Mode: 'q'},
			{Prefix: '&', Mode: 'a'},
			{Prefix: '@', Mode: 'o'},
			{Prefix: '%', Mode: 'h'},
			{Prefix: '+', Mode: 'v'},
		},
		ListModes:     "beI",
		ParamModes:    "k",
		SetParamModes: "l",

		ChannelPrefixes: "#&+",
		ChannelLen:      50,

		ProtocolVersion: "0210-IRC+",
		ProtocolFlags:   "CLHMSo P",
	}
}

// Format is applied to every outbound message. ngIRCd requires a prefix on
// every server-link line, so an empty source becomes our own server.
func (d *Dialect) Format(m Message, me string) Message {
	if m.Source == "" {
		m.Source = me
	}
	return m
}

// Handshake returns the lines that register us with the uplink: the
// credential line, our self introduction and the end-of-handshake sentinel.
func (d *Dialect) Handshake(password, me, description, version string) []Message {
	return []Message{
		NewMessage("", "PASS", password, d.ProtocolVersion, "ngservices|"+version, d.ProtocolFlags),
		NewMessage("", "SERVER", me, "1", description),
		NewMessage("", "376", "*", "End of MOTD command"),
	}
}

// StatusModeFor maps a member prefix character to its channel mode
func (d *Dialect) StatusModeFor(prefix byte) (byte, bool) {
	for _, s := range d.Status {
		if s.Prefix == prefix {
			return s.Mode, true
		}
	}
	return 0, false
}

// IsStatusMode reports whether mode grants a member status
func (d *Dialect) IsStatusMode(mode byte) bool {
	for _, s := range d.Status {
		if s.Mode == mode {
			return true
		}
	}
	return false
}

// IsListMode reports whether mode is a list such as bans or exceptions
func (d *Dialect) IsListMode(mode byte) bool {
	return strings.IndexByte(d.ListModes, mode) >= 0
}

// TakesParam reports whether a channel mode consumes a parameter when it is
// set (adding) or unset.
func (d *Dialect) TakesParam(mode byte, adding bool) bool {
	switch {
	case d.IsStatusMode(mode), d.IsListMode(mode):
		return true
	case strings.IndexByte(d.ParamModes, mode) >= 0:
		return true
	case strings.IndexByte(d.SetParamModes, mode) >= 0:
		return adding
	}
	return false
}

// SetStatusPrefixes replaces the status table from an advertised
// PREFIX=(modes)prefixes value. It returns false if the value is malformed.
func (d *Dialect) SetStatusPrefixes(value string) bool {
	if !strings.HasPrefix(value, "(") {
		return false
	}
	end := strings.IndexByte(value, ')')
	if end < 0 {
		return false
	}
	modes, prefixes := value[1:end], value[end+1:]
	if len(modes) != len(prefixes) {
		return false
	}
	status := make([]StatusMode, 0, len(modes))
	for i := 0; i < len(modes); i++ {
		status = append(status, StatusMode{Prefix: prefixes[i], Mode: modes[i]})
	}
	d.Status = status
	return true
}

// IsChannelValid reports whether name is syntactically a channel name
func (d *Dialect) IsChannelValid(name string) bool {
	if len(name) < 2 || strings.IndexByte(d.ChannelPrefixes, name[0]) < 0 {
		return false
	}
	if d.ChannelLen > 0 && len(name) > d.ChannelLen {
		return false
	}
	return !strings.ContainsAny(name, " ,\a\x00\r\n")
}
