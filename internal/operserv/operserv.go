// Package operserv is the operator command surface. Operators message the
// operator service client; commands are dispatched on their first word and
// answered with notices from that client.
package operserv

import (
	"fmt"
	"strings"

	"github.com/dalnet/ngservices/internal/engine"
	"github.com/dalnet/ngservices/internal/logging"
	"github.com/dalnet/ngservices/internal/network"
)

// Auditor records operator actions
type Auditor interface {
	Audit(entry string) error
}

// Service answers operator commands addressed to a services client
type Service struct {
	eng     *engine.Engine
	audit   Auditor
	log     logging.Logger
	version string

	// Shutdown and restart callbacks
	OnShutdown func()
	OnRestart  func()
}

// New creates the service and registers it with the engine
func New(e *engine.Engine, audit Auditor, log logging.Logger, version string) *Service {
	s := &Service{
		eng:     e,
		audit:   audit,
		log:     log.With("component", "operserv"),
		version: version,
	}
	e.SetCommandHandler(s)
	return s
}

// request is one command being answered
type request struct {
	from *network.User
	to   *network.User
	text string
	args []string
}

func (r *request) arg(i int) string {
	if i < len(r.args) {
		return r.args[i]
	}
	return ""
}

// rest returns the text after the first n words
func (r *request) rest(n int) string {
	s := strings.TrimSpace(r.text)
	for i := 0; i < n; i++ {
		_, after, found := strings.Cut(s, " ")
		if !found {
			return ""
		}
		s = strings.TrimLeft(after, " ")
	}
	return s
}

// OnMessage handles one private message from a user
func (s *Service) OnMessage(from, to *network.User, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	r := &request{from: from, to: to, text: text, args: strings.Fields(text)}

	if !s.isOper(from) {
		s.reply(r, "Access denied.")
		s.logCommand(r, "USER - "+text)
		return
	}

	switch strings.ToUpper(r.args[0]) {
	case "HELP":
		s.cmdHelp(r)
	case "AKILL":
		s.cmdAkill(r)
	case "MAP":
		s.cmdMap(r)
	case "VERSION":
		s.cmdVersion(r)
	case "RESTART":
		s.cmdRestart(r)
	case "SHUTDOWN":
		s.cmdShutdown(r)
	default:
		s.reply(r, fmt.Sprintf("Unknown command \x02%s\x02. \"/msg %s HELP\" for help.", r.args[0], to.Nick))
	}
}

func (s *Service) isOper(u *network.User) bool {
	mode := s.eng.Dialect.OperMode
	return mode != 0 && u.HasMode(mode)
}

func (s *Service) reply(r *request, text string) {
	s.eng.SendNotice(r.to.Nick, r.from.Nick, text)
}

func (s *Service) cmdHelp(r *request) {
	s.logCommand(r, r.text)

	if strings.EqualFold(r.arg(1), "AKILL") {
		for _, line := range akillHelp {
			s.reply(r, line)
		}
		return
	}

	s.reply(r, fmt.Sprintf("%s commands:", r.to.Nick))
	s.reply(r, "    AKILL      Manipulate the AKILL list")
	s.reply(r, "    MAP        Show the server tree")
	s.reply(r, "    VERSION    Show the services version")
	s.reply(r, "    RESTART    Restart services")
	s.reply(r, "    SHUTDOWN   Stop services")
	s.reply(r, fmt.Sprintf("\"/msg %s HELP AKILL\" explains the AKILL syntax.", r.to.Nick))
}

func (s *Service) cmdMap(r *request) {
	s.logCommand(r, r.text)

	for _, line := range s.eng.Net.Servers.Render() {
		s.reply(r, line)
	}
}

func (s *Service) cmdVersion(r *request) {
	s.logCommand(r, r.text)

	s.reply(r, fmt.Sprintf("ngservices version %s", s.version))
}

func (s *Service) cmdRestart(r *request) {
	s.logCommand(r, "restart command")
	if s.OnRestart == nil {
		s.reply(r, "Restarting is not available.")
		return
	}
	s.reply(r, "Restarting")
	s.log.Warn("restart requested", "oper", r.from.Nick)
	s.delink(r, "RESTART", "Restarting")
	s.OnRestart()
}

func (s *Service) cmdShutdown(r *request) {
	s.logCommand(r, r.text)
	if s.OnShutdown == nil {
		s.reply(r, "Shutting down is not available.")
		return
	}
	s.reply(r, "Shutting down")
	s.log.Warn("shutdown requested", "oper", r.from.Nick)
	s.delink(r, "SHUTDOWN", "Shutting down")
	s.OnShutdown()
}

// delink announces the command to opers and splits services off the network
func (s *Service) delink(r *request, command, reason string) {
	s.eng.SendWallops(r.to.Nick, fmt.Sprintf("%s command received from %s", command, r.from.Nick))
	s.eng.SendSquit(s.eng.Me(), reason)
}

// logCommand stores a timestamped line in the audit log
func (s *Service) logCommand(r *request, command string) {
	timestamp := s.eng.Now().UTC().Format("Mon Jan 02, 2006 at 15:04:05 GMT")
	entry := fmt.Sprintf("%s: %s -> %s", timestamp, r.from.Mask(), command)

	if s.audit == nil {
		return
	}
	if err := s.audit.Audit(entry); err != nil {
		s.log.Error("failed to save audit log", "error", err)
	}
}
