// Package proto holds the server-link wire codec and the dialect table that
// describes what the uplink software supports.
package proto

import (
	"errors"
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
)

var (
	ErrEmptyLine      = errors.New("empty line")
	ErrMissingCommand = errors.New("line has no command")
)

// Message is one line of the server-to-server protocol
type Message struct {
	// Source is the prefix without its leading ':'; empty when the peer
	// omitted one.
	Source  string
	Command string
	Params  []string
}

// NewMessage builds a message with the given source, command and params
func NewMessage(source, command string, params ...string) Message {
	return Message{Source: source, Command: command, Params: params}
}

// Param returns the i'th parameter, or "" when it is absent
func (m Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// Parse splits a line into source, command and parameters. A parameter
// introduced by ':' runs to the end of the line. Tags are dropped; the
// server link never carries them.
func Parse(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Message{}, ErrEmptyLine
	}
	if line[0] == ':' && !strings.Contains(line, " ") {
		return Message{}, ErrMissingCommand
	}
	msg, err := ircmsg.ParseLine(line)
	if err != nil {
		if errors.Is(err, ircmsg.ErrorLineIsEmpty) {
			return Message{}, ErrEmptyLine
		}
		return Message{}, err
	}
	if msg.Command == "" {
		return Message{}, ErrMissingCommand
	}
	return Message{
		Source:  msg.Source,
		Command: strings.ToUpper(msg.Command),
		Params:  msg.Params,
	}, nil
}

// Render is the inverse of Parse. The returned line has no trailing CRLF.
func Render(m Message) (string, error) {
	if m.Command == "" {
		return "", ErrMissingCommand
	}
	msg := ircmsg.MakeMessage(nil, m.Source, m.Command, m.Params...)
	line, err := msg.Line()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// String renders the message for logs, ignoring encoding errors
func (m Message) String() string {
	line, err := Render(m)
	if err != nil {
		return m.Command + " " + strings.Join(m.Params, " ")
	}
	return line
}
