package protocol

import (
	"errors"
	"strings"
)

var (
	ErrEmptyInput = errors.New("message is empty")
)

// Prefix is the optional sender part of an IRC line: entity[!user][@host].
// Missing user or host are empty strings.
type Prefix struct {
	Entity string
	User   string
	Host   string
}

// Message is one IRC protocol line. Only the last parameter may contain
// spaces or begin with a colon.
type Message struct {
	Prefix  *Prefix
	Command string
	Params  []string
}

// NewMessage builds an outgoing message without a prefix.
func NewMessage(command string, params ...string) Message {
	if len(params) == 0 {
		params = nil
	}
	return Message{Command: command, Params: params}
}

func Pass(password string) Message {
	return NewMessage("PASS", password)
}

func Nick(nick string) Message {
	return NewMessage("NICK", nick)
}

// User builds the registration line USER <username> 0 * :<realname>.
func User(username, realname string) Message {
	return NewMessage("USER", username, "0", "*", realname)
}

func Pong(token string) Message {
	return NewMessage("PONG", token)
}

// ParsePrefix splits src once on '!' and then on '@'. Without a '!' the
// source is split on '@' alone and the user part stays empty.
func ParsePrefix(src string) Prefix {
	entity, rest, hasUser := strings.Cut(src, "!")
	if hasUser {
		user, host, _ := strings.Cut(rest, "@")
		return Prefix{Entity: entity, User: user, Host: host}
	}

	entity, host, _ := strings.Cut(entity, "@")
	return Prefix{Entity: entity, Host: host}
}

func (p Prefix) String() string {
	var b strings.Builder
	b.WriteString(p.Entity)
	if p.User != "" {
		b.WriteByte('!')
		b.WriteString(p.User)
	}
	if p.Host != "" {
		b.WriteByte('@')
		b.WriteString(p.Host)
	}
	return b.String()
}

// ParseMessage parses a single line with the line terminator already
// removed.
func ParseMessage(line string) (Message, error) {
	if len(line) == 0 {
		return Message{}, ErrEmptyInput
	}

	space := strings.IndexByte(line, ' ')
	if space < 0 {
		return Message{Command: line}, nil
	}

	var msg Message
	rest := line
	if line[0] == ':' {
		prefix := ParsePrefix(line[1:space])
		msg.Prefix = &prefix
		rest = line[space+1:]
		space = strings.IndexByte(rest, ' ')
		if space < 0 {
			space = len(rest)
		}
	}

	msg.Command = rest[:space]
	if space == len(rest) {
		return msg, nil
	}
	rest = rest[space+1:]

	for len(rest) > 0 {
		if rest[0] == ':' {
			msg.Params = append(msg.Params, rest[1:])
			break
		}

		token, remaining, found := strings.Cut(rest, " ")
		msg.Params = append(msg.Params, token)
		if !found {
			break
		}
		rest = remaining
	}

	return msg, nil
}

// String renders the message in wire form without the CRLF terminator.
// The last parameter is always written as a trailing parameter.
func (m Message) String() string {
	var b strings.Builder
	if m.Prefix != nil {
		b.WriteByte(':')
		b.WriteString(m.Prefix.String())
		b.WriteByte(' ')
	}

	b.WriteString(m.Command)

	for i, param := range m.Params {
		b.WriteByte(' ')
		if i == len(m.Params)-1 {
			b.WriteByte(':')
		}
		b.WriteString(param)
	}

	return b.String()
}

// Param returns the i-th parameter or "" when absent.
func (m Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

func (m Message) LastParam() (string, bool) {
	if len(m.Params) == 0 {
		return "", false
	}
	return m.Params[len(m.Params)-1], true
}
