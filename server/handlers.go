package server

import (
	"errors"
	"fmt"

	"bounce/protocol"

	"go.uber.org/zap"
)

var ErrMalformedPing = errors.New("PING message has no parameters")

func (sess *session) handleLine(line string) error {
	msg, err := protocol.ParseMessage(line)
	if err != nil {
		return fmt.Errorf("parse %q: %w", line, err)
	}

	sess.log.Debug("recv", zap.Stringer("message", msg))
	return sess.handleMessage(msg)
}

func (sess *session) handleMessage(msg protocol.Message) error {
	switch msg.Command {
	case "PING":
		return sess.handlePing(msg)
	default:
		return sess.handleLog(msg)
	}
}

// handlePing answers locally; PINGs are never logged.
func (sess *session) handlePing(msg protocol.Message) error {
	token, ok := msg.LastParam()
	if !ok {
		return ErrMalformedPing
	}

	if err := sess.outbox.TrySend(protocol.Pong(token)); err != nil {
		return fmt.Errorf("answer ping: %w", err)
	}
	return nil
}

func (sess *session) handleLog(msg protocol.Message) error {
	if sess.srv.history == nil {
		return nil
	}

	if err := sess.srv.history.Append(sess.key.User, sess.key.Network, "", msg); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	return nil
}

// redact hides the server password in debug output.
func redact(msg protocol.Message) string {
	if msg.Command == "PASS" {
		return "PASS ***"
	}
	return msg.String()
}
