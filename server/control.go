package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"bounce/models"
	"bounce/protocol"

	"go.uber.org/zap"
)

const controlTimeout = 10 * time.Second

// ServeControl listens on the Unix socket at path for management commands
// until ctx is done. shutdown is called when a client asks the bouncer to
// stop.
func (s *Server) ServeControl(ctx context.Context, path string, shutdown func()) error {
	log := s.log.Named("control")

	os.Remove(path)
	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	defer os.Remove(path)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	log.Info("control socket listening", zap.String("path", path))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn("error accepting control connection", zap.Error(err))
			continue
		}

		go s.handleControl(conn, shutdown)
	}
}

func (s *Server) handleControl(conn net.Conn, shutdown func()) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(controlTimeout))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return
	}

	pkt, err := protocol.ParsePacket(line)
	if err != nil {
		s.reply(conn, "fail", "Invalid command")
		return
	}

	switch pkt.Type {
	case "stats":
		s.reply(conn, "ok", s.Stats())

	case "sessions":
		for _, outcome := range s.Sessions() {
			errText := ""
			if outcome.Err != nil {
				errText = outcome.Err.Error()
			}
			s.reply(conn, "session", outcome.Key.String(), string(outcome.State), outcome.ID, errText)
		}
		s.reply(conn, "ok", "sessions")

	case "send":
		if err := s.Send(pkt.Field(0), pkt.Field(1)); err != nil {
			s.reply(conn, "fail", "send", err.Error())
			return
		}
		s.reply(conn, "ok", "send")

	case "shutdown":
		s.reply(conn, "ok", "Shutting down")
		s.log.Info("shutdown requested over control socket")
		if shutdown != nil {
			shutdown()
		}

	default:
		s.reply(conn, "fail", "Unknown command")
	}
}

// Send parses raw and queues it on the session registered under key.
func (s *Server) Send(key, raw string) error {
	if _, ok := models.ParseSessionKey(key); !ok {
		return fmt.Errorf("invalid session key %q", key)
	}

	msg, err := protocol.ParseMessage(raw)
	if err != nil {
		return err
	}

	box, ok := s.routes.Lookup(key)
	if !ok {
		return fmt.Errorf("no session for %q", key)
	}

	return box.TrySend(msg)
}

func (s *Server) reply(conn net.Conn, pktType string, fields ...string) {
	if _, err := io.WriteString(conn, protocol.FormatPacket(pktType, fields...)); err != nil {
		s.log.Debug("error writing control reply", zap.Error(err))
	}
}

// ControlRequest sends one command to the control socket at path and
// returns every reply packet.
func ControlRequest(path, command string, fields ...string) ([]*protocol.Packet, error) {
	conn, err := net.DialTimeout("unix", path, controlTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(controlTimeout))

	if _, err := io.WriteString(conn, protocol.FormatPacket(command, fields...)); err != nil {
		return nil, err
	}

	var replies []*protocol.Packet
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		pkt, err := protocol.ParsePacket(scanner.Text())
		if err != nil {
			return nil, err
		}
		replies = append(replies, pkt)
	}

	return replies, scanner.Err()
}
