package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"bounce/config"
	"bounce/models"
	"bounce/protocol"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// session owns one upstream connection from dial to termination.
type session struct {
	srv     *Server
	network config.Network
	key     models.SessionKey
	outcome *models.SessionOutcome
	outbox  *Outbox
	limiter *rate.Limiter
	log     *zap.Logger
}

func newSession(srv *Server, network config.Network, outcome *models.SessionOutcome) *session {
	sess := &session{
		srv:     srv,
		network: network,
		key:     outcome.Key,
		outcome: outcome,
		log: srv.log.Named("session").With(
			zap.String("session", outcome.Key.String()),
			zap.String("network", network.Name),
			zap.String("session_id", outcome.ID),
		),
	}

	if srv.config.SendRate > 0 {
		burst := srv.config.SendBurst
		if burst < 1 {
			burst = 1
		}
		sess.limiter = rate.NewLimiter(rate.Limit(srv.config.SendRate), burst)
	}

	return sess
}

func (sess *session) setState(state models.SessionState) {
	sess.srv.setState(sess.outcome, state)
	sess.log.Info("session state changed", zap.String("state", string(state)))
}

func (sess *session) run(ctx context.Context) error {
	sess.setState(models.StateConnecting)

	conn, err := sess.srv.dialer.Dial(ctx, sess.network.Server)
	if err != nil {
		return err
	}
	defer conn.Close()

	sess.log.Debug("connection established",
		zap.String("address", sess.network.Server.Address()),
		zap.Bool("ssl", sess.network.Server.SSL))

	sess.setState(models.StateRegistering)
	sess.outbox = NewOutbox(sess.srv.config.OutboxSize)
	if err := sess.register(); err != nil {
		return err
	}

	if _, replaced := sess.srv.routes.Insert(sess.key.String(), sess.outbox); replaced {
		sess.log.Warn("replaced existing route")
	}

	sess.setState(models.StateActive)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-loopCtx.Done()
		conn.Close()
	}()

	var readErr, writeErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer sess.outbox.Close()
		readErr = sess.readLoop(conn)
		if readErr != nil {
			conn.Close()
		}
	}()
	go func() {
		defer wg.Done()
		writeErr = sess.writeLoop(loopCtx, conn)
		if writeErr != nil {
			conn.Close()
		}
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return multierr.Combine(readErr, writeErr)
}

// register queues the registration burst. Nothing is written until the
// write loop starts.
func (sess *session) register() error {
	var msgs []protocol.Message
	if password := sess.network.Server.Password; password != "" {
		msgs = append(msgs, protocol.Pass(password))
	}
	msgs = append(msgs,
		protocol.Nick(sess.network.Nick()),
		protocol.User(sess.network.Username, sess.network.Realname),
	)

	for _, msg := range msgs {
		if err := sess.outbox.TrySend(msg); err != nil {
			return fmt.Errorf("register: %w", err)
		}
	}
	return nil
}

func (sess *session) readLoop(conn net.Conn) error {
	reader := bufio.NewReader(conn)
	timeout := sess.srv.config.ReadTimeout

	for {
		if timeout > 0 {
			conn.SetReadDeadline(time.Now().Add(timeout))
		}

		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read: %w", err)
		}

		if line != "" {
			line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
			if herr := sess.handleLine(line); herr != nil {
				return herr
			}
		}

		if err != nil {
			sess.log.Debug("upstream closed the connection")
			return nil
		}
	}
}

func (sess *session) writeLoop(ctx context.Context, conn net.Conn) error {
	timeout := sess.srv.config.WriteTimeout

	for msg := range sess.outbox.Messages() {
		if sess.limiter != nil {
			if err := sess.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		if timeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(timeout))
		}

		sess.log.Debug("send", zap.String("line", redact(msg)))
		if _, err := io.WriteString(conn, msg.String()+"\r\n"); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}

	return nil
}
