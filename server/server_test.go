package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bounce/config"
	"bounce/history"
	"bounce/models"
	"bounce/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIRCd is the upstream end of a net.Pipe handed to a session.
type fakeIRCd struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (f *fakeIRCd) readLine(t *testing.T) string {
	t.Helper()
	f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := f.reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(line, "\r\n"), "line %q is not CRLF terminated", line)
	return strings.TrimSuffix(line, "\r\n")
}

func (f *fakeIRCd) send(t *testing.T, line string) {
	t.Helper()
	f.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := f.conn.Write([]byte(line + "\r\n"))
	require.NoError(t, err)
}

// expectClosed waits for the session side to close the connection.
func (f *fakeIRCd) expectClosed(t *testing.T) {
	t.Helper()
	f.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := f.reader.ReadString('\n')
	require.Error(t, err)
	var netErr net.Error
	require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "connection was not closed: %v", err)
}

// pipeDialer hands out one pipe per hostname and fails for unknown hosts.
type pipeDialer struct {
	mu    sync.Mutex
	ircds map[string]*fakeIRCd
	conns map[string]net.Conn
}

func newPipeDialer(hosts ...string) *pipeDialer {
	d := &pipeDialer{
		ircds: make(map[string]*fakeIRCd),
		conns: make(map[string]net.Conn),
	}
	for _, host := range hosts {
		ircdSide, sessionSide := net.Pipe()
		d.ircds[host] = &fakeIRCd{conn: ircdSide, reader: bufio.NewReader(ircdSide)}
		d.conns[host] = sessionSide
	}
	return d
}

func (d *pipeDialer) Dial(ctx context.Context, srv config.Server) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	conn, ok := d.conns[srv.Hostname]
	if !ok {
		return nil, errors.New("connect " + srv.Address() + ": connection refused")
	}
	delete(d.conns, srv.Hostname)
	return conn, nil
}

func (d *pipeDialer) ircd(host string) *fakeIRCd {
	return d.ircds[host]
}

func (d *pipeDialer) closeAll() {
	for _, ircd := range d.ircds {
		ircd.conn.Close()
	}
}

type recordedEvents struct {
	mu     sync.Mutex
	events []models.SessionEvent
}

func (r *recordedEvents) RecordSessionEvent(ev models.SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordedEvents) states(key string) []models.SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var states []models.SessionState
	for _, ev := range r.events {
		if ev.Key == key {
			states = append(states, ev.State)
		}
	}
	return states
}

func testNetwork(name, host string) config.Network {
	return config.Network{
		Name:     name,
		User:     "jsvana",
		Nicks:    []string{"jsvana", "jsvana_"},
		Username: "jsvana",
		Realname: "Jay Vana",
		Server:   config.Server{Hostname: host, Port: 6667},
	}
}

func testCore() config.Core {
	core := config.Default().Core
	core.ReadTimeout = 0
	core.WriteTimeout = 5 * time.Second
	return core
}

// setupTestServer creates a server writing history into a temporary
// directory.
func setupTestServer(t *testing.T, dialer Dialer, opts ...Option) (*Server, *history.Log) {
	t.Helper()

	hist, err := history.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	opts = append([]Option{WithDialer(dialer)}, opts...)
	return New(testCore(), hist, opts...), hist
}

type runResult struct {
	outcomes Outcomes
	err      error
}

func startRun(ctx context.Context, srv *Server, networks ...config.Network) <-chan runResult {
	done := make(chan runResult, 1)
	go func() {
		outcomes, err := srv.Run(ctx, networks)
		done <- runResult{outcomes: outcomes, err: err}
	}()
	return done
}

func waitRun(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not finish")
		return runResult{}
	}
}

func TestRegistration(t *testing.T) {
	dialer := newPipeDialer("irc.example.net")
	defer dialer.closeAll()
	srv, _ := setupTestServer(t, dialer)

	done := startRun(context.Background(), srv, testNetwork("hashbang", "irc.example.net"))
	ircd := dialer.ircd("irc.example.net")

	assert.Equal(t, "NICK :jsvana", ircd.readLine(t))
	assert.Equal(t, "USER jsvana 0 * :Jay Vana", ircd.readLine(t))

	// the outbox is published before any upstream bytes are read
	_, ok := srv.Routes().Lookup("jsvana:hashbang")
	assert.True(t, ok)

	ircd.conn.Close()
	res := waitRun(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, models.StateTerminated, res.outcomes["hashbang"].State)
}

func TestRegistrationWithPassword(t *testing.T) {
	dialer := newPipeDialer("irc.example.net")
	defer dialer.closeAll()
	srv, _ := setupTestServer(t, dialer)

	network := testNetwork("hashbang", "irc.example.net")
	network.Server.Password = "hunter2"
	done := startRun(context.Background(), srv, network)
	ircd := dialer.ircd("irc.example.net")

	assert.Equal(t, "PASS :hunter2", ircd.readLine(t))
	assert.Equal(t, "NICK :jsvana", ircd.readLine(t))
	assert.Equal(t, "USER jsvana 0 * :Jay Vana", ircd.readLine(t))

	ircd.conn.Close()
	require.NoError(t, waitRun(t, done).err)
}

func TestPingAndHistory(t *testing.T) {
	dialer := newPipeDialer("irc.example.net")
	defer dialer.closeAll()
	srv, hist := setupTestServer(t, dialer)

	done := startRun(context.Background(), srv, testNetwork("hashbang", "irc.example.net"))
	ircd := dialer.ircd("irc.example.net")
	ircd.readLine(t)
	ircd.readLine(t)

	ircd.send(t, "PING :1234")
	assert.Equal(t, "PONG :1234", ircd.readLine(t))

	ircd.send(t, ":irc.example.net NOTICE * :*** Looking up your hostname...")
	ircd.send(t, ":jay!jsvana@host PRIVMSG belak :hello there")
	ircd.send(t, "PING irc.example.net")
	assert.Equal(t, "PONG :irc.example.net", ircd.readLine(t))

	ircd.conn.Close()
	res := waitRun(t, done)
	require.NoError(t, res.err)

	data, err := os.ReadFile(hist.Path(history.Key{User: "jsvana", Network: "hashbang"}))
	require.NoError(t, err)
	assert.Equal(t,
		":irc.example.net NOTICE * :*** Looking up your hostname...\r\n"+
			":jay!jsvana@host PRIVMSG belak :hello there\r\n",
		string(data))
}

func TestMalformedPing(t *testing.T) {
	dialer := newPipeDialer("irc.example.net")
	defer dialer.closeAll()
	srv, _ := setupTestServer(t, dialer)

	done := startRun(context.Background(), srv, testNetwork("hashbang", "irc.example.net"))
	ircd := dialer.ircd("irc.example.net")
	ircd.readLine(t)
	ircd.readLine(t)

	ircd.send(t, "PING")
	ircd.expectClosed(t)

	res := waitRun(t, done)
	require.Error(t, res.err)
	assert.ErrorIs(t, res.outcomes["hashbang"].Err, ErrMalformedPing)

	box, ok := srv.Routes().Lookup("jsvana:hashbang")
	require.True(t, ok)
	assert.Equal(t, 0, box.Len())
}

func TestEmptyLineTerminatesSession(t *testing.T) {
	dialer := newPipeDialer("irc.example.net")
	defer dialer.closeAll()
	srv, _ := setupTestServer(t, dialer)

	done := startRun(context.Background(), srv, testNetwork("hashbang", "irc.example.net"))
	ircd := dialer.ircd("irc.example.net")
	ircd.readLine(t)
	ircd.readLine(t)

	ircd.send(t, "")
	ircd.expectClosed(t)

	res := waitRun(t, done)
	assert.ErrorIs(t, res.outcomes["hashbang"].Err, protocol.ErrEmptyInput)
}

func TestSessionIndependence(t *testing.T) {
	dialer := newPipeDialer("good.example.net")
	defer dialer.closeAll()
	events := &recordedEvents{}
	srv, _ := setupTestServer(t, dialer, WithEventRecorder(events))

	done := startRun(context.Background(), srv,
		testNetwork("broken", "broken.example.net"),
		testNetwork("good", "good.example.net"),
	)

	ircd := dialer.ircd("good.example.net")
	assert.Equal(t, "NICK :jsvana", ircd.readLine(t))
	assert.Equal(t, "USER jsvana 0 * :Jay Vana", ircd.readLine(t))
	ircd.send(t, "PING :still-here")
	assert.Equal(t, "PONG :still-here", ircd.readLine(t))

	ircd.conn.Close()
	res := waitRun(t, done)

	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "jsvana:broken")
	assert.NotContains(t, res.err.Error(), "jsvana:good")

	require.Len(t, res.outcomes, 2)
	assert.Error(t, res.outcomes["broken"].Err)
	assert.NoError(t, res.outcomes["good"].Err)

	_, ok := srv.Routes().Lookup("jsvana:broken")
	assert.False(t, ok)

	assert.Equal(t, []models.SessionState{
		models.StateConnecting,
		models.StateTerminated,
	}, events.states("jsvana:broken"))
	assert.Equal(t, []models.SessionState{
		models.StateConnecting,
		models.StateRegistering,
		models.StateActive,
		models.StateTerminated,
	}, events.states("jsvana:good"))
}

func TestTerminatedSessionRejectsSends(t *testing.T) {
	dialer := newPipeDialer("irc.example.net")
	defer dialer.closeAll()
	srv, _ := setupTestServer(t, dialer)

	done := startRun(context.Background(), srv, testNetwork("hashbang", "irc.example.net"))
	ircd := dialer.ircd("irc.example.net")
	ircd.readLine(t)
	ircd.readLine(t)
	ircd.conn.Close()
	waitRun(t, done)

	err := srv.Send("jsvana:hashbang", "PRIVMSG #go :too late")
	assert.ErrorIs(t, err, ErrOutboxClosed)
}

func TestCancelStopsSessions(t *testing.T) {
	dialer := newPipeDialer("irc.example.net")
	defer dialer.closeAll()
	srv, _ := setupTestServer(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	done := startRun(ctx, srv, testNetwork("hashbang", "irc.example.net"))
	ircd := dialer.ircd("irc.example.net")
	ircd.readLine(t)
	ircd.readLine(t)

	cancel()
	res := waitRun(t, done)
	assert.ErrorIs(t, res.outcomes["hashbang"].Err, context.Canceled)
}

func TestSendThroughRoutes(t *testing.T) {
	dialer := newPipeDialer("irc.example.net")
	defer dialer.closeAll()
	srv, _ := setupTestServer(t, dialer)

	done := startRun(context.Background(), srv, testNetwork("hashbang", "irc.example.net"))
	ircd := dialer.ircd("irc.example.net")
	ircd.readLine(t)
	ircd.readLine(t)

	require.NoError(t, srv.Send("jsvana:hashbang", "PRIVMSG #go :hello from a client"))
	assert.Equal(t, "PRIVMSG #go :hello from a client", ircd.readLine(t))

	assert.Error(t, srv.Send("jsvana:missing", "PRIVMSG #go :x"))
	assert.Error(t, srv.Send("no-colon", "PRIVMSG #go :x"))
	assert.ErrorIs(t, srv.Send("jsvana:hashbang", ""), protocol.ErrEmptyInput)

	ircd.conn.Close()
	waitRun(t, done)
}

func TestSendRateKeepsOrder(t *testing.T) {
	dialer := newPipeDialer("irc.example.net")
	defer dialer.closeAll()
	srv, _ := setupTestServer(t, dialer)
	srv.config.SendRate = 1000
	srv.config.SendBurst = 1

	network := testNetwork("hashbang", "irc.example.net")
	network.Server.Password = "hunter2"
	done := startRun(context.Background(), srv, network)
	ircd := dialer.ircd("irc.example.net")

	assert.Equal(t, "PASS :hunter2", ircd.readLine(t))
	assert.Equal(t, "NICK :jsvana", ircd.readLine(t))
	assert.Equal(t, "USER jsvana 0 * :Jay Vana", ircd.readLine(t))

	ircd.conn.Close()
	require.NoError(t, waitRun(t, done).err)
}

func TestStatsAndSessions(t *testing.T) {
	dialer := newPipeDialer("irc.example.net")
	defer dialer.closeAll()
	srv, _ := setupTestServer(t, dialer)

	done := startRun(context.Background(), srv, testNetwork("hashbang", "irc.example.net"))
	ircd := dialer.ircd("irc.example.net")
	ircd.readLine(t)
	ircd.readLine(t)
	// a round trip guarantees the session reached the active state
	ircd.send(t, "PING :sync")
	ircd.readLine(t)

	assert.Equal(t, "sessions=1,active=1,routes=jsvana:hashbang", srv.Stats())
	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, models.StateActive, sessions[0].State)
	assert.NotEmpty(t, sessions[0].ID)

	ircd.conn.Close()
	waitRun(t, done)
	assert.Equal(t, "sessions=1,active=0,routes=jsvana:hashbang", srv.Stats())
}

func TestControlSocket(t *testing.T) {
	dialer := newPipeDialer("irc.example.net")
	defer dialer.closeAll()
	srv, _ := setupTestServer(t, dialer)

	dir, err := os.MkdirTemp("", "bounce")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	socket := filepath.Join(dir, "control.sock")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := make(chan struct{})
	controlDone := make(chan error, 1)
	go func() {
		controlDone <- srv.ServeControl(ctx, socket, func() { close(shutdown) })
	}()
	require.Eventually(t, func() bool {
		_, err := os.Stat(socket)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	done := startRun(ctx, srv, testNetwork("hashbang", "irc.example.net"))
	ircd := dialer.ircd("irc.example.net")
	ircd.readLine(t)
	ircd.readLine(t)
	ircd.send(t, "PING :sync")
	ircd.readLine(t)

	replies, err := ControlRequest(socket, "stats")
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "ok", replies[0].Type)
	assert.Equal(t, "sessions=1,active=1,routes=jsvana:hashbang", replies[0].Field(0))

	replies, err = ControlRequest(socket, "sessions")
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, "session", replies[0].Type)
	assert.Equal(t, "jsvana:hashbang", replies[0].Field(0))
	assert.Equal(t, "active", replies[0].Field(1))
	assert.Equal(t, "ok", replies[1].Type)

	replies, err = ControlRequest(socket, "send", "jsvana:hashbang", "JOIN #go")
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "ok", replies[0].Type)
	assert.Equal(t, "JOIN :#go", ircd.readLine(t))

	replies, err = ControlRequest(socket, "send", "jsvana:nowhere", "JOIN #go")
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "fail", replies[0].Type)
	assert.Equal(t, "send", replies[0].Field(0))

	replies, err = ControlRequest(socket, "bogus")
	require.NoError(t, err)
	assert.Equal(t, "fail", replies[0].Type)

	replies, err = ControlRequest(socket, "shutdown")
	require.NoError(t, err)
	assert.Equal(t, "ok", replies[0].Type)
	select {
	case <-shutdown:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown callback not called")
	}

	cancel()
	waitRun(t, done)
	require.NoError(t, <-controlDone)
	_, err = os.Stat(socket)
	assert.True(t, os.IsNotExist(err))
}
