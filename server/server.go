package server

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"bounce/config"
	"bounce/models"
	"bounce/protocol"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// MessageLog receives every inbound message that is not handled locally.
type MessageLog interface {
	Append(user, network, channel string, msg protocol.Message) error
}

// EventRecorder persists session state transitions.
type EventRecorder interface {
	RecordSessionEvent(ev models.SessionEvent) error
}

// Outcomes maps a network name to the final state of its session.
type Outcomes map[string]models.SessionOutcome

// Server supervises one session per configured network and owns the
// routing table those sessions publish into.
type Server struct {
	config  config.Core
	routes  *RouteTable
	history MessageLog
	events  EventRecorder
	dialer  Dialer
	log     *zap.Logger
	newID   func() string

	mu       sync.RWMutex
	sessions map[string]*models.SessionOutcome
}

type Option func(*Server)

func WithDialer(d Dialer) Option {
	return func(s *Server) { s.dialer = d }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

func WithEventRecorder(r EventRecorder) Option {
	return func(s *Server) { s.events = r }
}

// WithRouteTable shares an existing routing table instead of creating one.
func WithRouteTable(t *RouteTable) Option {
	return func(s *Server) { s.routes = t }
}

func New(cfg config.Core, history MessageLog, opts ...Option) *Server {
	if cfg.OutboxSize == 0 {
		cfg.OutboxSize = 10
	}

	s := &Server{
		config:   cfg,
		routes:   NewRouteTable(),
		history:  history,
		log:      zap.NewNop(),
		newID:    func() string { return uuid.New().String() },
		sessions: make(map[string]*models.SessionOutcome),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.dialer == nil {
		s.dialer = &NetDialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
			Proxy:     cfg.Proxy,
		}
	}
	s.log = s.log.Named("supervisor")

	return s
}

func (s *Server) Routes() *RouteTable {
	return s.routes
}

// Run starts one session per network and waits until every session has
// terminated. A failing session never cancels its siblings. The returned
// error combines the failures of all sessions.
func (s *Server) Run(ctx context.Context, networks []config.Network) (Outcomes, error) {
	s.log.Info("starting sessions", zap.Int("networks", len(networks)))

	results := make([]models.SessionOutcome, len(networks))
	var wg sync.WaitGroup
	for i, network := range networks {
		wg.Add(1)
		go func(i int, network config.Network) {
			defer wg.Done()
			results[i] = s.runSession(ctx, network)
		}(i, network)
	}
	wg.Wait()

	outcomes := make(Outcomes, len(results))
	var err error
	for _, outcome := range results {
		outcomes[outcome.Network] = outcome
		if outcome.Err != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", outcome.Key, outcome.Err))
		}
	}

	return outcomes, err
}

func (s *Server) runSession(ctx context.Context, network config.Network) models.SessionOutcome {
	key := models.SessionKey{User: network.User, Network: network.Name}
	outcome := &models.SessionOutcome{
		ID:      s.newID(),
		Network: network.Name,
		Key:     key,
		Started: time.Now(),
	}
	s.addSession(outcome)

	sess := newSession(s, network, outcome)
	err := sess.run(ctx)

	s.mu.Lock()
	outcome.State = models.StateTerminated
	outcome.Err = err
	outcome.Ended = time.Now()
	result := *outcome
	s.mu.Unlock()

	detail := ""
	if err != nil {
		detail = err.Error()
		sess.log.Error("session terminated", zap.Error(err))
	} else {
		sess.log.Info("session terminated")
	}
	s.recordEvent(outcome.ID, key, models.StateTerminated, detail)

	return result
}

func (s *Server) setState(outcome *models.SessionOutcome, state models.SessionState) {
	s.mu.Lock()
	outcome.State = state
	s.mu.Unlock()

	s.recordEvent(outcome.ID, outcome.Key, state, "")
}

func (s *Server) recordEvent(id string, key models.SessionKey, state models.SessionState, detail string) {
	if s.events == nil {
		return
	}

	err := s.events.RecordSessionEvent(models.SessionEvent{
		SessionID: id,
		Key:       key.String(),
		State:     state,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("failed to record session event",
			zap.String("session", key.String()),
			zap.String("state", string(state)),
			zap.Error(err))
	}
}

func (s *Server) addSession(outcome *models.SessionOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[outcome.Network] = outcome
}

// Sessions returns a snapshot of every session, sorted by network name.
func (s *Server) Sessions() []models.SessionOutcome {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.SessionOutcome, 0, len(s.sessions))
	for _, outcome := range s.sessions {
		out = append(out, *outcome)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Network < out[j].Network })
	return out
}

// Stats returns server statistics as a formatted string
func (s *Server) Stats() string {
	sessions := s.Sessions()

	active := 0
	for _, outcome := range sessions {
		if outcome.State == models.StateActive {
			active++
		}
	}

	return "sessions=" + strconv.Itoa(len(sessions)) +
		",active=" + strconv.Itoa(active) +
		",routes=" + strings.Join(s.routes.Keys(), ";")
}
