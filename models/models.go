package models

import (
	"strings"
	"time"
)

// SessionKey identifies one upstream session: the bouncer user and the
// network name. Its string form "user:network" is the routing key.
type SessionKey struct {
	User    string
	Network string
}

func (k SessionKey) String() string {
	return k.User + ":" + k.Network
}

// ParseSessionKey splits "user:network" on the first colon.
func ParseSessionKey(s string) (SessionKey, bool) {
	user, network, ok := strings.Cut(s, ":")
	if !ok || user == "" || network == "" {
		return SessionKey{}, false
	}
	return SessionKey{User: user, Network: network}, true
}

type SessionState string

const (
	StateConnecting  SessionState = "connecting"
	StateRegistering SessionState = "registering"
	StateActive      SessionState = "active"
	StateTerminated  SessionState = "terminated"
)

// SessionOutcome is the observable status of one session run.
type SessionOutcome struct {
	ID      string
	Network string
	Key     SessionKey
	State   SessionState
	Err     error
	Started time.Time
	Ended   time.Time
}

// SessionEvent is one recorded state transition.
type SessionEvent struct {
	SessionID string
	Key       string
	State     SessionState
	Detail    string
	Timestamp time.Time
}

// LogOffset marks the byte offset of the first history line appended in
// a given hour.
type LogOffset struct {
	User    string
	Network string
	Channel string
	Hour    time.Time
	Offset  int64
}
