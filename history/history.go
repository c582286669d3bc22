// Package history stores every message a session receives in append-only
// files laid out as
//
//	<root>/<user>/<network>/<channel>/LOG
//
// Messages that do not belong to a channel go to the _server directory.
package history

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bounce/protocol"

	"go.uber.org/multierr"
)

const (
	logFileName    = "LOG"
	ServerSentinel = "_server"
)

var ErrInvalidComponent = errors.New("invalid log path component")

// Indexer records the byte offset of the first line written in each hour.
type Indexer interface {
	RecordOffset(user, network, channel string, hour time.Time, offset int64) error
}

type Option func(*Log)

func WithIndexer(idx Indexer) Option {
	return func(l *Log) { l.index = idx }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Key names one log file.
type Key struct {
	User    string
	Network string
	Channel string
}

type handle struct {
	file     *os.File
	offset   int64
	lastHour time.Time
}

// Log caches one open handle per key. A single mutex serializes appends
// from every session.
type Log struct {
	root  string
	index Indexer
	now   func() time.Time

	mu      sync.Mutex
	handles map[Key]*handle
}

func New(root string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	l := &Log{
		root:    root,
		now:     time.Now,
		handles: make(map[Key]*handle),
	}
	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// Dir returns the directory holding the log for key.
func (l *Log) Dir(key Key) string {
	channel := key.Channel
	if channel == "" {
		channel = ServerSentinel
	}
	return filepath.Join(l.root, key.User, key.Network, channel)
}

// Path returns the log file for key.
func (l *Log) Path(key Key) string {
	return filepath.Join(l.Dir(key), logFileName)
}

// Append writes msg followed by CRLF to the log of (user, network,
// channel). An empty channel selects the server log.
func (l *Log) Append(user, network, channel string, msg protocol.Message) error {
	key := Key{User: user, Network: network, Channel: channel}
	if err := key.validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	h, err := l.open(key)
	if err != nil {
		return err
	}

	now := l.now().UTC()
	hour := now.Truncate(time.Hour)
	if l.index != nil && !hour.Equal(h.lastHour) {
		if err := l.index.RecordOffset(user, network, filepath.Base(l.Dir(key)), hour, h.offset); err != nil {
			return fmt.Errorf("index %s: %w", l.Path(key), err)
		}
	}
	h.lastHour = hour

	line := msg.String() + "\r\n"
	n, err := io.WriteString(h.file, line)
	h.offset += int64(n)
	if err != nil {
		return fmt.Errorf("write %s: %w", l.Path(key), err)
	}
	if n != len(line) {
		return fmt.Errorf("write %s: %w", l.Path(key), io.ErrShortWrite)
	}

	return nil
}

func (l *Log) open(key Key) (*handle, error) {
	if h, ok := l.handles[key]; ok {
		return h, nil
	}

	dir := l.Dir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	h := &handle{file: file, offset: info.Size()}
	l.handles[key] = h
	return h, nil
}

// Handles reports how many files are currently open.
func (l *Log) Handles() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

// Close syncs and closes every cached handle. The log stays usable; the
// next append reopens its file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	for key, h := range l.handles {
		err = multierr.Append(err, h.file.Sync())
		err = multierr.Append(err, h.file.Close())
		delete(l.handles, key)
	}

	return err
}

func (k Key) validate() error {
	if err := validComponent(k.User); err != nil {
		return fmt.Errorf("user %q: %w", k.User, err)
	}
	if err := validComponent(k.Network); err != nil {
		return fmt.Errorf("network %q: %w", k.Network, err)
	}
	if k.Channel != "" {
		if err := validComponent(k.Channel); err != nil {
			return fmt.Errorf("channel %q: %w", k.Channel, err)
		}
	}
	return nil
}

func validComponent(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) || strings.ContainsRune(s, 0) {
		return ErrInvalidComponent
	}
	return nil
}
