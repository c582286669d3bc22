package server

import (
	"errors"
	"sort"
	"sync"

	"bounce/protocol"
)

var (
	ErrOutboxFull   = errors.New("outbox full")
	ErrOutboxClosed = errors.New("outbox closed")
)

// Outbox is the bounded queue of messages waiting to be written to one
// upstream connection. Sends never block.
type Outbox struct {
	mu     sync.RWMutex
	ch     chan protocol.Message
	closed bool
}

func NewOutbox(size int) *Outbox {
	return &Outbox{ch: make(chan protocol.Message, size)}
}

// TrySend enqueues msg or fails immediately when the outbox is full or
// closed.
func (o *Outbox) TrySend(msg protocol.Message) error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		return ErrOutboxClosed
	}

	select {
	case o.ch <- msg:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Close stops further sends. Messages already queued are still delivered
// by Messages.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

func (o *Outbox) Messages() <-chan protocol.Message {
	return o.ch
}

func (o *Outbox) Len() int {
	return len(o.ch)
}

// RouteTable maps a routing key ("user:network") to the outbox of that
// session. Conflicting inserts resolve as last write wins.
type RouteTable struct {
	mu     sync.Mutex
	routes map[string]*Outbox
}

func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[string]*Outbox)}
}

// Insert stores box under key and returns the outbox it replaced, if any.
func (t *RouteTable) Insert(key string, box *Outbox) (*Outbox, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.routes[key]
	t.routes[key] = box
	return prev, ok
}

func (t *RouteTable) Lookup(key string) (*Outbox, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	box, ok := t.routes[key]
	return box, ok
}

// Keys returns the registered keys in sorted order.
func (t *RouteTable) Keys() []string {
	t.mu.Lock()
	keys := make([]string, 0, len(t.routes))
	for key := range t.routes {
		keys = append(keys, key)
	}
	t.mu.Unlock()

	sort.Strings(keys)
	return keys
}

func (t *RouteTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.routes)
}
