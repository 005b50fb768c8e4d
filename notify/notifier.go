package notify

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"

	"github.com/clipnote/capsync/protocol"
)

// Filter narrows a subscription to a slice of the change stream. Zero-value
// fields match everything.
type Filter struct {
	Table      string // glob pattern over table names
	PrimaryKey []byte // exact match on the encoded primary key
	ColumnID   string // exact column id
}

// Options configure one subscription.
type Options struct {
	Filter   Filter
	Debounce time.Duration
}

// Callback receives the matching subset of a notified batch. Invoked only
// when the subset is non-empty.
type Callback func(changes []protocol.ChangeRecord)

type subscription struct {
	id        uint64
	callback  Callback
	filter    Filter
	tableGlob glob.Glob
	debounce  time.Duration

	mu      sync.Mutex
	pending []protocol.ChangeRecord
	timer   *time.Timer
	closed  atomic.Bool
}

func (s *subscription) matches(c *protocol.ChangeRecord) bool {
	if s.tableGlob != nil && !s.tableGlob.Match(c.Table) {
		return false
	}
	if s.filter.PrimaryKey != nil && !bytes.Equal(s.filter.PrimaryKey, c.PrimaryKey) {
		return false
	}
	if s.filter.ColumnID != "" && s.filter.ColumnID != c.ColumnID {
		return false
	}
	return true
}

// deliver hands a non-empty matching subset to the subscriber, either
// immediately or folded into the open debounce window.
func (s *subscription) deliver(subset []protocol.ChangeRecord) {
	if s.debounce <= 0 {
		s.callback(subset)
		return
	}

	s.mu.Lock()
	s.pending = append(s.pending, subset...)
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, s.flush)
	}
	s.mu.Unlock()
}

// flush fires the accumulated union of changes in one invocation.
func (s *subscription) flush() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()

	if len(pending) > 0 && !s.closed.Load() {
		s.callback(pending)
	}
}

func (s *subscription) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
	s.mu.Unlock()
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	hub *Hub
	sub *subscription
}

// Unsubscribe removes the subscription. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.hub.unsubscribe(s.sub.id)
}

// Hub fans merged changes out to subscribers for one (entity, database)
// pair. Notify must run after the changes are persisted, so callbacks that
// read back always see consistent state.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Subscribe registers a callback for changes matching opts.Filter.
func (h *Hub) Subscribe(cb Callback, opts Options) (*Subscription, error) {
	sub := &subscription{
		id:       h.nextID.Add(1),
		callback: cb,
		filter:   opts.Filter,
		debounce: opts.Debounce,
	}
	if opts.Filter.Table != "" {
		g, err := glob.Compile(opts.Filter.Table)
		if err != nil {
			return nil, fmt.Errorf("bad table pattern %q: %w", opts.Filter.Table, err)
		}
		sub.tableGlob = g
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return &Subscription{hub: h, sub: sub}, nil
}

// Notify delivers a change batch. Each subscriber sees only its matching
// subset; an empty subset skips the callback entirely.
func (h *Hub) Notify(changes []protocol.ChangeRecord) {
	if len(changes) == 0 {
		return
	}

	h.mu.RLock()
	subs := make([]*subscription, 0, len(h.subscriptions))
	for _, sub := range h.subscriptions {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		var subset []protocol.ChangeRecord
		for i := range changes {
			if sub.matches(&changes[i]) {
				subset = append(subset, changes[i])
			}
		}
		if len(subset) > 0 {
			sub.deliver(subset)
		}
	}
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

// CloseAll drops every subscription and stops their debounce timers.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
