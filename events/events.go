// Package events carries the event feed the sync engine publishes to its
// UI. A Bus is created once per engine and passed by reference to every
// component that publishes; there is no package-level bus.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type names one kind of event.
type Type string

const (
	TransactionQueued     Type = "transaction_queued"
	TransactionProcessing Type = "transaction_processing"
	TransactionCompleted  Type = "transaction_completed"
	TransactionFailed     Type = "transaction_failed"
	TransactionRollback   Type = "transaction_rollback"
	SyncStarted           Type = "sync_started"
	SyncCompleted         Type = "sync_completed"
	NetworkStatusChanged  Type = "network_status_changed"

	IntentForwarded      Type = "intent_forwarded"
	LeadershipChanged    Type = "leadership_changed"
	StorageDegraded      Type = "storage_degraded"
	CoordinationDegraded Type = "coordination_degraded"
)

// Event is one entry of the feed. Fields irrelevant to Type are empty.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`

	TransactionID   string `json:"transaction_id,omitempty"`
	TransactionType string `json:"transaction_type,omitempty"`
	PageID          string `json:"page_id,omitempty"`
	Retries         int    `json:"retries,omitempty"`
	Error           string `json:"error,omitempty"`

	// Snapshot is the caller's rollback snapshot, byte for byte. It is
	// base64 on the wire.
	Snapshot []byte `json:"rollback_snapshot,omitempty"`

	Online    *bool `json:"online,omitempty"`
	Leader    *bool `json:"leader,omitempty"`
	Processed int   `json:"processed,omitempty"`
	Succeeded int   `json:"succeeded,omitempty"`
	Failed    int   `json:"failed,omitempty"`
	Pending   int   `json:"pending,omitempty"`

	AgentID string `json:"agent_id,omitempty"`
}

// Bool is a helper for the optional boolean fields.
func Bool(v bool) *bool {
	return &v
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and its Dropped counter grows.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus(logger *zap.SugaredLogger) *Bus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
		now:    time.Now,
	}
}

// Subscription receives events of the requested types (all types when none
// were requested) until Close.
type Subscription struct {
	bus     *Bus
	ch      chan Event
	types   map[Type]bool
	dropped atomic.Int64
	once    sync.Once
}

// Subscribe registers a subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscription{bus: b, ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[Type]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// C is the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped is how many events this subscriber missed.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the channel. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Publish stamps ev and delivers it to every interested subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.types != nil && !s.types[ev.Type] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			if s.dropped.Add(1) == 1 {
				b.logger.Warnw("Event subscriber is not keeping up, dropping events",
					"event", ev.Type,
				)
			}
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
