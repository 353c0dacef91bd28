// Package coord elects one leader among the agents sharing a local store.
// Only the leader drains the outbox; followers forward their writes to it.
//
// A Registry decides leadership for a scope. The Hub hosts a Registry and
// talks to Members over a transport.Conn (in-process pipe or websocket).
// Solo is the degraded single-agent coordinator used when no hub is
// reachable.
package coord

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Coordinator is one agent's view of its coordination scope.
type Coordinator interface {
	ID() string
	Start(ctx context.Context) error
	Stop() error
	// IsLeader reports whether this agent may perform remote writes now.
	IsLeader() bool
	// Leadership delivers the latest leadership state whenever it changes.
	Leadership() <-chan bool
	Tabs(ctx context.Context) ([]TabInfo, error)
	RequestLeadership(ctx context.Context) (bool, error)
	// Forward hands an intent to the leader. It returns once the intent
	// has left this agent.
	Forward(ctx context.Context, in Intent) error
	// Intents delivers intents forwarded by followers to the leader.
	Intents() <-chan Intent
	// Ack confirms an intent was applied so it is not redelivered.
	Ack(ctx context.Context, intentID string) error
}

// NewAgentID mints a random agent id.
func NewAgentID() string {
	return "agent-" + uuid.NewString()
}

// Solo is a coordinator with a single member that always leads.
type Solo struct {
	id         string
	intents    chan Intent
	leadership chan bool
	startOnce  sync.Once
	started    time.Time
}

// NewSolo returns a solo coordinator. An empty id is replaced by a random one.
func NewSolo(id string) *Solo {
	if id == "" {
		id = NewAgentID()
	}
	return &Solo{
		id:         id,
		intents:    make(chan Intent, 64),
		leadership: make(chan bool, 1),
	}
}

func (s *Solo) ID() string { return s.id }

func (s *Solo) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.started = time.Now()
		s.leadership <- true
	})
	return nil
}

func (s *Solo) Stop() error { return nil }

func (s *Solo) IsLeader() bool { return true }

func (s *Solo) Leadership() <-chan bool { return s.leadership }

func (s *Solo) Tabs(ctx context.Context) ([]TabInfo, error) {
	return []TabInfo{{ID: s.id, IsLeader: true, LastSeen: time.Now(), IsActive: true}}, nil
}

func (s *Solo) RequestLeadership(ctx context.Context) (bool, error) { return true, nil }

// Forward loops the intent back to this agent.
func (s *Solo) Forward(ctx context.Context, in Intent) error {
	in.Origin = s.id
	select {
	case s.intents <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Solo) Intents() <-chan Intent { return s.intents }

func (s *Solo) Ack(ctx context.Context, intentID string) error { return nil }

var (
	_ Coordinator = (*Solo)(nil)
	_ Coordinator = (*Member)(nil)
)
