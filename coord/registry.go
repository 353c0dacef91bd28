package coord

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/logger"
)

// TabInfo describes one registered agent.
type TabInfo struct {
	ID       string    `json:"id"`
	IsLeader bool      `json:"is_leader"`
	LastSeen time.Time `json:"last_seen"`
	IsActive bool      `json:"is_active"`
}

// Registry is a coordination scope. It is the only place leadership is
// decided: the lowest-id active agent wins when nobody leads, and a live
// leader is never preempted.
type Registry struct {
	mu            sync.Mutex
	tabs          map[string]*TabInfo
	leader        string
	heartbeat     time.Duration
	leaderTimeout time.Duration
	now           func() time.Time
	logger        *zap.SugaredLogger
	listeners     []func(leader string)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock overrides the registry's time source.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty scope. leaderTimeout must exceed two
// heartbeat intervals so one late heartbeat never costs leadership.
func NewRegistry(heartbeat, leaderTimeout time.Duration, log *zap.SugaredLogger, opts ...RegistryOption) (*Registry, error) {
	if heartbeat <= 0 {
		return nil, errors.NewInvalidRequestError("heartbeat interval must be positive, got %s", heartbeat)
	}
	if leaderTimeout <= 2*heartbeat {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("leader timeout %s must exceed twice the heartbeat interval %s", leaderTimeout, heartbeat),
			"raise coordination.leader_timeout_ms or lower coordination.heartbeat_interval_ms")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Registry{
		tabs:          make(map[string]*TabInfo),
		heartbeat:     heartbeat,
		leaderTimeout: leaderTimeout,
		now:           time.Now,
		logger:        logger.AddLeaderSymbol(log),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// HeartbeatInterval is how often members must check in.
func (r *Registry) HeartbeatInterval() time.Duration { return r.heartbeat }

// LeaderTimeout is how long silence is tolerated.
func (r *Registry) LeaderTimeout() time.Duration { return r.leaderTimeout }

// OnLeaderChange registers fn to run after every leadership change. fn is
// called without the registry lock held.
func (r *Registry) OnLeaderChange(fn func(leader string)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// RegisterTab adds or refreshes id and runs an election if nobody leads.
func (r *Registry) RegisterTab(id string) TabInfo {
	r.mu.Lock()
	t, ok := r.tabs[id]
	if !ok {
		t = &TabInfo{ID: id}
		r.tabs[id] = t
	}
	t.LastSeen = r.now()
	t.IsActive = true
	changed := r.electLocked()
	info := *t
	r.mu.Unlock()

	if !ok {
		r.logger.Infow("Agent registered", logger.FieldAgentID, id, logger.FieldLeader, info.IsLeader)
	}
	r.notify(changed)
	return info
}

// UnregisterTab removes id. If it led, a successor is elected at once.
func (r *Registry) UnregisterTab(id string) {
	r.mu.Lock()
	if _, ok := r.tabs[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.tabs, id)
	if r.leader == id {
		r.leader = ""
	}
	changed := r.electLocked()
	r.mu.Unlock()

	r.logger.Infow("Agent unregistered", logger.FieldAgentID, id)
	r.notify(changed)
}

// Heartbeat refreshes id's liveness.
func (r *Registry) Heartbeat(id string) (TabInfo, error) {
	r.mu.Lock()
	t, ok := r.tabs[id]
	if !ok {
		r.mu.Unlock()
		return TabInfo{}, errors.NewNotFoundError("agent %s", id)
	}
	t.LastSeen = r.now()
	wasActive := t.IsActive
	t.IsActive = true
	changed := false
	if !wasActive {
		changed = r.electLocked()
	}
	info := *t
	r.mu.Unlock()

	r.notify(changed)
	return info, nil
}

// RequestLeadership elects id if the scope has no live leader and id is
// the election's winner. It reports whether id leads afterwards.
func (r *Registry) RequestLeadership(id string) bool {
	r.mu.Lock()
	t, ok := r.tabs[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	// Re-check under the lock: a concurrent request may have won.
	changed := r.sweepLocked()
	if r.leader == "" {
		changed = r.electLocked() || changed
	}
	granted := r.leader == id && t.IsActive
	r.mu.Unlock()

	r.notify(changed)
	return granted
}

// Sweep marks silent agents inactive, forgets long-dead ones, and
// replaces a silent leader.
func (r *Registry) Sweep() {
	r.mu.Lock()
	changed := r.sweepLocked()
	r.mu.Unlock()
	r.notify(changed)
}

func (r *Registry) sweepLocked() bool {
	now := r.now()
	for id, t := range r.tabs {
		silent := now.Sub(t.LastSeen)
		if silent > 10*r.leaderTimeout {
			delete(r.tabs, id)
			continue
		}
		if t.IsActive && silent > r.leaderTimeout {
			t.IsActive = false
			r.logger.Warnw("Agent went silent", logger.FieldAgentID, id, "silent_for", silent.String())
		}
	}
	if l, ok := r.tabs[r.leader]; r.leader != "" && (!ok || !l.IsActive) {
		r.logger.Warnw("Leader lost", logger.FieldAgentID, r.leader)
		if ok {
			l.IsLeader = false
		}
		r.leader = ""
	}
	return r.electLocked()
}

// electLocked picks the lowest active id when nobody leads. It reports
// whether the leader changed.
func (r *Registry) electLocked() bool {
	if r.leader != "" {
		if t, ok := r.tabs[r.leader]; ok && t.IsActive {
			return false
		}
	}
	prev := r.leader
	r.leader = ""
	ids := make([]string, 0, len(r.tabs))
	for id, t := range r.tabs {
		t.IsLeader = false
		if t.IsActive {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		sort.Strings(ids)
		r.leader = ids[0]
		r.tabs[r.leader].IsLeader = true
	}
	r.assertSingleLeaderLocked()
	return r.leader != prev
}

func (r *Registry) assertSingleLeaderLocked() {
	n := 0
	for _, t := range r.tabs {
		if t.IsLeader {
			n++
		}
	}
	if n > 1 {
		err := errors.AssertionFailedf("registry holds %d leaders", n)
		r.logger.Errorw("Leadership invariant violated", logger.FieldError, err)
	}
}

func (r *Registry) notify(changed bool) {
	if !changed {
		return
	}
	r.mu.Lock()
	leader := r.leader
	listeners := append([]func(string){}, r.listeners...)
	r.mu.Unlock()

	if leader == "" {
		r.logger.Warnw("No leader in scope")
	} else {
		r.logger.Infow("Leader elected", logger.FieldAgentID, leader)
	}
	for _, fn := range listeners {
		fn(leader)
	}
}

// Leader returns the current leader.
func (r *Registry) Leader() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leader, r.leader != ""
}

// Tabs lists agents ordered by id.
func (r *Registry) Tabs() []TabInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TabInfo, 0, len(r.tabs))
	for _, t := range r.tabs {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
