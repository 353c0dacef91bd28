package coord

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/events"
	"github.com/teranos/blocksync/logger"
	"github.com/teranos/blocksync/transport"
)

// Dialer opens a connection to the hub.
type Dialer func(ctx context.Context) (transport.Conn, error)

// MemberConfig configures a Member.
type MemberConfig struct {
	// ID is the agent id; random when empty.
	ID           string
	IntentBuffer int
	// RedialDelay is the pause before reconnecting after the hub drops.
	RedialDelay time.Duration
}

// Member is a Coordinator backed by a remote Hub. Leadership is a lease:
// the member only reports IsLeader while its last acknowledged heartbeat,
// measured from when it was sent, is younger than the leader timeout less
// one heartbeat interval. The hub waits the full timeout before electing
// a successor, so two members never both believe they lead.
type Member struct {
	id     string
	dial   Dialer
	cfg    MemberConfig
	bus    *events.Bus
	logger *zap.SugaredLogger
	now    func() time.Time

	mu            sync.Mutex
	conn          transport.Conn
	leader        string
	heartbeat     time.Duration
	leaderTimeout time.Duration
	seq           uint64
	sentAt        map[uint64]time.Time
	leaseFrom     time.Time
	waiters       map[uint64]chan Msg
	reported      bool
	stopping      bool

	intents    chan Intent
	leadership chan bool
	// backlog holds intents that did not fit in intents, in arrival order.
	// Once it is non-empty every new intent queues behind it.
	backlog []Intent
	queued  chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMember creates a member that reaches the hub through dial. bus may be
// nil.
func NewMember(dial Dialer, cfg MemberConfig, bus *events.Bus, log *zap.SugaredLogger) *Member {
	if cfg.ID == "" {
		cfg.ID = NewAgentID()
	}
	if cfg.IntentBuffer <= 0 {
		cfg.IntentBuffer = 256
	}
	if cfg.RedialDelay <= 0 {
		cfg.RedialDelay = time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Member{
		id:         cfg.ID,
		dial:       dial,
		cfg:        cfg,
		bus:        bus,
		logger:     logger.AddLeaderSymbol(log).With(logger.FieldAgentID, cfg.ID),
		now:        time.Now,
		sentAt:     make(map[uint64]time.Time),
		waiters:    make(map[uint64]chan Msg),
		intents:    make(chan Intent, cfg.IntentBuffer),
		leadership: make(chan bool, 1),
		queued:     make(chan struct{}, 1),
	}
}

func (m *Member) ID() string { return m.id }

func (m *Member) Intents() <-chan Intent { return m.intents }

func (m *Member) Leadership() <-chan bool { return m.leadership }

// Start dials the hub and completes the handshake. A failure here is
// returned so the caller can fall back to Solo; later disconnects are
// retried in the background.
func (m *Member) Start(ctx context.Context) error {
	conn, err := m.dial(ctx)
	if err != nil {
		return errors.Wrap(errors.Mark(err, errors.ErrServiceUnavailable), "failed to reach coordination hub")
	}
	if err := m.handshake(conn); err != nil {
		_ = conn.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.run(runCtx, conn)
	}()
	go func() {
		defer m.wg.Done()
		m.drainBacklog(runCtx)
	}()
	return nil
}

func (m *Member) handshake(conn transport.Conn) error {
	if err := conn.WriteJSON(Msg{Type: MsgRegister, ID: m.id}); err != nil {
		return errors.Wrap(err, "failed to register with hub")
	}
	var welcome Msg
	if err := conn.ReadJSON(&welcome); err != nil {
		return errors.Wrap(err, "failed to read hub welcome")
	}
	if welcome.Type != MsgWelcome {
		return errors.Newf("expected %s, got %s: %s", MsgWelcome, welcome.Type, welcome.Error)
	}

	m.mu.Lock()
	m.conn = conn
	m.leader = welcome.Leader
	m.heartbeat = time.Duration(welcome.HeartbeatMS) * time.Millisecond
	m.leaderTimeout = time.Duration(welcome.LeaderTimeoutMS) * time.Millisecond
	m.leaseFrom = time.Time{}
	m.sentAt = make(map[uint64]time.Time)
	m.mu.Unlock()

	m.logger.Debugw("Joined coordination scope", logger.FieldLeader, welcome.Leader)
	return m.sendHeartbeat()
}

// run serves sessions until the member stops, redialling after drops.
func (m *Member) run(ctx context.Context, conn transport.Conn) {
	for {
		m.session(ctx, conn)
		m.disconnected()
		if ctx.Err() != nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.RedialDelay):
			}
			next, err := m.dial(ctx)
			if err == nil {
				if err = m.handshake(next); err == nil {
					conn = next
					m.logger.Infow("Reconnected to coordination hub")
					break
				}
				_ = next.Close()
			}
			m.logger.Debugw("Hub still unreachable", logger.FieldError, err)
		}
	}
}

func (m *Member) session(ctx context.Context, conn transport.Conn) {
	done := make(chan struct{})
	defer close(done)

	m.mu.Lock()
	interval := m.heartbeat
	m.mu.Unlock()
	if interval <= 0 {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		// Leases expire between heartbeats; check more often than we send.
		watch := time.NewTicker(interval / 4)
		defer watch.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := m.sendHeartbeat(); err != nil {
					_ = conn.Close()
					return
				}
			case <-watch.C:
				m.report()
			}
		}
	}()

	for {
		var msg Msg
		if err := conn.ReadJSON(&msg); err != nil {
			if !transport.IsClosed(err) {
				m.logger.Warnw("Lost coordination hub", logger.FieldError, err)
			}
			return
		}
		m.handle(msg)
	}
}

func (m *Member) handle(msg Msg) {
	switch msg.Type {
	case MsgAck:
		m.mu.Lock()
		if sent, ok := m.sentAt[msg.Seq]; ok {
			if sent.After(m.leaseFrom) {
				m.leaseFrom = sent
			}
			for seq := range m.sentAt {
				if seq <= msg.Seq {
					delete(m.sentAt, seq)
				}
			}
		}
		m.leader = msg.Leader
		m.mu.Unlock()

	case MsgLeader:
		m.mu.Lock()
		m.leader = msg.Leader
		m.mu.Unlock()
		m.logger.Debugw("Leader announced", logger.FieldLeader, msg.Leader)

	case MsgGrant, MsgTabs:
		m.mu.Lock()
		if msg.Type == MsgGrant {
			m.leader = msg.Leader
		}
		w, ok := m.waiters[msg.Seq]
		delete(m.waiters, msg.Seq)
		m.mu.Unlock()
		if ok {
			w <- msg
		}

	case MsgIntent:
		if msg.Intent == nil {
			return
		}
		m.deliver(*msg.Intent)

	case MsgIntentRejected:
		m.logger.Warnw("Hub rejected intent", "intent_id", msg.IntentID, logger.FieldError, msg.Error)
		if m.bus != nil {
			m.bus.Publish(events.Event{Type: events.IntentForwarded, AgentID: m.id, Error: msg.Error})
		}

	case MsgError:
		m.logger.Warnw("Hub reported an error", logger.FieldError, msg.Error)
	}
	m.report()
}

// deliver hands in to the intent consumer without blocking the session
// reader. When the channel is full the intent waits in the backlog.
func (m *Member) deliver(in Intent) {
	m.mu.Lock()
	if len(m.backlog) == 0 {
		select {
		case m.intents <- in:
			m.mu.Unlock()
			return
		default:
		}
	}
	m.backlog = append(m.backlog, in)
	depth := len(m.backlog)
	m.mu.Unlock()

	select {
	case m.queued <- struct{}{}:
	default:
	}
	m.logger.Debugw("Intent consumer busy, queued", "intent_id", in.ID, "backlog", depth)
}

// drainBacklog moves backlogged intents into the channel as the consumer
// frees space.
func (m *Member) drainBacklog(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.queued:
		}
		for {
			m.mu.Lock()
			if len(m.backlog) == 0 {
				m.mu.Unlock()
				break
			}
			next := m.backlog[0]
			m.mu.Unlock()

			select {
			case m.intents <- next:
			case <-ctx.Done():
				return
			}

			m.mu.Lock()
			m.backlog = m.backlog[1:]
			m.mu.Unlock()
		}
	}
}

func (m *Member) sendHeartbeat() error {
	m.mu.Lock()
	conn := m.conn
	m.seq++
	seq := m.seq
	m.sentAt[seq] = m.now()
	m.mu.Unlock()
	if conn == nil {
		return errors.Wrap(errors.ErrServiceUnavailable, "not connected")
	}
	return conn.WriteJSON(Msg{Type: MsgHeartbeat, ID: m.id, Seq: seq})
}

func (m *Member) disconnected() {
	m.mu.Lock()
	m.conn = nil
	m.leader = ""
	m.leaseFrom = time.Time{}
	for seq, w := range m.waiters {
		close(w)
		delete(m.waiters, seq)
	}
	m.mu.Unlock()
	m.report()
}

// IsLeader reports whether the hub named this member leader and the lease
// from its last acknowledged heartbeat is still running.
func (m *Member) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isLeaderLocked()
}

func (m *Member) isLeaderLocked() bool {
	if m.conn == nil || m.stopping || m.leader != m.id || m.leaseFrom.IsZero() {
		return false
	}
	return m.now().Sub(m.leaseFrom) < m.leaderTimeout-m.heartbeat
}

// report publishes a leadership transition, keeping only the newest value
// in the channel.
func (m *Member) report() {
	m.mu.Lock()
	now := m.isLeaderLocked()
	changed := now != m.reported
	m.reported = now
	m.mu.Unlock()
	if !changed {
		return
	}
	select {
	case <-m.leadership:
	default:
	}
	m.leadership <- now
	if now {
		m.logger.Infow("Became leader")
	} else {
		m.logger.Infow("Stepped down")
	}
}

func (m *Member) request(ctx context.Context, t MsgType) (Msg, error) {
	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.mu.Unlock()
		return Msg{}, errors.Wrap(errors.ErrServiceUnavailable, "not connected to coordination hub")
	}
	m.seq++
	seq := m.seq
	w := make(chan Msg, 1)
	m.waiters[seq] = w
	m.mu.Unlock()

	if err := conn.WriteJSON(Msg{Type: t, ID: m.id, Seq: seq}); err != nil {
		m.mu.Lock()
		delete(m.waiters, seq)
		m.mu.Unlock()
		return Msg{}, err
	}
	select {
	case reply, ok := <-w:
		if !ok {
			return Msg{}, errors.Wrap(errors.ErrServiceUnavailable, "hub connection lost")
		}
		return reply, nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.waiters, seq)
		m.mu.Unlock()
		return Msg{}, ctx.Err()
	}
}

// RequestLeadership asks the hub for an election and reports whether this
// member now holds a valid lease.
func (m *Member) RequestLeadership(ctx context.Context) (bool, error) {
	reply, err := m.request(ctx, MsgRequestLeadership)
	if err != nil {
		return false, err
	}
	m.report()
	return reply.Granted && m.IsLeader(), nil
}

// Tabs lists the agents registered at the hub.
func (m *Member) Tabs(ctx context.Context) ([]TabInfo, error) {
	reply, err := m.request(ctx, MsgTabs)
	if err != nil {
		return nil, err
	}
	return reply.Tabs, nil
}

// Forward sends in to the hub, which routes it to the leader.
func (m *Member) Forward(ctx context.Context, in Intent) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errors.Wrap(errors.Mark(errors.ErrNoLeader, errors.ErrServiceUnavailable), "not connected to coordination hub")
	}
	in.Origin = m.id
	if in.Created.IsZero() {
		in.Created = m.now()
	}
	if err := conn.WriteJSON(Msg{Type: MsgIntent, ID: m.id, Intent: &in}); err != nil {
		return errors.Wrapf(errors.Mark(err, errors.ErrServiceUnavailable), "failed to forward intent %s", in.ID)
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.IntentForwarded, AgentID: m.id, PageID: in.PageID, TransactionType: in.Kind})
	}
	return nil
}

// Ack confirms an intent was applied.
func (m *Member) Ack(ctx context.Context, intentID string) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errors.Wrap(errors.ErrServiceUnavailable, "not connected to coordination hub")
	}
	return conn.WriteJSON(Msg{Type: MsgIntentAck, ID: m.id, IntentID: intentID})
}

// Stop resigns: it gives up the lease at once, tells the hub, and closes
// the connection.
func (m *Member) Stop() error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	conn := m.conn
	m.mu.Unlock()
	m.report()

	if conn != nil {
		_ = conn.WriteJSON(Msg{Type: MsgUnregister, ID: m.id})
		_ = conn.Close()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return nil
}
