package coord

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/events"
	"github.com/teranos/blocksync/logger"
	"github.com/teranos/blocksync/transport"
)

// HubConfig tunes a Hub.
type HubConfig struct {
	// IntentBuffer bounds intents held while no leader exists.
	IntentBuffer   int
	AllowedOrigins []string
}

// Hub serves member connections for one Registry. It tells members who
// leads and routes forwarded intents to the leader until they are acked.
type Hub struct {
	registry *Registry
	cfg      HubConfig
	bus      *events.Bus
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]*hubSession
	// inflight are intents sent to the current leader and not yet acked,
	// in arrival order. They are redelivered to the next leader.
	inflight []*Intent
	// waiting holds intents that arrived while nobody led.
	waiting []*Intent
}

type hubSession struct {
	id   string
	conn transport.Conn
}

func (s *hubSession) send(m Msg) error {
	return s.conn.WriteJSON(m)
}

// NewHub wires a hub to registry. bus may be nil.
func NewHub(registry *Registry, cfg HubConfig, bus *events.Bus, log *zap.SugaredLogger) *Hub {
	if cfg.IntentBuffer <= 0 {
		cfg.IntentBuffer = 256
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	h := &Hub{
		registry: registry,
		cfg:      cfg,
		bus:      bus,
		logger:   logger.AddLeaderSymbol(log).With(logger.FieldComponent, "hub"),
		sessions: make(map[string]*hubSession),
	}
	registry.OnLeaderChange(func(string) { h.leaderChanged() })
	return h
}

// Registry returns the scope the hub serves.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Run sweeps the registry every heartbeat interval until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.registry.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.registry.Sweep()
		}
	}
}

// ServeHTTP upgrades to a websocket and serves one member.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(w, r, h.cfg.AllowedOrigins)
	if err != nil {
		h.logger.Warnw("Coordination upgrade failed", logger.FieldError, err)
		return
	}
	if err := h.Serve(r.Context(), conn); err != nil && !transport.IsClosed(err) {
		h.logger.Debugw("Coordination session ended", logger.FieldError, err)
	}
}

// Serve runs one member session until the connection closes.
func (h *Hub) Serve(ctx context.Context, conn transport.Conn) error {
	defer conn.Close()

	var hello Msg
	if err := conn.ReadJSON(&hello); err != nil {
		return errors.Wrap(err, "failed to read register")
	}
	if hello.Type != MsgRegister || hello.ID == "" {
		_ = conn.WriteJSON(Msg{Type: MsgError, Error: "expected " + string(MsgRegister) + " with an id"})
		return errors.Newf("expected %s, got %s", MsgRegister, hello.Type)
	}

	sess := &hubSession{id: hello.ID, conn: conn}
	h.registry.RegisterTab(hello.ID)

	// Welcome and session insert happen under mu, like leader broadcasts,
	// so the welcome is the first message the member reads and no leader
	// change between the two is lost.
	h.mu.Lock()
	leader, _ := h.registry.Leader()
	err := sess.send(Msg{
		Type:            MsgWelcome,
		Leader:          leader,
		HeartbeatMS:     h.registry.HeartbeatInterval().Milliseconds(),
		LeaderTimeoutMS: h.registry.LeaderTimeout().Milliseconds(),
	})
	if err != nil {
		h.mu.Unlock()
		return errors.Wrap(err, "failed to send welcome")
	}
	if old, ok := h.sessions[hello.ID]; ok {
		_ = old.conn.Close()
	}
	h.sessions[hello.ID] = sess
	parked := leader == hello.ID && len(h.waiting) > 0
	h.mu.Unlock()
	if parked {
		// Elected before its session existed; hand over what was parked.
		h.leaderChanged()
	}

	log := h.logger.With(logger.FieldAgentID, hello.ID)
	log.Debugw("Member connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var m Msg
		if err := conn.ReadJSON(&m); err != nil {
			// A dropped connection is not a resignation: the member may
			// still hold a lease, so it stays registered until the sweep
			// finds it silent.
			h.dropSession(sess, false)
			return err
		}
		switch m.Type {
		case MsgHeartbeat:
			if _, err := h.registry.Heartbeat(sess.id); err != nil {
				h.registry.RegisterTab(sess.id)
			}
			leader, _ := h.registry.Leader()
			_ = sess.send(Msg{Type: MsgAck, Seq: m.Seq, Leader: leader})

		case MsgRequestLeadership:
			granted := h.registry.RequestLeadership(sess.id)
			leader, _ := h.registry.Leader()
			_ = sess.send(Msg{Type: MsgGrant, Seq: m.Seq, Granted: granted, Leader: leader})

		case MsgTabs:
			_ = sess.send(Msg{Type: MsgTabs, Seq: m.Seq, Tabs: h.registry.Tabs()})

		case MsgIntent:
			if m.Intent == nil || m.Intent.ID == "" {
				_ = sess.send(Msg{Type: MsgError, Error: "intent without id"})
				continue
			}
			m.Intent.Origin = sess.id
			h.route(m.Intent)

		case MsgIntentAck:
			h.ack(sess.id, m.IntentID)

		case MsgUnregister:
			h.dropSession(sess, true)
			log.Debugw("Member unregistered")
			return nil

		default:
			_ = sess.send(Msg{Type: MsgError, Error: "unknown message type " + string(m.Type)})
		}
	}
}

// dropSession forgets sess if it is still the current session for its id.
func (h *Hub) dropSession(sess *hubSession, unregister bool) {
	h.mu.Lock()
	current := h.sessions[sess.id] == sess
	if current {
		delete(h.sessions, sess.id)
	}
	h.mu.Unlock()
	if current && unregister {
		h.registry.UnregisterTab(sess.id)
	}
}

// route delivers an intent to the leader, or parks it until one exists.
func (h *Hub) route(in *Intent) {
	h.mu.Lock()
	leaderID, ok := h.registry.Leader()
	leader := h.sessions[leaderID]
	if !ok || leader == nil {
		if len(h.waiting)+len(h.inflight) >= h.cfg.IntentBuffer {
			origin := h.sessions[in.Origin]
			h.mu.Unlock()
			h.logger.Warnw("Intent buffer full, rejecting", "intent_id", in.ID, logger.FieldAgentID, in.Origin)
			if origin != nil {
				_ = origin.send(Msg{Type: MsgIntentRejected, IntentID: in.ID, Error: errors.ErrNoLeader.Error()})
			}
			return
		}
		h.waiting = append(h.waiting, in)
		h.mu.Unlock()
		h.logger.Debugw("Intent parked until a leader is elected", "intent_id", in.ID)
		return
	}
	h.inflight = append(h.inflight, in)
	h.mu.Unlock()

	if err := leader.send(Msg{Type: MsgIntent, Intent: in}); err != nil {
		h.logger.Warnw("Failed to deliver intent to leader", "intent_id", in.ID, logger.FieldError, err)
	}
	if h.bus != nil {
		h.bus.Publish(events.Event{Type: events.IntentForwarded, AgentID: in.Origin, PageID: in.PageID, TransactionType: in.Kind})
	}
}

func (h *Hub) ack(from, intentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, in := range h.inflight {
		if in.ID == intentID {
			h.inflight = append(h.inflight[:i], h.inflight[i+1:]...)
			return
		}
	}
	h.logger.Debugw("Ack for unknown intent", "intent_id", intentID, logger.FieldAgentID, from)
}

// leaderChanged tells every member who leads and hands the new leader all
// unacked and parked intents. Serialised under mu so members never see an
// older leader after a newer one.
func (h *Hub) leaderChanged() {
	h.mu.Lock()
	leaderID, ok := h.registry.Leader()
	sessions := make([]*hubSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	var redeliver []*Intent
	leader := h.sessions[leaderID]
	if ok && leader != nil {
		h.inflight = append(h.inflight, h.waiting...)
		h.waiting = nil
		redeliver = append(redeliver, h.inflight...)
	} else {
		h.waiting = append(h.inflight, h.waiting...)
		h.inflight = nil
	}
	for _, s := range sessions {
		_ = s.send(Msg{Type: MsgLeader, Leader: leaderID})
	}
	h.mu.Unlock()

	if h.bus != nil {
		h.bus.Publish(events.Event{Type: events.LeadershipChanged, AgentID: leaderID, Leader: events.Bool(ok)})
	}
	for _, in := range redeliver {
		_ = leader.send(Msg{Type: MsgIntent, Intent: in})
	}
}

// Pending returns the number of intents not yet acked by a leader.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inflight) + len(h.waiting)
}
