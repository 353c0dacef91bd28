package server

import (
	"net/http"
	"strings"
	"sync"

	"github.com/teranos/blocksync/events"
	"github.com/teranos/blocksync/logger"
	"github.com/teranos/blocksync/transport"
)

// feedClient is one /events websocket. The write side drains a bus
// subscription; the read side only exists to notice the peer leaving.
type feedClient struct {
	conn *transport.WSConn
	sub  *events.Subscription
	once sync.Once
}

func (c *feedClient) close() {
	c.once.Do(func() {
		c.sub.Close()
		_ = c.conn.Close()
	})
}

// HandleEvents upgrades to a websocket and streams the event feed. An
// optional ?types=a,b query narrows it.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if s.getState() != ServerStateRunning {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.clientCount() >= MaxClients {
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := transport.Accept(w, r, s.cfg.AllowedOrigins)
	if err != nil {
		s.logger.Warnw("Event feed upgrade failed", logger.FieldError, err)
		return
	}

	client := &feedClient{
		conn: conn,
		sub:  s.bus.Subscribe(MaxClientMessageQueueSize, parseTypes(r.URL.Query().Get("types"))...),
	}
	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()
	s.logger.Debugw("Event feed client connected", "remote", conn.RemoteAddr())

	s.wg.Add(2)
	go s.feedReadPump(client)
	go s.feedWritePump(client)
}

func (s *Server) feedReadPump(c *feedClient) {
	defer s.wg.Done()
	defer s.removeClient(c)
	var discard map[string]any
	for {
		if err := c.conn.ReadJSON(&discard); err != nil {
			return
		}
	}
}

func (s *Server) feedWritePump(c *feedClient) {
	defer s.wg.Done()
	defer s.removeClient(c)
	for {
		select {
		case ev, ok := <-c.sub.C():
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) removeClient(c *feedClient) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		if dropped := c.sub.Dropped(); dropped > 0 {
			s.broadcastDrops.Add(dropped)
		}
		s.logger.Debugw("Event feed client disconnected", "dropped", c.sub.Dropped())
	}
	c.close()
}

func parseTypes(raw string) []events.Type {
	if raw == "" {
		return nil
	}
	var types []events.Type
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			types = append(types, events.Type(part))
		}
	}
	return types
}
