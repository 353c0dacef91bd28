package server

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/teranos/blocksync/coord"
	"github.com/teranos/blocksync/remote"
	"github.com/teranos/blocksync/version"
)

// setupHTTPRoutes configures all HTTP handlers
func (s *Server) setupHTTPRoutes() {
	s.mux = http.NewServeMux()
	s.mux.Handle("/coord", s.hub)
	s.mux.HandleFunc("/events", s.HandleEvents)
	s.mux.HandleFunc("GET /health", s.corsMiddleware(s.HandleHealth))
	s.mux.HandleFunc("GET /tabs", s.corsMiddleware(s.HandleTabs))
	if s.backend != nil {
		api := remote.NewHandler(s.backend, s.cfg.AllowedOrigins, s.logger.With("backend", "dev"))
		s.mux.Handle("/api/", http.StripPrefix("/api", api))
	}
}

func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && slices.Contains(s.cfg.AllowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// Health is the /health body.
type Health struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Commit         string `json:"commit"`
	Leader         string `json:"leader,omitempty"`
	Agents         int    `json:"agents"`
	PendingIntents int    `json:"pending_intents"`
	FeedClients    int    `json:"feed_clients"`
	DevBackend     bool   `json:"dev_backend"`
}

// HandleHealth reports liveness and the scope's current leader.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	versionInfo := version.Get()
	leader, _ := s.registry.Leader()
	status := "ok"
	if st := s.getState(); st != ServerStateRunning {
		status = st.String()
	}
	writeJSON(w, http.StatusOK, Health{
		Status:         status,
		Version:        versionInfo.Version,
		Commit:         versionInfo.CommitHash,
		Leader:         leader,
		Agents:         len(s.registry.Tabs()),
		PendingIntents: s.hub.Pending(),
		FeedClients:    s.clientCount(),
		DevBackend:     s.backend != nil,
	})
}

// HandleTabs lists the registered agents.
func (s *Server) HandleTabs(w http.ResponseWriter, r *http.Request) {
	tabs := s.registry.Tabs()
	if tabs == nil {
		tabs = []coord.TabInfo{}
	}
	writeJSON(w, http.StatusOK, tabs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
