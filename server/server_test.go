package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/blocksync/block"
	"github.com/teranos/blocksync/coord"
	"github.com/teranos/blocksync/events"
	"github.com/teranos/blocksync/remote"
	"github.com/teranos/blocksync/transport"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 20 * time.Millisecond
		cfg.LeaderTimeout = 100 * time.Millisecond
	}
	s, err := New(cfg, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	s.Run()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = s.Stop()
	})
	return s, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func getHealth(t *testing.T, srv *httptest.Server) Health {
	t.Helper()
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	return h
}

func TestNew_RejectsBadTiming(t *testing.T) {
	_, err := New(Config{HeartbeatInterval: time.Second, LeaderTimeout: time.Second}, nil, nil)
	assert.Error(t, err)
}

func TestHandleHealth(t *testing.T) {
	_, srv := newTestServer(t, Config{})

	h := getHealth(t, srv)
	assert.Equal(t, "ok", h.Status)
	assert.NotEmpty(t, h.Version)
	assert.Empty(t, h.Leader)
	assert.Zero(t, h.Agents)
	assert.False(t, h.DevBackend)
}

func TestCORS(t *testing.T) {
	_, srv := newTestServer(t, Config{AllowedOrigins: []string{"http://localhost:3000"}})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCoord_MembersElectOverWebsocket(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	join := func(id string) *coord.Member {
		m := coord.NewMember(coord.WebsocketDialer(wsURL(srv, "/coord"), nil),
			coord.MemberConfig{ID: id, RedialDelay: time.Hour}, nil, zaptest.NewLogger(t).Sugar())
		require.NoError(t, m.Start(ctx))
		t.Cleanup(func() { _ = m.Stop() })
		return m
	}
	b := join("agent-b")
	a := join("agent-a")

	assert.Eventually(t, func() bool {
		return getHealth(t, srv).Agents == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return a.IsLeader() != b.IsLeader()
	}, 2*time.Second, 10*time.Millisecond, "exactly one member leads")

	leader := getHealth(t, srv).Leader
	assert.Contains(t, []string{"agent-a", "agent-b"}, leader)

	resp, err := http.Get(srv.URL + "/tabs")
	require.NoError(t, err)
	defer resp.Body.Close()
	var tabs []coord.TabInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tabs))
	assert.Len(t, tabs, 2)
}

func TestEvents_StreamsPublishedEvents(t *testing.T) {
	s, srv := newTestServer(t, Config{})
	ctx := context.Background()

	conn, err := transport.Dial(ctx, wsURL(srv, "/events?types=transaction_failed"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return s.clientCount() == 1
	}, time.Second, 5*time.Millisecond)

	s.Events().Publish(events.Event{Type: events.TransactionQueued, TransactionID: "tx-1"})
	s.Events().Publish(events.Event{Type: events.TransactionFailed, TransactionID: "tx-2", Error: "boom"})

	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.TransactionFailed, got.Type, "filtered types are skipped")
	assert.Equal(t, "tx-2", got.TransactionID)
	assert.Equal(t, "boom", got.Error)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return s.clientCount() == 0
	}, time.Second, 5*time.Millisecond, "closed clients are removed")
}

func TestDevBackend(t *testing.T) {
	s, srv := newTestServer(t, Config{DevBackend: true})
	require.NotNil(t, s.Backend())

	client, err := remote.NewHTTPClient(remote.HTTPConfig{BaseURL: srv.URL + "/api"}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	created, err := client.CreateBlock(context.Background(), remote.CreateSpec{
		ID:          "temp_1",
		Type:        block.TypeText,
		Content:     []block.Fragment{{Text: "hello"}},
		PageID:      "page-1",
		CreatedTime: time.Unix(100, 0).UTC(),
	})
	require.NoError(t, err)

	stored, ok := s.Backend().Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, "hello", stored.Text())
	assert.True(t, getHealth(t, srv).DevBackend)
}

func TestDevBackend_OffByDefault(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	resp, err := http.Get(srv.URL + "/api/v1/pages/page-1/blocks")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStop_IsIdempotent(t *testing.T) {
	s, err := New(Config{HeartbeatInterval: 20 * time.Millisecond, LeaderTimeout: 100 * time.Millisecond}, nil, nil)
	require.NoError(t, err)
	s.Run()
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Equal(t, ServerStateStopped, s.getState())

	_, err = s.Start(0)
	assert.Error(t, err)
}

func TestParseTypes(t *testing.T) {
	assert.Nil(t, parseTypes(""))
	assert.Equal(t, []events.Type{events.SyncStarted, events.SyncCompleted}, parseTypes("sync_started, sync_completed,"))
}

func TestFindAvailablePort(t *testing.T) {
	port, err := findAvailablePort(0)
	require.NoError(t, err)
	assert.Zero(t, port)
}
