package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/blocksync/block"
	"github.com/teranos/blocksync/coord"
	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/events"
	"github.com/teranos/blocksync/outbox"
	"github.com/teranos/blocksync/remote"
	"github.com/teranos/blocksync/transport"
)

const page = "page-1"

type fixture struct {
	t       *testing.T
	ctx     context.Context
	engine  *Engine
	storage *Storage
	backend *remote.MemoryBackend
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("%s_%d", prefix, n.Add(1)) }
}

func newFixture(t *testing.T, cfg Config, backendOpts ...remote.BackendOption) *fixture {
	t.Helper()
	return newFixtureWith(t, cfg, Options{}, backendOpts...)
}

// newFixtureWith fills the collaborators opts leaves nil with in-memory
// ones.
func newFixtureWith(t *testing.T, cfg Config, opts Options, backendOpts ...remote.BackendOption) *fixture {
	t.Helper()
	ctx := context.Background()
	st := MemoryStorage()
	if opts.Blocks != nil {
		st.Blocks = opts.Blocks
	}
	if opts.Outbox != nil {
		st.Outbox = opts.Outbox
	}
	backend := remote.NewMemoryBackend(backendOpts...)
	opts.Blocks = st.Blocks
	opts.Outbox = st.Outbox
	if opts.Client == nil {
		opts.Client = backend
	}
	opts.Logger = zaptest.NewLogger(t).Sugar()
	if opts.NewID == nil {
		opts.NewID = sequentialIDs("temp")
	}
	e, err := New(ctx, opts, cfg)
	require.NoError(t, err)
	e.SetOnline(ctx, true)
	t.Cleanup(func() { _ = e.Close() })
	return &fixture{t: t, ctx: ctx, engine: e, storage: st, backend: backend}
}

// drain runs passes until nothing is pending.
func (f *fixture) drain() {
	f.t.Helper()
	for i := 0; i < 20; i++ {
		if f.engine.SyncState().PendingCount == 0 {
			return
		}
		_, err := f.engine.Loop().RunOnce(f.ctx)
		require.NoError(f.t, err)
	}
	f.t.Fatalf("queue did not drain: %+v", f.engine.SyncState())
}

func (f *fixture) pageIDs() []string {
	f.t.Helper()
	blocks, err := f.engine.GetPage(f.ctx, page)
	require.NoError(f.t, err)
	ids := make([]string, len(blocks))
	for i, b := range blocks {
		ids[i] = b.ID
	}
	return ids
}

func remoteOrder(backend *remote.MemoryBackend, parent string) []string {
	var out []string
	all := backend.Blocks()
	block.SortByCreated(all)
	for _, b := range block.Siblings(all, parent) {
		out = append(out, b.ID)
	}
	return out
}

func TestEngine_CreateThenUpdateLandsOnCanonicalBlock(t *testing.T) {
	f := newFixture(t, Config{UserID: "u1"}, remote.WithCanonicalIDs())

	id, err := f.engine.CreateBlock(f.ctx, page, "", block.TypeText)
	require.NoError(t, err)
	assert.Equal(t, "temp_1", id)
	require.NoError(t, f.engine.UpdateBlock(f.ctx, id, block.TextPatch("hello")))

	local, err := f.storage.Blocks.Get(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello", local.Text())
	assert.Equal(t, "u1", local.LastEditedBy)
	assert.Equal(t, 2, f.engine.SyncState().PendingCount)
	assert.Empty(t, f.backend.Calls(), "edits must not touch the network")

	f.drain()

	canonical, ok := f.backend.CanonicalID(id)
	require.True(t, ok)
	assert.Equal(t, "blk_000001", canonical)
	assert.Equal(t, canonical, f.engine.Queue().ResolveID(id))
	assert.Equal(t, 1, f.backend.CallCount(remote.OpUpdate, canonical))
	remoteBlock, ok := f.backend.Get(canonical)
	require.True(t, ok)
	assert.Equal(t, "hello", remoteBlock.Text())

	assert.Equal(t, []string{canonical}, f.pageIDs())
	local, err = f.storage.Blocks.Get(f.ctx, canonical)
	require.NoError(t, err)
	assert.Equal(t, "hello", local.Text())

	// The temp id keeps working for later edits.
	require.NoError(t, f.engine.UpdateBlock(f.ctx, id, block.TextPatch("again")))
	f.drain()
	assert.Equal(t, 2, f.backend.CallCount(remote.OpUpdate, canonical))
}

func TestEngine_CreateAfterRespacesSiblings(t *testing.T) {
	f := newFixture(t, Config{})

	a, err := f.engine.CreateBlock(f.ctx, page, "", block.TypeText)
	require.NoError(t, err)
	b, err := f.engine.CreateBlock(f.ctx, page, a, block.TypeText)
	require.NoError(t, err)
	c, err := f.engine.CreateBlock(f.ctx, page, a, block.TypeHeading1)
	require.NoError(t, err)

	assert.Equal(t, []string{a, c, b}, f.pageIDs())
	blocks, err := f.engine.GetPage(f.ctx, page)
	require.NoError(t, err)
	assert.True(t, block.IsStrictlyOrdered(blocks))

	f.drain()
	assert.Equal(t, []string{a, c, b}, remoteOrder(f.backend, ""))
}

// flakyOutbox fails inserts while fail is set.
type flakyOutbox struct {
	outbox.Store
	fail atomic.Bool
}

func (s *flakyOutbox) Insert(ctx context.Context, tx *outbox.Transaction) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.Store.Insert(ctx, tx)
}

func TestEngine_CreateUndoneWhenQueueRejectsIt(t *testing.T) {
	store := &flakyOutbox{Store: outbox.NewMemoryStore()}
	f := newFixtureWith(t, Config{}, Options{Outbox: store})

	a, err := f.engine.CreateBlock(f.ctx, page, "", block.TypeText)
	require.NoError(t, err)
	b, err := f.engine.CreateBlock(f.ctx, page, a, block.TypeText)
	require.NoError(t, err)
	before, err := f.engine.GetPage(f.ctx, page)
	require.NoError(t, err)

	store.fail.Store(true)
	_, err = f.engine.CreateBlock(f.ctx, page, a, block.TypeText)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	after, err := f.engine.GetPage(f.ctx, page)
	require.NoError(t, err)
	require.Equal(t, []string{a, b}, f.pageIDs())
	for i := range before {
		assert.Equal(t, before[i].CreatedTime, after[i].CreatedTime, "sibling %s keeps its position", before[i].ID)
	}
	assert.Equal(t, 2, f.engine.SyncState().PendingCount)
}

func TestEngine_MoveBlock(t *testing.T) {
	f := newFixture(t, Config{})
	var ids []string
	prev := ""
	for i := 0; i < 3; i++ {
		id, err := f.engine.CreateBlock(f.ctx, page, prev, block.TypeText)
		require.NoError(t, err)
		ids = append(ids, id)
		prev = id
	}
	a, b, c := ids[0], ids[1], ids[2]

	require.NoError(t, f.engine.MoveBlock(f.ctx, c, a, block.PositionBefore))
	assert.Equal(t, []string{c, a, b}, f.pageIDs())

	require.NoError(t, f.engine.MoveBlock(f.ctx, b, a, block.PositionInside))
	moved, err := f.storage.Blocks.Get(f.ctx, b)
	require.NoError(t, err)
	assert.Equal(t, a, moved.Parent)

	err = f.engine.MoveBlock(f.ctx, a, b, block.PositionInside)
	assert.True(t, errors.IsInvalidRequestError(err), "moving a block under its own child must fail: %v", err)
	err = f.engine.MoveBlock(f.ctx, a, "missing", block.PositionAfter)
	assert.True(t, errors.IsNotFoundError(err))
	err = f.engine.MoveBlock(f.ctx, a, b, "sideways")
	assert.True(t, errors.IsInvalidRequestError(err))

	f.drain()
	assert.Equal(t, []string{c, a}, remoteOrder(f.backend, ""))
	assert.Equal(t, []string{b}, remoteOrder(f.backend, a))
}

func TestEngine_DeleteRemovesSubtree(t *testing.T) {
	f := newFixture(t, Config{})
	parent, err := f.engine.CreateBlock(f.ctx, page, "", block.TypeToggle)
	require.NoError(t, err)
	child, err := f.engine.CreateBlock(f.ctx, page, parent, block.TypeText)
	require.NoError(t, err)
	require.NoError(t, f.engine.MoveBlock(f.ctx, child, parent, block.PositionInside))
	other, err := f.engine.CreateBlock(f.ctx, page, parent, block.TypeText)
	require.NoError(t, err)
	f.drain()

	require.NoError(t, f.engine.DeleteBlock(f.ctx, parent))
	assert.Equal(t, []string{other}, f.pageIDs())

	txs, err := f.engine.Queue().List(f.ctx, outbox.Filter{Status: outbox.StatusPending})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	p, err := outbox.DecodePayload(txs[0].Type, txs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, []string{child, parent}, p.(*outbox.DeletePayload).IDs)

	f.drain()
	_, ok := f.backend.Get(parent)
	assert.False(t, ok)
	_, ok = f.backend.Get(child)
	assert.False(t, ok)

	assert.True(t, errors.IsNotFoundError(f.engine.DeleteBlock(f.ctx, parent)))
}

func TestEngine_ValidatesInput(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.CreateBlock(f.ctx, "", "", block.TypeText)
	assert.True(t, errors.IsInvalidRequestError(err))
	_, err = f.engine.CreateBlock(f.ctx, page, "", "banner")
	assert.True(t, errors.IsInvalidRequestError(err))
	_, err = f.engine.CreateBlock(f.ctx, page, "nowhere", block.TypeText)
	assert.True(t, errors.IsNotFoundError(err))
	bad := block.Type("banner")
	assert.True(t, errors.IsInvalidRequestError(f.engine.UpdateBlock(f.ctx, "x", block.Patch{Type: &bad})))
	assert.True(t, errors.IsNotFoundError(f.engine.UpdateBlock(f.ctx, "x", block.TextPatch("hi"))))
}

func TestEngine_RemoteFailureOnlySurfacesThroughEvents(t *testing.T) {
	f := newFixture(t, Config{Outbox: outbox.Config{MaxRetries: 1}})
	sub := f.engine.Events().Subscribe(64, events.TransactionFailed, events.TransactionRollback)
	defer sub.Close()
	f.backend.FailAll()

	id, err := f.engine.CreateBlock(f.ctx, page, "", block.TypeText)
	require.NoError(t, err)
	_, err = f.engine.Loop().RunOnce(f.ctx)
	require.NoError(t, err)

	var got []events.Type
	for len(got) < 2 {
		select {
		case ev := <-sub.C():
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", got)
		}
	}
	assert.Equal(t, []events.Type{events.TransactionFailed, events.TransactionRollback}, got)

	// Without auto rollback the local block stays.
	_, err = f.storage.Blocks.Get(f.ctx, id)
	assert.NoError(t, err)
}

func TestEngine_AutoRollback(t *testing.T) {
	f := newFixture(t, Config{AutoRollback: true, Outbox: outbox.Config{Interval: 10 * time.Millisecond, MaxRetries: 1}})
	keep, err := f.engine.CreateBlock(f.ctx, page, "", block.TypeText)
	require.NoError(t, err)
	require.NoError(t, f.engine.UpdateBlock(f.ctx, keep, block.TextPatch("v1")))
	f.drain()

	f.backend.SetFault(func(op remote.Op, id string) error {
		return &remote.HTTPError{StatusCode: 422, Message: "rejected"}
	})
	doomed, err := f.engine.CreateBlock(f.ctx, page, keep, block.TypeText)
	require.NoError(t, err)
	require.NoError(t, f.engine.UpdateBlock(f.ctx, doomed, block.TextPatch("never synced")))
	require.NoError(t, f.engine.UpdateBlock(f.ctx, keep, block.TextPatch("v2")))

	require.NoError(t, f.engine.Start(f.ctx))

	require.Eventually(t, func() bool {
		_, err := f.storage.Blocks.Get(f.ctx, doomed)
		return errors.IsNotFoundError(err)
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		b, err := f.storage.Blocks.Get(f.ctx, keep)
		return err == nil && b.Text() == "v1"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{keep}, f.pageIDs())
}

func TestEngine_RollbackSnapshotSemantics(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := f.ctx
	now := block.NormalizeTime(time.Now())
	mk := func(id string) *block.Block {
		return &block.Block{ID: id, Type: block.TypeText, PageID: page, CreatedTime: now, LastEditedTime: now}
	}
	require.NoError(t, f.storage.Blocks.Upsert(ctx, mk("present")))

	s := Snapshot{
		Remove:  []string{"present"},
		Restore: []*block.Block{mk("deleted")},
		Revert:  []*block.Block{mk("gone")},
	}
	decoded, err := DecodeSnapshot(s.Encode())
	require.NoError(t, err)
	require.NoError(t, f.engine.Rollback(ctx, decoded))

	assert.Equal(t, []string{"deleted"}, f.pageIDs())
	_, err = DecodeSnapshot([]byte("{"))
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestEngine_FollowerForwardsToLeader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := zaptest.NewLogger(t).Sugar()
	reg, err := coord.NewRegistry(20*time.Millisecond, 100*time.Millisecond, log)
	require.NoError(t, err)
	hub := coord.NewHub(reg, coord.HubConfig{}, nil, log)
	go func() { _ = hub.Run(ctx) }()

	shared := MemoryStorage()
	backend := remote.NewMemoryBackend(remote.WithCanonicalIDs())
	start := func(id string) *Engine {
		m := coord.NewMember(coord.PipeDialer(ctx, hub), coord.MemberConfig{ID: id}, nil, log)
		e, err := New(ctx, Options{
			Blocks:      shared.Blocks,
			Outbox:      shared.Outbox,
			Client:      backend,
			Coordinator: m,
			Logger:      log,
			NewID:       sequentialIDs(id),
		}, Config{UserID: id, Outbox: outbox.Config{Interval: 10 * time.Millisecond}})
		require.NoError(t, err)
		require.NoError(t, e.Start(ctx))
		t.Cleanup(func() { _ = e.Close() })
		return e
	}

	leader := start("a")
	require.Eventually(t, leader.IsLeader, time.Second, 5*time.Millisecond)
	follower := start("b")
	follower.SetOnline(ctx, true)
	leader.SetOnline(ctx, true)

	id, err := follower.CreateBlock(ctx, page, "", block.TypeText)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := backend.CanonicalID(id)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, follower.UpdateBlock(ctx, id, block.TextPatch("from follower")))
	require.Eventually(t, func() bool {
		canonical, _ := backend.CanonicalID(id)
		b, ok := backend.Get(canonical)
		return ok && b.Text() == "from follower"
	}, 2*time.Second, 10*time.Millisecond)

	canonical, _ := backend.CanonicalID(id)
	assert.Equal(t, 1, backend.CallCount(remote.OpCreate, id))
	assert.Equal(t, 1, backend.CallCount(remote.OpUpdate, canonical))
	b, err := shared.Blocks.Get(ctx, canonical)
	require.NoError(t, err)
	assert.Equal(t, "b", b.LastEditedBy)
	assert.Eventually(t, func() bool { return hub.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngine_FallsBackToSoloWithoutHub(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	dial := func(ctx context.Context) (transport.Conn, error) {
		return nil, errors.New("connection refused")
	}
	bus := events.NewBus(log)
	sub := bus.Subscribe(8, events.CoordinationDegraded)
	defer sub.Close()
	m := coord.NewMember(dial, coord.MemberConfig{ID: "agent-x"}, bus, log)
	f := newFixtureWith(t, Config{Outbox: outbox.Config{Interval: 10 * time.Millisecond}}, Options{Coordinator: m, Bus: bus})

	require.NoError(t, f.engine.Start(f.ctx))
	assert.True(t, f.engine.IsLeader())
	_, solo := f.engine.Coordinator().(*coord.Solo)
	assert.True(t, solo)
	assert.Equal(t, "agent-x", f.engine.Coordinator().ID())

	select {
	case ev := <-sub.C():
		assert.Equal(t, "agent-x", ev.AgentID)
		assert.Contains(t, ev.Error, "connection refused")
	case <-time.After(time.Second):
		t.Fatal("no coordination_degraded event")
	}

	id, err := f.engine.CreateBlock(f.ctx, page, "", block.TypeText)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return f.backend.CallCount(remote.OpCreate, id) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// hubFixture runs a coordination hub whose member connections a test can
// sever.
type hubFixture struct {
	t   *testing.T
	ctx context.Context
	hub *coord.Hub
	log *zap.SugaredLogger

	mu    sync.Mutex
	conns map[string]transport.Conn
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	log := zaptest.NewLogger(t).Sugar()
	reg, err := coord.NewRegistry(20*time.Millisecond, 100*time.Millisecond, log)
	require.NoError(t, err)
	hub := coord.NewHub(reg, coord.HubConfig{}, nil, log)
	go func() { _ = hub.Run(ctx) }()
	return &hubFixture{t: t, ctx: ctx, hub: hub, log: log, conns: make(map[string]transport.Conn)}
}

func (h *hubFixture) member(id string) *coord.Member {
	pipe := coord.PipeDialer(h.ctx, h.hub)
	dial := func(ctx context.Context) (transport.Conn, error) {
		conn, err := pipe(ctx)
		if err == nil {
			h.mu.Lock()
			h.conns[id] = conn
			h.mu.Unlock()
		}
		return conn, err
	}
	return coord.NewMember(dial, coord.MemberConfig{ID: id, RedialDelay: time.Hour}, nil, h.log)
}

func (h *hubFixture) sever(id string) {
	h.mu.Lock()
	conn := h.conns[id]
	h.mu.Unlock()
	require.NotNil(h.t, conn)
	_ = conn.Close()
}

func TestEngine_WritesLocallyWhenHubDrops(t *testing.T) {
	h := newHubFixture(t)
	shared := MemoryStorage()
	backend := remote.NewMemoryBackend(remote.WithCanonicalIDs())
	start := func(id string) *Engine {
		e, err := New(h.ctx, Options{
			Blocks:      shared.Blocks,
			Outbox:      shared.Outbox,
			Client:      backend,
			Coordinator: h.member(id),
			Logger:      h.log,
			NewID:       sequentialIDs(id),
		}, Config{UserID: id, Outbox: outbox.Config{Interval: 10 * time.Millisecond}})
		require.NoError(t, err)
		require.NoError(t, e.Start(h.ctx))
		e.SetOnline(h.ctx, true)
		t.Cleanup(func() { _ = e.Close() })
		return e
	}
	leader := start("a")
	require.Eventually(t, leader.IsLeader, time.Second, 5*time.Millisecond)
	follower := start("b")

	h.sever("b")
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(h.ctx, 50*time.Millisecond)
		defer cancel()
		_, err := follower.Coordinator().Tabs(ctx)
		return err != nil
	}, time.Second, 5*time.Millisecond)

	id, err := follower.CreateBlock(h.ctx, page, "", block.TypeText)
	require.NoError(t, err)
	_, err = shared.Blocks.Get(h.ctx, id)
	require.NoError(t, err, "the edit lands locally at once")

	assert.Eventually(t, func() bool {
		_, ok := backend.CanonicalID(id)
		return ok
	}, 2*time.Second, 10*time.Millisecond, "the leader drains it from the shared queue")
	assert.Equal(t, 1, backend.CallCount(remote.OpCreate, id))
}

// stallingClient holds every create until its context ends.
type stallingClient struct {
	*remote.MemoryBackend
	started chan string
}

func (c *stallingClient) CreateBlock(ctx context.Context, spec remote.CreateSpec) (*block.Block, error) {
	c.started <- spec.ID
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEngine_LeaseLossStopsInFlightSync(t *testing.T) {
	h := newHubFixture(t)
	client := &stallingClient{MemoryBackend: remote.NewMemoryBackend(), started: make(chan string, 4)}
	f := newFixtureWith(t, Config{Outbox: outbox.Config{Interval: 10 * time.Millisecond}},
		Options{Coordinator: h.member("a"), Client: client})
	require.NoError(t, f.engine.Start(f.ctx))
	require.Eventually(t, f.engine.IsLeader, time.Second, 5*time.Millisecond)

	id, err := f.engine.CreateBlock(f.ctx, page, "", block.TypeText)
	require.NoError(t, err)
	select {
	case got := <-client.started:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("create never reached the backend")
	}

	h.sever("a")
	require.Eventually(t, func() bool {
		st, err := f.engine.Stats(f.ctx)
		return err == nil && st.Pending == 1 && st.Processing == 0
	}, 2*time.Second, 10*time.Millisecond, "the in-flight call is abandoned once the lease ends")

	txs, err := f.engine.Queue().List(f.ctx, outbox.Filter{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Zero(t, txs[0].Retries)
	assert.Empty(t, client.started, "no further calls without a lease")
}

func TestOpenStorage(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	bus := events.NewBus(log)
	sub := bus.Subscribe(4, events.StorageDegraded)
	defer sub.Close()

	st := OpenStorage(filepath.Join(t.TempDir(), "data", "blocksync.db"), bus, log)
	defer st.Close()
	assert.False(t, st.Degraded)
	assert.NotNil(t, st.DB())
	_, isSQL := st.Blocks.(*block.SQLStore)
	assert.True(t, isSQL)

	// A regular file where the directory should be.
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	degraded := OpenStorage(filepath.Join(blocker, "blocksync.db"), bus, log)
	assert.True(t, degraded.Degraded)
	assert.Nil(t, degraded.DB())
	_, isMem := degraded.Blocks.(*block.MemoryStore)
	assert.True(t, isMem)
	assert.NoError(t, degraded.Close())

	select {
	case ev := <-sub.C():
		assert.Equal(t, events.StorageDegraded, ev.Type)
		assert.NotEmpty(t, ev.Error)
	case <-time.After(time.Second):
		t.Fatal("no storage_degraded event")
	}
}

func TestIntentLog(t *testing.T) {
	l := newIntentLog(2)
	l.add("a")
	l.add("b")
	assert.True(t, l.seen("a"))
	l.add("c")
	assert.False(t, l.seen("a"))
	assert.True(t, l.seen("b"))
	assert.True(t, l.seen("c"))
}

// switchedCoordinator is a Solo whose leadership the test flips.
type switchedCoordinator struct {
	*coord.Solo
	leader atomic.Bool
}

func (c *switchedCoordinator) IsLeader() bool { return c.leader.Load() }

func TestEngine_FollowsChangesOnlyWhileLeading(t *testing.T) {
	co := &switchedCoordinator{Solo: coord.NewSolo("agent-f")}
	f := newFixtureWith(t, Config{FollowRetry: 10 * time.Millisecond}, Options{Coordinator: co})
	require.NoError(t, f.engine.Start(f.ctx))
	require.True(t, f.engine.Follow(page))

	remoteCreate := func(id string) {
		_, err := f.backend.CreateBlock(f.ctx, remote.CreateSpec{
			ID: id, Type: block.TypeText, PageID: page, CreatedTime: time.Now(),
		})
		require.NoError(t, err)
	}
	local := func(id string) bool {
		_, err := f.storage.Blocks.Get(f.ctx, id)
		return err == nil
	}

	remoteCreate("remote-1")
	time.Sleep(3 * leaderPoll)
	assert.False(t, local("remote-1"), "a follower must not write remote changes")

	co.leader.Store(true)
	assert.Eventually(t, func() bool { return local("remote-1") }, 2*time.Second, 10*time.Millisecond,
		"taking over resyncs the page")
	remoteCreate("remote-2")
	assert.Eventually(t, func() bool { return local("remote-2") }, 2*time.Second, 10*time.Millisecond)

	co.leader.Store(false)
	time.Sleep(3 * leaderPoll)
	remoteCreate("remote-3")
	time.Sleep(3 * leaderPoll)
	assert.False(t, local("remote-3"), "losing leadership closes the stream")
}
