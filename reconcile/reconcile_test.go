package reconcile

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/blocksync/block"
	"github.com/teranos/blocksync/errors"
	bstest "github.com/teranos/blocksync/internal/testing"
	"github.com/teranos/blocksync/outbox"
	"github.com/teranos/blocksync/remote"
	"github.com/teranos/blocksync/transport"
)

var _ outbox.Applier = (*Reconciler)(nil)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func textBlock(id, text string, edited time.Time) *block.Block {
	return &block.Block{
		ID:             id,
		Type:           block.TypeText,
		Content:        []block.Fragment{{Text: text}},
		PageID:         "page-1",
		CreatedTime:    t0,
		LastEditedTime: edited,
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, store block.Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, block.NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, block.NewSQLStore(bstest.CreateTestDB(t))) })
}

func TestApplyRemoteChange_StaleUpdateLeavesStateUnchanged(t *testing.T) {
	forEachStore(t, func(t *testing.T, store block.Store) {
		ctx := context.Background()
		r := New(store, zaptest.NewLogger(t).Sugar())

		local := textBlock("b1", "local edit", t0.Add(10*time.Second))
		require.NoError(t, store.Upsert(ctx, local))
		before, err := store.GetPage(ctx, "page-1")
		require.NoError(t, err)
		beforeJSON, _ := json.Marshal(before)

		older := remote.NewChange(remote.ChangeUpdate, textBlock("b1", "remote edit", t0.Add(5*time.Second)))
		require.NoError(t, r.ApplyRemoteChange(ctx, older))
		tied := remote.NewChange(remote.ChangeUpdate, textBlock("b1", "tie edit", t0.Add(10*time.Second)))
		require.NoError(t, r.ApplyRemoteChange(ctx, tied))

		after, err := store.GetPage(ctx, "page-1")
		require.NoError(t, err)
		afterJSON, _ := json.Marshal(after)
		assert.Equal(t, string(beforeJSON), string(afterJSON))
		assert.Equal(t, int64(2), r.Stats().Stale)
		assert.Zero(t, r.Stats().Applied)
	})
}

func TestApplyRemoteChange_NewerWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, store block.Store) {
		ctx := context.Background()
		r := New(store, zaptest.NewLogger(t).Sugar())
		require.NoError(t, store.Upsert(ctx, textBlock("b1", "local", t0)))

		require.NoError(t, r.ApplyRemoteChange(ctx, remote.NewChange(remote.ChangeUpdate, textBlock("b1", "remote", t0.Add(time.Second)))))
		got, err := store.Get(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, "remote", got.Text())

		require.NoError(t, r.ApplyRemoteChange(ctx, remote.NewChange(remote.ChangeInsert, textBlock("b2", "new", t0))))
		_, err = store.Get(ctx, "b2")
		require.NoError(t, err)
		assert.Equal(t, int64(2), r.Stats().Applied)
		assert.Equal(t, t0.Add(time.Second), r.Watermark("page-1"))
	})
}

func TestApplyRemoteChange_DeleteIsUnconditional(t *testing.T) {
	forEachStore(t, func(t *testing.T, store block.Store) {
		ctx := context.Background()
		r := New(store, zaptest.NewLogger(t).Sugar())

		parent := textBlock("p", "parent", t0.Add(time.Hour))
		child := textBlock("c", "child", t0)
		child.Parent = "p"
		grandchild := textBlock("g", "grandchild", t0)
		grandchild.Parent = "c"
		other := textBlock("o", "other", t0)
		require.NoError(t, store.UpsertBatch(ctx, []*block.Block{parent, child, grandchild, other}))

		require.NoError(t, r.ApplyRemoteChange(ctx, remote.DeleteChange("p", "page-1")))
		page, err := store.GetPage(ctx, "page-1")
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "o", page[0].ID)

		// Deleting something already gone is fine.
		require.NoError(t, r.ApplyRemoteChange(ctx, remote.DeleteChange("p", "page-1")))
	})
}

func TestApplyRemoteChange_MalformedIsRejected(t *testing.T) {
	ctx := context.Background()
	store := block.NewMemoryStore()
	r := New(store, zaptest.NewLogger(t).Sugar())

	cases := []remote.Change{
		{Event: remote.ChangeUpdate},
		{Event: remote.ChangeInsert, Block: json.RawMessage(`{"id":`)},
		{Event: remote.ChangeUpdate, Block: json.RawMessage(`{"id":"x","type":"nope","page_id":"p"}`)},
		{Event: remote.ChangeDelete},
		{Event: "rename", BlockID: "x"},
	}
	for _, c := range cases {
		err := r.ApplyRemoteChange(ctx, c)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "%v", err)
	}
	assert.Equal(t, int64(len(cases)), r.Stats().Skipped)
	assert.Zero(t, store.Len())
}

func TestConsume_SkipsMalformedAndStopsOnClose(t *testing.T) {
	ctx := context.Background()
	store := block.NewMemoryStore()
	r := New(store, zaptest.NewLogger(t).Sugar())

	local, far := transport.Pipe()
	require.NoError(t, far.WriteJSON(remote.NewChange(remote.ChangeInsert, textBlock("a", "one", t0))))
	require.NoError(t, far.WriteJSON(map[string]any{"event": "update", "block": map[string]any{"id": "bad"}}))
	require.NoError(t, far.WriteJSON(map[string]any{"event": 42}))
	require.NoError(t, far.WriteJSON(remote.NewChange(remote.ChangeInsert, textBlock("b", "two", t0))))
	require.NoError(t, far.Close())

	require.NoError(t, r.Consume(ctx, local))
	assert.Equal(t, 2, store.Len())
	assert.Equal(t, int64(2), r.Stats().Skipped)
}

func TestConsume_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(block.NewMemoryStore(), zaptest.NewLogger(t).Sugar())
	local, _ := transport.Pipe()

	done := make(chan error, 1)
	go func() { done <- r.Consume(ctx, local) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after cancel")
	}
}

func TestResync(t *testing.T) {
	ctx := context.Background()
	store := block.NewMemoryStore()
	r := New(store, zaptest.NewLogger(t).Sugar())
	backend := remote.NewMemoryBackend()

	backend.Put(textBlock("r1", "from remote", t0.Add(time.Minute)))
	backend.Put(textBlock("r2", "older than local", t0))
	require.NoError(t, store.Upsert(ctx, textBlock("r2", "local wins", t0.Add(time.Hour))))

	n, err := r.Resync(ctx, backend, "page-1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.Get(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, "local wins", got.Text())
	assert.Equal(t, t0.Add(time.Minute), r.Watermark("page-1"))

	backend.FailAll()
	_, err = r.Resync(ctx, backend, "page-1", time.Time{})
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
}

func TestFollow_AppliesBackendChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := block.NewMemoryStore()
	r := New(store, zaptest.NewLogger(t).Sugar())
	backend := remote.NewMemoryBackend()
	backend.Put(textBlock("before", "existing", t0))

	done := make(chan error, 1)
	go func() { done <- r.Follow(ctx, backend, "page-1", 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, "before")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	created, err := backend.CreateBlock(ctx, remote.CreateSpec{ID: "live", Type: block.TypeText, PageID: "page-1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, created.ID)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestApplyConfirmed(t *testing.T) {
	forEachStore(t, func(t *testing.T, store block.Store) {
		ctx := context.Background()
		r := New(store, zaptest.NewLogger(t).Sugar())

		temp := textBlock("temp_1", "draft", t0)
		child := textBlock("child", "under temp", t0)
		child.Parent = "temp_1"
		require.NoError(t, store.UpsertBatch(ctx, []*block.Block{temp, child}))

		// Not settled: only the id moves, content stays local.
		confirmed := textBlock("blk_000001", "server copy", t0.Add(time.Second))
		require.NoError(t, r.ApplyConfirmed(ctx, "temp_1", confirmed, false))
		_, err := store.Get(ctx, "temp_1")
		assert.True(t, errors.IsNotFoundError(err))
		got, err := store.Get(ctx, "blk_000001")
		require.NoError(t, err)
		assert.Equal(t, "draft", got.Text())
		kid, err := store.Get(ctx, "child")
		require.NoError(t, err)
		assert.Equal(t, "blk_000001", kid.Parent)

		// Settled: the newer confirmed copy is adopted.
		require.NoError(t, r.ApplyConfirmed(ctx, "blk_000001", confirmed, true))
		got, err = store.Get(ctx, "blk_000001")
		require.NoError(t, err)
		assert.Equal(t, "server copy", got.Text())

		// Deleted locally in the meantime: not resurrected.
		require.NoError(t, store.Delete(ctx, "child"))
		require.NoError(t, r.ApplyConfirmed(ctx, "child", textBlock("child", "back?", t0.Add(time.Hour)), true))
		_, err = store.Get(ctx, "child")
		assert.True(t, errors.IsNotFoundError(err))
	})
}
