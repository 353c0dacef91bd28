package block

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/blocksync/errors"
	bstest "github.com/teranos/blocksync/internal/testing"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newBlock(id, page, parent string, offset time.Duration) *Block {
	return &Block{
		ID:             id,
		Type:           TypeText,
		Properties:     map[string]any{"checked": false, "meta": map[string]any{"color": "gray"}},
		Content:        []Fragment{{Text: "hello " + id, Marks: []string{"bold"}}},
		Parent:         parent,
		PageID:         page,
		CreatedTime:    t0.Add(offset),
		LastEditedTime: t0.Add(offset),
		LastEditedBy:   "kirby",
	}
}

// storeFactories runs every contract test against both implementations.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return NewSQLStore(bstest.CreateTestDB(t)) },
	}
}

func TestStore_UpsertIsIdempotent(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			b := newBlock("b1", "page", "", 0)

			require.NoError(t, s.Upsert(ctx, b))
			first, err := s.GetPage(ctx, "page")
			require.NoError(t, err)

			require.NoError(t, s.Upsert(ctx, b))
			second, err := s.GetPage(ctx, "page")
			require.NoError(t, err)

			assert.Equal(t, first, second)
			require.Len(t, second, 1)
			assert.Equal(t, "hello b1", second[0].Text())
			assert.Equal(t, "gray", second[0].Properties["meta"].(map[string]any)["color"])
		})
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			b := newBlock("b1", "page", "", 0)
			require.NoError(t, s.Upsert(ctx, b))

			b.Content[0].Text = "mutated after write"
			got, err := s.Get(ctx, "b1")
			require.NoError(t, err)
			got.Properties["checked"] = true

			again, err := s.Get(ctx, "b1")
			require.NoError(t, err)
			assert.Equal(t, "hello b1", again.Text())
			assert.Equal(t, false, again.Properties["checked"])
		})
	}
}

func TestStore_OrderingAndPagination(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.Upsert(ctx, newBlock("c", "page", "", 3*time.Second)))
			require.NoError(t, s.Upsert(ctx, newBlock("a", "page", "", 1*time.Second)))
			require.NoError(t, s.Upsert(ctx, newBlock("b", "page", "", 2*time.Second)))
			require.NoError(t, s.Upsert(ctx, newBlock("a1", "page", "a", 4*time.Second)))
			require.NoError(t, s.Upsert(ctx, newBlock("x", "other", "", 0)))

			page, err := s.GetPage(ctx, "page")
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c", "a1"}, ids(page))

			roots, err := s.GetPaginated(ctx, Query{PageID: "page", Parent: ParentRoot(), Limit: 2, Offset: 1})
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "c"}, ids(roots))

			children, err := s.GetPaginated(ctx, Query{PageID: "page", Parent: ParentOf("a")})
			require.NoError(t, err)
			assert.Equal(t, []string{"a1"}, ids(children))

			all, err := s.GetPaginated(ctx, Query{PageID: "page", Offset: 3})
			require.NoError(t, err)
			assert.Equal(t, []string{"a1"}, ids(all))

			past, err := s.GetPaginated(ctx, Query{PageID: "page", Offset: 10})
			require.NoError(t, err)
			assert.Empty(t, past)

			_, err = s.GetPaginated(ctx, Query{PageID: "page", Limit: -1})
			assert.True(t, errors.IsInvalidRequestError(err))
		})
	}
}

func TestStore_LastEditedTimeNeverRegresses(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			newer := newBlock("b1", "page", "", 0)
			newer.LastEditedTime = t0.Add(time.Hour)
			require.NoError(t, s.Upsert(ctx, newer))

			older := newBlock("b1", "page", "", 0)
			older.Content = []Fragment{{Text: "restored"}}
			require.NoError(t, s.Upsert(ctx, older))

			got, err := s.Get(ctx, "b1")
			require.NoError(t, err)
			assert.Equal(t, "restored", got.Text())
			assert.True(t, got.LastEditedTime.Equal(t0.Add(time.Hour)))
		})
	}
}

func TestStore_ModifiedSince(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			old := newBlock("old", "page", "", 0)
			fresh := newBlock("fresh", "page", "", time.Second)
			fresh.LastEditedTime = t0.Add(10 * time.Minute)
			require.NoError(t, s.UpsertBatch(ctx, []*Block{old, fresh}))

			got, err := s.GetModifiedSince(ctx, "page", t0.Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, []string{"fresh"}, ids(got))
		})
	}
}

func TestStore_DeleteClearRekey(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			require.NoError(t, s.UpsertBatch(ctx, []*Block{
				newBlock("temp_1", "page", "", 0),
				newBlock("child", "page", "temp_1", time.Second),
				newBlock("gone", "page", "", 2*time.Second),
				newBlock("elsewhere", "other", "", 0),
			}))

			require.NoError(t, s.Rekey(ctx, "temp_1", "blk_100"))
			_, err := s.Get(ctx, "temp_1")
			assert.True(t, errors.IsNotFoundError(err))
			child, err := s.Get(ctx, "child")
			require.NoError(t, err)
			assert.Equal(t, "blk_100", child.Parent)

			assert.True(t, errors.IsNotFoundError(s.Rekey(ctx, "temp_1", "blk_100")))

			require.NoError(t, s.Delete(ctx, "gone"))
			require.NoError(t, s.Delete(ctx, "gone"), "deleting twice is harmless")

			require.NoError(t, s.Clear(ctx, "page"))
			page, err := s.GetPage(ctx, "page")
			require.NoError(t, err)
			assert.Empty(t, page)

			other, err := s.GetPage(ctx, "other")
			require.NoError(t, err)
			assert.Len(t, other, 1)
		})
	}
}

func TestStore_RekeyOntoExistingCanonical(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			canonical := newBlock("blk_7", "page", "", 0)
			canonical.Content = []Fragment{{Text: "from remote"}}
			require.NoError(t, s.UpsertBatch(ctx, []*Block{newBlock("temp_7", "page", "", 0), canonical}))

			require.NoError(t, s.Rekey(ctx, "temp_7", "blk_7"))

			page, err := s.GetPage(ctx, "page")
			require.NoError(t, err)
			require.Len(t, page, 1)
			assert.Equal(t, "from remote", page[0].Text())
		})
	}
}

func TestStore_RejectsInvalidBlocks(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			bad := newBlock("b1", "page", "", 0)
			bad.Type = "spreadsheet"
			assert.True(t, errors.IsInvalidRequestError(s.Upsert(ctx, bad)))

			noPage := newBlock("b2", "", "", 0)
			assert.Error(t, s.UpsertBatch(ctx, []*Block{newBlock("b3", "page", "", 0), noPage}))

			page, err := s.GetPage(ctx, "page")
			require.NoError(t, err)
			assert.Empty(t, page, "a rejected batch writes nothing")
		})
	}
}

func ids(blocks []*Block) []string {
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.ID
	}
	return out
}
