package block

import (
	"context"
	"time"
)

// Query selects a window of a page. A nil Parent applies no parent filter;
// a pointer to "" selects root blocks.
type Query struct {
	PageID string
	Parent *string
	Limit  int
	Offset int
}

// Store is the local block store. Every read returns blocks ordered by
// CreatedTime ascending, id breaking ties, as independent copies.
type Store interface {
	Get(ctx context.Context, id string) (*Block, error)
	GetPage(ctx context.Context, pageID string) ([]*Block, error)
	GetPaginated(ctx context.Context, q Query) ([]*Block, error)
	GetModifiedSince(ctx context.Context, pageID string, since time.Time) ([]*Block, error)

	// Upsert inserts or replaces a block by id. Replaying the same block is
	// a no-op; LastEditedTime never moves backwards.
	Upsert(ctx context.Context, b *Block) error
	// UpsertBatch applies several upserts atomically.
	UpsertBatch(ctx context.Context, blocks []*Block) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context, pageID string) error
	// Rekey renames a block (temporary id to canonical id) and repoints its
	// children. If newID already exists the old record is dropped.
	Rekey(ctx context.Context, oldID, newID string) error

	Close() error
}

// ParentRoot is a convenience for Query.Parent selecting root blocks.
func ParentRoot() *string {
	s := ""
	return &s
}

// ParentOf is a convenience for Query.Parent selecting children of id.
func ParentOf(id string) *string {
	return &id
}
