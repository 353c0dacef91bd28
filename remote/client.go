// Package remote defines what the sync engine needs from the authoritative
// backend, and ships an HTTP implementation of it plus an in-memory backend
// for tests and local development.
package remote

import (
	"context"
	"time"

	"github.com/teranos/blocksync/block"
	"github.com/teranos/blocksync/transport"
)

// CreateSpec describes a block to create. ID is the client-minted id; a
// backend must treat a repeated ID as the same logical create.
type CreateSpec struct {
	ID           string           `json:"id"`
	Type         block.Type       `json:"type"`
	Properties   map[string]any   `json:"properties,omitempty"`
	Content      []block.Fragment `json:"content,omitempty"`
	Parent       string           `json:"parent,omitempty"`
	PageID       string           `json:"page_id"`
	CreatedTime  time.Time        `json:"created_time"`
	LastEditedBy string           `json:"last_edited_by,omitempty"`
}

// SpecFromBlock builds the create request for a locally written block.
func SpecFromBlock(b *block.Block) CreateSpec {
	c := b.Clone()
	return CreateSpec{
		ID:           c.ID,
		Type:         c.Type,
		Properties:   c.Properties,
		Content:      c.Content,
		Parent:       c.Parent,
		PageID:       c.PageID,
		CreatedTime:  c.CreatedTime,
		LastEditedBy: c.LastEditedBy,
	}
}

// Partial is an update request: the patch plus who made it and when.
type Partial struct {
	block.Patch
	EditedBy string    `json:"edited_by,omitempty"`
	EditedAt time.Time `json:"edited_at"`
}

// ReorderUpdate moves one block: new parent and new sort key.
type ReorderUpdate struct {
	ID          string    `json:"id"`
	Parent      string    `json:"parent,omitempty"`
	CreatedTime time.Time `json:"created_time"`
}

// Client is the contract the outbox drains against. Every method must be
// safe to call more than once with the same logical intent.
type Client interface {
	CreateBlock(ctx context.Context, spec CreateSpec) (*block.Block, error)
	UpdateBlock(ctx context.Context, id string, partial Partial) (*block.Block, error)
	DeleteBlock(ctx context.Context, id string) error
	ReorderBlocks(ctx context.Context, updates []ReorderUpdate) error
}

// Fetcher is implemented by clients that can list a page's recent changes,
// used to resync after a reconnect gap.
type Fetcher interface {
	FetchModifiedSince(ctx context.Context, pageID string, since time.Time) ([]*block.Block, error)
}

// ChangeSource opens a push stream of Change messages for one page. An
// empty pageID streams every page.
type ChangeSource interface {
	OpenChanges(ctx context.Context, pageID string) (transport.Conn, error)
}

type idempotencyKey struct{}

// WithIdempotencyKey tags ctx with the key sent alongside a remote call.
// The outbox uses the transaction id.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKey returns the key carried by ctx, if any.
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}
