package block

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teranos/blocksync/errors"
)

// MemoryStore is the ephemeral arena used when no durable store can be
// opened, and in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks map[string]*Block
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[string]*Block)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blocks[id]
	if !ok {
		return nil, errors.NewNotFoundError("block %s", id)
	}
	return b.Clone(), nil
}

func (s *MemoryStore) GetPage(ctx context.Context, pageID string) ([]*Block, error) {
	return s.selectBlocks(func(b *Block) bool { return b.PageID == pageID }), nil
}

func (s *MemoryStore) GetPaginated(ctx context.Context, q Query) ([]*Block, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	all := s.selectBlocks(func(b *Block) bool {
		if b.PageID != q.PageID {
			return false
		}
		return q.Parent == nil || b.Parent == *q.Parent
	})
	return window(all, q.Limit, q.Offset), nil
}

func (s *MemoryStore) GetModifiedSince(ctx context.Context, pageID string, since time.Time) ([]*Block, error) {
	since = NormalizeTime(since)
	return s.selectBlocks(func(b *Block) bool {
		return b.PageID == pageID && b.LastEditedTime.After(since)
	}), nil
}

func (s *MemoryStore) Upsert(ctx context.Context, b *Block) error {
	if err := b.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(b)
	return nil
}

func (s *MemoryStore) UpsertBatch(ctx context.Context, blocks []*Block) error {
	for _, b := range blocks {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range blocks {
		s.upsertLocked(b)
	}
	return nil
}

func (s *MemoryStore) upsertLocked(b *Block) {
	c := b.Clone()
	normalize(c)
	if existing, ok := s.blocks[c.ID]; ok && existing.LastEditedTime.After(c.LastEditedTime) {
		c.LastEditedTime = existing.LastEditedTime
	}
	s.blocks[c.ID] = c
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, id)
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, pageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range s.blocks {
		if b.PageID == pageID {
			delete(s.blocks, id)
		}
	}
	return nil
}

func (s *MemoryStore) Rekey(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[oldID]
	if !ok {
		return errors.NewNotFoundError("block %s", oldID)
	}
	delete(s.blocks, oldID)
	if _, exists := s.blocks[newID]; !exists {
		b.ID = newID
		s.blocks[newID] = b
	}
	for _, child := range s.blocks {
		if child.Parent == oldID {
			child.Parent = newID
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored blocks.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

func (s *MemoryStore) selectBlocks(keep func(*Block) bool) []*Block {
	s.mu.RLock()
	out := make([]*Block, 0)
	for _, b := range s.blocks {
		if keep(b) {
			out = append(out, b.Clone())
		}
	}
	s.mu.RUnlock()

	SortByCreated(out)
	return out
}

// SortByCreated orders blocks by CreatedTime, then id.
func SortByCreated(blocks []*Block) {
	sort.SliceStable(blocks, func(i, j int) bool {
		if !blocks[i].CreatedTime.Equal(blocks[j].CreatedTime) {
			return blocks[i].CreatedTime.Before(blocks[j].CreatedTime)
		}
		return blocks[i].ID < blocks[j].ID
	})
}

func validateQuery(q Query) error {
	if q.PageID == "" {
		return errors.NewInvalidRequestError("page_id is required")
	}
	if q.Limit < 0 || q.Offset < 0 {
		return errors.NewInvalidRequestError("limit and offset must be >= 0, got %d/%d", q.Limit, q.Offset)
	}
	return nil
}

// window applies offset then limit; a zero limit means no limit.
func window(blocks []*Block, limit, offset int) []*Block {
	if offset >= len(blocks) {
		return []*Block{}
	}
	blocks = blocks[offset:]
	if limit > 0 && limit < len(blocks) {
		blocks = blocks[:limit]
	}
	return blocks
}
