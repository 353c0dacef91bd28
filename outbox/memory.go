package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teranos/blocksync/errors"
)

// MemoryStore is the outbox used when sqlite is unavailable.
type MemoryStore struct {
	mu       sync.Mutex
	txs      map[string]*Transaction
	seq      int64
	mappings map[string]string
	state    SyncState
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:      make(map[string]*Transaction),
		mappings: make(map[string]string),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.ID]; ok {
		return errors.Wrapf(errors.ErrConflict, "transaction %s exists", tx.ID)
	}
	s.seq++
	tx.Seq = s.seq
	s.txs[tx.ID] = tx.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, errors.NewNotFoundError("transaction %s", id)
	}
	return tx.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.txs[tx.ID]
	if !ok {
		return errors.NewNotFoundError("transaction %s", tx.ID)
	}
	next := tx.Clone()
	next.Seq = cur.Seq
	next.Type = cur.Type
	next.CreatedAt = cur.CreatedAt
	next.MaxRetries = cur.MaxRetries
	next.UserID = cur.UserID
	next.PageID = cur.PageID
	s.txs[tx.ID] = next
	return nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Transaction, error) {
	out := s.selectTx(func(tx *Transaction) bool {
		return (f.Status == "" || tx.Status == f.Status) && (f.PageID == "" || tx.PageID == f.PageID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Active(ctx context.Context) ([]*Transaction, error) {
	return s.selectTx(func(tx *Transaction) bool {
		return tx.Status == StatusPending || tx.Status == StatusProcessing
	}), nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[Status]int)
	for _, tx := range s.txs {
		counts[tx.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) OldestPending(ctx context.Context) (time.Time, bool, error) {
	pending := s.selectTx(func(tx *Transaction) bool { return tx.Status == StatusPending })
	if len(pending) == 0 {
		return time.Time{}, false, nil
	}
	return pending[0].CreatedAt, true, nil
}

func (s *MemoryStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, tx := range s.txs {
		if tx.Status == StatusCompleted && tx.UpdatedAt.Before(cutoff) {
			delete(s.txs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ResetProcessing(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, tx := range s.txs {
		if tx.Status == StatusProcessing && tx.UpdatedAt.Before(cutoff) {
			tx.Status = StatusPending
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PutMapping(ctx context.Context, tempID, canonicalID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[tempID] = canonicalID
	return nil
}

func (s *MemoryStore) Mappings(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.mappings))
	for k, v := range s.mappings {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) LoadState(ctx context.Context) (SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *MemoryStore) SaveState(ctx context.Context, st SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.SyncInProgress = s.state.SyncInProgress
	s.state = st
	return nil
}

func (s *MemoryStore) BeginSync(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.SyncInProgress {
		return false, nil
	}
	s.state.SyncInProgress = true
	return true, nil
}

func (s *MemoryStore) EndSync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SyncInProgress = false
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) selectTx(keep func(*Transaction) bool) []*Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Transaction, 0)
	for _, tx := range s.txs {
		if keep(tx) {
			out = append(out, tx.Clone())
		}
	}
	sortDrainOrder(out)
	return out
}

// sortDrainOrder orders by CreatedAt with Seq breaking ties.
func sortDrainOrder(txs []*Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.Before(txs[j].CreatedAt)
		}
		return txs[i].Seq < txs[j].Seq
	})
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
)
