package remote

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/teranos/blocksync/block"
	"github.com/teranos/blocksync/transport"
)

// Op names one backend call, for call logs and fault injection.
type Op string

const (
	OpCreate  Op = "create"
	OpUpdate  Op = "update"
	OpDelete  Op = "delete"
	OpReorder Op = "reorder"
	OpFetch   Op = "fetch"
)

// Call is one recorded backend invocation.
type Call struct {
	Op  Op
	ID  string
	Key string
}

// FaultFunc decides whether a call fails. Returning nil lets it through.
type FaultFunc func(op Op, id string) error

// MemoryBackend is an authoritative block store held in memory. It
// implements Client and Fetcher and can push a change stream.
type MemoryBackend struct {
	mu        sync.Mutex
	blocks    map[string]*block.Block
	byClient  map[string]string
	seq       int
	assignIDs bool
	calls     []Call
	fault     FaultFunc
	subs      map[int]chan Change
	nextSub   int
	now       func() time.Time
}

// BackendOption configures a MemoryBackend.
type BackendOption func(*MemoryBackend)

// WithCanonicalIDs makes creates return server-assigned ids instead of
// echoing the client id.
func WithCanonicalIDs() BackendOption {
	return func(m *MemoryBackend) { m.assignIDs = true }
}

// WithClock overrides the backend's time source.
func WithClock(now func() time.Time) BackendOption {
	return func(m *MemoryBackend) { m.now = now }
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend(opts ...BackendOption) *MemoryBackend {
	m := &MemoryBackend{
		blocks:   make(map[string]*block.Block),
		byClient: make(map[string]string),
		subs:     make(map[int]chan Change),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetFault installs (or clears, with nil) a fault injector.
func (m *MemoryBackend) SetFault(f FaultFunc) {
	m.mu.Lock()
	m.fault = f
	m.mu.Unlock()
}

// FailAll makes every call fail with a 503 until cleared with SetFault(nil).
func (m *MemoryBackend) FailAll() {
	m.SetFault(func(Op, string) error {
		return &HTTPError{StatusCode: http.StatusServiceUnavailable, Message: "backend unavailable"}
	})
}

func (m *MemoryBackend) record(ctx context.Context, op Op, id string) error {
	m.calls = append(m.calls, Call{Op: op, ID: id, Key: IdempotencyKey(ctx)})
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.fault != nil {
		return m.fault(op, id)
	}
	return nil
}

// CreateBlock stores spec. A repeated client id returns the block created
// the first time.
func (m *MemoryBackend) CreateBlock(ctx context.Context, spec CreateSpec) (*block.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, OpCreate, spec.ID); err != nil {
		return nil, err
	}
	if spec.ID != "" {
		if canonical, ok := m.byClient[spec.ID]; ok {
			if b, ok := m.blocks[canonical]; ok {
				return b.Clone(), nil
			}
		}
	}

	id := spec.ID
	if m.assignIDs || id == "" {
		m.seq++
		id = fmt.Sprintf("blk_%06d", m.seq)
	}
	now := block.NormalizeTime(m.now())
	b := &block.Block{
		ID:             id,
		Type:           spec.Type,
		Properties:     spec.Properties,
		Content:        spec.Content,
		Parent:         spec.Parent,
		PageID:         spec.PageID,
		CreatedTime:    block.NormalizeTime(spec.CreatedTime),
		LastEditedTime: now,
		LastEditedBy:   spec.LastEditedBy,
	}
	if b.CreatedTime.IsZero() {
		b.CreatedTime = now
	}
	if err := b.Validate(); err != nil {
		return nil, &HTTPError{StatusCode: http.StatusBadRequest, Code: "invalid_block", Message: err.Error()}
	}
	b = b.Clone()
	m.blocks[id] = b
	if spec.ID != "" {
		m.byClient[spec.ID] = id
	}
	m.broadcast(NewChange(ChangeInsert, b))
	return b.Clone(), nil
}

// UpdateBlock applies partial to an existing block. Ids must be canonical.
func (m *MemoryBackend) UpdateBlock(ctx context.Context, id string, partial Partial) (*block.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, OpUpdate, id); err != nil {
		return nil, err
	}
	b, ok := m.blocks[id]
	if !ok {
		return nil, notFound(id)
	}
	at := partial.EditedAt
	if at.IsZero() {
		at = m.now()
	}
	partial.Patch.Apply(b, partial.EditedBy, block.NormalizeTime(at))
	m.broadcast(NewChange(ChangeUpdate, b))
	return b.Clone(), nil
}

// DeleteBlock removes id. Deleting a missing block reports not found.
func (m *MemoryBackend) DeleteBlock(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, OpDelete, id); err != nil {
		return err
	}
	b, ok := m.blocks[id]
	if !ok {
		return notFound(id)
	}
	delete(m.blocks, id)
	m.broadcast(DeleteChange(id, b.PageID))
	return nil
}

// ReorderBlocks applies all updates or none.
func (m *MemoryBackend) ReorderBlocks(ctx context.Context, updates []ReorderUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ""
	if len(updates) > 0 {
		key = updates[0].ID
	}
	if err := m.record(ctx, OpReorder, key); err != nil {
		return err
	}
	for _, u := range updates {
		if _, ok := m.blocks[u.ID]; !ok {
			return notFound(u.ID)
		}
	}
	now := m.now()
	for _, u := range updates {
		b := m.blocks[u.ID]
		b.Parent = u.Parent
		b.CreatedTime = block.NormalizeTime(u.CreatedTime)
		if now.After(b.LastEditedTime) {
			b.LastEditedTime = block.NormalizeTime(now)
		}
		m.broadcast(NewChange(ChangeUpdate, b))
	}
	return nil
}

// FetchModifiedSince lists a page's blocks edited strictly after since.
func (m *MemoryBackend) FetchModifiedSince(ctx context.Context, pageID string, since time.Time) ([]*block.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(ctx, OpFetch, pageID); err != nil {
		return nil, err
	}
	var out []*block.Block
	for _, b := range m.blocks {
		if b.PageID == pageID && b.LastEditedTime.After(since) {
			out = append(out, b.Clone())
		}
	}
	block.SortByCreated(out)
	return out, nil
}

// Put writes b as if another client edited it, and pushes the change.
func (m *MemoryBackend) Put(b *block.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event := ChangeUpdate
	if _, ok := m.blocks[b.ID]; !ok {
		event = ChangeInsert
	}
	c := b.Clone()
	m.blocks[c.ID] = c
	m.broadcast(NewChange(event, c))
}

// Get returns a copy of the stored block.
func (m *MemoryBackend) Get(id string) (*block.Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[id]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// Blocks returns every stored block in sibling order.
func (m *MemoryBackend) Blocks() []*block.Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*block.Block, 0, len(m.blocks))
	for _, b := range m.blocks {
		out = append(out, b.Clone())
	}
	block.SortByCreated(out)
	return out
}

// CanonicalID resolves a client id to the id the backend assigned.
func (m *MemoryBackend) CanonicalID(clientID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byClient[clientID]
	return id, ok
}

// Calls returns the call log.
func (m *MemoryBackend) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount counts recorded calls of op, restricted to id when non-empty.
func (m *MemoryBackend) CallCount(op Op, id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op && (id == "" || c.ID == id) {
			n++
		}
	}
	return n
}

// Subscribe streams every change made after the call. The channel closes
// when cancel is called.
func (m *MemoryBackend) Subscribe(buffer int) (<-chan Change, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Change, buffer)
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// OpenChanges serves Subscribe over an in-process connection, filtered to
// pageID, so consumers read it the same way they read the websocket stream.
func (m *MemoryBackend) OpenChanges(ctx context.Context, pageID string) (transport.Conn, error) {
	changes, cancel := m.Subscribe(256)
	local, far := transport.Pipe()
	go func() {
		defer cancel()
		defer far.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-changes:
				if !ok {
					return
				}
				if pageID != "" && c.PageID != pageID {
					continue
				}
				if err := far.WriteJSON(c); err != nil {
					return
				}
			}
		}
	}()
	return local, nil
}

// broadcast must be called with mu held. Slow subscribers miss changes and
// are expected to resync.
func (m *MemoryBackend) broadcast(c Change) {
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		select {
		case m.subs[id] <- c:
		default:
		}
	}
}

func notFound(id string) error {
	return &HTTPError{StatusCode: http.StatusNotFound, Code: "not_found", Message: fmt.Sprintf("block %s not found", id)}
}

var (
	_ Client       = (*MemoryBackend)(nil)
	_ Fetcher      = (*MemoryBackend)(nil)
	_ ChangeSource = (*MemoryBackend)(nil)
)
