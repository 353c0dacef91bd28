package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/events"
	"github.com/teranos/blocksync/logger"
	"github.com/teranos/blocksync/remote"
)

// Config tunes draining and retries.
type Config struct {
	Interval       time.Duration
	BatchSize      int
	MaxRetries     int
	RetryDelayBase time.Duration
	MaxRetryDelay  time.Duration
	// OrphanAfter is how long a processing transaction must sit untouched
	// before a new leader takes it back. It should be at least the
	// coordination leader timeout.
	OrphanAfter time.Duration
}

// DefaultConfig matches the defaults in am.
func DefaultConfig() Config {
	return Config{
		Interval:       2 * time.Second,
		BatchSize:      10,
		MaxRetries:     5,
		RetryDelayBase: time.Second,
		MaxRetryDelay:  5 * time.Minute,
		OrphanAfter:    3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelayBase <= 0 {
		c.RetryDelayBase = d.RetryDelayBase
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.OrphanAfter <= 0 {
		c.OrphanAfter = d.OrphanAfter
	}
	return c
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the queue's time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDGenerator overrides transaction id generation.
func WithIDGenerator(newID func() string) Option {
	return func(q *Queue) { q.newID = newID }
}

// Queue records transactions and owns every status transition. All state
// changes go through mu so SyncState always matches the table.
type Queue struct {
	store  Store
	bus    *events.Bus
	logger *zap.SugaredLogger
	cfg    atomic.Pointer[Config]
	now    func() time.Time
	newID  func() string
	wake   chan struct{}

	online atomic.Bool

	mu       sync.Mutex
	state    SyncState
	syncing  bool
	mappings map[string]string
}

// NewQueue loads persisted sync state and id mappings from store.
func NewQueue(ctx context.Context, store Store, bus *events.Bus, cfg Config, log *zap.SugaredLogger, opts ...Option) (*Queue, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if bus == nil {
		bus = events.NewBus(log)
	}
	q := &Queue{
		store:  store,
		bus:    bus,
		logger: logger.AddOutboxSymbol(log),
		now:    time.Now,
		newID:  uuid.NewString,
		wake:   make(chan struct{}, 1),
	}
	q.Reconfigure(cfg)
	for _, opt := range opts {
		opt(q)
	}

	st, err := store.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	mappings, err := store.Mappings(ctx)
	if err != nil {
		return nil, err
	}
	q.online.Store(st.IsOnline)
	q.state = st
	q.mappings = mappings
	return q, nil
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return *q.cfg.Load()
}

// Reconfigure swaps the configuration. Transactions already queued keep
// the retry budget they were created with; the sync loop picks up a new
// interval on its next tick.
func (q *Queue) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()
	q.cfg.Store(&cfg)
	q.logger.Debugw("Queue configured",
		"interval", cfg.Interval.String(),
		logger.FieldBatchSize, cfg.BatchSize,
		logger.FieldRetries, cfg.MaxRetries)
}

// Events returns the bus the queue publishes on.
func (q *Queue) Events() *events.Bus {
	return q.bus
}

// Wake fires after an enqueue, a retry, or going online.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Kick wakes the sync loop without enqueueing, e.g. after gaining
// leadership.
func (q *Queue) Kick() {
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue records a transaction. It writes only to the local store and
// never waits on the network.
func (q *Queue) Enqueue(ctx context.Context, t Type, p Payload, userID, pageID string, snapshot []byte) (string, error) {
	pt, err := typeOf(p)
	if err != nil {
		return "", err
	}
	if pt != t {
		return "", errors.NewInvalidRequestError("payload %T does not match transaction type %s", p, t)
	}
	if err := validatePayload(p); err != nil {
		return "", err
	}

	q.mu.Lock()
	for _, id := range p.EntityIDs() {
		if canonical, ok := q.resolveLocked(id); ok {
			p.ReplaceID(id, canonical)
		}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		q.mu.Unlock()
		return "", errors.Wrap(err, "failed to encode payload")
	}
	now := q.now()
	tx := &Transaction{
		ID:               q.newID(),
		Type:             t,
		Payload:          raw,
		EntityIDs:        p.EntityIDs(),
		Status:           StatusPending,
		MaxRetries:       q.Config().MaxRetries,
		CreatedAt:        now,
		UpdatedAt:        now,
		UserID:           userID,
		PageID:           pageID,
		RollbackSnapshot: snapshot,
	}
	if err := q.store.Insert(ctx, tx); err != nil {
		q.mu.Unlock()
		return "", errors.Wrap(err, "failed to enqueue transaction")
	}
	q.recomputeLocked(ctx)
	q.mu.Unlock()

	q.logger.Debugw("Transaction queued",
		logger.FieldTxID, tx.ID,
		"type", t,
		logger.FieldPageID, pageID)
	q.bus.Publish(events.Event{
		Type:            events.TransactionQueued,
		TransactionID:   tx.ID,
		TransactionType: string(t),
		PageID:          pageID,
	})
	q.signal()
	return tx.ID, nil
}

// Get returns one transaction.
func (q *Queue) Get(ctx context.Context, id string) (*Transaction, error) {
	return q.store.Get(ctx, id)
}

// List returns transactions in drain order.
func (q *Queue) List(ctx context.Context, f Filter) ([]*Transaction, error) {
	return q.store.List(ctx, f)
}

// Retry puts a failed or cancelled transaction back in line with a fresh
// retry budget. Nothing else ever leaves a terminal state.
func (q *Queue) Retry(ctx context.Context, id string) error {
	q.mu.Lock()
	tx, err := q.store.Get(ctx, id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if tx.Status != StatusFailed && tx.Status != StatusCancelled {
		q.mu.Unlock()
		return errors.NewInvalidRequestError("transaction %s is %s; only failed or cancelled transactions can be retried", id, tx.Status)
	}
	tx.Status = StatusPending
	tx.Retries = 0
	tx.ErrorMessage = ""
	tx.NextAttemptAt = time.Time{}
	tx.UpdatedAt = q.now()
	if err := q.store.Save(ctx, tx); err != nil {
		q.mu.Unlock()
		return err
	}
	q.recomputeLocked(ctx)
	q.mu.Unlock()

	q.logger.Infow("Transaction retried", logger.FieldTxID, id)
	q.bus.Publish(events.Event{
		Type:            events.TransactionQueued,
		TransactionID:   id,
		TransactionType: string(tx.Type),
		PageID:          tx.PageID,
	})
	q.signal()
	return nil
}

// Cancel abandons a pending transaction and raises its rollback.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	tx, err := q.store.Get(ctx, id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	if tx.Status != StatusPending {
		q.mu.Unlock()
		return errors.NewInvalidRequestError("transaction %s is %s; only pending transactions can be cancelled", id, tx.Status)
	}
	tx.Status = StatusCancelled
	tx.ErrorMessage = "cancelled"
	tx.UpdatedAt = q.now()
	if err := q.store.Save(ctx, tx); err != nil {
		q.mu.Unlock()
		return err
	}
	q.recomputeLocked(ctx)
	q.mu.Unlock()

	q.publishRollback(tx)
	return nil
}

// ClearCompletedTransactions deletes completed transactions older than the
// given number of days.
func (q *Queue) ClearCompletedTransactions(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, errors.NewInvalidRequestError("older-than days must not be negative, got %d", olderThanDays)
	}
	cutoff := q.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	q.mu.Lock()
	defer q.mu.Unlock()
	n, err := q.store.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	q.recomputeLocked(ctx)
	if n > 0 {
		q.logger.Infow("Cleared completed transactions", logger.FieldCount, n)
	}
	return n, nil
}

// GetStats counts transactions per status.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Pending:    counts[StatusPending],
		Processing: counts[StatusProcessing],
		Completed:  counts[StatusCompleted],
		Failed:     counts[StatusFailed],
		Cancelled:  counts[StatusCancelled],
	}
	for _, n := range counts {
		st.Total += n
	}
	oldest, ok, err := q.store.OldestPending(ctx)
	if err != nil {
		return Stats{}, err
	}
	if ok {
		st.OldestPendingAge = q.now().Sub(oldest)
	}
	return st, nil
}

// SyncState returns the last derived state.
func (q *Queue) SyncState() SyncState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// IsOnline reports the network flag.
func (q *Queue) IsOnline() bool {
	return q.online.Load()
}

// SetOnline records a network change. Going online wakes the sync loop.
func (q *Queue) SetOnline(ctx context.Context, online bool) {
	if q.online.Swap(online) == online {
		return
	}
	q.mu.Lock()
	q.recomputeLocked(ctx)
	q.mu.Unlock()

	q.logger.Infow("Network status changed", logger.FieldOnline, online)
	q.bus.Publish(events.Event{Type: events.NetworkStatusChanged, Online: events.Bool(online)})
	if online {
		q.signal()
	}
}

// ResolveID follows temp→canonical mappings. Unmapped ids come back as is.
func (q *Queue) ResolveID(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if canonical, ok := q.resolveLocked(id); ok {
		return canonical
	}
	return id
}

func (q *Queue) resolveLocked(id string) (string, bool) {
	canonical, ok := q.mappings[id]
	if !ok {
		return id, false
	}
	// Mappings can chain when a backend re-assigns; bound the walk.
	for i := 0; i < 8; i++ {
		next, more := q.mappings[canonical]
		if !more || next == canonical {
			break
		}
		canonical = next
	}
	return canonical, true
}

// recomputeLocked derives SyncState from the table and persists it. A
// failure only costs freshness of the counters, so it is logged.
func (q *Queue) recomputeLocked(ctx context.Context) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		q.logger.Warnw("Failed to recompute sync state", logger.FieldError, err)
		return
	}
	q.state = SyncState{
		IsOnline:       q.online.Load(),
		LastSync:       q.state.LastSync,
		PendingCount:   counts[StatusPending] + counts[StatusProcessing],
		FailedCount:    counts[StatusFailed],
		SyncInProgress: q.syncing,
	}
	if err := q.store.SaveState(ctx, q.state); err != nil {
		q.logger.Warnw("Failed to persist sync state", logger.FieldError, err)
	}
}

func (q *Queue) publishRollback(tx *Transaction) {
	ev := events.Event{
		Type:            events.TransactionRollback,
		TransactionID:   tx.ID,
		TransactionType: string(tx.Type),
		PageID:          tx.PageID,
		Retries:         tx.Retries,
		Error:           tx.ErrorMessage,
	}
	if len(tx.RollbackSnapshot) > 0 {
		ev.Snapshot = append([]byte(nil), tx.RollbackSnapshot...)
	}
	q.bus.Publish(ev)
}

// retryDelay is the wait before the next attempt, honouring a server
// Retry-After when it asks for longer.
func (q *Queue) retryDelay(retries int, err error) time.Duration {
	cfg := q.Config()
	d := Backoff(cfg.RetryDelayBase, retries, cfg.MaxRetryDelay)
	if ra := remote.RetryAfter(err); ra > d {
		d = ra
	}
	return d
}
