// Package engine is the facade editors call. Every edit lands in the local
// store at once and is queued for the remote backend; only the elected
// leader writes, followers forward their edits to it as intents.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/blocksync/block"
	"github.com/teranos/blocksync/coord"
	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/events"
	"github.com/teranos/blocksync/logger"
	"github.com/teranos/blocksync/outbox"
	"github.com/teranos/blocksync/reconcile"
	"github.com/teranos/blocksync/remote"
)

// Config tunes an Engine.
type Config struct {
	// UserID stamps LastEditedBy on local edits.
	UserID string
	Outbox outbox.Config
	// AutoRollback restores rollback snapshots when a transaction fails
	// for good. Without it the rollback event is only published.
	AutoRollback bool
	// FollowRetry is the pause before reopening a dropped change stream.
	FollowRetry time.Duration
	// ShutdownTimeout bounds how long Close waits for background work.
	ShutdownTimeout time.Duration
}

// Options are the engine's collaborators. Blocks, Outbox and Client are
// required; a nil Coordinator means Solo, a nil Bus a private one.
type Options struct {
	Blocks      block.Store
	Outbox      outbox.Store
	Client      remote.Client
	Coordinator coord.Coordinator
	Bus         *events.Bus
	Logger      *zap.SugaredLogger

	// Clock and NewID are for tests.
	Clock func() time.Time
	NewID func() string
}

// Engine wires LocalStore, Coordinator, TransactionQueue and Reconciler.
type Engine struct {
	cfg        Config
	blocks     block.Store
	queue      *outbox.Queue
	loop       *outbox.SyncLoop
	coord      atomic.Pointer[coordSlot]
	reconciler *reconcile.Reconciler
	client     remote.Client
	bus        *events.Bus
	logger     *zap.SugaredLogger
	now        func() time.Time
	newID      func() string

	// writeMu serialises local read-modify-write sequences (sibling
	// respacing, subtree deletes) so snapshots match what was replaced.
	writeMu sync.Mutex

	applied *intentLog

	mu      sync.Mutex
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// coordSlot lets Start swap in Solo when the hub cannot be reached.
type coordSlot struct {
	coord.Coordinator
}

// New assembles an engine. Nothing runs until Start.
func New(ctx context.Context, opts Options, cfg Config) (*Engine, error) {
	if opts.Blocks == nil || opts.Outbox == nil || opts.Client == nil {
		return nil, errors.NewInvalidRequestError("engine needs a block store, an outbox store and a remote client")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(log)
	}
	co := opts.Coordinator
	if co == nil {
		co = coord.NewSolo("")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	if cfg.FollowRetry <= 0 {
		cfg.FollowRetry = 2 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	qopts := []outbox.Option{outbox.WithClock(now)}
	q, err := outbox.NewQueue(ctx, opts.Outbox, bus, cfg.Outbox, log, qopts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load outbox")
	}

	e := &Engine{
		cfg:     cfg,
		blocks:  opts.Blocks,
		queue:   q,
		client:  opts.Client,
		bus:     bus,
		logger:  log.With(logger.FieldComponent, "engine", logger.FieldAgentID, co.ID()),
		now:     now,
		newID:   newID,
		applied: newIntentLog(1024),
	}
	e.coord.Store(&coordSlot{co})
	e.reconciler = reconcile.New(opts.Blocks, log)
	e.loop = outbox.NewSyncLoop(q, opts.Client, e.reconciler, e.IsLeader, log)
	return e, nil
}

// Start joins the coordination scope and launches the sync loop, the
// intent consumer and the leadership watcher. When the hub cannot be
// reached the engine runs as its own leader.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if err := e.joinScope(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.runCtx = runCtx
	e.cancel = cancel
	e.started = true

	e.spawn(func() { _ = e.loop.Run(runCtx) })
	e.spawn(func() { e.consumeIntents(runCtx) })
	e.spawn(func() { e.watchLeadership(runCtx) })
	if e.cfg.AutoRollback {
		sub := e.bus.Subscribe(256, events.TransactionRollback)
		e.spawn(func() { e.rollbackLoop(runCtx, sub) })
	}

	logger.AddOpenSymbol(e.logger).Infow("Engine started",
		"auto_rollback", e.cfg.AutoRollback,
		logger.FieldBatchSize, e.queue.Config().BatchSize)
	return nil
}

func (e *Engine) joinScope(ctx context.Context) error {
	co := e.coordinator()
	err := co.Start(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errors.ErrServiceUnavailable) {
		return errors.Wrap(err, "failed to join coordination scope")
	}

	solo := coord.NewSolo(co.ID())
	if err := solo.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start solo coordinator")
	}
	e.coord.Store(&coordSlot{solo})
	e.logger.Warnw("Coordination hub unreachable, running as sole leader", logger.FieldError, err)
	e.bus.Publish(events.Event{
		Type:    events.CoordinationDegraded,
		AgentID: co.ID(),
		Error:   err.Error(),
	})
	return nil
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// leaderPoll is how often a followed page checks whether this agent still
// leads.
const leaderPoll = 100 * time.Millisecond

// Follow keeps pageID in step with the backend's change stream until the
// engine closes. Only the leader writes the store, so the stream is open
// only while this agent leads; taking over resyncs from the watermark.
// It is a no-op when the client cannot stream changes.
func (e *Engine) Follow(pageID string) bool {
	src, ok := e.client.(remote.ChangeSource)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return false
	}
	ctx := e.runCtx
	e.spawn(func() { e.followWhileLeading(ctx, src, pageID) })
	return true
}

func (e *Engine) followWhileLeading(ctx context.Context, src remote.ChangeSource, pageID string) {
	ticker := time.NewTicker(leaderPoll)
	defer ticker.Stop()
	log := e.logger.With(logger.FieldPageID, pageID)
	for {
		if e.IsLeader() {
			streamCtx, cancel := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer close(done)
				_ = e.reconciler.Follow(streamCtx, src, pageID, e.cfg.FollowRetry)
			}()
			log.Debugw("Following change stream")
			for e.IsLeader() && ctx.Err() == nil {
				select {
				case <-ctx.Done():
				case <-ticker.C:
				}
			}
			cancel()
			<-done
			log.Debugw("Stopped following change stream")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops the sync loop first so no remote call is in flight, then
// resigns from the coordination scope. It does not close the stores.
func (e *Engine) Close() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	log := logger.AddCloseSymbol(e.logger)
	cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownTimeout):
		log.Warnw("Engine background work did not stop in time", "timeout", e.cfg.ShutdownTimeout)
	}

	if err := e.coordinator().Stop(); err != nil {
		log.Warnw("Failed to leave coordination scope", logger.FieldError, err)
	}
	log.Infow("Engine stopped")
	return nil
}

// watchLeadership publishes leadership transitions and kicks the sync
// loop when this agent takes over.
func (e *Engine) watchLeadership(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case leader, ok := <-e.coordinator().Leadership():
			if !ok {
				return
			}
			logger.AddLeaderSymbol(e.logger).Infow("Leadership changed", logger.FieldLeader, leader)
			e.bus.Publish(events.Event{
				Type:    events.LeadershipChanged,
				AgentID: e.coordinator().ID(),
				Leader:  events.Bool(leader),
			})
			if leader {
				e.queue.Kick()
			}
		}
	}
}

// SetOnline records a network change; going online drains the queue.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	e.queue.SetOnline(ctx, online)
}

// Stats returns queue counters.
func (e *Engine) Stats(ctx context.Context) (outbox.Stats, error) {
	return e.queue.GetStats(ctx)
}

// SyncState returns the derived sync state.
func (e *Engine) SyncState() outbox.SyncState {
	return e.queue.SyncState()
}

// Events is the engine's feed.
func (e *Engine) Events() *events.Bus {
	return e.bus
}

// IsLeader reports whether this agent currently drains the queue.
func (e *Engine) IsLeader() bool {
	return e.coordinator().IsLeader()
}

// Queue exposes the transaction queue for inspection and manual retry.
func (e *Engine) Queue() *outbox.Queue {
	return e.queue
}

// Loop exposes the sync loop, mainly so tests can run single passes.
func (e *Engine) Loop() *outbox.SyncLoop {
	return e.loop
}

// Reconciler exposes the reconciler for remote pushes.
func (e *Engine) Reconciler() *reconcile.Reconciler {
	return e.reconciler
}

// Coordinator returns the engine's coordinator.
func (e *Engine) Coordinator() coord.Coordinator {
	return e.coordinator()
}

func (e *Engine) coordinator() coord.Coordinator {
	return e.coord.Load().Coordinator
}

// GetPage reads a page from the local store, resolving nothing remotely.
func (e *Engine) GetPage(ctx context.Context, pageID string) ([]*block.Block, error) {
	return e.blocks.GetPage(ctx, pageID)
}
