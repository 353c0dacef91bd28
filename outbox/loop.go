package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/blocksync/block"
	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/events"
	"github.com/teranos/blocksync/logger"
	"github.com/teranos/blocksync/remote"
)

// Applier folds a remote confirmation back into local state. clientID is
// the id the block was written under locally. settled is false while later
// local edits to the block are still queued; only the id should be adopted
// then, since the confirmed content is already stale.
type Applier interface {
	ApplyConfirmed(ctx context.Context, clientID string, b *block.Block, settled bool) error
}

// LeaderFunc reports whether this agent may drain the queue.
type LeaderFunc func() bool

// PassResult summarises one sync pass.
type PassResult struct {
	// Skipped names the gate that stopped the pass, empty when it ran.
	Skipped   string
	Processed int
	Succeeded int
	Failed    int
	Remaining int
}

// errLeaseLost interrupts work the loop may no longer do.
var errLeaseLost = errors.Wrap(errors.ErrNotLeader, "leadership lost during sync pass")

// SyncLoop drains the queue against the remote backend. Only the leader's
// loop does any work, and a pass stops making remote calls as soon as the
// leader func turns false.
type SyncLoop struct {
	queue      *Queue
	client     remote.Client
	applier    Applier
	leader     LeaderFunc
	leaseCheck time.Duration
	logger     *zap.SugaredLogger

	wasLeader bool
}

// LoopOption configures a SyncLoop.
type LoopOption func(*SyncLoop)

// WithLeaseCheck sets how often a running pass re-checks leadership.
func WithLeaseCheck(d time.Duration) LoopOption {
	return func(l *SyncLoop) {
		if d > 0 {
			l.leaseCheck = d
		}
	}
}

// NewSyncLoop wires a loop. A nil leader func means always leader; a nil
// applier discards confirmations.
func NewSyncLoop(q *Queue, client remote.Client, applier Applier, leader LeaderFunc, log *zap.SugaredLogger, opts ...LoopOption) *SyncLoop {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if leader == nil {
		leader = func() bool { return true }
	}
	l := &SyncLoop{
		queue:      q,
		client:     client,
		applier:    applier,
		leader:     leader,
		leaseCheck: 100 * time.Millisecond,
		logger:     logger.AddOutboxSymbol(log).With(logger.FieldComponent, "sync_loop"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run passes on every tick and wake-up until ctx is done.
func (l *SyncLoop) Run(ctx context.Context) error {
	cfg := l.queue.Config()
	interval := cfg.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.logger.Infow("Sync loop started",
		"interval", interval.String(),
		logger.FieldBatchSize, cfg.BatchSize)
	for {
		res, err := l.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			l.logger.Warnw("Sync pass failed", logger.FieldError, err)
		}
		// Completing a transaction can unblock the next one on the same
		// entity; go again without waiting for the tick.
		if err == nil && res.Succeeded > 0 && res.Remaining > 0 {
			select {
			case <-ctx.Done():
				l.logger.Infow("Sync loop stopped")
				return nil
			default:
				continue
			}
		}
		select {
		case <-ctx.Done():
			l.logger.Infow("Sync loop stopped")
			return nil
		case <-ticker.C:
		case <-l.queue.Wake():
		}
		if next := l.queue.Config().Interval; next != interval {
			interval = next
			ticker.Reset(interval)
		}
	}
}

// RunOnce performs a single gated pass.
func (l *SyncLoop) RunOnce(ctx context.Context) (PassResult, error) {
	if !l.leader() {
		l.wasLeader = false
		return PassResult{Skipped: "follower"}, nil
	}
	if !l.wasLeader {
		recovered, err := l.queue.recoverOrphans(ctx)
		if err != nil {
			return PassResult{}, errors.Wrap(err, "failed to recover orphaned transactions")
		}
		if !recovered {
			return PassResult{Skipped: "recovering"}, nil
		}
		l.wasLeader = true
	}
	if !l.queue.IsOnline() {
		return PassResult{Skipped: "offline"}, nil
	}
	won, err := l.queue.beginSync(ctx)
	if err != nil {
		return PassResult{}, err
	}
	if !won {
		return PassResult{Skipped: "in_progress"}, nil
	}

	recordCtx := context.WithoutCancel(ctx)
	batchSize := l.queue.Config().BatchSize
	claimed, err := l.queue.claim(ctx, batchSize)
	if err != nil {
		l.queue.endSync(recordCtx, false)
		return PassResult{}, errors.Wrap(err, "failed to select transactions")
	}
	if len(claimed) == 0 {
		l.queue.endSync(recordCtx, true)
		return PassResult{}, nil
	}

	l.queue.bus.Publish(events.Event{Type: events.SyncStarted, Pending: len(claimed)})
	start := time.Now()

	passCtx, cancelPass := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		l.watchLease(passCtx, cancelPass)
	}()

	results := make([]bool, len(claimed))
	var g errgroup.Group
	g.SetLimit(batchSize)
	for i, tx := range claimed {
		g.Go(func() error {
			results[i] = l.process(passCtx, tx)
			return nil
		})
	}
	_ = g.Wait()
	cancelPass()
	<-watchDone

	res := PassResult{Processed: len(claimed)}
	for _, ok := range results {
		if ok {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	l.queue.endSync(recordCtx, true)
	res.Remaining = l.queue.SyncState().PendingCount

	l.logger.Infow("Sync pass completed",
		"processed", res.Processed,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"remaining", res.Remaining,
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	l.queue.bus.Publish(events.Event{
		Type:      events.SyncCompleted,
		Processed: res.Processed,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Pending:   res.Remaining,
	})
	return res, nil
}

// watchLease cancels the pass once this agent stops leading, so no remote
// call outlives the lease.
func (l *SyncLoop) watchLease(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(l.leaseCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.leader() {
				l.logger.Warnw("Lost leadership mid-pass, interrupting remote calls")
				cancel()
				return
			}
		}
	}
}

// process runs one transaction and records its outcome. It reports whether
// the remote call succeeded.
func (l *SyncLoop) process(ctx context.Context, tx *Transaction) bool {
	ctx = logger.WithTxID(ctx, tx.ID)
	recordCtx := context.WithoutCancel(ctx)
	log := logger.FromContext(ctx, l.logger).With("type", tx.Type)

	if ctx.Err() != nil || !l.leader() {
		if _, recErr := l.queue.fail(recordCtx, tx, errLeaseLost, Interrupted); recErr != nil {
			log.Errorw("Failed to return transaction to pending", logger.FieldError, recErr)
		}
		return false
	}

	p, err := DecodePayload(tx.Type, tx.Payload)
	if err == nil {
		l.queue.substitute(p)
		err = l.execute(remote.WithIdempotencyKey(ctx, tx.ID), recordCtx, tx, p)
	}
	if err == nil {
		if err := l.queue.complete(recordCtx, tx); err != nil {
			log.Errorw("Failed to record completion", logger.FieldError, err)
		}
		return true
	}

	if _, recErr := l.queue.fail(recordCtx, tx, err, ClassifyError(ctx, err)); recErr != nil {
		log.Errorw("Failed to record failure", logger.FieldError, recErr)
	}
	return false
}

func (l *SyncLoop) execute(ctx, recordCtx context.Context, tx *Transaction, p Payload) error {
	switch p := p.(type) {
	case *CreatePayload:
		clientID := p.Block.ID
		b, err := l.client.CreateBlock(ctx, remote.SpecFromBlock(p.Block))
		if err != nil {
			return err
		}
		if b.ID != "" && b.ID != clientID {
			if err := l.queue.mapID(recordCtx, clientID, b.ID); err != nil {
				l.logger.Errorw("Failed to record id mapping",
					"temp_id", clientID, logger.FieldBlockID, b.ID, logger.FieldError, err)
			}
		}
		l.confirm(recordCtx, tx, clientID, b)
		return nil

	case *UpdatePayload:
		b, err := l.client.UpdateBlock(ctx, p.ID, remote.Partial{
			Patch:    p.Patch,
			EditedBy: p.EditedBy,
			EditedAt: p.EditedAt,
		})
		if err != nil {
			return err
		}
		l.confirm(recordCtx, tx, p.ID, b)
		return nil

	case *DeletePayload:
		for _, id := range p.IDs {
			err := l.client.DeleteBlock(ctx, id)
			if err != nil && !errors.Is(err, errors.ErrNotFound) {
				return err
			}
		}
		return nil

	case *MovePayload:
		return l.client.ReorderBlocks(ctx, p.Updates)
	}
	return errors.AssertionFailedf("unhandled payload %T", p)
}

func (l *SyncLoop) confirm(ctx context.Context, tx *Transaction, clientID string, b *block.Block) {
	if l.applier == nil || b == nil {
		return
	}
	settled := !l.queue.hasOtherActive(ctx, b.ID, tx.ID)
	if err := l.applier.ApplyConfirmed(ctx, clientID, b, settled); err != nil {
		l.logger.Warnw("Failed to apply remote confirmation",
			logger.FieldTxID, tx.ID,
			logger.FieldBlockID, b.ID,
			logger.FieldError, err)
	}
}
