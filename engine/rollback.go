package engine

import (
	"context"
	"encoding/json"

	"github.com/teranos/blocksync/block"
	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/events"
	"github.com/teranos/blocksync/logger"
)

// Snapshot is the rollback payload stored with each transaction. Undoing a
// transaction removes Remove, recreates Restore unconditionally, and puts
// Revert back only where the block still exists, so a cancelled update
// never resurrects a block whose create was rolled back first.
type Snapshot struct {
	Remove  []string       `json:"remove,omitempty"`
	Restore []*block.Block `json:"restore,omitempty"`
	Revert  []*block.Block `json:"revert,omitempty"`
}

// Encode renders s for Transaction.RollbackSnapshot.
func (s Snapshot) Encode() []byte {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return raw
}

// DecodeSnapshot parses a rollback snapshot.
func DecodeSnapshot(raw []byte) (Snapshot, error) {
	var s Snapshot
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}
	return s, nil
}

// Rollback applies a snapshot to the local store. Ids are resolved through
// the queue's temp→canonical mappings first.
func (e *Engine) Rollback(ctx context.Context, s Snapshot) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	for _, id := range s.Remove {
		if err := e.blocks.Delete(ctx, e.queue.ResolveID(id)); err != nil && !errors.IsNotFoundError(err) {
			return errors.Wrapf(err, "failed to remove block %s", id)
		}
	}

	var put []*block.Block
	for _, b := range s.Restore {
		put = append(put, e.resolved(b))
	}
	for _, b := range s.Revert {
		r := e.resolved(b)
		if _, err := e.blocks.Get(ctx, r.ID); err != nil {
			if errors.IsNotFoundError(err) {
				continue
			}
			return errors.Wrapf(err, "failed to read block %s", r.ID)
		}
		put = append(put, r)
	}
	if len(put) == 0 {
		return nil
	}
	return e.blocks.UpsertBatch(ctx, put)
}

func (e *Engine) resolved(b *block.Block) *block.Block {
	c := b.Clone()
	c.ID = e.queue.ResolveID(c.ID)
	if c.Parent != "" {
		c.Parent = e.queue.ResolveID(c.Parent)
	}
	return c
}

// rollbackLoop undoes failed and cancelled transactions as their rollback
// events arrive. Only the leader writes; a follower's engine sees the same
// events only when it shares the bus, and leaves them to the leader.
func (e *Engine) rollbackLoop(ctx context.Context, sub *events.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if !e.coordinator().IsLeader() || len(ev.Snapshot) == 0 {
				continue
			}
			s, err := DecodeSnapshot(ev.Snapshot)
			if err == nil {
				err = e.Rollback(ctx, s)
			}
			if err != nil {
				e.logger.Warnw("Automatic rollback failed",
					logger.FieldTxID, ev.TransactionID,
					logger.FieldError, err)
				continue
			}
			e.logger.Infow("Rolled back local changes",
				logger.FieldTxID, ev.TransactionID,
				"type", ev.TransactionType,
				logger.FieldPageID, ev.PageID)
		}
	}
}
