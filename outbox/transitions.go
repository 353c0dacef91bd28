package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teranos/blocksync/events"
	"github.com/teranos/blocksync/logger"
)

// recoverOrphans returns transactions stranded in processing by a previous
// leader to pending and clears its sync flag. Rows touched within
// OrphanAfter may still be in flight on that leader; while any remain it
// reports false and leaves the flag alone.
func (q *Queue) recoverOrphans(ctx context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.syncing {
		return false, nil
	}
	n, err := q.store.ResetProcessing(ctx, q.now().Add(-q.Config().OrphanAfter))
	if err != nil {
		return false, err
	}
	if n > 0 {
		q.logger.Warnw("Recovered orphaned transactions", logger.FieldCount, n)
	}
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return false, err
	}
	if inFlight := counts[StatusProcessing]; inFlight > 0 {
		q.recomputeLocked(ctx)
		q.logger.Debugw("Previous leader still has transactions in flight", logger.FieldCount, inFlight)
		return false, nil
	}
	if err := q.store.EndSync(ctx); err != nil {
		return false, err
	}
	q.recomputeLocked(ctx)
	return true, nil
}

func (q *Queue) beginSync(ctx context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ok, err := q.store.BeginSync(ctx)
	if err != nil || !ok {
		return false, err
	}
	q.syncing = true
	q.state.SyncInProgress = true
	return true, nil
}

func (q *Queue) endSync(ctx context.Context, ran bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.EndSync(ctx); err != nil {
		q.logger.Warnw("Failed to release sync flag", logger.FieldError, err)
	}
	q.syncing = false
	if ran {
		q.state.LastSync = q.now()
	}
	q.recomputeLocked(ctx)
}

// claim selects up to limit runnable transactions and marks them
// processing. A transaction is runnable when it is pending, its backoff
// has elapsed, and no earlier active transaction shares an entity with it.
func (q *Queue) claim(ctx context.Context, limit int) ([]*Transaction, error) {
	q.mu.Lock()
	active, err := q.store.Active(ctx)
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	now := q.now()
	blocked := make(map[string]bool)
	var claimed []*Transaction
	for _, tx := range active {
		runnable := tx.Status == StatusPending &&
			!tx.NextAttemptAt.After(now) &&
			!tx.Touches(blocked) &&
			len(claimed) < limit
		for _, id := range tx.EntityIDs {
			blocked[id] = true
		}
		if !runnable {
			continue
		}
		tx.Status = StatusProcessing
		tx.UpdatedAt = now
		if err := q.store.Save(ctx, tx); err != nil {
			q.mu.Unlock()
			return nil, err
		}
		claimed = append(claimed, tx)
	}
	if len(claimed) > 0 {
		q.recomputeLocked(ctx)
	}
	q.mu.Unlock()

	for _, tx := range claimed {
		q.bus.Publish(events.Event{
			Type:            events.TransactionProcessing,
			TransactionID:   tx.ID,
			TransactionType: string(tx.Type),
			PageID:          tx.PageID,
			Retries:         tx.Retries,
		})
	}
	return claimed, nil
}

func (q *Queue) complete(ctx context.Context, tx *Transaction) error {
	q.mu.Lock()
	tx.Status = StatusCompleted
	tx.ErrorMessage = ""
	tx.RollbackSnapshot = nil
	tx.NextAttemptAt = time.Time{}
	tx.UpdatedAt = q.now()
	err := q.store.Save(ctx, tx)
	q.recomputeLocked(ctx)
	q.mu.Unlock()
	if err != nil {
		return err
	}

	q.bus.Publish(events.Event{
		Type:            events.TransactionCompleted,
		TransactionID:   tx.ID,
		TransactionType: string(tx.Type),
		PageID:          tx.PageID,
		Retries:         tx.Retries,
	})
	return nil
}

// fail records an unsuccessful attempt. It reports whether the transaction
// reached failed.
func (q *Queue) fail(ctx context.Context, tx *Transaction, cause error, class Class) (bool, error) {
	q.mu.Lock()
	now := q.now()
	switch class {
	case Interrupted:
		tx.Status = StatusPending
	default:
		tx.Retries++
		tx.ErrorMessage = cause.Error()
		if class == Permanent || tx.Retries >= tx.MaxRetries {
			tx.Status = StatusFailed
			tx.NextAttemptAt = time.Time{}
		} else {
			tx.Status = StatusPending
			tx.NextAttemptAt = now.Add(q.retryDelay(tx.Retries, cause))
		}
	}
	tx.UpdatedAt = now
	if err := q.store.Save(ctx, tx); err != nil {
		q.recomputeLocked(ctx)
		q.mu.Unlock()
		return false, err
	}

	var cancelled []*Transaction
	if tx.Status == StatusFailed && tx.Type == TypeCreate {
		var err error
		cancelled, err = q.cancelDependentsLocked(ctx, tx, now)
		if err != nil {
			q.logger.Warnw("Failed to cancel dependent transactions", logger.FieldTxID, tx.ID, logger.FieldError, err)
		}
	}
	q.recomputeLocked(ctx)
	q.mu.Unlock()

	switch tx.Status {
	case StatusFailed:
		q.logger.Warnw("Transaction failed",
			logger.FieldTxID, tx.ID,
			"type", tx.Type,
			logger.FieldRetries, tx.Retries,
			"class", class.String(),
			logger.FieldError, tx.ErrorMessage)
		q.bus.Publish(events.Event{
			Type:            events.TransactionFailed,
			TransactionID:   tx.ID,
			TransactionType: string(tx.Type),
			PageID:          tx.PageID,
			Retries:         tx.Retries,
			Error:           tx.ErrorMessage,
		})
		q.publishRollback(tx)
		for _, c := range cancelled {
			q.publishRollback(c)
		}
	case StatusPending:
		if class != Interrupted {
			q.logger.Infow("Transaction will be retried",
				logger.FieldTxID, tx.ID,
				logger.FieldRetries, tx.Retries,
				logger.FieldDelay, tx.NextAttemptAt.Sub(now).String(),
				logger.FieldError, tx.ErrorMessage)
		}
	}
	return tx.Status == StatusFailed, nil
}

// cancelDependentsLocked cancels pending transactions that reference a
// block whose create failed for good, following the chain through
// cancelled creates.
func (q *Queue) cancelDependentsLocked(ctx context.Context, failed *Transaction, now time.Time) ([]*Transaction, error) {
	var p CreatePayload
	if err := json.Unmarshal(failed.Payload, &p); err != nil || p.Block == nil {
		return nil, err
	}
	tainted := map[string]bool{p.Block.ID: true}

	active, err := q.store.Active(ctx)
	if err != nil {
		return nil, err
	}
	var cancelled []*Transaction
	for _, tx := range active {
		if tx.Status != StatusPending || !tx.Touches(tainted) {
			continue
		}
		tx.Status = StatusCancelled
		tx.ErrorMessage = "dependency " + failed.ID + " failed"
		tx.UpdatedAt = now
		if err := q.store.Save(ctx, tx); err != nil {
			return cancelled, err
		}
		cancelled = append(cancelled, tx)
		if tx.Type == TypeCreate {
			var cp CreatePayload
			if json.Unmarshal(tx.Payload, &cp) == nil && cp.Block != nil {
				tainted[cp.Block.ID] = true
			}
		}
	}
	return cancelled, nil
}

// mapID records temp→canonical and rewrites every pending payload that
// still references the temp id.
func (q *Queue) mapID(ctx context.Context, tempID, canonicalID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.PutMapping(ctx, tempID, canonicalID, q.now()); err != nil {
		return err
	}
	q.mappings[tempID] = canonicalID

	active, err := q.store.Active(ctx)
	if err != nil {
		return err
	}
	for _, tx := range active {
		if tx.Status != StatusPending || !tx.Touches(map[string]bool{tempID: true}) {
			continue
		}
		p, err := DecodePayload(tx.Type, tx.Payload)
		if err != nil {
			continue
		}
		if !p.ReplaceID(tempID, canonicalID) {
			continue
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return err
		}
		tx.Payload = raw
		tx.EntityIDs = p.EntityIDs()
		if err := q.store.Save(ctx, tx); err != nil {
			return err
		}
	}
	q.logger.Debugw("Mapped temporary id", "temp_id", tempID, logger.FieldBlockID, canonicalID)
	return nil
}

// substitute applies every known mapping to p at execution time.
func (q *Queue) substitute(p Payload) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range p.EntityIDs() {
		if canonical, ok := q.resolveLocked(id); ok {
			p.ReplaceID(id, canonical)
		}
	}
}

// hasOtherActive reports whether an active transaction other than exceptID
// references id.
func (q *Queue) hasOtherActive(ctx context.Context, id, exceptID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	active, err := q.store.Active(ctx)
	if err != nil {
		return true
	}
	for _, tx := range active {
		if tx.ID != exceptID && tx.Touches(map[string]bool{id: true}) {
			return true
		}
	}
	return false
}
