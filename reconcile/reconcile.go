// Package reconcile folds changes made elsewhere into the local block
// store. Every agent runs one; the rule is last writer wins on
// LastEditedTime, with the local copy kept when the times are equal.
package reconcile

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/blocksync/block"
	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/logger"
	"github.com/teranos/blocksync/remote"
	"github.com/teranos/blocksync/transport"
)

// Stats counts what the reconciler did with the changes it saw.
type Stats struct {
	Applied int64 `json:"applied"`
	Stale   int64 `json:"stale"`
	Deleted int64 `json:"deleted"`
	Skipped int64 `json:"skipped"`
}

// Reconciler applies remote changes and confirmations to a block.Store.
type Reconciler struct {
	store  block.Store
	logger *zap.SugaredLogger

	// mu serialises read-compare-write so two changes for one block cannot
	// interleave between the LWW check and the upsert.
	mu sync.Mutex

	applied atomic.Int64
	stale   atomic.Int64
	deleted atomic.Int64
	skipped atomic.Int64

	watermarkMu sync.Mutex
	watermark   map[string]time.Time
}

// New creates a reconciler over store.
func New(store block.Store, log *zap.SugaredLogger) *Reconciler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reconciler{
		store:     store,
		logger:    logger.AddMergeSymbol(log).With(logger.FieldComponent, "reconcile"),
		watermark: make(map[string]time.Time),
	}
}

// Stats returns running totals.
func (r *Reconciler) Stats() Stats {
	return Stats{
		Applied: r.applied.Load(),
		Stale:   r.stale.Load(),
		Deleted: r.deleted.Load(),
		Skipped: r.skipped.Load(),
	}
}

// Watermark is the newest LastEditedTime seen for pageID, the natural
// since argument for the next Resync.
func (r *Reconciler) Watermark(pageID string) time.Time {
	r.watermarkMu.Lock()
	defer r.watermarkMu.Unlock()
	return r.watermark[pageID]
}

func (r *Reconciler) observe(b *block.Block) {
	r.watermarkMu.Lock()
	if b.LastEditedTime.After(r.watermark[b.PageID]) {
		r.watermark[b.PageID] = b.LastEditedTime
	}
	r.watermarkMu.Unlock()
}

// ApplyRemoteChange applies one pushed change. Inserts and updates replace
// the local block only when strictly newer; a delete always removes the
// block and its descendants. A malformed change returns an
// ErrInvalidRequest error and leaves the store untouched.
func (r *Reconciler) ApplyRemoteChange(ctx context.Context, c remote.Change) error {
	switch c.Event {
	case remote.ChangeInsert, remote.ChangeUpdate:
		b, err := c.DecodeBlock()
		if err != nil {
			r.skipped.Add(1)
			return errors.Wrapf(err, "malformed %s change", c.Event)
		}
		r.observe(b)
		_, err = r.applyBlock(ctx, b)
		return err

	case remote.ChangeDelete:
		id := c.BlockID
		if id == "" && len(c.Block) > 0 {
			var ref struct {
				ID string `json:"id"`
			}
			if json.Unmarshal(c.Block, &ref) == nil {
				id = ref.ID
			}
		}
		if id == "" {
			r.skipped.Add(1)
			return errors.NewInvalidRequestError("delete change carries no block id")
		}
		return r.deleteSubtree(ctx, id)

	default:
		r.skipped.Add(1)
		return errors.NewInvalidRequestError("unknown change event %q", c.Event)
	}
}

// applyBlock upserts b if it wins against the local copy and reports
// whether it did.
func (r *Reconciler) applyBlock(ctx context.Context, b *block.Block) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	local, err := r.store.Get(ctx, b.ID)
	switch {
	case errors.IsNotFoundError(err):
	case err != nil:
		return false, errors.Wrapf(err, "failed to read block %s", b.ID)
	case !b.LastEditedTime.After(local.LastEditedTime):
		r.stale.Add(1)
		r.logger.Debugw("Ignoring stale remote change",
			logger.FieldBlockID, b.ID,
			"remote_edited", b.LastEditedTime,
			"local_edited", local.LastEditedTime)
		return false, nil
	}

	if err := r.store.Upsert(ctx, b); err != nil {
		return false, errors.Wrapf(err, "failed to store remote block %s", b.ID)
	}
	r.applied.Add(1)
	return true, nil
}

func (r *Reconciler) deleteSubtree(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := []string{id}
	if b, err := r.store.Get(ctx, id); err == nil {
		page, err := r.store.GetPage(ctx, b.PageID)
		if err != nil {
			return errors.Wrapf(err, "failed to load page %s", b.PageID)
		}
		ids = append(block.BuildIndex(page).Descendants(id), id)
	}
	for _, bid := range ids {
		if err := r.store.Delete(ctx, bid); err != nil && !errors.IsNotFoundError(err) {
			return errors.Wrapf(err, "failed to delete block %s", bid)
		}
	}
	r.deleted.Add(1)
	r.logger.Debugw("Applied remote delete", logger.FieldBlockID, id, logger.FieldCount, len(ids))
	return nil
}

// GetModifiedSince lists local blocks of pageID edited after since.
func (r *Reconciler) GetModifiedSince(ctx context.Context, pageID string, since time.Time) ([]*block.Block, error) {
	return r.store.GetModifiedSince(ctx, pageID, since)
}

// Resync pulls everything the backend changed on pageID after since and
// applies it like pushed updates. Deletions are not visible to a fetch;
// they arrive only through the change stream. Returns how many blocks
// were written locally.
func (r *Reconciler) Resync(ctx context.Context, f remote.Fetcher, pageID string, since time.Time) (int, error) {
	blocks, err := f.FetchModifiedSince(ctx, pageID, since)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to fetch changes for page %s", pageID)
	}
	written := 0
	for _, b := range blocks {
		if err := b.Validate(); err != nil {
			r.skipped.Add(1)
			r.logger.Warnw("Skipping invalid block from resync", logger.FieldBlockID, b.ID, logger.FieldError, err)
			continue
		}
		r.observe(b)
		ok, err := r.applyBlock(ctx, b)
		if err != nil {
			return written, err
		}
		if ok {
			written++
		}
	}
	r.logger.Infow("Resync finished", logger.FieldPageID, pageID, "fetched", len(blocks), "written", written)
	return written, nil
}

// Consume applies changes read from conn until it closes or ctx ends.
// Malformed messages are logged and skipped. A clean close returns nil.
func (r *Reconciler) Consume(ctx context.Context, conn transport.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			var syntaxErr *json.SyntaxError
			switch {
			case ctx.Err() != nil:
				return nil
			case transport.IsClosed(err):
				return nil
			case errors.As(err, &syntaxErr):
				r.skipped.Add(1)
				r.logger.Warnw("Skipping unparseable change", logger.FieldError, err)
				continue
			default:
				return errors.Wrap(err, "change stream read failed")
			}
		}

		var c remote.Change
		if err := json.Unmarshal(raw, &c); err != nil {
			r.skipped.Add(1)
			r.logger.Warnw("Skipping malformed change", logger.FieldError, err)
			continue
		}
		if err := r.ApplyRemoteChange(ctx, c); err != nil {
			if errors.Is(err, errors.ErrInvalidRequest) {
				r.logger.Warnw("Skipping malformed change",
					logger.FieldEvent, c.Event,
					logger.FieldBlockID, c.BlockID,
					logger.FieldError, err)
				continue
			}
			return err
		}
	}
}

// Follow keeps a change stream for pageID open until ctx ends: on every
// (re)connect it first resyncs from the watermark when src can fetch, then
// consumes the stream. Connection failures are retried after retryDelay.
func (r *Reconciler) Follow(ctx context.Context, src remote.ChangeSource, pageID string, retryDelay time.Duration) error {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	for {
		conn, err := src.OpenChanges(ctx, pageID)
		if err == nil {
			if f, ok := src.(remote.Fetcher); ok && pageID != "" {
				if _, rerr := r.Resync(ctx, f, pageID, r.Watermark(pageID)); rerr != nil {
					r.logger.Warnw("Resync failed", logger.FieldPageID, pageID, logger.FieldError, rerr)
				}
			}
			err = r.Consume(ctx, conn)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.logger.Warnw("Change stream unavailable", logger.FieldPageID, pageID, logger.FieldError, err)
		} else {
			r.logger.Infow("Change stream closed, reconnecting", logger.FieldPageID, pageID)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay):
		}
	}
}

// ApplyConfirmed folds a create or update the backend acknowledged back
// into the store. The block is renamed from clientID to its canonical id
// first. When settled is false only the rename happens, since later local
// edits are still queued and the confirmed content is already stale. A
// block that no longer exists locally is not resurrected.
func (r *Reconciler) ApplyConfirmed(ctx context.Context, clientID string, b *block.Block, settled bool) error {
	if b == nil {
		return nil
	}
	if clientID != "" && clientID != b.ID {
		r.mu.Lock()
		err := r.store.Rekey(ctx, clientID, b.ID)
		r.mu.Unlock()
		if err != nil && !errors.IsNotFoundError(err) {
			return errors.Wrapf(err, "failed to adopt canonical id %s for %s", b.ID, clientID)
		}
		r.logger.Debugw("Adopted canonical id", logger.FieldBlockID, b.ID, "client_id", clientID)
	}
	if !settled {
		return nil
	}
	if _, err := r.store.Get(ctx, b.ID); errors.IsNotFoundError(err) {
		r.logger.Debugw("Confirmed block no longer exists locally", logger.FieldBlockID, b.ID)
		return nil
	}
	r.observe(b)
	_, err := r.applyBlock(ctx, b)
	return err
}
