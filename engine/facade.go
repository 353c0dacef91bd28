package engine

import (
	"context"
	"time"

	"github.com/teranos/blocksync/block"
	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/logger"
	"github.com/teranos/blocksync/outbox"
	"github.com/teranos/blocksync/remote"
)

// CreateBlock adds an empty block of typ to pageID right after afterID, as
// its sibling. An empty afterID appends a root block at the end of the
// page. The returned id is temporary until the backend confirms it; it
// stays usable for later edits either way.
func (e *Engine) CreateBlock(ctx context.Context, pageID, afterID string, typ block.Type) (string, error) {
	if pageID == "" {
		return "", errors.NewInvalidRequestError("page id is empty")
	}
	if !typ.Valid() {
		return "", errors.NewInvalidRequestError("unknown block type %q", typ)
	}
	req := createIntent{ID: e.newID(), AfterID: afterID, Type: typ}
	err := e.dispatch(ctx, outbox.TypeCreate, pageID, req, func() error {
		return e.applyCreate(ctx, e.cfg.UserID, pageID, req)
	})
	if err != nil {
		return "", err
	}
	return req.ID, nil
}

// UpdateBlock applies patch to block id.
func (e *Engine) UpdateBlock(ctx context.Context, id string, patch block.Patch) error {
	if id == "" {
		return errors.NewInvalidRequestError("block id is empty")
	}
	if patch.Type != nil && !patch.Type.Valid() {
		return errors.NewInvalidRequestError("unknown block type %q", *patch.Type)
	}
	req := updateIntent{ID: id, Patch: patch, EditedAt: block.NormalizeTime(e.now())}
	return e.dispatch(ctx, outbox.TypeUpdate, "", req, func() error {
		return e.applyUpdate(ctx, e.cfg.UserID, req)
	})
}

// DeleteBlock removes block id together with everything nested under it.
func (e *Engine) DeleteBlock(ctx context.Context, id string) error {
	if id == "" {
		return errors.NewInvalidRequestError("block id is empty")
	}
	req := deleteIntent{ID: id}
	return e.dispatch(ctx, outbox.TypeDelete, "", req, func() error {
		return e.applyDelete(ctx, e.cfg.UserID, req)
	})
}

// MoveBlock drops dragID before, after, or inside hoverID.
func (e *Engine) MoveBlock(ctx context.Context, dragID, hoverID string, pos block.Position) error {
	if !pos.Valid() {
		return errors.NewInvalidRequestError("unknown position %q", pos)
	}
	if dragID == "" || hoverID == "" {
		return errors.NewInvalidRequestError("move needs both a dragged and a hovered block")
	}
	req := moveIntent{DragID: dragID, HoverID: hoverID, Position: pos}
	return e.dispatch(ctx, outbox.TypeMove, "", req, func() error {
		return e.applyMove(ctx, e.cfg.UserID, req)
	})
}

// dispatch runs apply when this agent leads, and forwards the edit to the
// leader otherwise. Without a hub connection there is nobody to forward
// to; the edit is written here and its transaction waits in the shared
// queue for whichever agent next holds a lease.
func (e *Engine) dispatch(ctx context.Context, kind outbox.Type, pageID string, req any, apply func() error) error {
	if e.coordinator().IsLeader() {
		return apply()
	}
	err := e.forward(ctx, kind, pageID, req)
	if err == nil || !errors.Is(err, errors.ErrServiceUnavailable) {
		return err
	}
	e.logger.Warnw("Coordination hub unreachable, writing locally", "kind", kind, logger.FieldError, err)
	return apply()
}

func (e *Engine) applyCreate(ctx context.Context, userID, pageID string, req createIntent) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	// A redelivered intent finds its block already written.
	if _, err := e.blocks.Get(ctx, req.ID); err == nil {
		return nil
	}

	page, err := e.blocks.GetPage(ctx, pageID)
	if err != nil {
		return errors.Wrapf(err, "failed to load page %s", pageID)
	}

	parent := ""
	siblings := block.Siblings(page, "")
	index := len(siblings)
	if req.AfterID != "" {
		afterID := e.queue.ResolveID(req.AfterID)
		after := find(page, afterID)
		if after == nil {
			return errors.WithDetailf(errors.NewNotFoundError("block %s", afterID), "page %s", pageID)
		}
		parent = after.Parent
		siblings = block.Siblings(page, parent)
		index = indexOf(siblings, afterID) + 1
	}
	before := snapshotOf(siblings)

	now := block.NormalizeTime(e.now())
	b := &block.Block{
		ID:             req.ID,
		Type:           req.Type,
		Parent:         parent,
		PageID:         pageID,
		CreatedTime:    now,
		LastEditedTime: now,
		LastEditedBy:   userID,
	}
	changed := block.InsertAt(siblings, b, index)
	if err := e.blocks.UpsertBatch(ctx, changed); err != nil {
		return errors.Wrapf(err, "failed to write block %s", b.ID)
	}

	created := b.Clone()
	created.CreatedTime = block.NormalizeTime(created.CreatedTime)
	if _, err := e.queue.Enqueue(ctx, outbox.TypeCreate, &outbox.CreatePayload{Block: created}, userID, pageID,
		Snapshot{Remove: []string{b.ID}}.Encode()); err != nil {
		e.undoCreate(ctx, b.ID, changed, before)
		return err
	}

	var moved []*block.Block
	for _, c := range changed {
		if c != b {
			moved = append(moved, c)
		}
	}
	if len(moved) > 0 {
		if err := e.enqueueMove(ctx, userID, pageID, moved, before); err != nil {
			return err
		}
	}
	e.logger.Debugw("Block created locally",
		logger.FieldBlockID, b.ID,
		logger.FieldPageID, pageID,
		"respaced", len(moved))
	return nil
}

// undoCreate takes back a local create whose transaction never made it
// into the queue: the block goes and respaced siblings get their old keys.
func (e *Engine) undoCreate(ctx context.Context, id string, changed []*block.Block, before map[string]*block.Block) {
	log := e.logger.With(logger.FieldBlockID, id)
	if err := e.blocks.Delete(ctx, id); err != nil && !errors.Is(err, errors.ErrNotFound) {
		log.Errorw("Failed to remove unqueued block", logger.FieldError, err)
	}
	var restore []*block.Block
	for _, c := range changed {
		if prev, ok := before[c.ID]; ok {
			restore = append(restore, prev)
		}
	}
	if len(restore) == 0 {
		return
	}
	if err := e.blocks.UpsertBatch(ctx, restore); err != nil {
		log.Errorw("Failed to restore respaced siblings", logger.FieldError, err)
	}
}

func (e *Engine) applyUpdate(ctx context.Context, userID string, req updateIntent) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	id := e.queue.ResolveID(req.ID)
	b, err := e.blocks.Get(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "failed to load block %s", id)
	}
	if req.Patch.IsEmpty() {
		return nil
	}
	before := b.Clone()

	at := editTime(req.EditedAt, e.now)
	req.Patch.Apply(b, userID, at)
	if err := e.blocks.Upsert(ctx, b); err != nil {
		return errors.Wrapf(err, "failed to write block %s", id)
	}

	payload := &outbox.UpdatePayload{ID: id, Patch: req.Patch, EditedBy: userID, EditedAt: at}
	_, err = e.queue.Enqueue(ctx, outbox.TypeUpdate, payload, userID, b.PageID,
		Snapshot{Revert: []*block.Block{before}}.Encode())
	return err
}

func (e *Engine) applyDelete(ctx context.Context, userID string, req deleteIntent) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	id := e.queue.ResolveID(req.ID)
	root, err := e.blocks.Get(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "failed to load block %s", id)
	}
	page, err := e.blocks.GetPage(ctx, root.PageID)
	if err != nil {
		return errors.Wrapf(err, "failed to load page %s", root.PageID)
	}

	// Descendants come breadth first; the payload wants the deepest first.
	desc := block.BuildIndex(page).Descendants(id)
	ids := make([]string, 0, len(desc)+1)
	for i := len(desc) - 1; i >= 0; i-- {
		ids = append(ids, desc[i])
	}
	ids = append(ids, id)

	var removed []*block.Block
	for _, bid := range ids {
		if b := find(page, bid); b != nil {
			removed = append(removed, b.Clone())
		}
		if err := e.blocks.Delete(ctx, bid); err != nil {
			return errors.Wrapf(err, "failed to delete block %s", bid)
		}
	}

	_, err = e.queue.Enqueue(ctx, outbox.TypeDelete, &outbox.DeletePayload{IDs: ids}, userID, root.PageID,
		Snapshot{Restore: removed}.Encode())
	return err
}

func (e *Engine) applyMove(ctx context.Context, userID string, req moveIntent) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	dragID := e.queue.ResolveID(req.DragID)
	hoverID := e.queue.ResolveID(req.HoverID)
	if dragID == hoverID {
		return nil
	}
	dragged, err := e.blocks.Get(ctx, dragID)
	if err != nil {
		return errors.Wrapf(err, "failed to load block %s", dragID)
	}
	page, err := e.blocks.GetPage(ctx, dragged.PageID)
	if err != nil {
		return errors.Wrapf(err, "failed to load page %s", dragged.PageID)
	}
	drag, hover := find(page, dragID), find(page, hoverID)
	if hover == nil {
		return errors.WithDetailf(errors.NewNotFoundError("block %s", hoverID), "page %s", dragged.PageID)
	}
	if block.IsAncestor(page, dragID, hoverID) {
		return errors.NewInvalidRequestError("cannot move block %s into its own subtree", dragID)
	}
	before := snapshotOf(page)

	var changed []*block.Block
	if req.Position == block.PositionInside {
		var kids []*block.Block
		for _, s := range block.Siblings(page, hoverID) {
			if s.ID != dragID {
				kids = append(kids, s)
			}
		}
		drag.Parent = hoverID
		changed = block.InsertAt(kids, drag, len(kids))
	} else {
		siblings := block.Siblings(page, hover.Parent)
		drag.Parent = hover.Parent
		changed, err = block.Reorder(siblings, drag, hoverID, req.Position)
		if err != nil {
			return err
		}
	}
	if len(changed) == 0 {
		return nil
	}
	now := block.NormalizeTime(e.now())
	if now.After(drag.LastEditedTime) {
		drag.LastEditedTime = now
	}
	drag.LastEditedBy = userID

	if err := e.blocks.UpsertBatch(ctx, changed); err != nil {
		return errors.Wrapf(err, "failed to move block %s", dragID)
	}
	return e.enqueueMove(ctx, userID, dragged.PageID, changed, before)
}

// enqueueMove queues the new parent and sort key of every block in changed.
// before maps ids to their state prior to the move.
func (e *Engine) enqueueMove(ctx context.Context, userID, pageID string, changed []*block.Block, before map[string]*block.Block) error {
	updates := make([]remote.ReorderUpdate, 0, len(changed))
	var revert []*block.Block
	for _, c := range changed {
		updates = append(updates, remote.ReorderUpdate{
			ID:          c.ID,
			Parent:      c.Parent,
			CreatedTime: block.NormalizeTime(c.CreatedTime),
		})
		if old, ok := before[c.ID]; ok {
			revert = append(revert, old)
		}
	}
	_, err := e.queue.Enqueue(ctx, outbox.TypeMove, &outbox.MovePayload{Updates: updates}, userID, pageID,
		Snapshot{Revert: revert}.Encode())
	return err
}

func find(blocks []*block.Block, id string) *block.Block {
	for _, b := range blocks {
		if b.ID == id {
			return b
		}
	}
	return nil
}

func indexOf(blocks []*block.Block, id string) int {
	for i, b := range blocks {
		if b.ID == id {
			return i
		}
	}
	return -1
}

func snapshotOf(blocks []*block.Block) map[string]*block.Block {
	out := make(map[string]*block.Block, len(blocks))
	for _, b := range blocks {
		out[b.ID] = b.Clone()
	}
	return out
}

// editTime is used by intents that carry no timestamp of their own.
func editTime(at time.Time, now func() time.Time) time.Time {
	if at.IsZero() {
		return block.NormalizeTime(now())
	}
	return at
}
