package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/blocksync/block"
	"github.com/teranos/blocksync/coord"
	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/events"
	"github.com/teranos/blocksync/logger"
	"github.com/teranos/blocksync/outbox"
)

// Intent bodies. A follower sends one of these instead of writing; the
// leader replays it through the same apply path it uses for its own edits.
type createIntent struct {
	ID      string     `json:"id"`
	AfterID string     `json:"after_id,omitempty"`
	Type    block.Type `json:"type"`
}

type updateIntent struct {
	ID       string      `json:"id"`
	Patch    block.Patch `json:"patch"`
	EditedAt time.Time   `json:"edited_at"`
}

type deleteIntent struct {
	ID string `json:"id"`
}

type moveIntent struct {
	DragID   string         `json:"drag_id"`
	HoverID  string         `json:"hover_id"`
	Position block.Position `json:"position"`
}

func (e *Engine) forward(ctx context.Context, kind outbox.Type, pageID string, req any) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "failed to encode intent")
	}
	in := coord.Intent{
		ID:      e.newID(),
		Kind:    string(kind),
		PageID:  pageID,
		UserID:  e.cfg.UserID,
		Payload: raw,
		Created: e.now(),
	}
	if err := e.coordinator().Forward(ctx, in); err != nil {
		return errors.Wrapf(err, "failed to forward %s to the leader", kind)
	}
	e.logger.Debugw("Forwarded edit to leader", "intent_id", in.ID, "kind", kind)
	return nil
}

// consumeIntents applies intents forwarded to this agent while it leads.
// An intent is acked once applied, or once it can never apply (malformed,
// or its block is gone). Intents that arrive after leadership moved on are
// left unacked for the hub to redeliver.
func (e *Engine) consumeIntents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-e.coordinator().Intents():
			if !ok {
				return
			}
			e.handleIntent(ctx, in)
		}
	}
}

func (e *Engine) handleIntent(ctx context.Context, in coord.Intent) {
	log := e.logger.With("intent_id", in.ID, "kind", in.Kind, "origin", in.Origin)
	if !e.coordinator().IsLeader() {
		log.Debugw("Not leading, leaving intent for redelivery")
		return
	}
	if e.applied.seen(in.ID) {
		e.ack(ctx, in.ID, log)
		return
	}

	err := e.applyIntent(ctx, in)
	switch {
	case err == nil:
		log.Debugw("Applied forwarded edit")
	case errors.IsInvalidRequestError(err), errors.IsNotFoundError(err):
		log.Warnw("Dropping forwarded edit that cannot apply", logger.FieldError, err)
		e.bus.Publish(events.Event{
			Type:            events.TransactionFailed,
			TransactionType: in.Kind,
			PageID:          in.PageID,
			AgentID:         in.Origin,
			Error:           err.Error(),
		})
	default:
		// Local storage trouble: keep it unacked so a leader retries it.
		log.Errorw("Failed to apply forwarded edit", logger.FieldError, err)
		return
	}
	e.applied.add(in.ID)
	e.ack(ctx, in.ID, log)
}

func (e *Engine) ack(ctx context.Context, id string, log *zap.SugaredLogger) {
	if err := e.coordinator().Ack(ctx, id); err != nil {
		log.Warnw("Failed to ack intent", logger.FieldError, err)
	}
}

func (e *Engine) applyIntent(ctx context.Context, in coord.Intent) error {
	decode := func(v any) error {
		if err := json.Unmarshal(in.Payload, v); err != nil {
			return errors.Wrap(errors.ErrInvalidRequest, "decode "+in.Kind+" intent: "+err.Error())
		}
		return nil
	}
	switch outbox.Type(in.Kind) {
	case outbox.TypeCreate:
		var req createIntent
		if err := decode(&req); err != nil {
			return err
		}
		if req.ID == "" || !req.Type.Valid() || in.PageID == "" {
			return errors.NewInvalidRequestError("create intent %s is incomplete", in.ID)
		}
		return e.applyCreate(ctx, in.UserID, in.PageID, req)

	case outbox.TypeUpdate:
		var req updateIntent
		if err := decode(&req); err != nil {
			return err
		}
		return e.applyUpdate(ctx, in.UserID, req)

	case outbox.TypeDelete:
		var req deleteIntent
		if err := decode(&req); err != nil {
			return err
		}
		return e.applyDelete(ctx, in.UserID, req)

	case outbox.TypeMove:
		var req moveIntent
		if err := decode(&req); err != nil {
			return err
		}
		if !req.Position.Valid() {
			return errors.NewInvalidRequestError("move intent %s has position %q", in.ID, req.Position)
		}
		return e.applyMove(ctx, in.UserID, req)
	}
	return errors.NewInvalidRequestError("unknown intent kind %q", in.Kind)
}

// intentLog remembers the most recent applied intent ids so a redelivery
// to the same leader is acked without applying twice.
type intentLog struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	ring []string
	next int
}

func newIntentLog(size int) *intentLog {
	return &intentLog{ids: make(map[string]struct{}, size), ring: make([]string, size)}
}

func (l *intentLog) seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ids[id]
	return ok
}

func (l *intentLog) add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ids[id]; ok {
		return
	}
	if old := l.ring[l.next]; old != "" {
		delete(l.ids, old)
	}
	l.ring[l.next] = id
	l.ids[id] = struct{}{}
	l.next = (l.next + 1) % len(l.ring)
}
