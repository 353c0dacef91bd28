package outbox

import (
	"encoding/json"
	"time"

	"github.com/teranos/blocksync/block"
	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/remote"
)

// Payload is the decoded body of a transaction.
type Payload interface {
	// EntityIDs lists every block id the payload reads or writes. Two
	// transactions sharing an id drain in enqueue order.
	EntityIDs() []string
	// ReplaceID rewrites references to oldID and reports whether any
	// changed.
	ReplaceID(oldID, newID string) bool
}

// CreatePayload creates Block remotely under its client-minted id.
type CreatePayload struct {
	Block *block.Block `json:"block"`
}

func (p *CreatePayload) EntityIDs() []string {
	if p.Block.Parent != "" {
		return []string{p.Block.ID, p.Block.Parent}
	}
	return []string{p.Block.ID}
}

func (p *CreatePayload) ReplaceID(oldID, newID string) bool {
	changed := false
	if p.Block.ID == oldID {
		p.Block.ID = newID
		changed = true
	}
	if p.Block.Parent == oldID {
		p.Block.Parent = newID
		changed = true
	}
	return changed
}

// UpdatePayload applies Patch to block ID.
type UpdatePayload struct {
	ID       string      `json:"id"`
	Patch    block.Patch `json:"patch"`
	EditedBy string      `json:"edited_by,omitempty"`
	EditedAt time.Time   `json:"edited_at"`
}

func (p *UpdatePayload) EntityIDs() []string { return []string{p.ID} }

func (p *UpdatePayload) ReplaceID(oldID, newID string) bool {
	if p.ID != oldID {
		return false
	}
	p.ID = newID
	return true
}

// DeletePayload removes a subtree. IDs is ordered descendants first, so the
// root goes last.
type DeletePayload struct {
	IDs []string `json:"ids"`
}

func (p *DeletePayload) EntityIDs() []string { return append([]string(nil), p.IDs...) }

func (p *DeletePayload) ReplaceID(oldID, newID string) bool {
	return replaceAll(p.IDs, oldID, newID)
}

// MovePayload rewrites parents and sort keys of a sibling range.
type MovePayload struct {
	Updates []remote.ReorderUpdate `json:"updates"`
}

func (p *MovePayload) EntityIDs() []string {
	seen := make(map[string]bool, len(p.Updates))
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, u := range p.Updates {
		add(u.ID)
		add(u.Parent)
	}
	return ids
}

func (p *MovePayload) ReplaceID(oldID, newID string) bool {
	changed := false
	for i := range p.Updates {
		if p.Updates[i].ID == oldID {
			p.Updates[i].ID = newID
			changed = true
		}
		if p.Updates[i].Parent == oldID {
			p.Updates[i].Parent = newID
			changed = true
		}
	}
	return changed
}

func replaceAll(ids []string, oldID, newID string) bool {
	changed := false
	for i, id := range ids {
		if id == oldID {
			ids[i] = newID
			changed = true
		}
	}
	return changed
}

// DecodePayload parses raw according to t.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case TypeCreate:
		p = &CreatePayload{}
	case TypeUpdate:
		p = &UpdatePayload{}
	case TypeDelete:
		p = &DeletePayload{}
	case TypeMove:
		p = &MovePayload{}
	default:
		return nil, errors.NewInvalidRequestError("unknown transaction type %q", t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "decode "+string(t)+" payload: "+err.Error())
	}
	if err := validatePayload(p); err != nil {
		return nil, err
	}
	return p, nil
}

func validatePayload(p Payload) error {
	switch v := p.(type) {
	case *CreatePayload:
		if v.Block == nil {
			return errors.NewInvalidRequestError("create payload has no block")
		}
		return v.Block.Validate()
	case *UpdatePayload:
		if v.ID == "" {
			return errors.NewInvalidRequestError("update payload has no block id")
		}
	case *DeletePayload:
		if len(v.IDs) == 0 {
			return errors.NewInvalidRequestError("delete payload has no block ids")
		}
	case *MovePayload:
		if len(v.Updates) == 0 {
			return errors.NewInvalidRequestError("move payload has no updates")
		}
	}
	return nil
}

// typeOf maps a payload to its transaction type.
func typeOf(p Payload) (Type, error) {
	switch p.(type) {
	case *CreatePayload:
		return TypeCreate, nil
	case *UpdatePayload:
		return TypeUpdate, nil
	case *DeletePayload:
		return TypeDelete, nil
	case *MovePayload:
		return TypeMove, nil
	}
	return "", errors.AssertionFailedf("unhandled payload %T", p)
}
