package remote

import (
	"encoding/json"

	"github.com/teranos/blocksync/block"
	"github.com/teranos/blocksync/errors"
)

// ChangeEvent is the kind of a pushed remote change.
type ChangeEvent string

const (
	ChangeInsert ChangeEvent = "insert"
	ChangeUpdate ChangeEvent = "update"
	ChangeDelete ChangeEvent = "delete"
)

// Change is one entry of the backend's change stream. Block stays raw so a
// consumer can reject a malformed payload without losing the stream.
type Change struct {
	Event   ChangeEvent     `json:"event"`
	Block   json.RawMessage `json:"block,omitempty"`
	BlockID string          `json:"block_id,omitempty"`
	PageID  string          `json:"page_id,omitempty"`
}

// NewChange encodes b as a change of the given kind.
func NewChange(event ChangeEvent, b *block.Block) Change {
	raw, _ := json.Marshal(b)
	return Change{Event: event, Block: raw, BlockID: b.ID, PageID: b.PageID}
}

// DeleteChange announces the removal of id.
func DeleteChange(id, pageID string) Change {
	return Change{Event: ChangeDelete, BlockID: id, PageID: pageID}
}

// DecodeBlock parses and validates the carried block.
func (c Change) DecodeBlock() (*block.Block, error) {
	if len(c.Block) == 0 || string(c.Block) == "null" {
		return nil, errors.NewInvalidRequestError("%s change carries no block", c.Event)
	}
	var b block.Block
	if err := json.Unmarshal(c.Block, &b); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}
