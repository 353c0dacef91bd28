package block

import (
	"time"

	"github.com/teranos/blocksync/errors"
)

// DefaultSpacing separates sort keys written without an upper neighbour.
const DefaultSpacing = time.Millisecond

// Position says where a dragged block lands relative to the hover target.
type Position string

const (
	PositionBefore Position = "before"
	PositionAfter  Position = "after"
	PositionInside Position = "inside"
)

// Valid reports whether p is a known position.
func (p Position) Valid() bool {
	return p == PositionBefore || p == PositionAfter || p == PositionInside
}

// Order has no list-position column: sibling order is CreatedTime order, and
// moving a block means rewriting CreatedTime. respace gives ordered[lo..hi]
// strictly increasing keys that fit between ordered[lo-1] and ordered[hi+1].
// When the gap cannot hold them the range is widened to the tail of the list,
// which has no upper bound. It returns the blocks whose key changed.
func respace(ordered []*Block, lo, hi int) []*Block {
	if len(ordered) == 0 || lo > hi {
		return nil
	}
	before := make([]time.Time, len(ordered))
	for i, b := range ordered {
		before[i] = b.CreatedTime
	}

	var lower time.Time
	hasLower := lo > 0
	if hasLower {
		lower = ordered[lo-1].CreatedTime
	}

	step := DefaultSpacing
	if hi+1 < len(ordered) {
		upper := ordered[hi+1].CreatedTime
		n := int64(hi - lo + 1)
		if !hasLower {
			lower = upper.Add(-time.Duration(n+1) * DefaultSpacing)
		} else {
			step = time.Duration(int64(upper.Sub(lower)) / (n + 1))
		}
		if step <= 0 {
			hi = len(ordered) - 1
			step = DefaultSpacing
		}
	}
	if !hasLower && hi == len(ordered)-1 && lo == 0 {
		lower = earliest(ordered).Add(-DefaultSpacing)
	}

	for i := lo; i <= hi; i++ {
		ordered[i].CreatedTime = lower.Add(time.Duration(i-lo+1) * step)
	}

	var changed []*Block
	for i := lo; i <= hi; i++ {
		if !ordered[i].CreatedTime.Equal(before[i]) {
			changed = append(changed, ordered[i])
		}
	}
	return changed
}

func earliest(blocks []*Block) time.Time {
	var t time.Time
	for _, b := range blocks {
		if b.CreatedTime.IsZero() {
			continue
		}
		if t.IsZero() || b.CreatedTime.Before(t) {
			t = b.CreatedTime
		}
	}
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// InsertAt places b among siblings (already in order) at index and assigns
// it a sort key. It returns every block whose CreatedTime was written,
// including b.
func InsertAt(siblings []*Block, b *Block, index int) []*Block {
	if index < 0 || index > len(siblings) {
		index = len(siblings)
	}
	ordered := make([]*Block, 0, len(siblings)+1)
	ordered = append(ordered, siblings[:index]...)
	ordered = append(ordered, b)
	ordered = append(ordered, siblings[index:]...)

	if len(ordered) == 1 {
		if b.CreatedTime.IsZero() {
			b.CreatedTime = time.Now().UTC()
		}
		return []*Block{b}
	}
	b.CreatedTime = time.Time{}
	changed := respace(ordered, index, index)
	if !containsBlock(changed, b) {
		changed = append([]*Block{b}, changed...)
	}
	return changed
}

// Reorder moves drag next to hover among siblings (in order, containing
// hover, optionally containing drag). Only PositionBefore and PositionAfter
// are accepted here; PositionInside is resolved by the caller into an
// InsertAt at the end of hover's children.
func Reorder(siblings []*Block, drag *Block, hoverID string, pos Position) ([]*Block, error) {
	if pos != PositionBefore && pos != PositionAfter {
		return nil, errors.NewInvalidRequestError("reorder position must be before or after, got %q", pos)
	}
	if drag.ID == hoverID {
		return nil, nil
	}

	rest := make([]*Block, 0, len(siblings))
	for _, s := range siblings {
		if s.ID != drag.ID {
			rest = append(rest, s)
		}
	}
	hoverIdx := -1
	for i, s := range rest {
		if s.ID == hoverID {
			hoverIdx = i
			break
		}
	}
	if hoverIdx < 0 {
		return nil, errors.NewNotFoundError("hover block %s among siblings", hoverID)
	}
	index := hoverIdx
	if pos == PositionAfter {
		index++
	}
	return InsertAt(rest, drag, index), nil
}

// IsStrictlyOrdered reports whether blocks have strictly increasing keys.
func IsStrictlyOrdered(blocks []*Block) bool {
	for i := 1; i < len(blocks); i++ {
		if !blocks[i].CreatedTime.After(blocks[i-1].CreatedTime) {
			return false
		}
	}
	return true
}

func containsBlock(blocks []*Block, b *Block) bool {
	for _, c := range blocks {
		if c == b {
			return true
		}
	}
	return false
}
