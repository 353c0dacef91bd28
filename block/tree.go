package block

import (
	"github.com/teranos/blocksync/errors"
)

// Index maps a parent id ("" for roots) to its children in sort order. It
// is derived from a page on demand and never stored.
type Index map[string][]string

// BuildIndex derives the parent index from blocks already in sort order.
func BuildIndex(blocks []*Block) Index {
	ix := make(Index)
	for _, b := range blocks {
		ix[b.Parent] = append(ix[b.Parent], b.ID)
	}
	return ix
}

// Children returns the ordered child ids of id.
func (ix Index) Children(id string) []string {
	return ix[id]
}

// Descendants returns every id below id, breadth first.
func (ix Index) Descendants(id string) []string {
	var out []string
	queue := append([]string(nil), ix[id]...)
	seen := map[string]bool{id: true}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, ix[next]...)
	}
	return out
}

// Siblings returns the blocks sharing parent, in the order given.
func Siblings(blocks []*Block, parent string) []*Block {
	out := make([]*Block, 0)
	for _, b := range blocks {
		if b.Parent == parent {
			out = append(out, b)
		}
	}
	return out
}

// ValidateTree checks that every parent chain in one page ends at a root
// of that same page without revisiting a block.
func ValidateTree(blocks []*Block) error {
	byID := make(map[string]*Block, len(blocks))
	for _, b := range blocks {
		byID[b.ID] = b
	}
	for _, b := range blocks {
		seen := map[string]bool{}
		cur := b
		for cur.Parent != "" {
			if seen[cur.ID] {
				return errors.NewInvalidRequestError("cycle through block %s", cur.ID)
			}
			seen[cur.ID] = true
			parent, ok := byID[cur.Parent]
			if !ok {
				return errors.NewInvalidRequestError("block %s has missing parent %s", cur.ID, cur.Parent)
			}
			if parent.PageID != b.PageID {
				return errors.NewInvalidRequestError("block %s has parent %s on page %s", cur.ID, parent.ID, parent.PageID)
			}
			cur = parent
		}
	}
	return nil
}

// IsAncestor reports whether ancestorID lies on the parent chain of id.
func IsAncestor(blocks []*Block, ancestorID, id string) bool {
	byID := make(map[string]*Block, len(blocks))
	for _, b := range blocks {
		byID[b.ID] = b
	}
	seen := map[string]bool{}
	cur, ok := byID[id]
	for ok && cur.Parent != "" && !seen[cur.ID] {
		seen[cur.ID] = true
		if cur.Parent == ancestorID {
			return true
		}
		cur, ok = byID[cur.Parent]
	}
	return false
}
