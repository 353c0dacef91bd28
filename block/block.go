// Package block defines the Block data model and the local store that holds
// it. Blocks live in a flat arena keyed by id; the parent/child tree is a
// derived index, never embedded in the records themselves.
package block

import (
	"time"

	"github.com/teranos/blocksync/errors"
)

// Type is the closed set of content kinds a block can hold.
type Type string

const (
	TypeText         Type = "text"
	TypeHeading1     Type = "heading_1"
	TypeHeading2     Type = "heading_2"
	TypeHeading3     Type = "heading_3"
	TypeBulletedList Type = "bulleted_list"
	TypeNumberedList Type = "numbered_list"
	TypeToDo         Type = "to_do"
	TypeToggle       Type = "toggle"
	TypeQuote        Type = "quote"
	TypeCallout      Type = "callout"
	TypeCode         Type = "code"
	TypeDivider      Type = "divider"
	TypeImage        Type = "image"
	TypePage         Type = "page"
)

var validTypes = map[Type]bool{
	TypeText: true, TypeHeading1: true, TypeHeading2: true, TypeHeading3: true,
	TypeBulletedList: true, TypeNumberedList: true, TypeToDo: true, TypeToggle: true,
	TypeQuote: true, TypeCallout: true, TypeCode: true, TypeDivider: true,
	TypeImage: true, TypePage: true,
}

// Valid reports whether t is one of the known block types.
func (t Type) Valid() bool {
	return validTypes[t]
}

// Fragment is one run of rich text inside a block.
type Fragment struct {
	Text  string   `json:"text"`
	Marks []string `json:"marks,omitempty"`
	Href  string   `json:"href,omitempty"`
}

// Block is the atomic content node. Parent is empty for root blocks.
type Block struct {
	ID             string         `json:"id"`
	Type           Type           `json:"type"`
	Properties     map[string]any `json:"properties,omitempty"`
	Content        []Fragment     `json:"content,omitempty"`
	Parent         string         `json:"parent,omitempty"`
	PageID         string         `json:"page_id"`
	CreatedTime    time.Time      `json:"created_time"`
	LastEditedTime time.Time      `json:"last_edited_time"`
	LastEditedBy   string         `json:"last_edited_by,omitempty"`
}

// Validate checks the fields every stored block must carry.
func (b *Block) Validate() error {
	if b == nil {
		return errors.NewInvalidRequestError("nil block")
	}
	if b.ID == "" {
		return errors.NewInvalidRequestError("block id is empty")
	}
	if b.PageID == "" {
		return errors.NewInvalidRequestError("block %s has no page_id", b.ID)
	}
	if !b.Type.Valid() {
		return errors.NewInvalidRequestError("block %s has unknown type %q", b.ID, b.Type)
	}
	if b.Parent == b.ID {
		return errors.NewInvalidRequestError("block %s is its own parent", b.ID)
	}
	if b.CreatedTime.IsZero() || b.LastEditedTime.IsZero() {
		return errors.NewInvalidRequestError("block %s is missing timestamps", b.ID)
	}
	return nil
}

// Clone returns a deep copy.
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	c := *b
	c.Properties = cloneMap(b.Properties)
	if b.Content != nil {
		c.Content = make([]Fragment, len(b.Content))
		for i, f := range b.Content {
			c.Content[i] = f
			if f.Marks != nil {
				c.Content[i].Marks = append([]string(nil), f.Marks...)
			}
		}
	}
	return &c
}

// Text concatenates the plain text of all fragments.
func (b *Block) Text() string {
	var s string
	for _, f := range b.Content {
		s += f.Text
	}
	return s
}

// NormalizeTime drops the monotonic clock reading and location so that a
// time survives a round trip through storage unchanged.
func NormalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Unix(0, t.UnixNano()).UTC()
}

func normalize(b *Block) {
	b.CreatedTime = NormalizeTime(b.CreatedTime)
	b.LastEditedTime = NormalizeTime(b.LastEditedTime)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
