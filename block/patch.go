package block

import "time"

// Patch is a partial update. Nil fields are left untouched; a property set
// to nil is removed. A non-nil empty Content clears the block's text.
type Patch struct {
	Type       *Type          `json:"type,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Content    []Fragment     `json:"content"`
}

// IsEmpty reports whether applying p would change nothing.
func (p Patch) IsEmpty() bool {
	return p.Type == nil && len(p.Properties) == 0 && p.Content == nil
}

// Apply mutates b in place and stamps the edit.
func (p Patch) Apply(b *Block, editedBy string, at time.Time) {
	if p.Type != nil {
		b.Type = *p.Type
	}
	if len(p.Properties) > 0 {
		if b.Properties == nil {
			b.Properties = make(map[string]any, len(p.Properties))
		}
		for k, v := range p.Properties {
			if v == nil {
				delete(b.Properties, k)
				continue
			}
			b.Properties[k] = cloneValue(v)
		}
	}
	if p.Content != nil {
		b.Content = append([]Fragment{}, p.Content...)
	}
	if at.After(b.LastEditedTime) {
		b.LastEditedTime = at
	}
	b.LastEditedBy = editedBy
}

// TextPatch replaces a block's content with a single plain fragment.
func TextPatch(text string) Patch {
	return Patch{Content: []Fragment{{Text: text}}}
}
