package block

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildIndex(t *testing.T) {
	page := []*Block{
		newBlock("root1", "p", "", 0),
		newBlock("root2", "p", "", 1),
		newBlock("child1", "p", "root1", 2),
		newBlock("child2", "p", "root1", 3),
		newBlock("grandchild", "p", "child2", 4),
	}
	ix := BuildIndex(page)

	assert.Equal(t, []string{"root1", "root2"}, ix.Children(""))
	assert.Equal(t, []string{"child1", "child2"}, ix.Children("root1"))
	assert.Equal(t, []string{"child1", "child2", "grandchild"}, ix.Descendants("root1"))
	assert.Empty(t, ix.Descendants("root2"))
	assert.Len(t, Siblings(page, "root1"), 2)

	assert.True(t, IsAncestor(page, "root1", "grandchild"))
	assert.False(t, IsAncestor(page, "root2", "grandchild"))
}

func TestValidateTree(t *testing.T) {
	ok := []*Block{newBlock("a", "p", "", 0), newBlock("b", "p", "a", 1)}
	assert.NoError(t, ValidateTree(ok))

	orphan := []*Block{newBlock("b", "p", "missing", 1)}
	assert.Error(t, ValidateTree(orphan))

	crossPage := []*Block{newBlock("a", "other", "", 0), newBlock("b", "p", "a", 1)}
	assert.Error(t, ValidateTree(crossPage))

	cycle := []*Block{newBlock("a", "p", "b", 0), newBlock("b", "p", "a", 1)}
	assert.Error(t, ValidateTree(cycle))
}

func TestPatchApply(t *testing.T) {
	b := newBlock("a", "p", "", 0)
	heading := TypeHeading1

	Patch{
		Type:       &heading,
		Properties: map[string]any{"checked": nil, "color": "red"},
		Content:    []Fragment{{Text: "x"}},
	}.Apply(b, "yugi", t0.Add(time.Hour))

	assert.Equal(t, TypeHeading1, b.Type)
	assert.Equal(t, "x", b.Text())
	assert.NotContains(t, b.Properties, "checked")
	assert.Equal(t, "red", b.Properties["color"])
	assert.Equal(t, "yugi", b.LastEditedBy)
	assert.True(t, b.LastEditedTime.Equal(t0.Add(time.Hour)))

	assert.True(t, Patch{}.IsEmpty())
	assert.False(t, TextPatch("").IsEmpty(), "clearing text is a change")
}
