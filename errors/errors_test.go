package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	err := Wrapf(ErrNotFound, "block %s", "temp_1")
	err = Wrap(err, "failed to apply update")

	assert.True(t, Is(err, ErrNotFound))
	assert.True(t, IsNotFoundError(err))
	assert.False(t, IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "temp_1")
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("transaction %s", "tx-9")
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
	assert.Equal(t, "transaction tx-9: not found", err.Error())
}

func TestNewInvalidRequestError(t *testing.T) {
	err := NewInvalidRequestError("unknown position %q", "sideways")
	assert.True(t, IsInvalidRequestError(err))
	assert.False(t, IsNotFoundError(err))
}

func TestLeadershipSentinelsAreDistinct(t *testing.T) {
	assert.False(t, Is(ErrNotLeader, ErrNoLeader))
	assert.True(t, Is(Wrap(ErrNoLeader, "forward intent"), ErrNoLeader))
}

func TestDetailsSurviveWrapping(t *testing.T) {
	err := WithDetail(New("remote rejected create"), "Transaction ID: tx-1")
	err = WithHint(err, "retry the transaction with `blocksync queue retry`")
	err = Wrap(err, "sync pass")

	assert.Contains(t, GetAllDetails(err), "Transaction ID: tx-1")
	hints := GetAllHints(err)
	require.Len(t, hints, 1)
	assert.Contains(t, hints[0], "queue retry")
}

func TestAssertionFailure(t *testing.T) {
	err := AssertionFailedf("two leaders: %s and %s", "a", "b")
	assert.True(t, IsAssertionFailure(err))
	assert.False(t, IsAssertionFailure(New("plain")))
}

func TestStackTrace(t *testing.T) {
	err := New("with stack")
	assert.Contains(t, fmt.Sprintf("%+v", err), "errors_test.go")
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithDetail(nil, "detail"))
	assert.False(t, IsNotFoundError(nil))
}

func ExampleWrap() {
	err := Wrap(ErrConflict, "failed to insert block")
	fmt.Println(err)
	// Output: failed to insert block: resource conflict
}
