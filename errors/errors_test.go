package errors

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCause(t *testing.T) {
	original := New("original")
	wrapped := Wrapf(original, "wrapped: %d", 42)

	assert.Contains(t, wrapped.Error(), "wrapped: 42")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestSentinels(t *testing.T) {
	err := Wrap(ErrConflict, "idempotency_keys insert")
	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFound(err))

	nf := NewNotFoundError("record %s not found", "abc")
	assert.True(t, IsNotFound(nf))
	assert.Contains(t, nf.Error(), "record abc not found")

	assert.False(t, IsNotFound(nil))
	assert.False(t, IsConflict(nil))
}

func TestMarkPreservesMessage(t *testing.T) {
	err := Mark(sql.ErrNoRows, ErrNotFound)
	assert.True(t, Is(err, ErrNotFound))
	assert.True(t, Is(err, sql.ErrNoRows))
	assert.Equal(t, sql.ErrNoRows.Error(), err.Error())
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(New("claim failed"), "Key: t1:translate:articles:42:title:en:abc")
	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Contains(t, details[0], "t1:translate")
}

func TestInvalidRequest(t *testing.T) {
	err := NewInvalidRequestError("unknown entity type %q", "widget")
	assert.True(t, Is(err, ErrInvalidRequest))
	assert.Contains(t, err.Error(), `"widget"`)
}
