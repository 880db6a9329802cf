package giterrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapAndIsKind(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindConflict, "integrate //depot/foo", cause)
	assert.True(t, IsKind(err, KindConflict))
	assert.False(t, IsKind(err, KindSubmitFailed))
	assert.ErrorIs(t, err, cause)
}

func TestErrorIsSentinel(t *testing.T) {
	err := New(KindLockCanceled, "counter cleared")
	assert.True(t, errors.Is(err, ErrLockCanceled))
	assert.False(t, errors.Is(err, ErrConflict))
}

func TestOf(t *testing.T) {
	_, ok := Of(errors.New("plain"))
	assert.False(t, ok)
	k, ok := Of(New(KindIllegalInput, "bad filename"))
	assert.True(t, ok)
	assert.Equal(t, KindIllegalInput, k)
}
