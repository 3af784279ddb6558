package errors_test

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wichfs/wichfs/errors"
)

func TestDiskoErrorMessage(t *testing.T) {
	assert.Equal(t, "no space left on device", errors.ErrNoSpace.Error())
}

func TestWithMessageAppendsDetail(t *testing.T) {
	wrapped := errors.ErrInvalid.WithMessage("bad magic")
	assert.Contains(t, wrapped.Error(), "invalid argument")
	assert.Contains(t, wrapped.Error(), "bad magic")
}

func TestWrapErrorUnwrapsToOriginal(t *testing.T) {
	original := stderrors.New("disk read failed")
	wrapped := errors.ErrIO.WrapError(original)

	require.True(t, stderrors.Is(wrapped, original))
	assert.Contains(t, wrapped.Error(), "input/output error")
}

func TestSentinelsAreComparable(t *testing.T) {
	err := errors.ErrCorruption.WithMessage("whatever")
	assert.True(t, stderrors.Is(err, errors.ErrCorruption))
	assert.False(t, stderrors.Is(err, errors.ErrNotFound))
}
