package errdef

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := New(KindNotFound, "task %s", "t1")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWrapPreservesKindAndCorrelation(t *testing.T) {
	inner := New(KindStorageFailure, "disk full")
	outer := Wrap(KindInternal, inner, "saving task")

	require.NotNil(t, outer)
	assert.Equal(t, KindInternal, KindOf(outer))
	assert.Equal(t, inner.CorrelationID, outer.CorrelationID)
	assert.True(t, errors.Is(outer, inner))
}

func TestWrapNilReturnsNil(t *testing.T) {
	e := Wrap(KindTransport, nil, "delivering")
	// Returning a typed nil would make err != nil at call sites; callers
	// must be able to do `if err := Wrap(...); err != nil`.
	assert.Nil(t, e)
}

func TestIsMatchesByKind(t *testing.T) {
	a := New(KindConflict, "lock held")
	b := New(KindConflict, "different message")
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, New(KindTimeout, "")))
}

func TestWrapThroughFmt(t *testing.T) {
	inner := New(KindRateLimited, "poll too soon")
	chained := fmt.Errorf("handler: %w", inner)
	assert.Equal(t, KindRateLimited, KindOf(chained))
	assert.Equal(t, inner.CorrelationID, CorrelationID(chained))
}
