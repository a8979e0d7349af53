package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("dial failed")
	wrapped := Wrap(Transport, "connect", base)
	reWrapped := fmt.Errorf("pipeline p1: %w", wrapped)

	kind, ok := KindOf(reWrapped)
	assert.True(t, ok)
	assert.Equal(t, Transport, kind)

	_, ok = KindOf(base)
	assert.False(t, ok)
}

func TestErrorMessage(t *testing.T) {
	e := New(Policy, "unknown provider")
	assert.Contains(t, e.Error(), "policy")
	assert.Contains(t, e.Error(), "unknown provider")

	wrapped := Wrap(Codec, "decode", errors.New("bad frame"))
	assert.Contains(t, wrapped.Error(), "bad frame")
	assert.Equal(t, errors.New("bad frame").Error(), errors.Unwrap(wrapped).Error())
}
