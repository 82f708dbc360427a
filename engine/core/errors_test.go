package core

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOfClassifiesSentinels(t *testing.T) {
	assert.Equal(t, KindAllocation, KindOf(errors.Wrap(ErrUnsupported, "buffer")))
	assert.Equal(t, KindSync, KindOf(ErrDeviceLost))
	assert.Equal(t, KindSwapchain, KindOf(ErrSwapchainBooting))
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestRenderErrorKeepsKindAndCode(t *testing.T) {
	err := NewRenderError(KindSync, "fence wait", "VK_ERROR_DEVICE_LOST", errors.New("gpu hang"))
	wrapped := errors.Wrap(err, "frame 12")

	assert.Equal(t, KindSync, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, ErrDeviceLost))
	assert.Contains(t, wrapped.Error(), "VK_ERROR_DEVICE_LOST")
}

func TestAssertPanicsWithInvariant(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		assert.True(t, ok)
		assert.True(t, errors.Is(err, ErrInvariant))
	}()
	Assert(false, "update on %s", "static structure")
}
