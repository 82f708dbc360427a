package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
)

type fixture struct {
	dev *soft.Device
	ctx *Context
	q   *Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev := soft.New(soft.Options{})
	ctx := NewContext(dev)
	q, err := NewQueue(ctx)
	require.NoError(t, err)
	return &fixture{dev: dev, ctx: ctx, q: q}
}

// close tears the fixture down and checks that nothing leaked.
func (f *fixture) close(t *testing.T) {
	t.Helper()
	f.q.Destroy()
	assert.True(t, f.ctx.Release(), "context still referenced")
	assert.Empty(t, f.dev.ValidationErrors())
}

func TestMemoryTypeSelection(t *testing.T) {
	ctx := NewContext(soft.New(soft.Options{}))
	defer ctx.Release()

	cases := map[MemoryLocation]uint32{
		GpuOnly:      0,
		CpuToGpu:     3,
		GpuToCpu:     2,
		HostCoherent: 1,
	}
	for loc, want := range cases {
		got, err := ctx.MemoryTypeIndex(loc)
		require.NoError(t, err, loc.String())
		assert.Equal(t, want, got, loc.String())
	}
}

func TestContextReferences(t *testing.T) {
	dev := soft.New(soft.Options{})
	ctx := NewContext(dev)
	assert.Equal(t, 1, ctx.References())

	b, err := NewBuffer(ctx, 64, driver.BufferUsageStorage, GpuOnly)
	require.NoError(t, err)
	assert.Equal(t, 2, ctx.References())

	assert.False(t, ctx.Release())
	assert.False(t, dev.Destroyed(), "the buffer keeps the device alive")

	b.Destroy()
	assert.True(t, dev.Destroyed())
	assert.Empty(t, dev.ValidationErrors())
	assert.Panics(t, func() { ctx.Release() })
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(256), AlignUp[uint64](1, 256))
	assert.Equal(t, uint64(256), AlignUp[uint64](256, 256))
	assert.Equal(t, uint32(96), AlignUp[uint32](65, 32))
	assert.Equal(t, uint32(7), AlignUp[uint32](7, 0))
}
