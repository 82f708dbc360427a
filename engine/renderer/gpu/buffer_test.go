package gpu

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/renderer/driver"
	"github.com/spaghettifunk/prism/engine/renderer/soft"
)

func TestNullBuffer(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)

	b, err := NewBuffer(f.ctx, 0, driver.BufferUsageStorage, GpuOnly)
	require.NoError(t, err)
	assert.True(t, b.IsNull())
	assert.Zero(t, b.DeviceAddress())

	m, err := b.Map()
	require.NoError(t, err)
	assert.Zero(t, m.Len())
	m.Release()

	assert.NoError(t, b.Write(nil))
	data, err := b.Read()
	require.NoError(t, err)
	assert.Empty(t, data)

	other := NullBuffer()
	assert.NoError(t, other.CopyFrom(f.q, b))

	b.Destroy()
	b.Destroy()
	assert.Empty(t, f.dev.Ledger().Created(soft.KindBuffer))

	empty, err := NewBufferFromHostData(f.ctx, f.q, nil, driver.BufferUsageVertex)
	require.NoError(t, err)
	assert.True(t, empty.IsNull())
}

func TestBufferFromHostData(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)
	data := []byte("a vertex buffer that goes through staging")

	visible, err := NewHostVisibleBufferFromData(f.ctx, f.q, data, driver.BufferUsageStorage)
	require.NoError(t, err)
	defer visible.Destroy()
	got, err := visible.Read()
	require.NoError(t, err)
	assert.Equal(t, data, got)

	local, err := NewLabeledBufferFromHostData(f.ctx, f.q, "vertices", data, driver.BufferUsageVertex|driver.BufferUsageTransferSrc)
	require.NoError(t, err)
	defer local.Destroy()
	assert.Equal(t, GpuOnly, local.Location())
	assert.NotZero(t, local.Usage()&driver.BufferUsageTransferDst)

	readback, err := NewBuffer(f.ctx, uint64(len(data)), driver.BufferUsageTransferDst, GpuToCpu)
	require.NoError(t, err)
	defer readback.Destroy()
	require.NoError(t, readback.CopyFrom(f.q, local))
	got, err = readback.Read()
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Staging buffers are gone once the upload returns.
	assert.Len(t, f.dev.Ledger().Live(soft.KindBuffer), 3)
}

func TestStagedUploadRoundTripsEveryLength(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)

	for n := 1; n <= 67; n++ {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i*31 + n)
		}
		local, err := NewBufferFromHostData(f.ctx, f.q, data, driver.BufferUsageStorage|driver.BufferUsageTransferSrc)
		require.NoError(t, err, "length %d", n)
		readback, err := NewBuffer(f.ctx, uint64(n), driver.BufferUsageTransferDst, GpuToCpu)
		require.NoError(t, err, "length %d", n)

		require.NoError(t, readback.CopyFrom(f.q, local), "length %d", n)
		got, err := readback.Read()
		require.NoError(t, err, "length %d", n)
		assert.Equal(t, data, got, "length %d", n)

		readback.Destroy()
		local.Destroy()
	}
	assert.Empty(t, f.dev.Ledger().Live(soft.KindBuffer))
}

func TestCopyFromUsesSmallerSize(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)

	src, err := NewStagingBuffer(f.ctx, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, err)
	defer src.Destroy()
	dst, err := NewBuffer(f.ctx, 4, driver.BufferUsageTransferDst, GpuToCpu)
	require.NoError(t, err)
	defer dst.Destroy()

	require.NoError(t, dst.CopyFrom(f.q, src))
	got, err := dst.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestMappingIsExclusive(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)

	b, err := NewLabeledBuffer(f.ctx, "uniforms", 16, driver.BufferUsageUniform, CpuToGpu)
	require.NoError(t, err)

	m, err := b.Map()
	require.NoError(t, err)
	assert.True(t, b.Mapped())
	assert.Panics(t, func() { _, _ = b.Map() })
	assert.Panics(t, func() { b.Destroy() })

	words := View[uint32](m)
	require.Len(t, words, 4)
	words[2] = 0xCAFEBABE

	m.Release()
	m.Release()
	assert.False(t, b.Mapped())
	assert.Panics(t, func() { m.Bytes() })

	data, err := b.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xBE, 0xBA, 0xFE, 0xCA}, data[8:12])

	b.Destroy()
	assert.Panics(t, func() { _, _ = b.Map() })
}

func TestDeviceLocalBufferCannotBeMapped(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)

	b, err := NewBuffer(f.ctx, 16, driver.BufferUsageStorage, GpuOnly)
	require.NoError(t, err)
	defer b.Destroy()
	assert.Panics(t, func() { _, _ = b.Map() })
	assert.Panics(t, func() { b.DeviceAddress() }, "no device address usage")
}

func TestWriteTooLarge(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)

	b, err := NewBuffer(f.ctx, 2, driver.BufferUsageUniform, HostCoherent)
	require.NoError(t, err)
	defer b.Destroy()
	assert.Error(t, b.Write([]byte{1, 2, 3}))
}

func TestUnsupportedMemoryLocation(t *testing.T) {
	dev := soft.New(soft.Options{MemoryTypes: []driver.MemoryType{
		{PropertyFlags: driver.MemoryPropertyDeviceLocal},
	}})
	ctx := NewContext(dev)
	defer ctx.Release()

	_, err := NewBuffer(ctx, 16, driver.BufferUsageUniform, CpuToGpu)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrUnsupported))
	assert.Equal(t, core.KindAllocation, core.KindOf(err))

	b, err := NewBuffer(ctx, 16, driver.BufferUsageStorage, GpuOnly)
	require.NoError(t, err)
	b.Destroy()
}

func TestBufferDeviceAddress(t *testing.T) {
	f := newFixture(t)
	defer f.close(t)

	b, err := NewBuffer(f.ctx, 100, driver.BufferUsageStorage|driver.BufferUsageShaderDeviceAddress, GpuOnly)
	require.NoError(t, err)
	defer b.Destroy()
	assert.NotZero(t, b.DeviceAddress())
	assert.Equal(t, f.dev.BufferDeviceAddress(b.Handle()), b.DeviceAddress())
}
