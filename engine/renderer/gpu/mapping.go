package gpu

import (
	"unsafe"

	"github.com/spaghettifunk/prism/engine/core"
)

type mappable interface {
	unmap()
	label() string
}

// Mapping is the single outstanding host view of a buffer or image. The owner
// cannot be mapped again or destroyed until Release is called.
type Mapping struct {
	owner    mappable
	data     []byte
	released bool
}

// Bytes returns the mapped memory. Using a released mapping panics.
func (m *Mapping) Bytes() []byte {
	core.Assert(!m.released, "use of released mapping of %s", m.owner.label())
	return m.data
}

func (m *Mapping) Len() int {
	return len(m.data)
}

// Release unmaps the owner. Calling it more than once is a no-op, so it can be
// deferred and also called explicitly.
func (m *Mapping) Release() {
	if m.released {
		return
	}
	m.released = true
	m.data = nil
	if m.owner != nil {
		m.owner.unmap()
	}
}

// View reinterprets the mapping as a slice of T. Trailing bytes that do not
// fill a whole element are not part of the view.
func View[T any](m *Mapping) []T {
	data := m.Bytes()
	var zero T
	size := int(unsafe.Sizeof(zero))
	if size == 0 || len(data) < size {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), len(data)/size)
}
