package containers

// Ring is a fixed size ring with a cursor. It never grows: the slot count is
// decided at construction.
type Ring[T any] struct {
	data  []T
	index int
}

// NewRing creates a ring holding the given items in order. The cursor starts
// at the first item.
func NewRing[T any](items ...T) *Ring[T] {
	if len(items) == 0 {
		panic("containers: ring needs at least one slot")
	}
	return &Ring[T]{
		data: items,
	}
}

// Current returns the item under the cursor.
func (r *Ring[T]) Current() T {
	return r.data[r.index]
}

// Index returns the cursor position.
func (r *Ring[T]) Index() int {
	return r.index
}

// Advance moves the cursor to the next slot, wrapping around.
func (r *Ring[T]) Advance() {
	r.index = (r.index + 1) % len(r.data)
}

// Reset moves the cursor back to the first slot.
func (r *Ring[T]) Reset() {
	r.index = 0
}

func (r *Ring[T]) Len() int {
	return len(r.data)
}

func (r *Ring[T]) At(i int) T {
	return r.data[i%len(r.data)]
}

// Each calls fn for every slot in storage order.
func (r *Ring[T]) Each(fn func(i int, item T)) {
	for i, item := range r.data {
		fn(i, item)
	}
}
