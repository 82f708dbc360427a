package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingAdvanceWraps(t *testing.T) {
	r := NewRing("a", "b")
	assert.Equal(t, "a", r.Current())
	r.Advance()
	assert.Equal(t, "b", r.Current())
	assert.Equal(t, 1, r.Index())
	r.Advance()
	assert.Equal(t, "a", r.Current())
	assert.Equal(t, 0, r.Index())
}

func TestRingAtAndEach(t *testing.T) {
	r := NewRing(1, 2, 3)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 2, r.At(4))

	sum := 0
	r.Each(func(i int, item int) { sum += item })
	assert.Equal(t, 6, sum)

	r.Advance()
	r.Reset()
	assert.Equal(t, 1, r.Current())
}

func TestRingNeedsSlots(t *testing.T) {
	assert.Panics(t, func() { NewRing[int]() })
}
