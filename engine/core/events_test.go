package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBusFireStopsWhenHandled(t *testing.T) {
	bus := NewEventBus()
	var got []uint32
	first, second := new(int), new(int)

	assert.True(t, bus.Register(EventCodeResized, first, func(code SystemEventCode, sender interface{}, data EventContext) bool {
		got = append(got, data.U32[0])
		return true
	}))
	assert.True(t, bus.Register(EventCodeResized, second, func(code SystemEventCode, sender interface{}, data EventContext) bool {
		got = append(got, 0)
		return false
	}))
	assert.False(t, bus.Register(EventCodeResized, first, nil))

	assert.True(t, bus.Fire(EventCodeResized, nil, EventContext{U32: [4]uint32{800, 600}}))
	assert.Equal(t, []uint32{800}, got)

	assert.True(t, bus.Unregister(EventCodeResized, first))
	assert.False(t, bus.Fire(EventCodeResized, nil, EventContext{}))
	assert.Equal(t, []uint32{800, 0}, got)
}

func TestMetricsAveragesFrames(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < int(AVG_COUNT); i++ {
		m.Update(0.010)
	}
	assert.InDelta(t, 10.0, m.FrameTime(), 1e-9)
	assert.Equal(t, uint64(AVG_COUNT), m.TotalFrames())
}
