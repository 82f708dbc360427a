package renderer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTeardownOrder(t *testing.T) {
	r := &Renderer{tracer: &tracer{}}
	g, err := r.teardownSteps()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"frames", "bindings", "pipeline", "tlas", "blas", "buffers",
		"command pool", "queue", "context", "device",
	}, g.names())
}

func TestTeardownGraphOrdersDependencies(t *testing.T) {
	var ran []string
	step := func(name string, after ...string) teardownStep {
		return teardownStep{name: name, after: after, destroy: func() { ran = append(ran, name) }}
	}
	g, err := newTeardownGraph(
		step("device", "context"),
		step("context", "queue", "buffers"),
		step("buffers"),
		step("queue"),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"buffers", "queue", "context", "device"}, g.names())

	g.run()
	g.run()
	assert.Equal(t, []string{"buffers", "queue", "context", "device"}, ran)
}

func TestTeardownGraphRejectsCycles(t *testing.T) {
	_, err := newTeardownGraph(
		teardownStep{name: "a", after: []string{"c"}},
		teardownStep{name: "b", after: []string{"a"}},
		teardownStep{name: "c", after: []string{"b"}},
		teardownStep{name: "d"},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
	assert.NotContains(t, err.Error(), "d]")
}

func TestTeardownGraphRejectsUnknownSteps(t *testing.T) {
	_, err := newTeardownGraph(teardownStep{name: "a", after: []string{"missing"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")

	_, err = newTeardownGraph(teardownStep{name: "a"}, teardownStep{name: "a"})
	require.Error(t, err)
}
