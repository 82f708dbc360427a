package systems

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobSystemArguments(t *testing.T) {
	_, err := NewJobSystem(0, 1)
	assert.ErrorIs(t, err, ErrNoWorkers)
	_, err = NewJobSystem(1, -1)
	assert.ErrorIs(t, err, ErrNegativeChannelSize)
}

func TestJobCallbacksRunOnUpdate(t *testing.T) {
	js, err := NewJobSystem(2, 4)
	require.NoError(t, err)

	var completed []int
	var failed []error
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, js.Submit(JobTask{
			Name:       "ok",
			Run:        func() (interface{}, error) { return i * 10, nil },
			OnComplete: func(r interface{}) { completed = append(completed, r.(int)) },
		}))
	}
	boom := errors.New("boom")
	require.NoError(t, js.Submit(JobTask{
		Name:      "fail",
		Run:       func() (interface{}, error) { return nil, boom },
		OnFailure: func(err error) { failed = append(failed, err) },
	}))

	// Callbacks only run on Update, never on the workers.
	require.NoError(t, js.Shutdown())
	assert.Empty(t, completed)

	assert.Equal(t, 4, js.Update())
	assert.ElementsMatch(t, []int{0, 10, 20}, completed)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0], boom)
	assert.Equal(t, 0, js.Update())
}

func TestSubmitAfterShutdown(t *testing.T) {
	js, err := NewJobSystem(1, 0)
	require.NoError(t, err)
	require.NoError(t, js.Shutdown())
	require.NoError(t, js.Shutdown())

	err = js.Submit(JobTask{Name: "late", Run: func() (interface{}, error) { return nil, nil }})
	assert.ErrorIs(t, err, ErrJobSystemClosed)
	assert.Error(t, js.Submit(JobTask{Name: "empty"}))
}

func TestUpdateWhileRunning(t *testing.T) {
	js, err := NewJobSystem(1, 1)
	require.NoError(t, err)
	defer js.Shutdown()

	done := false
	require.NoError(t, js.Submit(JobTask{
		Name:       "load",
		Run:        func() (interface{}, error) { return "scene", nil },
		OnComplete: func(r interface{}) { done = r == "scene" },
	}))
	assert.Eventually(t, func() bool { return js.Update() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, done)
}
