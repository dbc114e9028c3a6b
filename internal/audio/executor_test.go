package audio

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_RunsTasksInOrder(t *testing.T) {
	e := NewExecutor("test", 4)

	var order []int
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Submit(func() { order = append(order, i) }))
	}
	e.Close()

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestExecutor_SurvivesPanic(t *testing.T) {
	e := NewExecutor("test", 1)

	var ran atomic.Bool
	require.NoError(t, e.Submit(func() { panic("boom") }))
	require.NoError(t, e.Submit(func() { ran.Store(true) }))
	e.Close()

	assert.True(t, ran.Load())
}

func TestExecutor_SubmitAfterClose(t *testing.T) {
	e := NewExecutor("test", 1)
	e.Close()
	e.Close()

	assert.ErrorIs(t, e.Submit(func() {}), ErrExecutorClosed)
}
