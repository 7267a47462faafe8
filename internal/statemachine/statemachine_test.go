package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"apex-build/internal/wes"
)

func TestCanTransitionAllowsDocumentedEdges(t *testing.T) {
	cases := []struct {
		from, to wes.State
	}{
		{wes.StateQueued, wes.StateInitializing},
		{wes.StateInitializing, wes.StateRunning},
		{wes.StateRunning, wes.StateComplete},
		{wes.StateRunning, wes.StateExecutorError},
		{wes.StateRunning, wes.StateCanceling},
		{wes.StateCanceling, wes.StateCanceled},
		{wes.StateComplete, wes.StateDeleting},
		{wes.StateDeleting, wes.StateDeleted},
	}
	for _, c := range cases {
		assert.True(t, CanTransition(c.from, c.to), "%s -> %s should be legal", c.from, c.to)
	}
}

func TestCanTransitionRejectsSkippingInitializing(t *testing.T) {
	assert.False(t, CanTransition(wes.StateQueued, wes.StateRunning))
}

func TestCanTransitionRejectsLeavingTerminalStatesExceptDeleting(t *testing.T) {
	for _, terminal := range []wes.State{wes.StateComplete, wes.StateExecutorError, wes.StateSystemError, wes.StateCanceled} {
		assert.False(t, CanTransition(terminal, wes.StateRunning))
		assert.True(t, CanTransition(terminal, wes.StateDeleting))
	}
}

func TestCanTransitionIsIdempotentForSameState(t *testing.T) {
	assert.True(t, CanTransition(wes.StateCanceling, wes.StateCanceling))
	assert.True(t, CanTransition(wes.StateRunning, wes.StateRunning))
}

func TestLocksReturnsDistinctMutexesPerRun(t *testing.T) {
	locks := NewLocks()
	a := locks.For("run-a")
	b := locks.For("run-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, locks.For("run-a"))
}
