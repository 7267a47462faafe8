// Package statemachine defines the legal run-state transition graph
// (spec §4.3) and the per-run advisory locking that serializes writes
// to a single run's state.txt between the HTTP process and the
// Supervisor.
package statemachine

import (
	"sync"

	"apex-build/internal/wes"
)

// transitions is the adjacency map of legal state.txt transitions.
// A transition not present here is rejected as a no-op conflict.
var transitions = map[wes.State][]wes.State{
	wes.StateQueued:       {wes.StateInitializing, wes.StateCanceling, wes.StateSystemError},
	wes.StateInitializing: {wes.StateRunning, wes.StateSystemError, wes.StateCanceling},
	wes.StateRunning:      {wes.StateComplete, wes.StateExecutorError, wes.StateSystemError, wes.StateCanceling},
	wes.StateCanceling:    {wes.StateCanceled, wes.StateSystemError},
	wes.StateUnknown:      {wes.StateQueued, wes.StateSystemError},
	wes.StateComplete:       {wes.StateDeleting},
	wes.StateExecutorError:  {wes.StateDeleting},
	wes.StateSystemError:    {wes.StateDeleting},
	wes.StateCanceled:       {wes.StateDeleting},
	wes.StateDeleting:       {wes.StateDeleted},
}

// CanTransition reports whether moving from `from` to `to` is legal.
// Writing the same state twice is always permitted (idempotent no-op,
// e.g. double-cancel against an already-CANCELING run — R2).
func CanTransition(from, to wes.State) bool {
	if from == to {
		return true
	}
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Locks hands out a per-run mutex so concurrent writers to the same
// run's state.txt serialize, while writers for distinct runs never
// block each other (spec §5 "Ordering").
type Locks struct {
	mu    sync.Mutex
	perID map[string]*sync.Mutex
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{perID: make(map[string]*sync.Mutex)}
}

// For returns the mutex for runID, creating it on first use.
func (l *Locks) For(runID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.perID[runID]
	if !ok {
		m = &sync.Mutex{}
		l.perID[runID] = m
	}
	return m
}
