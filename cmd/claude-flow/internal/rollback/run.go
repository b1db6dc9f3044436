// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollback

import (
	"fmt"
	"sync"
	"time"
)

// RunState is the lifecycle position of one initialization run.
//
// # Description
//
// A run moves through backup, per-phase work, and completion, with
// failure edges into recovery and reversal:
//
//	not-started → backed-up → {in-progress → committed}* → completed
//
//	in-progress → recovery-attempted → {in-progress (retry) |
//	    partially-rolled-back | fully-rolled-back}
//
// Reversal and recovery are also reachable directly from backed-up and
// committed, because a user can roll back or repair a run without an
// in-process failure leading the way. completed, fully-rolled-back, and
// failed are terminal.
type RunState string

const (
	RunNotStarted          RunState = "not-started"
	RunBackedUp            RunState = "backed-up"
	RunInProgress          RunState = "in-progress"
	RunCommitted           RunState = "committed"
	RunCompleted           RunState = "completed"
	RunRecoveryAttempted   RunState = "recovery-attempted"
	RunPartiallyRolledBack RunState = "partially-rolled-back"
	RunFullyRolledBack     RunState = "fully-rolled-back"
	RunFailed              RunState = "failed"
)

// AllRunStates lists every lifecycle state.
func AllRunStates() []RunState {
	return []RunState{
		RunNotStarted,
		RunBackedUp,
		RunInProgress,
		RunCommitted,
		RunCompleted,
		RunRecoveryAttempted,
		RunPartiallyRolledBack,
		RunFullyRolledBack,
		RunFailed,
	}
}

// String implements fmt.Stringer.
func (s RunState) String() string { return string(s) }

// Terminal reports whether a run in this state can move again.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFullyRolledBack || s == RunFailed
}

// runLifecycle tracks one initialization run against the transition
// table above. Illegal moves return ErrInvalidTransition so they are
// never absorbed silently; callers decide whether that is fatal.
type runLifecycle struct {
	mu          sync.Mutex
	current     RunState
	transitions map[RunState]map[RunState]bool
}

func newRunLifecycle(start RunState) *runLifecycle {
	lc := &runLifecycle{
		current:     start,
		transitions: make(map[RunState]map[RunState]bool),
	}
	for _, state := range AllRunStates() {
		lc.transitions[state] = make(map[RunState]bool)
	}

	lc.addTransition(RunNotStarted, RunBackedUp)
	lc.addTransition(RunBackedUp, RunInProgress)
	lc.addTransition(RunInProgress, RunCommitted)
	lc.addTransition(RunCommitted, RunInProgress)
	lc.addTransition(RunCommitted, RunCompleted)
	lc.addTransition(RunInProgress, RunRecoveryAttempted)
	lc.addTransition(RunRecoveryAttempted, RunInProgress)

	// User-driven recovery and reversal from any live run position.
	for _, from := range []RunState{RunBackedUp, RunCommitted, RunPartiallyRolledBack} {
		lc.addTransition(from, RunRecoveryAttempted)
	}
	for _, from := range []RunState{RunBackedUp, RunInProgress, RunCommitted, RunRecoveryAttempted, RunPartiallyRolledBack} {
		lc.addTransition(from, RunPartiallyRolledBack)
		lc.addTransition(from, RunFullyRolledBack)
		lc.addTransition(from, RunFailed)
	}
	lc.addTransition(RunPartiallyRolledBack, RunInProgress)

	return lc
}

func (lc *runLifecycle) addTransition(from, to RunState) {
	if from == to {
		return
	}
	lc.transitions[from][to] = true
}

// CanTransition checks whether moving from one state to another is valid.
func (lc *runLifecycle) CanTransition(from, to RunState) bool {
	if toMap, ok := lc.transitions[from]; ok {
		return toMap[to]
	}
	return false
}

// To advances the run. Re-entering the current state is a no-op, so
// repeated backups or consecutive partial rollbacks do not churn.
func (lc *runLifecycle) To(next RunState) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.current == next {
		return nil
	}
	if !lc.CanTransition(lc.current, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, lc.current, next)
	}
	lc.current = next
	return nil
}

// restart forces the run to a new position, discarding the previous
// run's state. Used when a fresh backup opens a new run over an old one.
func (lc *runLifecycle) restart(to RunState) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.current = to
}

// Current returns the state under the lock.
func (lc *runLifecycle) Current() RunState {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.current
}

// deriveRunState reconstructs the lifecycle position from the persisted
// registry so a fresh process reports where the last one left off. The
// newest of rollback point, checkpoint, and rollback record wins:
//
//   - rollback record: fully- or partially-rolled-back, by kind
//   - checkpoint: in-progress while any is pending, committed otherwise
//   - rollback point: backed-up
//
// An empty registry derives not-started. completed is never derived
// because the registry keeps no completion marker; a finished run reads
// as committed until it is rolled back or a new run begins. A recorded
// rollback derives its end state regardless of how the reversal went.
func deriveRunState(points []RollbackPoint, checkpoints []Checkpoint, history []RollbackRecord) RunState {
	state := RunNotStarted
	var newest time.Time

	if len(points) > 0 {
		state, newest = RunBackedUp, points[0].CreatedAt
	}
	if len(checkpoints) > 0 && checkpoints[0].CreatedAt.After(newest) {
		newest = checkpoints[0].CreatedAt
		state = RunCommitted
		for _, c := range checkpoints {
			if c.Status == StatusPending {
				state = RunInProgress
				break
			}
		}
	}
	if len(history) > 0 && history[0].At.After(newest) {
		if history[0].Kind == RollbackFull {
			state = RunFullyRolledBack
		} else {
			state = RunPartiallyRolledBack
		}
	}
	return state
}
