// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollback

import (
	"context"
	"time"

	"github.com/claudeflow/claudeflow/pkg/logging"
)

// AtomicOperation groups a sequence of filesystem mutations under one
// checkpoint so they commit or roll back as a unit.
//
// # Description
//
// Begin opens a pending checkpoint on the phase tag atomic-<name>. While
// the operation runs, every side effect is recorded through the RecordXxx
// methods and persisted immediately, so a crash mid-operation leaves a
// replayable checkpoint behind. Commit marks the checkpoint committed;
// after that, Rollback is a no-op. Rollback before Commit replays the
// recorded actions in reverse through the executor's generic fallback and
// marks the checkpoint rolled back.
//
// # Example
//
//	op := NewAtomicOperation("write-templates", state, executor, log)
//	if res := op.Begin(); !res.Success {
//		return res
//	}
//	// ... create files, recording each one ...
//	op.RecordFileCreated("CLAUDE.md")
//	if err := doWork(); err != nil {
//		op.Rollback(ctx)
//		return failure(err)
//	}
//	op.Commit()
//
// # Thread Safety
//
// Not safe for concurrent use.
type AtomicOperation struct {
	name     string
	state    StateTracker
	executor RollbackExecutor
	log      *logging.Logger
	now      func() time.Time

	checkpointID string
	actions      []ReversibleAction
	begun        bool
	finished     bool
	committed    bool
}

// NewAtomicOperation creates an operation wrapper. Begin must be called
// before any side effect is recorded.
func NewAtomicOperation(name string, state StateTracker, executor RollbackExecutor, log *logging.Logger) *AtomicOperation {
	if log == nil {
		log = logging.Nop()
	}
	return &AtomicOperation{
		name:     name,
		state:    state,
		executor: executor,
		log:      log,
		now:      time.Now,
	}
}

// Name returns the operation name.
func (op *AtomicOperation) Name() string { return op.name }

// CheckpointID returns the backing checkpoint id, empty before Begin.
func (op *AtomicOperation) CheckpointID() string { return op.checkpointID }

// Begin opens the backing checkpoint.
func (op *AtomicOperation) Begin() Result {
	res := okResult()
	if op.begun {
		res.AddError("operation %s already begun", op.name)
		return res
	}
	started := op.now()
	created := op.state.CreateCheckpoint(AtomicPhase(op.name), CheckpointData{
		Operation: op.name,
		StartedAt: &started,
	})
	if !created.Success {
		return created.Result
	}
	op.checkpointID = created.CheckpointID
	op.begun = true
	op.log.Debug("atomic operation begun", "name", op.name, "checkpoint_id", op.checkpointID)
	return res
}

// RecordFileCreated records that the operation created a file.
func (op *AtomicOperation) RecordFileCreated(rel string) Result {
	return op.record(ReversibleAction{Kind: ActionFileCreated, Path: rel})
}

// RecordDirCreated records that the operation created a directory.
func (op *AtomicOperation) RecordDirCreated(rel string) Result {
	return op.record(ReversibleAction{Kind: ActionDirCreated, Path: rel})
}

// RecordFileModified records that the operation overwrote a file, keeping
// the prior content so a rollback can put it back.
func (op *AtomicOperation) RecordFileModified(rel string, prior []byte) Result {
	return op.record(ReversibleAction{Kind: ActionFileModified, Path: rel, Backup: string(prior)})
}

// record appends one action and persists the updated list on the
// checkpoint.
func (op *AtomicOperation) record(action ReversibleAction) Result {
	res := okResult()
	if !op.begun {
		res.AddError("%v: %s", ErrOpNotBegun, op.name)
		return res
	}
	if op.finished {
		res.AddError("%v: %s", ErrOpFinished, op.name)
		return res
	}
	if err := safeRel(action.Path); err != nil {
		res.AddError("recording action: %v", err)
		return res
	}
	op.actions = append(op.actions, action)
	upd := op.state.UpdateCheckpoint(op.checkpointID, CheckpointPatch{Actions: op.actions})
	res.Merge(upd)
	return res
}

// Commit marks the operation complete. Recorded actions stay on the
// checkpoint as history but will never be replayed.
func (op *AtomicOperation) Commit() Result {
	res := okResult()
	if !op.begun {
		res.AddError("%v: %s", ErrOpNotBegun, op.name)
		return res
	}
	if op.finished {
		res.AddError("%v: %s", ErrOpFinished, op.name)
		return res
	}
	status := StatusCommitted
	done := op.now()
	upd := op.state.UpdateCheckpoint(op.checkpointID, CheckpointPatch{
		Status:      &status,
		CompletedAt: &done,
	})
	res.Merge(upd)
	if res.Success {
		op.finished = true
		op.committed = true
		op.log.Debug("atomic operation committed", "name", op.name)
	}
	return res
}

// Rollback undoes the recorded actions unless the operation already
// committed, in which case it reports success without touching anything.
func (op *AtomicOperation) Rollback(ctx context.Context) RollbackResult {
	res := RollbackResult{Result: okResult(), Kind: RollbackPartial, Phase: AtomicPhase(op.name)}
	if !op.begun {
		res.AddError("%v: %s", ErrOpNotBegun, op.name)
		return res
	}
	if op.committed {
		res.AddWarning("operation %s already committed, nothing to roll back", op.name)
		return res
	}
	if op.finished {
		res.AddWarning("operation %s already rolled back", op.name)
		return res
	}

	res = op.executor.ExecutePartialRollback(ctx, AtomicPhase(op.name), op.checkpointID)

	status := StatusRolledBack
	done := op.now()
	upd := op.state.UpdateCheckpoint(op.checkpointID, CheckpointPatch{
		Status:      &status,
		CompletedAt: &done,
	})
	res.Merge(upd)
	op.finished = true
	return res
}

// RunAtomic wraps fn in an atomic operation: Begin, run, then Commit on
// success or Rollback on error. The returned result carries the failure
// and rollback outcome when fn errors.
func RunAtomic(ctx context.Context, name string, state StateTracker, executor RollbackExecutor, log *logging.Logger, fn func(op *AtomicOperation) error) Result {
	op := NewAtomicOperation(name, state, executor, log)
	res := op.Begin()
	if !res.Success {
		return res
	}
	if err := fn(op); err != nil {
		res.AddError("atomic operation %s: %v", name, err)
		rb := op.Rollback(ctx)
		res.Merge(rb.Result)
		return res
	}
	res.Merge(op.Commit())
	return res
}
