// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/claudeflow/claudeflow/pkg/logging"
)

// opKind names one kind of mutating operation for the overlap guard.
type opKind string

const (
	opIdle     opKind = "idle"
	opBackup   opKind = "backup"
	opRollback opKind = "rollback"
	opRecover  opKind = "recover"
	opValidate opKind = "validate"
)

// opGuard rejects overlapping operations on one system instance.
//
// The transition graph is a star around idle:
//
//	idle → backup      : backup, delete, retention sweep, or export
//	idle → rollback    : full or partial rollback
//	idle → recover     : automated recovery
//	idle → validate    : system or post-init validation
//	<busy> → idle      : operation finished, either outcome
//
// Busy kinds never transition to other busy kinds, so a second
// operation started while one is in flight fails with
// ErrInvalidTransition instead of interleaving filesystem mutations.
type opGuard struct {
	mu          sync.Mutex
	current     opKind
	transitions map[opKind]map[opKind]bool
}

func newOpGuard() *opGuard {
	g := &opGuard{
		current:     opIdle,
		transitions: make(map[opKind]map[opKind]bool),
	}
	for _, kind := range []opKind{opIdle, opBackup, opRollback, opRecover, opValidate} {
		g.transitions[kind] = make(map[opKind]bool)
	}
	for _, busy := range []opKind{opBackup, opRollback, opRecover, opValidate} {
		g.addTransition(opIdle, busy)
		g.addTransition(busy, opIdle)
	}
	return g
}

func (g *opGuard) addTransition(from, to opKind) {
	g.transitions[from][to] = true
}

// canTransition checks whether moving from one kind to another is valid.
func (g *opGuard) canTransition(from, to opKind) bool {
	if toMap, ok := g.transitions[from]; ok {
		return toMap[to]
	}
	return false
}

// begin moves the guard from idle into a busy kind.
func (g *opGuard) begin(to opKind) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.canTransition(g.current, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.current, to)
	}
	g.current = to
	return nil
}

// end returns the guard to idle.
func (g *opGuard) end() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current = opIdle
}

// RollbackSystem is the facade over the backup, state, rollback, recovery,
// and validation components.
//
// # Description
//
// One RollbackSystem owns one working directory. All collaborators are
// constructed from the same configuration, and every cross-component
// workflow (backup plus rollback point, rollback with checkpoint
// resolution, recovery with retention sweeps) goes through here so the
// pieces never disagree about paths.
//
// There is no package-level instance. Callers construct a system
// explicitly and pass it where it is needed.
//
// # Example
//
//	sys, err := rollback.NewRollbackSystem(rollback.Config{WorkingDir: dir}, log)
//	if err != nil {
//		return err
//	}
//	backup := sys.CreatePreInitBackup(ctx, "before template rollout")
//	if !backup.Success {
//		return fmt.Errorf("backup failed: %v", backup.Errors)
//	}
//
// # Thread Safety
//
// Safe for concurrent use: an operation guard serializes mutating
// operations, rejecting overlap instead of blocking. The run lifecycle
// advances under its own lock as operations finish.
type RollbackSystem struct {
	cfg       Config
	log       *logging.Logger
	backups   BackupManager
	state     StateTracker
	executor  RollbackExecutor
	recovery  RecoveryManager
	validator PostInitValidator
	ops       *opGuard
	life      *runLifecycle
}

// NewRollbackSystem wires a system for cfg.WorkingDir. The configuration
// is validated up front; a nil logger falls back to a silent one. The
// run lifecycle starts from whatever the persisted registry shows, so a
// fresh process sees the state earlier invocations left behind.
func NewRollbackSystem(cfg Config, log *logging.Logger) (*RollbackSystem, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop()
	}

	backups := NewDefaultBackupManager(cfg, log)
	state := NewFileStateTracker(cfg, log)
	life := newRunLifecycle(deriveRunState(state.GetRollbackPoints(), state.GetCheckpoints(), state.GetRollbackHistory()))
	return &RollbackSystem{
		cfg:       cfg,
		log:       log,
		backups:   backups,
		state:     state,
		executor:  NewDefaultRollbackExecutor(cfg, backups, state, log),
		recovery:  NewDefaultRecoveryManager(cfg, backups, log),
		validator: NewDefaultPostInitValidator(cfg, log),
		ops:       newOpGuard(),
		life:      life,
	}, nil
}

// Config returns a copy of the active configuration.
func (s *RollbackSystem) Config() Config { return s.cfg }

// RunState returns the current run lifecycle state.
func (s *RollbackSystem) RunState() RunState { return s.life.Current() }

// advanceRun moves the run lifecycle, reporting an illegal move as a
// warning on res. The filesystem outcome is already decided by the time
// this runs; it never flips Success.
func (s *RollbackSystem) advanceRun(res *Result, to RunState) {
	if err := s.life.To(to); err != nil {
		res.AddWarning("run lifecycle: %v", err)
	}
}

// failRun marks the run failed where the lifecycle allows it. Working
// directories with no run underway stay where they are.
func (s *RollbackSystem) failRun() {
	if s.life.CanTransition(s.life.Current(), RunFailed) {
		if err := s.life.To(RunFailed); err != nil {
			s.log.Warn("run lifecycle", "error", err)
		}
	}
}

// CreatePreInitBackup captures the working directory before initialization
// mutates it and records the backup as the pre-init rollback point. A
// successful backup opens a fresh run: the lifecycle restarts at
// backed-up no matter where the previous run ended, with a warning when
// the previous run was still unsettled.
func (s *RollbackSystem) CreatePreInitBackup(ctx context.Context, description string) BackupResult {
	if err := s.ops.begin(opBackup); err != nil {
		res := BackupResult{Result: okResult()}
		res.AddError("%v", err)
		return res
	}
	defer s.ops.end()

	res := s.backups.CreateBackup(ctx, BackupTypePreInit, description)
	if !res.Success {
		return res
	}
	if point := s.state.RecordRollbackPoint(BackupTypePreInit, res.ID, description); !point.Success {
		res.Merge(point)
		return res
	}
	switch prev := s.life.Current(); prev {
	case RunInProgress, RunRecoveryAttempted, RunPartiallyRolledBack:
		res.AddWarning("previous run ended %s, new backup starts a fresh run", prev)
	}
	s.life.restart(RunBackedUp)
	return res
}

// CreateCheckpoint records a pending checkpoint for a phase and moves
// the run into its in-progress state.
func (s *RollbackSystem) CreateCheckpoint(phase Phase, data CheckpointData) CheckpointResult {
	res := s.state.CreateCheckpoint(phase, data)
	if res.Success {
		s.advanceRun(&res.Result, RunInProgress)
	}
	return res
}

// Atomic returns an operation wrapper bound to this system's tracker and
// executor.
func (s *RollbackSystem) Atomic(name string) *AtomicOperation {
	return NewAtomicOperation(name, s.state, s.executor, s.log)
}

// RunAtomic runs fn under an atomic operation, committing on success and
// rolling back on error. The run lifecycle tracks the outcome: committed
// on success, recovery-attempted then partially-rolled-back on failure.
func (s *RollbackSystem) RunAtomic(ctx context.Context, name string, fn func(op *AtomicOperation) error) Result {
	entryErr := s.life.To(RunInProgress)
	res := RunAtomic(ctx, name, s.state, s.executor, s.log, fn)
	if entryErr != nil {
		res.AddWarning("run lifecycle: %v", entryErr)
		return res
	}
	if res.Success {
		s.advanceRun(&res, RunCommitted)
		return res
	}
	s.advanceRun(&res, RunRecoveryAttempted)
	s.advanceRun(&res, RunPartiallyRolledBack)
	return res
}

// PerformFullRollback restores the working directory from a pre-init
// backup. An empty backupID resolves to the most recent pre-init rollback
// point.
func (s *RollbackSystem) PerformFullRollback(ctx context.Context, backupID string) RollbackResult {
	res := RollbackResult{Result: okResult(), Kind: RollbackFull}
	if err := s.ops.begin(opRollback); err != nil {
		res.AddError("%v", err)
		return res
	}
	defer s.ops.end()

	if backupID == "" {
		id, err := s.latestPreInitBackupID()
		if err != nil {
			res.AddError("%v", err)
			return res
		}
		backupID = id
	}
	res = s.executor.ExecuteFullRollback(ctx, backupID)
	if res.Success {
		s.advanceRun(&res.Result, RunFullyRolledBack)
	} else {
		s.failRun()
	}
	return res
}

// latestPreInitBackupID resolves the newest pre-init rollback point.
func (s *RollbackSystem) latestPreInitBackupID() (string, error) {
	for _, point := range s.state.GetRollbackPoints() {
		if point.Type == BackupTypePreInit && point.BackupID != "" {
			return point.BackupID, nil
		}
	}
	return "", ErrNoPreInitBackup
}

// PerformPartialRollback reverses one phase. An empty checkpointID
// resolves to the phase's most recent checkpoint; phases with dedicated
// reversal routines run fine without one, the generic fallback does not.
func (s *RollbackSystem) PerformPartialRollback(ctx context.Context, phase Phase, checkpointID string) RollbackResult {
	res := RollbackResult{Result: okResult(), Kind: RollbackPartial, Phase: phase}
	if err := s.ops.begin(opRollback); err != nil {
		res.AddError("%v", err)
		return res
	}
	defer s.ops.end()

	if checkpointID == "" {
		ckpt, err := s.state.LatestCheckpoint(phase)
		switch {
		case err == nil:
			checkpointID = ckpt.ID
		case !phase.Known():
			res.AddError("phase %s has no reversal routine and no checkpoint to replay: %v", phase, err)
			return res
		}
	}

	res = s.executor.ExecutePartialRollback(ctx, phase, checkpointID)
	if !res.Success {
		s.failRun()
		return res
	}
	if checkpointID != "" {
		status := StatusRolledBack
		done := time.Now()
		if upd := s.state.UpdateCheckpoint(checkpointID, CheckpointPatch{Status: &status, CompletedAt: &done}); !upd.Success {
			res.AddWarning("checkpoint %s not marked rolled back: %v", checkpointID, upd.Errors)
		}
	}
	s.advanceRun(&res.Result, RunPartiallyRolledBack)
	return res
}

// PerformAutoRecovery runs the repair routine for a classified failure.
// A successful repair moves the run back to in-progress; a failed one
// leaves it at recovery-attempted for a later retry or rollback.
func (s *RollbackSystem) PerformAutoRecovery(ctx context.Context, failureType string, info map[string]string) RecoveryResult {
	res := RecoveryResult{Result: okResult(), FailureType: ParseFailureType(failureType)}
	if err := s.ops.begin(opRecover); err != nil {
		res.AddError("%v", err)
		return res
	}
	defer s.ops.end()

	entryErr := s.life.To(RunRecoveryAttempted)
	res = s.recovery.PerformRecovery(ctx, failureType, info)
	if entryErr != nil {
		res.AddWarning("run lifecycle: %v", entryErr)
		return res
	}
	if res.Success {
		s.advanceRun(&res.Result, RunInProgress)
	}
	return res
}

// ValidateInitialization runs the post-initialization checks. A clean
// report on a fully committed run completes the run.
func (s *RollbackSystem) ValidateInitialization() ValidationResult {
	res := ValidationResult{Result: okResult()}
	if err := s.ops.begin(opValidate); err != nil {
		res.AddError("%v", err)
		return res
	}
	defer s.ops.end()

	res = s.validator.Validate()
	if res.Success && s.life.Current() == RunCommitted {
		s.advanceRun(&res.Result, RunCompleted)
	}
	return res
}

// ValidateSystem checks the rollback machinery itself: backup round trip,
// state registry health, and recovery self-tests.
func (s *RollbackSystem) ValidateSystem(ctx context.Context) Result {
	res := okResult()
	if err := s.ops.begin(opValidate); err != nil {
		res.AddError("%v", err)
		return res
	}
	defer s.ops.end()

	res.Merge(s.backups.ValidateBackupSystem(ctx))
	res.Merge(s.state.ValidateStateTracking())
	res.Merge(s.recovery.ValidateRecoverySystem(ctx))
	return res
}

// ListBackups returns all backups, newest first.
func (s *RollbackSystem) ListBackups() []Backup {
	return s.backups.ListBackups()
}

// GetBackup loads one backup's manifest.
func (s *RollbackSystem) GetBackup(id string) (*Backup, error) {
	return s.backups.GetBackup(id)
}

// DeleteBackup removes one backup directory entirely.
func (s *RollbackSystem) DeleteBackup(id string) Result {
	res := okResult()
	if err := s.ops.begin(opBackup); err != nil {
		res.AddError("%v", err)
		return res
	}
	defer s.ops.end()

	return s.backups.DeleteBackup(id)
}

// ListRollbackPoints returns the rollback point log, newest first.
func (s *RollbackSystem) ListRollbackPoints() []RollbackPoint {
	return s.state.GetRollbackPoints()
}

// ListCheckpoints returns all checkpoints, newest first.
func (s *RollbackSystem) ListCheckpoints() []Checkpoint {
	return s.state.GetCheckpoints()
}

// CleanupOldBackups deletes all but the newest keep backups.
func (s *RollbackSystem) CleanupOldBackups(keep int) CleanupResult {
	res := CleanupResult{Result: okResult()}
	if err := s.ops.begin(opBackup); err != nil {
		res.AddError("%v", err)
		return res
	}
	defer s.ops.end()

	return s.backups.CleanupOldBackups(keep)
}

// ExportBackup writes one backup as a compressed tar archive.
func (s *RollbackSystem) ExportBackup(ctx context.Context, backupID, destPath string) Result {
	if err := s.ops.begin(opBackup); err != nil {
		res := okResult()
		res.AddError("%v", err)
		return res
	}
	defer s.ops.end()

	return s.backups.ExportBackup(ctx, backupID, destPath)
}
