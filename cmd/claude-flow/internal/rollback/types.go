// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollback

import (
	"fmt"
	"strings"
	"time"
)

// On-disk names used by the subsystem. Backup snapshots live in their own
// top-level directory; tracker state lives under the claude-flow metadata
// directory so it is itself subject to backup and rollback.
const (
	// BackupDirName is the directory under workingDir holding all backups.
	BackupDirName = ".claude-flow-backups"

	// MetaDirName is the claude-flow metadata directory under workingDir.
	MetaDirName = ".claude-flow"

	// StateDirName is the tracker state directory under MetaDirName.
	StateDirName = "state"

	// ContentPoolDirName is the compressed content pool under StateDirName.
	ContentPoolDirName = "content"

	// StateFileName is the tracker registry document under StateDirName.
	StateFileName = "rollback-state.json"

	// ManifestFileName describes one backup's contents.
	ManifestFileName = "manifest.json"

	// MetadataFileName summarizes one backup's size and counts.
	MetadataFileName = "metadata.json"

	// StateFormatVersion is bumped on incompatible registry layout changes.
	StateFormatVersion = "1.0"
)

// BackupTypePreInit is the backup type recorded before initialization begins.
const BackupTypePreInit = "pre-init"

// Critical paths snapshotted by CreateBackup. Only entries that exist under
// workingDir at backup time are captured.
var (
	criticalFiles = []string{
		"CLAUDE.md",
		"memory-bank.md",
		"coordination.md",
		".roomodes",
	}
	criticalDirs = []string{
		".claude",
		".roo",
		"memory",
		"coordination",
	}
)

// Initialization artifacts removed by a full rollback and re-checked by its
// verification step. The local wrapper script is a file artifact.
var (
	initArtifactFiles = []string{
		"CLAUDE.md",
		"memory-bank.md",
		"coordination.md",
		".roomodes",
		"claude-flow",
	}
	initArtifactDirs = []string{
		".claude",
		".roo",
		"memory",
		"coordination",
	}
)

// InitArtifacts returns the relative paths a full rollback removes before
// restoring, files then directories. Callers use it to preview the blast
// radius of a rollback; the returned slices are copies.
func InitArtifacts() (files, dirs []string) {
	files = append(files, initArtifactFiles...)
	dirs = append(dirs, initArtifactDirs...)
	return files, dirs
}

// ===== PHASES =====

// Phase identifies one initialization step for checkpointing and reversal.
//
// # Description
//
// The five named phases have dedicated reversal routines. Any other value
// (most commonly an atomic-operation tag produced by AtomicPhase) is reversed
// through the generic checkpoint-action fallback.
type Phase string

const (
	// PhaseSparcInit creates SPARC development artifacts.
	PhaseSparcInit Phase = "sparc-init"

	// PhaseClaudeCommands creates the Claude command directory tree.
	PhaseClaudeCommands Phase = "claude-commands"

	// PhaseMemorySetup creates the agent memory tree and its data file.
	PhaseMemorySetup Phase = "memory-setup"

	// PhaseCoordinationSetup creates the coordination tree.
	PhaseCoordinationSetup Phase = "coordination-setup"

	// PhaseExecutableCreation creates the local claude-flow wrapper script.
	PhaseExecutableCreation Phase = "executable-creation"
)

// atomicPhasePrefix tags checkpoints created by AtomicOperation.Begin.
const atomicPhasePrefix = "atomic-"

// AtomicPhase returns the checkpoint phase for a named atomic operation.
func AtomicPhase(name string) Phase {
	return Phase(atomicPhasePrefix + name)
}

// IsAtomic reports whether p tags an atomic operation.
func (p Phase) IsAtomic() bool {
	return strings.HasPrefix(string(p), atomicPhasePrefix)
}

// knownPhases is the closed set of phases with dedicated reversal routines.
var knownPhases = map[Phase]bool{
	PhaseSparcInit:          true,
	PhaseClaudeCommands:     true,
	PhaseMemorySetup:        true,
	PhaseCoordinationSetup:  true,
	PhaseExecutableCreation: true,
}

// Known reports whether p has a dedicated reversal routine.
func (p Phase) Known() bool {
	return knownPhases[p]
}

// String implements fmt.Stringer.
func (p Phase) String() string {
	return string(p)
}

// ===== CHECKPOINT STATUS =====

// CheckpointStatus tracks how a checkpoint was resolved.
type CheckpointStatus string

const (
	// StatusPending means the checkpoint's phase has not been resolved.
	StatusPending CheckpointStatus = "pending"

	// StatusCommitted means the phase completed and its work is permanent.
	StatusCommitted CheckpointStatus = "committed"

	// StatusRolledBack means the phase's side effects were reversed.
	StatusRolledBack CheckpointStatus = "rolled-back"
)

// ===== REVERSIBLE ACTIONS =====

// ActionKind classifies one recorded side effect on a checkpoint.
type ActionKind string

const (
	// ActionFileCreated marks a file that did not exist before the phase.
	ActionFileCreated ActionKind = "file_created"

	// ActionDirCreated marks a directory that did not exist before the phase.
	ActionDirCreated ActionKind = "directory_created"

	// ActionFileModified marks an overwrite; the prior content is retained
	// inline or in the content pool.
	ActionFileModified ActionKind = "file_modified"
)

// ReversibleAction records one side effect so the generic fallback can undo
// it. For ActionFileModified exactly one of Backup (small, inline) or
// ContentRef (sha256 key into the content pool) carries the prior content.
type ReversibleAction struct {
	Kind       ActionKind `json:"type"`
	Path       string     `json:"path"`
	Backup     string     `json:"backup,omitempty"`
	ContentRef string     `json:"contentRef,omitempty"`
}

// ===== FAILURE TYPES =====

// FailureType classifies an initialization failure for automated recovery.
type FailureType string

const (
	FailurePermissionDenied   FailureType = "permission-denied"
	FailureDiskSpace          FailureType = "disk-space"
	FailureMissingDeps        FailureType = "missing-dependencies"
	FailureCorruptedConfig    FailureType = "corrupted-config"
	FailurePartialInit        FailureType = "partial-initialization"
	FailureSparc              FailureType = "sparc-failure"
	FailureExecutableCreation FailureType = "executable-creation-failure"
	FailureMemorySetup        FailureType = "memory-setup-failure"

	// FailureUnknown routes to the generic recovery handler.
	FailureUnknown FailureType = "unknown"
)

// knownFailureTypes is the closed dispatch set for ParseFailureType.
var knownFailureTypes = map[FailureType]bool{
	FailurePermissionDenied:   true,
	FailureDiskSpace:          true,
	FailureMissingDeps:        true,
	FailureCorruptedConfig:    true,
	FailurePartialInit:        true,
	FailureSparc:              true,
	FailureExecutableCreation: true,
	FailureMemorySetup:        true,
}

// ParseFailureType maps a raw classification string onto the closed enum.
// Unrecognized values map to FailureUnknown rather than erroring so that the
// generic handler remains reachable for new failure classes.
func ParseFailureType(s string) FailureType {
	ft := FailureType(strings.ToLower(strings.TrimSpace(s)))
	if knownFailureTypes[ft] {
		return ft
	}
	return FailureUnknown
}

// ===== ROLLBACK KINDS =====

// RollbackKind distinguishes full restores from phase-scoped reversals.
type RollbackKind string

const (
	RollbackFull    RollbackKind = "full"
	RollbackPartial RollbackKind = "partial"
)

// ===== DATA MODEL =====

// FileEntry describes one backed-up file in a manifest.
type FileEntry struct {
	// Path is relative to the working directory.
	Path string `json:"path"`

	// BackupPath is relative to the backup's own directory.
	BackupPath string `json:"backupPath"`

	// Size is the byte size at capture time.
	Size int64 `json:"size"`

	// Mtime is the modification time at capture time.
	Mtime time.Time `json:"mtime"`
}

// DirEntry describes one backed-up directory tree in a manifest.
type DirEntry struct {
	Path       string `json:"path"`
	BackupPath string `json:"backupPath"`
}

// Backup is the manifest document for one snapshot.
//
// # Description
//
// A Backup is immutable once written. The manifest is the single source of
// truth for restoration: only manifested entries are copied back, in manifest
// order. The id embeds the backup type and a millisecond timestamp, e.g.
// "pre-init-1756102456789".
type Backup struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	CreatedAt   time.Time   `json:"timestamp"`
	WorkingDir  string      `json:"workingDir"`
	Files       []FileEntry `json:"files"`
	Directories []DirEntry  `json:"directories"`
}

// BackupMetadata summarizes a backup for listing without reading the
// manifest body.
type BackupMetadata struct {
	Created   time.Time `json:"created"`
	Size      int64     `json:"size"`
	FileCount int       `json:"fileCount"`
	DirCount  int       `json:"dirCount"`
}

// RollbackPoint names the backup to use for one rollback category.
type RollbackPoint struct {
	Type      string    `json:"type"`
	BackupID  string    `json:"backupId"`
	CreatedAt time.Time `json:"timestamp"`
	Label     string    `json:"state"`
}

// CheckpointData is the payload recorded with a checkpoint. Operation and
// StartedAt are set by atomic operations; Actions feeds the generic reversal
// fallback; Extra carries any phase-specific values.
type CheckpointData struct {
	Operation string             `json:"operation,omitempty"`
	StartedAt *time.Time         `json:"startedAt,omitempty"`
	Actions   []ReversibleAction `json:"actions,omitempty"`
	Extra     map[string]any     `json:"extra,omitempty"`
}

// Checkpoint marks progress within one phase.
type Checkpoint struct {
	ID          string           `json:"id"`
	Phase       Phase            `json:"phase"`
	Data        CheckpointData   `json:"data"`
	Status      CheckpointStatus `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

// CheckpointPatch is a partial checkpoint update. Nil fields are untouched.
// A non-nil Actions slice replaces the checkpoint's recorded action list.
type CheckpointPatch struct {
	Status      *CheckpointStatus
	CompletedAt *time.Time
	Actions     []ReversibleAction
	Extra       map[string]any
}

// RollbackRecord is one entry in the append-only rollback history.
type RollbackRecord struct {
	Target string       `json:"target"`
	Kind   RollbackKind `json:"kind"`
	Phase  Phase        `json:"phase,omitempty"`
	At     time.Time    `json:"timestamp"`
}

// ===== RESULTS =====

// Result is the uniform outcome shape shared by every public operation.
//
// # Description
//
// No operation in this package panics or returns a raw error across the
// package boundary; outcomes are reported by value. Success reflects whether
// the operation's primary goal was achieved. Errors are fatal findings;
// Warnings cover sub-items that failed while the overall intent was still
// substantially achieved.
type Result struct {
	Success  bool     `json:"success"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// okResult returns a Result that starts successful.
func okResult() Result {
	return Result{Success: true}
}

// AddError appends a formatted error and clears Success.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Success = false
}

// AddWarning appends a formatted warning. Success is unaffected.
func (r *Result) AddWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Merge folds another result into r. Errors and warnings are appended;
// Success drops to false if other failed.
func (r *Result) Merge(other Result) {
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	if !other.Success {
		r.Success = false
	}
}

// BackupResult reports a CreateBackup call.
type BackupResult struct {
	Result
	ID       string   `json:"id,omitempty"`
	Location string   `json:"location,omitempty"`
	Files    []string `json:"files,omitempty"`
}

// RestoreResult reports a RestoreBackup call.
type RestoreResult struct {
	Result
	Restored []string `json:"restored,omitempty"`
}

// CleanupResult reports a retention sweep.
type CleanupResult struct {
	Result
	Deleted []string `json:"deleted,omitempty"`
}

// CheckpointResult reports checkpoint creation.
type CheckpointResult struct {
	Result
	CheckpointID string `json:"checkpointId,omitempty"`
}

// RollbackResult reports a full or partial rollback.
type RollbackResult struct {
	Result
	Kind    RollbackKind `json:"kind"`
	Phase   Phase        `json:"phase,omitempty"`
	Actions []string     `json:"actions,omitempty"`
}

// RecoveryResult reports one recovery attempt. Actions lists the remediation
// steps taken (or suggested, for the generic handler).
type RecoveryResult struct {
	Result
	FailureType FailureType `json:"failureType"`
	Actions     []string    `json:"actions,omitempty"`
}

// ===== VALIDATION TYPES =====

// FileIntegrity is the per-file outcome of an integrity check.
type FileIntegrity string

const (
	IntegrityOK            FileIntegrity = "ok"
	IntegrityTooSmall      FileIntegrity = "too_small"
	IntegrityNotExecutable FileIntegrity = "not_executable"
	IntegrityUnreadable    FileIntegrity = "unreadable"
	IntegrityMissing       FileIntegrity = "missing"
	IntegrityWrongMode     FileIntegrity = "wrong_mode"
)

// FileCheck is one file's integrity verdict.
type FileCheck struct {
	Path   string        `json:"path"`
	Status FileIntegrity `json:"status"`
	Detail string        `json:"detail,omitempty"`
}

// ValidationResult aggregates post-initialization checks.
type ValidationResult struct {
	Result
	Checks []FileCheck `json:"checks,omitempty"`
}
