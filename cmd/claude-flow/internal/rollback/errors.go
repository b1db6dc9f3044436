// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollback

import (
	"errors"
	"fmt"
	"strings"
)

// Exit codes surfaced by the command layer.
const (
	ExitSuccess = 0 // Operation completed successfully
	ExitFailure = 1 // Operation failed
	ExitBadArgs = 2 // Invalid arguments
)

// Sentinel errors for the rollback subsystem. These never cross the package
// boundary directly; the component methods fold them into result errors. They
// exist so that internal call sites can classify causes with errors.Is.
var (
	// Configuration errors
	ErrEmptyWorkingDir    = errors.New("working directory must not be empty")
	ErrWorkingDirNotExist = errors.New("working directory does not exist")
	ErrInvalidKeepCount   = errors.New("keep count must be at least 1")
	ErrInvalidParallelism = errors.New("copy parallelism must be at least 1")

	// Backup errors
	ErrBackupNotFound     = errors.New("backup not found")
	ErrInvalidBackupID    = errors.New("backup id is not a valid identifier")
	ErrManifestUnreadable = errors.New("backup manifest cannot be read")
	ErrManifestCorrupted  = errors.New("backup manifest is corrupted")
	ErrBackupIncomplete   = errors.New("backup directory has no manifest")
	ErrPathTraversal      = errors.New("path escapes working directory")

	// State tracking errors
	ErrCheckpointNotFound  = errors.New("checkpoint not found")
	ErrInvalidCheckpointID = errors.New("checkpoint id is not a valid identifier")
	ErrStateCorrupted      = errors.New("state registry is corrupted")
	ErrContentNotFound     = errors.New("content pool entry not found")

	// Rollback errors
	ErrNoPreInitBackup    = errors.New("no pre-init rollback point recorded")
	ErrArtifactsRemaining = errors.New("initialization artifacts remain after rollback")
	ErrInvalidTransition  = errors.New("invalid run state transition")

	// Atomic operation errors
	ErrOpNotBegun = errors.New("atomic operation has not begun")
	ErrOpFinished = errors.New("atomic operation already finished")
)

// CopyError reports a failed copy of one path during backup or restore.
type CopyError struct {
	Src string
	Dst string
	Err error
}

// Error implements the error interface.
func (e *CopyError) Error() string {
	return fmt.Sprintf("copying %s to %s: %v", e.Src, e.Dst, e.Err)
}

// Unwrap returns the underlying error.
func (e *CopyError) Unwrap() error {
	return e.Err
}

// VerifyError reports initialization artifacts still present after a full
// rollback's removal and restore steps.
type VerifyError struct {
	Artifacts []string
}

// Error implements the error interface.
func (e *VerifyError) Error() string {
	return fmt.Sprintf("%v: %s", ErrArtifactsRemaining, strings.Join(e.Artifacts, ", "))
}

// Unwrap returns the sentinel cause.
func (e *VerifyError) Unwrap() error {
	return ErrArtifactsRemaining
}

// StateError wraps a state registry failure with the operation that hit it.
type StateError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("state %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StateError) Unwrap() error {
	return e.Err
}
