// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/claudeflow/claudeflow/cmd/claude-flow/internal/rollback"
)

// Run lock errors.
var (
	// ErrRunLockHeld means another claude-flow process is operating on the
	// same working directory.
	ErrRunLockHeld = errors.New("another claude-flow process holds the run lock")

	// ErrRunLockFailed wraps unexpected failures while acquiring the lock.
	ErrRunLockFailed = errors.New("failed to acquire run lock")
)

// RunLockFileName is the lock file under the claude-flow metadata directory.
const RunLockFileName = "init.lock"

// StaleLockAge is the age past which an apparently held lock is treated as
// left behind by a crashed process.
const StaleLockAge = 1 * time.Hour

// RunLock serializes mutating commands against one working directory.
//
// # Description
//
// An advisory flock on <workingDir>/.claude-flow/init.lock. Concurrent
// invocations against the same directory fail fast with ErrRunLockHeld
// instead of interleaving filesystem mutations. The lock file records the
// holder's PID so a crashed holder can be detected and cleared.
//
// # Thread Safety
//
// RunLock is NOT safe for concurrent use. Each invocation owns its own
// instance.
type RunLock struct {
	path string
	file *os.File
}

// NewRunLock creates a lock handle for the given working directory. The
// lock is not yet acquired.
func NewRunLock(workingDir string) (*RunLock, error) {
	if workingDir == "" {
		return nil, rollback.ErrEmptyWorkingDir
	}
	return &RunLock{
		path: filepath.Join(workingDir, rollback.MetaDirName, RunLockFileName),
	}, nil
}

// Acquire takes the exclusive lock, creating the lock file as needed.
// Returns ErrRunLockHeld when another process owns it.
func (l *RunLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("%w: creating lock directory: %v", ErrRunLockFailed, err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening lock file: %v", ErrRunLockFailed, err)
	}

	held, err := flockTry(int(file.Fd()))
	if err != nil {
		file.Close()
		return fmt.Errorf("%w: flock: %v", ErrRunLockFailed, err)
	}
	if held {
		file.Close()
		return ErrRunLockHeld
	}

	// Record the holder for staleness checks. Failures here are not fatal;
	// the flock itself is the lock.
	if err := file.Truncate(0); err == nil {
		if _, err := file.Seek(0, 0); err == nil {
			fmt.Fprintf(file, "pid=%d\ntime=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
		}
	}

	l.file = file
	return nil
}

// Release drops the lock and removes the lock file. Safe to call twice or
// on an unacquired lock.
func (l *RunLock) Release() error {
	if l.file == nil {
		return nil
	}

	_ = flockDrop(int(l.file.Fd()))
	err := l.file.Close()
	l.file = nil
	_ = os.Remove(l.path)
	return err
}

// HolderPID reads the PID recorded in the lock file, or 0 when unknown.
func (l *RunLock) HolderPID() int {
	content, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	var pid int
	if _, err := fmt.Sscanf(string(content), "pid=%d", &pid); err != nil {
		return 0
	}
	return pid
}

// IsStale reports whether the lock file was left behind by a dead or
// long-gone process: older than StaleLockAge, or the recorded holder no
// longer exists.
func (l *RunLock) IsStale() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) > StaleLockAge {
		return true
	}
	if pid := l.HolderPID(); pid > 0 && !processAlive(pid) {
		return true
	}
	return false
}

// ForceRelease removes the lock file without holding it. Only call after
// IsStale confirms the holder is gone.
func (l *RunLock) ForceRelease() error {
	return os.Remove(l.path)
}

// acquireRunLock takes the run lock for a mutating command, clearing one
// stale lock if necessary, and exits the process when another invocation
// genuinely holds it.
func acquireRunLock(workingDir string) *RunLock {
	lock, err := NewRunLock(workingDir)
	if err != nil {
		outputError("Cannot create run lock", err)
		os.Exit(rollback.ExitBadArgs)
	}

	err = lock.Acquire()
	if errors.Is(err, ErrRunLockHeld) && lock.IsStale() {
		if rmErr := lock.ForceRelease(); rmErr == nil {
			err = lock.Acquire()
		}
	}
	if err != nil {
		if pid := lock.HolderPID(); pid > 0 {
			outputError("Working directory is busy", fmt.Errorf("%w (pid %d)", err, pid))
		} else {
			outputError("Working directory is busy", err)
		}
		os.Exit(rollback.ExitFailure)
	}
	return lock
}
