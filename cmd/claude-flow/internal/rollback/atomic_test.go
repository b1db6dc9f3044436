// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollback

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newAtomicFixture(t *testing.T) (*FileStateTracker, *DefaultRollbackExecutor, string) {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	backups := NewDefaultBackupManager(cfg, nil)
	state := NewFileStateTracker(cfg, nil)
	return state, NewDefaultRollbackExecutor(cfg, backups, state, nil), cfg.WorkingDir
}

func checkpointStatus(t *testing.T, state *FileStateTracker, id string) CheckpointStatus {
	t.Helper()
	ckpt, err := state.GetCheckpoint(id)
	if err != nil {
		t.Fatalf("GetCheckpoint(%s): %v", id, err)
	}
	return ckpt.Status
}

func TestAtomicOperation_CommitFlow(t *testing.T) {
	state, ex, wd := newAtomicFixture(t)
	op := NewAtomicOperation("write-templates", state, ex, nil)

	if res := op.Begin(); !res.Success {
		t.Fatalf("Begin failed: %v", res.Errors)
	}
	if op.CheckpointID() == "" {
		t.Fatal("CheckpointID empty after Begin")
	}
	if got := checkpointStatus(t, state, op.CheckpointID()); got != StatusPending {
		t.Errorf("status after Begin = %q, want pending", got)
	}

	seedFile(t, wd, "CLAUDE.md", "template")
	if res := op.RecordFileCreated("CLAUDE.md"); !res.Success {
		t.Fatalf("RecordFileCreated failed: %v", res.Errors)
	}

	if res := op.Commit(); !res.Success {
		t.Fatalf("Commit failed: %v", res.Errors)
	}
	if got := checkpointStatus(t, state, op.CheckpointID()); got != StatusCommitted {
		t.Errorf("status after Commit = %q, want committed", got)
	}
	if !pathExists(filepath.Join(wd, "CLAUDE.md")) {
		t.Error("committed file should remain")
	}

	ckpt, err := state.GetCheckpoint(op.CheckpointID())
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if ckpt.CompletedAt == nil {
		t.Error("CompletedAt not set by Commit")
	}
	if !ckpt.Phase.IsAtomic() {
		t.Errorf("Phase = %q, want atomic tag", ckpt.Phase)
	}
}

func TestAtomicOperation_RollbackUndoesRecordedWork(t *testing.T) {
	state, ex, wd := newAtomicFixture(t)
	seedFile(t, wd, "CLAUDE.md", "original user content")

	op := NewAtomicOperation("risky-edit", state, ex, nil)
	if res := op.Begin(); !res.Success {
		t.Fatalf("Begin failed: %v", res.Errors)
	}

	// The operation records each mutation as it happens.
	prior := readFile(t, wd, "CLAUDE.md")
	seedFile(t, wd, "CLAUDE.md", "overwritten")
	if res := op.RecordFileModified("CLAUDE.md", prior); !res.Success {
		t.Fatalf("RecordFileModified failed: %v", res.Errors)
	}
	seedFile(t, wd, "generated.txt", "new")
	if res := op.RecordFileCreated("generated.txt"); !res.Success {
		t.Fatalf("RecordFileCreated failed: %v", res.Errors)
	}
	seedDir(t, wd, "gen-dir")
	if res := op.RecordDirCreated("gen-dir"); !res.Success {
		t.Fatalf("RecordDirCreated failed: %v", res.Errors)
	}

	rb := op.Rollback(context.Background())
	if !rb.Success {
		t.Fatalf("Rollback failed: %v", rb.Errors)
	}
	if got := readFile(t, wd, "CLAUDE.md"); string(got) != "original user content" {
		t.Errorf("CLAUDE.md = %q, want original", got)
	}
	if pathExists(filepath.Join(wd, "generated.txt")) || pathExists(filepath.Join(wd, "gen-dir")) {
		t.Error("created artifacts survived rollback")
	}
	if got := checkpointStatus(t, state, op.CheckpointID()); got != StatusRolledBack {
		t.Errorf("status after Rollback = %q, want rolled-back", got)
	}
}

// TestAtomicOperation_RollbackAfterCommit pins the no-op contract: once
// committed, rollback must not undo anything.
func TestAtomicOperation_RollbackAfterCommit(t *testing.T) {
	state, ex, wd := newAtomicFixture(t)
	op := NewAtomicOperation("tpl", state, ex, nil)

	if res := op.Begin(); !res.Success {
		t.Fatalf("Begin failed: %v", res.Errors)
	}
	seedFile(t, wd, "kept.txt", "committed work")
	if res := op.RecordFileCreated("kept.txt"); !res.Success {
		t.Fatalf("RecordFileCreated failed: %v", res.Errors)
	}
	if res := op.Commit(); !res.Success {
		t.Fatalf("Commit failed: %v", res.Errors)
	}

	rb := op.Rollback(context.Background())
	if !rb.Success {
		t.Fatalf("Rollback after Commit should succeed as a no-op: %v", rb.Errors)
	}
	if len(rb.Warnings) == 0 || !strings.Contains(rb.Warnings[0], "already committed") {
		t.Errorf("Warnings = %v, want already committed note", rb.Warnings)
	}
	if !pathExists(filepath.Join(wd, "kept.txt")) {
		t.Error("committed file was removed by post-commit rollback")
	}
	if got := checkpointStatus(t, state, op.CheckpointID()); got != StatusCommitted {
		t.Errorf("status = %q, want committed to stick", got)
	}
}

func TestAtomicOperation_LifecycleGuards(t *testing.T) {
	state, ex, _ := newAtomicFixture(t)
	op := NewAtomicOperation("guarded", state, ex, nil)

	if res := op.RecordFileCreated("x.txt"); res.Success {
		t.Error("Record before Begin should fail")
	}
	if res := op.Commit(); res.Success {
		t.Error("Commit before Begin should fail")
	}
	if rb := op.Rollback(context.Background()); rb.Success {
		t.Error("Rollback before Begin should fail")
	}

	if res := op.Begin(); !res.Success {
		t.Fatalf("Begin failed: %v", res.Errors)
	}
	if res := op.Begin(); res.Success {
		t.Error("second Begin should fail")
	}

	if res := op.RecordFileCreated("../escape.txt"); res.Success {
		t.Error("escaping path should be rejected")
	}

	if res := op.Commit(); !res.Success {
		t.Fatalf("Commit failed: %v", res.Errors)
	}
	if res := op.Commit(); res.Success {
		t.Error("second Commit should fail")
	}
	if res := op.RecordFileCreated("late.txt"); res.Success {
		t.Error("Record after Commit should fail")
	}
}

func TestAtomicOperation_DoubleRollback(t *testing.T) {
	state, ex, wd := newAtomicFixture(t)
	op := NewAtomicOperation("twice", state, ex, nil)
	if res := op.Begin(); !res.Success {
		t.Fatalf("Begin failed: %v", res.Errors)
	}
	seedFile(t, wd, "tmp.txt", "x")
	if res := op.RecordFileCreated("tmp.txt"); !res.Success {
		t.Fatalf("RecordFileCreated failed: %v", res.Errors)
	}

	if rb := op.Rollback(context.Background()); !rb.Success {
		t.Fatalf("first Rollback failed: %v", rb.Errors)
	}
	second := op.Rollback(context.Background())
	if !second.Success {
		t.Fatalf("second Rollback should be a warning no-op: %v", second.Errors)
	}
	if len(second.Warnings) == 0 {
		t.Error("expected already-rolled-back warning")
	}
}

// ===== RunAtomic =====

func TestRunAtomic_CommitsOnSuccess(t *testing.T) {
	state, ex, wd := newAtomicFixture(t)

	res := RunAtomic(context.Background(), "setup", state, ex, nil, func(op *AtomicOperation) error {
		seedFileNoT(wd, "out.txt", "done")
		if r := op.RecordFileCreated("out.txt"); !r.Success {
			return errors.New(strings.Join(r.Errors, "; "))
		}
		return nil
	})
	if !res.Success {
		t.Fatalf("RunAtomic failed: %v", res.Errors)
	}
	if !pathExists(filepath.Join(wd, "out.txt")) {
		t.Error("output missing after committed RunAtomic")
	}
}

func TestRunAtomic_RollsBackOnError(t *testing.T) {
	state, ex, wd := newAtomicFixture(t)

	res := RunAtomic(context.Background(), "doomed", state, ex, nil, func(op *AtomicOperation) error {
		seedFileNoT(wd, "half.txt", "partial")
		if r := op.RecordFileCreated("half.txt"); !r.Success {
			return errors.New(strings.Join(r.Errors, "; "))
		}
		return errors.New("downstream step exploded")
	})
	if res.Success {
		t.Fatal("RunAtomic should fail when fn errors")
	}
	if pathExists(filepath.Join(wd, "half.txt")) {
		t.Error("partial output survived the rollback")
	}
	found := false
	for _, e := range res.Errors {
		if strings.Contains(e, "downstream step exploded") {
			found = true
		}
	}
	if !found {
		t.Errorf("Errors = %v, want fn error preserved", res.Errors)
	}
}

// seedFileNoT is a helper for closures that cannot capture *testing.T.
func seedFileNoT(root, rel, content string) {
	abs := filepath.Join(root, rel)
	_ = os.MkdirAll(filepath.Dir(abs), 0o755)
	_ = os.WriteFile(abs, []byte(content), 0o644)
}
