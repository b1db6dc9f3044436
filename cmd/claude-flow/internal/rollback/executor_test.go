// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollback

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// newExecutorFixture wires a real executor, backup manager, and state
// tracker over one temp working directory.
func newExecutorFixture(t *testing.T) (*DefaultRollbackExecutor, *DefaultBackupManager, *FileStateTracker) {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	backups := NewDefaultBackupManager(cfg, nil)
	state := NewFileStateTracker(cfg, nil)
	return NewDefaultRollbackExecutor(cfg, backups, state, nil), backups, state
}

func hasAction(actions []string, want string) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}

// ===== PARTIAL ROLLBACK, KNOWN PHASES =====

// TestExecutePartialRollback_SparcInit verifies the SPARC reversal removes
// exactly its own artifacts and nothing else.
func TestExecutePartialRollback_SparcInit(t *testing.T) {
	ex, _, _ := newExecutorFixture(t)
	wd := ex.cfg.WorkingDir

	seedFile(t, wd, ".roomodes", `{"customModes":[]}`)
	seedFile(t, wd, filepath.Join(".roo", "rules.md"), "rules")
	seedFile(t, wd, filepath.Join(".claude", "commands", "sparc", "tdd.md"), "tdd")
	seedFile(t, wd, filepath.Join(".claude", "commands", "deploy.md"), "deploy")
	seedFile(t, wd, "CLAUDE.md", "untouched")

	res := ex.ExecutePartialRollback(context.Background(), PhaseSparcInit, "")
	if !res.Success {
		t.Fatalf("partial rollback failed: %v", res.Errors)
	}

	for _, gone := range []string{".roomodes", ".roo", filepath.Join(".claude", "commands", "sparc")} {
		if pathExists(filepath.Join(wd, gone)) {
			t.Errorf("%s still present", gone)
		}
	}
	for _, kept := range []string{filepath.Join(".claude", "commands", "deploy.md"), "CLAUDE.md"} {
		if !pathExists(filepath.Join(wd, kept)) {
			t.Errorf("%s was removed", kept)
		}
	}
	if !hasAction(res.Actions, "removed .roomodes") {
		t.Errorf("Actions = %v, want removed .roomodes", res.Actions)
	}
}

// TestExecutePartialRollback_PhaseTable covers the remaining dedicated
// reversal routines.
func TestExecutePartialRollback_PhaseTable(t *testing.T) {
	tests := []struct {
		name     string
		phase    Phase
		files    []string
		wantGone []string
		wantKept []string
	}{
		{
			name:  "claude commands",
			phase: PhaseClaudeCommands,
			files: []string{
				filepath.Join(".claude", "commands", "deploy.md"),
				filepath.Join(".claude", "settings.json"),
			},
			wantGone: []string{filepath.Join(".claude", "commands")},
			wantKept: []string{filepath.Join(".claude", "settings.json")},
		},
		{
			name:  "memory setup",
			phase: PhaseMemorySetup,
			files: []string{
				"memory-bank.md",
				filepath.Join("memory", "claude-flow-data.json"),
				filepath.Join("memory", "agents", "a1.json"),
				"coordination.md",
			},
			wantGone: []string{"memory-bank.md", "memory"},
			wantKept: []string{"coordination.md"},
		},
		{
			name:  "coordination setup",
			phase: PhaseCoordinationSetup,
			files: []string{
				"coordination.md",
				filepath.Join("coordination", "memory_bank", "notes.md"),
				"memory-bank.md",
			},
			wantGone: []string{"coordination.md", "coordination"},
			wantKept: []string{"memory-bank.md"},
		},
		{
			name:     "executable creation",
			phase:    PhaseExecutableCreation,
			files:    []string{"claude-flow", "CLAUDE.md"},
			wantGone: []string{"claude-flow"},
			wantKept: []string{"CLAUDE.md"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, _, _ := newExecutorFixture(t)
			wd := ex.cfg.WorkingDir
			for _, rel := range tt.files {
				seedFile(t, wd, rel, "content")
			}

			res := ex.ExecutePartialRollback(context.Background(), tt.phase, "")
			if !res.Success {
				t.Fatalf("partial rollback failed: %v", res.Errors)
			}
			for _, rel := range tt.wantGone {
				if pathExists(filepath.Join(wd, rel)) {
					t.Errorf("%s still present", rel)
				}
			}
			for _, rel := range tt.wantKept {
				if !pathExists(filepath.Join(wd, rel)) {
					t.Errorf("%s was removed", rel)
				}
			}
		})
	}
}

// TestExecutePartialRollback_AlreadyClean verifies reversal of a phase
// that never ran succeeds and says so.
func TestExecutePartialRollback_AlreadyClean(t *testing.T) {
	ex, _, _ := newExecutorFixture(t)

	res := ex.ExecutePartialRollback(context.Background(), PhaseSparcInit, "")
	if !res.Success {
		t.Fatalf("partial rollback failed: %v", res.Errors)
	}
	if !hasAction(res.Actions, "already clean: .roomodes") {
		t.Errorf("Actions = %v, want already clean entries", res.Actions)
	}
}

// ===== PARTIAL ROLLBACK, GENERIC FALLBACK =====

// TestExecutePartialRollback_GenericReplaysCheckpoint verifies unknown
// phases replay the checkpoint's recorded actions in reverse.
func TestExecutePartialRollback_GenericReplaysCheckpoint(t *testing.T) {
	ex, _, state := newExecutorFixture(t)
	wd := ex.cfg.WorkingDir

	seedFile(t, wd, "CLAUDE.md", "clobbered by the operation")
	seedFile(t, wd, "generated.txt", "generated")
	seedFile(t, wd, filepath.Join("gen-dir", "inner.txt"), "inner")

	created := state.CreateCheckpoint(AtomicPhase("custom-op"), CheckpointData{
		Operation: "custom-op",
		Actions: []ReversibleAction{
			{Kind: ActionFileModified, Path: "CLAUDE.md", Backup: "the original"},
			{Kind: ActionFileCreated, Path: "generated.txt"},
			{Kind: ActionDirCreated, Path: "gen-dir"},
		},
	})
	if !created.Success {
		t.Fatalf("CreateCheckpoint failed: %v", created.Errors)
	}

	res := ex.ExecutePartialRollback(context.Background(), AtomicPhase("custom-op"), created.CheckpointID)
	if !res.Success {
		t.Fatalf("partial rollback failed: %v", res.Errors)
	}

	if pathExists(filepath.Join(wd, "generated.txt")) {
		t.Error("generated.txt still present")
	}
	if pathExists(filepath.Join(wd, "gen-dir")) {
		t.Error("gen-dir still present")
	}
	if got := readFile(t, wd, "CLAUDE.md"); string(got) != "the original" {
		t.Errorf("CLAUDE.md = %q, want restored original", got)
	}

	// History must record the partial rollback against the checkpoint.
	reg, err := state.load()
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	if len(reg.Rollbacks) != 1 || reg.Rollbacks[0].Kind != RollbackPartial {
		t.Errorf("Rollbacks = %+v, want one partial record", reg.Rollbacks)
	}
}

// TestExecutePartialRollback_GenericRestoresPooledContent covers prior
// content that was offloaded to the content pool.
func TestExecutePartialRollback_GenericRestoresPooledContent(t *testing.T) {
	ex, _, state := newExecutorFixture(t)
	wd := ex.cfg.WorkingDir

	original := strings.Repeat("original large content\n", 400)
	seedFile(t, wd, "CLAUDE.md", "small replacement")

	created := state.CreateCheckpoint(AtomicPhase("big-edit"), CheckpointData{
		Actions: []ReversibleAction{
			{Kind: ActionFileModified, Path: "CLAUDE.md", Backup: original},
		},
	})
	if !created.Success {
		t.Fatalf("CreateCheckpoint failed: %v", created.Errors)
	}

	res := ex.ExecutePartialRollback(context.Background(), AtomicPhase("big-edit"), created.CheckpointID)
	if !res.Success {
		t.Fatalf("partial rollback failed: %v", res.Errors)
	}
	if got := readFile(t, wd, "CLAUDE.md"); string(got) != original {
		t.Error("pooled content not restored byte for byte")
	}
}

func TestExecutePartialRollback_GenericWithoutCheckpoint(t *testing.T) {
	ex, _, _ := newExecutorFixture(t)

	res := ex.ExecutePartialRollback(context.Background(), AtomicPhase("never-ran"), "")
	if !res.Success {
		t.Fatalf("expected success with warning, got errors: %v", res.Errors)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a warning about the missing checkpoint")
	}
}

func TestExecutePartialRollback_GenericUnknownCheckpoint(t *testing.T) {
	ex, _, _ := newExecutorFixture(t)

	res := ex.ExecutePartialRollback(context.Background(), AtomicPhase("gone"), "checkpoint-1-deadbeef")
	if res.Success {
		t.Fatal("expected failure for unknown checkpoint")
	}
}

func TestExecutePartialRollback_RejectsMalformedCheckpointID(t *testing.T) {
	ex, _, _ := newExecutorFixture(t)

	for _, id := range []string{"..", "../state", "not-a-checkpoint", "checkpoint-1-XYZ"} {
		res := ex.ExecutePartialRollback(context.Background(), AtomicPhase("gone"), id)
		if res.Success {
			t.Errorf("ExecutePartialRollback with id %q succeeded", id)
			continue
		}
		if !strings.Contains(res.Errors[0], "valid identifier") {
			t.Errorf("Errors for id %q = %v, want identifier complaint", id, res.Errors)
		}
	}
}

// ===== FULL ROLLBACK =====

// TestExecuteFullRollback_RestoresPreInitState runs the whole pipeline:
// user state is backed up, initialization clobbers it, full rollback puts
// it back and clears the artifacts.
func TestExecuteFullRollback_RestoresPreInitState(t *testing.T) {
	ex, backups, _ := newExecutorFixture(t)
	wd := ex.cfg.WorkingDir

	// Pre-existing user state.
	seedFile(t, wd, "CLAUDE.md", "user original")
	seedFile(t, wd, filepath.Join("memory", "notes.md"), "user memory")

	backup := backups.CreateBackup(context.Background(), BackupTypePreInit, "before init")
	if !backup.Success {
		t.Fatalf("CreateBackup failed: %v", backup.Errors)
	}

	// Simulated initialization output.
	seedFile(t, wd, "CLAUDE.md", "generated template")
	seedFile(t, wd, ".roomodes", "{}")
	seedFile(t, wd, filepath.Join(".roo", "rules.md"), "rules")
	seedFile(t, wd, "memory-bank.md", "generated")
	seedFile(t, wd, "coordination.md", "generated")
	seedFile(t, wd, filepath.Join("coordination", "plans.md"), "generated")
	seedFile(t, wd, "claude-flow", "#!/usr/bin/env bash\n")

	res := ex.ExecuteFullRollback(context.Background(), backup.ID)
	if !res.Success {
		t.Fatalf("full rollback failed: %v", res.Errors)
	}

	if got := readFile(t, wd, "CLAUDE.md"); string(got) != "user original" {
		t.Errorf("CLAUDE.md = %q, want user original", got)
	}
	if got := readFile(t, wd, filepath.Join("memory", "notes.md")); string(got) != "user memory" {
		t.Errorf("memory/notes.md = %q, want user memory", got)
	}
	for _, gone := range []string{".roomodes", ".roo", "memory-bank.md", "coordination.md", "coordination", "claude-flow"} {
		if pathExists(filepath.Join(wd, gone)) {
			t.Errorf("%s still present after full rollback", gone)
		}
	}
}

// TestExecuteFullRollback_Idempotent runs the rollback twice and expects
// the second run to succeed and leave the same tree.
func TestExecuteFullRollback_Idempotent(t *testing.T) {
	ex, backups, _ := newExecutorFixture(t)
	wd := ex.cfg.WorkingDir

	seedFile(t, wd, "CLAUDE.md", "user original")
	backup := backups.CreateBackup(context.Background(), BackupTypePreInit, "")
	if !backup.Success {
		t.Fatalf("CreateBackup failed: %v", backup.Errors)
	}
	seedFile(t, wd, ".roomodes", "{}")

	first := ex.ExecuteFullRollback(context.Background(), backup.ID)
	if !first.Success {
		t.Fatalf("first rollback failed: %v", first.Errors)
	}
	second := ex.ExecuteFullRollback(context.Background(), backup.ID)
	if !second.Success {
		t.Fatalf("second rollback failed: %v", second.Errors)
	}
	if got := readFile(t, wd, "CLAUDE.md"); string(got) != "user original" {
		t.Errorf("CLAUDE.md = %q after second rollback", got)
	}
	if pathExists(filepath.Join(wd, ".roomodes")) {
		t.Error(".roomodes reappeared")
	}
}

// stubBackupManager lets tests script restore behavior.
type stubBackupManager struct {
	restore  func(wd string) RestoreResult
	manifest *Backup
	wd       string
}

func (s *stubBackupManager) CreateBackup(context.Context, string, string) BackupResult {
	return BackupResult{Result: okResult()}
}
func (s *stubBackupManager) RestoreBackup(context.Context, string) RestoreResult {
	if s.restore != nil {
		return s.restore(s.wd)
	}
	return RestoreResult{Result: okResult()}
}
func (s *stubBackupManager) GetBackup(string) (*Backup, error) {
	if s.manifest != nil {
		return s.manifest, nil
	}
	return &Backup{}, nil
}
func (s *stubBackupManager) ListBackups() []Backup          { return nil }
func (s *stubBackupManager) DeleteBackup(string) Result     { return okResult() }
func (s *stubBackupManager) CleanupOldBackups(int) CleanupResult {
	return CleanupResult{Result: okResult()}
}
func (s *stubBackupManager) ValidateBackupSystem(context.Context) Result { return okResult() }
func (s *stubBackupManager) ExportBackup(context.Context, string, string) Result {
	return okResult()
}

// TestExecuteFullRollback_FailsOnLingeringArtifact scripts a restore that
// recreates an artifact the manifest does not account for; the
// completeness gate must fail the rollback.
func TestExecuteFullRollback_FailsOnLingeringArtifact(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	state := NewFileStateTracker(cfg, nil)
	stub := &stubBackupManager{
		wd: cfg.WorkingDir,
		restore: func(wd string) RestoreResult {
			// A restore that drops an unmanifested artifact back in.
			res := RestoreResult{Result: okResult()}
			if err := os.MkdirAll(filepath.Join(wd, ".roo"), 0o755); err != nil {
				res.AddError("%v", err)
			}
			res.Restored = []string{".roo"}
			return res
		},
		manifest: &Backup{ID: "pre-init-1"},
	}
	ex := NewDefaultRollbackExecutor(cfg, stub, state, nil)

	res := ex.ExecuteFullRollback(context.Background(), "pre-init-1")
	if res.Success {
		t.Fatal("expected completeness gate to fail")
	}
	found := false
	for _, e := range res.Errors {
		if strings.Contains(e, "artifacts remain") && strings.Contains(e, ".roo") {
			found = true
		}
	}
	if !found {
		t.Errorf("Errors = %v, want artifacts remain mentioning .roo", res.Errors)
	}
}

// TestExecuteFullRollback_ManifestCoversRestoredArtifacts verifies an
// artifact reinstated by the backup itself does not trip the gate.
func TestExecuteFullRollback_ManifestCoversRestoredArtifacts(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	state := NewFileStateTracker(cfg, nil)
	stub := &stubBackupManager{
		wd: cfg.WorkingDir,
		restore: func(wd string) RestoreResult {
			res := RestoreResult{Result: okResult()}
			if err := os.WriteFile(filepath.Join(wd, "CLAUDE.md"), []byte("user file"), 0o644); err != nil {
				res.AddError("%v", err)
			}
			res.Restored = []string{"CLAUDE.md"}
			return res
		},
		manifest: &Backup{
			ID:    "pre-init-1",
			Files: []FileEntry{{Path: "CLAUDE.md", BackupPath: "CLAUDE.md", Size: 9}},
		},
	}
	ex := NewDefaultRollbackExecutor(cfg, stub, state, nil)

	res := ex.ExecuteFullRollback(context.Background(), "pre-init-1")
	if !res.Success {
		t.Fatalf("rollback failed: %v", res.Errors)
	}
	if !pathExists(filepath.Join(cfg.WorkingDir, "CLAUDE.md")) {
		t.Error("restored CLAUDE.md missing")
	}
}
