// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollback

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func newRecoveryManager(t *testing.T) *DefaultRecoveryManager {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	backups := NewDefaultBackupManager(cfg, nil)
	return NewDefaultRecoveryManager(cfg, backups, nil)
}

// ===== STRATEGIES =====

// TestPerformRecovery_MemorySetup verifies the full memory skeleton is
// recreated.
func TestPerformRecovery_MemorySetup(t *testing.T) {
	m := newRecoveryManager(t)
	wd := m.cfg.WorkingDir

	res := m.PerformRecovery(context.Background(), "memory-setup-failure", nil)
	if !res.Success {
		t.Fatalf("recovery failed: %v", res.Errors)
	}

	for _, rel := range []string{
		"memory",
		filepath.Join("memory", "agents"),
		filepath.Join("memory", "sessions"),
	} {
		info, err := os.Stat(filepath.Join(wd, rel))
		if err != nil || !info.IsDir() {
			t.Errorf("%s not created as directory (err=%v)", rel, err)
		}
	}

	raw := readFile(t, wd, filepath.Join("memory", "claude-flow-data.json"))
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("data file is not valid JSON: %v", err)
	}
	for _, key := range []string{"agents", "tasks", "lastUpdated"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("data file missing %q", key)
		}
	}
}

func TestPerformRecovery_MemorySetupIdempotent(t *testing.T) {
	m := newRecoveryManager(t)

	first := m.PerformRecovery(context.Background(), "memory-setup-failure", nil)
	if !first.Success {
		t.Fatalf("first recovery failed: %v", first.Errors)
	}
	second := m.PerformRecovery(context.Background(), "memory-setup-failure", nil)
	if !second.Success {
		t.Fatalf("second recovery failed: %v", second.Errors)
	}
	if !hasAction(second.Actions, "memory data file already present") {
		t.Errorf("Actions = %v, want already-present note", second.Actions)
	}
}

// TestPerformRecovery_ExecutableCreation verifies the wrapper script is
// rewritten with a shebang and the executable bit.
func TestPerformRecovery_ExecutableCreation(t *testing.T) {
	m := newRecoveryManager(t)
	wd := m.cfg.WorkingDir

	res := m.PerformRecovery(context.Background(), "executable-creation-failure", nil)
	if !res.Success {
		t.Fatalf("recovery failed: %v", res.Errors)
	}

	raw := readFile(t, wd, "claude-flow")
	if !strings.HasPrefix(string(raw), "#!") {
		t.Error("wrapper has no shebang")
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(wd, "claude-flow"))
		if err != nil {
			t.Fatalf("stat wrapper: %v", err)
		}
		if info.Mode().Perm()&0o111 == 0 {
			t.Errorf("wrapper mode = %04o, want executable", info.Mode().Perm())
		}
	}
}

// TestPerformRecovery_PartialInit regenerates only what is missing.
func TestPerformRecovery_PartialInit(t *testing.T) {
	m := newRecoveryManager(t)
	wd := m.cfg.WorkingDir
	seedFile(t, wd, "memory-bank.md", "# Memory Bank\n\nexisting user version\n")

	res := m.PerformRecovery(context.Background(), "partial-initialization", nil)
	if !res.Success {
		t.Fatalf("recovery failed: %v", res.Errors)
	}

	if got := readFile(t, wd, "memory-bank.md"); !strings.Contains(string(got), "existing user version") {
		t.Error("existing memory-bank.md was overwritten")
	}
	claude := readFile(t, wd, "CLAUDE.md")
	if min := m.cfg.MinFileSizes["CLAUDE.md"]; int64(len(claude)) < min {
		t.Errorf("regenerated CLAUDE.md is %d bytes, want >= %d", len(claude), min)
	}
	for _, rel := range []string{"coordination", ".claude", filepath.Join(".claude", "commands")} {
		if !pathExists(filepath.Join(wd, rel)) {
			t.Errorf("%s not created", rel)
		}
	}
	// SPARC artifacts stay absent.
	if pathExists(filepath.Join(wd, ".roomodes")) {
		t.Error(".roomodes regenerated, but SPARC is optional")
	}
}

func TestPerformRecovery_PartialInitNothingMissing(t *testing.T) {
	m := newRecoveryManager(t)

	first := m.PerformRecovery(context.Background(), "partial-initialization", nil)
	if !first.Success {
		t.Fatalf("first recovery failed: %v", first.Errors)
	}
	second := m.PerformRecovery(context.Background(), "partial-initialization", nil)
	if !second.Success {
		t.Fatalf("second recovery failed: %v", second.Errors)
	}
	if !hasAction(second.Actions, "nothing missing") {
		t.Errorf("Actions = %v, want nothing missing", second.Actions)
	}
}

// TestPerformRecovery_CorruptedConfig quarantines the broken file and
// writes a parseable replacement.
func TestPerformRecovery_CorruptedConfig(t *testing.T) {
	m := newRecoveryManager(t)
	wd := m.cfg.WorkingDir
	seedFile(t, wd, ".roomodes", "{{{ not json")

	res := m.PerformRecovery(context.Background(), "corrupted-config", nil)
	if !res.Success {
		t.Fatalf("recovery failed: %v", res.Errors)
	}

	entries, err := os.ReadDir(wd)
	if err != nil {
		t.Fatalf("reading working dir: %v", err)
	}
	quarantined := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".roomodes.corrupt-") {
			quarantined = true
		}
	}
	if !quarantined {
		t.Error("corrupted .roomodes was not quarantined")
	}

	raw := readFile(t, wd, ".roomodes")
	if !json.Valid(raw) {
		t.Errorf("regenerated .roomodes is not valid JSON: %q", raw)
	}
}

func TestPerformRecovery_CorruptedConfigWellFormed(t *testing.T) {
	m := newRecoveryManager(t)
	wd := m.cfg.WorkingDir
	seedFile(t, wd, ".roomodes", `{"customModes":[{"slug":"tdd"}]}`)

	res := m.PerformRecovery(context.Background(), "corrupted-config", nil)
	if !res.Success {
		t.Fatalf("recovery failed: %v", res.Errors)
	}
	if got := readFile(t, wd, ".roomodes"); !strings.Contains(string(got), "tdd") {
		t.Error("well-formed .roomodes was replaced")
	}
}

func TestPerformRecovery_CorruptedConfigRejectsEscapingPath(t *testing.T) {
	m := newRecoveryManager(t)

	res := m.PerformRecovery(context.Background(), "corrupted-config",
		map[string]string{"file": "../outside.json"})
	if res.Success {
		t.Fatal("expected path traversal rejection")
	}
}

// TestPerformRecovery_MissingDependencies checks tool lookup both ways.
func TestPerformRecovery_MissingDependencies(t *testing.T) {
	m := newRecoveryManager(t)

	// Empty PATH: both default tools are missing.
	t.Setenv("PATH", t.TempDir())
	res := m.PerformRecovery(context.Background(), "missing-dependencies", nil)
	if res.Success {
		t.Fatal("expected failure with no tools on PATH")
	}
	if len(res.Errors) != 2 {
		t.Errorf("len(Errors) = %d, want 2 (node, npm)", len(res.Errors))
	}

	// Fake tools on PATH: recovery verifies them.
	binDir := t.TempDir()
	for _, tool := range []string{"node", "npm"} {
		script := filepath.Join(binDir, tool)
		if err := os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
			t.Fatalf("writing fake %s: %v", tool, err)
		}
	}
	t.Setenv("PATH", binDir)
	res = m.PerformRecovery(context.Background(), "missing-dependencies", nil)
	if !res.Success {
		t.Fatalf("recovery failed with tools present: %v", res.Errors)
	}
	if len(res.Actions) != 2 {
		t.Errorf("Actions = %v, want two verifications", res.Actions)
	}
}

// TestPerformRecovery_PermissionDenied resets drifted modes.
func TestPerformRecovery_PermissionDenied(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX modes")
	}
	m := newRecoveryManager(t)
	wd := m.cfg.WorkingDir
	seedFile(t, wd, "CLAUDE.md", strings.Repeat("c", 120))
	if err := os.Chmod(filepath.Join(wd, "CLAUDE.md"), 0o600); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	res := m.PerformRecovery(context.Background(), "permission-denied", nil)
	if !res.Success {
		t.Fatalf("recovery failed: %v", res.Errors)
	}
	info, err := os.Stat(filepath.Join(wd, "CLAUDE.md"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("mode = %04o, want 0644", info.Mode().Perm())
	}
}

func TestPerformRecovery_PermissionDeniedAlreadyCorrect(t *testing.T) {
	m := newRecoveryManager(t)

	res := m.PerformRecovery(context.Background(), "permission-denied", nil)
	if !res.Success {
		t.Fatalf("recovery failed: %v", res.Errors)
	}
	if !hasAction(res.Actions, "permissions already correct") {
		t.Errorf("Actions = %v, want already-correct note", res.Actions)
	}
}

// TestPerformRecovery_DiskSpace sweeps temp files and old backups.
func TestPerformRecovery_DiskSpace(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.KeepBackups = 2
	cfg.MinFreeDiskMB = 1
	backups := NewDefaultBackupManager(cfg, nil)
	backups.now = steppedClock(time.UnixMilli(1700000000000), time.Second)
	m := NewDefaultRecoveryManager(cfg, backups, nil)

	seedFile(t, cfg.WorkingDir, "leftover.tmp", "junk")
	for i := 0; i < 4; i++ {
		if res := backups.CreateBackup(context.Background(), BackupTypePreInit, ""); !res.Success {
			t.Fatalf("CreateBackup %d failed: %v", i, res.Errors)
		}
	}

	res := m.PerformRecovery(context.Background(), "disk-space", nil)
	if !res.Success {
		t.Fatalf("recovery failed: %v", res.Errors)
	}
	if pathExists(filepath.Join(cfg.WorkingDir, "leftover.tmp")) {
		t.Error("temp file not removed")
	}
	if got := len(backups.ListBackups()); got != 2 {
		t.Errorf("backups after sweep = %d, want 2", got)
	}
}

// TestPerformRecovery_SparcFailure clears broken SPARC artifacts.
func TestPerformRecovery_SparcFailure(t *testing.T) {
	m := newRecoveryManager(t)
	wd := m.cfg.WorkingDir
	seedFile(t, wd, ".roomodes", "broken")
	seedFile(t, wd, filepath.Join(".roo", "rules.md"), "broken")

	res := m.PerformRecovery(context.Background(), "sparc-failure", nil)
	if !res.Success {
		t.Fatalf("recovery failed: %v", res.Errors)
	}
	if pathExists(filepath.Join(wd, ".roomodes")) || pathExists(filepath.Join(wd, ".roo")) {
		t.Error("SPARC artifacts not cleared")
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a re-run hint warning")
	}
}

// ===== GENERIC FALLBACK =====

func TestPerformRecovery_UnknownType(t *testing.T) {
	m := newRecoveryManager(t)

	res := m.PerformRecovery(context.Background(), "cosmic-rays", nil)
	if res.Success {
		t.Fatal("expected unknown failure type to fail")
	}
	if res.FailureType != FailureUnknown {
		t.Errorf("FailureType = %q, want %q", res.FailureType, FailureUnknown)
	}
	if len(res.Errors) == 0 || !strings.Contains(res.Errors[0], "no recovery strategy") {
		t.Errorf("Errors = %v, want no recovery strategy", res.Errors)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected manual next-step suggestions")
	}
}

// ===== SELF-TEST =====

func TestValidateRecoverySystem(t *testing.T) {
	m := newRecoveryManager(t)

	res := m.ValidateRecoverySystem(context.Background())
	if !res.Success {
		t.Fatalf("self-test failed: %v", res.Errors)
	}

	// The self-test must not touch the caller's working directory.
	entries, err := os.ReadDir(m.cfg.WorkingDir)
	if err != nil {
		t.Fatalf("reading working dir: %v", err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("self-test wrote into the working directory: %v", names)
	}
}
