// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollback

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// seedInitializedTree writes a complete, healthy initialization footprint.
func seedInitializedTree(t *testing.T, wd string) {
	t.Helper()

	seedFile(t, wd, "CLAUDE.md", "# Claude Code Configuration\n\n"+strings.Repeat("project notes\n", 10))
	seedFile(t, wd, "memory-bank.md", "# Memory Bank\n\n"+strings.Repeat("details\n", 10))
	seedFile(t, wd, "coordination.md", "# Coordination\n\n"+strings.Repeat("details\n", 10))
	seedFile(t, wd, ".roomodes", `{"customModes":[]}`)
	seedFile(t, wd, filepath.Join("memory", "claude-flow-data.json"), `{"agents":[],"tasks":[],"lastUpdated":0}`)

	wrapper := "#!/usr/bin/env bash\n# local claude-flow wrapper\nexec npx claude-flow \"$@\"\n"
	abs := filepath.Join(wd, "claude-flow")
	if err := os.WriteFile(abs, []byte(wrapper), 0o755); err != nil {
		t.Fatalf("writing wrapper: %v", err)
	}
	if err := os.Chmod(abs, 0o755); err != nil {
		t.Fatalf("chmod wrapper: %v", err)
	}

	for _, rel := range []string{
		filepath.Join("memory", "agents"),
		filepath.Join("memory", "sessions"),
		filepath.Join("coordination", "memory_bank"),
		filepath.Join(".claude", "commands", "sparc"),
		".roo",
	} {
		seedDir(t, wd, rel)
	}
}

func newValidator(t *testing.T) *DefaultPostInitValidator {
	t.Helper()
	return NewDefaultPostInitValidator(DefaultConfig(t.TempDir()), nil)
}

func checkStatus(checks []FileCheck, path string) (FileIntegrity, bool) {
	for _, c := range checks {
		if c.Path == path {
			return c.Status, true
		}
	}
	return "", false
}

// ===== AGGREGATE =====

func TestValidate_HealthyTree(t *testing.T) {
	v := newValidator(t)
	seedInitializedTree(t, v.cfg.WorkingDir)

	res := v.Validate()
	if !res.Success {
		t.Fatalf("Validate failed: %v", res.Errors)
	}
	if len(res.Errors) != 0 {
		t.Errorf("Errors = %v, want none", res.Errors)
	}
	if len(res.Checks) == 0 {
		t.Error("expected per-path checks to be reported")
	}
}

// ===== FILE INTEGRITY =====

func TestCheckFileIntegrity_MissingRequiredFile(t *testing.T) {
	v := newValidator(t)
	seedInitializedTree(t, v.cfg.WorkingDir)
	if err := os.Remove(filepath.Join(v.cfg.WorkingDir, "CLAUDE.md")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	res := v.CheckFileIntegrity()
	if res.Success {
		t.Fatal("expected failure for missing CLAUDE.md")
	}
	if status, ok := checkStatus(res.Checks, "CLAUDE.md"); !ok || status != IntegrityMissing {
		t.Errorf("CLAUDE.md status = %q, want missing", status)
	}
}

func TestCheckFileIntegrity_MissingRoomodesIsOptional(t *testing.T) {
	v := newValidator(t)
	seedInitializedTree(t, v.cfg.WorkingDir)
	if err := os.Remove(filepath.Join(v.cfg.WorkingDir, ".roomodes")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	res := v.CheckFileIntegrity()
	if !res.Success {
		t.Fatalf("missing .roomodes should only warn, got errors: %v", res.Errors)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a SPARC warning")
	}
}

func TestCheckFileIntegrity_TruncatedFile(t *testing.T) {
	v := newValidator(t)
	seedInitializedTree(t, v.cfg.WorkingDir)
	seedFile(t, v.cfg.WorkingDir, "CLAUDE.md", "tiny")

	res := v.CheckFileIntegrity()
	if !res.Success {
		t.Fatalf("truncation should only warn, got errors: %v", res.Errors)
	}
	if status, _ := checkStatus(res.Checks, "CLAUDE.md"); status != IntegrityTooSmall {
		t.Errorf("CLAUDE.md status = %q, want too_small", status)
	}
}

func TestCheckFileIntegrity_WrapperNotExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX modes")
	}
	v := newValidator(t)
	seedInitializedTree(t, v.cfg.WorkingDir)
	if err := os.Chmod(filepath.Join(v.cfg.WorkingDir, "claude-flow"), 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	res := v.CheckFileIntegrity()
	if res.Success {
		t.Fatal("expected failure for non-executable wrapper")
	}
	if status, _ := checkStatus(res.Checks, "claude-flow"); status != IntegrityNotExecutable {
		t.Errorf("claude-flow status = %q, want not_executable", status)
	}
}

// ===== COMPLETENESS =====

func TestCheckCompleteness_MissingRequiredDir(t *testing.T) {
	v := newValidator(t)
	seedInitializedTree(t, v.cfg.WorkingDir)
	if err := os.RemoveAll(filepath.Join(v.cfg.WorkingDir, "memory", "sessions")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	res := v.CheckCompleteness()
	if res.Success {
		t.Fatal("expected failure for missing memory/sessions")
	}
	rel := filepath.Join("memory", "sessions")
	if status, _ := checkStatus(res.Checks, rel); status != IntegrityMissing {
		t.Errorf("%s status = %q, want missing", rel, status)
	}
}

func TestCheckCompleteness_OptionalDirsWarn(t *testing.T) {
	v := newValidator(t)
	seedInitializedTree(t, v.cfg.WorkingDir)
	if err := os.RemoveAll(filepath.Join(v.cfg.WorkingDir, ".roo")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	res := v.CheckCompleteness()
	if !res.Success {
		t.Fatalf("optional dir should only warn, got errors: %v", res.Errors)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, ".roo") {
			found = true
		}
	}
	if !found {
		t.Errorf("Warnings = %v, want .roo mention", res.Warnings)
	}
}

// ===== STRUCTURE =====

func TestValidateStructure_CorruptMemoryData(t *testing.T) {
	v := newValidator(t)
	seedInitializedTree(t, v.cfg.WorkingDir)
	seedFile(t, v.cfg.WorkingDir, filepath.Join("memory", "claude-flow-data.json"), "not json at all")

	res := v.ValidateStructure()
	if res.Success {
		t.Fatal("expected failure for corrupt memory data")
	}
}

func TestValidateStructure_MissingCollections(t *testing.T) {
	v := newValidator(t)
	seedInitializedTree(t, v.cfg.WorkingDir)
	seedFile(t, v.cfg.WorkingDir, filepath.Join("memory", "claude-flow-data.json"), `{"agents":[]}`)

	res := v.ValidateStructure()
	if res.Success {
		t.Fatal("expected failure for missing tasks collection")
	}
	found := false
	for _, e := range res.Errors {
		if strings.Contains(e, "tasks") {
			found = true
		}
	}
	if !found {
		t.Errorf("Errors = %v, want tasks mention", res.Errors)
	}
}

func TestValidateStructure_BadRoomodes(t *testing.T) {
	v := newValidator(t)
	seedInitializedTree(t, v.cfg.WorkingDir)
	seedFile(t, v.cfg.WorkingDir, ".roomodes", "{broken")

	res := v.ValidateStructure()
	if res.Success {
		t.Fatal("expected failure for invalid .roomodes")
	}
}

func TestValidateStructure_WrapperWithoutShebang(t *testing.T) {
	v := newValidator(t)
	seedInitializedTree(t, v.cfg.WorkingDir)
	seedFile(t, v.cfg.WorkingDir, "claude-flow", "echo no shebang\n")

	res := v.ValidateStructure()
	if !res.Success {
		t.Fatalf("shebang issue should only warn, got errors: %v", res.Errors)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected a shebang warning")
	}
}

// ===== PERMISSIONS =====

func TestCheckPermissions_ReportsDrift(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX modes")
	}
	v := newValidator(t)
	seedInitializedTree(t, v.cfg.WorkingDir)
	if err := os.Chmod(filepath.Join(v.cfg.WorkingDir, "CLAUDE.md"), 0o600); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	res := v.CheckPermissions()
	if !res.Success {
		t.Fatalf("mode drift should only warn, got errors: %v", res.Errors)
	}
	if status, _ := checkStatus(res.Checks, "CLAUDE.md"); status != IntegrityWrongMode {
		t.Errorf("CLAUDE.md status = %q, want wrong_mode", status)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "0600") && strings.Contains(w, "0644") {
			found = true
		}
	}
	if !found {
		t.Errorf("Warnings = %v, want mode detail", res.Warnings)
	}
}

func TestCheckPermissions_RespectsConfiguredModes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX modes")
	}
	cfg := DefaultConfig(t.TempDir())
	cfg.ExpectedModes = map[string]FileMode{"CLAUDE.md": 0o600}
	v := NewDefaultPostInitValidator(cfg, nil)
	seedFile(t, cfg.WorkingDir, "CLAUDE.md", strings.Repeat("x", 120))
	if err := os.Chmod(filepath.Join(cfg.WorkingDir, "CLAUDE.md"), 0o600); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	res := v.CheckPermissions()
	if !res.Success || len(res.Warnings) != 0 {
		t.Fatalf("custom mode should pass, got errors %v warnings %v", res.Errors, res.Warnings)
	}
	if status, _ := checkStatus(res.Checks, "CLAUDE.md"); status != IntegrityOK {
		t.Errorf("CLAUDE.md status = %q, want ok", status)
	}
}
