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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/claudeflow/claudeflow/pkg/logging"
)

// RecoveryManager repairs known initialization failures in place, without
// a full rollback.
//
// # Description
//
// Each known failure type maps to a dedicated repair routine through a
// closed handler table. Unknown types get the generic fallback, which
// reports failure together with manual next steps instead of guessing.
//
// Repairs are additive and conservative: they recreate missing artifacts,
// fix permissions, or clear broken ones, but never touch files outside the
// initialization footprint.
//
// # Thread Safety
//
// Not safe for concurrent use.
type RecoveryManager interface {
	// PerformRecovery runs the repair routine for failureType. The info
	// map carries optional hints such as "file" or "tools"; nil is fine.
	PerformRecovery(ctx context.Context, failureType string, info map[string]string) RecoveryResult

	// ValidateRecoverySystem self-tests the repair routines against a
	// scratch directory and checks handler coverage.
	ValidateRecoverySystem(ctx context.Context) Result
}

// recoveryFunc repairs one failure type.
type recoveryFunc func(ctx context.Context, info map[string]string, res *RecoveryResult)

// DefaultRecoveryManager is the standard implementation.
type DefaultRecoveryManager struct {
	cfg      Config
	backups  BackupManager
	log      *logging.Logger
	now      func() time.Time
	handlers map[FailureType]recoveryFunc
}

// NewDefaultRecoveryManager wires a recovery manager. The backup manager
// is used by the disk-space strategy to drop old backups; a nil logger
// falls back to a silent one.
func NewDefaultRecoveryManager(cfg Config, backups BackupManager, log *logging.Logger) *DefaultRecoveryManager {
	cfg.normalize()
	if log == nil {
		log = logging.Nop()
	}
	m := &DefaultRecoveryManager{
		cfg:     cfg,
		backups: backups,
		log:     log,
		now:     time.Now,
	}
	m.handlers = map[FailureType]recoveryFunc{
		FailurePermissionDenied:   m.recoverPermissionDenied,
		FailureDiskSpace:          m.recoverDiskSpace,
		FailureMissingDeps:        m.recoverMissingDependencies,
		FailureCorruptedConfig:    m.recoverCorruptedConfig,
		FailurePartialInit:        m.recoverPartialInitialization,
		FailureSparc:              m.recoverSparcFailure,
		FailureExecutableCreation: m.recoverExecutableCreation,
		FailureMemorySetup:        m.recoverMemorySetup,
	}
	return m
}

// PerformRecovery implements RecoveryManager.
func (m *DefaultRecoveryManager) PerformRecovery(ctx context.Context, failureType string, info map[string]string) RecoveryResult {
	ft := ParseFailureType(failureType)
	res := RecoveryResult{Result: okResult(), FailureType: ft}
	m.log.Info("recovery starting", "failure_type", failureType)

	handler, ok := m.handlers[ft]
	if !ok {
		m.genericRecovery(failureType, &res)
	} else {
		handler(ctx, info, &res)
	}

	if res.Success {
		m.log.Info("recovery complete", "failure_type", failureType, "actions", len(res.Actions))
	} else {
		m.log.Error("recovery failed", "failure_type", failureType, "errors", len(res.Errors))
	}
	return res
}

// recoverPermissionDenied resets modes on initialization artifacts to the
// configured expectations. An info["path"] hint narrows the repair to one
// entry.
func (m *DefaultRecoveryManager) recoverPermissionDenied(_ context.Context, info map[string]string, res *RecoveryResult) {
	paths := make([]string, 0, len(m.cfg.ExpectedModes))
	for rel := range m.cfg.ExpectedModes {
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	if only := info["path"]; only != "" {
		paths = []string{only}
	}

	fixed := 0
	for _, rel := range paths {
		want, ok := m.cfg.ExpectedModes[rel]
		if !ok {
			res.AddWarning("no expected mode configured for %s, skipped", rel)
			continue
		}
		abs := filepath.Join(m.cfg.WorkingDir, rel)
		st, err := os.Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			res.AddError("checking %s: %v", rel, err)
			continue
		}
		if st.Mode().Perm() == os.FileMode(want) {
			continue
		}
		if err := os.Chmod(abs, os.FileMode(want)); err != nil {
			res.AddError("resetting mode of %s: %v", rel, err)
			continue
		}
		res.Actions = append(res.Actions, fmt.Sprintf("reset mode of %s to %04o", rel, os.FileMode(want)))
		fixed++
	}
	if fixed == 0 && res.Success {
		res.Actions = append(res.Actions, "permissions already correct")
	}
}

// recoverDiskSpace drops temp files and old backups, then reports whether
// free space is back above the configured floor.
func (m *DefaultRecoveryManager) recoverDiskSpace(_ context.Context, _ map[string]string, res *RecoveryResult) {
	entries, err := os.ReadDir(m.cfg.WorkingDir)
	if err != nil {
		res.AddError("scanning %s: %v", m.cfg.WorkingDir, err)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".tmp") && !strings.HasSuffix(name, ".temp")) {
			continue
		}
		if err := os.Remove(filepath.Join(m.cfg.WorkingDir, name)); err != nil {
			res.AddWarning("removing temp file %s: %v", name, err)
			continue
		}
		res.Actions = append(res.Actions, "removed temp file "+name)
	}

	cleanup := m.backups.CleanupOldBackups(m.cfg.KeepBackups)
	res.Merge(cleanup.Result)
	for _, id := range cleanup.Deleted {
		res.Actions = append(res.Actions, "deleted old backup "+id)
	}

	free, ok := freeDiskBytes(m.cfg.WorkingDir)
	if !ok {
		res.AddWarning("free-space check unavailable on this platform")
		return
	}
	freeMB := free / (1024 * 1024)
	res.Actions = append(res.Actions, fmt.Sprintf("free space now %d MB", freeMB))
	if m.cfg.MinFreeDiskMB > 0 && freeMB < m.cfg.MinFreeDiskMB {
		res.AddError("free space still below %d MB after cleanup", m.cfg.MinFreeDiskMB)
	}
}

// recoverMissingDependencies verifies the external tools initialization
// needs. info["tools"] overrides the default list as a comma-separated
// set of command names.
func (m *DefaultRecoveryManager) recoverMissingDependencies(_ context.Context, info map[string]string, res *RecoveryResult) {
	tools := []string{"node", "npm"}
	if raw := info["tools"]; raw != "" {
		tools = tools[:0]
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tools = append(tools, t)
			}
		}
	}
	for _, tool := range tools {
		path, err := exec.LookPath(tool)
		if err != nil {
			res.AddError("required tool %s not found in PATH", tool)
			res.AddWarning("install %s and re-run initialization", tool)
			continue
		}
		res.Actions = append(res.Actions, fmt.Sprintf("verified %s at %s", tool, path))
	}
}

// recoverCorruptedConfig quarantines a broken configuration file and
// writes a fresh template in its place. The target defaults to .roomodes
// and can be overridden with info["file"].
func (m *DefaultRecoveryManager) recoverCorruptedConfig(_ context.Context, info map[string]string, res *RecoveryResult) {
	target := ".roomodes"
	if f := info["file"]; f != "" {
		target = f
	}
	if err := safeRel(target); err != nil {
		res.AddError("%v", err)
		return
	}
	abs := filepath.Join(m.cfg.WorkingDir, target)

	if data, err := os.ReadFile(abs); err == nil {
		if configIsWellFormed(target, data) {
			res.Actions = append(res.Actions, target+" is well-formed, nothing to repair")
			return
		}
		quarantine := fmt.Sprintf("%s.corrupt-%d", abs, m.now().UnixMilli())
		if err := os.Rename(abs, quarantine); err != nil {
			res.AddError("quarantining %s: %v", target, err)
			return
		}
		res.Actions = append(res.Actions, fmt.Sprintf("moved corrupted %s to %s", target, filepath.Base(quarantine)))
	} else if !os.IsNotExist(err) {
		res.AddError("reading %s: %v", target, err)
		return
	}

	if err := m.writeTemplate(target, res); err != nil {
		res.AddError("regenerating %s: %v", target, err)
	}
}

// recoverPartialInitialization fills in whatever a half-finished run left
// missing: template files and the core directory skeleton. SPARC artifacts
// are optional and stay untouched.
func (m *DefaultRecoveryManager) recoverPartialInitialization(_ context.Context, _ map[string]string, res *RecoveryResult) {
	created := 0
	for _, rel := range []string{"CLAUDE.md", "memory-bank.md", "coordination.md"} {
		abs := filepath.Join(m.cfg.WorkingDir, rel)
		if pathExists(abs) {
			continue
		}
		if err := m.writeTemplate(rel, res); err != nil {
			res.AddError("recreating %s: %v", rel, err)
			continue
		}
		created++
	}
	for _, rel := range []string{
		"memory",
		filepath.Join("memory", "agents"),
		filepath.Join("memory", "sessions"),
		"coordination",
		".claude",
		filepath.Join(".claude", "commands"),
	} {
		abs := filepath.Join(m.cfg.WorkingDir, rel)
		if pathExists(abs) {
			continue
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			res.AddError("recreating %s: %v", rel, err)
			continue
		}
		res.Actions = append(res.Actions, "created directory "+rel)
		created++
	}
	if created == 0 && res.Success {
		res.Actions = append(res.Actions, "nothing missing")
	}
}

// recoverSparcFailure clears broken SPARC artifacts so the mode setup can
// be re-run from a clean slate.
func (m *DefaultRecoveryManager) recoverSparcFailure(_ context.Context, _ map[string]string, res *RecoveryResult) {
	for _, rel := range []string{".roomodes", ".roo", filepath.Join(".claude", "commands", "sparc")} {
		abs := filepath.Join(m.cfg.WorkingDir, rel)
		if !pathExists(abs) {
			continue
		}
		if err := os.RemoveAll(abs); err != nil {
			res.AddError("clearing %s: %v", rel, err)
			continue
		}
		res.Actions = append(res.Actions, "cleared "+rel)
	}
	res.AddWarning("SPARC artifacts cleared, re-run initialization with SPARC enabled to recreate them")
}

// recoverExecutableCreation rewrites the claude-flow wrapper script and
// marks it executable.
func (m *DefaultRecoveryManager) recoverExecutableCreation(_ context.Context, _ map[string]string, res *RecoveryResult) {
	abs := filepath.Join(m.cfg.WorkingDir, "claude-flow")
	if err := os.WriteFile(abs, []byte(wrapperScript), 0o755); err != nil {
		res.AddError("writing claude-flow wrapper: %v", err)
		return
	}
	mode := os.FileMode(0o755)
	if want, ok := m.cfg.ExpectedModes["claude-flow"]; ok {
		mode = os.FileMode(want)
	}
	if err := os.Chmod(abs, mode); err != nil {
		res.AddError("marking claude-flow executable: %v", err)
		return
	}
	res.Actions = append(res.Actions, "recreated claude-flow wrapper")
}

// recoverMemorySetup recreates the memory directory skeleton and its data
// file.
func (m *DefaultRecoveryManager) recoverMemorySetup(_ context.Context, _ map[string]string, res *RecoveryResult) {
	for _, rel := range []string{
		"memory",
		filepath.Join("memory", "agents"),
		filepath.Join("memory", "sessions"),
	} {
		abs := filepath.Join(m.cfg.WorkingDir, rel)
		if pathExists(abs) {
			continue
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			res.AddError("creating %s: %v", rel, err)
			return
		}
		res.Actions = append(res.Actions, "created directory "+rel)
	}

	dataFile := filepath.Join(m.cfg.WorkingDir, "memory", "claude-flow-data.json")
	if pathExists(dataFile) {
		res.Actions = append(res.Actions, "memory data file already present")
		return
	}
	if err := writeJSONFile(dataFile, newMemoryData(m.now())); err != nil {
		res.AddError("writing memory data file: %v", err)
		return
	}
	res.Actions = append(res.Actions, "created memory/claude-flow-data.json")
}

// genericRecovery is the fallback for failure types without a routine.
func (m *DefaultRecoveryManager) genericRecovery(raw string, res *RecoveryResult) {
	res.AddError("no recovery strategy for failure type %q", raw)
	res.AddWarning("inspect the log output of the failing step")
	res.AddWarning("fix the cause manually, then re-run initialization or a full rollback")
}

// ValidateRecoverySystem implements RecoveryManager. The self-test runs
// real repair routines against a scratch directory so the caller's tree
// is never touched.
func (m *DefaultRecoveryManager) ValidateRecoverySystem(ctx context.Context) Result {
	res := okResult()

	for ft := range knownFailureTypes {
		if _, ok := m.handlers[ft]; !ok {
			res.AddError("no handler registered for failure type %s", ft)
		}
	}

	scratch, err := os.MkdirTemp("", "claude-flow-recovery-*")
	if err != nil {
		res.AddError("creating scratch directory: %v", err)
		return res
	}
	defer os.RemoveAll(scratch)

	probe := NewDefaultRecoveryManager(m.scratchConfig(scratch), m.backups, logging.Nop())

	mem := probe.PerformRecovery(ctx, string(FailureMemorySetup), nil)
	if !mem.Success {
		res.AddError("memory-setup self-test failed: %s", strings.Join(mem.Errors, "; "))
	}
	for _, rel := range []string{
		"memory",
		filepath.Join("memory", "agents"),
		filepath.Join("memory", "sessions"),
		filepath.Join("memory", "claude-flow-data.json"),
	} {
		if !pathExists(filepath.Join(scratch, rel)) {
			res.AddError("memory-setup self-test left %s missing", rel)
		}
	}

	wrap := probe.PerformRecovery(ctx, string(FailureExecutableCreation), nil)
	if !wrap.Success {
		res.AddError("executable-creation self-test failed: %s", strings.Join(wrap.Errors, "; "))
	} else if st, err := os.Stat(filepath.Join(scratch, "claude-flow")); err != nil || st.Mode().Perm()&0o111 == 0 {
		res.AddError("executable-creation self-test left no executable wrapper")
	}

	return res
}

// scratchConfig clones the configuration onto a different working
// directory for self-tests.
func (m *DefaultRecoveryManager) scratchConfig(dir string) Config {
	cfg := m.cfg
	cfg.WorkingDir = dir
	return cfg
}

// writeTemplate writes the default content for one known artifact file.
func (m *DefaultRecoveryManager) writeTemplate(rel string, res *RecoveryResult) error {
	abs := filepath.Join(m.cfg.WorkingDir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	var err error
	switch rel {
	case ".roomodes":
		err = writeJSONFile(abs, map[string]any{"customModes": []any{}})
	case "CLAUDE.md":
		err = os.WriteFile(abs, []byte(claudeMDTemplate), 0o644)
	case "memory-bank.md":
		err = os.WriteFile(abs, []byte(memoryBankTemplate), 0o644)
	case "coordination.md":
		err = os.WriteFile(abs, []byte(coordinationTemplate), 0o644)
	default:
		err = os.WriteFile(abs, []byte("# "+rel+"\n\nRegenerated by claude-flow recovery.\n"), 0o644)
	}
	if err != nil {
		return err
	}
	res.Actions = append(res.Actions, "regenerated "+rel)
	return nil
}

// configIsWellFormed reports whether a configuration file parses. Only
// JSON formats are checked; other files count as well-formed when
// non-empty.
func configIsWellFormed(rel string, data []byte) bool {
	if rel == ".roomodes" || strings.HasSuffix(rel, ".json") {
		return json.Valid(data)
	}
	return len(strings.TrimSpace(string(data))) > 0
}

// memoryData is the shape of memory/claude-flow-data.json.
type memoryData struct {
	Agents      []any `json:"agents"`
	Tasks       []any `json:"tasks"`
	LastUpdated int64 `json:"lastUpdated"`
}

func newMemoryData(now time.Time) memoryData {
	return memoryData{Agents: []any{}, Tasks: []any{}, LastUpdated: now.UnixMilli()}
}

// Default artifact templates written by recovery.

const claudeMDTemplate = `# Claude Code Configuration

## Project Overview

Describe the project here so agents can navigate it. This file is read at
the start of every session.

## Build Commands

- ` + "`npm run build`" + `: build the project
- ` + "`npm run test`" + `: run the test suite
- ` + "`./claude-flow start`" + `: launch the orchestrator

## Memory Bank

Agent state lives under memory/. Session transcripts are stored in
memory/sessions/ and per-agent state in memory/agents/. Do not edit the
generated data files by hand.
`

const memoryBankTemplate = `# Memory Bank

Shared agent memory for this project. Session transcripts live under
memory/sessions/ and per-agent state under memory/agents/. The index is
kept in memory/claude-flow-data.json.
`

const coordinationTemplate = `# Multi-Agent Coordination

Task orchestration state for this project. Subdirectories track active
orchestration plans, memory locks, and shared agent workspaces.
`

const wrapperScript = `#!/usr/bin/env bash
# Claude-Flow local wrapper. Regenerate with: claude-flow recover executable-creation-failure
exec npx claude-flow "$@"
`

// Compile-time interface check.
var _ RecoveryManager = (*DefaultRecoveryManager)(nil)
