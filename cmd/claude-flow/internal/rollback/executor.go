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

	"github.com/claudeflow/claudeflow/pkg/logging"
	"github.com/claudeflow/claudeflow/pkg/validation"
)

// RollbackExecutor reverses initialization work, either wholesale from a
// backup or scoped to a single phase.
//
// # Description
//
// Full rollback runs three ordered steps: remove the initialization
// artifact allow-list (absent items are fine), restore the named backup,
// then verify. The verification step fails the whole call if an artifact is
// still present without having been reinstated by the backup itself; work
// the backup legitimately brought back is not a violation.
//
// Partial rollback dispatches through a closed handler table keyed by
// phase. Phases outside the table, including atomic-operation tags, fall
// back to replaying the checkpoint's recorded actions in reverse.
//
// Both forms are idempotent: running them against an already-clean tree
// succeeds and reports the items as already clean.
//
// # Thread Safety
//
// Not safe for concurrent use.
type RollbackExecutor interface {
	// ExecuteFullRollback removes all initialization artifacts, restores
	// the named backup, and verifies completeness.
	ExecuteFullRollback(ctx context.Context, backupID string) RollbackResult

	// ExecutePartialRollback reverses one phase. checkpointID may be empty
	// for phases with dedicated reversal routines; the generic fallback
	// needs it to find the recorded actions.
	ExecutePartialRollback(ctx context.Context, phase Phase, checkpointID string) RollbackResult
}

// phaseRollbackFunc reverses the artifacts of one known phase.
type phaseRollbackFunc func(ctx context.Context, res *RollbackResult)

// phaseArtifacts lists what each known phase creates. Files are removed
// before directories so explicit entries inside a removed tree still get
// their own log line.
type phaseArtifactSet struct {
	files []string
	dirs  []string
}

// DefaultRollbackExecutor is the standard implementation.
type DefaultRollbackExecutor struct {
	cfg      Config
	backups  BackupManager
	state    StateTracker
	log      *logging.Logger
	handlers map[Phase]phaseRollbackFunc
}

// NewDefaultRollbackExecutor wires an executor over the given backup
// manager and state tracker. A nil logger falls back to a silent one.
func NewDefaultRollbackExecutor(cfg Config, backups BackupManager, state StateTracker, log *logging.Logger) *DefaultRollbackExecutor {
	cfg.normalize()
	if log == nil {
		log = logging.Nop()
	}
	e := &DefaultRollbackExecutor{
		cfg:     cfg,
		backups: backups,
		state:   state,
		log:     log,
	}

	sets := map[Phase]phaseArtifactSet{
		PhaseSparcInit: {
			files: []string{".roomodes"},
			dirs:  []string{".roo", filepath.Join(".claude", "commands", "sparc")},
		},
		PhaseClaudeCommands: {
			dirs: []string{filepath.Join(".claude", "commands")},
		},
		PhaseMemorySetup: {
			files: []string{"memory-bank.md"},
			dirs:  []string{"memory"},
		},
		PhaseCoordinationSetup: {
			files: []string{"coordination.md"},
			dirs:  []string{"coordination"},
		},
		PhaseExecutableCreation: {
			files: []string{"claude-flow"},
		},
	}
	e.handlers = make(map[Phase]phaseRollbackFunc, len(sets))
	for phase, set := range sets {
		e.handlers[phase] = func(ctx context.Context, res *RollbackResult) {
			e.removeArtifacts(res, set.files, set.dirs)
		}
	}
	return e
}

// ExecuteFullRollback implements RollbackExecutor.
func (e *DefaultRollbackExecutor) ExecuteFullRollback(ctx context.Context, backupID string) RollbackResult {
	res := RollbackResult{Result: okResult(), Kind: RollbackFull}
	e.log.Info("full rollback starting", "backup_id", backupID)

	// Step 1: clear the initialization artifacts.
	e.removeArtifacts(&res, initArtifactFiles, initArtifactDirs)

	// Step 2: bring back the pre-initialization state.
	restore := e.backups.RestoreBackup(ctx, backupID)
	res.Merge(restore.Result)
	if len(restore.Restored) > 0 {
		res.Actions = append(res.Actions, "restored "+backupID)
	}

	// Step 3: completeness gate. Artifacts reinstated by the backup itself
	// are accounted for; anything else still on disk fails the rollback.
	var manifest *Backup
	if backup, err := e.backups.GetBackup(backupID); err == nil {
		manifest = backup
	}
	if lingering := e.lingeringArtifacts(manifest); len(lingering) > 0 {
		res.AddError("%v", &VerifyError{Artifacts: lingering})
	}

	if rec := e.state.RecordRollback(backupID, RollbackFull, ""); !rec.Success {
		res.AddWarning("rollback history not recorded: %v", strings.Join(rec.Errors, "; "))
	}

	if res.Success {
		e.log.Info("full rollback complete", "backup_id", backupID)
	} else {
		e.log.Error("full rollback failed", "backup_id", backupID, "errors", len(res.Errors))
	}
	return res
}

// ExecutePartialRollback implements RollbackExecutor.
func (e *DefaultRollbackExecutor) ExecutePartialRollback(ctx context.Context, phase Phase, checkpointID string) RollbackResult {
	res := RollbackResult{Result: okResult(), Kind: RollbackPartial, Phase: phase}
	e.log.Info("partial rollback starting", "phase", phase, "checkpoint_id", checkpointID)

	if checkpointID != "" {
		if err := validation.ValidateCheckpointID(checkpointID); err != nil {
			res.AddError("%v: %v", ErrInvalidCheckpointID, err)
			return res
		}
	}

	if handler, ok := e.handlers[phase]; ok {
		handler(ctx, &res)
	} else {
		e.replayCheckpointActions(checkpointID, &res)
	}

	target := checkpointID
	if target == "" {
		target = phase.String()
	}
	if rec := e.state.RecordRollback(target, RollbackPartial, phase); !rec.Success {
		res.AddWarning("rollback history not recorded: %v", strings.Join(rec.Errors, "; "))
	}

	if res.Success {
		e.log.Info("partial rollback complete", "phase", phase)
	} else {
		e.log.Error("partial rollback failed", "phase", phase, "errors", len(res.Errors))
	}
	return res
}

// removeArtifacts deletes the given relative files and directory trees
// under the working directory. Absent entries are logged as already clean.
func (e *DefaultRollbackExecutor) removeArtifacts(res *RollbackResult, files, dirs []string) {
	for _, rel := range files {
		abs := filepath.Join(e.cfg.WorkingDir, rel)
		if !pathExists(abs) {
			e.log.Debug("not found (already clean)", "path", rel)
			res.Actions = append(res.Actions, "already clean: "+rel)
			continue
		}
		if err := os.Remove(abs); err != nil {
			res.AddError("removing %s: %v", rel, err)
			continue
		}
		res.Actions = append(res.Actions, "removed "+rel)
	}
	for _, rel := range dirs {
		abs := filepath.Join(e.cfg.WorkingDir, rel)
		if !pathExists(abs) {
			e.log.Debug("not found (already clean)", "path", rel)
			res.Actions = append(res.Actions, "already clean: "+rel)
			continue
		}
		if err := os.RemoveAll(abs); err != nil {
			res.AddError("removing %s: %v", rel, err)
			continue
		}
		res.Actions = append(res.Actions, "removed "+rel)
	}
}

// replayCheckpointActions is the generic fallback: undo the checkpoint's
// recorded actions in reverse order.
func (e *DefaultRollbackExecutor) replayCheckpointActions(checkpointID string, res *RollbackResult) {
	if checkpointID == "" {
		res.AddWarning("no checkpoint to replay for this phase; nothing to undo")
		return
	}
	ckpt, err := e.state.GetCheckpoint(checkpointID)
	if err != nil {
		res.AddError("loading checkpoint %s: %v", checkpointID, err)
		return
	}
	actions := ckpt.Data.Actions
	if len(actions) == 0 {
		res.AddWarning("checkpoint %s recorded no actions; nothing to undo", checkpointID)
		return
	}
	for i := len(actions) - 1; i >= 0; i-- {
		e.reverseAction(actions[i], res)
	}
}

// reverseAction undoes one recorded side effect.
func (e *DefaultRollbackExecutor) reverseAction(action ReversibleAction, res *RollbackResult) {
	if err := safeRel(action.Path); err != nil {
		res.AddError("rejecting recorded action: %v", err)
		return
	}
	abs := filepath.Join(e.cfg.WorkingDir, action.Path)

	switch action.Kind {
	case ActionFileCreated:
		if !pathExists(abs) {
			e.log.Debug("not found (already clean)", "path", action.Path)
			res.Actions = append(res.Actions, "already clean: "+action.Path)
			return
		}
		if err := os.Remove(abs); err != nil {
			res.AddError("removing created file %s: %v", action.Path, err)
			return
		}
		res.Actions = append(res.Actions, "removed "+action.Path)

	case ActionDirCreated:
		if !pathExists(abs) {
			e.log.Debug("not found (already clean)", "path", action.Path)
			res.Actions = append(res.Actions, "already clean: "+action.Path)
			return
		}
		if err := os.RemoveAll(abs); err != nil {
			res.AddError("removing created directory %s: %v", action.Path, err)
			return
		}
		res.Actions = append(res.Actions, "removed "+action.Path)

	case ActionFileModified:
		content := []byte(action.Backup)
		if action.ContentRef != "" {
			loaded, err := e.state.LoadContent(action.ContentRef)
			if err != nil {
				res.AddError("loading prior content for %s: %v", action.Path, err)
				return
			}
			content = loaded
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			res.AddError("restoring %s: %v", action.Path, err)
			return
		}
		if err := os.WriteFile(abs, content, 0o644); err != nil {
			res.AddError("restoring %s: %v", action.Path, err)
			return
		}
		res.Actions = append(res.Actions, "restored prior content of "+action.Path)

	default:
		res.AddWarning("unknown action kind %q for %s, skipped", action.Kind, action.Path)
	}
}

// lingeringArtifacts returns initialization artifacts still present after
// removal and restore. manifest may be nil when the backup could not be
// read; then nothing counts as reinstated.
func (e *DefaultRollbackExecutor) lingeringArtifacts(manifest *Backup) []string {
	coveredFiles := make(map[string]bool)
	var coveredDirs []string
	if manifest != nil {
		for _, f := range manifest.Files {
			coveredFiles[f.Path] = true
		}
		for _, d := range manifest.Directories {
			coveredDirs = append(coveredDirs, d.Path)
		}
	}
	underCoveredDir := func(rel string) bool {
		for _, dir := range coveredDirs {
			if rel == dir || strings.HasPrefix(rel, dir+string(filepath.Separator)) {
				return true
			}
		}
		return false
	}

	var lingering []string
	for _, rel := range initArtifactFiles {
		if !pathExists(filepath.Join(e.cfg.WorkingDir, rel)) {
			continue
		}
		if coveredFiles[rel] || underCoveredDir(rel) {
			continue
		}
		lingering = append(lingering, rel)
	}
	for _, rel := range initArtifactDirs {
		if !pathExists(filepath.Join(e.cfg.WorkingDir, rel)) {
			continue
		}
		if underCoveredDir(rel) {
			continue
		}
		lingering = append(lingering, rel)
	}
	return lingering
}

// Compile-time interface check.
var _ RollbackExecutor = (*DefaultRollbackExecutor)(nil)
