// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/claudeflow/claudeflow/cmd/claude-flow/internal/rollback"
	"github.com/claudeflow/claudeflow/pkg/ux"
	"github.com/spf13/cobra"
)

// =============================================================================
// ROLLBACK COMMANDS
// =============================================================================

// runRollbackFull executes `rollback full`.
//
// # Description
//
// Removes the initialization artifacts and restores the working directory
// from a pre-init backup, then verifies the restoration. Destructive, so
// the operation is confirmed interactively unless --yes is set; scripted
// invocations without --yes fail instead of guessing.
//
// # Exit Codes
//
//	0 - Rollback completed, or the user cancelled
//	1 - Rollback failed
//	2 - Invalid working directory or missing confirmation
func runRollbackFull(cmd *cobra.Command, args []string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	sys, log, err := buildSystem()
	if err != nil {
		outputError("Cannot open working directory", err)
		os.Exit(rollback.ExitBadArgs)
	}
	defer log.Close()

	if !assumeYes {
		if jsonMode() || !ux.IsInteractive() {
			outputError("Full rollback needs confirmation", fmt.Errorf("re-run with --yes"))
			os.Exit(rollback.ExitBadArgs)
		}
		if backup := fullRollbackPreview(sys); backup != nil {
			action, err := ux.PromptRollbackAction(rollbackPromptOptions(backup))
			if err != nil {
				outputError("Confirmation failed", err)
				os.Exit(rollback.ExitFailure)
			}
			if action != ux.RollbackActionProceed {
				ux.Muted("rollback cancelled")
				os.Exit(rollback.ExitSuccess)
			}
		}
	}

	lock := acquireRunLock(sys.Config().WorkingDir)
	defer lock.Release()

	var sp *ux.Spinner
	if !jsonMode() {
		sp = ux.NewSpinner("Rolling back initialization")
		sp.Start()
	}
	res := sys.PerformFullRollback(ctx, rollbackBackupID)
	if sp != nil {
		if res.Success {
			sp.StopWithSuccess("Working directory restored")
		} else {
			sp.StopWithError("Rollback failed")
		}
	}

	if jsonMode() {
		outputCommandJSON("rollback full", start, res.Success, res)
	} else {
		renderRollbackResult(res)
	}
	os.Exit(exitCodeFor(res.Result))
}

// runRollbackPartial executes `rollback partial`.
func runRollbackPartial(cmd *cobra.Command, args []string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	sys, log, err := buildSystem()
	if err != nil {
		outputError("Cannot open working directory", err)
		os.Exit(rollback.ExitBadArgs)
	}
	defer log.Close()

	lock := acquireRunLock(sys.Config().WorkingDir)
	defer lock.Release()

	res := sys.PerformPartialRollback(ctx, rollback.Phase(args[0]), rollbackCkptID)
	if jsonMode() {
		outputCommandJSON("rollback partial", start, res.Success, res)
	} else {
		renderRollbackResult(res)
	}
	os.Exit(exitCodeFor(res.Result))
}

// runRollbackPoints executes `rollback points`.
func runRollbackPoints(cmd *cobra.Command, args []string) {
	start := time.Now()

	sys, log, err := buildSystem()
	if err != nil {
		outputError("Cannot open working directory", err)
		os.Exit(rollback.ExitBadArgs)
	}
	defer log.Close()

	points := sys.ListRollbackPoints()
	if jsonMode() {
		outputCommandJSON("rollback points", start, true, PointListResult{Points: points, Count: len(points)})
	} else {
		renderRollbackPoints(points)
	}
	os.Exit(rollback.ExitSuccess)
}

// runRollbackCheckpoints executes `rollback checkpoints`.
func runRollbackCheckpoints(cmd *cobra.Command, args []string) {
	start := time.Now()

	sys, log, err := buildSystem()
	if err != nil {
		outputError("Cannot open working directory", err)
		os.Exit(rollback.ExitBadArgs)
	}
	defer log.Close()

	checkpoints := sys.ListCheckpoints()
	if jsonMode() {
		outputCommandJSON("rollback checkpoints", start, true,
			CheckpointListResult{Checkpoints: checkpoints, Count: len(checkpoints)})
	} else {
		renderCheckpoints(checkpoints)
	}
	os.Exit(rollback.ExitSuccess)
}

// =============================================================================
// RECOVERY AND VALIDATION COMMANDS
// =============================================================================

// runRecover executes `recover`.
//
// # Description
//
// Dispatches the failure type to its repair routine. Known types get
// concrete remediation (chmod sweeps, retention cleanup, partial
// rollbacks); unknown types get diagnosis and suggestions only.
//
// # Exit Codes
//
//	0 - Recovery succeeded (generic diagnosis counts as success)
//	1 - Recovery failed
//	2 - Invalid arguments
func runRecover(cmd *cobra.Command, args []string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	info, err := parseInfoPairs(recoverInfo)
	if err != nil {
		outputError("Invalid flag", err)
		os.Exit(rollback.ExitBadArgs)
	}

	sys, log, err := buildSystem()
	if err != nil {
		outputError("Cannot open working directory", err)
		os.Exit(rollback.ExitBadArgs)
	}
	defer log.Close()

	lock := acquireRunLock(sys.Config().WorkingDir)
	defer lock.Release()

	res := sys.PerformAutoRecovery(ctx, args[0], info)
	if jsonMode() {
		outputCommandJSON("recover", start, res.Success, res)
	} else {
		renderRecoveryResult(res)
	}
	os.Exit(exitCodeFor(res.Result))
}

// runVerify executes `verify`.
//
// # Description
//
// Runs the post-initialization checks: artifact integrity, directory
// completeness, data file structure, and permission modes. Read-only;
// findings are reported, never repaired.
func runVerify(cmd *cobra.Command, args []string) {
	start := time.Now()

	sys, log, err := buildSystem()
	if err != nil {
		outputError("Cannot open working directory", err)
		os.Exit(rollback.ExitBadArgs)
	}
	defer log.Close()

	res := sys.ValidateInitialization()
	if jsonMode() {
		outputCommandJSON("verify", start, res.Success, res)
	} else {
		renderValidationResult(res)
	}
	os.Exit(exitCodeFor(res.Result))
}

// runStatus executes `status`.
func runStatus(cmd *cobra.Command, args []string) {
	start := time.Now()

	sys, log, err := buildSystem()
	if err != nil {
		outputError("Cannot open working directory", err)
		os.Exit(rollback.ExitBadArgs)
	}
	defer log.Close()

	backups := sys.ListBackups()
	checkpoints := sys.ListCheckpoints()
	pending := 0
	for _, c := range checkpoints {
		if c.Status == rollback.StatusPending {
			pending++
		}
	}

	report := StatusReport{
		WorkingDir:     sys.Config().WorkingDir,
		RunState:       sys.RunState().String(),
		Backups:        len(backups),
		RollbackPoints: len(sys.ListRollbackPoints()),
		Checkpoints:    len(checkpoints),
		PendingPhases:  pending,
		KeepBackups:    sys.Config().KeepBackups,
	}
	if len(backups) > 0 {
		report.NewestBackup = fmt.Sprintf("%s (%s)",
			backups[0].ID, backups[0].CreatedAt.Format(timeLayout))
	}

	if jsonMode() {
		outputCommandJSON("status", start, true, report)
	} else {
		renderStatus(report)
	}
	os.Exit(rollback.ExitSuccess)
}

// =============================================================================
// HELPERS
// =============================================================================

// fullRollbackPreview loads the manifest a full rollback would restore so
// the confirmation prompt can describe it. Returns nil when nothing
// resolvable exists; the rollback itself then reports the real error.
func fullRollbackPreview(sys *rollback.RollbackSystem) *rollback.Backup {
	id := rollbackBackupID
	if id == "" {
		for _, p := range sys.ListRollbackPoints() {
			if p.Type == rollback.BackupTypePreInit && p.BackupID != "" {
				id = p.BackupID
				break
			}
		}
	}
	if id == "" {
		return nil
	}
	backup, err := sys.GetBackup(id)
	if err != nil {
		return nil
	}
	return backup
}

// rollbackPromptOptions builds the confirmation prompt's view of one
// pending restore.
func rollbackPromptOptions(backup *rollback.Backup) ux.RollbackPromptOptions {
	files, dirs := rollback.InitArtifacts()
	return ux.RollbackPromptOptions{
		BackupID:  backup.ID,
		Created:   backup.CreatedAt.Format(timeLayout),
		FileCount: len(backup.Files),
		DirCount:  len(backup.Directories),
		Removals:  append(files, dirs...),
	}
}

// parseInfoPairs splits repeated key=value flags into a map.
func parseInfoPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	info := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --info %q, want key=value", pair)
		}
		info[key] = value
	}
	return info, nil
}
