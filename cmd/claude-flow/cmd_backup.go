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
	"time"

	"github.com/claudeflow/claudeflow/cmd/claude-flow/internal/rollback"
	"github.com/claudeflow/claudeflow/pkg/ux"
	"github.com/spf13/cobra"
)

// =============================================================================
// BACKUP COMMANDS
// =============================================================================

// runBackupCreate executes `backup create`.
//
// # Description
//
// Snapshots the critical files and directories under the working directory
// and records the result as the pre-init rollback point.
//
// # Exit Codes
//
//	0 - Backup created (possibly with warnings)
//	1 - Backup failed
//	2 - Invalid working directory
func runBackupCreate(cmd *cobra.Command, args []string) {
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

	var sp *ux.Spinner
	if !jsonMode() {
		sp = ux.NewSpinner("Snapshotting critical files")
		sp.Start()
	}
	res := sys.CreatePreInitBackup(ctx, backupDesc)
	if sp != nil {
		if res.Success {
			sp.StopWithSuccess("Snapshot complete")
		} else {
			sp.StopWithError("Snapshot failed")
		}
	}

	if jsonMode() {
		outputCommandJSON("backup create", start, res.Success, res)
	} else {
		renderBackupResult(res)
	}
	os.Exit(exitCodeFor(res.Result))
}

// runBackupList executes `backup list`.
func runBackupList(cmd *cobra.Command, args []string) {
	start := time.Now()

	sys, log, err := buildSystem()
	if err != nil {
		outputError("Cannot open working directory", err)
		os.Exit(rollback.ExitBadArgs)
	}
	defer log.Close()

	backups := sys.ListBackups()
	if jsonMode() {
		outputCommandJSON("backup list", start, true, BackupListResult{Backups: backups, Count: len(backups)})
	} else {
		renderBackupList(backups)
	}
	os.Exit(rollback.ExitSuccess)
}

// runBackupShow executes `backup show`.
func runBackupShow(cmd *cobra.Command, args []string) {
	start := time.Now()

	sys, log, err := buildSystem()
	if err != nil {
		outputError("Cannot open working directory", err)
		os.Exit(rollback.ExitBadArgs)
	}
	defer log.Close()

	backup, err := sys.GetBackup(args[0])
	if err != nil {
		outputError("Cannot load backup", err)
		os.Exit(rollback.ExitFailure)
	}

	if jsonMode() {
		outputCommandJSON("backup show", start, true, backup)
	} else {
		renderBackupManifest(backup)
	}
	os.Exit(rollback.ExitSuccess)
}

// runBackupDelete executes `backup delete`. Deletion is confirmed unless
// --yes is set; non-interactive sessions without --yes cancel.
func runBackupDelete(cmd *cobra.Command, args []string) {
	start := time.Now()
	id := args[0]

	sys, log, err := buildSystem()
	if err != nil {
		outputError("Cannot open working directory", err)
		os.Exit(rollback.ExitBadArgs)
	}
	defer log.Close()

	if !assumeYes {
		ok, err := ux.Confirm(fmt.Sprintf("Delete backup %s?", id),
			"The snapshot cannot be recovered afterwards.", false)
		if err != nil {
			outputError("Confirmation failed", err)
			os.Exit(rollback.ExitFailure)
		}
		if !ok {
			ux.Muted("delete cancelled")
			os.Exit(rollback.ExitSuccess)
		}
	}

	lock := acquireRunLock(sys.Config().WorkingDir)
	defer lock.Release()

	res := sys.DeleteBackup(id)
	if jsonMode() {
		outputCommandJSON("backup delete", start, res.Success, res)
	} else {
		if res.Success {
			ux.Success(fmt.Sprintf("deleted %s", id))
		}
		renderResult(res)
	}
	os.Exit(exitCodeFor(res))
}

// runBackupCleanup executes `backup cleanup`.
//
// # Description
//
// Deletes all but the newest backups. The retention count comes from
// --keep, falling back to keepBackups in rollback.yaml.
func runBackupCleanup(cmd *cobra.Command, args []string) {
	start := time.Now()

	sys, log, err := buildSystem()
	if err != nil {
		outputError("Cannot open working directory", err)
		os.Exit(rollback.ExitBadArgs)
	}
	defer log.Close()

	keep := cleanupKeep
	if keep <= 0 {
		keep = sys.Config().KeepBackups
	}

	lock := acquireRunLock(sys.Config().WorkingDir)
	defer lock.Release()

	res := sys.CleanupOldBackups(keep)
	if jsonMode() {
		outputCommandJSON("backup cleanup", start, res.Success, res)
	} else {
		renderCleanupResult(res)
	}
	os.Exit(exitCodeFor(res.Result))
}

// runBackupExport executes `backup export`.
func runBackupExport(cmd *cobra.Command, args []string) {
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

	var sp *ux.Spinner
	if !jsonMode() {
		sp = ux.NewSpinner(fmt.Sprintf("Exporting %s", args[0]))
		sp.Start()
	}
	res := sys.ExportBackup(ctx, args[0], args[1])
	if sp != nil {
		if res.Success {
			sp.StopWithSuccess(fmt.Sprintf("Exported to %s", args[1]))
		} else {
			sp.StopWithError("Export failed")
		}
	}

	if jsonMode() {
		outputCommandJSON("backup export", start, res.Success, res)
	} else {
		renderResult(res)
	}
	os.Exit(exitCodeFor(res))
}

// runBackupValidate executes `backup validate`.
//
// # Description
//
// Exercises the rollback machinery itself: a throwaway backup round trip,
// a state registry health check, and the recovery self-tests. Findings are
// reported, never repaired.
//
// # Exit Codes
//
//	0 - Machinery healthy (possibly with warnings)
//	1 - Machinery broken
//	2 - Invalid working directory
func runBackupValidate(cmd *cobra.Command, args []string) {
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

	var sp *ux.Spinner
	if !jsonMode() {
		sp = ux.NewSpinner("Checking rollback machinery").WithType(ux.SpinnerOrbit)
		sp.Start()
	}
	res := sys.ValidateSystem(ctx)
	if sp != nil {
		if res.Success {
			sp.StopWithSuccess("Machinery healthy")
		} else {
			sp.StopWithError("Machinery check failed")
		}
	}

	if jsonMode() {
		outputCommandJSON("backup validate", start, res.Success, res)
	} else {
		renderResult(res)
	}
	os.Exit(exitCodeFor(res))
}
