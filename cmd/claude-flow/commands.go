// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/claudeflow/claudeflow/cmd/claude-flow/internal/rollback"
	"github.com/claudeflow/claudeflow/pkg/logging"
	"github.com/claudeflow/claudeflow/pkg/ux"
	"github.com/spf13/cobra"
)

// opTimeout bounds any single command's filesystem work.
const opTimeout = 10 * time.Minute

// --- Global Command Variables ---
var (
	workingDir       string   // Project directory all operations act on
	outputFormat     string   // Output format: text or json
	logLevel         string   // Console log level
	logDir           string   // Enables JSON file logging when set
	assumeYes        bool     // Skip confirmation prompts
	personalityLevel string   // UX personality level (full/standard/minimal/machine)
	backupDesc       string   // Free-form note stored with a new backup
	cleanupKeep      int      // Retention count override for backup cleanup
	rollbackBackupID string   // Snapshot a full rollback restores from
	rollbackCkptID   string   // Checkpoint a partial rollback replays
	recoverInfo      []string // key=value failure context for recover

	rootCmd = &cobra.Command{
		Use:   "claude-flow",
		Short: "Backup, rollback, and recovery for claude-flow initialization",
		Long: `claude-flow guards project initialization with snapshots and reversal.

Critical files are snapshotted before initialization mutates them, every
phase records checkpoints as it runs, and a failed or unwanted
initialization can be rolled back to the exact prior state.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize UX personality from flag or environment
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}
		},
	}

	// --- Backups ---
	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Manage pre-initialization snapshots",
	}
	backupCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Snapshot the critical files before initialization runs",
		Run:   runBackupCreate, // Defined in cmd_backup.go
	}
	backupListCmd = &cobra.Command{
		Use:   "list",
		Short: "List all backups, newest first",
		Run:   runBackupList, // Defined in cmd_backup.go
	}
	backupShowCmd = &cobra.Command{
		Use:   "show [backup-id]",
		Short: "Show one backup's manifest",
		Args:  cobra.ExactArgs(1),
		Run:   runBackupShow, // Defined in cmd_backup.go
	}
	backupDeleteCmd = &cobra.Command{
		Use:   "delete [backup-id]",
		Short: "Delete one backup entirely",
		Args:  cobra.ExactArgs(1),
		Run:   runBackupDelete, // Defined in cmd_backup.go
	}
	backupCleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Delete all but the newest backups",
		Run:   runBackupCleanup, // Defined in cmd_backup.go
	}
	backupExportCmd = &cobra.Command{
		Use:   "export [backup-id] [dest.tar.zst]",
		Short: "Export one backup as a compressed tar archive",
		Args:  cobra.ExactArgs(2),
		Run:   runBackupExport, // Defined in cmd_backup.go
	}
	backupValidateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Round-trip a throwaway backup and check the rollback machinery",
		Run:   runBackupValidate, // Defined in cmd_backup.go
	}

	// --- Rollback ---
	rollbackCmd = &cobra.Command{
		Use:   "rollback",
		Short: "Reverse initialization, fully or one phase at a time",
	}
	rollbackFullCmd = &cobra.Command{
		Use:   "full",
		Short: "Remove initialization artifacts and restore a pre-init backup",
		Run:   runRollbackFull, // Defined in cmd_rollback.go
	}
	rollbackPartialCmd = &cobra.Command{
		Use:   "partial [phase]",
		Short: "Reverse one initialization phase",
		Long: `Reverse one initialization phase.

Named phases (sparc-init, claude-commands, memory-setup,
coordination-setup, executable-creation) have dedicated reversal
routines. Any other phase is reversed by replaying its checkpoint's
recorded actions, so it needs a checkpoint to exist.`,
		Args: cobra.ExactArgs(1),
		Run:  runRollbackPartial, // Defined in cmd_rollback.go
	}
	rollbackPointsCmd = &cobra.Command{
		Use:   "points",
		Short: "List recorded rollback points, newest first",
		Run:   runRollbackPoints, // Defined in cmd_rollback.go
	}
	rollbackCheckpointsCmd = &cobra.Command{
		Use:   "checkpoints",
		Short: "List phase checkpoints and how they resolved",
		Run:   runRollbackCheckpoints, // Defined in cmd_rollback.go
	}

	// --- Recovery / Validation ---
	recoverCmd = &cobra.Command{
		Use:   "recover [failure-type]",
		Short: "Run the automated repair routine for a classified failure",
		Long: `Run the automated repair routine for a classified failure.

Known failure types: permission-denied, disk-space,
missing-dependencies, corrupted-config, partial-initialization,
sparc-failure, executable-creation-failure, memory-setup-failure.
Anything else routes to the generic handler, which diagnoses and
suggests instead of repairing.`,
		Args: cobra.ExactArgs(1),
		Run:  runRecover, // Defined in cmd_rollback.go
	}
	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Check an initialized working directory for missing or corrupt artifacts",
		Run:   runVerify, // Defined in cmd_rollback.go
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Summarize backups, rollback points, and checkpoints",
		Run:   runStatus, // Defined in cmd_rollback.go
	}
)

// init runs when the Go program starts
func init() {
	// Global flags shared by every subcommand
	rootCmd.PersistentFlags().StringVarP(&workingDir, "working-dir", "C", ".",
		"Project directory to operate on")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", formatText,
		"Output format: text or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn",
		"Log level: debug, info, warn, or error")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "",
		"Write JSON logs to this directory in addition to the console")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false,
		"Skip confirmation prompts")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full (default, rich), standard, minimal, or machine (scripting)")

	// Backup commands
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd)
	backupCreateCmd.Flags().StringVarP(&backupDesc, "description", "d", "",
		"Free-form note stored with the backup")
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupShowCmd)
	backupCmd.AddCommand(backupDeleteCmd)
	backupCmd.AddCommand(backupCleanupCmd)
	backupCleanupCmd.Flags().IntVar(&cleanupKeep, "keep", 0,
		"Backups to retain (default: keepBackups from rollback.yaml)")
	backupCmd.AddCommand(backupExportCmd)
	backupCmd.AddCommand(backupValidateCmd)

	// Rollback commands
	rootCmd.AddCommand(rollbackCmd)
	rollbackCmd.AddCommand(rollbackFullCmd)
	rollbackFullCmd.Flags().StringVar(&rollbackBackupID, "backup-id", "",
		"Snapshot to restore (default: newest pre-init rollback point)")
	rollbackCmd.AddCommand(rollbackPartialCmd)
	rollbackPartialCmd.Flags().StringVar(&rollbackCkptID, "checkpoint", "",
		"Checkpoint to replay (default: the phase's newest checkpoint)")
	rollbackCmd.AddCommand(rollbackPointsCmd)
	rollbackCmd.AddCommand(rollbackCheckpointsCmd)

	// Recovery and validation
	rootCmd.AddCommand(recoverCmd)
	recoverCmd.Flags().StringArrayVar(&recoverInfo, "info", nil,
		"key=value failure context, repeatable (e.g. --info path=memory)")
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(statusCmd)
}

// buildSystem wires a RollbackSystem for the --working-dir flag, overlaying
// rollback.yaml when present. The caller owns the returned logger and must
// Close it.
func buildSystem() (*rollback.RollbackSystem, *logging.Logger, error) {
	absDir, err := filepath.Abs(workingDir)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving %s: %w", workingDir, err)
	}

	cfg, err := rollback.LoadConfig(absDir)
	if err != nil {
		return nil, nil, err
	}

	log := logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		LogDir:  logDir,
		Service: "claude-flow",
	})

	sys, err := rollback.NewRollbackSystem(cfg, log)
	if err != nil {
		log.Close()
		return nil, nil, err
	}
	return sys, log, nil
}
