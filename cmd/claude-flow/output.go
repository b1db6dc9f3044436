// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/claudeflow/claudeflow/cmd/claude-flow/internal/rollback"
	"github.com/claudeflow/claudeflow/pkg/ux"
)

// apiVersion tags every JSON envelope so scripts can detect layout changes.
const apiVersion = "1.0"

// Output format flag values.
const (
	formatText = "text"
	formatJSON = "json"
)

// timeLayout is the human-readable timestamp format used by text output.
const timeLayout = "2006-01-02 15:04:05"

// jsonMode reports whether --output json is in effect.
func jsonMode() bool {
	return strings.EqualFold(outputFormat, formatJSON)
}

// CommandResult wraps command output with metadata for JSON mode.
type CommandResult struct {
	APIVersion string    `json:"api_version"`
	Command    string    `json:"command"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Data       any       `json:"data,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// StatusReport is the status command's output document.
type StatusReport struct {
	WorkingDir     string `json:"working_dir"`
	RunState       string `json:"run_state"`
	Backups        int    `json:"backups"`
	NewestBackup   string `json:"newest_backup,omitempty"`
	RollbackPoints int    `json:"rollback_points"`
	Checkpoints    int    `json:"checkpoints"`
	PendingPhases  int    `json:"pending_phases"`
	KeepBackups    int    `json:"keep_backups"`
}

// BackupListResult holds backup list output.
type BackupListResult struct {
	Backups []rollback.Backup `json:"backups"`
	Count   int               `json:"count"`
}

// PointListResult holds rollback point list output.
type PointListResult struct {
	Points []rollback.RollbackPoint `json:"points"`
	Count  int                      `json:"count"`
}

// CheckpointListResult holds checkpoint list output.
type CheckpointListResult struct {
	Checkpoints []rollback.Checkpoint `json:"checkpoints"`
	Count       int                   `json:"count"`
}

// outputCommandJSON writes one command's outcome as a CommandResult envelope.
func outputCommandJSON(command string, start time.Time, success bool, data any) {
	result := CommandResult{
		APIVersion: apiVersion,
		Command:    command,
		Timestamp:  time.Now(),
		DurationMs: time.Since(start).Milliseconds(),
		Success:    success,
		Data:       data,
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		os.Exit(rollback.ExitFailure)
	}
}

// outputError writes an error in the active format.
func outputError(msg string, err error) {
	if jsonMode() {
		result := CommandResult{
			APIVersion: apiVersion,
			Timestamp:  time.Now(),
			Success:    false,
			Error:      fmt.Sprintf("%s: %v", msg, err),
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		encoder.Encode(result)
		return
	}
	ux.Error(fmt.Sprintf("%s: %v", msg, err))
}

// exitCodeFor maps a result onto the process exit code.
func exitCodeFor(res rollback.Result) int {
	if res.Success {
		return rollback.ExitSuccess
	}
	return rollback.ExitFailure
}

// =============================================================================
// TEXT RENDERING
// =============================================================================

// renderResult prints a result's findings and the closing outcome line.
func renderResult(res rollback.Result) {
	for _, e := range res.Errors {
		ux.Error(e)
	}
	for _, w := range res.Warnings {
		ux.Warning(w)
	}
	ux.Outcome(res.Success, len(res.Errors), len(res.Warnings))
}

// renderBackupResult prints a backup creation outcome.
func renderBackupResult(res rollback.BackupResult) {
	if res.Success {
		content := fmt.Sprintf("%s\n%d files captured\n%s", res.ID, len(res.Files), res.Location)
		ux.Box("Backup created", content)
		ux.Tip("roll back any time with: claude-flow rollback full")
	}
	renderResult(res.Result)
}

// renderRollbackResult prints a rollback outcome with the actions taken.
func renderRollbackResult(res rollback.RollbackResult) {
	for _, action := range res.Actions {
		ux.Info(action)
	}
	renderResult(res.Result)
}

// renderRecoveryResult prints a recovery outcome with the steps taken or
// suggested.
func renderRecoveryResult(res rollback.RecoveryResult) {
	ux.Title(fmt.Sprintf("Recovery: %s", res.FailureType))
	for _, action := range res.Actions {
		ux.Info(action)
	}
	renderResult(res.Result)
}

// renderValidationResult prints per-path verdicts, then the findings.
func renderValidationResult(res rollback.ValidationResult) {
	for _, check := range res.Checks {
		ux.PathStatus(check.Path, integrityIcon(check.Status), check.Detail)
	}
	renderResult(res.Result)
}

// renderCleanupResult prints a retention sweep outcome.
func renderCleanupResult(res rollback.CleanupResult) {
	for _, id := range res.Deleted {
		ux.Info(fmt.Sprintf("deleted %s", id))
	}
	if len(res.Deleted) == 0 && res.Success {
		ux.Muted("nothing to delete")
	}
	renderResult(res.Result)
}

// renderBackupList prints the backup inventory, newest first.
func renderBackupList(backups []rollback.Backup) {
	if len(backups) == 0 {
		ux.Muted("no backups recorded")
		return
	}
	ux.Title(fmt.Sprintf("Backups (%d)", len(backups)))
	for _, b := range backups {
		line := fmt.Sprintf("%s  %s  %d files, %d dirs",
			b.ID, b.CreatedAt.Format(timeLayout), len(b.Files), len(b.Directories))
		if b.Description != "" {
			line += "  " + b.Description
		}
		ux.Info(line)
	}
}

// renderBackupManifest prints one backup's manifest in full.
func renderBackupManifest(b *rollback.Backup) {
	content := fmt.Sprintf("type %s\ncreated %s\n%d files, %d directories",
		b.Type, b.CreatedAt.Format(timeLayout), len(b.Files), len(b.Directories))
	if b.Description != "" {
		content += "\n" + b.Description
	}
	ux.Box(b.ID, content)
	for _, f := range b.Files {
		ux.PathStatus(f.Path, ux.IconBullet, humanBytes(f.Size))
	}
	for _, d := range b.Directories {
		ux.PathStatus(d.Path+"/", ux.IconBullet, "")
	}
}

// renderRollbackPoints prints the rollback point log.
func renderRollbackPoints(points []rollback.RollbackPoint) {
	if len(points) == 0 {
		ux.Muted("no rollback points recorded")
		return
	}
	ux.Title(fmt.Sprintf("Rollback points (%d)", len(points)))
	for _, p := range points {
		line := fmt.Sprintf("%s  %s  %s", p.Type, p.CreatedAt.Format(timeLayout), p.BackupID)
		if p.Label != "" {
			line += "  " + p.Label
		}
		ux.Info(line)
	}
}

// renderCheckpoints prints the checkpoint log with resolution status.
func renderCheckpoints(checkpoints []rollback.Checkpoint) {
	if len(checkpoints) == 0 {
		ux.Muted("no checkpoints recorded")
		return
	}
	ux.Title(fmt.Sprintf("Checkpoints (%d)", len(checkpoints)))
	for _, c := range checkpoints {
		icon := ux.IconPending
		switch c.Status {
		case rollback.StatusCommitted:
			icon = ux.IconSuccess
		case rollback.StatusRolledBack:
			icon = ux.IconArrow
		}
		ux.PathStatus(fmt.Sprintf("%s  %s", c.ID, c.Phase), icon, string(c.Status))
	}
}

// renderStatus prints the status summary.
func renderStatus(report StatusReport) {
	content := fmt.Sprintf("run state %s\n%d backups, keeping %d\n%d rollback points, %d checkpoints (%d pending)",
		report.RunState, report.Backups, report.KeepBackups,
		report.RollbackPoints, report.Checkpoints, report.PendingPhases)
	if report.NewestBackup != "" {
		content += "\nnewest backup " + report.NewestBackup
	}
	ux.Box(report.WorkingDir, content)
	if report.Backups == 0 {
		ux.Tip("create a safety net with: claude-flow backup create")
	}
}

// integrityIcon maps a file check status onto a display icon.
func integrityIcon(status rollback.FileIntegrity) ux.Icon {
	switch status {
	case rollback.IntegrityOK:
		return ux.IconSuccess
	case rollback.IntegrityTooSmall, rollback.IntegrityWrongMode:
		return ux.IconWarning
	default:
		return ux.IconError
	}
}

// humanBytes formats a byte count for display.
func humanBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
