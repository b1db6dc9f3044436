// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided identifiers that are
// joined into filesystem paths before destructive operations (restore,
// delete, export). Using these validators prevents path traversal through
// crafted identifiers.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// maxIdentifierLength caps every identifier before pattern matching.
const maxIdentifierLength = 64

// backupIDPattern matches backup identifiers of the form <type>-<timestamp>.
// Allows: lowercase type words joined by hyphens, then a millisecond
// timestamp (pre-init-1756100000000).
var backupIDPattern = regexp.MustCompile(`^[a-z][a-z0-9]*(-[a-z0-9]+)*-[0-9]+$`)

// checkpointIDPattern matches checkpoint identifiers of the form
// checkpoint-<timestamp>-<fragment>, where the fragment is the leading hex
// of a random UUID.
var checkpointIDPattern = regexp.MustCompile(`^checkpoint-[0-9]+-[0-9a-f]{8}$`)

// ValidateBackupID validates a backup identifier before it is used as a
// path segment under the backup root.
//
// Valid identifiers:
//   - 1-64 characters
//   - Lowercase letters a-z and digits
//   - Hyphens (-) between segments
//   - A trailing numeric timestamp segment
//
// Returns an error if the identifier is invalid.
//
// Example:
//
//	if err := validation.ValidateBackupID(id); err != nil {
//	    return nil, fmt.Errorf("invalid backup id: %w", err)
//	}
//	// Safe to join under the backup root
func ValidateBackupID(id string) error {
	if id == "" {
		return fmt.Errorf("backup id cannot be empty")
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("backup id too long: %d chars (max %d)", len(id), maxIdentifierLength)
	}
	if !backupIDPattern.MatchString(id) {
		return fmt.Errorf("invalid backup id format: %q (must be lowercase words joined by hyphens with a numeric timestamp)", id)
	}
	return nil
}

// ValidateCheckpointID validates a checkpoint identifier taken from user
// input before it is resolved against the state registry.
//
// Valid identifiers look like checkpoint-1756100000000-a1b2c3d4.
//
// Returns an error if the identifier is invalid.
func ValidateCheckpointID(id string) error {
	if id == "" {
		return fmt.Errorf("checkpoint id cannot be empty")
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("checkpoint id too long: %d chars (max %d)", len(id), maxIdentifierLength)
	}
	if !checkpointIDPattern.MatchString(id) {
		return fmt.Errorf("invalid checkpoint id format: %q (must be checkpoint-<timestamp>-<hex fragment>)", id)
	}
	return nil
}

// SanitizeBackupID normalizes and validates a backup identifier.
// Returns the trimmed lowercase identifier if valid, or an error if invalid.
//
// Use this when accepting identifiers from interactive input:
//
//	safeID, err := validation.SanitizeBackupID(userInput)
//	if err != nil {
//	    return err
//	}
//	// safeID is normalized and validated
func SanitizeBackupID(id string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	if err := ValidateBackupID(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
