// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollback

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/claudeflow/claudeflow/pkg/logging"
)

// PostInitValidator inspects an initialized working tree and reports what
// is broken, undersized, or missing.
//
// # Description
//
// Four focused checks plus an aggregate. Integrity looks at the artifact
// files themselves (present, readable, large enough, executable where
// required). Completeness checks the directory skeleton. Structure parses
// the data files that later subsystems read. Permissions compares modes
// against the configured expectations.
//
// Hard failures (missing required artifacts, unparseable data files) are
// errors; degradations (undersized templates, absent optional SPARC
// artifacts, mode drift) are warnings.
//
// # Thread Safety
//
// Safe for concurrent use; validators hold no mutable state.
type PostInitValidator interface {
	// CheckFileIntegrity verifies the artifact files.
	CheckFileIntegrity() ValidationResult

	// CheckCompleteness verifies the directory skeleton.
	CheckCompleteness() ValidationResult

	// ValidateStructure parses the data files subsystems depend on.
	ValidateStructure() ValidationResult

	// CheckPermissions compares file modes against the configured table.
	CheckPermissions() ValidationResult

	// Validate runs all checks and merges their outcomes.
	Validate() ValidationResult
}

// Directory skeleton expected after a full initialization. Optional
// entries only exist when SPARC modes were set up.
var (
	requiredDirs = []string{
		"memory",
		filepath.Join("memory", "agents"),
		filepath.Join("memory", "sessions"),
		"coordination",
		".claude",
		filepath.Join(".claude", "commands"),
	}
	optionalDirs = []string{
		".roo",
		filepath.Join(".claude", "commands", "sparc"),
	}
)

// DefaultPostInitValidator is the standard implementation.
type DefaultPostInitValidator struct {
	cfg Config
	log *logging.Logger
}

// NewDefaultPostInitValidator creates a validator for cfg.WorkingDir. A
// nil logger falls back to a silent one.
func NewDefaultPostInitValidator(cfg Config, log *logging.Logger) *DefaultPostInitValidator {
	cfg.normalize()
	if log == nil {
		log = logging.Nop()
	}
	return &DefaultPostInitValidator{cfg: cfg, log: log}
}

// CheckFileIntegrity implements PostInitValidator.
func (v *DefaultPostInitValidator) CheckFileIntegrity() ValidationResult {
	res := ValidationResult{Result: okResult()}

	for _, rel := range initArtifactFiles {
		abs := filepath.Join(v.cfg.WorkingDir, rel)
		st, err := os.Stat(abs)
		if os.IsNotExist(err) {
			res.Checks = append(res.Checks, FileCheck{Path: rel, Status: IntegrityMissing})
			// SPARC artifacts are optional.
			if rel == ".roomodes" {
				res.AddWarning("%s missing (SPARC not initialized)", rel)
			} else {
				res.AddError("%s is missing", rel)
			}
			continue
		}
		if err != nil {
			res.Checks = append(res.Checks, FileCheck{Path: rel, Status: IntegrityUnreadable, Detail: err.Error()})
			res.AddError("%s cannot be checked: %v", rel, err)
			continue
		}

		if f, err := os.Open(abs); err != nil {
			res.Checks = append(res.Checks, FileCheck{Path: rel, Status: IntegrityUnreadable, Detail: err.Error()})
			res.AddError("%s cannot be read: %v", rel, err)
			continue
		} else {
			f.Close()
		}

		if min, ok := v.cfg.MinFileSizes[rel]; ok && st.Size() < min {
			detail := fmt.Sprintf("%d bytes, expected at least %d", st.Size(), min)
			res.Checks = append(res.Checks, FileCheck{Path: rel, Status: IntegrityTooSmall, Detail: detail})
			res.AddWarning("%s looks truncated: %s", rel, detail)
			continue
		}

		if rel == "claude-flow" && runtime.GOOS != "windows" && st.Mode().Perm()&0o111 == 0 {
			res.Checks = append(res.Checks, FileCheck{Path: rel, Status: IntegrityNotExecutable})
			res.AddError("%s is not executable", rel)
			continue
		}

		res.Checks = append(res.Checks, FileCheck{Path: rel, Status: IntegrityOK})
	}
	return res
}

// CheckCompleteness implements PostInitValidator.
func (v *DefaultPostInitValidator) CheckCompleteness() ValidationResult {
	res := ValidationResult{Result: okResult()}

	for _, rel := range requiredDirs {
		st, err := os.Stat(filepath.Join(v.cfg.WorkingDir, rel))
		switch {
		case os.IsNotExist(err):
			res.Checks = append(res.Checks, FileCheck{Path: rel, Status: IntegrityMissing})
			res.AddError("required directory %s is missing", rel)
		case err != nil:
			res.Checks = append(res.Checks, FileCheck{Path: rel, Status: IntegrityUnreadable, Detail: err.Error()})
			res.AddError("required directory %s cannot be checked: %v", rel, err)
		case !st.IsDir():
			res.Checks = append(res.Checks, FileCheck{Path: rel, Status: IntegrityUnreadable, Detail: "not a directory"})
			res.AddError("%s exists but is not a directory", rel)
		default:
			res.Checks = append(res.Checks, FileCheck{Path: rel, Status: IntegrityOK})
		}
	}

	for _, rel := range optionalDirs {
		if pathExists(filepath.Join(v.cfg.WorkingDir, rel)) {
			res.Checks = append(res.Checks, FileCheck{Path: rel, Status: IntegrityOK})
			continue
		}
		res.Checks = append(res.Checks, FileCheck{Path: rel, Status: IntegrityMissing})
		res.AddWarning("optional directory %s missing (SPARC not initialized)", rel)
	}
	return res
}

// ValidateStructure implements PostInitValidator.
func (v *DefaultPostInitValidator) ValidateStructure() ValidationResult {
	res := ValidationResult{Result: okResult()}

	dataRel := filepath.Join("memory", "claude-flow-data.json")
	dataAbs := filepath.Join(v.cfg.WorkingDir, dataRel)
	if raw, err := os.ReadFile(dataAbs); err != nil {
		if os.IsNotExist(err) {
			res.Checks = append(res.Checks, FileCheck{Path: dataRel, Status: IntegrityMissing})
			res.AddError("%s is missing", dataRel)
		} else {
			res.Checks = append(res.Checks, FileCheck{Path: dataRel, Status: IntegrityUnreadable, Detail: err.Error()})
			res.AddError("%s cannot be read: %v", dataRel, err)
		}
	} else {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(raw, &doc); err != nil {
			res.Checks = append(res.Checks, FileCheck{Path: dataRel, Status: IntegrityUnreadable, Detail: err.Error()})
			res.AddError("%s is not valid JSON: %v", dataRel, err)
		} else {
			for _, key := range []string{"agents", "tasks"} {
				if _, ok := doc[key]; !ok {
					res.AddError("%s is missing the %q collection", dataRel, key)
				}
			}
			if res.Success {
				res.Checks = append(res.Checks, FileCheck{Path: dataRel, Status: IntegrityOK})
			}
		}
	}

	roomodesAbs := filepath.Join(v.cfg.WorkingDir, ".roomodes")
	if raw, err := os.ReadFile(roomodesAbs); err == nil {
		if json.Valid(raw) {
			res.Checks = append(res.Checks, FileCheck{Path: ".roomodes", Status: IntegrityOK})
		} else {
			res.Checks = append(res.Checks, FileCheck{Path: ".roomodes", Status: IntegrityUnreadable, Detail: "invalid JSON"})
			res.AddError(".roomodes is not valid JSON")
		}
	}

	wrapperAbs := filepath.Join(v.cfg.WorkingDir, "claude-flow")
	if raw, err := os.ReadFile(wrapperAbs); err == nil {
		if bytes.HasPrefix(raw, []byte("#!")) {
			res.Checks = append(res.Checks, FileCheck{Path: "claude-flow", Status: IntegrityOK})
		} else {
			res.Checks = append(res.Checks, FileCheck{Path: "claude-flow", Status: IntegrityUnreadable, Detail: "no shebang"})
			res.AddWarning("claude-flow wrapper has no shebang line")
		}
	}

	return res
}

// CheckPermissions implements PostInitValidator.
func (v *DefaultPostInitValidator) CheckPermissions() ValidationResult {
	res := ValidationResult{Result: okResult()}
	if runtime.GOOS == "windows" {
		res.AddWarning("permission checks skipped on windows")
		return res
	}

	paths := make([]string, 0, len(v.cfg.ExpectedModes))
	for rel := range v.cfg.ExpectedModes {
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		want := os.FileMode(v.cfg.ExpectedModes[rel])
		st, err := os.Stat(filepath.Join(v.cfg.WorkingDir, rel))
		if err != nil {
			continue
		}
		if got := st.Mode().Perm(); got != want {
			detail := fmt.Sprintf("mode %04o, want %04o", got, want)
			res.Checks = append(res.Checks, FileCheck{Path: rel, Status: IntegrityWrongMode, Detail: detail})
			res.AddWarning("%s has %s", rel, detail)
			continue
		}
		res.Checks = append(res.Checks, FileCheck{Path: rel, Status: IntegrityOK})
	}
	return res
}

// Validate implements PostInitValidator.
func (v *DefaultPostInitValidator) Validate() ValidationResult {
	res := ValidationResult{Result: okResult()}
	for _, part := range []ValidationResult{
		v.CheckFileIntegrity(),
		v.CheckCompleteness(),
		v.ValidateStructure(),
		v.CheckPermissions(),
	} {
		res.Merge(part.Result)
		res.Checks = append(res.Checks, part.Checks...)
	}
	v.log.Info("post-init validation finished",
		"checks", len(res.Checks), "errors", len(res.Errors), "warnings", len(res.Warnings))
	return res
}

// Compile-time interface check.
var _ PostInitValidator = (*DefaultPostInitValidator)(nil)
