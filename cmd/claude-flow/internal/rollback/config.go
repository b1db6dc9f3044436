// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollback

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the optional per-project override file under MetaDirName.
const ConfigFileName = "rollback.yaml"

// FileMode is an os.FileMode that (un)marshals as an octal string ("0755")
// so the yaml override file stays readable.
type FileMode os.FileMode

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *FileMode) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := strconv.ParseUint(raw, 8, 32)
	if err != nil {
		return fmt.Errorf("invalid file mode %q: %w", raw, err)
	}
	*m = FileMode(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (m FileMode) MarshalYAML() (any, error) {
	return fmt.Sprintf("%04o", os.FileMode(m).Perm()), nil
}

// Config holds the tunable parameters of the rollback subsystem.
//
// # Description
//
// Zero values are filled in by the constructors, so callers can set only the
// working directory and rely on defaults for the rest. Projects can override
// the yaml-tagged fields through <workingDir>/.claude-flow/rollback.yaml.
//
// # Example
//
//	cfg := rollback.DefaultConfig("/path/to/project")
//	cfg.KeepBackups = 5
type Config struct {
	// WorkingDir is the project directory all operations act on.
	WorkingDir string `yaml:"-" validate:"required"`

	// BackupDirName is the snapshot directory name under WorkingDir.
	BackupDirName string `yaml:"backupDir" validate:"required"`

	// KeepBackups is the default retention count for cleanup.
	KeepBackups int `yaml:"keepBackups" validate:"gte=1"`

	// MinFreeDiskMB is the free-space floor checked by backup validation.
	MinFreeDiskMB int64 `yaml:"minFreeDiskMb" validate:"gte=0"`

	// CopyParallelism bounds the file-copy group inside one backup.
	CopyParallelism int `yaml:"copyParallelism" validate:"gte=1,lte=16"`

	// InlineContentLimit is the largest prior-content payload stored inline
	// on a file_modified action; larger payloads go to the content pool.
	InlineContentLimit int `yaml:"inlineContentLimit" validate:"gte=0"`

	// ExpectedModes maps relative paths to the POSIX mode the permission
	// check expects. Defaults assume umask 022.
	ExpectedModes map[string]FileMode `yaml:"expectedModes"`

	// MinFileSizes maps relative paths to the minimum byte size the
	// integrity check accepts.
	MinFileSizes map[string]int64 `yaml:"minFileSizes"`
}

// DefaultConfig returns the standard configuration for a working directory.
func DefaultConfig(workingDir string) Config {
	return Config{
		WorkingDir:         workingDir,
		BackupDirName:      BackupDirName,
		KeepBackups:        10,
		MinFreeDiskMB:      500,
		CopyParallelism:    4,
		InlineContentLimit: 4096,
		ExpectedModes:      defaultExpectedModes(),
		MinFileSizes:       defaultMinFileSizes(),
	}
}

func defaultExpectedModes() map[string]FileMode {
	return map[string]FileMode{
		"CLAUDE.md":       0o644,
		"memory-bank.md":  0o644,
		"coordination.md": 0o644,
		"claude-flow":     0o755,
		".claude":         0o755,
		"memory":          0o755,
		"coordination":    0o755,
	}
}

func defaultMinFileSizes() map[string]int64 {
	return map[string]int64{
		"CLAUDE.md":       100,
		"memory-bank.md":  50,
		"coordination.md": 50,
		"claude-flow":     50,
	}
}

// LoadConfig builds the configuration for workingDir, overlaying
// rollback.yaml on the defaults when the file exists. A missing override
// file is not an error; an unreadable or invalid one is.
func LoadConfig(workingDir string) (Config, error) {
	cfg := DefaultConfig(workingDir)
	path := filepath.Join(workingDir, MetaDirName, ConfigFileName)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validating %s: %w", path, err)
	}
	return cfg, nil
}

// normalize fills zero values with defaults.
func (c *Config) normalize() {
	if c.BackupDirName == "" {
		c.BackupDirName = BackupDirName
	}
	if c.KeepBackups == 0 {
		c.KeepBackups = 10
	}
	if c.MinFreeDiskMB == 0 {
		c.MinFreeDiskMB = 500
	}
	if c.CopyParallelism == 0 {
		c.CopyParallelism = 4
	}
	if c.InlineContentLimit == 0 {
		c.InlineContentLimit = 4096
	}
	if c.ExpectedModes == nil {
		c.ExpectedModes = defaultExpectedModes()
	}
	if c.MinFileSizes == nil {
		c.MinFileSizes = defaultMinFileSizes()
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.WorkingDir == "" {
		return ErrEmptyWorkingDir
	}
	info, err := os.Stat(c.WorkingDir)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrWorkingDirNotExist, c.WorkingDir)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrWorkingDirNotExist, c.WorkingDir)
	}
	if c.KeepBackups < 1 {
		return ErrInvalidKeepCount
	}
	if c.CopyParallelism < 1 {
		return ErrInvalidParallelism
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

// Path helpers. All derived locations funnel through these so the layout is
// defined in exactly one place.

func (c *Config) backupRoot() string {
	return filepath.Join(c.WorkingDir, c.BackupDirName)
}

func (c *Config) stateDir() string {
	return filepath.Join(c.WorkingDir, MetaDirName, StateDirName)
}

func (c *Config) stateFile() string {
	return filepath.Join(c.stateDir(), StateFileName)
}

func (c *Config) contentPoolDir() string {
	return filepath.Join(c.stateDir(), ContentPoolDirName)
}
