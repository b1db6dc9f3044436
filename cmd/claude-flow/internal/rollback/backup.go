// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollback

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/claudeflow/claudeflow/pkg/logging"
	"github.com/claudeflow/claudeflow/pkg/validation"
)

// BackupManager handles snapshot creation, restoration, and retention for
// the critical project paths.
//
// # Description
//
// A backup captures whichever critical files and directories currently exist
// under the working directory into
// <workingDir>/.claude-flow-backups/<id>/, mirroring their relative paths,
// and records them in a write-once manifest. Restoration is driven entirely
// by the manifest. Individual copy failures during creation degrade the
// backup to partial coverage (warnings) rather than failing it; only an
// unwritable backup directory, manifest, or metadata file is fatal.
//
// # Thread Safety
//
// Not safe for concurrent use. One CLI invocation owns one working
// directory; see the package documentation for the serialization contract.
type BackupManager interface {
	// CreateBackup snapshots the critical paths under a new backup id of
	// the form <backupType>-<unix-millis>.
	CreateBackup(ctx context.Context, backupType, description string) BackupResult

	// RestoreBackup copies every manifested entry back to its original
	// location, overwriting what is there now.
	RestoreBackup(ctx context.Context, id string) RestoreResult

	// GetBackup loads one backup's manifest.
	GetBackup(id string) (*Backup, error)

	// ListBackups returns all readable backups, newest first. Corrupt or
	// incomplete backup directories are skipped.
	ListBackups() []Backup

	// DeleteBackup removes one backup directory entirely.
	DeleteBackup(id string) Result

	// CleanupOldBackups deletes everything but the keep newest backups.
	CleanupOldBackups(keep int) CleanupResult

	// ValidateBackupSystem round-trips a throwaway backup and reports
	// free-disk and incomplete-directory findings.
	ValidateBackupSystem(ctx context.Context) Result

	// ExportBackup writes one backup as a .tar.zst archive at destPath.
	ExportBackup(ctx context.Context, id, destPath string) Result
}

// DefaultBackupManager is the standard filesystem implementation.
type DefaultBackupManager struct {
	cfg Config
	log *logging.Logger
	now func() time.Time
}

// NewDefaultBackupManager creates a backup manager for cfg.WorkingDir.
// A nil logger falls back to a silent one.
func NewDefaultBackupManager(cfg Config, log *logging.Logger) *DefaultBackupManager {
	cfg.normalize()
	if log == nil {
		log = logging.Nop()
	}
	return &DefaultBackupManager{cfg: cfg, log: log, now: time.Now}
}

// CreateBackup implements BackupManager.
func (m *DefaultBackupManager) CreateBackup(ctx context.Context, backupType, description string) BackupResult {
	res := BackupResult{Result: okResult()}

	root := m.cfg.backupRoot()
	if err := os.MkdirAll(root, 0o755); err != nil {
		res.AddError("creating backup root %s: %v", root, err)
		return res
	}

	id, createdAt := m.nextBackupID(backupType)
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		res.AddError("creating backup directory %s: %v", dir, err)
		return res
	}

	backup := Backup{
		ID:          id,
		Type:        backupType,
		Description: description,
		CreatedAt:   createdAt,
		WorkingDir:  m.cfg.WorkingDir,
		Files:       []FileEntry{},
		Directories: []DirEntry{},
	}

	var totalBytes int64

	// Candidate files are enumerated up front so the manifest order stays
	// deterministic regardless of copy scheduling.
	type fileCandidate struct {
		rel  string
		size int64
		mt   time.Time
	}
	var candidates []fileCandidate
	for _, rel := range criticalFiles {
		abs := filepath.Join(m.cfg.WorkingDir, rel)
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			continue
		}
		candidates = append(candidates, fileCandidate{rel: rel, size: info.Size(), mt: info.ModTime()})
	}

	copyErrs := make([]error, len(candidates))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.CopyParallelism)
	for i, cand := range candidates {
		g.Go(func() error {
			src := filepath.Join(m.cfg.WorkingDir, cand.rel)
			dst := filepath.Join(dir, cand.rel)
			copyErrs[i] = copyFile(src, dst)
			return nil
		})
	}
	// Workers report through copyErrs, so Wait only synchronizes.
	_ = g.Wait()

	for i, cand := range candidates {
		if err := copyErrs[i]; err != nil {
			res.AddWarning("could not back up %s: %v", cand.rel, err)
			m.log.Warn("backup skipped file", "path", cand.rel, "error", err)
			continue
		}
		backup.Files = append(backup.Files, FileEntry{
			Path:       cand.rel,
			BackupPath: cand.rel,
			Size:       cand.size,
			Mtime:      cand.mt,
		})
		res.Files = append(res.Files, cand.rel)
		totalBytes += cand.size
	}

	for _, rel := range criticalDirs {
		abs := filepath.Join(m.cfg.WorkingDir, rel)
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			continue
		}
		copied, err := copyDir(abs, filepath.Join(dir, rel))
		if err != nil {
			res.AddWarning("could not back up %s: %v", rel, err)
			m.log.Warn("backup skipped directory", "path", rel, "error", err)
			continue
		}
		backup.Directories = append(backup.Directories, DirEntry{Path: rel, BackupPath: rel})
		res.Files = append(res.Files, rel+string(filepath.Separator))
		totalBytes += copied
	}

	if err := writeJSONFile(filepath.Join(dir, ManifestFileName), &backup); err != nil {
		res.AddError("writing manifest: %v", err)
		return res
	}
	meta := BackupMetadata{
		Created:   createdAt,
		Size:      totalBytes,
		FileCount: len(backup.Files),
		DirCount:  len(backup.Directories),
	}
	if err := writeJSONFile(filepath.Join(dir, MetadataFileName), &meta); err != nil {
		res.AddError("writing metadata: %v", err)
		return res
	}

	res.ID = id
	res.Location = dir
	m.log.Info("backup created",
		"id", id,
		"type", backupType,
		"files", meta.FileCount,
		"directories", meta.DirCount,
		"bytes", meta.Size)
	return res
}

// nextBackupID derives a unique id from the backup type and the current
// millisecond timestamp, bumping the timestamp on collision so that id order
// always matches creation order.
func (m *DefaultBackupManager) nextBackupID(backupType string) (string, time.Time) {
	ts := m.now().UnixMilli()
	for {
		id := fmt.Sprintf("%s-%d", backupType, ts)
		if !pathExists(filepath.Join(m.cfg.backupRoot(), id)) {
			return id, time.UnixMilli(ts)
		}
		ts++
	}
}

// RestoreBackup implements BackupManager.
func (m *DefaultBackupManager) RestoreBackup(ctx context.Context, id string) RestoreResult {
	res := RestoreResult{Result: okResult()}

	backup, err := m.GetBackup(id)
	if err != nil {
		res.AddError("loading backup %s: %v", id, err)
		return res
	}
	dir := filepath.Join(m.cfg.backupRoot(), id)

	for _, entry := range backup.Files {
		if err := safeRel(entry.Path); err != nil {
			res.AddError("manifest file entry rejected: %v", err)
			continue
		}
		src := filepath.Join(dir, entry.BackupPath)
		dst := filepath.Join(m.cfg.WorkingDir, entry.Path)
		if err := copyFile(src, dst); err != nil {
			res.AddError("restoring %s: %v", entry.Path, err)
			continue
		}
		res.Restored = append(res.Restored, entry.Path)
	}

	for _, entry := range backup.Directories {
		if err := safeRel(entry.Path); err != nil {
			res.AddError("manifest directory entry rejected: %v", err)
			continue
		}
		src := filepath.Join(dir, entry.BackupPath)
		dst := filepath.Join(m.cfg.WorkingDir, entry.Path)
		if err := os.RemoveAll(dst); err != nil {
			res.AddError("clearing %s before restore: %v", entry.Path, err)
			continue
		}
		if _, err := copyDir(src, dst); err != nil {
			res.AddError("restoring %s: %v", entry.Path, err)
			continue
		}
		res.Restored = append(res.Restored, entry.Path)
	}

	if res.Success {
		m.log.Info("backup restored", "id", id, "entries", len(res.Restored))
	} else {
		m.log.Error("backup restore incomplete", "id", id, "errors", len(res.Errors))
	}
	return res
}

// GetBackup implements BackupManager.
func (m *DefaultBackupManager) GetBackup(id string) (*Backup, error) {
	if err := validation.ValidateBackupID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackupID, err)
	}
	manifest := filepath.Join(m.cfg.backupRoot(), id, ManifestFileName)
	data, err := os.ReadFile(manifest)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnreadable, err)
	}
	var backup Backup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestCorrupted, err)
	}
	return &backup, nil
}

// ListBackups implements BackupManager.
func (m *DefaultBackupManager) ListBackups() []Backup {
	entries, err := os.ReadDir(m.cfg.backupRoot())
	if err != nil {
		return nil
	}
	var backups []Backup
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		backup, err := m.GetBackup(entry.Name())
		if err != nil {
			m.log.Debug("skipping unreadable backup", "dir", entry.Name(), "error", err)
			continue
		}
		backups = append(backups, *backup)
	}
	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].CreatedAt.After(backups[j].CreatedAt)
		}
		return backups[i].ID > backups[j].ID
	})
	return backups
}

// DeleteBackup implements BackupManager.
func (m *DefaultBackupManager) DeleteBackup(id string) Result {
	res := okResult()
	if err := validation.ValidateBackupID(id); err != nil {
		res.AddError("%v: %v", ErrInvalidBackupID, err)
		return res
	}
	dir := filepath.Join(m.cfg.backupRoot(), id)
	if !pathExists(dir) {
		res.AddError("%v: %s", ErrBackupNotFound, id)
		return res
	}
	if err := os.RemoveAll(dir); err != nil {
		res.AddError("deleting backup %s: %v", id, err)
		return res
	}
	m.log.Info("backup deleted", "id", id)
	return res
}

// CleanupOldBackups implements BackupManager.
func (m *DefaultBackupManager) CleanupOldBackups(keep int) CleanupResult {
	res := CleanupResult{Result: okResult()}
	if keep < 1 {
		res.AddError("%v: %d", ErrInvalidKeepCount, keep)
		return res
	}
	backups := m.ListBackups()
	if len(backups) <= keep {
		return res
	}
	for _, backup := range backups[keep:] {
		if del := m.DeleteBackup(backup.ID); !del.Success {
			res.Merge(del)
			continue
		}
		res.Deleted = append(res.Deleted, backup.ID)
	}
	m.log.Info("backup retention enforced", "kept", keep, "deleted", len(res.Deleted))
	return res
}

// ValidateBackupSystem implements BackupManager.
func (m *DefaultBackupManager) ValidateBackupSystem(ctx context.Context) Result {
	res := okResult()

	root := m.cfg.backupRoot()
	if err := os.MkdirAll(root, 0o755); err != nil {
		res.AddError("backup root unwritable: %v", err)
		return res
	}

	// Round trip: a throwaway backup must create and delete cleanly.
	probe := m.CreateBackup(ctx, "validation", "Backup system self-test")
	if !probe.Success {
		res.AddError("self-test backup failed: %v", probe.Errors)
		return res
	}
	if del := m.DeleteBackup(probe.ID); !del.Success {
		res.AddWarning("self-test backup %s could not be deleted", probe.ID)
	}

	// Incomplete directories are reported, never repaired.
	entries, err := os.ReadDir(root)
	if err != nil {
		res.AddWarning("listing backup root: %v", err)
	} else {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			manifest := filepath.Join(root, entry.Name(), ManifestFileName)
			if !pathExists(manifest) {
				res.AddWarning("incomplete backup directory (no manifest): %s", entry.Name())
			}
		}
	}

	if free, ok := freeDiskBytes(m.cfg.WorkingDir); !ok {
		res.AddWarning("free-space check unavailable on this platform")
	} else if minFree := m.cfg.MinFreeDiskMB * 1024 * 1024; free < minFree {
		res.AddWarning("low disk space: %d MB free, %d MB required",
			free/(1024*1024), m.cfg.MinFreeDiskMB)
	}

	return res
}

// ExportBackup implements BackupManager.
func (m *DefaultBackupManager) ExportBackup(ctx context.Context, id, destPath string) Result {
	res := okResult()

	backup, err := m.GetBackup(id)
	if err != nil {
		res.AddError("loading backup %s: %v", id, err)
		return res
	}
	dir := filepath.Join(m.cfg.backupRoot(), id)

	out, err := os.Create(destPath)
	if err != nil {
		res.AddError("creating archive %s: %v", destPath, err)
		return res
	}
	defer out.Close()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		res.AddError("initializing compressor: %v", err)
		return res
	}
	tw := tar.NewWriter(zw)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if d.Type()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(id, rel))
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		res.AddError("archiving backup %s: %v", id, err)
		return res
	}
	if err := tw.Close(); err != nil {
		res.AddError("finalizing archive: %v", err)
		return res
	}
	if err := zw.Close(); err != nil {
		res.AddError("finalizing compressor: %v", err)
		return res
	}

	m.log.Info("backup exported",
		"id", id,
		"dest", destPath,
		"files", len(backup.Files),
		"directories", len(backup.Directories))
	return res
}

// Compile-time interface check.
var _ BackupManager = (*DefaultBackupManager)(nil)
