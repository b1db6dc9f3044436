// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollback

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/claudeflow/claudeflow/pkg/logging"
)

// StateTracker is the registry of checkpoints, rollback points, and
// rollback history consumed by the executor and the atomic wrapper.
//
// # Description
//
// The registry survives process death: every mutation rewrites
// <workingDir>/.claude-flow/state/rollback-state.json through a temp file
// and rename, so a killed process leaves either the old or the new document.
// A pending checkpoint left behind by an interrupted run is therefore
// visible to ValidateStateTracking on the next invocation, which reports it
// and never repairs it.
//
// Large prior-content payloads on file_modified actions are stored
// compressed in a content pool next to the registry, keyed by the sha256 of
// the uncompressed bytes, and referenced from the action record.
//
// # Thread Safety
//
// Not safe for concurrent use; one CLI invocation owns the registry.
type StateTracker interface {
	// CreateCheckpoint records a pending checkpoint for a phase.
	CreateCheckpoint(phase Phase, data CheckpointData) CheckpointResult

	// RecordRollbackPoint appends a named reference to the backup used for
	// one rollback category.
	RecordRollbackPoint(pointType, backupID, label string) Result

	// GetRollbackPoints returns the append-only rollback point log,
	// newest first.
	GetRollbackPoints() []RollbackPoint

	// GetCheckpoints returns all recorded checkpoints, newest first.
	GetCheckpoints() []Checkpoint

	// GetCheckpoint loads one checkpoint by id.
	GetCheckpoint(id string) (*Checkpoint, error)

	// LatestCheckpoint returns the most recent checkpoint for a phase.
	LatestCheckpoint(phase Phase) (*Checkpoint, error)

	// UpdateCheckpoint applies a partial update to one checkpoint.
	UpdateCheckpoint(id string, patch CheckpointPatch) Result

	// RecordRollback appends one entry to the rollback history.
	RecordRollback(target string, kind RollbackKind, phase Phase) Result

	// GetRollbackHistory returns the rollback history, newest first.
	GetRollbackHistory() []RollbackRecord

	// ValidateStateTracking reports registry corruption, unresolved
	// pending checkpoints, and content pool inconsistencies.
	ValidateStateTracking() Result

	// StoreContent places data in the content pool and returns its key.
	StoreContent(data []byte) (string, error)

	// LoadContent retrieves pool content by key.
	LoadContent(ref string) ([]byte, error)
}

// stateRegistry is the on-disk registry document.
type stateRegistry struct {
	Version        string           `json:"version"`
	Checkpoints    []Checkpoint     `json:"checkpoints"`
	RollbackPoints []RollbackPoint  `json:"rollbackPoints"`
	Rollbacks      []RollbackRecord `json:"rollbacks"`
}

// FileStateTracker is the standard file-backed implementation.
type FileStateTracker struct {
	cfg Config
	log *logging.Logger
	now func() time.Time
}

// NewFileStateTracker creates a tracker rooted at cfg.WorkingDir. A nil
// logger falls back to a silent one.
func NewFileStateTracker(cfg Config, log *logging.Logger) *FileStateTracker {
	cfg.normalize()
	if log == nil {
		log = logging.Nop()
	}
	return &FileStateTracker{cfg: cfg, log: log, now: time.Now}
}

// load reads the registry, returning a fresh one when none exists yet.
func (t *FileStateTracker) load() (*stateRegistry, error) {
	var reg stateRegistry
	err := readJSONFile(t.cfg.stateFile(), &reg)
	if os.IsNotExist(err) {
		return &stateRegistry{Version: StateFormatVersion}, nil
	}
	if err != nil {
		return nil, &StateError{Op: "load", Err: fmt.Errorf("%w: %v", ErrStateCorrupted, err)}
	}
	return &reg, nil
}

// persist atomically rewrites the registry document.
func (t *FileStateTracker) persist(reg *stateRegistry) error {
	if err := os.MkdirAll(t.cfg.stateDir(), 0o755); err != nil {
		return &StateError{Op: "persist", Err: err}
	}
	if err := atomicWriteJSON(t.cfg.stateFile(), reg); err != nil {
		return &StateError{Op: "persist", Err: err}
	}
	return nil
}

// CreateCheckpoint implements StateTracker.
func (t *FileStateTracker) CreateCheckpoint(phase Phase, data CheckpointData) CheckpointResult {
	res := CheckpointResult{Result: okResult()}

	reg, err := t.load()
	if err != nil {
		res.AddError("loading state registry: %v", err)
		return res
	}

	t.offloadLargeActions(data.Actions, &res.Result)

	now := t.now()
	id := fmt.Sprintf("checkpoint-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
	reg.Checkpoints = append(reg.Checkpoints, Checkpoint{
		ID:        id,
		Phase:     phase,
		Data:      data,
		Status:    StatusPending,
		CreatedAt: now,
	})

	if err := t.persist(reg); err != nil {
		res.AddError("persisting checkpoint: %v", err)
		return res
	}
	res.CheckpointID = id
	t.log.Debug("checkpoint created", "id", id, "phase", phase)
	return res
}

// offloadLargeActions moves oversized file_modified payloads into the
// content pool, replacing the inline bytes with a pool reference. A store
// failure leaves the payload inline and is reported as a warning.
func (t *FileStateTracker) offloadLargeActions(actions []ReversibleAction, res *Result) {
	for i, action := range actions {
		if action.Kind != ActionFileModified || len(action.Backup) <= t.cfg.InlineContentLimit {
			continue
		}
		ref, err := t.StoreContent([]byte(action.Backup))
		if err != nil {
			res.AddWarning("keeping oversized payload inline for %s: %v", action.Path, err)
			continue
		}
		actions[i].Backup = ""
		actions[i].ContentRef = ref
	}
}

// RecordRollbackPoint implements StateTracker.
func (t *FileStateTracker) RecordRollbackPoint(pointType, backupID, label string) Result {
	res := okResult()

	reg, err := t.load()
	if err != nil {
		res.AddError("loading state registry: %v", err)
		return res
	}
	reg.RollbackPoints = append(reg.RollbackPoints, RollbackPoint{
		Type:      pointType,
		BackupID:  backupID,
		CreatedAt: t.now(),
		Label:     label,
	})
	if err := t.persist(reg); err != nil {
		res.AddError("persisting rollback point: %v", err)
		return res
	}
	t.log.Debug("rollback point recorded", "type", pointType, "backup_id", backupID)
	return res
}

// GetRollbackPoints implements StateTracker.
func (t *FileStateTracker) GetRollbackPoints() []RollbackPoint {
	reg, err := t.load()
	if err != nil {
		t.log.Debug("state registry unreadable", "error", err)
		return nil
	}
	points := make([]RollbackPoint, len(reg.RollbackPoints))
	copy(points, reg.RollbackPoints)
	// Append-only log, so reversing yields newest first.
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points
}

// GetCheckpoints implements StateTracker.
func (t *FileStateTracker) GetCheckpoints() []Checkpoint {
	reg, err := t.load()
	if err != nil {
		t.log.Debug("state registry unreadable", "error", err)
		return nil
	}
	checkpoints := make([]Checkpoint, len(reg.Checkpoints))
	copy(checkpoints, reg.Checkpoints)
	for i, j := 0, len(checkpoints)-1; i < j; i, j = i+1, j-1 {
		checkpoints[i], checkpoints[j] = checkpoints[j], checkpoints[i]
	}
	return checkpoints
}

// GetCheckpoint implements StateTracker.
func (t *FileStateTracker) GetCheckpoint(id string) (*Checkpoint, error) {
	reg, err := t.load()
	if err != nil {
		return nil, err
	}
	for i := range reg.Checkpoints {
		if reg.Checkpoints[i].ID == id {
			ckpt := reg.Checkpoints[i]
			return &ckpt, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
}

// LatestCheckpoint implements StateTracker.
func (t *FileStateTracker) LatestCheckpoint(phase Phase) (*Checkpoint, error) {
	reg, err := t.load()
	if err != nil {
		return nil, err
	}
	for i := len(reg.Checkpoints) - 1; i >= 0; i-- {
		if reg.Checkpoints[i].Phase == phase {
			ckpt := reg.Checkpoints[i]
			return &ckpt, nil
		}
	}
	return nil, fmt.Errorf("%w: no checkpoint for phase %s", ErrCheckpointNotFound, phase)
}

// UpdateCheckpoint implements StateTracker.
func (t *FileStateTracker) UpdateCheckpoint(id string, patch CheckpointPatch) Result {
	res := okResult()

	reg, err := t.load()
	if err != nil {
		res.AddError("loading state registry: %v", err)
		return res
	}

	idx := -1
	for i := range reg.Checkpoints {
		if reg.Checkpoints[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		res.AddError("%v: %s", ErrCheckpointNotFound, id)
		return res
	}

	ckpt := &reg.Checkpoints[idx]
	if patch.Status != nil {
		ckpt.Status = *patch.Status
	}
	if patch.CompletedAt != nil {
		ckpt.CompletedAt = patch.CompletedAt
	}
	if patch.Actions != nil {
		t.offloadLargeActions(patch.Actions, &res)
		ckpt.Data.Actions = patch.Actions
	}
	if len(patch.Extra) > 0 {
		if ckpt.Data.Extra == nil {
			ckpt.Data.Extra = make(map[string]any, len(patch.Extra))
		}
		for k, v := range patch.Extra {
			ckpt.Data.Extra[k] = v
		}
	}

	if err := t.persist(reg); err != nil {
		res.AddError("persisting checkpoint update: %v", err)
		return res
	}
	t.log.Debug("checkpoint updated", "id", id, "status", ckpt.Status)
	return res
}

// RecordRollback implements StateTracker.
func (t *FileStateTracker) RecordRollback(target string, kind RollbackKind, phase Phase) Result {
	res := okResult()

	reg, err := t.load()
	if err != nil {
		res.AddError("loading state registry: %v", err)
		return res
	}
	reg.Rollbacks = append(reg.Rollbacks, RollbackRecord{
		Target: target,
		Kind:   kind,
		Phase:  phase,
		At:     t.now(),
	})
	if err := t.persist(reg); err != nil {
		res.AddError("persisting rollback record: %v", err)
		return res
	}
	return res
}

// GetRollbackHistory implements StateTracker.
func (t *FileStateTracker) GetRollbackHistory() []RollbackRecord {
	reg, err := t.load()
	if err != nil {
		t.log.Debug("state registry unreadable", "error", err)
		return nil
	}
	records := make([]RollbackRecord, len(reg.Rollbacks))
	copy(records, reg.Rollbacks)
	// Append-only log, so reversing yields newest first.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records
}

// ValidateStateTracking implements StateTracker.
func (t *FileStateTracker) ValidateStateTracking() Result {
	res := okResult()

	reg, err := t.load()
	if err != nil {
		res.AddError("state registry corrupted: %v", err)
		return res
	}

	referenced := make(map[string]bool)
	for _, ckpt := range reg.Checkpoints {
		if ckpt.Status == StatusPending {
			res.AddWarning("unresolved pending checkpoint %s (phase %s), left by an interrupted run",
				ckpt.ID, ckpt.Phase)
		}
		for _, action := range ckpt.Data.Actions {
			if action.ContentRef == "" {
				continue
			}
			referenced[action.ContentRef] = true
			if _, err := os.Stat(filepath.Join(t.cfg.contentPoolDir(), action.ContentRef)); err != nil {
				res.AddError("checkpoint %s references missing content %s", ckpt.ID, action.ContentRef)
			}
		}
	}

	entries, err := os.ReadDir(t.cfg.contentPoolDir())
	if err == nil {
		for _, entry := range entries {
			if !referenced[entry.Name()] {
				res.AddWarning("orphaned content pool entry: %s", entry.Name())
			}
		}
	}

	return res
}

// StoreContent implements StateTracker. Content is addressed by the sha256
// of the uncompressed bytes, so storing identical content twice is free.
func (t *FileStateTracker) StoreContent(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])

	pool := t.cfg.contentPoolDir()
	if err := os.MkdirAll(pool, 0o755); err != nil {
		return "", &StateError{Op: "store content", Err: err}
	}
	path := filepath.Join(pool, ref)
	if pathExists(path) {
		return ref, nil
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return "", &StateError{Op: "store content", Err: err}
	}
	compressed := enc.EncodeAll(data, nil)
	enc.Close()

	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		return "", &StateError{Op: "store content", Err: err}
	}
	return ref, nil
}

// LoadContent implements StateTracker.
func (t *FileStateTracker) LoadContent(ref string) ([]byte, error) {
	if !isContentRef(ref) {
		return nil, fmt.Errorf("%w: malformed ref %q", ErrContentNotFound, ref)
	}
	raw, err := os.ReadFile(filepath.Join(t.cfg.contentPoolDir(), ref))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrContentNotFound, ref)
	}
	if err != nil {
		return nil, &StateError{Op: "load content", Err: err}
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, &StateError{Op: "load content", Err: err}
	}
	defer dec.Close()
	data, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, &StateError{Op: "load content", Err: fmt.Errorf("%w: %v", ErrStateCorrupted, err)}
	}
	return data, nil
}

// isContentRef accepts only lowercase sha256 hex, keeping pool lookups from
// ever leaving the pool directory.
func isContentRef(ref string) bool {
	if len(ref) != 64 {
		return false
	}
	for _, c := range ref {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Compile-time interface check.
var _ StateTracker = (*FileStateTracker)(nil)
