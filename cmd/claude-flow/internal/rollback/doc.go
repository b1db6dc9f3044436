// Copyright (C) 2025 Claude-Flow contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rollback provides backup, checkpoint, rollback, and recovery
// support for claude-flow project initialization.
//
// Initialization mutates a user's working directory: it writes template
// files, creates the memory and coordination trees, and drops a local
// wrapper script. This package makes those mutations reversible. On disk
// it manages:
//   - .claude-flow-backups/<id>/: pre-init snapshots with manifest.json
//     and metadata.json
//   - .claude-flow/state/rollback-state.json: checkpoints, rollback
//     points, and rollback history
//   - .claude-flow/state/content/: compressed prior-content pool for
//     large file_modified payloads
//
// # Result Contract
//
// Component methods report through Result (or an embedding of it) rather
// than bare errors: Success plus accumulated Errors and Warnings. A
// warning means the operation reached its goal in degraded form (a file
// that could not be copied into a backup); an error means the goal itself
// was missed (an unwritable manifest).
//
// # Crash Safety
//
// The state registry is rewritten through a temp file and rename, so an
// interrupted run leaves either the old or the new document, never a
// torn one. Pending checkpoints left behind by a killed process are
// reported by validation and replayed on demand.
//
// # Run Lifecycle
//
// Each initialization run moves through an explicit RunState machine:
// backup, per-phase checkpoints, completion, with failure edges into
// recovery and reversal. The position is derived from the registry at
// construction, so one-shot CLI invocations pick up where the previous
// process stopped. See RunState for the transition graph.
//
// # Components
//
//	┌───────────────────────── RollbackSystem ─────────────────────────┐
//	│                                                                  │
//	│  ┌───────────────┐   ┌──────────────┐   ┌────────────────────┐   │
//	│  │ BackupManager │   │ StateTracker │◀──│ AtomicOperation    │   │
//	│  └───────┬───────┘   └──────┬───────┘   └─────────┬──────────┘   │
//	│          │                  │                     │              │
//	│          ▼                  ▼                     ▼              │
//	│  ┌────────────────────────────────────┐   ┌─────────────────┐    │
//	│  │ RollbackExecutor (full + partial)  │   │ RecoveryManager │    │
//	│  └────────────────────────────────────┘   └─────────────────┘    │
//	│                                                                  │
//	│  ┌───────────────────┐                                           │
//	│  │ PostInitValidator │                                           │
//	│  └───────────────────┘                                           │
//	└──────────────────────────────────────────────────────────────────┘
package rollback
