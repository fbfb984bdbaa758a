// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsync

import "context"

// Transport is the RPC surface the sync orchestrator requires of the
// authoritative server. All operations are idempotent under retry by primary
// key: re-sending an acknowledged batch is a no-op server-side.
//
// Failures must be classifiable with errors.Is against the package sentinels;
// anything wrapping ErrTransient leaves local dirty flags untouched for the
// next cycle.
type Transport interface {
	// Upsert pushes a batch of dirty rows for one entity class.
	Upsert(ctx context.Context, table string, rows []RowUpsert) error

	// Delete replays tombstones (children before parents).
	Delete(ctx context.Context, deletes []RowDelete) error

	// SaveSession applies the session-completion three-way diff in one
	// server-side transaction.
	SaveSession(ctx context.Context, req *SessionSaveRequest) error
}
