// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/repgrid/go-repsync/repsync"
)

// Tombstone records a locally-deleted row whose deletion must be replayed
// against the authoritative store.
type Tombstone struct {
	ID        string
	TableName string
	RowID     string
	DeletedAt time.Time
}

// syncableTables is the registry of logical tables tombstones may reference.
// An unknown table name is a configuration error and fails fast.
var syncableTables = map[string]bool{
	repsync.TableUsers:            true,
	repsync.TableBodyParts:        true,
	repsync.TableEquipment:        true,
	repsync.TableExercises:        true,
	repsync.TableWorkouts:         true,
	repsync.TableWorkoutExercises: true,
	repsync.TableSets:             true,
	repsync.TableSessions:         true,
	repsync.TableSessionExercises: true,
	repsync.TableSessionSets:      true,
}

// recordTombstoneInTx enqueues one deletion for replay. Call exactly once per
// physically-deleted row, and only when that row was synced at deletion time.
func (c *Client) recordTombstoneInTx(ctx context.Context, tx *sql.Tx, tableName, rowID string) error {
	if !syncableTables[tableName] {
		return fmt.Errorf("tombstone for unknown table %q: %w", tableName, repsync.ErrConstraint)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO deleted_rows (id, table_name, row_id, deleted_at)
		VALUES (?, ?, ?, ?)
	`, NewID(), tableName, rowID, nowUTC())
	if err != nil {
		return fmt.Errorf("failed to record tombstone for %s.%s: %w", tableName, rowID, err)
	}
	return nil
}

// tombstoneIfSyncedInTx records a tombstone for the row iff it is currently
// marked synced. Rows created and deleted entirely offline never produce one
// because the server never had a copy to remove.
func (c *Client) tombstoneIfSyncedInTx(ctx context.Context, tx *sql.Tx, tableName, rowID string) error {
	if !syncableTables[tableName] {
		return fmt.Errorf("tombstone for unknown table %q: %w", tableName, repsync.ErrConstraint)
	}
	var synced int
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT is_synced FROM "%s" WHERE id = ?`, tableName), rowID,
	).Scan(&synced)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("row %s.%s vanished before deletion: %w", tableName, rowID, repsync.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read sync flag for %s.%s: %w", tableName, rowID, err)
	}
	if synced == 0 {
		return nil
	}
	return c.recordTombstoneInTx(ctx, tx, tableName, rowID)
}

// DrainTombstones returns all pending tombstones ordered for replay:
// child tables before parents, oldest first within a table.
func (c *Client) DrainTombstones(ctx context.Context) ([]Tombstone, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, table_name, row_id, deleted_at FROM deleted_rows ORDER BY deleted_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer rows.Close()

	var tombstones []Tombstone
	for rows.Next() {
		var t Tombstone
		var deletedAt string
		if err := rows.Scan(&t.ID, &t.TableName, &t.RowID, &deletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		t.DeletedAt, err = time.Parse(time.RFC3339Nano, deletedAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt deleted_at for tombstone %s.%s: %w",
				t.TableName, t.RowID, err)
		}
		tombstones = append(tombstones, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tombstones: %w", err)
	}

	// Stable child-before-parent ordering so the server never deletes a
	// parent while its children still reference it.
	sortTombstonesForReplay(tombstones)
	return tombstones, nil
}

// ClearTombstones removes acknowledged tombstones by id.
func (c *Client) ClearTombstones(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := c.DB.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM deleted_rows WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("failed to clear tombstones: %w", err)
	}
	return nil
}

// sortTombstonesForReplay orders by DeleteRank, preserving time order within
// a rank.
func sortTombstonesForReplay(tombstones []Tombstone) {
	sort.SliceStable(tombstones, func(i, j int) bool {
		return repsync.DeleteRank[tombstones[i].TableName] < repsync.DeleteRank[tombstones[j].TableName]
	})
}
