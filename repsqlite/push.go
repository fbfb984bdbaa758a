// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/repgrid/go-repsync/repsync"
)

// SyncOnce runs one push cycle: deletes first (tombstone replay,
// child-before-parent), then dirty rows per table in parent-before-child
// order. Tables and tombstones are only cleared after the server
// acknowledges them, so every failure path leaves the rows dirty for the
// next cycle. Delivery is at least once; the server upserts by primary key,
// which makes replays harmless.
//
// A failed table poisons its dependent tables for the rest of the cycle so
// children are never pushed ahead of missing parents. Unrelated tables still
// proceed. The first error is returned.
//
// The write mutex is held only around the local snapshot and flag-flip steps,
// never across a transport call, so local mutations keep working while a
// batch is on the wire. Rows in flight carry is_synced = 2; a local edit sets
// the flag back to 0, which keeps the row dirty through the post-ack flip.
func (c *Client) SyncOnce(ctx context.Context) error {
	if atomic.LoadInt32(&c.syncPaused) == 1 {
		return nil
	}
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	if err := c.resetInFlight(ctx); err != nil {
		return err
	}
	if err := c.replayTombstones(ctx); err != nil {
		return err
	}

	var firstErr error
	failed := map[string]bool{}
	for _, table := range repsync.ClassOrder {
		if parentFailed(table, failed) {
			failed[table] = true
			continue
		}
		if err := c.pushTable(ctx, table); err != nil {
			c.logger.Warn("push failed", "table", table, "error", err)
			failed[table] = true
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// resetInFlight re-dirties rows a previous cycle left in the in-flight state,
// for example after a crash between upload and acknowledgment.
func (c *Client) resetInFlight(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, table := range repsync.ClassOrder {
		if _, err := c.DB.ExecContext(ctx,
			`UPDATE `+table+` SET is_synced = 0 WHERE is_synced = 2`); err != nil {
			return fmt.Errorf("failed to reset in-flight %s rows: %w", table, err)
		}
	}
	return nil
}

func parentFailed(table string, failed map[string]bool) bool {
	for _, p := range repsync.ClassParents[table] {
		if failed[p] {
			return true
		}
	}
	return false
}

// replayTombstones sends pending deletes child-before-parent and clears the
// acknowledged tombstones. A transport failure keeps them queued.
func (c *Client) replayTombstones(ctx context.Context) error {
	tombstones, err := c.DrainTombstones(ctx)
	if err != nil {
		return err
	}
	if len(tombstones) == 0 {
		return nil
	}

	deletes := make([]repsync.RowDelete, 0, len(tombstones))
	ids := make([]string, 0, len(tombstones))
	for _, t := range tombstones {
		deletes = append(deletes, repsync.RowDelete{Table: t.TableName, RowID: t.RowID})
		ids = append(ids, t.ID)
	}
	if err := c.Transport.Delete(ctx, deletes); err != nil {
		return fmt.Errorf("failed to replay deletes: %w", err)
	}
	return c.ClearTombstones(ctx, ids)
}

// pushTable uploads one table's dirty rows in batches of PushLimit until
// none remain.
func (c *Client) pushTable(ctx context.Context, table string) error {
	for {
		rows, ids, err := c.collectDirtyRows(ctx, table)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := c.Transport.Upsert(ctx, table, rows); err != nil {
			if relErr := c.releaseInFlight(ctx, table, ids); relErr != nil {
				c.logger.Warn("failed to release in-flight rows", "table", table, "error", relErr)
			}
			return fmt.Errorf("failed to upsert %s rows: %w", table, err)
		}
		if err := c.markRowsSynced(ctx, table, ids); err != nil {
			return err
		}
		if len(rows) < c.config.PushLimit {
			return nil
		}
	}
}

// collectDirtyRows serializes up to PushLimit dirty rows of the table into
// JSON payloads and marks them in flight in the same transaction. Column
// names become JSON keys; the local sync flag is not part of the wire
// payload.
func (c *Client) collectDirtyRows(ctx context.Context, table string) ([]repsync.RowUpsert, []string, error) {
	if !syncableTables[table] {
		return nil, nil, fmt.Errorf("push for unknown table %q: %w", table, repsync.ErrConstraint)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upserts, ids, err := scanDirtyRows(ctx, tx, table, c.config.PushLimit)
	if err != nil {
		return nil, nil, err
	}
	if len(ids) > 0 {
		query := `UPDATE ` + table + ` SET is_synced = 2 WHERE id IN (?` +
			repeatPlaceholder(len(ids)-1) + `)`
		if _, err := tx.ExecContext(ctx, query, idArgs(ids)...); err != nil {
			return nil, nil, fmt.Errorf("failed to mark %s rows in flight: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return upserts, ids, nil
}

func scanDirtyRows(ctx context.Context, tx *sql.Tx, table string, limit int) ([]repsync.RowUpsert, []string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT * FROM `+table+` WHERE is_synced = 0 ORDER BY rowid LIMIT ?`, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query dirty %s rows: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read columns: %w", err)
	}

	var upserts []repsync.RowUpsert
	var ids []string
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}

		record := make(map[string]any, len(cols))
		var id string
		for i, col := range cols {
			if col == "is_synced" {
				continue
			}
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			if col == "id" {
				id, _ = v.(string)
			}
			record[col] = v
		}
		if id == "" {
			return nil, nil, fmt.Errorf("%s row without id: %w", table, repsync.ErrConstraint)
		}

		payload, err := json.Marshal(record)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal %s row %s: %w", table, id, err)
		}
		upserts = append(upserts, repsync.RowUpsert{ID: id, Payload: payload})
		ids = append(ids, id)
	}
	return upserts, ids, rows.Err()
}

// markRowsSynced flips acknowledged rows clean. Only rows still in flight are
// flipped: a row edited while the batch was on the wire went back to dirty
// and must be pushed again next cycle.
func (c *Client) markRowsSynced(ctx context.Context, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	query := `UPDATE ` + table + ` SET is_synced = 1 WHERE is_synced = 2 AND id IN (?` +
		repeatPlaceholder(len(ids)-1) + `)`
	if _, err := c.DB.ExecContext(ctx, query, idArgs(ids)...); err != nil {
		return fmt.Errorf("failed to mark %s rows synced: %w", table, err)
	}
	return nil
}

// releaseInFlight re-dirties a batch whose upload failed.
func (c *Client) releaseInFlight(ctx context.Context, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	query := `UPDATE ` + table + ` SET is_synced = 0 WHERE is_synced = 2 AND id IN (?` +
		repeatPlaceholder(len(ids)-1) + `)`
	if _, err := c.DB.ExecContext(ctx, query, idArgs(ids)...); err != nil {
		return fmt.Errorf("failed to release in-flight %s rows: %w", table, err)
	}
	return nil
}

func idArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

// SyncSessionSave finalizes a session through the dedicated session-save
// operation instead of the generic row push: export state, build the diff
// payload, send it, then apply the same finalization locally and mark the
// surviving session rows clean. Pending edits override reps/weight both in
// the payload and in the local rows.
//
// If the server call fails the local session is untouched and the save can
// be retried; if the local finalization fails after a successful call, a
// retry is still safe because the server applies the diff idempotently by
// row id.
//
// The write mutex is not held during the server call. A session completed
// locally while the save was on the wire is detected when finalizing and
// reported as a conflict.
func (c *Client) SyncSessionSave(ctx context.Context, sessionID string, edits map[string]repsync.SetEdit) error {
	if atomic.LoadInt32(&c.syncPaused) == 1 {
		return fmt.Errorf("sync is paused: %w", repsync.ErrTransient)
	}
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.writeMu.Lock()
	state, err := c.ExportSessionState(ctx, sessionID)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}
	if !state.CompletedAt.IsZero() {
		return fmt.Errorf("session %s already completed: %w", sessionID, repsync.ErrConflict)
	}

	now := time.Now().UTC()
	state.CompletedAt = now
	state.SessionTime = formatSessionTime(now.Sub(state.CreatedAt))

	req, err := repsync.BuildSessionSave(state, edits)
	if err != nil {
		return err
	}
	if err := c.Transport.SaveSession(ctx, req); err != nil {
		return fmt.Errorf("failed to save session %s: %w", sessionID, err)
	}

	return c.finalizeSavedSession(ctx, sessionID, state, edits)
}

// finalizeSavedSession mirrors the acknowledged diff locally: uncompleted
// work is pruned without tombstones, edits are applied, completion is
// stamped and all surviving session rows are marked clean.
func (c *Client) finalizeSavedSession(ctx context.Context, sessionID string, state repsync.SessionState, edits map[string]repsync.SetEdit) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var completed sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT completed_at FROM sessions WHERE id = ?`, sessionID).Scan(&completed)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", sessionID, repsync.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read session completion: %w", err)
	}
	if completed.Valid && completed.String != "" {
		return fmt.Errorf("session %s completed while save was in flight: %w",
			sessionID, repsync.ErrConflict)
	}

	if err := c.pruneUncompletedInTx(ctx, tx, sessionID, false); err != nil {
		return err
	}
	for setID, e := range edits {
		_, err := tx.ExecContext(ctx, `
			UPDATE session_sets SET reps = ?, weight = ? WHERE id = ?
		`, e.Reps, e.Weight, setID)
		if err != nil {
			return fmt.Errorf("failed to apply set edit: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET completed_at = ?, session_time = ?, is_synced = 1 WHERE id = ?
	`, state.CompletedAt.Format(time.RFC3339Nano), state.SessionTime, sessionID)
	if err != nil {
		return fmt.Errorf("failed to stamp session completion: %w", err)
	}
	if err := recomputeSessionCountersInTx(ctx, tx, sessionID); err != nil {
		return err
	}
	// Counter recompute re-dirties the session row; the whole aggregate was
	// just acknowledged, so flip everything clean in one pass.
	stmts := []string{
		`UPDATE sessions SET is_synced = 1 WHERE id = ?`,
		`UPDATE session_exercises SET is_synced = 1 WHERE session_id = ?`,
		`UPDATE session_sets SET is_synced = 1 WHERE session_exercise_id IN
			(SELECT id FROM session_exercises WHERE session_id = ?)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, sessionID); err != nil {
			return fmt.Errorf("failed to mark session rows synced: %w", err)
		}
	}
	return tx.Commit()
}

// Start launches the background sync loop. Cycles run back to back after
// BackoffMin; consecutive failures double the delay up to BackoffMax and a
// success resets it. Stop (or canceling ctx) ends the loop.
func (c *Client) Start(ctx context.Context) {
	if c.cancelSync != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancelSync = cancel
	c.syncDone = make(chan struct{})

	go func() {
		defer close(c.syncDone)
		delay := c.config.BackoffMin
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-time.After(delay):
			}
			if err := c.SyncOnce(loopCtx); err != nil {
				c.logger.Warn("sync cycle failed", "error", err, "retry_in", delay)
				delay *= 2
				if delay > c.config.BackoffMax {
					delay = c.config.BackoffMax
				}
			} else {
				delay = c.config.BackoffMin
			}
		}
	}()
}

// Stop cancels the background loop and waits for the in-flight cycle.
func (c *Client) Stop() {
	if c.cancelSync == nil {
		return
	}
	c.cancelSync()
	<-c.syncDone
	c.cancelSync = nil
	c.syncDone = nil
}
