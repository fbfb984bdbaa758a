// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/repgrid/go-repsync/repsync"
)

// ExportSessionState snapshots the in-progress session for the pure payload
// builder. A row is Local when the server has not acknowledged it yet; for
// sessions this coincides with the dirty flag because session rows are first
// pushed at save time.
func (c *Client) ExportSessionState(ctx context.Context, sessionID string) (repsync.SessionState, error) {
	s, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return repsync.SessionState{}, err
	}

	state := repsync.SessionState{
		ID:          s.ID,
		WorkoutID:   s.WorkoutID,
		Name:        s.Name,
		SessionTime: s.SessionTime,
	}
	state.CreatedAt, _ = time.Parse(time.RFC3339Nano, s.CreatedAt)
	if s.CompletedAt != "" {
		state.CompletedAt, _ = time.Parse(time.RFC3339Nano, s.CompletedAt)
	}
	for _, se := range s.Exercises {
		es := repsync.SessionExerciseState{
			ID:         se.ID,
			ExerciseID: se.ExerciseID,
			Local:      !se.IsSynced,
			Order:      se.Order,
		}
		for _, ss := range se.Sets {
			es.Sets = append(es.Sets, repsync.SessionSetState{
				ID:        ss.ID,
				Local:     !ss.IsSynced,
				SetNumber: ss.SetNumber,
				Reps:      ss.Reps,
				Weight:    ss.Weight,
				Completed: ss.IsCompleted,
			})
		}
		state.Exercises = append(state.Exercises, es)
	}
	return state, nil
}

// CompleteSession finalizes a session locally: uncompleted sets are
// discarded (only performed work is recorded), exercises left with no sets
// are dropped, numbering is re-densified and the completion timestamp plus
// duration string are stamped. Everything happens in one transaction.
//
// This is the offline path; rows stay dirty and synced victims leave
// tombstones for the next sync cycle.
func (c *Client) CompleteSession(ctx context.Context, sessionID string) (*Session, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var createdAt string
	var completedAt sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT created_at, completed_at FROM sessions WHERE id = ?
	`, sessionID).Scan(&createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, repsync.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if completedAt.Valid && completedAt.String != "" {
		return nil, fmt.Errorf("session %s already completed: %w", sessionID, repsync.ErrConflict)
	}

	if err := c.pruneUncompletedInTx(ctx, tx, sessionID, true); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	started, _ := time.Parse(time.RFC3339Nano, createdAt)
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET completed_at = ?, session_time = ?, is_synced = 0 WHERE id = ?
	`, now.Format(time.RFC3339Nano), formatSessionTime(now.Sub(started)), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to stamp session completion: %w", err)
	}

	if err := recomputeSessionCountersInTx(ctx, tx, sessionID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return c.GetSession(ctx, sessionID)
}

// pruneUncompletedInTx removes uncompleted sets and empty exercises,
// renumbering survivors densely. With tombstones=false the deletions are
// assumed already acknowledged by the server and leave no tombstones.
func (c *Client) pruneUncompletedInTx(ctx context.Context, tx *sql.Tx, sessionID string, tombstones bool) error {
	exercises, err := loadPersistedExercises(ctx, tx, `
		SELECT id, exercise_id, exercise_order FROM session_exercises
		WHERE session_id = ? ORDER BY exercise_order
	`, sessionID)
	if err != nil {
		return err
	}

	nextOrder := 1
	for _, ex := range exercises {
		var completedCount int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM session_sets WHERE session_exercise_id = ? AND is_completed = 1
		`, ex.id).Scan(&completedCount); err != nil {
			return fmt.Errorf("failed to count completed sets: %w", err)
		}

		if completedCount == 0 {
			if tombstones {
				if err := c.deleteSessionExerciseInTx(ctx, tx, ex.id); err != nil {
					return err
				}
			} else {
				if _, err := tx.ExecContext(ctx, `DELETE FROM session_exercises WHERE id = ?`, ex.id); err != nil {
					return fmt.Errorf("failed to delete session exercise: %w", err)
				}
			}
			continue
		}

		// Drop uncompleted sets, then renumber the survivors densely.
		uncompleted, err := queryIDsInTx(ctx, tx,
			`SELECT id FROM session_sets WHERE session_exercise_id = ? AND is_completed = 0`, ex.id)
		if err != nil {
			return fmt.Errorf("failed to collect uncompleted sets: %w", err)
		}
		for _, id := range uncompleted {
			if tombstones {
				if err := c.tombstoneIfSyncedInTx(ctx, tx, repsync.TableSessionSets, id); err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM session_sets WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete session set: %w", err)
			}
		}

		survivors, err := queryIDsInTx(ctx, tx,
			`SELECT id FROM session_sets WHERE session_exercise_id = ? ORDER BY set_number`, ex.id)
		if err != nil {
			return fmt.Errorf("failed to collect surviving sets: %w", err)
		}
		for i, id := range survivors {
			_, err := tx.ExecContext(ctx, `
				UPDATE session_sets SET set_number = ?, is_synced = 0 WHERE id = ? AND set_number != ?
			`, i+1, id, i+1)
			if err != nil {
				return fmt.Errorf("failed to renumber session set: %w", err)
			}
		}

		if ex.order != nextOrder {
			_, err := tx.ExecContext(ctx, `
				UPDATE session_exercises SET exercise_order = ?, is_synced = 0 WHERE id = ?
			`, nextOrder, ex.id)
			if err != nil {
				return fmt.Errorf("failed to renumber session exercise: %w", err)
			}
		}
		nextOrder++
	}
	return nil
}

// CreateWorkoutFromSession derives a new workout template from a session's
// current shape (performed values become targets). Allowed at most once per
// session; a second call fails with ErrConflict.
func (c *Client) CreateWorkoutFromSession(ctx context.Context, sessionID, name string) (*Workout, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	s, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.DerivedWorkoutID != "" {
		return nil, fmt.Errorf("session %s already derived workout %s: %w",
			sessionID, s.DerivedWorkoutID, repsync.ErrConflict)
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	w := &Workout{ID: NewID(), UserID: c.UserID, Name: name, CreatedAt: nowUTC()}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO workouts (id, user_id, name, created_at) VALUES (?, ?, ?, ?)
	`, w.ID, w.UserID, w.Name, w.CreatedAt)
	if err != nil {
		return nil, wrapSQLiteErr("failed to create derived workout", err)
	}

	for _, se := range s.Exercises {
		weID := NewID()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workout_exercises (id, workout_id, exercise_id, exercise_order)
			VALUES (?, ?, ?, ?)
		`, weID, w.ID, se.ExerciseID, se.Order)
		if err != nil {
			return nil, wrapSQLiteErr("failed to copy exercise into derived workout", err)
		}
		for _, ss := range se.Sets {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO sets (id, workout_exercise_id, set_number, target_reps, target_weight)
				VALUES (?, ?, ?, ?, ?)
			`, NewID(), weID, ss.SetNumber, ss.Reps, ss.Weight)
			if err != nil {
				return nil, wrapSQLiteErr("failed to copy set into derived workout", err)
			}
		}
	}

	if err := recomputeWorkoutCountersInTx(ctx, tx, w.ID); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET derived_workout_id = ?, is_synced = 0 WHERE id = ?
	`, w.ID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to record derived workout: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return w, nil
}

// UpdateWorkoutBySession writes the session's shape back into its source
// workout (performed values become new targets). Allowed at most once per
// session; rejected with ErrConflict when updated_workout_at is already set.
func (c *Client) UpdateWorkoutBySession(ctx context.Context, sessionID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	s, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.UpdatedWorkoutAt != "" {
		return fmt.Errorf("session %s already updated its workout: %w", sessionID, repsync.ErrConflict)
	}
	if s.WorkoutID == "" {
		return fmt.Errorf("session %s has no source workout: %w", sessionID, repsync.ErrNotFound)
	}

	target := WorkoutShape{}
	for _, se := range s.Exercises {
		tex := WorkoutExerciseShape{ExerciseID: se.ExerciseID}
		for _, ss := range se.Sets {
			tex.Sets = append(tex.Sets, SetShape{TargetReps: ss.Reps, TargetWeight: ss.Weight})
		}
		target.Exercises = append(target.Exercises, tex)
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := c.reconcileWorkoutInTx(ctx, tx, s.WorkoutID, target); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET updated_workout_at = ?, is_synced = 0 WHERE id = ?
	`, nowUTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to record workout update: %w", err)
	}
	return tx.Commit()
}

// formatSessionTime renders a duration as H:MM:SS.
func formatSessionTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	return fmt.Sprintf("%d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}
