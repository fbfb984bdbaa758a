// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/repgrid/go-repsync/repsync"
)

// Aggregate diff reconciler: given the target shape of a two-level nested
// aggregate and whatever is currently persisted, apply the minimal set of
// inserts/updates/deletes in one transaction, preserving identity and order.
// Matching is by row id when the target carries one, else by the exercise
// reference id; never by positional index.

// WorkoutShape is the desired shape of a workout aggregate.
type WorkoutShape struct {
	Name      string // optional rename; empty keeps the current name
	Exercises []WorkoutExerciseShape
}

// WorkoutExerciseShape is one desired exercise slot. Position in the slice
// dictates the final order.
type WorkoutExerciseShape struct {
	ID         string // persisted row id when known, empty for new slots
	ExerciseID string // exercise reference, used for matching when ID is empty
	Sets       []SetShape
}

// SetShape is one desired target set. Position dictates the set number.
type SetShape struct {
	ID           string // persisted row id when known, empty for new sets
	TargetReps   int
	TargetWeight float64
}

// SessionShape mirrors WorkoutShape for session aggregates.
type SessionShape struct {
	Name      string
	Exercises []SessionExerciseShape
}

// SessionExerciseShape is one desired session exercise slot.
type SessionExerciseShape struct {
	ID         string
	ExerciseID string
	Sets       []SessionSetShape
}

// SessionSetShape is one desired session set with performed values.
type SessionSetShape struct {
	ID        string
	Reps      int
	Weight    float64
	Completed bool
}

// ReconcileWorkout turns the persisted workout aggregate into the target
// shape atomically. Returns ErrNotFound (and writes nothing) when the
// workout no longer exists.
func (c *Client) ReconcileWorkout(ctx context.Context, workoutID string, target WorkoutShape) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := c.reconcileWorkoutInTx(ctx, tx, workoutID, target); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type persistedExercise struct {
	id         string
	exerciseID string
	order      int
}

func loadPersistedExercises(ctx context.Context, tx *sql.Tx, query, parentID string) ([]persistedExercise, error) {
	rows, err := tx.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted exercises: %w", err)
	}
	defer rows.Close()
	var persisted []persistedExercise
	for rows.Next() {
		var p persistedExercise
		if err := rows.Scan(&p.id, &p.exerciseID, &p.order); err != nil {
			return nil, fmt.Errorf("failed to scan persisted exercise: %w", err)
		}
		persisted = append(persisted, p)
	}
	return persisted, rows.Err()
}

// matchPersisted finds the persisted slot a target entry refers to, by row id
// when the target carries one, else by exercise reference. Each slot can be
// claimed once; a slot already in taken is skipped so two targets never land
// on the same row.
func matchPersisted(persisted []persistedExercise, taken map[string]bool, rowID, exerciseID string) *persistedExercise {
	for i := range persisted {
		if taken[persisted[i].id] {
			continue
		}
		if rowID != "" {
			if persisted[i].id == rowID {
				return &persisted[i]
			}
			continue
		}
		if persisted[i].exerciseID == exerciseID {
			return &persisted[i]
		}
	}
	return nil
}

func (c *Client) reconcileWorkoutInTx(ctx context.Context, tx *sql.Tx, workoutID string, target WorkoutShape) error {
	if err := workoutExistsInTx(ctx, tx, workoutID); err != nil {
		return err
	}

	persisted, err := loadPersistedExercises(ctx, tx, `
		SELECT id, exercise_id, exercise_order FROM workout_exercises
		WHERE workout_id = ? ORDER BY exercise_order
	`, workoutID)
	if err != nil {
		return err
	}

	matched := make(map[string]bool, len(persisted))
	for i, tex := range target.Exercises {
		order := i + 1
		p := matchPersisted(persisted, matched, tex.ID, tex.ExerciseID)
		if p != nil {
			matched[p.id] = true
			if p.order != order {
				_, err := tx.ExecContext(ctx, `
					UPDATE workout_exercises SET exercise_order = ?, is_synced = 0 WHERE id = ?
				`, order, p.id)
				if err != nil {
					return fmt.Errorf("failed to update exercise order: %w", err)
				}
			}
			if err := c.reconcileWorkoutSetsInTx(ctx, tx, p.id, tex.Sets); err != nil {
				return err
			}
			continue
		}

		// No persisted match: new slot with a freshly allocated id.
		newID := NewID()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workout_exercises (id, workout_id, exercise_id, exercise_order)
			VALUES (?, ?, ?, ?)
		`, newID, workoutID, tex.ExerciseID, order)
		if err != nil {
			return wrapSQLiteErr("failed to insert workout exercise", err)
		}
		for j, ts := range tex.Sets {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO sets (id, workout_exercise_id, set_number, target_reps, target_weight)
				VALUES (?, ?, ?, ?, ?)
			`, NewID(), newID, j+1, ts.TargetReps, ts.TargetWeight)
			if err != nil {
				return wrapSQLiteErr("failed to insert set", err)
			}
		}
	}

	// Persisted slots absent from the target are deleted, sets cascading.
	for _, p := range persisted {
		if !matched[p.id] {
			if err := c.deleteWorkoutExerciseInTx(ctx, tx, p.id); err != nil {
				return err
			}
		}
	}

	if target.Name != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE workouts SET name = ?, is_synced = 0 WHERE id = ?
		`, target.Name, workoutID); err != nil {
			return wrapSQLiteErr("failed to rename workout", err)
		}
	}

	return recomputeWorkoutCountersInTx(ctx, tx, workoutID)
}

type persistedSet struct {
	number int
	reps   int
	weight float64
}

// reconcileWorkoutSetsInTx diffs one exercise's sets against the target
// list. Vacated slots are deleted before any renumbered row lands on them.
func (c *Client) reconcileWorkoutSetsInTx(ctx context.Context, tx *sql.Tx, workoutExerciseID string, targets []SetShape) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, set_number, target_reps, target_weight FROM sets WHERE workout_exercise_id = ?
	`, workoutExerciseID)
	if err != nil {
		return fmt.Errorf("failed to load persisted sets: %w", err)
	}
	persisted := make(map[string]persistedSet)
	for rows.Next() {
		var id string
		var p persistedSet
		if err := rows.Scan(&id, &p.number, &p.reps, &p.weight); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan persisted set: %w", err)
		}
		persisted[id] = p
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating persisted sets: %w", err)
	}
	rows.Close()

	targetIDs := make(map[string]bool, len(targets))
	for _, ts := range targets {
		if ts.ID != "" {
			targetIDs[ts.ID] = true
		}
	}

	for id := range persisted {
		if !targetIDs[id] {
			if err := c.tombstoneIfSyncedInTx(ctx, tx, repsync.TableSets, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM sets WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete set: %w", err)
			}
		}
	}

	for j, ts := range targets {
		num := j + 1
		if p, ok := persisted[ts.ID]; ts.ID != "" && ok {
			if p.number == num && p.reps == ts.TargetReps && p.weight == ts.TargetWeight {
				continue // unchanged
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE sets SET set_number = ?, target_reps = ?, target_weight = ?, is_synced = 0
				WHERE id = ?
			`, num, ts.TargetReps, ts.TargetWeight, ts.ID)
			if err != nil {
				return fmt.Errorf("failed to update set: %w", err)
			}
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sets (id, workout_exercise_id, set_number, target_reps, target_weight)
			VALUES (?, ?, ?, ?, ?)
		`, NewID(), workoutExerciseID, num, ts.TargetReps, ts.TargetWeight)
		if err != nil {
			return wrapSQLiteErr("failed to insert set", err)
		}
	}
	return nil
}

// ReconcileSession turns the persisted session aggregate into the target
// shape atomically; same algorithm as ReconcileWorkout with performed values.
func (c *Client) ReconcileSession(ctx context.Context, sessionID string, target SessionShape) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := c.reconcileSessionInTx(ctx, tx, sessionID, target); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (c *Client) reconcileSessionInTx(ctx context.Context, tx *sql.Tx, sessionID string, target SessionShape) error {
	if err := sessionExistsInTx(ctx, tx, sessionID); err != nil {
		return err
	}

	persisted, err := loadPersistedExercises(ctx, tx, `
		SELECT id, exercise_id, exercise_order FROM session_exercises
		WHERE session_id = ? ORDER BY exercise_order
	`, sessionID)
	if err != nil {
		return err
	}

	matched := make(map[string]bool, len(persisted))
	for i, tex := range target.Exercises {
		order := i + 1
		p := matchPersisted(persisted, matched, tex.ID, tex.ExerciseID)
		if p != nil {
			matched[p.id] = true
			if p.order != order {
				_, err := tx.ExecContext(ctx, `
					UPDATE session_exercises SET exercise_order = ?, is_synced = 0 WHERE id = ?
				`, order, p.id)
				if err != nil {
					return fmt.Errorf("failed to update session exercise order: %w", err)
				}
			}
			if err := c.reconcileSessionSetsInTx(ctx, tx, p.id, tex.Sets); err != nil {
				return err
			}
			continue
		}

		newID := NewID()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_exercises (id, session_id, exercise_id, exercise_order)
			VALUES (?, ?, ?, ?)
		`, newID, sessionID, tex.ExerciseID, order)
		if err != nil {
			return wrapSQLiteErr("failed to insert session exercise", err)
		}
		for j, ts := range tex.Sets {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO session_sets (id, session_exercise_id, set_number, reps, weight, is_completed)
				VALUES (?, ?, ?, ?, ?, ?)
			`, NewID(), newID, j+1, ts.Reps, ts.Weight, boolToInt(ts.Completed))
			if err != nil {
				return wrapSQLiteErr("failed to insert session set", err)
			}
		}
	}

	for _, p := range persisted {
		if !matched[p.id] {
			if err := c.deleteSessionExerciseInTx(ctx, tx, p.id); err != nil {
				return err
			}
		}
	}

	if target.Name != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET name = ?, is_synced = 0 WHERE id = ?
		`, target.Name, sessionID); err != nil {
			return fmt.Errorf("failed to rename session: %w", err)
		}
	}

	return recomputeSessionCountersInTx(ctx, tx, sessionID)
}

func (c *Client) reconcileSessionSetsInTx(ctx context.Context, tx *sql.Tx, sessionExerciseID string, targets []SessionSetShape) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, set_number, reps, weight FROM session_sets WHERE session_exercise_id = ?
	`, sessionExerciseID)
	if err != nil {
		return fmt.Errorf("failed to load persisted session sets: %w", err)
	}
	persisted := make(map[string]persistedSet)
	for rows.Next() {
		var id string
		var p persistedSet
		if err := rows.Scan(&id, &p.number, &p.reps, &p.weight); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan persisted session set: %w", err)
		}
		persisted[id] = p
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating persisted session sets: %w", err)
	}
	rows.Close()

	targetIDs := make(map[string]bool, len(targets))
	for _, ts := range targets {
		if ts.ID != "" {
			targetIDs[ts.ID] = true
		}
	}

	for id := range persisted {
		if !targetIDs[id] {
			if err := c.tombstoneIfSyncedInTx(ctx, tx, repsync.TableSessionSets, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM session_sets WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete session set: %w", err)
			}
		}
	}

	for j, ts := range targets {
		num := j + 1
		if p, ok := persisted[ts.ID]; ts.ID != "" && ok {
			if p.number == num && p.reps == ts.Reps && p.weight == ts.Weight {
				continue
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE session_sets SET set_number = ?, reps = ?, weight = ?, is_synced = 0
				WHERE id = ?
			`, num, ts.Reps, ts.Weight, ts.ID)
			if err != nil {
				return fmt.Errorf("failed to update session set: %w", err)
			}
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_sets (id, session_exercise_id, set_number, reps, weight, is_completed)
			VALUES (?, ?, ?, ?, ?, ?)
		`, NewID(), sessionExerciseID, num, ts.Reps, ts.Weight, boolToInt(ts.Completed))
		if err != nil {
			return wrapSQLiteErr("failed to insert session set", err)
		}
	}
	return nil
}
