// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/repgrid/go-repsync/repsync"
)

// Workout is a template: ordered exercises, each with ordered target sets.
type Workout struct {
	ID               string
	UserID           string
	Name             string
	ExerciseCount    int
	SetCount         int
	IsDefaultWorkout bool
	IsSynced         bool
	CreatedAt        string
	Exercises        []WorkoutExercise
}

// WorkoutExercise is one exercise slot in a workout. Order is 1-based and
// dense within the workout.
type WorkoutExercise struct {
	ID         string
	WorkoutID  string
	ExerciseID string
	Order      int
	IsSynced   bool
	Sets       []Set
}

// Set is one target set. SetNumber is 1-based and dense within the exercise.
type Set struct {
	ID                string
	WorkoutExerciseID string
	SetNumber         int
	TargetReps        int
	TargetWeight      float64
	IsSynced          bool
}

// CreateWorkout creates an empty workout owned by the client's user.
// The name must be unique per user.
func (c *Client) CreateWorkout(ctx context.Context, name string, isDefault bool) (*Workout, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	w := &Workout{
		ID:               NewID(),
		UserID:           c.UserID,
		Name:             name,
		IsDefaultWorkout: isDefault,
		CreatedAt:        nowUTC(),
	}
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO workouts (id, user_id, name, is_default_workout, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, w.ID, w.UserID, w.Name, boolToInt(isDefault), w.CreatedAt)
	if err != nil {
		return nil, wrapSQLiteErr("failed to create workout", err)
	}
	return w, nil
}

// GetWorkout loads the full nested shape: exercises in order, sets in
// set-number order.
func (c *Client) GetWorkout(ctx context.Context, workoutID string) (*Workout, error) {
	w := &Workout{ID: workoutID}
	var isDefault, isSynced int
	err := c.DB.QueryRowContext(ctx, `
		SELECT user_id, name, exercise_count, set_count, is_default_workout, is_synced, created_at
		FROM workouts WHERE id = ?
	`, workoutID).Scan(&w.UserID, &w.Name, &w.ExerciseCount, &w.SetCount, &isDefault, &isSynced, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workout %s: %w", workoutID, repsync.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workout: %w", err)
	}
	w.IsDefaultWorkout = isDefault == 1
	w.IsSynced = isSynced == 1

	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, exercise_id, exercise_order, is_synced
		FROM workout_exercises WHERE workout_id = ? ORDER BY exercise_order
	`, workoutID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workout exercises: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		we := WorkoutExercise{WorkoutID: workoutID}
		var synced int
		if err := rows.Scan(&we.ID, &we.ExerciseID, &we.Order, &synced); err != nil {
			return nil, fmt.Errorf("failed to scan workout exercise: %w", err)
		}
		we.IsSynced = synced == 1
		w.Exercises = append(w.Exercises, we)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workout exercises: %w", err)
	}

	for i := range w.Exercises {
		sets, err := c.loadSets(ctx, w.Exercises[i].ID)
		if err != nil {
			return nil, err
		}
		w.Exercises[i].Sets = sets
	}
	return w, nil
}

func (c *Client) loadSets(ctx context.Context, workoutExerciseID string) ([]Set, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, set_number, target_reps, target_weight, is_synced
		FROM sets WHERE workout_exercise_id = ? ORDER BY set_number
	`, workoutExerciseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sets: %w", err)
	}
	defer rows.Close()
	var sets []Set
	for rows.Next() {
		s := Set{WorkoutExerciseID: workoutExerciseID}
		var synced int
		if err := rows.Scan(&s.ID, &s.SetNumber, &s.TargetReps, &s.TargetWeight, &synced); err != nil {
			return nil, fmt.Errorf("failed to scan set: %w", err)
		}
		s.IsSynced = synced == 1
		sets = append(sets, s)
	}
	return sets, rows.Err()
}

// ListWorkouts returns all workouts for the user, newest first, without the
// nested shape.
func (c *Client) ListWorkouts(ctx context.Context) ([]*Workout, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, name, exercise_count, set_count, is_default_workout, is_synced, created_at
		FROM workouts WHERE user_id = ? ORDER BY created_at DESC
	`, c.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workouts: %w", err)
	}
	defer rows.Close()
	var workouts []*Workout
	for rows.Next() {
		w := &Workout{UserID: c.UserID}
		var isDefault, isSynced int
		if err := rows.Scan(&w.ID, &w.Name, &w.ExerciseCount, &w.SetCount, &isDefault, &isSynced, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workout: %w", err)
		}
		w.IsDefaultWorkout = isDefault == 1
		w.IsSynced = isSynced == 1
		workouts = append(workouts, w)
	}
	return workouts, rows.Err()
}

// RenameWorkout changes the workout name (unique per user).
func (c *Client) RenameWorkout(ctx context.Context, workoutID, name string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	res, err := c.DB.ExecContext(ctx, `
		UPDATE workouts SET name = ?, is_synced = 0 WHERE id = ?
	`, name, workoutID)
	if err != nil {
		return wrapSQLiteErr("failed to rename workout", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("workout %s: %w", workoutID, repsync.ErrNotFound)
	}
	return nil
}

// AddWorkoutExercise appends an exercise slot at the end of the workout.
// The same exercise may appear only once per workout.
func (c *Client) AddWorkoutExercise(ctx context.Context, workoutID, exerciseID string) (*WorkoutExercise, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := workoutExistsInTx(ctx, tx, workoutID); err != nil {
		return nil, err
	}

	var order int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workout_exercises WHERE workout_id = ?
	`, workoutID).Scan(&order); err != nil {
		return nil, fmt.Errorf("failed to count workout exercises: %w", err)
	}

	we := &WorkoutExercise{
		ID:         NewID(),
		WorkoutID:  workoutID,
		ExerciseID: exerciseID,
		Order:      order + 1,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO workout_exercises (id, workout_id, exercise_id, exercise_order)
		VALUES (?, ?, ?, ?)
	`, we.ID, we.WorkoutID, we.ExerciseID, we.Order)
	if err != nil {
		return nil, wrapSQLiteErr("failed to add workout exercise", err)
	}

	if err := recomputeWorkoutCountersInTx(ctx, tx, workoutID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return we, nil
}

// RemoveWorkoutExercise deletes one exercise slot (cascading its sets),
// renumbers the remaining slots densely and recomputes counters. Synced rows
// leave tombstones.
func (c *Client) RemoveWorkoutExercise(ctx context.Context, workoutExerciseID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var workoutID string
	var order int
	err = tx.QueryRowContext(ctx, `
		SELECT workout_id, exercise_order FROM workout_exercises WHERE id = ?
	`, workoutExerciseID).Scan(&workoutID, &order)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("workout exercise %s: %w", workoutExerciseID, repsync.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load workout exercise: %w", err)
	}

	if err := c.deleteWorkoutExerciseInTx(ctx, tx, workoutExerciseID); err != nil {
		return err
	}

	// Close the gap left by the removed slot.
	_, err = tx.ExecContext(ctx, `
		UPDATE workout_exercises SET exercise_order = exercise_order - 1, is_synced = 0
		WHERE workout_id = ? AND exercise_order > ?
	`, workoutID, order)
	if err != nil {
		return fmt.Errorf("failed to renumber workout exercises: %w", err)
	}

	if err := recomputeWorkoutCountersInTx(ctx, tx, workoutID); err != nil {
		return err
	}
	return tx.Commit()
}

// deleteWorkoutExerciseInTx tombstones the slot and its synced sets, then
// physically deletes the row (sets cascade).
func (c *Client) deleteWorkoutExerciseInTx(ctx context.Context, tx *sql.Tx, workoutExerciseID string) error {
	setIDs, err := queryIDsInTx(ctx, tx,
		`SELECT id FROM sets WHERE workout_exercise_id = ? AND is_synced = 1`, workoutExerciseID)
	if err != nil {
		return fmt.Errorf("failed to collect synced sets: %w", err)
	}
	for _, id := range setIDs {
		if err := c.recordTombstoneInTx(ctx, tx, repsync.TableSets, id); err != nil {
			return err
		}
	}
	if err := c.tombstoneIfSyncedInTx(ctx, tx, repsync.TableWorkoutExercises, workoutExerciseID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workout_exercises WHERE id = ?`, workoutExerciseID); err != nil {
		return fmt.Errorf("failed to delete workout exercise: %w", err)
	}
	return nil
}

// AddSet appends a target set at the end of a workout exercise.
func (c *Client) AddSet(ctx context.Context, workoutExerciseID string, targetReps int, targetWeight float64) (*Set, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var workoutID string
	err = tx.QueryRowContext(ctx, `
		SELECT workout_id FROM workout_exercises WHERE id = ?
	`, workoutExerciseID).Scan(&workoutID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workout exercise %s: %w", workoutExerciseID, repsync.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workout exercise: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sets WHERE workout_exercise_id = ?
	`, workoutExerciseID).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count sets: %w", err)
	}

	s := &Set{
		ID:                NewID(),
		WorkoutExerciseID: workoutExerciseID,
		SetNumber:         count + 1,
		TargetReps:        targetReps,
		TargetWeight:      targetWeight,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sets (id, workout_exercise_id, set_number, target_reps, target_weight)
		VALUES (?, ?, ?, ?, ?)
	`, s.ID, s.WorkoutExerciseID, s.SetNumber, s.TargetReps, s.TargetWeight)
	if err != nil {
		return nil, wrapSQLiteErr("failed to add set", err)
	}

	if err := recomputeWorkoutCountersInTx(ctx, tx, workoutID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return s, nil
}

// RemoveSet deletes one target set and renumbers the remaining sets densely.
func (c *Client) RemoveSet(ctx context.Context, setID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var workoutExerciseID string
	var setNumber int
	err = tx.QueryRowContext(ctx, `
		SELECT workout_exercise_id, set_number FROM sets WHERE id = ?
	`, setID).Scan(&workoutExerciseID, &setNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("set %s: %w", setID, repsync.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load set: %w", err)
	}

	var workoutID string
	if err := tx.QueryRowContext(ctx, `
		SELECT workout_id FROM workout_exercises WHERE id = ?
	`, workoutExerciseID).Scan(&workoutID); err != nil {
		return fmt.Errorf("failed to load workout exercise: %w", err)
	}

	if err := c.tombstoneIfSyncedInTx(ctx, tx, repsync.TableSets, setID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sets WHERE id = ?`, setID); err != nil {
		return fmt.Errorf("failed to delete set: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sets SET set_number = set_number - 1, is_synced = 0
		WHERE workout_exercise_id = ? AND set_number > ?
	`, workoutExerciseID, setNumber)
	if err != nil {
		return fmt.Errorf("failed to renumber sets: %w", err)
	}

	if err := recomputeWorkoutCountersInTx(ctx, tx, workoutID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteWorkout removes the whole aggregate, tombstoning every synced row
// (sets first, then exercises, then the workout).
func (c *Client) DeleteWorkout(ctx context.Context, workoutID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := workoutExistsInTx(ctx, tx, workoutID); err != nil {
		return err
	}

	setIDs, err := queryIDsInTx(ctx, tx, `
		SELECT s.id FROM sets s
		JOIN workout_exercises we ON s.workout_exercise_id = we.id
		WHERE we.workout_id = ? AND s.is_synced = 1
	`, workoutID)
	if err != nil {
		return fmt.Errorf("failed to collect synced sets: %w", err)
	}
	for _, id := range setIDs {
		if err := c.recordTombstoneInTx(ctx, tx, repsync.TableSets, id); err != nil {
			return err
		}
	}

	exIDs, err := queryIDsInTx(ctx, tx,
		`SELECT id FROM workout_exercises WHERE workout_id = ? AND is_synced = 1`, workoutID)
	if err != nil {
		return fmt.Errorf("failed to collect synced workout exercises: %w", err)
	}
	for _, id := range exIDs {
		if err := c.recordTombstoneInTx(ctx, tx, repsync.TableWorkoutExercises, id); err != nil {
			return err
		}
	}

	if err := c.tombstoneIfSyncedInTx(ctx, tx, repsync.TableWorkouts, workoutID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workouts WHERE id = ?`, workoutID); err != nil {
		return fmt.Errorf("failed to delete workout: %w", err)
	}
	return tx.Commit()
}

// workoutExistsInTx returns ErrNotFound when the aggregate parent is gone.
func workoutExistsInTx(ctx context.Context, tx *sql.Tx, workoutID string) error {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM workouts WHERE id = ?)`, workoutID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check workout existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("workout %s: %w", workoutID, repsync.ErrNotFound)
	}
	return nil
}

// recomputeWorkoutCountersInTx re-derives exercise_count and set_count from
// the live children and marks the aggregate dirty. Counters are never
// incremented ad hoc.
func recomputeWorkoutCountersInTx(ctx context.Context, tx *sql.Tx, workoutID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE workouts SET
			exercise_count = (SELECT COUNT(*) FROM workout_exercises WHERE workout_id = workouts.id),
			set_count = (
				SELECT COUNT(*) FROM sets s
				JOIN workout_exercises we ON s.workout_exercise_id = we.id
				WHERE we.workout_id = workouts.id
			),
			is_synced = 0
		WHERE id = ?
	`, workoutID)
	if err != nil {
		return fmt.Errorf("failed to recompute workout counters: %w", err)
	}
	return nil
}

// queryIDsInTx runs a single-column id query and collects the results.
func queryIDsInTx(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
