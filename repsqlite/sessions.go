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

// Session is a workout run: ordered exercises with the sets actually
// performed. WorkoutID points at the template it was started from, if any.
type Session struct {
	ID                   string
	UserID               string
	WorkoutID            string // empty when started from scratch
	DerivedWorkoutID     string // workout later created from this session
	Name                 string
	CreatedAt            string
	CompletedAt          string
	SessionTime          string
	ExerciseCount        int
	SetCount             int
	IsSynced             bool
	IsFromDefaultWorkout bool
	UpdatedWorkoutAt     string // guards write-back into the source workout
	Exercises            []SessionExercise
}

// SessionExercise is one exercise slot in a session.
type SessionExercise struct {
	ID         string
	SessionID  string
	ExerciseID string
	Order      int
	IsSynced   bool
	Sets       []SessionSet
}

// SessionSet holds actual performed values. IsCompleted is a client-only
// marker used during an in-progress session; only completed sets survive
// session save.
type SessionSet struct {
	ID                string
	SessionExerciseID string
	SetNumber         int
	Reps              int
	Weight            float64
	IsCompleted       bool
	IsSynced          bool
}

// CreateSession creates an empty session not tied to any workout.
func (c *Client) CreateSession(ctx context.Context, name string) (*Session, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	s := &Session{ID: NewID(), UserID: c.UserID, Name: name, CreatedAt: nowUTC()}
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, name, created_at) VALUES (?, ?, ?, ?)
	`, s.ID, s.UserID, s.Name, s.CreatedAt)
	if err != nil {
		return nil, wrapSQLiteErr("failed to create session", err)
	}
	return s, nil
}

// StartSessionFromWorkout copies a workout's shape into a new session:
// targets become prefilled reps/weight, nothing is completed yet.
func (c *Client) StartSessionFromWorkout(ctx context.Context, workoutID string) (*Session, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	w, err := c.GetWorkout(ctx, workoutID)
	if err != nil {
		return nil, err
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	s := &Session{
		ID:                   NewID(),
		UserID:               c.UserID,
		WorkoutID:            workoutID,
		Name:                 w.Name,
		CreatedAt:            nowUTC(),
		IsFromDefaultWorkout: w.IsDefaultWorkout,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, workout_id, name, created_at, is_from_default_workout)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.WorkoutID, s.Name, s.CreatedAt, boolToInt(s.IsFromDefaultWorkout))
	if err != nil {
		return nil, wrapSQLiteErr("failed to create session", err)
	}

	for _, we := range w.Exercises {
		se := SessionExercise{
			ID:         NewID(),
			SessionID:  s.ID,
			ExerciseID: we.ExerciseID,
			Order:      we.Order,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_exercises (id, session_id, exercise_id, exercise_order)
			VALUES (?, ?, ?, ?)
		`, se.ID, se.SessionID, se.ExerciseID, se.Order)
		if err != nil {
			return nil, wrapSQLiteErr("failed to copy session exercise", err)
		}
		for _, set := range we.Sets {
			ss := SessionSet{
				ID:                NewID(),
				SessionExerciseID: se.ID,
				SetNumber:         set.SetNumber,
				Reps:              set.TargetReps,
				Weight:            set.TargetWeight,
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO session_sets (id, session_exercise_id, set_number, reps, weight)
				VALUES (?, ?, ?, ?, ?)
			`, ss.ID, ss.SessionExerciseID, ss.SetNumber, ss.Reps, ss.Weight)
			if err != nil {
				return nil, wrapSQLiteErr("failed to copy session set", err)
			}
			se.Sets = append(se.Sets, ss)
		}
		s.Exercises = append(s.Exercises, se)
	}

	if err := recomputeSessionCountersInTx(ctx, tx, s.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.ExerciseCount = len(s.Exercises)
	for _, se := range s.Exercises {
		s.SetCount += len(se.Sets)
	}
	return s, nil
}

// GetSession loads the full nested shape in order.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	s := &Session{ID: sessionID}
	var workoutID, derivedWorkoutID, completedAt, sessionTime, updatedWorkoutAt sql.NullString
	var isSynced, isFromDefault int
	err := c.DB.QueryRowContext(ctx, `
		SELECT user_id, workout_id, derived_workout_id, name, created_at, completed_at,
		       session_time, exercise_count, set_count, is_synced, is_from_default_workout,
		       updated_workout_at
		FROM sessions WHERE id = ?
	`, sessionID).Scan(&s.UserID, &workoutID, &derivedWorkoutID, &s.Name, &s.CreatedAt,
		&completedAt, &sessionTime, &s.ExerciseCount, &s.SetCount, &isSynced,
		&isFromDefault, &updatedWorkoutAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, repsync.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	s.WorkoutID = workoutID.String
	s.DerivedWorkoutID = derivedWorkoutID.String
	s.CompletedAt = completedAt.String
	s.SessionTime = sessionTime.String
	s.UpdatedWorkoutAt = updatedWorkoutAt.String
	s.IsSynced = isSynced == 1
	s.IsFromDefaultWorkout = isFromDefault == 1

	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, exercise_id, exercise_order, is_synced
		FROM session_exercises WHERE session_id = ? ORDER BY exercise_order
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session exercises: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		se := SessionExercise{SessionID: sessionID}
		var synced int
		if err := rows.Scan(&se.ID, &se.ExerciseID, &se.Order, &synced); err != nil {
			return nil, fmt.Errorf("failed to scan session exercise: %w", err)
		}
		se.IsSynced = synced == 1
		s.Exercises = append(s.Exercises, se)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session exercises: %w", err)
	}

	for i := range s.Exercises {
		sets, err := c.loadSessionSets(ctx, s.Exercises[i].ID)
		if err != nil {
			return nil, err
		}
		s.Exercises[i].Sets = sets
	}
	return s, nil
}

func (c *Client) loadSessionSets(ctx context.Context, sessionExerciseID string) ([]SessionSet, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, set_number, reps, weight, is_completed, is_synced
		FROM session_sets WHERE session_exercise_id = ? ORDER BY set_number
	`, sessionExerciseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session sets: %w", err)
	}
	defer rows.Close()
	var sets []SessionSet
	for rows.Next() {
		ss := SessionSet{SessionExerciseID: sessionExerciseID}
		var completed, synced int
		if err := rows.Scan(&ss.ID, &ss.SetNumber, &ss.Reps, &ss.Weight, &completed, &synced); err != nil {
			return nil, fmt.Errorf("failed to scan session set: %w", err)
		}
		ss.IsCompleted = completed == 1
		ss.IsSynced = synced == 1
		sets = append(sets, ss)
	}
	return sets, rows.Err()
}

// AddSessionExercise appends an exercise slot at the end of the session.
func (c *Client) AddSessionExercise(ctx context.Context, sessionID, exerciseID string) (*SessionExercise, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := sessionExistsInTx(ctx, tx, sessionID); err != nil {
		return nil, err
	}

	var order int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_exercises WHERE session_id = ?
	`, sessionID).Scan(&order); err != nil {
		return nil, fmt.Errorf("failed to count session exercises: %w", err)
	}

	se := &SessionExercise{
		ID:         NewID(),
		SessionID:  sessionID,
		ExerciseID: exerciseID,
		Order:      order + 1,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_exercises (id, session_id, exercise_id, exercise_order)
		VALUES (?, ?, ?, ?)
	`, se.ID, se.SessionID, se.ExerciseID, se.Order)
	if err != nil {
		return nil, wrapSQLiteErr("failed to add session exercise", err)
	}

	if err := recomputeSessionCountersInTx(ctx, tx, sessionID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return se, nil
}

// AddSessionSet appends a set at the end of a session exercise.
func (c *Client) AddSessionSet(ctx context.Context, sessionExerciseID string, reps int, weight float64) (*SessionSet, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var sessionID string
	err = tx.QueryRowContext(ctx, `
		SELECT session_id FROM session_exercises WHERE id = ?
	`, sessionExerciseID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session exercise %s: %w", sessionExerciseID, repsync.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session exercise: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM session_sets WHERE session_exercise_id = ?
	`, sessionExerciseID).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count session sets: %w", err)
	}

	ss := &SessionSet{
		ID:                NewID(),
		SessionExerciseID: sessionExerciseID,
		SetNumber:         count + 1,
		Reps:              reps,
		Weight:            weight,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_sets (id, session_exercise_id, set_number, reps, weight)
		VALUES (?, ?, ?, ?, ?)
	`, ss.ID, ss.SessionExerciseID, ss.SetNumber, ss.Reps, ss.Weight)
	if err != nil {
		return nil, wrapSQLiteErr("failed to add session set", err)
	}

	if err := recomputeSessionCountersInTx(ctx, tx, sessionID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return ss, nil
}

// RemoveSessionExercise deletes one slot, renumbers and recomputes counters.
func (c *Client) RemoveSessionExercise(ctx context.Context, sessionExerciseID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var sessionID string
	var order int
	err = tx.QueryRowContext(ctx, `
		SELECT session_id, exercise_order FROM session_exercises WHERE id = ?
	`, sessionExerciseID).Scan(&sessionID, &order)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session exercise %s: %w", sessionExerciseID, repsync.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load session exercise: %w", err)
	}

	if err := c.deleteSessionExerciseInTx(ctx, tx, sessionExerciseID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE session_exercises SET exercise_order = exercise_order - 1, is_synced = 0
		WHERE session_id = ? AND exercise_order > ?
	`, sessionID, order)
	if err != nil {
		return fmt.Errorf("failed to renumber session exercises: %w", err)
	}

	if err := recomputeSessionCountersInTx(ctx, tx, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Client) deleteSessionExerciseInTx(ctx context.Context, tx *sql.Tx, sessionExerciseID string) error {
	setIDs, err := queryIDsInTx(ctx, tx,
		`SELECT id FROM session_sets WHERE session_exercise_id = ? AND is_synced = 1`, sessionExerciseID)
	if err != nil {
		return fmt.Errorf("failed to collect synced session sets: %w", err)
	}
	for _, id := range setIDs {
		if err := c.recordTombstoneInTx(ctx, tx, repsync.TableSessionSets, id); err != nil {
			return err
		}
	}
	if err := c.tombstoneIfSyncedInTx(ctx, tx, repsync.TableSessionExercises, sessionExerciseID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_exercises WHERE id = ?`, sessionExerciseID); err != nil {
		return fmt.Errorf("failed to delete session exercise: %w", err)
	}
	return nil
}

// RemoveSessionSet deletes one set and renumbers the remaining ones.
func (c *Client) RemoveSessionSet(ctx context.Context, sessionSetID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var sessionExerciseID string
	var setNumber int
	err = tx.QueryRowContext(ctx, `
		SELECT session_exercise_id, set_number FROM session_sets WHERE id = ?
	`, sessionSetID).Scan(&sessionExerciseID, &setNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session set %s: %w", sessionSetID, repsync.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load session set: %w", err)
	}

	var sessionID string
	if err := tx.QueryRowContext(ctx, `
		SELECT session_id FROM session_exercises WHERE id = ?
	`, sessionExerciseID).Scan(&sessionID); err != nil {
		return fmt.Errorf("failed to load session exercise: %w", err)
	}

	if err := c.tombstoneIfSyncedInTx(ctx, tx, repsync.TableSessionSets, sessionSetID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_sets WHERE id = ?`, sessionSetID); err != nil {
		return fmt.Errorf("failed to delete session set: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE session_sets SET set_number = set_number - 1, is_synced = 0
		WHERE session_exercise_id = ? AND set_number > ?
	`, sessionExerciseID, setNumber)
	if err != nil {
		return fmt.Errorf("failed to renumber session sets: %w", err)
	}

	if err := recomputeSessionCountersInTx(ctx, tx, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateSessionSet overwrites performed reps/weight for one set.
func (c *Client) UpdateSessionSet(ctx context.Context, sessionSetID string, reps int, weight float64) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	res, err := c.DB.ExecContext(ctx, `
		UPDATE session_sets SET reps = ?, weight = ?, is_synced = 0 WHERE id = ?
	`, reps, weight, sessionSetID)
	if err != nil {
		return wrapSQLiteErr("failed to update session set", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session set %s: %w", sessionSetID, repsync.ErrNotFound)
	}
	return nil
}

// MarkSetCompleted flips the in-progress completion marker for one set.
func (c *Client) MarkSetCompleted(ctx context.Context, sessionSetID string, completed bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	res, err := c.DB.ExecContext(ctx, `
		UPDATE session_sets SET is_completed = ? WHERE id = ?
	`, boolToInt(completed), sessionSetID)
	if err != nil {
		return wrapSQLiteErr("failed to mark session set", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session set %s: %w", sessionSetID, repsync.ErrNotFound)
	}
	return nil
}

// DeleteSession removes the whole aggregate, tombstoning every synced row.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := sessionExistsInTx(ctx, tx, sessionID); err != nil {
		return err
	}

	setIDs, err := queryIDsInTx(ctx, tx, `
		SELECT ss.id FROM session_sets ss
		JOIN session_exercises se ON ss.session_exercise_id = se.id
		WHERE se.session_id = ? AND ss.is_synced = 1
	`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to collect synced session sets: %w", err)
	}
	for _, id := range setIDs {
		if err := c.recordTombstoneInTx(ctx, tx, repsync.TableSessionSets, id); err != nil {
			return err
		}
	}

	exIDs, err := queryIDsInTx(ctx, tx,
		`SELECT id FROM session_exercises WHERE session_id = ? AND is_synced = 1`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to collect synced session exercises: %w", err)
	}
	for _, id := range exIDs {
		if err := c.recordTombstoneInTx(ctx, tx, repsync.TableSessionExercises, id); err != nil {
			return err
		}
	}

	if err := c.tombstoneIfSyncedInTx(ctx, tx, repsync.TableSessions, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return tx.Commit()
}

func sessionExistsInTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ?)`, sessionID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check session existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("session %s: %w", sessionID, repsync.ErrNotFound)
	}
	return nil
}

// recomputeSessionCountersInTx re-derives the session counters from live
// children and marks the aggregate dirty.
func recomputeSessionCountersInTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			exercise_count = (SELECT COUNT(*) FROM session_exercises WHERE session_id = sessions.id),
			set_count = (
				SELECT COUNT(*) FROM session_sets ss
				JOIN session_exercises se ON ss.session_exercise_id = se.id
				WHERE se.session_id = sessions.id
			),
			is_synced = 0
		WHERE id = ?
	`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to recompute session counters: %w", err)
	}
	return nil
}
