// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/repgrid/go-repsync/repsync"
)

// buildWorkout seeds a workout with two exercises, three and two target sets.
func buildWorkout(t *testing.T, client *Client) *Workout {
	t.Helper()
	ctx := context.Background()
	exIDs := seedExercises(t, client, 2)

	w, err := client.CreateWorkout(ctx, "Push Day", false)
	require.NoError(t, err)

	we1, err := client.AddWorkoutExercise(ctx, w.ID, exIDs[0])
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := client.AddSet(ctx, we1.ID, 5, 100)
		require.NoError(t, err)
	}
	we2, err := client.AddWorkoutExercise(ctx, w.ID, exIDs[1])
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := client.AddSet(ctx, we2.ID, 8, 60)
		require.NoError(t, err)
	}

	got, err := client.GetWorkout(ctx, w.ID)
	require.NoError(t, err)
	return got
}

func TestStartSessionFromWorkoutCopiesShape(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	w := buildWorkout(t, client)

	s, err := client.StartSessionFromWorkout(ctx, w.ID)
	require.NoError(t, err)

	got, err := client.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, w.ID, got.WorkoutID)
	require.Equal(t, w.Name, got.Name)
	require.Len(t, got.Exercises, 2)
	require.Equal(t, 2, got.ExerciseCount)
	require.Equal(t, 5, got.SetCount)

	// Session rows get fresh ids; targets prefill the performed values.
	for i, se := range got.Exercises {
		require.NotEqual(t, w.Exercises[i].ID, se.ID)
		require.Equal(t, w.Exercises[i].ExerciseID, se.ExerciseID)
		require.Equal(t, i+1, se.Order)
		require.Len(t, se.Sets, len(w.Exercises[i].Sets))
		for j, ss := range se.Sets {
			require.Equal(t, j+1, ss.SetNumber)
			require.Equal(t, w.Exercises[i].Sets[j].TargetReps, ss.Reps)
			require.Equal(t, w.Exercises[i].Sets[j].TargetWeight, ss.Weight)
			require.False(t, ss.IsCompleted)
		}
	}
}

func TestStartSessionFromMissingWorkout(t *testing.T) {
	client, _ := newTestClient(t)
	_, err := client.StartSessionFromWorkout(context.Background(), "nope")
	require.ErrorIs(t, err, repsync.ErrNotFound)
}

func TestSessionSetLifecycle(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	exIDs := seedExercises(t, client, 1)

	s, err := client.CreateSession(ctx, "Freestyle")
	require.NoError(t, err)
	se, err := client.AddSessionExercise(ctx, s.ID, exIDs[0])
	require.NoError(t, err)

	set1, err := client.AddSessionSet(ctx, se.ID, 5, 100)
	require.NoError(t, err)
	set2, err := client.AddSessionSet(ctx, se.ID, 5, 100)
	require.NoError(t, err)

	require.NoError(t, client.UpdateSessionSet(ctx, set1.ID, 8, 95))
	require.NoError(t, client.MarkSetCompleted(ctx, set1.ID, true))

	got, err := client.GetSession(ctx, s.ID)
	require.NoError(t, err)
	sets := got.Exercises[0].Sets
	require.Equal(t, 8, sets[0].Reps)
	require.Equal(t, 95.0, sets[0].Weight)
	require.True(t, sets[0].IsCompleted)
	require.False(t, sets[1].IsCompleted)

	// Removing the first set renumbers the second down.
	require.NoError(t, client.RemoveSessionSet(ctx, set1.ID))
	got, err = client.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, got.Exercises[0].Sets, 1)
	require.Equal(t, set2.ID, got.Exercises[0].Sets[0].ID)
	require.Equal(t, 1, got.Exercises[0].Sets[0].SetNumber)
	require.Equal(t, 1, got.SetCount)
}

func TestAddSessionExerciseRejectsDuplicateReference(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	exIDs := seedExercises(t, client, 1)

	w, err := client.CreateWorkout(ctx, "Singles", false)
	require.NoError(t, err)
	_, err = client.AddWorkoutExercise(ctx, w.ID, exIDs[0])
	require.NoError(t, err)

	s, err := client.StartSessionFromWorkout(ctx, w.ID)
	require.NoError(t, err)

	// The session already references the exercise; a second slot for the
	// same reference would make the write-back ambiguous.
	_, err = client.AddSessionExercise(ctx, s.ID, exIDs[0])
	require.ErrorIs(t, err, repsync.ErrConstraint)

	full, err := client.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, full.Exercises, 1)
	set, err := client.AddSessionSet(ctx, full.Exercises[0].ID, 5, 100)
	require.NoError(t, err)
	require.NoError(t, client.MarkSetCompleted(ctx, set.ID, true))

	require.NoError(t, client.UpdateWorkoutBySession(ctx, s.ID))

	got, err := client.GetWorkout(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, got.Exercises, 1)
	require.Equal(t, 1, got.Exercises[0].Order)
}

func TestCompleteSessionPrunesUncompletedWork(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	w := buildWorkout(t, client)

	s, err := client.StartSessionFromWorkout(ctx, w.ID)
	require.NoError(t, err)
	full, err := client.GetSession(ctx, s.ID)
	require.NoError(t, err)

	// Complete two of three sets in the first exercise, none in the second.
	require.NoError(t, client.MarkSetCompleted(ctx, full.Exercises[0].Sets[0].ID, true))
	require.NoError(t, client.MarkSetCompleted(ctx, full.Exercises[0].Sets[2].ID, true))

	done, err := client.CompleteSession(ctx, s.ID)
	require.NoError(t, err)

	require.NotEmpty(t, done.CompletedAt)
	require.NotEmpty(t, done.SessionTime)
	require.Len(t, done.Exercises, 1, "empty exercise must be pruned")
	require.Equal(t, 1, done.Exercises[0].Order)
	require.Len(t, done.Exercises[0].Sets, 2)
	require.Equal(t, 1, done.Exercises[0].Sets[0].SetNumber)
	require.Equal(t, 2, done.Exercises[0].Sets[1].SetNumber)
	require.Equal(t, 1, done.ExerciseCount)
	require.Equal(t, 2, done.SetCount)

	// Completing twice is rejected.
	_, err = client.CompleteSession(ctx, s.ID)
	require.ErrorIs(t, err, repsync.ErrConflict)
}

func TestCreateWorkoutFromSessionOnceOnly(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	exIDs := seedExercises(t, client, 1)

	s, err := client.CreateSession(ctx, "Improv")
	require.NoError(t, err)
	se, err := client.AddSessionExercise(ctx, s.ID, exIDs[0])
	require.NoError(t, err)
	_, err = client.AddSessionSet(ctx, se.ID, 10, 50)
	require.NoError(t, err)

	w, err := client.CreateWorkoutFromSession(ctx, s.ID, "Derived")
	require.NoError(t, err)

	got, err := client.GetWorkout(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, "Derived", got.Name)
	require.Len(t, got.Exercises, 1)
	require.Len(t, got.Exercises[0].Sets, 1)
	require.Equal(t, 10, got.Exercises[0].Sets[0].TargetReps)
	require.Equal(t, 50.0, got.Exercises[0].Sets[0].TargetWeight)

	// Second derivation from the same session is rejected.
	_, err = client.CreateWorkoutFromSession(ctx, s.ID, "Derived Again")
	require.ErrorIs(t, err, repsync.ErrConflict)
}

func TestUpdateWorkoutBySessionOnceOnly(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	w := buildWorkout(t, client)

	s, err := client.StartSessionFromWorkout(ctx, w.ID)
	require.NoError(t, err)
	full, err := client.GetSession(ctx, s.ID)
	require.NoError(t, err)

	// Drop the second exercise and bump the first set's values, then write
	// the session shape back into the workout.
	require.NoError(t, client.RemoveSessionExercise(ctx, full.Exercises[1].ID))
	require.NoError(t, client.UpdateSessionSet(ctx, full.Exercises[0].Sets[0].ID, 6, 105))

	require.NoError(t, client.UpdateWorkoutBySession(ctx, s.ID))

	got, err := client.GetWorkout(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, got.Exercises, 1)
	require.Len(t, got.Exercises[0].Sets, 3)
	require.Equal(t, 6, got.Exercises[0].Sets[0].TargetReps)
	require.Equal(t, 105.0, got.Exercises[0].Sets[0].TargetWeight)
	require.Equal(t, 1, got.ExerciseCount)
	require.Equal(t, 3, got.SetCount)

	require.ErrorIs(t, client.UpdateWorkoutBySession(ctx, s.ID), repsync.ErrConflict)
}

func TestUpdateWorkoutBySessionWithoutSourceWorkout(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	s, err := client.CreateSession(ctx, "Scratch")
	require.NoError(t, err)
	require.ErrorIs(t, client.UpdateWorkoutBySession(ctx, s.ID), repsync.ErrNotFound)
}
