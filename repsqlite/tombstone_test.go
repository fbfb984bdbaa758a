// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/repgrid/go-repsync/repsync"
)

func TestDeleteUnsyncedRowLeavesNoTombstone(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	exIDs := seedExercises(t, client, 1)

	w, err := client.CreateWorkout(ctx, "Push", false)
	require.NoError(t, err)
	we, err := client.AddWorkoutExercise(ctx, w.ID, exIDs[0])
	require.NoError(t, err)

	// Nothing was ever pushed; the server has nothing to forget.
	require.NoError(t, client.RemoveWorkoutExercise(ctx, we.ID))
	require.Zero(t, countRows(t, client, "deleted_rows"))
}

func TestDeleteSyncedRowRecordsTombstone(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	exIDs := seedExercises(t, client, 1)

	w, err := client.CreateWorkout(ctx, "Push", false)
	require.NoError(t, err)
	we, err := client.AddWorkoutExercise(ctx, w.ID, exIDs[0])
	require.NoError(t, err)
	set, err := client.AddSet(ctx, we.ID, 5, 100)
	require.NoError(t, err)
	markAllSynced(t, client, "workouts", "workout_exercises", "sets")

	require.NoError(t, client.RemoveWorkoutExercise(ctx, we.ID))

	tombstones, err := client.DrainTombstones(ctx)
	require.NoError(t, err)
	require.Len(t, tombstones, 2)

	// Children replay before parents.
	require.Equal(t, repsync.TableSets, tombstones[0].TableName)
	require.Equal(t, set.ID, tombstones[0].RowID)
	require.Equal(t, repsync.TableWorkoutExercises, tombstones[1].TableName)
	require.Equal(t, we.ID, tombstones[1].RowID)
}

func TestDeleteWorkoutTombstonesWholeAggregate(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	w := buildWorkout(t, client)
	markAllSynced(t, client, "workouts", "workout_exercises", "sets")

	require.NoError(t, client.DeleteWorkout(ctx, w.ID))

	tombstones, err := client.DrainTombstones(ctx)
	require.NoError(t, err)
	require.Len(t, tombstones, 8) // 5 sets + 2 exercises + 1 workout

	// Replay order never lists a parent before its children.
	rank := func(table string) int { return repsync.DeleteRank[table] }
	for i := 1; i < len(tombstones); i++ {
		require.LessOrEqual(t, rank(tombstones[i-1].TableName), rank(tombstones[i].TableName))
	}
	require.Equal(t, repsync.TableWorkouts, tombstones[len(tombstones)-1].TableName)
}

func TestRecordTombstoneUnknownTable(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	tx, err := client.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	err = client.recordTombstoneInTx(ctx, tx, "no_such_table", "row-1")
	require.ErrorIs(t, err, repsync.ErrConstraint)
	err = client.tombstoneIfSyncedInTx(ctx, tx, "no_such_table", "row-1")
	require.ErrorIs(t, err, repsync.ErrConstraint)
}

func TestDrainTombstonesRejectsCorruptTimestamp(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	_, err := client.DB.ExecContext(ctx, `
		INSERT INTO deleted_rows (id, table_name, row_id, deleted_at)
		VALUES ('t1', 'workouts', 'w1', 'not-a-timestamp')
	`)
	require.NoError(t, err)

	_, err = client.DrainTombstones(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "deleted_at")
}

func TestClearTombstones(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	exIDs := seedExercises(t, client, 1)

	w, err := client.CreateWorkout(ctx, "Push", false)
	require.NoError(t, err)
	we, err := client.AddWorkoutExercise(ctx, w.ID, exIDs[0])
	require.NoError(t, err)
	markAllSynced(t, client, "workouts", "workout_exercises")
	require.NoError(t, client.RemoveWorkoutExercise(ctx, we.ID))

	tombstones, err := client.DrainTombstones(ctx)
	require.NoError(t, err)
	require.Len(t, tombstones, 1)

	require.NoError(t, client.ClearTombstones(ctx, []string{tombstones[0].ID}))

	tombstones, err = client.DrainTombstones(ctx)
	require.NoError(t, err)
	require.Empty(t, tombstones)
}
