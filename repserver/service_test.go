// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repserver

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/repgrid/go-repsync/repsync"
)

// newTestService connects to the Postgres named by REPSYNC_TEST_DATABASE_URL
// and wipes the business tables. Tests are skipped when the variable is
// unset so the suite runs without a database.
func newTestService(t *testing.T) *SyncService {
	t.Helper()
	dsn := os.Getenv("REPSYNC_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("REPSYNC_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	service, err := NewSyncService(ctx, pool, &ServiceConfig{AppName: "repserver-test"}, nil)
	require.NoError(t, err)

	for _, table := range []string{
		"session_sets", "session_exercises", "sessions",
		"sets", "workout_exercises", "workouts",
		"exercises", "equipment", "body_parts", "users",
	} {
		_, err := pool.Exec(ctx, "DELETE FROM "+table)
		require.NoError(t, err)
	}
	return service
}

func payload(t *testing.T, fields map[string]any) repsync.RowUpsert {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	id, _ := fields["id"].(string)
	return repsync.RowUpsert{ID: id, Payload: raw}
}

func seedUser(t *testing.T, s *SyncService, userID string) {
	t.Helper()
	err := s.ApplyUpserts(context.Background(), userID, repsync.TableUsers, []repsync.RowUpsert{
		payload(t, map[string]any{"id": userID, "username": "Tester", "created_at": "2025-06-01T10:00:00Z"}),
	})
	require.NoError(t, err)
}

func TestApplyUpsertsIsIdempotent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedUser(t, s, "u1")

	id := uuid.New().String()
	rows := []repsync.RowUpsert{payload(t, map[string]any{
		"id": id, "user_id": "u1", "name": "Push Day",
		"created_at": "2025-06-01T10:00:00Z",
		"exercise_count": 0, "set_count": 0, "is_default_workout": 0,
	})}

	require.NoError(t, s.ApplyUpserts(ctx, "u1", repsync.TableWorkouts, rows))
	// Replay after a lost acknowledgment.
	require.NoError(t, s.ApplyUpserts(ctx, "u1", repsync.TableWorkouts, rows))

	var count int
	require.NoError(t, s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM workouts WHERE id = $1`, id).Scan(&count))
	require.Equal(t, 1, count)

	// Update by primary key, not duplicate.
	rows[0] = payload(t, map[string]any{
		"id": id, "user_id": "u1", "name": "Pull Day",
		"created_at": "2025-06-01T10:00:00Z",
		"exercise_count": 0, "set_count": 0, "is_default_workout": 0,
	})
	require.NoError(t, s.ApplyUpserts(ctx, "u1", repsync.TableWorkouts, rows))

	var name string
	require.NoError(t, s.pool.QueryRow(ctx,
		`SELECT name FROM workouts WHERE id = $1`, id).Scan(&name))
	require.Equal(t, "Pull Day", name)
}

func TestApplyUpsertsRejectsForeignOwner(t *testing.T) {
	s := newTestService(t)
	seedUser(t, s, "u1")

	rows := []repsync.RowUpsert{payload(t, map[string]any{
		"id": uuid.New().String(), "user_id": "someone-else", "name": "Stolen",
		"created_at": "2025-06-01T10:00:00Z",
		"exercise_count": 0, "set_count": 0, "is_default_workout": 0,
	})}
	err := s.ApplyUpserts(context.Background(), "u1", repsync.TableWorkouts, rows)
	require.ErrorIs(t, err, repsync.ErrUnauthorized)
}

func TestApplyUpsertsUnknownTable(t *testing.T) {
	s := newTestService(t)
	err := s.ApplyUpserts(context.Background(), "u1", "sqlite_master", nil)
	require.ErrorIs(t, err, repsync.ErrConstraint)
}

func TestApplyUpsertsMapsConstraintViolations(t *testing.T) {
	s := newTestService(t)
	seedUser(t, s, "u1")

	// workout_exercises row whose workout does not exist.
	rows := []repsync.RowUpsert{payload(t, map[string]any{
		"id": uuid.New().String(), "workout_id": uuid.New().String(),
		"exercise_id": uuid.New().String(), "exercise_order": 1,
	})}
	err := s.ApplyUpserts(context.Background(), "u1", repsync.TableWorkoutExercises, rows)
	require.ErrorIs(t, err, repsync.ErrConstraint)
}

func TestApplyUpsertsGuardsOnceOnlyColumns(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedUser(t, s, "u1")

	workout := func() string {
		id := uuid.New().String()
		require.NoError(t, s.ApplyUpserts(ctx, "u1", repsync.TableWorkouts, []repsync.RowUpsert{
			payload(t, map[string]any{
				"id": id, "user_id": "u1", "name": "W-" + id,
				"created_at": "2025-06-01T10:00:00Z",
				"exercise_count": 0, "set_count": 0, "is_default_workout": 0,
			}),
		}))
		return id
	}
	w1, w2 := workout(), workout()

	sessionID := uuid.New().String()
	row := map[string]any{
		"id": sessionID, "user_id": "u1", "workout_id": nil,
		"derived_workout_id": nil, "name": "Morning",
		"created_at": "2025-06-01T10:00:00Z", "completed_at": nil,
		"session_time": nil, "exercise_count": 0, "set_count": 0,
		"is_from_default_workout": 0, "updated_workout_at": nil,
	}
	upsert := func() error {
		return s.ApplyUpserts(ctx, "u1", repsync.TableSessions,
			[]repsync.RowUpsert{payload(t, row)})
	}
	require.NoError(t, upsert())

	// First write of a once-only column, and its at-least-once replay.
	row["derived_workout_id"] = w1
	require.NoError(t, upsert())
	require.NoError(t, upsert())

	// Rewriting it to a different value is rejected.
	row["derived_workout_id"] = w2
	require.ErrorIs(t, upsert(), repsync.ErrConflict)

	row["derived_workout_id"] = w1
	row["updated_workout_at"] = "2025-06-01T12:00:00Z"
	require.NoError(t, upsert())
	row["updated_workout_at"] = "2025-06-02T09:00:00Z"
	require.ErrorIs(t, upsert(), repsync.ErrConflict)
}

func TestApplyDeletesIsIdempotent(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedUser(t, s, "u1")

	id := uuid.New().String()
	require.NoError(t, s.ApplyUpserts(ctx, "u1", repsync.TableWorkouts, []repsync.RowUpsert{
		payload(t, map[string]any{
			"id": id, "user_id": "u1", "name": "Temp",
			"created_at": "2025-06-01T10:00:00Z",
			"exercise_count": 0, "set_count": 0, "is_default_workout": 0,
		}),
	}))

	deletes := []repsync.RowDelete{{Table: repsync.TableWorkouts, RowID: id}}
	require.NoError(t, s.ApplyDeletes(ctx, "u1", deletes))
	// Replaying the same tombstone is harmless.
	require.NoError(t, s.ApplyDeletes(ctx, "u1", deletes))

	var count int
	require.NoError(t, s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM workouts WHERE id = $1`, id).Scan(&count))
	require.Zero(t, count)
}

func TestApplySessionSave(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedUser(t, s, "u1")

	exID := uuid.New().String()
	require.NoError(t, s.ApplyUpserts(ctx, "u1", repsync.TableExercises, []repsync.RowUpsert{
		payload(t, map[string]any{"id": exID, "user_id": "u1", "name": "Bench",
			"body_part_id": nil, "equipment_id": nil, "created_at": "2025-06-01T10:00:00Z"}),
	}))

	sessionID := uuid.New().String()
	seID := uuid.New().String()
	setID := uuid.New().String()
	req := &repsync.SessionSaveRequest{
		SessionID:   sessionID,
		Name:        "Morning",
		CreatedAt:   time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		CompletedAt: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
		SessionTime: "1:00:00",
		ExercisesAdd: []repsync.ExerciseAdd{{
			ID: seID, ExerciseID: exID, Order: 1,
			Sets: []repsync.SetAdd{{ID: setID, SetNumber: 1, Reps: 5, Weight: 100}},
		}},
	}
	require.NoError(t, s.ApplySessionSave(ctx, "u1", req))
	// At-least-once delivery: the retry must converge to the same state.
	require.NoError(t, s.ApplySessionSave(ctx, "u1", req))

	var exerciseCount, setCount int
	var sessionTime string
	require.NoError(t, s.pool.QueryRow(ctx, `
		SELECT exercise_count, set_count, session_time FROM sessions WHERE id = $1
	`, sessionID).Scan(&exerciseCount, &setCount, &sessionTime))
	require.Equal(t, 1, exerciseCount)
	require.Equal(t, 1, setCount)
	require.Equal(t, "1:00:00", sessionTime)

	// Follow-up save that removes the set and the exercise.
	followUp := &repsync.SessionSaveRequest{
		SessionID:       sessionID,
		Name:            "Morning",
		CreatedAt:       req.CreatedAt,
		CompletedAt:     req.CompletedAt,
		SessionTime:     req.SessionTime,
		ExercisesRemove: []string{seID},
		SetsRemove:      []string{setID},
	}
	require.NoError(t, s.ApplySessionSave(ctx, "u1", followUp))

	require.NoError(t, s.pool.QueryRow(ctx, `
		SELECT exercise_count, set_count, session_time FROM sessions WHERE id = $1
	`, sessionID).Scan(&exerciseCount, &setCount, &sessionTime))
	require.Zero(t, exerciseCount)
	require.Zero(t, setCount)
}

func TestApplySessionSaveRejectsRecompletion(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedUser(t, s, "u1")

	req := &repsync.SessionSaveRequest{
		SessionID:   uuid.New().String(),
		Name:        "Morning",
		CreatedAt:   time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		CompletedAt: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
		SessionTime: "1:00:00",
	}
	require.NoError(t, s.ApplySessionSave(ctx, "u1", req))

	// A save with a different completion time is a second completion, not a
	// replay.
	again := *req
	again.CompletedAt = req.CompletedAt.Add(time.Hour)
	require.ErrorIs(t, s.ApplySessionSave(ctx, "u1", &again), repsync.ErrConflict)
}

func TestApplySessionSaveRejectsForeignSession(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	seedUser(t, s, "u1")
	seedUser(t, s, "u2")

	sessionID := uuid.New().String()
	req := &repsync.SessionSaveRequest{
		SessionID:   sessionID,
		Name:        "Private",
		CreatedAt:   time.Now().UTC(),
		CompletedAt: time.Now().UTC(),
	}
	require.NoError(t, s.ApplySessionSave(ctx, "u1", req))

	err := s.ApplySessionSave(ctx, "u2", req)
	require.ErrorIs(t, err, repsync.ErrUnauthorized)
}

func TestUpsertSQLShape(t *testing.T) {
	// No database needed; the generated statement must reference every wire
	// column exactly once in each clause.
	spec := tableSpecs[repsync.TableSets]
	query := upsertSQL(repsync.TableSets, spec)
	require.Contains(t, query, "INSERT INTO sets")
	require.Contains(t, query, "ON CONFLICT (id) DO UPDATE SET")
	require.Contains(t, query, "jsonb_to_record($1::jsonb)")
	for _, def := range spec.columns {
		require.Contains(t, query, def)
	}
	require.NotContains(t, query, "id = EXCLUDED.id")
}
