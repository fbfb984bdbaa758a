// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for the sync wire contract. These are the only shapes the
// client and the authoritative server exchange.

// RowUpsert carries one dirty row as a serialized column map keyed by the
// client-minted primary key.
type RowUpsert struct {
	ID      string          `json:"id"`      // Stable row id (same id on both sides)
	Payload json.RawMessage `json:"payload"` // Full row as JSON column map
}

// UpsertRequest is a batch idempotent upsert for a single entity class.
type UpsertRequest struct {
	Table string      `json:"table"` // Logical table name (see constants)
	Rows  []RowUpsert `json:"rows"`
}

// RowDelete is a replayed tombstone.
type RowDelete struct {
	Table string `json:"table"`  // Logical table name of the deleted row
	RowID string `json:"row_id"` // Primary key of the deleted row
}

// DeleteRequest replays a batch of tombstones in order (children first).
type DeleteRequest struct {
	Deletes []RowDelete `json:"deletes"`
}

// SessionSaveRequest is the three-way diff contract for session completion.
// Every exercise order and set number in it is dense (1..N, no gaps).
type SessionSaveRequest struct {
	SessionID   string    `json:"session_id"`
	WorkoutID   string    `json:"workout_id,omitempty"` // Source workout, if any
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
	SessionTime string    `json:"session_time,omitempty"` // Precomputed duration string

	ExercisesAdd    []ExerciseAdd    `json:"exercises_add"`    // Locally-new exercises with completed work
	ExercisesUpdate []ExerciseUpdate `json:"exercises_update"` // Server-known exercises with completed work
	ExercisesRemove []string         `json:"exercises_remove"` // Server-known exercises with no completed work
	SetsRemove      []string         `json:"sets_remove"`      // Server-known sets discarded on save

	// Dropped counts locally-new exercises and sets that were silently
	// discarded because they were never completed. Not part of the wire
	// contract; callers may use it to warn before the data is gone.
	Dropped int `json:"-"`
}

// ExerciseAdd is a session exercise the server has never seen.
type ExerciseAdd struct {
	ID         string   `json:"id"`
	ExerciseID string   `json:"exercise_id"` // Exercise reference, never duplicated
	Order      int      `json:"exercise_order"`
	Sets       []SetAdd `json:"session_sets"` // Completed sets only
}

// ExerciseUpdate is a server-known session exercise updated in place.
type ExerciseUpdate struct {
	ID         string      `json:"id"`
	Order      int         `json:"exercise_order"`
	SetsUpdate []SetUpdate `json:"sets_update"` // Completed server-known sets
	SetsAdd    []SetAdd    `json:"sets_add"`    // Completed locally-new sets
}

// SetAdd is a locally-new session set with actual performed values.
type SetAdd struct {
	ID        string  `json:"id"`
	SetNumber int     `json:"set_number"`
	Reps      int     `json:"reps"`
	Weight    float64 `json:"weight"`
}

// SetUpdate is a server-known session set updated in place.
type SetUpdate struct {
	ID        string  `json:"id"`
	SetNumber int     `json:"set_number"`
	Reps      int     `json:"reps"`
	Weight    float64 `json:"weight"`
}

// ErrorResponse is the server-side error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`             // Machine-readable code
	Message string `json:"message,omitempty"` // Human-readable details
}
