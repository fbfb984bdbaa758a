// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsqlite

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func TestInitializeDatabase(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, initializeDatabase(db))

	expectedTables := []string{
		"_repsync_client_info", "users", "body_parts", "equipment", "exercises",
		"workouts", "workout_exercises", "sets",
		"sessions", "session_exercises", "session_sets", "deleted_rows",
	}
	for _, table := range expectedTables {
		var count int
		err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "table %s should exist", table)
	}

	var foreignKeys int
	require.NoError(t, db.QueryRow(`PRAGMA foreign_keys`).Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)
}

func TestNewClientRequiresUserID(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = NewClient(db, "", "device", newFakeTransport(), nil)
	require.Error(t, err)
}

func TestEnsureDeviceID(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, initializeDatabase(db))

	first, err := EnsureDeviceID(db, "user-a")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// Stable across calls for the same user.
	second, err := EnsureDeviceID(db, "user-a")
	require.NoError(t, err)
	require.Equal(t, first, second)

	other, err := EnsureDeviceID(db, "user-b")
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}
