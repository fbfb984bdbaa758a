// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repserver

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// initializeSchema creates the business tables if they don't exist.
//
// Uniqueness on ordering columns is DEFERRABLE INITIALLY DEFERRED so a
// session-save or reconcile that shuffles exercise_order/set_number inside
// one transaction is checked only at commit, after every row has moved.
func (s *SyncService) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		migrations := []string{
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS users (
				id         TEXT PRIMARY KEY,
				username   TEXT NOT NULL,
				created_at TEXT NOT NULL DEFAULT ''
			)`,

			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS body_parts (
				id   TEXT PRIMARY KEY,
				name TEXT NOT NULL
			)`,

			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS equipment (
				id   TEXT PRIMARY KEY,
				name TEXT NOT NULL
			)`,

			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS exercises (
				id           TEXT PRIMARY KEY,
				user_id      TEXT REFERENCES users(id),
				name         TEXT NOT NULL,
				body_part_id TEXT REFERENCES body_parts(id),
				equipment_id TEXT REFERENCES equipment(id),
				created_at   TEXT NOT NULL DEFAULT ''
			)`,

			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS workouts (
				id             TEXT PRIMARY KEY,
				user_id        TEXT NOT NULL REFERENCES users(id),
				name           TEXT NOT NULL,
				created_at     TEXT NOT NULL DEFAULT '',
				exercise_count INTEGER NOT NULL DEFAULT 0,
				set_count      INTEGER NOT NULL DEFAULT 0,
				is_default_workout INTEGER NOT NULL DEFAULT 0,
				CONSTRAINT workouts_user_name_uq UNIQUE (user_id, name)
			)`,

			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS workout_exercises (
				id             TEXT PRIMARY KEY,
				workout_id     TEXT NOT NULL REFERENCES workouts(id) ON DELETE CASCADE,
				exercise_id    TEXT NOT NULL REFERENCES exercises(id),
				exercise_order INTEGER NOT NULL,
				CONSTRAINT workout_exercises_ref_uq UNIQUE (workout_id, exercise_id),
				CONSTRAINT workout_exercises_order_uq UNIQUE (workout_id, exercise_order)
					DEFERRABLE INITIALLY DEFERRED
			)`,

			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sets (
				id                  TEXT PRIMARY KEY,
				workout_exercise_id TEXT NOT NULL REFERENCES workout_exercises(id) ON DELETE CASCADE,
				set_number          INTEGER NOT NULL,
				target_reps         INTEGER NOT NULL DEFAULT 0,
				target_weight       DOUBLE PRECISION NOT NULL DEFAULT 0,
				CONSTRAINT sets_number_uq UNIQUE (workout_exercise_id, set_number)
					DEFERRABLE INITIALLY DEFERRED
			)`,

			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sessions (
				id                      TEXT PRIMARY KEY,
				user_id                 TEXT NOT NULL REFERENCES users(id),
				workout_id              TEXT REFERENCES workouts(id) ON DELETE SET NULL,
				derived_workout_id      TEXT REFERENCES workouts(id) ON DELETE SET NULL,
				name                    TEXT NOT NULL,
				created_at              TEXT NOT NULL DEFAULT '',
				completed_at            TEXT,
				session_time            TEXT,
				exercise_count          INTEGER NOT NULL DEFAULT 0,
				set_count               INTEGER NOT NULL DEFAULT 0,
				is_from_default_workout INTEGER NOT NULL DEFAULT 0,
				updated_workout_at      TEXT
			)`,

			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS session_exercises (
				id             TEXT PRIMARY KEY,
				session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				exercise_id    TEXT NOT NULL REFERENCES exercises(id),
				exercise_order INTEGER NOT NULL,
				CONSTRAINT session_exercises_ref_uq UNIQUE (session_id, exercise_id),
				CONSTRAINT session_exercises_order_uq UNIQUE (session_id, exercise_order)
					DEFERRABLE INITIALLY DEFERRED
			)`,

			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS session_sets (
				id                  TEXT PRIMARY KEY,
				session_exercise_id TEXT NOT NULL REFERENCES session_exercises(id) ON DELETE CASCADE,
				set_number          INTEGER NOT NULL,
				reps                INTEGER NOT NULL DEFAULT 0,
				weight              DOUBLE PRECISION NOT NULL DEFAULT 0,
				CONSTRAINT session_sets_number_uq UNIQUE (session_exercise_id, set_number)
					DEFERRABLE INITIALLY DEFERRED
			)`,
		}

		for _, m := range migrations {
			if _, err := tx.Exec(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
}
