// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/repgrid/go-repsync/internal/auth"
	"github.com/repgrid/go-repsync/repsync"
)

// tableSpec declares the wire columns of one syncable table. Payload keys
// outside the declared set (client-only flags) are ignored by
// jsonb_to_record.
type tableSpec struct {
	columns []string // column name plus Postgres type, in wire order
	scope   string   // "user_id" or "id" for owner checks, "" for unscoped
}

var tableSpecs = map[string]tableSpec{
	repsync.TableUsers: {
		columns: []string{"id text", "username text", "created_at text"},
		scope:   "id",
	},
	repsync.TableBodyParts: {
		columns: []string{"id text", "name text"},
	},
	repsync.TableEquipment: {
		columns: []string{"id text", "name text"},
	},
	repsync.TableExercises: {
		columns: []string{"id text", "user_id text", "name text", "body_part_id text",
			"equipment_id text", "created_at text"},
	},
	repsync.TableWorkouts: {
		columns: []string{"id text", "user_id text", "name text", "created_at text",
			"exercise_count integer", "set_count integer", "is_default_workout integer"},
		scope: "user_id",
	},
	repsync.TableWorkoutExercises: {
		columns: []string{"id text", "workout_id text", "exercise_id text", "exercise_order integer"},
	},
	repsync.TableSets: {
		columns: []string{"id text", "workout_exercise_id text", "set_number integer",
			"target_reps integer", "target_weight double precision"},
	},
	repsync.TableSessions: {
		columns: []string{"id text", "user_id text", "workout_id text", "derived_workout_id text",
			"name text", "created_at text", "completed_at text", "session_time text",
			"exercise_count integer", "set_count integer", "is_from_default_workout integer",
			"updated_workout_at text"},
		scope: "user_id",
	},
	repsync.TableSessionExercises: {
		columns: []string{"id text", "session_id text", "exercise_id text", "exercise_order integer"},
	},
	repsync.TableSessionSets: {
		columns: []string{"id text", "session_exercise_id text", "set_number integer",
			"reps integer", "weight double precision"},
	},
}

// upsertSQL builds the idempotent by-primary-key upsert for one table.
func upsertSQL(table string, spec tableSpec) string {
	names := make([]string, len(spec.columns))
	picks := make([]string, len(spec.columns))
	var updates []string
	for i, def := range spec.columns {
		name := strings.SplitN(def, " ", 2)[0]
		names[i] = name
		picks[i] = "r." + name
		if name != "id" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", name, name))
		}
	}
	return fmt.Sprintf(
		`INSERT INTO %s (%s) SELECT %s FROM jsonb_to_record($1::jsonb) AS r(%s)
		 ON CONFLICT (id) DO UPDATE SET %s`,
		table,
		strings.Join(names, ", "),
		strings.Join(picks, ", "),
		strings.Join(spec.columns, ", "),
		strings.Join(updates, ", "),
	)
}

// ApplyUpserts applies one table's batch of row upserts in a single
// transaction. Replays are harmless: a row that already exists is updated in
// place by primary key. Ordering constraints are deferred to commit so a
// batch that shuffles slots is checked after all rows land.
func (s *SyncService) ApplyUpserts(ctx context.Context, userID, table string, rows []repsync.RowUpsert) error {
	spec, ok := tableSpecs[table]
	if !ok {
		return fmt.Errorf("upsert for unknown table %q: %w", table, repsync.ErrConstraint)
	}
	if err := s.checkBatchSize(len(rows)); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	deviceID, _ := auth.GetDeviceID(ctx)
	s.logger.Debug("applying upserts",
		"table", table, "rows", len(rows), "user_id", userID, "device_id", deviceID)

	query := upsertSQL(table, spec)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SET CONSTRAINTS ALL DEFERRED`); err != nil {
			return err
		}
		for _, row := range rows {
			if err := checkOwnership(row.Payload, spec.scope, userID); err != nil {
				return fmt.Errorf("row %s: %w", row.ID, err)
			}
			if table == repsync.TableSessions {
				if err := checkSessionOnceOnly(ctx, tx, row.Payload); err != nil {
					return err
				}
			}
			if _, err := tx.Exec(ctx, query, string(row.Payload)); err != nil {
				return fmt.Errorf("row %s: %w", row.ID, err)
			}
		}
		return nil
	})
	return wrapPgErr(fmt.Sprintf("failed to upsert %s rows", table), err)
}

// ApplyDeletes replays tombstoned deletes in the order the client sent them
// (children before parents). Deleting an already-absent row is a no-op, so
// replays after a lost acknowledgment converge.
func (s *SyncService) ApplyDeletes(ctx context.Context, userID string, deletes []repsync.RowDelete) error {
	if err := s.checkBatchSize(len(deletes)); err != nil {
		return err
	}
	if len(deletes) == 0 {
		return nil
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, d := range deletes {
			spec, ok := tableSpecs[d.Table]
			if !ok {
				return fmt.Errorf("delete for unknown table %q: %w", d.Table, repsync.ErrConstraint)
			}
			query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, d.Table)
			args := []any{d.RowID}
			if spec.scope == "user_id" {
				query += ` AND user_id = $2`
				args = append(args, userID)
			} else if spec.scope == "id" {
				query += ` AND id = $2`
				args = append(args, userID)
			}
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return fmt.Errorf("row %s/%s: %w", d.Table, d.RowID, err)
			}
		}
		return nil
	})
	return wrapPgErr("failed to apply deletes", err)
}

// ApplySessionSave applies a completed session's three-way diff atomically:
// removals first, then updates and additions, then derived counters. The
// whole operation is idempotent by row id, so a client retry after a lost
// response reapplies cleanly.
func (s *SyncService) ApplySessionSave(ctx context.Context, userID string, req *repsync.SessionSaveRequest) error {
	if req == nil || req.SessionID == "" {
		return fmt.Errorf("session id is required: %w", repsync.ErrConstraint)
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SET CONSTRAINTS ALL DEFERRED`); err != nil {
			return err
		}

		completedAt := req.CompletedAt.UTC().Format(time.RFC3339Nano)

		var owner string
		var alreadyCompleted *string
		err := tx.QueryRow(ctx,
			`SELECT user_id, completed_at FROM sessions WHERE id = $1`,
			req.SessionID).Scan(&owner, &alreadyCompleted)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if err == nil {
			if owner != userID {
				return fmt.Errorf("session %s: %w", req.SessionID, repsync.ErrUnauthorized)
			}
			// A save may be replayed with the same timestamp after a lost
			// acknowledgment; completing again is a conflict.
			if onceOnlyRewritten(alreadyCompleted, completedAt) {
				return fmt.Errorf("session %s already completed: %w",
					req.SessionID, repsync.ErrConflict)
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO sessions (id, user_id, workout_id, name, created_at, completed_at, session_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				completed_at = EXCLUDED.completed_at,
				session_time = EXCLUDED.session_time
		`, req.SessionID, userID, nullIfEmpty(req.WorkoutID), req.Name,
			req.CreatedAt.UTC().Format(time.RFC3339Nano),
			completedAt,
			req.SessionTime)
		if err != nil {
			return err
		}

		// Removals first so vacated order/number slots are free for the
		// additions and updates below.
		if len(req.SetsRemove) > 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM session_sets WHERE id = ANY($1)`, req.SetsRemove); err != nil {
				return err
			}
		}
		if len(req.ExercisesRemove) > 0 {
			if _, err := tx.Exec(ctx, `
				DELETE FROM session_exercises WHERE id = ANY($1) AND session_id = $2
			`, req.ExercisesRemove, req.SessionID); err != nil {
				return err
			}
		}

		for _, eu := range req.ExercisesUpdate {
			if _, err := tx.Exec(ctx, `
				UPDATE session_exercises SET exercise_order = $1 WHERE id = $2 AND session_id = $3
			`, eu.Order, eu.ID, req.SessionID); err != nil {
				return err
			}
			for _, su := range eu.SetsUpdate {
				if _, err := tx.Exec(ctx, `
					UPDATE session_sets SET set_number = $1, reps = $2, weight = $3 WHERE id = $4
				`, su.SetNumber, su.Reps, su.Weight, su.ID); err != nil {
					return err
				}
			}
			for _, sa := range eu.SetsAdd {
				if err := upsertSessionSet(ctx, tx, eu.ID, sa); err != nil {
					return err
				}
			}
		}

		for _, ea := range req.ExercisesAdd {
			if _, err := tx.Exec(ctx, `
				INSERT INTO session_exercises (id, session_id, exercise_id, exercise_order)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE SET exercise_order = EXCLUDED.exercise_order
			`, ea.ID, req.SessionID, ea.ExerciseID, ea.Order); err != nil {
				return err
			}
			for _, sa := range ea.Sets {
				if err := upsertSessionSet(ctx, tx, ea.ID, sa); err != nil {
					return err
				}
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE sessions SET
				exercise_count = (SELECT COUNT(*) FROM session_exercises WHERE session_id = sessions.id),
				set_count = (SELECT COUNT(*) FROM session_sets ss
					JOIN session_exercises se ON se.id = ss.session_exercise_id
					WHERE se.session_id = sessions.id)
			WHERE id = $1
		`, req.SessionID)
		return err
	})
	return wrapPgErr(fmt.Sprintf("failed to save session %s", req.SessionID), err)
}

func upsertSessionSet(ctx context.Context, tx pgx.Tx, exerciseID string, sa repsync.SetAdd) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO session_sets (id, session_exercise_id, set_number, reps, weight)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			set_number = EXCLUDED.set_number,
			reps = EXCLUDED.reps,
			weight = EXCLUDED.weight
	`, sa.ID, exerciseID, sa.SetNumber, sa.Reps, sa.Weight)
	return err
}

// checkSessionOnceOnly rejects upserts that would rewrite a session's
// once-only columns after they were set. Replaying the same value is fine;
// that is the normal at-least-once retry.
func checkSessionOnceOnly(ctx context.Context, tx pgx.Tx, payload []byte) error {
	id := extractJSONString(payload, "id")
	if id == "" {
		return nil
	}
	var derived, updated *string
	err := tx.QueryRow(ctx, `
		SELECT derived_workout_id, updated_workout_at FROM sessions WHERE id = $1
	`, id).Scan(&derived, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if onceOnlyRewritten(derived, extractJSONString(payload, "derived_workout_id")) {
		return fmt.Errorf("derived_workout_id already set for session %s: %w",
			id, repsync.ErrConflict)
	}
	if onceOnlyRewritten(updated, extractJSONString(payload, "updated_workout_at")) {
		return fmt.Errorf("updated_workout_at already set for session %s: %w",
			id, repsync.ErrConflict)
	}
	return nil
}

func onceOnlyRewritten(current *string, incoming string) bool {
	return current != nil && *current != "" && incoming != *current
}

// checkOwnership rejects payloads claiming another user's scope column.
func checkOwnership(payload []byte, scope, userID string) error {
	if scope == "" {
		return nil
	}
	owner := extractJSONString(payload, scope)
	if owner != "" && owner != userID {
		return repsync.ErrUnauthorized
	}
	return nil
}

func extractJSONString(payload []byte, key string) string {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// wrapPgErr maps Postgres integrity errors onto the shared sentinel set.
func wrapPgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%s: %s: %w", op, pgErr.Message, repsync.ErrConstraint)
	}
	return fmt.Errorf("%s: %w", op, err)
}
