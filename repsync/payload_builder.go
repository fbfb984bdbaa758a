// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsync

import (
	"fmt"
	"time"
)

// In-memory session state handed to BuildSessionSave by the UI layer.
// Newness is an explicit tag (Local), not an id convention: a row is Local
// when the server has never acknowledged it, regardless of which side minted
// the id.

// SessionState is the full in-progress session as the client sees it.
type SessionState struct {
	ID          string
	WorkoutID   string // empty when the session was started from scratch
	Name        string
	CreatedAt   time.Time
	CompletedAt time.Time
	SessionTime string
	Exercises   []SessionExerciseState
}

// SessionExerciseState is one exercise slot in an in-progress session.
type SessionExerciseState struct {
	ID         string
	ExerciseID string
	Local      bool // true when the server has never seen this row
	Order      int
	Sets       []SessionSetState
}

// SessionSetState is one set in an in-progress session.
type SessionSetState struct {
	ID        string
	Local     bool
	SetNumber int
	Reps      int
	Weight    float64
	Completed bool // in-progress marker; only completed sets are recorded
}

// SetEdit overrides reps/weight for one set id at save time. The UI keeps
// unsaved edits in a buffer keyed by set id and passes them here.
type SetEdit struct {
	Reps   int
	Weight float64
}

// BuildSessionSave converts an in-progress session into the three-way diff
// the server's session-save operation expects. Pure function: no I/O, no
// store access, independently testable.
//
// Classification:
//   - Local exercise with at least one completed set -> ExercisesAdd
//     (completed sets only). With none -> dropped entirely.
//   - Server-known exercise with at least one completed set ->
//     ExercisesUpdate; completed known sets -> SetsUpdate, completed local
//     sets -> SetsAdd, uncompleted known sets -> global SetsRemove.
//   - Server-known exercise with no completed sets -> ExercisesRemove plus
//     all of its known set ids in SetsRemove.
//
// Surviving exercise orders and set numbers are renumbered densely.
func BuildSessionSave(s SessionState, edits map[string]SetEdit) (*SessionSaveRequest, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	req := &SessionSaveRequest{
		SessionID:       s.ID,
		WorkoutID:       s.WorkoutID,
		Name:            s.Name,
		CreatedAt:       s.CreatedAt,
		CompletedAt:     s.CompletedAt,
		SessionTime:     s.SessionTime,
		ExercisesAdd:    []ExerciseAdd{},
		ExercisesUpdate: []ExerciseUpdate{},
		ExercisesRemove: []string{},
		SetsRemove:      []string{},
	}

	nextOrder := 1
	for _, ex := range s.Exercises {
		completed := 0
		for _, st := range ex.Sets {
			if st.Completed {
				completed++
			}
		}

		if ex.Local {
			if completed == 0 {
				// Added mid-session but never used; the server never saw it,
				// so it simply vanishes.
				req.Dropped += 1 + len(ex.Sets)
				continue
			}
			add := ExerciseAdd{
				ID:         ex.ID,
				ExerciseID: ex.ExerciseID,
				Order:      nextOrder,
				Sets:       []SetAdd{},
			}
			nextOrder++
			num := 1
			for _, st := range ex.Sets {
				if !st.Completed {
					req.Dropped++
					continue
				}
				reps, weight := applyEdit(st, edits)
				add.Sets = append(add.Sets, SetAdd{
					ID:        st.ID,
					SetNumber: num,
					Reps:      reps,
					Weight:    weight,
				})
				num++
			}
			req.ExercisesAdd = append(req.ExercisesAdd, add)
			continue
		}

		// Server-known exercise.
		if completed == 0 {
			req.ExercisesRemove = append(req.ExercisesRemove, ex.ID)
			for _, st := range ex.Sets {
				if st.Local {
					req.Dropped++
					continue
				}
				req.SetsRemove = append(req.SetsRemove, st.ID)
			}
			continue
		}

		upd := ExerciseUpdate{
			ID:         ex.ID,
			Order:      nextOrder,
			SetsUpdate: []SetUpdate{},
			SetsAdd:    []SetAdd{},
		}
		nextOrder++
		num := 1
		for _, st := range ex.Sets {
			if !st.Completed {
				if st.Local {
					// Never synced, never completed; no removal needed.
					req.Dropped++
				} else {
					req.SetsRemove = append(req.SetsRemove, st.ID)
				}
				continue
			}
			reps, weight := applyEdit(st, edits)
			if st.Local {
				upd.SetsAdd = append(upd.SetsAdd, SetAdd{
					ID:        st.ID,
					SetNumber: num,
					Reps:      reps,
					Weight:    weight,
				})
			} else {
				upd.SetsUpdate = append(upd.SetsUpdate, SetUpdate{
					ID:        st.ID,
					SetNumber: num,
					Reps:      reps,
					Weight:    weight,
				})
			}
			num++
		}
		req.ExercisesUpdate = append(req.ExercisesUpdate, upd)
	}

	return req, nil
}

func applyEdit(st SessionSetState, edits map[string]SetEdit) (int, float64) {
	if edit, ok := edits[st.ID]; ok {
		return edit.Reps, edit.Weight
	}
	return st.Reps, st.Weight
}
