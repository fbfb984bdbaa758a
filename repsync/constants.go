// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsync

// Logical table names shared by client store, wire contract and server
const (
	TableUsers            = "users"
	TableBodyParts        = "body_parts"
	TableEquipment        = "equipment"
	TableExercises        = "exercises"
	TableWorkouts         = "workouts"
	TableWorkoutExercises = "workout_exercises"
	TableSets             = "sets"
	TableSessions         = "sessions"
	TableSessionExercises = "session_exercises"
	TableSessionSets      = "session_sets"
)

// ClassOrder lists the syncable entity classes in parent-before-child order.
// The orchestrator pushes upserts in this order so a child row never reaches
// the server before its parent exists there.
var ClassOrder = []string{
	TableUsers,
	TableBodyParts,
	TableEquipment,
	TableExercises,
	TableWorkouts,
	TableWorkoutExercises,
	TableSets,
	TableSessions,
	TableSessionExercises,
	TableSessionSets,
}

// ClassParents maps each entity class to the classes it references. A class
// whose parent failed to push in the current cycle is skipped until the next
// cycle so foreign keys never dangle server-side.
var ClassParents = map[string][]string{
	TableUsers:            nil,
	TableBodyParts:        nil,
	TableEquipment:        nil,
	TableExercises:        {TableUsers, TableBodyParts, TableEquipment},
	TableWorkouts:         {TableUsers},
	TableWorkoutExercises: {TableWorkouts, TableExercises},
	TableSets:             {TableWorkoutExercises},
	TableSessions:         {TableUsers, TableWorkouts},
	TableSessionExercises: {TableSessions, TableExercises},
	TableSessionSets:      {TableSessionExercises},
}

// DeleteRank orders tombstone replay child-before-parent so a parent row is
// never deleted server-side while its children still exist there. Lower rank
// deletes first.
var DeleteRank = map[string]int{
	TableSessionSets:      0,
	TableSets:             0,
	TableSessionExercises: 1,
	TableWorkoutExercises: 1,
	TableSessions:         2,
	TableWorkouts:         2,
	TableExercises:        3,
	TableBodyParts:        4,
	TableEquipment:        4,
	TableUsers:            5,
}
