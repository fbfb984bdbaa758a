// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsqlite

import "github.com/google/uuid"

// NewID mints a permanent, globally-unique row id. Client and server draw
// from the same random UUIDv4 space, so rows created offline already carry
// their final key and the reconciler can diff strictly by identity without
// placeholder ids or coordination.
func NewID() string {
	return uuid.New().String()
}
