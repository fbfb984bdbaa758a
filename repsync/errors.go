// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsync

import "errors"

// Error taxonomy shared by the local store, the transport and the server.
// Callers classify with errors.Is; everything else is wrapped context.
var (
	// ErrNotFound - a referenced aggregate, exercise or session no longer
	// exists. No partial mutation was performed and nothing is retried.
	ErrNotFound = errors.New("not found")

	// ErrConflict - a once-only operation was attempted a second time.
	ErrConflict = errors.New("conflict")

	// ErrTransient - a push failed due to connectivity or a server-side
	// outage. The affected rows stay dirty and are retried on the next cycle.
	ErrTransient = errors.New("transient failure")

	// ErrConstraint - a store invariant was violated (duplicate name,
	// duplicate exercise reference). The mutation was rolled back.
	ErrConstraint = errors.New("constraint violation")

	// ErrUnauthorized - the transport token was rejected.
	ErrUnauthorized = errors.New("unauthorized")
)
