// Package repsqlite is the on-device half of go-repsync: a fully-functional
// private copy of workouts and sessions in SQLite that can be created, edited
// and deleted offline, then reconciled against the authoritative server copy
// without duplicating rows, losing edits or corrupting nested aggregates.
//
// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/repgrid/go-repsync/repsync"
)

// Client manages the local SQLite store and sync operations for one
// signed-in user on one device.
type Client struct {
	DB        *sql.DB
	UserID    string
	DeviceID  string
	Transport repsync.Transport
	config    *Config
	logger    *slog.Logger
	writeMu   sync.Mutex // Serialize write operations to prevent SQLite locking issues
	syncMu    sync.Mutex // Serialize sync cycles; never held across writeMu-only local ops

	// Pause switch (atomic): lets callers suspend sync activity deterministically
	syncPaused int32

	// Background loop lifecycle, managed by Start/Stop
	cancelSync context.CancelFunc
	syncDone   chan struct{}
}

// Config holds configuration for the local sync client.
type Config struct {
	PushLimit  int           // max rows per entity-class push, e.g. 200
	BackoffMin time.Duration // 1s
	BackoffMax time.Duration // 60s
}

// DefaultConfig returns sensible defaults for mobile sync behavior.
func DefaultConfig() *Config {
	return &Config{
		PushLimit:  200,
		BackoffMin: 1 * time.Second,
		BackoffMax: 60 * time.Second,
	}
}

// NewClient creates the local sync client and initializes the on-device
// schema (business tables plus sync metadata).
func NewClient(db *sql.DB, userID, deviceID string, transport repsync.Transport, config *Config) (*Client, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID must be provided")
	}
	if config == nil {
		config = DefaultConfig()
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &Client{
		DB:        db,
		UserID:    userID,
		DeviceID:  deviceID,
		Transport: transport,
		config:    config,
		logger:    slog.Default(),
	}, nil
}

// SetLogger replaces the default slog logger.
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// PauseSync suspends push operations (SyncOnce and background loops respect this flag)
func (c *Client) PauseSync() { atomic.StoreInt32(&c.syncPaused, 1) }

// ResumeSync resumes push operations
func (c *Client) ResumeSync() { atomic.StoreInt32(&c.syncPaused, 0) }

// EnsureDeviceID generates and persists a device ID if not already present.
// The id survives restarts so retried pushes keep the same identity.
func EnsureDeviceID(db *sql.DB, userID string) (string, error) {
	// Callable before NewClient; make sure the metadata table exists.
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS _repsync_client_info (
		user_id        TEXT NOT NULL,
		device_id      TEXT NOT NULL,
		last_synced_at TEXT,
		PRIMARY KEY (user_id)
	)`)
	if err != nil {
		return "", fmt.Errorf("failed to create client info table: %w", err)
	}

	var deviceID string
	err = db.QueryRow(`SELECT device_id FROM _repsync_client_info WHERE user_id = ?`, userID).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _repsync_client_info (user_id, device_id) VALUES (?, ?)
		`, userID, deviceID)
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return deviceID, nil
}

// initializeDatabase creates the business tables and sync metadata.
func initializeDatabase(db *sql.DB) error {
	// WAL mode and enforced foreign keys; child rows cascade on parent delete.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Ordering columns (exercise_order, set_number) deliberately carry no
	// UNIQUE constraint locally: SQLite checks UNIQUE per row during a
	// multi-row UPDATE, which would make dense renumbering order dependent.
	// The authoritative store carries the constraints; here the reconciler
	// maintains the invariant.
	tables := []string{
		`CREATE TABLE IF NOT EXISTS _repsync_client_info (
			user_id        TEXT NOT NULL,
			device_id      TEXT NOT NULL,          -- locally generated UUIDv4 (persisted)
			last_synced_at TEXT,
			PRIMARY KEY (user_id)                  -- single signed-in user per DB file
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			username   TEXT NOT NULL,
			created_at TEXT NOT NULL,
			is_synced  INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS body_parts (
			id        TEXT PRIMARY KEY,
			name      TEXT NOT NULL,
			is_synced INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS equipment (
			id        TEXT PRIMARY KEY,
			name      TEXT NOT NULL,
			is_synced INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS exercises (
			id           TEXT PRIMARY KEY,
			user_id      TEXT,
			name         TEXT NOT NULL,
			body_part_id TEXT REFERENCES body_parts(id),
			equipment_id TEXT REFERENCES equipment(id),
			created_at   TEXT NOT NULL,
			is_synced    INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS workouts (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL,
			name               TEXT NOT NULL,
			exercise_count     INTEGER NOT NULL DEFAULT 0,
			set_count          INTEGER NOT NULL DEFAULT 0,
			is_default_workout INTEGER NOT NULL DEFAULT 0,
			is_synced          INTEGER NOT NULL DEFAULT 0,
			created_at         TEXT NOT NULL,
			UNIQUE (user_id, name)
		)`,

		`CREATE TABLE IF NOT EXISTS workout_exercises (
			id             TEXT PRIMARY KEY,
			workout_id     TEXT NOT NULL REFERENCES workouts(id) ON DELETE CASCADE,
			exercise_id    TEXT NOT NULL REFERENCES exercises(id),
			exercise_order INTEGER NOT NULL,
			is_synced      INTEGER NOT NULL DEFAULT 0,
			UNIQUE (workout_id, exercise_id)
		)`,

		`CREATE TABLE IF NOT EXISTS sets (
			id                  TEXT PRIMARY KEY,
			workout_exercise_id TEXT NOT NULL REFERENCES workout_exercises(id) ON DELETE CASCADE,
			set_number          INTEGER NOT NULL,
			target_reps         INTEGER NOT NULL,
			target_weight       REAL NOT NULL,
			is_synced           INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id                      TEXT PRIMARY KEY,
			user_id                 TEXT NOT NULL,
			workout_id              TEXT,
			derived_workout_id      TEXT,
			name                    TEXT NOT NULL,
			created_at              TEXT NOT NULL,
			completed_at            TEXT,
			session_time            TEXT,
			exercise_count          INTEGER NOT NULL DEFAULT 0,
			set_count               INTEGER NOT NULL DEFAULT 0,
			is_synced               INTEGER NOT NULL DEFAULT 0,
			is_from_default_workout INTEGER NOT NULL DEFAULT 0,
			updated_workout_at      TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS session_exercises (
			id             TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			exercise_id    TEXT NOT NULL REFERENCES exercises(id),
			exercise_order INTEGER NOT NULL,
			is_synced      INTEGER NOT NULL DEFAULT 0,
			UNIQUE (session_id, exercise_id)
		)`,

		`CREATE TABLE IF NOT EXISTS session_sets (
			id                  TEXT PRIMARY KEY,
			session_exercise_id TEXT NOT NULL REFERENCES session_exercises(id) ON DELETE CASCADE,
			set_number          INTEGER NOT NULL,
			reps                INTEGER NOT NULL,
			weight              REAL NOT NULL,
			is_completed        INTEGER NOT NULL DEFAULT 0,
			is_synced           INTEGER NOT NULL DEFAULT 0
		)`,

		// Tombstones: one row per locally-deleted row the server had seen.
		`CREATE TABLE IF NOT EXISTS deleted_rows (
			id         TEXT PRIMARY KEY,
			table_name TEXT NOT NULL,
			row_id     TEXT NOT NULL,
			deleted_at TEXT NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// nowUTC formats the current time the way every timestamp column stores it.
func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// wrapSQLiteErr maps constraint failures onto the shared taxonomy so callers
// can errors.Is them; everything else passes through wrapped.
func wrapSQLiteErr(op string, err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%s: %w: %v", op, repsync.ErrConstraint, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
