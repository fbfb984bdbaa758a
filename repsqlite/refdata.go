// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsqlite

import (
	"context"
	"fmt"

	"github.com/repgrid/go-repsync/repsync"
)

// Reference/lookup rows. They are not subject to the reconciliation logic
// beyond being referenced by id, but they are syncable entity classes so the
// orchestrator has real parents to order.

// User is the signed-in account row.
type User struct {
	ID        string
	Username  string
	CreatedAt string
	IsSynced  bool
}

// Exercise is a movement definition referenced by workout and session slots.
type Exercise struct {
	ID          string
	UserID      string
	Name        string
	BodyPartID  string
	EquipmentID string
	CreatedAt   string
	IsSynced    bool
}

// CreateUser inserts the local user row (typically once, at sign-in).
func (c *Client) CreateUser(ctx context.Context, id, username string) (*User, error) {
	u := &User{ID: id, Username: username, CreatedAt: nowUTC()}
	if u.ID == "" {
		u.ID = NewID()
	}
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)
	`, u.ID, u.Username, u.CreatedAt)
	if err != nil {
		return nil, wrapSQLiteErr("failed to create user", err)
	}
	return u, nil
}

// CreateBodyPart inserts a lookup row.
func (c *Client) CreateBodyPart(ctx context.Context, name string) (string, error) {
	id := NewID()
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO body_parts (id, name) VALUES (?, ?)
	`, id, name)
	if err != nil {
		return "", wrapSQLiteErr("failed to create body part", err)
	}
	return id, nil
}

// CreateEquipment inserts a lookup row.
func (c *Client) CreateEquipment(ctx context.Context, name string) (string, error) {
	id := NewID()
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO equipment (id, name) VALUES (?, ?)
	`, id, name)
	if err != nil {
		return "", wrapSQLiteErr("failed to create equipment", err)
	}
	return id, nil
}

// CreateExercise inserts a user-defined exercise. bodyPartID and equipmentID
// may be empty for freeform exercises.
func (c *Client) CreateExercise(ctx context.Context, name, bodyPartID, equipmentID string) (*Exercise, error) {
	e := &Exercise{
		ID:          NewID(),
		UserID:      c.UserID,
		Name:        name,
		BodyPartID:  bodyPartID,
		EquipmentID: equipmentID,
		CreatedAt:   nowUTC(),
	}
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO exercises (id, user_id, name, body_part_id, equipment_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.Name, nullIfEmpty(e.BodyPartID), nullIfEmpty(e.EquipmentID), e.CreatedAt)
	if err != nil {
		return nil, wrapSQLiteErr("failed to create exercise", err)
	}
	return e, nil
}

// DeleteExercise removes an exercise definition. Fails while workout or
// session slots still reference it (FK).
func (c *Client) DeleteExercise(ctx context.Context, exerciseID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := c.tombstoneIfSyncedInTx(ctx, tx, repsync.TableExercises, exerciseID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM exercises WHERE id = ?`, exerciseID); err != nil {
		return wrapSQLiteErr("failed to delete exercise", err)
	}
	return tx.Commit()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
