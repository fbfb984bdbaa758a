// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/repgrid/go-repsync/repsync"
)

// fakeTransport records pushes and can be told to fail per table.
type fakeTransport struct {
	mu         sync.Mutex
	upserts    map[string][]repsync.RowUpsert // accumulated rows per table
	upsertHits map[string]int                 // number of Upsert calls per table
	deletes    []repsync.RowDelete
	saves      []*repsync.SessionSaveRequest
	failTables map[string]error
	failDelete error
	failSave   error
	onUpsert   func(table string) // runs while the batch is "on the wire"
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		upserts:    map[string][]repsync.RowUpsert{},
		upsertHits: map[string]int{},
		failTables: map[string]error{},
	}
}

func (f *fakeTransport) Upsert(_ context.Context, table string, rows []repsync.RowUpsert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failTables[table]; err != nil {
		return err
	}
	if f.onUpsert != nil {
		f.onUpsert(table)
	}
	f.upsertHits[table]++
	f.upserts[table] = append(f.upserts[table], rows...)
	return nil
}

func (f *fakeTransport) Delete(_ context.Context, deletes []repsync.RowDelete) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete != nil {
		return f.failDelete
	}
	f.deletes = append(f.deletes, deletes...)
	return nil
}

func (f *fakeTransport) SaveSession(_ context.Context, req *repsync.SessionSaveRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave != nil {
		return f.failSave
	}
	f.saves = append(f.saves, req)
	return nil
}

func newTestClient(t *testing.T) (*Client, *fakeTransport) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	transport := newFakeTransport()
	client, err := NewClient(db, "test-user", "test-device", transport, nil)
	require.NoError(t, err)

	_, err = client.CreateUser(context.Background(), "test-user", "Test User")
	require.NoError(t, err)
	return client, transport
}

// seedExercises creates n reference exercises and returns their ids.
func seedExercises(t *testing.T, c *Client, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, n)
	for i := range ids {
		ex, err := c.CreateExercise(ctx, fmt.Sprintf("Exercise %d", i+1), "", "")
		require.NoError(t, err)
		ids[i] = ex.ID
	}
	return ids
}

// markAllSynced flips every row of the given tables to synced, simulating a
// completed push without going through the transport.
func markAllSynced(t *testing.T, c *Client, tables ...string) {
	t.Helper()
	for _, table := range tables {
		_, err := c.DB.Exec(`UPDATE ` + table + ` SET is_synced = 1`)
		require.NoError(t, err)
	}
}

func countRows(t *testing.T, c *Client, table string) int {
	t.Helper()
	var n int
	require.NoError(t, c.DB.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}
