// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func staticToken(token string) TokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}

func TestHTTPTransport_UpsertSendsBearerAndBody(t *testing.T) {
	var gotAuth string
	var gotReq UpsertRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/sync/upsert", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.URL, staticToken("tok-123"))
	rows := []RowUpsert{{ID: "r1", Payload: json.RawMessage(`{"id":"r1"}`)}}
	require.NoError(t, tr.Upsert(context.Background(), TableWorkouts, rows))

	require.Equal(t, "Bearer tok-123", gotAuth)
	require.Equal(t, TableWorkouts, gotReq.Table)
	require.Len(t, gotReq.Rows, 1)
	require.Equal(t, "r1", gotReq.Rows[0].ID)
}

func TestHTTPTransport_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrUnauthorized},
		{http.StatusBadRequest, ErrConstraint},
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusBadGateway, ErrTransient},
	}

	for _, tc := range cases {
		status := tc.status
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "nope", Message: "details"})
		}))

		tr := NewHTTPTransport(server.URL, staticToken("tok"))
		err := tr.Delete(context.Background(), []RowDelete{{Table: TableSets, RowID: "x"}})
		require.ErrorIs(t, err, tc.want, "status %d", status)
		require.Contains(t, err.Error(), "nope")
		server.Close()
	}
}

func TestHTTPTransport_ConnectionFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening anymore

	tr := NewHTTPTransport(server.URL, staticToken("tok"))
	err := tr.SaveSession(context.Background(), &SessionSaveRequest{SessionID: "s1"})
	require.ErrorIs(t, err, ErrTransient)
}
