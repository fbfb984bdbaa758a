// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

package repsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TokenFunc returns a bearer token (JWT) for the current user/device.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPTransport is the JSON-over-HTTP implementation of Transport.
type HTTPTransport struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
}

// NewHTTPTransport creates a transport against the given server base URL.
func NewHTTPTransport(baseURL string, token TokenFunc) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
	}
}

// Upsert pushes one entity class batch to POST /sync/upsert.
func (t *HTTPTransport) Upsert(ctx context.Context, table string, rows []RowUpsert) error {
	return t.post(ctx, "/sync/upsert", &UpsertRequest{Table: table, Rows: rows})
}

// Delete replays tombstones to POST /sync/delete.
func (t *HTTPTransport) Delete(ctx context.Context, deletes []RowDelete) error {
	return t.post(ctx, "/sync/delete", &DeleteRequest{Deletes: deletes})
}

// SaveSession applies a session-completion diff via POST /sync/session/save.
func (t *HTTPTransport) SaveSession(ctx context.Context, req *SessionSaveRequest) error {
	return t.post(ctx, "/sync/session/save", req)
}

func (t *HTTPTransport) post(ctx context.Context, path string, body any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := t.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.HTTP.Do(httpReq)
	if err != nil {
		// Connectivity failures are retryable; rows stay dirty.
		return fmt.Errorf("%w: %s: %v", ErrTransient, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	msg := readErrorMessage(resp.Body)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s: %s", ErrNotFound, path, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s: %s", ErrConflict, path, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s: %s", ErrUnauthorized, path, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s: %s", ErrConstraint, path, msg)
	default:
		return fmt.Errorf("%w: %s: server returned status %d: %s", ErrTransient, path, resp.StatusCode, msg)
	}
}

func readErrorMessage(r io.Reader) string {
	body, _ := io.ReadAll(r)
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		if errResp.Message != "" {
			return errResp.Error + ": " + errResp.Message
		}
		return errResp.Error
	}
	return string(body)
}
