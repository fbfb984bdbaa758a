// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

// Package repserver is the authoritative half of go-repsync: a Postgres
// backed service that applies idempotent row upserts, replayed deletes and
// session-save diffs pushed by devices.
package repserver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/repgrid/go-repsync/repsync"
)

// SyncService applies client pushes to the authoritative store.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig
}

// ServiceConfig holds configuration for the sync service.
type ServiceConfig struct {
	AppName        string // connection tracking label
	MaxBatchSize   int    // max rows per upsert request (0 = unlimited)
	DisableMigrate bool   // skip schema creation on startup
}

// NewSyncService creates the service and, unless disabled, creates the
// business schema.
func NewSyncService(ctx context.Context, pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	if config == nil {
		config = &ServiceConfig{AppName: "go-repsync"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &SyncService{pool: pool, logger: logger, config: config}
	if !config.DisableMigrate {
		if err := s.initializeSchema(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return s, nil
}

// Pool exposes the underlying pool for integration tests and admin tooling.
func (s *SyncService) Pool() *pgxpool.Pool { return s.pool }

func (s *SyncService) checkBatchSize(n int) error {
	if s.config.MaxBatchSize > 0 && n > s.config.MaxBatchSize {
		return fmt.Errorf("batch of %d rows exceeds limit %d: %w",
			n, s.config.MaxBatchSize, repsync.ErrConstraint)
	}
	return nil
}
