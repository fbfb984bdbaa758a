// Copyright 2025 Repgrid Authors
// SPDX-License-Identifier: Apache-2.0

// repsim exercises the sync stack end to end: `repsim serve` runs the
// authoritative server on Postgres, `repsim run` drives a simulated device
// through an offline editing session and pushes the result.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/repgrid/go-repsync/repserver"
	"github.com/repgrid/go-repsync/repsqlite"
	"github.com/repgrid/go-repsync/repsync"
)

type simConfig struct {
	ServerURL   string        `mapstructure:"server_url"`
	ListenAddr  string        `mapstructure:"listen_addr"`
	DatabaseURL string        `mapstructure:"database_url"`
	SQLitePath  string        `mapstructure:"sqlite_path"`
	UserID      string        `mapstructure:"user_id"`
	DeviceID    string        `mapstructure:"device_id"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
}

func loadConfig() (simConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("REPSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("sqlite_path", ":memory:")
	v.SetDefault("user_id", "sim-user")
	v.SetDefault("device_id", "")
	v.SetDefault("jwt_secret", "repsim-dev-secret")
	v.SetDefault("token_ttl", time.Hour)

	var cfg simConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func main() {
	root := &cobra.Command{
		Use:           "repsim",
		Short:         "Workout sync simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), runCmd())

	if err := root.Execute(); err != nil {
		slog.Error("repsim failed", "error", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authoritative sync server on Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("REPSIM_DATABASE_URL is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to connect to postgres: %w", err)
			}
			defer pool.Close()

			logger := slog.Default()
			service, err := repserver.NewSyncService(ctx, pool, &repserver.ServiceConfig{AppName: "repsim"}, logger)
			if err != nil {
				return err
			}

			mux := http.NewServeMux()
			handlers := repserver.NewHTTPSyncHandlers(service, repserver.NewJWTAuth(cfg.JWTSecret), logger)
			handlers.RegisterRoutes(mux)

			srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.Info("sync server listening", "addr", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Simulate a device: edit offline, complete a session, sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runScenario(cmd.Context(), cfg)
		},
	}
}

func runScenario(ctx context.Context, cfg simConfig) error {
	logger := slog.Default()

	db, err := sql.Open("sqlite3", cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open sqlite store: %w", err)
	}
	defer db.Close()

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID, err = repsqlite.EnsureDeviceID(db, cfg.UserID)
		if err != nil {
			return err
		}
	}

	token, err := repserver.NewJWTAuth(cfg.JWTSecret).GenerateToken(cfg.UserID, deviceID, cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("failed to mint token: %w", err)
	}
	transport := repsync.NewHTTPTransport(cfg.ServerURL, func(context.Context) (string, error) { return token, nil })

	client, err := repsqlite.NewClient(db, cfg.UserID, deviceID, transport, nil)
	if err != nil {
		return err
	}
	client.SetLogger(logger)

	// Offline phase: reference data, a workout, a few edits.
	if _, err := client.CreateUser(ctx, cfg.UserID, "Sim User"); err != nil {
		return err
	}
	chest, err := client.CreateBodyPart(ctx, "Chest")
	if err != nil {
		return err
	}
	barbell, err := client.CreateEquipment(ctx, "Barbell")
	if err != nil {
		return err
	}
	bench, err := client.CreateExercise(ctx, "Bench Press", chest, barbell)
	if err != nil {
		return err
	}
	squat, err := client.CreateExercise(ctx, "Back Squat", "", barbell)
	if err != nil {
		return err
	}

	w, err := client.CreateWorkout(ctx, "Push Day", false)
	if err != nil {
		return err
	}
	weBench, err := client.AddWorkoutExercise(ctx, w.ID, bench.ID)
	if err != nil {
		return err
	}
	for i := 0; i < 3; i++ {
		if _, err := client.AddSet(ctx, weBench.ID, 5, 100); err != nil {
			return err
		}
	}
	weSquat, err := client.AddWorkoutExercise(ctx, w.ID, squat.ID)
	if err != nil {
		return err
	}
	if _, err := client.AddSet(ctx, weSquat.ID, 5, 140); err != nil {
		return err
	}
	// Change of plan: squats move to another day.
	if err := client.RemoveWorkoutExercise(ctx, weSquat.ID); err != nil {
		return err
	}

	// Run a session from the workout and complete part of it.
	s, err := client.StartSessionFromWorkout(ctx, w.ID)
	if err != nil {
		return err
	}
	s, err = client.GetSession(ctx, s.ID)
	if err != nil {
		return err
	}
	for _, se := range s.Exercises {
		for i, set := range se.Sets {
			if i == len(se.Sets)-1 {
				break // last set skipped, it will be pruned at save
			}
			if err := client.MarkSetCompleted(ctx, set.ID, true); err != nil {
				return err
			}
		}
	}

	// Online phase: push rows, then save the session through the diff
	// endpoint.
	if err := client.SyncOnce(ctx); err != nil {
		return fmt.Errorf("initial push failed: %w", err)
	}
	if err := client.SyncSessionSave(ctx, s.ID, nil); err != nil {
		return fmt.Errorf("session save failed: %w", err)
	}
	if err := client.SyncOnce(ctx); err != nil {
		return fmt.Errorf("final push failed: %w", err)
	}

	s, err = client.GetSession(ctx, s.ID)
	if err != nil {
		return err
	}
	logger.Info("scenario complete",
		"workout", w.Name,
		"session_time", s.SessionTime,
		"exercises", s.ExerciseCount,
		"sets", s.SetCount)
	return nil
}
