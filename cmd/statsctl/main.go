// Package main provides maintenance commands for the training backend.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/schulte-trainer/internal/config"
	"github.com/schulte-trainer/internal/logger"
	"github.com/schulte-trainer/internal/stats"
	"github.com/schulte-trainer/internal/storage"
)

const commandTimeout = 2 * time.Minute

var recalcUser string

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "statsctl",
		Short:        "Maintenance commands for the training database",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newRecalculateCmd())

	return rootCmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE:  runMigrateCmd,
	}
}

func newRecalculateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recalculate",
		Short: "Rebuild a user's statistics from their session history",
		Args:  cobra.NoArgs,
		RunE:  runRecalculateCmd,
	}
	cmd.Flags().StringVar(&recalcUser, "user", "", "user id (UUID)")
	cmd.MarkFlagRequired("user")
	return cmd
}

// openStore connects and migrates; NewPostgresStore applies migrations
func openStore(ctx context.Context) (*storage.PostgresStore, zerolog.Logger, error) {
	log := logger.New()
	cfg, err := config.Load(log)
	if err != nil {
		return nil, log, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(log, cfg.LogLevel)

	store, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, log, fmt.Errorf("failed to open db: %w", err)
	}
	return store, log, nil
}

func runMigrateCmd(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	store, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	version, err := storage.MigrationVersion(ctx, store.Pool())
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
	return nil
}

func runRecalculateCmd(cmd *cobra.Command, _ []string) error {
	userID, err := uuid.Parse(recalcUser)
	if err != nil {
		return fmt.Errorf("invalid --user: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	store, log, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.UserByID(ctx, userID); err != nil {
		return fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	engine := stats.NewEngine(log)
	var result *storage.UserStats
	err = store.WithinUserTx(ctx, userID, func(tx storage.Tx) error {
		st, err := engine.FullRecalculate(ctx, tx, userID)
		result = st
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to recalculate: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
