package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spiked/config"
	"spiked/db"
	"spiked/model"
	"spiked/seeds"
)

var errStoreExists = errors.New("demo store already exists")

func main() {
	if err := newDemoCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "init_demo_db:", err)
		os.Exit(1)
	}
}

// newDemoCmd creates a standalone spike store seeded with the built-in
// catalog. No config.cfg is read or written and no SECRET_KEY is provisioned.
func newDemoCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:           "init_demo_db",
		Short:         "Create a seeded demo store without touching config.cfg",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck
			return initDemoDB(cmd.Context(), dbPath, logger.Sugar())
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "spike-demo.db", "Path of the demo store to create")
	return cmd
}

// initDemoDB refuses to touch an existing file; the store is created fresh
// or not at all.
func initDemoDB(ctx context.Context, dbPath string, log *zap.SugaredLogger) error {
	path, err := filepath.Abs(dbPath)
	if err != nil {
		return fmt.Errorf("invalid store path %s: %w", dbPath, err)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w at %s; remove it first", errStoreExists, path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	catalog, err := seeds.Default()
	if err != nil {
		return fmt.Errorf("load built-in catalog: %w", err)
	}

	store, err := db.Open([]config.Bind{{Name: model.RulesBind, Path: path}}, log, db.OpenOptions{Create: true})
	if err != nil {
		return fmt.Errorf("open demo store %s: %w", path, err)
	}
	defer store.Close() //nolint:errcheck

	if err := store.CreateSchema(ctx); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	res, err := db.SeedStore(ctx, store, catalog, db.RunInfo{ID: uuid.NewString(), Started: time.Now()}, log)
	if err != nil {
		return fmt.Errorf("seed demo store: %w", err)
	}

	log.Infow("demo store initialized",
		"path", path,
		"templates", res.Templates,
		"rulesets", res.Rulesets,
		"settings", res.Settings)
	return nil
}
