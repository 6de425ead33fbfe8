package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ahrav/anomaly-armada/internal/config"
	"github.com/ahrav/anomaly-armada/internal/infra/storage"
)

var errMigrateDriver = errors.New("migrate: only the postgres driver uses migrations")

func migrateCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the postgres schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigration(cmd, *cfgPath, func(cfg *config.Config, run migration) error {
					return run.up(cfg.Database.Migrations)
				})
			},
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back migrations, one step by default",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps := 1
				if len(args) == 1 {
					n, err := strconv.Atoi(args[0])
					if err != nil || n < 1 {
						return fmt.Errorf("steps must be a positive integer, got %q", args[0])
					}
					steps = n
				}
				return runMigration(cmd, *cfgPath, func(cfg *config.Config, run migration) error {
					return run.down(cfg.Database.Migrations, steps)
				})
			},
		},
	)
	return cmd
}

type migration struct {
	up   func(source string) error
	down func(source string, steps int) error
}

func runMigration(cmd *cobra.Command, cfgPath string, fn func(*config.Config, migration) error) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx, cfgPath)
	if err != nil {
		return err
	}
	if cfg.Database.Driver != config.DriverPostgres {
		return errMigrateDriver
	}

	log := newLogger(cfg)

	pool, err := storage.OpenPool(ctx, storage.PoolConfig{DSN: cfg.Database.DSN, MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	err = fn(cfg, migration{
		up:   func(source string) error { return storage.MigrateUp(pool, source) },
		down: func(source string, steps int) error { return storage.MigrateDown(pool, source, steps) },
	})
	if err != nil {
		return err
	}
	log.Info(ctx, "migrate", "status", "complete", "command", cmd.Name(), "source", cfg.Database.Migrations)
	return nil
}
