package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	cli "github.com/urfave/cli/v3"

	"github.com/BaSui01/fabflow/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

func newMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Manage the checkpoint database schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "db-type",
				Usage: "Database type: postgres, mysql, sqlite (default: from config)",
			},
			&cli.StringFlag{
				Name:  "db-url",
				Usage: "Database connection URL (default: from config)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: migrateAction(func(ctx context.Context, cmd *cli.Command, m migration.Migrator) error {
					fmt.Fprintln(stdout(cmd), "Running migrations...")
					if err := m.Up(ctx); err != nil {
						return fmt.Errorf("migration failed: %w", err)
					}
					return printVersion(ctx, cmd, m, "Migrations complete.")
				}),
			},
			{
				Name:  "down",
				Usage: "Roll back the last migration",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "all", Usage: "Roll back all migrations"},
				},
				Action: migrateAction(func(ctx context.Context, cmd *cli.Command, m migration.Migrator) error {
					if cmd.Bool("all") {
						fmt.Fprintln(stdout(cmd), "Rolling back all migrations...")
						if err := m.DownAll(ctx); err != nil {
							return fmt.Errorf("migration rollback failed: %w", err)
						}
					} else {
						fmt.Fprintln(stdout(cmd), "Rolling back last migration...")
						if err := m.Down(ctx); err != nil {
							return fmt.Errorf("migration rollback failed: %w", err)
						}
					}
					return printVersion(ctx, cmd, m, "Rollback complete.")
				}),
			},
			{
				Name:  "status",
				Usage: "Show migration status",
				Action: migrateAction(func(ctx context.Context, cmd *cli.Command, m migration.Migrator) error {
					statuses, err := m.Status(ctx)
					if err != nil {
						return fmt.Errorf("failed to get status: %w", err)
					}
					tw := tabwriter.NewWriter(stdout(cmd), 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS")
					for _, s := range statuses {
						state := "pending"
						switch {
						case s.Dirty:
							state = "dirty"
						case s.Applied:
							state = "applied"
						}
						fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Version, s.Name, state)
					}
					return tw.Flush()
				}),
			},
			{
				Name:  "info",
				Usage: "Summarize applied and pending migrations",
				Action: migrateAction(func(ctx context.Context, cmd *cli.Command, m migration.Migrator) error {
					info, err := m.Info(ctx)
					if err != nil {
						return fmt.Errorf("failed to get info: %w", err)
					}
					w := stdout(cmd)
					fmt.Fprintf(w, "Current version: %d\n", info.CurrentVersion)
					fmt.Fprintf(w, "Dirty:           %t\n", info.Dirty)
					fmt.Fprintf(w, "Applied:         %d/%d\n", info.AppliedMigrations, info.TotalMigrations)
					fmt.Fprintf(w, "Pending:         %d\n", info.PendingMigrations)
					return nil
				}),
			},
			{
				Name:  "version",
				Usage: "Show current migration version",
				Action: migrateAction(func(ctx context.Context, cmd *cli.Command, m migration.Migrator) error {
					return printVersion(ctx, cmd, m, "")
				}),
			},
			{
				Name:      "goto",
				Usage:     "Migrate to a specific version",
				ArgsUsage: "<version>",
				Action: migrateAction(func(ctx context.Context, cmd *cli.Command, m migration.Migrator) error {
					v, err := strconv.ParseUint(cmd.Args().First(), 10, 32)
					if err != nil {
						return fmt.Errorf("invalid version number: %q", cmd.Args().First())
					}
					if err := m.Goto(ctx, uint(v)); err != nil {
						return fmt.Errorf("migration failed: %w", err)
					}
					return printVersion(ctx, cmd, m, "")
				}),
			},
			{
				Name:      "steps",
				Usage:     "Apply n migrations, or roll back |n| when negative",
				ArgsUsage: "<n>",
				Action: migrateAction(func(ctx context.Context, cmd *cli.Command, m migration.Migrator) error {
					n, err := strconv.Atoi(cmd.Args().First())
					if err != nil || n == 0 {
						return fmt.Errorf("invalid step count: %q", cmd.Args().First())
					}
					if err := m.Steps(ctx, n); err != nil {
						return fmt.Errorf("migration failed: %w", err)
					}
					return printVersion(ctx, cmd, m, "")
				}),
			},
			{
				Name:      "force",
				Usage:     "Force set migration version (use with caution)",
				ArgsUsage: "<version>",
				Action: migrateAction(func(ctx context.Context, cmd *cli.Command, m migration.Migrator) error {
					v, err := strconv.ParseInt(cmd.Args().First(), 10, 32)
					if err != nil {
						return fmt.Errorf("invalid version number: %q", cmd.Args().First())
					}
					if err := m.Force(ctx, int(v)); err != nil {
						return fmt.Errorf("force failed: %w", err)
					}
					fmt.Fprintf(stdout(cmd), "Forced version to %d\n", v)
					return nil
				}),
			},
		},
	}
}

// migrateAction opens a migrator from --db-type/--db-url or the config file
// and closes it after fn.
func migrateAction(fn func(ctx context.Context, cmd *cli.Command, m migration.Migrator) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		m, err := createMigrator(cmd)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
		return errors.Join(fn(ctx, cmd, m), m.Close())
	}
}

func createMigrator(cmd *cli.Command) (*migration.DefaultMigrator, error) {
	dbType, dbURL := cmd.String("db-type"), cmd.String("db-url")

	cfg, logger, err := bootstrap(cmd)
	if err != nil {
		return nil, err
	}
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL, logger)
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

func printVersion(ctx context.Context, cmd *cli.Command, m migration.Migrator, prefix string) error {
	version, dirty, err := m.Version(ctx)
	if err != nil {
		return err
	}
	w := stdout(cmd)
	if prefix != "" {
		fmt.Fprintf(w, "%s ", prefix)
	}
	switch {
	case version == 0 && !dirty:
		fmt.Fprintln(w, "No migrations applied yet.")
	case dirty:
		fmt.Fprintf(w, "Current version: %d (dirty)\n", version)
	default:
		fmt.Fprintf(w, "Current version: %d\n", version)
	}
	return nil
}
