package main

import (
	"context"
	"fmt"
	"io"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/BaSui01/fabflow/config"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "fabflow",
		Usage:                 "Run semiconductor process flows on wafers and lots",
		Version:               Version,
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (YAML)",
				Sources: cli.EnvVars("FABFLOW_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override log.level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			newRunCommand(),
			newBatchCommand(),
			newValidateCommand(),
			newCheckpointCommand(),
			newMigrateCommand(),
			newHealthCommand(),
			newVersionCommand(),
		},
	}
}

// loadConfig reads --config and the FABFLOW_* environment.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	loader := config.NewLoader()
	if path := cmd.String("config"); path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if level := cmd.String("log-level"); level != "" {
		cfg.Log.Level = level
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// bootstrap loads the config and builds the logger every command shares.
func bootstrap(cmd *cli.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := initLogger(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, logger, nil
}

// withEngine runs fn against a fully wired engine and closes it afterwards.
func withEngine(ctx context.Context, cmd *cli.Command, fn func(*engine) error) error {
	cfg, logger, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting fabflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("command", cmd.Name),
	)

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	runErr := fn(eng)
	if err := eng.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	return runErr
}

// stdout is where command results go; logs use the configured outputs.
func stdout(cmd *cli.Command) io.Writer {
	return cmd.Root().Writer
}

func newVersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			w := stdout(cmd)
			fmt.Fprintf(w, "FabFlow %s\n", Version)
			fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
			return nil
		},
	}
}
