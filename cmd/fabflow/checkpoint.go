package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/BaSui01/fabflow/persistence"
)

func newCheckpointCommand() *cli.Command {
	return &cli.Command{
		Name:    "checkpoint",
		Aliases: []string{"cp"},
		Usage:   "Inspect and remove stored checkpoints",
		Commands: []*cli.Command{
			{
				Name:      "list",
				Aliases:   []string{"ls"},
				Usage:     "List the checkpoints of a flow",
				ArgsUsage: "<flow>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					flowID := cmd.Args().First()
					if flowID == "" {
						return errors.New("flow name is required")
					}
					return withStore(ctx, cmd, func(store persistence.Store) error {
						cps, err := store.List(ctx, flowID)
						if err != nil {
							return err
						}
						w := stdout(cmd)
						if len(cps) == 0 {
							fmt.Fprintf(w, "No checkpoints for %s.\n", flowID)
							return nil
						}
						tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
						fmt.Fprintln(tw, "TARGET\tVERSION\tCOMPLETED\tPROGRESS\tCREATED")
						for _, cp := range cps {
							fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%.0f%%\t%s\n",
								cp.TargetID, cp.FlowVersion, len(cp.CompletedSteps), len(cp.StepIDs),
								cp.Progress.Percentage, cp.CreatedAt.Format(time.RFC3339))
						}
						return tw.Flush()
					})
				},
			},
			{
				Name:      "show",
				Usage:     "Print one checkpoint as JSON",
				ArgsUsage: "<flow> <target>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					flowID, targetID, err := flowAndTarget(cmd)
					if err != nil {
						return err
					}
					return withStore(ctx, cmd, func(store persistence.Store) error {
						cp, err := store.Load(ctx, flowID, targetID)
						if err != nil {
							return err
						}
						enc := json.NewEncoder(stdout(cmd))
						enc.SetIndent("", "  ")
						return enc.Encode(cp)
					})
				},
			},
			{
				Name:      "delete",
				Aliases:   []string{"rm"},
				Usage:     "Delete one checkpoint so the next run starts fresh",
				ArgsUsage: "<flow> <target>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					flowID, targetID, err := flowAndTarget(cmd)
					if err != nil {
						return err
					}
					return withStore(ctx, cmd, func(store persistence.Store) error {
						if err := store.Delete(ctx, flowID, targetID); err != nil {
							return err
						}
						fmt.Fprintf(stdout(cmd), "Deleted checkpoint %s/%s\n", flowID, targetID)
						return nil
					})
				},
			},
		},
	}
}

func flowAndTarget(cmd *cli.Command) (string, string, error) {
	if cmd.Args().Len() != 2 {
		return "", "", errors.New("expected <flow> <target>")
	}
	return cmd.Args().Get(0), cmd.Args().Get(1), nil
}

// withStore opens only the configured checkpoint store.
func withStore(ctx context.Context, cmd *cli.Command, fn func(persistence.Store) error) error {
	cfg, logger, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, err := persistence.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer store.Close()
	return fn(store)
}
