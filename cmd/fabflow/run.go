package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/BaSui01/fabflow/persistence"
	"github.com/BaSui01/fabflow/workflow"
)

func newRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a flow on one target against the tool simulator",
		ArgsUsage: "<flow-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "target",
				Aliases:  []string{"t"},
				Usage:    "Wafer or lot id the flow runs on",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "resume",
				Usage: "Continue from the stored checkpoint of (flow, target) if one exists",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Cancel the run after this long (0 disables)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the result as JSON",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return errors.New("flow file is required")
			}
			target := cmd.String("target")

			return withEngine(ctx, cmd, func(eng *engine) error {
				flow, err := eng.orch.LoadFlowFile(path)
				if err != nil {
					return err
				}
				if err := registerSimulator(eng.orch, newSimExecutor(eng.logger), flow); err != nil {
					return err
				}

				if cmd.Bool("resume") {
					cp, err := eng.orch.LoadCheckpoint(ctx, flow.Name, target)
					switch {
					case persistence.IsNotFound(err):
						eng.logger.Info("no checkpoint to resume, starting fresh", zap.String("target", target))
					case err != nil:
						return fmt.Errorf("failed to load checkpoint: %w", err)
					default:
						fmt.Fprintf(stdout(cmd), "Resuming %s on %s: %d/%d steps already completed\n",
							flow.Name, target, len(cp.CompletedSteps), len(cp.StepIDs))
					}
				}

				runCtx, cancel := withOptionalTimeout(ctx, cmd.Duration("timeout"))
				defer cancel()

				exec, err := eng.orch.Execute(runCtx, flow.Name, workflow.WithTarget(target))
				if err != nil {
					return err
				}
				res, waitErr := exec.Wait(context.WithoutCancel(ctx))
				if err := printResult(stdout(cmd), res, cmd.Bool("json")); err != nil {
					return err
				}
				return waitErr
			})
		},
	}
}

func newBatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "batch",
		Usage:     "Queue every flow for every target and drain the queue in order",
		ArgsUsage: "<flow-file>...",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:     "target",
				Aliases:  []string{"t"},
				Usage:    "Target ids, repeat or separate with commas",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Cancel the batch after this long (0 disables)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print the result as JSON",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			paths := cmd.Args().Slice()
			if len(paths) == 0 {
				return errors.New("at least one flow file is required")
			}

			return withEngine(ctx, cmd, func(eng *engine) error {
				sim := newSimExecutor(eng.logger)
				var flows []*workflow.Flow
				for _, path := range paths {
					flow, err := eng.orch.LoadFlowFile(path)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					if err := registerSimulator(eng.orch, sim, flow); err != nil {
						return err
					}
					flows = append(flows, flow)
				}
				for _, target := range cmd.StringSlice("target") {
					for _, flow := range flows {
						eng.orch.Queue().Add(target, flow.Name)
					}
				}

				runCtx, cancel := withOptionalTimeout(ctx, cmd.Duration("timeout"))
				defer cancel()

				exec, err := eng.orch.ExecuteBatch(runCtx)
				if err != nil {
					return err
				}
				res, waitErr := exec.Wait(context.WithoutCancel(ctx))
				if err := printResult(stdout(cmd), res, cmd.Bool("json")); err != nil {
					return err
				}
				if waitErr != nil {
					return waitErr
				}
				if failed := countFailed(res.Batch); failed > 0 {
					return fmt.Errorf("%d of %d batch items failed", failed, len(res.Batch))
				}
				return nil
			})
		},
	}
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func countFailed(items []workflow.BatchResult) int {
	n := 0
	for _, r := range items {
		if !r.Success {
			n++
		}
	}
	return n
}

// printResult writes a per-step table for each unit, then the batch summary.
func printResult(w io.Writer, res *workflow.Result, asJSON bool) error {
	if res == nil {
		return nil
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fmt.Fprintf(w, "Execution %s %s in %s\n", res.ExecutionID, res.State, res.Duration.Round(time.Millisecond))
	for _, u := range res.Units {
		fmt.Fprintf(w, "\n%s on %s: %s\n", u.FlowID, u.TargetID, u.State)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "STEP\tMODULE\tSTATUS\tRETRIES\tERROR")
		for _, s := range u.Steps {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.ModuleName, s.Status, s.RetryCount, s.ErrorMessage)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(res.Batch) > 0 {
		fmt.Fprintln(w, "\nBatch:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TARGET\tFLOW\tSTATE\tRESULT\tERROR")
		for _, b := range res.Batch {
			result := "ok"
			if !b.Success {
				result = "failed"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.Item.TargetID, b.Item.FlowID, b.State, result, b.Error)
		}
		return tw.Flush()
	}
	return nil
}
