package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	cli "github.com/urfave/cli/v3"

	"github.com/BaSui01/fabflow/workflow"
)

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check flow definition files without running them",
		ArgsUsage: "<flow-file>...",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			paths := cmd.Args().Slice()
			if len(paths) == 0 {
				return errors.New("at least one flow file is required")
			}

			w := stdout(cmd)
			failed := 0
			for _, path := range paths {
				flow, err := workflow.LoadFlowFile(path)
				if err == nil {
					err = flow.Validate()
				}
				if err != nil {
					failed++
					fmt.Fprintf(w, "FAIL  %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(w, "ok    %s (%s, %d steps, %s, modules: %s)\n",
					path, flow.Name, len(flow.Steps), flow.ExecutionMode, strings.Join(flow.Modules(), ", "))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d flow files are invalid", failed, len(paths))
			}
			return nil
		},
	}
}
