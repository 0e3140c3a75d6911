package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"callflow-platform/internal/workflow"

	"github.com/urfave/cli/v3"
)

func newValidateCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate a graph file and print the findings",
		ArgsUsage: "<graph.json|->",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ver, err := loadGraph(cmd.Args().First(), os.Stdin)
			if err != nil {
				return cli.Exit(err.Error(), exitInvalid)
			}
			rep := workflow.NewValidator().Validate(ver)
			if err := writeJSON(stdout, rep); err != nil {
				return err
			}
			if !rep.Valid() {
				return cli.Exit(fmt.Sprintf("%d validation error(s)", len(rep.Errors)), exitInvalid)
			}
			return nil
		},
	}
}
