// Command flowctl validates and simulates call-flow graphs offline, applies
// database migrations and mints access tokens for local environments.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := newCommand(os.Stdout, os.Stderr)
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			if msg := ec.Error(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			os.Exit(ec.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Exit codes.
const (
	exitInvalid = 1
	exitFault   = 2
)

func newCommand(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "flowctl",
		Usage:     "Work with call-flow graph files without a running platform",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log debug output to stderr",
			},
		},
		// main maps exit codes itself so tests can inspect them.
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
		Commands: []*cli.Command{
			newValidateCommand(stdout),
			newSimulateCommand(stdout, stderr),
			newTokenCommand(stdout),
			newMigrateCommand(stdout, stderr),
		},
	}
}
