package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"callflow-platform/internal/engine"
	"callflow-platform/internal/simulate"
	"callflow-platform/pkg/logger"

	"github.com/urfave/cli/v3"
)

func newSimulateCommand(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "simulate",
		Aliases:   []string{"sim"},
		Usage:     "Walk a graph file with mock call input and print the trace",
		ArgsUsage: "<graph.json|->",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "direction", Value: "inbound", Usage: "inbound or outbound"},
			&cli.StringFlag{Name: "caller", Usage: "Caller number"},
			&cli.StringFlag{Name: "callee", Usage: "Dialed number"},
			&cli.StringFlag{Name: "at", Usage: "Call time, RFC 3339 (default: now)"},
			&cli.StringSliceFlag{Name: "digits", Aliases: []string{"d"}, Usage: "Input for each prompt in order; \"timeout\" for no input"},
			&cli.StringSliceFlag{Name: "var", Usage: "Session variable as key=value"},
			&cli.StringFlag{Name: "amd", Usage: "Answering-machine result: machine or human"},
			&cli.IntFlag{Name: "max-steps", Value: engine.DefaultMaxSteps, Usage: "Step budget for one walk"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.NewWriter(logEnv(cmd), stderr)

			ver, err := loadGraph(cmd.Args().First(), os.Stdin)
			if err != nil {
				return cli.Exit(err.Error(), exitInvalid)
			}
			sc, err := scenarioFromFlags(cmd)
			if err != nil {
				return cli.Exit(err.Error(), exitInvalid)
			}
			log.Debug("simulating", "nodes", len(ver.Nodes), "edges", len(ver.Edges), "at", sc.Now, "digits", len(sc.Digits))

			eng := engine.New(nil, int(cmd.Int("max-steps")))
			res, err := simulate.Simulate(ctx, eng, ver, sc)
			if err != nil {
				return cli.Exit(err.Error(), exitInvalid)
			}
			if err := writeJSON(stdout, res); err != nil {
				return err
			}
			if res.Status == simulate.StatusFault {
				return cli.Exit("simulation fault: "+res.Fault, exitFault)
			}
			return nil
		},
	}
}

func logEnv(cmd *cli.Command) string {
	if cmd.Bool("verbose") {
		return "local"
	}
	return "production"
}

func scenarioFromFlags(cmd *cli.Command) (simulate.Scenario, error) {
	sc := simulate.Scenario{
		Direction: cmd.String("direction"),
		Caller:    cmd.String("caller"),
		Callee:    cmd.String("callee"),
		Digits:    cmd.StringSlice("digits"),
		AMD:       cmd.String("amd"),
		Now:       time.Now().UTC(),
	}
	if at := cmd.String("at"); at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return simulate.Scenario{}, fmt.Errorf("--at: %w", err)
		}
		sc.Now = t
	}
	for _, kv := range cmd.StringSlice("var") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return simulate.Scenario{}, fmt.Errorf("--var %q: want key=value", kv)
		}
		if sc.Vars == nil {
			sc.Vars = map[string]string{}
		}
		sc.Vars[k] = v
	}
	return sc, nil
}
