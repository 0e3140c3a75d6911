package main

import (
	"context"
	"io"

	"callflow-platform/migrations"
	"callflow-platform/pkg/logger"
	"callflow-platform/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/urfave/cli/v3"
)

func newMigrateCommand(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending Postgres migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "dsn",
				Usage:    "Postgres connection string",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.NewWriter(logEnv(cmd), stderr)

			db, err := utils.OpenPostgres(ctx, "pgx", cmd.String("dsn"), utils.PostgresPoolConfig{MaxOpenConns: 1})
			if err != nil {
				return cli.Exit(err.Error(), exitInvalid)
			}
			defer db.Close()

			applied, err := utils.Migrate(ctx, db, migrations.FS)
			if err != nil {
				log.Error("migration failed", "applied", applied, "err", err)
				return cli.Exit(err.Error(), exitInvalid)
			}
			log.Info("migrations applied", "count", len(applied))
			return writeJSON(stdout, map[string][]string{"applied": nonNil(applied)})
		},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
