package main

import (
	"context"
	"io"
	"time"

	"callflow-platform/internal/auth"
	"callflow-platform/internal/config"

	"github.com/urfave/cli/v3"
)

func newTokenCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Mint an access/refresh token pair for a local API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "secret", Required: true, Sources: cli.EnvVars("JWT_SECRET")},
			&cli.StringFlag{Name: "issuer", Sources: cli.EnvVars("JWT_ISSUER")},
			&cli.StringFlag{Name: "audience", Sources: cli.EnvVars("JWT_AUDIENCE")},
			&cli.StringFlag{Name: "user", Required: true},
			&cli.StringFlag{Name: "workspace", Required: true},
			&cli.StringFlag{Name: "role", Value: "owner"},
			&cli.DurationFlag{Name: "ttl", Value: time.Hour},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			m, err := auth.NewManager(config.AuthConfig{
				JWTSecret:       cmd.String("secret"),
				JWTIssuer:       cmd.String("issuer"),
				JWTAudience:     cmd.String("audience"),
				AccessTokenTTL:  cmd.Duration("ttl"),
				RefreshTokenTTL: 24 * cmd.Duration("ttl"),
			})
			if err != nil {
				return cli.Exit(err.Error(), exitInvalid)
			}
			pair, err := m.IssuePair(time.Now(), auth.Identity{
				UserID:      cmd.String("user"),
				WorkspaceID: cmd.String("workspace"),
				Role:        cmd.String("role"),
			})
			if err != nil {
				return cli.Exit(err.Error(), exitInvalid)
			}
			return writeJSON(stdout, pair)
		},
	}
}
