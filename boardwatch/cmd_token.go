package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"taskboard/api"
)

type TokenCmd struct {
	secret string
	sub    string
	name   string
	email  string
	ttl    time.Duration
}

func NewTokenCmd() *TokenCmd {
	return &TokenCmd{}
}

// Register adds the token command to the application.
func (cmd *TokenCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "token",
		Usage:     "Mint an HS256 token for a server in test or local auth mode",
		UsageText: "boardwatch token --sub <actor> [--name <name>] [--email <email>]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "secret",
				Usage:       "shared secret of the server",
				Sources:     cli.EnvVars("TEST_JWT_SECRET", "LOCAL_AUTH_SHARED_SECRET"),
				Destination: &cmd.secret,
			},
			&cli.StringFlag{
				Name:        "sub",
				Usage:       "actor id placed in the sub claim",
				Destination: &cmd.sub,
			},
			&cli.StringFlag{
				Name:        "name",
				Destination: &cmd.name,
			},
			&cli.StringFlag{
				Name:        "email",
				Destination: &cmd.email,
			},
			&cli.DurationFlag{
				Name:        "ttl",
				Value:       time.Hour,
				Destination: &cmd.ttl,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *TokenCmd) run(ctx context.Context, c *cli.Command) error {
	if cmd.secret == "" {
		return errors.New("a shared secret is required")
	}
	if cmd.sub == "" {
		return errors.New("--sub is required")
	}
	token, err := api.SignTestToken([]byte(cmd.secret), cmd.sub, cmd.name, cmd.email, cmd.ttl)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	_, err = fmt.Fprintln(c.Root().Writer, token)
	return err
}
