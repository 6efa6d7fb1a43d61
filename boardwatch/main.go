// Command boardwatch is an operator client for the task board: it follows
// the live board, prints snapshots, mints local tokens and drives load.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

// Flags holds the global options shared by every subcommand.
type Flags struct {
	URL      string
	Token    string
	LogLevel string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := &Flags{}
	app := &cli.Command{
		Name:      "boardwatch",
		Usage:     "Observe and exercise a task board server",
		UsageText: "boardwatch [global options] command [command options]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "url",
				Usage:       "base URL of the board server",
				Sources:     cli.EnvVars("BOARD_URL"),
				Value:       "http://localhost:8080",
				Destination: &flags.URL,
			},
			&cli.StringFlag{
				Name:        "token",
				Usage:       "bearer token sent with every request",
				Sources:     cli.EnvVars("BOARD_TOKEN"),
				Destination: &flags.Token,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("BOARD_LOG_LEVEL"),
				Value:       "info",
				Destination: &flags.LogLevel,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			lvl, err := log.ParseLevel(flags.LogLevel)
			if err != nil {
				return ctx, fmt.Errorf("invalid log level: %w", err)
			}
			log.SetLevel(lvl)
			return ctx, nil
		},
	}

	NewWatchCmd(flags).Register(app)
	NewSnapshotCmd(flags).Register(app)
	NewTokenCmd().Register(app)
	NewLoadCmd(flags).Register(app)

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "boardwatch: %v\n", err)
		os.Exit(1)
	}
}
