package main

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"taskboard/reconciler"
)

type WatchCmd struct {
	flags *Flags

	transport string
}

func NewWatchCmd(flags *Flags) *WatchCmd {
	return &WatchCmd{flags: flags}
}

// Register adds the watch command to the application.
func (cmd *WatchCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "watch",
		Usage:     "Follow the board and report every state change",
		UsageText: "boardwatch watch [--transport sse|ws]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "transport",
				Usage:       "push transport: sse or ws",
				Value:       "sse",
				Destination: &cmd.transport,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *WatchCmd) source() (reconciler.Source, error) {
	base := reconciler.HTTPSource{BaseURL: cmd.flags.URL, Token: cmd.flags.Token}
	switch cmd.transport {
	case "sse":
		return &base, nil
	case "ws":
		return &reconciler.WebSocketSource{HTTPSource: base}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cmd.transport)
	}
}

func (cmd *WatchCmd) run(ctx context.Context, c *cli.Command) error {
	src, err := cmd.source()
	if err != nil {
		return err
	}
	out := c.Root().Writer
	r := reconciler.New(src, reconciler.Options{
		Logger: log.StandardLogger(),
		OnChange: func(s reconciler.State, v *reconciler.View) {
			_, _ = fmt.Fprintf(out, "%-12s tasks=%d\n", s, v.Len())
		},
	})
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
