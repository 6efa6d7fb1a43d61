package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"
	"github.com/urfave/cli/v3"

	"taskboard/domain"
	"taskboard/reconciler"
)

type SnapshotCmd struct {
	flags *Flags

	jsonOutput bool
}

func NewSnapshotCmd(flags *Flags) *SnapshotCmd {
	return &SnapshotCmd{flags: flags}
}

// Register adds the snapshot command to the application.
func (cmd *SnapshotCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "snapshot",
		Usage:     "Print every task on the board",
		UsageText: "boardwatch snapshot [--json]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "output as JSON lines",
				Destination: &cmd.jsonOutput,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *SnapshotCmd) run(ctx context.Context, c *cli.Command) error {
	src := &reconciler.HTTPSource{BaseURL: cmd.flags.URL, Token: cmd.flags.Token}
	tasks, err := src.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if cmd.jsonOutput {
		return writeJSONLines(c.Root().Writer, tasks)
	}
	return writeTable(c.Root().Writer, tasks)
}

func writeJSONLines(w io.Writer, tasks []domain.Task) error {
	for _, t := range tasks {
		b, err := sonic.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode task: %w", err)
		}
		if _, err := fmt.Fprintln(w, string(b)); err != nil {
			return err
		}
	}
	return nil
}

func writeTable(w io.Writer, tasks []domain.Task) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tDUE\tASSIGNEE\tTITLE")
	for _, t := range tasks {
		assignee := t.AssignedToID
		if assignee == "" {
			assignee = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Priority, t.DueDate.Format(time.DateOnly), assignee, t.Title)
	}
	return tw.Flush()
}
