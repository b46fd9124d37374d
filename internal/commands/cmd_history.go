package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/flowatch/flowatch/pkg/iojson"
)

type HistoryCmd struct {
	flags *Flags
	app   *App

	jsonOutput bool
	limit      int
}

// NewHistoryCmd creates a new history command.
func NewHistoryCmd(flags *Flags, app *App) *HistoryCmd {
	return &HistoryCmd{flags: flags, app: app}
}

// Register adds the history command group to the application.
func (cmd *HistoryCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "history",
		Usage: "Inspect the task history log",
		Commands: []*cli.Command{
			{
				Name:      "ls",
				Usage:     "List task history, newest first",
				UsageText: "flowatch history ls [--json] [--limit n]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:        "json",
						Usage:       "output as JSON",
						Destination: &cmd.jsonOutput,
					},
					&cli.IntFlag{
						Name:        "limit",
						Usage:       "maximum entries to show (0 = all)",
						Destination: &cmd.limit,
					},
				},
				Action: cmd.ls,
			},
			{
				Name:      "close",
				Usage:     "Remove a task from history and suppress re-adding",
				UsageText: "flowatch history close <task-id>",
				Action:    cmd.close,
			},
			{
				Name:      "clear",
				Usage:     "Clear all task history",
				UsageText: "flowatch history clear",
				Action:    cmd.clear,
			},
		},
	})

	return app
}

func (cmd *HistoryCmd) ls(ctx context.Context, c *cli.Command) error {
	entries, err := cmd.app.Service.Reconciler().List(ctx)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}
	if cmd.limit > 0 && len(entries) > cmd.limit {
		entries = entries[:cmd.limit]
	}

	if cmd.jsonOutput {
		return iojson.Write(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "No task history")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tNAME\tSTARTED\tCOMPLETED")
	for _, e := range entries {
		completed := "-"
		if e.CompletedAt != nil {
			completed = e.CompletedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.ID,
			e.Status,
			e.Name,
			e.StartedAt.Format(time.RFC3339),
			completed,
		)
	}
	return w.Flush()
}

func (cmd *HistoryCmd) close(ctx context.Context, c *cli.Command) error {
	taskID := c.Args().First()
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	if err := cmd.app.Service.Reconciler().Close(ctx, taskID); err != nil {
		return fmt.Errorf("close history entry: %w", err)
	}
	fmt.Printf("Closed %s\n", taskID)
	return nil
}

func (cmd *HistoryCmd) clear(ctx context.Context, c *cli.Command) error {
	if err := cmd.app.Service.Reconciler().Clear(ctx); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	fmt.Println("Task history cleared")
	return nil
}
