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

type NotificationsCmd struct {
	flags *Flags
	app   *App

	jsonOutput bool
}

// NewNotificationsCmd creates a new notifications command.
func NewNotificationsCmd(flags *Flags, app *App) *NotificationsCmd {
	return &NotificationsCmd{flags: flags, app: app}
}

// Register adds the notifications command group to the application.
func (cmd *NotificationsCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:    "notifications",
		Aliases: []string{"notif"},
		Usage:   "Inspect the notification log",
		Commands: []*cli.Command{
			{
				Name:      "ls",
				Usage:     "List notifications, newest first",
				UsageText: "flowatch notifications ls [--json]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:        "json",
						Usage:       "output as JSON",
						Destination: &cmd.jsonOutput,
					},
				},
				Action: cmd.ls,
			},
			{
				Name:      "clear",
				Usage:     "Clear the notification log",
				UsageText: "flowatch notifications clear",
				Action:    cmd.clear,
			},
		},
	})

	return app
}

func (cmd *NotificationsCmd) ls(ctx context.Context, c *cli.Command) error {
	items, err := cmd.app.Notes.List(ctx)
	if err != nil {
		return fmt.Errorf("list notifications: %w", err)
	}

	if cmd.jsonOutput {
		return iojson.Write(items)
	}

	if len(items) == 0 {
		fmt.Fprintln(os.Stderr, "No notifications")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tLEVEL\tTASK\tMESSAGE")
	for _, n := range items {
		task := n.TaskID
		if task == "" {
			task = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			n.CreatedAt.Format(time.RFC3339),
			n.Level,
			task,
			n.Message,
		)
	}
	return w.Flush()
}

func (cmd *NotificationsCmd) clear(ctx context.Context, c *cli.Command) error {
	if err := cmd.app.Notes.Clear(ctx); err != nil {
		return fmt.Errorf("clear notifications: %w", err)
	}
	fmt.Println("Notifications cleared")
	return nil
}
