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

type ApproveCmd struct {
	flags *Flags
	app   *App

	jsonOutput bool
}

// NewApproveCmd creates a new approve command.
func NewApproveCmd(flags *Flags, app *App) *ApproveCmd {
	return &ApproveCmd{flags: flags, app: app}
}

// Register adds the approve command group to the application.
func (cmd *ApproveCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "approve",
		Usage: "Manage the approved-URL allowlist for merge actions",
		Commands: []*cli.Command{
			{
				Name:        "add",
				Usage:       "Approve a URL prefix for automated merge actions",
				UsageText:   "flowatch approve add <url>",
				Description: "Approvals expire ten minutes after they are granted.",
				Action:      cmd.add,
			},
			{
				Name:      "check",
				Usage:     "Check whether a URL is currently approved",
				UsageText: "flowatch approve check <url>",
				Action:    cmd.check,
			},
			{
				Name:      "ls",
				Usage:     "List approvals, including expired ones not yet swept",
				UsageText: "flowatch approve ls [--json]",
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
				Usage:     "Remove all approvals",
				UsageText: "flowatch approve clear",
				Action:    cmd.clear,
			},
		},
	})

	return app
}

func (cmd *ApproveCmd) add(ctx context.Context, c *cli.Command) error {
	url := c.Args().First()
	if url == "" {
		return fmt.Errorf("url is required")
	}
	if err := cmd.app.Service.Approvals().Add(ctx, url); err != nil {
		return fmt.Errorf("add approval: %w", err)
	}
	fmt.Printf("Approved %s\n", url)
	return nil
}

func (cmd *ApproveCmd) check(ctx context.Context, c *cli.Command) error {
	url := c.Args().First()
	if url == "" {
		return fmt.Errorf("url is required")
	}
	ok, err := cmd.app.Service.Approvals().Check(ctx, url)
	if err != nil {
		return fmt.Errorf("check approval: %w", err)
	}
	if ok {
		fmt.Println("approved")
		return nil
	}
	fmt.Println("not approved")
	return nil
}

func (cmd *ApproveCmd) ls(ctx context.Context, c *cli.Command) error {
	entries, err := cmd.app.Shared.Approvals(ctx)
	if err != nil {
		return fmt.Errorf("list approvals: %w", err)
	}

	if cmd.jsonOutput {
		return iojson.Write(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "No approvals")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "URL\tEXPIRES\tSTATE")
	for _, e := range entries {
		state := "active"
		if e.Expired(now) {
			state = "expired"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.URL, e.ExpiresAt.Format(time.RFC3339), state)
	}
	return w.Flush()
}

func (cmd *ApproveCmd) clear(ctx context.Context, c *cli.Command) error {
	if err := cmd.app.Service.Approvals().Clear(ctx); err != nil {
		return fmt.Errorf("clear approvals: %w", err)
	}
	fmt.Println("Approvals cleared")
	return nil
}
