package commands

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/flowatch/flowatch/internal/core/flow"
	"github.com/flowatch/flowatch/pkg/iojson"
)

type FlowCmd struct {
	flags *Flags
	app   *App

	url        string
	jsonOutput bool
}

// NewFlowCmd creates a new flow command.
func NewFlowCmd(flags *Flags, app *App) *FlowCmd {
	return &FlowCmd{flags: flags, app: app}
}

// Register adds the flow command group to the application.
func (cmd *FlowCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "flow",
		Usage: "Inspect and manage tracked task flows",
		Commands: []*cli.Command{
			{
				Name:      "show",
				Usage:     "Show flow state for a task, or all tracked flows",
				UsageText: "flowatch flow show [task-id] [--url url] [--json]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "url",
						Usage:       "resolve the flow owning this URL",
						Destination: &cmd.url,
					},
					&cli.BoolFlag{
						Name:        "json",
						Usage:       "output as JSON",
						Destination: &cmd.jsonOutput,
					},
				},
				Action: cmd.show,
			},
			{
				Name:        "reset",
				Usage:       "Wipe all flow, approval, and dismissal state",
				UsageText:   "flowatch flow reset",
				Description: "Task history and closed markers survive a reset.",
				Action:      cmd.reset,
			},
			{
				Name:      "clear",
				Usage:     "Clear one task's flow and mark it dismissed",
				UsageText: "flowatch flow clear <task-id>",
				Action:    cmd.clear,
			},
		},
	})

	return app
}

func (cmd *FlowCmd) show(ctx context.Context, c *cli.Command) error {
	machine := cmd.app.Service.Machine()

	taskID := c.Args().First()
	if taskID != "" || cmd.url != "" {
		res, err := machine.Resolve(ctx, taskID, cmd.url)
		if err != nil {
			return fmt.Errorf("resolve flow: %w", err)
		}
		if cmd.jsonOutput {
			return iojson.Write(res)
		}
		printResolution(res)
		return nil
	}

	records, err := cmd.app.Shared.Records(ctx)
	if err != nil {
		return fmt.Errorf("list flows: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stderr, "No tracked flows")
		return nil
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})

	if cmd.jsonOutput {
		return iojson.Write(records)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tFLOW\tSTEPS\tTITLE\tUPDATED")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.TaskID,
			rec.Flow,
			stepsSummary(rec),
			rec.Title,
			rec.UpdatedAt.Format(time.RFC3339),
		)
	}
	return w.Flush()
}

func (cmd *FlowCmd) reset(ctx context.Context, c *cli.Command) error {
	if err := cmd.app.Service.Machine().Reset(ctx); err != nil {
		return fmt.Errorf("reset flows: %w", err)
	}
	fmt.Println("Flow state reset")
	return nil
}

func (cmd *FlowCmd) clear(ctx context.Context, c *cli.Command) error {
	taskID := c.Args().First()
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	if err := cmd.app.Service.Machine().ClearTask(ctx, taskID); err != nil {
		return fmt.Errorf("clear flow: %w", err)
	}
	fmt.Printf("Cleared flow for %s\n", taskID)
	return nil
}

func printResolution(res flow.Resolution) {
	if res.DismissedTaskID != "" {
		fmt.Printf("Task %s is dismissed (flow: %s)\n", res.DismissedTaskID, res.Flow)
		return
	}
	if res.TaskID == "" {
		fmt.Printf("No matching flow (flow: %s)\n", res.Flow)
		return
	}
	fmt.Printf("Task:  %s\n", res.TaskID)
	fmt.Printf("Flow:  %s\n", res.Flow)
	if res.Title != "" {
		fmt.Printf("Title: %s\n", res.Title)
	}
	if len(res.Steps) > 0 {
		steps := make([]string, 0, len(res.Steps))
		for _, s := range flow.Steps() {
			if res.Steps[s] {
				steps = append(steps, s.String())
			}
		}
		fmt.Printf("Steps: %v\n", steps)
	}
}

func stepsSummary(rec flow.Record) string {
	out := ""
	for _, s := range flow.Steps() {
		if rec.Steps[s] {
			if out != "" {
				out += ","
			}
			out += s.String()
		}
	}
	if out == "" {
		out = "-"
	}
	return out
}
