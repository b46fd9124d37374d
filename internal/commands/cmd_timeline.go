package commands

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/flowatch/flowatch/internal/core/flow"
	"github.com/flowatch/flowatch/internal/core/history"
	"github.com/flowatch/flowatch/internal/tui"
)

type TimelineCmd struct {
	flags *Flags
	app   *App
}

// NewTimelineCmd creates a new timeline command.
func NewTimelineCmd(flags *Flags, app *App) *TimelineCmd {
	return &TimelineCmd{flags: flags, app: app}
}

// Register adds the timeline command to the application.
func (cmd *TimelineCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "timeline",
		Usage:     "Interactive timeline of tracked tasks",
		UsageText: "flowatch timeline",
		Description: `Opens a live view of the task history with each task's lifecycle
progress. Reads the same store the daemon writes, so it can run alongside
a daemon or on its own.`,
		Action: cmd.Run,
	})

	return app
}

// Run opens the timeline. Exported so the root command can use it as the
// default action.
func (cmd *TimelineCmd) Run(ctx context.Context, c *cli.Command) error {
	return tui.New(&timelineBackend{app: cmd.app}).Run()
}

// timelineBackend adapts the daemon services to the TUI's Backend surface.
type timelineBackend struct {
	app *App
}

func (b *timelineBackend) History(ctx context.Context) ([]history.Entry, error) {
	return b.app.Service.Reconciler().List(ctx)
}

func (b *timelineBackend) Flow(ctx context.Context, taskID string) (flow.Resolution, error) {
	return b.app.Service.Machine().Resolve(ctx, taskID, "")
}

func (b *timelineBackend) CloseTask(ctx context.Context, taskID string) error {
	return b.app.Service.Reconciler().Close(ctx, taskID)
}

func (b *timelineBackend) ClearFlow(ctx context.Context, taskID string) error {
	return b.app.Service.Machine().ClearTask(ctx, taskID)
}
