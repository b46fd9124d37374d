package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/flowatch/flowatch/internal/httpapi"
)

type RunCmd struct {
	flags *Flags
	app   *App

	listen string
}

// NewRunCmd creates a new run command.
func NewRunCmd(flags *Flags, app *App) *RunCmd {
	return &RunCmd{flags: flags, app: app}
}

// Register adds the run command to the application.
func (cmd *RunCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "run",
		Usage:     "Run the flowatch daemon",
		UsageText: "flowatch run [--listen addr]",
		Description: `Starts the daemon: the probe API, the background sweeps, and the
config hot-reload watcher. Probes connect over localhost and push page
snapshots; the daemon tracks task flows and schedules automated actions.

Runs until interrupted.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "listen",
				Usage:       "listen address (overrides config)",
				Destination: &cmd.listen,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *RunCmd) run(ctx context.Context, c *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := cmd.listen
	if addr == "" {
		addr = cmd.app.Settings.Listen
	}

	server := httpapi.New(cmd.app.Service, log.Logger)

	log.Info().Str("listen", addr).Msg("flowatch daemon starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return cmd.app.Service.Run(ctx)
	})
	g.Go(func() error {
		return server.ListenAndServe(ctx, addr)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	return nil
}
