package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/flowatch/flowatch/internal/core/settings"
	"github.com/flowatch/flowatch/pkg/iojson"
)

type ConfigCmd struct {
	flags *Flags
	app   *App

	jsonOutput bool
}

// NewConfigCmd creates a new config command.
func NewConfigCmd(flags *Flags, app *App) *ConfigCmd {
	return &ConfigCmd{flags: flags, app: app}
}

// Register adds the config command group to the application.
func (cmd *ConfigCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:  "config",
		Usage: "Configuration management commands",
		Commands: []*cli.Command{
			{
				Name:        "validate",
				Usage:       "Validate the configuration file",
				UsageText:   "flowatch config validate [--json]",
				Description: "Checks delay bounds, page glob patterns, and the listen address.",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:        "json",
						Usage:       "output as JSON",
						Destination: &cmd.jsonOutput,
					},
				},
				Action: cmd.validate,
			},
			{
				Name:      "show",
				Usage:     "Print the effective settings after normalization",
				UsageText: "flowatch config show",
				Action:    cmd.show,
			},
		},
	})

	return app
}

func (cmd *ConfigCmd) validate(ctx context.Context, c *cli.Command) error {
	errs := settings.Validate(cmd.flags.ConfigPath)

	if cmd.jsonOutput {
		out := struct {
			Valid  bool     `json:"valid"`
			Errors []string `json:"errors,omitempty"`
		}{Valid: len(errs) == 0}
		for _, err := range errs {
			out.Errors = append(out.Errors, err.Error())
		}
		return iojson.Write(out)
	}

	if len(errs) == 0 {
		fmt.Printf("%s is valid\n", cmd.flags.ConfigPath)
		return nil
	}
	for _, err := range errs {
		fmt.Printf("  ✗ %s\n", err)
	}
	return fmt.Errorf("%d validation error(s)", len(errs))
}

func (cmd *ConfigCmd) show(ctx context.Context, c *cli.Command) error {
	return iojson.Write(cmd.app.Settings)
}
