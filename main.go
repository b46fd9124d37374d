package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/flowatch/flowatch/internal/commands"
	"github.com/flowatch/flowatch/internal/core/eventbus"
	"github.com/flowatch/flowatch/internal/core/settings"
	"github.com/flowatch/flowatch/internal/data/db"
	"github.com/flowatch/flowatch/internal/data/stores"
	"github.com/flowatch/flowatch/internal/watchd"
	"github.com/flowatch/flowatch/pkg/logutils"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	// When installed via `go install module@version`, build() populates
	// these from runtime/debug.BuildInfo instead.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	v, c, d := version, commit, date

	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok {
			if mv := info.Main.Version; mv != "" && mv != "(devel)" {
				v = mv
			}
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					c = s.Value
				case "vcs.time":
					d = s.Value
				}
			}
		}
	}

	short := c
	if len(c) > 7 {
		short = c[:7]
	}

	return fmt.Sprintf("%s (%s) %s", v, short, d)
}

func main() {
	ctx := context.Background()

	var (
		logCloser func()
		database  *db.DB
		cliApp    = &commands.App{}
	)

	flags := &commands.Flags{}

	app := &cli.Command{
		Name:      "flowatch",
		Usage:     "Track and auto-advance coding task flows",
		UsageText: "flowatch [global options] command [command options]",
		Description: `Flowatch runs a local daemon that browser probes report page snapshots
to. It tracks each coding task through its lifecycle (opened, PR created,
viewed, merged, confirmed), keeps a shared history log, and schedules the
automated clicks that move a task to its next step.

Run 'flowatch run' to start the daemon.
Run 'flowatch' with no arguments to open the interactive timeline.`,
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error, fatal, panic)",
				Sources:     cli.EnvVars("FLOWATCH_LOG_LEVEL"),
				Value:       "info",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (defaults to <data-dir>/flowatch.log)",
				Sources:     cli.EnvVars("FLOWATCH_LOG_FILE"),
				Destination: &flags.LogFile,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("FLOWATCH_CONFIG"),
				Value:       commands.DefaultConfigPath(),
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "data-dir",
				Usage:       "path to data directory",
				Sources:     cli.EnvVars("FLOWATCH_DATA_DIR"),
				Value:       commands.DefaultDataDir(),
				Destination: &flags.DataDir,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			logFile := flags.LogFile
			if logFile == "" {
				logFile = filepath.Join(flags.DataDir, "flowatch.log")
			}

			logger, closer, err := logutils.New(flags.LogLevel, logFile)
			if err != nil {
				return ctx, fmt.Errorf("setup logger: %w", err)
			}
			log.Logger = logger
			logCloser = closer

			cfg, err := settings.Load(flags.ConfigPath, flags.DataDir)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}

			database, err = db.Open(cfg.DataDir, db.DefaultOpenOptions())
			if err != nil {
				if !stores.IsCorruptionError(err) {
					return ctx, fmt.Errorf("open database: %w", err)
				}
				// A corrupt database is recoverable state: everything it
				// holds is rebuilt from future scans.
				log.Warn().Err(err).Msg("database corrupt, recreating")
				if rerr := stores.RecoverFromCorruption(cfg.DataDir); rerr != nil {
					return ctx, fmt.Errorf("recover database: %w", rerr)
				}
				database, err = db.Open(cfg.DataDir, db.DefaultOpenOptions())
				if err != nil {
					return ctx, fmt.Errorf("open database: %w", err)
				}
			}

			kvStore := stores.NewKVStore(database)
			shared := stores.NewSharedStore(kvStore)
			notes := stores.NewNotifyStore(database)

			bus := eventbus.New(64)
			svc := watchd.New(cfg, flags.ConfigPath, shared, kvStore, notes, bus, log.Logger)

			*cliApp = commands.App{
				Settings: cfg,
				Service:  svc,
				DB:       database,
				KV:       kvStore,
				Shared:   shared,
				Notes:    notes,
			}

			return ctx, nil
		},
		After: func(ctx context.Context, c *cli.Command) error {
			if database != nil {
				if err := database.Close(); err != nil {
					log.Error().Err(err).Msg("failed to close database")
					return err
				}
			}
			if logCloser != nil {
				logCloser()
			}
			return nil
		},
	}

	timelineCmd := commands.NewTimelineCmd(flags, cliApp)

	app = commands.NewRunCmd(flags, cliApp).Register(app)
	app = commands.NewFlowCmd(flags, cliApp).Register(app)
	app = commands.NewHistoryCmd(flags, cliApp).Register(app)
	app = commands.NewApproveCmd(flags, cliApp).Register(app)
	app = commands.NewNotificationsCmd(flags, cliApp).Register(app)
	app = commands.NewConfigCmd(flags, cliApp).Register(app)
	app = timelineCmd.Register(app)

	// Open the timeline when no subcommand is provided, unless the config
	// turned it off. An explicit `flowatch timeline` still works either way.
	app.Action = func(ctx context.Context, c *cli.Command) error {
		if c.Args().Len() > 0 {
			return fmt.Errorf("unknown command %q. Run 'flowatch --help' for usage", c.Args().First())
		}
		if !cliApp.Settings.ShowTimeline {
			return cli.ShowSubcommandHelp(c)
		}
		return timelineCmd.Run(ctx, c)
	}

	exitCode := 0
	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Println()
		fmt.Println(err.Error())
		exitCode = 1
	}

	os.Exit(exitCode)
}
