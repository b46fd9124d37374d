// Package commands implements the flowatch CLI subcommands.
package commands

import (
	"github.com/flowatch/flowatch/internal/core/settings"
	"github.com/flowatch/flowatch/internal/data/db"
	"github.com/flowatch/flowatch/internal/data/stores"
	"github.com/flowatch/flowatch/internal/watchd"
)

// Flags holds global CLI flags plus the state the Before hook wires up for
// every command.
type Flags struct {
	LogLevel   string
	LogFile    string
	ConfigPath string
	DataDir    string
}

// App carries the daemon components commands operate on. Populated in the
// root command's Before hook; commands hold a pointer to it.
type App struct {
	Settings settings.Settings
	Service  *watchd.Service
	DB       *db.DB
	KV       *stores.KVStore
	Shared   *stores.SharedStore
	Notes    *stores.NotifyStore
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return settings.DefaultConfigPath()
}

// DefaultDataDir returns the default data directory.
func DefaultDataDir() string {
	return settings.DefaultDataDir()
}
