// Package settings handles configuration loading, normalization, and hot
// reload for the flowatch daemon.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/flowatch/flowatch/internal/core/flow"
)

// Delay bounds for scheduled clicks, in seconds.
const (
	MinDelaySeconds = 1
	MaxDelaySeconds = 60

	defaultDelaySeconds = 3
	defaultListen       = "127.0.0.1:7618"
)

// StepSettings configures automation for a single lifecycle step.
type StepSettings struct {
	Enabled      bool `yaml:"enabled" json:"enabled"`
	DelaySeconds int  `yaml:"delay_seconds" json:"delay_seconds"`
	Sound        bool `yaml:"sound" json:"sound"`
	CloseTab     bool `yaml:"close_tab" json:"close_tab"`
}

// Pages configures URL classification for the watched sites. Patterns are
// doublestar globs matched against "host/path".
type Pages struct {
	TaskList   []string `yaml:"task_list" json:"task_list"`
	TaskDetail []string `yaml:"task_detail" json:"task_detail"`
	PullReq    []string `yaml:"pull_request" json:"pull_request"`
}

// Settings is the flat daemon configuration. Core components read it as
// input only; mutation happens solely through file reload.
type Settings struct {
	CreatePR     StepSettings `yaml:"create_pr" json:"create_pr"`
	ViewPR       StepSettings `yaml:"view_pr" json:"view_pr"`
	MergePR      StepSettings `yaml:"merge_pr" json:"merge_pr"`
	ConfirmMerge StepSettings `yaml:"confirm_merge" json:"confirm_merge"`

	StrictOrder  bool `yaml:"strict_order" json:"strict_order"`
	ShowTimeline bool `yaml:"show_timeline" json:"show_timeline"`

	Pages  Pages  `yaml:"pages" json:"pages"`
	Listen string `yaml:"listen" json:"listen"`

	DataDir string `yaml:"-" json:"-"` // set by caller, not from config file
}

// Default returns the documented default settings: automation off, sounds on,
// strict ordering on, stock dashboard/PR page patterns.
func Default() Settings {
	step := StepSettings{
		Enabled:      false,
		DelaySeconds: defaultDelaySeconds,
		Sound:        true,
		CloseTab:     false,
	}
	return Settings{
		CreatePR:     step,
		ViewPR:       step,
		MergePR:      step,
		ConfirmMerge: step,
		StrictOrder:  true,
		ShowTimeline: true,
		Pages: Pages{
			TaskList:   []string{"**/tasks"},
			TaskDetail: []string{"**/tasks/*"},
			PullReq:    []string{"**/pull/*", "**/pulls/*"},
		},
		Listen: defaultListen,
	}
}

// Normalize coerces arbitrary partial or garbage input into a valid Settings
// value. It never fails: invalid fields fall back to defaults, delays clamp
// to [MinDelaySeconds, MaxDelaySeconds], malformed patterns are dropped.
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(s Settings) Settings {
	def := Default()

	s.CreatePR = normalizeStep(s.CreatePR)
	s.ViewPR = normalizeStep(s.ViewPR)
	s.MergePR = normalizeStep(s.MergePR)
	s.ConfirmMerge = normalizeStep(s.ConfirmMerge)

	s.Pages.TaskList = normalizePatterns(s.Pages.TaskList, def.Pages.TaskList)
	s.Pages.TaskDetail = normalizePatterns(s.Pages.TaskDetail, def.Pages.TaskDetail)
	s.Pages.PullReq = normalizePatterns(s.Pages.PullReq, def.Pages.PullReq)

	if s.Listen == "" {
		s.Listen = def.Listen
	}

	return s
}

func normalizeStep(step StepSettings) StepSettings {
	if step.DelaySeconds < MinDelaySeconds {
		if step.DelaySeconds == 0 {
			step.DelaySeconds = defaultDelaySeconds
		} else {
			step.DelaySeconds = MinDelaySeconds
		}
	}
	if step.DelaySeconds > MaxDelaySeconds {
		step.DelaySeconds = MaxDelaySeconds
	}
	return step
}

func normalizePatterns(patterns, fallback []string) []string {
	var out []string
	for _, p := range patterns {
		if p == "" || !doublestar.ValidatePattern(p) {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		out = append(out, fallback...)
	}
	return out
}

// ForStep returns the automation settings gating the given lifecycle step.
// Steps without an automatable action report a disabled zero value.
func (s Settings) ForStep(step flow.Step) StepSettings {
	switch step {
	case flow.StepCreated:
		return s.CreatePR
	case flow.StepViewed:
		return s.ViewPR
	case flow.StepMerged:
		return s.MergePR
	case flow.StepConfirmed:
		return s.ConfirmMerge
	default:
		return StepSettings{}
	}
}

// Load reads settings from the YAML file at path. A missing file yields
// defaults. The result is always normalized.
func Load(path, dataDir string) (Settings, error) {
	s := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults
	case err != nil:
		return Settings{}, fmt.Errorf("read config %q: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	s = Normalize(s)
	s.DataDir = dataDir

	if s.DataDir != "" {
		if err := os.MkdirAll(s.DataDir, 0o755); err != nil {
			return Settings{}, fmt.Errorf("create data dir: %w", err)
		}
	}

	return s, nil
}

// Validate reports configuration problems that Normalize would silently
// repair. Used by `flowatch config validate` to surface them instead.
func Validate(path string) []error {
	var errs []error

	data, err := os.ReadFile(path)
	if err != nil {
		return []error{fmt.Errorf("read config %q: %w", path, err)}
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return []error{fmt.Errorf("parse config %q: %w", path, err)}
	}

	check := func(field string, step StepSettings) {
		if step.DelaySeconds != 0 && (step.DelaySeconds < MinDelaySeconds || step.DelaySeconds > MaxDelaySeconds) {
			errs = append(errs, fmt.Errorf("%s.delay_seconds: %d outside [%d,%d]", field, step.DelaySeconds, MinDelaySeconds, MaxDelaySeconds))
		}
	}
	check("create_pr", s.CreatePR)
	check("view_pr", s.ViewPR)
	check("merge_pr", s.MergePR)
	check("confirm_merge", s.ConfirmMerge)

	for group, patterns := range map[string][]string{
		"pages.task_list":    s.Pages.TaskList,
		"pages.task_detail":  s.Pages.TaskDetail,
		"pages.pull_request": s.Pages.PullReq,
	} {
		for _, p := range patterns {
			if !doublestar.ValidatePattern(p) {
				errs = append(errs, fmt.Errorf("%s: invalid pattern %q", group, p))
			}
		}
	}

	return errs
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "flowatch.yml"
	}
	return filepath.Join(home, ".config", "flowatch", "flowatch.yml")
}

// DefaultDataDir returns the conventional data directory location.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowatch"
	}
	return filepath.Join(home, ".local", "share", "flowatch")
}
