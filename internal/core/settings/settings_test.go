package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowatch/flowatch/internal/core/flow"
)

func TestDefault(t *testing.T) {
	s := Default()

	assert.False(t, s.CreatePR.Enabled, "automation defaults off")
	assert.False(t, s.ConfirmMerge.Enabled)
	assert.True(t, s.StrictOrder)
	assert.True(t, s.ShowTimeline)
	assert.Equal(t, defaultDelaySeconds, s.MergePR.DelaySeconds)
	assert.NotEmpty(t, s.Pages.TaskList)
	assert.NotEmpty(t, s.Listen)
}

func TestNormalize(t *testing.T) {
	t.Run("clamps delays", func(t *testing.T) {
		s := Settings{
			CreatePR:     StepSettings{DelaySeconds: -5},
			ViewPR:       StepSettings{DelaySeconds: 0},
			MergePR:      StepSettings{DelaySeconds: 999},
			ConfirmMerge: StepSettings{DelaySeconds: 30},
		}
		s = Normalize(s)

		assert.Equal(t, MinDelaySeconds, s.CreatePR.DelaySeconds)
		assert.Equal(t, defaultDelaySeconds, s.ViewPR.DelaySeconds, "unset delay gets the default")
		assert.Equal(t, MaxDelaySeconds, s.MergePR.DelaySeconds)
		assert.Equal(t, 30, s.ConfirmMerge.DelaySeconds)
	})

	t.Run("drops malformed patterns, falls back when none survive", func(t *testing.T) {
		s := Settings{
			Pages: Pages{
				TaskList:   []string{"[", ""},
				TaskDetail: []string{"app.example.com/tasks/*", "["},
			},
		}
		s = Normalize(s)

		assert.Equal(t, Default().Pages.TaskList, s.Pages.TaskList)
		assert.Equal(t, []string{"app.example.com/tasks/*"}, s.Pages.TaskDetail)
	})

	t.Run("idempotent", func(t *testing.T) {
		in := Settings{
			CreatePR: StepSettings{Enabled: true, DelaySeconds: 120},
			Pages:    Pages{TaskList: []string{"[", "ok/**"}},
			Listen:   "",
		}
		once := Normalize(in)
		twice := Normalize(once)
		assert.Equal(t, once, twice)
	})
}

func TestForStep(t *testing.T) {
	s := Default()
	s.MergePR.Enabled = true

	assert.True(t, s.ForStep(flow.StepMerged).Enabled)
	assert.False(t, s.ForStep(flow.StepCreated).Enabled)
	assert.Equal(t, StepSettings{}, s.ForStep(flow.StepOpened), "opened has no automatable action")
	assert.Equal(t, StepSettings{}, s.ForStep(flow.StepIdle))
}

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		dir := t.TempDir()
		s, err := Load(filepath.Join(dir, "nope.yml"), dir)
		require.NoError(t, err)
		assert.Equal(t, Default().Pages, s.Pages)
		assert.Equal(t, dir, s.DataDir)
	})

	t.Run("file values override defaults and are normalized", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "flowatch.yml")
		require.NoError(t, os.WriteFile(path, []byte(`
create_pr:
  enabled: true
  delay_seconds: 120
strict_order: false
show_timeline: false
listen: "127.0.0.1:9999"
`), 0o644))

		s, err := Load(path, dir)
		require.NoError(t, err)
		assert.True(t, s.CreatePR.Enabled)
		assert.Equal(t, MaxDelaySeconds, s.CreatePR.DelaySeconds)
		assert.False(t, s.StrictOrder)
		assert.False(t, s.ShowTimeline)
		assert.Equal(t, "127.0.0.1:9999", s.Listen)
	})

	t.Run("garbage yaml fails", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "flowatch.yml")
		require.NoError(t, os.WriteFile(path, []byte("{{nope"), 0o644))

		_, err := Load(path, dir)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "flowatch.yml")
		require.NoError(t, os.WriteFile(path, []byte(`
merge_pr:
  delay_seconds: 10
pages:
  pull_request: ["github.com/**/pull/*"]
`), 0o644))

		assert.Empty(t, Validate(path))
	})

	t.Run("reports out-of-range delay and bad pattern", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "flowatch.yml")
		require.NoError(t, os.WriteFile(path, []byte(`
merge_pr:
  delay_seconds: 600
pages:
  task_list: ["["]
`), 0o644))

		errs := Validate(path)
		assert.Len(t, errs, 2)
	})
}
