package watchd

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowatch/flowatch/internal/core/eventbus"
	"github.com/flowatch/flowatch/internal/core/flow"
	"github.com/flowatch/flowatch/internal/core/history"
	"github.com/flowatch/flowatch/internal/core/settings"
	"github.com/flowatch/flowatch/internal/data/db"
	"github.com/flowatch/flowatch/internal/data/stores"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	database, err := db.Open(t.TempDir(), db.DefaultOpenOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	kvStore := stores.NewKVStore(database)
	return New(
		settings.Default(),
		"",
		stores.NewSharedStore(kvStore),
		kvStore,
		stores.NewNotifyStore(database),
		eventbus.New(64),
		zerolog.Nop(),
	)
}

func TestHandleUnknownType(t *testing.T) {
	s := newTestService(t)
	res := s.Handle(context.Background(), Request{Type: "BOGUS"})
	assert.Equal(t, ErrCodeUnknownType, res.Error)
	assert.False(t, res.OK)
}

func TestHandleGetSettings(t *testing.T) {
	s := newTestService(t)
	res := s.Handle(context.Background(), Request{Type: MsgGetSettings})
	assert.True(t, res.OK)
	require.NotNil(t, res.Settings)
	assert.Equal(t, s.Settings().Pages, res.Settings.Pages)
}

func TestHandleSharedFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("set requires a task id", func(t *testing.T) {
		s := newTestService(t)
		res := s.Handle(ctx, Request{Type: MsgSetSharedFlow, Step: "opened"})
		assert.Equal(t, ErrCodeMissingTask, res.Error)
	})

	t.Run("set then get", func(t *testing.T) {
		s := newTestService(t)
		res := s.Handle(ctx, Request{
			Type:   MsgSetSharedFlow,
			TaskID: "t1",
			Step:   "opened",
			Title:  "Fix login redirect",
			URL:    "https://app.example.com/tasks/t1",
		})
		require.True(t, res.OK)

		res = s.Handle(ctx, Request{Type: MsgGetSharedFlow, TaskID: "t1"})
		require.True(t, res.OK)
		require.NotNil(t, res.Flow)
		assert.Equal(t, flow.StepOpened, res.Flow.Flow)
		assert.Equal(t, "Fix login redirect", res.Flow.Title)
		assert.True(t, res.Flow.Steps[flow.StepOpened])
	})

	t.Run("legacy flow key still accepted", func(t *testing.T) {
		s := newTestService(t)
		res := s.Handle(ctx, Request{Type: MsgSetSharedFlow, TaskID: "t1", Flow: "created"})
		require.True(t, res.OK)

		res = s.Handle(ctx, Request{Type: MsgGetSharedFlow, TaskID: "t1"})
		assert.Equal(t, flow.StepCreated, res.Flow.Flow)
	})

	t.Run("invalid step is a structured error", func(t *testing.T) {
		s := newTestService(t)
		res := s.Handle(ctx, Request{Type: MsgSetSharedFlow, TaskID: "t1", Step: "sideways"})
		assert.NotEmpty(t, res.Error)
		assert.False(t, res.OK)
	})

	t.Run("set without a step merges title and url", func(t *testing.T) {
		s := newTestService(t)
		s.Handle(ctx, Request{Type: MsgSetSharedFlow, TaskID: "t1", Step: "opened"})

		res := s.Handle(ctx, Request{
			Type:   MsgSetSharedFlow,
			TaskID: "t1",
			Title:  "Fix login redirect",
			URL:    "https://github.com/acme/repo/pull/7",
		})
		require.True(t, res.OK)

		res = s.Handle(ctx, Request{Type: MsgGetSharedFlow, TaskID: "t1"})
		assert.Equal(t, flow.StepOpened, res.Flow.Flow, "flow stays put")
		assert.Equal(t, "Fix login redirect", res.Flow.Title)

		// the merged url now resolves the task
		res = s.Handle(ctx, Request{Type: MsgGetSharedFlow, URL: "https://github.com/acme/repo/pull/7"})
		assert.Equal(t, "t1", res.Flow.TaskID)
	})

	t.Run("set without a step creates an idle record", func(t *testing.T) {
		s := newTestService(t)
		res := s.Handle(ctx, Request{Type: MsgSetSharedFlow, TaskID: "t1", URL: "https://app.example.com/tasks/t1"})
		require.True(t, res.OK)

		res = s.Handle(ctx, Request{Type: MsgGetSharedFlow, URL: "https://app.example.com/tasks/t1"})
		assert.Equal(t, "t1", res.Flow.TaskID)
		assert.Equal(t, flow.StepIdle, res.Flow.Flow)
	})

	t.Run("steps accumulate across set calls", func(t *testing.T) {
		s := newTestService(t)
		for _, step := range []string{"opened", "created", "viewed"} {
			res := s.Handle(ctx, Request{Type: MsgSetSharedFlow, TaskID: "t1", Step: step})
			require.True(t, res.OK)
		}

		res := s.Handle(ctx, Request{Type: MsgGetSharedFlow, TaskID: "t1"})
		assert.Equal(t, flow.StepViewed, res.Flow.Flow)
		assert.True(t, res.Flow.Steps[flow.StepOpened])
		assert.True(t, res.Flow.Steps[flow.StepCreated])
		assert.True(t, res.Flow.Steps[flow.StepViewed])
	})

	t.Run("get resolves by url prefix when the id is unknown", func(t *testing.T) {
		s := newTestService(t)
		s.Handle(ctx, Request{
			Type: MsgSetSharedFlow, TaskID: "t1", Step: "opened",
			URL: "https://app.example.com/tasks/t1",
		})

		res := s.Handle(ctx, Request{
			Type: MsgGetSharedFlow,
			URL:  "https://app.example.com/tasks/t1/logs",
		})
		require.NotNil(t, res.Flow)
		assert.Equal(t, "t1", res.Flow.TaskID)
		assert.Equal(t, flow.StepOpened, res.Flow.Flow)
	})

	t.Run("get for an unknown task is idle", func(t *testing.T) {
		s := newTestService(t)
		res := s.Handle(ctx, Request{Type: MsgGetSharedFlow, TaskID: "ghost"})
		require.NotNil(t, res.Flow)
		assert.Equal(t, flow.StepIdle, res.Flow.Flow)
		assert.Empty(t, res.Flow.DismissedTaskID)
	})
}

func TestHandleClearTaskFlow(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	res := s.Handle(ctx, Request{Type: MsgClearTaskFlow})
	assert.Equal(t, ErrCodeMissingTask, res.Error)

	s.Handle(ctx, Request{Type: MsgSetSharedFlow, TaskID: "t1", Step: "opened"})
	res = s.Handle(ctx, Request{Type: MsgClearTaskFlow, TaskID: "t1"})
	require.True(t, res.OK)

	// cleared task resolves idle, flagged dismissed so probes stop triggering
	res = s.Handle(ctx, Request{Type: MsgGetSharedFlow, TaskID: "t1"})
	assert.Equal(t, flow.StepIdle, res.Flow.Flow)
	assert.Equal(t, "t1", res.Flow.DismissedTaskID)

	// a fresh advance un-dismisses
	s.Handle(ctx, Request{Type: MsgSetSharedFlow, TaskID: "t1", Step: "opened"})
	res = s.Handle(ctx, Request{Type: MsgGetSharedFlow, TaskID: "t1"})
	assert.Equal(t, flow.StepOpened, res.Flow.Flow)
	assert.Empty(t, res.Flow.DismissedTaskID)
}

func TestHandleResetFlow(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	s.Handle(ctx, Request{Type: MsgSetSharedFlow, TaskID: "t1", Step: "opened"})
	res := s.Handle(ctx, Request{Type: MsgResetFlow})
	require.True(t, res.OK)

	res = s.Handle(ctx, Request{Type: MsgGetSharedFlow, TaskID: "t1"})
	assert.Equal(t, flow.StepIdle, res.Flow.Flow)
}

func TestHandleHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	res := s.Handle(ctx, Request{Type: MsgGetTaskHistory})
	require.True(t, res.OK)
	assert.NotNil(t, res.History, "empty history is an empty list, not null")
	assert.Empty(t, res.History)

	// a ready signal for a task never seen working is dropped
	s.Handle(ctx, Request{Type: MsgTaskReady, TaskID: "ghost"})
	res = s.Handle(ctx, Request{Type: MsgGetTaskHistory})
	assert.Empty(t, res.History)

	s.Handle(ctx, Request{Type: MsgSetSharedFlow, TaskID: "t1", Step: "opened", Title: "Fix login redirect"})
	s.Handle(ctx, Request{Type: MsgTaskReady, TaskID: "t1", Title: "Fix login redirect"})

	res = s.Handle(ctx, Request{Type: MsgGetTaskHistory})
	require.Len(t, res.History, 1)
	assert.Equal(t, "t1", res.History[0].ID)
	assert.Equal(t, history.StatusReady, res.History[0].Status)

	res = s.Handle(ctx, Request{Type: MsgClearTaskHistory})
	require.True(t, res.OK)

	res = s.Handle(ctx, Request{Type: MsgGetTaskHistory})
	assert.Empty(t, res.History)
}

func TestHandleTaskReady(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)
	s.Bus().Start(ctx)
	defer s.Bus().Stop()

	res := s.Handle(ctx, Request{Type: MsgTaskReady})
	assert.Equal(t, ErrCodeMissingTask, res.Error)

	ready := make(chan eventbus.TaskReadyPayload, 4)
	s.Bus().SubscribeTaskReady(func(p eventbus.TaskReadyPayload) { ready <- p })

	res = s.Handle(ctx, Request{Type: MsgTaskReady, TaskID: "t1", Title: "Fix login redirect"})
	require.True(t, res.OK)

	select {
	case p := <-ready:
		assert.Equal(t, "t1", p.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("task.ready never published")
	}

	// a re-scanned dashboard repeats the message; the announcement must not
	res = s.Handle(ctx, Request{Type: MsgTaskReady, TaskID: "t1", Title: "Fix login redirect"})
	require.True(t, res.OK)

	select {
	case <-ready:
		t.Fatal("duplicate task.ready announcement")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandleApprovedURLs(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t)

	res := s.Handle(ctx, Request{Type: MsgCheckApprovedURL, URL: "https://github.com/org/repo/pull/1"})
	assert.False(t, res.OK)

	res = s.Handle(ctx, Request{Type: MsgAddApprovedURL, URL: "https://github.com/org/repo"})
	require.True(t, res.OK)

	res = s.Handle(ctx, Request{Type: MsgCheckApprovedURL, URL: "https://github.com/org/repo/pull/1"})
	assert.True(t, res.OK)

	res = s.Handle(ctx, Request{Type: MsgCheckApprovedURL, URL: "https://elsewhere.example.com/"})
	assert.False(t, res.OK)
}

func TestHandleReadyTriggers(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a task id", func(t *testing.T) {
		s := newTestService(t)
		res := s.Handle(ctx, Request{Type: MsgPRReady})
		assert.Equal(t, ErrCodeMissingTask, res.Error)
	})

	t.Run("skipped while the step is disabled", func(t *testing.T) {
		s := newTestService(t)
		res := s.Handle(ctx, Request{Type: MsgPRReady, TaskID: "t1"})
		assert.True(t, res.Skipped)
		assert.False(t, res.OK)
	})

	t.Run("passes the gates and reports the delay", func(t *testing.T) {
		s := newTestService(t)
		cfg := s.Settings()
		cfg.CreatePR.Enabled = true
		cfg.CreatePR.DelaySeconds = 4
		s.setSettings(cfg)

		// the probe clicks only after the task reached opened; the same
		// message also seeds the history entry
		s.Handle(ctx, Request{Type: MsgSetSharedFlow, TaskID: "t1", Step: "opened", Title: "Fix login redirect"})

		res := s.Handle(ctx, Request{Type: MsgPRReady, TaskID: "t1", Title: "Fix login redirect"})
		assert.True(t, res.OK)
		assert.False(t, res.Skipped)
		assert.EqualValues(t, 4000, res.DelayMs)

		// the pass is also reflected in history
		hist := s.Handle(ctx, Request{Type: MsgGetTaskHistory})
		require.Len(t, hist.History, 1)
		assert.Equal(t, history.StatusPRCreated, hist.History[0].Status)
	})

	t.Run("strict ordering rejects a skipped checkpoint", func(t *testing.T) {
		s := newTestService(t)
		cfg := s.Settings()
		cfg.MergePR.Enabled = true
		s.setSettings(cfg)

		s.Handle(ctx, Request{Type: MsgSetSharedFlow, TaskID: "t1", Step: "opened"})
		res := s.Handle(ctx, Request{Type: MsgMergePRReady, TaskID: "t1", URL: "https://github.com/org/repo/pull/1"})
		assert.True(t, res.Skipped)
	})

	t.Run("merge trigger honors the approval allowlist", func(t *testing.T) {
		s := newTestService(t)
		cfg := s.Settings()
		cfg.MergePR.Enabled = true
		s.setSettings(cfg)

		s.Handle(ctx, Request{Type: MsgSetSharedFlow, TaskID: "t1", Step: "viewed"})

		url := "https://github.com/org/repo/pull/1"
		res := s.Handle(ctx, Request{Type: MsgMergePRReady, TaskID: "t1", URL: url})
		assert.True(t, res.Skipped, "unapproved url")

		s.Handle(ctx, Request{Type: MsgAddApprovedURL, URL: "https://github.com/org/repo"})
		res = s.Handle(ctx, Request{Type: MsgMergePRReady, TaskID: "t1", URL: url})
		assert.True(t, res.OK)
	})
}

func TestSettingsHotSwap(t *testing.T) {
	s := newTestService(t)

	cfg := s.Settings()
	cfg.StrictOrder = false
	s.setSettings(cfg)

	assert.False(t, s.Settings().StrictOrder)
}
