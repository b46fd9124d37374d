package httpapi

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
	"github.com/flowatch/flowatch/internal/core/observe"
	"github.com/flowatch/flowatch/internal/core/settings"
	"github.com/flowatch/flowatch/internal/data/db"
	"github.com/flowatch/flowatch/internal/data/stores"
	"github.com/flowatch/flowatch/internal/watchd"
)

func newTestProbe(t *testing.T) *probeConn {
	t.Helper()
	database, err := db.Open(t.TempDir(), db.DefaultOpenOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	kvStore := stores.NewKVStore(database)
	svc := watchd.New(
		settings.Default(),
		"",
		stores.NewSharedStore(kvStore),
		kvStore,
		stores.NewNotifyStore(database),
		eventbus.New(64),
		zerolog.Nop(),
	)

	p := &probeConn{
		id:      "probe-test",
		svc:     svc,
		session: observe.NewSession(svc.Settings().Pages, zerolog.Nop()),
		log:     zerolog.Nop(),
		pending: map[string]chan directiveResult{},
	}
	return p
}

func TestResolveTaskByURL(t *testing.T) {
	ctx := context.Background()
	p := newTestProbe(t)

	prURL := "https://github.com/acme/repo/pull/7"
	_, err := p.svc.ApplyStep(ctx, "t1", flow.StepCreated, flow.Apply{URL: prURL})
	require.NoError(t, err)

	assert.Equal(t, "t1", p.resolveTask(ctx, prURL))
	assert.Empty(t, p.resolveTask(ctx, "https://github.com/acme/repo/pull/99"))
	assert.Empty(t, p.resolveTask(ctx, ""))
}

func TestHandleSnapshotLinksPullRequestPage(t *testing.T) {
	ctx := context.Background()
	p := newTestProbe(t)

	// the record learned the PR URL when the flow reached viewed
	prURL := "https://github.com/acme/repo/pull/7"
	_, err := p.svc.ApplyStep(ctx, "t1", flow.StepViewed, flow.Apply{URL: prURL})
	require.NoError(t, err)

	p.handleSnapshot(ctx, observe.Snapshot{
		URL:     prURL,
		TakenAt: time.Now(),
		Elements: []observe.Element{{
			Ref:     "el-3",
			Role:    "button",
			Text:    "Merge pull request",
			Visible: true,
			Enabled: true,
		}},
	})

	entries, err := p.svc.Reconciler().List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1, "PR-page observation must reach the linked task's history")
	assert.Equal(t, "t1", entries[0].ID)
	assert.Equal(t, history.StatusMerged, entries[0].Status)
}

func TestHandleSnapshotUnlinkedPage(t *testing.T) {
	ctx := context.Background()
	p := newTestProbe(t)

	// no record owns this URL, so the snapshot yields no history writes
	p.handleSnapshot(ctx, observe.Snapshot{
		URL:     "https://github.com/acme/repo/pull/42",
		TakenAt: time.Now(),
		Elements: []observe.Element{{
			Ref:     "el-1",
			Role:    "button",
			Text:    "Merge pull request",
			Visible: true,
			Enabled: true,
		}},
	})

	entries, err := p.svc.Reconciler().List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
