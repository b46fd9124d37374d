package observe

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowatch/flowatch/internal/core/flow"
	"github.com/flowatch/flowatch/internal/core/history"
	"github.com/flowatch/flowatch/internal/core/settings"
)

// Detection timing. A dynamic dashboard re-renders rows freely, so nothing
// is trusted until it persists across scans.
const (
	goneGrace = 15 * time.Minute

	nameRefreshInterval    = 60 * time.Second
	nameRefreshMaxAttempts = 30
	nameRefreshMaxMisses   = 30
)

// nameRefresh tracks a deferred attempt to resolve a task's display name.
type nameRefresh struct {
	attempts    int
	misses      int
	nextAttempt time.Time
}

// expired reports whether either bound of the refresh has been hit.
func (n *nameRefresh) expired() bool {
	return n.attempts >= nameRefreshMaxAttempts || n.misses >= nameRefreshMaxMisses
}

// tracked is the per-task detection state inside one session.
type tracked struct {
	title         string
	status        string
	indicatorWas  bool
	indicatorSeen time.Time
	lastSeen      time.Time
	readySent     bool
	refresh       *nameRefresh
	refreshDone   bool
}

// Session is the per-context detection state: one Session per probe context,
// scoped to that page's lifetime. All state lives here rather than in
// package-level maps so that concurrent contexts never share memory.
type Session struct {
	classifier Classifier
	now        func() time.Time
	log        zerolog.Logger
	tasks      map[string]*tracked
}

// NewSession creates a detection session for one probe context.
func NewSession(pages settings.Pages, log zerolog.Logger) *Session {
	return &Session{
		classifier: NewClassifier(pages),
		now:        time.Now,
		log:        log.With().Str("component", "observe").Logger(),
		tasks:      map[string]*tracked{},
	}
}

// WithClock overrides the session's clock. Test hook.
func (s *Session) WithClock(now func() time.Time) *Session {
	s.now = now
	return s
}

// Tracking reports whether the session currently tracks the task.
func (s *Session) Tracking(taskID string) bool {
	_, ok := s.tasks[taskID]
	return ok
}

// Scan processes one snapshot and returns zero or more observations. Scan is
// idempotent and safe to call at arbitrary frequency: re-scanning an
// unchanged page re-emits the same observations, and everything downstream
// merges idempotently. The caller does not need to care which trigger (poll
// timer, mutation event, navigation) prompted the scan.
func (s *Session) Scan(snap Snapshot) []Observation {
	now := snap.TakenAt
	if now.IsZero() {
		now = s.now()
	}

	kind := s.classifier.Kind(snap.URL)
	if kind == PageUnknown {
		return nil
	}

	rows := s.collectRows(snap, kind)

	var out []Observation
	seen := map[string]bool{}

	for _, row := range rows {
		seen[row.key()] = true
		out = append(out, s.observeRow(row, kind, now)...)
	}

	s.sweepMissing(seen, now)

	return out
}

// row is one task's elements within a snapshot.
type row struct {
	taskID    string
	url       string
	title     string
	indicator bool
	buttons   []Element
}

// key is the session-tracking handle for the row: the task id when the URL
// carries one, otherwise the page URL itself. Pull-request URLs have no task
// segment, so their rows are tracked by URL and linked to a task downstream.
func (r row) key() string {
	if r.taskID != "" {
		return r.taskID
	}
	return r.url
}

// collectRows groups snapshot elements into per-task rows. On detail and PR
// pages the whole page is one row keyed by the URL's task id; on list pages
// the probe's group key delimits rows and each row's link supplies the id.
// A PR page is kept even without a task id: its buttons are the whole point,
// and the daemon can resolve the owning task from the URL.
func (s *Session) collectRows(snap Snapshot, kind PageKind) []row {
	if kind != PageTaskList {
		taskID := TaskIDFromURL(snap.URL)
		if taskID == "" && kind != PagePullRequest {
			return nil
		}
		r := row{taskID: taskID, url: snap.URL, title: history.SanitizeName(snap.Title)}
		for _, el := range snap.Elements {
			s.addElement(&r, el)
		}
		return []row{r}
	}

	byGroup := map[int]*row{}
	for _, el := range snap.Elements {
		r, ok := byGroup[el.Group]
		if !ok {
			r = &row{}
			byGroup[el.Group] = r
		}
		if el.Href != "" && r.taskID == "" {
			if id := TaskIDFromURL(el.Href); id != "" {
				r.taskID = id
				r.url = el.Href
			}
		}
		s.addElement(r, el)
	}

	groups := make([]int, 0, len(byGroup))
	for g := range byGroup {
		groups = append(groups, g)
	}
	sort.Ints(groups)

	rows := make([]row, 0, len(byGroup))
	for _, g := range groups {
		r := byGroup[g]
		if r.taskID == "" {
			continue
		}
		rows = append(rows, *r)
	}
	return rows
}

func (s *Session) addElement(r *row, el Element) {
	if IsIndicator(el) {
		r.indicator = true
	}
	if step, _ := MatchButton(el.Text); step != flow.StepIdle && el.Visible && el.Enabled {
		r.buttons = append(r.buttons, el)
	}
	if r.title == "" && el.Role == "text" {
		r.title = history.SanitizeName(el.Text)
	}
}

// observeRow updates tracking state for one row and emits its observations.
func (s *Session) observeRow(r row, kind PageKind, now time.Time) []Observation {
	t, known := s.tasks[r.key()]
	if !known {
		t = &tracked{status: history.StatusWorking}
		s.tasks[r.key()] = t
	}
	t.lastSeen = now

	var out []Observation

	// Base observation: presence plus whatever name we have.
	base := Observation{
		TaskID:           r.taskID,
		URL:              r.url,
		Title:            s.resolveTitle(t, r, now),
		StatusHint:       t.status,
		IndicatorPresent: r.indicator,
		SeenAt:           now,
	}

	if r.indicator {
		t.indicatorWas = true
		t.indicatorSeen = now
		t.readySent = false
		t.status = history.StatusWorking
		base.StatusHint = t.status
		out = append(out, base)
	} else if t.indicatorWas && !t.readySent {
		// present -> absent transition: the task finished working
		t.readySent = true
		t.status = history.StatusReady
		ready := base
		ready.StatusHint = history.StatusReady
		out = append(out, ready)
	} else {
		out = append(out, base)
	}

	// Button observations carry the step the dispatcher may act on.
	for _, btn := range r.buttons {
		step, hint := MatchButton(btn.Text)
		obs := base
		obs.StatusHint = hint
		obs.Step = step
		obs.ButtonRef = btn.Ref
		obs.IndicatorPresent = r.indicator
		out = append(out, obs)
	}

	return out
}

// resolveTitle returns the best-known title for a row, driving the deferred
// name-refresh cycle when extraction fails on first sight. Name extraction
// is heuristic and noisy; a missing name schedules a retry every
// nameRefreshInterval, bounded by total attempts and by consecutive
// missing-row scans, whichever hits first. Once either bound expires the
// task keeps its empty title for good; re-extraction stops.
func (s *Session) resolveTitle(t *tracked, r row, now time.Time) string {
	if t.title != "" {
		return t.title
	}
	if t.refreshDone {
		return ""
	}

	if t.refresh == nil {
		if r.title != "" {
			t.title = r.title
			return t.title
		}
		t.refresh = &nameRefresh{nextAttempt: now.Add(nameRefreshInterval)}
		return ""
	}

	t.refresh.misses = 0
	if now.Before(t.refresh.nextAttempt) {
		return ""
	}

	t.refresh.attempts++
	if r.title != "" {
		t.title = r.title
		t.refresh = nil
		return t.title
	}
	if t.refresh.expired() {
		t.refresh = nil
		t.refreshDone = true
		return ""
	}
	t.refresh.nextAttempt = now.Add(nameRefreshInterval)
	return ""
}

// sweepMissing ages out tasks whose elements vanished from the DOM. A task
// in working status survives the grace window before being dropped, since a
// dynamic page may transiently unmount rows during re-render.
func (s *Session) sweepMissing(seen map[string]bool, now time.Time) {
	for id, t := range s.tasks {
		if seen[id] {
			continue
		}
		if t.refresh != nil {
			t.refresh.misses++
			if t.refresh.expired() {
				t.refresh = nil
				t.refreshDone = true
			}
		}
		if t.status == history.StatusWorking && now.Sub(t.lastSeen) < goneGrace {
			continue
		}
		s.log.Debug().Str("task", id).Msg("task gone from page")
		delete(s.tasks, id)
	}
}
