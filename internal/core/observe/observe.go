// Package observe turns normalized page snapshots into task-state
// observations. Probes deliver snapshots (already scraped out of the DOM by
// the page-side collectors); this package owns the detection heuristics:
// page classification, button vocabulary, indicator geometry, and the noisy
// business of extracting a human-readable task name.
package observe

import (
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/flowatch/flowatch/internal/core/flow"
	"github.com/flowatch/flowatch/internal/core/settings"
)

// PageKind classifies a watched page.
type PageKind string

const (
	PageUnknown     PageKind = "unknown"
	PageTaskList    PageKind = "task-list"
	PageTaskDetail  PageKind = "task-detail"
	PagePullRequest PageKind = "pull-request"
)

// Indicator geometry thresholds. The "still running" chip is a small
// near-square element with a dark fill.
const (
	indicatorMinPx   = 6.0
	indicatorMaxPx   = 24.0
	indicatorMaxLuma = 110
)

// Rect is an element's bounding box in CSS pixels.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Element is a probe-normalized DOM element.
type Element struct {
	Ref       string `json:"ref"`   // stable handle for click directives
	Role      string `json:"role"`  // button, link, chip, text
	Text      string `json:"text"`
	Href      string `json:"href,omitempty"`
	Group     int    `json:"group"` // task row grouping assigned by the probe
	Box       Rect   `json:"box"`
	Luminance int    `json:"luminance"` // fill/border luminance, 0-255
	Visible   bool   `json:"visible"`
	Enabled   bool   `json:"enabled"`
}

// Snapshot is one probe's view of a page at an instant.
type Snapshot struct {
	URL      string    `json:"url"`
	Title    string    `json:"title,omitempty"`
	Elements []Element `json:"elements"`
	TakenAt  time.Time `json:"taken_at"`
}

// Observation is a detector's normalized report of a task's current state.
type Observation struct {
	TaskID           string    `json:"task_id"`
	URL              string    `json:"url"`
	Title            string    `json:"title,omitempty"`
	StatusHint       string    `json:"status_hint,omitempty"`
	Step             flow.Step `json:"step,omitempty"`       // step implied by a matched button, if any
	ButtonRef        string    `json:"button_ref,omitempty"` // element to click for Step
	IndicatorPresent bool      `json:"indicator_present"`
	SeenAt           time.Time `json:"seen_at"`
}

// buttonVocab maps case-insensitive button phrases to the lifecycle step the
// button drives. Phrase match, not equality: real button labels carry icons
// and counters around the words.
var buttonVocab = []struct {
	phrase string
	step   flow.Step
	hint   string
}{
	{"confirm merge", flow.StepConfirmed, "merged"},
	{"merge pull request", flow.StepMerged, "merged"},
	{"create pr", flow.StepCreated, "pr-created"},
	{"view pr", flow.StepViewed, "pr-created"},
}

// MatchButton returns the lifecycle step a button label drives, or idle when
// the label is not in the vocabulary. Longer phrases match first so
// "confirm merge" is never shadowed by a looser phrase.
func MatchButton(label string) (flow.Step, string) {
	l := strings.ToLower(label)
	for _, v := range buttonVocab {
		if strings.Contains(l, v.phrase) {
			return v.step, v.hint
		}
	}
	return flow.StepIdle, ""
}

// IsIndicator reports whether an element looks like the "task still running"
// status chip: a visible near-square between 6 and 24 px with a dark fill
// (luminance below 110 on the 0-255 scale).
func IsIndicator(el Element) bool {
	if !el.Visible {
		return false
	}
	w, h := el.Box.W, el.Box.H
	if w < indicatorMinPx || w > indicatorMaxPx || h < indicatorMinPx || h > indicatorMaxPx {
		return false
	}
	// near-square: neither side more than a third longer than the other
	if w > h*4/3 || h > w*4/3 {
		return false
	}
	return el.Luminance < indicatorMaxLuma
}

// Classifier maps URLs to page kinds using the configured glob patterns.
type Classifier struct {
	pages settings.Pages
}

// NewClassifier builds a classifier from the page pattern settings.
func NewClassifier(pages settings.Pages) Classifier {
	return Classifier{pages: pages}
}

// Kind classifies a URL. Detail patterns win over list patterns so that
// "**/tasks/*" is not swallowed by "**/tasks".
func (c Classifier) Kind(rawURL string) PageKind {
	target := matchTarget(rawURL)
	switch {
	case matchAny(c.pages.PullReq, target):
		return PagePullRequest
	case matchAny(c.pages.TaskDetail, target):
		return PageTaskDetail
	case matchAny(c.pages.TaskList, target):
		return PageTaskList
	default:
		return PageUnknown
	}
}

func matchAny(patterns []string, target string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, target); err == nil && ok {
			return true
		}
	}
	return false
}

// matchTarget reduces a URL to "host/path" for pattern matching.
func matchTarget(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.Trim(rawURL, "/")
	}
	return u.Host + strings.TrimRight(u.Path, "/")
}

// TaskIDFromURL extracts the opaque task id from a task URL's canonical path
// segment: the segment following "tasks". Returns "" when the URL has no
// task segment.
func TaskIDFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, seg := range segs {
		if seg == "tasks" && i+1 < len(segs) && segs[i+1] != "" {
			return segs[i+1]
		}
	}
	return ""
}
