package history

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Observation is the input shape for history mutations.
type Observation struct {
	ID     string
	Name   string
	URL    string
	Status string
}

// Reconciler applies task observations to the history log. All mutations are
// read-merge-write over the whole list; storage failures are logged and
// swallowed so a broken write never breaks the caller's scan loop.
type Reconciler struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

// NewReconciler creates a Reconciler over the given store.
func NewReconciler(store Store, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		store: store,
		now:   time.Now,
		log:   log.With().Str("component", "history").Logger(),
	}
}

// WithClock overrides the reconciler's clock. Test hook.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Record creates an entry for a newly observed task if none exists.
// Closed tasks are never resurrected. Returns the entry and whether it was
// created by this call.
func (r *Reconciler) Record(ctx context.Context, obs Observation) (Entry, bool, error) {
	if obs.ID == "" {
		return Entry{}, false, fmt.Errorf("record: %w", errMissingID)
	}

	closed, err := r.store.Closed(ctx)
	if err != nil {
		return Entry{}, false, fmt.Errorf("record: load closed set: %w", err)
	}
	if closed[obs.ID] {
		return Entry{}, false, nil
	}

	entries, err := r.store.List(ctx)
	if err != nil {
		return Entry{}, false, fmt.Errorf("record: load history: %w", err)
	}

	for _, e := range entries {
		if e.ID == obs.ID {
			return e, false, nil
		}
	}

	now := r.now()
	entry := Entry{
		ID:        obs.ID,
		Name:      SanitizeName(obs.Name),
		URL:       obs.URL,
		Status:    obs.Status,
		StartedAt: now,
		LastTS:    now,
	}
	if entry.Status == "" {
		entry.Status = StatusWorking
	}

	entries = append([]Entry{entry}, entries...)
	if len(entries) > MaxEntries {
		entries = entries[:MaxEntries]
	}

	if err := r.store.Save(ctx, entries); err != nil {
		return Entry{}, false, fmt.Errorf("record: save history: %w", err)
	}
	return entry, true, nil
}

// Update merges an observation into an existing entry. A terminal status for
// a task not present in history is dropped without any storage write: a task
// must be seen working before it can be seen done, otherwise late or
// replayed "done" signals would fabricate phantom entries.
func (r *Reconciler) Update(ctx context.Context, obs Observation) (Entry, bool, error) {
	if obs.ID == "" {
		return Entry{}, false, fmt.Errorf("update: %w", errMissingID)
	}

	entries, err := r.store.List(ctx)
	if err != nil {
		return Entry{}, false, fmt.Errorf("update: load history: %w", err)
	}

	idx := -1
	for i, e := range entries {
		if e.ID == obs.ID {
			idx = i
			break
		}
	}

	if idx < 0 {
		if Terminal(obs.Status) {
			r.log.Debug().Str("task", obs.ID).Str("status", obs.Status).Msg("dropping terminal status for unknown task")
			return Entry{}, false, nil
		}
		return r.Record(ctx, obs)
	}

	entry := entries[idx]
	changed := false

	if name := SanitizeName(obs.Name); name != "" && name != entry.Name {
		entry.Name = name
		changed = true
	}
	if obs.URL != "" && entry.URL == "" {
		entry.URL = obs.URL
		changed = true
	}
	if obs.Status != "" && obs.Status != entry.Status && rank(obs.Status) >= rank(entry.Status) {
		entry.Status = obs.Status
		if obs.Status == StatusMerged && entry.CompletedAt == nil {
			now := r.now()
			entry.CompletedAt = &now
		}
		changed = true
	}

	if !changed {
		return entry, false, nil
	}

	entry.LastTS = r.now()
	entries[idx] = entry

	if err := r.store.Save(ctx, entries); err != nil {
		return Entry{}, false, fmt.Errorf("update: save history: %w", err)
	}
	return entry, true, nil
}

// Close removes a task from active history and adds it to the closed set,
// permanently suppressing resurrection by later observations.
func (r *Reconciler) Close(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("close: %w", errMissingID)
	}

	entries, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("close: load history: %w", err)
	}

	kept := entries[:0]
	for _, e := range entries {
		if e.ID != taskID {
			kept = append(kept, e)
		}
	}
	if err := r.store.Save(ctx, kept); err != nil {
		return fmt.Errorf("close: save history: %w", err)
	}

	closed, err := r.store.Closed(ctx)
	if err != nil {
		return fmt.Errorf("close: load closed set: %w", err)
	}
	if closed == nil {
		closed = map[string]bool{}
	}
	closed[taskID] = true
	if err := r.store.SaveClosed(ctx, closed); err != nil {
		return fmt.Errorf("close: save closed set: %w", err)
	}
	return nil
}

// Clear wipes the history list. The closed set is left intact.
func (r *Reconciler) Clear(ctx context.Context) error {
	if err := r.store.Save(ctx, []Entry{}); err != nil {
		return fmt.Errorf("clear: save history: %w", err)
	}
	return nil
}

// List returns the display view of history: closed tasks filtered out,
// malformed stored entries re-normalized or dropped, cap enforced, most
// recent first. Stored data may predate the current schema or have been
// mangled by a concurrent writer, so normalization is done lazily here
// rather than trusting the blob.
func (r *Reconciler) List(ctx context.Context) ([]Entry, error) {
	entries, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list: load history: %w", err)
	}
	closed, err := r.store.Closed(ctx)
	if err != nil {
		return nil, fmt.Errorf("list: load closed set: %w", err)
	}

	out := make([]Entry, 0, len(entries))
	seen := map[string]bool{}
	for _, e := range entries {
		if e.ID == "" || closed[e.ID] || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		if e.Status == "" {
			e.Status = StatusWorking
		}
		if e.LastTS.IsZero() {
			e.LastTS = e.StartedAt
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].LastTS.After(out[j].LastTS) })
	if len(out) > MaxEntries {
		out = out[:MaxEntries]
	}
	return out, nil
}

var errMissingID = fmt.Errorf("task id is required")

// boilerplate phrases and glyphs stripped from scraped names.
var (
	nameNoise = []string{
		"working on your task",
		"working on",
		"view pr",
		"create pr",
	}
	timestampRe = regexp.MustCompile(`(?i)\b\d{1,2}:\d{2}(:\d{2})?\s*(am|pm)?\b`)
	glyphRe     = regexp.MustCompile(`[·•|›»]+`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

// SanitizeName cleans a scraped task name: boilerplate phrases, timestamps,
// and separator glyphs are removed, whitespace collapsed. Returns "" when
// nothing meaningful survives.
func SanitizeName(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	for _, phrase := range nameNoise {
		for {
			i := strings.Index(lower, phrase)
			if i < 0 {
				break
			}
			s = s[:i] + s[i+len(phrase):]
			lower = lower[:i] + lower[i+len(phrase):]
		}
	}
	s = timestampRe.ReplaceAllString(s, " ")
	s = glyphRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
	return s
}
