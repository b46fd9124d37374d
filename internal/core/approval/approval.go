// Package approval maintains the short-lived URL allowlist gating
// cross-origin automated clicks. A merge button is only auto-clicked on a
// page the user was actually shown; the allowlist entry is the proof.
package approval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TTL is how long an approval remains valid after it is granted.
const TTL = 10 * time.Minute

// Entry grants permission for an automated cross-origin action on URLs
// prefixed by URL, strictly before ExpiresAt.
type Entry struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"exp"`
}

// Expired reports whether the entry is inert at time now. Entries expire at
// ExpiresAt exactly: a check at the expiry instant already fails.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Covers reports whether the entry authorizes the given URL at time now.
func (e Entry) Covers(url string, now time.Time) bool {
	return !e.Expired(now) && e.URL != "" && strings.HasPrefix(url, e.URL)
}

// Store persists the approval list whole.
type Store interface {
	Approvals(ctx context.Context) ([]Entry, error)
	SaveApprovals(ctx context.Context, entries []Entry) error
}

// List manages approvals over a Store. Expired entries stay in storage and
// are skipped lazily at check time; the Sweep method prunes them when a
// housekeeping pass runs.
type List struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

// NewList creates an approval list over the given store.
func NewList(store Store, log zerolog.Logger) *List {
	return &List{
		store: store,
		now:   time.Now,
		log:   log.With().Str("component", "approval").Logger(),
	}
}

// WithClock overrides the list's clock. Test hook.
func (l *List) WithClock(now func() time.Time) *List {
	l.now = now
	return l
}

// Add grants an approval for url, valid for TTL from now. Re-approving an
// already listed URL refreshes its expiry instead of duplicating it.
func (l *List) Add(ctx context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("approval add: url is required")
	}

	entries, err := l.store.Approvals(ctx)
	if err != nil {
		return fmt.Errorf("approval add: load: %w", err)
	}

	entry := Entry{URL: url, ExpiresAt: l.now().Add(TTL)}
	replaced := false
	for i, e := range entries {
		if e.URL == url {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}

	if err := l.store.SaveApprovals(ctx, entries); err != nil {
		return fmt.Errorf("approval add: save: %w", err)
	}
	return nil
}

// Check reports whether some stored entry's URL is a prefix of the query URL
// and the entry is unexpired. Expired entries are ignored, not removed.
func (l *List) Check(ctx context.Context, url string) (bool, error) {
	if url == "" {
		return false, nil
	}

	entries, err := l.store.Approvals(ctx)
	if err != nil {
		return false, fmt.Errorf("approval check: load: %w", err)
	}

	now := l.now()
	for _, e := range entries {
		if e.Covers(url, now) {
			return true, nil
		}
	}
	return false, nil
}

// Clear removes every approval, expired or not.
func (l *List) Clear(ctx context.Context) error {
	if err := l.store.SaveApprovals(ctx, []Entry{}); err != nil {
		return fmt.Errorf("approval clear: save: %w", err)
	}
	return nil
}

// Sweep drops expired entries from storage. Called from the daemon's
// periodic housekeeping loop, never from the check path.
func (l *List) Sweep(ctx context.Context) error {
	entries, err := l.store.Approvals(ctx)
	if err != nil {
		return fmt.Errorf("approval sweep: load: %w", err)
	}

	now := l.now()
	kept := entries[:0]
	for _, e := range entries {
		if !e.Expired(now) {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}

	l.log.Debug().Int("pruned", len(entries)-len(kept)).Msg("pruned expired approvals")
	if err := l.store.SaveApprovals(ctx, kept); err != nil {
		return fmt.Errorf("approval sweep: save: %w", err)
	}
	return nil
}
