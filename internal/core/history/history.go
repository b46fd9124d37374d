// Package history maintains the bounded, deduplicated log of tasks and their
// statuses, reconciling out-of-order or delayed observations against the
// closed task set.
package history

import (
	"context"
	"errors"
	"time"
)

// MaxEntries caps the active history log. Inserting past the cap evicts the
// oldest entry.
const MaxEntries = 200

// Task status vocabulary. Status is free-form in storage; these are the
// values flowatch itself writes.
const (
	StatusWorking   = "working"
	StatusReady     = "ready"
	StatusPRCreated = "pr-created"
	StatusMerged    = "merged"
)

// ErrNotFound is returned when a task has no history entry.
var ErrNotFound = errors.New("history entry not found")

// statusRank orders the known statuses so progression never regresses.
// Unknown statuses rank highest and always apply (free-form escape hatch).
var statusRank = map[string]int{
	StatusWorking:   0,
	StatusReady:     1,
	StatusPRCreated: 2,
	StatusMerged:    3,
}

// Terminal reports whether a status means the task finished a working phase.
// A task must have been seen in a non-terminal status before a terminal one
// may create state for it.
func Terminal(status string) bool {
	return status == StatusReady || status == StatusMerged
}

// rank returns the progression rank of a status.
func rank(status string) int {
	if r, ok := statusRank[status]; ok {
		return r
	}
	return len(statusRank)
}

// Entry is one task's row in the history log.
type Entry struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	URL         string     `json:"url,omitempty"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastTS      time.Time  `json:"last_ts"`
}

// Store persists the history list and the closed task set. Both are read and
// written whole: the reconciler's merge discipline keeps concurrent writers
// convergent, the store itself only does last-write-wins.
type Store interface {
	List(ctx context.Context) ([]Entry, error)
	Save(ctx context.Context, entries []Entry) error
	Closed(ctx context.Context) (map[string]bool, error)
	SaveClosed(ctx context.Context, closed map[string]bool) error
}
