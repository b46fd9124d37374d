package stores

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowatch/flowatch/internal/core/approval"
	"github.com/flowatch/flowatch/internal/core/flow"
	"github.com/flowatch/flowatch/internal/core/history"
	"github.com/flowatch/flowatch/internal/core/kv"
)

// Storage keys for the shared coordination state. Flow records live under
// the "flow:" namespace keyed by task id; everything else is a singleton
// blob that is read and written whole.
const (
	keyDismissed = "dismissed:set"
	keyClosed    = "closed:set"
	keyApproved  = "approved:list"
	keyCurrent   = "current:task"
	keySeen      = "seen:set"
	keyHistory   = "history:list"

	flowNamespace = "flow"
	flowKeyPrefix = flowNamespace + ":"
)

// SharedStore adapts the KV store to the domain store contracts: flow
// records, the history log, the approval list, and the dismissed/closed/seen
// task sets. It is the single source of truth all contexts converge on.
type SharedStore struct {
	kv      kv.KV
	records *kv.TypedKV[flow.Record]
}

var (
	_ flow.Store     = (*SharedStore)(nil)
	_ history.Store  = (*SharedStore)(nil)
	_ approval.Store = (*SharedStore)(nil)
)

// NewSharedStore creates a SharedStore over the given KV store.
func NewSharedStore(store kv.KV) *SharedStore {
	return &SharedStore{
		kv:      store,
		records: kv.Scoped[flow.Record](store, flowNamespace),
	}
}

// Record returns one task's flow record, or flow.ErrNotFound.
func (s *SharedStore) Record(ctx context.Context, taskID string) (flow.Record, error) {
	rec, err := s.records.Get(ctx, taskID)
	if IsNotFoundError(err) {
		return flow.Record{}, flow.ErrNotFound
	}
	if err != nil {
		return flow.Record{}, err
	}
	if rec.Steps == nil {
		rec.Steps = map[flow.Step]bool{}
	}
	return rec, nil
}

// SaveRecord persists one task's flow record.
func (s *SharedStore) SaveRecord(ctx context.Context, rec flow.Record) error {
	if rec.TaskID == "" {
		return flow.ErrMissingTask
	}
	return s.records.Set(ctx, rec.TaskID, rec)
}

// DeleteRecord removes one task's flow record. Missing records are fine.
func (s *SharedStore) DeleteRecord(ctx context.Context, taskID string) error {
	return s.records.Delete(ctx, taskID)
}

// Records returns every stored flow record.
func (s *SharedStore) Records(ctx context.Context) ([]flow.Record, error) {
	ids, err := s.records.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]flow.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Record(ctx, id)
		if err != nil {
			// raced with a delete; skip
			if errors.Is(err, flow.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Dismissed returns the dismissed task id set.
func (s *SharedStore) Dismissed(ctx context.Context) (map[string]bool, error) {
	return s.getSet(ctx, keyDismissed)
}

// SaveDismissed persists the dismissed task id set.
func (s *SharedStore) SaveDismissed(ctx context.Context, dismissed map[string]bool) error {
	return s.kv.Set(ctx, keyDismissed, dismissed)
}

// CurrentTask returns the globally current task id, or "".
func (s *SharedStore) CurrentTask(ctx context.Context) (string, error) {
	var id string
	err := s.kv.Get(ctx, keyCurrent, &id)
	if IsNotFoundError(err) {
		return "", nil
	}
	return id, err
}

// SetCurrentTask persists the globally current task id.
func (s *SharedStore) SetCurrentTask(ctx context.Context, taskID string) error {
	return s.kv.Set(ctx, keyCurrent, taskID)
}

// Reset wipes flow records, approvals, the current-task pointer, and the
// dismissed set. History and the closed set survive a reset.
func (s *SharedStore) Reset(ctx context.Context) error {
	ids, err := s.records.Keys(ctx)
	if err != nil {
		return fmt.Errorf("reset: list records: %w", err)
	}
	for _, id := range ids {
		if err := s.records.Delete(ctx, id); err != nil {
			return fmt.Errorf("reset: delete record %q: %w", id, err)
		}
	}
	for _, key := range []string{keyDismissed, keyApproved, keyCurrent, keySeen} {
		if err := s.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("reset: delete %q: %w", key, err)
		}
	}
	return nil
}

// List returns the stored history entries, raw.
func (s *SharedStore) List(ctx context.Context) ([]history.Entry, error) {
	var entries []history.Entry
	err := s.kv.Get(ctx, keyHistory, &entries)
	if IsNotFoundError(err) {
		return nil, nil
	}
	return entries, err
}

// Save persists the history list whole.
func (s *SharedStore) Save(ctx context.Context, entries []history.Entry) error {
	if entries == nil {
		entries = []history.Entry{}
	}
	return s.kv.Set(ctx, keyHistory, entries)
}

// Closed returns the closed task id set.
func (s *SharedStore) Closed(ctx context.Context) (map[string]bool, error) {
	return s.getSet(ctx, keyClosed)
}

// SaveClosed persists the closed task id set.
func (s *SharedStore) SaveClosed(ctx context.Context, closed map[string]bool) error {
	return s.kv.Set(ctx, keyClosed, closed)
}

// Approvals returns the approved URL list, expired entries included.
func (s *SharedStore) Approvals(ctx context.Context) ([]approval.Entry, error) {
	var entries []approval.Entry
	err := s.kv.Get(ctx, keyApproved, &entries)
	if IsNotFoundError(err) {
		return nil, nil
	}
	return entries, err
}

// SaveApprovals persists the approved URL list whole.
func (s *SharedStore) SaveApprovals(ctx context.Context, entries []approval.Entry) error {
	if entries == nil {
		entries = []approval.Entry{}
	}
	return s.kv.Set(ctx, keyApproved, entries)
}

// Seen returns the set of task ids ever observed.
func (s *SharedStore) Seen(ctx context.Context) (map[string]bool, error) {
	return s.getSet(ctx, keySeen)
}

// MarkSeen adds a task id to the seen set. No-op when already present.
func (s *SharedStore) MarkSeen(ctx context.Context, taskID string) error {
	seen, err := s.getSet(ctx, keySeen)
	if err != nil {
		return err
	}
	if seen[taskID] {
		return nil
	}
	seen[taskID] = true
	return s.kv.Set(ctx, keySeen, seen)
}

func (s *SharedStore) getSet(ctx context.Context, key string) (map[string]bool, error) {
	set := map[string]bool{}
	err := s.kv.Get(ctx, key, &set)
	if IsNotFoundError(err) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, err
	}
	if set == nil {
		set = map[string]bool{}
	}
	return set, nil
}

// FlowKeyPrefix is the KV namespace prefix for flow records, exported for
// subscribers that watch flow changes.
func FlowKeyPrefix() string { return flowKeyPrefix }
