package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Store persists flow records and the coordination sets the machine shares
// with other contexts. Implementations must return ErrNotFound from Record
// when no record exists for the task.
type Store interface {
	Record(ctx context.Context, taskID string) (Record, error)
	SaveRecord(ctx context.Context, rec Record) error
	DeleteRecord(ctx context.Context, taskID string) error
	Records(ctx context.Context) ([]Record, error)

	Dismissed(ctx context.Context) (map[string]bool, error)
	SaveDismissed(ctx context.Context, dismissed map[string]bool) error

	CurrentTask(ctx context.Context) (string, error)
	SetCurrentTask(ctx context.Context, taskID string) error

	// Reset wipes all flow state: records, dismissed set, current task
	// pointer, and the approval list. Manual recovery hatch.
	Reset(ctx context.Context) error
}

// Apply carries the optional context of an ApplyStep call.
type Apply struct {
	Title string
	URL   string
}

// Resolution is the answer to a flow lookup by id or URL.
type Resolution struct {
	TaskID          string        `json:"task_id,omitempty"`
	Flow            Step          `json:"flow"`
	Title           string        `json:"title,omitempty"`
	Steps           map[Step]bool `json:"steps,omitempty"`
	DismissedTaskID string        `json:"dismissed_task_id,omitempty"`
}

// Machine applies lifecycle transitions to shared per-task records. Every
// mutation is read-merge-write: reads may be stale, so only commutative
// merges touch the set fields, and the flow field is last-writer-wins with
// order gating done by the caller before ApplyStep.
type Machine struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

// NewMachine creates a Machine over the given store.
func NewMachine(store Store, log zerolog.Logger) *Machine {
	return &Machine{
		store: store,
		now:   time.Now,
		log:   log.With().Str("component", "flow").Logger(),
	}
}

// WithClock overrides the machine's clock. Test hook.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// ApplyStep records that taskID reached step: the step joins the steps set,
// the URL joins the URL set, the title fills in if absent, the flow field
// becomes step, and the task stops being dismissed. Safe to call
// concurrently for different tasks and idempotent for repeated identical
// calls, modulo UpdatedAt.
func (m *Machine) ApplyStep(ctx context.Context, taskID string, step Step, opt Apply) (Record, error) {
	if strings.TrimSpace(taskID) == "" {
		return Record{}, ErrMissingTask
	}
	if !step.Valid() || step == StepIdle {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidStep, step)
	}

	rec, err := m.store.Record(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		rec = NewRecord(taskID)
	} else if err != nil {
		return Record{}, fmt.Errorf("apply step: load record: %w", err)
	}

	prev := rec.Flow
	rec = MarkStep(rec, step)
	rec = MergeURL(rec, opt.URL)
	rec = MergeTitle(rec, opt.Title)
	rec.Flow = step
	rec.UpdatedAt = m.now()

	if err := m.store.SaveRecord(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("apply step: save record: %w", err)
	}

	if err := m.undismiss(ctx, taskID); err != nil {
		// A stale dismissed set only delays re-tracking; the record
		// write already succeeded.
		m.log.Warn().Err(err).Str("task", taskID).Msg("undismiss failed")
	}

	m.log.Debug().
		Str("task", taskID).
		Str("from", prev.String()).
		Str("to", step.String()).
		Msg("flow advanced")

	return rec, nil
}

// MergeInfo merges a title or URL into a task's record without touching the
// flow field. A record is created at idle when none exists, so a page can
// establish its URL linkage before the first step fires.
func (m *Machine) MergeInfo(ctx context.Context, taskID string, opt Apply) (Record, error) {
	if strings.TrimSpace(taskID) == "" {
		return Record{}, ErrMissingTask
	}

	rec, err := m.store.Record(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		rec = NewRecord(taskID)
	} else if err != nil {
		return Record{}, fmt.Errorf("merge info: load record: %w", err)
	}

	rec = MergeURL(rec, opt.URL)
	rec = MergeTitle(rec, opt.Title)
	rec.UpdatedAt = m.now()

	if err := m.store.SaveRecord(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("merge info: save record: %w", err)
	}
	return rec, nil
}

// Reset wipes all flow records, approvals, the current-task pointer, and the
// dismissed set. Idempotent.
func (m *Machine) Reset(ctx context.Context) error {
	if err := m.store.Reset(ctx); err != nil {
		return fmt.Errorf("reset flow: %w", err)
	}
	m.log.Info().Msg("flow state reset")
	return nil
}

// ClearTask deletes one task's record and marks the task dismissed so
// trailing observations do not immediately resurrect it. If the task was the
// globally current one the pointer is cleared too.
func (m *Machine) ClearTask(ctx context.Context, taskID string) error {
	if strings.TrimSpace(taskID) == "" {
		return ErrMissingTask
	}

	if err := m.store.DeleteRecord(ctx, taskID); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("clear task: delete record: %w", err)
	}

	dismissed, err := m.store.Dismissed(ctx)
	if err != nil {
		return fmt.Errorf("clear task: load dismissed: %w", err)
	}
	if dismissed == nil {
		dismissed = map[string]bool{}
	}
	dismissed[taskID] = true
	if err := m.store.SaveDismissed(ctx, dismissed); err != nil {
		return fmt.Errorf("clear task: save dismissed: %w", err)
	}

	cur, err := m.store.CurrentTask(ctx)
	if err != nil {
		return fmt.Errorf("clear task: load current: %w", err)
	}
	if cur == taskID {
		if err := m.store.SetCurrentTask(ctx, ""); err != nil {
			return fmt.Errorf("clear task: clear current: %w", err)
		}
	}

	return nil
}

// SetCurrent marks taskID as the globally current task.
func (m *Machine) SetCurrent(ctx context.Context, taskID string) error {
	return m.store.SetCurrentTask(ctx, taskID)
}

// Resolve finds a task's flow by exact id first, then by URL-prefix match
// against every record's URL set; a detail page can be reached before its id
// linkage is known, and the URL is then the only handle. When nothing
// matches, a dismissed id is reported as idle with the dismissed marker so
// callers can suppress re-triggering; any other miss is plain idle.
func (m *Machine) Resolve(ctx context.Context, taskID, url string) (Resolution, error) {
	if taskID != "" {
		rec, err := m.store.Record(ctx, taskID)
		if err == nil {
			return resolutionOf(rec), nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Resolution{}, fmt.Errorf("resolve: load record: %w", err)
		}
	}

	if url != "" {
		recs, err := m.store.Records(ctx)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve: list records: %w", err)
		}
		for _, rec := range recs {
			for _, u := range rec.URLs {
				if u != "" && strings.HasPrefix(url, u) {
					return resolutionOf(rec), nil
				}
			}
		}
	}

	res := Resolution{Flow: StepIdle}
	if taskID != "" {
		dismissed, err := m.store.Dismissed(ctx)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve: load dismissed: %w", err)
		}
		if dismissed[taskID] {
			res.DismissedTaskID = taskID
		}
	}
	return res, nil
}

func (m *Machine) undismiss(ctx context.Context, taskID string) error {
	dismissed, err := m.store.Dismissed(ctx)
	if err != nil {
		return err
	}
	if !dismissed[taskID] {
		return nil
	}
	delete(dismissed, taskID)
	return m.store.SaveDismissed(ctx, dismissed)
}

func resolutionOf(rec Record) Resolution {
	return Resolution{
		TaskID: rec.TaskID,
		Flow:   rec.Flow,
		Title:  rec.Title,
		Steps:  rec.Steps,
	}
}
