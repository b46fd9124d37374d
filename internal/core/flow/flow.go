// Package flow models the task lifecycle state machine: the ordered steps a
// tracked task's pull request passes through and the per-task record that
// multiple probe contexts converge on through the shared store.
package flow

import (
	"errors"
	"fmt"
	"strings"
)

// Step is a lifecycle checkpoint. Steps form a single linear order:
//
//	idle < opened < created < viewed < merged < confirmed
//
// StepIdle is the zero state of a record, never a reachable checkpoint.
type Step string

const (
	StepIdle      Step = "idle"
	StepOpened    Step = "opened"
	StepCreated   Step = "created"
	StepViewed    Step = "viewed"
	StepMerged    Step = "merged"
	StepConfirmed Step = "confirmed"
)

// Validation errors for machine operations.
var (
	ErrMissingTask = errors.New("task id is required")
	ErrInvalidStep = errors.New("invalid flow step")
	ErrNotFound    = errors.New("flow record not found")
)

// stepRank maps each step to its position in the lifecycle order.
var stepRank = map[Step]int{
	StepIdle:      0,
	StepOpened:    1,
	StepCreated:   2,
	StepViewed:    3,
	StepMerged:    4,
	StepConfirmed: 5,
}

// ordered lists the reachable checkpoints, lowest first.
var ordered = []Step{StepOpened, StepCreated, StepViewed, StepMerged, StepConfirmed}

// Steps returns the reachable checkpoints in lifecycle order.
func Steps() []Step {
	out := make([]Step, len(ordered))
	copy(out, ordered)
	return out
}

// Valid reports whether s is a known step, including idle.
func (s Step) Valid() bool {
	_, ok := stepRank[s]
	return ok
}

// Rank returns the step's position in the lifecycle order, with idle at 0.
// Unknown steps rank below idle.
func (s Step) Rank() int {
	r, ok := stepRank[s]
	if !ok {
		return -1
	}
	return r
}

// Less reports whether s precedes other in the lifecycle order.
func (s Step) Less(other Step) bool {
	return s.Rank() < other.Rank()
}

// Next returns the immediate successor, or idle when s is terminal or unknown.
func (s Step) Next() Step {
	r := s.Rank()
	if r < 0 || r >= len(ordered) {
		return StepIdle
	}
	return ordered[r]
}

// Prev returns the immediate predecessor, with idle before opened.
func (s Step) Prev() Step {
	r := s.Rank()
	if r <= 1 {
		return StepIdle
	}
	return ordered[r-2]
}

// Terminal reports whether the step ends the lifecycle.
func (s Step) Terminal() bool {
	return s == StepConfirmed
}

func (s Step) String() string { return string(s) }

// ParseStep normalizes a stored or user-supplied step name.
func ParseStep(raw string) (Step, error) {
	s := Step(strings.ToLower(strings.TrimSpace(raw)))
	if s == "" {
		return StepIdle, nil
	}
	if !s.Valid() {
		return StepIdle, fmt.Errorf("%w: %q", ErrInvalidStep, raw)
	}
	return s, nil
}

// MaxStep returns the later of two steps in the lifecycle order.
func MaxStep(a, b Step) Step {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// CanAdvance reports whether a transition from cur to next is permitted.
// In strict mode only the immediate successor is reachable. In permissive
// mode any step is accepted and the flow field becomes last-writer-wins;
// recorded steps still accumulate as a set, so skipped checkpoints stay
// unset rather than being backfilled.
func CanAdvance(cur, next Step, strict bool) bool {
	if !next.Valid() || next == StepIdle {
		return false
	}
	if !strict {
		return true
	}
	return next.Rank() == cur.Rank()+1
}
