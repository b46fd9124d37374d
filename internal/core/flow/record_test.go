package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkStep(t *testing.T) {
	rec := NewRecord("task-1")

	rec = MarkStep(rec, StepOpened)
	assert.True(t, rec.HasStep(StepOpened))
	assert.Equal(t, StepIdle, rec.Flow, "MarkStep must not advance the flow field")

	rec = MarkStep(rec, StepIdle)
	assert.False(t, rec.HasStep(StepIdle), "idle is not a recordable checkpoint")
}

func TestMarkStepDoesNotAliasInput(t *testing.T) {
	a := NewRecord("task-1")
	b := MarkStep(a, StepOpened)

	assert.False(t, a.HasStep(StepOpened), "input record mutated")
	assert.True(t, b.HasStep(StepOpened))
}

func TestMergeURL(t *testing.T) {
	rec := NewRecord("task-1")
	rec = MergeURL(rec, "https://app.example.com/tasks/1")
	rec = MergeURL(rec, "https://app.example.com/tasks/1")
	rec = MergeURL(rec, "")

	assert.Equal(t, []string{"https://app.example.com/tasks/1"}, rec.URLs)
}

func TestMergeTitle(t *testing.T) {
	rec := NewRecord("task-1")
	rec = MergeTitle(rec, "Fix login redirect")
	rec = MergeTitle(rec, "a later, different title")

	assert.Equal(t, "Fix login redirect", rec.Title, "first writer wins")
}

func TestMergeIsCommutative(t *testing.T) {
	a := NewRecord("task-1")
	a = MarkStep(a, StepOpened)
	a = MergeURL(a, "https://app.example.com/tasks/1")
	a.Flow = StepOpened
	a.UpdatedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	b := NewRecord("task-1")
	b = MarkStep(b, StepCreated)
	b = MergeURL(b, "https://github.com/acme/repo/pull/7")
	b = MergeTitle(b, "Fix login redirect")
	b.Flow = StepCreated
	b.UpdatedAt = time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)

	ab := Merge(a, b)
	ba := Merge(b, a)

	assert.Equal(t, ab.Flow, ba.Flow)
	assert.Equal(t, ab.Steps, ba.Steps)
	assert.ElementsMatch(t, ab.URLs, ba.URLs)
	assert.Equal(t, ab.Title, ba.Title)
	assert.Equal(t, ab.UpdatedAt, ba.UpdatedAt)

	assert.Equal(t, StepCreated, ab.Flow, "flow merges to the later step")
	assert.True(t, ab.HasStep(StepOpened))
	assert.True(t, ab.HasStep(StepCreated))
	assert.Len(t, ab.URLs, 2)
}

func TestMergeIsIdempotent(t *testing.T) {
	rec := NewRecord("task-1")
	rec = MarkStep(rec, StepViewed)
	rec = MergeURL(rec, "https://github.com/acme/repo/pull/7")
	rec = MergeTitle(rec, "Fix login redirect")
	rec.Flow = StepViewed

	merged := Merge(rec, rec)
	assert.Equal(t, rec.Flow, merged.Flow)
	assert.Equal(t, rec.Steps, merged.Steps)
	assert.Equal(t, rec.URLs, merged.URLs)
	assert.Equal(t, rec.Title, merged.Title)
}

func TestStepsFired(t *testing.T) {
	rec := NewRecord("task-1")
	rec = MarkStep(rec, StepMerged)
	rec = MarkStep(rec, StepOpened)
	rec = MarkStep(rec, StepViewed)

	require.Equal(t, []Step{StepOpened, StepViewed, StepMerged}, rec.StepsFired(),
		"fired steps come back in lifecycle order")
}
