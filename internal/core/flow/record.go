package flow

import (
	"sort"
	"time"
)

// Record is the shared per-task flow state. Every field is designed to merge
// commutatively so that concurrent read-merge-write cycles from independent
// probe contexts converge: Flow merges by lifecycle order, Steps and URLs by
// set union, Title by first-writer-wins.
type Record struct {
	TaskID    string        `json:"task_id"`
	Flow      Step          `json:"flow"`
	Steps     map[Step]bool `json:"steps,omitempty"`
	Title     string        `json:"title,omitempty"`
	URLs      []string      `json:"urls,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewRecord returns an idle record for the given task.
func NewRecord(taskID string) Record {
	return Record{
		TaskID: taskID,
		Flow:   StepIdle,
		Steps:  map[Step]bool{},
	}
}

// HasStep reports whether the checkpoint has fired for this task.
func (r Record) HasStep(s Step) bool {
	return r.Steps[s]
}

// HasURL reports whether the URL is already associated with the task.
func (r Record) HasURL(url string) bool {
	for _, u := range r.URLs {
		if u == url {
			return true
		}
	}
	return false
}

// MarkStep returns a copy of r with the checkpoint recorded. The flow field
// is not touched; callers decide separately whether the flow advances.
func MarkStep(r Record, s Step) Record {
	if !s.Valid() || s == StepIdle {
		return r
	}
	out := r.clone()
	out.Steps[s] = true
	return out
}

// MergeURL returns a copy of r with the URL unioned into the URL set.
// The set never shrinks.
func MergeURL(r Record, url string) Record {
	if url == "" || r.HasURL(url) {
		return r
	}
	out := r.clone()
	out.URLs = append(out.URLs, url)
	return out
}

// MergeTitle returns a copy of r with the title filled in if none exists yet.
// An already-known title is never overwritten by a later observation.
func MergeTitle(r Record, title string) Record {
	if title == "" || r.Title != "" {
		return r
	}
	out := r.clone()
	out.Title = title
	return out
}

// Merge combines two concurrent versions of the same record into their least
// upper bound: flow by lifecycle order, steps and URLs by union, title by
// first non-empty, UpdatedAt by max. Merge is commutative and idempotent,
// which is what makes last-write-wins storage safe across contexts.
func Merge(a, b Record) Record {
	out := a.clone()
	if out.TaskID == "" {
		out.TaskID = b.TaskID
	}
	out.Flow = MaxStep(a.Flow, b.Flow)
	for s, set := range b.Steps {
		if set {
			out.Steps[s] = true
		}
	}
	for _, u := range b.URLs {
		if !out.HasURL(u) {
			out.URLs = append(out.URLs, u)
		}
	}
	if out.Title == "" {
		out.Title = b.Title
	}
	if b.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = b.UpdatedAt
	}
	return out
}

// StepsFired returns the recorded checkpoints in lifecycle order.
func (r Record) StepsFired() []Step {
	var out []Step
	for s, set := range r.Steps {
		if set {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// clone deep-copies the record so merge helpers never alias the input maps.
func (r Record) clone() Record {
	out := r
	out.Steps = make(map[Step]bool, len(r.Steps))
	for s, set := range r.Steps {
		if set {
			out.Steps[s] = true
		}
	}
	out.URLs = append([]string(nil), r.URLs...)
	return out
}
