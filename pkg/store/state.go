package store

import (
	"repo-cipher/pkg/model"
)

// State is an immutable snapshot of the task collections. Callers must treat the slices
// and the tasks they contain as read-only; every transition produces a new State.
type State struct {
	Tasks    []model.Task // active list, newest first
	Archived []model.Task
	Error    string // last store-level error, cleared by ClearError
	Loading  bool   // a task creation request is in flight
	Hydrated bool   // persisted lists have been loaded
}

// Find looks a task up in both lists.
func (s State) Find(id string) (task model.Task, archived bool, ok bool) {
	if i := indexOf(s.Tasks, id); i >= 0 {
		return s.Tasks[i], false, true
	}
	if i := indexOf(s.Archived, id); i >= 0 {
		return s.Archived[i], true, true
	}
	return model.Task{}, false, false
}

// Active returns tasks in the active list still expected to make progress.
func (s State) Active() []model.Task {
	return filter(s.Tasks, func(t model.Task) bool { return t.Status.Active() })
}

func (s State) Completed() []model.Task {
	return filter(s.Tasks, func(t model.Task) bool { return t.Status == model.StatusCompleted })
}

func (s State) Failed() []model.Task {
	return filter(s.Tasks, func(t model.Task) bool { return t.Status == model.StatusFailed })
}

func filter(tasks []model.Task, keep func(model.Task) bool) []model.Task {
	out := []model.Task{}
	for _, t := range tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func indexOf(tasks []model.Task, id string) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// without returns a copy of tasks minus index i.
func without(tasks []model.Task, i int) []model.Task {
	out := make([]model.Task, 0, len(tasks)-1)
	out = append(out, tasks[:i]...)
	return append(out, tasks[i+1:]...)
}

// replaced returns a copy of tasks with index i set to t.
func replaced(tasks []model.Task, i int, t model.Task) []model.Task {
	out := append([]model.Task(nil), tasks...)
	out[i] = t
	return out
}

func prepend(t model.Task, tasks []model.Task) []model.Task {
	out := make([]model.Task, 0, len(tasks)+1)
	out = append(out, t)
	return append(out, tasks...)
}
