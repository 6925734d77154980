package store

import (
	"time"

	"go.uber.org/zap"

	"repo-cipher/pkg/model"
	"repo-cipher/pkg/protocol"
)

// TaskPatch holds the fields UpdateTask may change. Nil fields are left alone.
type TaskPatch struct {
	Title        *string
	Description  *string
	Status       *model.Status
	Progress     *model.Progress
	Error        *model.TaskError
	FinalResults *model.FinalResults
	WebSocketURL *string
}

type action interface{ isAction() }

type (
	setLoading struct{ loading bool }
	setError   struct{ msg string }
	clearError struct{}
	addTask    struct{ task model.Task }
	patchTask  struct {
		id    string
		patch TaskPatch
	}
	cancelTask struct{ id string }
	failTask   struct {
		id  string
		err model.TaskError
	}
	archiveTask   struct{ id string }
	unarchiveTask struct{ id string }
	deleteTask    struct{ id string }
	hydrate       struct{ active, archived []model.Task }
	applyMessage  struct {
		id  string
		msg protocol.Message
	}
)

func (setLoading) isAction()    {}
func (setError) isAction()      {}
func (clearError) isAction()    {}
func (addTask) isAction()       {}
func (patchTask) isAction()     {}
func (cancelTask) isAction()    {}
func (failTask) isAction()      {}
func (archiveTask) isAction()   {}
func (unarchiveTask) isAction() {}
func (deleteTask) isAction()    {}
func (hydrate) isAction()       {}
func (applyMessage) isAction()  {}

// reducer computes the next state. It never mutates its input state; tasks that change
// are cloned first.
type reducer struct {
	now    time.Time
	logger *zap.Logger
}

// reduce returns the next state and whether anything changed.
func (r reducer) reduce(s State, a action) (State, bool) {
	switch a := a.(type) {
	case setLoading:
		if s.Loading == a.loading {
			return s, false
		}
		s.Loading = a.loading
		return s, true
	case setError:
		s.Error = a.msg
		s.Loading = false
		return s, true
	case clearError:
		if s.Error == "" {
			return s, false
		}
		s.Error = ""
		return s, true
	case addTask:
		s.Tasks = prepend(a.task, s.Tasks)
		s.Loading = false
		s.Error = ""
		return s, true
	case patchTask:
		return r.update(s, a.id, func(t *model.Task) bool { return r.patch(t, a.patch) })
	case cancelTask:
		return r.update(s, a.id, func(t *model.Task) bool {
			if t.Status.Terminal() {
				r.logger.Debug("cancel ignored for terminal task", zap.String("task", t.ID), zap.String("status", string(t.Status)))
				return false
			}
			t.Status = model.StatusCancelled
			return true
		})
	case failTask:
		return r.update(s, a.id, func(t *model.Task) bool {
			if t.Status.Terminal() {
				return false
			}
			e := a.err
			t.Status = model.StatusFailed
			t.Error = &e
			return true
		})
	case archiveTask:
		i := indexOf(s.Tasks, a.id)
		if i < 0 {
			return s, false
		}
		t := s.Tasks[i]
		s.Tasks = without(s.Tasks, i)
		s.Archived = prepend(t, s.Archived)
		return s, true
	case unarchiveTask:
		i := indexOf(s.Archived, a.id)
		if i < 0 {
			return s, false
		}
		t := s.Archived[i]
		s.Archived = without(s.Archived, i)
		s.Tasks = prepend(t, s.Tasks)
		return s, true
	case deleteTask:
		changed := false
		if i := indexOf(s.Tasks, a.id); i >= 0 {
			s.Tasks = without(s.Tasks, i)
			changed = true
		}
		if i := indexOf(s.Archived, a.id); i >= 0 {
			s.Archived = without(s.Archived, i)
			changed = true
		}
		return s, changed
	case hydrate:
		return r.hydrate(s, a), true
	case applyMessage:
		return r.update(s, a.id, func(t *model.Task) bool {
			if t.Status.Terminal() {
				r.logger.Debug("ignoring event for terminal task",
					zap.String("task", t.ID), zap.String("status", string(t.Status)),
					zap.String("type", string(a.msg.Kind())))
				return false
			}
			a.msg.Dispatch(&messageApplier{task: t})
			return true
		})
	default:
		r.logger.Error("unhandled store action", zap.Any("action", a))
		return s, false
	}
}

// update applies fn to a clone of the task with id in whichever list holds it.
// fn reports whether it changed the task; updated_at is refreshed when it did.
func (r reducer) update(s State, id string, fn func(*model.Task) bool) (State, bool) {
	if i := indexOf(s.Tasks, id); i >= 0 {
		t := s.Tasks[i].Clone()
		if !fn(&t) {
			return s, false
		}
		t.UpdatedAt = r.now
		s.Tasks = replaced(s.Tasks, i, t)
		return s, true
	}
	if i := indexOf(s.Archived, id); i >= 0 {
		t := s.Archived[i].Clone()
		if !fn(&t) {
			return s, false
		}
		t.UpdatedAt = r.now
		s.Archived = replaced(s.Archived, i, t)
		return s, true
	}
	r.logger.Debug("no such task", zap.String("task", id))
	return s, false
}

func (r reducer) patch(t *model.Task, p TaskPatch) bool {
	if p.Status != nil && *p.Status != t.Status && !t.Status.CanTransition(*p.Status) {
		r.logger.Warn("rejecting status change",
			zap.String("task", t.ID), zap.String("from", string(t.Status)), zap.String("to", string(*p.Status)))
		return false
	}
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Progress != nil {
		pr := *p.Progress
		t.Progress = &pr
	}
	if p.Error != nil {
		e := *p.Error
		t.Error = &e
	}
	if p.FinalResults != nil {
		fr := *p.FinalResults
		t.FinalResults = &fr
	}
	if p.WebSocketURL != nil {
		t.WebSocketURL = *p.WebSocketURL
	}
	return true
}

// hydrate installs persisted lists. Tasks created before hydration stay at the front.
// A task present in both persisted lists is kept active.
func (r reducer) hydrate(s State, a hydrate) State {
	seen := make(map[string]bool)
	active := []model.Task{}
	for _, t := range s.Tasks {
		seen[t.ID] = true
		active = append(active, t)
	}
	for _, t := range a.active {
		if !seen[t.ID] {
			seen[t.ID] = true
			active = append(active, t)
		}
	}
	archived := []model.Task{}
	for _, t := range a.archived {
		if seen[t.ID] {
			r.logger.Warn("dropping duplicate archived task", zap.String("task", t.ID))
			continue
		}
		seen[t.ID] = true
		archived = append(archived, t)
	}
	s.Tasks = active
	s.Archived = archived
	s.Hydrated = true
	return s
}

// messageApplier folds one protocol message into a task.
type messageApplier struct {
	task *model.Task
}

var _ protocol.Handler = (*messageApplier)(nil)

func (m *messageApplier) processing() {
	if m.task.Status.CanTransition(model.StatusProcessing) {
		m.task.Status = model.StatusProcessing
	}
}

func (m *messageApplier) narrate(h protocol.Header) {
	if h.AIMessage != "" {
		m.task.AIMessages = append(m.task.AIMessages, h.AIMessage)
	}
}

// upsertTool replaces the named tool result in place or appends a new one.
func (m *messageApplier) upsertTool(name string, fn func(*model.ToolResult)) {
	for i := range m.task.ToolResults {
		if m.task.ToolResults[i].Name == name {
			fn(&m.task.ToolResults[i])
			return
		}
	}
	tr := model.ToolResult{Name: name}
	fn(&tr)
	m.task.ToolResults = append(m.task.ToolResults, tr)
}

func (m *messageApplier) Progress(msg protocol.Progress) {
	m.processing()
	if msg.Progress != nil {
		p := *msg.Progress
		m.task.Progress = &p
	}
	m.narrate(msg.Header)
}

func (m *messageApplier) ToolStarted(msg protocol.ToolStarted) {
	m.processing()
	ts := msg.Timestamp
	m.upsertTool(msg.Tool, func(tr *model.ToolResult) {
		tr.Status = model.ToolStarted
		tr.StartedAt = &ts
		tr.CompletedAt = nil
		tr.Result = nil
		tr.Error = ""
	})
}

func (m *messageApplier) ToolCompleted(msg protocol.ToolCompleted) {
	ts := msg.Timestamp
	m.upsertTool(msg.Tool, func(tr *model.ToolResult) {
		tr.Status = model.ToolCompleted
		tr.Result = msg.Result
		tr.CompletedAt = &ts
		tr.Error = ""
	})
}

func (m *messageApplier) ToolError(msg protocol.ToolError) {
	ts := msg.Timestamp
	m.upsertTool(msg.Tool, func(tr *model.ToolResult) {
		tr.Status = model.ToolErrored
		tr.Error = msg.Error
		tr.CompletedAt = &ts
		tr.Result = nil
	})
}

func (m *messageApplier) AnalysisCompleted(msg protocol.AnalysisCompleted) {
	m.task.Status = model.StatusCompleted
	fr := msg.Results
	m.task.FinalResults = &fr
	if msg.Progress != nil {
		p := *msg.Progress
		m.task.Progress = &p
	} else {
		m.task.Progress = &model.Progress{Percentage: 100, CurrentStep: "Analysis completed"}
	}
	m.narrate(msg.Header)
}

func (m *messageApplier) AnalysisError(msg protocol.AnalysisError) {
	m.task.Status = model.StatusFailed
	e := msg.Error
	m.task.Error = &e
	m.narrate(msg.Header)
}
