package model

import (
	"time"
)

// Status is the lifecycle state of an analysis task.
type Status string

const (
	StatusCreated    Status = "created"
	StatusStarted    Status = "started"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the task is still expected to make progress.
func (s Status) Active() bool {
	switch s {
	case StatusCreated, StatusStarted, StatusProcessing:
		return true
	}
	return false
}

// CanTransition reports whether a task in status s may move to next.
// Terminal states are absorbing and nothing moves back to created.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusCreated {
		return s == StatusCreated
	}
	switch next {
	case StatusStarted, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ToolStatus is the state of a single tool execution within a task.
type ToolStatus string

const (
	ToolStarted   ToolStatus = "started"
	ToolCompleted ToolStatus = "completed"
	ToolErrored   ToolStatus = "error"
)

// Error kinds recorded on TaskError.Kind.
const (
	ErrorKindAnalysis   = "analysis"
	ErrorKindTransport  = "transport"
	ErrorKindConnection = "connection"
	ErrorKindCreation   = "creation"
)

// Progress is the last progress report received for a task.
type Progress struct {
	Percentage  float64 `json:"percentage"`
	CurrentStep string  `json:"current_step"`
	StepNumber  *int    `json:"step_number,omitempty"`
	TotalSteps  *int    `json:"total_steps,omitempty"`
}

// ToolOutput is the tool-specific payload attached to a completed tool.
type ToolOutput struct {
	Summary  string                 `json:"summary,omitempty"`
	Metrics  map[string]interface{} `json:"metrics,omitempty"`
	Warnings []string               `json:"warnings,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// ToolResult is one tool's execution record. Name is unique within a task.
type ToolResult struct {
	Name        string      `json:"name"`
	Status      ToolStatus  `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Result      *ToolOutput `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// FinalResults is the summary delivered with analysis_completed.
type FinalResults struct {
	Summary         string                 `json:"summary,omitempty"`
	Metrics         map[string]interface{} `json:"metrics,omitempty"`
	Recommendations []string               `json:"recommendations,omitempty"`
}

// TaskError describes why a task failed.
type TaskError struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Kind    string `json:"error_type,omitempty"`
}

func (e *TaskError) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// Task represents one analysis run tracked by the client.
type Task struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Description    string        `json:"description,omitempty"`
	Prompt         string        `json:"prompt,omitempty"`
	RepositoryURL  string        `json:"repository_url"`
	RepositoryName string        `json:"repository_name"`
	Status         Status        `json:"status"`
	Progress       *Progress     `json:"progress,omitempty"`
	ToolResults    []ToolResult  `json:"tool_results"`
	FinalResults   *FinalResults `json:"final_results,omitempty"`
	Error          *TaskError    `json:"error,omitempty"`
	AIMessages     []string      `json:"ai_messages"`
	WebSocketURL   string        `json:"websocket_url,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Tool returns the tool result recorded under name.
func (t Task) Tool(name string) (ToolResult, bool) {
	for _, tr := range t.ToolResults {
		if tr.Name == name {
			return tr, true
		}
	}
	return ToolResult{}, false
}

// Clone returns a copy whose slices and pointer fields do not alias t.
// Metric maps are shared; they are never mutated after decoding.
func (t Task) Clone() Task {
	out := t
	if t.Progress != nil {
		p := *t.Progress
		out.Progress = &p
	}
	if t.ToolResults != nil {
		out.ToolResults = append([]ToolResult(nil), t.ToolResults...)
	}
	if t.AIMessages != nil {
		out.AIMessages = append([]string(nil), t.AIMessages...)
	}
	if t.FinalResults != nil {
		fr := *t.FinalResults
		out.FinalResults = &fr
	}
	if t.Error != nil {
		e := *t.Error
		out.Error = &e
	}
	return out
}
