// Package protocol defines the frames exchanged with the analysis backend over a task's
// websocket. Inbound frames form a closed set of six kinds dispatched through Handler.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"repo-cipher/pkg/model"
)

// Kind is the value of the "type" field of an inbound frame.
type Kind string

const (
	KindProgress          Kind = "progress"
	KindToolStarted       Kind = "tool_started"
	KindToolCompleted     Kind = "tool_completed"
	KindToolError         Kind = "tool_error"
	KindAnalysisCompleted Kind = "analysis_completed"
	KindAnalysisError     Kind = "analysis_error"
)

var (
	// ErrMalformed marks frames that cannot be decoded into a known message.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownType marks frames whose type is not one of the six kinds.
	ErrUnknownType = errors.New("unrecognized message type")
)

// Handler receives each decoded message kind.
type Handler interface {
	Progress(Progress)
	ToolStarted(ToolStarted)
	ToolCompleted(ToolCompleted)
	ToolError(ToolError)
	AnalysisCompleted(AnalysisCompleted)
	AnalysisError(AnalysisError)
}

// Message is one decoded inbound frame.
type Message interface {
	Kind() Kind
	Meta() Header
	Dispatch(Handler)
}

// Header carries the fields shared by every frame.
type Header struct {
	TaskID    string
	Timestamp time.Time
	// AIMessage is narration attached to the frame, if any.
	AIMessage string
}

// Progress reports a step. Progress is nil for a frame that only carries narration.
type Progress struct {
	Header
	Progress *model.Progress
}

type ToolStarted struct {
	Header
	Tool string
}

type ToolCompleted struct {
	Header
	Tool   string
	Result *model.ToolOutput
}

type ToolError struct {
	Header
	Tool  string
	Error string
}

// AnalysisCompleted ends a task successfully. Progress is nil when the
// backend did not attach one.
type AnalysisCompleted struct {
	Header
	Results  model.FinalResults
	Progress *model.Progress
}

type AnalysisError struct {
	Header
	Error model.TaskError
}

func (m Progress) Kind() Kind          { return KindProgress }
func (m ToolStarted) Kind() Kind       { return KindToolStarted }
func (m ToolCompleted) Kind() Kind     { return KindToolCompleted }
func (m ToolError) Kind() Kind         { return KindToolError }
func (m AnalysisCompleted) Kind() Kind { return KindAnalysisCompleted }
func (m AnalysisError) Kind() Kind     { return KindAnalysisError }

func (h Header) Meta() Header { return h }

func (m Progress) Dispatch(h Handler)          { h.Progress(m) }
func (m ToolStarted) Dispatch(h Handler)       { h.ToolStarted(m) }
func (m ToolCompleted) Dispatch(h Handler)     { h.ToolCompleted(m) }
func (m ToolError) Dispatch(h Handler)         { h.ToolError(m) }
func (m AnalysisCompleted) Dispatch(h Handler) { h.AnalysisCompleted(m) }
func (m AnalysisError) Dispatch(h Handler)     { h.AnalysisError(m) }

// Frame is the wire envelope.
type Frame struct {
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Progress  *model.Progress `json:"progress,omitempty"`
	AIMessage string          `json:"ai_message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type toolData struct {
	ToolName string            `json:"tool_name"`
	Result   *model.ToolOutput `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Decode parses one inbound frame. now is used when the frame carries no timestamp.
func Decode(data []byte, now time.Time) (Message, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	h := Header{TaskID: f.TaskID, Timestamp: now, AIMessage: f.AIMessage}
	if f.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, f.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: timestamp %q: %v", ErrMalformed, f.Timestamp, err)
		}
		h.Timestamp = ts
	}

	switch Kind(f.Type) {
	case KindProgress:
		if f.Progress == nil && f.AIMessage == "" {
			return nil, fmt.Errorf("%w: progress frame without progress", ErrMalformed)
		}
		return Progress{Header: h, Progress: clamped(f.Progress)}, nil
	case KindToolStarted, KindToolCompleted, KindToolError:
		var td toolData
		if err := decodeData(f.Data, &td); err != nil {
			return nil, err
		}
		if td.ToolName == "" {
			return nil, fmt.Errorf("%w: %s without tool_name", ErrMalformed, f.Type)
		}
		switch Kind(f.Type) {
		case KindToolStarted:
			return ToolStarted{Header: h, Tool: td.ToolName}, nil
		case KindToolCompleted:
			return ToolCompleted{Header: h, Tool: td.ToolName, Result: td.Result}, nil
		default:
			return ToolError{Header: h, Tool: td.ToolName, Error: td.Error}, nil
		}
	case KindAnalysisCompleted:
		var fr model.FinalResults
		if len(f.Data) > 0 {
			if err := decodeData(f.Data, &fr); err != nil {
				return nil, err
			}
		}
		return AnalysisCompleted{Header: h, Results: fr, Progress: clamped(f.Progress)}, nil
	case KindAnalysisError:
		var te model.TaskError
		if len(f.Data) > 0 {
			if err := decodeData(f.Data, &te); err != nil {
				return nil, err
			}
		}
		if te.Message == "" {
			te.Message = "analysis failed"
		}
		if te.Kind == "" {
			te.Kind = model.ErrorKindAnalysis
		}
		return AnalysisError{Header: h, Error: te}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
}

// clamped returns p with its percentage limited to 0-100.
func clamped(p *model.Progress) *model.Progress {
	if p == nil {
		return nil
	}
	out := *p
	switch {
	case out.Percentage < 0:
		out.Percentage = 0
	case out.Percentage > 100:
		out.Percentage = 100
	}
	return &out
}

func decodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: data: %v", ErrMalformed, err)
	}
	return nil
}

// CancelFrame is the only outbound control frame.
type CancelFrame struct {
	Type string `json:"type"`
}

// Cancel returns the control frame asking the backend to stop a task.
func Cancel() CancelFrame {
	return CancelFrame{Type: "cancel"}
}
