package mockapi

import (
	"encoding/json"
	"fmt"
	"time"

	"repo-cipher/pkg/model"
	"repo-cipher/pkg/protocol"
)

// Script describes the frame sequence streamed for every task.
type Script struct {
	// Tools run in order. Defaults to the names of the advertised tools.
	Tools []string
	// FailTool, when set, reports a tool_error for that tool instead of a result.
	FailTool string
	// FailAnalysis ends the stream with analysis_error instead of analysis_completed.
	FailAnalysis bool
	// StepDelay is the pause before each frame.
	StepDelay time.Duration
}

// Frames builds the sequence for one task. Timestamps are stamped when sent.
func (sc Script) Frames(taskID, repository string) []protocol.Frame {
	total := len(sc.Tools) + 2
	frames := []protocol.Frame{
		progressFrame(taskID, 5, "Cloning repository", 1, total, "Cloning "+repository+" and preparing the workspace."),
	}
	failed := 0
	for i, name := range sc.Tools {
		frames = append(frames, protocol.Frame{
			Type: string(protocol.KindToolStarted), TaskID: taskID,
			Data: raw(map[string]interface{}{"tool_name": name}),
		})
		if name == sc.FailTool {
			failed++
			frames = append(frames, protocol.Frame{
				Type: string(protocol.KindToolError), TaskID: taskID,
				Data: raw(map[string]interface{}{"tool_name": name, "error": name + " exited with status 2"}),
			})
		} else {
			frames = append(frames, protocol.Frame{
				Type: string(protocol.KindToolCompleted), TaskID: taskID,
				Data: raw(map[string]interface{}{
					"tool_name": name,
					"result": model.ToolOutput{
						Summary: name + " found no issues",
						Metrics: map[string]interface{}{"findings": 0},
					},
				}),
			})
		}
		pct := 5 + float64(i+1)*90/float64(len(sc.Tools))
		frames = append(frames, progressFrame(taskID, pct, "Ran "+name, i+2, total, ""))
	}

	if sc.FailAnalysis {
		return append(frames, protocol.Frame{
			Type: string(protocol.KindAnalysisError), TaskID: taskID,
			AIMessage: "The analysis could not be completed.",
			Data: raw(model.TaskError{
				Message: "Analysis failed",
				Details: "worker terminated unexpectedly",
				Kind:    model.ErrorKindAnalysis,
			}),
		})
	}
	return append(frames, protocol.Frame{
		Type: string(protocol.KindAnalysisCompleted), TaskID: taskID,
		AIMessage: "Analysis complete.",
		Data: raw(model.FinalResults{
			Summary: fmt.Sprintf("Ran %d tools against %s", len(sc.Tools), repository),
			Metrics: map[string]interface{}{
				"tools_run":    len(sc.Tools),
				"tools_failed": failed,
			},
			Recommendations: []string{"Enable the analysis in CI"},
		}),
	})
}

func progressFrame(taskID string, pct float64, step string, n, total int, narration string) protocol.Frame {
	return protocol.Frame{
		Type:      string(protocol.KindProgress),
		TaskID:    taskID,
		AIMessage: narration,
		Progress: &model.Progress{
			Percentage:  pct,
			CurrentStep: step,
			StepNumber:  &n,
			TotalSteps:  &total,
		},
	}
}

func raw(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
