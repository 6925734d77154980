package mockapi

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-cipher/pkg/protocol"
)

func TestScriptFramesDecode(t *testing.T) {
	sc := Script{Tools: []string{"scan", "lint"}, FailTool: "scan"}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var kinds []protocol.Kind
	for _, f := range sc.Frames("t1", "acme/widgets") {
		b, err := json.Marshal(f)
		require.NoError(t, err)
		msg, err := protocol.Decode(b, now)
		require.NoError(t, err, string(b))
		assert.Equal(t, "t1", msg.Meta().TaskID)
		kinds = append(kinds, msg.Kind())
	}
	assert.Equal(t, []protocol.Kind{
		protocol.KindProgress,
		protocol.KindToolStarted, protocol.KindToolError, protocol.KindProgress,
		protocol.KindToolStarted, protocol.KindToolCompleted, protocol.KindProgress,
		protocol.KindAnalysisCompleted,
	}, kinds)
}

func TestScriptFinalProgressReaches95(t *testing.T) {
	frames := Script{Tools: []string{"a", "b", "c"}}.Frames("t1", "x")
	last := frames[len(frames)-2]
	require.NotNil(t, last.Progress)
	assert.InDelta(t, 95, last.Progress.Percentage, 0.001)
	assert.Equal(t, 4, *last.Progress.StepNumber)
	assert.Equal(t, 5, *last.Progress.TotalSteps)
}
