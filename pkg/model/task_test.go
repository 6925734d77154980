package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRepositoryName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://github.com/acme/widgets", "acme/widgets"},
		{"https://github.com/acme/widgets.git", "acme/widgets"},
		{"https://github.com/acme/widgets/tree/main/src", "acme/widgets"},
		{"git@github.com:acme/widgets.git", "acme/widgets"},
		{"https://gitlab.example.com/solo", "solo"},
		{"  ", ""},
		{"not a url", "not a url"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, RepositoryName(tt.in))
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusCreated.CanTransition(StatusProcessing))
	assert.True(t, StatusCreated.CanTransition(StatusStarted))
	assert.True(t, StatusStarted.CanTransition(StatusProcessing))
	assert.True(t, StatusProcessing.CanTransition(StatusCompleted))
	assert.True(t, StatusProcessing.CanTransition(StatusCancelled))
	assert.False(t, StatusProcessing.CanTransition(StatusCreated))

	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, terminal.Terminal())
		assert.False(t, terminal.Active())
		for _, next := range []Status{StatusCreated, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled} {
			assert.False(t, terminal.CanTransition(next), "%s -> %s", terminal, next)
		}
	}
	assert.False(t, StatusProcessing.CanTransition(Status("bogus")))
}

func TestCloneDoesNotAlias(t *testing.T) {
	orig := Task{
		ID:          "t1",
		Progress:    &Progress{Percentage: 10},
		ToolResults: []ToolResult{{Name: "scan", Status: ToolStarted}},
		AIMessages:  []string{"hello"},
	}
	c := orig.Clone()
	c.Progress.Percentage = 50
	c.ToolResults[0].Status = ToolCompleted
	c.AIMessages[0] = "changed"

	assert.Equal(t, float64(10), orig.Progress.Percentage)
	assert.Equal(t, ToolStarted, orig.ToolResults[0].Status)
	assert.Equal(t, "hello", orig.AIMessages[0])
}
