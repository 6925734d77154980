package model

import (
	"net/url"
	"strings"
)

// CreateTaskRequest is posted to the backend to start an analysis.
type CreateTaskRequest struct {
	RepositoryURL string `json:"repository_url"`
	Prompt        string `json:"prompt"`
	Title         string `json:"-"` // client-side only
}

// CreateTaskResponse is returned by the task creation endpoint.
type CreateTaskResponse struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	WebSocketURL string `json:"websocket_url"`
	Message      string `json:"message,omitempty"`
}

// ToolInfo describes a tool available on the backend.
type ToolInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Languages   []string `json:"languages,omitempty"`
}

// HealthReport is the backend health payload.
type HealthReport struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// RepositoryName derives a short "owner/repo" name from a repository URL.
func RepositoryName(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	// scp-like git remotes: git@github.com:owner/repo.git
	if i := strings.Index(s, "@"); i >= 0 && !strings.Contains(s, "://") {
		if j := strings.Index(s[i:], ":"); j > 0 {
			s = "https://" + strings.Replace(s[i+1:], ":", "/", 1)
		}
	}
	u, err := url.Parse(s)
	if err != nil || u.Path == "" {
		return strings.TrimSpace(raw)
	}
	parts := []string{}
	for _, p := range strings.Split(u.Path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return strings.TrimSpace(raw)
	}
	if len(parts) > 2 {
		parts = parts[:2]
	}
	name := strings.Join(parts, "/")
	return strings.TrimSuffix(name, ".git")
}
