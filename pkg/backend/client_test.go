package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-cipher/pkg/config"
	"repo-cipher/pkg/model"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := config.Default()
	cfg.BackendURL = srv.URL
	cfg.AuthToken = "tok"
	c, err := New(cfg, srv.Client(), nil)
	require.NoError(t, err)
	return c
}

func TestCreateTask(t *testing.T) {
	var got model.CreateTaskRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/cipher", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(model.CreateTaskResponse{TaskID: "t1", Status: "created", WebSocketURL: "/ws/tasks/t1"})
	}))

	resp, err := c.CreateTask(context.Background(), model.CreateTaskRequest{RepositoryURL: "https://github.com/acme/widgets", Prompt: "audit"})
	require.NoError(t, err)
	assert.Equal(t, "t1", resp.TaskID)
	assert.Equal(t, "https://github.com/acme/widgets", got.RepositoryURL)
	assert.Equal(t, "audit", got.Prompt)
}

func TestCreateTaskErrors(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "repository not reachable", http.StatusUnprocessableEntity)
	}))
	_, err := c.CreateTask(context.Background(), model.CreateTaskRequest{RepositoryURL: "https://x/y"})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnprocessableEntity, se.Status)
	assert.Equal(t, "repository not reachable", se.Body)

	_, err = c.CreateTask(context.Background(), model.CreateTaskRequest{})
	assert.Error(t, err)

	empty := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"created"}`))
	}))
	_, err = empty.CreateTask(context.Background(), model.CreateTaskRequest{RepositoryURL: "https://x/y"})
	assert.ErrorContains(t, err, "no task_id")
}

func TestToolsHealthLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tools", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tools":[{"name":"semgrep","category":"security"}]}`))
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","version":"1.2"}`))
	})
	mux.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"jwt"}`))
	})
	c := newTestClient(t, mux)

	tools, err := c.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "semgrep", tools[0].Name)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)

	tok, err := c.Login(context.Background(), "dev", "pw")
	require.NoError(t, err)
	assert.Equal(t, "jwt", tok)
}

func TestResolveWebSocketURL(t *testing.T) {
	cfg := config.Default()
	cfg.BackendURL = "https://cipher.example.com/api"
	c, err := New(cfg, http.DefaultClient, nil)
	require.NoError(t, err)

	got, err := c.ResolveWebSocketURL("/ws/tasks/t1")
	require.NoError(t, err)
	assert.Equal(t, "wss://cipher.example.com/ws/tasks/t1", got)

	got, err = c.ResolveWebSocketURL("ws://other:9000/ws/t1")
	require.NoError(t, err)
	assert.Equal(t, "ws://other:9000/ws/t1", got)

	_, err = c.ResolveWebSocketURL("ftp://nope/t1")
	assert.Error(t, err)
}

func TestNewRejectsBadURL(t *testing.T) {
	cfg := config.Default()
	cfg.BackendURL = "ftp://cipher"
	_, err := New(cfg, nil, nil)
	assert.Error(t, err)
}
