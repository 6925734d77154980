package mockapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"repo-cipher/pkg/backend"
	"repo-cipher/pkg/config"
	"repo-cipher/pkg/model"
	"repo-cipher/pkg/protocol"
	"repo-cipher/pkg/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sink struct {
	mu     sync.Mutex
	msgs   []protocol.Message
	first  chan struct{}
	once   sync.Once
	closed chan error
}

func newSink() *sink {
	return &sink{first: make(chan struct{}), closed: make(chan error, 1)}
}

func (s *sink) Message(m protocol.Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	s.once.Do(func() { close(s.first) })
}

func (s *sink) Closed(err error) { s.closed <- err }

func (s *sink) kinds() []protocol.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Kind
	for _, m := range s.msgs {
		out = append(out, m.Kind())
	}
	return out
}

func startServer(t *testing.T, opts Options) (*Server, *backend.Client) {
	t.Helper()
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.MinCost
	}
	srv, err := New(opts)
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		srv.Wait()
	})
	cfg := config.Default()
	cfg.BackendURL = hs.URL
	client, err := backend.New(cfg, hs.Client(), nil)
	require.NoError(t, err)
	return srv, client
}

func waitClosed(t *testing.T, s *sink) error {
	t.Helper()
	select {
	case err := <-s.closed:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close")
		return nil
	}
}

func TestCreateAndStream(t *testing.T) {
	_, client := startServer(t, Options{Script: Script{Tools: []string{"scan", "lint"}, FailTool: "lint"}})
	ctx := context.Background()

	resp, err := client.CreateTask(ctx, model.CreateTaskRequest{RepositoryURL: "https://github.com/acme/widgets", Prompt: "audit"})
	require.NoError(t, err)
	assert.Equal(t, "created", resp.Status)
	assert.Equal(t, "/ws/tasks/"+resp.TaskID, resp.WebSocketURL)

	url, err := client.ResolveWebSocketURL(resp.WebSocketURL)
	require.NoError(t, err)
	s := newSink()
	sess, err := (&session.Dialer{}).Dial(ctx, resp.TaskID, url, s)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, waitClosed(t, s))
	assert.Equal(t, []protocol.Kind{
		protocol.KindProgress,
		protocol.KindToolStarted, protocol.KindToolCompleted, protocol.KindProgress,
		protocol.KindToolStarted, protocol.KindToolError, protocol.KindProgress,
		protocol.KindAnalysisCompleted,
	}, s.kinds())

	s.mu.Lock()
	last := s.msgs[len(s.msgs)-1].(protocol.AnalysisCompleted)
	s.mu.Unlock()
	assert.Equal(t, 1, int(last.Results.Metrics["tools_failed"].(float64)))
	assert.Equal(t, "Analysis complete.", last.AIMessage)
}

func TestFailedAnalysis(t *testing.T) {
	_, client := startServer(t, Options{Script: Script{Tools: []string{"scan"}, FailAnalysis: true}})
	ctx := context.Background()
	resp, err := client.CreateTask(ctx, model.CreateTaskRequest{RepositoryURL: "https://github.com/acme/widgets"})
	require.NoError(t, err)
	url, err := client.ResolveWebSocketURL(resp.WebSocketURL)
	require.NoError(t, err)

	s := newSink()
	sess, err := (&session.Dialer{}).Dial(ctx, resp.TaskID, url, s)
	require.NoError(t, err)
	defer sess.Close()
	require.NoError(t, waitClosed(t, s))

	s.mu.Lock()
	last, ok := s.msgs[len(s.msgs)-1].(protocol.AnalysisError)
	s.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, model.ErrorKindAnalysis, last.Error.Kind)
	assert.Equal(t, "worker terminated unexpectedly", last.Error.Details)
}

func TestCancelStopsStream(t *testing.T) {
	srv, client := startServer(t, Options{Script: Script{
		Tools:     []string{"a", "b", "c", "d", "e"},
		StepDelay: 50 * time.Millisecond,
	}})
	ctx := context.Background()
	resp, err := client.CreateTask(ctx, model.CreateTaskRequest{RepositoryURL: "https://github.com/acme/widgets"})
	require.NoError(t, err)
	url, err := client.ResolveWebSocketURL(resp.WebSocketURL)
	require.NoError(t, err)

	s := newSink()
	sess, err := (&session.Dialer{}).Dial(ctx, resp.TaskID, url, s)
	require.NoError(t, err)
	defer sess.Close()

	<-s.first
	require.NoError(t, sess.Cancel())
	require.NoError(t, waitClosed(t, s))
	assert.True(t, srv.Cancelled(resp.TaskID))
	assert.NotContains(t, s.kinds(), protocol.KindAnalysisCompleted)
}

func TestStreamUnknownTask(t *testing.T) {
	_, client := startServer(t, Options{})
	url, err := client.ResolveWebSocketURL("/ws/tasks/nope")
	require.NoError(t, err)
	_, err = (&session.Dialer{}).Dial(context.Background(), "nope", url, newSink())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=404")
}

func TestLogin(t *testing.T) {
	srv, client := startServer(t, Options{Users: map[string]string{"dev": "secret"}, JWTSecret: "s3"})
	ctx := context.Background()

	token, err := client.Login(ctx, "dev", "secret")
	require.NoError(t, err)
	claims, err := srv.Issuer().Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "dev", claims.Username)

	_, err = client.Login(ctx, "dev", "wrong")
	var se *backend.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Status)
}

func TestRequireAuth(t *testing.T) {
	srv, client := startServer(t, Options{RequireAuth: true, JWTSecret: "s3"})
	ctx := context.Background()
	req := model.CreateTaskRequest{RepositoryURL: "https://github.com/acme/widgets"}

	_, err := client.CreateTask(ctx, req)
	var se *backend.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Status)

	token, err := srv.Issuer().Generate("dev", time.Hour)
	require.NoError(t, err)
	client.SetToken(token)
	_, err = client.CreateTask(ctx, req)
	require.NoError(t, err)
}

func TestHealthAndTools(t *testing.T) {
	_, client := startServer(t, Options{})
	ctx := context.Background()

	h, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)

	tools, err := client.Tools(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultTools, tools)
}

func TestCreateRejectsMissingRepository(t *testing.T) {
	srv, err := New(Options{})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/cipher", nil)
	req.Body = http.NoBody
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/task/", strings.NewReader(`{"prompt":"x"}`))
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
