package main

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"repo-cipher/pkg/mockapi"
	"repo-cipher/pkg/store"
)

type env struct {
	url string
	srv *mockapi.Server
}

func newEnv(t *testing.T, opts mockapi.Options) *env {
	t.Helper()
	opts.BcryptCost = bcrypt.MinCost
	srv, err := mockapi.New(opts)
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		srv.Wait()
	})

	dir := t.TempDir()
	testChdir(t, dir)
	t.Setenv("CIPHER_STORAGE", "sqlite")
	t.Setenv("CIPHER_STORAGE_PATH", filepath.Join(dir, "state.db"))
	t.Setenv("CIPHER_DEBOUNCE", "10ms")
	t.Setenv("CIPHER_TOKEN", "")
	return &env{url: hs.URL, srv: srv}
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := run(append([]string{"--backend", e.url}, args...), &out, &errOut)
	return out.String(), err
}

var createdRE = regexp.MustCompile(`created (\S+)`)

func TestAnalyzeAndManageHistory(t *testing.T) {
	e := newEnv(t, mockapi.Options{Script: mockapi.Script{Tools: []string{"semgrep", "scc"}}})

	out, err := e.run(t, "analyze", "https://github.com/acme/widgets", "--prompt", "audit")
	require.NoError(t, err, out)
	m := createdRE.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	id := m[1]
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "semgrep")
	assert.Contains(t, out, "Analysis complete.")

	out, err = e.run(t, "tasks")
	require.NoError(t, err)
	assert.Contains(t, out, "acme/widgets")
	assert.Contains(t, out, "completed")

	out, err = e.run(t, "tasks", "--filter", "completed")
	require.NoError(t, err)
	assert.Contains(t, out, id[:8])

	out, err = e.run(t, "show", id[:8])
	require.NoError(t, err)
	assert.Contains(t, out, "Ran 2 tools against acme/widgets")

	out, err = e.run(t, "archive", id[:8])
	require.NoError(t, err)
	assert.Contains(t, out, "archived "+id)

	out, err = e.run(t, "tasks")
	require.NoError(t, err)
	assert.Contains(t, out, "No tasks.")
	out, err = e.run(t, "tasks", "-f", "archived")
	require.NoError(t, err)
	assert.Contains(t, out, "acme/widgets")

	_, err = e.run(t, "unarchive", id)
	require.NoError(t, err)
	_, err = e.run(t, "delete", id)
	require.NoError(t, err)

	_, err = e.run(t, "show", id)
	assert.True(t, errors.Is(err, store.ErrNotFound), "%v", err)
}

func TestAnalyzeSeveralRepositories(t *testing.T) {
	e := newEnv(t, mockapi.Options{Script: mockapi.Script{Tools: []string{"scc"}}})

	out, err := e.run(t, "analyze", "https://github.com/acme/one", "https://github.com/acme/two")
	require.NoError(t, err, out)
	assert.Len(t, createdRE.FindAllString(out, -1), 2)

	out, err = e.run(t, "tasks", "--filter", "completed")
	require.NoError(t, err)
	assert.Contains(t, out, "acme/one")
	assert.Contains(t, out, "acme/two")
}

func TestAnalyzeReportsFailure(t *testing.T) {
	e := newEnv(t, mockapi.Options{Script: mockapi.Script{Tools: []string{"scc"}, FailAnalysis: true}})

	out, err := e.run(t, "analyze", "https://github.com/acme/widgets")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 tasks failed")
	assert.Contains(t, out, "worker terminated unexpectedly")

	out, err = e.run(t, "tasks", "--filter", "failed")
	require.NoError(t, err)
	assert.Contains(t, out, "acme/widgets")
}

func TestAnalyzeDetachThenCancel(t *testing.T) {
	e := newEnv(t, mockapi.Options{Script: mockapi.Script{Tools: []string{"a", "b", "c"}, StepDelay: 200 * time.Millisecond}})

	out, err := e.run(t, "analyze", "--detach", "https://github.com/acme/widgets")
	require.NoError(t, err)
	id := createdRE.FindStringSubmatch(out)[1]

	out, err = e.run(t, "cancel", id)
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled "+id)

	out, err = e.run(t, "show", id)
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")

	out, err = e.run(t, "cancel", id)
	require.NoError(t, err)
	assert.Contains(t, out, "already cancelled")
}

func TestAnalyzeCreateFailure(t *testing.T) {
	e := newEnv(t, mockapi.Options{RequireAuth: true, JWTSecret: "s"})
	_, err := e.run(t, "analyze", "https://github.com/acme/widgets")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestLoginStoresToken(t *testing.T) {
	e := newEnv(t, mockapi.Options{RequireAuth: true, JWTSecret: "s", Users: map[string]string{"dev": "pw"}})

	_, err := e.run(t, "login", "-u", "dev", "--password", "wrong")
	require.Error(t, err)

	out, err := e.run(t, "login", "-u", "dev", "--password", "pw")
	require.NoError(t, err)
	assert.Contains(t, out, "logged in as dev")

	out, err = e.run(t, "analyze", "https://github.com/acme/widgets")
	require.NoError(t, err, out)
	assert.Contains(t, out, "completed")

	out, err = e.run(t, "tasks")
	require.NoError(t, err)
	assert.Contains(t, out, "acme/widgets")

	_, err = e.run(t, "logout")
	require.NoError(t, err)
	_, err = e.run(t, "analyze", "https://github.com/acme/widgets")
	require.Error(t, err)
}

func TestToolsHealthVersion(t *testing.T) {
	e := newEnv(t, mockapi.Options{})

	out, err := e.run(t, "tools")
	require.NoError(t, err)
	assert.Contains(t, out, "semgrep")

	out, err = e.run(t, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	out, err = e.run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "repo-cipher dev")
}

func TestUnknownFilter(t *testing.T) {
	e := newEnv(t, mockapi.Options{})
	_, err := e.run(t, "tasks", "--filter", "weird")
	require.Error(t, err)
}

func TestAuthenticated(t *testing.T) {
	assert.True(t, authenticated(""))
	assert.True(t, authenticated("opaque-token"))
	assert.False(t, authenticated("a.b.c"))
}

// testChdir changes the working directory for the duration of the test.
func testChdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
}
