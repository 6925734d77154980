// Package mockapi is a scriptable stand-in for the analysis backend: it creates tasks,
// streams a canned sequence of frames over each task's websocket and issues dev tokens.
package mockapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"repo-cipher/pkg/auth"
	"repo-cipher/pkg/logging"
	"repo-cipher/pkg/model"
	"repo-cipher/pkg/version"
)

// Options configures a Server.
type Options struct {
	Script Script
	// Tools advertised by /api/tools. Defaults to DefaultTools.
	Tools []model.ToolInfo
	// Users maps usernames to plaintext passwords; they are hashed at startup.
	Users map[string]string
	// RequireAuth rejects task creation and streams without a valid bearer token.
	RequireAuth bool
	JWTSecret   string
	TokenTTL    time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	Logger     *zap.Logger
	Now        func() time.Time
}

// DefaultTools is the registry served when Options.Tools is empty.
var DefaultTools = []model.ToolInfo{
	{Name: "semgrep", Description: "Static analysis for common bug patterns", Category: "security", Languages: []string{"go", "python", "javascript"}},
	{Name: "gitleaks", Description: "Secret detection in history and working tree", Category: "security"},
	{Name: "scc", Description: "Line counts and complexity", Category: "metrics"},
}

type Server struct {
	upgrader websocket.Upgrader
	issuer   *auth.Issuer
	users    map[string][]byte
	opts     Options
	logger   *zap.Logger

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

type task struct {
	id         string
	repository string
	prompt     string
	streaming  bool
	cancelled  bool
}

func New(opts Options) (*Server, error) {
	if len(opts.Tools) == 0 {
		opts.Tools = DefaultTools
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		issuer: auth.NewIssuer(opts.JWTSecret),
		users:  make(map[string][]byte, len(opts.Users)),
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("mockapi"),
		tasks:  make(map[string]*task),
	}
	for name, pass := range opts.Users {
		hash, err := bcrypt.GenerateFromPassword([]byte(pass), opts.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("hash password for %s: %w", name, err)
		}
		s.users[name] = hash
	}
	return s, nil
}

// RegisterRoutes mounts every endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	create := s.requireToken(s.handleCreate)
	mux.HandleFunc("/cipher", create)
	mux.HandleFunc("/cipher/", create)
	mux.HandleFunc("/api/task/", create)
	mux.HandleFunc("/ws/tasks/", s.requireToken(s.handleTaskWS))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/tools", s.handleTools)
	mux.HandleFunc("/tools", s.handleTools)
	mux.HandleFunc("/api/v1/auth/login", s.handleLogin)
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Wait blocks until every stream goroutine has finished.
func (s *Server) Wait() { s.wg.Wait() }

// Issuer exposes the token signer, for tests that need a valid token.
func (s *Server) Issuer() *auth.Issuer { return s.issuer }

// Cancelled reports whether a cancel frame was received for id.
func (s *Server) Cancelled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	return t != nil && t.cancelled
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, model.HealthReport{Status: "ok", Version: version.Build})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": s.opts.Tools})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
