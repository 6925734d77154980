package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"repo-cipher/pkg/config"
	"repo-cipher/pkg/logging"
	"repo-cipher/pkg/model"
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d %s body=%s", e.Status, http.StatusText(e.Status), e.Body)
}

// Client talks to the analysis backend over HTTP.
type Client struct {
	base   *url.URL
	http   *http.Client
	token  string
	paths  config.Config
	logger *zap.Logger
}

// New builds a client from cfg. httpClient may be nil, in which case one is built from cfg.TLS.
func New(cfg config.Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BackendURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend url must be http or https: %s", cfg.BackendURL)
	}
	if httpClient == nil {
		httpClient, err = BuildHTTPClient(cfg.TLS, cfg.Timeout)
		if err != nil {
			return nil, err
		}
	}
	return &Client{
		base:   base,
		http:   httpClient,
		token:  cfg.AuthToken,
		paths:  cfg,
		logger: logging.OrNop(logger).Named("backend"),
	}, nil
}

// SetToken replaces the bearer token sent with every request.
func (c *Client) SetToken(token string) { c.token = token }

// CreateTask asks the backend to start analysing a repository.
func (c *Client) CreateTask(ctx context.Context, req model.CreateTaskRequest) (model.CreateTaskResponse, error) {
	var out model.CreateTaskResponse
	if strings.TrimSpace(req.RepositoryURL) == "" {
		return out, errors.New("repository url is required")
	}
	if err := c.do(ctx, http.MethodPost, c.paths.CreatePath, req, &out); err != nil {
		return out, fmt.Errorf("create task: %w", err)
	}
	if out.TaskID == "" {
		return out, errors.New("create task: backend returned no task_id")
	}
	c.logger.Info("task created", zap.String("task", out.TaskID), zap.String("status", out.Status), zap.String("message", out.Message))
	return out, nil
}

// Health fetches the backend health report.
func (c *Client) Health(ctx context.Context) (model.HealthReport, error) {
	var out model.HealthReport
	if err := c.do(ctx, http.MethodGet, c.paths.HealthPath, nil, &out); err != nil {
		return out, fmt.Errorf("health: %w", err)
	}
	return out, nil
}

// Tools lists the analysis tools the backend can run.
func (c *Client) Tools(ctx context.Context) ([]model.ToolInfo, error) {
	var out struct {
		Tools []model.ToolInfo `json:"tools"`
	}
	if err := c.do(ctx, http.MethodGet, c.paths.ToolsPath, nil, &out); err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return out.Tools, nil
}

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, c.paths.LoginPath, body, &out); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("login: backend returned no token")
	}
	return out.Token, nil
}

// ResolveWebSocketURL turns the websocket_url of a creation response into an absolute
// ws:// or wss:// address.
func (c *Client) ResolveWebSocketURL(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	u := c.base.ResolveReference(ref)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("request", zap.String("method", method), zap.String("path", path),
		zap.Int("status", resp.StatusCode), zap.Duration("took", time.Since(start)))

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// BuildHTTPClient returns an HTTP client honouring the CA, client certificate and
// insecure settings.
func BuildHTTPClient(cfg config.TLSConfig, timeout time.Duration) (*http.Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.Insecure} //nolint:gosec
	if cfg.CAFile != "" {
		pool := x509.NewCertPool()
		data, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsConfig,
		},
	}, nil
}

// TLSClientConfig exposes the TLS settings for the websocket dialer.
func TLSClientConfig(c *http.Client) *tls.Config {
	if t, ok := c.Transport.(*http.Transport); ok {
		return t.TLSClientConfig
	}
	return nil
}
