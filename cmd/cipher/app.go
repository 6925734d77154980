package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"repo-cipher/pkg/auth"
	"repo-cipher/pkg/backend"
	"repo-cipher/pkg/config"
	"repo-cipher/pkg/logging"
	"repo-cipher/pkg/model"
	"repo-cipher/pkg/persist"
	"repo-cipher/pkg/protocol"
	"repo-cipher/pkg/session"
	"repo-cipher/pkg/store"
)

// app wires configuration, storage, the backend client and the task store.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	kv     persist.KV
	client *backend.Client
	dialer *session.Dialer
	store  *store.Store
	now    func() time.Time
}

func newApp(ctx context.Context, flags globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.backendURL != "" {
		cfg.BackendURL = flags.backendURL
	}
	if flags.token != "" {
		cfg.AuthToken = flags.token
	}
	level := cfg.LogLevel
	if flags.verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.LogFile)
	if err != nil {
		return nil, err
	}

	kv, err := persist.Open(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	token := cfg.AuthToken
	if token == "" {
		if b, ok, err := kv.Get(ctx, persist.KeyAuthToken); err != nil {
			logger.Warn("read stored token", zap.Error(err))
		} else if ok {
			token = strings.TrimSpace(string(b))
		}
	}

	httpClient, err := backend.BuildHTTPClient(cfg.TLS, cfg.Timeout)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	client, err := backend.New(cfg, httpClient, logger)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	client.SetToken(token)
	dialer := &session.Dialer{
		Token:     token,
		TLSConfig: backend.TLSClientConfig(httpClient),
		Logger:    logger,
	}
	st := store.New(store.Options{
		Backend:   client,
		Connector: dialer,
		Persister: persist.NewPersister(kv, logger),
		Debounce:  cfg.Storage.Debounce,
		Logger:    logger,
	})
	if err := st.Hydrate(ctx, authenticated(token)); err != nil {
		_ = st.Close()
		_ = kv.Close()
		return nil, err
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		kv:     kv,
		client: client,
		dialer: dialer,
		store:  st,
		now:    time.Now,
	}, nil
}

// authenticated decides whether stored tasks belong to the current user. Without a
// token the CLI runs as the local user; a JWT must be unexpired; opaque tokens are trusted.
func authenticated(token string) bool {
	if token == "" || strings.Count(token, ".") != 2 {
		return true
	}
	return auth.Authenticated(token)
}

func (a *app) Close() error {
	err := a.store.Close()
	if cerr := a.kv.Close(); cerr != nil && err == nil {
		err = cerr
	}
	_ = a.logger.Sync()
	return err
}

// resolve finds a task by exact id or unique id prefix across both lists.
func (a *app) resolve(arg string) (model.Task, error) {
	st := a.store.Snapshot()
	if t, _, ok := st.Find(arg); ok {
		return t, nil
	}
	var matches []model.Task
	for _, list := range [][]model.Task{st.Tasks, st.Archived} {
		for _, t := range list {
			if strings.HasPrefix(t.ID, arg) {
				matches = append(matches, t)
			}
		}
	}
	switch len(matches) {
	case 0:
		if !st.Hydrated {
			return model.Task{}, fmt.Errorf("%s: %w (task history unavailable, token expired?)", arg, store.ErrNotFound)
		}
		return model.Task{}, fmt.Errorf("%s: %w", arg, store.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return model.Task{}, fmt.Errorf("%s: ambiguous id prefix, %d tasks match", arg, len(matches))
	}
}

type discardSink struct{}

func (discardSink) Message(protocol.Message) {}
func (discardSink) Closed(error)            {}

// sendCancel reattaches to a task stream owned by an earlier invocation just long
// enough to send the cancel frame.
func (a *app) sendCancel(ctx context.Context, t model.Task) error {
	if t.WebSocketURL == "" {
		return errors.New("task has no websocket url")
	}
	url, err := a.client.ResolveWebSocketURL(t.WebSocketURL)
	if err != nil {
		return err
	}
	s, err := a.dialer.Dial(ctx, t.ID, url, discardSink{})
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Cancel()
}
