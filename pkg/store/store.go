// Package store is the single writer of task state. It creates tasks through the backend,
// keeps one session per live task and folds every inbound frame into immutable snapshots.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"repo-cipher/pkg/logging"
	"repo-cipher/pkg/model"
	"repo-cipher/pkg/persist"
	"repo-cipher/pkg/protocol"
	"repo-cipher/pkg/session"
)

// ErrNotFound is returned for commands naming an unknown task.
var ErrNotFound = errors.New("task not found")

const saveTimeout = 10 * time.Second

// Backend creates tasks and tells the store where to stream them from.
type Backend interface {
	CreateTask(ctx context.Context, req model.CreateTaskRequest) (model.CreateTaskResponse, error)
	ResolveWebSocketURL(raw string) (string, error)
}

// Connector opens a task channel. *session.Dialer satisfies it.
type Connector interface {
	Connect(ctx context.Context, taskID, url string, sink session.Sink) (session.Channel, error)
}

// Options configures a Store. Backend and Connector are required for CreateTask;
// a nil Persister disables persistence.
type Options struct {
	Backend   Backend
	Connector Connector
	Persister *persist.Persister
	Debounce  time.Duration
	Scheduler persist.Scheduler
	Logger    *zap.Logger
	Now       func() time.Time
}

type Store struct {
	backend   Backend
	connector Connector
	persister *persist.Persister
	debounce  *persist.Debouncer
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    State
	channels map[string]*link
	subs     map[chan State]struct{}
	closed   bool
}

// link is the store's handle on one task channel and the sink it reads into.
type link struct {
	store  *Store
	taskID string
	ch     session.Channel
	gone   bool // remote side closed; guarded by store.mu
}

func (l *link) Message(msg protocol.Message) { l.store.HandleMessage(l.taskID, msg) }

func (l *link) Closed(err error) { l.store.channelClosed(l, err) }

func New(opts Options) *Store {
	s := &Store{
		backend:   opts.Backend,
		connector: opts.Connector,
		persister: opts.Persister,
		logger:    logging.OrNop(opts.Logger).Named("store"),
		now:       opts.Now,
		state:     State{Tasks: []model.Task{}, Archived: []model.Task{}},
		channels:  make(map[string]*link),
		subs:      make(map[chan State]struct{}),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.persister != nil {
		interval := opts.Debounce
		if interval <= 0 {
			interval = time.Second
		}
		s.debounce = persist.NewDebouncer(interval, s.save, opts.Scheduler)
	}
	return s
}

// dispatch runs a through the reducer under the lock, publishes the new snapshot
// and schedules a save.
func (s *Store) dispatch(a action) bool {
	changed, persistNow := s.apply(a)
	if persistNow {
		s.debounce.Trigger()
	}
	return changed
}

func (s *Store) apply(a action) (changed, persistNow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := reducer{now: s.now(), logger: s.logger}
	next, changed := r.reduce(s.state, a)
	if !changed {
		return false, false
	}
	s.state = next
	s.publish(next)
	return true, s.debounce != nil && next.Hydrated && !s.closed
}

// publish hands st to every subscriber, replacing a snapshot not yet received.
// Called with s.mu held.
func (s *Store) publish(st State) {
	for ch := range s.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- st
		}
	}
}

func (s *Store) save() {
	st := s.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.persister.Save(ctx, st.Tasks, st.Archived); err != nil {
		s.logger.Error("persist tasks", zap.Error(err))
	}
}

// Hydrate loads the persisted lists once the user is authenticated. Until it has run,
// nothing is written back, so an unauthenticated session never clobbers stored tasks.
func (s *Store) Hydrate(ctx context.Context, authenticated bool) error {
	if s.persister == nil {
		return nil
	}
	if !authenticated {
		s.logger.Debug("skipping hydration, not authenticated")
		return nil
	}
	active, archived, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("hydrate: %w", err)
	}
	s.dispatch(hydrate{active: active, archived: archived})
	s.logger.Info("hydrated", zap.Int("active", len(active)), zap.Int("archived", len(archived)))
	return nil
}

// CreateTask asks the backend for a new task, records it as created and opens its
// channel. On failure the store-level error is set and nil is returned with the error.
func (s *Store) CreateTask(ctx context.Context, req model.CreateTaskRequest) (*model.Task, error) {
	if s.backend == nil {
		return nil, errors.New("store has no backend")
	}
	s.dispatch(setLoading{loading: true})
	resp, err := s.backend.CreateTask(ctx, req)
	if err == nil && resp.TaskID == "" {
		err = errors.New("backend returned no task id")
	}
	if err != nil {
		s.logger.Error("create task", zap.String("repository", req.RepositoryURL), zap.Error(err))
		s.dispatch(setError{msg: "Failed to create task: " + err.Error()})
		return nil, fmt.Errorf("create task: %w", err)
	}

	now := s.now()
	title := req.Title
	name := model.RepositoryName(req.RepositoryURL)
	if title == "" {
		title = "Analysis of " + name
	}
	task := model.Task{
		ID:             resp.TaskID,
		Title:          title,
		Description:    req.Prompt,
		Prompt:         req.Prompt,
		RepositoryURL:  req.RepositoryURL,
		RepositoryName: name,
		Status:         model.StatusCreated,
		Progress:       &model.Progress{Percentage: 0, CurrentStep: "Task created"},
		ToolResults:    []model.ToolResult{},
		AIMessages:     []string{},
		WebSocketURL:   resp.WebSocketURL,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.dispatch(addTask{task: task})
	s.logger.Info("task created", zap.String("task", task.ID), zap.String("repository", name))

	if err := s.connect(ctx, task.ID, resp.WebSocketURL); err != nil {
		s.logger.Error("connect task channel", zap.String("task", task.ID), zap.Error(err))
		s.dispatch(failTask{id: task.ID, err: model.TaskError{
			Message: "Failed to connect to analysis stream",
			Details: err.Error(),
			Kind:    model.ErrorKindConnection,
		}})
	}
	created, _ := s.Task(task.ID)
	return &created, nil
}

func (s *Store) connect(ctx context.Context, taskID, raw string) error {
	if s.connector == nil {
		return errors.New("store has no connector")
	}
	if raw == "" {
		return errors.New("backend returned no websocket url")
	}
	url, err := s.backend.ResolveWebSocketURL(raw)
	if err != nil {
		return err
	}
	l := &link{store: s, taskID: taskID}
	ch, err := s.connector.Connect(ctx, taskID, url, l)
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, _, exists := s.state.Find(taskID)
	if l.gone || s.closed || !exists {
		s.mu.Unlock()
		// Remote already hung up, or the task went away while dialing.
		if !l.gone {
			_ = ch.Close()
		}
		return nil
	}
	l.ch = ch
	s.channels[taskID] = l
	s.mu.Unlock()
	return nil
}

// channelClosed drops the channel reference. Any remote close, clean or not, fails a
// task that has not reached a terminal state; terminal tasks are left alone.
func (s *Store) channelClosed(l *link, err error) {
	s.mu.Lock()
	l.gone = true
	if cur, ok := s.channels[l.taskID]; ok && cur == l {
		delete(s.channels, l.taskID)
	}
	s.mu.Unlock()

	te := model.TaskError{
		Message: "Connection to analysis stream lost",
		Kind:    model.ErrorKindTransport,
	}
	if err == nil {
		s.logger.Debug("channel closed", zap.String("task", l.taskID))
		te.Message = "Analysis stream closed before the task finished"
	} else {
		s.logger.Warn("channel failed", zap.String("task", l.taskID), zap.Error(err))
		te.Details = err.Error()
	}
	s.dispatch(failTask{id: l.taskID, err: te})
}

// HandleMessage folds one inbound message into the named task. Unknown tasks and
// tasks already in a terminal state ignore it. It never panics.
func (s *Store) HandleMessage(taskID string, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("message handling panicked", zap.String("task", taskID), zap.Any("panic", r))
		}
	}()
	if msg == nil {
		s.logger.Warn("nil message", zap.String("task", taskID))
		return
	}
	s.dispatch(applyMessage{id: taskID, msg: msg})
}

// UpdateTask merges patch into the task in whichever list holds it.
func (s *Store) UpdateTask(id string, patch TaskPatch) error {
	if !s.exists(id) {
		return ErrNotFound
	}
	s.dispatch(patchTask{id: id, patch: patch})
	return nil
}

// CancelTask marks the task cancelled and, when it has a live channel, sends a cancel
// frame without waiting for the backend. The status changes first so the close that
// answers the frame finds the task already terminal.
func (s *Store) CancelTask(id string) error {
	if !s.exists(id) {
		return ErrNotFound
	}
	s.dispatch(cancelTask{id: id})
	s.mu.Lock()
	l := s.channels[id]
	s.mu.Unlock()
	if l != nil {
		if err := l.ch.Cancel(); err != nil {
			s.logger.Warn("cancel frame not sent", zap.String("task", id), zap.Error(err))
		}
	}
	return nil
}

// ArchiveTask moves an active task to the archive. Unknown ids are a no-op reported as ErrNotFound.
func (s *Store) ArchiveTask(id string) error {
	if !s.dispatch(archiveTask{id: id}) {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UnarchiveTask(id string) error {
	if !s.dispatch(unarchiveTask{id: id}) {
		return ErrNotFound
	}
	return nil
}

// DeleteTask closes the task's channel and removes it from both lists.
func (s *Store) DeleteTask(id string) error {
	s.mu.Lock()
	l := s.channels[id]
	delete(s.channels, id)
	s.mu.Unlock()
	if l != nil {
		// Outside the lock: Close waits for the read goroutine, which may be inside HandleMessage.
		if err := l.ch.Close(); err != nil {
			s.logger.Debug("close channel", zap.String("task", id), zap.Error(err))
		}
	}
	if !s.dispatch(deleteTask{id: id}) {
		return ErrNotFound
	}
	return nil
}

// ClearError resets the store-level error.
func (s *Store) ClearError() { s.dispatch(clearError{}) }

// Subscribe returns a channel receiving the latest snapshot after every change, starting
// with the current one. Slow readers only see the most recent snapshot. The channel is
// closed by the returned func or by Close.
func (s *Store) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	ch <- s.state
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
		})
	}
}

// Live reports whether the task currently has an open channel.
func (s *Store) Live(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[id]
	return ok
}

// Close shuts every channel, ends subscriptions and flushes pending persistence.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	links := s.channels
	s.channels = make(map[string]*link)
	for ch := range s.subs {
		close(ch)
	}
	s.subs = make(map[chan State]struct{})
	s.mu.Unlock()

	var g errgroup.Group
	for id, l := range links {
		id, l := id, l
		g.Go(func() error {
			if err := l.ch.Close(); err != nil {
				return fmt.Errorf("close channel %s: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.logger.Debug("closed", zap.Int("channels", len(links)))
	return err
}

// Snapshot returns the current immutable state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store) exists(id string) bool {
	_, _, ok := s.Snapshot().Find(id)
	return ok
}

// Task looks id up in both lists.
func (s *Store) Task(id string) (model.Task, bool) {
	t, _, ok := s.Snapshot().Find(id)
	return t, ok
}

func (s *Store) Tasks() []model.Task     { return s.Snapshot().Tasks }
func (s *Store) Archived() []model.Task  { return s.Snapshot().Archived }
func (s *Store) Active() []model.Task    { return s.Snapshot().Active() }
func (s *Store) Completed() []model.Task { return s.Snapshot().Completed() }
func (s *Store) Failed() []model.Task    { return s.Snapshot().Failed() }

// Err returns the store-level error, if any.
func (s *Store) Err() string { return s.Snapshot().Error }
