package mockapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"repo-cipher/pkg/model"
)

const (
	writeWait  = 5 * time.Second
	closeGrace = time.Second
)

// handleTaskWS upgrades /ws/tasks/{id} and streams the scripted frames for the task.
func (s *Server) handleTaskWS(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/tasks/"), "/")
	s.mu.Lock()
	t := s.tasks[id]
	busy := t != nil && t.streaming
	if t != nil {
		t.streaming = true
	}
	s.mu.Unlock()
	if t == nil {
		http.Error(w, "unknown task", http.StatusNotFound)
		return
	}
	if busy {
		http.Error(w, "task already streaming", http.StatusConflict)
		return
	}
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.String("task", id), zap.Error(err))
		return
	}
	s.wg.Add(1)
	s.stream(t, c)
}

func (s *Server) stream(t *task, c *websocket.Conn) {
	defer s.wg.Done()
	defer c.Close()
	defer func() {
		s.mu.Lock()
		t.streaming = false
		s.mu.Unlock()
	}()
	logger := s.logger.With(zap.String("task", t.id))
	logger.Info("stream connected")

	cancelled := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		var once sync.Once
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			var f struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &f) == nil && f.Type == "cancel" {
				once.Do(func() { close(cancelled) })
			}
		}
	}()

	sc := s.opts.Script
	if len(sc.Tools) == 0 {
		for _, tool := range s.opts.Tools {
			sc.Tools = append(sc.Tools, tool.Name)
		}
	}
	frames := sc.Frames(t.id, model.RepositoryName(t.repository))

loop:
	for _, f := range frames {
		select {
		case <-cancelled:
			s.mu.Lock()
			t.cancelled = true
			s.mu.Unlock()
			logger.Info("cancelled by client")
			break loop
		case <-readerDone:
			logger.Info("client went away")
			return
		case <-time.After(sc.StepDelay):
		}
		f.Timestamp = s.opts.Now().UTC().Format(time.RFC3339Nano)
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteJSON(f); err != nil {
			logger.Warn("write frame", zap.Error(err))
			return
		}
	}

	_ = c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	select {
	case <-readerDone:
	case <-time.After(closeGrace):
	}
	logger.Info("stream finished")
}
