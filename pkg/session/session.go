// Package session maintains the per-task websocket channel to the analysis backend.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"repo-cipher/pkg/logging"
	"repo-cipher/pkg/protocol"
)

const (
	// Time allowed to write a control frame to the peer.
	writeWait = 5 * time.Second

	// Largest inbound frame accepted; tool results can be sizeable.
	maxMessageSize = 4 << 20
)

// Sink receives what a session reads. Calls for one session are made sequentially
// from its read goroutine, in the order frames arrived.
type Sink interface {
	Message(protocol.Message)
	// Closed is called once when the remote side closes or the transport fails.
	// err is nil for a normal closure. It is not called after a local Close.
	Closed(err error)
}

// Channel is the handle the store keeps per task.
type Channel interface {
	Cancel() error
	Close() error
}

// Dialer opens sessions.
type Dialer struct {
	Token            string
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
	// Now stamps frames that carry no timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Session is one open task channel.
type Session struct {
	taskID  string
	conn    *websocket.Conn
	sink    Sink
	logger  *zap.Logger
	now     func() time.Time
	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}
}

// Dial connects to url and starts reading frames for taskID into sink.
// No payload is sent after the handshake.
func (d *Dialer) Dial(ctx context.Context, taskID, url string, sink Sink) (*Session, error) {
	if sink == nil {
		return nil, errors.New("session sink is required")
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		TLSClientConfig:  d.TLSConfig,
	}
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("dial %s (status=%d): %w", url, status, err)
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	s := &Session{
		taskID: taskID,
		conn:   conn,
		sink:   sink,
		logger: logging.OrNop(d.Logger).Named("session").With(zap.String("task", taskID)),
		now:    now,
		done:   make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	s.logger.Debug("connected", zap.String("url", url))
	go s.readLoop()
	return s, nil
}

// Connect is Dial returning the store-facing handle.
func (d *Dialer) Connect(ctx context.Context, taskID, url string, sink Sink) (Channel, error) {
	s, err := d.Dial(ctx, taskID, url, sink)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Done is closed when the read goroutine exits.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) readLoop() {
	defer close(s.done)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.closed.Store(true)
			_ = s.conn.Close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.logger.Info("closed by backend")
				s.sink.Closed(nil)
				return
			}
			s.logger.Warn("transport failure", zap.Error(err))
			s.sink.Closed(err)
			return
		}
		msg, err := protocol.Decode(data, s.now())
		if err != nil {
			s.logger.Warn("dropping frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		if id := msg.Meta().TaskID; id != "" && id != s.taskID {
			s.logger.Warn("dropping frame for another task", zap.String("frame_task", id))
			continue
		}
		s.logger.Debug("recv", zap.String("type", string(msg.Kind())))
		s.sink.Message(msg)
	}
}

// Cancel asks the backend to stop the task. It does not wait for a reply.
func (s *Session) Cancel() error {
	if s.closed.Load() {
		return errors.New("session closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(protocol.Cancel()); err != nil {
		s.logger.Warn("cancel send failed", zap.Error(err))
		return fmt.Errorf("send cancel: %w", err)
	}
	s.logger.Info("cancel sent")
	return nil
}

// Close shuts the channel down without notifying the sink.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	s.writeMu.Unlock()
	err := s.conn.Close()
	<-s.done
	return err
}
