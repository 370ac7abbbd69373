package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/minima/chatbridge/pkg/session"
)

type transportOptions struct {
	readLimit    int64
	writeTimeout time.Duration
	pingInterval time.Duration
}

// wsTransport adapts one websocket connection to session.Transport. The
// upgrade happens in Accept so a failed handshake ends the session through
// the normal disconnect path.
type wsTransport struct {
	w        http.ResponseWriter
	r        *http.Request
	upgrader *websocket.Upgrader
	opts     transportOptions

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	writeMu sync.Mutex
	done    chan struct{}
}

func newWSTransport(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, opts transportOptions) *wsTransport {
	return &wsTransport{
		w:        w,
		r:        r,
		upgrader: upgrader,
		opts:     opts,
		done:     make(chan struct{}),
	}
}

func (t *wsTransport) Accept(ctx context.Context) error {
	conn, err := t.upgrader.Upgrade(t.w, t.r, nil)
	if err != nil {
		return fmt.Errorf("%w: upgrade: %v", session.ErrDisconnected, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return session.ErrDisconnected
	}
	t.conn = conn
	t.mu.Unlock()

	if t.opts.readLimit > 0 {
		conn.SetReadLimit(t.opts.readLimit)
	}
	if t.opts.pingInterval > 0 {
		wait := 2 * t.opts.pingInterval
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
		go t.pingLoop(conn)
	}
	return nil
}

func (t *wsTransport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(t.opts.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.writeTimeout())
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (t *wsTransport) Receive(ctx context.Context) (string, error) {
	conn := t.current()
	if conn == nil {
		return "", session.ErrDisconnected
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			t.Close()
			return "", err
		}
		return "", fmt.Errorf("%w: %v", session.ErrDisconnected, err)
	}
	return string(data), nil
}

func (t *wsTransport) Send(ctx context.Context, text string) error {
	conn := t.current()
	if conn == nil {
		return session.ErrDisconnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(t.writeTimeout()))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		// a failed write leaves the connection unusable
		_ = conn.Close()
		return fmt.Errorf("%w: %v", session.ErrDisconnected, err)
	}
	return nil
}

// Close sends a going-away close frame and closes the connection. It is
// safe to call before Accept and more than once.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	close(t.done)
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}

func (t *wsTransport) current() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *wsTransport) writeTimeout() time.Duration {
	if t.opts.writeTimeout > 0 {
		return t.opts.writeTimeout
	}
	return 10 * time.Second
}
