// Package upstream manages the WebSocket to the speech provider: deduped
// connection attempts, dispatch of provider messages, and the control
// vocabulary the provider speaks.
package upstream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the link lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// OpenTimeout bounds one connection attempt end to end.
const OpenTimeout = 10 * time.Second

var ErrNotConnected = errors.New("upstream: not connected")

// DialFunc opens the provider socket. Implementations carry the auth header
// and query parameters.
type DialFunc func(ctx context.Context) (*websocket.Conn, error)

// Handlers receive dispatched events. OnText, OnBinary and OnClose run on the
// link's read goroutine; OnConnected runs on the goroutine whose Ensure call
// established the socket, before the read loop starts. None of them may block
// on the link itself.
type Handlers struct {
	// OnConnected fires after each successful (re)connect.
	OnConnected func()
	// OnText receives each text frame.
	OnText func(data []byte)
	// OnBinary receives each binary frame.
	OnBinary func(data []byte)
	// OnClose fires once per established socket when it dies, with the read
	// error. Deliberate Close() also lands here.
	OnClose func(err error)
}

// attempt is one in-flight dial shared by every concurrent caller.
type attempt struct {
	done chan struct{}
	conn *websocket.Conn
	err  error
}

// Link is the managed upstream socket. At most one connection attempt is in
// flight at any time; concurrent Ensure callers share its outcome.
type Link struct {
	dial     DialFunc
	handlers Handlers
	log      *slog.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	inflight *attempt
	gen      int // increments per established socket, guards stale read loops

	writeMu sync.Mutex
}

func NewLink(dial DialFunc, handlers Handlers, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{dial: dial, handlers: handlers, log: logger}
}

// State reports the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Ensure returns the open socket, dialing if necessary. Concurrent callers
// during a dial all wait on the same attempt and share its error.
func (l *Link) Ensure(ctx context.Context) (*websocket.Conn, error) {
	l.mu.Lock()
	if l.state == Connected && l.conn != nil {
		conn := l.conn
		l.mu.Unlock()
		return conn, nil
	}
	if l.inflight != nil {
		att := l.inflight
		l.mu.Unlock()
		select {
		case <-att.done:
			return att.conn, att.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	att := &attempt{done: make(chan struct{})}
	l.inflight = att
	l.state = Connecting
	l.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, OpenTimeout)
	conn, err := l.dial(dialCtx)
	cancel()

	l.mu.Lock()
	l.inflight = nil
	if err != nil {
		l.state = Disconnected
		att.err = err
		l.mu.Unlock()
		close(att.done)
		return nil, err
	}
	l.state = Connected
	l.conn = conn
	l.gen++
	gen := l.gen
	att.conn = conn
	l.mu.Unlock()
	close(att.done)

	l.log.Info("upstream connected")
	if l.handlers.OnConnected != nil {
		l.handlers.OnConnected()
	}
	go l.readLoop(conn, gen)
	return conn, nil
}

func (l *Link) readLoop(conn *websocket.Conn, gen int) {
	var readErr error
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		switch messageType {
		case websocket.TextMessage:
			if l.handlers.OnText != nil {
				l.handlers.OnText(data)
			}
		case websocket.BinaryMessage:
			if l.handlers.OnBinary != nil {
				l.handlers.OnBinary(data)
			}
		}
	}

	l.mu.Lock()
	stale := l.gen != gen
	if !stale {
		l.state = Disconnected
		l.conn = nil
	}
	l.mu.Unlock()
	_ = conn.Close()

	if stale {
		return
	}
	l.log.Info("upstream disconnected", slog.String("error", readErr.Error()))
	if l.handlers.OnClose != nil {
		l.handlers.OnClose(readErr)
	}
}

// SendJSON writes one text frame; ErrNotConnected when the link is down.
func (l *Link) SendJSON(v any) error {
	conn := l.current()
	if conn == nil {
		return ErrNotConnected
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

// SendBinary writes one binary frame; ErrNotConnected when the link is down.
func (l *Link) SendBinary(data []byte) error {
	conn := l.current()
	if conn == nil {
		return ErrNotConnected
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close tears the socket down. The read loop reports the closure through
// OnClose; whether a reconnect follows is the owner's decision.
func (l *Link) Close() {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		l.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		l.writeMu.Unlock()
		_ = conn.Close()
	}
}

func (l *Link) current() *websocket.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Connected {
		return nil
	}
	return l.conn
}
