// Package clients tracks the WebSockets accepted by one session: SFU-side
// media sockets and end-user subscriber sockets, each tagged with a role.
package clients

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Role classifies an accepted socket. SFU-side roles admit a single
// subscriber; client-side roles are unbounded.
type Role string

const (
	RoleSFUSubscriber Role = "sfu-subscriber"
	RoleSFUAudio      Role = "sfu-audio"
	RoleSFUVideo      Role = "sfu-video"
	RoleTranscription Role = "transcription-stream"
	RoleViewer        Role = "viewer"
)

// SingleSubscriber reports whether at most one OPEN socket of this role may
// exist; a newer accept supersedes the older socket.
func (r Role) SingleSubscriber() bool {
	switch r {
	case RoleSFUSubscriber, RoleSFUAudio, RoleSFUVideo:
		return true
	default:
		return false
	}
}

const supersededReason = "Superseded by newer subscriber"

// Client is one accepted socket with its attachment.
type Client struct {
	ID        string
	Role      Role
	CreatedAt time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	open bool
}

// Open reports whether the socket is still usable.
func (c *Client) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *Client) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.open
	c.open = false
	return was
}

// Send writes one message. Writes are serialized per socket.
func (c *Client) Send(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(messageType, data)
}

// SendJSON writes one JSON text message.
func (c *Client) SendJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// Close sends a close frame and tears the socket down. Safe to call more
// than once.
func (c *Client) Close(code int, reason string) {
	if !c.markClosed() {
		return
	}
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

// Registry is the set of accepted sockets for one session.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
	log     *slog.Logger

	// onDisconnect fires once per socket after its read loop ends, open or
	// superseded alike; the adapter uses it to schedule deferred cleanup.
	onDisconnect func(*Client)
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clients: make(map[string]*Client),
		log:     logger,
	}
}

// OnDisconnect registers the disconnect hook. Must be set before Accept.
func (r *Registry) OnDisconnect(fn func(*Client)) { r.onDisconnect = fn }

// Accept adopts an upgraded connection under the given role and starts its
// read loop. onMessage may be nil for roles that only receive. For
// single-subscriber roles any previous OPEN socket of the role is closed
// with code 1000.
func (r *Registry) Accept(conn *websocket.Conn, role Role, onMessage func(messageType int, data []byte)) *Client {
	c := &Client{
		ID:        uuid.NewString(),
		Role:      role,
		CreatedAt: time.Now().UTC(),
		conn:      conn,
		open:      true,
	}

	// Answer keepalive pings in the transport so they never reach adapter
	// logic.
	conn.SetPingHandler(func(appData string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	var superseded []*Client
	r.mu.Lock()
	if role.SingleSubscriber() {
		for _, other := range r.clients {
			if other.Role == role && other.Open() {
				superseded = append(superseded, other)
			}
		}
	}
	r.clients[c.ID] = c
	r.mu.Unlock()

	for _, other := range superseded {
		r.log.Info("superseding subscriber", slog.String("role", string(role)), slog.String("old_id", other.ID))
		other.Close(websocket.CloseNormalClosure, supersededReason)
	}

	go r.readLoop(c, onMessage)
	return c
}

func (r *Registry) readLoop(c *Client, onMessage func(messageType int, data []byte)) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if onMessage != nil {
			onMessage(messageType, data)
		}
	}
	c.markClosed()
	_ = c.conn.Close()

	r.mu.Lock()
	delete(r.clients, c.ID)
	r.mu.Unlock()

	if r.onDisconnect != nil {
		r.onDisconnect(c)
	}
}

// openOfRole snapshots the OPEN clients of one role.
func (r *Registry) openOfRole(role Role) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Client
	for _, c := range r.clients {
		if c.Role == role && c.Open() {
			out = append(out, c)
		}
	}
	return out
}

// CountOpen counts OPEN sockets of the role.
func (r *Registry) CountOpen(role Role) int {
	return len(r.openOfRole(role))
}

// TotalOpen counts all OPEN sockets.
func (r *Registry) TotalOpen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.clients {
		if c.Open() {
			n++
		}
	}
	return n
}

// FanOut sends data to every OPEN socket of the role. Write failures close
// the offending socket; the read loop handles the bookkeeping.
func (r *Registry) FanOut(role Role, messageType int, data []byte) {
	for _, c := range r.openOfRole(role) {
		if err := c.Send(messageType, data); err != nil {
			r.log.Warn("fan-out write failed", slog.String("role", string(role)), slog.String("client", c.ID), slog.String("error", err.Error()))
			c.Close(websocket.CloseInternalServerErr, "write failed")
		}
	}
}

// FanOutJSON sends v as a JSON text message to every OPEN socket of the role.
func (r *Registry) FanOutJSON(role Role, v any) {
	for _, c := range r.openOfRole(role) {
		if err := c.SendJSON(v); err != nil {
			r.log.Warn("fan-out write failed", slog.String("role", string(role)), slog.String("client", c.ID), slog.String("error", err.Error()))
			c.Close(websocket.CloseInternalServerErr, "write failed")
		}
	}
}

// CloseRole closes every OPEN socket of the role.
func (r *Registry) CloseRole(role Role, code int, reason string) {
	for _, c := range r.openOfRole(role) {
		c.Close(code, reason)
	}
}

// CloseAll closes every OPEN socket regardless of role.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	all := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		all = append(all, c)
	}
	r.mu.Unlock()
	for _, c := range all {
		c.Close(code, reason)
	}
}
