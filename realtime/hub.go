// Package realtime pushes task events to websocket subscribers.
//
// Every connection is authenticated when it is upgraded and remembers the
// user it belongs to. With ScopeOwner an event only reaches connections of
// the task's owner; ScopeGlobal sends every event to every connection.
// Delivery is best effort: there is no ack and no replay, and a connection
// that cannot keep up is dropped. Clients resynchronise by reloading their
// list after reconnecting.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	app "github.com/etitcombe/taskflow"
	"github.com/etitcombe/taskflow/auth"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 32
	queueSize      = 256
)

// Scope decides which connections receive an event.
type Scope int

// The delivery scopes.
const (
	ScopeOwner Scope = iota
	ScopeGlobal
)

func (s Scope) String() string {
	if s == ScopeGlobal {
		return "global"
	}
	return "owner"
}

// ParseScope parses "owner" or "global".
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "owner":
		return ScopeOwner, nil
	case "global":
		return ScopeGlobal, nil
	}
	return ScopeOwner, fmt.Errorf("unknown realtime scope %q", s)
}

// Message is the JSON envelope written to subscribers. Data is the task for
// created and updated events and the task id for deleted events.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode turns ev into its wire form.
func Encode(ev app.Event) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if ev.Type == app.EventTaskDeleted {
		data, err = json.Marshal(ev.TaskID)
	} else {
		data, err = json.Marshal(ev.Task)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Event: ev.Type, Data: data})
}

// Authenticator resolves a bearer token to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*app.User, error)
}

type outbound struct {
	owner string
	msg   []byte
}

// Hub keeps the set of live connections. All of its state is owned by the
// goroutine running Run.
type Hub struct {
	scope    Scope
	logger   *log.Logger
	upgrader websocket.Upgrader

	register   chan *conn
	unregister chan *conn
	broadcast  chan outbound
	done       chan struct{}
	closeOnce  sync.Once

	conns map[*conn]struct{}
	count atomic.Int64
}

var _ app.Broadcaster = (*Hub)(nil)

// NewHub returns a Hub. Call Run to start it.
func NewHub(scope Scope, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		scope:  scope,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Tokens, not cookies, authenticate the socket.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		register:   make(chan *conn),
		unregister: make(chan *conn),
		broadcast:  make(chan outbound, queueSize),
		done:       make(chan struct{}),
		conns:      make(map[*conn]struct{}),
	}
}

// Scope returns the delivery scope.
func (h *Hub) Scope() Scope {
	return h.scope
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	return int(h.count.Load())
}

// Run delivers events until ctx is done or Close is called. Remaining
// connections are closed on the way out.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for c := range h.conns {
			h.drop(c)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-h.done:
			return
		case c := <-h.register:
			h.conns[c] = struct{}{}
			h.count.Store(int64(len(h.conns)))
			h.logger.Debug("client connected", "user", c.owner, "clients", len(h.conns))
		case c := <-h.unregister:
			if _, ok := h.conns[c]; ok {
				h.drop(c)
				h.logger.Debug("client disconnected", "user", c.owner, "clients", len(h.conns))
			}
		case out := <-h.broadcast:
			for c := range h.conns {
				if h.scope == ScopeOwner && c.owner != out.owner {
					continue
				}
				select {
				case c.send <- out.msg:
				default:
					h.logger.Warn("dropping slow client", "user", c.owner)
					h.drop(c)
				}
			}
		}
	}
}

// Close stops Run. Publish becomes a no-op afterwards.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Publish queues ev for delivery and never blocks. Events are dropped when
// the hub is closed or its queue is full.
func (h *Hub) Publish(ev app.Event) {
	select {
	case <-h.done:
		return
	default:
	}
	msg, err := Encode(ev)
	if err != nil {
		h.logger.Error("encode event", "event", ev.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- outbound{owner: ev.OwnerID, msg: msg}:
	default:
		h.logger.Warn("broadcast queue full, dropping event", "event", ev.Type, "owner", ev.OwnerID)
	}
}

// Handler upgrades authenticated requests to websocket subscriptions. The
// token comes from the Authorization header or the token query parameter.
func (h *Hub) Handler(authn Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		u, err := authn.Authenticate(r.Context(), token)
		if err != nil {
			code := http.StatusUnauthorized
			if app.ErrorCode(err) == app.EINTERNAL {
				code = http.StatusInternalServerError
				h.logger.Error("websocket authenticate", "err", err)
			}
			http.Error(w, http.StatusText(code), code)
			return
		}

		ws, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the error response.
			h.logger.Debug("websocket upgrade", "err", err)
			return
		}

		c := &conn{hub: h, ws: ws, owner: u.ID, send: make(chan []byte, sendBuffer)}
		select {
		case h.register <- c:
		case <-h.done:
			ws.Close()
			return
		}
		go c.writePump()
		go c.readPump()
	})
}

// drop must only be called from Run.
func (h *Hub) drop(c *conn) {
	delete(h.conns, c)
	close(c.send)
	h.count.Store(int64(len(h.conns)))
}

type conn struct {
	hub   *Hub
	ws    *websocket.Conn
	owner string
	send  chan []byte
}

// readPump discards anything the client sends; it only exists to process
// pongs and notice when the peer goes away.
func (c *conn) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
