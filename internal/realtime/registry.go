// Package realtime pushes committed actions to the websocket connections of
// local users.
package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/user/em2/internal/types"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pingInterval = 25 * time.Second
)

// Event is the only message sent to clients.
type Event struct {
	Type    string         `json:"type"`
	Conv    string         `json:"conv"`
	Actions []types.Action `json:"actions"`
}

type client struct {
	email  string
	conn   *websocket.Conn
	send   chan Event
	ctx    context.Context
	cancel context.CancelFunc
}

// Registry tracks open connections per user. A user may hold several.
type Registry struct {
	mu           sync.RWMutex
	clients      map[string]map[*client]struct{}
	acceptOrigin []string
}

func NewRegistry(originPatterns ...string) *Registry {
	return &Registry{
		clients:      make(map[string]map[*client]struct{}),
		acceptOrigin: originPatterns,
	}
}

// Serve upgrades r to a websocket for email and blocks until it closes.
// Clients only receive; anything they send is discarded.
func (reg *Registry) Serve(w http.ResponseWriter, r *http.Request, email string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: reg.acceptOrigin})
	if err != nil {
		slog.Debug("websocket accept failed", "email", email, "error", err)
		return
	}
	ctx := conn.CloseRead(r.Context())

	c := reg.add(ctx, email, conn)
	defer reg.remove(c)
	slog.Debug("websocket connected", "email", email)
	<-c.ctx.Done()
}

func (reg *Registry) add(ctx context.Context, email string, conn *websocket.Conn) *client {
	cctx, cancel := context.WithCancel(ctx)
	c := &client{
		email:  email,
		conn:   conn,
		send:   make(chan Event, sendBuffer),
		ctx:    cctx,
		cancel: cancel,
	}
	reg.mu.Lock()
	if reg.clients[email] == nil {
		reg.clients[email] = make(map[*client]struct{})
	}
	reg.clients[email][c] = struct{}{}
	reg.mu.Unlock()

	go c.writeLoop()
	return c
}

func (reg *Registry) remove(c *client) {
	c.cancel()
	reg.mu.Lock()
	if set, ok := reg.clients[c.email]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(reg.clients, c.email)
		}
	}
	reg.mu.Unlock()
	c.conn.Close(websocket.StatusNormalClosure, "bye") //nolint:errcheck
	slog.Debug("websocket disconnected", "email", c.email)
}

// Broadcast queues an actions event for every connection of emails. A
// connection whose buffer is full misses the event.
func (reg *Registry) Broadcast(emails []string, convKey string, actions []types.Action) {
	ev := Event{Type: "actions", Conv: convKey, Actions: actions}
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, e := range emails {
		for c := range reg.clients[e] {
			select {
			case c.send <- ev:
			default:
				slog.Warn("websocket buffer full, dropping event", "email", e, "conv", convKey)
			}
		}
	}
}

// Connections returns the number of open connections for email.
func (reg *Registry) Connections(email string) int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.clients[email])
}

func (c *client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := wsjson.Write(ctx, c.conn, ev)
			cancel()
			if err != nil {
				slog.Debug("websocket write failed", "email", c.email, "error", err)
				c.cancel()
				return
			}
		case <-ping.C:
			ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
			c.conn.Ping(ctx) //nolint:errcheck
			cancel()
		}
	}
}

var _ types.Broadcaster = (*Registry)(nil)
