// Package gateway is the realtime websocket surface: clients subscribe to
// chat event groups and may stop daemons. When a user's last connection
// closes, the user's daemons are cleaned up.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loykin/kerneld/internal/daemon"
	"github.com/loykin/kerneld/internal/metrics"
	"github.com/loykin/kerneld/internal/pubsub"
)

// Controller is the part of the daemon manager the gateway drives.
type Controller interface {
	Stop(ctx context.Context, id string, who daemon.Requester) error
	CleanupForOwner(ctx context.Context, owner string) int
}

// Source hands out per-chat event subscriptions.
type Source interface {
	Subscribe(group string) (*pubsub.Subscription, error)
}

// Options configures a Hub.
type Options struct {
	Controller Controller
	Source     Source
	// DisconnectGrace delays cleanup after a user's last connection closes;
	// a reconnect within the window cancels it. Zero cleans up immediately.
	DisconnectGrace time.Duration
	// CheckOrigin overrides the upgrader's same-origin policy.
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

// Hub tracks connected clients per user.
type Hub struct {
	ctrl     Controller
	src      Source
	grace    time.Duration
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.Mutex
	clients  map[*Client]struct{}
	perOwner map[string]int
	pending  map[string]*time.Timer
	closed   bool
	cleanups sync.WaitGroup
}

func NewHub(opts Options) *Hub {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		ctrl:  opts.Controller,
		src:   opts.Source,
		grace: opts.DisconnectGrace,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		logger:   log.With("component", "gateway"),
		clients:  make(map[*Client]struct{}),
		perOwner: make(map[string]int),
		pending:  make(map[string]*time.Timer),
	}
}

// ServeWS upgrades the request for an authenticated user and blocks until
// the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, who daemon.Requester) {
	if who.UserID == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := newClient(uuid.NewString(), who, conn, h)
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	h.logger.Debug("client connected", "client_id", c.ID, "user_id", who.UserID, "remote_addr", r.RemoteAddr)

	go c.writePump()
	c.readPump(r.Context())
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.perOwner[c.who.UserID]++
	if t, ok := h.pending[c.who.UserID]; ok {
		t.Stop()
		delete(h.pending, c.who.UserID)
		h.logger.Debug("pending cleanup cancelled by reconnect", "user_id", c.who.UserID)
	}
	metrics.SetConnections(len(h.clients))
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.closeSend()
	metrics.SetConnections(len(h.clients))

	owner := c.who.UserID
	h.perOwner[owner]--
	if h.perOwner[owner] > 0 {
		return
	}
	delete(h.perOwner, owner)
	if h.closed {
		return
	}
	if h.grace <= 0 {
		h.runCleanupLocked(owner)
		return
	}
	h.pending[owner] = time.AfterFunc(h.grace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, still := h.pending[owner]; !still || h.perOwner[owner] > 0 {
			return
		}
		delete(h.pending, owner)
		h.runCleanupLocked(owner)
	})
}

// runCleanupLocked stops the owner's daemons off the caller's goroutine.
func (h *Hub) runCleanupLocked(owner string) {
	if h.ctrl == nil {
		return
	}
	h.cleanups.Add(1)
	go func() {
		defer h.cleanups.Done()
		n := h.ctrl.CleanupForOwner(context.Background(), owner)
		h.logger.Info("disconnect cleanup", "user_id", owner, "stopped", n)
	}()
}

// Clients returns the number of open connections.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client without triggering cleanup and waits for
// cleanups already in flight.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for owner, t := range h.pending {
		t.Stop()
		delete(h.pending, owner)
	}
	conns := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
	h.cleanups.Wait()
}
