package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loykin/kerneld/internal/daemon"
	"github.com/loykin/kerneld/internal/pubsub"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Client is one websocket connection of an authenticated user.
type Client struct {
	ID   string
	who  daemon.Requester
	conn *websocket.Conn
	hub  *Hub
	log  *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
	subs   map[string]*pubsub.Subscription
}

func newClient(id string, who daemon.Requester, conn *websocket.Conn, hub *Hub) *Client {
	return &Client{
		ID:   id,
		who:  who,
		conn: conn,
		hub:  hub,
		log:  hub.logger.With("client_id", id, "user_id", who.UserID),
		send: make(chan []byte, sendBuffer),
		subs: make(map[string]*pubsub.Subscription),
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.dropSubscriptions()
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", "error", err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(TypeError, "", errorPayload{Code: CodeBadRequest, Message: "invalid message format"})
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Client) handle(ctx context.Context, msg Message) {
	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		var p chatPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.ChatID == "" {
			c.fail(msg, CodeBadRequest, "chat_id is required")
			return
		}
		if msg.Type == TypeSubscribe {
			if err := c.subscribe(p.ChatID); err != nil {
				c.fail(msg, CodeInternal, err.Error())
				return
			}
		} else {
			c.unsubscribe(p.ChatID)
		}
		c.reply(TypeAck, msg.ID, ackPayload{Action: msg.Type, ChatID: p.ChatID})

	case TypeStop:
		var p stopPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.DaemonID == "" {
			c.fail(msg, CodeBadRequest, "daemon_id is required")
			return
		}
		if err := c.hub.ctrl.Stop(ctx, p.DaemonID, c.who); err != nil {
			c.log.Info("stop over websocket failed", "daemon_id", p.DaemonID, "error", err)
			c.fail(msg, errorCode(err), err.Error())
			return
		}
		c.reply(TypeAck, msg.ID, ackPayload{Action: msg.Type, DaemonID: p.DaemonID})

	default:
		c.fail(msg, CodeUnsupported, "unsupported message type "+msg.Type)
	}
}

// subscribe forwards the chat's events to this connection. Subscribing
// twice to the same chat is a no-op.
func (c *Client) subscribe(chatID string) error {
	c.mu.Lock()
	if _, ok := c.subs[chatID]; ok || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sub, err := c.hub.src.Subscribe(chatID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if _, ok := c.subs[chatID]; ok || c.closed {
		c.mu.Unlock()
		sub.Close()
		return nil
	}
	c.subs[chatID] = sub
	c.mu.Unlock()

	go func() {
		for ev := range sub.C() {
			data, err := json.Marshal(ev)
			if err != nil {
				c.log.Warn("event encode failed", "type", ev.Type, "error", err)
				continue
			}
			c.enqueue(data)
		}
	}()
	return nil
}

func (c *Client) unsubscribe(chatID string) {
	c.mu.Lock()
	sub := c.subs[chatID]
	delete(c.subs, chatID)
	c.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (c *Client) dropSubscriptions() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*pubsub.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func (c *Client) fail(msg Message, code, text string) {
	c.reply(TypeError, msg.ID, errorPayload{Action: msg.Type, Code: code, Message: text})
}

func (c *Client) reply(typ, id string, payload any) {
	data, err := newMessage(typ, id, payload)
	if err != nil {
		c.log.Warn("reply encode failed", "type", typ, "error", err)
		return
	}
	c.enqueue(data)
}

// enqueue never blocks; a slow client loses messages rather than stalling
// the chat's other observers.
func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("client send buffer full")
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
