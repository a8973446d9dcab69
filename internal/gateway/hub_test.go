package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/kerneld/internal/daemon"
	"github.com/loykin/kerneld/internal/pubsub"
)

type fakeController struct {
	mu       sync.Mutex
	stops    []string
	who      []daemon.Requester
	cleanups []string
	stopErr  error
}

func (f *fakeController) Stop(_ context.Context, id string, who daemon.Requester) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, id)
	f.who = append(f.who, who)
	return f.stopErr
}

func (f *fakeController) CleanupForOwner(_ context.Context, owner string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, owner)
	return 1
}

func (f *fakeController) cleaned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleanups...)
}

type gatewayFixture struct {
	hub    *Hub
	ctrl   *fakeController
	broker *pubsub.Broker
	srv    *httptest.Server
}

func newGatewayFixture(t *testing.T, grace time.Duration) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{ctrl: &fakeController{}, broker: pubsub.NewBroker(16, nil)}
	f.hub = NewHub(Options{
		Controller:      f.ctrl,
		Source:          f.broker,
		DisconnectGrace: grace,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who := daemon.Requester{UserID: r.URL.Query().Get("user"), Admin: r.URL.Query().Get("admin") == "1"}
		f.hub.ServeWS(w, r, who)
	}))
	t.Cleanup(func() {
		f.hub.Close()
		f.srv.Close()
		f.broker.Close()
	})
	return f
}

func (f *gatewayFixture) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/?user=" + user
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Eventually(t, func() bool { return f.hub.Clients() > 0 }, time.Second, 5*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ, id string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Message{Type: typ, ID: id, Data: raw}))
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestGateway_SubscribeReceivesChatEvents(t *testing.T) {
	f := newGatewayFixture(t, 0)
	conn := f.dial(t, "u1")
	defer conn.Close()

	send(t, conn, TypeSubscribe, "1", chatPayload{ChatID: "chat-1"})
	ack := read(t, conn)
	require.Equal(t, TypeAck, ack.Type)
	assert.Equal(t, "1", ack.ID)
	require.Eventually(t, func() bool { return f.broker.Subscribers("chat-1") == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, f.broker.Publish(ctx, "chat-2", pubsub.Event{Type: "daemon:output", Data: "ignored"}))
	require.NoError(t, f.broker.Publish(ctx, "chat-1", pubsub.Event{Type: "daemon:output", Data: map[string]string{"content": "a"}}))
	require.NoError(t, f.broker.Publish(ctx, "chat-1", pubsub.Event{Type: "daemon:status", Data: map[string]string{"status": "completed"}}))

	first := read(t, conn)
	assert.Equal(t, "daemon:output", first.Type)
	assert.JSONEq(t, `{"content":"a"}`, string(first.Data))
	second := read(t, conn)
	assert.Equal(t, "daemon:status", second.Type)

	send(t, conn, TypeUnsubscribe, "2", chatPayload{ChatID: "chat-1"})
	assert.Equal(t, TypeAck, read(t, conn).Type)
	assert.Eventually(t, func() bool { return f.broker.Subscribers("chat-1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestGateway_StopUsesConnectionIdentity(t *testing.T) {
	f := newGatewayFixture(t, 0)
	conn := f.dial(t, "u1")
	defer conn.Close()

	send(t, conn, TypeStop, "s1", stopPayload{DaemonID: "d-1"})
	ack := read(t, conn)
	require.Equal(t, TypeAck, ack.Type)
	var p ackPayload
	require.NoError(t, json.Unmarshal(ack.Data, &p))
	assert.Equal(t, "d-1", p.DaemonID)

	f.ctrl.mu.Lock()
	assert.Equal(t, []string{"d-1"}, f.ctrl.stops)
	assert.Equal(t, daemon.Requester{UserID: "u1"}, f.ctrl.who[0])
	f.ctrl.stopErr = daemon.ErrForbidden
	f.ctrl.mu.Unlock()

	send(t, conn, TypeStop, "s2", stopPayload{DaemonID: "d-2"})
	failed := read(t, conn)
	require.Equal(t, TypeError, failed.Type)
	var e errorPayload
	require.NoError(t, json.Unmarshal(failed.Data, &e))
	assert.Equal(t, CodeForbidden, e.Code)
	assert.Equal(t, TypeStop, e.Action)
}

func TestGateway_BadMessages(t *testing.T) {
	f := newGatewayFixture(t, 0)
	conn := f.dial(t, "u1")
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, TypeError, read(t, conn).Type)

	send(t, conn, TypeStop, "x", map[string]string{})
	var e errorPayload
	require.NoError(t, json.Unmarshal(read(t, conn).Data, &e))
	assert.Equal(t, CodeBadRequest, e.Code)

	send(t, conn, "daemon:launch", "y", map[string]string{})
	require.NoError(t, json.Unmarshal(read(t, conn).Data, &e))
	assert.Equal(t, CodeUnsupported, e.Code)
}

func TestGateway_CleanupAfterLastConnectionCloses(t *testing.T) {
	f := newGatewayFixture(t, 0)
	a := f.dial(t, "u1")
	b := f.dial(t, "u1")
	require.Eventually(t, func() bool { return f.hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.ctrl.cleaned(), "an open connection keeps the user's daemons alive")

	require.NoError(t, b.Close())
	assert.Eventually(t, func() bool { return len(f.ctrl.cleaned()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"u1"}, f.ctrl.cleaned())
}

func TestGateway_ReconnectWithinGraceCancelsCleanup(t *testing.T) {
	f := newGatewayFixture(t, 300*time.Millisecond)
	a := f.dial(t, "u1")
	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return f.hub.Clients() == 0 }, time.Second, 5*time.Millisecond)

	b := f.dial(t, "u1")
	defer b.Close()
	time.Sleep(500 * time.Millisecond)
	assert.Empty(t, f.ctrl.cleaned())

	c := f.dial(t, "u2")
	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return len(f.ctrl.cleaned()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"u2"}, f.ctrl.cleaned())
}

func TestGateway_RejectsAnonymous(t *testing.T) {
	f := newGatewayFixture(t, 0)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_CloseSkipsCleanup(t *testing.T) {
	f := newGatewayFixture(t, 0)
	conn := f.dial(t, "u1")
	defer conn.Close()
	f.hub.Close()
	require.Eventually(t, func() bool { return f.hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.ctrl.cleaned())
}
