package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/kerneld/internal/auth"
	"github.com/loykin/kerneld/internal/daemon"
	"github.com/loykin/kerneld/internal/gateway"
)

// Service is the daemon manager as seen by the REST surface.
type Service interface {
	Start(ctx context.Context, req daemon.StartRequest) (string, error)
	Stop(ctx context.Context, id string, who daemon.Requester) error
	StopAllForChat(ctx context.Context, chatID string, who daemon.Requester) (int, error)
	List(who daemon.Requester, chatID string) []daemon.View
	Get(id string, who daemon.Requester) (daemon.View, error)
	CanRunDaemons() bool
	Engine() string
}

// Router provides embeddable HTTP handlers for managing daemons.
// Endpoints (relative to basePath):
//
//	GET  /healthz
//	GET  /capabilities
//	GET  /daemons?chat_id=...
//	POST /daemons                     body: {chat_id, message_id, code, session_id}
//	GET  /daemons/:id
//	POST /daemons/:id/stop
//	POST /daemons/chat/:chat_id/stop
//	GET  {websocket path}             when a gateway is attached
//	GET  /metrics                     when a metrics handler is attached
//
// Everything but /healthz and /metrics requires the forwarded identity headers.
type Router struct {
	svc      Service
	basePath string
	auth     *auth.Middleware
	hub      *gateway.Hub
	wsPath   string
	metrics  http.Handler
	logger   *slog.Logger
	// writeTimeout raises the server write deadline for slow stops.
	writeTimeout time.Duration
}

type Option func(*Router)

// WithAuth replaces the default identity middleware.
func WithAuth(m *auth.Middleware) Option { return func(r *Router) { r.auth = m } }

// WithGateway mounts the websocket gateway at path.
func WithGateway(path string, hub *gateway.Hub) Option {
	return func(r *Router) { r.wsPath, r.hub = path, hub }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option { return func(r *Router) { r.metrics = h } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// WithWriteTimeout sets the write deadline NewServer uses when it exceeds the
// default. A stop may hold its response for a whole kernel teardown.
func WithWriteTimeout(d time.Duration) Option { return func(r *Router) { r.writeTimeout = d } }

const defaultWriteTimeout = 15 * time.Second

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api/v1" results in /api/v1/daemons and so on.
func NewRouter(svc Service, basePath string, opts ...Option) *Router {
	r := &Router{svc: svc, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	if r.auth == nil {
		r.auth = auth.NewMiddleware(auth.Config{})
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}

	authed := group.Group("", r.auth.GinAuth())
	authed.GET("/capabilities", r.handleCapabilities)
	authed.GET("/daemons", r.handleList)
	authed.POST("/daemons", r.handleStart)
	authed.GET("/daemons/:id", r.handleGet)
	authed.POST("/daemons/:id/stop", r.handleStop)
	authed.POST("/daemons/chat/:chat_id/stop", r.handleStopChat)
	if r.hub != nil && r.wsPath != "" {
		authed.GET(sanitizeBase(r.wsPath), r.handleWebsocket)
	}
	return g
}

// NewServer listens on addr and serves the router in the background. Listen
// errors are returned synchronously; call Shutdown on the result to stop it.
func NewServer(addr string, r *Router) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	writeTimeout := max(defaultWriteTimeout, r.writeTimeout)
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server stopped", "addr", server.Addr, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type startReq struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Code      string `json:"code"`
	SessionID string `json:"session_id,omitempty"`
}

type startResp struct {
	DaemonID string `json:"daemon_id"`
}

type stopResp struct {
	DaemonID string       `json:"daemon_id"`
	Status   daemon.State `json:"status"`
	Reason   string       `json:"reason,omitempty"`
}

type stopChatResp struct {
	Count  int      `json:"count"`
	Errors []string `json:"errors,omitempty"`
}

type capabilitiesResp struct {
	Daemons bool   `json:"daemons"`
	Engine  string `json:"engine"`
}

func requester(c *gin.Context) daemon.Requester {
	id, _ := auth.FromGin(c)
	return daemon.Requester{UserID: id.UserID, Admin: id.Admin}
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) handleCapabilities(c *gin.Context) {
	writeJSON(c, http.StatusOK, capabilitiesResp{Daemons: r.svc.CanRunDaemons(), Engine: r.svc.Engine()})
}

func (r *Router) handleList(c *gin.Context) {
	chatID := c.Query("chat_id")
	if chatID != "" && !isSafeID(chatID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid chat_id"})
		return
	}
	writeJSON(c, http.StatusOK, r.svc.List(requester(c), chatID))
}

func (r *Router) handleStart(c *gin.Context) {
	var body startReq
	if err := c.ShouldBindJSON(&body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeID(body.ChatID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "chat_id required: allowed [A-Za-z0-9_-]"})
		return
	}
	if body.SessionID != "" && !isSafeID(body.SessionID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid session_id"})
		return
	}
	who := requester(c)
	id, err := r.svc.Start(c.Request.Context(), daemon.StartRequest{
		OwnerID:   who.UserID,
		ChatID:    body.ChatID,
		MessageID: body.MessageID,
		Code:      body.Code,
		SessionID: body.SessionID,
	})
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			r.logger.Error("daemon start failed", "user_id", who.UserID, "chat_id", body.ChatID, "error", err)
		}
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, startResp{DaemonID: id})
}

func (r *Router) handleGet(c *gin.Context) {
	v, err := r.svc.Get(c.Param("id"), requester(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, v)
}

// handleStop reports the daemon's final status. A teardown fault still ends
// the daemon, so it is a 200 with status error.
func (r *Router) handleStop(c *gin.Context) {
	id := c.Param("id")
	who := requester(c)
	err := r.svc.Stop(c.Request.Context(), id, who)
	var fault *daemon.TeardownFault
	if err != nil && !errors.As(err, &fault) {
		writeError(c, err)
		return
	}
	if fault != nil {
		r.logger.Error("daemon teardown failed", "daemon_id", id, "error", fault)
	}
	resp := stopResp{DaemonID: id, Status: daemon.StateStopped}
	if v, gerr := r.svc.Get(id, who); gerr == nil {
		resp.Status, resp.Reason = v.Status, v.Reason
	} else if fault != nil {
		resp.Status, resp.Reason = daemon.StateError, fault.Error()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleStopChat(c *gin.Context) {
	chatID := c.Param("chat_id")
	if !isSafeID(chatID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid chat_id"})
		return
	}
	n, err := r.svc.StopAllForChat(c.Request.Context(), chatID, requester(c))
	if err != nil {
		r.logger.Warn("stop chat daemons incomplete", "chat_id", chatID, "error", err)
	}
	writeJSON(c, http.StatusOK, stopChatResp{Count: n, Errors: flatten(err)})
}

func (r *Router) handleWebsocket(c *gin.Context) {
	r.hub.ServeWS(c.Writer, c.Request, requester(c))
}
