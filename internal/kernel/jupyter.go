package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	jupyterProtocolVersion = "5.3"
	defaultRequestTimeout  = 30 * time.Second
	eventBuffer            = 64
)

// JupyterConfig points at a Jupyter server. Token takes precedence over
// Password when both are set.
type JupyterConfig struct {
	URL            string
	Token          string
	Password       string
	RequestTimeout time.Duration
}

// Jupyter launches kernels on a Jupyter server through its REST API and
// drives them over the kernel channels websocket.
type Jupyter struct {
	cfg    JupyterConfig
	base   *url.URL
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewJupyter validates cfg and returns a backend.
func NewJupyter(cfg JupyterConfig, logger *slog.Logger) (*Jupyter, error) {
	if cfg.URL == "" {
		return nil, errors.New("jupyter url is required")
	}
	raw := cfg.URL
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse jupyter url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported jupyter url scheme %q", u.Scheme)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Jupyter{
		cfg:    cfg,
		base:   u,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.RequestTimeout, Proxy: http.ProxyFromEnvironment},
		logger: logger.With("engine", "jupyter"),
	}, nil
}

func (j *Jupyter) Engine() string { return "jupyter" }

func (j *Jupyter) PersistentKernels() bool { return true }

// Launch authenticates a fresh HTTP session and starts a kernel.
func (j *Jupyter) Launch(ctx context.Context) (Handle, error) {
	jar, _ := cookiejar.New(nil)
	k := &jupyterKernel{
		backend: j,
		client:  &http.Client{Timeout: j.cfg.RequestTimeout, Jar: jar},
		header:  http.Header{},
	}
	if j.cfg.Password != "" && j.cfg.Token == "" {
		if err := k.login(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := k.do(ctx, http.MethodPost, "api/kernels", nil)
	if err != nil {
		return nil, fmt.Errorf("create kernel: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode kernel: %w", err)
	}
	if body.ID == "" {
		return nil, errors.New("create kernel: empty kernel id")
	}
	k.id = body.ID
	j.logger.Debug("kernel created", "kernel_id", k.id)
	return k, nil
}

type jupyterKernel struct {
	backend *Jupyter
	id      string
	client  *http.Client
	header  http.Header

	mu        sync.Mutex
	conn      *websocket.Conn
	execution *jupyterExecution
	closed    bool
}

func (k *jupyterKernel) ID() string { return k.id }

func (k *jupyterKernel) endpoint(path string) string {
	u := k.backend.base.ResolveReference(&url.URL{Path: path})
	if k.backend.cfg.Token != "" {
		q := u.Query()
		q.Set("token", k.backend.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (k *jupyterKernel) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, k.endpoint(path), body)
	if err != nil {
		return nil, err
	}
	for key, vals := range k.header {
		req.Header[key] = vals
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	return resp, nil
}

// login performs the Jupyter password flow: fetch the _xsrf cookie, then post
// the password form with it. The session cookies and X-XSRFToken header are
// reused for every later request and the websocket handshake.
func (k *jupyterKernel) login(ctx context.Context) error {
	k.client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	defer func() { k.client.CheckRedirect = nil }()

	resp, err := k.do(ctx, http.MethodGet, "login", nil)
	if err != nil {
		return fmt.Errorf("jupyter login: %w", err)
	}
	_ = resp.Body.Close()
	var xsrf string
	for _, c := range k.client.Jar.Cookies(resp.Request.URL) {
		if c.Name == "_xsrf" {
			xsrf = c.Value
		}
	}
	if xsrf == "" {
		return errors.New("jupyter login: _xsrf token not found")
	}
	k.header.Set("X-XSRFToken", xsrf)

	form := url.Values{"_xsrf": {xsrf}, "password": {k.backend.cfg.Password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.endpoint("login"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-XSRFToken", xsrf)
	resp, err = k.client.Do(req)
	if err != nil {
		return fmt.Errorf("jupyter login: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("jupyter login: %s", resp.Status)
	}
	return nil
}

func (k *jupyterKernel) channelsURL() string {
	u, _ := url.Parse(k.endpoint("api/kernels/" + k.id + "/channels"))
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

// Execute opens the kernel channels and submits code as an execute_request.
func (k *jupyterKernel) Execute(ctx context.Context, code string) (Execution, error) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, ErrClosed
	}
	if k.execution != nil {
		k.mu.Unlock()
		return nil, errors.New("kernel already executing")
	}
	k.mu.Unlock()

	hdr := k.header.Clone()
	if cookies := k.client.Jar.Cookies(k.backend.base); len(cookies) > 0 {
		parts := make([]string, 0, len(cookies))
		for _, c := range cookies {
			parts = append(parts, c.Name+"="+c.Value)
		}
		hdr.Set("Cookie", strings.Join(parts, "; "))
	}
	conn, resp, err := k.backend.dialer.DialContext(ctx, k.channelsURL(), hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("connect kernel channels: %w", err)
	}

	msgID := strings.ReplaceAll(uuid.NewString(), "-", "")
	req := newExecuteRequest(msgID, code)
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send execute_request: %w", err)
	}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	ex := &jupyterExecution{events: make(chan Event, eventBuffer), stop: make(chan struct{})}
	k.conn = conn
	k.execution = ex
	k.mu.Unlock()

	go ex.read(conn, msgID, k.backend.logger.With("kernel_id", k.id))
	go func() {
		// closing the socket unblocks a reader parked in ReadJSON
		<-ex.finished()
		_ = conn.Close()
	}()
	return ex, nil
}

// Interrupt asks the kernel to abort the running cell.
func (k *jupyterKernel) Interrupt(ctx context.Context) error {
	resp, err := k.do(ctx, http.MethodPost, "api/kernels/"+k.id+"/interrupt", nil)
	if err != nil {
		return fmt.Errorf("interrupt kernel %s: %w", k.id, err)
	}
	_ = resp.Body.Close()
	return nil
}

// Shutdown closes the channels and deletes the kernel. Later calls are no-ops.
func (k *jupyterKernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	conn := k.conn
	ex := k.execution
	k.conn = nil
	k.mu.Unlock()

	if ex != nil {
		ex.abandon()
	}
	if conn != nil {
		_ = conn.Close()
	}
	resp, err := k.do(ctx, http.MethodDelete, "api/kernels/"+k.id, nil)
	if err != nil {
		return fmt.Errorf("delete kernel %s: %w", k.id, err)
	}
	_ = resp.Body.Close()
	k.backend.logger.Debug("kernel deleted", "kernel_id", k.id)
	return nil
}

type messageHeader struct {
	MsgID    string `json:"msg_id"`
	MsgType  string `json:"msg_type"`
	Username string `json:"username,omitempty"`
	Session  string `json:"session,omitempty"`
	Date     string `json:"date,omitempty"`
	Version  string `json:"version,omitempty"`
}

type message struct {
	Header       messageHeader   `json:"header"`
	ParentHeader messageHeader   `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Channel      string          `json:"channel,omitempty"`
	MsgType      string          `json:"msg_type,omitempty"`
}

func (m message) kind() string {
	if m.MsgType != "" {
		return m.MsgType
	}
	return m.Header.MsgType
}

func newExecuteRequest(msgID, code string) message {
	content, _ := json.Marshal(map[string]any{
		"code":             code,
		"silent":           false,
		"store_history":    true,
		"user_expressions": map[string]any{},
		"allow_stdin":      false,
		"stop_on_error":    true,
	})
	return message{
		Header: messageHeader{
			MsgID:    msgID,
			MsgType:  "execute_request",
			Username: "kerneld",
			Session:  strings.ReplaceAll(uuid.NewString(), "-", ""),
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			Version:  jupyterProtocolVersion,
		},
		Metadata: map[string]any{},
		Content:  content,
		Channel:  "shell",
	}
}

type jupyterExecution struct {
	events chan Event
	stop   chan struct{}
	once   sync.Once
	err    error
}

func (e *jupyterExecution) Events() <-chan Event { return e.events }

func (e *jupyterExecution) Err() error { return e.err }

func (e *jupyterExecution) abandon() { e.once.Do(func() { close(e.stop) }) }

func (e *jupyterExecution) finished() <-chan struct{} { return e.stop }

func (e *jupyterExecution) emit(ev Event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.stop:
		return false
	}
}

// read translates kernel messages addressed to msgID into events until the
// kernel goes idle, reports an error, or the connection drops.
func (e *jupyterExecution) read(conn *websocket.Conn, msgID string, log *slog.Logger) {
	defer func() {
		close(e.events)
		e.abandon()
	}()
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-e.stop:
			default:
				e.err = fmt.Errorf("kernel connection lost: %w", err)
			}
			return
		}
		if msg.ParentHeader.MsgID != msgID {
			continue
		}
		switch msg.kind() {
		case "stream":
			var c struct {
				Name string `json:"name"`
				Text string `json:"text"`
			}
			if json.Unmarshal(msg.Content, &c) != nil || c.Text == "" {
				continue
			}
			stream := StreamStdout
			if c.Name == "stderr" {
				stream = StreamStderr
			}
			if !e.emit(Event{Stream: stream, Text: c.Text}) {
				return
			}
		case "execute_result", "display_data":
			var c struct {
				Data map[string]any `json:"data"`
			}
			if json.Unmarshal(msg.Content, &c) != nil {
				continue
			}
			text, ok := c.Data["text/plain"].(string)
			if !ok {
				continue
			}
			if !e.emit(Event{Stream: StreamStdout, Text: text}) {
				return
			}
		case "error":
			var c struct {
				Ename     string   `json:"ename"`
				Evalue    string   `json:"evalue"`
				Traceback []string `json:"traceback"`
			}
			_ = json.Unmarshal(msg.Content, &c)
			text := strings.Join(c.Traceback, "\n")
			if text == "" {
				text = c.Ename + ": " + c.Evalue
			}
			e.emit(Event{Stream: StreamError, Text: text})
			return
		case "status":
			var c struct {
				ExecutionState string `json:"execution_state"`
			}
			if json.Unmarshal(msg.Content, &c) == nil && c.ExecutionState == "idle" {
				return
			}
		default:
			log.Debug("ignoring kernel message", "msg_type", msg.kind())
		}
	}
}
