// Package kerneld runs background code-execution daemons for a chat
// application. A Service owns the daemon manager and the surfaces built on
// it: the REST router, the realtime websocket gateway and the event fan-out.
package kerneld

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/kerneld/internal/auth"
	"github.com/loykin/kerneld/internal/config"
	"github.com/loykin/kerneld/internal/daemon"
	"github.com/loykin/kerneld/internal/gateway"
	"github.com/loykin/kerneld/internal/history"
	"github.com/loykin/kerneld/internal/history/factory"
	"github.com/loykin/kerneld/internal/kernel"
	"github.com/loykin/kerneld/internal/logger"
	"github.com/loykin/kerneld/internal/metrics"
	"github.com/loykin/kerneld/internal/pubsub"
	"github.com/loykin/kerneld/internal/server"
	"github.com/loykin/kerneld/internal/session"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type StartRequest = daemon.StartRequest

type Requester = daemon.Requester

type View = daemon.View

type State = daemon.State

type Session = session.Session

type Event = pubsub.Event

type Subscription = pubsub.Subscription

type OutputEvent = daemon.OutputEvent

type HistorySink = history.Sink

type HistoryEvent = history.Event

type StatusEvent = daemon.StatusEvent

// Backend and its handle types let embedders plug in their own engine.
type (
	Backend      = kernel.Backend
	KernelHandle = kernel.Handle
	Execution    = kernel.Execution
	KernelEvent  = kernel.Event
)

var (
	ErrUnsupportedEngine = daemon.ErrUnsupportedEngine
	ErrLimitExceeded     = daemon.ErrLimitExceeded
	ErrNotFound          = daemon.ErrNotFound
	ErrForbidden         = daemon.ErrForbidden
)

// LoadConfig reads a TOML file (optional) plus KERNELD_* environment overrides.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

type options struct {
	backend    kernel.Backend
	logWriter  io.Writer
	maxRuntime func() time.Duration
	sink       history.Sink
	listen     string
}

type Option func(*options)

// WithBackend replaces the backend selected by kernel.engine.
func WithBackend(b Backend) Option { return func(o *options) { o.backend = b } }

// WithLogWriter sends service logs to w instead of stderr.
func WithLogWriter(w io.Writer) Option { return func(o *options) { o.logWriter = w } }

// WithMaxRuntime supplies the per-start runtime budget, overriding daemon.max_runtime.
func WithMaxRuntime(f func() time.Duration) Option { return func(o *options) { o.maxRuntime = f } }

// WithListen overrides server.listen.
func WithListen(addr string) Option { return func(o *options) { o.listen = addr } }

// WithHistorySink adds a lifecycle history destination next to history.dsns.
func WithHistorySink(s HistorySink) Option { return func(o *options) { o.sink = s } }

// Service is a fully wired daemon engine.
type Service struct {
	cfg    Config
	logger *slog.Logger

	logCloser io.Closer
	loader    *config.Loader
	mgr       *daemon.Manager
	broker    *pubsub.Broker
	nats      *pubsub.NATSPublisher
	hist      history.Multi
	sessions  *session.Registry
	hub       *gateway.Hub
	router    *server.Router

	mu         sync.Mutex
	srv        *http.Server
	metricsSrv *http.Server
	stopOnce   sync.Once
	stopErr    error
}

// Open loads path, builds a Service and reloads daemon.max_runtime whenever
// the file changes. Daemons already running keep their budget.
func Open(path string, opts ...Option) (*Service, error) {
	boot := slog.Default()
	loader, err := config.NewLoader(path, boot)
	if err != nil {
		return nil, err
	}
	svc, err := New(loader.Config(), append([]Option{WithMaxRuntime(loader.MaxRuntime)}, opts...)...)
	if err != nil {
		return nil, err
	}
	svc.loader = loader
	loader.Watch(func(c Config) {
		svc.logger.Info("max runtime for new daemons", "seconds", c.Daemon.MaxRuntime)
	})
	return svc, nil
}

// New wires every component from cfg. Nothing listens until Serve.
func New(cfg Config, opts ...Option) (*Service, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.listen != "" {
		cfg.Server.Listen = o.listen
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log, logCloser := logger.New(cfg.Log, o.logWriter)
	s := &Service{cfg: cfg, logger: log, logCloser: logCloser}
	ok := false
	defer func() {
		if !ok {
			s.release()
		}
	}()

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	backend := o.backend
	if backend == nil {
		b, err := newBackend(cfg.Kernel, log)
		if err != nil {
			return nil, err
		}
		backend = b
	}

	s.broker = pubsub.NewBroker(cfg.Events.Buffer, log)
	var pub pubsub.Publisher = s.broker
	if cfg.Events.NATSURL != "" {
		np, err := pubsub.NewNATSPublisher(pubsub.NATSConfig{
			URL:           cfg.Events.NATSURL,
			ClientName:    cfg.Events.ClientName,
			SubjectPrefix: cfg.Events.SubjectPrefix,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		s.nats = np
		pub = pubsub.Fanout{s.broker, np}
	}

	hist, err := factory.NewSinksFromDSNs(cfg.History.DSNs)
	if err != nil {
		return nil, err
	}
	if o.sink != nil {
		hist = append(hist, o.sink)
	}
	s.hist = hist
	var sink history.Sink
	if len(hist) > 0 {
		sink = hist
	}

	var transcripts daemon.TranscriptFunc
	if cfg.Daemon.TranscriptDir != "" {
		fc := cfg.Log.File
		fc.Path, fc.StdoutPath, fc.StderrPath = "", "", ""
		fc.Dir = cfg.Daemon.TranscriptDir
		transcripts = fc.Writers
	}

	maxRuntime := o.maxRuntime
	if maxRuntime == nil {
		d := cfg.Daemon.MaxRuntimeDuration()
		maxRuntime = func() time.Duration { return d }
	}

	s.sessions = session.NewRegistry(log)
	s.mgr, err = daemon.NewManager(daemon.Options{
		Backend:         backend,
		Publisher:       pub,
		History:         sink,
		Sessions:        s.sessions,
		Transcripts:     transcripts,
		MaxPerUser:      cfg.Daemon.MaxPerUser,
		MaxRuntime:      maxRuntime,
		TeardownTimeout: cfg.Daemon.TeardownTimeout,
		RetainTerminal:  cfg.Daemon.RetainTerminal,
		Logger:          log.With("component", "daemon"),
	})
	if err != nil {
		return nil, err
	}

	routerOpts := []server.Option{
		server.WithLogger(log),
		server.WithWriteTimeout(cfg.Daemon.TeardownTimeout + 5*time.Second),
		server.WithAuth(auth.NewMiddleware(auth.Config{
			AdminRole: cfg.Server.AdminRole,
			JWTSecret: cfg.Server.JWTSecret,
		})),
	}
	if cfg.Server.WebsocketPath != "" {
		s.hub = gateway.NewHub(gateway.Options{
			Controller:      s.mgr,
			Source:          s.broker,
			DisconnectGrace: cfg.Daemon.DisconnectGrace,
			Logger:          log,
		})
		routerOpts = append(routerOpts, server.WithGateway(cfg.Server.WebsocketPath, s.hub))
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		routerOpts = append(routerOpts, server.WithMetrics(metrics.Handler()))
	}
	s.router = server.NewRouter(s.mgr, cfg.Server.BasePath, routerOpts...)
	// embedded hosts never call Serve; eviction must not depend on it
	s.mgr.StartReaper(cfg.Daemon.ReapInterval)

	ok = true
	log.Info("kerneld configured",
		"engine", backend.Engine(),
		"daemons", backend.PersistentKernels(),
		"max_per_user", cfg.Daemon.MaxPerUser,
		"history_sinks", len(hist),
		"nats", s.nats != nil)
	return s, nil
}

func newBackend(kc config.KernelConfig, log *slog.Logger) (kernel.Backend, error) {
	if kc.Engine == "jupyter" {
		j, err := kernel.NewJupyter(kernel.JupyterConfig{
			URL:            kc.URL,
			Token:          kc.Token,
			Password:       kc.Password,
			RequestTimeout: kc.RequestTimeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("jupyter backend: %w", err)
		}
		return j, nil
	}
	return kernel.Sandboxed{Name: kc.Engine}, nil
}

// Config returns the active configuration. Under Open it follows file reloads.
func (s *Service) Config() Config {
	if s.loader != nil {
		return s.loader.Config()
	}
	return s.cfg
}

func (s *Service) Logger() *slog.Logger { return s.logger }

func (s *Service) Start(ctx context.Context, req StartRequest) (string, error) {
	return s.mgr.Start(ctx, req)
}

func (s *Service) Stop(ctx context.Context, id string, who Requester) error {
	return s.mgr.Stop(ctx, id, who)
}

func (s *Service) StopAllForChat(ctx context.Context, chatID string, who Requester) (int, error) {
	return s.mgr.StopAllForChat(ctx, chatID, who)
}

func (s *Service) CleanupForOwner(ctx context.Context, owner string) int {
	return s.mgr.CleanupForOwner(ctx, owner)
}

func (s *Service) List(who Requester, chatID string) []View { return s.mgr.List(who, chatID) }

func (s *Service) Get(id string, who Requester) (View, error) { return s.mgr.Get(id, who) }

func (s *Service) CanRunDaemons() bool { return s.mgr.CanRunDaemons() }

func (s *Service) Engine() string { return s.mgr.Engine() }

// RegisterSession records a tool session so the daemon started with its id
// can drop it on teardown.
func (s *Service) RegisterSession(sess Session) error { return s.sessions.Register(sess) }

// Subscribe follows the events of one chat in-process.
func (s *Service) Subscribe(chatID string) (*Subscription, error) { return s.broker.Subscribe(chatID) }

// Handler exposes the REST API (and gateway, when configured) for mounting
// in another server.
func (s *Service) Handler() http.Handler { return s.router.Handler() }

// Serve starts the HTTP listeners and returns once they accept connections.
func (s *Service) Serve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("kerneld already serving")
	}
	srv, err := server.NewServer(s.cfg.Server.Listen, s.router)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Listen, err)
	}
	s.srv = srv
	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Listen != "" {
		ms, err := serveMetrics(s.cfg.Metrics.Listen, s.logger)
		if err != nil {
			_ = srv.Close()
			s.srv = nil
			return err
		}
		s.metricsSrv = ms
	}
	s.logger.Info("kerneld listening", "addr", srv.Addr, "base_path", s.cfg.Server.BasePath)
	return nil
}

// Addr is the bound API address, empty before Serve.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return ""
	}
	return s.srv.Addr
}

// Shutdown refuses new daemons, terminates the running ones and then closes
// the transports, so connected observers receive the final status events.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		var errs []error
		if err := s.mgr.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop daemons: %w", err))
		}
		if s.hub != nil {
			s.hub.Close()
		}
		s.mu.Lock()
		for _, srv := range []*http.Server{s.srv, s.metricsSrv} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs = append(errs, fmt.Errorf("http shutdown %s: %w", srv.Addr, err))
			}
		}
		s.mu.Unlock()
		s.logger.Info("kerneld stopped")
		if err := s.release(); err != nil {
			errs = append(errs, err)
		}
		s.stopErr = errors.Join(errs...)
	})
	return s.stopErr
}

func (s *Service) release() error {
	var errs []error
	if s.hist != nil {
		if err := s.hist.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close history: %w", err))
		}
	}
	if s.broker != nil {
		s.broker.Close()
	}
	if s.nats != nil {
		s.nats.Close()
	}
	if s.logCloser != nil {
		_ = s.logCloser.Close()
	}
	return errors.Join(errs...)
}

// serveMetrics exposes /metrics on its own listener.
func serveMetrics(addr string, log *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "addr", srv.Addr, "error", err)
		}
	}()
	return srv, nil
}

// MetricsAddr is the bound metrics address when metrics.listen is set.
func (s *Service) MetricsAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metricsSrv == nil {
		return ""
	}
	return s.metricsSrv.Addr
}
