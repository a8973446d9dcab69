package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/kerneld/internal/history"
	"github.com/loykin/kerneld/internal/kernel"
	"github.com/loykin/kerneld/internal/metrics"
	"github.com/loykin/kerneld/internal/pubsub"
)

// Defaults applied by NewManager when the corresponding option is zero.
const (
	DefaultMaxPerUser      = 3
	DefaultMaxRuntime      = time.Hour
	DefaultTeardownTimeout = 10 * time.Second
	DefaultRetainTerminal  = 5 * time.Minute
	historyTimeout         = 2 * time.Second
)

// TranscriptFunc opens per-daemon output transcripts. Either writer may be nil.
type TranscriptFunc func(daemonID string) (stdout, stderr io.WriteCloser, err error)

// Options configures a Manager. Backend is required.
type Options struct {
	Backend   kernel.Backend
	Publisher pubsub.Publisher
	Registry  *Registry
	History   history.Sink
	Sessions  SessionRegistry

	Transcripts TranscriptFunc

	// MaxPerUser <= 0 falls back to DefaultMaxPerUser.
	MaxPerUser int
	// MaxRuntime is consulted on every start; running daemons keep the value
	// they started with.
	MaxRuntime      func() time.Duration
	TeardownTimeout time.Duration
	// RetainTerminal keeps terminal records for idempotent stops. Negative
	// removes them as soon as they end.
	RetainTerminal time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Manager starts, stops, and tracks background daemons.
type Manager struct {
	backend   kernel.Backend
	pub       pubsub.Publisher
	registry  *Registry
	hist      history.Sink
	sessions  SessionRegistry
	transcr   TranscriptFunc
	limit     int
	runtime   func() time.Duration
	teardown  time.Duration
	retain    time.Duration
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
	reapMu    sync.Mutex
	reapStop  chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	// startMu orders the closed check in Start against Shutdown so that
	// starting is never added to after Shutdown began waiting on it.
	startMu  sync.Mutex
	starting sync.WaitGroup
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Backend == nil {
		return nil, errors.New("daemon manager requires a kernel backend")
	}
	m := &Manager{
		backend:  opts.Backend,
		pub:      opts.Publisher,
		registry: opts.Registry,
		hist:     opts.History,
		sessions: opts.Sessions,
		transcr:  opts.Transcripts,
		limit:    opts.MaxPerUser,
		runtime:  opts.MaxRuntime,
		teardown: opts.TeardownTimeout,
		retain:   opts.RetainTerminal,
		logger:   opts.Logger,
		now:      opts.Now,
		newID:    uuid.NewString,
	}
	if m.registry == nil {
		m.registry = NewRegistry()
	}
	if m.limit <= 0 {
		m.limit = DefaultMaxPerUser
	}
	if m.runtime == nil {
		m.runtime = func() time.Duration { return DefaultMaxRuntime }
	}
	if m.teardown <= 0 {
		m.teardown = DefaultTeardownTimeout
	}
	if m.retain == 0 {
		m.retain = DefaultRetainTerminal
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Registry exposes the underlying registry.
func (m *Manager) Registry() *Registry { return m.registry }

// CanRunDaemons reports whether the configured engine can host daemons.
func (m *Manager) CanRunDaemons() bool { return m.backend.PersistentKernels() }

// Engine names the configured execution backend.
func (m *Manager) Engine() string { return m.backend.Engine() }

// Start launches a kernel, submits req.Code and returns the new daemon id
// without waiting for the code to finish.
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, error) {
	if !m.backend.PersistentKernels() {
		metrics.IncReject("unsupported")
		return "", ErrUnsupportedEngine
	}
	if !m.beginStart() {
		return "", errShutDown
	}
	defer m.starting.Done()
	if req.OwnerID == "" || req.ChatID == "" {
		return "", fmt.Errorf("%w: owner and chat are required", ErrInvalidRequest)
	}
	if req.Code == "" {
		return "", fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}

	res, err := m.registry.Reserve(req.OwnerID, m.limit)
	if err != nil {
		metrics.IncReject("limit")
		return "", fmt.Errorf("%w (%d)", err, m.limit)
	}
	defer res.Release()

	maxRuntime := m.runtime()
	h, err := m.backend.Launch(ctx)
	if err != nil {
		return "", fmt.Errorf("launch kernel: %w", err)
	}
	exec, err := h.Execute(ctx, req.Code)
	if err != nil {
		m.shutdownQuietly(h)
		return "", fmt.Errorf("submit code: %w", err)
	}

	rec := newRecord(m.newID(), req, m.backend.Engine(), h, maxRuntime, m.now())
	log := m.logger.With("daemon_id", rec.ID, "owner_id", rec.OwnerID, "chat_id", rec.ChatID)
	relayCtx, cancel := context.WithCancel(context.Background())
	rec.relayCancel = cancel
	rec.relay = &relay{
		rec:     rec,
		exec:    exec,
		publish: func(ev kernel.Event) { m.publishOutput(rec, string(ev.Stream), ev.Text) },
		logger:  log,
		done:    make(chan struct{}),
	}
	if m.transcr != nil {
		out, errw, err := m.transcr(rec.ID)
		if err != nil {
			log.Warn("transcript unavailable", "error", err)
		}
		rec.relay.stdout, rec.relay.stderr = out, errw
	}

	if err := m.registry.Insert(rec, res); err != nil {
		cancel()
		rec.relay.closeTranscripts()
		m.shutdownQuietly(h)
		return "", err
	}
	if m.closed.Load() {
		// Shutdown began while the kernel was launching.
		cancel()
		rec.relay.closeTranscripts()
		m.shutdownQuietly(rec.takeKernel())
		m.registry.Remove(rec.ID)
		return "", errShutDown
	}

	m.publishStatus(rec, StateRunning, "")
	rec.watchdog = StartWatchdog(maxRuntime, func() { m.expire(rec) })
	go m.run(rec)
	go rec.relay.run(relayCtx)

	metrics.IncStart(rec.Engine)
	m.record(history.EventStart, rec)
	log.Info("daemon started", "kernel_id", rec.KernelID, "max_runtime", maxRuntime)
	return rec.ID, nil
}

// Stop terminates a daemon on behalf of who. Stopping a terminal daemon is
// an idempotent success. A *TeardownFault is returned when the kernel could
// not be shut down cleanly; the daemon is terminal regardless.
func (m *Manager) Stop(ctx context.Context, id string, who Requester) error {
	rec, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if !who.CanManage(rec.OwnerID) {
		return ErrForbidden
	}
	_, err = rec.send(ctx, command{kind: cmdStop, reason: ReasonUserRequested})
	return err
}

// StopAllForChat stops every non-terminal daemon in chat that who may
// manage. Each daemon is stopped independently; failures are joined.
func (m *Manager) StopAllForChat(ctx context.Context, chatID string, who Requester) (int, error) {
	var owner string
	if !who.Admin {
		owner = who.UserID
	}
	return m.stopMatching(ctx, owner, chatID, ReasonUserRequested)
}

// CleanupForOwner stops every non-terminal daemon of owner, typically after
// the owner's last realtime connection closed.
func (m *Manager) CleanupForOwner(ctx context.Context, owner string) int {
	if owner == "" {
		return 0
	}
	n, err := m.stopMatching(ctx, owner, "", ReasonUserRequested)
	if err != nil {
		m.logger.Warn("daemon cleanup incomplete", "owner_id", owner, "error", err)
	}
	if n > 0 {
		m.logger.Info("daemons cleaned up", "owner_id", owner, "count", n)
	}
	return n
}

func (m *Manager) stopMatching(ctx context.Context, owner, chat, reason string) (int, error) {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		count int
		errs  []error
	)
	for rec := range m.registry.List(owner, chat) {
		if rec.State().Terminal() {
			continue
		}
		wg.Add(1)
		go func(rec *Record) {
			defer wg.Done()
			stopped, err := rec.send(ctx, command{kind: cmdStop, reason: reason})
			mu.Lock()
			defer mu.Unlock()
			if stopped {
				count++
			}
			if err != nil {
				errs = append(errs, err)
			}
		}(rec)
	}
	wg.Wait()
	return count, errors.Join(errs...)
}

// List returns the active daemons visible to who, optionally limited to a chat.
func (m *Manager) List(who Requester, chatID string) []View {
	owner := who.UserID
	if who.Admin {
		owner = ""
	} else if owner == "" {
		return []View{}
	}
	out := []View{}
	for rec := range m.registry.List(owner, chatID) {
		if rec.State().Active() {
			out = append(out, rec.View())
		}
	}
	return out
}

// Get returns one daemon, terminal ones included while they are retained.
func (m *Manager) Get(id string, who Requester) (View, error) {
	rec, err := m.registry.Get(id)
	if err != nil {
		return View{}, err
	}
	if !who.CanManage(rec.OwnerID) {
		return View{}, ErrForbidden
	}
	return rec.View(), nil
}

// StartReaper periodically evicts terminal records older than the retention window.
func (m *Manager) StartReaper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	m.reapMu.Lock()
	if m.reapStop != nil {
		m.reapMu.Unlock()
		return // already running
	}
	stop := make(chan struct{})
	m.reapStop = stop
	m.reapMu.Unlock()
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.ReapOnce()
			case <-stop:
				return
			}
		}
	}()
}

// ReapOnce evicts expired terminal records and returns how many were removed.
func (m *Manager) ReapOnce() int {
	n := m.registry.EvictTerminated(m.now().Add(-m.retain))
	if n > 0 {
		m.logger.Debug("terminal daemons evicted", "count", n)
	}
	return n
}

// StopReaper stops the background reaper if running.
func (m *Manager) StopReaper() {
	m.reapMu.Lock()
	ch := m.reapStop
	m.reapStop = nil
	m.reapMu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Shutdown stops the reaper, waits for in-flight starts and stops every
// non-terminal daemon. It returns when all daemons are terminal or ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.StopReaper()
	m.startMu.Lock()
	m.closed.Store(true)
	m.startMu.Unlock()
	var err error
	m.closeOnce.Do(func() {
		if err = m.waitStarts(ctx); err != nil {
			return
		}
		var n int
		n, err = m.stopMatching(ctx, "", "", ReasonShutdown)
		m.logger.Info("daemon manager shut down", "stopped", n)
	})
	return err
}

// beginStart registers an in-flight start unless the manager is closed.
func (m *Manager) beginStart() bool {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.closed.Load() {
		return false
	}
	m.starting.Add(1)
	return true
}

func (m *Manager) waitStarts(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.starting.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight starts: %w", ctx.Err())
	}
}

// expire runs on the watchdog timer goroutine and must not wait for the actor.
func (m *Manager) expire(rec *Record) {
	rec.post(command{kind: cmdTimeout, reason: ReasonTimeout})
}

func (m *Manager) shutdownQuietly(h kernel.Handle) {
	if err := callBounded(m.teardown, h.Shutdown); err != nil {
		metrics.IncTeardownFailure()
		m.logger.Warn("kernel shutdown failed", "kernel_id", h.ID(), "error", err)
	}
}

// callBounded runs fn with a deadline and returns even if fn ignores its context.
func callBounded(timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return callWithin(ctx, fn)
}

func callWithin(ctx context.Context, fn func(context.Context) error) error {
	errc := make(chan error, 1)
	go func() { errc <- fn(ctx) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) record(typ history.EventType, rec *Record) {
	if m.hist == nil {
		return
	}
	v := rec.View()
	ev := history.Event{
		Type:       typ,
		OccurredAt: m.now().UTC(),
		Record: history.Record{
			DaemonID:  v.DaemonID,
			OwnerID:   v.OwnerID,
			ChatID:    v.ChatID,
			MessageID: v.MessageID,
			KernelID:  v.KernelID,
			Engine:    v.Engine,
			State:     string(v.Status),
			Reason:    v.Reason,
			StartedAt: v.StartedAt,
			EndedAt:   v.EndedAt,
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := m.hist.Send(ctx, ev); err != nil {
		m.logger.Warn("history sink failed", "daemon_id", rec.ID, "event", typ, "error", err)
	}
}
