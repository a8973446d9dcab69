package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/kerneld/internal/kernel"
	"github.com/loykin/kerneld/internal/pubsub"
)

// fakeBackend hands out fakeKernels the test drives by hand.
type fakeBackend struct {
	mu        sync.Mutex
	kernels   []*fakeKernel
	launchErr error
	execErr   error
	// hangShutdown makes Shutdown ignore its context and never return.
	hangShutdown bool
	// hangInterrupt does the same for Interrupt.
	hangInterrupt bool
	launchDelay   time.Duration
}

func (b *fakeBackend) Engine() string          { return "fake" }
func (b *fakeBackend) PersistentKernels() bool { return true }

func (b *fakeBackend) Launch(ctx context.Context) (kernel.Handle, error) {
	if b.launchDelay > 0 {
		time.Sleep(b.launchDelay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.launchErr != nil {
		return nil, b.launchErr
	}
	k := &fakeKernel{
		id:            fmt.Sprintf("k-%d", len(b.kernels)+1),
		events:        make(chan kernel.Event, 16),
		hang:          b.hangShutdown,
		hangInterrupt: b.hangInterrupt,
		execErr:       b.execErr,
	}
	b.kernels = append(b.kernels, k)
	return k, nil
}

func (b *fakeBackend) launched() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.kernels)
}

func (b *fakeBackend) kernel(i int) *fakeKernel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kernels[i]
}

type fakeKernel struct {
	id      string
	events  chan kernel.Event
	err     error
	execErr error
	hang    bool
	// hangInterrupt blocks Interrupt until its context is done.
	hangInterrupt bool
	closeOnce     sync.Once
	interrupts    atomic.Int32
	shutdowns     atomic.Int32
}

func (k *fakeKernel) ID() string { return k.id }

func (k *fakeKernel) Execute(context.Context, string) (kernel.Execution, error) {
	if k.execErr != nil {
		return nil, k.execErr
	}
	return k, nil
}

func (k *fakeKernel) Events() <-chan kernel.Event { return k.events }
func (k *fakeKernel) Err() error                  { return k.err }

func (k *fakeKernel) Interrupt(ctx context.Context) error {
	k.interrupts.Add(1)
	if k.hangInterrupt {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (k *fakeKernel) Shutdown(context.Context) error {
	k.shutdowns.Add(1)
	if k.hang {
		select {}
	}
	k.end(nil)
	return nil
}

func (k *fakeKernel) emit(stream kernel.Stream, text string) {
	k.events <- kernel.Event{Stream: stream, Text: text}
}

// end closes the output stream the way a kernel does when execution finishes.
func (k *fakeKernel) end(err error) {
	k.closeOnce.Do(func() {
		k.err = err
		close(k.events)
	})
}

// recorder captures published events in publish order.
type recorder struct {
	mu     sync.Mutex
	events []pubsub.Event
}

func (r *recorder) Publish(_ context.Context, _ string, ev pubsub.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) snapshot() []pubsub.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pubsub.Event(nil), r.events...)
}

func (r *recorder) statuses(id string) []StatusEvent {
	var out []StatusEvent
	for _, ev := range r.snapshot() {
		if s, ok := ev.Data.(StatusEvent); ok && s.DaemonID == id {
			out = append(out, s)
		}
	}
	return out
}

func (r *recorder) outputs(id string) []OutputEvent {
	var out []OutputEvent
	for _, ev := range r.snapshot() {
		if o, ok := ev.Data.(OutputEvent); ok && o.DaemonID == id {
			out = append(out, o)
		}
	}
	return out
}

type fakeSessions struct {
	mu      sync.Mutex
	dropped []string
}

func (f *fakeSessions) Unregister(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, id)
	return true
}

type fixture struct {
	backend  *fakeBackend
	rec      *recorder
	sessions *fakeSessions
	mgr      *Manager
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{backend: &fakeBackend{}, rec: &recorder{}, sessions: &fakeSessions{}}
	opts := Options{
		Backend:         f.backend,
		Publisher:       f.rec,
		Sessions:        f.sessions,
		TeardownTimeout: 200 * time.Millisecond,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	f.mgr = m
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return f
}

func (f *fixture) start(t *testing.T, owner, chat string) string {
	t.Helper()
	id, err := f.mgr.Start(context.Background(), StartRequest{OwnerID: owner, ChatID: chat, MessageID: "m-1", Code: "print(1)"})
	require.NoError(t, err)
	return id
}

func waitDone(t *testing.T, m *Manager, id string) *Record {
	t.Helper()
	rec, err := m.Registry().Get(id)
	require.NoError(t, err)
	select {
	case <-rec.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon %s did not reach a terminal state", id)
	}
	return rec
}
