package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/loykin/kerneld/internal/kernel"
)

// Record is the registry entry for one daemon. Identity fields are immutable;
// state, reason and the kernel reference are written only by the record's
// actor goroutine (see Manager.run) and read under mu.
type Record struct {
	ID         string
	OwnerID    string
	ChatID     string
	MessageID  string
	SessionID  string
	Engine     string
	KernelID   string
	StartedAt  time.Time
	MaxRuntime time.Duration

	mu      sync.RWMutex
	state   State
	reason  string
	endedAt time.Time
	fault   error
	kernel  kernel.Handle

	cmds        chan command
	done        chan struct{}
	relay       *relay
	relayCancel context.CancelFunc
	watchdog    *Watchdog
}

func newRecord(id string, req StartRequest, engine string, h kernel.Handle, maxRuntime time.Duration, now time.Time) *Record {
	return &Record{
		ID:         id,
		OwnerID:    req.OwnerID,
		ChatID:     req.ChatID,
		MessageID:  req.MessageID,
		SessionID:  req.SessionID,
		Engine:     engine,
		KernelID:   h.ID(),
		StartedAt:  now,
		MaxRuntime: maxRuntime,
		state:      StateRunning,
		kernel:     h,
		cmds:       make(chan command, 4),
		done:       make(chan struct{}),
	}
}

func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Record) Reason() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reason
}

// Fault returns the *ExecutionFault or *TeardownFault that ended the daemon, if any.
func (r *Record) Fault() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fault
}

// EndedAt is zero until the daemon is terminal.
func (r *Record) EndedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endedAt
}

// KernelReleased reports whether the kernel reference has been given up.
func (r *Record) KernelReleased() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kernel == nil
}

// Done is closed once the daemon reached a terminal state and its actor exited.
func (r *Record) Done() <-chan struct{} { return r.done }

func (r *Record) View() View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := View{
		DaemonID:   r.ID,
		KernelID:   r.KernelID,
		OwnerID:    r.OwnerID,
		ChatID:     r.ChatID,
		MessageID:  r.MessageID,
		Engine:     r.Engine,
		Status:     r.state,
		Reason:     r.reason,
		StartedAt:  r.StartedAt,
		MaxRuntime: int64(r.MaxRuntime / time.Second),
	}
	if !r.endedAt.IsZero() {
		t := r.endedAt
		v.EndedAt = &t
	}
	return v
}

func (r *Record) setState(s State, reason string, now time.Time) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.state
	r.state = s
	if reason != "" {
		r.reason = reason
	}
	if s.Terminal() {
		r.endedAt = now
	}
	return prev
}

// takeKernel hands the kernel to the caller exactly once.
func (r *Record) takeKernel() kernel.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.kernel
	r.kernel = nil
	return h
}

func (r *Record) setFault(err error) {
	r.mu.Lock()
	r.fault = err
	r.mu.Unlock()
}
