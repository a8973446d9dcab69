// Package kernel abstracts the interactive code-execution backend that hosts
// daemons. A Backend launches kernels; a Handle owns one persistent namespace
// and runs code in it; an Execution streams the output of one submitted unit.
package kernel

import (
	"context"
	"errors"
)

// Stream identifies where an output event came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	// StreamError carries a formatted traceback. It is always the last event
	// of a failed execution.
	StreamError Stream = "error"
)

// Event is one chunk of output produced by an execution.
type Event struct {
	Stream Stream
	Text   string
}

// Execution is a running code unit. Events is closed when the kernel reports
// the end of execution or the connection fails; Err is valid once Events is
// closed and reports a transport failure (nil on normal completion, including
// completion with a StreamError event).
type Execution interface {
	Events() <-chan Event
	Err() error
}

// Handle is one persistent execution context.
type Handle interface {
	ID() string
	Execute(ctx context.Context, code string) (Execution, error)
	Interrupt(ctx context.Context) error
	// Shutdown destroys the kernel and releases its connection. It is safe to
	// call more than once.
	Shutdown(ctx context.Context) error
}

// Backend creates kernels.
type Backend interface {
	// Engine names the backend, e.g. "jupyter".
	Engine() string
	// PersistentKernels reports whether kernels outlive the request that
	// created them, which is required to host daemons.
	PersistentKernels() bool
	Launch(ctx context.Context) (Handle, error)
}

var (
	ErrNotPersistent = errors.New("engine does not support persistent kernels")
	ErrClosed        = errors.New("kernel closed")
)
