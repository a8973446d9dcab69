package daemon

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedEngine = errors.New("execution engine does not support background daemons")
	ErrLimitExceeded     = errors.New("maximum concurrent background daemons reached")
	ErrNotFound          = errors.New("daemon not found")
	ErrForbidden         = errors.New("not allowed to manage this daemon")
	ErrAlreadyExists     = errors.New("daemon already exists")
	ErrInvalidRequest    = errors.New("invalid daemon request")

	errShutDown = errors.New("daemon manager is shut down")
)

// ExecutionFault records why a running daemon ended in error: the script
// raised, or the kernel connection was lost.
type ExecutionFault struct {
	DaemonID string
	Cause    error
}

func (e *ExecutionFault) Error() string {
	return fmt.Sprintf("daemon %s: execution fault: %v", e.DaemonID, e.Cause)
}

func (e *ExecutionFault) Unwrap() error { return e.Cause }

// TeardownFault reports a kernel that could not be shut down cleanly. The
// daemon is terminal regardless and its kernel is considered released.
type TeardownFault struct {
	DaemonID string
	KernelID string
	Err      error
}

func (e *TeardownFault) Error() string {
	return fmt.Sprintf("daemon %s: teardown of kernel %s failed: %v", e.DaemonID, e.KernelID, e.Err)
}

func (e *TeardownFault) Unwrap() error { return e.Err }
