package daemon

import (
	"time"
)

// State is the lifecycle state of a daemon.
type State string

const (
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// Active reports whether the state counts against the per-user limit.
func (s State) Active() bool { return s == StateRunning || s == StateStopping }

// Terminal states absorb every later stop request.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateCompleted || s == StateError
}

// Terminal reasons.
const (
	ReasonUserRequested = "user_requested"
	ReasonTimeout       = "timeout"
	ReasonShutdown      = "shutdown"
	ReasonScriptError   = "script raised an error"
)

// Requester is the authenticated caller of a management operation.
type Requester struct {
	UserID string
	Admin  bool
}

// CanManage reports whether the requester may stop or view a daemon owned by owner.
func (r Requester) CanManage(owner string) bool {
	return r.Admin || (r.UserID != "" && r.UserID == owner)
}

// StartRequest describes one daemon to launch.
type StartRequest struct {
	OwnerID   string
	ChatID    string
	MessageID string
	Code      string
	// SessionID optionally names a tool session to deregister on teardown.
	SessionID string
}

// View is the externally visible snapshot of a daemon.
type View struct {
	DaemonID   string     `json:"daemon_id"`
	KernelID   string     `json:"kernel_id"`
	OwnerID    string     `json:"user_id"`
	ChatID     string     `json:"chat_id"`
	MessageID  string     `json:"message_id"`
	Engine     string     `json:"engine"`
	Status     State      `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	MaxRuntime int64      `json:"max_runtime"`
}

// SessionRegistry is the hook used to drop the tool session linked to a daemon.
type SessionRegistry interface {
	Unregister(sessionID string) bool
}
