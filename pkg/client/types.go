package client

import (
	"fmt"
	"time"
)

// StartRequest asks the server to launch a daemon in a chat.
type StartRequest struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id,omitempty"`
	Code      string `json:"code"`
	SessionID string `json:"session_id,omitempty"`
}

// Daemon is the server's view of one daemon.
type Daemon struct {
	DaemonID   string     `json:"daemon_id"`
	KernelID   string     `json:"kernel_id"`
	UserID     string     `json:"user_id"`
	ChatID     string     `json:"chat_id"`
	MessageID  string     `json:"message_id"`
	Engine     string     `json:"engine"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	MaxRuntime int64      `json:"max_runtime"`
}

// StopResult reports the status a stopped daemon ended in.
type StopResult struct {
	DaemonID string `json:"daemon_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// StopChatResult reports a chat-wide stop.
type StopChatResult struct {
	Count  int      `json:"count"`
	Errors []string `json:"errors,omitempty"`
}

// Capabilities describes the server's execution engine.
type Capabilities struct {
	Daemons bool   `json:"daemons"`
	Engine  string `json:"engine"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}
