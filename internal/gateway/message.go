package gateway

import (
	"encoding/json"
	"errors"

	"github.com/loykin/kerneld/internal/daemon"
)

// Inbound message types.
const (
	TypeSubscribe   = "daemon:subscribe"
	TypeUnsubscribe = "daemon:unsubscribe"
	TypeStop        = "daemon:stop"
)

// Outbound reply types. Daemon events keep their own type.
const (
	TypeAck   = "ack"
	TypeError = "error"
)

// Error codes carried by TypeError replies.
const (
	CodeBadRequest  = "bad_request"
	CodeNotFound    = "not_found"
	CodeForbidden   = "forbidden"
	CodeInternal    = "internal_error"
	CodeUnsupported = "unsupported_type"
)

// Message is the wire envelope in both directions.
type Message struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type chatPayload struct {
	ChatID string `json:"chat_id"`
}

type stopPayload struct {
	DaemonID string `json:"daemon_id"`
}

type ackPayload struct {
	Action   string `json:"action"`
	ChatID   string `json:"chat_id,omitempty"`
	DaemonID string `json:"daemon_id,omitempty"`
}

type errorPayload struct {
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newMessage(typ, id string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: typ, ID: id, Data: data})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, daemon.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, daemon.ErrForbidden):
		return CodeForbidden
	default:
		return CodeInternal
	}
}
