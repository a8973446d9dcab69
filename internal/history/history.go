package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart    EventType = "start"
	EventStop     EventType = "stop"
	EventTimeout  EventType = "timeout"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Record is the daemon snapshot carried by an event.
type Record struct {
	DaemonID  string     `json:"daemon_id"`
	OwnerID   string     `json:"owner_id"`
	ChatID    string     `json:"chat_id"`
	MessageID string     `json:"message_id"`
	KernelID  string     `json:"kernel_id"`
	Engine    string     `json:"engine"`
	State     string     `json:"state"`
	Reason    string     `json:"reason,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi sends each event to every sink and joins the failures.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// NullableEnd converts the optional end time for SQL drivers.
func NullableEnd(r Record) any {
	if r.EndedAt == nil {
		return nil
	}
	return r.EndedAt.UTC()
}
