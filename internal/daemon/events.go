package daemon

import (
	"context"
	"time"

	"github.com/loykin/kerneld/internal/metrics"
	"github.com/loykin/kerneld/internal/pubsub"
)

// Event types published to a chat's observers.
const (
	EventOutput = "daemon:output"
	EventStatus = "daemon:status"
)

// OutputEvent carries one chunk of daemon output.
type OutputEvent struct {
	DaemonID  string    `json:"daemon_id"`
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id"`
	Stream    string    `json:"stream"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusEvent announces a lifecycle transition.
type StatusEvent struct {
	DaemonID  string `json:"daemon_id"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Status    State  `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

func (m *Manager) publishOutput(rec *Record, stream, text string) {
	m.publish(rec, pubsub.Event{Type: EventOutput, Data: OutputEvent{
		DaemonID:  rec.ID,
		ChatID:    rec.ChatID,
		MessageID: rec.MessageID,
		Stream:    stream,
		Content:   text,
		Timestamp: m.now().UTC(),
	}})
}

func (m *Manager) publishStatus(rec *Record, s State, reason string) {
	m.publish(rec, pubsub.Event{Type: EventStatus, Data: StatusEvent{
		DaemonID:  rec.ID,
		ChatID:    rec.ChatID,
		MessageID: rec.MessageID,
		Status:    s,
		Reason:    reason,
	}})
}

// publish is fire-and-forget: observers may be gone and the daemon keeps running.
func (m *Manager) publish(rec *Record, ev pubsub.Event) {
	if m.pub == nil {
		return
	}
	metrics.IncPublished(ev.Type)
	if err := m.pub.Publish(context.Background(), rec.ChatID, ev); err != nil {
		m.logger.Debug("event publish failed", "daemon_id", rec.ID, "type", ev.Type, "error", err)
	}
}
