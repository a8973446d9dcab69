package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the external event transport.
type NATSConfig struct {
	URL           string
	ClientName    string
	SubjectPrefix string
	MaxReconnects int
}

// NATSPublisher forwards events to NATS subject <prefix>.<group> so that
// observers in other processes can follow a chat.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects with reconnection enabled.
func NewNATSPublisher(cfg NATSConfig, log *slog.Logger) (*NATSPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "kerneld"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "chat"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", "error", err)
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("Connected to NATS", "url", cfg.URL)
	return &NATSPublisher{conn: conn, prefix: cfg.SubjectPrefix, logger: log}, nil
}

// Subject returns the NATS subject used for group.
func (p *NATSPublisher) Subject(group string) string { return p.prefix + "." + group }

// Publish does not wait for delivery; the client buffers during reconnects.
func (p *NATSPublisher) Publish(_ context.Context, group string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := p.Subject(group)
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Error("Failed to publish event", "subject", subject, "event_type", ev.Type, "error", err)
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
