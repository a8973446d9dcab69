// Package pubsub delivers daemon events to observers grouped by chat.
package pubsub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loykin/kerneld/internal/metrics"
)

// Event is the envelope sent to observers.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Publisher hands an event to every observer of group. Implementations must
// not block on slow or absent observers.
type Publisher interface {
	Publish(ctx context.Context, group string, ev Event) error
}

const defaultBuffer = 256

// Broker is an in-process Publisher. Each subscription has its own bounded
// queue; events published from one goroutine reach a subscriber in publish
// order, and a full queue drops the event for that subscriber only.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	closed bool
	logger *slog.Logger
}

// NewBroker creates a broker whose subscriptions buffer up to buffer events.
func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer, logger: logger}
}

// Subscription receives the events of one group.
type Subscription struct {
	group   string
	ch      chan Event
	broker  *Broker
	once    sync.Once
	dropped atomic.Uint64
}

func (s *Subscription) Group() string { return s.group }

// C is closed when the subscription or the broker is closed.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped reports how many events were discarded because C was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.broker.mu.Lock()
	s.detachLocked()
	s.broker.mu.Unlock()
}

func (s *Subscription) detachLocked() {
	s.once.Do(func() {
		if set := s.broker.subs[s.group]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(s.broker.subs, s.group)
			}
		}
		close(s.ch)
	})
}

// Subscribe registers a new observer of group.
func (b *Broker) Subscribe(group string) (*Subscription, error) {
	s := &Subscription{group: group, ch: make(chan Event, b.buffer), broker: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("broker closed")
	}
	set := b.subs[group]
	if set == nil {
		set = make(map[*Subscription]struct{})
		b.subs[group] = set
	}
	set[s] = struct{}{}
	return s, nil
}

// Publish never blocks: subscribers with a full queue miss the event.
func (b *Broker) Publish(_ context.Context, group string, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for s := range b.subs[group] {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			metrics.IncDropped()
			b.logger.Debug("subscriber queue full, event dropped", "group", group, "type", ev.Type)
		}
	}
	return nil
}

// Subscribers returns the number of observers of group.
func (b *Broker) Subscribers(group string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[group])
}

// Close detaches every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			s.detachLocked()
		}
	}
}

// Fanout publishes to several transports and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, group string, ev Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, group, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
