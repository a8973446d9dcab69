package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_DeliversInOrderPerGroup(t *testing.T) {
	b := NewBroker(16, nil)
	defer b.Close()

	s, err := b.Subscribe("chat-1")
	require.NoError(t, err)
	other, err := b.Subscribe("chat-2")
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(ctx, "chat-1", Event{Type: "daemon:output", Data: i}))
	}
	for i := 0; i < 10; i++ {
		ev := <-s.C()
		assert.Equal(t, i, ev.Data)
	}
	assert.Empty(t, other.C())
}

func TestBroker_FullQueueDropsWithoutBlocking(t *testing.T) {
	b := NewBroker(2, nil)
	defer b.Close()
	s, err := b.Subscribe("g")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), "g", Event{Type: "x", Data: i}))
	}
	assert.Equal(t, uint64(3), s.Dropped())
	assert.Equal(t, 0, (<-s.C()).Data)
	assert.Equal(t, 1, (<-s.C()).Data)
}

func TestBroker_PublishWithoutSubscribers(t *testing.T) {
	b := NewBroker(0, nil)
	assert.NoError(t, b.Publish(context.Background(), "nobody", Event{Type: "x"}))
	assert.Equal(t, 0, b.Subscribers("nobody"))
}

func TestBroker_CloseSubscriptionAndBroker(t *testing.T) {
	b := NewBroker(4, nil)
	s1, _ := b.Subscribe("g")
	s2, _ := b.Subscribe("g")
	assert.Equal(t, 2, b.Subscribers("g"))

	s1.Close()
	s1.Close()
	_, ok := <-s1.C()
	assert.False(t, ok)
	assert.Equal(t, 1, b.Subscribers("g"))

	b.Close()
	_, ok = <-s2.C()
	assert.False(t, ok)
	s2.Close()

	_, err := b.Subscribe("g")
	assert.Error(t, err)
	assert.NoError(t, b.Publish(context.Background(), "g", Event{}))
}

func TestBroker_ConcurrentPublishAndClose(t *testing.T) {
	b := NewBroker(8, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := b.Subscribe("g")
			if err != nil {
				return
			}
			for j := 0; j < 50; j++ {
				_ = b.Publish(context.Background(), "g", Event{Type: fmt.Sprint(i, j)})
			}
			s.Close()
		}(i)
	}
	wg.Wait()
	b.Close()
	assert.Equal(t, 0, b.Subscribers("g"))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, _ string, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func TestFanout_PublishesToAllAndJoinsErrors(t *testing.T) {
	ok := &recordingPublisher{}
	bad := &recordingPublisher{err: errors.New("down")}
	f := Fanout{ok, nil, bad}

	err := f.Publish(context.Background(), "g", Event{Type: "daemon:status"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Len(t, ok.events, 1)
	assert.Len(t, bad.events, 1)
}

func TestNATSPublisher_ConnectFailure(t *testing.T) {
	_, err := NewNATSPublisher(NATSConfig{URL: "nats://127.0.0.1:1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to NATS")
}
