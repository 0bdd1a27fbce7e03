package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/interfaces"
)

func testLogger() arbor.ILogger {
	return arbor.NewLogger()
}

func TestSubscribeNilHandler(t *testing.T) {
	svc := NewEventService(testLogger())
	defer svc.Close()

	err := svc.Subscribe(interfaces.EventProgress, nil)
	assert.Error(t, err)
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	svc := NewEventService(testLogger())
	defer svc.Close()

	var mu sync.Mutex
	received := 0
	done := make(chan struct{}, 2)

	handler := func(ctx context.Context, event interfaces.Event) error {
		mu.Lock()
		received++
		mu.Unlock()
		done <- struct{}{}
		return nil
	}

	require.NoError(t, svc.Subscribe(interfaces.EventProgress, handler))
	require.NoError(t, svc.Subscribe(interfaces.EventProgress, handler))

	err := svc.Publish(context.Background(), interfaces.Event{
		Type:    interfaces.EventProgress,
		Payload: interfaces.ProgressPayload{Done: 1, Total: 10},
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handler")
		}
	}

	mu.Lock()
	assert.Equal(t, 2, received)
	mu.Unlock()
}

func TestPublishSyncPreservesOrder(t *testing.T) {
	svc := NewEventService(testLogger())
	defer svc.Close()

	var got []int
	require.NoError(t, svc.Subscribe(interfaces.EventProgress, func(ctx context.Context, event interfaces.Event) error {
		got = append(got, event.Payload.(interfaces.ProgressPayload).Done)
		return nil
	}))

	for i := 1; i <= 5; i++ {
		err := svc.PublishSync(context.Background(), interfaces.Event{
			Type:    interfaces.EventProgress,
			Payload: interfaces.ProgressPayload{Done: i, Total: 5},
		})
		require.NoError(t, err)
	}

	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

func TestPublishSyncSubscriberOrder(t *testing.T) {
	svc := NewEventService(testLogger())
	defer svc.Close()

	var order []string
	require.NoError(t, svc.Subscribe(interfaces.EventLog, func(ctx context.Context, event interfaces.Event) error {
		order = append(order, "first")
		return nil
	}))
	require.NoError(t, svc.Subscribe(interfaces.EventLog, func(ctx context.Context, event interfaces.Event) error {
		order = append(order, "second")
		return nil
	}))

	require.NoError(t, svc.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventLog}))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPublishNoSubscribers(t *testing.T) {
	svc := NewEventService(testLogger())
	defer svc.Close()

	err := svc.Publish(context.Background(), interfaces.Event{Type: interfaces.EventError})
	assert.NoError(t, err)
}

func TestPublishAfterClose(t *testing.T) {
	svc := NewEventService(testLogger())
	require.NoError(t, svc.Close())

	err := svc.Publish(context.Background(), interfaces.Event{Type: interfaces.EventProgress})
	assert.Error(t, err)

	err = svc.Subscribe(interfaces.EventProgress, func(ctx context.Context, event interfaces.Event) error { return nil })
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	svc := NewEventService(testLogger())
	require.NoError(t, svc.Close())
	assert.NoError(t, svc.Close())
}
