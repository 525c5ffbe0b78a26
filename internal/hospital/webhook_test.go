package hospital

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minasoft/abdm-relay/internal/db"
	natsstore "github.com/minasoft/abdm-relay/internal/nats"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	js := newTestJetStream(t)
	queue, err := NewQueue(context.Background(), js)
	require.NoError(t, err)
	return queue
}

func TestEnqueueRequiresType(t *testing.T) {
	queue := newTestQueue(t)

	_, err := queue.Enqueue(context.Background(), db.WebhookEvent{})
	assert.Error(t, err)
}

func TestQueueListsEventsWithPendingFilter(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := queue.Enqueue(ctx, db.WebhookEvent{
			Type: db.EventNotification,
			Data: json.RawMessage(fmt.Sprintf(`{"recordId":"rec-%d"}`, i)),
		})
		require.NoError(t, err)
	}

	events, err := queue.Events(ctx, false)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	for _, event := range events {
		assert.False(t, event.Processed)
	}

	pending, err := queue.Events(ctx, true)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestQueueProcessesInEnqueueOrder(t *testing.T) {
	queue := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var order []string
	queue.Handle(db.EventNotification, func(ctx context.Context, event *db.WebhookEvent) error {
		mu.Lock()
		order = append(order, event.ID)
		mu.Unlock()
		return nil
	})
	require.NoError(t, queue.Start(ctx))

	var enqueued []string
	for i := 0; i < 5; i++ {
		event, err := queue.Enqueue(ctx, db.WebhookEvent{
			Type: db.EventNotification,
			Data: json.RawMessage(fmt.Sprintf(`{"recordId":"rec-%d"}`, i)),
		})
		require.NoError(t, err)
		enqueued = append(enqueued, event.ID)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == len(enqueued)
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, enqueued, order)
}

func TestFailedEventStaysPendingAndIsRetried(t *testing.T) {
	queue := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	queue.Handle(db.EventLinking, func(ctx context.Context, event *db.WebhookEvent) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("downstream not ready")
		}
		return nil
	})
	require.NoError(t, queue.Start(ctx))

	event, err := queue.Enqueue(ctx, db.WebhookEvent{
		Type: db.EventLinking,
		Data: json.RawMessage(`{"contextId":"ctx-1","status":"LINKED"}`),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, err := queue.Events(ctx, false)
		if err != nil {
			return false
		}
		for _, got := range events {
			if got.ID == event.ID && got.Processed {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 3)
}

func TestUnknownEventTypeDiscarded(t *testing.T) {
	queue := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, queue.Start(ctx))

	event, err := queue.Enqueue(ctx, db.WebhookEvent{
		Type: "telemetry",
		Data: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, err := queue.Events(ctx, false)
		if err != nil {
			return false
		}
		for _, got := range events {
			if got.ID == event.ID {
				return got.Processed && got.LastError == "unknown event type"
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	// Discarded events never become pending work.
	pending, err := queue.Events(ctx, true)
	require.NoError(t, err)
	for _, got := range pending {
		assert.NotEqual(t, event.ID, got.ID)
	}
}

func TestEnqueueRollsBackHistoryWhenPublishFails(t *testing.T) {
	js := newTestJetStream(t)
	ctx := context.Background()

	queue, err := NewQueue(ctx, js)
	require.NoError(t, err)

	// With the stream gone the publish cannot be acknowledged; the history
	// entry must not linger as a phantom pending event.
	require.NoError(t, js.DeleteStream(ctx, natsstore.WebhookStream))

	_, err = queue.Enqueue(ctx, db.WebhookEvent{
		Type: db.EventConsent,
		Data: json.RawMessage(`{}`),
	})
	require.Error(t, err)

	events, err := queue.Events(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestClearDiscardsEverything(t *testing.T) {
	queue := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := queue.Enqueue(ctx, db.WebhookEvent{
			Type: db.EventConsent,
			Data: json.RawMessage(`{}`),
		})
		require.NoError(t, err)
	}

	require.NoError(t, queue.Clear(ctx))

	events, err := queue.Events(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, events)
}
