package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/common/logger"
)

func waitForInt32(t *testing.T, v *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v.Load() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, want, v.Load())
}

func TestPublishReachesExactSubscriber(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var got atomic.Int32
	_, err := b.Subscribe(SubjectSessionCreated, func(_ context.Context, evt *Event) error {
		assert.Equal(t, "session_created", evt.Type)
		got.Add(1)
		return nil
	})
	require.NoError(t, err)

	evt := NewEvent("session_created", "gateway", map[string]any{"session_id": "s-1"})
	require.NoError(t, b.Publish(context.Background(), SubjectSessionCreated, evt))
	waitForInt32(t, &got, 1)

	// unrelated subject does not deliver
	require.NoError(t, b.Publish(context.Background(), SubjectSessionClosed, evt))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), got.Load())
}

func TestWildcardSubscriptions(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var single, full atomic.Int32
	_, err := b.Subscribe("gateway.session.*", func(_ context.Context, _ *Event) error {
		single.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("gateway.>", func(_ context.Context, _ *Event) error {
		full.Add(1)
		return nil
	})
	require.NoError(t, err)

	evt := NewEvent("lifecycle", "gateway", nil)
	require.NoError(t, b.Publish(context.Background(), SubjectSessionCreated, evt))
	require.NoError(t, b.Publish(context.Background(), SubjectConnectionClosed, evt))

	waitForInt32(t, &single, 1) // only the session subject matches *
	waitForInt32(t, &full, 2)   // > matches both
}

func TestQueueGroupDeliversToOneMember(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	counts := map[string]int{}
	for _, name := range []string{"a", "b"} {
		name := name
		_, err := b.QueueSubscribe(SubjectSessionClosed, "workers", func(_ context.Context, _ *Event) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), SubjectSessionClosed, NewEvent("t", "s", nil)))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		total := counts["a"] + counts["b"]
		mu.Unlock()
		if total == 10 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, counts["a"]+counts["b"])
	assert.Equal(t, 5, counts["a"], "round-robin should balance the group")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var got atomic.Int32
	sub, err := b.Subscribe(SubjectSessionCreated, func(_ context.Context, _ *Event) error {
		got.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), SubjectSessionCreated, NewEvent("t", "s", nil)))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), got.Load())
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), SubjectSessionCreated, NewEvent("t", "s", nil)))
	_, err := b.Subscribe(SubjectSessionCreated, func(_ context.Context, _ *Event) error { return nil })
	assert.Error(t, err)
}
