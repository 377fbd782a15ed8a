package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PostOrderAndFiltering(t *testing.T) {
	bus := NewBus()
	var got []string

	bus.Subscribe(ProcessSyncQueue, func(ctx context.Context, msg Message) error {
		got = append(got, "first")
		return nil
	})
	bus.SubscribeAll(func(ctx context.Context, msg Message) error {
		got = append(got, "all:"+string(msg.Type))
		return nil
	})
	bus.Subscribe(ProcessSyncQueue, func(ctx context.Context, msg Message) error {
		got = append(got, "second")
		return nil
	})
	bus.Subscribe(QueueOfflineRequest, func(ctx context.Context, msg Message) error {
		got = append(got, "never")
		return nil
	})

	require.NoError(t, bus.Post(context.Background(), Message{Type: ProcessSyncQueue}))
	assert.Equal(t, []string{"first", "all:PROCESS_SYNC_QUEUE", "second"}, got)
	assert.Equal(t, 3, bus.Count(ProcessSyncQueue))
	assert.Equal(t, 1, bus.Count(EventSyncStarted))
}

func TestBus_PostReturnsFirstError(t *testing.T) {
	bus := NewBus()
	errA := errors.New("a")
	errB := errors.New("b")
	ran := 0

	bus.Subscribe(QueueOfflineRequest, func(ctx context.Context, msg Message) error { ran++; return errA })
	bus.Subscribe(QueueOfflineRequest, func(ctx context.Context, msg Message) error { ran++; return errB })

	err := bus.Post(context.Background(), Message{Type: QueueOfflineRequest})
	assert.ErrorIs(t, err, errA)
	assert.Equal(t, 2, ran)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	calls := 0
	unsubscribe := bus.Subscribe(ConnectivityChanged, func(ctx context.Context, msg Message) error {
		calls++
		return nil
	})

	bus.Post(context.Background(), Message{Type: ConnectivityChanged})
	unsubscribe()
	unsubscribe()
	bus.Post(context.Background(), Message{Type: ConnectivityChanged})

	assert.Equal(t, 1, calls)
	assert.Zero(t, bus.Count(ConnectivityChanged))
}

func TestBus_Publish(t *testing.T) {
	bus := NewBus()
	var got Message
	bus.Subscribe(EventSyncCompleted, func(ctx context.Context, msg Message) error {
		got = msg
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), EventSyncCompleted, map[string]int{"synced": 3}))
	assert.NotZero(t, got.Timestamp)

	var data map[string]int
	require.NoError(t, got.Decode(&data))
	assert.Equal(t, 3, data["synced"])
}

func TestMessage_DecodeEmpty(t *testing.T) {
	var v struct{}
	assert.Error(t, Message{Type: Connectivity}.Decode(&v))
	assert.Error(t, Message{Type: Connectivity, Data: []byte(`{`)}.Decode(&v))
}
