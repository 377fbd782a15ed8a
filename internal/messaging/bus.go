// Package messaging carries tagged messages between the edge components and
// the browser tabs connected over websocket.
package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	apperrors "github.com/Lokii1211/kadaigpt-sub002/internal/errors"
)

// MessageType tags a message.
type MessageType string

const (
	// QueueOfflineRequest carries a captured mutation to durable storage.
	QueueOfflineRequest MessageType = "QUEUE_OFFLINE_REQUEST"
	// ProcessSyncQueue asks the reconciler to drain.
	ProcessSyncQueue MessageType = "PROCESS_SYNC_QUEUE"
	// Connectivity is a browser online/offline signal.
	Connectivity MessageType = "CONNECTIVITY"
	// ConnectivityChanged announces a monitor flip.
	ConnectivityChanged MessageType = "CONNECTIVITY_CHANGED"

	// Sync events
	EventSyncStarted    MessageType = "sync.started"
	EventSyncCompleted  MessageType = "sync.completed"
	EventSyncFailed     MessageType = "sync.failed"
	EventSyncItemFailed MessageType = "sync.item_failed"
)

// Message is the envelope exchanged on the bus and the websocket.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage encodes data into a message stamped with the current time.
func NewMessage(t MessageType, data interface{}) (Message, error) {
	msg := Message{Type: t, Timestamp: time.Now().UnixMilli()}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return msg, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode message data", err)
	}
	msg.Data = raw
	return msg, nil
}

// Decode unmarshals the message data into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return apperrors.New(apperrors.ErrInvalid, string(m.Type)+" message has no data")
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "malformed "+string(m.Type)+" data", err)
	}
	return nil
}

// Handler processes a message.
type Handler func(ctx context.Context, msg Message) error

// Poster delivers messages.
type Poster interface {
	Post(ctx context.Context, msg Message) error
}

type subscription struct {
	msgType MessageType // empty matches every type
	handler Handler
}

// Bus dispatches messages to subscribers synchronously, in registration order.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h for messages of type t. The returned func removes it.
func (b *Bus) Subscribe(t MessageType, h Handler) (unsubscribe func()) {
	return b.add(&subscription{msgType: t, handler: h})
}

// SubscribeAll registers h for every message.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	return b.add(&subscription{handler: h})
}

func (b *Bus) add(s *subscription) func() {
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, cur := range b.subs {
				if cur == s {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Post runs every matching handler and returns the first error. Handlers
// after a failing one still run.
func (b *Bus) Post(ctx context.Context, msg Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.msgType == "" || s.msgType == msg.Type {
			matched = append(matched, s.handler)
		}
	}
	b.mu.RUnlock()

	var first error
	for _, h := range matched {
		if err := h(ctx, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Publish is Post for callers that only log failures; data is encoded with
// NewMessage.
func (b *Bus) Publish(ctx context.Context, t MessageType, data interface{}) error {
	msg, err := NewMessage(t, data)
	if err != nil {
		return err
	}
	return b.Post(ctx, msg)
}

// Count returns the number of handlers that a message of type t would reach.
func (b *Bus) Count(t MessageType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		if s.msgType == "" || s.msgType == t {
			n++
		}
	}
	return n
}
