// Package event provides the in-process pub/sub bus used by the IPC
// collaborators and the local transport.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// EventType is the topic an event is published on.
type EventType string

const (
	ThemeUpdated       EventType = "theme.updated"
	AccentColorChanged EventType = "theme.accentColor"
	MCPStatusChanged   EventType = "mcp.status"
	PageFocus          EventType = "web.focus"
	PageBlur           EventType = "web.blur"
	FoundInPage        EventType = "web.foundInPage"
)

// Event is one published payload. Data is always JSON.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// New marshals v into an Event.
func New(t EventType, v any) (Event, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return Event{Type: t, Data: raw}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", t, err)
	}
	return Event{Type: t, Data: data}, nil
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus fans events out to subscribers. PublishSync calls subscribers
// directly, in order, on the publishing goroutine. Publish hands the event
// to a watermill gochannel and returns; delivery order across Publish calls
// is not guaranteed.
type Bus struct {
	mu sync.RWMutex

	pubsub      *gochannel.GoChannel
	dispatching map[EventType]bool

	subscribers map[EventType][]subscriberEntry
	global      []subscriberEntry

	nextID       uint64
	closed       bool
	closedCtx    context.Context
	closedCancel context.CancelFunc
}

func newBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		dispatching:  make(map[EventType]bool),
		subscribers:  make(map[EventType][]subscriberEntry),
		closedCtx:    ctx,
		closedCancel: cancel,
	}
}

// NewBus creates a new event bus instance.
func NewBus() *Bus {
	return newBus()
}

func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers fn for one event type and returns the function that
// removes it. Removing twice is harmless.
func (b *Bus) Subscribe(t EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.subscribers[t] = append(b.subscribers[t], subscriberEntry{id: id, fn: fn})

	return func() {
		b.unsubscribe(t, id)
	}
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})

	return func() {
		b.unsubscribeGlobal(id)
	}
}

func (b *Bus) unsubscribe(t EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[t]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[t]) == 0 {
		delete(b.subscribers, t)
	}
}

func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i:i], b.global[i+1:]...)
			break
		}
	}
}

// HasSubscribers reports whether anyone listens on t.
func (b *Bus) HasSubscribers(t EventType) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[t]) > 0 || len(b.global) > 0
}

func (b *Bus) collect(t EventType) []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}
	subs := make([]Subscriber, 0, len(b.subscribers[t])+len(b.global))
	for _, entry := range b.subscribers[t] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs
}

// Publish hands e to the watermill gochannel. A dispatcher per event type
// acknowledges each message and fans it out to the current subscribers.
func (b *Bus) Publish(e Event) {
	if err := b.ensureDispatcher(e.Type); err != nil {
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), message.Payload(e.Data))
	_ = b.pubsub.Publish(string(e.Type), msg)
}

func (b *Bus) ensureDispatcher(t EventType) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("bus closed")
	}
	if b.dispatching[t] {
		return nil
	}

	msgs, err := b.pubsub.Subscribe(b.closedCtx, string(t))
	if err != nil {
		return err
	}
	b.dispatching[t] = true
	go b.dispatch(t, msgs)
	return nil
}

func (b *Bus) dispatch(t EventType, msgs <-chan *message.Message) {
	for msg := range msgs {
		msg.Ack()
		e := Event{Type: t, Data: json.RawMessage(msg.Payload)}
		for _, sub := range b.collect(t) {
			sub(e)
		}
	}
}

// PublishSync calls every subscriber on the current goroutine before
// returning. Events published from one goroutine arrive in order.
func (b *Bus) PublishSync(e Event) {
	for _, sub := range b.collect(e.Type) {
		sub(e)
	}
}

// Close closes the bus and drops all subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.closedCancel()

	b.subscribers = make(map[EventType][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}
