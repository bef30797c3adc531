package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventItemCompleted is published when an item's done sentinel lands on the sheet.
	EventItemCompleted EventType = "item_completed"
	// EventWritebackFailed is published when a write-back attempt fails and the
	// item is left pending for the reconciler.
	EventWritebackFailed EventType = "writeback_failed"
	// EventItemHalted is published when the automation reports a condition that
	// needs an operator and the processing loop stops.
	EventItemHalted EventType = "item_halted"
	// EventItemRejected is published when an item fails payload validation.
	EventItemRejected EventType = "item_rejected"
)

// AllTypes lists every event type, in the order subscribers usually want them.
var AllTypes = []EventType{EventItemCompleted, EventWritebackFailed, EventItemHalted, EventItemRejected}

// Event represents something that happened to a work item.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	ItemID    string         `json:"item_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus. Events are delivered asynchronously via
// buffered channels; when a subscriber's channel is full the event is dropped
// for that subscriber so neither loop ever waits on a notifier.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	logger      *zap.Logger
	wg          sync.WaitGroup
}

// NewBus creates a bus with the given buffer size per subscriber.
func NewBus(bufferSize int, logger *zap.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers fn for one event type. fn runs on its own goroutine;
// a panic inside it is logged and does not stop delivery. Returns an
// unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range ch {
			b.deliver(fn, event)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[eventType]
			for i, subCh := range subs {
				if subCh == ch {
					b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
}

// SubscribeAll registers fn for every event type in types.
func (b *Bus) SubscribeAll(types []EventType, fn Subscriber) func() {
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, b.Subscribe(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *Bus) deliver(fn Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber_panic",
				zap.String("event", string(event.Type)),
				zap.Any("recovered", r))
		}
	}()
	fn(event)
}

// Publish sends an event to all subscribers of its type without blocking.
func (b *Bus) Publish(eventType EventType, itemID string, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		ItemID:    itemID,
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			b.logger.Warn("event_dropped",
				zap.String("event", string(eventType)),
				zap.String("id", itemID))
		}
	}
}

// Close closes all subscriber channels and waits for queued events to be
// delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
