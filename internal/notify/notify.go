// Package notify delivers operator notifications. Delivery is best effort:
// callers log a returned error and move on; nothing here affects queue state.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is one operator notification.
type Message struct {
	Event   string    `json:"event"`
	ItemID  string    `json:"item_id,omitempty"`
	Text    string    `json:"text"`
	Session string    `json:"session,omitempty"`
	Time    time.Time `json:"time"`
}

// String renders the message for plain-text channels.
func (m Message) String() string {
	if m.ItemID == "" {
		return fmt.Sprintf("[%s] %s", m.Event, m.Text)
	}
	return fmt.Sprintf("[%s] %s: %s", m.Event, m.ItemID, m.Text)
}

// Notifier sends a message somewhere a human will see it.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Nop discards every message.
type Nop struct{}

func (Nop) Send(context.Context, Message) error { return nil }

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// backoff returns the wait before retry attempt i (i >= 1).
func backoff(i int) time.Duration {
	return time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
}
