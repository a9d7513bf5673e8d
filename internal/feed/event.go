// Package feed delivers newly committed messages to live subscribers.
//
// A broker runs one pump per process (Postgres LISTEN, Redis PSUBSCRIBE, or an
// in-process hub) and fans events out to per-chat subscriptions. Consumers are
// expected to subscribe before reading history and to dedupe by message id.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSlowConsumer ends a subscription whose buffer overflowed. The consumer
	// has missed events and must reconcile from history.
	ErrSlowConsumer = errors.New("feed: subscriber fell behind")
	// ErrUnavailable is returned by Subscribe while the pump is disconnected.
	ErrUnavailable = errors.New("feed: unavailable")
	// ErrClosed is returned after the broker has shut down.
	ErrClosed = errors.New("feed: closed")
)

// Event is a single message insert. Truncated events carry no content and must
// be re-read from the store.
type Event struct {
	MessageID string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Truncated bool      `json:"truncated"`
}

func DecodeEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decode feed event: %w", err)
	}
	if ev.MessageID == "" || ev.ChatID == "" {
		return Event{}, fmt.Errorf("decode feed event: missing id or chat_id")
	}
	return ev, nil
}

func EncodeEvent(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode feed event: %w", err)
	}
	return payload, nil
}

type Subscriber interface {
	Subscribe(ctx context.Context, chatID string) (*Subscription, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Broker is a running feed backend.
type Broker interface {
	Subscriber
	Publisher
	// Run pumps events until ctx is cancelled.
	Run(ctx context.Context) error
	Name() string
}
