package events

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultTopic carries queue status transitions.
const DefaultTopic = "seipulse.tx.status"

// Publisher delivers one message. key is used for partitioning so updates for
// the same transaction stay ordered.
type Publisher interface {
	Publish(ctx context.Context, topic string, key string, payload []byte) error
}

// Event is the payload published on every queue status transition.
type Event struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retryCount"`
	TxHash     string    `json:"txHash,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Nop drops every message.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, []byte) error { return nil }
