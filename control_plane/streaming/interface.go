// Package streaming publishes control plane events to interested
// listeners: a log, or a Redis pub/sub channel.
package streaming

import (
	"context"
	"time"
)

type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}

const source = "backforge-control-plane"
