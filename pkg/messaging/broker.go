package messaging

import (
	"context"
)

// Broker defines the interface for message brokers. The api server publishes
// every notification event here so that sibling instances (and the push
// worker) observe transitions regardless of which instance committed them.
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// Channels used across instances.
const (
	ChannelFlowEvents = "flow.events"
)
