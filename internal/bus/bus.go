// Package bus carries orchestration traffic over redis streams. Delivery is
// at-least-once; every consumer must be idempotent.
package bus

import "context"

// Handler processes one delivered message. Returning an error leaves the
// message pending for redelivery; after too many attempts it is dead-lettered.
type Handler func(ctx context.Context, msg Message) error

type Bus interface {
	// Publish appends msg to the topic stream, or parks it for scheduled
	// delivery when msg.EnqueueAt is in the future.
	Publish(ctx context.Context, topic string, msg Message) error

	// Subscribe starts a consumer-group reader on topic. Each group receives
	// every message; subjects, when non-empty, restricts the handler to
	// messages whose Subject matches (others are acked untouched). Blocks
	// until ctx is cancelled.
	Subscribe(ctx context.Context, topic, group, consumer string, subjects []string, h Handler) error

	Close() error
}
