// Package broadcast defines the realtime fan-out channel used to push
// status changes to an event's live subscribers (and to sibling processes).
// Delivery is fire-and-forget: there is no confirmation and no replay.
package broadcast

import "context"

// Broadcaster publishes and consumes per-event payloads. Implementations
// must be safe for concurrent use.
type Broadcaster interface {
	// Broadcast hands payload to the transport for eventID. A nil error
	// means accepted, not delivered.
	Broadcast(ctx context.Context, eventID string, payload []byte) error

	// Subscribe streams payloads published for eventID, including this
	// process's own. The cancel func stops the stream and closes the
	// channel; it is safe to call more than once.
	Subscribe(ctx context.Context, eventID string) (<-chan []byte, func(), error)

	// Close releases resources.
	Close(ctx context.Context) error
}
