// Package bus defines the presence-event channel between nodes.
//
// Events travel on a single key-partitioned topic, keyed by user id, so all
// events for one user are totally ordered while different users impose no
// ordering on each other. Delivery is at-least-once: consumers apply events
// at the set level (adding a present member and removing an absent one are
// no-ops) so replays are harmless.
package bus

import "context"

// Topic is the presence-event topic name.
const Topic = "user_status_events"

// Action is a presence transition.
type Action string

const (
	ActionOnline  Action = "online"
	ActionOffline Action = "offline"
)

// Valid reports whether the action is a known presence transition.
func (a Action) Valid() bool {
	return a == ActionOnline || a == ActionOffline
}

// Event is one presence transition for one user.
type Event struct {
	// UserID identifies the user; it is also the partition key.
	UserID string `json:"userId"`

	// Action is "online" or "offline".
	Action Action `json:"action"`

	// Timestamp is the publishing node's clock in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// NodeID is the instance that published the event. Consumers use it to
	// suppress events they produced themselves.
	NodeID string `json:"nodeId"`
}

// Handler processes one consumed event. Returning an error logs the event
// as failed but does not stop the consumer; the presence view is
// self-healing through TTLs.
type Handler func(ctx context.Context, event Event) error

// Publisher publishes presence events keyed by user id.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Consumer delivers every event on the topic to a handler, in partition
// order. Run blocks until the context is cancelled.
type Consumer interface {
	Run(ctx context.Context, handler Handler) error
	Close() error
}
