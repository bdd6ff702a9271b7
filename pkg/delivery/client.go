// Package delivery talks to the hosted pub/sub service that performs the
// actual wire fan-out. The manager decides whether and to whom an event goes;
// this package only carries it to the service.
package delivery

import "context"

// BatchItem is one event within a batch trigger call.
type BatchItem struct {
	Channel string `json:"channel"`
	Name    string `json:"name"`
	Data    any    `json:"data"`
}

// Client is the transport contract. Calls are at-most-once/best-effort; a
// returned error means the service did not acknowledge the publish.
type Client interface {
	// Trigger publishes one event to one channel.
	Trigger(ctx context.Context, channel, event string, payload any) error

	// TriggerBatch publishes a set of events as a single network call.
	TriggerBatch(ctx context.Context, items []BatchItem) error

	// Probe checks that the service is reachable. Used by the periodic
	// health check only.
	Probe(ctx context.Context) error
}
