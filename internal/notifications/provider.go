package notifications

import "context"

// Provider delivers events to one destination.
type Provider interface {
	// Name identifies the provider in logs (e.g. "sns", "webhook").
	Name() string

	// Send delivers one event. Errors are logged by the manager and
	// never propagate to the rotation that produced the event.
	Send(ctx context.Context, event Event) error

	// SupportsEvent reports whether this provider handles the event.
	SupportsEvent(event Event) bool
}
