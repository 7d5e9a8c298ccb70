package alerts

import "context"

// Notifier delivers operator-facing alerts. The lifecycle manager and the
// reconciler depend on this interface, never on a concrete transport.
type Notifier interface {
	Send(ctx context.Context, message string) error
	// SendThrottled drops the message when the same key was alerted within
	// the cooldown window. Fatal alerts should use Send directly.
	SendThrottled(ctx context.Context, key, message string) error
}

type Noop struct{}

func (Noop) Send(ctx context.Context, message string) error { return nil }

func (Noop) SendThrottled(ctx context.Context, key, message string) error { return nil }
