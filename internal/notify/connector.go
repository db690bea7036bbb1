package notify

import "context"

// Listener is a dedicated subscription connection. It is used by one goroutine at a
// time and closed exactly once by its owner.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// Connector yields dedicated listeners and publishes over short-lived connections.
type Connector interface {
	Connect(ctx context.Context) (Listener, error)
	Publish(ctx context.Context, channel string, payload []byte) error
}
