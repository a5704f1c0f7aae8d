package push

import "context"

// Handler receives inbound messages and connection lifecycle events.
// Calls are made from the transport's read goroutine, one at a time.
type Handler interface {
	HandleMessage(ctx context.Context, m Message)
	HandleConnected(ctx context.Context, reconnect bool)
	HandleDisconnected(err error)
}

// Transport is a persistent push channel.
type Transport interface {
	// Run connects and keeps reconnecting until ctx is done.
	Run(ctx context.Context, h Handler) error
	Send(ctx context.Context, o Outbound) error
}

// Client adapts a Transport to the small outbound interfaces used by the
// presence registry and the interest gateway.
type Client struct {
	T Transport
}

func (c Client) RequestSnapshot(ctx context.Context) error {
	return c.T.Send(ctx, RequestSnapshot{})
}
