package push

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/rider-sync/internal/observability"
)

// RedisTransport carries the push channel over Redis pub/sub. Inbound frames
// arrive on <prefix>:passenger:<id>; outbound frames are published on
// <prefix>:outbound with the passenger id as sender.
type RedisTransport struct {
	client      *redis.Client
	prefix      string
	passengerID string
	logger      *slog.Logger

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func NewRedisTransport(client *redis.Client, prefix, passengerID string, logger *slog.Logger) *RedisTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "push"
	}
	return &RedisTransport{
		client:      client,
		prefix:      prefix,
		passengerID: passengerID,
		logger:      logger.With("component", "push", "transport", "redis"),
		MinBackoff:  defaultMinBackoff,
		MaxBackoff:  defaultMaxBackoff,
	}
}

func (t *RedisTransport) InboundChannel() string {
	return fmt.Sprintf("%s:passenger:%s", t.prefix, t.passengerID)
}

func (t *RedisTransport) OutboundChannel() string { return t.prefix + ":outbound" }

// Run subscribes and dispatches until ctx is done. go-redis resubscribes
// after a dropped connection; every subscribe confirmation is reported as a
// (re)connect.
func (t *RedisTransport) Run(ctx context.Context, h Handler) error {
	sub := t.client.Subscribe(ctx, t.InboundChannel())
	stop := context.AfterFunc(ctx, func() { _ = sub.Close() })
	defer stop()
	defer sub.Close()

	backoff := t.MinBackoff
	connected, everConnected := false, false
	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if connected {
				connected = false
				t.logger.Warn("push channel lost", "error", err)
				h.HandleDisconnected(err)
			}
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, t.MaxBackoff)
			continue
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			backoff = t.MinBackoff
			connected = true
			if everConnected {
				observability.PushReconnects.Inc()
			}
			t.logger.Info("push channel connected", "channel", m.Channel, "reconnect", everConnected)
			h.HandleConnected(ctx, everConnected)
			everConnected = true
		case *redis.Message:
			deliver(ctx, t.logger, []byte(m.Payload), h)
		}
	}
}

func (t *RedisTransport) Send(ctx context.Context, o Outbound) error {
	b, err := encodeFrom(o, t.passengerID)
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, t.OutboundChannel(), b).Err()
}
