package push

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/rider-sync/internal/observability"
)

var ErrNotConnected = errors.New("push channel not connected")

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 30 * time.Second
	defaultPongWait   = 60 * time.Second
	writeWait         = 10 * time.Second
)

// WSTransport is a websocket push channel that redials with exponential
// backoff whenever the connection drops.
type WSTransport struct {
	URL        string
	Header     http.Header
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	PongWait   time.Duration

	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSTransport(url string, logger *slog.Logger) *WSTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		URL:        url,
		Dialer:     websocket.DefaultDialer,
		MinBackoff: defaultMinBackoff,
		MaxBackoff: defaultMaxBackoff,
		PongWait:   defaultPongWait,
		logger:     logger.With("component", "push", "transport", "ws"),
	}
}

func (t *WSTransport) Run(ctx context.Context, h Handler) error {
	backoff := t.MinBackoff
	connected := false
	for {
		conn, _, err := t.Dialer.DialContext(ctx, t.URL, t.Header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn("push dial failed", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, t.MaxBackoff)
			continue
		}
		backoff = t.MinBackoff
		if connected {
			observability.PushReconnects.Inc()
		}
		t.setConn(conn)
		t.logger.Info("push channel connected", "reconnect", connected)
		h.HandleConnected(ctx, connected)
		connected = true

		err = t.readLoop(ctx, conn, h)
		t.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.logger.Warn("push channel lost", "error", err)
		h.HandleDisconnected(err)
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
	}
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn, h Handler) error {
	_ = conn.SetReadDeadline(time.Now().Add(t.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.PongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ping := time.NewTicker(t.PongWait * 9 / 10)
		defer ping.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ping.C:
				t.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				t.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		deliver(ctx, t.logger, raw, h)
	}
}

func (t *WSTransport) Send(ctx context.Context, o Outbound) error {
	b, err := Encode(o)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, b)
}

func (t *WSTransport) setConn(c *websocket.Conn) {
	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()
}

// deliver decodes one frame and hands it to h. Bad frames are logged and
// skipped so one malformed message never tears down the channel.
func deliver(ctx context.Context, logger *slog.Logger, raw []byte, h Handler) {
	m, err := Decode(raw)
	if err != nil {
		observability.PushMessages.WithLabelValues("invalid").Inc()
		logger.Warn("dropping push message", "error", err)
		return
	}
	observability.PushMessages.WithLabelValues(string(m.Kind())).Inc()
	h.HandleMessage(ctx, m)
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
