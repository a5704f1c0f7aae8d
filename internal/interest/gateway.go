package interest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/rider-sync/internal/models"
	"github.com/example/rider-sync/internal/observability"
	"github.com/example/rider-sync/internal/push"
)

var ErrNoPassenger = errors.New("interest declaration without passenger id")

const (
	DefaultTimeout  = 1500 * time.Millisecond
	DefaultRadiusKm = 5
	// cellPrecision 6 is roughly a 1.2km x 0.6km cell.
	cellPrecision = 6
	sendLimit     = 10 * time.Second
)

type Sender interface {
	Send(ctx context.Context, o push.Outbound) error
}

type Options struct {
	Timeout  time.Duration
	RadiusKm float64
	Logger   *slog.Logger
}

// Gateway tells the server which region the passenger cares about. It keeps
// only the last declared interest so it can be re-sent after a reconnect.
type Gateway struct {
	sender   Sender
	timeout  time.Duration
	radiusKm float64
	logger   *slog.Logger

	mu      sync.Mutex
	last    *models.RegionInterest
	lastKey string
}

func NewGateway(sender Sender, opts Options) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RadiusKm <= 0 {
		opts.RadiusKm = DefaultRadiusKm
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway{
		sender:   sender,
		timeout:  opts.Timeout,
		radiusKm: opts.RadiusKm,
		logger:   opts.Logger.With("component", "interest"),
	}
}

// Declare replaces the passenger's region interest. A passenger who stays in
// the same geohash cell with the same radius is not re-declared.
func (g *Gateway) Declare(ctx context.Context, ri models.RegionInterest) error {
	if ri.PassengerID == "" {
		return ErrNoPassenger
	}
	if !(models.Coord{Lat: ri.Lat, Lng: ri.Lng}).Valid() {
		return fmt.Errorf("invalid interest center %v,%v", ri.Lat, ri.Lng)
	}
	if ri.RadiusKm <= 0 {
		ri.RadiusKm = g.radiusKm
	}
	key := dedupeKey(ri)

	g.mu.Lock()
	if key == g.lastKey {
		g.mu.Unlock()
		observability.InterestDeclared.WithLabelValues("unchanged").Inc()
		return nil
	}
	g.last = &ri
	g.lastKey = key
	g.mu.Unlock()

	g.send(ctx, ri, key)
	return nil
}

// Resend re-declares the last interest, e.g. after the push channel
// reconnects. It is a no-op when nothing was declared yet.
func (g *Gateway) Resend(ctx context.Context) {
	g.mu.Lock()
	if g.last == nil {
		g.mu.Unlock()
		return
	}
	ri := *g.last
	key := dedupeKey(ri)
	g.lastKey = key
	g.mu.Unlock()
	g.send(ctx, ri, key)
}

func (g *Gateway) Last() (models.RegionInterest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == nil {
		return models.RegionInterest{}, false
	}
	return *g.last, true
}

// send waits at most g.timeout. A slower send keeps going in the background
// and the caller proceeds as if it had succeeded.
func (g *Gateway) send(ctx context.Context, ri models.RegionInterest, key string) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendLimit)
	done := make(chan error, 1)
	go func() {
		defer cancel()
		err := g.sender.Send(sendCtx, push.DeclareInterest{RegionInterest: ri})
		if err != nil {
			g.forget(key)
		}
		done <- err
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			observability.InterestDeclared.WithLabelValues("error").Inc()
			g.logger.Warn("interest declaration failed", "passenger_id", ri.PassengerID, "error", err)
			return
		}
		observability.InterestDeclared.WithLabelValues("sent").Inc()
	case <-timer.C:
		observability.InterestDeclared.WithLabelValues("timeout").Inc()
		g.logger.Info("interest declaration still pending, continuing", "passenger_id", ri.PassengerID, "waited", g.timeout)
	case <-ctx.Done():
	}
}

// forget drops the dedupe key so the next Declare for the same cell retries.
func (g *Gateway) forget(key string) {
	g.mu.Lock()
	if g.lastKey == key {
		g.lastKey = ""
	}
	g.mu.Unlock()
}

func dedupeKey(ri models.RegionInterest) string {
	return fmt.Sprintf("%s|%s|%g", ri.PassengerID, geohash.EncodeWithPrecision(ri.Lat, ri.Lng, cellPrecision), ri.RadiusKm)
}
