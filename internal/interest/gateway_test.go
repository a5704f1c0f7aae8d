package interest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/rider-sync/internal/models"
	"github.com/example/rider-sync/internal/push"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []models.RegionInterest
	err   error
	block chan struct{}
}

func (f *fakeSender) Send(ctx context.Context, o push.Outbound) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := o.(push.DeclareInterest); ok {
		f.sent = append(f.sent, d.RegionInterest)
	}
	return f.err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func at(lat, lng float64) models.RegionInterest {
	return models.RegionInterest{PassengerID: "p1", Lat: lat, Lng: lng}
}

func TestDeclareSkipsSameCell(t *testing.T) {
	s := &fakeSender{}
	g := NewGateway(s, Options{})
	ctx := context.Background()

	_ = g.Declare(ctx, at(52.5200, 13.4050))
	_ = g.Declare(ctx, at(52.5201, 13.4051))
	if s.count() != 1 {
		t.Fatalf("same cell should not re-declare, sent %d", s.count())
	}
	if s.sent[0].RadiusKm != DefaultRadiusKm {
		t.Fatalf("expected default radius, got %v", s.sent[0].RadiusKm)
	}

	_ = g.Declare(ctx, at(52.5300, 13.4500))
	wider := at(52.5300, 13.4500)
	wider.RadiusKm = 10
	_ = g.Declare(ctx, wider)
	if s.count() != 3 {
		t.Fatalf("moving cell or radius should re-declare, sent %d", s.count())
	}
	last, ok := g.Last()
	if !ok || last.RadiusKm != 10 {
		t.Fatalf("unexpected last interest %+v", last)
	}
}

func TestDeclareBoundedWait(t *testing.T) {
	s := &fakeSender{block: make(chan struct{})}
	g := NewGateway(s, Options{Timeout: 20 * time.Millisecond})

	start := time.Now()
	if err := g.Declare(context.Background(), at(52.52, 13.405)); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Fatalf("declare blocked for %s", waited)
	}
	close(s.block)
	deadline := time.Now().Add(2 * time.Second)
	for s.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.count() != 1 {
		t.Fatalf("declaration should still be sent after the wait expired")
	}
}

func TestDeclareFailureAllowsRetry(t *testing.T) {
	s := &fakeSender{err: errors.New("offline")}
	g := NewGateway(s, Options{})
	ctx := context.Background()
	_ = g.Declare(ctx, at(52.52, 13.405))
	s.err = nil
	_ = g.Declare(ctx, at(52.52, 13.405))
	if s.count() != 2 {
		t.Fatalf("failed declaration should be retried, sent %d", s.count())
	}
}

func TestResend(t *testing.T) {
	s := &fakeSender{}
	g := NewGateway(s, Options{})
	ctx := context.Background()
	g.Resend(ctx)
	if s.count() != 0 {
		t.Fatalf("nothing to resend yet")
	}
	_ = g.Declare(ctx, at(52.52, 13.405))
	g.Resend(ctx)
	if s.count() != 2 || s.sent[1].Lat != 52.52 {
		t.Fatalf("expected the last interest re-sent, got %+v", s.sent)
	}
}

func TestDeclareValidation(t *testing.T) {
	g := NewGateway(&fakeSender{}, Options{})
	if err := g.Declare(context.Background(), models.RegionInterest{Lat: 1, Lng: 1}); !errors.Is(err, ErrNoPassenger) {
		t.Fatalf("expected ErrNoPassenger, got %v", err)
	}
	if err := g.Declare(context.Background(), at(120, 0)); err == nil {
		t.Fatalf("expected invalid center error")
	}
}
