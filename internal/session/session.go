package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/rider-sync/internal/interest"
	"github.com/example/rider-sync/internal/models"
	"github.com/example/rider-sync/internal/presence"
	"github.com/example/rider-sync/internal/push"
	"github.com/example/rider-sync/internal/trip"
)

const DefaultResyncDelay = 250 * time.Millisecond

type Config struct {
	PassengerID string
	ResyncDelay time.Duration
	Logger      *slog.Logger
}

// Session is one passenger's sync core: it routes the push channel into the
// presence registry and the trip controller, and resyncs after reconnects.
type Session struct {
	cfg       Config
	transport push.Transport
	registry  *presence.Registry
	trips     *trip.Controller
	interest  *interest.Gateway
	logger    *slog.Logger

	mu     sync.Mutex
	resync *time.Timer
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, transport push.Transport, registry *presence.Registry, trips *trip.Controller, gateway *interest.Gateway) *Session {
	if cfg.ResyncDelay <= 0 {
		cfg.ResyncDelay = DefaultResyncDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		cfg:       cfg,
		transport: transport,
		registry:  registry,
		trips:     trips,
		interest:  gateway,
		logger:    cfg.Logger.With("component", "session", "passenger_id", cfg.PassengerID),
	}
}

// Start restores the persisted trip and connects the push channel.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.trips.Restore(ctx); err != nil {
		s.logger.Warn("trip restore failed, starting idle", "error", err)
	}
	s.trips.Start(runCtx)

	go func() {
		defer close(s.done)
		if err := s.transport.Run(runCtx, s); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("push transport stopped", "error", err)
		}
	}()
	return nil
}

func (s *Session) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	if s.resync != nil {
		s.resync.Stop()
		s.resync = nil
	}
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.trips.Stop()
}

func (s *Session) HandleMessage(_ context.Context, m push.Message) {
	switch m := m.(type) {
	case push.Snapshot:
		n := s.registry.ApplySnapshot(m.Drivers)
		s.logger.Debug("presence snapshot applied", "drivers", n)
	case push.Delta:
		res := s.registry.ApplyDelta(m.Delta)
		if res.Dropped > 0 {
			s.logger.Debug("presence delta partially dropped", "dropped", res.Dropped)
		}
	case push.TripAccepted:
		s.trips.Apply(trip.Accepted{TripID: m.TripID, DriverID: m.DriverID, DriverName: m.DriverName})
	case push.TripDriverArrived:
		s.trips.Apply(trip.DriverArrived{TripID: m.TripID})
	case push.TripClosed:
		s.trips.Apply(trip.Closed{TripID: m.TripID, Reason: m.Reason})
	case push.NoDriversAvailable:
		s.trips.Apply(trip.NoDrivers{TripID: m.TripID})
	}
}

// HandleConnected schedules a resync: accumulated deltas cannot be trusted
// across a connection boundary.
func (s *Session) HandleConnected(ctx context.Context, reconnect bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resync != nil {
		s.resync.Stop()
	}
	s.resync = time.AfterFunc(s.cfg.ResyncDelay, func() { s.resyncNow(ctx) })
}

func (s *Session) HandleDisconnected(err error) {
	s.registry.MarkDisconnected()
	s.mu.Lock()
	if s.resync != nil {
		s.resync.Stop()
		s.resync = nil
	}
	s.mu.Unlock()
}

func (s *Session) resyncNow(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := s.registry.Resync(ctx); err != nil {
		s.logger.Warn("presence resync failed", "error", err)
	}
	s.interest.Resend(ctx)
}

// UpdateLocation re-declares the passenger's region of interest.
func (s *Session) UpdateLocation(ctx context.Context, at models.Coord, radiusKm float64) error {
	return s.interest.Declare(ctx, models.RegionInterest{
		PassengerID: s.cfg.PassengerID,
		Lat:         at.Lat,
		Lng:         at.Lng,
		RadiusKm:    radiusKm,
	})
}

func (s *Session) Nearby(q presence.Query) []models.DriverListing {
	return s.registry.QueryNearby(q)
}

func (s *Session) PassengerID() string { return s.cfg.PassengerID }

func (s *Session) Trips() *trip.Controller { return s.trips }

func (s *Session) Registry() *presence.Registry { return s.registry }
