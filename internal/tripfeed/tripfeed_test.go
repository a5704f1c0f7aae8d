package tripfeed

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/example/rider-sync/internal/models"
	"github.com/example/rider-sync/internal/trip"
)

type recordingSink struct {
	mu          sync.Mutex
	changes     []models.StoreChange
	unavailable int
	recovered   int
	notify      chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 16)}
}

func (s *recordingSink) StoreChanged(ch models.StoreChange) {
	s.mu.Lock()
	s.changes = append(s.changes, ch)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *recordingSink) StoreUnavailable(string, error) {
	s.mu.Lock()
	s.unavailable++
	s.mu.Unlock()
}

func (s *recordingSink) StoreRecovered(string) {
	s.mu.Lock()
	s.recovered++
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() []models.StoreChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.StoreChange(nil), s.changes...)
}

func TestMemoryFeedDeliversAndStops(t *testing.T) {
	f := NewMemoryFeed()
	a, b := newRecordingSink(), newRecordingSink()
	stopA, _ := f.Watch(context.Background(), "trip-1", a)
	_, _ = f.Watch(context.Background(), "trip-2", b)

	f.Publish(models.StoreChange{TripID: "trip-1", NewStatus: "pending"})
	f.Publish(models.StoreChange{TripID: "trip-1", NewStatus: "accepted"})
	got := a.snapshot()
	if len(got) != 2 || got[1].PreviousStatus != "pending" {
		t.Fatalf("unexpected changes %+v", got)
	}
	if len(b.snapshot()) != 0 {
		t.Fatalf("trip-2 watcher should not see trip-1 changes")
	}

	stopA()
	stopA()
	f.Publish(models.StoreChange{TripID: "trip-1", NewStatus: "completed"})
	if len(a.snapshot()) != 2 {
		t.Fatalf("stopped watcher still receiving")
	}
	if f.Watchers("trip-1") != 0 {
		t.Fatalf("expected no watchers left")
	}
}

func TestMemoryFeedReplaysLatestOnWatch(t *testing.T) {
	f := NewMemoryFeed()
	f.Publish(models.StoreChange{TripID: "trip-1", NewStatus: "accepted", Trip: &models.TripData{DriverID: "d1"}})
	s := newRecordingSink()
	_, _ = f.Watch(context.Background(), "trip-1", s)
	got := s.snapshot()
	if len(got) != 1 || got[0].Trip.DriverID != "d1" {
		t.Fatalf("expected replay of latest record, got %+v", got)
	}
	f.Fail("trip-1", errors.New("offline"))
	f.Recover("trip-1")
	if s.unavailable != 1 || s.recovered != 1 {
		t.Fatalf("expected availability callbacks, got %d/%d", s.unavailable, s.recovered)
	}
}

func TestMemoryFeedDrivesController(t *testing.T) {
	f := NewMemoryFeed()
	c := trip.NewController(trip.Config{PassengerID: "p1", Feed: f})
	id, err := c.Submit(models.BookingRequest{PaymentMethodKind: models.PaymentCash})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	c.Apply(trip.Created{AttemptID: id, TripID: "trip-1"})
	if f.Watchers("trip-1") != 1 {
		t.Fatalf("controller should watch the created trip")
	}
	f.Publish(models.StoreChange{TripID: "trip-1", NewStatus: "in_progress", Trip: &models.TripData{DriverID: "d1"}})
	if s := c.View().Status; s != models.StatusInProgress {
		t.Fatalf("expected inProgress, got %s", s)
	}
	f.Publish(models.StoreChange{TripID: "trip-1", NewStatus: "completed"})
	if s := c.View().Status; s != models.StatusIdle {
		t.Fatalf("expected idle after completion, got %s", s)
	}
	if f.Watchers("trip-1") != 0 {
		t.Fatalf("watch should be dropped once the trip is closed")
	}
}

func TestPGFeedDispatchFiltersByTrip(t *testing.T) {
	f := newPGFeed(nil, nil)
	f.read = func(context.Context, string) (*models.StoreChange, error) { return nil, nil }
	s := newRecordingSink()
	stop, err := f.Watch(context.Background(), "trip-1", s)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	f.dispatch(`{"trip_id":"trip-2","new_status":"accepted"}`)
	f.dispatch(`not json`)
	f.dispatch(`{"trip_id":"trip-1","previous_status":"pending","new_status":"accepted","trip":{"driver_id":"d1","driver_name":"Ana"}}`)

	got := s.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected one delivered change, got %+v", got)
	}
	if got[0].NewStatus != "accepted" || got[0].Trip == nil || got[0].Trip.DriverName != "Ana" {
		t.Fatalf("unexpected change %+v", got[0])
	}
}

func TestPGFeedRereadsOnAttachAndReconnect(t *testing.T) {
	f := newPGFeed(nil, nil)
	reads := 0
	f.read = func(_ context.Context, id string) (*models.StoreChange, error) {
		reads++
		return &models.StoreChange{TripID: id, NewStatus: "arrived"}, nil
	}
	s := newRecordingSink()
	if _, err := f.Watch(context.Background(), "trip-1", s); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if reads != 1 || len(s.snapshot()) != 1 {
		t.Fatalf("expected an initial re-read, reads=%d", reads)
	}

	f.onListenerEvent(pq.ListenerEventConnected, nil)
	f.onListenerEvent(pq.ListenerEventDisconnected, errors.New("conn reset"))
	f.onListenerEvent(pq.ListenerEventReconnected, nil)
	if s.unavailable != 1 || s.recovered != 1 {
		t.Fatalf("expected one outage and one recovery, got %d/%d", s.unavailable, s.recovered)
	}
	if reads != 2 || len(s.snapshot()) != 2 {
		t.Fatalf("reconnect should re-read watched trips, reads=%d", reads)
	}
}

func TestPGFeedReadFailureReportsUnavailable(t *testing.T) {
	f := newPGFeed(nil, nil)
	f.read = func(context.Context, string) (*models.StoreChange, error) { return nil, errors.New("timeout") }
	s := newRecordingSink()
	if _, err := f.Watch(context.Background(), "trip-1", s); err != nil {
		t.Fatalf("a failed re-read must not fail the watch: %v", err)
	}
	if s.unavailable != 1 {
		t.Fatalf("expected unavailability reported")
	}
}

func TestPGFeedNotify(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	f, err := NewPGFeed(dsn, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer f.Close()
	ctx := context.Background()
	if err := f.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := f.db.ExecContext(ctx, `INSERT INTO trips(id, passenger_id, status) VALUES('feed-test','p1','pending')
ON CONFLICT (id) DO UPDATE SET status='pending', driver_id=''`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s := newRecordingSink()
	stop, _ := f.Watch(ctx, "feed-test", s)
	defer stop()
	<-s.notify

	if _, err := f.db.ExecContext(ctx, `UPDATE trips SET status='accepted', driver_id='d1' WHERE id='feed-test'`); err != nil {
		t.Fatalf("update: %v", err)
	}
	select {
	case <-s.notify:
	case <-time.After(5 * time.Second):
		t.Fatalf("no notification received")
	}
	got := s.snapshot()
	last := got[len(got)-1]
	if last.NewStatus != "accepted" || last.PreviousStatus != "pending" || last.Trip.DriverID != "d1" {
		t.Fatalf("unexpected notification %+v", last)
	}
}
