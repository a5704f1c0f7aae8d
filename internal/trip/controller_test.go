package trip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/rider-sync/internal/models"
	"github.com/example/rider-sync/internal/observability"
	"github.com/example/rider-sync/internal/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type countingStore struct {
	*storage.MemoryStore
	saves, clears int
}

func (s *countingStore) SaveCurrent(ctx context.Context, passengerID string, t models.Trip) error {
	s.saves++
	return s.MemoryStore.SaveCurrent(ctx, passengerID, t)
}

func (s *countingStore) ClearCurrent(ctx context.Context, passengerID string) error {
	s.clears++
	return s.MemoryStore.ClearCurrent(ctx, passengerID)
}

type fakePayments struct {
	calls []ReleaseAuthorization
	err   error
}

func (f *fakePayments) ReleaseReservedAuthorization(_ context.Context, ref string, party models.CancellingParty, tripID string) error {
	f.calls = append(f.calls, ReleaseAuthorization{TripID: tripID, Ref: ref, Party: party})
	return f.err
}

type fakePublisher struct {
	transitions []models.Transition
}

func (f *fakePublisher) PublishTransition(_ context.Context, t models.Transition) error {
	f.transitions = append(f.transitions, t)
	return nil
}

type fakeFeed struct {
	sink    FeedSink
	watched []string
	stopped []string
	err     error
	initial *models.StoreChange
}

func (f *fakeFeed) Watch(_ context.Context, tripID string, sink FeedSink) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sink = sink
	f.watched = append(f.watched, tripID)
	if f.initial != nil {
		sink.StoreChanged(*f.initial)
	}
	return func() { f.stopped = append(f.stopped, tripID) }, nil
}

type harness struct {
	c     *Controller
	clk   *clock
	store *countingStore
	pay   *fakePayments
	pub   *fakePublisher
	feed  *fakeFeed
}

func newHarness() *harness {
	h := &harness{
		clk:   &clock{t: t0},
		store: &countingStore{MemoryStore: storage.NewMemoryStore()},
		pay:   &fakePayments{},
		pub:   &fakePublisher{},
		feed:  &fakeFeed{},
	}
	ids := 0
	h.c = NewController(Config{
		PassengerID: "p1",
		Store:       h.store,
		Payments:    h.pay,
		Feed:        h.feed,
		Publisher:   h.pub,
		Now:         h.clk.now,
		NewID: func() string {
			ids++
			return "attempt-" + string(rune('0'+ids))
		},
	})
	return h
}

func (h *harness) book(t *testing.T) string {
	t.Helper()
	id, err := h.c.Submit(cardBooking())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.c.Apply(Created{AttemptID: id, TripID: "trip-1"})
	if h.c.View().Status != models.StatusSearching {
		t.Fatalf("expected searching, got %s", h.c.View().Status)
	}
	return id
}

func TestControllerRejectsDoubleSubmit(t *testing.T) {
	h := newHarness()
	if _, err := h.c.Submit(cardBooking()); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	h.clk.advance(500 * time.Millisecond)
	if _, err := h.c.Submit(cardBooking()); !errors.Is(err, ErrSubmitRejected) {
		t.Fatalf("expected ErrSubmitRejected, got %v", err)
	}
	creating := 0
	for _, tr := range h.pub.transitions {
		if tr.To == models.StatusCreating {
			creating++
		}
	}
	if creating != 1 {
		t.Fatalf("expected one creating transition, got %d", creating)
	}
}

func TestControllerPersistsAndWatches(t *testing.T) {
	h := newHarness()
	h.book(t)
	if len(h.feed.watched) != 1 || h.feed.watched[0] != "trip-1" {
		t.Fatalf("expected watch on trip-1, got %v", h.feed.watched)
	}
	saved, err := h.store.LoadCurrent(context.Background(), "p1")
	if err != nil || saved.Status != models.StatusSearching || saved.ID != "trip-1" {
		t.Fatalf("expected searching trip persisted, got %+v err=%v", saved, err)
	}
}

func TestControllerCompletedClearsOnce(t *testing.T) {
	h := newHarness()
	h.book(t)
	h.c.Apply(Accepted{TripID: "trip-1", DriverID: "d1"})
	h.feed.sink.StoreChanged(models.StoreChange{TripID: "trip-1", NewStatus: "completed"})
	h.c.Apply(Closed{TripID: "trip-1", Reason: "completed"})
	h.feed.sink.StoreChanged(models.StoreChange{TripID: "trip-1", NewStatus: "completed"})

	if h.store.clears != 1 {
		t.Fatalf("expected one clear, got %d", h.store.clears)
	}
	if _, err := h.store.LoadCurrent(context.Background(), "p1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("persisted trip should be gone")
	}
	if len(h.feed.stopped) != 1 {
		t.Fatalf("expected the watch to be stopped once, got %v", h.feed.stopped)
	}
	if v := h.c.View(); v.Status != models.StatusIdle || v.Trip != nil {
		t.Fatalf("expected idle, got %+v", v)
	}
}

func TestControllerReleaseFailureDoesNotBlock(t *testing.T) {
	h := newHarness()
	h.pay.err = errors.New("stripe down")
	h.book(t)
	h.c.Apply(Closed{TripID: "trip-1", Reason: "driver"})
	h.feed.sink.StoreChanged(models.StoreChange{TripID: "trip-1", NewStatus: "cancelled_by_driver"})

	if v := h.c.View(); v.Status != models.StatusCancelledByDriver {
		t.Fatalf("expected cancelledByDriver, got %s", v.Status)
	}
	if len(h.pay.calls) != 1 {
		t.Fatalf("expected one release attempt, got %d", len(h.pay.calls))
	}
	if h.pay.calls[0].Party != models.PartyDriver || h.pay.calls[0].Ref != "pi_hold" {
		t.Fatalf("unexpected release %+v", h.pay.calls[0])
	}
}

func TestControllerBannerClearedByTick(t *testing.T) {
	h := newHarness()
	h.book(t)
	h.c.Cancel("")
	if h.c.View().Trip == nil {
		t.Fatalf("projection should remain while the banner is up")
	}
	h.clk.advance(2 * time.Second)
	h.c.Tick()
	if h.c.View().Status != models.StatusCancelledByPassenger {
		t.Fatalf("cleared too early")
	}
	h.clk.advance(time.Second)
	h.c.Tick()
	if v := h.c.View(); v.Status != models.StatusIdle || v.Trip != nil {
		t.Fatalf("expected idle after the banner deadline, got %+v", v)
	}
	if h.c.sched.Len() != 0 {
		t.Fatalf("scheduler should be empty")
	}
}

func TestControllerListenerFailureIsNonFatal(t *testing.T) {
	h := newHarness()
	h.feed.err = errors.New("permission denied")
	h.book(t)
	h.c.Apply(Accepted{TripID: "trip-1", DriverID: "d1"})
	if v := h.c.View(); v.Status != models.StatusAssigned {
		t.Fatalf("push channel should still advance the trip, got %s", v.Status)
	}
	h.c.StoreUnavailable("trip-1", errors.New("transient"))
	if v := h.c.View(); v.Status != models.StatusAssigned {
		t.Fatalf("listener loss must keep the last state")
	}
}

func TestControllerWatchDeliversSynchronously(t *testing.T) {
	h := newHarness()
	h.feed.initial = &models.StoreChange{TripID: "trip-1", NewStatus: "accepted", Trip: &models.TripData{DriverID: "d1", DriverName: "Ana"}}
	id, err := h.c.Submit(cardBooking())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.c.Apply(Created{AttemptID: id, TripID: "trip-1"})
	v := h.c.View()
	if v.Status != models.StatusAssigned || v.Trip.DriverName != "Ana" {
		t.Fatalf("expected initial snapshot applied, got %+v", v)
	}
	want := []models.TripStatus{models.StatusCreating, models.StatusSearching, models.StatusAssigned}
	if len(h.pub.transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(h.pub.transitions))
	}
	for i, w := range want {
		if h.pub.transitions[i].To != w {
			t.Fatalf("transition %d: expected %s, got %s", i, w, h.pub.transitions[i].To)
		}
	}
}

func TestControllerLateEventCounted(t *testing.T) {
	h := newHarness()
	h.book(t)
	h.c.Apply(Closed{TripID: "trip-1", Reason: "driver"})
	counter := observability.TripLateEvents.WithLabelValues("trip.Accepted", "push")
	before := testutil.ToFloat64(counter)
	h.c.Apply(Accepted{TripID: "trip-1", DriverID: "d1"})
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Fatalf("expected late event counted once, got %v", got)
	}
}

func TestControllerRestore(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.store.MemoryStore.SaveCurrent(ctx, "p1", models.Trip{ID: "trip-old", Status: models.StatusCancelledByDriver})
	if err := h.c.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if h.c.View().Status != models.StatusIdle || h.store.clears != 1 {
		t.Fatalf("terminal persisted trip should be cleared")
	}

	h = newHarness()
	_ = h.store.MemoryStore.SaveCurrent(ctx, "p1", models.Trip{ID: "trip-1", Status: models.StatusInProgress, DriverID: "d1"})
	if err := h.c.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if h.c.View().Status != models.StatusInProgress {
		t.Fatalf("expected restored inProgress, got %s", h.c.View().Status)
	}
	if len(h.feed.watched) != 1 {
		t.Fatalf("restored trip should be watched")
	}

	h = newHarness()
	if err := h.c.Restore(ctx); err != nil {
		t.Fatalf("restore with nothing persisted: %v", err)
	}
}

func TestControllerStartStop(t *testing.T) {
	h := newHarness()
	h.c.cfg.TickInterval = time.Millisecond
	h.c.Start(context.Background())
	h.book(t)
	h.c.Stop()
	if len(h.feed.stopped) != 1 {
		t.Fatalf("stop should drop the active watch")
	}
}
