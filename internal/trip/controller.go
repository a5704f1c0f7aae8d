package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/rider-sync/internal/models"
	"github.com/example/rider-sync/internal/observability"
	"github.com/example/rider-sync/internal/storage"
)

var ErrSubmitRejected = errors.New("booking submission rejected")

// PaymentReleaser releases a reserved card authorization.
type PaymentReleaser interface {
	ReleaseReservedAuthorization(ctx context.Context, ref string, party models.CancellingParty, tripID string) error
}

// TransitionPublisher ships applied transitions to analytics.
type TransitionPublisher interface {
	PublishTransition(ctx context.Context, t models.Transition) error
}

// Feed subscribes to document-store changes of a single trip.
type Feed interface {
	Watch(ctx context.Context, tripID string, sink FeedSink) (stop func(), err error)
}

// FeedSink receives document-store notifications.
type FeedSink interface {
	StoreChanged(ch models.StoreChange)
	StoreUnavailable(tripID string, err error)
	StoreRecovered(tripID string)
}

type Config struct {
	PassengerID   string
	Policy        Policy
	Store         storage.TripStore
	Payments      PaymentReleaser
	Feed          Feed
	Publisher     TransitionPublisher
	Logger        *slog.Logger
	Now           func() time.Time
	NewID         func() string
	EffectTimeout time.Duration
	TickInterval  time.Duration
}

// View is the read-only projection handed to UI code.
type View struct {
	Status models.TripStatus `json:"status"`
	Trip   *models.Trip      `json:"trip,omitempty"`
}

// Controller owns the passenger's trip state machine. All sources feed it
// through Apply; side effects run in order, outside the state lock.
type Controller struct {
	mu       sync.Mutex
	state    State
	queue    []Effect
	draining bool
	watches  map[string]func()

	cfg    Config
	sched  *Scheduler
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewController(cfg Config) *Controller {
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.EffectTimeout <= 0 {
		cfg.EffectTimeout = 10 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		state:   initialState(),
		watches: make(map[string]func()),
		cfg:     cfg,
		sched:   NewScheduler(),
		logger:  cfg.Logger.With("component", "trip", "passenger_id", cfg.PassengerID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start runs the deadline loop until ctx is done or Stop is called.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return
	}
	c.done = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		t := time.NewTicker(c.cfg.TickInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.ctx.Done():
				return
			case <-t.C:
				c.Tick()
			}
		}
	}()
}

// Stop ends the deadline loop and drops every document-store watch.
func (c *Controller) Stop() {
	c.cancel()
	c.mu.Lock()
	done := c.done
	watches := c.watches
	c.watches = make(map[string]func())
	c.mu.Unlock()
	for _, stop := range watches {
		stop()
	}
	if done != nil {
		<-done
	}
}

// Tick fires every scheduled deadline that has come due.
func (c *Controller) Tick() {
	for _, key := range c.sched.Due(c.cfg.Now()) {
		c.Apply(Deadline{Key: key})
	}
}

// Apply reduces one event and runs the resulting side effects.
func (c *Controller) Apply(ev Event) Outcome {
	c.mu.Lock()
	out := c.cfg.Policy.Reduce(c.state, ev, c.cfg.Now())
	c.state = out.State
	for _, e := range out.Effects {
		switch e := e.(type) {
		case Schedule:
			c.sched.Schedule(e.Key, e.At)
		case CancelSchedule:
			c.sched.Cancel(e.Key)
		default:
			c.queue = append(c.queue, e)
		}
	}
	c.mu.Unlock()

	c.observe(ev, out)
	c.drain()
	return out
}

// drain runs queued effects one at a time. Effects that feed events back in
// (a watch delivering its first snapshot) only enqueue; the active drainer
// picks them up, which keeps effects ordered without re-entrant locking.
func (c *Controller) drain() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		e := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		c.run(e)
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

func (c *Controller) run(e Effect) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.EffectTimeout)
	defer cancel()

	var err error
	switch e := e.(type) {
	case PersistTrip:
		if c.cfg.Store == nil {
			return
		}
		err = c.cfg.Store.SaveCurrent(ctx, c.cfg.PassengerID, e.Trip)
	case ClearPersisted:
		if c.cfg.Store == nil {
			return
		}
		err = c.cfg.Store.ClearCurrent(ctx, c.cfg.PassengerID)
	case ReleaseAuthorization:
		if c.cfg.Payments == nil {
			return
		}
		// not retried; reconciling orphaned holds is the payment system's job
		err = c.cfg.Payments.ReleaseReservedAuthorization(ctx, e.Ref, e.Party, e.TripID)
		if err != nil && e.TripID == "" {
			err = fmt.Errorf("attempt %s: %w", e.AttemptID, err)
		}
	case PublishTransition:
		if c.cfg.Publisher == nil {
			return
		}
		err = c.cfg.Publisher.PublishTransition(ctx, e.Transition)
	case Watch:
		err = c.watch(e.TripID)
	case Unwatch:
		c.unwatch(e.TripID)
		return
	default:
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		c.logger.Warn("side effect failed", "kind", e.Kind(), "error", err)
	}
	observability.SideEffects.WithLabelValues(e.Kind(), outcome).Inc()
}

func (c *Controller) watch(tripID string) error {
	if c.cfg.Feed == nil {
		return nil
	}
	c.mu.Lock()
	_, exists := c.watches[tripID]
	c.mu.Unlock()
	if exists {
		return nil
	}
	stop, err := c.cfg.Feed.Watch(c.ctx, tripID, c)
	if err != nil {
		// the push channel keeps the trip moving until the listener recovers
		return fmt.Errorf("watch trip %s: %w", tripID, err)
	}
	c.mu.Lock()
	c.watches[tripID] = stop
	c.mu.Unlock()
	return nil
}

func (c *Controller) unwatch(tripID string) {
	c.mu.Lock()
	stop, ok := c.watches[tripID]
	delete(c.watches, tripID)
	c.mu.Unlock()
	if ok {
		stop()
	}
}

func (c *Controller) observe(ev Event, out Outcome) {
	source := string(ev.Source())
	if out.Transitioned() {
		observability.TripTransitions.WithLabelValues(string(out.To), source).Inc()
		args := []any{"from", out.From, "to", out.To, "source", source}
		if t := out.State.Trip; t != nil {
			args = append(args, "trip_id", t.ID)
		}
		c.logger.Info("trip transition", args...)
	}
	if out.Ignored == "" {
		return
	}
	event := fmt.Sprintf("%T", ev)
	if out.Late {
		observability.TripLateEvents.WithLabelValues(event, source).Inc()
		c.logger.Warn("event for trip already in terminal status", "event", event, "source", source, "ignored", out.Ignored)
		return
	}
	observability.TripIgnoredEvents.WithLabelValues(out.Ignored, source).Inc()
	if sn, ok := ev.(StoreSnapshot); ok && out.Ignored == "unknown_status" {
		c.logger.Warn("unknown trip status", "trip_id", sn.Change.TripID, "status", sn.Change.NewStatus)
		return
	}
	c.logger.Debug("trip event ignored", "event", event, "source", source, "reason", out.Ignored)
}

// Submit starts a booking. It returns the attempt id the booking flow must
// quote when reporting Created or CreateFailed.
func (c *Controller) Submit(req models.BookingRequest) (string, error) {
	if req.PassengerID == "" {
		req.PassengerID = c.cfg.PassengerID
	}
	id := c.cfg.NewID()
	out := c.Apply(Submit{AttemptID: id, Request: req})
	if out.Ignored != "" {
		observability.SubmitRejected.Inc()
		return "", fmt.Errorf("%w: %s", ErrSubmitRejected, out.Ignored)
	}
	return id, nil
}

// Cancel is the passenger cancelling the current trip.
func (c *Controller) Cancel(reason string) Outcome {
	return c.Apply(PassengerCancel{Reason: reason})
}

// Acknowledge dismisses a terminal status shown to the passenger.
func (c *Controller) Acknowledge() Outcome {
	return c.Apply(Acknowledge{})
}

// Restore reconciles the trip persisted before a restart.
func (c *Controller) Restore(ctx context.Context) error {
	if c.cfg.Store == nil {
		return nil
	}
	t, err := c.cfg.Store.LoadCurrent(ctx, c.cfg.PassengerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load persisted trip: %w", err)
	}
	c.Apply(Restored{Trip: *t})
	return nil
}

// View returns a copy of the current projection.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := View{Status: c.state.Status}
	if c.state.Trip != nil {
		t := *c.state.Trip
		v.Trip = &t
	}
	return v
}

func (c *Controller) StoreChanged(ch models.StoreChange) {
	c.Apply(StoreSnapshot{Change: ch})
}

func (c *Controller) StoreUnavailable(tripID string, err error) {
	c.logger.Warn("trip listener unavailable, keeping last known state", "trip_id", tripID, "error", err)
}

func (c *Controller) StoreRecovered(tripID string) {
	c.logger.Info("trip listener recovered", "trip_id", tripID)
}
