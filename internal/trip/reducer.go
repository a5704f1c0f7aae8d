package trip

import (
	"strings"
	"time"

	"github.com/example/rider-sync/internal/models"
)

// Policy holds the timing rules of the state machine.
type Policy struct {
	// SubmitDebounce rejects a second booking submitted within this window.
	SubmitDebounce time.Duration
	// BannerTTL is how long a cancelled or failed trip stays visible before
	// the projection is cleared without user input.
	BannerTTL time.Duration
	// TerminalClearDelay applies to completed trips.
	TerminalClearDelay time.Duration
	// NoDriversFallback clears a no-drivers result if the passenger never
	// acknowledges it. Zero waits for the acknowledgment.
	NoDriversFallback time.Duration
	// HoldWindow bounds how long a trip event that beat the create result
	// is kept for replay.
	HoldWindow time.Duration
}

func (p Policy) holdWindow() time.Duration {
	if p.HoldWindow <= 0 {
		return defaultHoldWindow
	}
	return p.HoldWindow
}

func DefaultPolicy() Policy {
	return Policy{
		SubmitDebounce: 1500 * time.Millisecond,
		BannerTTL:      3 * time.Second,
	}
}

const (
	maxClosed         = 32
	maxHeld           = 8
	defaultHoldWindow = 10 * time.Second
)

type heldEvent struct {
	ev     Event
	tripID string
	at     time.Time
}

type closedTrip struct {
	id     string
	status models.TripStatus
}

// State is the controller's reconciled view. It is treated as a value:
// Reduce never mutates the State it is given.
type State struct {
	Status       models.TripStatus
	Trip         *models.Trip
	AttemptID    string
	LastSubmit   time.Time
	PendingClear string

	fired  map[string]struct{}
	closed []closedTrip
	held   []heldEvent
}

func initialState() State {
	return State{Status: models.StatusIdle}
}

// key identifies the current trip in the side-effect ledger; before the
// backend assigns an id the attempt id stands in.
func (s State) key() string {
	if s.Trip != nil && s.Trip.ID != "" {
		return s.Trip.ID
	}
	return "attempt:" + s.AttemptID
}

// once records key in the ledger and reports whether it was new.
func (s *State) once(key string) bool {
	if _, ok := s.fired[key]; ok {
		return false
	}
	next := make(map[string]struct{}, len(s.fired)+1)
	for k := range s.fired {
		next[k] = struct{}{}
	}
	next[key] = struct{}{}
	s.fired = next
	return true
}

// prune drops ledger entries of a trip whose projection has been cleared;
// later events for it are caught by the closed list instead.
func (s *State) prune(tripKey string) {
	next := make(map[string]struct{}, len(s.fired))
	for k := range s.fired {
		if !strings.HasPrefix(k, tripKey+"/") {
			next[k] = struct{}{}
		}
	}
	s.fired = next
}

func (s *State) recordClosed(id string, status models.TripStatus) {
	if id == "" {
		return
	}
	next := make([]closedTrip, 0, len(s.closed)+1)
	if len(s.closed) >= maxClosed {
		next = append(next, s.closed[len(s.closed)-maxClosed+1:]...)
	} else {
		next = append(next, s.closed...)
	}
	s.closed = append(next, closedTrip{id: id, status: status})
}

func (s State) closedStatus(id string) (models.TripStatus, bool) {
	for i := len(s.closed) - 1; i >= 0; i-- {
		if s.closed[i].id == id {
			return s.closed[i].status, true
		}
	}
	return "", false
}

// Outcome is the result of reducing one event.
type Outcome struct {
	State   State
	Effects []Effect
	From    models.TripStatus
	To      models.TripStatus
	// Ignored names why the event did not advance the machine.
	Ignored string
	// Late is set for events about a trip that already reached a terminal
	// status.
	Late bool
}

func (o Outcome) Transitioned() bool { return o.From != o.To }

type reduction struct {
	p       Policy
	s       State
	now     time.Time
	source  Source
	effects []Effect
	ignored string
	late    bool
}

// Reduce applies one event to a state and returns the new state with the
// side effects to run. Terminal statuses dominate regardless of which
// source reports them; among non-terminal statuses the most advanced wins.
func (p Policy) Reduce(s State, ev Event, now time.Time) Outcome {
	r := &reduction{p: p, s: s, now: now, source: ev.Source()}
	from := s.Status
	r.dispatch(ev)
	return Outcome{
		State:   r.s,
		Effects: r.effects,
		From:    from,
		To:      r.s.Status,
		Ignored: r.ignored,
		Late:    r.late,
	}
}

func (r *reduction) dispatch(ev Event) {
	if r.hold(ev) {
		return
	}
	switch e := ev.(type) {
	case Submit:
		r.submit(e)
	case Created:
		r.created(e)
	case CreateFailed:
		r.createFailed(e)
	case PassengerCancel:
		r.passengerCancel(e)
	case Acknowledge:
		r.acknowledge()
	case Deadline:
		r.deadline(e)
	case Restored:
		r.restored(e)
	case Accepted:
		r.accepted(e)
	case DriverArrived:
		if r.target(e.TripID) {
			r.ignore("not_authoritative")
		}
	case Closed:
		if r.target(e.TripID) {
			r.terminal(models.ClosedStatus(e.Reason), e.Reason)
		}
	case NoDrivers:
		if r.target(e.TripID) {
			r.terminal(models.StatusNoDriversFound, "no drivers available")
		}
	case StoreSnapshot:
		r.storeSnapshot(e.Change)
	default:
		r.ignore("unknown_event")
	}
}

// tripIDOf returns the trip a backend-originated event is addressed to.
func tripIDOf(ev Event) (string, bool) {
	switch e := ev.(type) {
	case Accepted:
		return e.TripID, true
	case DriverArrived:
		return e.TripID, true
	case Closed:
		return e.TripID, true
	case NoDrivers:
		return e.TripID, true
	case StoreSnapshot:
		return e.Change.TripID, true
	}
	return "", false
}

// hold parks a trip event that arrives while the create request is still in
// flight, since its trip id cannot be matched yet. Created replays it.
func (r *reduction) hold(ev Event) bool {
	id, ok := tripIDOf(ev)
	if !ok || id == "" || r.s.Status != models.StatusCreating || r.s.Trip == nil || r.s.Trip.ID != "" {
		return false
	}
	if _, closed := r.s.closedStatus(id); closed {
		return false
	}
	next := make([]heldEvent, 0, maxHeld)
	if len(r.s.held) >= maxHeld {
		next = append(next, r.s.held[len(r.s.held)-maxHeld+1:]...)
	} else {
		next = append(next, r.s.held...)
	}
	r.s.held = append(next, heldEvent{ev: ev, tripID: id, at: r.now})
	r.ignore("awaiting_trip_id")
	return true
}

// replayHeld applies the parked events addressed to tripID that are still
// inside the hold window. The outcome keeps reporting the Created event.
func (r *reduction) replayHeld(tripID string) {
	held := r.s.held
	r.s.held = nil
	source, ignored, late := r.source, r.ignored, r.late
	for _, h := range held {
		if h.tripID != tripID || r.now.Sub(h.at) > r.p.holdWindow() {
			continue
		}
		r.source = h.ev.Source()
		r.dispatch(h.ev)
	}
	r.source, r.ignored, r.late = source, ignored, late
}

func (r *reduction) ignore(reason string) {
	if r.ignored == "" {
		r.ignored = reason
	}
}

func (r *reduction) emit(e Effect) { r.effects = append(r.effects, e) }

func (r *reduction) submit(e Submit) {
	if r.s.Status != models.StatusIdle || r.s.Trip != nil {
		r.ignore("busy")
		return
	}
	if !r.s.LastSubmit.IsZero() && r.now.Sub(r.s.LastSubmit) < r.p.SubmitDebounce {
		r.ignore("debounce")
		return
	}
	req := e.Request
	r.s.LastSubmit = r.now
	r.s.AttemptID = e.AttemptID
	r.s.held = nil
	r.s.Trip = &models.Trip{
		PassengerID:       req.PassengerID,
		Status:            models.StatusIdle,
		PaymentIntentRef:  req.PaymentIntentRef,
		PaymentMethodKind: req.PaymentMethodKind,
		Category:          req.Category,
		Pickup:            req.Pickup,
		Dropoff:           req.Dropoff,
		CreatedAt:         r.now,
		UpdatedAt:         r.now,
	}
	r.enter(models.StatusCreating, "")
}

// attempt checks that a request result belongs to the in-flight attempt.
func (r *reduction) attempt(id string) bool {
	if r.s.Status == models.StatusCreating && id == r.s.AttemptID {
		return true
	}
	if r.s.Status.Terminal() && id == r.s.AttemptID {
		r.late = true
		r.ignore("after_terminal")
		return false
	}
	r.ignore("stale_attempt")
	return false
}

func (r *reduction) created(e Created) {
	if !r.attempt(e.AttemptID) || e.TripID == "" {
		r.ignore("missing_trip_id")
		return
	}
	t := *r.s.Trip
	t.ID = e.TripID
	if e.PaymentIntentRef != "" {
		t.PaymentIntentRef = e.PaymentIntentRef
	}
	r.s.Trip = &t
	r.enter(models.StatusSearching, "")
	r.emit(Watch{TripID: t.ID})
	r.replayHeld(t.ID)
}

func (r *reduction) createFailed(e CreateFailed) {
	if !r.attempt(e.AttemptID) {
		return
	}
	reason := e.Reason
	if reason == "" {
		reason = "request failed"
	}
	r.enter(models.StatusError, reason)
}

func (r *reduction) passengerCancel(e PassengerCancel) {
	if r.s.Trip == nil || r.s.Status == models.StatusIdle {
		r.ignore("no_trip")
		return
	}
	if r.s.Status.Terminal() {
		r.ignore("after_terminal")
		return
	}
	r.enter(models.StatusCancelledByPassenger, e.Reason)
}

func (r *reduction) acknowledge() {
	if r.s.Trip == nil || !r.s.Status.Terminal() {
		r.ignore("not_terminal")
		return
	}
	r.clearProjection()
}

func (r *reduction) deadline(e Deadline) {
	if e.Key == "" || e.Key != r.s.PendingClear {
		r.ignore("stale_deadline")
		return
	}
	r.clearProjection()
}

func (r *reduction) restored(e Restored) {
	if r.s.Trip != nil || r.s.Status != models.StatusIdle {
		r.ignore("busy")
		return
	}
	t := e.Trip
	if t.ID == "" || t.Status.Terminal() || t.Status == models.StatusIdle || t.Status == models.StatusCreating || !t.Status.Known() {
		// already finished, or the create request never returned: nothing to reconcile
		r.emit(ClearPersisted{TripID: t.ID})
		r.ignore("restored_inactive")
		return
	}
	r.s.Trip = &t
	r.s.Status = t.Status
	r.emit(Watch{TripID: t.ID})
}

// target reports whether a trip-addressed event belongs to the live trip.
func (r *reduction) target(tripID string) bool {
	if r.s.Trip != nil && r.s.Trip.ID != "" && r.s.Trip.ID == tripID {
		if r.s.Status.Terminal() {
			r.late = true
			r.ignore("after_terminal")
			return false
		}
		return true
	}
	if _, ok := r.s.closedStatus(tripID); ok {
		r.late = true
		r.ignore("after_terminal")
		return false
	}
	r.ignore("other_trip")
	return false
}

func (r *reduction) accepted(e Accepted) {
	if !r.target(e.TripID) {
		return
	}
	r.mergeData(models.TripData{DriverID: e.DriverID, DriverName: e.DriverName})
	r.advance(models.StatusAssigned)
}

func (r *reduction) storeSnapshot(ch models.StoreChange) {
	if !r.target(ch.TripID) {
		return
	}
	var reason string
	if ch.Trip != nil {
		r.mergeData(*ch.Trip)
		reason = ch.Trip.Reason
	}
	to, ok := models.ParseBackendStatus(ch.NewStatus)
	if !ok {
		r.ignore("unknown_status")
		return
	}
	if to.Terminal() {
		r.terminal(to, reason)
		return
	}
	if r.s.Trip.DriverID != "" || r.s.Trip.DriverName != "" {
		if rk, _ := to.Rank(); rk < rankOf(models.StatusAssigned) {
			to = models.StatusAssigned
		}
	}
	r.advance(to)
}

func rankOf(s models.TripStatus) int {
	rk, _ := s.Rank()
	return rk
}

// advance moves to a non-terminal status only if it is further along.
func (r *reduction) advance(to models.TripStatus) {
	if rankOf(to) <= rankOf(r.s.Status) {
		r.ignore("not_advanced")
		return
	}
	r.enter(to, "")
}

func (r *reduction) terminal(to models.TripStatus, reason string) {
	if to == models.StatusNoDriversFound && r.s.Status != models.StatusSearching {
		r.ignore("not_searching")
		return
	}
	r.enter(to, reason)
}

func (r *reduction) mergeData(d models.TripData) {
	t := *r.s.Trip
	if d.DriverID != "" {
		t.DriverID = d.DriverID
	}
	if d.DriverName != "" {
		t.DriverName = d.DriverName
	}
	if d.PaymentIntentRef != "" {
		t.PaymentIntentRef = d.PaymentIntentRef
	}
	if d.PaymentMethodKind != "" {
		t.PaymentMethodKind = d.PaymentMethodKind
	}
	r.s.Trip = &t
}

func (r *reduction) enter(to models.TripStatus, reason string) {
	from := r.s.Status
	t := *r.s.Trip
	t.Status = to
	t.UpdatedAt = r.now
	if reason != "" {
		t.Reason = reason
	}
	r.s.Trip = &t
	r.s.Status = to
	if to.Terminal() {
		r.s.held = nil
	}
	key := r.s.key()

	if r.s.once(key + "/publish/" + string(to)) {
		r.emit(PublishTransition{Transition: models.Transition{
			TripID:      t.ID,
			PassengerID: t.PassengerID,
			From:        from,
			To:          to,
			Source:      string(r.source),
			Reason:      t.Reason,
			At:          r.now,
		}})
	}
	if !to.Terminal() {
		if r.s.once(key + "/persist/" + string(to)) {
			r.emit(PersistTrip{Trip: t})
		}
		return
	}

	if to.Cancellation() && t.HasReservedAuthorization() && r.s.once(key+"/release") {
		party := models.PartyDriver
		if to == models.StatusCancelledByPassenger {
			party = models.PartyPassenger
		}
		r.emit(ReleaseAuthorization{TripID: t.ID, AttemptID: r.s.AttemptID, Ref: t.PaymentIntentRef, Party: party})
	}
	if r.s.once(key + "/clear") {
		r.emit(ClearPersisted{TripID: t.ID})
	}
	if t.ID != "" {
		r.emit(Unwatch{TripID: t.ID})
		r.s.recordClosed(t.ID, to)
	}

	delay, auto := r.p.clearDelay(to)
	if !auto {
		return
	}
	if delay <= 0 {
		r.clearProjection()
		return
	}
	r.s.PendingClear = "clear:" + key
	r.emit(Schedule{Key: r.s.PendingClear, At: r.now.Add(delay)})
}

func (p Policy) clearDelay(to models.TripStatus) (time.Duration, bool) {
	switch to {
	case models.StatusCompleted:
		return p.TerminalClearDelay, true
	case models.StatusNoDriversFound:
		return p.NoDriversFallback, p.NoDriversFallback > 0
	default:
		return p.BannerTTL, true
	}
}

// clearProjection returns the controller to idle.
func (r *reduction) clearProjection() {
	if r.s.PendingClear != "" {
		r.emit(CancelSchedule{Key: r.s.PendingClear})
		r.s.PendingClear = ""
	}
	r.s.prune(r.s.key())
	r.s.prune("attempt:" + r.s.AttemptID)
	r.s.Trip = nil
	r.s.Status = models.StatusIdle
	r.s.AttemptID = ""
}
