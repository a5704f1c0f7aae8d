package trip

import (
	"time"

	"github.com/example/rider-sync/internal/models"
)

// Effect is a side effect requested by the reducer. Each one is emitted at
// most once per trip and transition.
type Effect interface {
	Kind() string
}

type PersistTrip struct {
	Trip models.Trip
}

type ClearPersisted struct {
	TripID string
}

// ReleaseAuthorization releases a card hold. TripID is empty when the trip
// was cancelled before the backend assigned one.
type ReleaseAuthorization struct {
	TripID    string
	AttemptID string
	Ref       string
	Party     models.CancellingParty
}

type PublishTransition struct {
	Transition models.Transition
}

type Watch struct {
	TripID string
}

type Unwatch struct {
	TripID string
}

// Schedule registers a deadline that feeds a Deadline event back in.
type Schedule struct {
	Key string
	At  time.Time
}

type CancelSchedule struct {
	Key string
}

func (PersistTrip) Kind() string          { return "persist" }
func (ClearPersisted) Kind() string       { return "clear" }
func (ReleaseAuthorization) Kind() string { return "release" }
func (PublishTransition) Kind() string    { return "publish" }
func (Watch) Kind() string                { return "watch" }
func (Unwatch) Kind() string              { return "unwatch" }
func (Schedule) Kind() string             { return "schedule" }
func (CancelSchedule) Kind() string       { return "cancel_schedule" }
