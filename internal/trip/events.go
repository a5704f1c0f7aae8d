package trip

import "github.com/example/rider-sync/internal/models"

// Source names where an event came from.
type Source string

const (
	SourceLocal Source = "local"
	SourcePush  Source = "push"
	SourceStore Source = "store"
	SourceTimer Source = "timer"
)

// Event is everything the controller reacts to.
type Event interface {
	Source() Source
}

// Submit is the passenger pressing "book".
type Submit struct {
	AttemptID string
	Request   models.BookingRequest
}

// Created acknowledges that the booking reached the backend.
type Created struct {
	AttemptID        string
	TripID           string
	PaymentIntentRef string
}

// CreateFailed reports that the booking request itself failed.
type CreateFailed struct {
	AttemptID string
	Reason    string
}

// PassengerCancel is the passenger cancelling the current trip.
type PassengerCancel struct {
	Reason string
}

// Acknowledge is the passenger dismissing a terminal banner.
type Acknowledge struct{}

// Accepted is the push-channel "trip accepted" event.
type Accepted struct {
	TripID     string
	DriverID   string
	DriverName string
}

// DriverArrived is the push-channel arrival hint. The push channel is not
// authoritative for fine-grained states, so it never advances the machine.
type DriverArrived struct {
	TripID string
}

// Closed is the push-channel "trip closed" event.
type Closed struct {
	TripID string
	Reason string
}

// NoDrivers is the push-channel report that the search was exhausted.
type NoDrivers struct {
	TripID string
}

// StoreSnapshot is a document-store change for the watched trip.
type StoreSnapshot struct {
	Change models.StoreChange
}

// Deadline fires when a scheduled item comes due.
type Deadline struct {
	Key string
}

// Restored carries the trip persisted before a restart.
type Restored struct {
	Trip models.Trip
}

func (Submit) Source() Source          { return SourceLocal }
func (Created) Source() Source         { return SourceLocal }
func (CreateFailed) Source() Source    { return SourceLocal }
func (PassengerCancel) Source() Source { return SourceLocal }
func (Acknowledge) Source() Source     { return SourceLocal }
func (Restored) Source() Source        { return SourceLocal }
func (Accepted) Source() Source        { return SourcePush }
func (DriverArrived) Source() Source   { return SourcePush }
func (Closed) Source() Source          { return SourcePush }
func (NoDrivers) Source() Source       { return SourcePush }
func (StoreSnapshot) Source() Source   { return SourceStore }
func (Deadline) Source() Source        { return SourceTimer }
