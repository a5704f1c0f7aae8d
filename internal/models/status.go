package models

import "strings"

type TripStatus string

const (
	StatusIdle                 TripStatus = "idle"
	StatusCreating             TripStatus = "creating"
	StatusSearching            TripStatus = "searching"
	StatusAssigned             TripStatus = "assigned"
	StatusDriverArrived        TripStatus = "driverArrived"
	StatusInProgress           TripStatus = "inProgress"
	StatusCompleted            TripStatus = "completed"
	StatusCancelledByPassenger TripStatus = "cancelledByPassenger"
	StatusCancelledByDriver    TripStatus = "cancelledByDriver"
	StatusNoDriversFound       TripStatus = "noDriversFound"
	StatusError                TripStatus = "error"
)

// rank orders the non-terminal states; a higher rank is more advanced.
var rank = map[TripStatus]int{
	StatusIdle:          0,
	StatusCreating:      1,
	StatusSearching:     2,
	StatusAssigned:      3,
	StatusDriverArrived: 4,
	StatusInProgress:    5,
}

func (s TripStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelledByPassenger, StatusCancelledByDriver, StatusNoDriversFound, StatusError:
		return true
	}
	return false
}

// Cancellation reports whether s is a cancellation by either party.
func (s TripStatus) Cancellation() bool {
	return s == StatusCancelledByPassenger || s == StatusCancelledByDriver
}

// Rank returns the position of a non-terminal status in the lifecycle and
// false for terminal or unknown values.
func (s TripStatus) Rank() (int, bool) {
	r, ok := rank[s]
	return r, ok
}

// Known reports whether s is one of the defined statuses.
func (s TripStatus) Known() bool {
	_, ok := rank[s]
	return ok || s.Terminal()
}

// backendStatuses maps the status strings written by the backend trip
// record (and a few legacy spellings) onto controller statuses.
var backendStatuses = map[string]TripStatus{
	"pending":                StatusSearching,
	"requested":              StatusSearching,
	"searching":              StatusSearching,
	"accepted":               StatusAssigned,
	"assigned":               StatusAssigned,
	"driver_assigned":        StatusAssigned,
	"arrived":                StatusDriverArrived,
	"driver_arrived":         StatusDriverArrived,
	"driverarrived":          StatusDriverArrived,
	"in_progress":            StatusInProgress,
	"inprogress":             StatusInProgress,
	"started":                StatusInProgress,
	"ongoing":                StatusInProgress,
	"completed":              StatusCompleted,
	"finished":               StatusCompleted,
	"cancelled_by_passenger": StatusCancelledByPassenger,
	"cancelledbypassenger":   StatusCancelledByPassenger,
	"cancelled_by_driver":    StatusCancelledByDriver,
	"cancelledbydriver":      StatusCancelledByDriver,
	"no_drivers":             StatusNoDriversFound,
	"no_drivers_found":       StatusNoDriversFound,
	"nodriversfound":         StatusNoDriversFound,
	"error":                  StatusError,
	"failed":                 StatusError,
}

// ParseBackendStatus resolves a status string from any source. The second
// return value is false for unknown strings.
func ParseBackendStatus(raw string) (TripStatus, bool) {
	s, ok := backendStatuses[strings.ToLower(strings.TrimSpace(raw))]
	return s, ok
}

// ClosedStatus maps the reason carried by a push "trip closed" event to a
// terminal status. Status names are resolved first, then the short party
// aliases. Closures without a recognizable reason come from the backend side
// and are treated as driver cancellations.
func ClosedStatus(reason string) TripStatus {
	if s, ok := ParseBackendStatus(reason); ok && s.Terminal() {
		return s
	}
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "passenger", "passenger_cancelled":
		return StatusCancelledByPassenger
	case "driver", "driver_cancelled":
		return StatusCancelledByDriver
	default:
		return StatusCancelledByDriver
	}
}
