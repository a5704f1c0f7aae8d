package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinate lies inside WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type Category string

const (
	CategoryStandard  Category = "standard"
	CategoryComfort   Category = "comfort"
	CategoryPremium   Category = "premium"
	CategoryXL        Category = "xl"
	CategoryLimousine Category = "limousine"

	// DefaultCategory is assigned to drivers whose tags resolve to nothing.
	DefaultCategory = CategoryStandard
)

// DriverRecord is one physical online driver as held by the presence registry.
type DriverRecord struct {
	DriverID   string     `json:"driver_id"`
	Location   Coord      `json:"location"`
	Bearing    *float64   `json:"bearing,omitempty"`
	Speed      *float64   `json:"speed,omitempty"`
	Categories []Category `json:"categories"`
}

// DriverListing is a per-category projection of a DriverRecord.
type DriverListing struct {
	ListingID  string   `json:"listing_id"`
	DriverID   string   `json:"driver_id"`
	Category   Category `json:"category"`
	Location   Coord    `json:"location"`
	Bearing    *float64 `json:"bearing,omitempty"`
	DistanceKm float64  `json:"distance_km"`
	ETAMinutes int      `json:"eta_minutes"`
}

// ListingID derives the stable id of a driver's listing in one category.
func ListingID(driverID string, c Category) string {
	return driverID + ":" + string(c)
}

type RegionInterest struct {
	PassengerID string  `json:"passengerId"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	RadiusKm    float64 `json:"radiusKm"`
}

type PaymentMethodKind string

const (
	PaymentCash PaymentMethodKind = "cash"
	PaymentCard PaymentMethodKind = "card"
)

type CancellingParty string

const (
	PartyPassenger CancellingParty = "passenger"
	PartyDriver    CancellingParty = "driver"
)

// Trip is the local reconciled projection of the passenger's current trip.
type Trip struct {
	ID                string            `json:"id"`
	PassengerID       string            `json:"passenger_id"`
	Status            TripStatus        `json:"status"`
	DriverID          string            `json:"driver_id,omitempty"`
	DriverName        string            `json:"driver_name,omitempty"`
	PaymentIntentRef  string            `json:"payment_intent_ref,omitempty"`
	PaymentMethodKind PaymentMethodKind `json:"payment_method_kind"`
	Category          Category          `json:"category,omitempty"`
	Pickup            Coord             `json:"pickup"`
	Dropoff           Coord             `json:"dropoff"`
	Reason            string            `json:"reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// HasReservedAuthorization reports whether a card hold exists that must be
// released if the trip is cancelled.
func (t *Trip) HasReservedAuthorization() bool {
	return t != nil && t.PaymentMethodKind == PaymentCard && t.PaymentIntentRef != ""
}

// BookingRequest is what the passenger submits to create a trip.
type BookingRequest struct {
	PassengerID       string            `json:"passenger_id"`
	Pickup            Coord             `json:"pickup"`
	Dropoff           Coord             `json:"dropoff"`
	Category          Category          `json:"category"`
	PaymentMethodKind PaymentMethodKind `json:"payment_method_kind"`
	PaymentIntentRef  string            `json:"payment_intent_ref,omitempty"`
}

// TripData is the subset of the backend trip record the controller merges.
type TripData struct {
	DriverID          string            `json:"driver_id,omitempty"`
	DriverName        string            `json:"driver_name,omitempty"`
	PaymentIntentRef  string            `json:"payment_intent_ref,omitempty"`
	PaymentMethodKind PaymentMethodKind `json:"payment_method_kind,omitempty"`
	Reason            string            `json:"reason,omitempty"`
}

// StoreChange is one document-store notification for a watched trip.
type StoreChange struct {
	TripID         string    `json:"trip_id"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	Trip           *TripData `json:"trip,omitempty"`
}

// Transition is emitted once per applied trip status change.
type Transition struct {
	TripID      string     `json:"trip_id"`
	PassengerID string     `json:"passenger_id"`
	From        TripStatus `json:"from"`
	To          TripStatus `json:"to"`
	Source      string     `json:"source"`
	Reason      string     `json:"reason,omitempty"`
	At          time.Time  `json:"at"`
}
