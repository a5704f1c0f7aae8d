package eta

import (
	"math"

	"github.com/example/rider-sync/internal/geo"
	"github.com/example/rider-sync/internal/models"
)

// DefaultSpeedKmh is the assumed average urban driving speed.
const DefaultSpeedKmh = 25.0

// Minutes is the naive ETA for covering distanceKm at speedKmh, rounded up
// and never below one minute.
func Minutes(distanceKm, speedKmh float64) int {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	m := int(math.Ceil(distanceKm / speedKmh * 60))
	if m < 1 {
		return 1
	}
	return m
}

// Between estimates the drive time from one coordinate to another.
func Between(from, to models.Coord, speedKmh float64) int {
	return Minutes(geo.DistanceKm(from, to), speedKmh)
}
