package geo

import (
	"math"
	"sort"

	"github.com/example/rider-sync/internal/models"
)

const earthRadiusM = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// DistanceKm is the great-circle distance between two coordinates in kilometers.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng) / 1000
}

// Nearest sorts items ascending by dist, keeping the input order for ties,
// and truncates to at most n entries. n <= 0 means no cap. The input slice
// is reordered in place.
func Nearest[T any](items []T, n int, dist func(T) float64) []T {
	sort.SliceStable(items, func(i, j int) bool { return dist(items[i]) < dist(items[j]) })
	if n > 0 && len(items) > n {
		items = items[:n]
	}
	return items
}
