package presence

import (
	"errors"
	"strings"

	"github.com/example/rider-sync/internal/models"
)

// RawDriver is a driver record as it arrives on the push channel. Every
// field is optional on the wire; Normalize turns it into a DriverRecord.
type RawDriver struct {
	DriverID   string       `json:"driverId"`
	Location   *RawLocation `json:"location,omitempty"`
	Lat        *float64     `json:"lat,omitempty"`
	Lng        *float64     `json:"lng,omitempty"`
	Bearing    *float64     `json:"bearing,omitempty"`
	Speed      *float64     `json:"speed,omitempty"`
	Categories []string     `json:"certifiedCategories,omitempty"`
	Category   string       `json:"category,omitempty"`
}

type RawLocation struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

var (
	errMissingID     = errors.New("missing driver id")
	errMissingCoords = errors.New("missing coordinates")
	errBadCoords     = errors.New("coordinates out of range")
)

// dropReason is used as the metrics label for a rejected record.
func dropReason(err error) string {
	switch {
	case errors.Is(err, errMissingID):
		return "missing_id"
	case errors.Is(err, errMissingCoords):
		return "missing_coordinates"
	case errors.Is(err, errBadCoords):
		return "invalid_coordinates"
	default:
		return "malformed"
	}
}

func (d RawDriver) coords() (models.Coord, bool) {
	if d.Location != nil && d.Location.Lat != nil && d.Location.Lng != nil {
		return models.Coord{Lat: *d.Location.Lat, Lng: *d.Location.Lng}, true
	}
	if d.Lat != nil && d.Lng != nil {
		return models.Coord{Lat: *d.Lat, Lng: *d.Lng}, true
	}
	return models.Coord{}, false
}

func (d RawDriver) hasCategories() bool {
	return len(d.Categories) > 0 || strings.TrimSpace(d.Category) != ""
}

func (d RawDriver) rawCategories() []string {
	out := append([]string(nil), d.Categories...)
	if d.Category != "" {
		out = append(out, d.Category)
	}
	return out
}

// Normalize validates a wire record. Records without an id or usable
// coordinates are rejected; an empty category set falls back to the
// default category.
func Normalize(d RawDriver) (models.DriverRecord, error) {
	id := strings.TrimSpace(d.DriverID)
	if id == "" {
		return models.DriverRecord{}, errMissingID
	}
	loc, ok := d.coords()
	if !ok {
		return models.DriverRecord{}, errMissingCoords
	}
	if !loc.Valid() {
		return models.DriverRecord{}, errBadCoords
	}
	return models.DriverRecord{
		DriverID:   id,
		Location:   loc,
		Bearing:    d.Bearing,
		Speed:      d.Speed,
		Categories: NormalizeCategories(d.rawCategories()),
	}, nil
}

// merge applies the fields present in an update onto an existing record.
func merge(rec models.DriverRecord, upd RawDriver) (models.DriverRecord, error) {
	if loc, ok := upd.coords(); ok {
		if !loc.Valid() {
			return rec, errBadCoords
		}
		rec.Location = loc
	} else if upd.Location != nil || upd.Lat != nil || upd.Lng != nil {
		// a partial coordinate pair would leave the record half-moved
		return rec, errMissingCoords
	}
	if upd.Bearing != nil {
		rec.Bearing = upd.Bearing
	}
	if upd.Speed != nil {
		rec.Speed = upd.Speed
	}
	if upd.hasCategories() {
		rec.Categories = NormalizeCategories(upd.rawCategories())
	}
	return rec, nil
}

var categoryAliases = map[string]models.Category{
	"standard":  models.CategoryStandard,
	"economy":   models.CategoryStandard,
	"basic":     models.CategoryStandard,
	"comfort":   models.CategoryComfort,
	"premium":   models.CategoryPremium,
	"black":     models.CategoryPremium,
	"xl":        models.CategoryXL,
	"van":       models.CategoryXL,
	"limousine": models.CategoryLimousine,
	"limo":      models.CategoryLimousine,
}

// ParseCategory resolves a category tag, reporting false for unknown tags.
func ParseCategory(raw string) (models.Category, bool) {
	c, ok := categoryAliases[strings.ToLower(strings.TrimSpace(raw))]
	return c, ok
}

// NormalizeCategories resolves tags, drops unknown ones and duplicates, and
// never returns an empty set.
func NormalizeCategories(raw []string) []models.Category {
	out := make([]models.Category, 0, len(raw))
	seen := make(map[models.Category]struct{}, len(raw))
	for _, r := range raw {
		c, ok := ParseCategory(r)
		if !ok {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		out = append(out, models.DefaultCategory)
	}
	return out
}
