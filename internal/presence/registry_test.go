package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/rider-sync/internal/models"
)

func f(v float64) *float64 { return &v }

func driver(id string, lat, lng float64, cats ...string) RawDriver {
	return RawDriver{DriverID: id, Location: &RawLocation{Lat: f(lat), Lng: f(lng)}, Categories: cats}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(clk *fakeClock) *Registry {
	return NewRegistry(nil, Options{Now: clk.now})
}

var origin = models.Coord{Lat: 52.5200, Lng: 13.4050}

func TestApplySnapshotIdempotent(t *testing.T) {
	r := newTestRegistry(&fakeClock{t: time.Unix(0, 0)})
	snap := []RawDriver{driver("a", 52.52, 13.40), driver("b", 52.53, 13.41, "comfort")}
	r.ApplySnapshot(snap)
	first := r.QueryNearby(Query{Point: origin, RadiusKm: 10})
	r.ApplySnapshot(snap)
	second := r.QueryNearby(Query{Point: origin, RadiusKm: 10})
	if r.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", r.Len())
	}
	if len(first) != len(second) {
		t.Fatalf("snapshot re-application changed results: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ListingID != second[i].ListingID {
			t.Fatalf("order changed at %d: %s vs %s", i, first[i].ListingID, second[i].ListingID)
		}
	}
}

func TestSnapshotDropsMalformedRecords(t *testing.T) {
	r := newTestRegistry(&fakeClock{t: time.Unix(0, 0)})
	n := r.ApplySnapshot([]RawDriver{
		driver("ok", 52.52, 13.40),
		{DriverID: "nocoords"},
		{DriverID: "halfcoords", Lat: f(1)},
		driver("", 52.52, 13.40),
		driver("bad", 123, 13.40),
	})
	if n != 1 {
		t.Fatalf("expected only the well-formed record, got %d", n)
	}
}

func TestApplyDeltaOrderAndIdempotence(t *testing.T) {
	r := newTestRegistry(&fakeClock{t: time.Unix(0, 0)})
	r.ApplySnapshot([]RawDriver{driver("a", 52.52, 13.40), driver("b", 52.53, 13.41)})

	d := Delta{
		Removed: []RawDriver{{DriverID: "a"}},
		Added:   []RawDriver{driver("a", 52.60, 13.50), driver("c", 52.54, 13.42)},
		Updated: []RawDriver{{DriverID: "b", Bearing: f(90)}},
	}
	res := r.ApplyDelta(d)
	if res.Removed != 1 || res.Added != 2 || res.Updated != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	// removal runs before the add, so "a" comes back at its new position
	rec, ok := r.Get("a")
	if !ok || rec.Location.Lat != 52.60 {
		t.Fatalf("expected re-added driver a at new location, got %+v ok=%v", rec, ok)
	}

	r.ApplyDelta(d)
	if r.Len() != 3 {
		t.Fatalf("re-applying an identical delta should keep 3 ids, got %d", r.Len())
	}
	rec, _ = r.Get("b")
	if rec.Bearing == nil || *rec.Bearing != 90 {
		t.Fatalf("expected bearing merged onto b")
	}
	if rec.Location.Lat != 52.53 {
		t.Fatalf("shallow merge must keep unspecified fields")
	}
}

func TestDuplicateAddIsNoop(t *testing.T) {
	r := newTestRegistry(&fakeClock{t: time.Unix(0, 0)})
	r.ApplySnapshot([]RawDriver{driver("a", 52.52, 13.40)})
	res := r.ApplyDelta(Delta{Added: []RawDriver{driver("a", 10, 10)}})
	if res.Added != 0 {
		t.Fatalf("duplicate add should be ignored")
	}
	rec, _ := r.Get("a")
	if rec.Location.Lat != 52.52 {
		t.Fatalf("duplicate add must not overwrite the record")
	}
}

func TestUpdateForUnknownDriverDropped(t *testing.T) {
	r := newTestRegistry(&fakeClock{t: time.Unix(0, 0)})
	r.ApplySnapshot([]RawDriver{driver("a", 52.52, 13.40)})
	res := r.ApplyDelta(Delta{Updated: []RawDriver{driver("ghost", 52.52, 13.40)}})
	if res.Dropped != 1 || res.Updated != 0 {
		t.Fatalf("expected update dropped, got %+v", res)
	}
	if r.Len() != 1 {
		t.Fatalf("cache size changed: %d", r.Len())
	}
}

func TestUpdateWithPartialCoordinatesDropped(t *testing.T) {
	r := newTestRegistry(&fakeClock{t: time.Unix(0, 0)})
	r.ApplySnapshot([]RawDriver{driver("a", 52.52, 13.40)})
	res := r.ApplyDelta(Delta{Updated: []RawDriver{{DriverID: "a", Lat: f(1)}}})
	if res.Dropped != 1 {
		t.Fatalf("expected partial update dropped, got %+v", res)
	}
	rec, _ := r.Get("a")
	if rec.Location.Lat != 52.52 {
		t.Fatalf("record must be untouched")
	}
}

func TestQueryNearbyCappedAndSorted(t *testing.T) {
	r := newTestRegistry(&fakeClock{t: time.Unix(0, 0)})
	var snap []RawDriver
	for i := 0; i < 8; i++ {
		snap = append(snap, driver(string(rune('a'+i)), origin.Lat+float64(8-i)*0.001, origin.Lng))
	}
	r.ApplySnapshot(snap)
	out := r.QueryNearby(Query{Point: origin, RadiusKm: 5})
	if len(out) != DefaultMaxResults {
		t.Fatalf("expected %d results, got %d", DefaultMaxResults, len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i].DistanceKm < out[i-1].DistanceKm {
			t.Fatalf("results not ascending at %d", i)
		}
	}
	if out[0].DriverID != "h" {
		t.Fatalf("expected nearest driver h, got %s", out[0].DriverID)
	}
}

func TestQueryNearbyTiesKeepInsertionOrder(t *testing.T) {
	r := newTestRegistry(&fakeClock{t: time.Unix(0, 0)})
	r.ApplySnapshot([]RawDriver{driver("z", 52.521, 13.405), driver("y", 52.521, 13.405), driver("x", 52.521, 13.405)})
	out := r.QueryNearby(Query{Point: origin, RadiusKm: 5})
	want := []string{"z", "y", "x"}
	for i, w := range want {
		if out[i].DriverID != w {
			t.Fatalf("position %d: expected %s, got %s", i, w, out[i].DriverID)
		}
	}
}

func TestMultiCategoryExpansion(t *testing.T) {
	r := newTestRegistry(&fakeClock{t: time.Unix(0, 0)})
	r.ApplySnapshot([]RawDriver{
		driver("a", 52.521, 13.405),
		driver("b", 52.522, 13.405, "comfort", "premium"),
		driver("c", 52.523, 13.405, "xl"),
	})
	all := r.QueryNearby(Query{Point: origin, RadiusKm: 5})
	var forB []models.DriverListing
	for _, l := range all {
		if l.DriverID == "b" {
			forB = append(forB, l)
		}
	}
	if len(forB) != 2 {
		t.Fatalf("expected 2 listings for b, got %d", len(forB))
	}
	if forB[0].ListingID == forB[1].ListingID {
		t.Fatalf("listing ids must differ")
	}
	if forB[0].Location != forB[1].Location {
		t.Fatalf("listings must share the driver's coordinates")
	}

	premium := r.QueryNearby(Query{Point: origin, RadiusKm: 5, Category: models.CategoryPremium})
	if len(premium) != 1 || premium[0].ListingID != models.ListingID("b", models.CategoryPremium) {
		t.Fatalf("expected exactly b's premium listing, got %+v", premium)
	}

	far := r.QueryNearby(Query{Point: models.Coord{Lat: 48.85, Lng: 2.35}, RadiusKm: 5, Category: models.CategoryPremium})
	if len(far) != 0 {
		t.Fatalf("expected no listings out of range, got %d", len(far))
	}

	r.ApplyDelta(Delta{Removed: []RawDriver{{DriverID: "b"}}})
	for _, l := range r.QueryNearby(Query{Point: origin, RadiusKm: 5}) {
		if l.DriverID == "b" {
			t.Fatalf("removing b must remove all its listings")
		}
	}
}

func TestUncategorizedDriverGetsDefault(t *testing.T) {
	r := newTestRegistry(&fakeClock{t: time.Unix(0, 0)})
	r.ApplySnapshot([]RawDriver{driver("a", 52.521, 13.405, "hovercraft")})
	out := r.QueryNearby(Query{Point: origin, RadiusKm: 5, Category: models.DefaultCategory})
	if len(out) != 1 {
		t.Fatalf("expected driver listed under the default category")
	}
}

func TestQueryCacheTTLAndInvalidation(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	r := newTestRegistry(clk)
	r.ApplySnapshot([]RawDriver{driver("a", 52.521, 13.405)})
	q := Query{Point: origin, RadiusKm: 5}

	r.QueryNearby(q)
	if r.cache.len() != 1 {
		t.Fatalf("expected one cached query")
	}
	clk.advance(time.Second)
	r.QueryNearby(q)
	if r.cache.len() != 1 {
		t.Fatalf("expected cached entry reused")
	}

	r.ApplyDelta(Delta{Added: []RawDriver{driver("b", 52.5201, 13.4051)}})
	if r.cache.len() != 0 {
		t.Fatalf("mutation must invalidate the cache")
	}
	out := r.QueryNearby(q)
	if len(out) != 2 || out[0].DriverID != "b" {
		t.Fatalf("expected fresh results after invalidation, got %+v", out)
	}

	clk.advance(DefaultCacheTTL)
	if _, ok := r.cache.get(lastKey(r, q), clk.t); ok {
		t.Fatalf("entry must expire after the TTL")
	}
}

func lastKey(r *Registry, q Query) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cacheKeyFor(r.version, q)
}

type fakeRequester struct {
	calls int
	err   error
}

func (f *fakeRequester) RequestSnapshot(ctx context.Context) error {
	f.calls++
	return f.err
}

func TestResyncAndStaleness(t *testing.T) {
	req := &fakeRequester{}
	r := NewRegistry(req, Options{})
	r.MarkDisconnected()
	if !r.Stale() {
		t.Fatalf("expected stale after disconnect")
	}
	if err := r.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if req.calls != 1 {
		t.Fatalf("expected one snapshot request")
	}
	r.ApplySnapshot(nil)
	if r.Stale() {
		t.Fatalf("snapshot should clear staleness")
	}

	req.err = errors.New("offline")
	if err := r.Resync(context.Background()); err == nil {
		t.Fatalf("expected error to surface")
	}
}
