package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/rider-sync/internal/eta"
	"github.com/example/rider-sync/internal/geo"
	"github.com/example/rider-sync/internal/models"
	"github.com/example/rider-sync/internal/observability"
)

const (
	DefaultMaxResults = 5
	DefaultCacheTTL   = 2 * time.Second
)

// SnapshotRequester asks the push channel for a full presence snapshot.
type SnapshotRequester interface {
	RequestSnapshot(ctx context.Context) error
}

type Options struct {
	MaxResults int
	CacheTTL   time.Duration
	SpeedKmh   float64
	Logger     *slog.Logger
	Now        func() time.Time
}

// Delta is an incremental presence update. Removals are applied first,
// then additions, then updates.
type Delta struct {
	Added   []RawDriver `json:"added"`
	Removed []RawDriver `json:"removed"`
	Updated []RawDriver `json:"updated"`
}

type DeltaResult struct {
	Added   int
	Removed int
	Updated int
	Dropped int
}

type Query struct {
	Point    models.Coord
	RadiusKm float64
	// Category restricts results to one category; empty matches all.
	Category models.Category
}

type entry struct {
	rec models.DriverRecord
	seq uint64
}

// Registry is the local cache of online drivers fed by the push channel.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*entry
	seq     uint64
	version uint64
	stale   bool

	cache      *queryCache
	maxResults int
	speedKmh   float64
	requester  SnapshotRequester
	logger     *slog.Logger
	now        func() time.Time
}

func NewRegistry(requester SnapshotRequester, opts Options) *Registry {
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.SpeedKmh <= 0 {
		opts.SpeedKmh = eta.DefaultSpeedKmh
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		records:    make(map[string]*entry),
		cache:      newQueryCache(opts.CacheTTL),
		maxResults: opts.MaxResults,
		speedKmh:   opts.SpeedKmh,
		requester:  requester,
		logger:     opts.Logger.With("component", "presence"),
		now:        opts.Now,
	}
}

// ApplySnapshot replaces the whole record set. Malformed records are
// dropped; the rest keep the snapshot's order for distance ties.
func (r *Registry) ApplySnapshot(raw []RawDriver) int {
	next := make(map[string]*entry, len(raw))
	r.mu.Lock()
	for _, d := range raw {
		rec, err := Normalize(d)
		if err != nil {
			r.drop(d.DriverID, "snapshot", err)
			continue
		}
		if old, ok := next[rec.DriverID]; ok {
			old.rec = rec
			continue
		}
		r.seq++
		next[rec.DriverID] = &entry{rec: rec, seq: r.seq}
	}
	r.records = next
	r.stale = false
	r.mutated()
	n := len(r.records)
	r.mu.Unlock()

	observability.PresenceSnapshots.Inc()
	r.logger.Debug("presence snapshot applied", "records", n)
	return n
}

// ApplyDelta applies removals, then additions, then updates. Adding a
// known id is a no-op; updating an unknown id is dropped since it implies a
// missed add that the next snapshot repairs.
func (r *Registry) ApplyDelta(d Delta) DeltaResult {
	var res DeltaResult
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rm := range d.Removed {
		if _, ok := r.records[rm.DriverID]; ok {
			delete(r.records, rm.DriverID)
			res.Removed++
		}
	}
	for _, add := range d.Added {
		rec, err := Normalize(add)
		if err != nil {
			r.drop(add.DriverID, "added", err)
			res.Dropped++
			continue
		}
		if _, ok := r.records[rec.DriverID]; ok {
			continue
		}
		r.seq++
		r.records[rec.DriverID] = &entry{rec: rec, seq: r.seq}
		res.Added++
	}
	for _, upd := range d.Updated {
		e, ok := r.records[upd.DriverID]
		if !ok {
			r.logger.Warn("update for unknown driver dropped", "driver_id", upd.DriverID)
			observability.PresenceDropped.WithLabelValues("unknown_id").Inc()
			res.Dropped++
			continue
		}
		rec, err := merge(e.rec, upd)
		if err != nil {
			r.drop(upd.DriverID, "updated", err)
			res.Dropped++
			continue
		}
		e.rec = rec
		res.Updated++
	}

	if res.Added+res.Removed+res.Updated > 0 {
		r.mutated()
	}
	observability.PresenceDeltas.Inc()
	return res
}

// mutated must be called with r.mu held.
func (r *Registry) mutated() {
	r.version++
	r.cache.invalidate()
	observability.PresenceRecords.Set(float64(len(r.records)))
}

func (r *Registry) drop(driverID, stage string, err error) {
	r.logger.Debug("driver record dropped", "driver_id", driverID, "stage", stage, "error", err)
	observability.PresenceDropped.WithLabelValues(dropReason(err)).Inc()
}

// MarkDisconnected flags accumulated state as untrusted until the next
// snapshot arrives.
func (r *Registry) MarkDisconnected() {
	r.mu.Lock()
	r.stale = true
	r.mu.Unlock()
}

// Stale reports whether the registry has lost its feed since the last snapshot.
func (r *Registry) Stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stale
}

// Resync requests a fresh snapshot from the push channel.
func (r *Registry) Resync(ctx context.Context) error {
	if r.requester == nil {
		return nil
	}
	if err := r.requester.RequestSnapshot(ctx); err != nil {
		return fmt.Errorf("request snapshot: %w", err)
	}
	return nil
}

// Len is the number of physical drivers held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Get returns a copy of one driver record.
func (r *Registry) Get(driverID string) (models.DriverRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.records[driverID]
	if !ok {
		return models.DriverRecord{}, false
	}
	return e.rec, true
}

// QueryNearby returns listings within q.RadiusKm of q.Point, ascending by
// distance, capped to the configured maximum. Results are memoized until
// the TTL passes or the record set changes.
func (r *Registry) QueryNearby(q Query) []models.DriverListing {
	now := r.now()
	r.mu.RLock()
	key := cacheKeyFor(r.version, q)
	if v, ok := r.cache.get(key, now); ok {
		r.mu.RUnlock()
		observability.NearbyQueries.WithLabelValues("hit").Inc()
		return append([]models.DriverListing(nil), v...)
	}

	type candidate struct {
		listing models.DriverListing
		seq     uint64
	}
	cands := make([]candidate, 0, len(r.records))
	for _, e := range r.records {
		dist := geo.DistanceKm(q.Point, e.rec.Location)
		if dist > q.RadiusKm {
			continue
		}
		for _, c := range e.rec.Categories {
			if q.Category != "" && c != q.Category {
				continue
			}
			cands = append(cands, candidate{
				listing: models.DriverListing{
					ListingID:  models.ListingID(e.rec.DriverID, c),
					DriverID:   e.rec.DriverID,
					Category:   c,
					Location:   e.rec.Location,
					Bearing:    e.rec.Bearing,
					DistanceKm: dist,
					ETAMinutes: eta.Minutes(dist, r.speedKmh),
				},
				seq: e.seq,
			})
		}
	}
	r.mu.RUnlock()

	// map iteration is random; restore insertion order before the stable sort
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].seq < cands[j].seq })
	cands = geo.Nearest(cands, r.maxResults, func(c candidate) float64 { return c.listing.DistanceKm })

	out := make([]models.DriverListing, len(cands))
	for i, c := range cands {
		out[i] = c.listing
	}
	r.cache.set(key, out, now)
	observability.NearbyQueries.WithLabelValues("miss").Inc()
	return append([]models.DriverListing(nil), out...)
}

// cacheKeyFor ties a query to the record-set version it was computed from.
func cacheKeyFor(version uint64, q Query) string {
	return fmt.Sprintf("%d|%.6f,%.6f|%.4f|%s", version, q.Point.Lat, q.Point.Lng, q.RadiusKm, q.Category)
}
