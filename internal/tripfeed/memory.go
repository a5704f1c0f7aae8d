package tripfeed

import (
	"context"
	"sync"

	"github.com/example/rider-sync/internal/models"
	"github.com/example/rider-sync/internal/trip"
)

// watchers is the per-trip subscriber set shared by both feeds.
type watchers struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]trip.FeedSink
}

func newWatchers() *watchers {
	return &watchers{subs: make(map[string]map[int]trip.FeedSink)}
}

func (w *watchers) add(tripID string, sink trip.FeedSink) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next++
	id := w.next
	if w.subs[tripID] == nil {
		w.subs[tripID] = make(map[int]trip.FeedSink)
	}
	w.subs[tripID][id] = sink
	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.subs[tripID], id)
			if len(w.subs[tripID]) == 0 {
				delete(w.subs, tripID)
			}
		})
	}
}

// of returns a copy so callers can deliver without holding the lock.
func (w *watchers) of(tripID string) []trip.FeedSink {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]trip.FeedSink, 0, len(w.subs[tripID]))
	for _, s := range w.subs[tripID] {
		out = append(out, s)
	}
	return out
}

func (w *watchers) trips() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.subs))
	for id := range w.subs {
		out = append(out, id)
	}
	return out
}

func (w *watchers) count(tripID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs[tripID])
}

// MemoryFeed is an in-process document store feed for local runs and tests.
type MemoryFeed struct {
	w *watchers

	mu     sync.Mutex
	latest map[string]models.StoreChange
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{w: newWatchers(), latest: make(map[string]models.StoreChange)}
}

// Watch subscribes sink and replays the latest known record, like a listener
// delivering the current document on attach.
func (f *MemoryFeed) Watch(_ context.Context, tripID string, sink trip.FeedSink) (func(), error) {
	stop := f.w.add(tripID, sink)
	f.mu.Lock()
	ch, ok := f.latest[tripID]
	f.mu.Unlock()
	if ok {
		sink.StoreChanged(ch)
	}
	return stop, nil
}

// Publish records ch and delivers it to every watcher of the trip.
func (f *MemoryFeed) Publish(ch models.StoreChange) {
	f.mu.Lock()
	if prev, ok := f.latest[ch.TripID]; ok && ch.PreviousStatus == "" {
		ch.PreviousStatus = prev.NewStatus
	}
	f.latest[ch.TripID] = ch
	f.mu.Unlock()
	for _, s := range f.w.of(ch.TripID) {
		s.StoreChanged(ch)
	}
}

func (f *MemoryFeed) Fail(tripID string, err error) {
	for _, s := range f.w.of(tripID) {
		s.StoreUnavailable(tripID, err)
	}
}

func (f *MemoryFeed) Recover(tripID string) {
	for _, s := range f.w.of(tripID) {
		s.StoreRecovered(tripID)
	}
}

func (f *MemoryFeed) Watchers(tripID string) int { return f.w.count(tripID) }
