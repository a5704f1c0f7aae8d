package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/rider-sync/internal/models"
)

// ErrNotFound is returned by LoadCurrent when nothing is persisted.
var ErrNotFound = errors.New("no current trip")

// TripStore persists the passenger's current trip so it survives a restart.
// It is best-effort and never authoritative.
type TripStore interface {
	SaveCurrent(ctx context.Context, passengerID string, t models.Trip) error
	LoadCurrent(ctx context.Context, passengerID string) (*models.Trip, error)
	ClearCurrent(ctx context.Context, passengerID string) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]models.Trip)}
}

func (m *MemoryStore) SaveCurrent(_ context.Context, passengerID string, t models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[passengerID] = t
	return nil
}

func (m *MemoryStore) LoadCurrent(_ context.Context, passengerID string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[passengerID]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *MemoryStore) ClearCurrent(_ context.Context, passengerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trips, passengerID)
	return nil
}
