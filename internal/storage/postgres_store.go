package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/rider-sync/internal/models"
)

const currentTripsSchema = `CREATE TABLE IF NOT EXISTS current_trips (
	passenger_id TEXT PRIMARY KEY,
	trip_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	driver_id TEXT NOT NULL DEFAULT '',
	driver_name TEXT NOT NULL DEFAULT '',
	payment_intent_ref TEXT NOT NULL DEFAULT '',
	payment_method_kind TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	pickup_lat DOUBLE PRECISION NOT NULL,
	pickup_lng DOUBLE PRECISION NOT NULL,
	dropoff_lat DOUBLE PRECISION NOT NULL,
	dropoff_lng DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate creates the table if it is missing.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, currentTripsSchema)
	return err
}

func (p *PostgresStore) SaveCurrent(ctx context.Context, passengerID string, t models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO current_trips(passenger_id, trip_id, status, driver_id, driver_name, payment_intent_ref, payment_method_kind, category, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, created_at, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (passenger_id) DO UPDATE SET trip_id=EXCLUDED.trip_id, status=EXCLUDED.status, driver_id=EXCLUDED.driver_id, driver_name=EXCLUDED.driver_name,
	payment_intent_ref=EXCLUDED.payment_intent_ref, payment_method_kind=EXCLUDED.payment_method_kind, category=EXCLUDED.category,
	pickup_lat=EXCLUDED.pickup_lat, pickup_lng=EXCLUDED.pickup_lng, dropoff_lat=EXCLUDED.dropoff_lat, dropoff_lng=EXCLUDED.dropoff_lng, updated_at=EXCLUDED.updated_at`,
		passengerID, t.ID, string(t.Status), t.DriverID, t.DriverName, t.PaymentIntentRef, string(t.PaymentMethodKind), string(t.Category),
		t.Pickup.Lat, t.Pickup.Lng, t.Dropoff.Lat, t.Dropoff.Lng, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save current trip: %w", err)
	}
	return nil
}

func (p *PostgresStore) LoadCurrent(ctx context.Context, passengerID string) (*models.Trip, error) {
	var (
		t                        models.Trip
		status, method, category string
		createdAt, updatedAt     time.Time
	)
	err := p.db.QueryRowContext(ctx, `SELECT trip_id, status, driver_id, driver_name, payment_intent_ref, payment_method_kind, category, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, created_at, updated_at
FROM current_trips WHERE passenger_id=$1`, passengerID).Scan(
		&t.ID, &status, &t.DriverID, &t.DriverName, &t.PaymentIntentRef, &method, &category,
		&t.Pickup.Lat, &t.Pickup.Lng, &t.Dropoff.Lat, &t.Dropoff.Lng, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load current trip: %w", err)
	}
	t.PassengerID = passengerID
	t.Status = models.TripStatus(status)
	t.PaymentMethodKind = models.PaymentMethodKind(method)
	t.Category = models.Category(category)
	t.CreatedAt, t.UpdatedAt = createdAt, updatedAt
	return &t, nil
}

func (p *PostgresStore) ClearCurrent(ctx context.Context, passengerID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM current_trips WHERE passenger_id=$1`, passengerID); err != nil {
		return fmt.Errorf("clear current trip: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }
