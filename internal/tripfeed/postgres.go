package tripfeed

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/example/rider-sync/internal/models"
	"github.com/example/rider-sync/internal/trip"
)

// Channel is the NOTIFY channel the trips trigger publishes on.
const Channel = "trip_changes"

const tripsSchema = `CREATE TABLE IF NOT EXISTS trips (
	id TEXT PRIMARY KEY,
	passenger_id TEXT NOT NULL,
	status TEXT NOT NULL,
	driver_id TEXT NOT NULL DEFAULT '',
	driver_name TEXT NOT NULL DEFAULT '',
	payment_intent_ref TEXT NOT NULL DEFAULT '',
	payment_method_kind TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE OR REPLACE FUNCTION notify_trip_change() RETURNS trigger AS $$
DECLARE
	prev TEXT := '';
BEGIN
	IF TG_OP = 'UPDATE' THEN
		prev := OLD.status;
	END IF;
	PERFORM pg_notify('trip_changes', json_build_object(
		'trip_id', NEW.id,
		'previous_status', prev,
		'new_status', NEW.status,
		'trip', json_build_object(
			'driver_id', NEW.driver_id,
			'driver_name', NEW.driver_name,
			'payment_intent_ref', NEW.payment_intent_ref,
			'payment_method_kind', NEW.payment_method_kind,
			'reason', NEW.reason
		)
	)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trips_notify ON trips;
CREATE TRIGGER trips_notify AFTER INSERT OR UPDATE ON trips
	FOR EACH ROW EXECUTE FUNCTION notify_trip_change();`

// PGFeed watches backend trip rows through LISTEN/NOTIFY. Missed
// notifications are repaired by re-reading watched rows on attach and after
// every listener reconnect.
type PGFeed struct {
	db       *sql.DB
	listener *pq.Listener
	logger   *slog.Logger
	w        *watchers

	read      func(ctx context.Context, tripID string) (*models.StoreChange, error)
	readLimit time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func NewPGFeed(dsn string, logger *slog.Logger) (*PGFeed, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	f := newPGFeed(db, logger)
	f.listener = pq.NewListener(dsn, time.Second, 30*time.Second, f.onListenerEvent)
	if err := f.listener.Listen(Channel); err != nil {
		_ = f.listener.Close()
		_ = db.Close()
		return nil, fmt.Errorf("listen %s: %w", Channel, err)
	}
	go f.loop()
	return f, nil
}

func newPGFeed(db *sql.DB, logger *slog.Logger) *PGFeed {
	if logger == nil {
		logger = slog.Default()
	}
	f := &PGFeed{
		db:        db,
		logger:    logger.With("component", "tripfeed"),
		w:         newWatchers(),
		readLimit: 5 * time.Second,
		done:      make(chan struct{}),
	}
	f.read = f.readTrip
	return f
}

// Migrate creates the trips table and its notify trigger.
func (f *PGFeed) Migrate(ctx context.Context) error {
	_, err := f.db.ExecContext(ctx, tripsSchema)
	return err
}

func (f *PGFeed) Watch(ctx context.Context, tripID string, sink trip.FeedSink) (func(), error) {
	stop := f.w.add(tripID, sink)
	f.refresh(ctx, tripID, []trip.FeedSink{sink})
	return stop, nil
}

func (f *PGFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		if f.listener != nil {
			err = f.listener.Close()
		}
		if cerr := f.db.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

func (f *PGFeed) loop() {
	for {
		select {
		case <-f.done:
			return
		case n, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			// nil marks a re-established connection; onListenerEvent repairs it
			if n == nil {
				continue
			}
			f.dispatch(n.Extra)
		case <-time.After(90 * time.Second):
			go func() {
				if err := f.listener.Ping(); err != nil {
					f.logger.Warn("listener ping failed", "error", err)
				}
			}()
		}
	}
}

func (f *PGFeed) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		f.logger.Warn("trip listener disconnected", "error", err)
		for _, id := range f.w.trips() {
			for _, s := range f.w.of(id) {
				s.StoreUnavailable(id, err)
			}
		}
	case pq.ListenerEventReconnected:
		f.logger.Info("trip listener reconnected")
		for _, id := range f.w.trips() {
			sinks := f.w.of(id)
			for _, s := range sinks {
				s.StoreRecovered(id)
			}
			f.refresh(context.Background(), id, sinks)
		}
	case pq.ListenerEventConnectionAttemptFailed:
		f.logger.Debug("trip listener connection attempt failed", "error", err)
	}
}

func (f *PGFeed) dispatch(payload string) {
	var ch models.StoreChange
	if err := json.Unmarshal([]byte(payload), &ch); err != nil {
		f.logger.Warn("invalid trip notification", "error", err)
		return
	}
	if ch.TripID == "" {
		return
	}
	for _, s := range f.w.of(ch.TripID) {
		s.StoreChanged(ch)
	}
}

func (f *PGFeed) refresh(ctx context.Context, tripID string, sinks []trip.FeedSink) {
	ctx, cancel := context.WithTimeout(ctx, f.readLimit)
	defer cancel()
	ch, err := f.read(ctx, tripID)
	if err != nil {
		f.logger.Warn("trip re-read failed", "trip_id", tripID, "error", err)
		for _, s := range sinks {
			s.StoreUnavailable(tripID, err)
		}
		return
	}
	if ch == nil {
		return
	}
	for _, s := range sinks {
		s.StoreChanged(*ch)
	}
}

func (f *PGFeed) readTrip(ctx context.Context, tripID string) (*models.StoreChange, error) {
	var (
		status string
		data   models.TripData
		method string
	)
	err := f.db.QueryRowContext(ctx, `SELECT status, driver_id, driver_name, payment_intent_ref, payment_method_kind, reason FROM trips WHERE id=$1`, tripID).
		Scan(&status, &data.DriverID, &data.DriverName, &data.PaymentIntentRef, &method, &data.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trip %s: %w", tripID, err)
	}
	data.PaymentMethodKind = models.PaymentMethodKind(method)
	return &models.StoreChange{TripID: tripID, NewStatus: status, Trip: &data}, nil
}
