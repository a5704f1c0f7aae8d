package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/rider-sync/internal/config"
	"github.com/example/rider-sync/internal/logging"
	"github.com/example/rider-sync/internal/models"
)

const timelineLen = 50

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transitions_consumer_messages_consumed_total",
		Help: "Total trip transition messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transitions_consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	transitionsByStatus = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transitions_consumer_transitions_total",
		Help: "Trip transitions recorded, by target status",
	}, []string{"to"})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transitions_consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, transitionsByStatus, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel).With("component", "transitions")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	store := &redisTimeline{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		if err := handle(ctx, store, m.Value); err != nil {
			logger.Warn("transition not recorded", "key", string(m.Key), "error", err)
		}
	}
}

// handle decodes one transition and records it with retries.
func handle(ctx context.Context, store TimelineStore, raw []byte) error {
	var t models.Transition
	if err := json.Unmarshal(raw, &t); err != nil || !t.To.Known() {
		msgsInvalid.Inc()
		if err == nil {
			err = fmt.Errorf("unknown status %q", t.To)
		}
		return err
	}
	if t.TripID == "" {
		// pre-creation transitions have nothing to attach to
		transitionsByStatus.WithLabelValues(string(t.To)).Inc()
		return nil
	}
	if err := recordWithRetry(ctx, store, t, 3, 200*time.Millisecond); err != nil {
		redisErrors.Inc()
		return err
	}
	transitionsByStatus.WithLabelValues(string(t.To)).Inc()
	return nil
}

// TimelineStore is the subset of redis operations the consumer needs.
type TimelineStore interface {
	Append(ctx context.Context, tripID string, entry []byte) error
	SetLatest(ctx context.Context, tripID string, values map[string]interface{}) error
}

type redisTimeline struct{ c *redis.Client }

func (r *redisTimeline) Append(ctx context.Context, tripID string, entry []byte) error {
	key := "trip:transitions:" + tripID
	pipe := r.c.TxPipeline()
	pipe.RPush(ctx, key, entry)
	pipe.LTrim(ctx, key, -timelineLen, -1)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *redisTimeline) SetLatest(ctx context.Context, tripID string, values map[string]interface{}) error {
	return r.c.HSet(ctx, "trip:latest:"+tripID, values).Err()
}

// recordWithRetry appends the transition and updates the latest-status hash,
// retrying each step with exponential backoff.
func recordWithRetry(ctx context.Context, store TimelineStore, t models.Transition, attempts int, delay time.Duration) error {
	entry, err := json.Marshal(t)
	if err != nil {
		return err
	}
	latest := map[string]interface{}{
		"status":       string(t.To),
		"from":         string(t.From),
		"source":       t.Source,
		"passenger_id": t.PassengerID,
		"at":           t.At.Format(time.RFC3339Nano),
	}
	steps := []func() error{
		func() error { return store.Append(ctx, t.TripID, entry) },
		func() error { return store.SetLatest(ctx, t.TripID, latest) },
	}
	for _, step := range steps {
		if err := retry(ctx, attempts, delay, step); err != nil {
			return err
		}
	}
	return nil
}

func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
