package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/rider-sync/internal/analytics"
	"github.com/example/rider-sync/internal/config"
	httpapi "github.com/example/rider-sync/internal/http"
	"github.com/example/rider-sync/internal/interest"
	"github.com/example/rider-sync/internal/logging"
	"github.com/example/rider-sync/internal/payments"
	"github.com/example/rider-sync/internal/presence"
	"github.com/example/rider-sync/internal/push"
	"github.com/example/rider-sync/internal/session"
	"github.com/example/rider-sync/internal/storage"
	"github.com/example/rider-sync/internal/trip"
	"github.com/example/rider-sync/internal/tripfeed"
)

func main() {
	cfg, err := config.Load()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}

	store, closeStore, err := buildStore(ctx, cfg, rdb)
	if err != nil {
		logger.Error("trip store unavailable", "store", cfg.TripStore, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var transport push.Transport
	if cfg.PushTransport == "redis" {
		transport = push.NewRedisTransport(rdb, cfg.RedisPushPrefix, cfg.PassengerID, logger)
	} else {
		transport = push.NewWSTransport(cfg.PushWSURL, logger)
	}

	var feed trip.Feed = tripfeed.NewMemoryFeed()
	if cfg.PGDSN != "" {
		pf, err := tripfeed.NewPGFeed(cfg.PGDSN, logger)
		if err != nil {
			// the push channel still drives the trip without the listener
			logger.Warn("trip listener unavailable, using push channel only", "error", err)
		} else {
			if cfg.RunMigrations {
				if err := pf.Migrate(ctx); err != nil {
					logger.Warn("trips migration failed", "error", err)
				}
			}
			defer pf.Close()
			feed = pf
		}
	}

	tripCfg := trip.Config{
		PassengerID: cfg.PassengerID,
		Policy: trip.Policy{
			SubmitDebounce:     cfg.SubmitDebounce,
			BannerTTL:          cfg.CancelBannerTTL,
			TerminalClearDelay: cfg.TerminalClearDelay,
			NoDriversFallback:  cfg.NoDriversFallback,
		},
		Store:  store,
		Feed:   feed,
		Logger: logger,
	}
	if cfg.StripeAPIKey != "" {
		tripCfg.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
	} else {
		logger.Warn("STRIPE_API_KEY not set, card holds will not be released")
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := analytics.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		tripCfg.Publisher = kp
	}

	registry := presence.NewRegistry(push.Client{T: transport}, presence.Options{
		MaxResults: cfg.NearbyMaxResults,
		CacheTTL:   cfg.NearbyCacheTTL,
		SpeedKmh:   cfg.AvgSpeedKmh,
		Logger:     logger,
	})
	gateway := interest.NewGateway(transport, interest.Options{
		Timeout:  cfg.InterestTimeout,
		RadiusKm: cfg.InterestRadiusKm,
		Logger:   logger,
	})
	sess := session.New(session.Config{
		PassengerID: cfg.PassengerID,
		ResyncDelay: cfg.ResyncDelay,
		Logger:      logger,
	}, transport, registry, trip.NewController(tripCfg), gateway)
	if err := sess.Start(ctx); err != nil {
		logger.Error("session start failed", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(sess, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("rider-sync listening", "addr", cfg.HTTPAddr, "passenger_id", cfg.PassengerID, "transport", cfg.PushTransport, "store", cfg.TripStore)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	sess.Stop()
}

func buildStore(ctx context.Context, cfg config.Config, rdb *redis.Client) (storage.TripStore, func(), error) {
	switch cfg.TripStore {
	case "redis":
		return storage.NewRedisStore(rdb, "rider-sync", 24*time.Hour), func() {}, nil
	case "postgres":
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				_ = ps.Close()
				return nil, nil, err
			}
		}
		return ps, func() { _ = ps.Close() }, nil
	default:
		return storage.NewMemoryStore(), func() {}, nil
	}
}
