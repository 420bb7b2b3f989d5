package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger("ride-dispatch-api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	var index geo.Index
	if cfg.RedisAddr != "" {
		rg, rc := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		index = rg
		closers = append(closers, rc.Close)
	} else {
		index = geo.NewMemoryIndex()
		logger.Warn("REDIS_ADDR not set, using in-memory geo index")
	}

	var trips storage.TripStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unreachable", "error", err)
			os.Exit(1)
		}
		closers = append(closers, ps.Close)
		if cfg.RunMigrations {
			migrate(ctx, ps, logger)
		}
		trips = ps
	} else {
		trips = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, trips are kept in memory")
	}

	drivers := presence.NewRegistry(models.RoleDriver, logger)
	riders := presence.NewRegistry(models.RoleRider, logger)

	var durable location.DurableWriter = location.IndexWriter{Index: index}
	if len(cfg.KafkaBrokers) > 0 {
		lp := ingest.NewLocationProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		closers = append(closers, lp.Close)
		durable = lp
	}
	queue := location.NewQueue(durable, cfg.LocationQueueSize, logger)
	queue.Start(cfg.LocationWorkers)
	// drain pending writes before the sinks above are closed
	closers = append(closers, func() error { queue.Close(); return nil })
	locations := location.NewStore(queue, presence.Group{drivers, riders}, cfg.LocationCacheTTL, logger)
	go locations.RunSweeper(ctx, time.Minute)

	var sinks events.Multi
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTripEventsTopic)
		closers = append(closers, kp.Close)
		sinks = append(sinks, kp)
	}
	if cfg.RabbitURL != "" {
		ap, err := events.NewAMQPPublisher(cfg.RabbitURL, cfg.RabbitExchange)
		if err != nil {
			logger.Error("rabbitmq unavailable, notifications disabled", "error", err)
		} else {
			closers = append(closers, ap.Close)
			sinks = append(sinks, ap)
		}
	}

	timers := trip.NewTimers()
	closers = append(closers, func() error { timers.StopAll(); return nil })

	coord := &dispatch.Coordinator{
		Trips:   trip.NewMachine(trips, cfg.MaxReassignments),
		Geo:     index,
		Drivers: drivers,
		Riders:  riders,
		Timers:  timers,
		Config: dispatch.Config{
			OfferTimeout:   cfg.OfferTimeout,
			OfferExpiresIn: cfg.OfferExpiresIn,
			SearchRadius:   cfg.SearchRadiusMeters,
			SearchLimit:    cfg.SearchLimit,
			SearchBackoff:  cfg.SearchBackoff,
			BaseFare:       cfg.BaseFare,
			FarePerKm:      cfg.FarePerKm,
			Currency:       cfg.PaymentCurrency,
		},
		Logger: logger.With("component", "dispatch"),
	}
	if len(sinks) > 0 {
		coord.Events = sinks
	}
	if cfg.StripeAPIKey != "" {
		coord.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	go storage.RunJanitor(ctx, trips, cfg.TripRetention, 10*time.Minute, logger)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewServer(httpapi.Deps{
			Coordinator: coord,
			Locations:   locations,
			Geo:         index,
			Drivers:     drivers,
			Riders:      riders,
			JWTSecret:   cfg.JWTSecret,
		}, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
}

func migrate(ctx context.Context, ps *storage.PostgresStore, logger *slog.Logger) {
	name := "001_create_trips.sql"
	b, err := os.ReadFile(filepath.Join("migrations", name))
	if err != nil {
		logger.Error("migration read error", "file", name, "error", err)
		return
	}
	if _, err := ps.DB().ExecContext(ctx, string(b)); err != nil {
		logger.Error("migration exec error", "file", name, "error", err)
		return
	}
	logger.Info("migration applied", "file", name)
}
