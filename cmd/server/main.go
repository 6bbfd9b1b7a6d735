package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/idempotency"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/scoring"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	// Persistence: Postgres when a DSN is given, otherwise in-process.
	var (
		rides   storage.RideStore
		drivers storage.DriverStore
		refunds storage.RefundStore
		tiers   matcher.TierStore
		ratings scoring.RatingSource
		history storage.HistoryStore
	)
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		rides, drivers, refunds, tiers, ratings, history = pg, pg, pg, pg, pg, pg
	} else {
		mem := storage.NewMemoryStore()
		rides, drivers, refunds, tiers, ratings, history = mem, mem, mem, mem, mem, mem
		logger.Warn("no PG_DSN set, using in-memory store")
	}

	// Geo index: Redis when configured, otherwise the local scan index.
	var (
		finder      geo.CandidateFinder
		updater     geo.Updater
		redisClient *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
		rg := geo.NewRedisGeoFromClient(redisClient, cfg.RedisGeoKey)
		finder, updater = rg, rg
		// Redis already holds per-driver ratings next to the geo set.
		ratings = rg
	} else {
		idx := geo.NewIndex()
		finder, updater = idx, idx
	}

	var guard idempotency.Guard
	if redisClient != nil {
		guard = idempotency.NewRedisGuard(redisClient, cfg.IdempotencyTTL)
	} else {
		guard = idempotency.NewMemoryGuard(cfg.IdempotencyTTL, clock.Real{})
	}

	var publisher events.Publisher = events.Nop{}
	var locations *events.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaStatusTopic)
		defer kp.Close()
		publisher = kp
		locations = events.NewLocationPublisher(cfg.KafkaBrokers, cfg.KafkaLocTopic)
		defer locations.Close()
	}

	var capturer payments.Capturer = payments.Nop{}
	if os.Getenv("STRIPE_API_KEY") != "" {
		capturer = payments.NewStripeClient()
	}

	wsreg := dispatch.NewWSRegistry()
	notifier := buildDispatcher(cfg, wsreg, history, logger)

	svc := lifecycle.NewService(rides, drivers, refunds, notifier, publisher, capturer, clock.Real{}, cfg.ResponseWindow, logger)

	recorder := observability.NewMatchingRecorder(cfg.AlertWindow, cfg.AlertFailureRate, cfg.AlertLatency, logger)
	selector := &matcher.Selector{
		Geo:             finder,
		Engine:          scoring.NewEngine(ratings, cfg.ScoringBatchSize),
		Tiers:           tiers,
		Recorder:        recorder,
		DefaultRadiusKm: cfg.DefaultRadiusKm,
		Logger:          logger,
	}

	server := httpapi.NewServer(httpapi.Deps{
		Matcher:   selector,
		Rides:     svc,
		Notifier:  notifier,
		Geo:       updater,
		Drivers:   drivers,
		Locations: locations,
		WSReg:     wsreg,
		Guard:     guard,
		Recorder:  recorder,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.SweepEnabled {
		sw := &lifecycle.Sweeper{Service: svc, Interval: cfg.SweepInterval}
		go sw.Run(ctx)
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}

// buildDispatcher assembles the notification fan-out. Push prefers a
// live driver websocket and falls back to the configured gateway; SMS
// and email are optional.
func buildDispatcher(cfg config.ServerConfig, wsreg *dispatch.WSRegistry, history storage.HistoryStore, logger *slog.Logger) *dispatch.Dispatcher {
	var gateway dispatch.Provider
	switch cfg.PushProvider {
	case "expo":
		gateway = dispatch.NewExpoProvider(cfg.ExpoEndpoint)
	default:
		gateway = dispatch.NewFCMProvider(cfg.FCMEndpoint, cfg.FCMKey)
	}

	providers := map[dispatch.Channel]dispatch.Provider{
		dispatch.ChannelPush:  &dispatch.ChainProvider{Providers: []dispatch.Provider{wsreg, gateway}},
		dispatch.ChannelEmail: &dispatch.LogProvider{Logger: logger, Channel: dispatch.ChannelEmail},
	}
	if cfg.SMSEndpoint != "" {
		providers[dispatch.ChannelSMS] = dispatch.NewSMSProvider(cfg.SMSEndpoint, cfg.SMSKey)
	}
	return dispatch.NewDispatcher(providers, nil, history, clock.Real{}, logger)
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("migration db open error: %v", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_schema.sql"))
	if err != nil {
		log.Printf("migration read error: %v", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		log.Printf("migration exec error: %v", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_schema.sql")
}
