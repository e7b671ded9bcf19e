package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/interlink-stock/internal/clock"
	"github.com/ariefcatur/interlink-stock/internal/config"
	"github.com/ariefcatur/interlink-stock/internal/events"
	"github.com/ariefcatur/interlink-stock/internal/httpx"
	kafkax "github.com/ariefcatur/interlink-stock/internal/kafka"
	"github.com/ariefcatur/interlink-stock/internal/logging"
	"github.com/ariefcatur/interlink-stock/internal/memstore"
	"github.com/ariefcatur/interlink-stock/internal/observability"
	"github.com/ariefcatur/interlink-stock/internal/orders"
	"github.com/ariefcatur/interlink-stock/internal/postgres"
	"github.com/ariefcatur/interlink-stock/internal/redisx"
	"github.com/ariefcatur/interlink-stock/internal/stock"
	"github.com/ariefcatur/interlink-stock/internal/store"
	"github.com/ariefcatur/interlink-stock/internal/sweeper"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.ServiceName, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("tracing setup")
	}

	// Storage
	var uow store.UnitOfWork
	switch cfg.StorageDriver {
	case config.StorageMemory:
		log.Warn().Msg("using in-memory storage; data is lost on restart")
		uow = memstore.New()
	case config.StoragePostgres:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("db connect")
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("db migrate")
		}
		uow = postgres.New(db)
	default:
		log.Fatal().Str("driver", cfg.StorageDriver).Msg("unknown storage driver")
	}

	// Redis: idempotency, status cache and the sweep lock
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	oh := &httpx.OrdersHandler{Log: log}
	var lock sweeper.Locker
	pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable; idempotency keys and status cache disabled")
	} else {
		oh.Idem = &redisx.Idempotency{RDB: rdb}
		oh.Cache = &redisx.StatusCache{RDB: rdb}
		lock = &redisx.Locker{RDB: rdb}
	}
	cancelPing()

	// Kafka producer
	var (
		pub  events.Publisher = events.Nop{}
		prod *kafkax.Producer
	)
	if cfg.EventsEnabled {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
		prod.Start()
		pub = &events.Bus{Producer: prod, ServiceName: cfg.ServiceName, Clock: clock.System()}
	}

	clk := clock.System()
	ledger := stock.NewLedger(uow, clk, pub, log)
	res := stock.NewReservations(uow, clk, pub, cfg.ReservationTTL, log)
	oh.Service = orders.NewService(uow, res, clk, pub, log)

	router := httpx.NewRouter(log)
	sh := &httpx.StockHandler{Ledger: ledger, Reservations: res, Log: log}
	if cfg.EventsEnabled {
		sh.Events = pub
	}
	sh.Register(router)
	oh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Str("storage", cfg.StorageDriver).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.SweepInProcess {
		sw := sweeper.New(oh.Service, res, lock, sweeper.Options{Interval: cfg.SweepInterval, LockTTL: cfg.SweepLockTTL}, log)
		g.Go(func() error { return sw.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("api exited")
	}
	if prod != nil {
		prod.Close()
		prod.WaitClosed()
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(sctx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}
}
