package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ariefcatur/interlink-stock/internal/clock"
	"github.com/ariefcatur/interlink-stock/internal/config"
	"github.com/ariefcatur/interlink-stock/internal/events"
	kafkax "github.com/ariefcatur/interlink-stock/internal/kafka"
	"github.com/ariefcatur/interlink-stock/internal/logging"
	"github.com/ariefcatur/interlink-stock/internal/observability"
	"github.com/ariefcatur/interlink-stock/internal/orders"
	"github.com/ariefcatur/interlink-stock/internal/postgres"
	"github.com/ariefcatur/interlink-stock/internal/redisx"
	"github.com/ariefcatur/interlink-stock/internal/stock"
	"github.com/ariefcatur/interlink-stock/internal/sweeper"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}

// The sweeper shares the API's database, so it only runs against postgres.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.ServiceName+"-sweeper", cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig{
		ServiceName: cfg.ServiceName + "-sweeper",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    true,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("tracing setup")
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()
	uow := postgres.New(db)

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	var (
		pub  events.Publisher = events.Nop{}
		prod *kafkax.Producer
	)
	if cfg.EventsEnabled {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
		prod.Start()
		pub = &events.Bus{Producer: prod, ServiceName: cfg.ServiceName + "-sweeper", Clock: clock.System()}
	}

	clk := clock.System()
	res := stock.NewReservations(uow, clk, pub, cfg.ReservationTTL, log)
	svc := orders.NewService(uow, res, clk, pub, log)
	sw := sweeper.New(svc, res, &redisx.Locker{RDB: rdb}, sweeper.Options{
		Interval: cfg.SweepInterval,
		LockTTL:  cfg.SweepLockTTL,
		Dedup:    &redisx.Dedup{RDB: rdb},
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sw.Run(gctx) })
	if cfg.EventsEnabled {
		workers := mustAtoi(os.Getenv("SWEEPER_WORKERS"), "1")
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.SweeperGroup, events.TopicSweepRequested, workers, log)
		g.Go(func() error {
			log.Info().Str("group", cfg.SweeperGroup).Str("topic", events.TopicSweepRequested).Int("workers", workers).Msg("sweep trigger consumer started")
			return cons.Start(gctx, sw.HandleTrigger)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("sweeper exited")
	}
	log.Info().Msg("shutting down sweeper...")
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
