// Package sweeper periodically cancels orders whose reservations expired and
// releases any expired reservation left behind.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/interlink-stock/internal/events"
	kafkax "github.com/ariefcatur/interlink-stock/internal/kafka"
	"github.com/ariefcatur/interlink-stock/internal/redisx"
	"github.com/ariefcatur/interlink-stock/internal/stock"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type OrderCleaner interface {
	CleanupExpiredOrders(ctx context.Context) (int, error)
}

type ReservationSweeper interface {
	SweepExpired(ctx context.Context) (stock.SweepResult, error)
}

// Locker keeps replicas from sweeping at the same time.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// Deduper filters redelivered trigger events. An event is marked only once
// its sweep succeeded.
type Deduper interface {
	Seen(ctx context.Context, consumer, id string) (bool, error)
	Mark(ctx context.Context, consumer, id string) error
}

const dedupConsumer = "sweeper"

type Options struct {
	Interval time.Duration
	LockTTL  time.Duration
	// Dedup is optional; without it a redelivered trigger sweeps again.
	Dedup Deduper
}

type Result struct {
	// Skipped is set when another replica held the sweep lock.
	Skipped         bool              `json:"skipped"`
	OrdersCancelled int               `json:"orders_cancelled"`
	Reservations    stock.SweepResult `json:"reservations"`
}

type Sweeper struct {
	orders OrderCleaner
	res    ReservationSweeper
	lock   Locker
	opts   Options
	log    zerolog.Logger
}

// New builds a Sweeper. A nil lock runs every pass unguarded.
func New(orders OrderCleaner, res ReservationSweeper, lock Locker, opts Options, log zerolog.Logger) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = redisx.TTLSweepLock
	}
	return &Sweeper{
		orders: orders,
		res:    res,
		lock:   lock,
		opts:   opts,
		log:    log.With().Str("component", "sweeper").Logger(),
	}
}

// RunOnce cancels PENDING orders holding expired reservations, then releases
// whatever expired reservations remain.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	if s.lock != nil {
		release, ok, err := s.lock.TryLock(ctx, redisx.KeySweepLock, s.opts.LockTTL)
		if err != nil {
			return res, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			s.log.Debug().Msg("sweep lock held elsewhere, skipping")
			res.Skipped = true
			return res, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn().Err(err).Msg("release sweep lock")
			}
		}()
	}

	var errs []error
	n, err := s.orders.CleanupExpiredOrders(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("cleanup expired orders: %w", err))
	}
	res.OrdersCancelled = n

	sr, err := s.res.SweepExpired(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep expired reservations: %w", err))
	}
	res.Reservations = sr
	return res, errors.Join(errs...)
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.opts.Interval)
	defer t.Stop()

	s.log.Info().Dur("interval", s.opts.Interval).Msg("sweeper started")
	for {
		if res, err := s.RunOnce(ctx); err != nil {
			s.log.Error().Err(err).Msg("sweep")
		} else if res.OrdersCancelled > 0 || res.Reservations.Found > 0 {
			s.log.Info().Int("orders_cancelled", res.OrdersCancelled).
				Int("reservations_released", res.Reservations.Released).
				Int("reservations_failed", res.Reservations.Failed).Msg("sweep done")
		}
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper stopped")
			return nil
		case <-t.C:
		}
	}
}

// HandleTrigger is the kafka handler for on-demand sweeps. Messages of other
// event types are acknowledged and ignored.
func (s *Sweeper) HandleTrigger(ctx context.Context, m kafka.Message) error {
	if et := kafkax.Header(m, events.HeaderEventType); et != "" && et != events.EventSweepRequested {
		return nil
	}
	env, err := kafkax.Decode[events.Envelope](m)
	if err != nil {
		// a poison message would otherwise be retried forever
		s.log.Error().Err(err).Int64("offset", m.Offset).Msg("drop undecodable sweep trigger")
		return nil
	}
	if env.EventType != events.EventSweepRequested {
		return nil
	}
	if s.opts.Dedup != nil && env.EventID != "" {
		seen, err := s.opts.Dedup.Seen(ctx, dedupConsumer, env.EventID)
		if err != nil {
			s.log.Warn().Err(err).Str("event_id", env.EventID).Msg("dedup check")
		} else if seen {
			return nil
		}
	}
	p, err := kafkax.UnwrapPayload[events.SweepRequestedPayload](env.Payload)
	if err != nil {
		s.log.Error().Err(err).Str("event_id", env.EventID).Msg("drop sweep trigger with bad payload")
		return nil
	}

	res, err := s.RunOnce(ctx)
	if err != nil {
		return err
	}
	if s.opts.Dedup != nil && env.EventID != "" {
		if err := s.opts.Dedup.Mark(ctx, dedupConsumer, env.EventID); err != nil {
			s.log.Warn().Err(err).Str("event_id", env.EventID).Msg("dedup mark")
		}
	}
	s.log.Info().Str("event_id", env.EventID).Str("requested_by", p.RequestedBy).
		Bool("skipped", res.Skipped).Int("orders_cancelled", res.OrdersCancelled).
		Int("reservations_released", res.Reservations.Released).Msg("triggered sweep done")
	return nil
}
