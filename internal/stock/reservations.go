package stock

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ariefcatur/interlink-stock/internal/clock"
	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/ariefcatur/interlink-stock/internal/events"
	"github.com/ariefcatur/interlink-stock/internal/observability"
	"github.com/ariefcatur/interlink-stock/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const DefaultReservationTTL = 60 * time.Minute

type ReserveInput struct {
	StoreID    string  `json:"store_id" validate:"required"`
	ProductID  string  `json:"product_id" validate:"required"`
	VariantID  *string `json:"variant_id,omitempty"`
	Quantity   int     `json:"quantity" validate:"gt=0"`
	OrderID    string  `json:"order_id" validate:"required"`
	TTLMinutes int     `json:"reservation_minutes,omitempty" validate:"min=0"`
}

// SweepResult summarizes one pass over the expired reservations.
type SweepResult struct {
	Found    int `json:"found"`
	Released int `json:"released"`
	Failed   int `json:"failed"`
}

// Reservations holds quantity against stock lines for pending orders.
//
// The *Tx variants join the caller's unit of work and publish nothing; the
// caller publishes once its own unit has committed.
type Reservations struct {
	uow    store.UnitOfWork
	clock  clock.Clock
	events events.Publisher
	ttl    time.Duration
	log    zerolog.Logger
}

func NewReservations(uow store.UnitOfWork, clk clock.Clock, pub events.Publisher, defaultTTL time.Duration, log zerolog.Logger) *Reservations {
	if pub == nil {
		pub = events.Nop{}
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultReservationTTL
	}
	return &Reservations{
		uow:    uow,
		clock:  clk,
		events: pub,
		ttl:    defaultTTL,
		log:    log.With().Str("component", "reservations").Logger(),
	}
}

func (m *Reservations) Reserve(ctx context.Context, in ReserveInput) (res *domain.Reservation, err error) {
	ctx, span := tracer.Start(ctx, "stock.reserve")
	defer func() { observability.End(span, err) }()
	span.SetAttributes(
		attribute.String("order.id", in.OrderID),
		attribute.String("product.id", in.ProductID),
		attribute.Int("quantity", in.Quantity),
	)

	err = m.uow.Do(ctx, func(tx store.Tx) error {
		var err error
		res, err = m.ReserveTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.PublishReserved(ctx, *res)
	return res, nil
}

// ReserveTx checks sellable quantity and takes it under the line's row lock.
func (m *Reservations) ReserveTx(ctx context.Context, tx store.Tx, in ReserveInput) (*domain.Reservation, error) {
	if err := domain.Validate(in); err != nil {
		return nil, err
	}
	key := domain.StockKey{StoreID: in.StoreID, ProductID: in.ProductID, VariantID: in.VariantID}
	line, err := tx.Stock().LockByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if line.Sellable() < in.Quantity {
		return nil, &domain.InsufficientStockError{
			ProductID: in.ProductID,
			VariantID: in.VariantID,
			Available: line.Sellable(),
			Requested: in.Quantity,
		}
	}

	now := m.clock.Now()
	line.ReservedQty += in.Quantity
	line.LastChangedAt = now
	if err := tx.Stock().Save(ctx, line); err != nil {
		return nil, err
	}

	ttl := m.ttl
	if in.TTLMinutes > 0 {
		ttl = time.Duration(in.TTLMinutes) * time.Minute
	}
	res := &domain.Reservation{
		ID:        uuid.NewString(),
		StoreID:   in.StoreID,
		OrderID:   in.OrderID,
		ProductID: in.ProductID,
		VariantID: in.VariantID,
		Quantity:  in.Quantity,
		ExpiresAt: now.Add(ttl),
		Status:    domain.ReservationActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.Reservations().Insert(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// LockLinesTx takes the row locks of every line in keys in a fixed order so
// that units of work touching several lines cannot deadlock each other.
// Missing lines are skipped; the operation that needs them reports it.
func (m *Reservations) LockLinesTx(ctx context.Context, tx store.Tx, keys []domain.StockKey) error {
	sorted := append([]domain.StockKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return keyLess(sorted[i], sorted[j]) })
	for _, k := range sorted {
		if _, err := tx.Stock().LockByKey(ctx, k); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	return nil
}

func keyLess(a, b domain.StockKey) bool {
	if a.StoreID != b.StoreID {
		return a.StoreID < b.StoreID
	}
	if a.ProductID != b.ProductID {
		return a.ProductID < b.ProductID
	}
	return variantOf(a) < variantOf(b)
}

func variantOf(k domain.StockKey) string {
	if k.VariantID == nil {
		return ""
	}
	return *k.VariantID
}

func (m *Reservations) Release(ctx context.Context, id string) (res *domain.Reservation, err error) {
	ctx, span := tracer.Start(ctx, "stock.release")
	defer func() { observability.End(span, err) }()
	span.SetAttributes(attribute.String("reservation.id", id))

	err = m.uow.Do(ctx, func(tx store.Tx) error {
		var err error
		res, err = m.ReleaseTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.PublishClosed(ctx, *res)
	return res, nil
}

// ReleaseTx returns the reserved quantity of an ACTIVE reservation to the
// line's sellable pool.
func (m *Reservations) ReleaseTx(ctx context.Context, tx store.Tx, id string) (*domain.Reservation, error) {
	res, line, err := m.lockActive(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	line.ReservedQty -= res.Quantity
	line.LastChangedAt = now
	if err := tx.Stock().Save(ctx, line); err != nil {
		return nil, err
	}
	if err := tx.Reservations().UpdateStatus(ctx, res.ID, domain.ReservationReleased, now); err != nil {
		return nil, err
	}
	res.Status = domain.ReservationReleased
	res.UpdatedAt = now
	return res, nil
}

func (m *Reservations) Confirm(ctx context.Context, id string) (res *domain.Reservation, err error) {
	ctx, span := tracer.Start(ctx, "stock.confirm")
	defer func() { observability.End(span, err) }()
	span.SetAttributes(attribute.String("reservation.id", id))

	err = m.uow.Do(ctx, func(tx store.Tx) error {
		var err error
		res, err = m.ConfirmTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.PublishClosed(ctx, *res)
	return res, nil
}

// ConfirmTx turns an ACTIVE reservation into a sale: the quantity leaves
// both available and reserved and is counted as sold.
func (m *Reservations) ConfirmTx(ctx context.Context, tx store.Tx, id string) (*domain.Reservation, error) {
	res, line, err := m.lockActive(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	line.AvailableQty -= res.Quantity
	line.ReservedQty -= res.Quantity
	line.SoldQty += res.Quantity
	line.LastChangedAt = now
	if err := tx.Stock().Save(ctx, line); err != nil {
		return nil, err
	}
	if err := tx.Reservations().UpdateStatus(ctx, res.ID, domain.ReservationApplied, now); err != nil {
		return nil, err
	}
	res.Status = domain.ReservationApplied
	res.UpdatedAt = now
	return res, nil
}

// lockActive locks the reservation's stock line and then the reservation,
// the same order LockLinesTx callers use, and checks it is still ACTIVE.
func (m *Reservations) lockActive(ctx context.Context, tx store.Tx, id string) (*domain.Reservation, *domain.StockLine, error) {
	res, err := tx.Reservations().Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if res.Status != domain.ReservationActive {
		return nil, nil, domain.InvalidStatef("reservation %s is %s", id, res.Status)
	}
	line, err := tx.Stock().LockByKey(ctx, res.Key())
	if err != nil {
		return nil, nil, err
	}
	if res, err = tx.Reservations().Lock(ctx, id); err != nil {
		return nil, nil, err
	}
	if res.Status != domain.ReservationActive {
		return nil, nil, domain.InvalidStatef("reservation %s is %s", id, res.Status)
	}
	if line.ReservedQty < res.Quantity {
		return nil, nil, domain.InvalidStatef("line %s holds %d reserved, reservation %s needs %d", line.ID, line.ReservedQty, id, res.Quantity)
	}
	return res, line, nil
}

func (m *Reservations) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	var res *domain.Reservation
	err := m.uow.Do(ctx, func(tx store.Tx) error {
		var err error
		res, err = tx.Reservations().Get(ctx, id)
		return err
	})
	return res, err
}

// ListExpired returns ACTIVE reservations whose expiry lies before now.
func (m *Reservations) ListExpired(ctx context.Context) ([]domain.Reservation, error) {
	var out []domain.Reservation
	err := m.uow.Do(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Reservations().ListExpired(ctx, m.clock.Now())
		return err
	})
	return out, err
}

// SweepExpired releases every expired reservation, each in its own unit of
// work. A failure is logged and the sweep moves on.
func (m *Reservations) SweepExpired(ctx context.Context) (result SweepResult, err error) {
	ctx, span := tracer.Start(ctx, "stock.sweep_expired")
	defer func() { observability.End(span, err) }()

	expired, err := m.ListExpired(ctx)
	if err != nil {
		return result, err
	}
	result.Found = len(expired)
	for _, r := range expired {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if _, err := m.Release(ctx, r.ID); err != nil {
			result.Failed++
			m.log.Warn().Err(err).Str("reservation_id", r.ID).Str("order_id", r.OrderID).Msg("release expired reservation")
			continue
		}
		result.Released++
	}
	span.SetAttributes(attribute.Int("found", result.Found), attribute.Int("released", result.Released))
	if result.Found > 0 {
		m.log.Info().Int("found", result.Found).Int("released", result.Released).Int("failed", result.Failed).Msg("expired reservations swept")
	}
	return result, nil
}

// PublishReserved emits StockReserved for a committed reservation.
func (m *Reservations) PublishReserved(ctx context.Context, r domain.Reservation) {
	m.publish(ctx, events.TopicStockReserved, r.OrderID, events.EventStockReserved, events.StockReservedPayload{
		ReservationID: r.ID,
		OrderID:       r.OrderID,
		StoreID:       r.StoreID,
		ProductID:     r.ProductID,
		VariantID:     r.VariantID,
		Qty:           r.Quantity,
		ExpiresAt:     r.ExpiresAt,
	})
}

// PublishClosed emits ReservationReleased or ReservationConfirmed depending
// on the reservation's terminal status.
func (m *Reservations) PublishClosed(ctx context.Context, r domain.Reservation) {
	topic, eventType := events.TopicReservationReleased, events.EventReservationReleased
	if r.Status == domain.ReservationApplied {
		topic, eventType = events.TopicReservationConfirmed, events.EventReservationConfirmed
	}
	m.publish(ctx, topic, r.OrderID, eventType, events.ReservationClosedPayload{
		ReservationID: r.ID,
		OrderID:       r.OrderID,
		StoreID:       r.StoreID,
		ProductID:     r.ProductID,
		Qty:           r.Quantity,
		Status:        string(r.Status),
	})
}

func (m *Reservations) publish(ctx context.Context, topic, key, eventType string, payload any) {
	if err := m.events.Publish(ctx, topic, key, eventType, payload); err != nil {
		m.log.Warn().Err(err).Str("event", eventType).Str("key", key).Msg("publish event")
	}
}
