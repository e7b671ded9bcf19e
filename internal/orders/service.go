package orders

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ariefcatur/interlink-stock/internal/clock"
	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/ariefcatur/interlink-stock/internal/events"
	"github.com/ariefcatur/interlink-stock/internal/observability"
	"github.com/ariefcatur/interlink-stock/internal/stock"
	"github.com/ariefcatur/interlink-stock/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/ariefcatur/interlink-stock/internal/orders")

// Service coordinates orders with their stock reservations. Every status
// change that touches stock happens in one unit of work with it.
type Service struct {
	uow    store.UnitOfWork
	res    *stock.Reservations
	clock  clock.Clock
	events events.Publisher
	log    zerolog.Logger
}

func NewService(uow store.UnitOfWork, res *stock.Reservations, clk clock.Clock, pub events.Publisher, log zerolog.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		uow:    uow,
		res:    res,
		clock:  clk,
		events: pub,
		log:    log.With().Str("component", "orders").Logger(),
	}
}

// CreateOrder stores a PENDING order and reserves every item. Nothing is
// persisted unless all items can be reserved.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (order *domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "orders.create")
	defer func() { observability.End(span, err) }()
	span.SetAttributes(attribute.String("store.id", in.StoreID), attribute.Int("items", len(in.Items)))

	if err := domain.Validate(in); err != nil {
		return nil, err
	}
	for _, it := range in.Items {
		if it.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("%w: unit price of product %s must be >= 0", domain.ErrValidation, it.ProductID)
		}
	}

	err = s.uow.Do(ctx, func(tx store.Tx) error {
		now := s.clock.Now()
		cust, err := s.upsertCustomer(ctx, tx, in.Customer, now)
		if err != nil {
			return err
		}

		total := decimal.Zero
		for _, it := range in.Items {
			total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
		}

		o := &domain.Order{
			ID:          uuid.NewString(),
			StoreID:     in.StoreID,
			CustomerID:  cust.ID,
			Status:      domain.OrderPending,
			TotalAmount: total,
			Notes:       in.Notes,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Orders().Insert(ctx, o); err != nil {
			return err
		}

		keys := make([]domain.StockKey, 0, len(in.Items))
		for _, it := range in.Items {
			keys = append(keys, domain.StockKey{StoreID: in.StoreID, ProductID: it.ProductID, VariantID: it.VariantID})
		}
		if err := s.res.LockLinesTx(ctx, tx, keys); err != nil {
			return err
		}

		for _, it := range in.Items {
			item := domain.OrderItem{
				ID:         uuid.NewString(),
				OrderID:    o.ID,
				ProductID:  it.ProductID,
				VariantID:  it.VariantID,
				Quantity:   it.Quantity,
				UnitPrice:  it.UnitPrice,
				TotalPrice: it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))),
			}
			if err := tx.Orders().InsertItem(ctx, &item); err != nil {
				return err
			}
			r, err := s.res.ReserveTx(ctx, tx, stock.ReserveInput{
				StoreID:    in.StoreID,
				ProductID:  it.ProductID,
				VariantID:  it.VariantID,
				Quantity:   it.Quantity,
				OrderID:    o.ID,
				TTLMinutes: in.ReservationMinutes,
			})
			if err != nil {
				return err
			}
			o.Items = append(o.Items, item)
			o.Reservations = append(o.Reservations, *r)
		}
		o.Customer = cust
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("order_id", order.ID).Str("store_id", order.StoreID).
		Str("total", order.TotalAmount.StringFixed(2)).Int("items", len(order.Items)).Msg("order created")
	s.publishCreated(ctx, order)
	for _, r := range order.Reservations {
		s.res.PublishReserved(ctx, r)
	}
	return order, nil
}

// upsertCustomer finds the customer by email and refreshes its contact
// details, or creates a guest customer.
func (s *Service) upsertCustomer(ctx context.Context, tx store.Tx, in CustomerInput, now time.Time) (*domain.Customer, error) {
	email := strings.TrimSpace(in.Email)
	c, err := tx.Customers().GetByEmail(ctx, email)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c = &domain.Customer{
			ID:        uuid.NewString(),
			Name:      in.Name,
			Phone:     in.Phone,
			Email:     email,
			Address:   in.Address,
			IsGuest:   true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return c, tx.Customers().Insert(ctx, c)
	case err != nil:
		return nil, err
	}
	c.Name = in.Name
	c.Phone = in.Phone
	c.Address = in.Address
	c.UpdatedAt = now
	return c, tx.Customers().Update(ctx, c)
}

func (s *Service) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var o *domain.Order
	err := s.uow.Do(ctx, func(tx store.Tx) error {
		var err error
		o, err = tx.Orders().Get(ctx, id)
		if err != nil {
			return err
		}
		return hydrate(ctx, tx, o)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// hydrate attaches items, ACTIVE reservations and the customer.
func hydrate(ctx context.Context, tx store.Tx, o *domain.Order) error {
	items, err := tx.Orders().Items(ctx, o.ID)
	if err != nil {
		return err
	}
	active := domain.ReservationActive
	res, err := tx.Reservations().ListByOrder(ctx, o.ID, &active)
	if err != nil {
		return err
	}
	c, err := tx.Customers().Get(ctx, o.CustomerID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	o.Items, o.Reservations, o.Customer = items, res, c
	return nil
}

// UpdateOrderStatus sets the order's status. Confirming a PENDING order
// applies its ACTIVE reservations and cancelling releases them, in the same
// unit of work as the status change. Any other move only updates the order.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID string, to domain.OrderStatus, reason string) (order *domain.Order, err error) {
	ctx, span := tracer.Start(ctx, "orders.update_status")
	defer func() { observability.End(span, err) }()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("status.to", string(to)))

	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown order status %q", domain.ErrValidation, to)
	}

	var ch change
	err = s.uow.Do(ctx, func(tx store.Tx) error {
		o, err := tx.Orders().Lock(ctx, orderID)
		if err != nil {
			return err
		}
		if ch, err = s.applyStatusTx(ctx, tx, o, to, reason); err != nil {
			return err
		}
		if err := hydrate(ctx, tx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishChange(ctx, ch)
	return order, nil
}

// change is what a committed status update has to announce.
type change struct {
	orderID string
	from    domain.OrderStatus
	to      domain.OrderStatus
	reason  string
	closed  []domain.Reservation
}

// applyStatusTx moves a locked order to status to inside tx.
func (s *Service) applyStatusTx(ctx context.Context, tx store.Tx, o *domain.Order, to domain.OrderStatus, reason string) (change, error) {
	ch := change{orderID: o.ID, from: o.Status, to: to, reason: reason}
	now := s.clock.Now()

	confirm := to == domain.OrderConfirmed && o.Status == domain.OrderPending
	if confirm || to == domain.OrderCancelled {
		active := domain.ReservationActive
		rs, err := tx.Reservations().ListByOrder(ctx, o.ID, &active)
		if err != nil {
			return ch, err
		}
		keys := make([]domain.StockKey, 0, len(rs))
		for _, r := range rs {
			keys = append(keys, r.Key())
		}
		if err := s.res.LockLinesTx(ctx, tx, keys); err != nil {
			return ch, err
		}
		for _, r := range rs {
			var done *domain.Reservation
			if confirm {
				done, err = s.res.ConfirmTx(ctx, tx, r.ID)
			} else {
				done, err = s.res.ReleaseTx(ctx, tx, r.ID)
			}
			if err != nil {
				return ch, err
			}
			ch.closed = append(ch.closed, *done)
		}
	}

	if confirm {
		o.ConfirmedAt = &now
	}
	if reason != "" {
		o.CancelReason = reason
	}
	o.Status = to
	o.UpdatedAt = now
	return ch, tx.Orders().UpdateStatus(ctx, o)
}

func (s *Service) publishChange(ctx context.Context, ch change) {
	s.log.Info().Str("order_id", ch.orderID).Str("from", string(ch.from)).Str("to", string(ch.to)).
		Int("reservations", len(ch.closed)).Msg("order status changed")
	s.publish(ctx, events.TopicOrderStatusChanged, ch.orderID, events.EventOrderStatusChanged, events.OrderStatusChangedPayload{
		OrderID: ch.orderID,
		From:    string(ch.from),
		To:      string(ch.to),
		Reason:  ch.reason,
	})
	for _, r := range ch.closed {
		s.res.PublishClosed(ctx, r)
	}
}

func (s *Service) CancelOrder(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	return s.UpdateOrderStatus(ctx, orderID, domain.OrderCancelled, reason)
}

// Search returns one page of orders, newest first.
func (s *Service) Search(ctx context.Context, f SearchFilter) (*SearchResult, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown order status %q", domain.ErrValidation, f.Status)
	}
	offset, limit := normalizePage(f.Offset, f.Limit)

	out := &SearchResult{Offset: offset, Limit: limit}
	err := s.uow.Do(ctx, func(tx store.Tx) error {
		list, total, err := tx.Orders().Search(ctx, store.OrderFilter{
			StoreID:    f.StoreID,
			CustomerID: f.CustomerID,
			Status:     f.Status,
			Text:       f.Text,
			From:       f.From,
			To:         f.To,
			Offset:     offset,
			Limit:      limit,
		})
		if err != nil {
			return err
		}
		for i := range list {
			if err := hydrate(ctx, tx, &list[i]); err != nil {
				return err
			}
		}
		out.Orders, out.Total = list, total
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Orders == nil {
		out.Orders = []domain.Order{}
	}
	out.HasMore = offset+len(out.Orders) < out.Total
	return out, nil
}

func (s *Service) StoreOrders(ctx context.Context, storeID string, status domain.OrderStatus, offset, limit int) (*SearchResult, error) {
	return s.Search(ctx, SearchFilter{StoreID: storeID, Status: status, Offset: offset, Limit: limit})
}

// CustomerOrders returns the most recent orders of one customer.
func (s *Service) CustomerOrders(ctx context.Context, customerID string) ([]domain.Order, error) {
	res, err := s.Search(ctx, SearchFilter{CustomerID: customerID, Limit: CustomerOrdersLimit})
	if err != nil {
		return nil, err
	}
	return res.Orders, nil
}

func (s *Service) Stats(ctx context.Context, f StatsFilter) (domain.OrderStats, error) {
	var st domain.OrderStats
	err := s.uow.Do(ctx, func(tx store.Tx) error {
		var err error
		st, err = tx.Orders().Stats(ctx, store.OrderStatsFilter{StoreID: f.StoreID, From: f.From, To: f.To})
		return err
	})
	return st, err
}

// NeedingAttention lists PENDING orders holding at least one expired ACTIVE
// reservation.
func (s *Service) NeedingAttention(ctx context.Context) ([]domain.Order, error) {
	out := []domain.Order{}
	err := s.uow.Do(ctx, func(tx store.Tx) error {
		ids, err := tx.Orders().PendingWithExpired(ctx, s.clock.Now())
		if err != nil {
			return err
		}
		for _, id := range ids {
			o, err := tx.Orders().Get(ctx, id)
			if err != nil {
				return err
			}
			if err := hydrate(ctx, tx, o); err != nil {
				return err
			}
			out = append(out, *o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CleanupExpiredOrders cancels every order NeedingAttention would return.
// Each order is re-checked and cancelled in its own unit of work; a failure
// is logged and the rest still run.
func (s *Service) CleanupExpiredOrders(ctx context.Context) (cleaned int, err error) {
	ctx, span := tracer.Start(ctx, "orders.cleanup_expired")
	defer func() { observability.End(span, err) }()

	var ids []string
	err = s.uow.Do(ctx, func(tx store.Tx) error {
		var err error
		ids, err = tx.Orders().PendingWithExpired(ctx, s.clock.Now())
		return err
	})
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return cleaned, ctx.Err()
		}
		ok, err := s.cancelExpired(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Str("order_id", id).Msg("cancel expired order")
			continue
		}
		if ok {
			cleaned++
		}
	}
	span.SetAttributes(attribute.Int("cleaned", cleaned))
	if len(ids) > 0 {
		s.log.Info().Int("found", len(ids)).Int("cleaned", cleaned).Msg("expired orders cleaned up")
	}
	return cleaned, nil
}

// cancelExpired cancels one order if, under its lock, it is still PENDING
// and still holds an expired ACTIVE reservation. It reports false when the
// order moved on since it was listed.
func (s *Service) cancelExpired(ctx context.Context, orderID string) (bool, error) {
	var (
		ch      change
		applied bool
	)
	err := s.uow.Do(ctx, func(tx store.Tx) error {
		o, err := tx.Orders().Lock(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderPending {
			return nil
		}
		active := domain.ReservationActive
		rs, err := tx.Reservations().ListByOrder(ctx, orderID, &active)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if !slices.ContainsFunc(rs, func(r domain.Reservation) bool { return r.Expired(now) }) {
			return nil
		}
		if ch, err = s.applyStatusTx(ctx, tx, o, domain.OrderCancelled, ExpiredCancelReason); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil || !applied {
		if err == nil {
			s.log.Debug().Str("order_id", orderID).Msg("order no longer expired, skipping")
		}
		return false, err
	}
	s.publishChange(ctx, ch)
	return true, nil
}

func (s *Service) publishCreated(ctx context.Context, o *domain.Order) {
	p := events.OrderCreatedPayload{
		OrderID:     o.ID,
		StoreID:     o.StoreID,
		CustomerID:  o.CustomerID,
		TotalAmount: o.TotalAmount.StringFixed(2),
	}
	for _, it := range o.Items {
		p.Items = append(p.Items, events.ItemQty{ProductID: it.ProductID, VariantID: it.VariantID, Qty: it.Quantity})
	}
	for _, r := range o.Reservations {
		p.ReservationIDs = append(p.ReservationIDs, r.ID)
	}
	s.publish(ctx, events.TopicOrderCreated, o.ID, events.EventOrderCreated, p)
}

func (s *Service) publish(ctx context.Context, topic, key, eventType string, payload any) {
	if err := s.events.Publish(ctx, topic, key, eventType, payload); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Str("key", key).Msg("publish event")
	}
}
