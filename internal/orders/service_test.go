package orders_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ariefcatur/interlink-stock/internal/clock"
	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/ariefcatur/interlink-stock/internal/events"
	"github.com/ariefcatur/interlink-stock/internal/events/eventstest"
	"github.com/ariefcatur/interlink-stock/internal/memstore"
	"github.com/ariefcatur/interlink-stock/internal/orders"
	"github.com/ariefcatur/interlink-stock/internal/stock"
	"github.com/ariefcatur/interlink-stock/internal/store/storetest"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx    context.Context
	db     *memstore.Store
	clk    *clock.Manual
	rec    *eventstest.Recorder
	ledger *stock.Ledger
	res    *stock.Reservations
	svc    *orders.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx: context.Background(),
		db:  memstore.New(),
		clk: clock.NewManual(t0),
		rec: &eventstest.Recorder{},
	}
	log := zerolog.Nop()
	f.ledger = stock.NewLedger(f.db, f.clk, f.rec, log)
	f.res = stock.NewReservations(f.db, f.clk, f.rec, time.Hour, log)
	f.svc = orders.NewService(f.db, f.res, f.clk, f.rec, log)

	f.db.AddEntitlement(domain.Entitlement{StoreID: "s1", BrandID: "b1", EffectiveFrom: t0.Add(-time.Hour)})
	for _, id := range []string{"p1", "p2", "p3"} {
		f.db.AddProduct(domain.ProductRef{ID: id, BrandID: "b1", Name: "Product " + id})
	}
	return f
}

func (f *fixture) stock(t *testing.T, productID string, qty int) {
	t.Helper()
	_, err := f.ledger.UpsertStock(f.ctx, stock.UpsertStockInput{StoreID: "s1", ProductID: productID, AvailableQty: qty})
	require.NoError(t, err)
}

func (f *fixture) line(t *testing.T, productID string) *domain.StockLine {
	t.Helper()
	l, err := f.ledger.ProductStock(f.ctx, "s1", productID, nil)
	require.NoError(t, err)
	return l
}

func customer(email string) orders.CustomerInput {
	return orders.CustomerInput{
		Name:  "Dewi",
		Phone: "+62811000",
		Email: email,
		Address: domain.Address{
			Street:     "Jl. Merdeka 1",
			City:       "Bandung",
			PostalCode: "40111",
			Country:    "ID",
		},
	}
}

func item(productID string, qty int, price string) orders.ItemInput {
	return orders.ItemInput{ProductID: productID, Quantity: qty, UnitPrice: decimal.RequireFromString(price)}
}

func TestCreateOrderReservesEveryItem(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "p1", 10)
	f.stock(t, "p2", 5)

	o, err := f.svc.CreateOrder(f.ctx, orders.CreateOrderInput{
		StoreID:  "s1",
		Customer: customer("dewi@example.com"),
		Items:    []orders.ItemInput{item("p1", 2, "10.50"), item("p2", 1, "4.00")},
		Notes:    "leave at door",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OrderPending, o.Status)
	assert.True(t, decimal.RequireFromString("25").Equal(o.TotalAmount), o.TotalAmount.String())
	require.Len(t, o.Items, 2)
	require.Len(t, o.Reservations, 2)
	require.NotNil(t, o.Customer)
	assert.True(t, o.Customer.IsGuest)
	assert.Equal(t, t0.Add(time.Hour), o.Reservations[0].ExpiresAt)

	assert.Equal(t, 2, f.line(t, "p1").ReservedQty)
	assert.Equal(t, 1, f.line(t, "p2").ReservedQty)

	got, err := f.svc.GetOrder(f.ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, got.Items, 2)
	assert.Len(t, got.Reservations, 2)
	assert.Equal(t, "dewi@example.com", got.Customer.Email)

	assert.Equal(t, []string{events.EventOrderCreated, events.EventStockReserved, events.EventStockReserved}, f.rec.Types())
}

func TestCreateOrderIsAtomic(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "p1", 10)
	f.stock(t, "p2", 1)
	f.rec.Reset()

	_, err := f.svc.CreateOrder(f.ctx, orders.CreateOrderInput{
		StoreID:  "s1",
		Customer: customer("a@example.com"),
		Items:    []orders.ItemInput{item("p1", 3, "1"), item("p2", 2, "1")},
	})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	var ise *domain.InsufficientStockError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, "p2", ise.ProductID)

	nOrders, nItems, nRes := f.db.Counts()
	assert.Zero(t, nOrders)
	assert.Zero(t, nItems)
	assert.Zero(t, nRes)
	assert.Equal(t, 0, f.line(t, "p1").ReservedQty)
	assert.Empty(t, f.rec.Events())

	_, err = f.svc.CreateOrder(f.ctx, orders.CreateOrderInput{
		StoreID:  "s1",
		Customer: customer("a@example.com"),
		Items:    []orders.ItemInput{item("p1", 1, "1"), item("p3", 1, "1")},
	})
	assert.ErrorIs(t, err, domain.ErrNotFound, "p3 has no stock line")
	nOrders, _, _ = f.db.Counts()
	assert.Zero(t, nOrders)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "p1", 10)

	cases := map[string]orders.CreateOrderInput{
		"no items":       {StoreID: "s1", Customer: customer("a@example.com")},
		"zero quantity":  {StoreID: "s1", Customer: customer("a@example.com"), Items: []orders.ItemInput{item("p1", 0, "1")}},
		"negative price": {StoreID: "s1", Customer: customer("a@example.com"), Items: []orders.ItemInput{item("p1", 1, "-1")}},
		"bad email":      {StoreID: "s1", Customer: customer("nope"), Items: []orders.ItemInput{item("p1", 1, "1")}},
		"no store":       {Customer: customer("a@example.com"), Items: []orders.ItemInput{item("p1", 1, "1")}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateOrder(f.ctx, in)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestCreateOrderReusesCustomerByEmail(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "p1", 10)

	first, err := f.svc.CreateOrder(f.ctx, orders.CreateOrderInput{
		StoreID: "s1", Customer: customer("same@example.com"), Items: []orders.ItemInput{item("p1", 1, "1")},
	})
	require.NoError(t, err)

	c := customer("SAME@example.com")
	c.Phone = "+62899"
	second, err := f.svc.CreateOrder(f.ctx, orders.CreateOrderInput{
		StoreID: "s1", Customer: c, Items: []orders.ItemInput{item("p1", 1, "1")},
	})
	require.NoError(t, err)
	assert.Equal(t, first.CustomerID, second.CustomerID)
	assert.Equal(t, "+62899", second.Customer.Phone)

	list, err := f.svc.CustomerOrders(f.ctx, first.CustomerID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestConfirmAndCancel(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "p1", 10)

	o, err := f.svc.CreateOrder(f.ctx, orders.CreateOrderInput{
		StoreID: "s1", Customer: customer("c@example.com"), Items: []orders.ItemInput{item("p1", 4, "2")},
	})
	require.NoError(t, err)

	f.clk.Advance(time.Minute)
	confirmed, err := f.svc.UpdateOrderStatus(f.ctx, o.ID, domain.OrderConfirmed, "")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)
	assert.Equal(t, t0.Add(time.Minute), *confirmed.ConfirmedAt)
	assert.Empty(t, confirmed.Reservations, "no ACTIVE reservations remain")

	l := f.line(t, "p1")
	assert.Equal(t, 6, l.AvailableQty)
	assert.Equal(t, 0, l.ReservedQty)
	assert.Equal(t, 4, l.SoldQty)

	o2, err := f.svc.CreateOrder(f.ctx, orders.CreateOrderInput{
		StoreID: "s1", Customer: customer("c@example.com"), Items: []orders.ItemInput{item("p1", 3, "2")},
	})
	require.NoError(t, err)
	f.rec.Reset()

	cancelled, err := f.svc.CancelOrder(f.ctx, o2.ID, "customer changed mind")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, cancelled.Status)
	assert.Equal(t, "customer changed mind", cancelled.CancelReason)
	l = f.line(t, "p1")
	assert.Equal(t, 6, l.AvailableQty)
	assert.Equal(t, 0, l.ReservedQty)
	assert.Equal(t, []string{events.EventOrderStatusChanged, events.EventReservationReleased}, f.rec.Types())

	f.rec.Reset()
	again, err := f.svc.CancelOrder(f.ctx, o2.ID, "")
	require.NoError(t, err, "cancelling twice is a plain update")
	assert.Equal(t, "customer changed mind", again.CancelReason)
	assert.Equal(t, []string{events.EventOrderStatusChanged}, f.rec.Types())
	assert.Equal(t, 0, f.line(t, "p1").ReservedQty)

	_, err = f.svc.UpdateOrderStatus(f.ctx, "missing", domain.OrderConfirmed, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.svc.UpdateOrderStatus(f.ctx, o.ID, "SHIPPING", "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPlainStatusUpdatesLeaveStockAlone(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "p1", 10)
	o, err := f.svc.CreateOrder(f.ctx, orders.CreateOrderInput{
		StoreID: "s1", Customer: customer("c@example.com"), Items: []orders.ItemInput{item("p1", 2, "2")},
	})
	require.NoError(t, err)
	_, err = f.svc.UpdateOrderStatus(f.ctx, o.ID, domain.OrderConfirmed, "")
	require.NoError(t, err)

	for _, st := range []domain.OrderStatus{domain.OrderPreparing, domain.OrderShipped, domain.OrderDelivered} {
		got, err := f.svc.UpdateOrderStatus(f.ctx, o.ID, st, "")
		require.NoError(t, err)
		assert.Equal(t, st, got.Status)
	}
	l := f.line(t, "p1")
	assert.Equal(t, 8, l.AvailableQty)
	assert.Equal(t, 2, l.SoldQty)
}

func TestCleanupExpiredOrders(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "p1", 10)

	stale, err := f.svc.CreateOrder(f.ctx, orders.CreateOrderInput{
		StoreID: "s1", Customer: customer("x@example.com"), Items: []orders.ItemInput{item("p1", 3, "1")},
		ReservationMinutes: 5,
	})
	require.NoError(t, err)
	fresh, err := f.svc.CreateOrder(f.ctx, orders.CreateOrderInput{
		StoreID: "s1", Customer: customer("y@example.com"), Items: []orders.ItemInput{item("p1", 2, "1")},
	})
	require.NoError(t, err)

	f.clk.Advance(6 * time.Minute)

	attention, err := f.svc.NeedingAttention(f.ctx)
	require.NoError(t, err)
	require.Len(t, attention, 1)
	assert.Equal(t, stale.ID, attention[0].ID)

	n, err := f.svc.CleanupExpiredOrders(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.GetOrder(f.ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, got.Status)
	assert.Equal(t, orders.ExpiredCancelReason, got.CancelReason)

	got, err = f.svc.GetOrder(f.ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, got.Status)
	assert.Equal(t, 2, f.line(t, "p1").ReservedQty)

	n, err = f.svc.CleanupExpiredOrders(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSearchAndStats(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "p1", 100)

	var ids []string
	for i, email := range []string{"ana@example.com", "budi@example.com", "ana@example.com"} {
		c := customer(email)
		if email == "budi@example.com" {
			c.Name = "Budi Santoso"
		}
		o, err := f.svc.CreateOrder(f.ctx, orders.CreateOrderInput{
			StoreID: "s1", Customer: c, Items: []orders.ItemInput{item("p1", i+1, "10")},
		})
		require.NoError(t, err)
		ids = append(ids, o.ID)
		f.clk.Advance(time.Minute)
	}
	_, err := f.svc.UpdateOrderStatus(f.ctx, ids[0], domain.OrderConfirmed, "")
	require.NoError(t, err)
	_, err = f.svc.UpdateOrderStatus(f.ctx, ids[1], domain.OrderConfirmed, "")
	require.NoError(t, err)

	page, err := f.svc.Search(f.ctx, orders.SearchFilter{StoreID: "s1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.True(t, page.HasMore)
	require.Len(t, page.Orders, 2)
	assert.Equal(t, ids[2], page.Orders[0].ID, "newest first")

	page, err = f.svc.Search(f.ctx, orders.SearchFilter{StoreID: "s1", Offset: 2, Limit: 2})
	require.NoError(t, err)
	assert.False(t, page.HasMore)
	require.Len(t, page.Orders, 1)

	page, err = f.svc.Search(f.ctx, orders.SearchFilter{Text: "SANTOSO"})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, ids[1], page.Orders[0].ID)

	page, err = f.svc.StoreOrders(f.ctx, "s1", domain.OrderConfirmed, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, orders.DefaultSearchLimit, page.Limit)

	page, err = f.svc.Search(f.ctx, orders.SearchFilter{Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, orders.MaxSearchLimit, page.Limit)

	_, err = f.svc.Search(f.ctx, orders.SearchFilter{Status: "nope"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	st, err := f.svc.Stats(f.ctx, orders.StatsFilter{StoreID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 2, st.Confirmed)
	assert.True(t, decimal.RequireFromString("30").Equal(st.Revenue), st.Revenue.String())
	assert.True(t, decimal.RequireFromString("15").Equal(st.AverageOrderValue))
	assert.InDelta(t, 66.67, st.ConversionRate, 0.01)

	empty, err := f.svc.Stats(f.ctx, orders.StatsFilter{StoreID: "nobody"})
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.True(t, empty.AverageOrderValue.IsZero())
}

func TestAnyStatusCanBeSetAndCancelled(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "p1", 10)

	delivered, err := f.svc.CreateOrder(f.ctx, orders.CreateOrderInput{
		StoreID: "s1", Customer: customer("d@example.com"), Items: []orders.ItemInput{item("p1", 2, "1")},
	})
	require.NoError(t, err)
	for _, st := range []domain.OrderStatus{domain.OrderConfirmed, domain.OrderShipped, domain.OrderDelivered, domain.OrderCancelled} {
		got, err := f.svc.UpdateOrderStatus(f.ctx, delivered.ID, st, "")
		require.NoError(t, err, st)
		assert.Equal(t, st, got.Status)
	}
	l := f.line(t, "p1")
	assert.Equal(t, 2, l.SoldQty, "cancelling after delivery does not restock")
	assert.Equal(t, 0, l.ReservedQty)

	// skipping CONFIRMED leaves the reservations ACTIVE until a cancel
	skipped, err := f.svc.CreateOrder(f.ctx, orders.CreateOrderInput{
		StoreID: "s1", Customer: customer("d@example.com"), Items: []orders.ItemInput{item("p1", 3, "1")},
	})
	require.NoError(t, err)
	got, err := f.svc.UpdateOrderStatus(f.ctx, skipped.ID, domain.OrderShipped, "")
	require.NoError(t, err)
	assert.Nil(t, got.ConfirmedAt)
	assert.Len(t, got.Reservations, 1)
	assert.Equal(t, 3, f.line(t, "p1").ReservedQty)

	got, err = f.svc.UpdateOrderStatus(f.ctx, skipped.ID, domain.OrderConfirmed, "")
	require.NoError(t, err)
	assert.Nil(t, got.ConfirmedAt, "only a PENDING order is confirmed against stock")
	assert.Equal(t, 3, f.line(t, "p1").ReservedQty)

	got, err = f.svc.CancelOrder(f.ctx, skipped.ID, "lost in transit")
	require.NoError(t, err)
	assert.Empty(t, got.Reservations)
	l = f.line(t, "p1")
	assert.Equal(t, 0, l.ReservedQty)
	assert.Equal(t, 8, l.AvailableQty)
}

func TestCleanupSkipsOrderConfirmedAfterListing(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "p1", 10)
	o, err := f.svc.CreateOrder(f.ctx, orders.CreateOrderInput{
		StoreID: "s1", Customer: customer("late@example.com"), Items: []orders.ItemInput{item("p1", 3, "1")},
		ReservationMinutes: 5,
	})
	require.NoError(t, err)
	f.clk.Advance(6 * time.Minute)

	// the order is confirmed right after the cleanup has listed it
	uow := &storetest.UnitOfWork{UnitOfWork: f.db}
	uow.AfterDo = func(n int) {
		if n == 1 {
			_, err := f.svc.UpdateOrderStatus(f.ctx, o.ID, domain.OrderConfirmed, "")
			require.NoError(t, err)
		}
	}
	cleaner := orders.NewService(uow, f.res, f.clk, f.rec, zerolog.Nop())

	n, err := cleaner.CleanupExpiredOrders(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.svc.GetOrder(f.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, got.Status)
	assert.Empty(t, got.CancelReason)
	l := f.line(t, "p1")
	assert.Equal(t, 7, l.AvailableQty)
	assert.Equal(t, 3, l.SoldQty)
}

func TestCleanupExpiredOrdersKeepsGoingAfterFailure(t *testing.T) {
	f := newFixture(t)
	f.stock(t, "p1", 10)
	var ids []string
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		o, err := f.svc.CreateOrder(f.ctx, orders.CreateOrderInput{
			StoreID: "s1", Customer: customer(email), Items: []orders.ItemInput{item("p1", 2, "1")},
			ReservationMinutes: 5,
		})
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}
	f.clk.Advance(6 * time.Minute)

	uow := &storetest.UnitOfWork{UnitOfWork: f.db, FailOrders: map[string]bool{ids[0]: true}, Err: errors.New("connection reset")}
	cleaner := orders.NewService(uow, f.res, f.clk, f.rec, zerolog.Nop())

	n, err := cleaner.CleanupExpiredOrders(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	want := map[string]domain.OrderStatus{ids[0]: domain.OrderPending, ids[1]: domain.OrderCancelled, ids[2]: domain.OrderCancelled}
	for id, st := range want {
		got, err := f.svc.GetOrder(f.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, st, got.Status, id)
	}
	assert.Equal(t, 2, f.line(t, "p1").ReservedQty)
}
