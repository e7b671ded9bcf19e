package httpx_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/interlink-stock/internal/clock"
	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/ariefcatur/interlink-stock/internal/events"
	"github.com/ariefcatur/interlink-stock/internal/events/eventstest"
	"github.com/ariefcatur/interlink-stock/internal/httpx"
	"github.com/ariefcatur/interlink-stock/internal/memstore"
	"github.com/ariefcatur/interlink-stock/internal/orders"
	"github.com/ariefcatur/interlink-stock/internal/redisx"
	"github.com/ariefcatur/interlink-stock/internal/stock"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memIdem struct {
	mu   sync.Mutex
	keys map[string]string
	// owner, when set, is reported by Remember as the key's owner
	owner string
}

func (m *memIdem) Lookup(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.keys[key]
	return id, ok, nil
}

func (m *memIdem) Remember(_ context.Context, key, orderID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != "" {
		return m.owner, nil
	}
	if id, ok := m.keys[key]; ok {
		return id, nil
	}
	m.keys[key] = orderID
	return orderID, nil
}

type memCache struct {
	mu sync.Mutex
	m  map[string]redisx.CachedStatus
}

func (c *memCache) Get(_ context.Context, orderID string) (redisx.CachedStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.m[orderID]
	return cs, ok, nil
}

func (c *memCache) Set(_ context.Context, orderID string, status domain.OrderStatus, updatedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[orderID] = redisx.CachedStatus{Status: status, UpdatedAt: updatedAt}
	return nil
}

type server struct {
	db     *memstore.Store
	svc    *orders.Service
	ledger *stock.Ledger
	idem   *memIdem
	cache  *memCache
	rec    *eventstest.Recorder
	router *chi.Mux
}

func newServer(t *testing.T, withEvents bool) *server {
	t.Helper()
	now := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	s := &server{
		db:    memstore.New(),
		idem:  &memIdem{keys: map[string]string{}},
		cache: &memCache{m: map[string]redisx.CachedStatus{}},
		rec:   &eventstest.Recorder{},
	}
	clk := clock.NewManual(now)
	log := zerolog.Nop()
	s.db.AddProduct(domain.ProductRef{ID: "p1", BrandID: "b1"})
	s.db.AddProduct(domain.ProductRef{ID: "p9", BrandID: "b9"})
	s.db.AddEntitlement(domain.Entitlement{StoreID: "s1", BrandID: "b1", EffectiveFrom: now.Add(-time.Hour)})

	s.ledger = stock.NewLedger(s.db, clk, nil, log)
	res := stock.NewReservations(s.db, clk, nil, time.Hour, log)
	s.svc = orders.NewService(s.db, res, clk, nil, log)

	_, err := s.ledger.UpsertStock(context.Background(), stock.UpsertStockInput{StoreID: "s1", ProductID: "p1", AvailableQty: 5})
	require.NoError(t, err)

	s.router = httpx.NewRouter(log)
	sh := &httpx.StockHandler{Ledger: s.ledger, Reservations: res, Log: log}
	if withEvents {
		sh.Events = s.rec
	}
	sh.Register(s.router)
	(&httpx.OrdersHandler{Service: s.svc, Idem: s.idem, Cache: s.cache, Log: log}).Register(s.router)
	return s
}

func (s *server) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func orderReq(qty int) orders.CreateOrderInput {
	return orders.CreateOrderInput{
		StoreID: "s1",
		Customer: orders.CustomerInput{
			Name: "Budi", Phone: "0813", Email: "budi@example.com",
			Address: domain.Address{Street: "Jl. Braga 5", City: "Bandung", PostalCode: "40111", Country: "ID"},
		},
		Items: []orders.ItemInput{{ProductID: "p1", Quantity: qty, UnitPrice: decimal.NewFromInt(12)}},
	}
}

func TestHealthz(t *testing.T) {
	s := newServer(t, false)
	rr := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestUpsertWithoutEntitlementIsForbidden(t *testing.T) {
	s := newServer(t, false)
	rr := s.do(t, http.MethodPost, "/api/stock", stock.UpsertStockInput{StoreID: "s1", ProductID: "p9", AvailableQty: 3})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "PERMISSION_DENIED", decodeBody[map[string]any](t, rr)["code"])
}

func TestUnknownProductIsNotFound(t *testing.T) {
	s := newServer(t, false)
	rr := s.do(t, http.MethodPost, "/api/stock", stock.UpsertStockInput{StoreID: "s1", ProductID: "nope", AvailableQty: 3})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestReserveInsufficientStockReportsQuantities(t *testing.T) {
	s := newServer(t, false)
	rr := s.do(t, http.MethodPost, "/api/stock/reserve", stock.ReserveInput{StoreID: "s1", ProductID: "p1", Quantity: 7, OrderID: "o-1"})
	require.Equal(t, http.StatusConflict, rr.Code)

	body := decodeBody[map[string]any](t, rr)
	assert.Equal(t, "INSUFFICIENT_STOCK", body["code"])
	assert.Equal(t, "p1", body["product_id"])
	assert.EqualValues(t, 5, body["available"])
	assert.EqualValues(t, 7, body["requested"])
}

func TestReserveAndConfirmOverHTTP(t *testing.T) {
	s := newServer(t, false)
	rr := s.do(t, http.MethodPost, "/api/stock/reserve", stock.ReserveInput{StoreID: "s1", ProductID: "p1", Quantity: 2, OrderID: "o-1"})
	require.Equal(t, http.StatusCreated, rr.Code)
	r := decodeBody[domain.Reservation](t, rr)

	rr = s.do(t, http.MethodPost, "/api/stock/confirm-reservation/"+r.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, domain.ReservationApplied, decodeBody[domain.Reservation](t, rr).Status)

	rr = s.do(t, http.MethodPost, "/api/stock/release-reservation", httpx.ReleaseReservationReq{ReservationID: r.ID})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "INVALID_STATE", decodeBody[map[string]any](t, rr)["code"])

	rr = s.do(t, http.MethodGet, "/api/stock/store/s1/product/p1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	line := decodeBody[domain.StockLine](t, rr)
	assert.Equal(t, 3, line.AvailableQty)
	assert.Equal(t, 0, line.ReservedQty)
	assert.Equal(t, 2, line.SoldQty)
}

func TestGetStockByID(t *testing.T) {
	s := newServer(t, false)
	line, err := s.ledger.ProductStock(context.Background(), "s1", "p1", nil)
	require.NoError(t, err)

	rr := s.do(t, http.MethodGet, "/api/stock/"+line.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeBody[domain.StockLine](t, rr)
	assert.Equal(t, line.ID, got.ID)
	assert.Equal(t, 5, got.AvailableQty)

	rr = s.do(t, http.MethodGet, "/api/stock/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdjustStockValidation(t *testing.T) {
	s := newServer(t, false)
	rr := s.do(t, http.MethodPost, "/api/stock/adjust", httpx.AdjustStockReq{StockID: "x", Delta: 0, Reason: "count"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodPost, "/api/stock/adjust", `{"stock_id":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "VALIDATION", decodeBody[map[string]any](t, rr)["code"])
}

func TestCreateOrderValidation(t *testing.T) {
	s := newServer(t, false)
	req := orderReq(1)
	req.Items = nil
	rr := s.do(t, http.MethodPost, "/api/orders", req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	n, _, _ := s.db.Counts()
	assert.Zero(t, n)
}

func TestCreateOrderIsIdempotent(t *testing.T) {
	s := newServer(t, false)

	rr := s.do(t, http.MethodPost, "/api/orders", orderReq(2), httpx.HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	first := decodeBody[domain.Order](t, rr)
	assert.Equal(t, domain.OrderPending, first.Status)
	assert.True(t, decimal.NewFromInt(24).Equal(first.TotalAmount))

	rr = s.do(t, http.MethodPost, "/api/orders", orderReq(2), httpx.HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "true", rr.Header().Get(httpx.HeaderReplayed))
	assert.Equal(t, first.ID, decodeBody[domain.Order](t, rr).ID)

	n, _, reservations := s.db.Counts()
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, reservations)
}

func TestCreateOrderLosingIdempotencyRaceCancelsDuplicate(t *testing.T) {
	s := newServer(t, false)
	owner, err := s.svc.CreateOrder(context.Background(), orderReq(1))
	require.NoError(t, err)
	s.idem.owner = owner.ID

	rr := s.do(t, http.MethodPost, "/api/orders", orderReq(1), httpx.HeaderIdempotencyKey, "k-2")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, owner.ID, decodeBody[domain.Order](t, rr).ID)

	res, err := s.svc.Search(context.Background(), orders.SearchFilter{Status: domain.OrderCancelled})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.NotEqual(t, owner.ID, res.Orders[0].ID)

	line, err := s.ledger.ProductStock(context.Background(), "s1", "p1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, line.ReservedQty)
}

func TestOrderStatusLifecycle(t *testing.T) {
	s := newServer(t, false)
	rr := s.do(t, http.MethodPost, "/api/orders", orderReq(3))
	require.Equal(t, http.StatusCreated, rr.Code)
	o := decodeBody[domain.Order](t, rr)

	rr = s.do(t, http.MethodPut, "/api/orders/"+o.ID+"/status", httpx.UpdateStatusReq{Status: domain.OrderConfirmed})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, domain.OrderConfirmed, decodeBody[domain.Order](t, rr).Status)

	cs, ok, err := s.cache.Get(context.Background(), o.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.OrderConfirmed, cs.Status)

	rr = s.do(t, http.MethodGet, "/api/orders/"+o.ID+"/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, domain.OrderConfirmed, decodeBody[redisx.CachedStatus](t, rr).Status)

	rr = s.do(t, http.MethodPut, "/api/orders/"+o.ID+"/status", httpx.UpdateStatusReq{Status: "SHIPPING"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = s.do(t, http.MethodPut, "/api/orders/"+o.ID+"/status", httpx.UpdateStatusReq{Status: domain.OrderShipped})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, domain.OrderShipped, decodeBody[domain.Order](t, rr).Status)

	rr = s.do(t, http.MethodPost, "/api/orders/"+o.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, domain.OrderCancelled, decodeBody[domain.Order](t, rr).Status)
}

func TestGetUnknownOrder(t *testing.T) {
	s := newServer(t, false)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/orders/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/orders/missing/status", nil).Code)
}

func TestSearchRejectsBadQuery(t *testing.T) {
	s := newServer(t, false)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/orders/search?limit=abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/orders/search?from=yesterday", nil).Code)

	rr := s.do(t, http.MethodGet, "/api/orders/search?store_id=s1&from=2024-01-01", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, decodeBody[orders.SearchResult](t, rr).Total)
}

func TestSweepRequest(t *testing.T) {
	s := newServer(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodPost, "/api/stock/sweep-requests", nil).Code)

	s = newServer(t, true)
	rr := s.do(t, http.MethodPost, "/api/stock/sweep-requests", nil, "X-Requested-By", "ops")
	require.Equal(t, http.StatusAccepted, rr.Code)
	evs := s.rec.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TopicSweepRequested, evs[0].Topic)
	assert.Equal(t, events.SweepRequestedPayload{RequestedBy: "ops"}, evs[0].Payload)
}
