package httpx

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/ariefcatur/interlink-stock/internal/orders"
	"github.com/ariefcatur/interlink-stock/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

// IdempotencyStore remembers which order an Idempotency-Key created.
type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (orderID string, ok bool, err error)
	Remember(ctx context.Context, key, orderID string) (owner string, err error)
}

type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.CachedStatus, bool, error)
	Set(ctx context.Context, orderID string, status domain.OrderStatus, updatedAt time.Time) error
}

type OrdersHandler struct {
	Service *orders.Service
	// Idem and Cache are optional; without them every request goes to the
	// store.
	Idem  IdempotencyStore
	Cache StatusCache
	Log   zerolog.Logger
}

type UpdateStatusReq struct {
	Status       domain.OrderStatus `json:"status" validate:"required"`
	CancelReason string             `json:"cancel_reason,omitempty"`
}

type CancelOrderReq struct {
	Reason string `json:"reason,omitempty"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/", h.createOrder)
		r.Get("/search", h.search)
		r.Get("/stats", h.stats)
		r.Get("/attention", h.attention)
		r.Post("/cleanup-expired", h.cleanupExpired)
		r.Get("/store/{storeID}", h.storeOrders)
		r.Get("/customer/{customerID}", h.customerOrders)
		r.Get("/{orderID}", h.getOrder)
		r.Get("/{orderID}/status", h.getStatus)
		r.Put("/{orderID}/status", h.updateStatus)
		r.Post("/{orderID}/cancel", h.cancel)
	})
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.CreateOrderInput
	if err := decode(r, &req, false); err != nil {
		writeError(w, h.Log, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	key := r.Header.Get(HeaderIdempotencyKey)
	if key != "" && h.Idem != nil {
		if id, ok, err := h.Idem.Lookup(ctx, key); err != nil {
			h.Log.Warn().Err(err).Str("key", key).Msg("idempotency lookup")
		} else if ok {
			h.replay(ctx, w, id)
			return
		}
	}

	o, err := h.Service.CreateOrder(ctx, req)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	if key != "" && h.Idem != nil {
		owner, err := h.Idem.Remember(ctx, key, o.ID)
		switch {
		case err != nil:
			h.Log.Warn().Err(err).Str("key", key).Msg("idempotency remember")
		case owner != o.ID:
			// lost a race with a concurrent request carrying the same key
			if _, err := h.Service.CancelOrder(ctx, o.ID, "duplicate request for idempotency key"); err != nil {
				h.Log.Error().Err(err).Str("order_id", o.ID).Msg("cancel duplicate order")
			}
			h.replay(ctx, w, owner)
			return
		}
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusCreated, o)
}

func (h *OrdersHandler) replay(ctx context.Context, w http.ResponseWriter, orderID string) {
	o, err := h.Service.GetOrder(ctx, orderID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	w.Header().Set(HeaderReplayed, "true")
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) cacheStatus(ctx context.Context, o *domain.Order) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Set(ctx, o.ID, o.Status, o.UpdatedAt); err != nil {
		h.Log.Warn().Err(err).Str("order_id", o.ID).Msg("cache order status")
	}
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Service.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, o)
}

// getStatus serves the cached status when present and falls back to the
// store.
func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Cache != nil {
		if cs, ok, err := h.Cache.Get(ctx, orderID); err == nil && ok {
			writeJSON(w, http.StatusOK, cs)
			return
		}
	}
	o, err := h.Service.GetOrder(ctx, orderID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, redisx.CachedStatus{Status: o.Status, UpdatedAt: o.UpdatedAt})
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusReq
	if err := decode(r, &req, false); err != nil {
		writeError(w, h.Log, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	o, err := h.Service.UpdateOrderStatus(ctx, chi.URLParam(r, "orderID"), req.Status, req.CancelReason)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderReq
	if err := decode(r, &req, true); err != nil {
		writeError(w, h.Log, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	o, err := h.Service.CancelOrder(ctx, chi.URLParam(r, "orderID"), req.Reason)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, o)
}

func searchFilter(r *http.Request) (orders.SearchFilter, error) {
	var (
		f   orders.SearchFilter
		err error
	)
	q := r.URL.Query()
	f.StoreID = q.Get("store_id")
	f.CustomerID = q.Get("customer_id")
	f.Status = domain.OrderStatus(q.Get("status"))
	f.Text = q.Get("q")
	if f.From, err = queryTime(r, "from"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		return f, err
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		return f, err
	}
	return f, nil
}

func (h *OrdersHandler) search(w http.ResponseWriter, r *http.Request) {
	f, err := searchFilter(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	res, err := h.Service.Search(r.Context(), f)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *OrdersHandler) storeOrders(w http.ResponseWriter, r *http.Request) {
	f, err := searchFilter(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	res, err := h.Service.StoreOrders(r.Context(), chi.URLParam(r, "storeID"), f.Status, f.Offset, f.Limit)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *OrdersHandler) customerOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.Service.CustomerOrders(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *OrdersHandler) stats(w http.ResponseWriter, r *http.Request) {
	var (
		f   orders.StatsFilter
		err error
	)
	f.StoreID = r.URL.Query().Get("store_id")
	if f.From, err = queryTime(r, "from"); err == nil {
		f.To, err = queryTime(r, "to")
	}
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	st, err := h.Service.Stats(r.Context(), f)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *OrdersHandler) attention(w http.ResponseWriter, r *http.Request) {
	list, err := h.Service.NeedingAttention(r.Context())
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *OrdersHandler) cleanupExpired(w http.ResponseWriter, r *http.Request) {
	n, err := h.Service.CleanupExpiredOrders(r.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, countBody{Message: "expired orders cancelled", Count: n})
}
