package httpx

import (
	"context"
	"net/http"

	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/ariefcatur/interlink-stock/internal/events"
	"github.com/ariefcatur/interlink-stock/internal/stock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type StockHandler struct {
	Ledger       *stock.Ledger
	Reservations *stock.Reservations
	// Events, when set, lets operators request an out-of-band sweep.
	Events events.Publisher
	Log    zerolog.Logger
}

type AdjustStockReq struct {
	StockID string `json:"stock_id" validate:"required"`
	Delta   int    `json:"delta" validate:"ne=0"`
	Reason  string `json:"reason" validate:"required"`
}

type ReleaseReservationReq struct {
	ReservationID string `json:"reservation_id" validate:"required"`
}

func (h *StockHandler) Register(r chi.Router) {
	r.Route("/api/stock", func(r chi.Router) {
		r.Post("/", h.upsertStock)
		r.Get("/{stockID}", h.getStock)
		r.Put("/{stockID}", h.updateStock)
		r.Post("/adjust", h.adjustStock)
		r.Get("/store/{storeID}", h.storeStock)
		r.Get("/store/{storeID}/stats", h.stats)
		r.Get("/store/{storeID}/product/{productID}", h.productStock)
		r.Post("/reserve", h.reserve)
		r.Post("/release-reservation", h.release)
		r.Post("/confirm-reservation/{reservationID}", h.confirm)
		r.Get("/reservations/expired", h.expired)
		r.Post("/cleanup-expired", h.cleanupExpired)
		r.Post("/sweep-requests", h.requestSweep)
	})
}

func (h *StockHandler) upsertStock(w http.ResponseWriter, r *http.Request) {
	var req stock.UpsertStockInput
	if err := decode(r, &req, false); err != nil {
		writeError(w, h.Log, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	line, err := h.Ledger.UpsertStock(ctx, req)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

func (h *StockHandler) getStock(w http.ResponseWriter, r *http.Request) {
	line, err := h.Ledger.Get(r.Context(), chi.URLParam(r, "stockID"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

func (h *StockHandler) updateStock(w http.ResponseWriter, r *http.Request) {
	var req stock.UpdateStockInput
	if err := decode(r, &req, false); err != nil {
		writeError(w, h.Log, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	line, err := h.Ledger.UpdateStock(ctx, chi.URLParam(r, "stockID"), req)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

func (h *StockHandler) adjustStock(w http.ResponseWriter, r *http.Request) {
	var req AdjustStockReq
	if err := decode(r, &req, false); err != nil {
		writeError(w, h.Log, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	line, err := h.Ledger.AdjustStock(ctx, req.StockID, req.Delta, req.Reason)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

func (h *StockHandler) storeStock(w http.ResponseWriter, r *http.Request) {
	lines, err := h.Ledger.StoreStock(r.Context(), chi.URLParam(r, "storeID"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if lines == nil {
		lines = []domain.StockLine{}
	}
	writeJSON(w, http.StatusOK, lines)
}

func (h *StockHandler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Ledger.Stats(r.Context(), chi.URLParam(r, "storeID"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *StockHandler) productStock(w http.ResponseWriter, r *http.Request) {
	line, err := h.Ledger.ProductStock(r.Context(), chi.URLParam(r, "storeID"), chi.URLParam(r, "productID"), queryOptional(r, "variantId"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

func (h *StockHandler) reserve(w http.ResponseWriter, r *http.Request) {
	var req stock.ReserveInput
	if err := decode(r, &req, false); err != nil {
		writeError(w, h.Log, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	res, err := h.Reservations.Reserve(ctx, req)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *StockHandler) release(w http.ResponseWriter, r *http.Request) {
	var req ReleaseReservationReq
	if err := decode(r, &req, false); err != nil {
		writeError(w, h.Log, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	res, err := h.Reservations.Release(ctx, req.ReservationID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *StockHandler) confirm(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	res, err := h.Reservations.Confirm(ctx, chi.URLParam(r, "reservationID"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *StockHandler) expired(w http.ResponseWriter, r *http.Request) {
	list, err := h.Reservations.ListExpired(r.Context())
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if list == nil {
		list = []domain.Reservation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *StockHandler) cleanupExpired(w http.ResponseWriter, r *http.Request) {
	res, err := h.Reservations.SweepExpired(r.Context())
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, countBody{Message: "expired reservations released", Count: res.Released})
}

// requestSweep asks the sweeper service to run now.
func (h *StockHandler) requestSweep(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "events are disabled", Code: "UNAVAILABLE"})
		return
	}
	key := middleware.GetReqID(r.Context())
	err := h.Events.Publish(r.Context(), events.TopicSweepRequested, key, events.EventSweepRequested,
		events.SweepRequestedPayload{RequestedBy: r.Header.Get("X-Requested-By")})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
