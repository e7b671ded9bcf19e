package orders

import (
	"time"

	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	DefaultSearchLimit  = 50
	MaxSearchLimit      = 200
	CustomerOrdersLimit = 20
	ExpiredCancelReason = "automatic cancellation due to expired reservation"
)

type CustomerInput struct {
	Name    string         `json:"name" validate:"required"`
	Phone   string         `json:"phone" validate:"required"`
	Email   string         `json:"email" validate:"required,email"`
	Address domain.Address `json:"address"`
}

type ItemInput struct {
	ProductID string          `json:"product_id" validate:"required"`
	VariantID *string         `json:"variant_id,omitempty"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type CreateOrderInput struct {
	StoreID            string        `json:"store_id" validate:"required"`
	Customer           CustomerInput `json:"customer"`
	Items              []ItemInput   `json:"items" validate:"required,min=1,dive"`
	Notes              string        `json:"notes,omitempty"`
	ReservationMinutes int           `json:"reservation_minutes,omitempty" validate:"min=0"`
}

type SearchFilter struct {
	StoreID    string             `json:"store_id,omitempty"`
	CustomerID string             `json:"customer_id,omitempty"`
	Status     domain.OrderStatus `json:"status,omitempty"`
	Text       string             `json:"text,omitempty"`
	From       *time.Time         `json:"from,omitempty"`
	To         *time.Time         `json:"to,omitempty"`
	Offset     int                `json:"offset"`
	Limit      int                `json:"limit"`
}

type SearchResult struct {
	Orders  []domain.Order `json:"orders"`
	Total   int            `json:"total"`
	Offset  int            `json:"offset"`
	Limit   int            `json:"limit"`
	HasMore bool           `json:"has_more"`
}

type StatsFilter struct {
	StoreID string     `json:"store_id,omitempty"`
	From    *time.Time `json:"from,omitempty"`
	To      *time.Time `json:"to,omitempty"`
}

func normalizePage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	switch {
	case limit <= 0:
		limit = DefaultSearchLimit
	case limit > MaxSearchLimit:
		limit = MaxSearchLimit
	}
	return offset, limit
}
