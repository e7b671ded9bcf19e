package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Low stock threshold used by the store statistics.
const LowStockThreshold = 5

// StockLine is the inventory record for one (store, product, variant) triple.
type StockLine struct {
	ID            string              `json:"id"`
	StoreID       string              `json:"store_id"`
	ProductID     string              `json:"product_id"`
	VariantID     *string             `json:"variant_id,omitempty"`
	AvailableQty  int                 `json:"available_qty"`
	ReservedQty   int                 `json:"reserved_qty"`
	SoldQty       int                 `json:"sold_qty"`
	PriceCentral  decimal.Decimal     `json:"price_central"`
	PriceStore    decimal.NullDecimal `json:"price_store"`
	LastChangedAt time.Time           `json:"last_changed_at"`
	CreatedAt     time.Time           `json:"created_at"`
}

// Sellable is what new reservations may still take from the line.
func (s *StockLine) Sellable() int {
	return s.AvailableQty - s.ReservedQty
}

// Consistent reports whether 0 <= reserved <= available and sold >= 0.
func (s *StockLine) Consistent() bool {
	return s.AvailableQty >= 0 && s.ReservedQty >= 0 && s.ReservedQty <= s.AvailableQty && s.SoldQty >= 0
}

// StockKey identifies a stock line by its natural key.
type StockKey struct {
	StoreID   string
	ProductID string
	VariantID *string
}

// StockMovement records a manual adjustment of a stock line.
type StockMovement struct {
	ID        string    `json:"id"`
	StockID   string    `json:"stock_id"`
	Delta     int       `json:"delta"`
	Reason    string    `json:"reason"`
	ResultQty int       `json:"result_qty"`
	CreatedAt time.Time `json:"created_at"`
}

// StockStats aggregates the lines of one store.
type StockStats struct {
	TotalLines int `json:"total_products"`
	LowStock   int `json:"low_stock_items"`
	OutOfStock int `json:"out_of_stock_items"`
	InStock    int `json:"in_stock_items"`
	TotalUnits int `json:"total_units"`
}

type Reservation struct {
	ID        string            `json:"id"`
	StoreID   string            `json:"store_id"`
	OrderID   string            `json:"order_id"`
	ProductID string            `json:"product_id"`
	VariantID *string           `json:"variant_id,omitempty"`
	Quantity  int               `json:"quantity"`
	ExpiresAt time.Time         `json:"expires_at"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Key returns the stock line the reservation holds quantity against.
func (r *Reservation) Key() StockKey {
	return StockKey{StoreID: r.StoreID, ProductID: r.ProductID, VariantID: r.VariantID}
}

// Expired reports whether an ACTIVE reservation is past its expiry at now.
func (r *Reservation) Expired(now time.Time) bool {
	return r.Status == ReservationActive && r.ExpiresAt.Before(now)
}

type Address struct {
	Street     string `json:"street" validate:"required"`
	City       string `json:"city" validate:"required"`
	Province   string `json:"province,omitempty"`
	PostalCode string `json:"postal_code" validate:"required"`
	Country    string `json:"country" validate:"required"`
}

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email"`
	Address   Address   `json:"address"`
	IsGuest   bool      `json:"is_guest"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Order struct {
	ID           string          `json:"id"`
	StoreID      string          `json:"store_id"`
	CustomerID   string          `json:"customer_id"`
	Status       OrderStatus     `json:"status"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Notes        string          `json:"notes,omitempty"`
	CancelReason string          `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ConfirmedAt  *time.Time      `json:"confirmed_at,omitempty"`

	Items        []OrderItem   `json:"items,omitempty"`
	Reservations []Reservation `json:"reservations,omitempty"`
	Customer     *Customer     `json:"customer,omitempty"`
}

type OrderItem struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	ProductID  string          `json:"product_id"`
	VariantID  *string         `json:"variant_id,omitempty"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

type OrderStats struct {
	Total             int             `json:"total_orders"`
	Pending           int             `json:"pending_orders"`
	Confirmed         int             `json:"confirmed_orders"`
	Cancelled         int             `json:"cancelled_orders"`
	Revenue           decimal.Decimal `json:"total_revenue"`
	AverageOrderValue decimal.Decimal `json:"average_order_value"`
	ConversionRate    float64         `json:"conversion_rate"`
}

// ProductRef is the slice of the external catalog the ledger needs.
type ProductRef struct {
	ID      string `json:"id"`
	BrandID string `json:"brand_id"`
	Name    string `json:"name"`
	SKU     string `json:"sku"`
}

// Entitlement is a time-bounded grant allowing a store to trade a brand.
type Entitlement struct {
	StoreID       string     `json:"store_id"`
	BrandID       string     `json:"brand_id"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
}

// ActiveAt applies EntitlementActive to the grant.
func (e *Entitlement) ActiveAt(at time.Time) bool {
	return EntitlementActive(e.EffectiveFrom, e.EffectiveTo, at)
}
