package events

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated         = "OrderCreated"
	EventOrderStatusChanged   = "OrderStatusChanged"
	EventStockReserved        = "StockReserved"
	EventReservationReleased  = "ReservationReleased"
	EventReservationConfirmed = "ReservationConfirmed"
	EventStockAdjusted        = "StockAdjusted"
	EventSweepRequested       = "SweepRequested"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id or stock id
	Payload       json.RawMessage `json:"payload"`
}

// ---- payloads ----

type ItemQty struct {
	ProductID string  `json:"product_id"`
	VariantID *string `json:"variant_id,omitempty"`
	Qty       int     `json:"qty"`
}

type OrderCreatedPayload struct {
	OrderID        string    `json:"order_id"`
	StoreID        string    `json:"store_id"`
	CustomerID     string    `json:"customer_id"`
	TotalAmount    string    `json:"total_amount"`
	Items          []ItemQty `json:"items"`
	ReservationIDs []string  `json:"reservation_ids"`
}

type OrderStatusChangedPayload struct {
	OrderID string `json:"order_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

type StockReservedPayload struct {
	ReservationID string    `json:"reservation_id"`
	OrderID       string    `json:"order_id"`
	StoreID       string    `json:"store_id"`
	ProductID     string    `json:"product_id"`
	VariantID     *string   `json:"variant_id,omitempty"`
	Qty           int       `json:"qty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ReservationClosedPayload is shared by the released and confirmed events.
type ReservationClosedPayload struct {
	ReservationID string `json:"reservation_id"`
	OrderID       string `json:"order_id"`
	StoreID       string `json:"store_id"`
	ProductID     string `json:"product_id"`
	Qty           int    `json:"qty"`
	Status        string `json:"status"`
}

type StockAdjustedPayload struct {
	StockID   string `json:"stock_id"`
	StoreID   string `json:"store_id"`
	ProductID string `json:"product_id"`
	Delta     int    `json:"delta"`
	Reason    string `json:"reason"`
	ResultQty int    `json:"result_qty"`
}

type SweepRequestedPayload struct {
	RequestedBy string `json:"requested_by,omitempty"`
}
