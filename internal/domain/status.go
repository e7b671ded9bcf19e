package domain

type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "ACTIVE"
	ReservationApplied  ReservationStatus = "APPLIED"
	ReservationReleased ReservationStatus = "RELEASED"
)

func (s ReservationStatus) Terminal() bool {
	return s == ReservationApplied || s == ReservationReleased
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderPreparing OrderStatus = "PREPARING"
	OrderShipped   OrderStatus = "SHIPPED"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRefunded  OrderStatus = "REFUNDED"
)

var orderStatuses = map[OrderStatus]bool{
	OrderPending:   true,
	OrderConfirmed: true,
	OrderPreparing: true,
	OrderShipped:   true,
	OrderDelivered: true,
	OrderCancelled: true,
	OrderRefunded:  true,
}

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	return orderStatuses[s]
}
