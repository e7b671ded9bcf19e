package events

const (
	TopicOrderCreated         = "order.created"
	TopicOrderStatusChanged   = "order.status.changed"
	TopicStockReserved        = "stock.reserved"
	TopicReservationReleased  = "stock.reservation.released"
	TopicReservationConfirmed = "stock.reservation.confirmed"
	TopicStockAdjusted        = "stock.adjusted"
	TopicSweepRequested       = "stock.sweep.requested"
)

// Partition key = order id (or stock id), so every event of one aggregate
// keeps its order.
func PartitionKey(id string) []byte { return []byte(id) }
