// Package store defines the persistence contracts shared by the postgres and
// memory implementations. Every mutation of the ledger happens inside a
// UnitOfWork; repositories obtained from a Tx only see and change state
// belonging to that unit.
package store

import (
	"context"
	"time"

	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/shopspring/decimal"
)

// UnitOfWork runs fn inside one atomic, isolated transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes the repositories bound to one unit of work.
type Tx interface {
	Stock() StockRepository
	Reservations() ReservationRepository
	Orders() OrderRepository
	Customers() CustomerRepository
	Catalog() CatalogRepository
}

type StockRepository interface {
	// LockByKey loads the line and holds a write lock on it until the unit
	// of work ends. Returns domain.ErrNotFound when absent.
	LockByKey(ctx context.Context, key domain.StockKey) (*domain.StockLine, error)
	LockByID(ctx context.Context, id string) (*domain.StockLine, error)
	GetByID(ctx context.Context, id string) (*domain.StockLine, error)
	GetByKey(ctx context.Context, key domain.StockKey) (*domain.StockLine, error)
	ListByStore(ctx context.Context, storeID string) ([]domain.StockLine, error)
	Stats(ctx context.Context, storeID string, lowThreshold int) (domain.StockStats, error)
	Insert(ctx context.Context, line *domain.StockLine) error
	// Save writes quantities, prices and lastChangedAt of an existing line.
	Save(ctx context.Context, line *domain.StockLine) error
	InsertMovement(ctx context.Context, m *domain.StockMovement) error
}

type ReservationRepository interface {
	Insert(ctx context.Context, r *domain.Reservation) error
	Get(ctx context.Context, id string) (*domain.Reservation, error)
	// Lock loads the reservation and holds a write lock on it.
	Lock(ctx context.Context, id string) (*domain.Reservation, error)
	UpdateStatus(ctx context.Context, id string, status domain.ReservationStatus, at time.Time) error
	ListByOrder(ctx context.Context, orderID string, status *domain.ReservationStatus) ([]domain.Reservation, error)
	ListExpired(ctx context.Context, now time.Time) ([]domain.Reservation, error)
}

type OrderRepository interface {
	Insert(ctx context.Context, o *domain.Order) error
	InsertItem(ctx context.Context, it *domain.OrderItem) error
	Get(ctx context.Context, id string) (*domain.Order, error)
	Lock(ctx context.Context, id string) (*domain.Order, error)
	Items(ctx context.Context, orderID string) ([]domain.OrderItem, error)
	// UpdateStatus persists status, cancelReason, confirmedAt and updatedAt.
	UpdateStatus(ctx context.Context, o *domain.Order) error
	Search(ctx context.Context, f OrderFilter) ([]domain.Order, int, error)
	Stats(ctx context.Context, f OrderStatsFilter) (domain.OrderStats, error)
	// PendingWithExpired returns ids of PENDING orders holding at least one
	// ACTIVE reservation with expiresAt before now.
	PendingWithExpired(ctx context.Context, now time.Time) ([]string, error)
}

type CustomerRepository interface {
	GetByEmail(ctx context.Context, email string) (*domain.Customer, error)
	Get(ctx context.Context, id string) (*domain.Customer, error)
	Insert(ctx context.Context, c *domain.Customer) error
	Update(ctx context.Context, c *domain.Customer) error
}

// CatalogRepository is the read-only view of the external catalog.
type CatalogRepository interface {
	Product(ctx context.Context, productID string) (*domain.ProductRef, error)
	Entitlement(ctx context.Context, storeID, brandID string) (*domain.Entitlement, error)
}

type OrderFilter struct {
	StoreID    string
	CustomerID string
	Status     domain.OrderStatus
	Text       string
	From       *time.Time
	To         *time.Time
	Offset     int
	Limit      int
}

type OrderStatsFilter struct {
	StoreID string
	From    *time.Time
	To      *time.Time
}

// AverageOf divides a revenue sum over n orders, zero when n is zero.
func AverageOf(sum decimal.Decimal, n int) decimal.Decimal {
	if n == 0 {
		return decimal.Zero
	}
	return sum.Div(decimal.NewFromInt(int64(n))).Round(2)
}

// ConversionRate is confirmed/total as a percentage.
func ConversionRate(confirmed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(confirmed) / float64(total) * 100
}
