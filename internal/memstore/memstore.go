// Package memstore keeps the ledger in process memory. Units of work are
// serialized behind one mutex and run against a copy of the state that is
// swapped in only on commit, so an aborted unit leaves nothing behind.
package memstore

import (
	"context"
	"sync"

	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/ariefcatur/interlink-stock/internal/store"
)

type state struct {
	lines        map[string]domain.StockLine
	movements    []domain.StockMovement
	reservations map[string]domain.Reservation
	orders       map[string]domain.Order
	items        map[string][]domain.OrderItem
	customers    map[string]domain.Customer
	products     map[string]domain.ProductRef
	entitlements map[string]domain.Entitlement
}

func newState() *state {
	return &state{
		lines:        map[string]domain.StockLine{},
		reservations: map[string]domain.Reservation{},
		orders:       map[string]domain.Order{},
		items:        map[string][]domain.OrderItem{},
		customers:    map[string]domain.Customer{},
		products:     map[string]domain.ProductRef{},
		entitlements: map[string]domain.Entitlement{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.lines {
		c.lines[k] = v
	}
	c.movements = append([]domain.StockMovement(nil), s.movements...)
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = append([]domain.OrderItem(nil), v...)
	}
	for k, v := range s.customers {
		c.customers[k] = v
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.entitlements {
		c.entitlements[k] = v
	}
	return c
}

type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

var _ store.UnitOfWork = (*Store)(nil)

func (s *Store) Do(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work
	return nil
}

// AddProduct registers a catalog product.
func (s *Store) AddProduct(p domain.ProductRef) {
	s.mu.Lock()
	s.st.products[p.ID] = p
	s.mu.Unlock()
}

// AddEntitlement registers (or replaces) a store/brand grant.
func (s *Store) AddEntitlement(e domain.Entitlement) {
	s.mu.Lock()
	s.st.entitlements[entitlementKey(e.StoreID, e.BrandID)] = e
	s.mu.Unlock()
}

// Movements returns a copy of the recorded stock adjustments.
func (s *Store) Movements() []domain.StockMovement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.StockMovement(nil), s.st.movements...)
}

// Counts reports how many orders, order items and reservations exist.
func (s *Store) Counts() (orders, items, reservations int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, its := range s.st.items {
		items += len(its)
	}
	return len(s.st.orders), items, len(s.st.reservations)
}

type tx struct{ st *state }

func (t *tx) Stock() store.StockRepository { return stockRepo{t.st} }
func (t *tx) Reservations() store.ReservationRepository { return reservationRepo{t.st} }
func (t *tx) Orders() store.OrderRepository { return orderRepo{t.st} }
func (t *tx) Customers() store.CustomerRepository { return customerRepo{t.st} }
func (t *tx) Catalog() store.CatalogRepository { return catalogRepo{t.st} }

func entitlementKey(storeID, brandID string) string { return storeID + "|" + brandID }

func sameVariant(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
