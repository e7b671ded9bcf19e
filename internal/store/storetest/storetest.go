// Package storetest wraps a store.UnitOfWork so tests can inject failures
// and interleave work between units.
package storetest

import (
	"context"
	"sync"

	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/ariefcatur/interlink-stock/internal/store"
)

type UnitOfWork struct {
	store.UnitOfWork

	// AfterDo, when set, runs after every unit of work with its 1-based
	// sequence number.
	AfterDo func(n int)
	// Loading or locking one of these ids fails with Err.
	FailReservations map[string]bool
	FailOrders       map[string]bool
	Err              error

	mu    sync.Mutex
	n     int
	locks []string
}

// Locks lists the row locks taken so far, as "line:<product>" and
// "reservation:<id>", in acquisition order.
func (u *UnitOfWork) Locks() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.locks...)
}

func (u *UnitOfWork) recordLock(s string) {
	u.mu.Lock()
	u.locks = append(u.locks, s)
	u.mu.Unlock()
}

func (u *UnitOfWork) Do(ctx context.Context, fn func(tx store.Tx) error) error {
	err := u.UnitOfWork.Do(ctx, func(tx store.Tx) error {
		return fn(&faultyTx{Tx: tx, u: u})
	})
	u.mu.Lock()
	u.n++
	n := u.n
	u.mu.Unlock()
	if u.AfterDo != nil {
		u.AfterDo(n)
	}
	return err
}

type faultyTx struct {
	store.Tx
	u *UnitOfWork
}

func (t *faultyTx) Stock() store.StockRepository {
	return recordingStock{StockRepository: t.Tx.Stock(), u: t.u}
}

func (t *faultyTx) Reservations() store.ReservationRepository {
	return faultyReservations{ReservationRepository: t.Tx.Reservations(), u: t.u}
}

func (t *faultyTx) Orders() store.OrderRepository {
	return faultyOrders{OrderRepository: t.Tx.Orders(), u: t.u}
}

type faultyReservations struct {
	store.ReservationRepository
	u *UnitOfWork
}

func (r faultyReservations) Get(ctx context.Context, id string) (*domain.Reservation, error) {
	if r.u.FailReservations[id] {
		return nil, r.u.Err
	}
	return r.ReservationRepository.Get(ctx, id)
}

func (r faultyReservations) Lock(ctx context.Context, id string) (*domain.Reservation, error) {
	if r.u.FailReservations[id] {
		return nil, r.u.Err
	}
	r.u.recordLock("reservation:" + id)
	return r.ReservationRepository.Lock(ctx, id)
}

type recordingStock struct {
	store.StockRepository
	u *UnitOfWork
}

func (r recordingStock) LockByKey(ctx context.Context, key domain.StockKey) (*domain.StockLine, error) {
	r.u.recordLock("line:" + key.ProductID)
	return r.StockRepository.LockByKey(ctx, key)
}

type faultyOrders struct {
	store.OrderRepository
	u *UnitOfWork
}

func (r faultyOrders) Lock(ctx context.Context, id string) (*domain.Order, error) {
	if r.u.FailOrders[id] {
		return nil, r.u.Err
	}
	return r.OrderRepository.Lock(ctx, id)
}
