package memstore

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/ariefcatur/interlink-stock/internal/store"
	"github.com/shopspring/decimal"
)

type stockRepo struct{ st *state }

func (r stockRepo) findKey(key domain.StockKey) (domain.StockLine, bool) {
	for _, l := range r.st.lines {
		if l.StoreID == key.StoreID && l.ProductID == key.ProductID && sameVariant(l.VariantID, key.VariantID) {
			return l, true
		}
	}
	return domain.StockLine{}, false
}

func (r stockRepo) LockByKey(ctx context.Context, key domain.StockKey) (*domain.StockLine, error) {
	return r.GetByKey(ctx, key)
}

func (r stockRepo) GetByKey(_ context.Context, key domain.StockKey) (*domain.StockLine, error) {
	l, ok := r.findKey(key)
	if !ok {
		return nil, domain.NotFoundf("stock line for product %s", key.ProductID)
	}
	return &l, nil
}

func (r stockRepo) LockByID(ctx context.Context, id string) (*domain.StockLine, error) {
	return r.GetByID(ctx, id)
}

func (r stockRepo) GetByID(_ context.Context, id string) (*domain.StockLine, error) {
	l, ok := r.st.lines[id]
	if !ok {
		return nil, domain.NotFoundf("stock line %s", id)
	}
	return &l, nil
}

func (r stockRepo) ListByStore(_ context.Context, storeID string) ([]domain.StockLine, error) {
	var out []domain.StockLine
	for _, l := range r.st.lines {
		if l.StoreID == storeID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvailableQty != out[j].AvailableQty {
			return out[i].AvailableQty < out[j].AvailableQty
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out, nil
}

func (r stockRepo) Stats(_ context.Context, storeID string, lowThreshold int) (domain.StockStats, error) {
	var s domain.StockStats
	for _, l := range r.st.lines {
		if l.StoreID != storeID {
			continue
		}
		s.TotalLines++
		s.TotalUnits += l.AvailableQty
		switch {
		case l.AvailableQty == 0:
			s.OutOfStock++
		case l.AvailableQty <= lowThreshold:
			s.LowStock++
		}
	}
	s.InStock = s.TotalLines - s.OutOfStock
	return s, nil
}

func (r stockRepo) Insert(_ context.Context, line *domain.StockLine) error {
	if _, ok := r.findKey(domain.StockKey{StoreID: line.StoreID, ProductID: line.ProductID, VariantID: line.VariantID}); ok {
		return domain.InvalidStatef("stock line for product %s already exists", line.ProductID)
	}
	r.st.lines[line.ID] = *line
	return nil
}

func (r stockRepo) Save(_ context.Context, line *domain.StockLine) error {
	if _, ok := r.st.lines[line.ID]; !ok {
		return domain.NotFoundf("stock line %s", line.ID)
	}
	if !line.Consistent() {
		return domain.InvalidStatef("stock line %s would violate 0 <= reserved <= available", line.ID)
	}
	r.st.lines[line.ID] = *line
	return nil
}

func (r stockRepo) InsertMovement(_ context.Context, m *domain.StockMovement) error {
	r.st.movements = append(r.st.movements, *m)
	return nil
}

type reservationRepo struct{ st *state }

func (r reservationRepo) Insert(_ context.Context, res *domain.Reservation) error {
	r.st.reservations[res.ID] = *res
	return nil
}

func (r reservationRepo) Get(_ context.Context, id string) (*domain.Reservation, error) {
	res, ok := r.st.reservations[id]
	if !ok {
		return nil, domain.NotFoundf("reservation %s", id)
	}
	return &res, nil
}

func (r reservationRepo) Lock(ctx context.Context, id string) (*domain.Reservation, error) {
	return r.Get(ctx, id)
}

func (r reservationRepo) UpdateStatus(_ context.Context, id string, status domain.ReservationStatus, at time.Time) error {
	res, ok := r.st.reservations[id]
	if !ok {
		return domain.NotFoundf("reservation %s", id)
	}
	res.Status = status
	res.UpdatedAt = at
	r.st.reservations[id] = res
	return nil
}

func (r reservationRepo) ListByOrder(_ context.Context, orderID string, status *domain.ReservationStatus) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, res := range r.st.reservations {
		if res.OrderID != orderID {
			continue
		}
		if status != nil && res.Status != *status {
			continue
		}
		out = append(out, res)
	}
	sortReservations(out)
	return out, nil
}

func (r reservationRepo) ListExpired(_ context.Context, now time.Time) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, res := range r.st.reservations {
		if res.Expired(now) {
			out = append(out, res)
		}
	}
	sortReservations(out)
	return out, nil
}

func sortReservations(rs []domain.Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

type orderRepo struct{ st *state }

func (r orderRepo) Insert(_ context.Context, o *domain.Order) error {
	cp := *o
	cp.Items, cp.Reservations, cp.Customer = nil, nil, nil
	r.st.orders[o.ID] = cp
	return nil
}

func (r orderRepo) InsertItem(_ context.Context, it *domain.OrderItem) error {
	if _, ok := r.st.orders[it.OrderID]; !ok {
		return domain.NotFoundf("order %s", it.OrderID)
	}
	r.st.items[it.OrderID] = append(r.st.items[it.OrderID], *it)
	return nil
}

func (r orderRepo) Get(_ context.Context, id string) (*domain.Order, error) {
	o, ok := r.st.orders[id]
	if !ok {
		return nil, domain.NotFoundf("order %s", id)
	}
	return &o, nil
}

func (r orderRepo) Lock(ctx context.Context, id string) (*domain.Order, error) {
	return r.Get(ctx, id)
}

func (r orderRepo) Items(_ context.Context, orderID string) ([]domain.OrderItem, error) {
	return append([]domain.OrderItem(nil), r.st.items[orderID]...), nil
}

func (r orderRepo) UpdateStatus(_ context.Context, o *domain.Order) error {
	cur, ok := r.st.orders[o.ID]
	if !ok {
		return domain.NotFoundf("order %s", o.ID)
	}
	cur.Status = o.Status
	cur.CancelReason = o.CancelReason
	cur.ConfirmedAt = o.ConfirmedAt
	cur.UpdatedAt = o.UpdatedAt
	r.st.orders[o.ID] = cur
	return nil
}

func (r orderRepo) match(o domain.Order, storeID string, from, to *time.Time) bool {
	if storeID != "" && o.StoreID != storeID {
		return false
	}
	if from != nil && o.CreatedAt.Before(*from) {
		return false
	}
	if to != nil && o.CreatedAt.After(*to) {
		return false
	}
	return true
}

func (r orderRepo) Search(_ context.Context, f store.OrderFilter) ([]domain.Order, int, error) {
	text := strings.ToLower(strings.TrimSpace(f.Text))
	var hits []domain.Order
	for _, o := range r.st.orders {
		if !r.match(o, f.StoreID, f.From, f.To) {
			continue
		}
		if f.CustomerID != "" && o.CustomerID != f.CustomerID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if text != "" {
			c := r.st.customers[o.CustomerID]
			if !strings.Contains(strings.ToLower(c.Name), text) && !strings.Contains(strings.ToLower(c.Email), text) {
				continue
			}
		}
		hits = append(hits, o)
	}
	sort.Slice(hits, func(i, j int) bool {
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		}
		return hits[i].ID > hits[j].ID
	})
	total := len(hits)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return hits[f.Offset:end], total, nil
}

func (r orderRepo) Stats(_ context.Context, f store.OrderStatsFilter) (domain.OrderStats, error) {
	s := domain.OrderStats{Revenue: decimal.Zero}
	for _, o := range r.st.orders {
		if !r.match(o, f.StoreID, f.From, f.To) {
			continue
		}
		s.Total++
		switch o.Status {
		case domain.OrderPending:
			s.Pending++
		case domain.OrderConfirmed:
			s.Confirmed++
			s.Revenue = s.Revenue.Add(o.TotalAmount)
		case domain.OrderCancelled:
			s.Cancelled++
		}
	}
	s.AverageOrderValue = store.AverageOf(s.Revenue, s.Confirmed)
	s.ConversionRate = store.ConversionRate(s.Confirmed, s.Total)
	return s, nil
}

func (r orderRepo) PendingWithExpired(_ context.Context, now time.Time) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, res := range r.st.reservations {
		if !res.Expired(now) || seen[res.OrderID] {
			continue
		}
		o, ok := r.st.orders[res.OrderID]
		if !ok || o.Status != domain.OrderPending {
			continue
		}
		seen[res.OrderID] = true
		out = append(out, res.OrderID)
	}
	sort.Strings(out)
	return out, nil
}

type customerRepo struct{ st *state }

func (r customerRepo) GetByEmail(_ context.Context, email string) (*domain.Customer, error) {
	for _, c := range r.st.customers {
		if strings.EqualFold(c.Email, email) {
			return &c, nil
		}
	}
	return nil, domain.NotFoundf("customer %s", email)
}

func (r customerRepo) Get(_ context.Context, id string) (*domain.Customer, error) {
	c, ok := r.st.customers[id]
	if !ok {
		return nil, domain.NotFoundf("customer %s", id)
	}
	return &c, nil
}

func (r customerRepo) Insert(_ context.Context, c *domain.Customer) error {
	r.st.customers[c.ID] = *c
	return nil
}

func (r customerRepo) Update(_ context.Context, c *domain.Customer) error {
	if _, ok := r.st.customers[c.ID]; !ok {
		return domain.NotFoundf("customer %s", c.ID)
	}
	r.st.customers[c.ID] = *c
	return nil
}

type catalogRepo struct{ st *state }

func (r catalogRepo) Product(_ context.Context, productID string) (*domain.ProductRef, error) {
	p, ok := r.st.products[productID]
	if !ok {
		return nil, domain.NotFoundf("product %s", productID)
	}
	return &p, nil
}

func (r catalogRepo) Entitlement(_ context.Context, storeID, brandID string) (*domain.Entitlement, error) {
	e, ok := r.st.entitlements[entitlementKey(storeID, brandID)]
	if !ok {
		return nil, domain.NotFoundf("entitlement for store %s brand %s", storeID, brandID)
	}
	return &e, nil
}
