package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/ariefcatur/interlink-stock/internal/store"
)

// Gate decides whether a store may hold stock for a brand.
type Gate struct{}

// IsEntitled reports whether storeID holds a grant for brandID active at at.
// A missing grant is not an error, it is simply "no".
func (Gate) IsEntitled(ctx context.Context, tx store.Tx, storeID, brandID string, at time.Time) (bool, error) {
	e, err := tx.Catalog().Entitlement(ctx, storeID, brandID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.ActiveAt(at), nil
}

// check resolves the product's brand and fails with ErrPermissionDenied when
// the store is not entitled to it.
func (g Gate) check(ctx context.Context, tx store.Tx, storeID, productID string, at time.Time) error {
	p, err := tx.Catalog().Product(ctx, productID)
	if err != nil {
		return err
	}
	ok, err := g.IsEntitled(ctx, tx, storeID, p.BrandID, at)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("store %s has no active entitlement for brand %s: %w", storeID, p.BrandID, domain.ErrPermissionDenied)
	}
	return nil
}
