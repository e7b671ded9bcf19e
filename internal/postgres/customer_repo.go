package postgres

import (
	"context"

	"github.com/ariefcatur/interlink-stock/internal/domain"
	"github.com/jackc/pgx/v5"
)

type customerRepo struct{ tx pgx.Tx }

const customerCols = `id, name, phone, email, address, is_guest, created_at, updated_at`

func scanCustomer(row pgx.Row) (*domain.Customer, error) {
	var c domain.Customer
	if err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.Address, &c.IsGuest, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r customerRepo) GetByEmail(ctx context.Context, email string) (*domain.Customer, error) {
	c, err := scanCustomer(r.tx.QueryRow(ctx, `SELECT `+customerCols+` FROM customers WHERE lower(email)=lower($1)`, email))
	if err != nil {
		return nil, translate(err, "customer "+email)
	}
	return c, nil
}

func (r customerRepo) Get(ctx context.Context, id string) (*domain.Customer, error) {
	c, err := scanCustomer(r.tx.QueryRow(ctx, `SELECT `+customerCols+` FROM customers WHERE id=$1`, id))
	if err != nil {
		return nil, translate(err, "customer "+id)
	}
	return c, nil
}

func (r customerRepo) Insert(ctx context.Context, c *domain.Customer) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO customers(`+customerCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.Name, c.Phone, c.Email, c.Address, c.IsGuest, c.CreatedAt, c.UpdatedAt)
	return translate(err, "customer "+c.Email)
}

func (r customerRepo) Update(ctx context.Context, c *domain.Customer) error {
	ct, err := r.tx.Exec(ctx, `
		UPDATE customers SET name=$2, phone=$3, address=$4, updated_at=$5 WHERE id=$1`,
		c.ID, c.Name, c.Phone, c.Address, c.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return domain.NotFoundf("customer %s", c.ID)
	}
	return nil
}

type catalogRepo struct{ tx pgx.Tx }

func (r catalogRepo) Product(ctx context.Context, productID string) (*domain.ProductRef, error) {
	var p domain.ProductRef
	err := r.tx.QueryRow(ctx, `SELECT id, brand_id, name, sku FROM products WHERE id=$1`, productID).
		Scan(&p.ID, &p.BrandID, &p.Name, &p.SKU)
	if err != nil {
		return nil, translate(err, "product "+productID)
	}
	return &p, nil
}

func (r catalogRepo) Entitlement(ctx context.Context, storeID, brandID string) (*domain.Entitlement, error) {
	e := domain.Entitlement{StoreID: storeID, BrandID: brandID}
	err := r.tx.QueryRow(ctx, `
		SELECT effective_from, effective_to FROM store_brand_entitlements
		WHERE store_id=$1 AND brand_id=$2`, storeID, brandID).
		Scan(&e.EffectiveFrom, &e.EffectiveTo)
	if err != nil {
		return nil, translate(err, "entitlement for store "+storeID+" brand "+brandID)
	}
	return &e, nil
}
